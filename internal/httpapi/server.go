package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/chatvault/chatvault/internal/capture"
)

type ServerConfig struct {
	MaxBodyBytes int64
}

// Server is the local HTTP surface: the typed message endpoint, the
// observation ingest stream and a queue status probe.
type Server struct {
	dispatcher *Dispatcher
	observer   *capture.Observer
	queue      *capture.SyncQueue
	logger     *slog.Logger
	cfg        ServerConfig
}

func NewServer(dispatcher *Dispatcher, observer *capture.Observer, queue *capture.SyncQueue, logger *slog.Logger, cfg ServerConfig) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	return &Server{
		dispatcher: dispatcher,
		observer:   observer,
		queue:      queue,
		logger:     logger,
		cfg:        cfg,
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch {
	case r.URL.Path == "/health" && r.Method == http.MethodGet:
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	case r.URL.Path == "/v1/messages" && r.Method == http.MethodPost:
		s.handleMessage(w, r)
	case r.URL.Path == "/v1/observe" && r.Method == http.MethodGet:
		s.handleObserve(w, r)
	case r.URL.Path == "/v1/queue" && r.Method == http.MethodGet:
		s.handleQueue(w, r)
	default:
		writeError(w, http.StatusNotFound, "route not found")
	}
}

func (s *Server) handleMessage(w http.ResponseWriter, r *http.Request) {
	var req Request
	if !s.decodeJSONBody(w, r, &req) {
		return
	}
	resp, handled := s.dispatcher.Dispatch(r.Context(), req)
	if !handled {
		writeError(w, http.StatusNotFound, "unhandled action: "+req.Action)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleObserve accepts a WebSocket stream of observation events. The
// stream is one-way; malformed frames end it.
func (s *Server) handleObserve(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.logger.Warn("observe stream rejected", "error", err)
		return
	}
	defer conn.Close(websocket.StatusInternalError, "closed")

	ctx := r.Context()
	for {
		var ev capture.ObservationEvent
		if err := wsjson.Read(ctx, conn, &ev); err != nil {
			status := websocket.CloseStatus(err)
			if status == websocket.StatusNormalClosure || status == websocket.StatusGoingAway ||
				errors.Is(err, context.Canceled) {
				conn.Close(websocket.StatusNormalClosure, "")
				return
			}
			s.logger.Debug("observe stream ended", "error", err)
			conn.Close(websocket.StatusInvalidFramePayloadData, "bad event")
			return
		}
		s.observer.Observe(ctx, ev)
	}
}

func (s *Server) handleQueue(w http.ResponseWriter, r *http.Request) {
	items, err := s.queue.Items(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	oldest := int64(0)
	if len(items) > 0 {
		oldest = items[0].Timestamp
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"depth":  len(items),
		"oldest": oldest,
	})
}

func (s *Server) decodeJSONBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "request body exceeds configured limit")
			return false
		}
		writeError(w, http.StatusBadRequest, "failed to read request body")
		return false
	}
	if err := json.Unmarshal(body, dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, Response{Success: false, Error: message})
}
