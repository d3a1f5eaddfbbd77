package dashboard

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/chatvault/chatvault/internal/capture"
)

// Service ties the dashboard client, session, cache and offline queue
// together into the operations the dispatcher exposes.
type Service struct {
	client   *Client
	sessions *SessionManager
	cache    *ResponseCache
	queue    *capture.SyncQueue
	limiter  *capture.RateLimiter
	logger   *slog.Logger
}

func NewService(client *Client, sessions *SessionManager, cache *ResponseCache, queue *capture.SyncQueue, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		client:   client,
		sessions: sessions,
		cache:    cache,
		queue:    queue,
		limiter:  capture.NewRateLimiter(capture.DefaultLimiterOptions["dashboard"]),
		logger:   logger,
	}
}

func (s *Service) Client() *Client           { return s.client }
func (s *Service) Sessions() *SessionManager { return s.sessions }
func (s *Service) Cache() *ResponseCache     { return s.cache }
func (s *Service) Queue() *capture.SyncQueue { return s.queue }

// SetSession stores a fresh session and refreshes the prompt cache in
// the background.
func (s *Service) SetSession(ctx context.Context, session Session) error {
	if err := s.sessions.Set(ctx, session); err != nil {
		return err
	}
	go func() {
		bg, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if _, err := s.cache.RefreshPrompts(bg); err != nil {
			s.logger.Debug("prompt sync after login failed", "error", err)
		}
	}()
	return nil
}

// SaveChat uploads one normalized conversation. Reachability failures
// enqueue the payload and report ErrQueued; a 401 clears the local
// session.
func (s *Service) SaveChat(ctx context.Context, conv *capture.Conversation, folderID string, silent bool) (bool, error) {
	if conv == nil {
		return false, capture.ErrInvalidInput
	}
	if !s.sessions.IsValid(ctx) {
		return false, ErrUnauthenticated
	}

	payload := buildSavePayload(conv, folderID)
	err := s.limiter.Do(ctx, func(ctx context.Context) error {
		return s.client.SaveChat(ctx, payload)
	})
	if err == nil {
		s.logger.Info("conversation saved", "platform", conv.Platform, "id", conv.ID)
		return false, nil
	}

	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		if httpErr.StatusCode == 401 {
			if clearErr := s.sessions.Clear(ctx); clearErr != nil {
				s.logger.Warn("session clear failed", "error", clearErr)
			}
			return false, fmt.Errorf("session expired: %w", ErrUnauthenticated)
		}
		if !httpErr.Temporary() {
			return false, err
		}
	}

	// Network failure or a retryable server error: keep the save for
	// the next drain.
	raw, marshalErr := json.Marshal(payload)
	if marshalErr != nil {
		return false, marshalErr
	}
	if _, queueErr := s.queue.Add(ctx, "chat", raw); queueErr != nil {
		return false, fmt.Errorf("save failed and could not be queued: %w", queueErr)
	}
	return true, fmt.Errorf("%w: %v", ErrQueued, err)
}

// DrainQueue pushes queued saves to the dashboard. Without a valid
// access token the whole cycle is a no-op.
func (s *Service) DrainQueue(ctx context.Context) error {
	if s.sessions.AccessToken(ctx) == "" {
		return nil
	}
	return s.queue.Process(ctx, func(ctx context.Context, item capture.QueueItem) (bool, error) {
		if item.Type != "chat" {
			s.logger.Warn("dropping queue item of unknown type", "id", item.ID, "type", item.Type)
			return true, nil
		}
		var payload SavePayload
		if err := json.Unmarshal(item.Data, &payload); err != nil {
			s.logger.Warn("dropping malformed queue item", "id", item.ID, "error", err)
			return true, nil
		}
		err := s.limiter.Do(ctx, func(ctx context.Context) error {
			return s.client.SaveChat(ctx, payload)
		})
		if err == nil {
			return true, nil
		}
		if errors.Is(err, ErrUnauthenticated) {
			// Session died mid-drain; leave everything for later.
			return false, err
		}
		s.logger.Debug("queued save still failing", "id", item.ID, "error", err)
		return false, nil
	})
}

// SyncStatus summarizes one syncAll pass for the caller UI.
type SyncStatus struct {
	SessionValid bool             `json:"sessionValid"`
	Credentials  map[string]int64 `json:"credentials"`
	QueueDepth   int              `json:"queueDepth"`
	PromptCount  int              `json:"promptCount"`
}

// SyncAll re-checks the dashboard session against the API, reloads the
// credential snapshot and refreshes the prompt cache. When the
// dashboard is unreachable the local expiry check decides validity.
func (s *Service) SyncAll(ctx context.Context, observer *capture.Observer) SyncStatus {
	status := SyncStatus{Credentials: map[string]int64{}}

	if observer != nil {
		for platform, creds := range observer.CredentialsSnapshot(ctx) {
			status.Credentials[platform] = creds.DiscoveredAt
		}
	}
	status.QueueDepth = s.queue.Len(ctx)

	if s.sessions.AccessToken(ctx) == "" {
		return status
	}
	switch err := s.client.Ping(ctx); {
	case err == nil:
		status.SessionValid = true
	case errors.Is(err, ErrUnauthenticated):
		s.logger.Info("dashboard rejected session, clearing it")
		if clearErr := s.sessions.Clear(ctx); clearErr != nil {
			s.logger.Warn("session clear failed", "error", clearErr)
		}
	default:
		// Offline; trust the local expiry check.
		status.SessionValid = s.sessions.IsValid(ctx)
	}

	if status.SessionValid {
		if prompts, err := s.cache.RefreshPrompts(ctx); err == nil {
			status.PromptCount = len(prompts)
		} else {
			s.logger.Debug("prompt sync failed", "error", err)
		}
	}
	return status
}

func (s *Service) EnhancePrompt(ctx context.Context, prompt string) (string, error) {
	if strings.TrimSpace(prompt) == "" {
		return "", capture.ErrInvalidInput
	}
	return s.client.EnhancePrompt(ctx, prompt)
}

func buildSavePayload(conv *capture.Conversation, folderID string) SavePayload {
	url := conv.URL
	if url == "" {
		url = capture.ConversationURL(conv.Platform, conv.ID)
	}
	title := conv.Title
	if strings.TrimSpace(title) == "" {
		title = "Untitled Chat"
	}
	messages := conv.Messages
	if messages == nil {
		messages = []capture.Message{}
	}
	return SavePayload{
		Title:    title,
		Content:  FormatConversationText(conv),
		Messages: messages,
		Platform: conv.Platform,
		URL:      url,
		FolderID: folderID,
	}
}

// FormatConversationText renders messages as "[ROLE]: content" blocks
// for the dashboard's text column.
func FormatConversationText(conv *capture.Conversation) string {
	if conv == nil || len(conv.Messages) == 0 {
		return "No messages"
	}
	blocks := make([]string, 0, len(conv.Messages))
	for _, msg := range conv.Messages {
		blocks = append(blocks, "["+strings.ToUpper(msg.Role)+"]: "+msg.Content)
	}
	return strings.Join(blocks, "\n\n")
}
