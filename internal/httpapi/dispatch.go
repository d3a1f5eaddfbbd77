package httpapi

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"github.com/chatvault/chatvault/internal/capture"
	"github.com/chatvault/chatvault/internal/dashboard"
)

// Request is one typed message from a collaborator. Action selects the
// operation; the remaining fields are action-specific.
type Request struct {
	Action string `json:"action"`

	// setAuthToken
	AccessToken  string `json:"accessToken,omitempty"`
	RefreshToken string `json:"refreshToken,omitempty"`
	ExpiresAt    int64  `json:"expiresAt,omitempty"`
	RememberMe   bool   `json:"rememberMe,omitempty"`

	// storeGeminiToken
	Token string `json:"token,omitempty"`

	// getConversation
	Platform       string                   `json:"platform,omitempty"`
	ConversationID string                   `json:"conversationId,omitempty"`
	URL            string                   `json:"url,omitempty"`
	Payload        *capture.FallbackPayload `json:"payload,omitempty"`

	// saveToDashboard
	Data     *capture.Conversation `json:"data,omitempty"`
	FolderID string                `json:"folderId,omitempty"`
	Silent   bool                  `json:"silent,omitempty"`

	// enhancePrompt
	Prompt string `json:"prompt,omitempty"`
}

// Directive asks the caller to perform a UI side effect the service
// cannot do itself.
type Directive struct {
	Type   string `json:"type"`
	URL    string `json:"url,omitempty"`
	Script string `json:"script,omitempty"`
}

const (
	DirectiveOpenURL      = "open_url"
	DirectiveInjectScript = "inject_script"
)

type Response struct {
	Success    bool               `json:"success"`
	Error      string             `json:"error,omitempty"`
	IsValid    *bool              `json:"isValid,omitempty"`
	Folders    []dashboard.Folder `json:"folders,omitempty"`
	Data       any                `json:"data,omitempty"`
	Queued     bool               `json:"queued,omitempty"`
	Directives []Directive        `json:"directives,omitempty"`
}

func okResponse() Response { return Response{Success: true} }

func errResponse(msg string) Response { return Response{Success: false, Error: msg} }

// geminiMainScript is the page-world script collaborators inject to
// capture the Gemini at token.
const geminiMainScript = "gemini-main.js"

// Dispatcher executes typed messages. Every recognized action yields
// exactly one response; unknown actions return handled=false so the
// caller can pass the message on.
type Dispatcher struct {
	adapters *capture.AdapterSet
	service  *dashboard.Service
	observer *capture.Observer
	store    capture.Store
	drainer  *dashboard.Drainer
	logger   *slog.Logger
}

func NewDispatcher(adapters *capture.AdapterSet, service *dashboard.Service, observer *capture.Observer, store capture.Store, drainer *dashboard.Drainer, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		adapters: adapters,
		service:  service,
		observer: observer,
		store:    store,
		drainer:  drainer,
		logger:   logger,
	}
}

func (d *Dispatcher) Dispatch(ctx context.Context, req Request) (Response, bool) {
	switch req.Action {
	case "setAuthToken":
		return d.handleSetAuthToken(ctx, req), true
	case "checkDashboardSession":
		return d.handleCheckSession(ctx), true
	case "syncAll":
		return d.handleSyncAll(ctx), true
	case "fetchPrompts":
		return d.handleFetchPrompts(ctx), true
	case "syncPrompts":
		return d.handleSyncPrompts(ctx), true
	case "injectGeminiMainScript":
		return Response{Success: true, Directives: []Directive{{Type: DirectiveInjectScript, Script: geminiMainScript}}}, true
	case "storeGeminiToken":
		return d.handleStoreGeminiToken(ctx, req), true
	case "getUserFolders":
		return d.handleGetFolders(ctx, req), true
	case "getConversation":
		return d.handleGetConversation(ctx, req), true
	case "saveToDashboard":
		return d.handleSaveConversation(ctx, req), true
	case "openLoginPage":
		return Response{Success: true, Directives: []Directive{d.loginDirective()}}, true
	case "enhancePrompt":
		return d.handleEnhancePrompt(ctx, req), true
	default:
		return Response{}, false
	}
}

func (d *Dispatcher) loginDirective() Directive {
	return Directive{Type: DirectiveOpenURL, URL: d.service.Client().LoginURL()}
}

func (d *Dispatcher) handleSetAuthToken(ctx context.Context, req Request) Response {
	session := dashboard.Session{
		AccessToken:  req.AccessToken,
		RefreshToken: req.RefreshToken,
		ExpiresAt:    req.ExpiresAt,
	}
	if err := d.service.SetSession(ctx, session); err != nil {
		return errResponse(err.Error())
	}
	return okResponse()
}

func (d *Dispatcher) handleCheckSession(ctx context.Context) Response {
	valid := d.service.Sessions().IsValid(ctx)
	return Response{Success: true, IsValid: &valid}
}

func (d *Dispatcher) handleSyncAll(ctx context.Context) Response {
	status := d.service.SyncAll(ctx, d.observer)
	return Response{Success: true, Data: status}
}

func (d *Dispatcher) handleFetchPrompts(ctx context.Context) Response {
	prompts, err := d.service.Cache().Prompts(ctx)
	if err != nil {
		return errResponse(err.Error())
	}
	return Response{Success: true, Data: prompts}
}

func (d *Dispatcher) handleSyncPrompts(ctx context.Context) Response {
	prompts, err := d.service.Cache().RefreshPrompts(ctx)
	if err != nil {
		return errResponse(err.Error())
	}
	return Response{Success: true, Data: prompts}
}

func (d *Dispatcher) handleStoreGeminiToken(ctx context.Context, req Request) Response {
	// An empty token is acknowledged without effect so page scripts can
	// fire unconditionally.
	if strings.TrimSpace(req.Token) == "" {
		return okResponse()
	}
	if _, err := capture.StoreCredentialValues(ctx, d.store, capture.PlatformGemini,
		map[string]string{"at_token": req.Token}); err != nil {
		return errResponse(err.Error())
	}
	return okResponse()
}

func (d *Dispatcher) handleGetFolders(ctx context.Context, req Request) Response {
	folders, err := d.service.Cache().Folders(ctx)
	if err != nil {
		resp := errResponse(err.Error())
		if errors.Is(err, dashboard.ErrUnauthenticated) && !req.Silent {
			resp.Directives = []Directive{d.loginDirective()}
		}
		return resp
	}
	return Response{Success: true, Folders: folders}
}

func (d *Dispatcher) handleGetConversation(ctx context.Context, req Request) Response {
	conv, err := d.adapters.FetchConversation(ctx, req.Platform, req.ConversationID, req.URL, req.Payload)
	if err != nil {
		return errResponse(err.Error())
	}
	return Response{Success: true, Data: conv}
}

func (d *Dispatcher) handleSaveConversation(ctx context.Context, req Request) Response {
	queued, err := d.service.SaveChat(ctx, req.Data, req.FolderID, req.Silent)
	if err == nil {
		return okResponse()
	}
	resp := errResponse(err.Error())
	resp.Queued = queued
	if queued && d.drainer != nil {
		d.drainer.Kick()
	}
	if errors.Is(err, dashboard.ErrUnauthenticated) && !req.Silent {
		resp.Directives = []Directive{d.loginDirective()}
	}
	return resp
}

func (d *Dispatcher) handleEnhancePrompt(ctx context.Context, req Request) Response {
	enhanced, err := d.service.EnhancePrompt(ctx, req.Prompt)
	if err != nil {
		return errResponse(err.Error())
	}
	return Response{Success: true, Data: enhanced}
}
