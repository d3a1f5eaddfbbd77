package dashboard

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/chatvault/chatvault/internal/capture"
)

const (
	sessionKey = "dashboard_session"

	// Legacy flat keys kept in sync for older collaborators that read
	// them directly.
	legacyAccessTokenKey  = "accessToken"
	legacyRefreshTokenKey = "refreshToken"
	legacyExpiresAtKey    = "expiresAt"
)

const defaultSessionGrace = 5 * time.Minute

type RefreshFunc func(ctx context.Context, refreshToken string) (Session, error)

// SessionManager owns the dashboard session record. A session nearing
// expiry is still reported valid while exactly one background refresh
// runs; a failed refresh clears the session silently.
type SessionManager struct {
	store   capture.Store
	refresh RefreshFunc
	grace   time.Duration
	logger  *slog.Logger

	refreshing atomic.Bool
}

type SessionManagerOptions struct {
	Grace time.Duration
}

func NewSessionManager(store capture.Store, refresh RefreshFunc, logger *slog.Logger, opts SessionManagerOptions) *SessionManager {
	if logger == nil {
		logger = slog.Default()
	}
	grace := opts.Grace
	if grace <= 0 {
		grace = defaultSessionGrace
	}
	return &SessionManager{store: store, refresh: refresh, grace: grace, logger: logger}
}

func (m *SessionManager) Set(ctx context.Context, session Session) error {
	if strings.TrimSpace(session.AccessToken) == "" {
		return capture.ErrInvalidInput
	}
	if err := capture.PutJSON(ctx, m.store, sessionKey, session); err != nil {
		return err
	}
	if err := capture.PutJSON(ctx, m.store, legacyAccessTokenKey, session.AccessToken); err != nil {
		return err
	}
	if err := capture.PutJSON(ctx, m.store, legacyRefreshTokenKey, session.RefreshToken); err != nil {
		return err
	}
	return capture.PutJSON(ctx, m.store, legacyExpiresAtKey, session.ExpiresAt)
}

func (m *SessionManager) Get(ctx context.Context) (Session, bool) {
	var session Session
	ok, err := capture.GetJSON(ctx, m.store, sessionKey, &session)
	if err == nil && ok && strings.TrimSpace(session.AccessToken) != "" {
		return session, true
	}
	return m.legacySession(ctx)
}

// legacySession reassembles a session stored only under the flat keys.
func (m *SessionManager) legacySession(ctx context.Context) (Session, bool) {
	var session Session
	if ok, err := capture.GetJSON(ctx, m.store, legacyAccessTokenKey, &session.AccessToken); err != nil || !ok {
		return Session{}, false
	}
	if strings.TrimSpace(session.AccessToken) == "" {
		return Session{}, false
	}
	_, _ = capture.GetJSON(ctx, m.store, legacyRefreshTokenKey, &session.RefreshToken)
	var expiresAt json.Number
	if ok, _ := capture.GetJSON(ctx, m.store, legacyExpiresAtKey, &expiresAt); ok {
		if v, err := expiresAt.Int64(); err == nil {
			session.ExpiresAt = v
		}
	}
	return session, true
}

func (m *SessionManager) Clear(ctx context.Context) error {
	return m.store.Delete(ctx, sessionKey,
		legacyAccessTokenKey, legacyRefreshTokenKey, legacyExpiresAtKey)
}

// AccessToken returns the current token when the session is valid,
// empty otherwise.
func (m *SessionManager) AccessToken(ctx context.Context) string {
	session, ok := m.Get(ctx)
	if !ok || !m.sessionUsable(session) {
		return ""
	}
	return session.AccessToken
}

// IsValid reports whether the session can authenticate a call right
// now. A session inside the grace window before expiry is still valid
// but kicks off one asynchronous refresh.
func (m *SessionManager) IsValid(ctx context.Context) bool {
	session, ok := m.Get(ctx)
	if !ok || !m.sessionUsable(session) {
		return false
	}
	if session.ExpiresAt > 0 {
		graceEdge := time.Now().Add(m.grace).UnixMilli()
		if session.ExpiresAt <= graceEdge {
			m.refreshAsync(session)
		}
	}
	return true
}

func (m *SessionManager) sessionUsable(session Session) bool {
	if strings.TrimSpace(session.AccessToken) == "" {
		return false
	}
	// A session without a recorded expiry never expires locally.
	if session.ExpiresAt == 0 {
		return true
	}
	return session.ExpiresAt > time.Now().UnixMilli()
}

func (m *SessionManager) refreshAsync(session Session) {
	if m.refresh == nil || strings.TrimSpace(session.RefreshToken) == "" {
		return
	}
	if !m.refreshing.CompareAndSwap(false, true) {
		return
	}
	go func() {
		defer m.refreshing.Store(false)
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		refreshed, err := m.refresh(ctx, session.RefreshToken)
		if err != nil {
			m.logger.Warn("session refresh failed, clearing session", "error", err)
			if clearErr := m.Clear(ctx); clearErr != nil {
				m.logger.Warn("session clear failed", "error", clearErr)
			}
			return
		}
		if refreshed.RefreshToken == "" {
			refreshed.RefreshToken = session.RefreshToken
		}
		if err := m.Set(ctx, refreshed); err != nil {
			m.logger.Warn("refreshed session store failed", "error", err)
			return
		}
		m.logger.Info("dashboard session refreshed")
	}()
}
