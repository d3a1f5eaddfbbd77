package dashboard

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/chatvault/chatvault/internal/capture"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func staticToken(token string) AccessTokenProvider {
	return func(context.Context) (string, error) { return token, nil }
}

func fastClient(srv *httptest.Server, token string) *Client {
	return NewClient(ClientOptions{
		BaseURL:       srv.URL,
		TokenProvider: staticToken(token),
		HTTPClient:    srv.Client(),
		BaseDelay:     time.Millisecond,
		MaxDelay:      5 * time.Millisecond,
	})
}

func TestClientFoldersSendsBearerToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/folders" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer tok" {
			t.Errorf("unexpected authorization %q", got)
		}
		json.NewEncoder(w).Encode(map[string]any{
			"folders": []map[string]string{{"id": "f1", "name": "Work"}},
		})
	}))
	defer srv.Close()

	folders, err := fastClient(srv, "tok").Folders(context.Background())
	if err != nil {
		t.Fatalf("Folders failed: %v", err)
	}
	if len(folders) != 1 || folders[0].ID != "f1" || folders[0].Name != "Work" {
		t.Fatalf("unexpected folders: %+v", folders)
	}
}

func TestClientRequiresTokenForAuthedCalls(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Errorf("server should not be reached without a token")
	}))
	defer srv.Close()

	_, err := fastClient(srv, "").Folders(context.Background())
	if !errors.Is(err, ErrUnauthenticated) {
		t.Fatalf("expected ErrUnauthenticated, got %v", err)
	}
}

func TestClientRetriesServerErrors(t *testing.T) {
	attempts := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		if attempts < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{"folders": []any{}})
	}))
	defer srv.Close()

	if _, err := fastClient(srv, "tok").Folders(context.Background()); err != nil {
		t.Fatalf("expected retry to succeed: %v", err)
	}
	if attempts != 3 {
		t.Fatalf("expected 3 attempts, got %d", attempts)
	}
}

func TestClientDoesNotRetryClientErrors(t *testing.T) {
	attempts := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		w.WriteHeader(http.StatusUnauthorized)
		json.NewEncoder(w).Encode(map[string]string{"error": "token expired"})
	}))
	defer srv.Close()

	_, err := fastClient(srv, "tok").Folders(context.Background())
	if attempts != 1 {
		t.Fatalf("401 must not be retried, got %d attempts", attempts)
	}
	var httpErr *HTTPError
	if !errors.As(err, &httpErr) {
		t.Fatalf("expected *HTTPError, got %v", err)
	}
	if httpErr.StatusCode != http.StatusUnauthorized || httpErr.Message != "token expired" {
		t.Fatalf("unexpected error detail: %+v", httpErr)
	}
	if !errors.Is(err, ErrUnauthenticated) {
		t.Fatalf("401 should unwrap to ErrUnauthenticated")
	}
}

func TestClientSaveChatPayload(t *testing.T) {
	var got SavePayload
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/api/chats" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	payload := SavePayload{
		Title:    "T",
		Content:  "[USER]: hi",
		Messages: []capture.Message{{Role: "user", Content: "hi"}},
		Platform: "chatgpt",
		URL:      "https://chatgpt.com/c/1",
		FolderID: "f1",
	}
	if err := fastClient(srv, "tok").SaveChat(context.Background(), payload); err != nil {
		t.Fatalf("SaveChat failed: %v", err)
	}
	if got.Title != "T" || got.FolderID != "f1" || len(got.Messages) != 1 {
		t.Fatalf("payload mangled: %+v", got)
	}
}

func TestClientRefresh(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		json.NewDecoder(r.Body).Decode(&body)
		if body["refreshToken"] != "r1" {
			t.Errorf("unexpected refresh token %q", body["refreshToken"])
		}
		json.NewEncoder(w).Encode(Session{AccessToken: "new", RefreshToken: "r2", ExpiresAt: 123})
	}))
	defer srv.Close()

	session, err := fastClient(srv, "").Refresh(context.Background(), "r1")
	if err != nil {
		t.Fatalf("Refresh failed: %v", err)
	}
	if session.AccessToken != "new" || session.RefreshToken != "r2" {
		t.Fatalf("unexpected session: %+v", session)
	}

	if _, err := fastClient(srv, "").Refresh(context.Background(), "  "); !errors.Is(err, ErrUnauthenticated) {
		t.Fatalf("empty refresh token should fail fast, got %v", err)
	}
}

func TestClientRetryDelayHonorsRetryAfter(t *testing.T) {
	c := NewClient(ClientOptions{
		BaseURL:   "http://example.invalid",
		BaseDelay: 10 * time.Millisecond,
		MaxDelay:  3 * time.Second,
	})
	if got := c.retryDelay(1, "2"); got != 2*time.Second {
		t.Fatalf("Retry-After ignored: %v", got)
	}
	if got := c.retryDelay(1, "9999"); got != 3*time.Second {
		t.Fatalf("Retry-After not capped: %v", got)
	}
	if got := c.retryDelay(1, ""); got != 10*time.Millisecond {
		t.Fatalf("base delay wrong: %v", got)
	}
	if got := c.retryDelay(3, ""); got != 40*time.Millisecond {
		t.Fatalf("backoff wrong: %v", got)
	}
}

func TestClientLoginURL(t *testing.T) {
	c := NewClient(ClientOptions{BaseURL: "https://app.example.com/"})
	if got := c.LoginURL(); got != "https://app.example.com/auth/signin?redirect=/extension-auth" {
		t.Fatalf("unexpected login URL %q", got)
	}
}
