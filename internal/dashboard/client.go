package dashboard

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/chatvault/chatvault/internal/capture"
)

type AccessTokenProvider func(ctx context.Context) (string, error)

type ClientOptions struct {
	BaseURL       string
	TokenProvider AccessTokenProvider
	HTTPClient    *http.Client
	UserAgent     string
	MaxRetries    int
	BaseDelay     time.Duration
	MaxDelay      time.Duration
}

// Client talks to the dashboard REST API. Transient failures (network
// errors, 429, 5xx) are retried with exponential backoff; everything
// else surfaces as *HTTPError.
type Client struct {
	baseURL       string
	tokenProvider AccessTokenProvider
	httpClient    *http.Client
	userAgent     string
	maxRetries    int
	baseDelay     time.Duration
	maxDelay      time.Duration
}

func NewClient(opts ClientOptions) *Client {
	baseURL := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 20 * time.Second}
	}
	maxRetries := opts.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}
	baseDelay := opts.BaseDelay
	if baseDelay <= 0 {
		baseDelay = 100 * time.Millisecond
	}
	maxDelay := opts.MaxDelay
	if maxDelay <= 0 {
		maxDelay = 2 * time.Second
	}
	return &Client{
		baseURL:       baseURL,
		tokenProvider: opts.TokenProvider,
		httpClient:    httpClient,
		userAgent:     strings.TrimSpace(opts.UserAgent),
		maxRetries:    maxRetries,
		baseDelay:     baseDelay,
		maxDelay:      maxDelay,
	}
}

func (c *Client) BaseURL() string { return c.baseURL }

// LoginURL is where the user authenticates when a call needs a session
// the service does not have.
func (c *Client) LoginURL() string {
	return c.baseURL + "/auth/signin?redirect=/extension-auth"
}

type Folder struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type Settings struct {
	QuickAccessFolders []string `json:"quickAccessFolders"`
}

type Prompt struct {
	ID       string `json:"id"`
	Title    string `json:"title"`
	Content  string `json:"content"`
	Category string `json:"category,omitempty"`
}

// SavePayload is the body of POST /api/chats: the formatted text plus
// the raw normalized messages.
type SavePayload struct {
	Title    string            `json:"title"`
	Content  string            `json:"content"`
	Messages []capture.Message `json:"messages"`
	Platform string            `json:"platform"`
	URL      string            `json:"url"`
	FolderID string            `json:"folder_id,omitempty"`
}

type Session struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken,omitempty"`
	ExpiresAt    int64  `json:"expiresAt,omitempty"`
	User         string `json:"user,omitempty"`
}

func (c *Client) Folders(ctx context.Context) ([]Folder, error) {
	var out struct {
		Folders []Folder `json:"folders"`
	}
	if err := c.doJSON(ctx, http.MethodGet, "/api/folders", nil, &out, true); err != nil {
		return nil, err
	}
	return out.Folders, nil
}

func (c *Client) Settings(ctx context.Context) (Settings, error) {
	var out struct {
		Settings Settings `json:"settings"`
	}
	if err := c.doJSON(ctx, http.MethodGet, "/api/user/settings", nil, &out, true); err != nil {
		return Settings{}, err
	}
	return out.Settings, nil
}

func (c *Client) SaveChat(ctx context.Context, payload SavePayload) error {
	return c.doJSON(ctx, http.MethodPost, "/api/chats", payload, nil, true)
}

func (c *Client) Prompts(ctx context.Context) ([]Prompt, error) {
	var out struct {
		Prompts []Prompt `json:"prompts"`
	}
	if err := c.doJSON(ctx, http.MethodGet, "/api/prompts", nil, &out, true); err != nil {
		return nil, err
	}
	return out.Prompts, nil
}

// Refresh exchanges the refresh token for a new session.
func (c *Client) Refresh(ctx context.Context, refreshToken string) (Session, error) {
	refreshToken = strings.TrimSpace(refreshToken)
	if refreshToken == "" {
		return Session{}, ErrUnauthenticated
	}
	body := map[string]string{"refreshToken": refreshToken}
	var session Session
	if err := c.doJSON(ctx, http.MethodPost, "/api/auth/refresh", body, &session, false); err != nil {
		return Session{}, err
	}
	if strings.TrimSpace(session.AccessToken) == "" {
		return Session{}, fmt.Errorf("refresh returned no access token")
	}
	return session, nil
}

func (c *Client) EnhancePrompt(ctx context.Context, prompt string) (string, error) {
	body := map[string]string{"prompt": prompt}
	var out struct {
		EnhancedPrompt string `json:"enhancedPrompt"`
	}
	// Auth is best effort here: the server only uses the token to
	// attribute usage.
	if err := c.doJSON(ctx, http.MethodPost, "/api/ai/enhance-prompt", body, &out, false); err != nil {
		return "", err
	}
	return out.EnhancedPrompt, nil
}

// Ping verifies the session against a lightweight authenticated
// endpoint.
func (c *Client) Ping(ctx context.Context) error {
	return c.doJSON(ctx, http.MethodGet, "/api/folders", nil, nil, true)
}

func (c *Client) doJSON(ctx context.Context, method, path string, payload, out any, authRequired bool) error {
	if c == nil {
		return fmt.Errorf("dashboard client is nil")
	}
	token := ""
	if c.tokenProvider != nil {
		provided, err := c.tokenProvider(ctx)
		if err != nil {
			return err
		}
		token = strings.TrimSpace(provided)
	}
	if authRequired && token == "" {
		return ErrUnauthenticated
	}

	var bodyBytes []byte
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		bodyBytes = encoded
	}
	url := c.baseURL + path

	for attempt := 0; ; attempt++ {
		var reader io.Reader
		if bodyBytes != nil {
			reader = bytes.NewReader(bodyBytes)
		}
		req, err := http.NewRequestWithContext(ctx, method, url, reader)
		if err != nil {
			return err
		}
		if bodyBytes != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
		if c.userAgent != "" {
			req.Header.Set("User-Agent", c.userAgent)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if attempt < c.maxRetries {
				if waitErr := sleepContext(ctx, c.retryDelay(attempt+1, "")); waitErr != nil {
					return waitErr
				}
				continue
			}
			return err
		}

		respBody, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			return readErr
		}
		if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
			if out == nil || len(respBody) == 0 {
				return nil
			}
			return json.Unmarshal(respBody, out)
		}

		if (resp.StatusCode == http.StatusTooManyRequests || (resp.StatusCode >= 500 && resp.StatusCode <= 599)) && attempt < c.maxRetries {
			if waitErr := sleepContext(ctx, c.retryDelay(attempt+1, resp.Header.Get("Retry-After"))); waitErr != nil {
				return waitErr
			}
			continue
		}

		message := strings.TrimSpace(string(respBody))
		var parsed map[string]any
		if json.Unmarshal(respBody, &parsed) == nil {
			if m, ok := parsed["error"].(string); ok && strings.TrimSpace(m) != "" {
				message = m
			} else if m, ok := parsed["message"].(string); ok && strings.TrimSpace(m) != "" {
				message = m
			}
		}
		return &HTTPError{StatusCode: resp.StatusCode, Message: message}
	}
}

func (c *Client) retryDelay(attempt int, retryAfterHeader string) time.Duration {
	if retryAfter := parseRetryAfterSeconds(retryAfterHeader); retryAfter > 0 {
		if retryAfter > c.maxDelay {
			return c.maxDelay
		}
		return retryAfter
	}
	delay := c.baseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= c.maxDelay {
			return c.maxDelay
		}
	}
	if delay > c.maxDelay {
		return c.maxDelay
	}
	return delay
}

func parseRetryAfterSeconds(header string) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	seconds, err := strconv.Atoi(header)
	if err != nil || seconds < 0 {
		return 0
	}
	return time.Duration(seconds) * time.Second
}

func sleepContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
