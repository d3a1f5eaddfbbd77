package capture

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
)

type qwenAdapter struct {
	adapterEnv
	baseURL string
}

func newQwenAdapter(env adapterEnv) *qwenAdapter {
	return &qwenAdapter{adapterEnv: env, baseURL: "https://chat.qwenlm.ai"}
}

func (a *qwenAdapter) Platform() string { return PlatformQwen }

type qwenWire struct {
	Title       string        `json:"title"`
	SessionName string        `json:"session_name"`
	CreatedAt   float64       `json:"created_at"`
	UpdatedAt   float64       `json:"updated_at"`
	Messages    []qwenMessage `json:"messages"`
}

type qwenMessage struct {
	Role      string  `json:"role"`
	Content   string  `json:"content"`
	Timestamp float64 `json:"timestamp"`
}

func (a *qwenAdapter) FetchConversation(ctx context.Context, id, pageURL string, fallback *FallbackPayload) (*Conversation, error) {
	if conv := conversationFromFallback(PlatformQwen, id, pageURL, fallback); conv != nil {
		return conv, nil
	}
	creds, err := a.credentials(ctx, PlatformQwen, "xsrf_token")
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		a.baseURL+"/api/v1/sessions/"+id+"/messages", nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Xsrf-Token", creds["xsrf_token"])
	if appID := strings.TrimSpace(creds["app_id"]); appID != "" {
		req.Header.Set("x-app-id", appID)
	}

	resp, err := a.do(req)
	if err != nil {
		return nil, err
	}
	if isAuthStatus(resp.StatusCode) {
		_ = resp.Body.Close()
		return nil, a.expireCredentials(ctx, PlatformQwen, "refresh the page", "xsrf_token", "app_id")
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, statusError(PlatformQwen, resp)
	}
	defer resp.Body.Close()

	var wire qwenWire
	if err := json.NewDecoder(resp.Body).Decode(&wire); err != nil {
		return nil, &ParseError{Platform: PlatformQwen, Reason: err.Error()}
	}
	return a.normalize(&wire, id, pageURL), nil
}

func (a *qwenAdapter) normalize(wire *qwenWire, id, pageURL string) *Conversation {
	messages := make([]Message, 0, len(wire.Messages))
	for _, msg := range wire.Messages {
		role := RoleAssistant
		if msg.Role == "user" {
			role = RoleUser
		}
		messages = append(messages, Message{
			Role:      role,
			Content:   msg.Content,
			Timestamp: epochMillis(msg.Timestamp),
		})
	}

	title := wire.Title
	if title == "" {
		title = wire.SessionName
	}
	url := pageURL
	if !strings.Contains(url, "qwenlm.ai") {
		url = "https://chat.qwenlm.ai/chat/" + id
	}
	return &Conversation{
		ID:        id,
		Platform:  PlatformQwen,
		Title:     deriveTitle(title, messages, "Qwen Conversation"),
		Messages:  messages,
		URL:       url,
		CreatedAt: epochMillis(wire.CreatedAt),
		UpdatedAt: epochMillis(wire.UpdatedAt),
	}
}
