package capture

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"strings"
)

type grokAdapter struct {
	adapterEnv
	baseURL string
}

func newGrokAdapter(env adapterEnv) *grokAdapter {
	return &grokAdapter{adapterEnv: env, baseURL: "https://x.com"}
}

func (a *grokAdapter) Platform() string { return PlatformGrok }

type grokWire struct {
	Items     []grokItem `json:"items"`
	CreatedAt float64    `json:"created_at"`
	UpdatedAt float64    `json:"updated_at"`
}

type grokItem struct {
	Sender    int     `json:"sender"`
	Message   string  `json:"message"`
	Text      string  `json:"text"`
	Timestamp float64 `json:"timestamp"`
}

func (a *grokAdapter) FetchConversation(ctx context.Context, id, pageURL string, fallback *FallbackPayload) (*Conversation, error) {
	if conv := conversationFromFallback(PlatformGrok, id, pageURL, fallback); conv != nil {
		return conv, nil
	}
	// Both tokens are required; either one missing fails before any
	// network traffic.
	creds, err := a.credentials(ctx, PlatformGrok, "auth_token", "csrf_token")
	if err != nil {
		return nil, err
	}

	body, err := json.Marshal(map[string]string{"conversation_id": id})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		a.baseURL+"/i/api/1.1/grok/history.json", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", creds["auth_token"])
	req.Header.Set("x-csrf-token", creds["csrf_token"])
	req.Header.Set("x-twitter-auth-type", "OAuth2Session")

	resp, err := a.do(req)
	if err != nil {
		return nil, err
	}
	if isAuthStatus(resp.StatusCode) {
		_ = resp.Body.Close()
		return nil, a.expireCredentials(ctx, PlatformGrok, "refresh the page", "auth_token", "csrf_token")
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, statusError(PlatformGrok, resp)
	}
	defer resp.Body.Close()

	var wire grokWire
	if err := json.NewDecoder(resp.Body).Decode(&wire); err != nil {
		return nil, &ParseError{Platform: PlatformGrok, Reason: err.Error()}
	}
	return a.normalize(&wire, id, pageURL), nil
}

func (a *grokAdapter) normalize(wire *grokWire, id, pageURL string) *Conversation {
	messages := make([]Message, 0, len(wire.Items))
	for _, item := range wire.Items {
		content := item.Message
		if content == "" {
			content = item.Text
		}
		messages = append(messages, Message{
			Role:      roleFromSender(item.Sender),
			Content:   content,
			Timestamp: epochMillis(item.Timestamp),
		})
	}

	url := pageURL
	if !strings.Contains(url, "x.com/i/grok") {
		url = "https://x.com/i/grok?conversation_id=" + id
	}
	return &Conversation{
		ID:        id,
		Platform:  PlatformGrok,
		Title:     deriveTitle("", messages, "Grok Conversation"),
		Messages:  messages,
		URL:       url,
		CreatedAt: epochMillis(wire.CreatedAt),
		UpdatedAt: epochMillis(wire.UpdatedAt),
	}
}
