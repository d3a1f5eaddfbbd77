package capture

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
)

type deepseekAdapter struct {
	adapterEnv
	baseURL string
}

func newDeepSeekAdapter(env adapterEnv) *deepseekAdapter {
	return &deepseekAdapter{adapterEnv: env, baseURL: "https://chat.deepseek.com"}
}

func (a *deepseekAdapter) Platform() string { return PlatformDeepSeek }

type deepseekWire struct {
	Data struct {
		Title         string            `json:"title"`
		Name          string            `json:"name"`
		CreatedAt     flexTime          `json:"created_at"`
		UpdatedAt     flexTime          `json:"updated_at"`
		SelectionList []deepseekMessage `json:"selection_list"`
		Messages      []deepseekMessage `json:"messages"`
		ChatSession   *struct {
			Title string `json:"title"`
			Name  string `json:"name"`
		} `json:"chat_session"`
	} `json:"data"`
}

type deepseekMessage struct {
	Role      string   `json:"role"`
	Content   string   `json:"content"`
	CreatedAt flexTime `json:"created_at"`
}

// flexTime accepts both numeric epoch values and RFC3339 strings.
type flexTime struct {
	millis int64
}

func (t *flexTime) UnmarshalJSON(raw []byte) error {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" || trimmed == "null" {
		return nil
	}
	if trimmed[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil
		}
		t.millis = parseTimeMillis(s)
		return nil
	}
	var v float64
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil
	}
	t.millis = epochMillis(v)
	return nil
}

func (a *deepseekAdapter) FetchConversation(ctx context.Context, id, pageURL string, fallback *FallbackPayload) (*Conversation, error) {
	if conv := conversationFromFallback(PlatformDeepSeek, id, pageURL, fallback); conv != nil {
		return conv, nil
	}
	creds, err := a.credentials(ctx, PlatformDeepSeek, "token")
	if err != nil {
		return nil, err
	}

	endpoint := a.baseURL + "/api/v0/chat/history_messages?chat_session_id=" + url.QueryEscape(id)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", creds["token"])
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.do(req)
	if err != nil {
		return nil, err
	}
	if isAuthStatus(resp.StatusCode) {
		_ = resp.Body.Close()
		return nil, a.expireCredentials(ctx, PlatformDeepSeek, "refresh the page", "token")
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, statusError(PlatformDeepSeek, resp)
	}
	defer resp.Body.Close()

	var wire deepseekWire
	if err := json.NewDecoder(resp.Body).Decode(&wire); err != nil {
		return nil, &ParseError{Platform: PlatformDeepSeek, Reason: err.Error()}
	}
	return a.normalize(&wire, id, pageURL), nil
}

func (a *deepseekAdapter) normalize(wire *deepseekWire, id, pageURL string) *Conversation {
	items := wire.Data.SelectionList
	if len(items) == 0 {
		items = wire.Data.Messages
	}
	messages := make([]Message, 0, len(items))
	for _, item := range items {
		role := RoleAssistant
		if item.Role == "user" {
			role = RoleUser
		}
		messages = append(messages, Message{
			Role:      role,
			Content:   item.Content,
			Timestamp: item.CreatedAt.millis,
		})
	}

	title := wire.Data.Title
	if title == "" {
		title = wire.Data.Name
	}
	if title == "" && wire.Data.ChatSession != nil {
		title = wire.Data.ChatSession.Title
		if title == "" {
			title = wire.Data.ChatSession.Name
		}
	}
	url := pageURL
	if !strings.Contains(url, "deepseek.com") {
		url = "https://chat.deepseek.com/chat/" + id
	}
	return &Conversation{
		ID:        id,
		Platform:  PlatformDeepSeek,
		Title:     deriveTitle(title, messages, "DeepSeek Conversation"),
		Messages:  messages,
		URL:       url,
		CreatedAt: wire.Data.CreatedAt.millis,
		UpdatedAt: wire.Data.UpdatedAt.millis,
	}
}
