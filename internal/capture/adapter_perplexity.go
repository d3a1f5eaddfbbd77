package capture

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
)

type perplexityAdapter struct {
	adapterEnv
	baseURL string
}

func newPerplexityAdapter(env adapterEnv) *perplexityAdapter {
	return &perplexityAdapter{adapterEnv: env, baseURL: "https://www.perplexity.ai"}
}

func (a *perplexityAdapter) Platform() string { return PlatformPerplexity }

type perplexityWire struct {
	Thread struct {
		Title     string              `json:"title"`
		Query     string              `json:"query"`
		CreatedAt string              `json:"created_at"`
		UpdatedAt string              `json:"updated_at"`
		Messages  []perplexityMessage `json:"messages"`
	} `json:"thread"`
}

type perplexityMessage struct {
	Role      string `json:"role"`
	Text      string `json:"text"`
	Content   string `json:"content"`
	CreatedAt string `json:"created_at"`
}

func (a *perplexityAdapter) FetchConversation(ctx context.Context, id, pageURL string, fallback *FallbackPayload) (*Conversation, error) {
	if conv := conversationFromFallback(PlatformPerplexity, id, pageURL, fallback); conv != nil {
		return conv, nil
	}
	// The session token is optional for thread hydration.
	creds, err := a.credentials(ctx, PlatformPerplexity)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		a.baseURL+"/rest/threads/"+id, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-version", "2024-01-01")
	if session := strings.TrimSpace(creds["session"]); session != "" {
		req.Header.Set("Authorization", "Bearer "+strings.TrimPrefix(session, bearerTokenPrefix))
	}

	resp, err := a.do(req)
	if err != nil {
		return nil, err
	}
	if isAuthStatus(resp.StatusCode) {
		_ = resp.Body.Close()
		return nil, a.expireCredentials(ctx, PlatformPerplexity, "refresh the page", "session")
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, statusError(PlatformPerplexity, resp)
	}
	defer resp.Body.Close()

	var wire perplexityWire
	if err := json.NewDecoder(resp.Body).Decode(&wire); err != nil {
		return nil, &ParseError{Platform: PlatformPerplexity, Reason: err.Error()}
	}
	return a.normalize(&wire, id, pageURL), nil
}

func (a *perplexityAdapter) normalize(wire *perplexityWire, id, pageURL string) *Conversation {
	messages := make([]Message, 0, len(wire.Thread.Messages))
	for _, msg := range wire.Thread.Messages {
		role := RoleAssistant
		if msg.Role == "user" {
			role = RoleUser
		}
		content := msg.Text
		if content == "" {
			content = msg.Content
		}
		messages = append(messages, Message{
			Role:      role,
			Content:   content,
			Timestamp: parseTimeMillis(msg.CreatedAt),
		})
	}

	title := wire.Thread.Title
	if title == "" {
		title = wire.Thread.Query
	}
	url := pageURL
	if !strings.Contains(url, "perplexity.ai") {
		url = "https://www.perplexity.ai/search/" + id
	}
	return &Conversation{
		ID:        id,
		Platform:  PlatformPerplexity,
		Title:     deriveTitle(title, messages, "Perplexity Search"),
		Messages:  messages,
		URL:       url,
		CreatedAt: parseTimeMillis(wire.Thread.CreatedAt),
		UpdatedAt: parseTimeMillis(wire.Thread.UpdatedAt),
	}
}
