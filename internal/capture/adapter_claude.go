package capture

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
)

type claudeAdapter struct {
	adapterEnv
	baseURL string
}

func newClaudeAdapter(env adapterEnv) *claudeAdapter {
	return &claudeAdapter{adapterEnv: env, baseURL: "https://claude.ai"}
}

func (a *claudeAdapter) Platform() string { return PlatformClaude }

type claudeWire struct {
	UUID         string          `json:"uuid"`
	Name         string          `json:"name"`
	CreatedAt    string          `json:"created_at"`
	UpdatedAt    string          `json:"updated_at"`
	ChatMessages []claudeMessage `json:"chat_messages"`
}

type claudeMessage struct {
	UUID      string `json:"uuid"`
	Sender    string `json:"sender"`
	Text      string `json:"text"`
	CreatedAt string `json:"created_at"`
}

func (a *claudeAdapter) FetchConversation(ctx context.Context, id, pageURL string, fallback *FallbackPayload) (*Conversation, error) {
	if conv := conversationFromFallback(PlatformClaude, id, pageURL, fallback); conv != nil {
		return conv, nil
	}
	// The org id is harvested from observed API traffic, or as a last
	// resort from the page URL the caller provides.
	creds, err := a.credentials(ctx, PlatformClaude)
	if err != nil {
		return nil, err
	}
	orgID := strings.TrimSpace(creds["org_id"])
	if orgID == "" {
		if m := claudeOrgPattern.FindStringSubmatch(pageURL); m != nil {
			orgID = m[1]
			_, _ = StoreCredentialValues(ctx, a.store, PlatformClaude, map[string]string{"org_id": orgID})
		}
	}
	if orgID == "" {
		return nil, credentialMissingError(PlatformClaude, "org_id")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		a.baseURL+"/api/organizations/"+orgID+"/chat_conversations/"+id, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if cookie := strings.TrimSpace(creds["session_cookie"]); cookie != "" {
		req.Header.Set("Cookie", cookie)
	}

	resp, err := a.do(req)
	if err != nil {
		return nil, err
	}
	if isAuthStatus(resp.StatusCode) {
		_ = resp.Body.Close()
		return nil, a.expireCredentials(ctx, PlatformClaude, "refresh the page", "org_id", "session_cookie")
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, statusError(PlatformClaude, resp)
	}
	defer resp.Body.Close()

	var wire claudeWire
	if err := json.NewDecoder(resp.Body).Decode(&wire); err != nil {
		return nil, &ParseError{Platform: PlatformClaude, Reason: err.Error()}
	}
	return a.normalize(&wire, id, pageURL), nil
}

func (a *claudeAdapter) normalize(wire *claudeWire, id, pageURL string) *Conversation {
	messages := make([]Message, 0, len(wire.ChatMessages))
	for _, msg := range wire.ChatMessages {
		role := RoleAssistant
		if msg.Sender == "human" {
			role = RoleUser
		}
		messages = append(messages, Message{
			ID:        msg.UUID,
			Role:      role,
			Content:   msg.Text,
			Timestamp: parseTimeMillis(msg.CreatedAt),
		})
	}

	convID := wire.UUID
	if convID == "" {
		convID = id
	}
	// URL comes from the page, never the API response.
	url := pageURL
	if !strings.Contains(url, "claude.ai") {
		url = "https://claude.ai/chat/" + convID
	}
	return &Conversation{
		ID:        convID,
		Platform:  PlatformClaude,
		Title:     deriveTitle(wire.Name, messages, "Claude Conversation"),
		Messages:  messages,
		URL:       url,
		CreatedAt: parseTimeMillis(wire.CreatedAt),
		UpdatedAt: parseTimeMillis(wire.UpdatedAt),
	}
}
