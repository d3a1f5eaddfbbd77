package capture

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
)

type lmarenaAdapter struct {
	adapterEnv
	baseURL string
}

func newLMArenaAdapter(env adapterEnv) *lmarenaAdapter {
	return &lmarenaAdapter{adapterEnv: env, baseURL: "https://chat.lmsys.org"}
}

func (a *lmarenaAdapter) Platform() string { return PlatformLMArena }

type lmarenaWire struct {
	Data []json.RawMessage `json:"data"`
}

type lmarenaMessageObject struct {
	Messages []struct {
		Role    string `json:"role"`
		IsUser  bool   `json:"is_user"`
		Content string `json:"content"`
		Text    string `json:"text"`
	} `json:"messages"`
}

func (a *lmarenaAdapter) FetchConversation(ctx context.Context, id, pageURL string, fallback *FallbackPayload) (*Conversation, error) {
	if conv := conversationFromFallback(PlatformLMArena, id, pageURL, fallback); conv != nil {
		return conv, nil
	}
	creds, err := a.credentials(ctx, PlatformLMArena, "session_hash")
	if err != nil {
		return nil, err
	}
	fnIndex := 0
	if raw := strings.TrimSpace(creds["fn_index"]); raw != "" {
		if parsed, parseErr := strconv.Atoi(raw); parseErr == nil {
			fnIndex = parsed
		}
	}

	body, err := json.Marshal(map[string]any{
		"fn_index":     fnIndex,
		"data":         []string{id},
		"session_hash": creds["session_hash"],
	})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		a.baseURL+"/run/predict", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.do(req)
	if err != nil {
		return nil, err
	}
	if isAuthStatus(resp.StatusCode) {
		_ = resp.Body.Close()
		return nil, a.expireCredentials(ctx, PlatformLMArena, "refresh the page", "session_hash")
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, statusError(PlatformLMArena, resp)
	}
	defer resp.Body.Close()

	var wire lmarenaWire
	if err := json.NewDecoder(resp.Body).Decode(&wire); err != nil {
		return nil, &ParseError{Platform: PlatformLMArena, Reason: err.Error()}
	}
	return a.normalize(&wire, id, pageURL), nil
}

// normalize handles the two observed Gradio payload shapes: a flat
// array of strings whose positions alternate user/assistant, or an
// object wrapping a messages array.
func (a *lmarenaAdapter) normalize(wire *lmarenaWire, id, pageURL string) *Conversation {
	messages := []Message{}
	if len(wire.Data) > 0 {
		messages = lmarenaMessages(wire.Data[0])
	}

	url := pageURL
	if !strings.Contains(url, "lmsys.org") && !strings.Contains(url, "lmarena.ai") {
		url = "https://chat.lmsys.org/?session=" + id
	}
	now := nowMillis()
	return &Conversation{
		ID:        id,
		Platform:  PlatformLMArena,
		Title:     deriveTitle("", messages, "Chatbot Arena Conversation"),
		Messages:  messages,
		URL:       url,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// lmarenaRole folds the Gradio wire role into the normalized enum.
// Arena payloads label speakers "human" and "bot" depending on the
// frontend build; anything unrecognized falls back to the is_user flag.
func lmarenaRole(wire string, isUser bool) string {
	switch strings.ToLower(strings.TrimSpace(wire)) {
	case RoleUser, "human":
		return RoleUser
	case RoleAssistant, "bot", "model":
		return RoleAssistant
	case RoleSystem:
		return RoleSystem
	}
	return roleFromIsUser(isUser)
}

func lmarenaMessages(raw json.RawMessage) []Message {
	messages := []Message{}
	now := nowMillis()

	var turns []string
	if err := json.Unmarshal(raw, &turns); err == nil {
		for i, content := range turns {
			if strings.TrimSpace(content) == "" {
				continue
			}
			messages = append(messages, Message{
				Role:      roleFromIndex(i),
				Content:   content,
				Timestamp: now,
			})
		}
		return messages
	}

	var obj lmarenaMessageObject
	if err := json.Unmarshal(raw, &obj); err != nil {
		return messages
	}
	for _, msg := range obj.Messages {
		role := lmarenaRole(msg.Role, msg.IsUser)
		content := msg.Content
		if content == "" {
			content = msg.Text
		}
		if strings.TrimSpace(content) == "" {
			continue
		}
		messages = append(messages, Message{
			Role:      role,
			Content:   content,
			Timestamp: now,
		})
	}
	return messages
}
