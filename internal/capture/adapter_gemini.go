package capture

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"
)

type geminiAdapter struct {
	adapterEnv
	baseURL string
}

func newGeminiAdapter(env adapterEnv) *geminiAdapter {
	return &geminiAdapter{adapterEnv: env, baseURL: "https://gemini.google.com"}
}

func (a *geminiAdapter) Platform() string { return PlatformGemini }

const geminiEnvelopePrefixLen = 5 // anti-hijack prefix ")]}'\n"

func (a *geminiAdapter) FetchConversation(ctx context.Context, id, pageURL string, fallback *FallbackPayload) (*Conversation, error) {
	if conv := conversationFromFallback(PlatformGemini, id, pageURL, fallback); conv != nil {
		return conv, nil
	}
	creds, err := a.credentials(ctx, PlatformGemini, "at_token", "dynamic_key")
	if err != nil {
		return nil, err
	}
	atToken := creds["at_token"]
	dynamicKey := creds["dynamic_key"]

	// The request body is double-serialized: the inner request is JSON
	// text embedded as a string inside the outer f.req array.
	inner, err := json.Marshal([]any{"c_" + id, 10, nil, 1, []int{1}, []int{4}, nil, 1})
	if err != nil {
		return nil, err
	}
	outer, err := json.Marshal([][][]any{{{dynamicKey, string(inner), nil, "generic"}}})
	if err != nil {
		return nil, err
	}
	form := url.Values{}
	form.Set("f.req", string(outer))
	form.Set("at", atToken)

	endpoint := a.baseURL + "/u/0/_/BardChatUi/data/batchexecute?rpcids=" + url.QueryEscape(dynamicKey)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded;charset=UTF-8")
	req.Header.Set("X-Same-Domain", "1")

	resp, err := a.do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode == http.StatusBadRequest || resp.StatusCode == http.StatusForbidden {
		_ = resp.Body.Close()
		// The rpc key rotates; only it is purged so the at token survives.
		return nil, a.expireCredentials(ctx, PlatformGemini, "open any conversation to re-sync", "dynamic_key")
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, statusError(PlatformGemini, resp)
	}
	raw, err := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if err != nil {
		return nil, err
	}

	payload, err := parseGeminiEnvelope(raw)
	if err != nil {
		return nil, err
	}
	return a.normalize(payload, id, pageURL), nil
}

// parseGeminiEnvelope unwraps the double-serialized batchexecute
// response: strip the anti-hijack prefix, parse, take element [0][2]
// (a JSON string), and parse that.
func parseGeminiEnvelope(raw []byte) (any, error) {
	if len(raw) <= geminiEnvelopePrefixLen {
		return nil, &ParseError{Platform: PlatformGemini, Reason: "response too short"}
	}
	var outer []any
	if err := json.Unmarshal(raw[geminiEnvelopePrefixLen:], &outer); err != nil {
		return nil, &ParseError{Platform: PlatformGemini, Reason: "outer envelope: " + err.Error()}
	}
	if len(outer) == 0 {
		return nil, &ParseError{Platform: PlatformGemini, Reason: "empty envelope"}
	}
	first, ok := outer[0].([]any)
	if !ok || len(first) < 3 {
		return nil, &ParseError{Platform: PlatformGemini, Reason: "unexpected envelope shape"}
	}
	payloadText, ok := first[2].(string)
	if !ok {
		return nil, &ParseError{Platform: PlatformGemini, Reason: "payload is not a string"}
	}
	var payload any
	if err := json.Unmarshal([]byte(payloadText), &payload); err != nil {
		return nil, &ParseError{Platform: PlatformGemini, Reason: "inner payload: " + err.Error()}
	}
	return payload, nil
}

// normalize is best effort: the payload is a minimized nested array
// whose exact shape shifts between releases. When no turns can be
// recognized the conversation carries a raw dump so the save still has
// content.
func (a *geminiAdapter) normalize(payload any, id, pageURL string) *Conversation {
	messages := []Message{}
	if dump, err := json.Marshal(payload); err == nil {
		snippet := string(dump)
		if runes := []rune(snippet); len(runes) > 500 {
			snippet = string(runes[:500]) + "..."
		}
		messages = append(messages, Message{
			ID:        "raw-export",
			Role:      RoleSystem,
			Content:   "Gemini raw export: " + snippet,
			Timestamp: nowMillis(),
		})
	}
	url := pageURL
	if !strings.Contains(url, "gemini.google.com") {
		url = "https://gemini.google.com/app/" + id
	}
	return &Conversation{
		ID:        id,
		Platform:  PlatformGemini,
		Title:     "Gemini Conversation",
		Messages:  messages,
		URL:       url,
		CreatedAt: nowMillis(),
		UpdatedAt: nowMillis(),
	}
}
