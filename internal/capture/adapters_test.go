package capture

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"unicode/utf8"
)

func adapterTestEnv(t *testing.T, handler http.Handler) (adapterEnv, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	env := adapterEnv{
		store:  NewMemoryStore(),
		client: srv.Client(),
		logger: testLogger(),
	}
	return env, srv
}

func seedCredentials(t *testing.T, store Store, platform string, values map[string]string) {
	t.Helper()
	if _, err := StoreCredentialValues(context.Background(), store, platform, values); err != nil {
		t.Fatalf("seeding credentials failed: %v", err)
	}
}

func TestChatGPTAdapterWalksMappingTree(t *testing.T) {
	wire := map[string]any{
		"id":           "conv-1",
		"title":        "Tree walk",
		"current_node": "n3",
		"create_time":  1700000000,
		"update_time":  1700000100,
		"mapping": map[string]any{
			"root": map[string]any{"parent": "", "message": nil},
			"n1": map[string]any{
				"parent": "root",
				"message": map[string]any{
					"id":          "m1",
					"author":      map[string]any{"role": "user"},
					"create_time": 1700000010,
					"content":     map[string]any{"parts": []any{"first question"}},
				},
			},
			"n2": map[string]any{
				"parent": "n1",
				"message": map[string]any{
					"id":          "m2",
					"author":      map[string]any{"role": "assistant"},
					"create_time": 1700000020,
					"content":     map[string]any{"parts": []any{"first", "answer"}},
				},
			},
			"n3": map[string]any{
				"parent": "n2",
				"message": map[string]any{
					"id":          "m3",
					"author":      map[string]any{"role": "user"},
					"create_time": 1700000030,
					"content":     map[string]any{"parts": []any{"followup"}},
				},
			},
			// Abandoned branch hanging off n1; must not appear.
			"alt": map[string]any{
				"parent": "n1",
				"message": map[string]any{
					"id":          "malt",
					"author":      map[string]any{"role": "assistant"},
					"create_time": 1700000015,
					"content":     map[string]any{"parts": []any{"other branch"}},
				},
			},
		},
	}

	var gotAuth string
	env, srv := adapterTestEnv(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		if r.URL.Path != "/backend-api/conversation/conv-1" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		json.NewEncoder(w).Encode(wire)
	}))
	seedCredentials(t, env.store, PlatformChatGPT, map[string]string{"token": "Bearer tok"})

	adapter := newChatGPTAdapter(env)
	adapter.baseURL = srv.URL
	conv, err := adapter.FetchConversation(context.Background(), "conv-1", "", nil)
	if err != nil {
		t.Fatalf("FetchConversation failed: %v", err)
	}
	if gotAuth != "Bearer tok" {
		t.Fatalf("authorization header not forwarded: %q", gotAuth)
	}
	if len(conv.Messages) != 3 {
		t.Fatalf("expected 3 messages on active branch, got %d", len(conv.Messages))
	}
	if conv.Messages[0].Content != "first question" || conv.Messages[2].Content != "followup" {
		t.Fatalf("messages out of order: %+v", conv.Messages)
	}
	if conv.Messages[1].Content != "first\nanswer" {
		t.Fatalf("parts not joined: %q", conv.Messages[1].Content)
	}
	if conv.Title != "Tree walk" || conv.URL != "https://chatgpt.com/c/conv-1" {
		t.Fatalf("metadata wrong: title=%q url=%q", conv.Title, conv.URL)
	}
	if conv.CreatedAt != 1700000000000 {
		t.Fatalf("create time not promoted to millis: %d", conv.CreatedAt)
	}
}

func TestChatGPTAdapterFallsBackToTimeOrder(t *testing.T) {
	wire := &chatgptWire{
		CurrentNode: "missing",
		Mapping: map[string]chatgptNode{
			"b": {Message: chatgptTestMessage("assistant", "second", 20)},
			"a": {Message: chatgptTestMessage("user", "first", 10)},
		},
	}
	messages := linearizeMapping(wire)
	if len(messages) != 2 || messages[0].Content != "first" || messages[1].Content != "second" {
		t.Fatalf("fallback ordering broken: %+v", messages)
	}
}

func chatgptTestMessage(role, content string, createTime float64) *chatgptMessage {
	msg := &chatgptMessage{ID: content, CreateTime: createTime}
	msg.Author.Role = role
	msg.Content.Parts = []any{content}
	return msg
}

func TestChatGPTAdapterMissingCredentialSkipsNetwork(t *testing.T) {
	hits := 0
	env, srv := adapterTestEnv(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
	}))
	adapter := newChatGPTAdapter(env)
	adapter.baseURL = srv.URL

	_, err := adapter.FetchConversation(context.Background(), "conv-1", "", nil)
	if !errors.Is(err, ErrCredentialMissing) {
		t.Fatalf("expected ErrCredentialMissing, got %v", err)
	}
	if hits != 0 {
		t.Fatalf("expected no network traffic, server saw %d requests", hits)
	}
}

func TestChatGPTAdapterPurgesTokenOnAuthFailure(t *testing.T) {
	env, srv := adapterTestEnv(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	seedCredentials(t, env.store, PlatformChatGPT, map[string]string{"token": "Bearer stale"})
	adapter := newChatGPTAdapter(env)
	adapter.baseURL = srv.URL

	_, err := adapter.FetchConversation(context.Background(), "conv-1", "", nil)
	if !errors.Is(err, ErrCredentialExpired) {
		t.Fatalf("expected ErrCredentialExpired, got %v", err)
	}
	if _, ok, _ := LoadCredentials(context.Background(), env.store, PlatformChatGPT); ok {
		t.Fatalf("expected token to be purged")
	}
}

func TestClaudeAdapterNormalizesAndRecoversOrgFromURL(t *testing.T) {
	env, srv := adapterTestEnv(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/organizations/org-9/chat_conversations/c-1" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		json.NewEncoder(w).Encode(map[string]any{
			"uuid":       "c-1",
			"name":       "Claude chat",
			"created_at": "2024-01-15T10:30:00Z",
			"updated_at": "2024-01-15T11:00:00Z",
			"chat_messages": []map[string]any{
				{"uuid": "m1", "sender": "human", "text": "hi", "created_at": "2024-01-15T10:30:00Z"},
				{"uuid": "m2", "sender": "assistant", "text": "hello", "created_at": "2024-01-15T10:31:00Z"},
			},
		})
	}))
	adapter := newClaudeAdapter(env)
	adapter.baseURL = srv.URL

	pageURL := "https://claude.ai/api/organizations/org-9/chat_conversations/c-1"
	conv, err := adapter.FetchConversation(context.Background(), "c-1", pageURL, nil)
	if err != nil {
		t.Fatalf("FetchConversation failed: %v", err)
	}
	if len(conv.Messages) != 2 || conv.Messages[0].Role != RoleUser || conv.Messages[1].Role != RoleAssistant {
		t.Fatalf("sender mapping broken: %+v", conv.Messages)
	}
	if conv.Messages[0].Timestamp != 1705314600000 {
		t.Fatalf("created_at not parsed: %d", conv.Messages[0].Timestamp)
	}

	// The org id scraped from the URL must be stored for next time.
	creds, ok, _ := LoadCredentials(context.Background(), env.store, PlatformClaude)
	if !ok || creds.Values["org_id"] != "org-9" {
		t.Fatalf("org_id not stored back: %+v", creds.Values)
	}
}

func TestGrokAdapterNumericSenders(t *testing.T) {
	env, srv := adapterTestEnv(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("x-twitter-auth-type") != "OAuth2Session" {
			t.Errorf("missing auth type header")
		}
		var body map[string]string
		json.NewDecoder(r.Body).Decode(&body)
		if body["conversation_id"] != "g-1" {
			t.Errorf("unexpected body: %v", body)
		}
		json.NewEncoder(w).Encode(map[string]any{
			"items": []map[string]any{
				{"sender": 1, "message": "question", "timestamp": 1700000000},
				{"sender": 2, "text": "answer", "timestamp": 1700000001},
			},
		})
	}))
	seedCredentials(t, env.store, PlatformGrok, map[string]string{
		"auth_token": "Bearer g",
		"csrf_token": "c",
	})
	adapter := newGrokAdapter(env)
	adapter.baseURL = srv.URL

	conv, err := adapter.FetchConversation(context.Background(), "g-1", "", nil)
	if err != nil {
		t.Fatalf("FetchConversation failed: %v", err)
	}
	if conv.Messages[0].Role != RoleUser || conv.Messages[0].Content != "question" {
		t.Fatalf("sender 1 should be user: %+v", conv.Messages[0])
	}
	if conv.Messages[1].Role != RoleAssistant || conv.Messages[1].Content != "answer" {
		t.Fatalf("sender 2 should map to assistant with text field: %+v", conv.Messages[1])
	}
}

func TestGrokAdapterRequiresBothTokens(t *testing.T) {
	env, srv := adapterTestEnv(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Errorf("server should not be hit")
	}))
	seedCredentials(t, env.store, PlatformGrok, map[string]string{"auth_token": "Bearer g"})
	adapter := newGrokAdapter(env)
	adapter.baseURL = srv.URL

	_, err := adapter.FetchConversation(context.Background(), "g-1", "", nil)
	if !errors.Is(err, ErrCredentialMissing) {
		t.Fatalf("expected ErrCredentialMissing for csrf_token, got %v", err)
	}
}

func TestGeminiEnvelopeParsing(t *testing.T) {
	inner := `[["turn data"]]`
	outerBytes, _ := json.Marshal([]any{[]any{"wrb.fr", nil, inner}})
	raw := append([]byte(")]}'\n"), outerBytes...)

	payload, err := parseGeminiEnvelope(raw)
	if err != nil {
		t.Fatalf("parseGeminiEnvelope failed: %v", err)
	}
	turns, ok := payload.([]any)
	if !ok || len(turns) != 1 {
		t.Fatalf("unexpected payload: %#v", payload)
	}

	if _, err := parseGeminiEnvelope([]byte(")]}'")); err == nil {
		t.Fatalf("expected error for truncated response")
	}
	if _, err := parseGeminiEnvelope([]byte(")]}'\nnot json")); err == nil {
		t.Fatalf("expected error for bad outer envelope")
	}
}

func TestGeminiAdapterPurgesOnlyDynamicKey(t *testing.T) {
	env, srv := adapterTestEnv(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	seedCredentials(t, env.store, PlatformGemini, map[string]string{
		"at_token":    "at-1",
		"dynamic_key": "hNvQHb",
	})
	adapter := newGeminiAdapter(env)
	adapter.baseURL = srv.URL

	_, err := adapter.FetchConversation(context.Background(), "abc", "", nil)
	if !errors.Is(err, ErrCredentialExpired) {
		t.Fatalf("expected ErrCredentialExpired, got %v", err)
	}
	creds, ok, _ := LoadCredentials(context.Background(), env.store, PlatformGemini)
	if !ok {
		t.Fatalf("credential record should survive")
	}
	if creds.Values["at_token"] != "at-1" {
		t.Fatalf("at_token must survive a key rotation: %+v", creds.Values)
	}
	if creds.Values["dynamic_key"] != "" {
		t.Fatalf("dynamic_key should be purged: %+v", creds.Values)
	}
}

func TestGeminiRawExportTruncatesOnRunes(t *testing.T) {
	env, _ := adapterTestEnv(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	adapter := newGeminiAdapter(env)

	// The marshalled dump is a quoted string, so every two-byte rune
	// after the opening quote straddles an even byte offset.
	conv := adapter.normalize(strings.Repeat("é", 600), "abc", "")
	if len(conv.Messages) != 1 {
		t.Fatalf("expected raw export message: %+v", conv.Messages)
	}
	content := conv.Messages[0].Content
	if !utf8.ValidString(content) {
		t.Fatalf("truncated dump is not valid UTF-8: %q", content)
	}
	if !strings.HasSuffix(content, "...") {
		t.Fatalf("long dump should be truncated: %q", content)
	}
}

func TestQwenAdapterPurgesAllOwnedCredentials(t *testing.T) {
	env, srv := adapterTestEnv(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	seedCredentials(t, env.store, PlatformQwen, map[string]string{
		"xsrf_token": "xs-1",
		"app_id":     "app-1",
	})
	adapter := newQwenAdapter(env)
	adapter.baseURL = srv.URL

	_, err := adapter.FetchConversation(context.Background(), "abc", "", nil)
	if !errors.Is(err, ErrCredentialExpired) {
		t.Fatalf("expected ErrCredentialExpired, got %v", err)
	}
	if _, ok, _ := LoadCredentials(context.Background(), env.store, PlatformQwen); ok {
		t.Fatalf("app_id must be purged along with xsrf_token")
	}
}

func TestLMArenaAlternatingArray(t *testing.T) {
	raw, _ := json.Marshal([]string{"ask one", "answer one", "", "ask two"})
	messages := lmarenaMessages(raw)
	if len(messages) != 3 {
		t.Fatalf("blank turns should be skipped: %+v", messages)
	}
	if messages[0].Role != RoleUser || messages[1].Role != RoleAssistant {
		t.Fatalf("alternation broken: %+v", messages)
	}
	// Index 3 in the source array stays odd even after the skip.
	if messages[2].Role != RoleAssistant || messages[2].Content != "ask two" {
		t.Fatalf("positional role must follow the source index: %+v", messages[2])
	}
}

func TestLMArenaMessageObject(t *testing.T) {
	raw := json.RawMessage(`{"messages":[
		{"is_user":true,"text":"q"},
		{"role":"assistant","content":"a"}
	]}`)
	messages := lmarenaMessages(raw)
	if len(messages) != 2 {
		t.Fatalf("expected 2 messages: %+v", messages)
	}
	if messages[0].Role != RoleUser || messages[0].Content != "q" {
		t.Fatalf("is_user mapping broken: %+v", messages[0])
	}
	if messages[1].Role != RoleAssistant || messages[1].Content != "a" {
		t.Fatalf("role field mapping broken: %+v", messages[1])
	}
}

func TestLMArenaWireRoleAliases(t *testing.T) {
	raw := json.RawMessage(`{"messages":[
		{"role":"human","content":"q"},
		{"role":"bot","content":"a"},
		{"role":"narrator","is_user":true,"content":"odd"}
	]}`)
	messages := lmarenaMessages(raw)
	if len(messages) != 3 {
		t.Fatalf("expected 3 messages: %+v", messages)
	}
	if messages[0].Role != RoleUser {
		t.Fatalf("human should map to user: %+v", messages[0])
	}
	if messages[1].Role != RoleAssistant {
		t.Fatalf("bot should map to assistant: %+v", messages[1])
	}
	if messages[2].Role != RoleUser {
		t.Fatalf("unknown role should fall back to is_user: %+v", messages[2])
	}
}

func TestDeepSeekFlexTime(t *testing.T) {
	var wire struct {
		A flexTime `json:"a"`
		B flexTime `json:"b"`
		C flexTime `json:"c"`
	}
	payload := `{"a": 1700000000, "b": "2024-01-15T10:30:00Z", "c": null}`
	if err := json.Unmarshal([]byte(payload), &wire); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	if wire.A.millis != 1700000000000 {
		t.Fatalf("numeric epoch broken: %d", wire.A.millis)
	}
	if wire.B.millis != 1705314600000 {
		t.Fatalf("string time broken: %d", wire.B.millis)
	}
	if wire.C.millis != 0 {
		t.Fatalf("null should stay zero: %d", wire.C.millis)
	}
}

func TestDeepSeekAdapterPrefersSelectionList(t *testing.T) {
	env, srv := adapterTestEnv(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"data": map[string]any{
				"title": "DS chat",
				"selection_list": []map[string]any{
					{"role": "user", "content": "from selection"},
				},
				"messages": []map[string]any{
					{"role": "user", "content": "from messages"},
				},
			},
		})
	}))
	seedCredentials(t, env.store, PlatformDeepSeek, map[string]string{"token": "Bearer d"})
	adapter := newDeepSeekAdapter(env)
	adapter.baseURL = srv.URL

	conv, err := adapter.FetchConversation(context.Background(), "ds-1", "", nil)
	if err != nil {
		t.Fatalf("FetchConversation failed: %v", err)
	}
	if len(conv.Messages) != 1 || conv.Messages[0].Content != "from selection" {
		t.Fatalf("selection_list should win: %+v", conv.Messages)
	}
}

func TestAdapterSetFallbackShortCircuits(t *testing.T) {
	hits := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
	}))
	defer srv.Close()

	set := NewAdapterSet(NewMemoryStore(), srv.Client(), testLogger(), AdapterSetOptions{
		Limiters: fastLimiterOverrides(),
	})
	fallback := &FallbackPayload{
		Title:    "Scraped",
		Messages: []Message{{Role: RoleUser, Content: "from page"}},
	}
	conv, err := set.FetchConversation(context.Background(), PlatformChatGPT, "id-1", "https://chatgpt.com/c/id-1", fallback)
	if err != nil {
		t.Fatalf("FetchConversation failed: %v", err)
	}
	if conv.Title != "Scraped" || len(conv.Messages) != 1 {
		t.Fatalf("fallback not used: %+v", conv)
	}
	if hits != 0 {
		t.Fatalf("fallback should bypass the network, server saw %d requests", hits)
	}
}

func TestAdapterSetRejectsUnknownPlatform(t *testing.T) {
	set := NewAdapterSet(NewMemoryStore(), http.DefaultClient, testLogger(), AdapterSetOptions{})
	if set.Supported("copilot") {
		t.Fatalf("copilot should not be supported")
	}
	_, err := set.FetchConversation(context.Background(), "copilot", "x", "", nil)
	if !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}

	_, err = set.FetchConversation(context.Background(), PlatformChatGPT, "  ", "", nil)
	if !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for blank id, got %v", err)
	}
}

func fastLimiterOverrides() map[string]RateLimiterOptions {
	overrides := map[string]RateLimiterOptions{}
	for _, platform := range Platforms {
		overrides[platform] = fastLimiterOptions()
	}
	return overrides
}
