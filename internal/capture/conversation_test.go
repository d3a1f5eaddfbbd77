package capture

import (
	"strings"
	"testing"
)

func TestDeriveTitle(t *testing.T) {
	messages := []Message{
		{Role: RoleAssistant, Content: "hello there"},
		{Role: RoleUser, Content: "how do I configure the watcher?"},
	}
	if got := deriveTitle("Explicit", messages, "Chat"); got != "Explicit" {
		t.Fatalf("explicit title lost: %q", got)
	}
	if got := deriveTitle("", messages, "Chat"); got != "how do I configure the watcher?" {
		t.Fatalf("unexpected derived title: %q", got)
	}
	if got := deriveTitle("", nil, "Chat"); got != "Chat" {
		t.Fatalf("expected generic fallback, got %q", got)
	}

	long := strings.Repeat("x", 80)
	got := deriveTitle("", []Message{{Role: RoleUser, Content: long}}, "Chat")
	if got != strings.Repeat("x", 50)+"..." {
		t.Fatalf("expected 50-rune truncation, got %q (%d runes)", got, len([]rune(got)))
	}
}

func TestRoleHelpers(t *testing.T) {
	if roleFromSender(1) != RoleUser || roleFromSender(2) != RoleAssistant {
		t.Fatalf("roleFromSender mapping broken")
	}
	if roleFromIndex(0) != RoleUser || roleFromIndex(3) != RoleAssistant {
		t.Fatalf("roleFromIndex mapping broken")
	}
	if roleFromIsUser(true) != RoleUser || roleFromIsUser(false) != RoleAssistant {
		t.Fatalf("roleFromIsUser mapping broken")
	}
}

func TestConversationURL(t *testing.T) {
	cases := map[string]string{
		PlatformChatGPT:    "https://chatgpt.com/c/x",
		PlatformClaude:     "https://claude.ai/chat/x",
		PlatformGemini:     "https://gemini.google.com/app/x",
		PlatformGrok:       "https://x.com/i/grok?conversation_id=x",
		PlatformPerplexity: "https://www.perplexity.ai/search/x",
		PlatformDeepSeek:   "https://chat.deepseek.com/chat/x",
		PlatformQwen:       "https://chat.qwenlm.ai/chat/x",
		PlatformLMArena:    "https://chat.lmsys.org/?session=x",
	}
	for platform, want := range cases {
		if got := ConversationURL(platform, "x"); got != want {
			t.Fatalf("%s: got %q, want %q", platform, got, want)
		}
	}
	if got := ConversationURL("unknown", "x"); got != "" {
		t.Fatalf("unknown platform should yield no URL, got %q", got)
	}
}

func TestEpochMillis(t *testing.T) {
	if got := epochMillis(0); got != 0 {
		t.Fatalf("zero should stay zero, got %d", got)
	}
	// Seconds precision gets promoted.
	if got := epochMillis(1700000000); got != 1700000000000 {
		t.Fatalf("seconds not promoted: %d", got)
	}
	// Millisecond precision passes through.
	if got := epochMillis(1700000000123); got != 1700000000123 {
		t.Fatalf("millis mangled: %d", got)
	}
}

func TestParseTimeMillis(t *testing.T) {
	if got := parseTimeMillis("2024-01-15T10:30:00Z"); got != 1705314600000 {
		t.Fatalf("unexpected millis: %d", got)
	}
	if got := parseTimeMillis("not a time"); got != 0 {
		t.Fatalf("expected 0 for garbage, got %d", got)
	}
	if got := parseTimeMillis(""); got != 0 {
		t.Fatalf("expected 0 for empty, got %d", got)
	}
}

func TestValidateConversation(t *testing.T) {
	conv := &Conversation{
		ID:       "abc",
		Platform: PlatformChatGPT,
		Title:    "Test",
		Messages: []Message{
			{Role: RoleUser, Content: "hi"},
			{Role: RoleAssistant, Content: "hello"},
		},
	}
	if err := ValidateConversation(conv); err != nil {
		t.Fatalf("valid conversation rejected: %v", err)
	}

	bad := &Conversation{
		ID:       "abc",
		Platform: PlatformChatGPT,
		Title:    "Test",
		Messages: []Message{{Role: "narrator", Content: "hi"}},
	}
	if err := ValidateConversation(bad); err == nil {
		t.Fatalf("expected schema violation for bad role")
	}

	if err := ValidateConversation(nil); err == nil {
		t.Fatalf("expected error for nil conversation")
	}
}
