package capture

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

const (
	PlatformChatGPT    = "chatgpt"
	PlatformClaude     = "claude"
	PlatformGemini     = "gemini"
	PlatformGrok       = "grok"
	PlatformPerplexity = "perplexity"
	PlatformDeepSeek   = "deepseek"
	PlatformQwen       = "qwen"
	PlatformLMArena    = "lmarena"
)

var Platforms = []string{
	PlatformChatGPT,
	PlatformClaude,
	PlatformGemini,
	PlatformGrok,
	PlatformPerplexity,
	PlatformDeepSeek,
	PlatformQwen,
	PlatformLMArena,
}

// Conversation is the common schema every platform response is
// normalized into. Immutable once handed to the dispatcher.
type Conversation struct {
	ID        string    `json:"id"`
	Platform  string    `json:"platform"`
	Title     string    `json:"title"`
	Messages  []Message `json:"messages"`
	URL       string    `json:"url,omitempty"`
	CreatedAt int64     `json:"created_at,omitempty"`
	UpdatedAt int64     `json:"updated_at,omitempty"`
}

type Message struct {
	ID        string `json:"id,omitempty"`
	Role      string `json:"role"`
	Content   string `json:"content"`
	Timestamp int64  `json:"timestamp,omitempty"`
}

//go:embed schema.json
var conversationSchemaJSON []byte

var (
	schemaOnce sync.Once
	schema     *jsonschema.Schema
	schemaErr  error
)

func conversationSchema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(conversationSchemaJSON))
		if err != nil {
			schemaErr = err
			return
		}
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource("conversation.json", doc); err != nil {
			schemaErr = err
			return
		}
		schema, schemaErr = compiler.Compile("conversation.json")
	})
	return schema, schemaErr
}

// ValidateConversation checks a normalized conversation against the
// common schema. Adapters call this after normalization; a failure is
// reported to the caller but treated as a warning, matching the
// behavior of the in-page collaborators.
func ValidateConversation(conv *Conversation) error {
	if conv == nil {
		return ErrInvalidInput
	}
	sch, err := conversationSchema()
	if err != nil {
		return err
	}
	raw, err := json.Marshal(conv)
	if err != nil {
		return err
	}
	instance, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return err
	}
	if err := sch.Validate(instance); err != nil {
		return fmt.Errorf("conversation schema violation: %w", err)
	}
	return nil
}

// ConversationURL builds the canonical page URL for a conversation on
// a supported platform, for callers that captured an ID but no URL.
// Unknown platforms return the empty string.
func ConversationURL(platform, id string) string {
	switch platform {
	case PlatformChatGPT:
		return "https://chatgpt.com/c/" + id
	case PlatformClaude:
		return "https://claude.ai/chat/" + id
	case PlatformGemini:
		return "https://gemini.google.com/app/" + id
	case PlatformGrok:
		return "https://x.com/i/grok?conversation_id=" + id
	case PlatformPerplexity:
		return "https://www.perplexity.ai/search/" + id
	case PlatformDeepSeek:
		return "https://chat.deepseek.com/chat/" + id
	case PlatformQwen:
		return "https://chat.qwenlm.ai/chat/" + id
	case PlatformLMArena:
		return "https://chat.lmsys.org/?session=" + id
	}
	return ""
}

const titleMaxRunes = 50

// deriveTitle returns explicit when non-empty, otherwise the first
// user message truncated to titleMaxRunes runes, otherwise generic.
func deriveTitle(explicit string, messages []Message, generic string) string {
	if strings.TrimSpace(explicit) != "" {
		return explicit
	}
	for _, msg := range messages {
		if msg.Role != RoleUser || strings.TrimSpace(msg.Content) == "" {
			continue
		}
		runes := []rune(msg.Content)
		if len(runes) > titleMaxRunes {
			return string(runes[:titleMaxRunes]) + "..."
		}
		return msg.Content
	}
	return generic
}

// roleFromSender maps the numeric sender codes used by some platforms
// (1=user, 2=assistant) onto schema roles.
func roleFromSender(sender int) string {
	if sender == 1 {
		return RoleUser
	}
	return RoleAssistant
}

func roleFromIsUser(isUser bool) string {
	if isUser {
		return RoleUser
	}
	return RoleAssistant
}

// roleFromIndex pairs role-less alternating message arrays
// positionally: even indices are the user, odd the assistant. An odd
// total length leaves a trailing unanswered user message.
func roleFromIndex(i int) string {
	if i%2 == 0 {
		return RoleUser
	}
	return RoleAssistant
}

// epochMillis normalizes second- and millisecond-precision epoch
// values onto milliseconds. Values below the cutoff are seconds.
func epochMillis(v float64) int64 {
	if v == 0 {
		return 0
	}
	// Anything before ~2286 expressed in ms is > 1e12; second-precision
	// timestamps stay far below that.
	if v < 1e12 {
		return int64(v * 1000)
	}
	return int64(v)
}

func parseTimeMillis(value string) int64 {
	if value == "" {
		return 0
	}
	t, err := time.Parse(time.RFC3339Nano, value)
	if err != nil {
		t, err = time.Parse(time.RFC3339, value)
		if err != nil {
			return 0
		}
	}
	return t.UnixMilli()
}

func nowMillis() int64 {
	return time.Now().UnixMilli()
}
