package capture

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
)

// FallbackPayload carries messages already scraped from the page DOM.
// When present and non-empty it wins over any network fetch.
type FallbackPayload struct {
	Title    string    `json:"title,omitempty"`
	Messages []Message `json:"messages,omitempty"`
}

type Adapter interface {
	Platform() string
	FetchConversation(ctx context.Context, id, pageURL string, fallback *FallbackPayload) (*Conversation, error)
}

// adapterEnv is the shared plumbing every platform adapter embeds.
type adapterEnv struct {
	store  Store
	client *http.Client
	logger *slog.Logger
}

// credentials loads the platform's stored credentials and fails fast
// when any required name is absent. No network I/O happens before this
// check passes.
func (e adapterEnv) credentials(ctx context.Context, platform string, required ...string) (map[string]string, error) {
	creds, ok, err := LoadCredentials(ctx, e.store, platform)
	if err != nil {
		return nil, err
	}
	if !ok {
		if len(required) > 0 {
			return nil, credentialMissingError(platform, required[0])
		}
		return map[string]string{}, nil
	}
	for _, name := range required {
		if strings.TrimSpace(creds.Values[name]) == "" {
			return nil, credentialMissingError(platform, name)
		}
	}
	return creds.Values, nil
}

// expireCredentials purges exactly the named values and reports the
// corrective action the user must take.
func (e adapterEnv) expireCredentials(ctx context.Context, platform, action string, names ...string) error {
	if err := RemoveCredentialValues(ctx, e.store, platform, names...); err != nil {
		e.logger.Warn("credential purge failed", "platform", platform, "error", err)
	}
	return credentialExpiredError(platform, action)
}

func (e adapterEnv) do(req *http.Request) (*http.Response, error) {
	client := e.client
	if client == nil {
		client = http.DefaultClient
	}
	return client.Do(req)
}

// statusError maps a non-2xx platform response onto *APIError,
// draining and closing the body.
func statusError(platform string, resp *http.Response) error {
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	_ = resp.Body.Close()
	return &APIError{
		Platform:   platform,
		StatusCode: resp.StatusCode,
		Message:    strings.TrimSpace(string(snippet)),
	}
}

func isAuthStatus(code int) bool {
	return code == http.StatusUnauthorized || code == http.StatusForbidden
}

// conversationFromFallback builds a conversation purely from scraped
// page content. Returns nil when the fallback has no messages.
func conversationFromFallback(platform, id, pageURL string, fallback *FallbackPayload) *Conversation {
	if fallback == nil || len(fallback.Messages) == 0 {
		return nil
	}
	conv := &Conversation{
		ID:       id,
		Platform: platform,
		Title:    deriveTitle(fallback.Title, fallback.Messages, platform+" conversation"),
		Messages: fallback.Messages,
		URL:      pageURL,
	}
	return conv
}

// AdapterSet routes fetches to the right platform adapter, wrapping
// each call in that platform's rate limiter.
type AdapterSet struct {
	adapters map[string]Adapter
	limiters map[string]*RateLimiter
	logger   *slog.Logger
}

type AdapterSetOptions struct {
	Limiters map[string]RateLimiterOptions
}

func NewAdapterSet(store Store, client *http.Client, logger *slog.Logger, opts AdapterSetOptions) *AdapterSet {
	if logger == nil {
		logger = slog.Default()
	}
	env := adapterEnv{store: store, client: client, logger: logger}
	set := &AdapterSet{
		adapters: map[string]Adapter{},
		limiters: map[string]*RateLimiter{},
		logger:   logger,
	}
	for _, adapter := range []Adapter{
		newChatGPTAdapter(env),
		newClaudeAdapter(env),
		newGeminiAdapter(env),
		newGrokAdapter(env),
		newPerplexityAdapter(env),
		newDeepSeekAdapter(env),
		newQwenAdapter(env),
		newLMArenaAdapter(env),
	} {
		set.Register(adapter, limiterOptionsFor(adapter.Platform(), opts.Limiters))
	}
	return set
}

func limiterOptionsFor(platform string, overrides map[string]RateLimiterOptions) RateLimiterOptions {
	if overrides != nil {
		if o, ok := overrides[platform]; ok {
			return o
		}
	}
	return DefaultLimiterOptions[platform]
}

func (s *AdapterSet) Register(adapter Adapter, limiterOpts RateLimiterOptions) {
	if adapter == nil {
		return
	}
	platform := strings.ToLower(strings.TrimSpace(adapter.Platform()))
	if platform == "" {
		return
	}
	s.adapters[platform] = adapter
	s.limiters[platform] = NewRateLimiter(limiterOpts)
}

func (s *AdapterSet) Supported(platform string) bool {
	_, ok := s.adapters[strings.ToLower(strings.TrimSpace(platform))]
	return ok
}

// FetchConversation normalizes one conversation. A fallback payload
// with messages short-circuits without any network traffic; otherwise
// the platform adapter runs inside its rate limiter. The result is
// checked against the common schema, violations logged at warn.
func (s *AdapterSet) FetchConversation(ctx context.Context, platform, id, pageURL string, fallback *FallbackPayload) (*Conversation, error) {
	platform = strings.ToLower(strings.TrimSpace(platform))
	adapter, ok := s.adapters[platform]
	if !ok {
		return nil, fmt.Errorf("%w: unsupported platform %q", ErrInvalidInput, platform)
	}
	if conv := conversationFromFallback(platform, id, pageURL, fallback); conv != nil {
		s.validate(conv)
		return conv, nil
	}
	if strings.TrimSpace(id) == "" {
		return nil, fmt.Errorf("%w: conversation id required", ErrInvalidInput)
	}

	limiter := s.limiters[platform]
	var conv *Conversation
	err := limiter.Do(ctx, func(ctx context.Context) error {
		fetched, fetchErr := adapter.FetchConversation(ctx, id, pageURL, fallback)
		conv = fetched
		return fetchErr
	})
	if err != nil {
		return nil, err
	}
	s.validate(conv)
	return conv, nil
}

func (s *AdapterSet) validate(conv *Conversation) {
	if err := ValidateConversation(conv); err != nil {
		s.logger.Warn("normalized conversation failed schema validation",
			"platform", conv.Platform, "id", conv.ID, "error", err)
	}
}
