package capture

import (
	"context"
	"log/slog"
	"net/url"
	"regexp"
	"strings"
)

type EventKind string

const (
	EventRequestHeaders EventKind = "request_headers"
	EventRequestBody    EventKind = "request_body"
)

// ObservationEvent is one observed outbound request from a collaborator
// process: either the request headers or the decoded form body.
type ObservationEvent struct {
	Kind       EventKind           `json:"kind"`
	URL        string              `json:"url"`
	Method     string              `json:"method"`
	Headers    map[string]string   `json:"headers,omitempty"`
	Form       map[string][]string `json:"form,omitempty"`
	ObservedAt int64               `json:"observed_at,omitempty"`
}

func (ev ObservationEvent) header(name string) string {
	for key, value := range ev.Headers {
		if strings.EqualFold(key, name) {
			return value
		}
	}
	return ""
}

func (ev ObservationEvent) formValue(name string) string {
	for key, values := range ev.Form {
		if key == name && len(values) > 0 {
			return values[0]
		}
	}
	return ""
}

type credentialRule struct {
	platform string
	kind     EventKind
	match    func(url string) bool
	extract  func(ev ObservationEvent) map[string]string
}

// Observer harvests per-platform credentials from observation events and
// persists them. Extraction failures never propagate to the producer.
type Observer struct {
	store  Store
	logger *slog.Logger
	rules  []credentialRule
}

var (
	claudeOrgPattern  = regexp.MustCompile(`/api/organizations/([^/]+)`)
	geminiKeyPattern  = regexp.MustCompile(`"([a-zA-Z0-9]{5,6})",\s*"\[`)
	bearerTokenPrefix = "Bearer "
)

func NewObserver(store Store, logger *slog.Logger) *Observer {
	if logger == nil {
		logger = slog.Default()
	}
	o := &Observer{store: store, logger: logger}
	o.rules = defaultCredentialRules()
	return o
}

// Observe runs every matching extraction rule against the event. It never
// returns an error: credential harvesting is best-effort and must not stall
// the event producer.
func (o *Observer) Observe(ctx context.Context, ev ObservationEvent) {
	if o == nil || strings.TrimSpace(ev.URL) == "" {
		return
	}
	for _, rule := range o.rules {
		if rule.kind != "" && rule.kind != ev.Kind {
			continue
		}
		if rule.match != nil && !rule.match(ev.URL) {
			continue
		}
		values := rule.extract(ev)
		if len(values) == 0 {
			continue
		}
		changed, err := StoreCredentialValues(ctx, o.store, rule.platform, values)
		if err != nil {
			o.logger.Debug("credential store write failed",
				"platform", rule.platform, "error", err)
			continue
		}
		if changed {
			o.logger.Info("credentials updated",
				"platform", rule.platform, "names", credentialNames(values))
		}
	}
}

// CredentialsSnapshot returns the stored credentials for every platform that
// has any.
func (o *Observer) CredentialsSnapshot(ctx context.Context) map[string]Credentials {
	out := map[string]Credentials{}
	for _, platform := range Platforms {
		creds, ok, err := LoadCredentials(ctx, o.store, platform)
		if err != nil || !ok {
			continue
		}
		out[platform] = creds
	}
	return out
}

func credentialNames(values map[string]string) []string {
	names := make([]string, 0, len(values))
	for name := range values {
		names = append(names, name)
	}
	return names
}

func urlContains(fragments ...string) func(string) bool {
	return func(raw string) bool {
		for _, fragment := range fragments {
			if !strings.Contains(raw, fragment) {
				return false
			}
		}
		return true
	}
}

func urlContainsAny(fragments ...string) func(string) bool {
	return func(raw string) bool {
		for _, fragment := range fragments {
			if strings.Contains(raw, fragment) {
				return true
			}
		}
		return false
	}
}

func bearerHeader(ev ObservationEvent) string {
	auth := strings.TrimSpace(ev.header("Authorization"))
	if !strings.HasPrefix(auth, bearerTokenPrefix) {
		return ""
	}
	return auth
}

func defaultCredentialRules() []credentialRule {
	return []credentialRule{
		{
			platform: PlatformChatGPT,
			kind:     EventRequestHeaders,
			match:    urlContains("chatgpt.com/backend-api"),
			extract: func(ev ObservationEvent) map[string]string {
				if token := bearerHeader(ev); token != "" {
					return map[string]string{"token": token}
				}
				return nil
			},
		},
		{
			platform: PlatformClaude,
			kind:     EventRequestHeaders,
			match:    urlContains("claude.ai/api/organizations/"),
			extract: func(ev ObservationEvent) map[string]string {
				values := map[string]string{}
				if m := claudeOrgPattern.FindStringSubmatch(ev.URL); m != nil {
					values["org_id"] = m[1]
				}
				if cookie := strings.TrimSpace(ev.header("Cookie")); cookie != "" {
					values["session_cookie"] = cookie
				}
				return values
			},
		},
		{
			platform: PlatformGemini,
			kind:     EventRequestBody,
			match:    urlContains("batchexecute"),
			extract: func(ev ObservationEvent) map[string]string {
				body := ev.formValue("f.req")
				if body == "" {
					return nil
				}
				m := geminiKeyPattern.FindStringSubmatch(body)
				if m == nil {
					return nil
				}
				return map[string]string{"dynamic_key": m[1]}
			},
		},
		{
			platform: PlatformGrok,
			kind:     EventRequestHeaders,
			match:    urlContains("x.com/i/api", "grok"),
			extract: func(ev ObservationEvent) map[string]string {
				values := map[string]string{}
				if auth := strings.TrimSpace(ev.header("Authorization")); auth != "" {
					values["auth_token"] = auth
				}
				if csrf := strings.TrimSpace(ev.header("x-csrf-token")); csrf != "" {
					values["csrf_token"] = csrf
				}
				return values
			},
		},
		{
			platform: PlatformQwen,
			kind:     EventRequestHeaders,
			match:    urlContains("chat.qwenlm.ai"),
			extract: func(ev ObservationEvent) map[string]string {
				values := map[string]string{}
				if token := strings.TrimSpace(ev.header("X-Xsrf-Token")); token != "" {
					values["xsrf_token"] = token
				}
				if appID := strings.TrimSpace(ev.header("x-app-id")); appID != "" {
					values["app_id"] = appID
				}
				return values
			},
		},
		{
			platform: PlatformDeepSeek,
			kind:     EventRequestHeaders,
			match:    urlContains("chat.deepseek.com"),
			extract: func(ev ObservationEvent) map[string]string {
				if token := bearerHeader(ev); token != "" {
					return map[string]string{"token": token}
				}
				return nil
			},
		},
		{
			platform: PlatformPerplexity,
			kind:     EventRequestHeaders,
			match:    urlContains("perplexity.ai/rest"),
			extract: func(ev ObservationEvent) map[string]string {
				if token := bearerHeader(ev); token != "" {
					return map[string]string{"session": token}
				}
				return nil
			},
		},
		{
			platform: PlatformLMArena,
			match:    urlContainsAny("lmarena.ai", "lmsys.org"),
			extract: func(ev ObservationEvent) map[string]string {
				hash := sessionHashFromURL(ev.URL)
				if hash == "" {
					return nil
				}
				return map[string]string{"session_hash": hash}
			},
		},
	}
}

func sessionHashFromURL(raw string) string {
	parsed, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	if hash := strings.TrimSpace(parsed.Query().Get("session_hash")); hash != "" {
		return hash
	}
	segments := strings.Split(strings.Trim(parsed.Path, "/"), "/")
	if len(segments) == 0 {
		return ""
	}
	last := segments[len(segments)-1]
	if strings.HasPrefix(last, "gradio-") {
		return last
	}
	return ""
}
