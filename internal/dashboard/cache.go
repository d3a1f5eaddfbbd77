package dashboard

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/chatvault/chatvault/internal/capture"
)

const (
	foldersCacheKey  = "folders_cache"
	settingsCacheKey = "settings_cache"
	promptsCacheKey  = "prompts_cache"
	lastSyncKey      = "last_sync_ts"
)

const defaultCacheTTL = 5 * time.Minute

type cacheEntry struct {
	Value     json.RawMessage `json:"value"`
	FetchedAt int64           `json:"fetched_at"`
}

// ResponseCache serves folders, settings and prompts
// stale-while-revalidate: a cached value is returned immediately and a
// stale one triggers a single background refresh.
type ResponseCache struct {
	store  capture.Store
	client *Client
	logger *slog.Logger
	ttl    time.Duration

	mu           sync.Mutex
	revalidating map[string]bool
}

type ResponseCacheOptions struct {
	TTL time.Duration
}

func NewResponseCache(store capture.Store, client *Client, logger *slog.Logger, opts ResponseCacheOptions) *ResponseCache {
	if logger == nil {
		logger = slog.Default()
	}
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = defaultCacheTTL
	}
	return &ResponseCache{
		store:        store,
		client:       client,
		logger:       logger,
		ttl:          ttl,
		revalidating: map[string]bool{},
	}
}

func (c *ResponseCache) Folders(ctx context.Context) ([]Folder, error) {
	var folders []Folder
	err := c.get(ctx, foldersCacheKey, &folders, func(ctx context.Context) (any, error) {
		return c.client.Folders(ctx)
	})
	return folders, err
}

func (c *ResponseCache) Settings(ctx context.Context) (Settings, error) {
	var settings Settings
	err := c.get(ctx, settingsCacheKey, &settings, func(ctx context.Context) (any, error) {
		return c.client.Settings(ctx)
	})
	return settings, err
}

func (c *ResponseCache) Prompts(ctx context.Context) ([]Prompt, error) {
	var prompts []Prompt
	err := c.get(ctx, promptsCacheKey, &prompts, func(ctx context.Context) (any, error) {
		return c.client.Prompts(ctx)
	})
	return prompts, err
}

// RefreshPrompts bypasses the cache and refreshes the prompt set from
// the API.
func (c *ResponseCache) RefreshPrompts(ctx context.Context) ([]Prompt, error) {
	prompts, err := c.client.Prompts(ctx)
	if err != nil {
		return nil, err
	}
	if storeErr := c.put(ctx, promptsCacheKey, prompts); storeErr != nil {
		c.logger.Warn("prompt cache write failed", "error", storeErr)
	}
	return prompts, nil
}

func (c *ResponseCache) LastSync(ctx context.Context) int64 {
	var ts int64
	_, _ = capture.GetJSON(ctx, c.store, lastSyncKey, &ts)
	return ts
}

func (c *ResponseCache) Invalidate(ctx context.Context) error {
	return c.store.Delete(ctx, foldersCacheKey, settingsCacheKey, promptsCacheKey, lastSyncKey)
}

func (c *ResponseCache) get(ctx context.Context, key string, out any, fetch func(context.Context) (any, error)) error {
	var entry cacheEntry
	ok, err := capture.GetJSON(ctx, c.store, key, &entry)
	if err == nil && ok && len(entry.Value) > 0 {
		if unmarshalErr := json.Unmarshal(entry.Value, out); unmarshalErr == nil {
			if time.Now().UnixMilli()-entry.FetchedAt > c.ttl.Milliseconds() {
				c.revalidate(key, fetch)
			}
			return nil
		}
	}

	fresh, err := fetch(ctx)
	if err != nil {
		return err
	}
	if storeErr := c.put(ctx, key, fresh); storeErr != nil {
		c.logger.Warn("cache write failed", "key", key, "error", storeErr)
	}
	raw, err := json.Marshal(fresh)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, out)
}

// revalidate refreshes one key in the background, at most once at a
// time per key.
func (c *ResponseCache) revalidate(key string, fetch func(context.Context) (any, error)) {
	c.mu.Lock()
	if c.revalidating[key] {
		c.mu.Unlock()
		return
	}
	c.revalidating[key] = true
	c.mu.Unlock()

	go func() {
		defer func() {
			c.mu.Lock()
			delete(c.revalidating, key)
			c.mu.Unlock()
		}()
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		fresh, err := fetch(ctx)
		if err != nil {
			c.logger.Debug("cache revalidation failed", "key", key, "error", err)
			return
		}
		if err := c.put(ctx, key, fresh); err != nil {
			c.logger.Warn("cache write failed", "key", key, "error", err)
		}
	}()
}

func (c *ResponseCache) put(ctx context.Context, key string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}
	now := time.Now().UnixMilli()
	if err := capture.PutJSON(ctx, c.store, key, cacheEntry{Value: raw, FetchedAt: now}); err != nil {
		return err
	}
	return capture.PutJSON(ctx, c.store, lastSyncKey, now)
}
