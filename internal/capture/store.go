package capture

import (
	"context"
	"encoding/json"
)

// Store is the shared persistent key-value state every component reads
// and writes through. Writes are last-write-wins at the key level, so
// each key has exactly one owning component.
//
// Key namespaces:
//
//	creds:<platform>   credential records (CredentialObserver writes,
//	                   the owning adapter deletes on 401/403)
//	dashboard_session  dashboard session (SessionManager), plus the
//	                   legacy flat keys accessToken/refreshToken/expiresAt
//	sync_queue         offline save queue (SyncQueue)
//	folders_cache, settings_cache, prompts_cache, last_sync_ts
//	                   stale-while-revalidate caches (ResponseCache)
type Store interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Put(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, keys ...string) error
	Close() error
}

func GetJSON(ctx context.Context, store Store, key string, out any) (bool, error) {
	raw, ok, err := store.Get(ctx, key)
	if err != nil || !ok {
		return false, err
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return false, err
	}
	return true, nil
}

func PutJSON(ctx context.Context, store Store, key string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return store.Put(ctx, key, raw)
}
