package capture

import (
	"context"
	"strings"
)

const credsKeyPrefix = "creds:"

type Credentials struct {
	Values       map[string]string `json:"values"`
	DiscoveredAt int64             `json:"discovered_at"`
}

func credsKey(platform string) string {
	return credsKeyPrefix + strings.ToLower(strings.TrimSpace(platform))
}

func LoadCredentials(ctx context.Context, store Store, platform string) (Credentials, bool, error) {
	var creds Credentials
	ok, err := GetJSON(ctx, store, credsKey(platform), &creds)
	if err != nil || !ok {
		return Credentials{}, false, err
	}
	if creds.Values == nil {
		creds.Values = map[string]string{}
	}
	return creds, true, nil
}

// StoreCredentialValues merges values into the platform's stored credentials.
// Writes only when at least one value actually changed.
func StoreCredentialValues(ctx context.Context, store Store, platform string, values map[string]string) (bool, error) {
	if len(values) == 0 {
		return false, nil
	}
	creds, _, err := LoadCredentials(ctx, store, platform)
	if err != nil {
		return false, err
	}
	if creds.Values == nil {
		creds.Values = map[string]string{}
	}
	changed := false
	for name, value := range values {
		if strings.TrimSpace(name) == "" || value == "" {
			continue
		}
		if creds.Values[name] != value {
			creds.Values[name] = value
			changed = true
		}
	}
	if !changed {
		return false, nil
	}
	creds.DiscoveredAt = nowMillis()
	if err := PutJSON(ctx, store, credsKey(platform), creds); err != nil {
		return false, err
	}
	return true, nil
}

// RemoveCredentialValues drops the named values. When no names are given, or
// none survive, the whole credential record is deleted.
func RemoveCredentialValues(ctx context.Context, store Store, platform string, names ...string) error {
	if len(names) == 0 {
		return store.Delete(ctx, credsKey(platform))
	}
	creds, ok, err := LoadCredentials(ctx, store, platform)
	if err != nil || !ok {
		return err
	}
	for _, name := range names {
		delete(creds.Values, name)
	}
	if len(creds.Values) == 0 {
		return store.Delete(ctx, credsKey(platform))
	}
	return PutJSON(ctx, store, credsKey(platform), creds)
}
