package capture

import (
	"context"
	"path/filepath"
	"testing"
)

func TestFileStoreRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	store, err := NewFileStore(path)
	if err != nil {
		t.Fatalf("NewFileStore failed: %v", err)
	}
	ctx := context.Background()

	if err := store.Put(ctx, "alpha", []byte(`{"v":1}`)); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	value, ok, err := store.Get(ctx, "alpha")
	if err != nil || !ok {
		t.Fatalf("Get failed: ok=%v err=%v", ok, err)
	}
	if string(value) != `{"v":1}` {
		t.Fatalf("unexpected value: %s", value)
	}

	if _, ok, _ := store.Get(ctx, "missing"); ok {
		t.Fatalf("expected missing key to report ok=false")
	}
}

func TestFileStorePersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	ctx := context.Background()

	first, err := NewFileStore(path)
	if err != nil {
		t.Fatalf("NewFileStore failed: %v", err)
	}
	if err := first.Put(ctx, "k", []byte(`"persisted"`)); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if err := first.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	second, err := NewFileStore(path)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	value, ok, err := second.Get(ctx, "k")
	if err != nil || !ok {
		t.Fatalf("Get after reopen failed: ok=%v err=%v", ok, err)
	}
	if string(value) != `"persisted"` {
		t.Fatalf("unexpected value after reopen: %s", value)
	}
}

func TestFileStoreDelete(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	store, err := NewFileStore(path)
	if err != nil {
		t.Fatalf("NewFileStore failed: %v", err)
	}
	ctx := context.Background()

	if err := store.Put(ctx, "a", []byte("1")); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if err := store.Put(ctx, "b", []byte("2")); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if err := store.Delete(ctx, "a", "nope"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if _, ok, _ := store.Get(ctx, "a"); ok {
		t.Fatalf("expected a to be deleted")
	}
	if _, ok, _ := store.Get(ctx, "b"); !ok {
		t.Fatalf("expected b to survive")
	}
}

func TestOpenStoreRejectsUnknownScheme(t *testing.T) {
	if _, err := OpenStore("redis://localhost"); err == nil {
		t.Fatalf("expected error for unknown scheme")
	}
	if _, err := OpenStore("  "); err == nil {
		t.Fatalf("expected error for blank DSN")
	}
}

func TestOpenStoreFileScheme(t *testing.T) {
	path := filepath.Join(t.TempDir(), "s.json")
	store, err := OpenStore("file://" + path)
	if err != nil {
		t.Fatalf("OpenStore file scheme failed: %v", err)
	}
	defer store.Close()
	if err := store.Put(context.Background(), "x", []byte("1")); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
}

func TestRegisterStoreFactoryOverridesScheme(t *testing.T) {
	called := false
	RegisterStoreFactory("teststore", func(dsn string) (Store, error) {
		called = true
		return NewMemoryStore(), nil
	})
	store, err := OpenStore("teststore://anything")
	if err != nil {
		t.Fatalf("OpenStore failed: %v", err)
	}
	defer store.Close()
	if !called {
		t.Fatalf("expected registered factory to be used")
	}
}

func TestMemoryStoreIsolation(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	payload := []byte("original")
	if err := store.Put(ctx, "k", payload); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	payload[0] = 'X'
	value, _, err := store.Get(ctx, "k")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if string(value) != "original" {
		t.Fatalf("stored value aliased caller buffer: %s", value)
	}
}
