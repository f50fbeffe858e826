package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
)

func newTestSQLiteStore(t *testing.T, path string) *SQLiteStore {
	t.Helper()
	store, err := NewSQLiteStore(SQLiteConfig{DSN: path})
	if err != nil {
		t.Fatalf("NewSQLiteStore() error = %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestNewSQLiteStoreRequiresDSN(t *testing.T) {
	if _, err := NewSQLiteStore(SQLiteConfig{DSN: "  "}); err == nil {
		t.Fatal("expected an error for an empty dsn")
	}
}

func TestSQLiteStorePutGet(t *testing.T) {
	ctx := context.Background()
	store := newTestSQLiteStore(t, filepath.Join(t.TempDir(), "catalog.sqlite"))

	if _, err := store.Get(ctx, "models/openai"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get(missing) error = %v, want ErrNotFound", err)
	}
	if err := store.Put(ctx, "models/openai", json.RawMessage(`["gpt-4o"]`)); err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	if err := store.Put(ctx, "models/openai", json.RawMessage(`["gpt-4o","o3-mini"]`)); err != nil {
		t.Fatalf("Put(replace) error = %v", err)
	}
	raw, err := store.Get(ctx, "models/openai")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if string(raw) != `["gpt-4o","o3-mini"]` {
		t.Fatalf("Get() = %s", raw)
	}

	if err := store.Put(ctx, "bad", json.RawMessage(`{`)); err == nil {
		t.Fatal("Put() accepted invalid JSON")
	}
	if err := store.Put(ctx, "../x", json.RawMessage(`{}`)); err == nil {
		t.Fatal("Put() accepted a traversal key")
	}
}

func TestSQLiteStorePersistsAcrossReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "catalog.sqlite")

	first, err := NewSQLiteStore(SQLiteConfig{DSN: path})
	if err != nil {
		t.Fatalf("NewSQLiteStore(first) error = %v", err)
	}
	if err := first.Put(ctx, "models/ollama", json.RawMessage(`{"models":["llama3.2"]}`)); err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	if err := first.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	second := newTestSQLiteStore(t, path)
	models, err := Models(ctx, second, "ollama")
	if err != nil {
		t.Fatalf("Models() error = %v", err)
	}
	if len(models) != 1 || models[0].ID != "llama3.2" {
		t.Fatalf("models = %+v", models)
	}
}

func TestSQLiteStoreImport(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	writeDoc(t, dir, "models/openai", `["gpt-4o"]`)
	writeDoc(t, dir, "models/anthropic", `["claude-3-5-sonnet-latest"]`)

	store := newTestSQLiteStore(t, filepath.Join(t.TempDir(), "catalog.sqlite"))
	keys, err := store.Import(ctx, dir)
	if err != nil {
		t.Fatalf("Import() error = %v", err)
	}
	if len(keys) != 2 || keys[0] != "models/anthropic" || keys[1] != "models/openai" {
		t.Fatalf("imported keys = %v", keys)
	}
	stored, err := store.Keys(ctx)
	if err != nil {
		t.Fatalf("Keys() error = %v", err)
	}
	if len(stored) != 2 {
		t.Fatalf("stored keys = %v", stored)
	}
}
