package catalog

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func writeDoc(t *testing.T, dir, key, body string) {
	t.Helper()
	path := filepath.Join(dir, filepath.FromSlash(key)+".json")
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("MkdirAll() error = %v", err)
	}
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
}

func TestModelsKey(t *testing.T) {
	if got := ModelsKey(" OpenAI "); got != "models/openai" {
		t.Fatalf("ModelsKey() = %q", got)
	}
}

func TestModelsDocumentShapes(t *testing.T) {
	tests := []struct {
		name string
		body string
		want []string
	}{
		{"bare ids", `["gpt-4o-mini","gpt-4o"]`, []string{"gpt-4o", "gpt-4o-mini"}},
		{"objects", `[{"id":"b","name":"B"},{"id":"a"}]`, []string{"a", "b"}},
		{"wrapped", `{"models":["x",{"id":"w","context_size":8192}]}`, []string{"w", "x"}},
		{"wrapped empty", `{"provider":"openai"}`, []string{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			writeDoc(t, dir, "models/openai", tt.body)

			models, err := Models(context.Background(), NewFileStore(dir), "openai")
			if err != nil {
				t.Fatalf("Models() error = %v", err)
			}
			if len(models) != len(tt.want) {
				t.Fatalf("models = %+v, want ids %v", models, tt.want)
			}
			for i, id := range tt.want {
				if models[i].ID != id {
					t.Errorf("models[%d].ID = %q, want %q", i, models[i].ID, id)
				}
			}
		})
	}
}

func TestModelsRejectsMalformedEntries(t *testing.T) {
	dir := t.TempDir()
	writeDoc(t, dir, "models/openai", `[{"name":"no id"}]`)
	if _, err := Models(context.Background(), NewFileStore(dir), "openai"); err == nil {
		t.Fatal("expected an error for an entry without id")
	}
}

func TestModelsMissingDocument(t *testing.T) {
	_, err := Models(context.Background(), NewFileStore(t.TempDir()), "anthropic")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("Models() error = %v, want ErrNotFound", err)
	}
	if _, err := Models(context.Background(), nil, "anthropic"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Models(nil store) error = %v", err)
	}
}

func TestCleanKey(t *testing.T) {
	valid := []string{"models/openai", "a", "deep/nested/key"}
	for _, k := range valid {
		if _, err := cleanKey(k); err != nil {
			t.Errorf("cleanKey(%q) error = %v", k, err)
		}
	}
	invalid := []string{"", "/etc/passwd", "../secret", "models/../../x", "models//openai", `models\openai`, ".."}
	for _, k := range invalid {
		if _, err := cleanKey(k); err == nil {
			t.Errorf("cleanKey(%q) accepted", k)
		}
	}
}

func TestFileStoreGet(t *testing.T) {
	dir := t.TempDir()
	writeDoc(t, dir, "models/google", `{"models":["gemini-2.0-flash"]}`)
	writeDoc(t, dir, "broken", `{not json`)
	store := NewFileStore(dir)

	raw, err := store.Get(context.Background(), "models/google")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if string(raw) != `{"models":["gemini-2.0-flash"]}` {
		t.Fatalf("Get() = %s", raw)
	}
	if _, err := store.Get(context.Background(), "broken"); err == nil || errors.Is(err, ErrNotFound) {
		t.Fatalf("Get(broken) error = %v", err)
	}
	if _, err := store.Get(context.Background(), "../escape"); err == nil {
		t.Fatal("Get() accepted a traversal key")
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := store.Get(ctx, "models/google"); !errors.Is(err, context.Canceled) {
		t.Fatalf("Get(cancelled) error = %v", err)
	}
}
