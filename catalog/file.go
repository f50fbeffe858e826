package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// FileStore serves documents from a directory, one "<key>.json" file per key.
type FileStore struct {
	dir string
}

// NewFileStore creates a store rooted at dir. The directory need not exist;
// lookups then report ErrNotFound.
func NewFileStore(dir string) *FileStore {
	return &FileStore{dir: dir}
}

// Dir returns the root directory.
func (s *FileStore) Dir() string {
	return s.dir
}

// Get reads the document stored under key.
func (s *FileStore) Get(ctx context.Context, key string) (json.RawMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	key, err := cleanKey(key)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(filepath.Join(s.dir, filepath.FromSlash(key)+".json"))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("catalog: read %s: %w", key, err)
	}
	if !json.Valid(data) {
		return nil, fmt.Errorf("catalog: %s is not valid JSON", key)
	}
	return json.RawMessage(data), nil
}
