package catalog

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS catalog_documents (
	key TEXT PRIMARY KEY,
	payload BLOB NOT NULL,
	updated_at TEXT NOT NULL
);`

// SQLiteConfig configures the SQLite-backed catalog store.
type SQLiteConfig struct {
	DSN string
}

// SQLiteStore keeps catalog documents in a SQLite table.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewSQLiteStore opens (or creates) the catalog database.
func NewSQLiteStore(cfg SQLiteConfig) (*SQLiteStore, error) {
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, errors.New("catalog: sqlite dsn is required")
	}

	db, err := sql.Open("sqlite", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("catalog: sqlite open: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("catalog: sqlite set WAL mode: %w", err)
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("catalog: sqlite create schema: %w", err)
	}
	return &SQLiteStore{db: db, now: time.Now}, nil
}

// Close releases the database handle.
func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Get returns the document stored under key.
func (s *SQLiteStore) Get(ctx context.Context, key string) (json.RawMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s == nil || s.db == nil {
		return nil, errors.New("catalog: sqlite store is nil")
	}
	key, err := cleanKey(key)
	if err != nil {
		return nil, err
	}

	var payload []byte
	err = s.db.QueryRowContext(ctx, `
SELECT payload
FROM catalog_documents
WHERE key = ?`, key).Scan(&payload)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("catalog: sqlite get %s: %w", key, err)
	}
	return json.RawMessage(payload), nil
}

// Put inserts or replaces the document stored under key.
func (s *SQLiteStore) Put(ctx context.Context, key string, doc json.RawMessage) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.db == nil {
		return errors.New("catalog: sqlite store is nil")
	}
	key, err := cleanKey(key)
	if err != nil {
		return err
	}
	if !json.Valid(doc) {
		return fmt.Errorf("catalog: %s is not valid JSON", key)
	}

	_, err = s.db.ExecContext(ctx, `
INSERT INTO catalog_documents (key, payload, updated_at)
VALUES (?, ?, ?)
ON CONFLICT(key) DO UPDATE SET
	payload = excluded.payload,
	updated_at = excluded.updated_at`,
		key, []byte(doc), s.now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("catalog: sqlite put %s: %w", key, err)
	}
	return nil
}

// Keys lists stored keys in sorted order.
func (s *SQLiteStore) Keys(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `SELECT key FROM catalog_documents ORDER BY key ASC`)
	if err != nil {
		return nil, fmt.Errorf("catalog: sqlite list keys: %w", err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, fmt.Errorf("catalog: sqlite scan key: %w", err)
		}
		keys = append(keys, key)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("catalog: sqlite key rows: %w", err)
	}
	return keys, nil
}

// Import copies every "<key>.json" document under dir into the store and
// returns the imported keys.
func (s *SQLiteStore) Import(ctx context.Context, dir string) ([]string, error) {
	var keys []string
	err := filepath.WalkDir(dir, func(p string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || filepath.Ext(p) != ".json" {
			return nil
		}
		rel, err := filepath.Rel(dir, p)
		if err != nil {
			return err
		}
		data, err := os.ReadFile(p)
		if err != nil {
			return err
		}
		key := strings.TrimSuffix(filepath.ToSlash(rel), ".json")
		if err := s.Put(ctx, key, data); err != nil {
			return err
		}
		keys = append(keys, key)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("catalog: import %s: %w", dir, err)
	}
	sort.Strings(keys)
	return keys, nil
}
