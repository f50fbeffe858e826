// Package catalog provides read-only lookup of JSON catalog documents, such
// as the model list published for each provider.
package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"sort"
	"strings"
)

// ErrNotFound is returned when no document exists for a key.
var ErrNotFound = errors.New("catalog: document not found")

// Store looks up JSON documents by key. Keys are slash-separated, for
// example "models/openai".
type Store interface {
	Get(ctx context.Context, key string) (json.RawMessage, error)
}

// ModelsKey returns the catalog key of a provider's model list.
func ModelsKey(provider string) string {
	return "models/" + strings.ToLower(strings.TrimSpace(provider))
}

// Model is one entry of a provider model list.
type Model struct {
	ID          string `json:"id"`
	Name        string `json:"name,omitempty"`
	ContextSize int    `json:"context_size,omitempty"`
}

// Models loads and decodes the model list of provider. The document may be
// a bare array of ids, an array of model objects, or an object with a
// "models" field holding either form.
func Models(ctx context.Context, store Store, provider string) ([]Model, error) {
	if store == nil {
		return nil, ErrNotFound
	}
	raw, err := store.Get(ctx, ModelsKey(provider))
	if err != nil {
		return nil, err
	}
	models, err := decodeModels(raw)
	if err != nil {
		return nil, fmt.Errorf("catalog: decode %s: %w", ModelsKey(provider), err)
	}
	sort.SliceStable(models, func(i, j int) bool { return models[i].ID < models[j].ID })
	return models, nil
}

func decodeModels(raw json.RawMessage) ([]Model, error) {
	trimmed := strings.TrimSpace(string(raw))
	if strings.HasPrefix(trimmed, "{") {
		var wrapper struct {
			Models json.RawMessage `json:"models"`
		}
		if err := json.Unmarshal(raw, &wrapper); err != nil {
			return nil, err
		}
		if len(wrapper.Models) == 0 {
			return []Model{}, nil
		}
		raw = wrapper.Models
	}

	var items []json.RawMessage
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, err
	}
	models := make([]Model, 0, len(items))
	for i, item := range items {
		var id string
		if err := json.Unmarshal(item, &id); err == nil {
			models = append(models, Model{ID: id})
			continue
		}
		var m Model
		if err := json.Unmarshal(item, &m); err != nil {
			return nil, fmt.Errorf("entry %d: %w", i, err)
		}
		if m.ID == "" {
			return nil, fmt.Errorf("entry %d: missing id", i)
		}
		models = append(models, m)
	}
	return models, nil
}

// cleanKey rejects keys that could escape the store root.
func cleanKey(key string) (string, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return "", errors.New("catalog: key is required")
	}
	if strings.HasPrefix(key, "/") || strings.Contains(key, "\\") {
		return "", fmt.Errorf("catalog: invalid key %q", key)
	}
	cleaned := path.Clean(key)
	if cleaned != key || cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return "", fmt.Errorf("catalog: invalid key %q", key)
	}
	return cleaned, nil
}
