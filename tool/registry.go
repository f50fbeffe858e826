package tool

import (
	"context"
	"fmt"

	"github.com/petal-labs/petalgate/core"
)

// Origins for tools built by this package.
const (
	OriginFrontendFS = "frontend_fs"
	OriginTavily     = "tavily"
)

// Set is a flat, name-indexed collection of the tools bound to one invocation.
// Lookup is by name only; callers never inspect concrete tool types.
type Set struct {
	order  []core.Tool
	byName map[string]core.Tool
}

// NewSet builds a Set. A tool whose name is already taken is skipped and
// reported in the returned slice of duplicate names.
func NewSet(tools ...core.Tool) (*Set, []string) {
	s := &Set{byName: make(map[string]core.Tool, len(tools))}
	var duplicates []string
	for _, t := range tools {
		if t == nil {
			continue
		}
		if _, exists := s.byName[t.Name()]; exists {
			duplicates = append(duplicates, t.Name())
			continue
		}
		s.byName[t.Name()] = t
		s.order = append(s.order, t)
	}
	return s, duplicates
}

// Lookup returns the tool registered under name.
func (s *Set) Lookup(name string) (core.Tool, bool) {
	if s == nil {
		return nil, false
	}
	t, ok := s.byName[name]
	return t, ok
}

// Tools returns the tools in insertion order.
func (s *Set) Tools() []core.Tool {
	if s == nil {
		return nil
	}
	return append([]core.Tool(nil), s.order...)
}

// Len returns the number of tools.
func (s *Set) Len() int {
	if s == nil {
		return 0
	}
	return len(s.order)
}

// Describe lists {name, origin} pairs for the tools_bound log event.
func (s *Set) Describe() []map[string]any {
	out := make([]map[string]any, 0, s.Len())
	for _, t := range s.Tools() {
		out = append(out, map[string]any{"name": t.Name(), "origin": t.Origin()})
	}
	return out
}

// FuncTool is a function-backed tool.
type FuncTool struct {
	name        string
	description string
	schema      map[string]any
	origin      string
	fn          func(ctx context.Context, args map[string]any) (string, error)
}

// NewFuncTool creates a new function-backed tool.
func NewFuncTool(name, description, origin string, schema map[string]any, fn func(ctx context.Context, args map[string]any) (string, error)) *FuncTool {
	if schema == nil {
		schema = map[string]any{"type": "object", "properties": map[string]any{}}
	}
	return &FuncTool{
		name:        name,
		description: description,
		schema:      schema,
		origin:      origin,
		fn:          fn,
	}
}

func (t *FuncTool) Name() string                { return t.name }
func (t *FuncTool) Description() string         { return t.description }
func (t *FuncTool) InputSchema() map[string]any { return t.schema }
func (t *FuncTool) Origin() string              { return t.origin }

// Invoke executes the tool function.
func (t *FuncTool) Invoke(ctx context.Context, args map[string]any) (string, error) {
	if t.fn == nil {
		return "", fmt.Errorf("tool %q has no implementation", t.name)
	}
	return t.fn(ctx, args)
}

var _ core.Tool = (*FuncTool)(nil)
