package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"
	"unicode/utf8"

	"github.com/petal-labs/petalgate/core"
	"github.com/petal-labs/petalgate/tool"
)

const (
	// DefaultMaxToolRounds bounds the model/tool exchange of one attempt.
	DefaultMaxToolRounds = 3

	toolResultLogLimit = 2000
)

// ToolLoop runs the bounded "model decides, tools execute, model re-decides"
// exchange. Tool failures become tool results; only model failures abort.
type ToolLoop struct {
	Tools     *tool.Set
	MaxRounds int
	Log       *EventLog
	Logger    *slog.Logger
	Now       func() time.Time
}

// LoopResult is the outcome of a tool loop.
type LoopResult struct {
	Response core.ModelResponse
	// History is the conversation including every assistant and tool turn
	// the loop appended.
	History []core.Message
	Usage   core.Usage
	Rounds  int
}

// Run executes tool calls from first and re-invokes client until a response
// has no tool calls or MaxRounds rounds have run. Reaching the bound is not
// an error; the last response is returned as-is.
func (l *ToolLoop) Run(ctx context.Context, client core.ModelClient, history []core.Message, first core.ModelResponse, attempt int) (LoopResult, error) {
	maxRounds := l.MaxRounds
	if maxRounds <= 0 {
		maxRounds = DefaultMaxToolRounds
	}
	now := l.Now
	if now == nil {
		now = time.Now
	}
	logger := l.Logger
	if logger == nil {
		logger = slog.Default()
	}

	out := LoopResult{
		Response: first,
		History:  append([]core.Message(nil), history...),
	}
	for out.Rounds < maxRounds && len(out.Response.ToolCalls) > 0 {
		out.Rounds++
		calls := withCallIDs(out.Response.ToolCalls)
		l.logDetected(calls, attempt, out.Rounds)

		turn := out.Response.AssistantMessage()
		turn.ToolCalls = calls
		out.History = append(out.History, turn)
		for _, call := range calls {
			out.History = append(out.History, core.Message{
				Role:       core.RoleTool,
				Name:       call.Name,
				ToolCallID: call.ID,
				Content:    l.execute(ctx, call, attempt, now),
			})
		}

		resp, err := client.Invoke(ctx, out.History)
		if err != nil {
			return out, err
		}
		out.Response = resp
		out.Usage = out.Usage.Add(resp.Usage)
	}
	if len(out.Response.ToolCalls) > 0 {
		logger.Debug("tool loop bound reached", "rounds", out.Rounds, "pending_calls", len(out.Response.ToolCalls))
	}
	return out, nil
}

// withCallIDs copies calls, defaulting a missing id to the tool name so
// every tool turn can answer its call.
func withCallIDs(calls []core.ToolCall) []core.ToolCall {
	out := make([]core.ToolCall, len(calls))
	for i, c := range calls {
		if c.ID == "" {
			c.ID = c.Name
		}
		out[i] = c
	}
	return out
}

func (l *ToolLoop) logDetected(calls []core.ToolCall, attempt, round int) {
	if l.Log == nil {
		return
	}
	names := make([]string, 0, len(calls))
	detail := make([]map[string]any, 0, len(calls))
	for _, c := range calls {
		names = append(names, c.Name)
		detail = append(detail, map[string]any{"id": c.ID, "name": c.Name, "args": c.Arguments})
	}
	l.Log.Add(EventModelToolCallsDetected, attempt, map[string]any{
		"count": len(calls),
		"names": names,
		"calls": detail,
		"round": round,
	})
}

// execute runs one call and returns the tool-turn content.
func (l *ToolLoop) execute(ctx context.Context, call core.ToolCall, attempt int, now func() time.Time) string {
	t, ok := l.Tools.Lookup(call.Name)
	if !ok {
		return fmt.Sprintf("Tool '%s' not available", call.Name)
	}

	base := map[string]any{"name": call.Name, "origin": t.Origin(), "call_id": call.ID}
	l.add(EventToolExecutionStarted, attempt, 0, withFields(base, "args", call.Arguments))

	start := now()
	args := call.Arguments
	if args == nil {
		args = map[string]any{}
	}
	result, err := t.Invoke(ctx, args)
	elapsed := now().Sub(start)
	if err != nil {
		l.add(EventToolExecutionError, attempt, elapsed, withFields(base, "error", err.Error(), "duration_ms", elapsed.Milliseconds()))
		return fmt.Sprintf("Tool '%s' failed: %v", call.Name, err)
	}
	l.add(EventToolExecutionFinished, attempt, elapsed, withFields(base,
		"duration_ms", elapsed.Milliseconds(),
		"result", truncate(result, toolResultLogLimit),
	))
	return result
}

func (l *ToolLoop) add(kind EventKind, attempt int, elapsed time.Duration, payload map[string]any) {
	if l.Log == nil {
		return
	}
	l.Log.emit(Event{Kind: kind, Attempt: attempt, Elapsed: elapsed, Payload: payload})
}

func withFields(base map[string]any, kv ...any) map[string]any {
	out := make(map[string]any, len(base)+len(kv)/2)
	for k, v := range base {
		out[k] = v
	}
	for i := 0; i+1 < len(kv); i += 2 {
		if key, ok := kv[i].(string); ok {
			out[key] = kv[i+1]
		}
	}
	return out
}

// truncate shortens s to at most limit characters.
func truncate(s string, limit int) string {
	if utf8.RuneCountInString(s) <= limit {
		return s
	}
	return string([]rune(s)[:limit])
}
