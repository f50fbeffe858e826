package llmprovider

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/petal-labs/petalgate/core"
)

func newMessagesServer(t *testing.T, status int, body string, captured *map[string]any) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/messages" {
			t.Errorf("path = %q, want /v1/messages", r.URL.Path)
		}
		if captured != nil {
			_ = json.NewDecoder(r.Body).Decode(captured)
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestAnthropicForcedOutputTool(t *testing.T) {
	var req map[string]any
	srv := newMessagesServer(t, http.StatusOK, `{
		"id":"msg_1","type":"message","role":"assistant","model":"claude-3-5-sonnet-latest",
		"content":[{"type":"tool_use","id":"tu_1","name":"output","input":{"answer":"42"}}],
		"stop_reason":"tool_use","usage":{"input_tokens":5,"output_tokens":7}
	}`, &req)

	client := newAnthropicClient(modelParams{provider: ProviderAnthropic, model: "claude-3-5-sonnet-latest"}, "key", srv.URL, nil)
	bound, err := client.BindSchema(map[string]any{
		"type":       "object",
		"properties": map[string]any{"answer": map[string]any{"type": "string"}},
		"required":   []any{"answer"},
	})
	if err != nil {
		t.Fatalf("BindSchema() error = %v", err)
	}

	resp, err := bound.Invoke(context.Background(), []core.Message{
		{Role: core.RoleSystem, Content: "answer tersely"},
		{Role: core.RoleUser, Content: "what is six times seven?"},
	})
	if err != nil {
		t.Fatalf("Invoke() error = %v", err)
	}
	if resp.Structured["answer"] != "42" {
		t.Fatalf("Structured = %v", resp.Structured)
	}
	if len(resp.ToolCalls) != 0 {
		t.Fatalf("output tool leaked into ToolCalls: %+v", resp.ToolCalls)
	}
	if resp.Usage.TotalTokens != 12 {
		t.Fatalf("usage = %+v", resp.Usage)
	}

	choice, _ := req["tool_choice"].(map[string]any)
	if choice["type"] != "tool" || choice["name"] != OutputToolName {
		t.Fatalf("tool_choice = %v", req["tool_choice"])
	}
	if req["max_tokens"] != float64(defaultAnthropicMaxTokens) {
		t.Fatalf("max_tokens = %v", req["max_tokens"])
	}
	if _, ok := req["system"]; !ok {
		t.Fatal("system prompt not sent")
	}
}

func TestAnthropicToolUseWithoutSchema(t *testing.T) {
	srv := newMessagesServer(t, http.StatusOK, `{
		"id":"msg_2","type":"message","role":"assistant","model":"claude-3-5-sonnet-latest",
		"content":[
			{"type":"text","text":"Let me look."},
			{"type":"tool_use","id":"tu_2","name":"output","input":{"q":"x"}}
		],
		"stop_reason":"tool_use","usage":{"input_tokens":1,"output_tokens":1}
	}`, nil)

	client := newAnthropicClient(modelParams{provider: ProviderAnthropic, model: "m"}, "key", srv.URL, nil)
	resp, err := client.Invoke(context.Background(), []core.Message{{Role: core.RoleUser, Content: "go"}})
	if err != nil {
		t.Fatalf("Invoke() error = %v", err)
	}
	if resp.Text != "Let me look." {
		t.Fatalf("Text = %q", resp.Text)
	}
	if len(resp.ToolCalls) != 1 || resp.ToolCalls[0].ID != "tu_2" || resp.Structured != nil {
		t.Fatalf("response = %+v", resp)
	}
}

func TestAnthropicMergesToolResults(t *testing.T) {
	system, msgs := toAnthropicMessages([]core.Message{
		{Role: core.RoleSystem, Content: "sys"},
		{Role: core.RoleUser, Content: "read both"},
		{Role: core.RoleAssistant, ToolCalls: []core.ToolCall{
			{ID: "a", Name: "read", Arguments: map[string]any{"path": "/a"}},
			{ID: "b", Name: "read"},
		}},
		{Role: core.RoleTool, ToolCallID: "a", Content: "A"},
		{Role: core.RoleTool, ToolCallID: "b", Content: "B"},
	})
	if len(system) != 1 {
		t.Fatalf("system blocks = %d, want 1", len(system))
	}
	if len(msgs) != 3 {
		t.Fatalf("messages = %d, want 3", len(msgs))
	}

	data, err := json.Marshal(msgs[2])
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	var last struct {
		Role    string `json:"role"`
		Content []struct {
			Type      string `json:"type"`
			ToolUseID string `json:"tool_use_id"`
		} `json:"content"`
	}
	if err := json.Unmarshal(data, &last); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	if last.Role != "user" || len(last.Content) != 2 {
		t.Fatalf("merged turn = %s", data)
	}
	if last.Content[0].ToolUseID != "a" || last.Content[1].ToolUseID != "b" {
		t.Fatalf("tool results = %s", data)
	}
}

func TestAnthropicRateLimited(t *testing.T) {
	srv := newMessagesServer(t, http.StatusTooManyRequests,
		`{"type":"error","error":{"type":"rate_limit_error","message":"slow down"}}`, nil)
	client := newAnthropicClient(modelParams{provider: ProviderAnthropic, model: "m"}, "key", srv.URL, nil)

	_, err := client.Invoke(context.Background(), []core.Message{{Role: core.RoleUser, Content: "x"}})
	var coreErr *core.Error
	if !errors.As(err, &coreErr) {
		t.Fatalf("error = %T %v", err, err)
	}
	if coreErr.Code != core.CodeRateLimited || !coreErr.Retryable || coreErr.Details["provider"] != ProviderAnthropic {
		t.Fatalf("error = %+v", coreErr)
	}
}

func TestRequiredList(t *testing.T) {
	if got := requiredList([]any{"a", 1, "b"}); len(got) != 2 || got[0] != "a" || got[1] != "b" {
		t.Fatalf("requiredList([]any) = %v", got)
	}
	if got := requiredList([]string{"x"}); len(got) != 1 {
		t.Fatalf("requiredList([]string) = %v", got)
	}
	if got := requiredList(nil); got != nil {
		t.Fatalf("requiredList(nil) = %v", got)
	}
}

func TestAnthropicToolKeepsSchemaKeywords(t *testing.T) {
	schema := map[string]any{
		"type":                 "object",
		"properties":           map[string]any{"item": map[string]any{"$ref": "#/$defs/item"}},
		"required":             []any{"item"},
		"additionalProperties": false,
		"$defs":                map[string]any{"item": map[string]any{"type": "string"}},
	}
	data, err := json.Marshal(anthropicTool("pick", "Pick one", schema))
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	var wire struct {
		Name        string         `json:"name"`
		InputSchema map[string]any `json:"input_schema"`
	}
	if err := json.Unmarshal(data, &wire); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	in := wire.InputSchema
	if wire.Name != "pick" || in["type"] != "object" {
		t.Fatalf("tool = %s", data)
	}
	if in["additionalProperties"] != false {
		t.Errorf("additionalProperties = %v", in["additionalProperties"])
	}
	defs, _ := in["$defs"].(map[string]any)
	if _, ok := defs["item"]; !ok {
		t.Errorf("$defs = %v", in["$defs"])
	}
	if req, _ := in["required"].([]any); len(req) != 1 || req[0] != "item" {
		t.Errorf("required = %v", in["required"])
	}
}
