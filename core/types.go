// Package core provides the types shared by the gateway's engine, provider
// clients and tools.
//
// This package contains:
//   - Conversation types: Role, Message, ToolCall, ModelResponse
//   - Interfaces: ModelClient, Tool
//   - Request shapes: InvocationRequest, MCPConfig, FSConfig
//   - Results: InvocationResult, LogEvent
package core

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// Role tags a conversation turn.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Message is one role-tagged conversation turn.
//
// Assistant turns may carry ToolCalls; tool turns answer exactly one call and
// carry its ToolCallID.
type Message struct {
	Role       Role       `json:"role"`
	Content    string     `json:"content"`
	Name       string     `json:"name,omitempty"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
}

// ToolCall is a model's request to run a named tool.
type ToolCall struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments,omitempty"`
}

// Usage reports token accounting for one or more model calls.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
	TotalTokens  int `json:"total_tokens"`
}

// Add returns the element-wise sum of u and other.
func (u Usage) Add(other Usage) Usage {
	return Usage{
		InputTokens:  u.InputTokens + other.InputTokens,
		OutputTokens: u.OutputTokens + other.OutputTokens,
		TotalTokens:  u.TotalTokens + other.TotalTokens,
	}
}

// ModelResponse is a single model turn.
type ModelResponse struct {
	ID        string
	Model     string
	Text      string
	ToolCalls []ToolCall
	// Structured is set when a schema-bound call returned an object directly,
	// e.g. as the arguments of a forced output tool.
	Structured map[string]any
	Usage      Usage
	Raw        map[string]any
}

// AssistantMessage converts the response into the assistant turn that is
// appended to the history before tool results.
func (r ModelResponse) AssistantMessage() Message {
	return Message{
		Role:      RoleAssistant,
		Content:   r.Text,
		ToolCalls: r.ToolCalls,
	}
}

// ErrToolsUnsupported is the documented "no tools bound" outcome of
// ModelClient.BindTools. Callers proceed with the unbound client.
var ErrToolsUnsupported = errors.New("core: model client does not support tool binding")

// ErrSchemaUnsupported is returned by BindSchema when the client cannot
// constrain its output to a schema.
var ErrSchemaUnsupported = errors.New("core: model client does not support schema binding")

// ModelClient is the per-provider model-calling capability.
//
// BindTools and BindSchema return a new client; the receiver is unchanged.
// Invoke must return a *Error carrying an explicit HTTP-like status for any
// failure the provider reported.
type ModelClient interface {
	Invoke(ctx context.Context, messages []Message) (ModelResponse, error)
	BindTools(tools []Tool) (ModelClient, error)
	BindSchema(schema map[string]any) (ModelClient, error)
}

// Tool is a named callable the model may ask the gateway to execute.
type Tool interface {
	Name() string
	Description() string
	InputSchema() map[string]any
	// Origin identifies where the tool comes from: an MCP server name,
	// "frontend_fs" or "tavily".
	Origin() string
	Invoke(ctx context.Context, args map[string]any) (string, error)
}

// Capabilities describes what a provider supports.
type Capabilities struct {
	JSONMode         bool `json:"json_mode"`
	StructuredOutput bool `json:"structured_output"`
	Available        bool `json:"available"`
}

// InvocationRequest is the normalized request handled by the engine.
type InvocationRequest struct {
	Provider       string
	Model          string
	Messages       []Message
	ResponseSchema map[string]any
	Temperature    *float64
	MaxTokens      *int
	Extra          map[string]any
	Retries        int
	MCP            *MCPConfig
	FS             *FSConfig
	APIKey         string
}

// MCPConfig selects remote MCP servers and, optionally, a subset of their tools.
type MCPConfig struct {
	Servers []MCPServer    `json:"servers"`
	Tools   []ToolSelector `json:"tools,omitempty"`
	Options MCPOptions     `json:"options,omitempty"`
}

// MCPServer describes one MCP server connection.
type MCPServer struct {
	Name      string            `json:"name" yaml:"name"`
	Transport string            `json:"transport" yaml:"transport"`
	URL       string            `json:"url,omitempty" yaml:"url,omitempty"`
	Headers   map[string]string `json:"headers,omitempty" yaml:"headers,omitempty"`
	Command   string            `json:"command,omitempty" yaml:"command,omitempty"`
	Args      []string          `json:"args,omitempty" yaml:"args,omitempty"`
	Env       map[string]string `json:"env,omitempty" yaml:"env,omitempty"`
}

// ToolSelector picks one tool from one server.
type ToolSelector struct {
	Server string `json:"server"`
	Name   string `json:"name"`
}

// MCPOptions tunes how loaded MCP tools are exposed to the model.
type MCPOptions struct {
	ToolNamePrefix ToolNamePrefix `json:"tool_name_prefix,omitempty"`
}

// ToolNamePrefix is decoded from either a bool or a string. true prefixes
// each tool with "<server>_"; a string is used as the prefix verbatim.
type ToolNamePrefix struct {
	ServerName bool
	Literal    string
}

// Apply returns the name a tool loaded from server is exposed under.
func (p ToolNamePrefix) Apply(server, name string) string {
	switch {
	case p.Literal != "":
		return p.Literal + name
	case p.ServerName:
		return server + "_" + name
	}
	return name
}

func (p *ToolNamePrefix) UnmarshalJSON(data []byte) error {
	var flag bool
	if err := json.Unmarshal(data, &flag); err == nil {
		*p = ToolNamePrefix{ServerName: flag}
		return nil
	}
	var literal string
	if err := json.Unmarshal(data, &literal); err != nil {
		return errors.New("tool_name_prefix must be a bool or a string")
	}
	*p = ToolNamePrefix{Literal: literal}
	return nil
}

func (p ToolNamePrefix) MarshalJSON() ([]byte, error) {
	if p.Literal != "" {
		return json.Marshal(p.Literal)
	}
	return json.Marshal(p.ServerName)
}

// FSConfig binds remote filesystem nodes to an open websocket connection.
type FSConfig struct {
	ConnID string   `json:"ws_conn_id"`
	Nodes  []FSNode `json:"nodes"`
}

// FSNode is one remote filesystem node. Its ID becomes the tool-name label.
type FSNode struct {
	ID string `json:"id"`
}

// InvocationResult is returned for a successful invocation.
type InvocationResult struct {
	ID       string         `json:"id"`
	Output   any            `json:"output"`
	Provider string         `json:"provider"`
	Model    string         `json:"model"`
	Usage    Usage          `json:"usage"`
	Raw      map[string]any `json:"raw,omitempty"`
	Logs     []LogEvent     `json:"logs"`
}

// LogEvent is one structured entry in an invocation's log buffer.
type LogEvent struct {
	Event   string         `json:"event"`
	Time    time.Time      `json:"time"`
	Attempt int            `json:"attempt,omitempty"`
	Payload map[string]any `json:"payload,omitempty"`
}
