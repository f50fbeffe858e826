package mcp

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

const jsonRPCVersion = "2.0"

// JSON-RPC error codes used when answering server requests.
const (
	codeMethodNotFound = -32601
)

// Message is a JSON-RPC 2.0 frame. A request has Method and ID, a
// notification has Method only, and a response has ID with Result or Error.
// ID stays raw so string ids sent by a server can be echoed unchanged.
type Message struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// IsResponse reports whether m answers a request.
func (m Message) IsResponse() bool {
	return m.Method == "" && len(m.ID) > 0
}

// IsRequest reports whether m is a request expecting a reply.
func (m Message) IsRequest() bool {
	return m.Method != "" && len(m.ID) > 0
}

// numericID returns the id as an integer when it is one. The client only
// issues integer ids, so anything else cannot match a waiter.
func (m Message) numericID() (int64, bool) {
	raw := bytes.TrimSpace(m.ID)
	if len(raw) == 0 {
		return 0, false
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return 0, false
		}
		raw = []byte(s)
	}
	id, err := strconv.ParseInt(string(raw), 10, 64)
	return id, err == nil
}

func idFor(n int64) json.RawMessage {
	return json.RawMessage(strconv.FormatInt(n, 10))
}

// RPCError is the JSON-RPC error object.
type RPCError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *RPCError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("mcp: server error %d: %s", e.Code, e.Message)
}

// RequestError reports which method failed and why.
type RequestError struct {
	Method string
	Err    error
}

func (e *RequestError) Error() string {
	return fmt.Sprintf("mcp: %s: %v", e.Method, e.Err)
}

func (e *RequestError) Unwrap() error { return e.Err }

// Implementation names a client or server in the handshake.
type Implementation struct {
	Name    string `json:"name"`
	Version string `json:"version,omitempty"`
}

type initializeParams struct {
	ProtocolVersion string         `json:"protocolVersion"`
	Capabilities    map[string]any `json:"capabilities"`
	ClientInfo      Implementation `json:"clientInfo"`
}

// InitializeResult is the server's half of the handshake.
type InitializeResult struct {
	ProtocolVersion string         `json:"protocolVersion"`
	Capabilities    map[string]any `json:"capabilities,omitempty"`
	ServerInfo      Implementation `json:"serverInfo"`
	Instructions    string         `json:"instructions,omitempty"`
}

// Tool is one entry of a tools/list page.
type Tool struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	InputSchema map[string]any `json:"inputSchema,omitempty"`
}

type listToolsParams struct {
	Cursor string `json:"cursor,omitempty"`
}

// ListToolsResult is one tools/list page.
type ListToolsResult struct {
	Tools      []Tool `json:"tools"`
	NextCursor string `json:"nextCursor,omitempty"`
}

type callToolParams struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

// Content is one item of a tools/call result.
type Content struct {
	Type     string `json:"type"`
	Text     string `json:"text,omitempty"`
	MimeType string `json:"mimeType,omitempty"`
	URI      string `json:"uri,omitempty"`
}

// CallResult is the tools/call result.
type CallResult struct {
	Content           []Content      `json:"content,omitempty"`
	StructuredContent map[string]any `json:"structuredContent,omitempty"`
	IsError           bool           `json:"isError,omitempty"`
}

// Text renders the result for a model. Text items are joined with blank
// lines, other items become a short placeholder, and structured content is
// used when nothing else was returned.
func (r CallResult) Text() string {
	var b strings.Builder
	for _, c := range r.Content {
		var part string
		switch c.Type {
		case "text":
			part = c.Text
		case "resource_link", "resource":
			part = fmt.Sprintf("[resource %s]", c.URI)
		case "":
			continue
		default:
			part = fmt.Sprintf("[%s %s]", c.Type, c.MimeType)
		}
		if b.Len() > 0 {
			b.WriteString("\n\n")
		}
		b.WriteString(part)
	}
	if b.Len() == 0 && len(r.StructuredContent) > 0 {
		if data, err := json.Marshal(r.StructuredContent); err == nil {
			return string(data)
		}
	}
	return b.String()
}
