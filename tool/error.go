package tool

import (
	"errors"
	"strings"

	"github.com/petal-labs/petalgate/wsrpc"
)

// Codes carried by ToolError. The bridge codes are shared with wsrpc so a
// client sees the same code whichever layer reported it.
const (
	ToolErrorCodeConnectionNotOpen = wsrpc.CodeConnectionNotOpen
	ToolErrorCodeTimeout           = wsrpc.CodeTimeout
	ToolErrorCodeCancelled         = wsrpc.CodeCancelled
	ToolErrorCodeRemoteError       = "remote_error"      // peer answered ok=false
	ToolErrorCodeInvalidArguments  = "invalid_arguments" // model sent unusable arguments
	ToolErrorCodeUpstreamFailure   = "upstream_failure"  // non-2xx from an HTTP backend
	ToolErrorCodeMCPFailure        = "mcp_failure"
	ToolErrorCodeInvocationFailed  = "invocation_failed"
)

// ToolError is a tool failure the tool loop hands back to the model as the
// tool result. It never aborts an invocation.
type ToolError struct {
	Code      string         `json:"code"`
	Message   string         `json:"message"`
	Retryable bool           `json:"retryable"`
	Details   map[string]any `json:"details,omitempty"`
	Cause     error          `json:"-"`
}

func (e *ToolError) Error() string {
	if e == nil {
		return ""
	}
	parts := make([]string, 0, 2)
	for _, s := range []string{e.Code, e.Message} {
		if s = strings.TrimSpace(s); s != "" {
			parts = append(parts, s)
		}
	}
	if len(parts) == 0 {
		return ToolErrorCodeInvocationFailed
	}
	return strings.Join(parts, ": ")
}

func (e *ToolError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

// with records one detail and returns e for chaining.
func (e *ToolError) with(key string, value any) *ToolError {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

// newToolError fills in the fallback code, and takes the message from cause
// when none is given.
func newToolError(code, message string, retryable bool, cause error) *ToolError {
	e := &ToolError{
		Code:      strings.TrimSpace(code),
		Message:   strings.TrimSpace(message),
		Retryable: retryable,
		Cause:     cause,
	}
	if e.Code == "" {
		e.Code = ToolErrorCodeInvocationFailed
	}
	if e.Message == "" && cause != nil {
		e.Message = cause.Error()
	}
	return e
}

var bridgeMessages = map[string]string{
	wsrpc.CodeConnectionNotOpen: "filesystem websocket not connected",
	wsrpc.CodeTimeout:           "filesystem rpc timeout",
	wsrpc.CodeCancelled:         "filesystem connection closed",
}

// rpcToolError turns a bridge call failure into a ToolError. Only timeouts
// are worth retrying.
func rpcToolError(err error) *ToolError {
	var callErr *wsrpc.CallError
	if !errors.As(err, &callErr) {
		return newToolError(ToolErrorCodeInvocationFailed, "", false, err)
	}
	return newToolError(callErr.Code, bridgeMessages[callErr.Code], callErr.Code == wsrpc.CodeTimeout, err).
		with("conn_id", callErr.ConnID)
}
