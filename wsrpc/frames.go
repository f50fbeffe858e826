// Package wsrpc turns long-lived duplex connections from remote peers into a
// correlated request/response mechanism with per-call timeouts.
//
// A peer connects once and stays connected. The gateway sends "req" frames
// and the peer answers each with a "res" frame carrying the same id. Control
// frames ("ping", "connected") are accepted and ignored.
package wsrpc

import (
	"encoding/json"
	"fmt"
)

// Frame type discriminators.
const (
	FrameRequest   = "req"
	FrameResponse  = "res"
	FramePing      = "ping"
	FrameConnected = "connected"
)

// Remote filesystem actions.
const (
	ActionRead  = "fs_read"
	ActionWrite = "fs_write"
	ActionList  = "fs_list"
)

// Request is an outbound request frame.
type Request struct {
	Type    string  `json:"type"`
	ID      string  `json:"id"`
	Action  string  `json:"action"`
	Path    string  `json:"path,omitempty"`
	Content *string `json:"content,omitempty"`
}

// Response is an inbound response frame.
type Response struct {
	Type    string          `json:"type"`
	ID      string          `json:"id"`
	OK      bool            `json:"ok"`
	Content string          `json:"content,omitempty"`
	Entries json.RawMessage `json:"entries,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// inbound is the loosely-typed view used to dispatch any inbound frame.
type inbound struct {
	Type string `json:"type"`
	ID   string `json:"id"`
}

// DecodeResponse parses one inbound frame. It reports ok=false for control
// frames and for anything that is not a response with an id.
func DecodeResponse(data []byte) (Response, bool, error) {
	var head inbound
	if err := json.Unmarshal(data, &head); err != nil {
		return Response{}, false, fmt.Errorf("wsrpc: decode frame: %w", err)
	}
	if head.Type != FrameResponse || head.ID == "" {
		return Response{}, false, nil
	}
	var res Response
	if err := json.Unmarshal(data, &res); err != nil {
		return Response{}, false, fmt.Errorf("wsrpc: decode response: %w", err)
	}
	return res, true, nil
}
