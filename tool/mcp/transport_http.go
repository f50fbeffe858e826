package mcp

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"
	"sync"
)

const sessionHeader = "Mcp-Session-Id"

// HTTPTransportConfig configures a streamable HTTP MCP transport. The same
// transport serves servers configured as "sse" and "http": each JSON-RPC
// message is POSTed and the reply arrives either as a JSON body or as an
// event stream.
type HTTPTransportConfig struct {
	Endpoint string
	Headers  map[string]string
	Client   *http.Client
}

// HTTPTransport implements MCP transport over an HTTP endpoint.
type HTTPTransport struct {
	mu        sync.Mutex
	cfg       HTTPTransportConfig
	recvCh    chan Message
	sessionID string
	closed    bool
}

// NewHTTPTransport creates an endpoint-backed MCP transport.
func NewHTTPTransport(cfg HTTPTransportConfig) (*HTTPTransport, error) {
	if strings.TrimSpace(cfg.Endpoint) == "" {
		return nil, errors.New("mcp: http endpoint is required")
	}
	if cfg.Client == nil {
		cfg.Client = http.DefaultClient
	}
	return &HTTPTransport{
		cfg:    cfg,
		recvCh: make(chan Message, 64),
	}, nil
}

// Send posts one JSON-RPC message and enqueues every JSON-RPC message in
// the reply.
func (t *HTTPTransport) Send(ctx context.Context, message Message) error {
	t.mu.Lock()
	closed := t.closed
	sessionID := t.sessionID
	t.mu.Unlock()
	if closed {
		return errors.New("mcp: http transport is closed")
	}

	body, err := json.Marshal(message)
	if err != nil {
		return fmt.Errorf("mcp: encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.cfg.Endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("mcp: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json, text/event-stream")
	if sessionID != "" {
		req.Header.Set(sessionHeader, sessionID)
	}
	for key, value := range t.cfg.Headers {
		req.Header.Set(key, value)
	}

	resp, err := t.cfg.Client.Do(req)
	if err != nil {
		return fmt.Errorf("mcp: send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("mcp: endpoint returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
	}
	if id := strings.TrimSpace(resp.Header.Get(sessionHeader)); id != "" {
		t.mu.Lock()
		t.sessionID = id
		t.mu.Unlock()
	}

	mediaType, _, _ := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if mediaType == "text/event-stream" {
		return t.readEventStream(ctx, resp.Body)
	}

	responseBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("mcp: read response: %w", err)
	}
	if len(bytes.TrimSpace(responseBytes)) == 0 {
		return nil
	}
	return t.enqueue(ctx, responseBytes)
}

// readEventStream consumes "data:" events until the stream ends.
func (t *HTTPTransport) readEventStream(ctx context.Context, body io.Reader) error {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	var data []string
	flush := func() error {
		if len(data) == 0 {
			return nil
		}
		payload := strings.Join(data, "\n")
		data = data[:0]
		return t.enqueue(ctx, []byte(payload))
	}

	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if err := flush(); err != nil {
				return err
			}
		case strings.HasPrefix(line, "data:"):
			data = append(data, strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("mcp: read event stream: %w", err)
	}
	return flush()
}

func (t *HTTPTransport) enqueue(ctx context.Context, payload []byte) error {
	var response Message
	if err := json.Unmarshal(payload, &response); err != nil {
		return fmt.Errorf("mcp: decode response: %w", err)
	}
	select {
	case t.recvCh <- response:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Receive waits for the next queued JSON-RPC response.
func (t *HTTPTransport) Receive(ctx context.Context) (Message, error) {
	select {
	case <-ctx.Done():
		return Message{}, ctx.Err()
	case message := <-t.recvCh:
		return message, nil
	}
}

// Close marks the transport closed and ends the server session if one was
// assigned.
func (t *HTTPTransport) Close(ctx context.Context) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	sessionID := t.sessionID
	t.mu.Unlock()

	if sessionID == "" {
		return nil
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, t.cfg.Endpoint, nil)
	if err != nil {
		return nil
	}
	req.Header.Set(sessionHeader, sessionID)
	for key, value := range t.cfg.Headers {
		req.Header.Set(key, value)
	}
	resp, err := t.cfg.Client.Do(req)
	if err != nil {
		return nil
	}
	_ = resp.Body.Close()
	return nil
}
