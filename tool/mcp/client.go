package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

const (
	defaultProtocolVersion = "2025-06-18"
	defaultClientName      = "petalgate"
	defaultClientVersion   = "dev"

	closeGrace = 5 * time.Second
)

// ErrClosed is reported by calls made after the session was closed.
var ErrClosed = errors.New("mcp: session closed")

// Transport carries JSON-RPC messages between a session and one MCP server.
// Receive must block until a message arrives or ctx is done.
type Transport interface {
	Send(ctx context.Context, message Message) error
	Receive(ctx context.Context) (Message, error)
	Close(ctx context.Context) error
}

// Options configures the client side of the handshake.
type Options struct {
	ProtocolVersion string
	Client          Implementation
}

// Session is an initialized MCP connection. A single reader goroutine owns
// Receive and routes each response to the call waiting on its id, so calls
// may run concurrently.
type Session struct {
	transport Transport
	server    InitializeResult

	nextID atomic.Int64

	mu      sync.Mutex
	waiters map[int64]chan Message
	ended   error

	stop      context.CancelFunc
	done      chan struct{}
	closeOnce sync.Once
	closeErr  error
}

// Open starts reading from transport and performs the initialize handshake.
// The transport is closed when the handshake fails.
func Open(ctx context.Context, transport Transport, opts Options) (*Session, error) {
	if opts.ProtocolVersion == "" {
		opts.ProtocolVersion = defaultProtocolVersion
	}
	if opts.Client.Name == "" {
		opts.Client.Name = defaultClientName
	}
	if opts.Client.Version == "" {
		opts.Client.Version = defaultClientVersion
	}

	readCtx, stop := context.WithCancel(context.Background())
	s := &Session{
		transport: transport,
		waiters:   make(map[int64]chan Message),
		stop:      stop,
		done:      make(chan struct{}),
	}
	go s.read(readCtx)

	if err := s.handshake(ctx, opts); err != nil {
		closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), closeGrace)
		defer cancel()
		_ = s.Close(closeCtx)
		return nil, err
	}
	return s, nil
}

func (s *Session) handshake(ctx context.Context, opts Options) error {
	params := initializeParams{
		ProtocolVersion: opts.ProtocolVersion,
		Capabilities:    map[string]any{},
		ClientInfo:      opts.Client,
	}
	if err := s.call(ctx, "initialize", params, &s.server); err != nil {
		return err
	}
	if err := s.transport.Send(ctx, Message{JSONRPC: jsonRPCVersion, Method: "notifications/initialized"}); err != nil {
		return &RequestError{Method: "notifications/initialized", Err: err}
	}
	return nil
}

// Server returns what the server reported during the handshake.
func (s *Session) Server() InitializeResult { return s.server }

// ListTools fetches one tools/list page.
func (s *Session) ListTools(ctx context.Context, cursor string) (ListToolsResult, error) {
	var page ListToolsResult
	err := s.call(ctx, "tools/list", listToolsParams{Cursor: cursor}, &page)
	return page, err
}

// Tools follows tools/list pagination and returns every tool.
func (s *Session) Tools(ctx context.Context) ([]Tool, error) {
	var (
		tools  []Tool
		cursor string
		seen   = map[string]bool{}
	)
	for {
		page, err := s.ListTools(ctx, cursor)
		if err != nil {
			return nil, err
		}
		tools = append(tools, page.Tools...)
		if page.NextCursor == "" {
			return tools, nil
		}
		if seen[page.NextCursor] {
			return nil, &RequestError{Method: "tools/list", Err: fmt.Errorf("cursor %q repeated", page.NextCursor)}
		}
		seen[page.NextCursor] = true
		cursor = page.NextCursor
	}
}

// CallTool invokes a tool by name. A result with IsError set is returned
// without an error; only protocol and transport failures produce one.
func (s *Session) CallTool(ctx context.Context, name string, args map[string]any) (CallResult, error) {
	if args == nil {
		args = map[string]any{}
	}
	var result CallResult
	err := s.call(ctx, "tools/call", callToolParams{Name: name, Arguments: args}, &result)
	return result, err
}

// Close stops the reader and closes the transport. It is safe to call more
// than once.
func (s *Session) Close(ctx context.Context) error {
	s.closeOnce.Do(func() {
		s.stop()
		s.closeErr = s.transport.Close(ctx)
		select {
		case <-s.done:
		case <-ctx.Done():
		}
		s.fail(ErrClosed)
	})
	return s.closeErr
}

func (s *Session) read(ctx context.Context) {
	defer close(s.done)
	for {
		msg, err := s.transport.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil {
				err = ErrClosed
			}
			s.fail(err)
			return
		}
		switch {
		case msg.IsResponse():
			s.deliver(msg)
		case msg.IsRequest():
			go s.answer(ctx, msg)
		}
	}
}

// answer replies to requests the server sends. Only ping is supported.
func (s *Session) answer(ctx context.Context, req Message) {
	reply := Message{JSONRPC: jsonRPCVersion, ID: req.ID}
	if req.Method == "ping" {
		reply.Result = json.RawMessage(`{}`)
	} else {
		reply.Error = &RPCError{Code: codeMethodNotFound, Message: "method not found: " + req.Method}
	}
	_ = s.transport.Send(ctx, reply)
}

func (s *Session) deliver(msg Message) {
	id, ok := msg.numericID()
	if !ok {
		return
	}
	s.mu.Lock()
	ch := s.waiters[id]
	delete(s.waiters, id)
	s.mu.Unlock()
	if ch != nil {
		ch <- msg
	}
}

// fail records why the session ended and releases every pending call.
func (s *Session) fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended == nil {
		s.ended = err
	}
	for id, ch := range s.waiters {
		close(ch)
		delete(s.waiters, id)
	}
}

func (s *Session) endedErr() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ended
}

func (s *Session) forget(id int64) {
	s.mu.Lock()
	delete(s.waiters, id)
	s.mu.Unlock()
}

func (s *Session) call(ctx context.Context, method string, params, out any) error {
	raw, err := json.Marshal(params)
	if err != nil {
		return &RequestError{Method: method, Err: fmt.Errorf("encode params: %w", err)}
	}

	id := s.nextID.Add(1)
	ch := make(chan Message, 1)
	s.mu.Lock()
	if s.ended != nil {
		ended := s.ended
		s.mu.Unlock()
		return &RequestError{Method: method, Err: fmt.Errorf("session ended: %w", ended)}
	}
	s.waiters[id] = ch
	s.mu.Unlock()

	req := Message{JSONRPC: jsonRPCVersion, ID: idFor(id), Method: method, Params: raw}
	if err := s.transport.Send(ctx, req); err != nil {
		s.forget(id)
		return &RequestError{Method: method, Err: err}
	}

	select {
	case <-ctx.Done():
		s.forget(id)
		return &RequestError{Method: method, Err: ctx.Err()}
	case msg, ok := <-ch:
		if !ok {
			return &RequestError{Method: method, Err: fmt.Errorf("session ended: %w", s.endedErr())}
		}
		if msg.Error != nil {
			return &RequestError{Method: method, Err: msg.Error}
		}
		if out == nil || len(msg.Result) == 0 {
			return nil
		}
		if err := json.Unmarshal(msg.Result, out); err != nil {
			return &RequestError{Method: method, Err: fmt.Errorf("decode result: %w", err)}
		}
		return nil
	}
}
