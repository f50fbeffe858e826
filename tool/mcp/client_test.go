package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

// pipe is an in-memory transport. Every message the session sends goes to
// handle, and whatever handle returns is queued for Receive.
type pipe struct {
	handle func(Message) []Message

	inbox chan Message
	dead  chan struct{}
	cause error

	mu     sync.Mutex
	sent   []Message
	closed bool
}

func newPipe(handle func(Message) []Message) *pipe {
	return &pipe{handle: handle, inbox: make(chan Message, 32), dead: make(chan struct{})}
}

func (p *pipe) Send(ctx context.Context, msg Message) error {
	p.mu.Lock()
	p.sent = append(p.sent, msg)
	p.mu.Unlock()
	for _, reply := range p.handle(msg) {
		p.inbox <- reply
	}
	return nil
}

func (p *pipe) Receive(ctx context.Context) (Message, error) {
	select {
	case msg := <-p.inbox:
		return msg, nil
	case <-p.dead:
		return Message{}, p.cause
	case <-ctx.Done():
		return Message{}, ctx.Err()
	}
}

func (p *pipe) Close(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

func (p *pipe) kill(err error) {
	p.cause = err
	close(p.dead)
}

func (p *pipe) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

func (p *pipe) sentMethods() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []string
	for _, m := range p.sent {
		if m.Method != "" {
			out = append(out, m.Method)
		}
	}
	return out
}

func reply(req Message, result any) []Message {
	data, _ := json.Marshal(result)
	return []Message{{JSONRPC: jsonRPCVersion, ID: req.ID, Result: data}}
}

// server answers the handshake and delegates everything else to rest.
func server(rest func(Message) []Message) func(Message) []Message {
	return func(m Message) []Message {
		switch {
		case m.Method == "initialize":
			return reply(m, InitializeResult{ProtocolVersion: defaultProtocolVersion, ServerInfo: Implementation{Name: "fake", Version: "1.0"}})
		case !m.IsRequest():
			return nil
		case rest != nil:
			return rest(m)
		}
		return nil
	}
}

func openPipe(t *testing.T, p *pipe) *Session {
	t.Helper()
	s, err := Open(context.Background(), p, Options{})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close(context.Background()) })
	return s
}

func TestOpenHandshake(t *testing.T) {
	var params initializeParams
	p := newPipe(func(m Message) []Message {
		if m.Method == "initialize" {
			_ = json.Unmarshal(m.Params, &params)
		}
		return server(nil)(m)
	})
	s := openPipe(t, p)

	if params.ProtocolVersion != defaultProtocolVersion || params.ClientInfo.Name != "petalgate" {
		t.Fatalf("initialize params = %+v", params)
	}
	if got := strings.Join(p.sentMethods(), ","); got != "initialize,notifications/initialized" {
		t.Fatalf("methods = %s", got)
	}
	if info := s.Server().ServerInfo; info.Name != "fake" || info.Version != "1.0" {
		t.Fatalf("server info = %+v", info)
	}
}

func TestOpenFailureClosesTransport(t *testing.T) {
	p := newPipe(func(m Message) []Message {
		if m.Method != "initialize" {
			return nil
		}
		return []Message{{JSONRPC: jsonRPCVersion, ID: m.ID, Error: &RPCError{Code: -32602, Message: "unsupported version"}}}
	})
	_, err := Open(context.Background(), p, Options{ProtocolVersion: "1999-01-01"})

	var rpcErr *RPCError
	if !errors.As(err, &rpcErr) || rpcErr.Code != -32602 {
		t.Fatalf("err = %v", err)
	}
	var reqErr *RequestError
	if !errors.As(err, &reqErr) || reqErr.Method != "initialize" {
		t.Fatalf("err = %v", err)
	}
	if !p.isClosed() {
		t.Fatal("transport left open")
	}
}

func TestToolsFollowsCursor(t *testing.T) {
	var cursors []string
	p := newPipe(server(func(m Message) []Message {
		var params listToolsParams
		_ = json.Unmarshal(m.Params, &params)
		cursors = append(cursors, params.Cursor)
		switch params.Cursor {
		case "":
			return reply(m, ListToolsResult{Tools: []Tool{{Name: "a"}, {Name: "b"}}, NextCursor: "p2"})
		case "p2":
			return reply(m, ListToolsResult{Tools: []Tool{{Name: "c"}}})
		}
		return nil
	}))
	s := openPipe(t, p)

	tools, err := s.Tools(context.Background())
	if err != nil {
		t.Fatalf("Tools: %v", err)
	}
	var names []string
	for _, tool := range tools {
		names = append(names, tool.Name)
	}
	if strings.Join(names, ",") != "a,b,c" {
		t.Fatalf("tools = %v", names)
	}
	if strings.Join(cursors, "|") != "|p2" {
		t.Fatalf("cursors = %q", cursors)
	}
}

func TestToolsRejectsRepeatedCursor(t *testing.T) {
	p := newPipe(server(func(m Message) []Message {
		return reply(m, ListToolsResult{Tools: []Tool{{Name: "loop"}}, NextCursor: "same"})
	}))
	s := openPipe(t, p)

	if _, err := s.Tools(context.Background()); err == nil || !strings.Contains(err.Error(), "repeated") {
		t.Fatalf("err = %v", err)
	}
}

func TestConcurrentCallsMatchedByID(t *testing.T) {
	var (
		mu   sync.Mutex
		held []Message
	)
	echo := func(m Message) []Message {
		var params callToolParams
		_ = json.Unmarshal(m.Params, &params)
		data, _ := json.Marshal(CallResult{Content: []Content{{Type: "text", Text: params.Name}}})
		return []Message{{JSONRPC: jsonRPCVersion, ID: m.ID, Result: data}}
	}
	// Hold the first call until the second arrives, then answer in reverse.
	p := newPipe(server(func(m Message) []Message {
		mu.Lock()
		defer mu.Unlock()
		held = append(held, m)
		if len(held) < 2 {
			return nil
		}
		return append(echo(held[1]), echo(held[0])...)
	}))
	s := openPipe(t, p)

	names := []string{"first", "second"}
	got := make([]string, len(names))
	errs := make([]error, len(names))
	var wg sync.WaitGroup
	for i, name := range names {
		wg.Add(1)
		go func(i int, name string) {
			defer wg.Done()
			res, err := s.CallTool(context.Background(), name, nil)
			got[i], errs[i] = res.Text(), err
		}(i, name)
	}
	wg.Wait()

	for i, name := range names {
		if errs[i] != nil || got[i] != name {
			t.Errorf("call %d = %q, %v; want %q", i, got[i], errs[i], name)
		}
	}
}

func TestCallToolSendsEmptyArguments(t *testing.T) {
	var raw json.RawMessage
	p := newPipe(server(func(m Message) []Message {
		raw = m.Params
		return reply(m, CallResult{})
	}))
	s := openPipe(t, p)

	if _, err := s.CallTool(context.Background(), "noop", nil); err != nil {
		t.Fatalf("CallTool: %v", err)
	}
	if string(raw) != `{"name":"noop","arguments":{}}` {
		t.Fatalf("params = %s", raw)
	}
}

func TestServerRequestsAnswered(t *testing.T) {
	replies := make(chan Message, 2)
	p := newPipe(func(m Message) []Message {
		if m.IsResponse() {
			replies <- m
			return nil
		}
		return server(nil)(m)
	})
	openPipe(t, p)

	p.inbox <- Message{JSONRPC: jsonRPCVersion, ID: json.RawMessage(`"srv-1"`), Method: "ping"}
	p.inbox <- Message{JSONRPC: jsonRPCVersion, ID: json.RawMessage(`9`), Method: "sampling/createMessage"}
	p.inbox <- Message{JSONRPC: jsonRPCVersion, Method: "notifications/tools/list_changed"}

	byID := map[string]Message{}
	for len(byID) < 2 {
		select {
		case m := <-replies:
			byID[string(m.ID)] = m
		case <-time.After(2 * time.Second):
			t.Fatalf("replies = %v", byID)
		}
	}
	if ping := byID[`"srv-1"`]; ping.Error != nil || string(ping.Result) != "{}" {
		t.Fatalf("ping reply = %+v", ping)
	}
	if other := byID["9"]; other.Error == nil || other.Error.Code != codeMethodNotFound {
		t.Fatalf("unsupported reply = %+v", other)
	}
}

func TestTransportFailureReleasesCalls(t *testing.T) {
	p := newPipe(server(func(Message) []Message { return nil }))
	s := openPipe(t, p)
	broken := errors.New("pipe broke")

	done := make(chan error, 1)
	go func() {
		_, err := s.CallTool(context.Background(), "slow", nil)
		done <- err
	}()
	// Let the call register before the transport dies.
	for len(p.sentMethods()) < 3 {
		time.Sleep(time.Millisecond)
	}
	p.kill(broken)

	select {
	case err := <-done:
		if !errors.Is(err, broken) || !strings.Contains(err.Error(), "session ended") {
			t.Fatalf("pending call err = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("pending call not released")
	}

	if _, err := s.ListTools(context.Background(), ""); !errors.Is(err, broken) {
		t.Fatalf("call after failure err = %v", err)
	}
}

func TestCallHonoursContext(t *testing.T) {
	p := newPipe(server(func(Message) []Message { return nil }))
	s := openPipe(t, p)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := s.CallTool(ctx, "never", nil); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v", err)
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	p := newPipe(server(nil))
	s, err := Open(context.Background(), p, Options{})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	for i := 0; i < 2; i++ {
		if err := s.Close(context.Background()); err != nil {
			t.Fatalf("Close #%d: %v", i+1, err)
		}
	}
	if !p.isClosed() {
		t.Fatal("transport not closed")
	}
	if _, err := s.Tools(context.Background()); !errors.Is(err, ErrClosed) {
		t.Fatalf("call after close err = %v", err)
	}
}

func TestCallResultText(t *testing.T) {
	tests := []struct {
		name   string
		result CallResult
		want   string
	}{
		{"empty", CallResult{}, ""},
		{"text items", CallResult{Content: []Content{{Type: "text", Text: "one"}, {Type: "text", Text: "two"}}}, "one\n\ntwo"},
		{"image", CallResult{Content: []Content{{Type: "image", MimeType: "image/png"}}}, "[image image/png]"},
		{"resource", CallResult{Content: []Content{{Type: "resource_link", URI: "file:///a"}}}, "[resource file:///a]"},
		{"structured fallback", CallResult{StructuredContent: map[string]any{"n": 1}}, `{"n":1}`},
		{"text wins over structured", CallResult{Content: []Content{{Type: "text", Text: "t"}}, StructuredContent: map[string]any{"n": 1}}, "t"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.result.Text(); got != tt.want {
				t.Fatalf("Text() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestPropertyNumericID(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200

	properties := gopter.NewProperties(parameters)

	properties.Property("issued ids read back", prop.ForAll(
		func(n int64) bool {
			got, ok := Message{ID: idFor(n)}.numericID()
			return ok && got == n
		},
		gen.Int64(),
	))

	properties.Property("quoted numeric ids read back", prop.ForAll(
		func(n int64) bool {
			got, ok := Message{ID: json.RawMessage(strconv.Quote(strconv.FormatInt(n, 10)))}.numericID()
			return ok && got == n
		},
		gen.Int64(),
	))

	properties.Property("non-numeric ids never match", prop.ForAll(
		func(s string) bool {
			raw, _ := json.Marshal("x" + s)
			_, ok := Message{ID: raw}.numericID()
			return !ok
		},
		gen.AlphaString(),
	))

	properties.TestingRun(t)
}
