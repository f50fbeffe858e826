package engine

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/petal-labs/petalgate/core"
	"github.com/petal-labs/petalgate/llmprovider"
	"github.com/petal-labs/petalgate/tool"
	"github.com/petal-labs/petalgate/wsrpc"
)

// step is one scripted model reply.
type step struct {
	resp core.ModelResponse
	err  error
}

// recordedCall captures what a model call saw.
type recordedCall struct {
	messages []core.Message
	tools    int
	schema   bool
}

// script is shared by a fake client and every client bound from it.
type script struct {
	mu    sync.Mutex
	steps []step
	calls []recordedCall
}

func (s *script) next(call recordedCall) (core.ModelResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx := len(s.calls)
	s.calls = append(s.calls, call)
	if len(s.steps) == 0 {
		return core.ModelResponse{Text: "ok"}, nil
	}
	if idx >= len(s.steps) {
		idx = len(s.steps) - 1
	}
	return s.steps[idx].resp, s.steps[idx].err
}

func (s *script) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

func (s *script) call(i int) recordedCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[i]
}

type fakeClient struct {
	s         *script
	tools     []core.Tool
	schema    map[string]any
	bindErr   error
	schemaErr error
}

func (c *fakeClient) Invoke(_ context.Context, messages []core.Message) (core.ModelResponse, error) {
	return c.s.next(recordedCall{
		messages: append([]core.Message(nil), messages...),
		tools:    len(c.tools),
		schema:   c.schema != nil,
	})
}

func (c *fakeClient) BindTools(tools []core.Tool) (core.ModelClient, error) {
	if c.bindErr != nil {
		return nil, c.bindErr
	}
	out := *c
	out.tools = tools
	return &out, nil
}

func (c *fakeClient) BindSchema(schema map[string]any) (core.ModelClient, error) {
	if c.schemaErr != nil {
		return nil, c.schemaErr
	}
	out := *c
	out.schema = schema
	return &out, nil
}

type fakeFactory struct {
	caps   map[string]core.Capabilities
	client *fakeClient
	err    error

	mu     sync.Mutex
	builds int
	opts   llmprovider.ClientOptions
}

func newFakeFactory(steps ...step) *fakeFactory {
	return &fakeFactory{
		caps: map[string]core.Capabilities{
			"openai":    {JSONMode: true, StructuredOutput: true, Available: true},
			"anthropic": {JSONMode: true, StructuredOutput: true, Available: true},
			"deepseek":  {StructuredOutput: true, Available: true},
			"google":    {JSONMode: true, Available: true},
			"local":     {Available: true},
		},
		client: &fakeClient{s: &script{steps: steps}},
	}
}

func (f *fakeFactory) Capabilities(provider string) (core.Capabilities, bool) {
	caps, ok := f.caps[provider]
	return caps, ok
}

func (f *fakeFactory) NewClient(_ context.Context, _ string, opts llmprovider.ClientOptions) (core.ModelClient, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.builds++
	f.opts = opts
	if f.err != nil {
		return nil, f.err
	}
	return f.client, nil
}

func (f *fakeFactory) script() *script { return f.client.s }

// fakeCaller answers every remote filesystem call with res.
type fakeCaller struct {
	mu    sync.Mutex
	res   wsrpc.Response
	err   error
	calls []wsrpc.Request
}

func (c *fakeCaller) Call(_ context.Context, _ string, req wsrpc.Request, _ time.Duration) (wsrpc.Response, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, req)
	return c.res, c.err
}

// fakeLoader returns a fixed toolkit or error.
type fakeLoader struct {
	tools []core.Tool
	err   error
	loads int
}

func (l *fakeLoader) LoadTools(context.Context, []core.MCPServer, []core.ToolSelector, core.MCPOptions) (*tool.Toolkit, error) {
	l.loads++
	if l.err != nil {
		return nil, l.err
	}
	return &tool.Toolkit{Tools: l.tools}, nil
}

func statusErr(status int) error {
	return core.StatusError(status, http.StatusText(status), nil)
}

func toolCallResp(calls ...core.ToolCall) core.ModelResponse {
	return core.ModelResponse{ToolCalls: calls, Usage: core.Usage{InputTokens: 1, OutputTokens: 1, TotalTokens: 2}}
}

func textResp(text string) core.ModelResponse {
	return core.ModelResponse{ID: "resp-1", Text: text, Usage: core.Usage{InputTokens: 2, OutputTokens: 3, TotalTokens: 5}}
}

func newTestEngine(f *fakeFactory, mutate func(*Config)) *Engine {
	cfg := Config{Clients: f, NewID: func() string { return "inv-1" }}
	if mutate != nil {
		mutate(&cfg)
	}
	e, err := New(cfg)
	if err != nil {
		panic(err)
	}
	return e
}

func userRequest(provider string) core.InvocationRequest {
	return core.InvocationRequest{
		Provider: provider,
		Model:    "test-model",
		APIKey:   "k",
		Messages: []core.Message{{Role: core.RoleUser, Content: "hello"}},
	}
}

func eventsOf(logs []core.LogEvent, kind EventKind) []core.LogEvent {
	var out []core.LogEvent
	for _, l := range logs {
		if l.Event == kind.String() {
			out = append(out, l)
		}
	}
	return out
}
