// Package engine drives one LLM invocation: provider resolution, tool
// assembly and binding, the retry loop, the bounded tool loop, structured
// output finalization and schema validation.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/petal-labs/petalgate/core"
	"github.com/petal-labs/petalgate/llmprovider"
	"github.com/petal-labs/petalgate/schema"
	"github.com/petal-labs/petalgate/tool"
)

// MaxRetries is the largest retry budget a request may ask for.
const MaxRetries = 5

// ClientFactory resolves providers and builds model clients.
// *llmprovider.Catalog satisfies it.
type ClientFactory interface {
	Capabilities(provider string) (core.Capabilities, bool)
	NewClient(ctx context.Context, provider string, opts llmprovider.ClientOptions) (core.ModelClient, error)
}

// Config configures an Engine.
type Config struct {
	Clients ClientFactory
	// Loader loads MCP tools. Requests naming MCP servers fail with
	// tool_adapter_missing when it is nil.
	Loader tool.Loader
	// MCPServers are named defaults; a request server given by name only
	// is filled from here.
	MCPServers []core.MCPServer
	// RPC carries remote filesystem calls.
	RPC       tool.Caller
	FSTimeout time.Duration
	// WebSearch holds the server-side search settings. A request may
	// override the key and result count through its extra map.
	WebSearch     tool.WebSearchConfig
	MaxToolRounds int
	// CallTimeout bounds each model call when positive.
	CallTimeout time.Duration
	Handler     EventHandler
	Logger      *slog.Logger
	Now         func() time.Time
	NewID       func() string
}

// Engine orchestrates invocations. It is safe for concurrent use; every
// invocation owns its tools, history and event log.
type Engine struct {
	clients       ClientFactory
	loader        tool.Loader
	mcpDefaults   map[string]core.MCPServer
	rpc           tool.Caller
	fsTimeout     time.Duration
	webSearch     tool.WebSearchConfig
	maxToolRounds int
	callTimeout   time.Duration
	handler       EventHandler
	logger        *slog.Logger
	now           func() time.Time
	newID         func() string
}

// New creates an Engine.
func New(cfg Config) (*Engine, error) {
	if cfg.Clients == nil {
		return nil, errors.New("engine: client factory is nil")
	}
	e := &Engine{
		clients:       cfg.Clients,
		loader:        cfg.Loader,
		mcpDefaults:   make(map[string]core.MCPServer, len(cfg.MCPServers)),
		rpc:           cfg.RPC,
		fsTimeout:     cfg.FSTimeout,
		webSearch:     cfg.WebSearch,
		maxToolRounds: cfg.MaxToolRounds,
		callTimeout:   cfg.CallTimeout,
		handler:       cfg.Handler,
		logger:        cfg.Logger,
		now:           cfg.Now,
		newID:         cfg.NewID,
	}
	for _, s := range cfg.MCPServers {
		e.mcpDefaults[s.Name] = s
	}
	if e.maxToolRounds <= 0 {
		e.maxToolRounds = DefaultMaxToolRounds
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}
	if e.now == nil {
		e.now = time.Now
	}
	if e.newID == nil {
		e.newID = func() string { return uuid.New().String() }
	}
	return e, nil
}

// invocation is the per-request state shared by every attempt.
type invocation struct {
	req      core.InvocationRequest
	provider string
	log      *EventLog

	// client has tools bound when any were bound.
	client core.ModelClient
	tools  *tool.Set

	// schemaDoc is the unwrapped response schema, nil when none was asked for.
	schemaDoc map[string]any
	// validate reports whether output is checked against schemaDoc.
	validate bool
	// final is set when structured output is requested after the tool loop.
	final core.ModelClient
}

// Invoke runs one invocation. Failures are returned as *core.Error.
func (e *Engine) Invoke(ctx context.Context, req core.InvocationRequest) (*core.InvocationResult, error) {
	provider := strings.ToLower(strings.TrimSpace(req.Provider))
	id := e.newID()
	log := NewEventLog(id, provider, req.Model, e.handler, e.now)
	start := e.now()
	log.emit(Event{Kind: EventInvocationStarted})

	result, attempts, err := e.invoke(ctx, id, provider, req, log)

	finished := Event{Kind: EventInvocationFinished, Elapsed: e.now().Sub(start), Payload: map[string]any{"attempts": attempts}}
	if err != nil {
		classified := core.AsError(err)
		finished.Payload["status"] = "failed"
		finished.Payload["code"] = classified.Code
		finished.Payload["error"] = classified.Message
		log.emit(finished)
		e.logger.Info("invocation failed", "invocation_id", id, "provider", provider, "attempts", attempts, "code", classified.Code)
		return nil, classified
	}
	finished.Payload["status"] = "completed"
	log.emit(finished)
	return result, nil
}

func (e *Engine) invoke(ctx context.Context, id, provider string, req core.InvocationRequest, log *EventLog) (*core.InvocationResult, int, error) {
	caps, ok := e.clients.Capabilities(provider)
	if !ok {
		return nil, 0, core.NewError(core.CodeProviderUnsupported, fmt.Sprintf("Provider '%s' not supported", req.Provider), nil).
			WithDetail("provider", req.Provider)
	}

	client, err := e.clients.NewClient(ctx, provider, llmprovider.ClientOptions{
		Model:       req.Model,
		APIKey:      req.APIKey,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
	})
	if err != nil {
		return nil, 0, err
	}

	tools, err := e.assembleTools(ctx, req, log)
	defer func() {
		if cerr := tools.close(context.WithoutCancel(ctx)); cerr != nil {
			e.logger.Warn("closing mcp sessions", "invocation_id", id, "error", cerr)
		}
	}()
	if err != nil {
		return nil, 0, err
	}

	inv := &invocation{req: req, provider: provider, log: log}
	inv.client, inv.tools = e.bindTools(client, tools.set, log)
	if err := e.bindSchema(inv, caps); err != nil {
		return nil, 0, err
	}

	attempts := clampRetries(req.Retries) + 1
	var lastErr *core.Error
	for attempt := 1; attempt <= attempts; attempt++ {
		out, err := e.attempt(ctx, inv, attempt)
		if err == nil {
			out.ID = firstNonEmpty(out.ID, id)
			out.Logs = log.Events()
			return out, attempt, nil
		}
		lastErr = core.AsError(err)
		if !lastErr.Retryable || attempt == attempts || ctx.Err() != nil {
			return nil, attempt, lastErr
		}
		log.Add(EventAttemptFailed, attempt, map[string]any{
			"code":    lastErr.Code,
			"status":  lastErr.Status,
			"message": lastErr.Message,
		})
		e.logger.Debug("attempt failed", "invocation_id", id, "provider", provider, "attempt", attempt, "code", lastErr.Code)
	}
	return nil, attempts, lastErr
}

// bindSchema prepares structured output. Structured-output providers get
// the strict schema, and their output is validated even when the client
// cannot carry the schema itself. JSON-mode providers are only switched to
// JSON output, and only when no tools are bound, since JSON mode and
// function calling do not mix; their output is parsed but not validated.
// With tools bound, forced-tool providers defer the schema to a final call
// after the tool loop so the model can plan tool use first.
func (e *Engine) bindSchema(inv *invocation, caps core.Capabilities) error {
	inv.schemaDoc = schema.Extract(inv.req.ResponseSchema)
	if inv.schemaDoc == nil {
		return nil
	}
	inv.validate = caps.StructuredOutput

	doc := inv.schemaDoc
	switch {
	case caps.StructuredOutput:
		doc = schema.Strict(inv.schemaDoc, schema.Options{RequireAll: inv.provider == llmprovider.ProviderOpenAI})
	case caps.JSONMode && inv.tools.Len() == 0:
	default:
		return nil
	}

	bound, err := inv.client.BindSchema(doc)
	if errors.Is(err, core.ErrSchemaUnsupported) {
		return nil
	}
	if err != nil {
		return core.NewError(core.CodeProviderBadRequest, fmt.Sprintf("binding response schema: %v", err), err)
	}
	if inv.provider == llmprovider.ProviderAnthropic && inv.tools.Len() > 0 {
		inv.final = bound
		return nil
	}
	inv.client = bound
	return nil
}

// attempt runs the model call, the tool loop, optional structured
// finalization and validation once.
func (e *Engine) attempt(ctx context.Context, inv *invocation, attempt int) (*core.InvocationResult, error) {
	resp, err := e.call(ctx, inv.client, inv.req.Messages)
	if err != nil {
		return nil, err
	}
	usage := resp.Usage
	history := inv.req.Messages

	if inv.tools.Len() > 0 {
		loop := &ToolLoop{Tools: inv.tools, MaxRounds: e.maxToolRounds, Log: inv.log, Logger: e.logger, Now: e.now}
		res, err := loop.Run(ctx, callTimeoutClient{inv.client, e}, history, resp, attempt)
		if err != nil {
			return nil, err
		}
		resp = res.Response
		history = res.History
		usage = usage.Add(res.Usage)
	}

	if inv.final != nil {
		inv.log.Add(EventStructuredOutputRequested, attempt, map[string]any{"provider": inv.provider})
		finalHistory := history
		if turn := resp.AssistantMessage(); turn.Content != "" {
			turn.ToolCalls = nil
			finalHistory = append(append([]core.Message(nil), history...), turn)
		}
		structured, err := e.call(ctx, inv.final, finalHistory)
		if err != nil {
			return nil, err
		}
		usage = usage.Add(structured.Usage)
		if structured.Structured != nil {
			resp = structured
		}
	}

	output := finalOutput(resp, inv.schemaDoc != nil)
	if inv.schemaDoc != nil {
		if !inv.validate {
			inv.log.Add(EventSchemaValidationSkipped, attempt, map[string]any{
				"reason": fmt.Sprintf("provider %s does not support structured output", inv.provider),
			})
		} else if err := validateOutput(inv.schemaDoc, output); err != nil {
			return nil, err
		}
	}

	return &core.InvocationResult{
		ID:       resp.ID,
		Output:   output,
		Provider: inv.provider,
		Model:    inv.req.Model,
		Usage:    usage,
		Raw:      resp.Raw,
	}, nil
}

func (e *Engine) call(ctx context.Context, client core.ModelClient, messages []core.Message) (core.ModelResponse, error) {
	if e.callTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.callTimeout)
		defer cancel()
	}
	return client.Invoke(ctx, messages)
}

// callTimeoutClient applies the engine's per-call timeout to the tool loop's
// re-invocations.
type callTimeoutClient struct {
	core.ModelClient
	e *Engine
}

func (c callTimeoutClient) Invoke(ctx context.Context, messages []core.Message) (core.ModelResponse, error) {
	return c.e.call(ctx, c.ModelClient, messages)
}

// finalOutput picks the invocation output: the structured payload when the
// provider returned one, otherwise the text, parsed as JSON when a schema
// was requested and the text parses.
func finalOutput(resp core.ModelResponse, wantJSON bool) any {
	if resp.Structured != nil {
		return resp.Structured
	}
	if !wantJSON {
		return resp.Text
	}
	var parsed any
	if err := json.Unmarshal([]byte(resp.Text), &parsed); err == nil {
		return parsed
	}
	return resp.Text
}

func validateOutput(doc map[string]any, output any) error {
	err := schema.Validate(doc, output)
	if err == nil {
		return nil
	}
	var ve *schema.ValidationError
	if errors.As(err, &ve) {
		out := core.NewError(core.CodeSchemaValidationFailed, ve.Error(), err)
		if len(ve.Violations) > 0 {
			out.WithDetail("violations", ve.Violations)
		}
		return out
	}
	return core.NewError(core.CodeInvalidRequest, fmt.Sprintf("response_schema: %v", err), err)
}

func clampRetries(n int) int {
	if n < 0 {
		return 0
	}
	if n > MaxRetries {
		return MaxRetries
	}
	return n
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
