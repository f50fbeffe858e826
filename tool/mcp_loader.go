package tool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/petal-labs/petalgate/core"
	mcpclient "github.com/petal-labs/petalgate/tool/mcp"
)

// MCP transport names accepted in server configuration.
const (
	MCPTransportStdio = "stdio"
	MCPTransportSSE   = "sse"
	MCPTransportHTTP  = "http"
)

const defaultMCPInitTimeout = 15 * time.Second

// ErrAdapterMissing reports that an invocation asked for MCP tools but the
// gateway was started without an MCP loader.
var ErrAdapterMissing = errors.New("tool: mcp adapter not configured")

// Loader turns MCP server configuration into tools for one invocation.
type Loader interface {
	LoadTools(ctx context.Context, servers []core.MCPServer, selectors []core.ToolSelector, opts core.MCPOptions) (*Toolkit, error)
}

// Toolkit is the set of tools loaded for one invocation together with the
// sessions backing them. Close ends every session.
type Toolkit struct {
	Tools    []core.Tool
	sessions []*mcpclient.Session
}

// Close ends every MCP session held by the toolkit.
func (k *Toolkit) Close(ctx context.Context) error {
	if k == nil {
		return nil
	}
	var errs []error
	for _, s := range k.sessions {
		if err := s.Close(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	k.sessions = nil
	return errors.Join(errs...)
}

// Dialer opens a transport to one configured MCP server.
type Dialer func(ctx context.Context, server core.MCPServer) (mcpclient.Transport, error)

// MCPLoaderConfig configures an MCPLoader.
type MCPLoaderConfig struct {
	// Dial overrides transport construction. Defaults to DialTransport.
	Dial        Dialer
	HTTPClient  *http.Client
	InitTimeout time.Duration
	Logger      *slog.Logger
}

// MCPLoader connects to MCP servers, lists their tools and adapts them to
// core.Tool.
type MCPLoader struct {
	dial        Dialer
	initTimeout time.Duration
	logger      *slog.Logger
}

// NewMCPLoader creates a loader.
func NewMCPLoader(cfg MCPLoaderConfig) *MCPLoader {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	dial := cfg.Dial
	if dial == nil {
		httpClient := cfg.HTTPClient
		dial = func(ctx context.Context, server core.MCPServer) (mcpclient.Transport, error) {
			return DialTransport(ctx, server, httpClient)
		}
	}
	timeout := cfg.InitTimeout
	if timeout <= 0 {
		timeout = defaultMCPInitTimeout
	}
	return &MCPLoader{dial: dial, initTimeout: timeout, logger: logger}
}

// DialTransport builds the transport named by server.Transport.
func DialTransport(ctx context.Context, server core.MCPServer, httpClient *http.Client) (mcpclient.Transport, error) {
	switch strings.ToLower(strings.TrimSpace(server.Transport)) {
	case MCPTransportStdio:
		return mcpclient.NewStdioTransport(ctx, mcpclient.StdioTransportConfig{
			Command: server.Command,
			Args:    server.Args,
			Env:     server.Env,
		})
	case MCPTransportSSE, MCPTransportHTTP:
		return mcpclient.NewHTTPTransport(mcpclient.HTTPTransportConfig{
			Endpoint: server.URL,
			Headers:  server.Headers,
			Client:   httpClient,
		})
	default:
		return nil, fmt.Errorf("tool: unsupported mcp transport %q for %s", server.Transport, server.Name)
	}
}

// ValidateMCPServers checks MCP server configuration. Failures are
// invalid_request errors.
func ValidateMCPServers(servers []core.MCPServer) error {
	seen := make(map[string]struct{}, len(servers))
	for i, server := range servers {
		name := strings.TrimSpace(server.Name)
		if name == "" {
			return invalidMCP(i, "name is required")
		}
		if _, dup := seen[name]; dup {
			return invalidMCP(i, fmt.Sprintf("duplicate server name %q", name))
		}
		seen[name] = struct{}{}

		switch strings.ToLower(strings.TrimSpace(server.Transport)) {
		case "":
			return invalidMCP(i, "transport is required")
		case MCPTransportStdio:
			if strings.TrimSpace(server.Command) == "" {
				return invalidMCP(i, "stdio transport requires command")
			}
		case MCPTransportSSE, MCPTransportHTTP:
			if strings.TrimSpace(server.URL) == "" {
				return invalidMCP(i, server.Transport+" transport requires url")
			}
		default:
			return invalidMCP(i, fmt.Sprintf("unsupported transport %q", server.Transport))
		}
	}
	return nil
}

func invalidMCP(index int, msg string) error {
	return core.NewError(core.CodeInvalidRequest, fmt.Sprintf("mcp.servers[%d]: %s", index, msg), nil).
		WithDetail("field", fmt.Sprintf("mcp.servers[%d]", index))
}

// LoadTools connects to every server and returns the selected tools. Any
// server failure closes the sessions already opened.
func (l *MCPLoader) LoadTools(ctx context.Context, servers []core.MCPServer, selectors []core.ToolSelector, opts core.MCPOptions) (*Toolkit, error) {
	if err := ValidateMCPServers(servers); err != nil {
		return nil, err
	}

	kit := &Toolkit{}
	for _, server := range servers {
		session, listed, err := l.open(ctx, server)
		if err != nil {
			_ = kit.Close(context.WithoutCancel(ctx))
			return nil, fmt.Errorf("tool: load mcp server %q: %w", server.Name, err)
		}
		kit.sessions = append(kit.sessions, session)

		for _, remote := range listed {
			if !selected(selectors, server.Name, remote.Name) {
				continue
			}
			kit.Tools = append(kit.Tools, &mcpTool{
				session:     session,
				server:      server.Name,
				remoteName:  remote.Name,
				name:        opts.ToolNamePrefix.Apply(server.Name, remote.Name),
				description: remote.Description,
				schema:      remote.InputSchema,
			})
		}
		l.logger.Debug("mcp server loaded", "server", server.Name, "tools", len(listed))
	}
	return kit, nil
}

func (l *MCPLoader) open(ctx context.Context, server core.MCPServer) (*mcpclient.Session, []mcpclient.Tool, error) {
	transport, err := l.dial(ctx, server)
	if err != nil {
		return nil, nil, err
	}

	initCtx, cancel := context.WithTimeout(ctx, l.initTimeout)
	defer cancel()
	session, err := mcpclient.Open(initCtx, transport, mcpclient.Options{})
	if err != nil {
		return nil, nil, err
	}
	tools, err := session.Tools(initCtx)
	if err != nil {
		_ = session.Close(context.WithoutCancel(ctx))
		return nil, nil, err
	}
	return session, tools, nil
}

// selected reports whether a tool passes the selectors. No selectors keeps
// every tool; a selector without a server matches any server.
func selected(selectors []core.ToolSelector, server, name string) bool {
	if len(selectors) == 0 {
		return true
	}
	for _, s := range selectors {
		if s.Name != name {
			continue
		}
		if s.Server == "" || s.Server == server {
			return true
		}
	}
	return false
}

type mcpTool struct {
	session     *mcpclient.Session
	server      string
	remoteName  string
	name        string
	description string
	schema      map[string]any
}

func (t *mcpTool) Name() string        { return t.name }
func (t *mcpTool) Description() string { return t.description }
func (t *mcpTool) Origin() string      { return t.server }

func (t *mcpTool) InputSchema() map[string]any {
	if t.schema == nil {
		return map[string]any{"type": "object", "properties": map[string]any{}}
	}
	return t.schema
}

func (t *mcpTool) Invoke(ctx context.Context, args map[string]any) (string, error) {
	result, err := t.session.CallTool(ctx, t.remoteName, args)
	if err != nil {
		return "", newToolError(ToolErrorCodeMCPFailure, "", false, err).with("server", t.server)
	}
	text := result.Text()
	if result.IsError {
		if strings.TrimSpace(text) == "" {
			text = "mcp tool reported an error"
		}
		return "", newToolError(ToolErrorCodeMCPFailure, text, false, nil).with("server", t.server)
	}
	return text, nil
}

var (
	_ Loader    = (*MCPLoader)(nil)
	_ core.Tool = (*mcpTool)(nil)
)
