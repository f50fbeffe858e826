package engine

import (
	"context"
	"errors"
	"strings"

	"github.com/petal-labs/petalgate/core"
	"github.com/petal-labs/petalgate/tool"
)

// boundTools is the tool set of one invocation and the resources behind it.
type boundTools struct {
	set     *tool.Set
	toolkit *tool.Toolkit
}

func (b *boundTools) close(ctx context.Context) error {
	if b == nil || b.toolkit == nil {
		return nil
	}
	return b.toolkit.Close(ctx)
}

// assembleTools collects MCP tools, then remote filesystem tools, then the
// web search tool. Configuration errors and missing adapters are returned;
// MCP load failures are logged as tools_bind_failed and skipped.
func (e *Engine) assembleTools(ctx context.Context, req core.InvocationRequest, log *EventLog) (*boundTools, error) {
	out := &boundTools{}
	var tools []core.Tool

	if req.MCP != nil && len(req.MCP.Servers) > 0 {
		if e.loader == nil {
			return nil, core.NewError(core.CodeToolAdapterMissing, "mcp servers were requested but no tool loader is configured", tool.ErrAdapterMissing)
		}
		servers := e.resolveMCPServers(req.MCP.Servers)
		if err := tool.ValidateMCPServers(servers); err != nil {
			return nil, err
		}
		toolkit, err := e.loader.LoadTools(ctx, servers, req.MCP.Tools, req.MCP.Options)
		if err != nil {
			e.logger.Warn("mcp tools unavailable", "error", err)
			log.Add(EventToolsBindFailed, 0, map[string]any{"source": "mcp", "error": err.Error()})
		} else {
			out.toolkit = toolkit
			tools = append(tools, toolkit.Tools...)
		}
	}

	if req.FS != nil && strings.TrimSpace(req.FS.ConnID) != "" {
		if e.rpc == nil {
			return out, core.NewError(core.CodeToolAdapterMissing, "remote filesystem tools were requested but no connection registry is configured", tool.ErrAdapterMissing)
		}
		tools = append(tools, tool.RemoteFSTools(req.FS, tool.RemoteFSConfig{Caller: e.rpc, Timeout: e.fsTimeout})...)
	}

	if ws := tool.ParseWebSearchRequest(req.Extra); ws.Enabled {
		cfg := e.webSearch
		if ws.APIKey != "" {
			cfg.APIKey = ws.APIKey
		}
		if ws.MaxResults > 0 {
			cfg.MaxResults = ws.MaxResults
		}
		search, err := tool.NewWebSearchTool(cfg)
		if errors.Is(err, tool.ErrWebSearchUnavailable) {
			return out, core.NewError(core.CodeWebSearchAdapterMissing, err.Error(), err)
		}
		if err != nil {
			return out, err
		}
		tools = append(tools, search)
	}

	set, duplicates := tool.NewSet(tools...)
	if len(duplicates) > 0 {
		e.logger.Warn("duplicate tool names skipped", "names", duplicates)
	}
	out.set = set
	return out, nil
}

// resolveMCPServers fills servers given by name only from the configured
// defaults.
func (e *Engine) resolveMCPServers(servers []core.MCPServer) []core.MCPServer {
	out := make([]core.MCPServer, len(servers))
	for i, s := range servers {
		if s.Transport == "" {
			if def, ok := e.mcpDefaults[s.Name]; ok {
				s = def
			}
		}
		out[i] = s
	}
	return out
}

// bindTools binds the set to client. Any failure, including the documented
// "no tools bound" outcome, is logged and yields the unbound client with an
// empty set.
func (e *Engine) bindTools(client core.ModelClient, set *tool.Set, log *EventLog) (core.ModelClient, *tool.Set) {
	if set.Len() == 0 {
		return client, set
	}
	bound, err := client.BindTools(set.Tools())
	if err != nil {
		reason := err.Error()
		if errors.Is(err, core.ErrToolsUnsupported) {
			reason = "no tools bound"
		}
		log.Add(EventToolsBindFailed, 0, map[string]any{"error": reason, "tools": set.Describe()})
		empty, _ := tool.NewSet()
		return client, empty
	}
	log.Add(EventToolsBound, 0, map[string]any{"tools": set.Describe()})
	return bound, set
}
