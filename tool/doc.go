// Package tool defines the tools a model may call during one invocation.
//
// The package is split by tool origin:
//   - registry: the per-invocation Set and FuncTool
//   - mcp_loader: tools listed by MCP servers over stdio or streamable HTTP
//   - remotefs: filesystem tools served by a connected frontend over wsrpc
//   - websearch: the Tavily-backed web_search tool
//
// Every origin produces core.Tool values so the engine can bind and execute
// them without knowing where they came from.
package tool
