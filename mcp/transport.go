package mcp

import "context"

// Transport is the catalogue-and-invoke surface the chat orchestrator and
// tool cache consume. Implemented by Client (stdio), RemoteClient (HTTP/SSE)
// and Aggregate (multi-server).
type Transport interface {
	// ListTools returns the server's tool catalogue.
	ListTools(ctx context.Context) ([]Tool, error)

	// CallTool invokes a tool by name. meta is passed through to the server
	// as the request's _meta field and is never shown to the LLM.
	CallTool(ctx context.Context, name string, args map[string]interface{}, meta map[string]interface{}) (*CallToolResult, error)
}
