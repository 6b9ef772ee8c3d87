package chat

import (
	"context"

	"github.com/casualmcp/casualmcp/internal/llm"
	"github.com/casualmcp/casualmcp/mcp"
)

// SyntheticResult is what a synthetic tool hands back to the chat loop:
// text for the LLM plus any MCP tools the loop must fold into the loaded
// set before the next LLM call.
type SyntheticResult struct {
	Content     string
	NewlyLoaded []mcp.Tool
}

// SyntheticTool is a tool executed inside the orchestrator instead of
// being dispatched to an MCP server. search-tools is the canonical
// implementation.
type SyntheticTool interface {
	// Name is the unique tool name used for registry lookup.
	Name() string

	// Definition is the tool definition sent to the LLM.
	Definition() llm.ToolDef

	// Execute runs the tool with arguments parsed from the LLM's call.
	Execute(ctx context.Context, args map[string]interface{}) (SyntheticResult, error)
}

// SentinelServer is the server name synthetic tool calls bill under in
// the per-call statistics.
const SentinelServer = "_synthetic"
