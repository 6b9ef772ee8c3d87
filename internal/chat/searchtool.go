package chat

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/casualmcp/casualmcp/internal/discovery"
	"github.com/casualmcp/casualmcp/internal/llm"
	"github.com/casualmcp/casualmcp/mcp"
)

// SearchToolsName is the public name of the discovery tool.
const SearchToolsName = "search-tools"

const (
	maxToolNamesShown  = 4
	maxSummaryLength   = 80
	manifestNameCutoff = 10
)

// SearchTools lets the LLM discover deferred tools by keyword search,
// server browsing, or exact name lookup. Found tools move from the
// internal deferred set to the loaded set and come back to the loop via
// SyntheticResult.NewlyLoaded.
type SearchTools struct {
	index       *discovery.Index
	maxResults  int
	serverNames []string

	// mu guards the deferred/loaded sets; one assistant turn can fan out
	// multiple concurrent search-tools calls.
	mu       sync.Mutex
	deferred map[string]bool
	loaded   map[string]bool
	manifest string
	log      zerolog.Logger
}

// NewSearchTools builds a per-call search-tools instance over the
// deferred tools, grouped by server.
func NewSearchTools(
	deferredByServer map[string][]mcp.Tool,
	index *discovery.Index,
	maxResults int,
	log zerolog.Logger,
) *SearchTools {
	st := &SearchTools{
		index:      index,
		maxResults: maxResults,
		deferred:   make(map[string]bool),
		loaded:     make(map[string]bool),
		log:        log,
	}
	for server, tools := range deferredByServer {
		st.serverNames = append(st.serverNames, server)
		for _, tool := range tools {
			st.deferred[tool.Name] = true
		}
	}
	sort.Strings(st.serverNames)
	st.manifest = generateManifest(deferredByServer)
	return st
}

// Name implements SyntheticTool.
func (st *SearchTools) Name() string {
	return SearchToolsName
}

// Definition implements SyntheticTool. The description stays short; the
// deferred-tool manifest travels separately via SystemPrompt so it counts
// as conversation context rather than tool-schema bloat.
func (st *SearchTools) Definition() llm.ToolDef {
	schema := map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"query": map[string]interface{}{
				"type":        "string",
				"description": "Keyword search query to find relevant tools by name or description.",
			},
			"server_name": map[string]interface{}{
				"type": "string",
				"description": fmt.Sprintf("Load all tools from a specific server. Valid servers: %s.",
					strings.Join(st.serverNames, ", ")),
			},
			"tool_names": map[string]interface{}{
				"type":        "array",
				"description": "Exact tool names to load.",
				"items":       map[string]interface{}{"type": "string"},
			},
		},
		"required": []string{},
	}
	params, _ := json.Marshal(schema)

	return llm.ToolDef{
		Name: SearchToolsName,
		Description: "Search for and load additional tools that are available but not yet loaded.\n" +
			"Use this tool to discover tools you need to complete a task.\n" +
			"\n" +
			"Provide at least one of: query, server_name, or tool_names.",
		Parameters: params,
	}
}

// SystemPrompt returns the manifest of deferred servers for injection as
// a system message.
func (st *SearchTools) SystemPrompt() string {
	return "Additional tools are available but not yet loaded. " +
		"Use the 'search-tools' tool to discover and load them.\n" +
		"\n" +
		"Available tool servers:\n" +
		st.manifest
}

// Execute implements SyntheticTool.
//
// Supported parameter combinations:
//   - query only: keyword search across all deferred tools
//   - server_name only: load all tools from the named server
//   - tool_names only: exact lookup by tool name
//   - server_name + query: scoped keyword search within a server
//   - server_name + tool_names: exact lookup filtered to a server
//   - query + tool_names: tool_names takes precedence
func (st *SearchTools) Execute(ctx context.Context, args map[string]interface{}) (SyntheticResult, error) {
	query := stringArg(args, "query")
	serverName := stringArg(args, "server_name")
	toolNames := stringListArg(args, "tool_names")

	if query == "" && serverName == "" && len(toolNames) == 0 {
		return SyntheticResult{
			Content: "Error: Please provide at least one of: query, server_name, or tool_names.",
		}, nil
	}

	if serverName != "" && !contains(st.serverNames, serverName) {
		return SyntheticResult{
			Content: fmt.Sprintf("Error: Unknown server '%s'. Valid servers: %s.",
				serverName, strings.Join(st.serverNames, ", ")),
		}, nil
	}

	var results []discovery.Result
	var notFoundMsg string

	switch {
	case len(toolNames) > 0:
		found, notFound := st.index.ByNames(toolNames)
		if serverName != "" {
			var scoped []discovery.Result
			for _, r := range found {
				if r.Server == serverName {
					scoped = append(scoped, r)
				}
			}
			found = scoped
		}
		results = found
		if len(notFound) > 0 {
			notFoundMsg = fmt.Sprintf("Not found: %s.", strings.Join(notFound, ", "))
		}
	case serverName != "" && query != "":
		results = st.index.Search(query, st.maxResults, serverName)
	case serverName != "":
		results = st.index.ByServer(serverName)
	default:
		results = st.index.Search(query, st.maxResults, "")
	}

	if len(results) == 0 {
		parts := []string{"No tools found"}
		if query != "" {
			parts = append(parts, fmt.Sprintf("matching '%s'", query))
		}
		if serverName != "" {
			parts = append(parts, fmt.Sprintf("in server '%s'", serverName))
		}
		msg := strings.Join(parts, " ") + "."
		if notFoundMsg != "" {
			msg += " " + notFoundMsg
		}
		return SyntheticResult{Content: msg}, nil
	}

	var newlyLoaded []mcp.Tool
	var alreadyLoaded []string
	var details []string

	st.mu.Lock()
	for _, r := range results {
		if st.loaded[r.Tool.Name] {
			alreadyLoaded = append(alreadyLoaded, r.Tool.Name)
		} else {
			newlyLoaded = append(newlyLoaded, r.Tool)
			delete(st.deferred, r.Tool.Name)
			st.loaded[r.Tool.Name] = true
		}
		details = append(details, formatToolDetails(r.Server, r.Tool))
	}
	st.mu.Unlock()

	var b strings.Builder
	fmt.Fprintf(&b, "Found %d tool(s):\n", len(results))
	b.WriteString(strings.Join(details, "\n\n"))
	if len(alreadyLoaded) > 0 {
		fmt.Fprintf(&b, "\n\nAlready loaded: %s", strings.Join(alreadyLoaded, ", "))
	}
	if notFoundMsg != "" {
		fmt.Fprintf(&b, "\n\n%s", notFoundMsg)
	}

	st.log.Debug().
		Int("newly_loaded", len(newlyLoaded)).
		Int("already_loaded", len(alreadyLoaded)).
		Msg("search-tools executed")

	return SyntheticResult{Content: b.String(), NewlyLoaded: newlyLoaded}, nil
}

// generateManifest produces a compact per-server description of deferred
// tools, one line per server plus an optional summary line:
//
//	- {server} ({n} tools): {tool_names}
//	  {summary}
//
// Servers with more than 10 tools show the first four names followed by
// "... and N more".
func generateManifest(deferredByServer map[string][]mcp.Tool) string {
	servers := make([]string, 0, len(deferredByServer))
	for server := range deferredByServer {
		servers = append(servers, server)
	}
	sort.Strings(servers)

	var lines []string
	for _, server := range servers {
		tools := deferredByServer[server]
		count := len(tools)

		names := make([]string, len(tools))
		for i, tool := range tools {
			names[i] = tool.Name
		}

		var namesStr string
		if count > manifestNameCutoff {
			shown := strings.Join(names[:maxToolNamesShown], ", ")
			namesStr = fmt.Sprintf("%s, ... and %d more", shown, count-maxToolNamesShown)
		} else {
			namesStr = strings.Join(names, ", ")
		}

		toolWord := "tools"
		if count == 1 {
			toolWord = "tool"
		}
		lines = append(lines, fmt.Sprintf("- %s (%d %s): %s", server, count, toolWord, namesStr))

		if summary := summariseServer(tools); summary != "" {
			lines = append(lines, "  "+summary)
		}
	}
	return strings.Join(lines, "\n")
}

// summariseServer joins the first sentences of the tools' descriptions,
// de-duplicated, capped at 80 characters.
func summariseServer(tools []mcp.Tool) string {
	var seen []string
	for _, tool := range tools {
		sentence := firstSentence(tool.Description)
		if sentence != "" && !contains(seen, sentence) {
			seen = append(seen, sentence)
		}
	}
	summary := strings.Join(seen, " ")
	if len(summary) > maxSummaryLength {
		summary = strings.TrimRight(summary[:maxSummaryLength-3], " ") + "..."
	}
	return summary
}

// firstSentence splits on ". " so abbreviations mid-sentence are less
// likely to cause a premature cut.
func firstSentence(text string) string {
	text = strings.TrimSpace(text)
	if idx := strings.Index(text, ". "); idx != -1 {
		return text[:idx+1]
	}
	return text
}

func formatToolDetails(server string, tool mcp.Tool) string {
	desc := tool.Description
	if desc == "" {
		desc = "(no description)"
	}
	header := fmt.Sprintf("  [%s] %s: %s", server, tool.Name, desc)
	return fmt.Sprintf("%s\n  Parameters:\n%s", header, formatParamDetails(tool.InputSchema))
}

func formatParamDetails(inputSchema json.RawMessage) string {
	var schema struct {
		Properties map[string]struct {
			Type        string `json:"type"`
			Description string `json:"description"`
		} `json:"properties"`
		Required []string `json:"required"`
	}
	if err := json.Unmarshal(inputSchema, &schema); err != nil || len(schema.Properties) == 0 {
		return "  No parameters."
	}

	required := make(map[string]bool, len(schema.Required))
	for _, name := range schema.Required {
		required[name] = true
	}

	names := make([]string, 0, len(schema.Properties))
	for name := range schema.Properties {
		names = append(names, name)
	}
	sort.Strings(names)

	var parts []string
	for _, name := range names {
		prop := schema.Properties[name]
		ptype := prop.Type
		if ptype == "" {
			ptype = "any"
		}
		marker := ""
		if required[name] {
			marker = " (required)"
		}
		descPart := ""
		if prop.Description != "" {
			descPart = " - " + prop.Description
		}
		parts = append(parts, fmt.Sprintf("    - %s: %s%s%s", name, ptype, marker, descPart))
	}
	return strings.Join(parts, "\n")
}

func stringArg(args map[string]interface{}, key string) string {
	if v, ok := args[key].(string); ok {
		return strings.TrimSpace(v)
	}
	return ""
}

func stringListArg(args map[string]interface{}, key string) []string {
	raw, ok := args[key].([]interface{})
	if !ok {
		return nil
	}
	var names []string
	for _, item := range raw {
		if s, ok := item.(string); ok {
			names = append(names, s)
		}
	}
	return names
}

func contains(list []string, value string) bool {
	for _, item := range list {
		if item == value {
			return true
		}
	}
	return false
}
