package chat

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/casualmcp/casualmcp/mcp"
)

// Result styles selectable via TOOL_RESULT_FORMAT. They control whether a
// tool result is prefixed with the call's function name and arguments,
// which helps smaller models keep track of which result answers what.
const (
	StyleResult       = "result"
	StyleFunction     = "function_result"
	StyleFunctionArgs = "function_args_result"
)

// EnvResultFormat names the environment variable selecting the style.
const EnvResultFormat = "TOOL_RESULT_FORMAT"

func resultStyleFromEnv() string {
	switch style := os.Getenv(EnvResultFormat); style {
	case StyleFunction, StyleFunctionArgs:
		return style
	default:
		return StyleResult
	}
}

// normaliseResult flattens an MCP call result to text. Structured content
// wins when present; an empty content array becomes a literal marker;
// otherwise text items are JSON-parsed optimistically and mime items are
// summarised.
func normaliseResult(result *mcp.CallToolResult) string {
	if len(result.StructuredContent) > 0 {
		return string(result.StructuredContent)
	}

	if len(result.Content) == 0 {
		return "[No content returned]"
	}

	parts := make([]interface{}, 0, len(result.Content))
	for _, item := range result.Content {
		switch {
		case item.Type == "text":
			var parsed interface{}
			if err := json.Unmarshal([]byte(item.Text), &parsed); err == nil {
				parts = append(parts, parsed)
			} else {
				parts = append(parts, item.Text)
			}
		case item.MimeType != "":
			// Image or audio content
			parts = append(parts, fmt.Sprintf("[%s: %s]", item.Type, item.MimeType))
		default:
			parts = append(parts, fmt.Sprintf("%v", item))
		}
	}

	encoded, err := json.Marshal(parts)
	if err != nil {
		return fmt.Sprintf("%v", parts)
	}
	return string(encoded)
}

// formatResult wraps normalised result text in the configured style.
func formatResult(style, name, arguments, content string) string {
	switch style {
	case StyleFunction:
		return fmt.Sprintf("%s result: %s", name, content)
	case StyleFunctionArgs:
		return fmt.Sprintf("%s(%s) result: %s", name, arguments, content)
	default:
		return content
	}
}
