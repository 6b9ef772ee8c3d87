package chat

import "encoding/json"

// TokenUsage accumulates token counts across the LLM calls of one chat.
type TokenUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
}

// Total returns prompt plus completion tokens.
func (u TokenUsage) Total() int {
	return u.PromptTokens + u.CompletionTokens
}

func (u TokenUsage) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	}{u.PromptTokens, u.CompletionTokens, u.Total()})
}

// ToolCallStats counts tool calls by tool name and by attributed server.
// Synthetic tools bill under the sentinel server "_synthetic".
type ToolCallStats struct {
	ByTool   map[string]int `json:"by_tool"`
	ByServer map[string]int `json:"by_server"`
}

// Total returns the number of tool calls made.
func (s ToolCallStats) Total() int {
	total := 0
	for _, n := range s.ByTool {
		total += n
	}
	return total
}

func (s ToolCallStats) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		ByTool   map[string]int `json:"by_tool"`
		ByServer map[string]int `json:"by_server"`
		Total    int            `json:"total"`
	}{s.ByTool, s.ByServer, s.Total()})
}

// DiscoveryStats tracks search-tools usage within one chat call.
type DiscoveryStats struct {
	SearchCalls     int `json:"search_calls"`
	ToolsDiscovered int `json:"tools_discovered"`
}

// Stats is the combined usage record of one chat call. A fresh Stats is
// allocated per call and published to the orchestrator's last-stats slot
// only when the call succeeds.
type Stats struct {
	LLMCalls  int             `json:"llm_calls"`
	Tokens    TokenUsage      `json:"tokens"`
	ToolCalls ToolCallStats   `json:"tool_calls"`
	Discovery *DiscoveryStats `json:"discovery,omitempty"`
}

// NewStats allocates an empty stats record.
func NewStats() *Stats {
	return &Stats{
		ToolCalls: ToolCallStats{
			ByTool:   make(map[string]int),
			ByServer: make(map[string]int),
		},
	}
}
