package chat

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/casualmcp/casualmcp/internal/config"
	"github.com/casualmcp/casualmcp/internal/llm"
	"github.com/casualmcp/casualmcp/internal/toolcache"
	"github.com/casualmcp/casualmcp/internal/toolset"
	"github.com/casualmcp/casualmcp/mcp"
)

// fakeTransport records tool calls and serves canned results.
type fakeTransport struct {
	mu      sync.Mutex
	tools   []mcp.Tool
	called  []string
	results map[string]*mcp.CallToolResult
	delays  map[string]time.Duration
	onCall  func(name string)
}

func (f *fakeTransport) ListTools(ctx context.Context) ([]mcp.Tool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.tools, nil
}

func (f *fakeTransport) CallTool(ctx context.Context, name string, args map[string]interface{}, meta map[string]interface{}) (*mcp.CallToolResult, error) {
	f.mu.Lock()
	delay := f.delays[name]
	f.mu.Unlock()
	if delay > 0 {
		time.Sleep(delay)
	}
	if f.onCall != nil {
		f.onCall(name)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.called = append(f.called, name)
	if result, ok := f.results[name]; ok {
		return result, nil
	}
	return &mcp.CallToolResult{
		Content: []mcp.ContentItem{{Type: "text", Text: `"done"`}},
	}, nil
}

func (f *fakeTransport) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.called)
}

func (f *fakeTransport) setTools(tools []mcp.Tool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tools = tools
}

// scriptedProvider returns one canned response per LLM call and records
// what it was shown.
type scriptedProvider struct {
	mu        sync.Mutex
	turns     []*llm.ChatResponse
	calls     int
	seenTools [][]llm.ToolDef
	seenMsgs  [][]llm.Message
}

func (p *scriptedProvider) Name() string { return "scripted" }

func (p *scriptedProvider) Chat(ctx context.Context, req *llm.ChatRequest) (*llm.ChatResponse, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.seenTools = append(p.seenTools, req.Tools)
	p.seenMsgs = append(p.seenMsgs, req.Messages)
	turn := p.calls
	if turn >= len(p.turns) {
		turn = len(p.turns) - 1
	}
	p.calls++
	return p.turns[turn], nil
}

func assistantTurn(content string, calls ...llm.ToolCall) *llm.ChatResponse {
	return &llm.ChatResponse{
		Content:   content,
		ToolCalls: calls,
		Usage:     llm.Usage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15},
	}
}

func toolCall(id, name, args string) llm.ToolCall {
	return llm.ToolCall{
		ID:   id,
		Type: "function",
		Function: llm.FunctionCall{
			Name:      name,
			Arguments: args,
		},
	}
}

func discoveryConfig() *config.Config {
	return &config.Config{
		Servers: map[string]mcp.ServerConfig{
			"math":    {Command: "python"},
			"weather": {Command: "python", DeferLoading: true},
			"words":   {Command: "python"},
		},
		ToolDiscovery: &config.ToolDiscovery{Enabled: true},
	}
}

func testCatalogue() []mcp.Tool {
	return []mcp.Tool{
		{Name: "math_add", Description: "Add two numbers.", InputSchema: json.RawMessage(`{"type":"object"}`)},
		{Name: "weather_get", Description: "Get the weather forecast.", InputSchema: json.RawMessage(`{"type":"object"}`)},
	}
}

func newTestOrchestrator(t *testing.T, transport *fakeTransport, cfg *config.Config) *Orchestrator {
	t.Helper()
	o, err := New(Options{
		Transport: transport,
		Cache:     toolcache.New(transport, time.Minute, zerolog.Nop()),
		Config:    cfg,
		Logger:    zerolog.Nop(),
	})
	require.NoError(t, err)
	return o
}

func toolDefNames(defs []llm.ToolDef) []string {
	names := make([]string, len(defs))
	for i, def := range defs {
		names[i] = def.Name
	}
	return names
}

func TestDirectCallToDeferredTool(t *testing.T) {
	transport := &fakeTransport{tools: testCatalogue()}
	o := newTestOrchestrator(t, transport, discoveryConfig())

	provider := &scriptedProvider{turns: []*llm.ChatResponse{
		assistantTurn("", toolCall("c1", "weather_get", `{}`)),
		assistantTurn("OK"),
	}}
	model := llm.NewModel("test", "test-model", provider)

	response, err := o.Chat(context.Background(),
		[]llm.Message{llm.UserMessage("what's the weather?")},
		ChatOptions{ModelInstance: model})
	require.NoError(t, err)

	require.Len(t, response, 3)
	assert.Equal(t, llm.RoleAssistant, response[0].Role)
	assert.Equal(t, llm.RoleTool, response[1].Role)
	assert.Equal(t, "weather_get", response[1].Name)
	assert.Contains(t, response[1].Content, "not yet loaded")
	assert.Contains(t, response[1].Content, "search-tools")
	assert.Equal(t, "OK", response[2].Content)

	assert.Zero(t, transport.callCount())
}

func TestDiscoverThenUse(t *testing.T) {
	transport := &fakeTransport{tools: testCatalogue()}
	o := newTestOrchestrator(t, transport, discoveryConfig())

	provider := &scriptedProvider{turns: []*llm.ChatResponse{
		assistantTurn("", toolCall("c1", SearchToolsName, `{"tool_names":["weather_get"]}`)),
		assistantTurn("", toolCall("c2", "weather_get", `{}`)),
		assistantTurn("Sunny."),
	}}
	model := llm.NewModel("test", "test-model", provider)

	response, err := o.Chat(context.Background(),
		[]llm.Message{llm.UserMessage("what's the weather?")},
		ChatOptions{ModelInstance: model})
	require.NoError(t, err)

	require.Len(t, response, 5)
	assert.Contains(t, response[1].Content, "Found 1 tool(s)")
	assert.Equal(t, []string{"weather_get"}, transport.called)

	stats := o.Stats()
	require.NotNil(t, stats)
	assert.Equal(t, map[string]int{SearchToolsName: 1, "weather_get": 1}, stats.ToolCalls.ByTool)
	assert.Equal(t, map[string]int{SentinelServer: 1, "weather": 1}, stats.ToolCalls.ByServer)
	assert.Equal(t, 2, stats.ToolCalls.Total())
	require.NotNil(t, stats.Discovery)
	assert.Equal(t, 1, stats.Discovery.SearchCalls)
	assert.Equal(t, 1, stats.Discovery.ToolsDiscovered)
	assert.Equal(t, 3, stats.LLMCalls)
	assert.Equal(t, 30, stats.Tokens.PromptTokens)
	assert.Equal(t, 45, stats.Tokens.Total())
}

func TestMidSessionCacheBump(t *testing.T) {
	transport := &fakeTransport{tools: testCatalogue()}
	cache := toolcache.New(transport, time.Minute, zerolog.Nop())
	o, err := New(Options{
		Transport: transport,
		Cache:     cache,
		Config:    discoveryConfig(),
		Logger:    zerolog.Nop(),
	})
	require.NoError(t, err)

	grown := append(testCatalogue(),
		mcp.Tool{Name: "weather_alert", Description: "Get severe weather alerts."})

	// The math_add call in the first assistant turn grows the catalogue,
	// so the version change is in place before the next iteration.
	transport.onCall = func(name string) {
		if name == "math_add" {
			transport.setTools(grown)
			cache.Prime(grown)
		}
	}

	provider := &scriptedProvider{turns: []*llm.ChatResponse{
		assistantTurn("",
			toolCall("c1", SearchToolsName, `{"tool_names":["weather_get"]}`),
			toolCall("c2", "math_add", `{"a":1,"b":2}`)),
		assistantTurn("All set."),
	}}
	model := llm.NewModel("test", "test-model", provider)

	_, err = o.Chat(context.Background(),
		[]llm.Message{llm.UserMessage("hi")},
		ChatOptions{ModelInstance: model})
	require.NoError(t, err)

	provider.mu.Lock()
	defer provider.mu.Unlock()
	require.Len(t, provider.seenTools, 2)
	secondTurn := toolDefNames(provider.seenTools[1])
	assert.Contains(t, secondTurn, "weather_get")
	assert.Contains(t, secondTurn, "math_add")
	assert.Contains(t, secondTurn, SearchToolsName)
	assert.NotContains(t, secondTurn, "weather_alert")

	// The rebuilt manifest only advertises what is still deferred.
	sent := provider.seenMsgs[1]
	var manifests []string
	for _, m := range sent {
		if m.Role == llm.RoleSystem && strings.Contains(m.Content, "Available tool servers:") {
			manifests = append(manifests, m.Content)
		}
	}
	require.Len(t, manifests, 1)
	assert.Contains(t, manifests[0], "weather_alert")
	assert.NotContains(t, manifests[0], "weather_get")
}

func TestConcurrentFanOutPreservesOrder(t *testing.T) {
	tools := []mcp.Tool{
		{Name: "math_add", Description: "Add two numbers."},
		{Name: "words_define", Description: "Define a word."},
	}
	cfg := &config.Config{
		Servers: map[string]mcp.ServerConfig{
			"math":  {Command: "python"},
			"words": {Command: "python"},
		},
	}
	transport := &fakeTransport{
		tools:  tools,
		delays: map[string]time.Duration{"math_add": 20 * time.Millisecond},
	}
	o := newTestOrchestrator(t, transport, cfg)

	provider := &scriptedProvider{turns: []*llm.ChatResponse{
		assistantTurn("",
			toolCall("c1", "math_add", `{"a":1,"b":2}`),
			toolCall("c2", "math_add", `{"a":3,"b":4}`),
			toolCall("c3", "words_define", `{"word":"x"}`)),
		assistantTurn("done"),
	}}
	model := llm.NewModel("test", "test-model", provider)

	response, err := o.Chat(context.Background(),
		[]llm.Message{llm.UserMessage("go")},
		ChatOptions{ModelInstance: model})
	require.NoError(t, err)

	require.Len(t, response, 5)
	assert.Equal(t, "c1", response[1].ToolCallID)
	assert.Equal(t, "c2", response[2].ToolCallID)
	assert.Equal(t, "c3", response[3].ToolCallID)

	stats := o.Stats()
	require.NotNil(t, stats)
	assert.Equal(t, map[string]int{"math_add": 2, "words_define": 1}, stats.ToolCalls.ByTool)
	assert.Equal(t, map[string]int{"math": 2, "words": 1}, stats.ToolCalls.ByServer)
	assert.Equal(t, 3, stats.ToolCalls.Total())
	assert.Nil(t, stats.Discovery)
}

func TestMalformedArguments(t *testing.T) {
	transport := &fakeTransport{tools: []mcp.Tool{{Name: "math_add"}}}
	cfg := &config.Config{
		Servers: map[string]mcp.ServerConfig{"math": {Command: "python"}},
	}
	o := newTestOrchestrator(t, transport, cfg)

	provider := &scriptedProvider{turns: []*llm.ChatResponse{
		assistantTurn("", toolCall("c1", "math_add", `{not json`)),
		assistantTurn("oops"),
	}}
	model := llm.NewModel("test", "test-model", provider)

	response, err := o.Chat(context.Background(),
		[]llm.Message{llm.UserMessage("add")},
		ChatOptions{ModelInstance: model})
	require.NoError(t, err)

	assert.Equal(t, "Error: Malformed arguments for tool 'math_add'.", response[1].Content)
	assert.Zero(t, transport.callCount())
}

func TestLoopLimit(t *testing.T) {
	t.Setenv(EnvMaxIterations, "3")

	transport := &fakeTransport{tools: []mcp.Tool{{Name: "math_add"}}}
	cfg := &config.Config{
		Servers: map[string]mcp.ServerConfig{"math": {Command: "python"}},
	}
	o := newTestOrchestrator(t, transport, cfg)

	provider := &scriptedProvider{turns: []*llm.ChatResponse{
		assistantTurn("", toolCall("c1", "math_add", `{}`)),
	}}
	model := llm.NewModel("test", "test-model", provider)

	_, err := o.Chat(context.Background(),
		[]llm.Message{llm.UserMessage("loop")},
		ChatOptions{ModelInstance: model})

	var limitErr *LoopLimitError
	require.ErrorAs(t, err, &limitErr)
	assert.Equal(t, 3, limitErr.Limit)
	assert.Nil(t, o.Stats())
}

func TestToolsetFilterDropsDeferredServer(t *testing.T) {
	transport := &fakeTransport{tools: testCatalogue()}
	o := newTestOrchestrator(t, transport, discoveryConfig())

	provider := &scriptedProvider{turns: []*llm.ChatResponse{
		assistantTurn("just math"),
	}}
	model := llm.NewModel("test", "test-model", provider)

	ts := toolset.Config{Servers: map[string]toolset.Spec{"math": toolset.AllSpec()}}
	_, err := o.Chat(context.Background(),
		[]llm.Message{llm.UserMessage("hi")},
		ChatOptions{ModelInstance: model, ToolSet: &ts})
	require.NoError(t, err)

	provider.mu.Lock()
	defer provider.mu.Unlock()
	names := toolDefNames(provider.seenTools[0])
	assert.Equal(t, []string{"math_add"}, names)
}

func TestToolsetValidationSurfaces(t *testing.T) {
	transport := &fakeTransport{tools: testCatalogue()}
	o := newTestOrchestrator(t, transport, discoveryConfig())

	provider := &scriptedProvider{turns: []*llm.ChatResponse{assistantTurn("hi")}}
	model := llm.NewModel("test", "test-model", provider)

	ts := toolset.Config{Servers: map[string]toolset.Spec{"nope": toolset.AllSpec()}}
	_, err := o.Chat(context.Background(),
		[]llm.Message{llm.UserMessage("hi")},
		ChatOptions{ModelInstance: model, ToolSet: &ts})

	var verr *toolset.ValidationError
	require.ErrorAs(t, err, &verr)
}

func TestCallerMessagesNotMutated(t *testing.T) {
	transport := &fakeTransport{tools: testCatalogue()}
	o := newTestOrchestrator(t, transport, discoveryConfig())

	provider := &scriptedProvider{turns: []*llm.ChatResponse{assistantTurn("hello")}}
	model := llm.NewModel("test", "test-model", provider)

	original := []llm.Message{llm.UserMessage("hi")}
	_, err := o.Chat(context.Background(), original, ChatOptions{
		ModelInstance: model,
		System:        "be brief",
	})
	require.NoError(t, err)

	require.Len(t, original, 1)
	assert.Equal(t, llm.RoleUser, original[0].Role)
}

func TestNoModel(t *testing.T) {
	transport := &fakeTransport{tools: testCatalogue()}
	o := newTestOrchestrator(t, transport, discoveryConfig())

	_, err := o.Chat(context.Background(), []llm.Message{llm.UserMessage("hi")}, ChatOptions{})
	assert.ErrorIs(t, err, ErrNoModel)
}

func TestSystemPromptInsertedAtFront(t *testing.T) {
	transport := &fakeTransport{tools: testCatalogue()}
	o := newTestOrchestrator(t, transport, discoveryConfig())

	provider := &scriptedProvider{turns: []*llm.ChatResponse{assistantTurn("hello")}}
	model := llm.NewModel("test", "test-model", provider)

	_, err := o.Chat(context.Background(),
		[]llm.Message{llm.UserMessage("hi")},
		ChatOptions{ModelInstance: model, System: "be brief"})
	require.NoError(t, err)

	provider.mu.Lock()
	defer provider.mu.Unlock()
	sent := provider.seenMsgs[0]
	require.GreaterOrEqual(t, len(sent), 3)
	assert.Equal(t, llm.RoleSystem, sent[0].Role)
	assert.Equal(t, "be brief", sent[0].Content)
	// Discovery manifest follows the system run.
	assert.Equal(t, llm.RoleSystem, sent[1].Role)
	assert.Contains(t, sent[1].Content, "Available tool servers:")
	assert.Equal(t, llm.RoleUser, sent[2].Role)
}

func TestExistingSystemMessagePreserved(t *testing.T) {
	transport := &fakeTransport{tools: testCatalogue()}
	o := newTestOrchestrator(t, transport, discoveryConfig())

	provider := &scriptedProvider{turns: []*llm.ChatResponse{assistantTurn("hello")}}
	model := llm.NewModel("test", "test-model", provider)

	_, err := o.Chat(context.Background(),
		[]llm.Message{llm.SystemMessage("custom"), llm.UserMessage("hi")},
		ChatOptions{ModelInstance: model, System: "ignored default"})
	require.NoError(t, err)

	provider.mu.Lock()
	defer provider.mu.Unlock()
	sent := provider.seenMsgs[0]
	assert.Equal(t, "custom", sent[0].Content)
	for _, m := range sent {
		assert.NotEqual(t, "ignored default", m.Content)
	}
}

func TestSyntheticNameCollisionRejected(t *testing.T) {
	transport := &fakeTransport{}
	_, err := New(Options{
		Transport:  transport,
		Logger:     zerolog.Nop(),
		Synthetics: []SyntheticTool{&staticSynthetic{name: "echo"}, &staticSynthetic{name: "echo"}},
	})
	assert.ErrorContains(t, err, "duplicate synthetic tool name")

	_, err = New(Options{
		Transport:  transport,
		Logger:     zerolog.Nop(),
		Synthetics: []SyntheticTool{&staticSynthetic{name: SearchToolsName}},
	})
	assert.ErrorContains(t, err, "reserved")
}

type staticSynthetic struct {
	name string
}

func (s *staticSynthetic) Name() string { return s.name }

func (s *staticSynthetic) Definition() llm.ToolDef {
	return llm.ToolDef{Name: s.name, Description: "static", Parameters: json.RawMessage(`{"type":"object"}`)}
}

func (s *staticSynthetic) Execute(ctx context.Context, args map[string]interface{}) (SyntheticResult, error) {
	return SyntheticResult{Content: fmt.Sprintf("%s ran", s.name)}, nil
}

func TestStaticSyntheticDispatch(t *testing.T) {
	transport := &fakeTransport{tools: []mcp.Tool{{Name: "math_add"}}}
	cfg := &config.Config{Servers: map[string]mcp.ServerConfig{"math": {Command: "python"}}}
	o, err := New(Options{
		Transport:  transport,
		Cache:      toolcache.New(transport, time.Minute, zerolog.Nop()),
		Config:     cfg,
		Logger:     zerolog.Nop(),
		Synthetics: []SyntheticTool{&staticSynthetic{name: "echo"}},
	})
	require.NoError(t, err)

	provider := &scriptedProvider{turns: []*llm.ChatResponse{
		assistantTurn("", toolCall("c1", "echo", `{}`)),
		assistantTurn("done"),
	}}
	model := llm.NewModel("test", "test-model", provider)

	response, err := o.Chat(context.Background(),
		[]llm.Message{llm.UserMessage("hi")},
		ChatOptions{ModelInstance: model})
	require.NoError(t, err)

	assert.Equal(t, "echo ran", response[1].Content)
	assert.Zero(t, transport.callCount())

	stats := o.Stats()
	assert.Equal(t, map[string]int{SentinelServer: 1}, stats.ToolCalls.ByServer)
}

func TestPartitionRoundTrip(t *testing.T) {
	transport := &fakeTransport{tools: testCatalogue()}
	o := newTestOrchestrator(t, transport, discoveryConfig())

	stats := NewStats()
	state := o.setupDiscovery(testCatalogue(), stats)

	total := len(state.loaded) + len(state.deferredNames)
	assert.Equal(t, len(testCatalogue()), total)
	for _, tool := range state.loaded {
		assert.False(t, state.deferredNames[tool.Name])
	}
}
