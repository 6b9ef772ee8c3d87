// Package chat implements the tool-calling loop: send a conversation to an
// LLM with a tool catalogue, execute the tool calls it emits against MCP
// servers or synthetic tools, feed results back, and repeat until the LLM
// produces a final answer.
package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"slices"
	"strconv"
	"strings"
	"sync/atomic"
	"text/template"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/casualmcp/casualmcp/internal/config"
	"github.com/casualmcp/casualmcp/internal/discovery"
	"github.com/casualmcp/casualmcp/internal/llm"
	"github.com/casualmcp/casualmcp/internal/toolcache"
	"github.com/casualmcp/casualmcp/internal/toolset"
	"github.com/casualmcp/casualmcp/mcp"
)

// DefaultMaxIterations bounds the tool-calling loop when
// MCP_MAX_CHAT_ITERATIONS is unset.
const DefaultMaxIterations = 50

// EnvMaxIterations names the environment variable overriding the loop cap.
const EnvMaxIterations = "MCP_MAX_CHAT_ITERATIONS"

// ErrNoModel is returned when a chat call names no model and no instance.
var ErrNoModel = errors.New("no model specified")

// LoopLimitError reports an LLM that never stopped emitting tool calls.
type LoopLimitError struct {
	Limit int
}

func (e *LoopLimitError) Error() string {
	return fmt.Sprintf(
		"chat loop exceeded maximum %d iterations. The LLM may be stuck in a tool-calling loop. Set %s to adjust the limit.",
		e.Limit, EnvMaxIterations)
}

// ModelResolver resolves a configured model name to a ready Model.
// Implemented by llm.Factory.
type ModelResolver interface {
	GetModel(name string) (*llm.Model, error)
}

// Options wires an Orchestrator.
type Options struct {
	Transport  mcp.Transport
	Cache      *toolcache.Cache // optional; built from Transport when nil
	Models     ModelResolver    // optional; name resolution fails without it
	Config     *config.Config   // optional; discovery and templates need it
	System     string           // default system prompt
	Synthetics []SyntheticTool
	Templates  *template.Template // optional; model templates render from it
	Logger     zerolog.Logger
}

// ChatOptions carries the per-call knobs of Chat.
type ChatOptions struct {
	// Model names a configured model; ModelInstance overrides it.
	Model         string
	ModelInstance *llm.Model

	// System overrides the system prompt for this call.
	System string

	// ToolSet filters the catalogue before partitioning, with validation.
	ToolSet *toolset.Config

	// Meta is passed through to MCP tool calls and never shown to the LLM.
	Meta map[string]interface{}
}

// Orchestrator drives LLM chats with MCP tool calling and optional tool
// discovery. All per-call state (stats, discovery sets, message list) is
// call-local; only the last completed call's stats live on the instance.
type Orchestrator struct {
	transport  mcp.Transport
	cache      *toolcache.Cache
	models     ModelResolver
	cfg        *config.Config
	system     string
	templates  *template.Template
	synthetics map[string]SyntheticTool
	synthOrder []string

	serverNames   map[string]bool
	maxIterations int
	log           zerolog.Logger

	lastStats atomic.Pointer[Stats]
}

// New creates an orchestrator. Synthetic tool names must be unique and may
// not claim the search-tools name, which the discovery subsystem owns.
func New(opts Options) (*Orchestrator, error) {
	cache := opts.Cache
	if cache == nil {
		cache = toolcache.NewFromEnv(opts.Transport, opts.Logger)
	}

	o := &Orchestrator{
		transport:     opts.Transport,
		cache:         cache,
		models:        opts.Models,
		cfg:           opts.Config,
		system:        opts.System,
		templates:     opts.Templates,
		synthetics:    make(map[string]SyntheticTool),
		serverNames:   make(map[string]bool),
		maxIterations: maxIterationsFromEnv(),
		log:           opts.Logger,
	}

	if opts.Config != nil {
		o.serverNames = opts.Config.ServerNames()
	}

	for _, st := range opts.Synthetics {
		name := st.Name()
		if name == SearchToolsName {
			return nil, fmt.Errorf("synthetic tool name '%s' is reserved", SearchToolsName)
		}
		if _, ok := o.synthetics[name]; ok {
			return nil, fmt.Errorf("duplicate synthetic tool name '%s'", name)
		}
		o.synthetics[name] = st
		o.synthOrder = append(o.synthOrder, name)
	}

	return o, nil
}

func maxIterationsFromEnv() int {
	raw := os.Getenv(EnvMaxIterations)
	if raw == "" {
		return DefaultMaxIterations
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 {
		return DefaultMaxIterations
	}
	return n
}

// Stats returns the statistics of the most recently completed chat call,
// or nil before the first one. With concurrent calls the slot holds
// whichever finished last; the stats a caller can trust are the ones
// implied by its own call.
func (o *Orchestrator) Stats() *Stats {
	return o.lastStats.Load()
}

// discoveryState is the call-local tool discovery bookkeeping.
type discoveryState struct {
	loaded        []mcp.Tool
	deferredNames map[string]bool
	registry      map[string]SyntheticTool
	registryOrder []string
	prompt        string
}

// Chat processes a conversation with tool-calling support and returns the
// response messages (assistant turns and tool results). The caller's
// message slice is never mutated.
func (o *Orchestrator) Chat(ctx context.Context, messages []llm.Message, opts ChatOptions) ([]llm.Message, error) {
	msgs := slices.Clone(messages)

	model, err := o.resolveModel(opts)
	if err != nil {
		return nil, err
	}

	tools, err := o.cache.GetTools(ctx, false)
	if err != nil {
		return nil, err
	}
	if opts.ToolSet != nil {
		tools, err = toolset.Filter(tools, *opts.ToolSet, o.serverNames, true)
		if err != nil {
			return nil, err
		}
		o.log.Info().Int("tools", len(tools)).Msg("Filtered tools using toolset")
	}

	resolvedSystem, err := o.resolveSystemPrompt(opts.System, model, tools)
	if err != nil {
		return nil, err
	}

	stats := NewStats()
	state := o.setupDiscovery(tools, stats)
	watchVersion := o.cache.Version()
	resultStyle := resultStyleFromEnv()

	// Insert the default system prompt only when the caller brought none.
	hasSystem := false
	for _, m := range msgs {
		if m.Role == llm.RoleSystem {
			hasSystem = true
			break
		}
	}
	if resolvedSystem != "" && !hasSystem {
		msgs = slices.Insert(msgs, 0, llm.SystemMessage(resolvedSystem))
	}

	// The discovery manifest goes after any existing system messages so it
	// is conversation context, not tool-schema bloat.
	if state.prompt != "" {
		msgs = insertAfterSystemRun(msgs, llm.SystemMessage(state.prompt))
	}

	converted := toolDefs(state.loaded)

	o.log.Info().Msg("Start Chat")
	var response []llm.Message
	for iteration := 0; iteration < o.maxIterations; iteration++ {
		if o.discoveryActive() && o.cache.Version() != watchVersion {
			o.log.Info().Msg("Tool cache version changed mid-session, rebuilding discovery index")
			watchVersion = o.cache.Version()
			oldPrompt := state.prompt
			state, err = o.rebuildDiscovery(ctx, opts.ToolSet, state.loaded)
			if err != nil {
				return nil, err
			}
			converted = toolDefs(state.loaded)
			msgs = replaceDiscoveryPrompt(msgs, oldPrompt, state.prompt)
		}

		allTools := append(slices.Clone(converted), o.syntheticDefs(state)...)

		resp, err := model.Chat(ctx, msgs, allTools)
		if err != nil {
			return nil, err
		}

		stats.LLMCalls++
		stats.Tokens.PromptTokens += resp.Usage.PromptTokens
		stats.Tokens.CompletionTokens += resp.Usage.CompletionTokens

		assistant := llm.AssistantMessage(resp.Content, resp.ToolCalls)
		msgs = append(msgs, assistant)
		response = append(response, assistant)

		if len(resp.ToolCalls) == 0 {
			break
		}

		o.log.Info().Int("count", len(resp.ToolCalls)).Msg("Executing tool calls")

		// Count stats before the fan-out so the maps see no concurrent
		// writes.
		for _, call := range resp.ToolCalls {
			name := call.Function.Name
			stats.ToolCalls.ByTool[name]++
			server := SentinelServer
			if _, ok := state.registry[name]; !ok {
				server, _ = toolset.ExtractServerAndTool(name, o.serverNames)
			}
			stats.ToolCalls.ByServer[server]++
		}

		// Dispatch concurrently, then apply results in emission order so
		// the transcript is deterministic.
		results := make([]execResult, len(resp.ToolCalls))
		g, gctx := errgroup.WithContext(ctx)
		for i, call := range resp.ToolCalls {
			g.Go(func() error {
				res, err := o.executeToolCall(gctx, call, state, opts.Meta, resultStyle)
				if err != nil {
					return err
				}
				results[i] = res
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return nil, err
		}

		definitionsChanged := false
		for _, res := range results {
			if res.searched && stats.Discovery != nil {
				stats.Discovery.SearchCalls++
				stats.Discovery.ToolsDiscovered += len(res.newlyLoaded)
			}
			if len(res.newlyLoaded) > 0 {
				state.loaded = append(state.loaded, res.newlyLoaded...)
				for _, tool := range res.newlyLoaded {
					delete(state.deferredNames, tool.Name)
				}
				definitionsChanged = true
			}
			msgs = append(msgs, res.message)
			response = append(response, res.message)
		}
		if definitionsChanged {
			converted = toolDefs(state.loaded)
			o.log.Info().Int("loaded", len(state.loaded)).Msg("Expanded loaded tools from search-tools")
		}

		if len(resp.ToolCalls) > 0 && iteration == o.maxIterations-1 {
			o.log.Error().Int("limit", o.maxIterations).Msg("Chat loop exceeded maximum iterations")
			return nil, &LoopLimitError{Limit: o.maxIterations}
		}
	}

	o.lastStats.Store(stats)
	return response, nil
}

func (o *Orchestrator) resolveModel(opts ChatOptions) (*llm.Model, error) {
	if opts.ModelInstance != nil {
		return opts.ModelInstance, nil
	}
	if opts.Model == "" {
		return nil, ErrNoModel
	}
	if o.models == nil {
		return nil, fmt.Errorf("cannot resolve model name '%s' without a model factory", opts.Model)
	}
	return o.models.GetModel(opts.Model)
}

// resolveSystemPrompt picks the system prompt: explicit override, then the
// model's configured template rendered with the current catalogue, then
// the constructor default.
func (o *Orchestrator) resolveSystemPrompt(explicit string, model *llm.Model, tools []mcp.Tool) (string, error) {
	if explicit != "" {
		return explicit, nil
	}

	if model.Template != "" && o.templates != nil {
		tmpl := o.templates.Lookup(model.Template + ".tmpl")
		if tmpl != nil {
			var b strings.Builder
			if err := tmpl.Execute(&b, struct{ Tools []mcp.Tool }{Tools: tools}); err != nil {
				return "", fmt.Errorf("rendering template '%s': %w", model.Template, err)
			}
			return b.String(), nil
		}
		o.log.Warn().Str("template", model.Template).Msg("Model template not found")
	}

	return o.system, nil
}

func (o *Orchestrator) discoveryActive() bool {
	return o.cfg != nil && o.cfg.ToolDiscovery.Active()
}

// setupDiscovery partitions the catalogue and, when any tools are
// deferred, builds the per-call search index and search-tools instance.
func (o *Orchestrator) setupDiscovery(tools []mcp.Tool, stats *Stats) *discoveryState {
	state := &discoveryState{
		loaded:        slices.Clone(tools),
		deferredNames: make(map[string]bool),
		registry:      make(map[string]SyntheticTool, len(o.synthetics)),
		registryOrder: slices.Clone(o.synthOrder),
	}
	for name, st := range o.synthetics {
		state.registry[name] = st
	}

	if !o.discoveryActive() {
		return state
	}

	stats.Discovery = &DiscoveryStats{}

	var servers map[string]mcp.ServerConfig
	if o.cfg != nil {
		servers = o.cfg.Servers
	}
	loaded, deferredByServer := discovery.Partition(tools, servers, o.cfg.ToolDiscovery, o.serverNames, o.log)
	state.loaded = loaded

	if len(deferredByServer) == 0 {
		o.log.Debug().Msg("Tool discovery enabled but no deferred tools")
		return state
	}

	o.attachSearchTools(state, deferredByServer)
	o.log.Info().
		Int("loaded", len(state.loaded)).
		Int("deferred", len(state.deferredNames)).
		Msg("Tool discovery enabled, search-tools injected")
	return state
}

func (o *Orchestrator) attachSearchTools(state *discoveryState, deferredByServer map[string][]mcp.Tool) {
	var allDeferred []mcp.Tool
	for _, serverTools := range deferredByServer {
		for _, tool := range serverTools {
			state.deferredNames[tool.Name] = true
			allDeferred = append(allDeferred, tool)
		}
	}

	index := discovery.NewIndex(allDeferred, discovery.ServerMap(allDeferred, o.serverNames), o.log)
	searchTool := NewSearchTools(deferredByServer, index, o.cfg.ToolDiscovery.EffectiveMaxSearchResults(), o.log)
	state.registry[searchTool.Name()] = searchTool
	state.registryOrder = append(state.registryOrder, searchTool.Name())
	state.prompt = searchTool.SystemPrompt()
}

// rebuildDiscovery refetches and repartitions the catalogue after a cache
// version change. Tools already in the loaded set stay loaded even if the
// fresh partition would defer them.
func (o *Orchestrator) rebuildDiscovery(ctx context.Context, ts *toolset.Config, currentLoaded []mcp.Tool) (*discoveryState, error) {
	fresh, err := o.cache.GetTools(ctx, false)
	if err != nil {
		return nil, err
	}
	if ts != nil {
		fresh, err = toolset.Filter(fresh, *ts, o.serverNames, true)
		if err != nil {
			return nil, err
		}
	}

	previouslyLoaded := make(map[string]bool, len(currentLoaded))
	for _, tool := range currentLoaded {
		previouslyLoaded[tool.Name] = true
	}

	loaded, deferredByServer := discovery.Partition(fresh, o.cfg.Servers, o.cfg.ToolDiscovery, o.serverNames, o.log)

	stillDeferred := make(map[string][]mcp.Tool)
	for server, serverTools := range deferredByServer {
		var remaining []mcp.Tool
		for _, tool := range serverTools {
			if previouslyLoaded[tool.Name] {
				loaded = append(loaded, tool)
			} else {
				remaining = append(remaining, tool)
			}
		}
		if len(remaining) > 0 {
			stillDeferred[server] = remaining
		}
	}

	state := &discoveryState{
		loaded:        loaded,
		deferredNames: make(map[string]bool),
		registry:      make(map[string]SyntheticTool, len(o.synthetics)),
		registryOrder: slices.Clone(o.synthOrder),
	}
	for name, st := range o.synthetics {
		state.registry[name] = st
	}

	if len(stillDeferred) > 0 {
		o.attachSearchTools(state, stillDeferred)
		o.log.Info().
			Int("loaded", len(state.loaded)).
			Int("deferred", len(state.deferredNames)).
			Msg("Rebuilt discovery state")
	}
	return state, nil
}

func (o *Orchestrator) syntheticDefs(state *discoveryState) []llm.ToolDef {
	defs := make([]llm.ToolDef, 0, len(state.registryOrder))
	for _, name := range state.registryOrder {
		defs = append(defs, state.registry[name].Definition())
	}
	return defs
}

type execResult struct {
	message     llm.Message
	newlyLoaded []mcp.Tool
	searched    bool
}

// executeToolCall resolves one tool call down exactly one path: rejected
// as deferred, served by a synthetic, or dispatched to MCP. Everything the
// LLM could recover from becomes an in-band tool result; only context
// cancellation aborts the call.
func (o *Orchestrator) executeToolCall(
	ctx context.Context,
	call llm.ToolCall,
	state *discoveryState,
	meta map[string]interface{},
	style string,
) (execResult, error) {
	name := call.Function.Name

	if state.deferredNames[name] {
		return execResult{message: llm.ToolMessage(call.ID, name, fmt.Sprintf(
			"Error: Tool '%s' is not yet loaded. Use the 'search-tools' tool to discover and load it first, then call it again.",
			name))}, nil
	}

	if synthetic, ok := state.registry[name]; ok {
		var args map[string]interface{}
		if err := json.Unmarshal([]byte(call.Function.Arguments), &args); err != nil {
			o.log.Error().Err(err).Str("tool", name).Msg("Failed to execute synthetic tool")
			return execResult{message: failureMessage(call)}, nil
		}
		result, err := synthetic.Execute(ctx, args)
		if err != nil {
			if ctx.Err() != nil {
				return execResult{}, ctx.Err()
			}
			o.log.Error().Err(err).Str("tool", name).Msg("Failed to execute synthetic tool")
			return execResult{message: failureMessage(call)}, nil
		}
		return execResult{
			message:     llm.ToolMessage(call.ID, name, result.Content),
			newlyLoaded: result.NewlyLoaded,
			searched:    name == SearchToolsName,
		}, nil
	}

	msg, err := o.Execute(ctx, call, meta, style)
	if err != nil {
		return execResult{}, err
	}
	return execResult{message: msg}, nil
}

// Execute dispatches a single tool call to the MCP transport and returns
// the tool result message. Malformed arguments and execution failures are
// reported in-band; only context cancellation is returned as an error.
func (o *Orchestrator) Execute(ctx context.Context, call llm.ToolCall, meta map[string]interface{}, style string) (llm.Message, error) {
	name := call.Function.Name

	var args map[string]interface{}
	if err := json.Unmarshal([]byte(call.Function.Arguments), &args); err != nil {
		o.log.Warn().Err(err).Str("tool", name).Msg("Malformed tool arguments")
		return llm.ToolMessage(call.ID, name,
			fmt.Sprintf("Error: Malformed arguments for tool '%s'.", name)), nil
	}

	result, err := o.transport.CallTool(ctx, name, args, meta)
	if err != nil {
		if ctx.Err() != nil {
			return llm.Message{}, ctx.Err()
		}
		var rpcErr *mcp.JSONRPCError
		if errors.As(err, &rpcErr) && rpcErr.Code == mcp.CodeInvalidParams {
			o.log.Warn().Err(err).Str("tool", name).Msg("Tool call validation error")
			return llm.ToolMessage(call.ID, name, rpcErr.Message), nil
		}
		o.log.Error().Err(err).Str("tool", name).Msg("Error calling tool")
		return failureMessage(call), nil
	}

	content := normaliseResult(result)
	if result.IsError {
		// The server reported a tool-level failure; hand its text to the
		// LLM unwrapped so it can recover.
		return llm.ToolMessage(call.ID, name, content), nil
	}

	return llm.ToolMessage(call.ID, name, formatResult(style, name, call.Function.Arguments, content)), nil
}

func failureMessage(call llm.ToolCall) llm.Message {
	return llm.ToolMessage(call.ID, call.Function.Name,
		fmt.Sprintf("Error: Tool '%s' failed to execute.", call.Function.Name))
}

func toolDefs(tools []mcp.Tool) []llm.ToolDef {
	defs := make([]llm.ToolDef, 0, len(tools))
	for _, tool := range tools {
		schema := tool.InputSchema
		if len(schema) == 0 {
			schema = json.RawMessage(`{"type":"object","properties":{}}`)
		}
		defs = append(defs, llm.ToolDef{
			Name:        tool.Name,
			Description: tool.Description,
			Parameters:  schema,
		})
	}
	return defs
}

// insertAfterSystemRun places msg after the leading run of system
// messages.
func insertAfterSystemRun(msgs []llm.Message, msg llm.Message) []llm.Message {
	idx := 0
	for i, m := range msgs {
		if m.Role == llm.RoleSystem {
			idx = i + 1
		} else {
			break
		}
	}
	return slices.Insert(msgs, idx, msg)
}

// replaceDiscoveryPrompt swaps the discovery system message for a new one
// after a rebuild, keeping its slot after any leading system messages.
func replaceDiscoveryPrompt(msgs []llm.Message, oldPrompt, newPrompt string) []llm.Message {
	if oldPrompt != "" {
		filtered := msgs[:0:0]
		for _, m := range msgs {
			if m.Role == llm.RoleSystem && m.Content == oldPrompt {
				continue
			}
			filtered = append(filtered, m)
		}
		msgs = filtered
	}
	if newPrompt != "" {
		msgs = insertAfterSystemRun(msgs, llm.SystemMessage(newPrompt))
	}
	return msgs
}
