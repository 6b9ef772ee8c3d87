// Package mcp implements Model Context Protocol transports: a stdio
// subprocess client, a remote HTTP/SSE client, and an aggregate transport
// that mounts several servers under one tool catalogue.
package mcp

import "encoding/json"

// JSONRPCRequest represents a JSON-RPC 2.0 request
type JSONRPCRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
	ID      interface{}     `json:"id,omitempty"`
}

// JSONRPCResponse represents a JSON-RPC 2.0 response or server-initiated message
type JSONRPCResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *JSONRPCError   `json:"error,omitempty"`
	ID      interface{}     `json:"id"`
	// Support notifications/requests from server
	Method string          `json:"method,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`
}

// JSONRPCError represents a JSON-RPC 2.0 error
type JSONRPCError struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

func (e *JSONRPCError) Error() string {
	return e.Message
}

// CodeInvalidParams is the JSON-RPC error code servers return for
// argument validation failures. The chat loop surfaces these messages
// to the LLM verbatim instead of a generic failure.
const CodeInvalidParams = -32602

// MCP Types

type Implementation struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

type InitializeRequest struct {
	ProtocolVersion string             `json:"protocolVersion"`
	Capabilities    ClientCapabilities `json:"capabilities"`
	ClientInfo      Implementation     `json:"clientInfo"`
}

type ClientCapabilities struct {
	Sampling map[string]interface{} `json:"sampling,omitempty"`
	Roots    map[string]interface{} `json:"roots,omitempty"`
}

type ServerCapabilities struct {
	Logging   map[string]interface{} `json:"logging,omitempty"`
	Prompts   map[string]interface{} `json:"prompts,omitempty"`
	Resources map[string]interface{} `json:"resources,omitempty"`
	Tools     map[string]interface{} `json:"tools,omitempty"`
}

type InitializeResult struct {
	ProtocolVersion string             `json:"protocolVersion"`
	Capabilities    ServerCapabilities `json:"capabilities"`
	ServerInfo      Implementation     `json:"serverInfo"`
}

// Tool is a single entry of a server's tool catalogue. Names are unique
// within a catalogue; the aggregate transport prefixes them with the
// owning server's name when more than one server is mounted.
type Tool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"inputSchema"`
}

type ListToolsResult struct {
	Tools      []Tool `json:"tools"`
	NextCursor string `json:"nextCursor,omitempty"`
}

type CallToolRequest struct {
	Name      string                 `json:"name"`
	Arguments map[string]interface{} `json:"arguments,omitempty"`
	Meta      map[string]interface{} `json:"_meta,omitempty"`
}

// ContentItem is one element of a tool result's content array.
type ContentItem struct {
	Type     string `json:"type"`
	Text     string `json:"text,omitempty"`
	MimeType string `json:"mimeType,omitempty"`
	Data     string `json:"data,omitempty"`
}

type CallToolResult struct {
	Content           []ContentItem   `json:"content"`
	StructuredContent json.RawMessage `json:"structuredContent,omitempty"`
	IsError           bool            `json:"isError,omitempty"`
}

// Transport Config

// Transport constants accepted in ServerConfig.Transport.
const (
	TransportStdio          = "stdio"
	TransportHTTP           = "http"
	TransportStreamableHTTP = "streamable-http"
	TransportSSE            = "sse"
)

// ServerConfig describes one MCP server. Stdio servers set Command (plus
// Args/Env/Cwd); remote servers set URL (plus Headers and an optional
// explicit Transport). DeferLoading marks the server's tools for lazy
// discovery when tool discovery is enabled.
type ServerConfig struct {
	Transport string `json:"transport,omitempty"`

	// Stdio
	Command string            `json:"command,omitempty"`
	Args    []string          `json:"args,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
	Cwd     string            `json:"cwd,omitempty"`

	// Remote
	URL     string            `json:"url,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`

	DeferLoading bool `json:"defer_loading,omitempty"`
}

// IsRemote reports whether the server is reached over HTTP rather than a
// subprocess.
func (c ServerConfig) IsRemote() bool {
	return c.URL != ""
}

// EffectiveTransport resolves the transport, defaulting to stdio for
// command servers and streamable-http for remote ones.
func (c ServerConfig) EffectiveTransport() string {
	if c.Transport != "" {
		return c.Transport
	}
	if c.IsRemote() {
		return TransportStreamableHTTP
	}
	return TransportStdio
}
