package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/casualmcp/casualmcp/internal/version"
)

const protocolVersion = "2024-11-05"

// Client is a stdio MCP client: it launches the server as a subprocess and
// speaks newline-delimited JSON-RPC 2.0 over its stdin/stdout.
type Client struct {
	config ServerConfig
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser

	idGen   int64
	pending sync.Map // id -> chan *JSONRPCResponse

	startMu sync.Mutex
	started bool

	cancel context.CancelFunc
	log    zerolog.Logger
}

// NewClient creates a new stdio client for a server config. The process is
// not launched until Start or the first request.
func NewClient(cfg ServerConfig, log zerolog.Logger) *Client {
	return &Client{
		config: cfg,
		log:    log,
	}
}

// Start launches the MCP server process and performs the initialize
// handshake. Calling Start on a running client is a no-op.
func (c *Client) Start(ctx context.Context) error {
	c.startMu.Lock()
	defer c.startMu.Unlock()
	if c.started {
		return nil
	}

	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel

	c.cmd = exec.CommandContext(ctx, c.config.Command, c.config.Args...)
	c.cmd.Dir = c.config.Cwd

	if len(c.config.Env) > 0 {
		c.cmd.Env = os.Environ()
		for k, v := range c.config.Env {
			c.cmd.Env = append(c.cmd.Env, fmt.Sprintf("%s=%s", k, v))
		}
	}

	var err error
	c.stdin, err = c.cmd.StdinPipe()
	if err != nil {
		return err
	}

	c.stdout, err = c.cmd.StdoutPipe()
	if err != nil {
		return err
	}

	// Silent stderr to avoid terminal interference
	c.cmd.Stderr = nil

	c.log.Debug().Str("command", c.config.Command).Strs("args", c.config.Args).Msg("Starting MCP server")
	if err := c.cmd.Start(); err != nil {
		return err
	}

	go c.readLoop()

	initReq := InitializeRequest{
		ProtocolVersion: protocolVersion,
		Capabilities:    ClientCapabilities{},
		ClientInfo: Implementation{
			Name:    "casualmcp",
			Version: version.Version,
		},
	}

	var result InitializeResult
	if err := c.Call(ctx, "initialize", initReq, &result); err != nil {
		return fmt.Errorf("initialization failed: %w", err)
	}

	// Initialized notification has no ID
	if err := c.Notify("notifications/initialized", nil); err != nil {
		return err
	}

	c.started = true
	return nil
}

// Stop terminates the server process.
func (c *Client) Stop() error {
	c.startMu.Lock()
	defer c.startMu.Unlock()
	if c.cancel != nil {
		c.cancel()
	}
	if c.stdin != nil {
		c.stdin.Close()
	}
	c.started = false
	if c.cmd != nil {
		return c.cmd.Wait()
	}
	return nil
}

// ListTools implements Transport.
func (c *Client) ListTools(ctx context.Context) ([]Tool, error) {
	if err := c.Start(ctx); err != nil {
		return nil, err
	}
	var result ListToolsResult
	// Empty struct sends "{}" instead of "null"
	if err := c.Call(ctx, "tools/list", struct{}{}, &result); err != nil {
		return nil, err
	}
	return result.Tools, nil
}

// CallTool implements Transport.
func (c *Client) CallTool(ctx context.Context, name string, args map[string]interface{}, meta map[string]interface{}) (*CallToolResult, error) {
	if err := c.Start(ctx); err != nil {
		return nil, err
	}
	req := CallToolRequest{
		Name:      name,
		Arguments: args,
		Meta:      meta,
	}
	var result CallToolResult
	if err := c.Call(ctx, "tools/call", req, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// Call sends a request and blocks until the matching response arrives or
// ctx is cancelled.
func (c *Client) Call(ctx context.Context, method string, params interface{}, result interface{}) error {
	id := atomic.AddInt64(&c.idGen, 1)

	paramBytes, err := json.Marshal(params)
	if err != nil {
		return err
	}

	req := JSONRPCRequest{
		JSONRPC: "2.0",
		Method:  method,
		Params:  paramBytes,
		ID:      id,
	}

	respChan := make(chan *JSONRPCResponse, 1)
	c.pending.Store(id, respChan)
	defer c.pending.Delete(id)

	reqBytes, err := json.Marshal(req)
	if err != nil {
		return err
	}

	c.log.Trace().RawJSON("request", reqBytes).Msg("MCP send")
	if _, err := c.stdin.Write(append(reqBytes, '\n')); err != nil {
		return err
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case resp := <-respChan:
		if resp.Error != nil {
			return resp.Error
		}
		if result != nil {
			return json.Unmarshal(resp.Result, result)
		}
		return nil
	}
}

// Notify sends a notification (no response expected).
func (c *Client) Notify(method string, params interface{}) error {
	var paramBytes json.RawMessage
	if params != nil {
		var err error
		paramBytes, err = json.Marshal(params)
		if err != nil {
			return err
		}
	}

	req := JSONRPCRequest{
		JSONRPC: "2.0",
		Method:  method,
		Params:  paramBytes,
	}

	reqBytes, err := json.Marshal(req)
	if err != nil {
		return err
	}

	_, err = c.stdin.Write(append(reqBytes, '\n'))
	return err
}

func (c *Client) readLoop() {
	// MCP stdio frames one JSON-RPC message per line.
	scanner := bufio.NewScanner(c.stdout)
	buf := make([]byte, 1024*1024)
	scanner.Buffer(buf, 1024*1024)

	for scanner.Scan() {
		line := scanner.Bytes()
		c.log.Trace().Bytes("line", line).Msg("MCP recv")

		var resp JSONRPCResponse
		decoder := json.NewDecoder(strings.NewReader(string(line)))
		decoder.UseNumber()
		if err := decoder.Decode(&resp); err != nil {
			c.log.Warn().Err(err).Msg("Failed to decode MCP message")
			continue
		}

		if resp.ID == nil {
			c.log.Debug().Str("method", resp.Method).Msg("Server notification")
			continue
		}

		var id int64
		switch v := resp.ID.(type) {
		case float64:
			id = int64(v)
		case json.Number:
			id, _ = v.Int64()
		case int64:
			id = v
		case string:
			_, _ = fmt.Sscanf(v, "%d", &id)
		default:
			c.log.Warn().Interface("id", v).Msg("Unknown response ID type")
			continue
		}

		if ch, ok := c.pending.Load(id); ok {
			ch.(chan *JSONRPCResponse) <- &resp
		} else {
			c.log.Warn().Int64("id", id).Msg("No pending call for response")
		}
	}

	if err := scanner.Err(); err != nil {
		c.log.Warn().Err(err).Str("command", c.config.Command).Msg("MCP scanner error")
	}

	// Connection closed, fail all pending calls
	c.pending.Range(func(key, value interface{}) bool {
		ch := value.(chan *JSONRPCResponse)
		ch <- &JSONRPCResponse{
			Error: &JSONRPCError{
				Code:    -32000,
				Message: "Connection closed",
			},
		}
		return true
	})
}
