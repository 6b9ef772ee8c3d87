package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog"
)

// RemoteClient reaches an MCP server over HTTP. Plain "http" and
// "streamable-http" servers answer each JSON-RPC POST with a JSON body;
// "sse" servers answer with an event stream carrying the response as a
// data: line.
type RemoteClient struct {
	config ServerConfig
	http   *resty.Client
	idGen  int64
	log    zerolog.Logger
}

// NewRemoteClient creates a client for a remote server config.
func NewRemoteClient(cfg ServerConfig, log zerolog.Logger) *RemoteClient {
	client := resty.New()
	for k, v := range cfg.Headers {
		client.SetHeader(k, v)
	}
	client.SetHeader("Content-Type", "application/json")
	if cfg.EffectiveTransport() == TransportSSE {
		client.SetHeader("Accept", "text/event-stream")
		client.SetDoNotParseResponse(true)
	}
	return &RemoteClient{
		config: cfg,
		http:   client,
		log:    log,
	}
}

// ListTools implements Transport.
func (c *RemoteClient) ListTools(ctx context.Context) ([]Tool, error) {
	var result ListToolsResult
	if err := c.call(ctx, "tools/list", struct{}{}, &result); err != nil {
		return nil, err
	}
	return result.Tools, nil
}

// CallTool implements Transport.
func (c *RemoteClient) CallTool(ctx context.Context, name string, args map[string]interface{}, meta map[string]interface{}) (*CallToolResult, error) {
	req := CallToolRequest{
		Name:      name,
		Arguments: args,
		Meta:      meta,
	}
	var result CallToolResult
	if err := c.call(ctx, "tools/call", req, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

func (c *RemoteClient) call(ctx context.Context, method string, params interface{}, result interface{}) error {
	paramBytes, err := json.Marshal(params)
	if err != nil {
		return err
	}

	req := JSONRPCRequest{
		JSONRPC: "2.0",
		Method:  method,
		Params:  paramBytes,
		ID:      atomic.AddInt64(&c.idGen, 1),
	}

	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(req).
		Post(c.config.URL)
	if err != nil {
		return err
	}

	var rpcResp JSONRPCResponse
	if c.config.EffectiveTransport() == TransportSSE {
		body := resp.RawBody()
		defer body.Close()
		data, err := readSSEData(body)
		if err != nil {
			return err
		}
		if err := json.Unmarshal(data, &rpcResp); err != nil {
			return err
		}
	} else {
		if resp.StatusCode() >= 400 {
			return fmt.Errorf("server %s returned status %d", c.config.URL, resp.StatusCode())
		}
		if err := json.Unmarshal(resp.Body(), &rpcResp); err != nil {
			return err
		}
	}

	if rpcResp.Error != nil {
		return rpcResp.Error
	}
	if result != nil {
		return json.Unmarshal(rpcResp.Result, result)
	}
	return nil
}

// readSSEData scans an event stream and returns the payload of the first
// data: event.
func readSSEData(r interface{ Read([]byte) (int, error) }) ([]byte, error) {
	scanner := bufio.NewScanner(r)
	buf := make([]byte, 1024*1024)
	scanner.Buffer(buf, 1024*1024)

	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "" {
			continue
		}
		return []byte(data), nil
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return nil, fmt.Errorf("event stream ended without a data event")
}
