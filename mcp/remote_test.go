package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func rpcResult(t *testing.T, id interface{}, result interface{}) []byte {
	t.Helper()
	raw, err := json.Marshal(result)
	require.NoError(t, err)
	body, err := json.Marshal(JSONRPCResponse{JSONRPC: "2.0", Result: raw, ID: id})
	require.NoError(t, err)
	return body
}

func TestRemoteClientListTools(t *testing.T) {
	var gotMethod string
	var gotAccept string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req JSONRPCRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		gotMethod = req.Method
		gotAccept = r.Header.Get("Accept")

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(rpcResult(t, req.ID, ListToolsResult{
			Tools: []Tool{{Name: "get", Description: "Get the forecast."}},
		}))
	}))
	defer srv.Close()

	client := NewRemoteClient(ServerConfig{URL: srv.URL}, zerolog.Nop())
	tools, err := client.ListTools(context.Background())
	require.NoError(t, err)
	require.Len(t, tools, 1)
	assert.Equal(t, "get", tools[0].Name)
	assert.Equal(t, "tools/list", gotMethod)
	assert.NotEqual(t, "text/event-stream", gotAccept)
}

func TestRemoteClientCallTool(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req JSONRPCRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "tools/call", req.Method)

		var call CallToolRequest
		require.NoError(t, json.Unmarshal(req.Params, &call))
		assert.Equal(t, "get", call.Name)
		assert.Equal(t, "Oslo", call.Arguments["city"])
		assert.Equal(t, "abc", call.Meta["trace"])

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(rpcResult(t, req.ID, CallToolResult{
			Content: []ContentItem{{Type: "text", Text: "sunny"}},
		}))
	}))
	defer srv.Close()

	client := NewRemoteClient(ServerConfig{URL: srv.URL}, zerolog.Nop())
	result, err := client.CallTool(context.Background(), "get",
		map[string]interface{}{"city": "Oslo"},
		map[string]interface{}{"trace": "abc"})
	require.NoError(t, err)
	require.Len(t, result.Content, 1)
	assert.Equal(t, "sunny", result.Content[0].Text)
}

func TestRemoteClientHeaders(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer token123", r.Header.Get("Authorization"))
		var req JSONRPCRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		_, _ = w.Write(rpcResult(t, req.ID, ListToolsResult{}))
	}))
	defer srv.Close()

	client := NewRemoteClient(ServerConfig{
		URL:     srv.URL,
		Headers: map[string]string{"Authorization": "Bearer token123"},
	}, zerolog.Nop())
	_, err := client.ListTools(context.Background())
	require.NoError(t, err)
}

func TestRemoteClientRPCError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req JSONRPCRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		body, _ := json.Marshal(JSONRPCResponse{
			JSONRPC: "2.0",
			Error:   &JSONRPCError{Code: CodeInvalidParams, Message: "city is required"},
			ID:      req.ID,
		})
		_, _ = w.Write(body)
	}))
	defer srv.Close()

	client := NewRemoteClient(ServerConfig{URL: srv.URL}, zerolog.Nop())
	_, err := client.CallTool(context.Background(), "get", nil, nil)

	var rpcErr *JSONRPCError
	require.ErrorAs(t, err, &rpcErr)
	assert.Equal(t, CodeInvalidParams, rpcErr.Code)
	assert.Equal(t, "city is required", rpcErr.Message)
}

func TestRemoteClientHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusBadGateway)
	}))
	defer srv.Close()

	client := NewRemoteClient(ServerConfig{URL: srv.URL}, zerolog.Nop())
	_, err := client.ListTools(context.Background())
	require.Error(t, err)
	assert.ErrorContains(t, err, "status 502")
}

func TestRemoteClientSSE(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "text/event-stream", r.Header.Get("Accept"))
		var req JSONRPCRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))

		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, ": keepalive\n\n")
		fmt.Fprintf(w, "event: message\ndata: %s\n\n", rpcResult(t, req.ID, ListToolsResult{
			Tools: []Tool{{Name: "get"}},
		}))
	}))
	defer srv.Close()

	client := NewRemoteClient(ServerConfig{URL: srv.URL, Transport: TransportSSE}, zerolog.Nop())
	tools, err := client.ListTools(context.Background())
	require.NoError(t, err)
	require.Len(t, tools, 1)
	assert.Equal(t, "get", tools[0].Name)
}

func TestReadSSEDataNoEvent(t *testing.T) {
	_, err := readSSEData(strings.NewReader(": ping\n\n"))
	assert.ErrorContains(t, err, "without a data event")
}

func TestReadSSEDataSkipsEmptyData(t *testing.T) {
	data, err := readSSEData(strings.NewReader("data:\ndata: {\"ok\":1}\n\n"))
	require.NoError(t, err)
	assert.Equal(t, `{"ok":1}`, string(data))
}
