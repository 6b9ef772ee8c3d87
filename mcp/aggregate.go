package mcp

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// Aggregate mounts several MCP servers under a single Transport. When more
// than one server is mounted (or namespacing is forced) tool names are
// exposed as "<server>_<tool>" and calls are routed back by prefix.
type Aggregate struct {
	servers   map[string]ServerConfig
	namespace bool
	log       zerolog.Logger

	mu      sync.Mutex
	clients map[string]Transport
}

// NewAggregate creates an aggregate over the given server configs. Clients
// are created lazily on first use.
func NewAggregate(servers map[string]ServerConfig, namespaceTools bool, log zerolog.Logger) *Aggregate {
	return &Aggregate{
		servers:   servers,
		namespace: namespaceTools,
		log:       log,
		clients:   make(map[string]Transport),
	}
}

// ServerNames returns the mounted server names, sorted.
func (a *Aggregate) ServerNames() []string {
	names := make([]string, 0, len(a.servers))
	for name := range a.servers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Prefixed reports whether the aggregate exposes namespaced tool names.
func (a *Aggregate) Prefixed() bool {
	return a.namespace || len(a.servers) > 1
}

func (a *Aggregate) client(name string) (Transport, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if client, ok := a.clients[name]; ok {
		return client, nil
	}

	cfg, ok := a.servers[name]
	if !ok {
		return nil, fmt.Errorf("unknown MCP server: %s", name)
	}

	var client Transport
	if cfg.IsRemote() {
		client = NewRemoteClient(cfg, a.log.With().Str("server", name).Logger())
	} else {
		client = NewClient(cfg, a.log.With().Str("server", name).Logger())
	}
	a.clients[name] = client
	return client, nil
}

// ListTools implements Transport. Servers are listed in parallel; the
// combined catalogue is ordered by server name, preserving each server's
// own tool order.
func (a *Aggregate) ListTools(ctx context.Context) ([]Tool, error) {
	names := a.ServerNames()
	perServer := make([][]Tool, len(names))

	g, ctx := errgroup.WithContext(ctx)
	for i, name := range names {
		g.Go(func() error {
			client, err := a.client(name)
			if err != nil {
				return err
			}
			tools, err := client.ListTools(ctx)
			if err != nil {
				return fmt.Errorf("listing tools from %s: %w", name, err)
			}
			perServer[i] = tools
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	prefixed := a.Prefixed()
	var combined []Tool
	for i, name := range names {
		for _, tool := range perServer[i] {
			if prefixed {
				tool.Name = name + "_" + tool.Name
			}
			combined = append(combined, tool)
		}
	}
	return combined, nil
}

// CallTool implements Transport. Namespaced names are routed to the owning
// server with the prefix stripped.
func (a *Aggregate) CallTool(ctx context.Context, name string, args map[string]interface{}, meta map[string]interface{}) (*CallToolResult, error) {
	server, tool, err := a.route(name)
	if err != nil {
		return nil, err
	}
	client, err := a.client(server)
	if err != nil {
		return nil, err
	}
	return client.CallTool(ctx, tool, args, meta)
}

func (a *Aggregate) route(name string) (string, string, error) {
	if !a.Prefixed() {
		for server := range a.servers {
			return server, name, nil
		}
		return "", "", fmt.Errorf("no MCP servers configured")
	}

	// Server names may themselves contain underscores, so match the
	// longest server prefix.
	var match string
	for server := range a.servers {
		if strings.HasPrefix(name, server+"_") && len(server) > len(match) {
			match = server
		}
	}
	if match == "" {
		return "", "", fmt.Errorf("no server owns tool: %s", name)
	}
	return match, strings.TrimPrefix(name, match+"_"), nil
}

// Stop shuts down every started stdio client.
func (a *Aggregate) Stop() {
	a.mu.Lock()
	defer a.mu.Unlock()
	for name, client := range a.clients {
		if stdio, ok := client.(*Client); ok {
			if err := stdio.Stop(); err != nil {
				a.log.Debug().Err(err).Str("server", name).Msg("Stopping MCP server")
			}
		}
	}
	a.clients = make(map[string]Transport)
}
