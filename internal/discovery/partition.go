package discovery

import (
	"github.com/rs/zerolog"

	"github.com/casualmcp/casualmcp/internal/config"
	"github.com/casualmcp/casualmcp/internal/toolset"
	"github.com/casualmcp/casualmcp/mcp"
)

// Partition splits a catalogue into eagerly loaded tools and deferred
// tools grouped by server. With discovery off everything loads eagerly.
// With defer_all set every server defers; otherwise each server's
// defer_loading flag decides. Tools whose server cannot be resolved load
// eagerly.
func Partition(
	tools []mcp.Tool,
	servers map[string]mcp.ServerConfig,
	disc *config.ToolDiscovery,
	serverNames map[string]bool,
	log zerolog.Logger,
) (loaded []mcp.Tool, deferredByServer map[string][]mcp.Tool) {
	if !disc.Active() {
		return append([]mcp.Tool(nil), tools...), map[string][]mcp.Tool{}
	}

	deferredByServer = make(map[string][]mcp.Tool)
	for _, tool := range tools {
		server, _ := toolset.ExtractServerAndTool(tool.Name, serverNames)
		if shouldDefer(server, servers, disc) {
			deferredByServer[server] = append(deferredByServer[server], tool)
		} else {
			loaded = append(loaded, tool)
		}
	}

	if len(deferredByServer) > 0 {
		total := 0
		for _, tools := range deferredByServer {
			total += len(tools)
		}
		log.Info().
			Int("loaded", len(loaded)).
			Int("deferred", total).
			Int("servers", len(deferredByServer)).
			Msg("Partitioned tools for discovery")
	}
	return loaded, deferredByServer
}

func shouldDefer(server string, servers map[string]mcp.ServerConfig, disc *config.ToolDiscovery) bool {
	if disc.DeferAll {
		return true
	}
	cfg, ok := servers[server]
	if !ok {
		// Unknown server, load eagerly to be safe.
		return false
	}
	return cfg.DeferLoading
}
