// Package toolcache caches an MCP tool catalogue with a TTL so chat turns
// do not hit every server on every request.
package toolcache

import (
	"context"
	"os"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/casualmcp/casualmcp/mcp"
)

// DefaultTTL is used when MCP_TOOL_CACHE_TTL is unset or unparseable.
const DefaultTTL = 30 * time.Second

// EnvTTL names the environment variable holding the cache TTL in seconds.
// Zero or negative means entries never expire.
const EnvTTL = "MCP_TOOL_CACHE_TTL"

// Lister is the single method the cache needs from a transport.
type Lister interface {
	ListTools(ctx context.Context) ([]mcp.Tool, error)
}

// Cache holds a tool catalogue and refreshes it from the transport when
// the TTL lapses. Version increases on every change of the cached
// catalogue, letting callers detect refreshes mid-conversation.
type Cache struct {
	transport Lister
	ttl       time.Duration
	log       zerolog.Logger

	mu        sync.RWMutex
	tools     []mcp.Tool
	fetchedAt time.Time
	version   atomic.Int64
}

// New creates a cache over the transport with the given TTL. A TTL of zero
// or less disables expiry.
func New(transport Lister, ttl time.Duration, log zerolog.Logger) *Cache {
	return &Cache{
		transport: transport,
		ttl:       ttl,
		log:       log,
	}
}

// NewFromEnv creates a cache whose TTL comes from MCP_TOOL_CACHE_TTL.
func NewFromEnv(transport Lister, log zerolog.Logger) *Cache {
	return New(transport, TTLFromEnv(), log)
}

// TTLFromEnv reads MCP_TOOL_CACHE_TTL (seconds) and falls back to
// DefaultTTL when unset or unparseable.
func TTLFromEnv() time.Duration {
	raw := os.Getenv(EnvTTL)
	if raw == "" {
		return DefaultTTL
	}
	seconds, err := strconv.Atoi(raw)
	if err != nil {
		return DefaultTTL
	}
	return time.Duration(seconds) * time.Second
}

// GetTools returns the cached catalogue, refreshing it first when forced,
// never fetched, or expired. A failed refresh keeps the previous catalogue
// and version, and the error is returned.
func (c *Cache) GetTools(ctx context.Context, forceRefresh bool) ([]mcp.Tool, error) {
	if !forceRefresh {
		c.mu.RLock()
		if !c.staleLocked() {
			tools := c.tools
			c.mu.RUnlock()
			return tools, nil
		}
		c.mu.RUnlock()
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	// Another caller may have refreshed while we waited for the lock.
	if !forceRefresh && !c.staleLocked() {
		return c.tools, nil
	}

	tools, err := c.transport.ListTools(ctx)
	if err != nil {
		c.log.Warn().Err(err).Msg("Tool cache refresh failed")
		return nil, err
	}

	c.tools = tools
	c.fetchedAt = time.Now()
	version := c.version.Add(1)
	c.log.Debug().Int("tools", len(tools)).Int64("version", version).Msg("Tool cache refreshed")
	return tools, nil
}

// staleLocked reports whether the catalogue needs a refresh. Callers hold
// at least a read lock. time.Since uses the monotonic clock, so wall-clock
// jumps do not expire entries.
func (c *Cache) staleLocked() bool {
	if c.fetchedAt.IsZero() {
		return true
	}
	if c.ttl <= 0 {
		return false
	}
	return time.Since(c.fetchedAt) >= c.ttl
}

// Invalidate drops the cached catalogue so the next GetTools refetches.
// The version is not bumped until new tools actually arrive.
func (c *Cache) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tools = nil
	c.fetchedAt = time.Time{}
}

// Prime seeds the cache with an already fetched catalogue.
func (c *Cache) Prime(tools []mcp.Tool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tools = tools
	c.fetchedAt = time.Now()
	c.version.Add(1)
}

// Version returns the current catalogue version without blocking.
func (c *Cache) Version() int64 {
	return c.version.Load()
}
