// Package config provides configuration management for Casual MCP.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/spf13/viper"

	"github.com/casualmcp/casualmcp/internal/toolset"
	"github.com/casualmcp/casualmcp/mcp"
)

// ErrConfigNotFound indicates no usable config file was found.
var ErrConfigNotFound = errors.New("config not found")

// EnvConfigPath overrides the config search path with a file or directory.
const EnvConfigPath = "CASUALMCP_CONFIG_PATH"

// Config matches the structure of casualmcp.json
type Config struct {
	NamespaceTools bool                        `json:"namespace_tools,omitempty"`
	Clients        map[string]ClientConfig     `json:"clients"`
	Models         map[string]ModelConfig      `json:"models"`
	Servers        map[string]mcp.ServerConfig `json:"servers"`
	ToolSets       map[string]toolset.Config   `json:"tool_sets,omitempty"`
	ToolDiscovery  *ToolDiscovery              `json:"tool_discovery,omitempty"`
}

// ClientConfig describes one LLM endpoint.
type ClientConfig struct {
	Provider string `json:"provider"`
	BaseURL  string `json:"base_url,omitempty"`
	APIKey   string `json:"api_key,omitempty"`
	// Timeout in seconds for LLM requests.
	Timeout int `json:"timeout,omitempty"`
}

// ModelConfig names a model on one of the configured clients.
type ModelConfig struct {
	Client      string   `json:"client"`
	Model       string   `json:"model"`
	Template    string   `json:"template,omitempty"`
	Temperature *float64 `json:"temperature,omitempty"`
}

// ToolDiscovery configures deferred tool loading. When enabled, tools from
// servers marked defer_loading are hidden from the LLM until it loads them
// through the search-tools tool.
type ToolDiscovery struct {
	Enabled          bool `json:"enabled"`
	DeferAll         bool `json:"defer_all"`
	MaxSearchResults int  `json:"max_search_results"`
}

// DefaultMaxSearchResults caps a search-tools query when the config does
// not say otherwise.
const DefaultMaxSearchResults = 5

// EffectiveMaxSearchResults returns the configured result cap, applying
// the default.
func (d *ToolDiscovery) EffectiveMaxSearchResults() int {
	if d == nil || d.MaxSearchResults < 1 {
		return DefaultMaxSearchResults
	}
	return d.MaxSearchResults
}

// Active reports whether discovery is switched on.
func (d *ToolDiscovery) Active() bool {
	return d != nil && d.Enabled
}

// StateDir returns the Casual MCP state directory path.
// Can be overridden via CASUALMCP_STATE_DIR environment variable.
// Default: ~/.casualmcp
func StateDir() string {
	if override := strings.TrimSpace(os.Getenv("CASUALMCP_STATE_DIR")); override != "" {
		return expandPath(override)
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return ".casualmcp"
	}
	return filepath.Join(home, ".casualmcp")
}

// expandPath expands ~ to home directory and resolves the path.
func expandPath(path string) string {
	if strings.HasPrefix(path, "~") {
		home, err := os.UserHomeDir()
		if err == nil {
			path = strings.Replace(path, "~", home, 1)
		}
	}
	absPath, err := filepath.Abs(path)
	if err != nil {
		return path
	}
	return absPath
}

// LoadViper loads the configuration into a Viper instance.
func LoadViper() (*viper.Viper, error) {
	v := viper.New()

	if configPath := strings.TrimSpace(os.Getenv(EnvConfigPath)); configPath != "" {
		expandedPath := expandPath(configPath)
		fileInfo, err := os.Stat(expandedPath)
		if err == nil && fileInfo.IsDir() {
			v.SetConfigName("casualmcp")
			v.AddConfigPath(expandedPath)
		} else {
			v.SetConfigFile(expandedPath)
		}
	} else {
		// Primary: ./casualmcp.json, then ~/.casualmcp/casualmcp.json
		v.SetConfigName("casualmcp")
		v.AddConfigPath(".")
		v.AddConfigPath(StateDir())
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return nil, ErrConfigNotFound
		}
		return nil, err
	}

	return v, nil
}

// Load reads and validates the config file, expanding ${VAR} references
// in api keys, headers, and server env values.
func Load() (*Config, error) {
	return load(true)
}

// LoadRaw reads the configuration without expanding environment variables
// in api keys, headers, or server env. Use it when the config will be
// written back with Save, so placeholders like ${OPENAI_API_KEY} survive.
func LoadRaw() (*Config, error) {
	return load(false)
}

func load(expand bool) (*Config, error) {
	v, err := LoadViper()
	if err != nil {
		return nil, err
	}

	// Decode from the raw file rather than v.Unmarshal: viper lowercases
	// nested map keys, which would corrupt server env names and headers.
	raw, err := os.ReadFile(v.ConfigFileUsed())
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", v.ConfigFileUsed(), err)
	}

	if expand {
		expandEnvVars(&cfg)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ConfigPath returns the file Save writes to: the EnvConfigPath override
// when set, otherwise ./casualmcp.json when present, otherwise the state
// directory.
func ConfigPath() string {
	if configPath := strings.TrimSpace(os.Getenv(EnvConfigPath)); configPath != "" {
		expanded := expandPath(configPath)
		if info, err := os.Stat(expanded); err == nil && info.IsDir() {
			return filepath.Join(expanded, "casualmcp.json")
		}
		return expanded
	}
	if _, err := os.Stat("casualmcp.json"); err == nil {
		return "casualmcp.json"
	}
	return filepath.Join(StateDir(), "casualmcp.json")
}

// Save writes the config back to ConfigPath as JSON.
func Save(cfg *Config) error {
	path := ConfigPath()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}

	return os.WriteFile(path, data, 0o600)
}

// expandEnvVars expands environment variables in the config.
func expandEnvVars(cfg *Config) {
	for name, client := range cfg.Clients {
		client.APIKey = os.ExpandEnv(client.APIKey)
		client.BaseURL = os.ExpandEnv(client.BaseURL)
		cfg.Clients[name] = client
	}

	for name, server := range cfg.Servers {
		for k, v := range server.Env {
			server.Env[k] = os.ExpandEnv(v)
		}
		for k, v := range server.Headers {
			server.Headers[k] = os.ExpandEnv(v)
		}
		cfg.Servers[name] = server
	}
}

// Validate checks for semantic errors in the config.
func (c *Config) Validate() error {
	for name, client := range c.Clients {
		if client.Provider == "" {
			return fmt.Errorf("client '%s' has no provider", name)
		}
	}

	for name, model := range c.Models {
		if model.Client == "" {
			return fmt.Errorf("model '%s' has no client", name)
		}
		if _, ok := c.Clients[model.Client]; !ok {
			return fmt.Errorf("model '%s' references unknown client '%s'. Available: %v",
				name, model.Client, sortedKeys(c.Clients))
		}
		if model.Model == "" {
			return fmt.Errorf("model '%s' has no model id", name)
		}
	}

	for name, server := range c.Servers {
		if server.Command == "" && server.URL == "" {
			return fmt.Errorf("server '%s' must set command or url", name)
		}
		if server.Command != "" && server.URL != "" {
			return fmt.Errorf("server '%s' cannot set both command and url", name)
		}
		switch server.EffectiveTransport() {
		case mcp.TransportStdio:
			if server.IsRemote() {
				return fmt.Errorf("server '%s' uses stdio transport but has a url", name)
			}
		case mcp.TransportHTTP, mcp.TransportStreamableHTTP, mcp.TransportSSE:
			if !server.IsRemote() {
				return fmt.Errorf("server '%s' uses %s transport but has no url", name, server.EffectiveTransport())
			}
		default:
			return fmt.Errorf("server '%s' has unknown transport '%s'", name, server.Transport)
		}
	}

	for name, ts := range c.ToolSets {
		for server := range ts.Servers {
			if _, ok := c.Servers[server]; !ok {
				return fmt.Errorf("tool set '%s' references unknown server '%s'", name, server)
			}
		}
	}

	if c.ToolDiscovery != nil && c.ToolDiscovery.MaxSearchResults < 0 {
		return fmt.Errorf("tool_discovery.max_search_results cannot be negative")
	}

	return nil
}

// ServerNames returns the configured server names as a set.
func (c *Config) ServerNames() map[string]bool {
	names := make(map[string]bool, len(c.Servers))
	for name := range c.Servers {
		names[name] = true
	}
	return names
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
