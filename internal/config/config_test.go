package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/casualmcp/casualmcp/internal/toolset"
	"github.com/casualmcp/casualmcp/mcp"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "casualmcp.json")
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))
	t.Setenv("CASUALMCP_CONFIG_PATH", path)
	return path
}

const sampleConfig = `{
  "clients": {
    "local": {"provider": "openai", "base_url": "http://localhost:11434/v1", "api_key": "${TEST_LLM_KEY}"}
  },
  "models": {
    "qwen": {"client": "local", "model": "qwen3", "temperature": 0.2}
  },
  "servers": {
    "math": {"command": "python", "args": ["-m", "math_server"], "defer_loading": true},
    "search": {"url": "https://search.example.com/mcp", "headers": {"Authorization": "Bearer ${TEST_SEARCH_TOKEN}"}}
  },
  "tool_sets": {
    "research": {
      "description": "Research tools",
      "servers": {
        "math": true,
        "search": ["brave_web_search"]
      }
    }
  },
  "tool_discovery": {"enabled": true, "defer_all": false, "max_search_results": 3}
}`

func TestLoad(t *testing.T) {
	writeConfig(t, sampleConfig)
	t.Setenv("TEST_LLM_KEY", "sk-test")
	t.Setenv("TEST_SEARCH_TOKEN", "tok-123")

	cfg, err := Load()
	require.NoError(t, err)

	client := cfg.Clients["local"]
	assert.Equal(t, "openai", client.Provider)
	assert.Equal(t, "sk-test", client.APIKey)

	model := cfg.Models["qwen"]
	assert.Equal(t, "local", model.Client)
	require.NotNil(t, model.Temperature)
	assert.Equal(t, 0.2, *model.Temperature)

	math := cfg.Servers["math"]
	assert.Equal(t, mcp.TransportStdio, math.EffectiveTransport())
	assert.True(t, math.DeferLoading)

	search := cfg.Servers["search"]
	assert.True(t, search.IsRemote())
	assert.Equal(t, "Bearer tok-123", search.Headers["Authorization"])

	ts := cfg.ToolSets["research"]
	assert.True(t, ts.Servers["math"].All())
	assert.Equal(t, []string{"brave_web_search"}, ts.Servers["search"].Include())

	require.NotNil(t, cfg.ToolDiscovery)
	assert.True(t, cfg.ToolDiscovery.Active())
	assert.Equal(t, 3, cfg.ToolDiscovery.EffectiveMaxSearchResults())
}

func TestLoadExcludeSpec(t *testing.T) {
	writeConfig(t, `{
	  "servers": {"math": {"command": "python"}},
	  "tool_sets": {"basic": {"servers": {"math": {"exclude": ["divide"]}}}}
	}`)

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, []string{"divide"}, cfg.ToolSets["basic"].Servers["math"].Exclude())
}

func TestLoadMissingFile(t *testing.T) {
	t.Setenv("CASUALMCP_CONFIG_PATH", filepath.Join(t.TempDir(), "nope"))
	_, err := Load()
	assert.Error(t, err)
}

func TestValidateModelUnknownClient(t *testing.T) {
	cfg := &Config{
		Clients: map[string]ClientConfig{"local": {Provider: "openai"}},
		Models:  map[string]ModelConfig{"m": {Client: "missing", Model: "x"}},
	}
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown client 'missing'")
}

func TestValidateServerShape(t *testing.T) {
	cfg := &Config{Servers: map[string]mcp.ServerConfig{
		"bad": {},
	}}
	assert.ErrorContains(t, cfg.Validate(), "must set command or url")

	cfg = &Config{Servers: map[string]mcp.ServerConfig{
		"bad": {Command: "python", URL: "https://x"},
	}}
	assert.ErrorContains(t, cfg.Validate(), "cannot set both")

	cfg = &Config{Servers: map[string]mcp.ServerConfig{
		"bad": {Command: "python", Transport: "carrier-pigeon"},
	}}
	assert.ErrorContains(t, cfg.Validate(), "unknown transport")
}

func TestValidateToolSetUnknownServer(t *testing.T) {
	cfg := &Config{
		Servers: map[string]mcp.ServerConfig{"math": {Command: "python"}},
		ToolSets: map[string]toolset.Config{
			"research": {Servers: map[string]toolset.Spec{"words": toolset.AllSpec()}},
		},
	}
	assert.ErrorContains(t, cfg.Validate(), "unknown server 'words'")
}

func TestDiscoveryDefaults(t *testing.T) {
	var d *ToolDiscovery
	assert.False(t, d.Active())
	assert.Equal(t, DefaultMaxSearchResults, d.EffectiveMaxSearchResults())

	d = &ToolDiscovery{Enabled: true}
	assert.True(t, d.Active())
	assert.Equal(t, DefaultMaxSearchResults, d.EffectiveMaxSearchResults())
}

func TestLoadRawKeepsPlaceholders(t *testing.T) {
	writeConfig(t, sampleConfig)
	t.Setenv("TEST_LLM_KEY", "sk-real")

	cfg, err := LoadRaw()
	require.NoError(t, err)
	assert.Equal(t, "${TEST_LLM_KEY}", cfg.Clients["local"].APIKey)
	assert.Equal(t, "Bearer ${TEST_SEARCH_TOKEN}", cfg.Servers["search"].Headers["Authorization"])
}

func TestSaveRoundTrip(t *testing.T) {
	path := writeConfig(t, sampleConfig)

	cfg, err := LoadRaw()
	require.NoError(t, err)

	ts := cfg.ToolSets["research"]
	ts.Description = "Updated research tools"
	cfg.ToolSets["research"] = ts

	assert.Equal(t, path, ConfigPath())
	require.NoError(t, Save(cfg))

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(raw), "${TEST_LLM_KEY}")

	reloaded, err := LoadRaw()
	require.NoError(t, err)
	assert.Equal(t, "Updated research tools", reloaded.ToolSets["research"].Description)
	assert.True(t, reloaded.ToolSets["research"].Servers["math"].All())
	assert.Equal(t, []string{"brave_web_search"}, reloaded.ToolSets["research"].Servers["search"].Include())
	assert.True(t, reloaded.Servers["math"].DeferLoading)
}
