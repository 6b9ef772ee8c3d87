// Package toolset filters an MCP tool catalogue down to a named subset.
// A toolset maps server names to a tool spec: all of the server's tools,
// an include list, or an exclude list.
package toolset

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/casualmcp/casualmcp/mcp"
)

// Spec selects tools from one server. In JSON it is one of:
//
//	true                      all tools
//	["add", "subtract"]       only the named tools
//	{"exclude": ["divide"]}   all tools except the named ones
type Spec struct {
	all     bool
	include []string
	exclude []string
}

// AllSpec returns a spec selecting every tool of a server.
func AllSpec() Spec { return Spec{all: true} }

// IncludeSpec returns a spec selecting only the named tools.
func IncludeSpec(names ...string) Spec { return Spec{include: names} }

// ExcludeSpec returns a spec selecting every tool except the named ones.
func ExcludeSpec(names ...string) Spec { return Spec{exclude: names} }

// All reports whether the spec selects every tool.
func (s Spec) All() bool { return s.all }

// Include returns the include list, or nil.
func (s Spec) Include() []string { return s.include }

// Exclude returns the exclude list, or nil.
func (s Spec) Exclude() []string { return s.exclude }

// Selects reports whether the spec includes the given base tool name.
func (s Spec) Selects(name string) bool {
	switch {
	case s.all:
		return true
	case s.include != nil:
		return contains(s.include, name)
	case s.exclude != nil:
		return !contains(s.exclude, name)
	}
	return false
}

func (s *Spec) UnmarshalJSON(data []byte) error {
	trimmed := strings.TrimSpace(string(data))
	switch {
	case trimmed == "true":
		*s = Spec{all: true}
		return nil
	case trimmed == "false":
		return fmt.Errorf("tool spec cannot be false; omit the server instead")
	case strings.HasPrefix(trimmed, "["):
		var names []string
		if err := json.Unmarshal(data, &names); err != nil {
			return err
		}
		*s = Spec{include: names}
		return nil
	case strings.HasPrefix(trimmed, "{"):
		var obj struct {
			Exclude []string `json:"exclude"`
		}
		if err := json.Unmarshal(data, &obj); err != nil {
			return err
		}
		if obj.Exclude == nil {
			return fmt.Errorf("tool spec object must have an exclude list")
		}
		*s = Spec{exclude: obj.Exclude}
		return nil
	}
	return fmt.Errorf("invalid tool spec: %s", trimmed)
}

func (s Spec) MarshalJSON() ([]byte, error) {
	switch {
	case s.all:
		return []byte("true"), nil
	case s.exclude != nil:
		return json.Marshal(struct {
			Exclude []string `json:"exclude"`
		}{Exclude: s.exclude})
	}
	if s.include == nil {
		return []byte("[]"), nil
	}
	return json.Marshal(s.include)
}

// Config is a named toolset: a description plus a per-server tool spec.
type Config struct {
	Description string          `json:"description,omitempty"`
	Servers     map[string]Spec `json:"servers"`
}

// ValidationError reports every invalid server or tool reference a toolset
// makes, one problem per line.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	return strings.Join(e.Problems, "\n")
}

// ExtractServerAndTool splits a possibly namespaced tool name into its
// owning server and base name. Aggregated catalogues prefix tools as
// "server_tool"; single-server catalogues do not. When the owner cannot be
// determined the server is reported as "default".
func ExtractServerAndTool(toolName string, serverNames map[string]bool) (string, string) {
	if idx := strings.Index(toolName, "_"); idx >= 0 {
		prefix := toolName[:idx]
		if serverNames[prefix] {
			return prefix, toolName[idx+1:]
		}
	}

	if len(serverNames) == 1 {
		for name := range serverNames {
			return name, toolName
		}
	}

	return "default", toolName
}

func buildServerToolMap(tools []mcp.Tool, serverNames map[string]bool) map[string]map[string]bool {
	serverTools := make(map[string]map[string]bool, len(serverNames))
	for name := range serverNames {
		serverTools[name] = make(map[string]bool)
	}
	for _, tool := range tools {
		server, base := ExtractServerAndTool(tool.Name, serverNames)
		if names, ok := serverTools[server]; ok {
			names[base] = true
		}
	}
	return serverTools
}

// Validate checks that the toolset references only configured servers and
// tools those servers actually expose. All problems are reported at once.
func Validate(ts Config, tools []mcp.Tool, serverNames map[string]bool) error {
	serverTools := buildServerToolMap(tools, serverNames)
	var problems []string

	servers := make([]string, 0, len(ts.Servers))
	for name := range ts.Servers {
		servers = append(servers, name)
	}
	sort.Strings(servers)

	for _, server := range servers {
		if !serverNames[server] {
			problems = append(problems, fmt.Sprintf("Server '%s' not found in configuration", server))
			continue
		}

		available := serverTools[server]
		spec := ts.Servers[server]

		for _, name := range spec.Include() {
			if !available[name] {
				problems = append(problems, fmt.Sprintf(
					"Tool '%s' not found in server '%s'. Available: %v",
					name, server, sortedKeys(available)))
			}
		}
		for _, name := range spec.Exclude() {
			if !available[name] {
				problems = append(problems, fmt.Sprintf(
					"Tool '%s' not found in server '%s' (specified in exclude list). Available: %v",
					name, server, sortedKeys(available)))
			}
		}
	}

	if len(problems) > 0 {
		return &ValidationError{Problems: problems}
	}
	return nil
}

// Filter returns the subset of the catalogue the toolset selects,
// preserving catalogue order. When validate is set the toolset is checked
// first and a ValidationError is returned for invalid references.
func Filter(tools []mcp.Tool, ts Config, serverNames map[string]bool, validate bool) ([]mcp.Tool, error) {
	if validate {
		if err := Validate(ts, tools, serverNames); err != nil {
			return nil, err
		}
	}

	var filtered []mcp.Tool
	for _, tool := range tools {
		server, base := ExtractServerAndTool(tool.Name, serverNames)
		spec, ok := ts.Servers[server]
		if !ok {
			continue
		}
		if spec.Selects(base) {
			filtered = append(filtered, tool)
		}
	}
	return filtered, nil
}

func contains(list []string, name string) bool {
	for _, item := range list {
		if item == name {
			return true
		}
	}
	return false
}

func sortedKeys(set map[string]bool) []string {
	keys := make([]string, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
