package config

import (
	"fmt"
	"regexp"
	"slices"
	"sort"
	"strings"
)

// ToolNameSeparator joins a server ID and a tool name into the namespaced
// function name handed to LLM providers (e.g. "github__create_issue").
const ToolNameSeparator = "__"

var serverIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)

// IsValidServerID reports whether id is usable as a server ID. Valid IDs are
// also safe as file name components.
func IsValidServerID(id string) bool {
	return serverIDPattern.MatchString(id)
}

// MCPServer represents a platform-hosted MCP server configuration
type MCPServer struct {
	ID          string            `yaml:"id" toml:"id"`                                       // Unique identifier for the server
	Name        string            `yaml:"name,omitempty" toml:"name,omitempty"`               // Display name (defaults to ID)
	Description string            `yaml:"description,omitempty" toml:"description,omitempty"` // Shown to the LLM alongside tools
	Command     string            `yaml:"command" toml:"command"`                             // Executable command (e.g., "npx", "node")
	Args        []string          `yaml:"args,omitempty" toml:"args,omitempty"`               // Command arguments
	WorkingDir  string            `yaml:"working_dir,omitempty" toml:"working_dir,omitempty"` // Defaults to the platform's cwd
	Env         map[string]string `yaml:"env,omitempty" toml:"env,omitempty"`                 // Overrides on top of the platform environment
	Disabled    bool              `yaml:"disabled,omitempty" toml:"disabled,omitempty"`
}

// DisplayName returns Name, or ID when no name is set.
func (s MCPServer) DisplayName() string {
	if s.Name != "" {
		return s.Name
	}
	return s.ID
}

// EnvNames returns the environment override names in sorted order.
func (s MCPServer) EnvNames() []string {
	names := make([]string, 0, len(s.Env))
	for k := range s.Env {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// Validate checks the fields of a single server entry.
func (s MCPServer) Validate() error {
	if s.ID == "" {
		return fmt.Errorf("server id is required")
	}
	if !IsValidServerID(s.ID) {
		return fmt.Errorf("server id %q may only contain letters, digits, '.', '_' and '-'", s.ID)
	}
	if strings.Contains(s.ID, ToolNameSeparator) {
		return fmt.Errorf("server id %q must not contain %q", s.ID, ToolNameSeparator)
	}
	if strings.TrimSpace(s.Command) == "" {
		return fmt.Errorf("server %s: command is required", s.ID)
	}
	for name := range s.Env {
		if name == "" || strings.ContainsAny(name, "=\x00") {
			return fmt.Errorf("server %s: invalid environment variable name %q", s.ID, name)
		}
	}
	return nil
}

// clone returns a deep copy so callers can't mutate config state.
func (s MCPServer) clone() MCPServer {
	out := s
	out.Args = slices.Clone(s.Args)
	if s.Env != nil {
		out.Env = make(map[string]string, len(s.Env))
		for k, v := range s.Env {
			out.Env[k] = v
		}
	}
	return out
}

// AddMCPServer adds a server (returns false if the ID already exists)
func (c *Config) AddMCPServer(server MCPServer) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, s := range c.MCPServers {
		if s.ID == server.ID {
			return false
		}
	}
	c.MCPServers = append(c.MCPServers, server.clone())
	return true
}

// RemoveMCPServer removes a server by ID
func (c *Config) RemoveMCPServer(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	for i, s := range c.MCPServers {
		if s.ID == id {
			c.MCPServers = append(c.MCPServers[:i], c.MCPServers[i+1:]...)
			return true
		}
	}
	return false
}

// GetMCPServer returns a copy of the server with the given ID
func (c *Config) GetMCPServer(id string) (MCPServer, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	for _, s := range c.MCPServers {
		if s.ID == id {
			return s.clone(), true
		}
	}
	return MCPServer{}, false
}

// GetMCPServers returns a copy of all configured servers
func (c *Config) GetMCPServers() []MCPServer {
	c.mu.RLock()
	defer c.mu.RUnlock()

	servers := make([]MCPServer, len(c.MCPServers))
	for i, s := range c.MCPServers {
		servers[i] = s.clone()
	}
	return servers
}

// SetMCPServerDisabled toggles a server on or off (returns false if not found)
func (c *Config) SetMCPServerDisabled(id string, disabled bool) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	for i := range c.MCPServers {
		if c.MCPServers[i].ID == id {
			c.MCPServers[i].Disabled = disabled
			return true
		}
	}
	return false
}
