package process

import (
	"fmt"
	"strings"

	"github.com/omnimcp/omnimcp-core/config"
)

// EnvVar is one environment override applied on top of the platform's environment.
type EnvVar struct {
	Name  string
	Value string
}

func (e EnvVar) String() string {
	return e.Name + "=" + e.Value
}

// Config describes how to launch one MCP server process.
type Config struct {
	ID         string   // Supervisor table key
	Command    string   // Executable, resolved against PATH
	Args       []string // Command arguments
	WorkingDir string   // Empty means the supervisor's working directory
	Env        []EnvVar // Applied in order; later entries win
}

// Validate checks the launch configuration before anything is started.
func (c Config) Validate() error {
	if c.ID == "" {
		return fmt.Errorf("process id is required")
	}
	// The id names the process's PID file.
	if !config.IsValidServerID(c.ID) {
		return fmt.Errorf("process id %q may only contain letters, digits, '.', '_' and '-'", c.ID)
	}
	if strings.TrimSpace(c.Command) == "" {
		return fmt.Errorf("process %s: command is required", c.ID)
	}
	for _, e := range c.Env {
		if e.Name == "" || strings.ContainsAny(e.Name, "=\x00") {
			return fmt.Errorf("process %s: invalid environment variable name %q", c.ID, e.Name)
		}
		if strings.ContainsRune(e.Value, 0) {
			return fmt.Errorf("process %s: environment variable %s contains a NUL byte", c.ID, e.Name)
		}
	}
	return nil
}

// CommandLine returns the command and arguments joined for display.
func (c Config) CommandLine() string {
	return strings.TrimSpace(c.Command + " " + strings.Join(c.Args, " "))
}

func (c Config) environ(base []string) []string {
	env := make([]string, 0, len(base)+len(c.Env))
	env = append(env, base...)
	for _, e := range c.Env {
		env = append(env, e.String())
	}
	return env
}

// ConfigFromServer converts a configured MCP server into a launch config.
// Environment overrides are ordered by name.
func ConfigFromServer(s config.MCPServer) Config {
	cfg := Config{
		ID:         s.ID,
		Command:    s.Command,
		Args:       append([]string(nil), s.Args...),
		WorkingDir: s.WorkingDir,
	}
	for _, name := range s.EnvNames() {
		cfg.Env = append(cfg.Env, EnvVar{Name: name, Value: s.Env[name]})
	}
	return cfg
}
