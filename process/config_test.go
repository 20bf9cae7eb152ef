package process

import (
	"strings"
	"testing"
	"time"

	"github.com/omnimcp/omnimcp-core/config"
)

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr string
	}{
		{"valid", Config{ID: "github", Command: "npx", Env: []EnvVar{{Name: "TOKEN", Value: "x"}}}, ""},
		{"missing id", Config{Command: "npx"}, "id is required"},
		{"missing command", Config{ID: "github", Command: "  "}, "command is required"},
		{"id with path separator", Config{ID: "../etc/passwd", Command: "npx"}, "may only contain"},
		{"id with backslash", Config{ID: `a\b`, Command: "npx"}, "may only contain"},
		{"dot dot id", Config{ID: "..", Command: "npx"}, "may only contain"},
		{"empty env name", Config{ID: "github", Command: "npx", Env: []EnvVar{{Value: "x"}}}, "invalid environment variable name"},
		{"env name with equals", Config{ID: "github", Command: "npx", Env: []EnvVar{{Name: "A=B"}}}, "invalid environment variable name"},
		{"env value with NUL", Config{ID: "github", Command: "npx", Env: []EnvVar{{Name: "A", Value: "a\x00b"}}}, "NUL byte"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("Validate() = %v, want nil", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() = %v, want error containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestConfig_Environ(t *testing.T) {
	cfg := Config{Env: []EnvVar{{Name: "B", Value: "2"}, {Name: "A", Value: "1"}}}
	got := cfg.environ([]string{"PATH=/bin"})
	want := "PATH=/bin|B=2|A=1"
	if strings.Join(got, "|") != want {
		t.Errorf("environ = %q, want %q", strings.Join(got, "|"), want)
	}
}

func TestConfig_CommandLine(t *testing.T) {
	cfg := Config{Command: "node", Args: []string{"dist/index.js", "--stdio"}}
	if got := cfg.CommandLine(); got != "node dist/index.js --stdio" {
		t.Errorf("CommandLine = %q", got)
	}
	if got := (Config{Command: "uvx"}).CommandLine(); got != "uvx" {
		t.Errorf("CommandLine = %q", got)
	}
}

func TestConfigFromServer(t *testing.T) {
	server := config.MCPServer{
		ID:         "uber",
		Command:    "node",
		Args:       []string{"dist/index.js"},
		WorkingDir: "/srv/uber",
		Env:        map[string]string{"UBER_TOKEN": "t", "API_BASE": "https://api"},
	}

	cfg := ConfigFromServer(server)
	if cfg.ID != "uber" || cfg.Command != "node" || cfg.WorkingDir != "/srv/uber" {
		t.Errorf("cfg = %+v", cfg)
	}
	if len(cfg.Env) != 2 || cfg.Env[0].Name != "API_BASE" || cfg.Env[1].Name != "UBER_TOKEN" {
		t.Errorf("Env = %+v, want sorted by name", cfg.Env)
	}

	cfg.Args[0] = "modified"
	if server.Args[0] != "dist/index.js" {
		t.Error("ConfigFromServer should copy Args")
	}
}

func TestOptionsFromConfig(t *testing.T) {
	c := config.Default()
	c.Supervisor.CallTimeout = 7 * time.Second
	c.Client.Name = "custom"

	opts := OptionsFromConfig(c)
	if opts.CallTimeout != 7*time.Second {
		t.Errorf("CallTimeout = %v, want 7s", opts.CallTimeout)
	}
	if opts.ClientInfo.Name != "custom" || opts.ClientInfo.Version != config.DefaultClientVersion {
		t.Errorf("ClientInfo = %+v", opts.ClientInfo)
	}
	if opts.SettleDelay != config.DefaultSettleDelay {
		t.Errorf("SettleDelay = %v", opts.SettleDelay)
	}
}
