// Package config loads and persists the OmniMCP platform configuration:
// supervisor timings, client identity, HTTP address, database location and
// the catalog of platform-hosted MCP servers.
package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/omnimcp/omnimcp-core/paths"
)

// Defaults mirror the timings the platform has always used for hosted servers.
const (
	DefaultSettleDelay      = 500 * time.Millisecond
	DefaultHandshakeTimeout = 10 * time.Second
	DefaultCallTimeout      = 120 * time.Second
	DefaultStopTimeout      = 2 * time.Second

	DefaultHTTPAddr      = "127.0.0.1:3000"
	DefaultClientName    = "omnimcp-platform"
	DefaultClientVersion = "0.1.0"
)

// Config holds the application configuration
type Config struct {
	Server     ServerConfig     `yaml:"server" toml:"server"`
	Database   DatabaseConfig   `yaml:"database" toml:"database"`
	Logging    LoggingConfig    `yaml:"logging" toml:"logging"`
	Supervisor SupervisorConfig `yaml:"supervisor" toml:"supervisor"`
	Client     ClientConfig     `yaml:"client" toml:"client"`
	MCPServers []MCPServer      `yaml:"servers" toml:"servers"` // Platform-hosted MCP servers

	mu       sync.RWMutex
	filePath string
}

// ServerConfig holds the HTTP API listen address
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr" toml:"http_addr"`
}

// DatabaseConfig holds the usage database location.
// An empty path means paths.DatabasePath().
type DatabaseConfig struct {
	Path string `yaml:"path,omitempty" toml:"path,omitempty"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level string `yaml:"level,omitempty" toml:"level,omitempty"` // debug, info, warn, error
	Path  string `yaml:"path,omitempty" toml:"path,omitempty"`   // Empty means logger.DefaultLogPath()
}

// SupervisorConfig holds the process supervisor timings.
type SupervisorConfig struct {
	SettleDelay      time.Duration `yaml:"-" toml:"-"`
	HandshakeTimeout time.Duration `yaml:"-" toml:"-"`
	CallTimeout      time.Duration `yaml:"-" toml:"-"`
	StopTimeout      time.Duration `yaml:"-" toml:"-"`

	// Raw string values for unmarshaling
	SettleDelayRaw      string `yaml:"settle_delay,omitempty" toml:"settle_delay,omitempty"`
	HandshakeTimeoutRaw string `yaml:"handshake_timeout,omitempty" toml:"handshake_timeout,omitempty"`
	CallTimeoutRaw      string `yaml:"call_timeout,omitempty" toml:"call_timeout,omitempty"`
	StopTimeoutRaw      string `yaml:"stop_timeout,omitempty" toml:"stop_timeout,omitempty"`
}

// ClientConfig is the identity announced in the MCP initialize request.
type ClientConfig struct {
	Name    string `yaml:"name" toml:"name"`
	Version string `yaml:"version" toml:"version"`
}

// Default returns a config populated with defaults and no servers.
func Default() *Config {
	cfg := &Config{}
	cfg.ensureInitialized()
	return cfg
}

// LoadDefault reads the config from paths.ConfigFilePath().
func LoadDefault() (*Config, error) {
	path, err := paths.ConfigFilePath()
	if err != nil {
		return nil, err
	}
	return Load(path)
}

// Load reads the config at path, or returns defaults if it doesn't exist.
// Files ending in .toml are parsed as TOML, everything else as YAML.
// Environment variables in the format ${VAR_NAME} are expanded first.
func Load(path string) (*Config, error) {
	cfg := &Config{filePath: path}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		cfg.ensureInitialized()
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	expanded := expandEnvVars(string(data))

	if isTOML(path) {
		if _, err := toml.Decode(expanded, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	} else {
		if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	if err := parseDurations(&cfg.Supervisor); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	// Must happen before Validate() since Validate() only reads
	cfg.ensureInitialized()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

func isTOML(path string) bool {
	return strings.EqualFold(filepath.Ext(path), ".toml")
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// Unset variables expand to an empty string.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		return os.Getenv(envVarPattern.FindStringSubmatch(match)[1])
	})
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(sc *SupervisorConfig) error {
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"settle_delay", sc.SettleDelayRaw, &sc.SettleDelay},
		{"handshake_timeout", sc.HandshakeTimeoutRaw, &sc.HandshakeTimeout},
		{"call_timeout", sc.CallTimeoutRaw, &sc.CallTimeout},
		{"stop_timeout", sc.StopTimeoutRaw, &sc.StopTimeout},
	}
	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		*f.dst = d
	}
	return nil
}

// ensureInitialized fills defaults for unset fields and ensures slices are non-nil.
//
// Thread-safety: This method is NOT thread-safe and must only be called
// during single-threaded initialization (i.e., from Load() before the Config
// is shared across goroutines).
func (c *Config) ensureInitialized() {
	if c.MCPServers == nil {
		c.MCPServers = []MCPServer{}
	}
	if c.Server.HTTPAddr == "" {
		c.Server.HTTPAddr = DefaultHTTPAddr
	}
	if c.Client.Name == "" {
		c.Client.Name = DefaultClientName
	}
	if c.Client.Version == "" {
		c.Client.Version = DefaultClientVersion
	}
	if c.Supervisor.SettleDelay == 0 && c.Supervisor.SettleDelayRaw == "" {
		c.Supervisor.SettleDelay = DefaultSettleDelay
	}
	if c.Supervisor.HandshakeTimeout == 0 {
		c.Supervisor.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if c.Supervisor.CallTimeout == 0 {
		c.Supervisor.CallTimeout = DefaultCallTimeout
	}
	if c.Supervisor.StopTimeout == 0 {
		c.Supervisor.StopTimeout = DefaultStopTimeout
	}
}

var validLogLevels = map[string]bool{"": true, "debug": true, "info": true, "warn": true, "error": true}

// Validate checks that the config is internally consistent.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if !validLogLevels[strings.ToLower(c.Logging.Level)] {
		return fmt.Errorf("logging.level %q is not one of debug, info, warn, error", c.Logging.Level)
	}

	if c.Supervisor.SettleDelay < 0 {
		return fmt.Errorf("supervisor.settle_delay must not be negative")
	}
	if c.Supervisor.HandshakeTimeout <= 0 {
		return fmt.Errorf("supervisor.handshake_timeout must be positive")
	}
	if c.Supervisor.CallTimeout <= 0 {
		return fmt.Errorf("supervisor.call_timeout must be positive")
	}
	if c.Supervisor.StopTimeout <= 0 {
		return fmt.Errorf("supervisor.stop_timeout must be positive")
	}

	seenIDs := make(map[string]bool)
	for i, s := range c.MCPServers {
		if err := s.Validate(); err != nil {
			return fmt.Errorf("servers[%d]: %w", i, err)
		}
		if seenIDs[s.ID] {
			return fmt.Errorf("servers[%d]: duplicate server id: %s", i, s.ID)
		}
		seenIDs[s.ID] = true
	}

	return nil
}

// Save writes the config to its file path, creating parent directories.
func (c *Config) Save() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.filePath == "" {
		path, err := paths.ConfigFilePath()
		if err != nil {
			return err
		}
		c.filePath = path
	}

	if err := os.MkdirAll(filepath.Dir(c.filePath), 0755); err != nil {
		return err
	}

	c.syncRawDurations()

	var data []byte
	if isTOML(c.filePath) {
		var buf bytes.Buffer
		if err := toml.NewEncoder(&buf).Encode(c); err != nil {
			return fmt.Errorf("encoding config: %w", err)
		}
		data = buf.Bytes()
	} else {
		out, err := yaml.Marshal(c)
		if err != nil {
			return fmt.Errorf("encoding config: %w", err)
		}
		data = out
	}

	return os.WriteFile(c.filePath, data, 0644)
}

// syncRawDurations keeps the serialized duration strings in step with the parsed values.
// Caller must hold mu.
func (c *Config) syncRawDurations() {
	sc := &c.Supervisor
	sc.SettleDelayRaw = sc.SettleDelay.String()
	sc.HandshakeTimeoutRaw = sc.HandshakeTimeout.String()
	sc.CallTimeoutRaw = sc.CallTimeout.String()
	sc.StopTimeoutRaw = sc.StopTimeout.String()
}

// FilePath returns the path the config was loaded from or will be saved to.
func (c *Config) FilePath() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.filePath
}

// SetFilePath sets the config file path (for testing).
func (c *Config) SetFilePath(path string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.filePath = path
}

// GetSupervisor returns a copy of the supervisor timings.
func (c *Config) GetSupervisor() SupervisorConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Supervisor
}

// GetClient returns the MCP client identity.
func (c *Config) GetClient() ClientConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Client
}

// GetHTTPAddr returns the HTTP API listen address.
func (c *Config) GetHTTPAddr() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Server.HTTPAddr
}

// GetDatabasePath returns the configured database path, falling back to paths.DatabasePath().
func (c *Config) GetDatabasePath() (string, error) {
	c.mu.RLock()
	p := c.Database.Path
	c.mu.RUnlock()

	if p != "" {
		return p, nil
	}
	return paths.DatabasePath()
}

// GetLogging returns the logging section.
func (c *Config) GetLogging() LoggingConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Logging
}
