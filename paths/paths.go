// Package paths decides where OmniMCP keeps its config, usage database,
// PID files and logs.
//
// An existing ~/.omnimcp directory wins and holds everything. Otherwise, if
// any XDG base directory variable is set, files are split across
// XDG_CONFIG_HOME, XDG_DATA_HOME and XDG_STATE_HOME. A fresh install with no
// XDG variables uses ~/.omnimcp.
package paths

import (
	"os"
	"path/filepath"
	"sync"
)

// Layout is the resolved set of base directories.
type Layout struct {
	Config string // config.yaml
	Data   string // usage.db
	State  string // pids/ and logs/
	Flat   bool   // Everything under ~/.omnimcp
}

var (
	mu     sync.Mutex
	cached *Layout
)

// Current resolves the layout once per process and returns it.
func Current() (Layout, error) {
	mu.Lock()
	defer mu.Unlock()

	if cached != nil {
		return *cached, nil
	}
	l, err := resolve()
	if err != nil {
		return Layout{}, err
	}
	cached = &l
	return l, nil
}

func resolve() (Layout, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return Layout{}, err
	}
	flat := Layout{
		Config: filepath.Join(home, ".omnimcp"),
		Flat:   true,
	}
	flat.Data, flat.State = flat.Config, flat.Config

	if info, err := os.Stat(flat.Config); err == nil && info.IsDir() {
		return flat, nil
	}

	cfg, data, state := os.Getenv("XDG_CONFIG_HOME"), os.Getenv("XDG_DATA_HOME"), os.Getenv("XDG_STATE_HOME")
	if cfg == "" && data == "" && state == "" {
		return flat, nil
	}
	return Layout{
		Config: filepath.Join(orDefault(cfg, home, ".config"), "omnimcp"),
		Data:   filepath.Join(orDefault(data, home, ".local", "share"), "omnimcp"),
		State:  filepath.Join(orDefault(state, home, ".local", "state"), "omnimcp"),
	}, nil
}

func orDefault(v, home string, elem ...string) string {
	if v != "" {
		return v
	}
	return filepath.Join(append([]string{home}, elem...)...)
}

func join(dir func(Layout) string, name string) (string, error) {
	l, err := Current()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir(l), name), nil
}

// ConfigFilePath returns the config file path. OMNIMCP_CONFIG overrides the
// layout.
func ConfigFilePath() (string, error) {
	if p := os.Getenv("OMNIMCP_CONFIG"); p != "" {
		return p, nil
	}
	return join(func(l Layout) string { return l.Config }, "config.yaml")
}

// DatabasePath returns the SQLite tool call log.
func DatabasePath() (string, error) {
	return join(func(l Layout) string { return l.Data }, "usage.db")
}

// PIDDir holds one PID file per supervised server process.
func PIDDir() (string, error) {
	return join(func(l Layout) string { return l.State }, "pids")
}

// LogsDir holds the platform log and server stderr logs.
func LogsDir() (string, error) {
	return join(func(l Layout) string { return l.State }, "logs")
}

// Reset forgets the cached layout. Tests that change HOME or XDG variables
// call it.
func Reset() {
	mu.Lock()
	defer mu.Unlock()
	cached = nil
}
