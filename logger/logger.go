// Package logger owns the process-wide structured logger and the log
// directory it shares with the stderr logs of managed MCP servers.
package logger

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/omnimcp/omnimcp-core/paths"
)

const (
	platformLogName = "omnimcp.log"
	serverLogGlob   = "server-*.log"
)

var (
	mu       sync.Mutex
	root     *slog.Logger
	logFile  *os.File
	levelVar = new(slog.LevelVar)
)

// DefaultLogPath returns where the platform log goes when the config names
// no path.
func DefaultLogPath() (string, error) {
	dir, err := paths.LogsDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, platformLogName), nil
}

// ServerLogPath returns the file that captures a managed server's stderr.
func ServerLogPath(serverID string) (string, error) {
	dir, err := paths.LogsDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "server-"+serverID+".log"), nil
}

// SetDebug switches between debug and info level.
func SetDebug(enabled bool) {
	if enabled {
		levelVar.Set(slog.LevelDebug)
	} else {
		levelVar.Set(slog.LevelInfo)
	}
}

// SetLevel applies a logging.level value from the config. An empty level
// means info.
func SetLevel(level string) error {
	if level == "" {
		levelVar.Set(slog.LevelInfo)
		return nil
	}
	var l slog.Level
	if err := l.UnmarshalText([]byte(strings.ToUpper(level))); err != nil {
		return fmt.Errorf("invalid log level %q: %w", level, err)
	}
	levelVar.Set(l)
	return nil
}

// Init opens path for appending and routes every logger to it. Later calls
// are no-ops until Reset.
func Init(path string) error {
	mu.Lock()
	defer mu.Unlock()

	if root != nil {
		return nil
	}
	return open(path)
}

// open must be called with mu held.
func open(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("creating log directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("opening log file: %w", err)
	}
	logFile = f
	root = slog.New(slog.NewTextHandler(f, &slog.HandlerOptions{Level: levelVar}))
	root.Info("logger initialized", "path", path, "pid", os.Getpid())
	return nil
}

// with returns the root logger extended by attrs, opening the default log
// file on first use. If that fails it falls back to slog's default.
func with(attrs ...any) *slog.Logger {
	mu.Lock()
	defer mu.Unlock()

	if root == nil {
		path, err := DefaultLogPath()
		if err == nil {
			err = open(path)
		}
		if err != nil {
			fmt.Fprintf(os.Stderr, "Warning: logging to stderr: %v\n", err)
			return slog.Default().With(attrs...)
		}
	}
	return root.With(attrs...)
}

// WithServer returns a logger tagged with a managed server's id.
func WithServer(serverID string) *slog.Logger {
	return with("serverID", serverID)
}

// WithComponent returns a logger tagged with the name of the package or
// subsystem doing the logging.
func WithComponent(component string) *slog.Logger {
	return with("component", component)
}

// Close closes the log file.
func Close() {
	mu.Lock()
	defer mu.Unlock()

	if logFile != nil {
		logFile.Close()
		logFile = nil
	}
	root = nil
}

// Reset closes the log file and restores the info level so Init can run
// again. Tests use it between cases.
func Reset() {
	Close()
	levelVar.Set(slog.LevelInfo)
}

// LogFile is one file in the logs directory.
type LogFile struct {
	Path     string
	ServerID string // Empty for the platform log
	Size     int64
}

// Files lists the platform log and every server stderr log, platform log
// first.
func Files() ([]LogFile, error) {
	dir, err := paths.LogsDir()
	if err != nil {
		return nil, err
	}

	var files []LogFile
	platform := filepath.Join(dir, platformLogName)
	if info, err := os.Stat(platform); err == nil {
		files = append(files, LogFile{Path: platform, Size: info.Size()})
	}

	matches, err := filepath.Glob(filepath.Join(dir, serverLogGlob))
	if err != nil {
		return nil, err
	}
	sort.Strings(matches)
	for _, m := range matches {
		info, err := os.Stat(m)
		if err != nil {
			continue
		}
		id := strings.TrimSuffix(strings.TrimPrefix(filepath.Base(m), "server-"), ".log")
		files = append(files, LogFile{Path: m, ServerID: id, Size: info.Size()})
	}
	return files, nil
}

// ClearLogs deletes everything Files lists and returns how many files were
// removed. Files already gone are not an error.
func ClearLogs() (int, error) {
	files, err := Files()
	if err != nil {
		return 0, err
	}
	count := 0
	for _, f := range files {
		if err := os.Remove(f.Path); err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return count, err
		}
		count++
	}
	return count, nil
}
