// Package mcptest provides a scriptable stdio MCP server for tests.
//
// Test binaries re-execute themselves as the server: TestMain calls
// RunIfRequested before m.Run, and tests spawn os.Executable() with
// EnvMode set to a mode string such as "delay-init=300ms,chunked" or
// "stderr-flood=2097152".
package mcptest

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"
)

// EnvMode selects stub behavior in a re-executed test binary.
const EnvMode = "OMNIMCP_STUB_SERVER"

// ServerName is reported in the initialize result.
const ServerName = "mcptest-stub"

// Mode controls how the stub misbehaves.
type Mode struct {
	InitDelay      time.Duration // Sleep before answering initialize
	NoInit         bool          // Never answer initialize
	Chunked        bool          // Write every reply in two separate writes
	Noise          bool          // Emit a non-JSON line and a notification before every reply
	CrashAfterInit bool          // Exit with status 3 once the handshake completes
	IgnoreTerm     bool          // Ignore SIGTERM and keep running after stdin closes
	Stderr         bool          // Write a banner line to stderr on startup
	StderrFlood    int           // Write one stderr line of this many bytes, then a second one, before serving
}

// ParseMode parses a comma-separated list of mode flags. Unknown flags are ignored.
func ParseMode(s string) Mode {
	var m Mode
	for flag := range strings.SplitSeq(s, ",") {
		name, value, _ := strings.Cut(strings.TrimSpace(flag), "=")
		switch name {
		case "delay-init":
			m.InitDelay, _ = time.ParseDuration(value)
		case "no-init":
			m.NoInit = true
		case "chunked":
			m.Chunked = true
		case "noise":
			m.Noise = true
		case "crash-after-init":
			m.CrashAfterInit = true
		case "ignore-term":
			m.IgnoreTerm = true
		case "stderr":
			m.Stderr = true
		case "stderr-flood":
			m.StderrFlood, _ = strconv.Atoi(value)
		}
	}
	return m
}

// RunIfRequested turns the current process into a stub server when EnvMode
// is set, and never returns in that case.
func RunIfRequested() {
	v, ok := os.LookupEnv(EnvMode)
	if !ok {
		return
	}
	mode := ParseMode(v)
	if mode.IgnoreTerm {
		signal.Ignore(syscall.SIGTERM)
	}
	if mode.Stderr {
		fmt.Fprintln(os.Stderr, "mcptest stub starting")
	}
	if mode.StderrFlood > 0 {
		// Each write blocks once the pipe fills until the reader drains it.
		os.Stderr.Write(append(bytes.Repeat([]byte{'x'}, mode.StderrFlood), '\n'))
		os.Stderr.Write(append(bytes.Repeat([]byte{'y'}, 256<<10), '\n'))
		fmt.Fprintln(os.Stderr, "mcptest stub flooded stderr")
	}
	err := Serve(os.Stdin, os.Stdout, mode)
	if mode.IgnoreTerm {
		time.Sleep(time.Hour)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	os.Exit(0)
}

type request struct {
	ID     json.RawMessage `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
}

type toolCall struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

type server struct {
	w    io.Writer
	mode Mode
	mu   sync.Mutex
}

// Serve answers MCP requests from r on w until r is exhausted.
//
// Tools: echo returns arguments.x as JSON text; slow sleeps arguments.ms
// milliseconds first; silent never answers; fail returns a JSON-RPC error;
// crash exits with status 4; env returns the variable named by arguments.name;
// cwd returns the working directory.
func Serve(r io.Reader, w io.Writer, mode Mode) error {
	s := &server{w: w, mode: mode}

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 16<<20)
	for scanner.Scan() {
		var req request
		if err := json.Unmarshal(scanner.Bytes(), &req); err != nil {
			continue
		}
		switch req.Method {
		case "initialize":
			if mode.NoInit {
				continue
			}
			time.Sleep(mode.InitDelay)
			s.reply(req.ID, map[string]any{
				"protocolVersion": "2024-11-05",
				"capabilities":    map[string]any{"tools": map[string]any{}},
				"serverInfo":      map[string]any{"name": ServerName, "version": "1.0.0"},
			})
		case "notifications/initialized":
			if mode.CrashAfterInit {
				os.Exit(3)
			}
		case "tools/list":
			s.reply(req.ID, map[string]any{"tools": tools})
		case "tools/call":
			var call toolCall
			json.Unmarshal(req.Params, &call)
			go s.callTool(req.ID, call)
		default:
			if len(req.ID) > 0 {
				s.replyError(req.ID, -32601, "Method not found")
			}
		}
	}
	return scanner.Err()
}

var tools = []map[string]any{
	{"name": "echo", "description": "Echo argument x", "inputSchema": map[string]any{
		"type":       "object",
		"properties": map[string]any{"x": map[string]any{"description": "value to echo"}},
		"required":   []string{"x"},
	}},
	{"name": "slow", "description": "Sleep ms milliseconds", "inputSchema": map[string]any{"type": "object"}},
	{"name": "env", "description": "Read an environment variable", "inputSchema": map[string]any{"type": "object"}},
}

func (s *server) callTool(id json.RawMessage, call toolCall) {
	switch call.Name {
	case "echo":
		text, _ := json.Marshal(call.Arguments["x"])
		s.replyText(id, string(text))
	case "slow":
		ms, _ := call.Arguments["ms"].(float64)
		time.Sleep(time.Duration(ms) * time.Millisecond)
		s.replyText(id, "done")
	case "silent":
	case "fail":
		s.replyError(id, -32603, "tool failed")
	case "crash":
		os.Exit(4)
	case "env":
		name, _ := call.Arguments["name"].(string)
		s.replyText(id, os.Getenv(name))
	case "cwd":
		dir, _ := os.Getwd()
		s.replyText(id, dir)
	default:
		s.replyError(id, -32602, "Unknown tool: "+call.Name)
	}
}

func (s *server) replyText(id json.RawMessage, text string) {
	s.reply(id, map[string]any{
		"content": []map[string]any{{"type": "text", "text": text}},
	})
}

func (s *server) reply(id json.RawMessage, result any) {
	s.send(map[string]any{"jsonrpc": "2.0", "id": id, "result": result})
}

func (s *server) replyError(id json.RawMessage, code int, message string) {
	s.send(map[string]any{"jsonrpc": "2.0", "id": id, "error": map[string]any{"code": code, "message": message}})
}

func (s *server) send(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	data = append(data, '\n')

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.mode.Noise {
		io.WriteString(s.w, "stub: handling request\n")
		io.WriteString(s.w, `{"jsonrpc":"2.0","method":"notifications/message","params":{"level":"info"}}`+"\n")
	}
	if s.mode.Chunked {
		half := len(data) / 2
		s.w.Write(data[:half])
		time.Sleep(20 * time.Millisecond)
		s.w.Write(data[half:])
		return
	}
	s.w.Write(data)
}
