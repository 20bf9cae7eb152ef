package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/omnimcp/omnimcp-core/config"
	"github.com/omnimcp/omnimcp-core/logger"
	"github.com/omnimcp/omnimcp-core/mcp/mcptest"
	"github.com/omnimcp/omnimcp-core/process"
	"github.com/omnimcp/omnimcp-core/registry"
	"github.com/omnimcp/omnimcp-core/store"
)

func TestMain(m *testing.M) {
	mcptest.RunIfRequested()

	logger.Reset()
	logger.Init(os.DevNull)

	code := m.Run()

	logger.Reset()
	os.Exit(code)
}

type testEnv struct {
	sup   *process.Supervisor
	reg   *registry.Registry
	cfg   *config.Config
	store *store.SQLiteStore
	srv   *httptest.Server
}

func setupTestServer(t *testing.T) *testEnv {
	t.Helper()
	discard := slog.New(slog.NewTextHandler(io.Discard, nil))

	sup := process.New(process.Options{
		HandshakeTimeout: 5 * time.Second,
		CallTimeout:      5 * time.Second,
		StopTimeout:      2 * time.Second,
		Logger:           discard,
	})
	t.Cleanup(func() { _ = sup.StopAll() })

	st, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "usage.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	reg := registry.New(sup, registry.WithRecorder(st), registry.WithLogger(discard))

	exe, err := os.Executable()
	require.NoError(t, err)
	cfg := config.Default()
	cfg.SetFilePath(filepath.Join(t.TempDir(), "config.yaml"))
	cfg.AddMCPServer(config.MCPServer{
		ID:          "stub",
		Name:        "Stub",
		Description: "test server",
		Command:     exe,
		Args:        []string{"-test.run=^$"},
		Env:         map[string]string{mcptest.EnvMode: "default", "STUB_SECRET": "hunter2"},
	})
	cfg.AddMCPServer(config.MCPServer{ID: "off", Command: "unused", Disabled: true})
	require.NoError(t, reg.LoadConfig(cfg))

	srv := httptest.NewServer(NewServer(reg, st, WithConfig(cfg)).Handler())
	t.Cleanup(srv.Close)

	return &testEnv{sup: sup, reg: reg, cfg: cfg, store: st, srv: srv}
}

func (e *testEnv) do(t *testing.T, method, path string, body any) (int, map[string]any) {
	t.Helper()
	var rdr io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		rdr = bytes.NewBufferString(b)
	default:
		data, err := json.Marshal(b)
		require.NoError(t, err)
		rdr = bytes.NewReader(data)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, method, e.srv.URL+path, rdr)
	require.NoError(t, err)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))

	var out map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return resp.StatusCode, out
}

func TestHealth(t *testing.T) {
	env := setupTestServer(t)

	code, body := env.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, true, body["success"])
}

func TestListServers(t *testing.T) {
	env := setupTestServer(t)

	code, body := env.do(t, http.MethodGet, "/api/mcp", nil)
	require.Equal(t, http.StatusOK, code)

	servers, ok := body["servers"].([]any)
	require.True(t, ok)
	require.Len(t, servers, 2)

	first := servers[0].(map[string]any)
	assert.Equal(t, "off", first["id"])
	assert.Equal(t, true, first["disabled"])

	second := servers[1].(map[string]any)
	assert.Equal(t, "stub", second["id"])
	assert.Equal(t, false, second["running"])

	raw, err := json.Marshal(body)
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "hunter2")
}

func TestStatus_NotFound(t *testing.T) {
	env := setupTestServer(t)

	code, body := env.do(t, http.MethodGet, "/api/mcp/missing/status", nil)
	assert.Equal(t, http.StatusNotFound, code)
	assert.Equal(t, false, body["success"])
	assert.Equal(t, "server not found: missing", body["error"])
}

func TestStartStatusStop(t *testing.T) {
	env := setupTestServer(t)

	code, body := env.do(t, http.MethodPost, "/api/mcp/stub/start", nil)
	require.Equal(t, http.StatusOK, code, body)
	status := body["status"].(map[string]any)
	assert.Equal(t, true, status["running"])
	assert.Equal(t, "healthy", status["health"])
	proc := status["process"].(map[string]any)
	assert.Equal(t, true, proc["initialized"])
	assert.Equal(t, mcptest.ServerName, proc["serverInfo"].(map[string]any)["name"])

	code, body = env.do(t, http.MethodGet, "/api/mcp/stub/status", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Contains(t, body, "stats")

	code, _ = env.do(t, http.MethodDelete, "/api/mcp/stub/process", nil)
	require.Equal(t, http.StatusOK, code)
	assert.False(t, env.sup.IsRunning("stub"))

	// Stopping a stopped server is not an error
	code, _ = env.do(t, http.MethodDelete, "/api/mcp/stub/process", nil)
	assert.Equal(t, http.StatusOK, code)
}

func TestStart_Disabled(t *testing.T) {
	env := setupTestServer(t)

	code, body := env.do(t, http.MethodPost, "/api/mcp/off/start", nil)
	assert.Equal(t, http.StatusConflict, code)
	assert.Equal(t, "server is not active: off", body["error"])
}

func TestListTools(t *testing.T) {
	env := setupTestServer(t)

	code, body := env.do(t, http.MethodGet, "/api/mcp/stub/tools", nil)
	require.Equal(t, http.StatusOK, code, body)

	tools := body["tools"].([]any)
	assert.Len(t, tools, 3)
	fns := body["functions"].([]any)
	require.Len(t, fns, 3)
	assert.Equal(t, "stub__echo", fns[0].(map[string]any)["name"])
}

func TestCallTool(t *testing.T) {
	env := setupTestServer(t)

	code, body := env.do(t, http.MethodPost, "/api/mcp/stub/tools/echo", map[string]any{"x": "hi"})
	require.Equal(t, http.StatusOK, code, body)
	assert.Equal(t, true, body["success"])
	assert.Equal(t, `"hi"`, body["text"])

	code, body = env.do(t, http.MethodPost, "/api/mcp/stub/tools/fail", nil)
	assert.Equal(t, http.StatusBadGateway, code)
	assert.Equal(t, false, body["success"])
	assert.Contains(t, body["error"], "tool failed")

	code, body = env.do(t, http.MethodGet, "/api/mcp/stub/calls?limit=1", nil)
	require.Equal(t, http.StatusOK, code)
	calls := body["calls"].([]any)
	require.Len(t, calls, 1)
	assert.Equal(t, "fail", calls[0].(map[string]any)["toolName"])
	assert.Equal(t, "error", calls[0].(map[string]any)["status"])
	assert.Contains(t, calls[0], "durationMs")
}

func TestCallTool_BadBody(t *testing.T) {
	env := setupTestServer(t)

	code, body := env.do(t, http.MethodPost, "/api/mcp/stub/tools/echo", "[1,2]")
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, false, body["success"])
	assert.False(t, env.sup.IsRunning("stub"))
}

func TestCallTool_UnknownAndInactiveServer(t *testing.T) {
	env := setupTestServer(t)

	code, body := env.do(t, http.MethodPost, "/api/mcp/missing/tools/echo", nil)
	assert.Equal(t, http.StatusNotFound, code)
	assert.Equal(t, "server not found: missing", body["error"])

	code, body = env.do(t, http.MethodPost, "/api/mcp/off/tools/echo", nil)
	assert.Equal(t, http.StatusConflict, code)
	assert.Equal(t, "server is not active: off", body["error"])
}

func TestCallFunction(t *testing.T) {
	env := setupTestServer(t)

	code, body := env.do(t, http.MethodPost, "/api/tools/call", map[string]any{
		"tool":      "stub__echo",
		"arguments": map[string]any{"x": 42},
	})
	require.Equal(t, http.StatusOK, code, body)
	assert.Equal(t, "42", body["text"])

	code, body = env.do(t, http.MethodPost, "/api/tools/call", map[string]any{"tool": "no-separator"})
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Contains(t, body["error"], "invalid tool name format")

	code, _ = env.do(t, http.MethodPost, "/api/tools/call", "not json")
	assert.Equal(t, http.StatusBadRequest, code)

	code, body = env.do(t, http.MethodPost, "/api/tools/call", map[string]any{"tool": "off__echo"})
	assert.Equal(t, http.StatusConflict, code)
	assert.Equal(t, "server is not active: off", body["error"])
}

func TestHealthCheck(t *testing.T) {
	env := setupTestServer(t)

	code, body := env.do(t, http.MethodGet, "/api/mcp/stub/health", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "unhealthy", body["health"])

	code, _ = env.do(t, http.MethodPost, "/api/mcp/stub/start", nil)
	require.Equal(t, http.StatusOK, code)

	code, body = env.do(t, http.MethodGet, "/api/mcp/stub/health", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "healthy", body["health"])

	code, body = env.do(t, http.MethodGet, "/api/mcp/missing/health", nil)
	assert.Equal(t, http.StatusNotFound, code)
	assert.Equal(t, "server not found: missing", body["error"])
}

func TestUpdateServer_PersistsDisabled(t *testing.T) {
	env := setupTestServer(t)

	code, body := env.do(t, http.MethodPatch, "/api/mcp/off", map[string]any{"disabled": false})
	require.Equal(t, http.StatusOK, code, body)
	assert.Equal(t, false, body["status"].(map[string]any)["disabled"])

	code, body = env.do(t, http.MethodPatch, "/api/mcp/stub", map[string]any{"disabled": true})
	require.Equal(t, http.StatusOK, code, body)

	code, body = env.do(t, http.MethodPost, "/api/mcp/stub/tools/echo", nil)
	assert.Equal(t, http.StatusConflict, code)
	assert.Equal(t, "server is not active: stub", body["error"])

	loaded, err := config.Load(env.cfg.FilePath())
	require.NoError(t, err)
	off, ok := loaded.GetMCPServer("off")
	require.True(t, ok)
	assert.False(t, off.Disabled)
	stub, ok := loaded.GetMCPServer("stub")
	require.True(t, ok)
	assert.True(t, stub.Disabled)
}

func TestUpdateServer_BadRequests(t *testing.T) {
	env := setupTestServer(t)

	code, body := env.do(t, http.MethodPatch, "/api/mcp/stub", map[string]any{})
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "disabled is required", body["error"])

	code, _ = env.do(t, http.MethodPatch, "/api/mcp/stub", "not json")
	assert.Equal(t, http.StatusBadRequest, code)

	code, body = env.do(t, http.MethodPatch, "/api/mcp/missing", map[string]any{"disabled": true})
	assert.Equal(t, http.StatusNotFound, code)
	assert.Equal(t, "server not found: missing", body["error"])
}

func TestRemoveServer(t *testing.T) {
	env := setupTestServer(t)

	code, _ := env.do(t, http.MethodPost, "/api/mcp/stub/start", nil)
	require.Equal(t, http.StatusOK, code)

	code, body := env.do(t, http.MethodDelete, "/api/mcp/stub", nil)
	require.Equal(t, http.StatusOK, code, body)
	assert.False(t, env.sup.IsRunning("stub"))
	_, ok := env.reg.Get("stub")
	assert.False(t, ok)

	loaded, err := config.Load(env.cfg.FilePath())
	require.NoError(t, err)
	_, ok = loaded.GetMCPServer("stub")
	assert.False(t, ok)
	_, ok = loaded.GetMCPServer("off")
	assert.True(t, ok)

	code, body = env.do(t, http.MethodDelete, "/api/mcp/stub", nil)
	assert.Equal(t, http.StatusNotFound, code)
	assert.Equal(t, "server not found: stub", body["error"])
}

func TestListCalls(t *testing.T) {
	env := setupTestServer(t)

	code, body := env.do(t, http.MethodGet, "/api/mcp/stub/calls", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, []any{}, body["calls"])

	code, _ = env.do(t, http.MethodGet, "/api/mcp/stub/calls?limit=abc", nil)
	assert.Equal(t, http.StatusBadRequest, code)

	code, _ = env.do(t, http.MethodGet, "/api/mcp/missing/calls", nil)
	assert.Equal(t, http.StatusNotFound, code)
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{registry.ErrServerNotFound, http.StatusNotFound},
		{registry.ErrServerInactive, http.StatusConflict},
		{process.ErrHandshakeTimeout, http.StatusGatewayTimeout},
		{process.ErrCallTimeout, http.StatusGatewayTimeout},
		{process.ErrProcessExited, http.StatusBadGateway},
		{io.EOF, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, statusFor(tt.err), tt.err.Error())
	}
}
