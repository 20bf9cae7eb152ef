package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/omnimcp/omnimcp-core/config"
	"github.com/omnimcp/omnimcp-core/logger"
	"github.com/omnimcp/omnimcp-core/mcp"
	"github.com/omnimcp/omnimcp-core/mcp/mcptest"
	"github.com/omnimcp/omnimcp-core/process"
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

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

// stubServer returns a server entry that re-executes the test binary as a
// stub MCP server.
func stubServer(t *testing.T, id, mode string) config.MCPServer {
	t.Helper()
	exe, err := os.Executable()
	require.NoError(t, err)
	if mode == "" {
		mode = "default"
	}
	return config.MCPServer{
		ID:          id,
		Name:        "Stub " + id,
		Description: "stub server",
		Command:     exe,
		Args:        []string{"-test.run=^$"},
		Env:         map[string]string{mcptest.EnvMode: mode},
	}
}

func newSupervisor(t *testing.T) *process.Supervisor {
	t.Helper()
	sup := process.New(process.Options{
		SettleDelay:      0,
		HandshakeTimeout: 5 * time.Second,
		CallTimeout:      5 * time.Second,
		StopTimeout:      2 * time.Second,
		Logger:           discard,
	})
	t.Cleanup(func() { _ = sup.StopAll() })
	return sup
}

func newStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	st, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "usage.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func ctxTimeout(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// fakeProc mirrors a managed process: tracked from the start of Spawn,
// usable only once its handshake is done.
type fakeProc struct {
	initialized bool
	ready       chan struct{}
	gone        chan struct{}
}

// fakeSupervisor records spawns without starting processes. Like the real
// supervisor it tracks a server for the whole of Spawn, so IsRunning is true
// while the handshake is still pending.
type fakeSupervisor struct {
	mu         sync.Mutex
	procs      map[string]*fakeProc
	spawns     atomic.Int32
	spawnDelay time.Duration
	spawnErr   error
}

func newFakeSupervisor() *fakeSupervisor {
	return &fakeSupervisor{procs: make(map[string]*fakeProc)}
}

func (f *fakeSupervisor) Spawn(ctx context.Context, cfg process.Config) error {
	f.mu.Lock()
	if _, ok := f.procs[cfg.ID]; ok {
		f.mu.Unlock()
		return fmt.Errorf("%w: %s", process.ErrAlreadyRunning, cfg.ID)
	}
	f.spawns.Add(1)
	p := &fakeProc{ready: make(chan struct{}), gone: make(chan struct{})}
	f.procs[cfg.ID] = p
	f.mu.Unlock()

	time.Sleep(f.spawnDelay)

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.spawnErr != nil {
		if f.procs[cfg.ID] == p {
			delete(f.procs, cfg.ID)
		}
		close(p.gone)
		return f.spawnErr
	}
	p.initialized = true
	close(p.ready)
	return nil
}

func (f *fakeSupervisor) Stop(id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if p, ok := f.procs[id]; ok {
		delete(f.procs, id)
		close(p.gone)
	}
	return nil
}

func (f *fakeSupervisor) IsRunning(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.procs[id]
	return ok
}

func (f *fakeSupervisor) lookup(id string) (*fakeProc, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.procs[id]
	if !ok {
		return nil, false, fmt.Errorf("%w: %s", process.ErrNotRunning, id)
	}
	return p, p.initialized, nil
}

func (f *fakeSupervisor) Info(id string) (process.Info, error) {
	_, initialized, err := f.lookup(id)
	if err != nil {
		return process.Info{}, err
	}
	state := mcp.StateHandshaking
	if initialized {
		state = mcp.StateInitialized
	}
	return process.Info{ID: id, Initialized: initialized, State: state.String()}, nil
}

func (f *fakeSupervisor) WaitReady(ctx context.Context, id string) error {
	p, _, err := f.lookup(id)
	if err != nil {
		return err
	}
	select {
	case <-p.ready:
		return nil
	case <-p.gone:
		return fmt.Errorf("%w: %s", process.ErrProcessExited, id)
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (f *fakeSupervisor) CallTool(ctx context.Context, id, tool string, arguments any) (json.RawMessage, error) {
	_, initialized, err := f.lookup(id)
	if err != nil {
		return nil, err
	}
	if !initialized {
		return nil, process.ErrNotInitialized
	}
	return json.RawMessage(`{"content":[{"type":"text","text":"ok"}]}`), nil
}

func (f *fakeSupervisor) ListTools(ctx context.Context, id string) ([]mcp.ToolDefinition, error) {
	_, initialized, err := f.lookup(id)
	if err != nil {
		return nil, err
	}
	if !initialized {
		return nil, process.ErrNotInitialized
	}
	return []mcp.ToolDefinition{{Name: "ping", Description: "Ping"}}, nil
}

// failingRecorder always fails.
type failingRecorder struct{ calls atomic.Int32 }

func (f *failingRecorder) RecordToolCall(ctx context.Context, r *store.ToolCallRecord) error {
	f.calls.Add(1)
	return errors.New("disk full")
}

func TestRegistry_RegisterGetList(t *testing.T) {
	r := New(newFakeSupervisor(), WithLogger(discard))

	require.NoError(t, r.Register(config.MCPServer{ID: "slack", Command: "slack-mcp"}))
	require.NoError(t, r.Register(config.MCPServer{ID: "github", Command: "gh-mcp"}))
	require.NoError(t, r.Register(config.MCPServer{ID: "github", Command: "gh-mcp-v2"}))

	got, ok := r.Get("github")
	require.True(t, ok)
	assert.Equal(t, "gh-mcp-v2", got.Command)

	_, ok = r.Get("missing")
	assert.False(t, ok)

	list := r.List()
	require.Len(t, list, 2)
	assert.Equal(t, "github", list[0].ID)
	assert.Equal(t, "slack", list[1].ID)
}

func TestRegistry_RegisterInvalid(t *testing.T) {
	r := New(newFakeSupervisor(), WithLogger(discard))

	assert.Error(t, r.Register(config.MCPServer{ID: "", Command: "x"}))
	assert.Error(t, r.Register(config.MCPServer{ID: "a__b", Command: "x"}))
	assert.Error(t, r.Register(config.MCPServer{ID: "ok"}))
	assert.Empty(t, r.List())
}

func TestRegistry_LoadConfig(t *testing.T) {
	cfg := config.Default()
	cfg.AddMCPServer(config.MCPServer{ID: "github", Command: "gh-mcp"})
	cfg.AddMCPServer(config.MCPServer{ID: "slack", Command: "slack-mcp", Disabled: true})

	r := New(newFakeSupervisor(), WithLogger(discard))
	require.NoError(t, r.LoadConfig(cfg))
	assert.Len(t, r.List(), 2)
}

func TestRegistry_Unregister(t *testing.T) {
	sup := newFakeSupervisor()
	r := New(sup, WithLogger(discard))
	require.NoError(t, r.Register(config.MCPServer{ID: "github", Command: "gh-mcp"}))
	require.NoError(t, r.EnsureRunning(context.Background(), "github"))
	require.True(t, sup.IsRunning("github"))

	require.NoError(t, r.Unregister("github"))
	assert.False(t, sup.IsRunning("github"))
	_, ok := r.Get("github")
	assert.False(t, ok)

	assert.ErrorIs(t, r.Unregister("github"), ErrServerNotFound)
}

func TestRegistry_CallTool_ServerNotFound(t *testing.T) {
	r := New(newFakeSupervisor(), WithLogger(discard))

	resp := r.CallTool(context.Background(), ToolCallRequest{ServerID: "nope", ToolName: "x"})
	assert.False(t, resp.Success)
	assert.Equal(t, "server not found: nope", resp.Error)
}

func TestRegistry_CallTool_Disabled(t *testing.T) {
	sup := newFakeSupervisor()
	r := New(sup, WithLogger(discard))
	require.NoError(t, r.Register(config.MCPServer{ID: "github", Command: "gh-mcp", Disabled: true}))

	resp := r.CallTool(context.Background(), ToolCallRequest{ServerID: "github", ToolName: "x"})
	assert.False(t, resp.Success)
	assert.Equal(t, "server is not active: github", resp.Error)
	assert.Equal(t, int32(0), sup.spawns.Load())

	require.NoError(t, r.SetDisabled("github", false))
	resp = r.CallTool(context.Background(), ToolCallRequest{ServerID: "github", ToolName: "x"})
	assert.True(t, resp.Success, resp.Error)

	assert.ErrorIs(t, r.SetDisabled("missing", true), ErrServerNotFound)
}

func TestRegistry_CallTool_MissingToolName(t *testing.T) {
	sup := newFakeSupervisor()
	st := newStore(t)
	r := New(sup, WithLogger(discard), WithRecorder(st))
	require.NoError(t, r.Register(config.MCPServer{ID: "github", Command: "gh-mcp"}))

	resp := r.CallTool(context.Background(), ToolCallRequest{ServerID: "github"})
	assert.False(t, resp.Success)
	assert.Contains(t, resp.Error, "tool name is required")
	assert.Equal(t, int32(0), sup.spawns.Load())

	records, err := st.ListToolCalls(context.Background(), "github", 10)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, store.StatusError, records[0].Status)
}

func TestRegistry_CallTool_SpawnFailure(t *testing.T) {
	sup := newFakeSupervisor()
	sup.spawnErr = errors.New("exec: not found")
	r := New(sup, WithLogger(discard))
	require.NoError(t, r.Register(config.MCPServer{ID: "github", Command: "gh-mcp"}))

	resp := r.CallTool(context.Background(), ToolCallRequest{ServerID: "github", ToolName: "x"})
	assert.False(t, resp.Success)
	assert.Contains(t, resp.Error, "exec: not found")
}

func TestRegistry_ConcurrentCallsShareOneSpawn(t *testing.T) {
	sup := newFakeSupervisor()
	sup.spawnDelay = 100 * time.Millisecond
	r := New(sup, WithLogger(discard))
	require.NoError(t, r.Register(config.MCPServer{ID: "github", Command: "gh-mcp"}))

	var wg sync.WaitGroup
	responses := make([]ToolCallResponse, 10)
	for i := range responses {
		wg.Add(1)
		go func() {
			defer wg.Done()
			responses[i] = r.CallTool(context.Background(), ToolCallRequest{ServerID: "github", ToolName: "ping"})
		}()
	}
	wg.Wait()

	for i, resp := range responses {
		assert.True(t, resp.Success, "response %d: %s", i, resp.Error)
	}
	assert.Equal(t, int32(1), sup.spawns.Load())
}

func TestRegistry_CallDuringHandshakeWaitsForSpawn(t *testing.T) {
	sup := process.New(process.Options{
		SettleDelay:      300 * time.Millisecond,
		HandshakeTimeout: 5 * time.Second,
		CallTimeout:      5 * time.Second,
		Logger:           discard,
	})
	t.Cleanup(func() { _ = sup.StopAll() })

	r := New(sup, WithLogger(discard))
	require.NoError(t, r.Register(stubServer(t, "echo", "")))

	req := ToolCallRequest{ServerID: "echo", ToolName: "echo", Arguments: map[string]any{"x": 1}}
	first := make(chan ToolCallResponse, 1)
	go func() {
		first <- r.CallTool(ctxTimeout(t), req)
	}()

	// The first call's process is tracked but still settling.
	require.Eventually(t, func() bool { return sup.IsRunning("echo") }, 5*time.Second, 5*time.Millisecond)
	second := r.CallTool(ctxTimeout(t), req)

	assert.True(t, second.Success, "second call: %s", second.Error)
	resp := <-first
	assert.True(t, resp.Success, "first call: %s", resp.Error)
}

func TestRegistry_EnsureRunning_SpawnFailureReachesWaiters(t *testing.T) {
	sup := newFakeSupervisor()
	sup.spawnDelay = 100 * time.Millisecond
	sup.spawnErr = errors.New("handshake timed out")
	r := New(sup, WithLogger(discard))
	require.NoError(t, r.Register(config.MCPServer{ID: "github", Command: "gh-mcp"}))

	var wg sync.WaitGroup
	errs := make([]error, 5)
	for i := range errs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[i] = r.EnsureRunning(context.Background(), "github")
		}()
	}
	wg.Wait()

	for i, err := range errs {
		assert.Error(t, err, "caller %d", i)
	}
	assert.False(t, sup.IsRunning("github"))
}

func TestRegistry_RecorderFailureDoesNotFailCall(t *testing.T) {
	rec := &failingRecorder{}
	r := New(newFakeSupervisor(), WithLogger(discard), WithRecorder(rec))
	require.NoError(t, r.Register(config.MCPServer{ID: "github", Command: "gh-mcp"}))

	resp := r.CallTool(context.Background(), ToolCallRequest{ServerID: "github", ToolName: "ping"})
	assert.True(t, resp.Success)
	assert.Equal(t, int32(1), rec.calls.Load())
}

func TestRegistry_HealthCheck(t *testing.T) {
	sup := newFakeSupervisor()
	r := New(sup, WithLogger(discard))
	require.NoError(t, r.Register(config.MCPServer{ID: "github", Command: "gh-mcp"}))

	assert.Equal(t, HealthUnknown, r.HealthCheck("missing"))
	assert.Equal(t, HealthUnhealthy, r.HealthCheck("github"))

	require.NoError(t, r.EnsureRunning(context.Background(), "github"))
	assert.Equal(t, HealthHealthy, r.HealthCheck("github"))
}

func TestRegistry_Status(t *testing.T) {
	sup := newFakeSupervisor()
	r := New(sup, WithLogger(discard))
	require.NoError(t, r.Register(config.MCPServer{
		ID:      "github",
		Command: "gh-mcp",
		Env:     map[string]string{"GITHUB_TOKEN": "secret", "A": "b"},
	}))

	st, err := r.Status("github")
	require.NoError(t, err)
	assert.Equal(t, "github", st.Name)
	assert.False(t, st.Running)
	assert.Nil(t, st.Process)
	assert.Equal(t, []string{"A", "GITHUB_TOKEN"}, st.EnvNames)

	data, err := json.Marshal(st)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "secret")

	require.NoError(t, r.EnsureRunning(context.Background(), "github"))
	statuses := r.Statuses()
	require.Len(t, statuses, 1)
	assert.True(t, statuses[0].Running)
	assert.Equal(t, HealthHealthy, statuses[0].Health)

	_, err = r.Status("missing")
	assert.ErrorIs(t, err, ErrServerNotFound)
}

func TestRegistry_Stop(t *testing.T) {
	sup := newFakeSupervisor()
	r := New(sup, WithLogger(discard))
	require.NoError(t, r.Register(config.MCPServer{ID: "github", Command: "gh-mcp"}))
	require.NoError(t, r.EnsureRunning(context.Background(), "github"))

	require.NoError(t, r.Stop("github"))
	assert.False(t, sup.IsRunning("github"))
	require.NoError(t, r.Stop("github"))
	assert.ErrorIs(t, r.Stop("missing"), ErrServerNotFound)
}

func TestRegistry_CallTool_RealProcess(t *testing.T) {
	sup := newSupervisor(t)
	st := newStore(t)
	r := New(sup, WithLogger(discard), WithRecorder(st))
	require.NoError(t, r.Register(stubServer(t, "stub", "")))
	ctx := ctxTimeout(t)

	assert.False(t, sup.IsRunning("stub"))

	resp := r.CallTool(ctx, ToolCallRequest{ServerID: "stub", ToolName: "echo", Arguments: map[string]any{"x": "hello"}})
	require.True(t, resp.Success, resp.Error)
	assert.Equal(t, `"hello"`, FormatToolResult(resp.Result))
	assert.True(t, sup.IsRunning("stub"))
	assert.Equal(t, HealthHealthy, r.HealthCheck("stub"))

	resp = r.CallTool(ctx, ToolCallRequest{ServerID: "stub", ToolName: "fail"})
	assert.False(t, resp.Success)
	assert.Contains(t, resp.Error, "tool failed")

	stats, err := st.ServerStats(ctx, "stub")
	require.NoError(t, err)
	assert.Equal(t, int64(2), stats.RequestCount)
	assert.Equal(t, int64(1), stats.ErrorCount)

	records, err := st.ListToolCalls(ctx, "stub", 10)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "fail", records[0].ToolName)
	assert.Contains(t, records[0].Error, "tool failed")
	assert.Equal(t, "echo", records[1].ToolName)

	require.NoError(t, r.Unregister("stub"))
	assert.False(t, sup.IsRunning("stub"))
}

func TestRegistry_BuildFunctions_RealProcess(t *testing.T) {
	sup := newSupervisor(t)
	r := New(sup, WithLogger(discard))
	require.NoError(t, r.Register(stubServer(t, "stub", "")))
	require.NoError(t, r.Register(config.MCPServer{ID: "off", Command: "unused", Disabled: true}))
	ctx := ctxTimeout(t)

	fns, err := r.BuildFunctions(ctx, nil)
	require.NoError(t, err)
	require.Len(t, fns, 3)

	byName := make(map[string]Function)
	for _, fn := range fns {
		byName[fn.Name] = fn
	}
	echo, ok := byName["stub__echo"]
	require.True(t, ok, "functions: %+v", fns)
	assert.Equal(t, "[Stub stub] Echo argument x", echo.Description)
	assert.Equal(t, "stub", echo.ServerID)
	assert.Equal(t, "echo", echo.ToolName)
	assert.Contains(t, string(echo.Parameters), `"required"`)

	resp := r.CallFunction(ctx, echo.Name, map[string]any{"x": 7})
	require.True(t, resp.Success, resp.Error)
	assert.Equal(t, "7", FormatToolResult(resp.Result))
}

func TestRegistry_BuildFunctions_PartialFailure(t *testing.T) {
	sup := newSupervisor(t)
	r := New(sup, WithLogger(discard))
	require.NoError(t, r.Register(stubServer(t, "stub", "")))
	require.NoError(t, r.Register(config.MCPServer{ID: "broken", Command: filepath.Join(t.TempDir(), "does-not-exist")}))
	ctx := ctxTimeout(t)

	fns, err := r.BuildFunctions(ctx, []string{"stub", "broken", "missing"})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrServerNotFound)
	assert.Contains(t, err.Error(), "broken")
	assert.Len(t, fns, 3)
}
