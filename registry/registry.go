// Package registry is the platform's catalog of hosted MCP servers. It sits
// on top of the process supervisor: a tool call against a registered server
// starts the server on demand, runs the call and records its outcome in the
// usage log.
package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/omnimcp/omnimcp-core/config"
	"github.com/omnimcp/omnimcp-core/logger"
	"github.com/omnimcp/omnimcp-core/mcp"
	"github.com/omnimcp/omnimcp-core/process"
	"github.com/omnimcp/omnimcp-core/store"
)

var (
	// ErrServerNotFound is returned for ids that were never registered.
	ErrServerNotFound = errors.New("server not found")

	// ErrServerInactive is returned for registered servers that are disabled.
	ErrServerInactive = errors.New("server is not active")
)

// Supervisor is the subset of *process.Supervisor the registry drives.
type Supervisor interface {
	Spawn(ctx context.Context, cfg process.Config) error
	Stop(id string) error
	IsRunning(id string) bool
	Info(id string) (process.Info, error)
	WaitReady(ctx context.Context, id string) error
	CallTool(ctx context.Context, id, tool string, arguments any) (json.RawMessage, error)
	ListTools(ctx context.Context, id string) ([]mcp.ToolDefinition, error)
}

// Recorder receives one record per tool call routed through the registry.
type Recorder interface {
	RecordToolCall(ctx context.Context, r *store.ToolCallRecord) error
}

// Health is the result of HealthCheck.
type Health string

const (
	HealthHealthy   Health = "healthy"   // Running and initialized
	HealthUnhealthy Health = "unhealthy" // Registered but not running or not initialized
	HealthUnknown   Health = "unknown"   // Not registered
)

// ToolCallRequest names a tool on a registered server.
type ToolCallRequest struct {
	ServerID  string         `json:"serverId"`
	ToolName  string         `json:"toolName"`
	Arguments map[string]any `json:"arguments,omitempty"`
}

// ToolCallResponse is the outcome of CallTool. Failures are reported in
// Error rather than returned as Go errors.
type ToolCallResponse struct {
	Success bool            `json:"success"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// Option configures a Registry.
type Option func(*Registry)

// WithRecorder sets the usage log that receives tool call records.
func WithRecorder(rec Recorder) Option {
	return func(r *Registry) {
		r.rec = rec
	}
}

// WithLogger sets the registry's logger.
func WithLogger(log *slog.Logger) Option {
	return func(r *Registry) {
		r.log = log
	}
}

// Registry maps server ids to their configuration and routes tool calls.
type Registry struct {
	sup Supervisor
	rec Recorder
	log *slog.Logger

	mu      sync.RWMutex
	servers map[string]config.MCPServer

	spawns singleflight.Group
}

// New creates an empty registry driving sup.
func New(sup Supervisor, opts ...Option) *Registry {
	r := &Registry{
		sup:     sup,
		servers: make(map[string]config.MCPServer),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.log == nil {
		r.log = logger.WithComponent("registry")
	}
	return r
}

// LoadConfig registers every server in cfg.
func (r *Registry) LoadConfig(cfg *config.Config) error {
	for _, server := range cfg.GetMCPServers() {
		if err := r.Register(server); err != nil {
			return err
		}
	}
	return nil
}

// Register adds or replaces a server. A running process keeps running with
// its previous configuration until it is stopped.
func (r *Registry) Register(server config.MCPServer) error {
	if err := server.Validate(); err != nil {
		return err
	}

	r.mu.Lock()
	_, replaced := r.servers[server.ID]
	r.servers[server.ID] = server
	r.mu.Unlock()

	r.log.Info("registered server", "serverID", server.ID, "command", server.Command, "replaced", replaced)
	return nil
}

// Unregister removes a server and stops its process if one is running.
func (r *Registry) Unregister(id string) error {
	r.mu.Lock()
	_, ok := r.servers[id]
	delete(r.servers, id)
	r.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: %s", ErrServerNotFound, id)
	}

	r.log.Info("unregistered server", "serverID", id)
	return r.sup.Stop(id)
}

// Get returns the registered configuration for id.
func (r *Registry) Get(id string) (config.MCPServer, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.servers[id]
	return s, ok
}

// List returns all registered servers ordered by id.
func (r *Registry) List() []config.MCPServer {
	r.mu.RLock()
	out := make([]config.MCPServer, 0, len(r.servers))
	for _, s := range r.servers {
		out = append(out, s)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// SetDisabled marks a server inactive (or active again). Disabling does not
// stop a running process.
func (r *Registry) SetDisabled(id string, disabled bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.servers[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrServerNotFound, id)
	}
	s.Disabled = disabled
	r.servers[id] = s
	return nil
}

// active returns the configuration of a registered, enabled server.
func (r *Registry) active(id string) (config.MCPServer, error) {
	s, ok := r.Get(id)
	if !ok {
		return s, fmt.Errorf("%w: %s", ErrServerNotFound, id)
	}
	if s.Disabled {
		return s, fmt.Errorf("%w: %s", ErrServerInactive, id)
	}
	return s, nil
}

// EnsureRunning returns once the server is running and has completed its
// handshake, starting it if needed. Concurrent callers for one id share a
// single spawn, and callers arriving mid-handshake wait for it.
func (r *Registry) EnsureRunning(ctx context.Context, id string) error {
	server, err := r.active(id)
	if err != nil {
		return err
	}
	if info, err := r.sup.Info(id); err == nil && info.Initialized {
		return nil
	}

	_, err, shared := r.spawns.Do(id, func() (any, error) {
		if r.sup.IsRunning(id) {
			return nil, r.sup.WaitReady(ctx, id)
		}
		r.log.Info("starting server on demand", "serverID", id)
		err := r.sup.Spawn(ctx, process.ConfigFromServer(server))
		if errors.Is(err, process.ErrAlreadyRunning) {
			// Started directly through the supervisor in the meantime.
			return nil, r.sup.WaitReady(ctx, id)
		}
		return nil, err
	})
	if shared {
		r.log.Debug("joined in-flight spawn", "serverID", id)
	}
	return err
}

// Stop stops the server's process. It is a no-op for servers that are not
// running.
func (r *Registry) Stop(id string) error {
	if _, ok := r.Get(id); !ok {
		return fmt.Errorf("%w: %s", ErrServerNotFound, id)
	}
	return r.sup.Stop(id)
}

// CallTool routes req to its server, starting the server when needed.
// Every call that reaches a registered server is recorded.
func (r *Registry) CallTool(ctx context.Context, req ToolCallRequest) ToolCallResponse {
	if _, err := r.active(req.ServerID); err != nil {
		return ToolCallResponse{Error: err.Error()}
	}

	start := time.Now()
	result, err := r.callTool(ctx, req)
	r.record(ctx, req, time.Since(start), err)

	if err != nil {
		r.log.Warn("tool call failed", "serverID", req.ServerID, "tool", req.ToolName, "error", err)
		return ToolCallResponse{Error: err.Error()}
	}
	return ToolCallResponse{Success: true, Result: result}
}

func (r *Registry) callTool(ctx context.Context, req ToolCallRequest) (json.RawMessage, error) {
	if req.ToolName == "" {
		return nil, errors.New("tool name is required")
	}
	if err := r.EnsureRunning(ctx, req.ServerID); err != nil {
		return nil, err
	}

	var args any
	if req.Arguments != nil {
		args = req.Arguments
	}
	return r.sup.CallTool(ctx, req.ServerID, req.ToolName, args)
}

func (r *Registry) record(ctx context.Context, req ToolCallRequest, d time.Duration, callErr error) {
	if r.rec == nil {
		return
	}
	rec := &store.ToolCallRecord{
		ServerID: req.ServerID,
		ToolName: req.ToolName,
		Status:   store.StatusSuccess,
		Duration: d,
	}
	if callErr != nil {
		rec.Status = store.StatusError
		rec.Error = callErr.Error()
	}
	if rec.ToolName == "" {
		rec.ToolName = "(none)"
	}
	// The caller's context may already be done; the record is still wanted.
	if err := r.rec.RecordToolCall(context.WithoutCancel(ctx), rec); err != nil {
		r.log.Warn("failed to record tool call", "serverID", req.ServerID, "error", err)
	}
}

// ListTools returns the tools advertised by a server, starting it if needed.
func (r *Registry) ListTools(ctx context.Context, id string) ([]mcp.ToolDefinition, error) {
	if err := r.EnsureRunning(ctx, id); err != nil {
		return nil, err
	}
	return r.sup.ListTools(ctx, id)
}

// HealthCheck reports whether the server is running and initialized.
func (r *Registry) HealthCheck(id string) Health {
	if _, ok := r.Get(id); !ok {
		return HealthUnknown
	}
	info, err := r.sup.Info(id)
	if err != nil || !info.Initialized {
		return HealthUnhealthy
	}
	return HealthHealthy
}

// Status describes a registered server and its process, if any. Only the
// names of environment overrides are exposed since values are often tokens.
type Status struct {
	ID          string        `json:"id"`
	Name        string        `json:"name"`
	Description string        `json:"description,omitempty"`
	Command     string        `json:"command"`
	Args        []string      `json:"args,omitempty"`
	EnvNames    []string      `json:"env,omitempty"`
	Disabled    bool          `json:"disabled"`
	Running     bool          `json:"running"`
	Health      Health        `json:"health"`
	Process     *process.Info `json:"process,omitempty"`
}

// Status returns the registration and process state of id.
func (r *Registry) Status(id string) (Status, error) {
	server, ok := r.Get(id)
	if !ok {
		return Status{}, fmt.Errorf("%w: %s", ErrServerNotFound, id)
	}
	st := Status{
		ID:          server.ID,
		Name:        server.DisplayName(),
		Description: server.Description,
		Command:     server.Command,
		Args:        server.Args,
		EnvNames:    server.EnvNames(),
		Disabled:    server.Disabled,
		Health:      HealthUnhealthy,
	}
	if info, err := r.sup.Info(id); err == nil {
		st.Running = true
		st.Process = &info
		if info.Initialized {
			st.Health = HealthHealthy
		}
	}
	return st, nil
}

// Statuses returns Status for every registered server ordered by id.
func (r *Registry) Statuses() []Status {
	servers := r.List()
	out := make([]Status, 0, len(servers))
	for _, s := range servers {
		if st, err := r.Status(s.ID); err == nil {
			out = append(out, st)
		}
	}
	return out
}
