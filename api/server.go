// Package api exposes the registry over a small JSON HTTP surface. Every
// response body is an object with a "success" field; failures add "error".
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/omnimcp/omnimcp-core/config"
	"github.com/omnimcp/omnimcp-core/logger"
	"github.com/omnimcp/omnimcp-core/process"
	"github.com/omnimcp/omnimcp-core/registry"
	"github.com/omnimcp/omnimcp-core/store"
)

// maxBodySize bounds tool call request bodies.
const maxBodySize = 4 << 20

// UsageLog is the read side of the tool call log.
type UsageLog interface {
	ListToolCalls(ctx context.Context, serverID string, limit int) ([]*store.ToolCallRecord, error)
	ServerStats(ctx context.Context, serverID string) (*store.ServerStats, error)
}

// Server serves the HTTP API.
type Server struct {
	reg   *registry.Registry
	usage UsageLog
	cfg   *config.Config
	log   *slog.Logger
}

// Option configures a Server.
type Option func(*Server)

// WithConfig makes enable, disable and remove requests write through to
// cfg's file.
func WithConfig(cfg *config.Config) Option {
	return func(s *Server) { s.cfg = cfg }
}

// NewServer creates an API server. usage may be nil, in which case the
// calls endpoint reports an empty log.
func NewServer(reg *registry.Registry, usage UsageLog, opts ...Option) *Server {
	s := &Server{
		reg:   reg,
		usage: usage,
		log:   logger.WithComponent("api"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// RegisterRoutes adds the API routes to mux.
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /api/mcp", s.handleListServers)
	mux.HandleFunc("PATCH /api/mcp/{id}", s.handleUpdateServer)
	mux.HandleFunc("DELETE /api/mcp/{id}", s.handleRemoveServer)
	mux.HandleFunc("GET /api/mcp/{id}/status", s.handleStatus)
	mux.HandleFunc("GET /api/mcp/{id}/health", s.handleHealthCheck)
	mux.HandleFunc("POST /api/mcp/{id}/start", s.handleStart)
	mux.HandleFunc("DELETE /api/mcp/{id}/process", s.handleStop)
	mux.HandleFunc("GET /api/mcp/{id}/tools", s.handleListTools)
	mux.HandleFunc("POST /api/mcp/{id}/tools/{tool}", s.handleCallTool)
	mux.HandleFunc("GET /api/mcp/{id}/calls", s.handleListCalls)
	mux.HandleFunc("POST /api/tools/call", s.handleCallFunction)
}

// Handler returns a mux with every route registered.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)
	return mux
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{"success": true, "status": "ok"})
}

func (s *Server) handleListServers(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"servers": s.reg.Statuses(),
	})
}

type serverUpdate struct {
	Disabled *bool `json:"disabled"`
}

func (s *Server) handleUpdateServer(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var update serverUpdate
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodySize)).Decode(&update); err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]any{"success": false, "error": "invalid request body: " + err.Error()})
		return
	}
	if update.Disabled == nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]any{"success": false, "error": "disabled is required"})
		return
	}

	disabled := *update.Disabled
	if err := s.reg.SetDisabled(id, disabled); err != nil {
		s.writeError(w, err)
		return
	}
	if err := s.persist(func(c *config.Config) bool { return c.SetMCPServerDisabled(id, disabled) }); err != nil {
		s.writeError(w, err)
		return
	}
	s.log.Info("server updated", "serverID", id, "disabled", disabled)

	st, err := s.reg.Status(id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"success": true, "status": st})
}

func (s *Server) handleRemoveServer(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.reg.Unregister(id); err != nil {
		s.writeError(w, err)
		return
	}
	if err := s.persist(func(c *config.Config) bool { return c.RemoveMCPServer(id) }); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

// persist applies change to the config and saves it. Servers registered
// without a config entry leave the file untouched.
func (s *Server) persist(change func(*config.Config) bool) error {
	if s.cfg == nil || !change(s.cfg) {
		return nil
	}
	if err := s.cfg.Save(); err != nil {
		return fmt.Errorf("saving config: %w", err)
	}
	return nil
}

func (s *Server) handleHealthCheck(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	health := s.reg.HealthCheck(id)
	if health == registry.HealthUnknown {
		s.writeError(w, fmt.Errorf("%w: %s", registry.ErrServerNotFound, id))
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"success": true, "health": health})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	st, err := s.reg.Status(id)
	if err != nil {
		s.writeError(w, err)
		return
	}

	body := map[string]any{"success": true, "status": st}
	if s.usage != nil {
		stats, err := s.usage.ServerStats(r.Context(), id)
		if err != nil {
			s.log.Warn("failed to load server stats", "serverID", id, "error", err)
		} else {
			body["stats"] = stats
		}
	}
	s.writeJSON(w, http.StatusOK, body)
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.reg.EnsureRunning(r.Context(), id); err != nil {
		s.writeError(w, err)
		return
	}
	st, err := s.reg.Status(id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"success": true, "status": st})
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	if err := s.reg.Stop(r.PathValue("id")); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (s *Server) handleListTools(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	tools, err := s.reg.ListTools(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	server, _ := s.reg.Get(id)
	s.writeJSON(w, http.StatusOK, map[string]any{
		"success":   true,
		"tools":     tools,
		"functions": registry.ToFunctions(server, tools),
	})
}

func (s *Server) handleCallTool(w http.ResponseWriter, r *http.Request) {
	args, err := decodeArguments(r.Body)
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]any{"success": false, "error": err.Error()})
		return
	}
	resp := s.reg.CallTool(r.Context(), registry.ToolCallRequest{
		ServerID:  r.PathValue("id"),
		ToolName:  r.PathValue("tool"),
		Arguments: args,
	})
	s.writeToolResponse(w, r.PathValue("id"), resp)
}

type functionCall struct {
	Tool      string         `json:"tool"`
	Arguments map[string]any `json:"arguments"`
}

func (s *Server) handleCallFunction(w http.ResponseWriter, r *http.Request) {
	var call functionCall
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodySize)).Decode(&call); err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]any{"success": false, "error": "invalid request body: " + err.Error()})
		return
	}
	serverID, _, err := registry.ParseToolName(call.Tool)
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]any{"success": false, "error": err.Error()})
		return
	}
	s.writeToolResponse(w, serverID, s.reg.CallFunction(r.Context(), call.Tool, call.Arguments))
}

func (s *Server) handleListCalls(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, ok := s.reg.Get(id); !ok {
		s.writeError(w, fmt.Errorf("%w: %s", registry.ErrServerNotFound, id))
		return
	}

	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			s.writeJSON(w, http.StatusBadRequest, map[string]any{"success": false, "error": "invalid limit"})
			return
		}
		limit = n
	}

	calls := []*store.ToolCallRecord{}
	if s.usage != nil {
		records, err := s.usage.ListToolCalls(r.Context(), id, limit)
		if err != nil {
			s.writeError(w, err)
			return
		}
		if records != nil {
			calls = records
		}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"success": true, "calls": calls})
}

// writeToolResponse writes a tool call outcome. Unknown and inactive
// servers map to 404 and 409; every other failure is a 502 since the
// fault lies with the MCP server.
func (s *Server) writeToolResponse(w http.ResponseWriter, serverID string, resp registry.ToolCallResponse) {
	if resp.Success {
		s.writeJSON(w, http.StatusOK, map[string]any{
			"success": true,
			"result":  resp.Result,
			"text":    registry.FormatToolResult(resp.Result),
		})
		return
	}

	status := http.StatusBadGateway
	switch st, err := s.reg.Status(serverID); {
	case err != nil:
		status = http.StatusNotFound
	case st.Disabled:
		status = http.StatusConflict
	}
	s.writeJSON(w, status, resp)
}

func decodeArguments(body io.Reader) (map[string]any, error) {
	data, err := io.ReadAll(io.LimitReader(body, maxBodySize))
	if err != nil {
		return nil, fmt.Errorf("reading request body: %w", err)
	}
	if len(data) == 0 {
		return nil, nil
	}
	var args map[string]any
	if err := json.Unmarshal(data, &args); err != nil {
		return nil, fmt.Errorf("arguments must be a JSON object: %w", err)
	}
	return args, nil
}

// statusFor maps registry and supervisor errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, registry.ErrServerNotFound):
		return http.StatusNotFound
	case errors.Is(err, registry.ErrServerInactive):
		return http.StatusConflict
	case errors.Is(err, process.ErrHandshakeTimeout), errors.Is(err, process.ErrCallTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, process.ErrProcessExited), errors.Is(err, process.ErrNotRunning):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.log.Error("request failed", "error", err)
	}
	s.writeJSON(w, status, map[string]any{"success": false, "error": err.Error()})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Error("failed to encode response", "error", err)
	}
}
