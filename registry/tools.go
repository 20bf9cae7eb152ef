package registry

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/omnimcp/omnimcp-core/config"
	"github.com/omnimcp/omnimcp-core/mcp"
)

// ErrInvalidToolName is returned by ParseToolName for names without a
// server and tool part.
var ErrInvalidToolName = errors.New("invalid tool name format")

// emptySchema is used for tools that advertise no input schema.
var emptySchema = json.RawMessage(`{"type":"object","properties":{}}`)

// Function is a tool in the function-calling format handed to LLM providers.
type Function struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`
	ServerID    string          `json:"serverId"`
	ToolName    string          `json:"toolName"`
}

// NamespacedToolName joins a server id and a tool name ("github__create_issue").
func NamespacedToolName(serverID, tool string) string {
	return serverID + config.ToolNameSeparator + tool
}

// ParseToolName splits a namespaced tool name back into server id and tool
// name. Server ids never contain the separator, so the tool name is
// everything after its first occurrence.
func ParseToolName(name string) (serverID, tool string, err error) {
	serverID, tool, ok := strings.Cut(name, config.ToolNameSeparator)
	if !ok || serverID == "" || tool == "" {
		return "", "", fmt.Errorf("%w: %q", ErrInvalidToolName, name)
	}
	return serverID, tool, nil
}

// FormatToolResult renders a tools/call result for an LLM. Text content
// items are joined with newlines; anything else is indented JSON.
func FormatToolResult(raw json.RawMessage) string {
	if len(bytes.TrimSpace(raw)) == 0 {
		return ""
	}

	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}

	if result, err := mcp.DecodeToolCallResult(raw); err == nil && len(result.Content) > 0 {
		var texts []string
		allText := true
		for _, item := range result.Content {
			if item.Type != "text" {
				allText = false
				break
			}
			texts = append(texts, item.Text)
		}
		if allText {
			return strings.Join(texts, "\n")
		}
	}

	var buf bytes.Buffer
	if err := json.Indent(&buf, raw, "", "  "); err != nil {
		return string(raw)
	}
	return buf.String()
}

// ToFunctions converts one server's tools into functions named
// "<server>__<tool>" with a "[<server name>]" description prefix.
func ToFunctions(server config.MCPServer, tools []mcp.ToolDefinition) []Function {
	fns := make([]Function, 0, len(tools))
	for _, t := range tools {
		params := t.InputSchema
		if len(bytes.TrimSpace(params)) == 0 || string(params) == "null" {
			params = emptySchema
		}
		fns = append(fns, Function{
			Name:        NamespacedToolName(server.ID, t.Name),
			Description: fmt.Sprintf("[%s] %s", server.DisplayName(), t.Description),
			Parameters:  params,
			ServerID:    server.ID,
			ToolName:    t.Name,
		})
	}
	return fns
}

// BuildFunctions lists the tools of the given servers (all enabled servers
// when ids is empty) and converts them to functions. Servers that fail to
// start or list are skipped; their errors are joined into the returned error
// alongside the functions that were built.
func (r *Registry) BuildFunctions(ctx context.Context, ids []string) ([]Function, error) {
	if len(ids) == 0 {
		for _, s := range r.List() {
			if !s.Disabled {
				ids = append(ids, s.ID)
			}
		}
	}

	var (
		fns  []Function
		errs []error
	)
	for _, id := range ids {
		server, err := r.active(id)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		tools, err := r.ListTools(ctx, id)
		if err != nil {
			r.log.Warn("skipping server while building functions", "serverID", id, "error", err)
			errs = append(errs, fmt.Errorf("listing tools of %s: %w", id, err))
			continue
		}
		fns = append(fns, ToFunctions(server, tools)...)
	}
	return fns, errors.Join(errs...)
}

// CallFunction runs a function call produced from BuildFunctions output.
func (r *Registry) CallFunction(ctx context.Context, name string, arguments map[string]any) ToolCallResponse {
	serverID, tool, err := ParseToolName(name)
	if err != nil {
		return ToolCallResponse{Error: err.Error()}
	}
	return r.CallTool(ctx, ToolCallRequest{ServerID: serverID, ToolName: tool, Arguments: arguments})
}
