// Package cli provides utilities for CLI tool management and validation.
package cli

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/omnimcp/omnimcp-core/config"
	"github.com/omnimcp/omnimcp-core/exec"
)

// versionTimeout bounds each "--version" probe.
const versionTimeout = 3 * time.Second

// launchers are the common commands MCP servers are started with. Only these
// are probed for a version; server binaries themselves would start serving.
var launchers = map[string]Prerequisite{
	"npx":     {Description: "Node.js package runner", InstallURL: "https://nodejs.org"},
	"node":    {Description: "Node.js", InstallURL: "https://nodejs.org"},
	"uvx":     {Description: "uv tool runner", InstallURL: "https://docs.astral.sh/uv/"},
	"uv":      {Description: "uv Python package manager", InstallURL: "https://docs.astral.sh/uv/"},
	"python":  {Description: "Python", InstallURL: "https://www.python.org/downloads/"},
	"python3": {Description: "Python 3", InstallURL: "https://www.python.org/downloads/"},
	"docker":  {Description: "Docker", InstallURL: "https://docs.docker.com/get-docker/"},
	"deno":    {Description: "Deno", InstallURL: "https://deno.com"},
	"bun":     {Description: "Bun", InstallURL: "https://bun.sh"},
}

// Prerequisite represents a command an MCP server needs to launch
type Prerequisite struct {
	Name        string   // Command name or path (e.g., "npx", "/usr/local/bin/github-mcp")
	Required    bool     // Whether an enabled server depends on it
	Description string   // Human-readable description
	InstallURL  string   // URL for installation instructions
	Servers     []string // IDs of the servers launched with this command
	probe       bool     // Whether "--version" is safe to run
}

// ServerPrerequisites returns one prerequisite per distinct server command.
// Commands used only by disabled servers are optional.
func ServerPrerequisites(servers []config.MCPServer) []Prerequisite {
	var prereqs []Prerequisite
	index := make(map[string]int)

	for _, s := range servers {
		i, ok := index[s.Command]
		if !ok {
			p := Prerequisite{Name: s.Command, Description: "MCP server command"}
			if known, ok := launchers[filepath.Base(s.Command)]; ok {
				p.Description = known.Description
				p.InstallURL = known.InstallURL
				p.probe = true
			}
			prereqs = append(prereqs, p)
			i = len(prereqs) - 1
			index[s.Command] = i
		}
		prereqs[i].Servers = append(prereqs[i].Servers, s.ID)
		if !s.Disabled {
			prereqs[i].Required = true
		}
	}
	return prereqs
}

// CheckResult contains the result of checking a prerequisite
type CheckResult struct {
	Prerequisite Prerequisite
	Found        bool
	Path         string // Path to the executable if found
	Version      string // Version string if available
	Error        error
}

// Check verifies that a command is available in PATH
func Check(prereq Prerequisite) CheckResult {
	result := CheckResult{Prerequisite: prereq}

	path, err := exec.GetDefaultExecutor().LookPath(prereq.Name)
	if err != nil {
		result.Error = fmt.Errorf("%s not found in PATH", prereq.Name)
		return result
	}

	result.Found = true
	result.Path = path

	if prereq.probe {
		result.Version = getVersion(path)
	}

	return result
}

// CheckAll verifies all prerequisites and returns results
func CheckAll(prereqs []Prerequisite) []CheckResult {
	results := make([]CheckResult, len(prereqs))
	for i, prereq := range prereqs {
		results[i] = Check(prereq)
	}
	return results
}

// ValidateRequired checks that all required prerequisites are met
// Returns nil if all required commands are found, otherwise returns an error
// describing what's missing
func ValidateRequired(prereqs []Prerequisite) error {
	var missing []string

	for _, prereq := range prereqs {
		if !prereq.Required {
			continue
		}
		if _, err := exec.GetDefaultExecutor().LookPath(prereq.Name); err != nil {
			line := fmt.Sprintf("  - %s (used by %s)", prereq.Name, strings.Join(prereq.Servers, ", "))
			if prereq.InstallURL != "" {
				line += "\n    Install: " + prereq.InstallURL
			}
			missing = append(missing, line)
		}
	}

	if len(missing) > 0 {
		return fmt.Errorf("missing server commands:\n%s", strings.Join(missing, "\n"))
	}

	return nil
}

// getVersion runs "<path> --version" and returns the first line of output
func getVersion(path string) string {
	ctx, cancel := context.WithTimeout(context.Background(), versionTimeout)
	defer cancel()

	output, err := exec.GetDefaultExecutor().Output(ctx, path, "--version")
	if err != nil {
		return ""
	}
	version, _, _ := strings.Cut(string(output), "\n")
	version = strings.TrimSpace(version)
	// Limit length to avoid overly long version strings
	if len(version) > 100 {
		version = version[:100] + "..."
	}
	return version
}

// FormatCheckResults formats check results for display
func FormatCheckResults(results []CheckResult) string {
	var sb strings.Builder

	sb.WriteString("Server commands:\n")
	for _, r := range results {
		status := "✓"
		if !r.Found {
			if r.Prerequisite.Required {
				status = "✗"
			} else {
				status = "○"
			}
		}

		sb.WriteString(fmt.Sprintf("  %s %s", status, r.Prerequisite.Name))
		if r.Found && r.Version != "" {
			sb.WriteString(fmt.Sprintf(" (%s)", r.Version))
		} else if !r.Found {
			if r.Prerequisite.Required {
				sb.WriteString(" [REQUIRED]")
			} else {
				sb.WriteString(" [disabled servers only]")
			}
		}
		if len(r.Prerequisite.Servers) > 0 {
			sb.WriteString(" - " + strings.Join(r.Prerequisite.Servers, ", "))
		}
		sb.WriteString("\n")
	}

	return sb.String()
}
