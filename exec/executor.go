// Package exec abstracts the short-lived helper commands the platform runs
// (process listing, signalling, version probes) so tests can substitute
// recorded output. MCP servers themselves are started by package process,
// which needs live pipes.
package exec

import (
	"context"
	"fmt"
	"os/exec"
	"slices"
	"strings"
	"sync"
)

// CommandExecutor runs helper commands to completion.
type CommandExecutor interface {
	// Output runs a command and returns its stdout. A non-zero exit is an
	// error that carries the command's stderr.
	Output(ctx context.Context, name string, args ...string) ([]byte, error)

	// Run runs a command and discards its output.
	Run(ctx context.Context, name string, args ...string) error

	// LookPath resolves name against PATH.
	LookPath(name string) (string, error)
}

// RealExecutor executes commands using os/exec.
type RealExecutor struct{}

// NewRealExecutor returns a new RealExecutor.
func NewRealExecutor() *RealExecutor {
	return &RealExecutor{}
}

// Output runs a command and returns stdout, or an error with stderr context.
func (e *RealExecutor) Output(ctx context.Context, name string, args ...string) ([]byte, error) {
	out, err := exec.CommandContext(ctx, name, args...).Output()
	if exitErr, ok := err.(*exec.ExitError); ok && len(exitErr.Stderr) > 0 {
		return out, fmt.Errorf("%s: %w: %s", name, err, strings.TrimSpace(string(exitErr.Stderr)))
	}
	return out, err
}

// Run runs a command to completion.
func (e *RealExecutor) Run(ctx context.Context, name string, args ...string) error {
	return exec.CommandContext(ctx, name, args...).Run()
}

// LookPath resolves name against PATH.
func (e *RealExecutor) LookPath(name string) (string, error) {
	return exec.LookPath(name)
}

// MockResponse defines the response for a mocked command.
type MockResponse struct {
	Stdout []byte
	Err    error
}

// CommandMatcher is a function that determines if a command matches.
type CommandMatcher func(name string, args []string) bool

// MockCall records a command invocation for verification.
type MockCall struct {
	Name string
	Args []string
}

type mockRule struct {
	match    CommandMatcher
	response MockResponse
}

// MockExecutor returns pre-recorded responses for commands.
// Commands are matched in order of rule registration.
type MockExecutor struct {
	mu       sync.RWMutex
	rules    []mockRule
	calls    []MockCall
	paths    map[string]string
	fallback CommandExecutor
}

// NewMockExecutor creates a new MockExecutor.
// If fallback is provided, unmatched commands will be delegated to it.
func NewMockExecutor(fallback CommandExecutor) *MockExecutor {
	return &MockExecutor{
		fallback: fallback,
		paths:    make(map[string]string),
	}
}

// AddRule adds a matching rule with its response.
func (e *MockExecutor) AddRule(match CommandMatcher, response MockResponse) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.rules = append(e.rules, mockRule{match: match, response: response})
}

// AddExactMatch adds a rule that matches a specific command exactly.
func (e *MockExecutor) AddExactMatch(name string, args []string, response MockResponse) {
	e.AddRule(func(n string, a []string) bool {
		return n == name && slices.Equal(a, args)
	}, response)
}

// AddPrefixMatch adds a rule that matches commands starting with specific args.
func (e *MockExecutor) AddPrefixMatch(name string, prefixArgs []string, response MockResponse) {
	e.AddRule(func(n string, a []string) bool {
		return n == name && len(a) >= len(prefixArgs) && slices.Equal(a[:len(prefixArgs)], prefixArgs)
	}, response)
}

// AddPath makes LookPath(name) resolve to path.
func (e *MockExecutor) AddPath(name, path string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.paths[name] = path
}

// GetCalls returns all recorded command invocations.
func (e *MockExecutor) GetCalls() []MockCall {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return slices.Clone(e.calls)
}

// ClearCalls clears the recorded command invocations.
func (e *MockExecutor) ClearCalls() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls = nil
}

// respond records the call and returns the first matching response.
func (e *MockExecutor) respond(name string, args []string) (MockResponse, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls = append(e.calls, MockCall{Name: name, Args: slices.Clone(args)})

	for _, rule := range e.rules {
		if rule.match(name, args) {
			return rule.response, true
		}
	}
	return MockResponse{}, false
}

// Output returns the recorded stdout of a mocked command.
func (e *MockExecutor) Output(ctx context.Context, name string, args ...string) ([]byte, error) {
	if resp, ok := e.respond(name, args); ok {
		return resp.Stdout, resp.Err
	}
	if e.fallback != nil {
		return e.fallback.Output(ctx, name, args...)
	}
	return nil, nil
}

// Run returns the recorded error of a mocked command.
func (e *MockExecutor) Run(ctx context.Context, name string, args ...string) error {
	if resp, ok := e.respond(name, args); ok {
		return resp.Err
	}
	if e.fallback != nil {
		return e.fallback.Run(ctx, name, args...)
	}
	return nil
}

// LookPath resolves names registered with AddPath. Others go to the
// fallback, or fail with exec.ErrNotFound.
func (e *MockExecutor) LookPath(name string) (string, error) {
	e.mu.RLock()
	path, ok := e.paths[name]
	e.mu.RUnlock()
	if ok {
		return path, nil
	}
	if e.fallback != nil {
		return e.fallback.LookPath(name)
	}
	return "", &exec.Error{Name: name, Err: exec.ErrNotFound}
}

// Ensure implementations satisfy the interface.
var _ CommandExecutor = (*RealExecutor)(nil)
var _ CommandExecutor = (*MockExecutor)(nil)

// defaultExecutorMu protects defaultExecutor for concurrent access.
var defaultExecutorMu sync.RWMutex

// defaultExecutor is the global default executor (can be swapped for testing).
var defaultExecutor CommandExecutor = NewRealExecutor()

// GetDefaultExecutor returns the global default executor.
func GetDefaultExecutor() CommandExecutor {
	defaultExecutorMu.RLock()
	defer defaultExecutorMu.RUnlock()
	return defaultExecutor
}

// SetDefaultExecutor sets the global default executor and returns the
// previous one so tests can restore it.
func SetDefaultExecutor(e CommandExecutor) CommandExecutor {
	defaultExecutorMu.Lock()
	defer defaultExecutorMu.Unlock()
	prev := defaultExecutor
	defaultExecutor = e
	return prev
}
