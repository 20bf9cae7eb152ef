package process

import (
	"errors"

	"github.com/omnimcp/omnimcp-core/mcp"
)

var (
	// ErrAlreadyRunning is returned by Spawn when the id is already tracked.
	ErrAlreadyRunning = errors.New("process already running")

	// ErrNotRunning is returned for operations on an id the supervisor does not track.
	ErrNotRunning = errors.New("process not running")

	// ErrNotInitialized is returned for tool calls made before the handshake completed.
	ErrNotInitialized = mcp.ErrNotInitialized

	// ErrHandshakeTimeout is returned by Spawn when initialize is not answered in time.
	ErrHandshakeTimeout = errors.New("handshake timed out")

	// ErrCallTimeout is returned when a tool call is not answered in time.
	// The process stays tracked.
	ErrCallTimeout = errors.New("tool call timed out")

	// ErrProcessExited is returned to calls in flight when the process exits on its own.
	ErrProcessExited = errors.New("process exited unexpectedly")
)
