package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/omnimcp/omnimcp-core/logger"
)

var (
	// ErrNotInitialized is returned for tool calls made before the handshake completed.
	ErrNotInitialized = errors.New("mcp: connection not initialized")

	// ErrClosed is the default failure for calls on a closed connection.
	ErrClosed = errors.New("mcp: connection closed")

	// ErrInvalidState is returned when Initialize is called twice.
	ErrInvalidState = errors.New("mcp: invalid handshake state")
)

const readChunkSize = 32 * 1024

// State is a connection's position in the handshake state machine.
type State int32

const (
	StateSpawned State = iota
	StateHandshaking
	StateInitialized
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateSpawned:
		return "spawned"
	case StateHandshaking:
		return "handshaking"
	case StateInitialized:
		return "initialized"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// NotificationHandler receives server-to-client notifications.
type NotificationHandler func(method string, params json.RawMessage)

// Conn is the client end of one MCP server's stdio stream. Requests carry ids
// from a per-connection counter; responses are routed to their waiter through
// a pending table keyed by id. Any number of calls may be in flight at once.
type Conn struct {
	w       io.Writer
	writeMu sync.Mutex

	framer *Framer
	nextID atomic.Int64
	state  atomic.Int32

	mu         sync.Mutex
	pending    map[int64]chan *Response
	closeErr   error
	done       chan struct{}
	serverInfo ServerInfo

	onNotification NotificationHandler
	log            *slog.Logger
}

// ConnOption is a functional option for configuring Conn
type ConnOption func(*Conn)

// WithLogger sets the logger used for protocol diagnostics.
func WithLogger(log *slog.Logger) ConnOption {
	return func(c *Conn) {
		c.log = log
	}
}

// WithNotificationHandler sets the callback for server notifications.
func WithNotificationHandler(fn NotificationHandler) ConnOption {
	return func(c *Conn) {
		c.onNotification = fn
	}
}

// WithMaxLineSize overrides MaxLineSize for incoming lines.
func WithMaxLineSize(n int) ConnOption {
	return func(c *Conn) {
		c.framer = NewFramer(n)
	}
}

// NewConn creates a connection that writes requests to w. Incoming bytes are
// supplied separately through ReadLoop.
func NewConn(w io.Writer, opts ...ConnOption) *Conn {
	c := &Conn{
		w:       w,
		framer:  NewFramer(MaxLineSize),
		pending: make(map[int64]chan *Response),
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.log == nil {
		c.log = logger.WithComponent("mcp")
	}
	return c
}

// State returns the current handshake state.
func (c *Conn) State() State {
	return State(c.state.Load())
}

// ServerInfo returns the identity the server reported during the handshake.
func (c *Conn) ServerInfo() ServerInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.serverInfo
}

// Done is closed once the connection is closed.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// Err returns the error the connection was closed with, or nil while open.
func (c *Conn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeErr
}

// ReadLoop consumes r until EOF or a read error, dispatching every complete
// line. It returns nil on EOF. It does not close the connection; the owner
// decides what the end of the stream means.
func (c *Conn) ReadLoop(r io.Reader) error {
	buf := make([]byte, readChunkSize)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			lines, ferr := c.framer.Feed(buf[:n])
			if ferr != nil {
				c.log.Warn("discarding oversized line", "error", ferr)
			}
			for _, line := range lines {
				c.dispatch(line)
			}
		}
		if err != nil {
			if tail := c.framer.Flush(); tail != nil {
				c.dispatch(tail)
			}
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
	}
}

func (c *Conn) dispatch(line []byte) {
	var msg message
	if err := json.Unmarshal(line, &msg); err != nil {
		c.log.Debug("ignoring non-JSON line", "line", truncate(line, 200))
		return
	}

	switch {
	case msg.Method != "" && msg.hasID():
		c.log.Debug("rejecting server request", "method", msg.Method)
		go c.replyMethodNotFound(msg.ID, msg.Method)
	case msg.Method != "":
		if c.onNotification != nil {
			c.onNotification(msg.Method, msg.Params)
		} else {
			c.log.Debug("notification received", "method", msg.Method)
		}
	case msg.hasID():
		c.deliver(&msg)
	default:
		c.log.Debug("ignoring message without id or method", "line", truncate(line, 200))
	}
}

func (c *Conn) deliver(msg *message) {
	id, err := parseID(msg.ID)
	if err != nil {
		c.log.Debug("ignoring response with unusable id", "error", err)
		return
	}

	c.mu.Lock()
	ch, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
	}
	c.mu.Unlock()

	if !ok {
		// Response to a call that already timed out or was never made.
		c.log.Debug("dropping unmatched response", "id", id)
		return
	}
	ch <- &Response{JSONRPC: msg.JSONRPC, ID: msg.ID, Result: msg.Result, Error: msg.Error}
}

func (c *Conn) replyMethodNotFound(id json.RawMessage, method string) {
	err := c.write(Response{
		JSONRPC: JSONRPCVersion,
		ID:      id,
		Error:   &RPCError{Code: CodeMethodNotFound, Message: "Method not found: " + method},
	})
	if err != nil {
		c.log.Debug("failed to reply to server request", "method", method, "error", err)
	}
}

func (c *Conn) write(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	data = append(data, '\n')

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_, err = c.w.Write(data)
	return err
}

// Call sends a request and waits for the response with the same id, for ctx
// to end, or for the connection to close. A JSON-RPC error reply is returned
// as *RPCError.
func (c *Conn) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	id := c.nextID.Add(1)
	ch := make(chan *Response, 1)

	c.mu.Lock()
	if c.closeErr != nil {
		err := c.closeErr
		c.mu.Unlock()
		return nil, err
	}
	c.pending[id] = ch
	c.mu.Unlock()

	c.log.Debug("sending request", "id", id, "method", method)

	if err := c.send(ctx, Request{JSONRPC: JSONRPCVersion, ID: id, Method: method, Params: params}); err != nil {
		c.forget(id)
		if errors.Is(err, ctx.Err()) || errors.Is(err, c.Err()) {
			return nil, err
		}
		return nil, fmt.Errorf("writing %s request: %w", method, err)
	}

	select {
	case resp := <-ch:
		return resp.unwrap()
	case <-ctx.Done():
		c.forget(id)
		return nil, ctx.Err()
	case <-c.done:
		select {
		case resp := <-ch:
			return resp.unwrap()
		default:
		}
		return nil, c.Err()
	}
}

// send writes v, giving up when ctx ends or the connection closes. A child
// that stops reading stdin would block the write forever, so it runs aside.
func (c *Conn) send(ctx context.Context, v any) error {
	written := make(chan error, 1)
	go func() {
		written <- c.write(v)
	}()

	select {
	case err := <-written:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return c.Err()
	}
}

func (r *Response) unwrap() (json.RawMessage, error) {
	if r.Error != nil {
		return nil, r.Error
	}
	return r.Result, nil
}

func (c *Conn) forget(id int64) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

// Notify sends a one-way notification, bounded by ctx.
func (c *Conn) Notify(ctx context.Context, method string, params any) error {
	if err := c.Err(); err != nil {
		return err
	}
	return c.send(ctx, Notification{JSONRPC: JSONRPCVersion, Method: method, Params: params})
}

// Initialize performs the MCP handshake: the initialize request followed by
// the initialized notification. A connection can only be initialized once;
// a failed handshake leaves it unusable for tool calls.
func (c *Conn) Initialize(ctx context.Context, info ClientInfo) (*InitializeResult, error) {
	if !c.state.CompareAndSwap(int32(StateSpawned), int32(StateHandshaking)) {
		return nil, fmt.Errorf("%w: connection is %s", ErrInvalidState, c.State())
	}

	raw, err := c.Call(ctx, MethodInitialize, InitializeParams{
		ProtocolVersion: ProtocolVersion,
		Capabilities:    DefaultClientCapabilities(),
		ClientInfo:      info,
	})
	if err != nil {
		return nil, err
	}

	var result InitializeResult
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &result); err != nil {
			return nil, fmt.Errorf("decoding initialize result: %w", err)
		}
	}

	if err := c.Notify(ctx, MethodInitialized, nil); err != nil {
		return nil, fmt.Errorf("sending initialized notification: %w", err)
	}

	c.mu.Lock()
	c.serverInfo = result.ServerInfo
	c.mu.Unlock()

	if !c.state.CompareAndSwap(int32(StateHandshaking), int32(StateInitialized)) {
		return nil, c.Err()
	}

	c.log.Info("handshake complete",
		"serverName", result.ServerInfo.Name,
		"serverVersion", result.ServerInfo.Version,
		"protocolVersion", result.ProtocolVersion)
	return &result, nil
}

// CallTool invokes tools/call and returns the raw result object.
// Arguments may be any JSON-encodable value; nil is sent as {}.
func (c *Conn) CallTool(ctx context.Context, name string, arguments any) (json.RawMessage, error) {
	if c.State() != StateInitialized {
		if err := c.Err(); err != nil {
			return nil, err
		}
		return nil, ErrNotInitialized
	}
	if arguments == nil {
		arguments = map[string]any{}
	}
	return c.Call(ctx, MethodToolsCall, ToolCallParams{Name: name, Arguments: arguments})
}

// ListTools invokes tools/list, following pagination cursors.
func (c *Conn) ListTools(ctx context.Context) ([]ToolDefinition, error) {
	if c.State() != StateInitialized {
		if err := c.Err(); err != nil {
			return nil, err
		}
		return nil, ErrNotInitialized
	}

	var tools []ToolDefinition
	params := ToolsListParams{}
	for {
		raw, err := c.Call(ctx, MethodToolsList, params)
		if err != nil {
			return nil, err
		}
		var page ToolsListResult
		if err := json.Unmarshal(raw, &page); err != nil {
			return nil, fmt.Errorf("decoding tools/list result: %w", err)
		}
		tools = append(tools, page.Tools...)
		if page.NextCursor == "" || page.NextCursor == params.Cursor {
			return tools, nil
		}
		params.Cursor = page.NextCursor
	}
}

// Close marks the connection closed and fails every pending call with err
// (ErrClosed if nil). Later calls fail with the same error. Close does not
// touch the underlying streams. Only the first call has any effect.
func (c *Conn) Close(err error) {
	if err == nil {
		err = ErrClosed
	}

	c.mu.Lock()
	if c.closeErr != nil {
		c.mu.Unlock()
		return
	}
	c.closeErr = err
	pending := len(c.pending)
	c.pending = make(map[int64]chan *Response)
	c.mu.Unlock()

	c.state.Store(int32(StateClosed))
	close(c.done)

	if pending > 0 {
		c.log.Debug("connection closed with pending calls", "pending", pending, "error", err)
	}
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
