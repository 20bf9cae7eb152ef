// Package process supervises MCP server child processes: one process per
// server id, spawned on demand, handshaken, and terminated on request or
// observed when it exits on its own.
package process

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"slices"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/omnimcp/omnimcp-core/config"
	"github.com/omnimcp/omnimcp-core/logger"
	"github.com/omnimcp/omnimcp-core/mcp"
)

// outputDrainTimeout bounds how long the exit observer waits for stdout and
// stderr to reach EOF after the process is reaped. Grandchildren that inherit
// the pipes can otherwise hold them open indefinitely.
const outputDrainTimeout = time.Second

// Options configures a Supervisor.
type Options struct {
	SettleDelay      time.Duration  // Pause between start and handshake
	HandshakeTimeout time.Duration  // Deadline for the initialize response
	CallTimeout      time.Duration  // Deadline for each tool call
	StopTimeout      time.Duration  // Grace period between SIGTERM and SIGKILL
	ClientInfo       mcp.ClientInfo // Identity sent in initialize

	// OnExit is called after a process that was not being stopped exits and
	// has been removed from the table.
	OnExit func(id string, err error)

	// StderrLogPath, when set, names a file that receives each server's stderr.
	StderrLogPath func(id string) (string, error)

	// PIDDir, when set, receives one PID file per running process so a later
	// run can clean up after a crash (see CleanupOrphanedServers).
	PIDDir string

	Logger *slog.Logger
}

// DefaultOptions returns the standard timings and client identity.
func DefaultOptions() Options {
	return Options{
		SettleDelay:      config.DefaultSettleDelay,
		HandshakeTimeout: config.DefaultHandshakeTimeout,
		CallTimeout:      config.DefaultCallTimeout,
		StopTimeout:      config.DefaultStopTimeout,
		ClientInfo:       mcp.ClientInfo{Name: config.DefaultClientName, Version: config.DefaultClientVersion},
	}
}

// OptionsFromConfig builds Options from the loaded configuration.
func OptionsFromConfig(cfg *config.Config) Options {
	sc := cfg.GetSupervisor()
	cc := cfg.GetClient()
	opts := DefaultOptions()
	opts.SettleDelay = sc.SettleDelay
	opts.HandshakeTimeout = sc.HandshakeTimeout
	opts.CallTimeout = sc.CallTimeout
	opts.StopTimeout = sc.StopTimeout
	opts.ClientInfo = mcp.ClientInfo{Name: cc.Name, Version: cc.Version}
	return opts
}

// ManagedProcess is one supervised child and its protocol connection.
type ManagedProcess struct {
	id        string
	cfg       Config
	cmd       *exec.Cmd
	stdin     io.WriteCloser
	conn      *mcp.Conn
	startedAt time.Time
	log       *slog.Logger

	stopping atomic.Bool
	ready    chan struct{} // closed once the handshake succeeds
	done     chan struct{} // closed once the process is reaped
	exitErr  error         // valid after done is closed
}

// Info is a snapshot of a managed process.
type Info struct {
	ID          string         `json:"id"`
	PID         int            `json:"pid"`
	Command     string         `json:"command"`
	StartedAt   time.Time      `json:"startedAt"`
	State       string         `json:"state"`
	Initialized bool           `json:"initialized"`
	ServerInfo  mcp.ServerInfo `json:"serverInfo"`
}

func (mp *ManagedProcess) info() Info {
	state := mp.conn.State()
	return Info{
		ID:          mp.id,
		PID:         mp.cmd.Process.Pid,
		Command:     mp.cfg.CommandLine(),
		StartedAt:   mp.startedAt,
		State:       state.String(),
		Initialized: state == mcp.StateInitialized,
		ServerInfo:  mp.conn.ServerInfo(),
	}
}

// Supervisor owns the table of managed processes.
type Supervisor struct {
	opts  Options
	log   *slog.Logger
	owner int // this platform process, recorded in PID files

	mu    sync.Mutex
	procs map[string]*ManagedProcess
}

// New creates a supervisor. Zero timings in opts fall back to DefaultOptions.
func New(opts Options) *Supervisor {
	def := DefaultOptions()
	if opts.SettleDelay < 0 {
		opts.SettleDelay = 0
	}
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = def.HandshakeTimeout
	}
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = def.CallTimeout
	}
	if opts.StopTimeout <= 0 {
		opts.StopTimeout = def.StopTimeout
	}
	if opts.ClientInfo.Name == "" {
		opts.ClientInfo = def.ClientInfo
	}
	if opts.Logger == nil {
		opts.Logger = logger.WithComponent("supervisor")
	}
	return &Supervisor{
		opts:  opts,
		log:   opts.Logger,
		owner: os.Getpid(),
		procs: make(map[string]*ManagedProcess),
	}
}

// Spawn starts the process described by cfg, registers it, waits the settle
// delay and performs the MCP handshake. If anything after start fails the
// process is killed and deregistered before Spawn returns.
func (s *Supervisor) Spawn(ctx context.Context, cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	mp, err := s.start(cfg)
	if err != nil {
		return err
	}

	if err := s.settle(ctx, mp); err != nil {
		s.abort(mp, err)
		return err
	}

	hctx, cancel := context.WithTimeout(ctx, s.opts.HandshakeTimeout)
	defer cancel()

	result, err := mp.conn.Initialize(hctx, s.opts.ClientInfo)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			err = fmt.Errorf("%w: %s after %s", ErrHandshakeTimeout, cfg.ID, s.opts.HandshakeTimeout)
		} else {
			err = fmt.Errorf("handshake with %s: %w", cfg.ID, err)
		}
		s.abort(mp, err)
		return err
	}

	close(mp.ready)
	mp.log.Info("server initialized",
		"pid", mp.cmd.Process.Pid,
		"serverName", result.ServerInfo.Name,
		"serverVersion", result.ServerInfo.Version)
	return nil
}

// start launches the child and registers it. The table lock is held across
// exec so two concurrent spawns of one id cannot both start a process.
func (s *Supervisor) start(cfg Config) (*ManagedProcess, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.procs[cfg.ID]; exists {
		return nil, fmt.Errorf("%w: %s", ErrAlreadyRunning, cfg.ID)
	}

	log := s.log.With("serverID", cfg.ID)

	cmd := exec.Command(cfg.Command, cfg.Args...)
	cmd.Dir = cfg.WorkingDir
	cmd.Env = cfg.environ(os.Environ())

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("creating stdin pipe: %w", err)
	}
	// Plain os.Pipe for output so cmd.Wait never closes the read ends under
	// the readers; the exit observer decides when they are done.
	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		stdin.Close()
		return nil, fmt.Errorf("creating stdout pipe: %w", err)
	}
	stderrR, stderrW, err := os.Pipe()
	if err != nil {
		stdin.Close()
		stdoutR.Close()
		stdoutW.Close()
		return nil, fmt.Errorf("creating stderr pipe: %w", err)
	}
	cmd.Stdout = stdoutW
	cmd.Stderr = stderrW

	if err := cmd.Start(); err != nil {
		stdin.Close()
		stdoutR.Close()
		stdoutW.Close()
		stderrR.Close()
		stderrW.Close()
		return nil, fmt.Errorf("starting %s: %w", cfg.ID, err)
	}
	stdoutW.Close()
	stderrW.Close()

	mp := &ManagedProcess{
		id:        cfg.ID,
		cfg:       cfg,
		cmd:       cmd,
		stdin:     stdin,
		startedAt: time.Now(),
		log:       log,
		ready:     make(chan struct{}),
		done:      make(chan struct{}),
	}
	mp.conn = mcp.NewConn(stdin,
		mcp.WithLogger(log.With("component", "mcp")),
		mcp.WithNotificationHandler(func(method string, params json.RawMessage) {
			log.Debug("server notification", "method", method)
		}),
	)
	s.procs[cfg.ID] = mp

	log.Info("process started", "pid", cmd.Process.Pid, "command", cfg.CommandLine())
	s.writePIDFile(mp)

	var readers sync.WaitGroup
	readers.Add(2)
	go func() {
		defer readers.Done()
		if err := mp.conn.ReadLoop(stdoutR); err != nil && !errors.Is(err, os.ErrClosed) {
			log.Debug("stdout read ended", "error", err)
		}
	}()
	go func() {
		defer readers.Done()
		s.copyStderr(mp, stderrR)
	}()
	go s.observe(mp, &readers, stdoutR, stderrR)

	return mp, nil
}

func (s *Supervisor) settle(ctx context.Context, mp *ManagedProcess) error {
	if s.opts.SettleDelay <= 0 {
		return nil
	}
	timer := time.NewTimer(s.opts.SettleDelay)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-mp.done:
		return fmt.Errorf("%w: %s exited during startup: %s", ErrProcessExited, mp.id, describeExit(mp.exitErr))
	}
}

// maxStderrLine bounds a single logged stderr line. The rest of a longer line
// is read and dropped so the child never blocks on a full pipe.
const maxStderrLine = 64 << 10

// copyStderr logs each stderr line at debug level and mirrors it to the
// optional per-server log file. It reads until the pipe closes.
func (s *Supervisor) copyStderr(mp *ManagedProcess, r io.Reader) {
	var sink io.Writer
	if s.opts.StderrLogPath != nil {
		if path, err := s.opts.StderrLogPath(mp.id); err == nil {
			f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
			if err != nil {
				mp.log.Warn("failed to open stderr log", "path", path, "error", err)
			} else {
				defer f.Close()
				sink = f
			}
		}
	}

	emit := func(line []byte, dropped int) {
		text := string(line)
		if dropped > 0 {
			text += fmt.Sprintf(" ... [%d bytes truncated]", dropped)
		}
		mp.log.Debug("stderr", "line", text)
		if sink != nil {
			fmt.Fprintln(sink, text)
		}
	}

	br := bufio.NewReader(r)
	var (
		line    []byte
		dropped int
	)
	for {
		frag, isPrefix, err := br.ReadLine()
		if n := min(len(frag), maxStderrLine-len(line)); n > 0 {
			line = append(line, frag[:n]...)
			dropped += len(frag) - n
		} else {
			dropped += len(frag)
		}
		if err != nil {
			if len(line) > 0 || dropped > 0 {
				emit(line, dropped)
			}
			return
		}
		if isPrefix {
			continue
		}
		emit(line, dropped)
		line, dropped = line[:0], 0
	}
}

// observe reaps the process, lets the readers drain, and deregisters it.
func (s *Supervisor) observe(mp *ManagedProcess, readers *sync.WaitGroup, pipes ...io.Closer) {
	err := mp.cmd.Wait()

	drained := make(chan struct{})
	go func() {
		readers.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-time.After(outputDrainTimeout):
		mp.log.Debug("output still open after exit, closing pipes")
	}
	for _, p := range pipes {
		p.Close()
	}
	<-drained

	exitErr := fmt.Errorf("%w: %s", ErrProcessExited, describeExit(err))
	mp.conn.Close(exitErr)
	s.removePIDFile(mp)

	mp.exitErr = err
	close(mp.done)

	s.mu.Lock()
	removed := false
	if cur, ok := s.procs[mp.id]; ok && cur == mp {
		delete(s.procs, mp.id)
		removed = true
	}
	s.mu.Unlock()

	if mp.stopping.Load() {
		mp.log.Info("process stopped", "exit", describeExit(err))
		return
	}

	mp.log.Warn("process exited unexpectedly", "exit", describeExit(err))
	if removed && s.opts.OnExit != nil {
		s.opts.OnExit(mp.id, exitErr)
	}
}

func describeExit(err error) string {
	if err == nil {
		return "exit status 0"
	}
	return err.Error()
}

// abort tears down a process whose spawn failed.
func (s *Supervisor) abort(mp *ManagedProcess, reason error) {
	mp.log.Warn("spawn failed, killing process", "error", reason)
	s.deregister(mp)
	mp.stopping.Store(true)
	mp.conn.Close(reason)
	mp.stdin.Close()
	if mp.cmd.Process != nil {
		mp.cmd.Process.Kill()
	}
	<-mp.done
}

func (s *Supervisor) deregister(mp *ManagedProcess) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.procs[mp.id]; ok && cur == mp {
		delete(s.procs, mp.id)
	}
}

// Stop terminates the process for id and removes it from the table. Calls in
// flight fail with ErrNotRunning. The process gets SIGTERM and StopTimeout to
// exit before it is killed. Stopping an id that is not running is a no-op.
func (s *Supervisor) Stop(id string) error {
	s.mu.Lock()
	mp, ok := s.procs[id]
	if ok {
		delete(s.procs, id)
	}
	s.mu.Unlock()

	if !ok {
		return nil
	}
	return s.terminate(mp)
}

func (s *Supervisor) terminate(mp *ManagedProcess) error {
	mp.stopping.Store(true)
	mp.conn.Close(fmt.Errorf("%w: %s was stopped", ErrNotRunning, mp.id))
	mp.stdin.Close()

	mp.log.Info("stopping process", "pid", mp.cmd.Process.Pid)
	if err := mp.cmd.Process.Signal(syscall.SIGTERM); err != nil && !errors.Is(err, os.ErrProcessDone) {
		// Signals other than kill are unsupported on some platforms
		mp.log.Debug("SIGTERM failed, killing", "error", err)
		mp.cmd.Process.Kill()
	}

	timer := time.NewTimer(s.opts.StopTimeout)
	defer timer.Stop()

	select {
	case <-mp.done:
		return nil
	case <-timer.C:
	}

	mp.log.Warn("process did not exit after SIGTERM, killing", "timeout", s.opts.StopTimeout)
	if err := mp.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("killing %s: %w", mp.id, err)
	}
	<-mp.done
	return nil
}

// StopAll stops every managed process concurrently and waits for all of them.
func (s *Supervisor) StopAll() error {
	s.mu.Lock()
	procs := make([]*ManagedProcess, 0, len(s.procs))
	for id, mp := range s.procs {
		procs = append(procs, mp)
		delete(s.procs, id)
	}
	s.mu.Unlock()

	if len(procs) > 0 {
		s.log.Info("stopping all processes", "count", len(procs))
	}

	var g errgroup.Group
	for _, mp := range procs {
		g.Go(func() error {
			return s.terminate(mp)
		})
	}
	return g.Wait()
}

// IsRunning reports whether id is in the table, regardless of handshake state.
func (s *Supervisor) IsRunning(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.procs[id]
	return ok
}

// ListRunning returns the tracked ids in sorted order.
func (s *Supervisor) ListRunning() []string {
	s.mu.Lock()
	ids := make([]string, 0, len(s.procs))
	for id := range s.procs {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	slices.Sort(ids)
	return ids
}

// Info returns a snapshot of the process for id.
func (s *Supervisor) Info(id string) (Info, error) {
	mp, err := s.get(id)
	if err != nil {
		return Info{}, err
	}
	return mp.info(), nil
}

func (s *Supervisor) get(id string) (*ManagedProcess, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	mp, ok := s.procs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotRunning, id)
	}
	return mp, nil
}

// WaitReady blocks until the process for id has completed its handshake. It
// fails with ErrNotRunning if id is not tracked and with ErrProcessExited if
// the process goes away first, including a spawn that fails its handshake.
func (s *Supervisor) WaitReady(ctx context.Context, id string) error {
	mp, err := s.get(id)
	if err != nil {
		return err
	}

	select {
	case <-mp.ready:
		return nil
	default:
	}

	select {
	case <-mp.ready:
		return nil
	case <-mp.done:
		return fmt.Errorf("%w: %s exited before the handshake completed: %s", ErrProcessExited, id, describeExit(mp.exitErr))
	case <-ctx.Done():
		return ctx.Err()
	}
}

// CallTool invokes tool on the server id and returns the raw result object.
// The call is bounded by CallTimeout; on expiry it fails with ErrCallTimeout
// and the process stays tracked.
func (s *Supervisor) CallTool(ctx context.Context, id, tool string, arguments any) (json.RawMessage, error) {
	mp, err := s.get(id)
	if err != nil {
		return nil, err
	}

	cctx, cancel := context.WithTimeout(ctx, s.opts.CallTimeout)
	defer cancel()

	start := time.Now()
	result, err := mp.conn.CallTool(cctx, tool, arguments)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			mp.log.Warn("tool call timed out", "tool", tool, "timeout", s.opts.CallTimeout)
			return nil, fmt.Errorf("%w: %s on %s after %s", ErrCallTimeout, tool, id, s.opts.CallTimeout)
		}
		return nil, err
	}

	mp.log.Debug("tool call completed", "tool", tool, "duration", time.Since(start))
	return result, nil
}

// ListTools returns the tools the server id advertises.
func (s *Supervisor) ListTools(ctx context.Context, id string) ([]mcp.ToolDefinition, error) {
	mp, err := s.get(id)
	if err != nil {
		return nil, err
	}

	cctx, cancel := context.WithTimeout(ctx, s.opts.CallTimeout)
	defer cancel()

	tools, err := mp.conn.ListTools(cctx)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return nil, fmt.Errorf("%w: tools/list on %s after %s", ErrCallTimeout, id, s.opts.CallTimeout)
		}
		return nil, err
	}
	return tools, nil
}
