// Package process starts, probes and stops artifact processes.
//
// Every started process runs in its own process group so that Stop reaches
// children the artifact spawned. Stop is idempotent and safe to call after
// the process has exited on its own.
package process

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/forgeline/internal/logging"
)

// ErrExited is returned by WaitForOutput when the process exits before the
// awaited output appears.
var ErrExited = errors.New("process exited")

// DefaultStopGrace is how long Stop waits after SIGTERM before SIGKILL.
const DefaultStopGrace = 3 * time.Second

const maxOutput = 1 << 20

// Command describes a program to run.
type Command struct {
	Dir  string
	Path string
	Args []string
	// Env is appended to the runner's base environment.
	Env []string
}

func (c Command) String() string {
	return strings.TrimSpace(c.Path + " " + strings.Join(c.Args, " "))
}

// ExecResult is the outcome of a command run to completion.
type ExecResult struct {
	ExitCode int
	Stdout   string
	Stderr   string
	Duration time.Duration
}

// Config for a Runner.
type Config struct {
	StopGrace time.Duration
	// AssignPort gives every started process a free loopback port in $PORT.
	AssignPort bool
}

// Runner launches processes. It holds no per-process state.
type Runner struct {
	cfg    Config
	logger *logging.Logger
}

// NewRunner creates a runner.
func NewRunner(cfg Config, logger *logging.Logger) *Runner {
	if cfg.StopGrace <= 0 {
		cfg.StopGrace = DefaultStopGrace
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Runner{cfg: cfg, logger: logger}
}

// Start launches cmd and returns immediately. The process outlives ctx;
// callers must Stop the returned handle.
func (r *Runner) Start(ctx context.Context, c Command) (*Handle, error) {
	if c.Path == "" {
		return nil, fmt.Errorf("command path is required")
	}

	h := &Handle{
		grace:   r.cfg.StopGrace,
		done:    make(chan struct{}),
		changed: make(chan struct{}, 1),
		logger:  r.logger,
	}
	h.stdout = &capture{notify: h.changed}
	h.stderr = &capture{notify: h.changed}

	env := os.Environ()
	if r.cfg.AssignPort {
		port, err := freePort()
		if err != nil {
			return nil, fmt.Errorf("allocate port: %w", err)
		}
		h.port = port
		env = append(env, "PORT="+strconv.Itoa(port))
	}
	env = append(env, c.Env...)

	cmd := exec.Command(c.Path, c.Args...)
	cmd.Dir = c.Dir
	cmd.Env = env
	cmd.Stdout = h.stdout
	cmd.Stderr = h.stderr
	cmd.WaitDelay = r.cfg.StopGrace
	setProcessGroup(cmd)

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", c, err)
	}
	h.cmd = cmd
	r.logger.Debug(ctx, "process started", zap.Int("pid", cmd.Process.Pid), zap.String("command", c.String()), zap.Int("port", h.port))

	go func() {
		err := cmd.Wait()
		h.mu.Lock()
		h.waitErr = err
		h.exitCode = exitCode(cmd, err)
		h.mu.Unlock()
		close(h.done)
	}()
	return h, nil
}

// Exec runs cmd to completion. A non-zero exit is reported in the result,
// not as an error. Timeout bounds the run when positive; exceeding it kills
// the process group and returns an error wrapping context.DeadlineExceeded.
func (r *Runner) Exec(ctx context.Context, c Command, timeout time.Duration) (ExecResult, error) {
	if c.Path == "" {
		return ExecResult{}, fmt.Errorf("command path is required")
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	stdout, stderr := &capture{}, &capture{}
	cmd := exec.CommandContext(ctx, c.Path, c.Args...)
	cmd.Dir = c.Dir
	cmd.Env = append(os.Environ(), c.Env...)
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	setProcessGroup(cmd)
	cmd.Cancel = func() error { return killGroup(cmd.Process.Pid) }
	cmd.WaitDelay = r.cfg.StopGrace

	start := time.Now()
	err := cmd.Run()
	res := ExecResult{
		ExitCode: exitCode(cmd, err),
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: time.Since(start),
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return res, fmt.Errorf("exec %s: %w", c, ctxErr)
	}
	var exitErr *exec.ExitError
	if err != nil && !errors.As(err, &exitErr) {
		return res, fmt.Errorf("exec %s: %w", c, err)
	}
	return res, nil
}

// Handle is a running process.
type Handle struct {
	cmd     *exec.Cmd
	port    int
	grace   time.Duration
	stdout  *capture
	stderr  *capture
	changed chan struct{}
	done    chan struct{}
	logger  *logging.Logger

	mu       sync.Mutex
	waitErr  error
	exitCode int

	stopOnce sync.Once
	stopErr  error
}

// PID of the process.
func (h *Handle) PID() int { return h.cmd.Process.Pid }

// Port assigned to the process, or 0.
func (h *Handle) Port() int { return h.port }

// Done is closed once the process has exited.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Exited reports whether the process has exited, and its exit code.
func (h *Handle) Exited() (bool, int) {
	select {
	case <-h.done:
		h.mu.Lock()
		defer h.mu.Unlock()
		return true, h.exitCode
	default:
		return false, 0
	}
}

func (h *Handle) Stdout() string { return h.stdout.String() }

func (h *Handle) Stderr() string { return h.stderr.String() }

// WaitForOutput blocks until substr appears on stdout or stderr. It returns
// ErrExited if the process exits first and ctx.Err() if ctx ends first.
func (h *Handle) WaitForOutput(ctx context.Context, substr string) error {
	for {
		if h.stdout.Contains(substr) || h.stderr.Contains(substr) {
			return nil
		}
		select {
		case <-h.changed:
		case <-h.done:
			if h.stdout.Contains(substr) || h.stderr.Contains(substr) {
				return nil
			}
			return ErrExited
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Stop terminates the process group: SIGTERM, then SIGKILL after the grace
// period. Only the first call signals; later calls wait for the same exit.
func (h *Handle) Stop(ctx context.Context) error {
	h.stopOnce.Do(func() {
		h.stopErr = h.stop(ctx)
	})
	select {
	case <-h.done:
	case <-ctx.Done():
		return ctx.Err()
	}
	return h.stopErr
}

func (h *Handle) stop(ctx context.Context) error {
	pid := h.cmd.Process.Pid
	select {
	case <-h.done:
		// The leader is gone but anything it spawned may still hold the group.
		if err := killGroup(pid); err != nil {
			h.logger.Debug(ctx, "group kill after exit failed", zap.Int("pid", pid), zap.Error(err))
		}
		return nil
	default:
	}

	if err := termGroup(pid); err != nil {
		h.logger.Debug(ctx, "sigterm failed", zap.Int("pid", pid), zap.Error(err))
	}

	t := time.NewTimer(h.grace)
	defer t.Stop()
	select {
	case <-h.done:
	case <-t.C:
	case <-ctx.Done():
	}

	exited := false
	select {
	case <-h.done:
		exited = true
	default:
	}
	if err := killGroup(pid); err != nil {
		if exited {
			return nil
		}
		select {
		case <-h.done:
			return nil
		default:
		}
		return fmt.Errorf("kill process group %d: %w", pid, err)
	}
	if !exited {
		h.logger.Debug(ctx, "process killed after grace period", zap.Int("pid", pid))
	}
	return nil
}

func exitCode(cmd *exec.Cmd, err error) int {
	if cmd.ProcessState != nil {
		return cmd.ProcessState.ExitCode()
	}
	if err != nil {
		return -1
	}
	return 0
}

func freePort() (int, error) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, err
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port, nil
}

// capture is a size-capped concurrent output buffer.
type capture struct {
	mu        sync.Mutex
	buf       strings.Builder
	truncated bool
	notify    chan struct{}
}

func (c *capture) Write(p []byte) (int, error) {
	c.mu.Lock()
	room := maxOutput - c.buf.Len()
	switch {
	case c.truncated || room <= 0:
		c.truncated = true
	case len(p) > room:
		for room > 0 && !utf8.RuneStart(p[room]) {
			room--
		}
		c.buf.Write(p[:room])
		c.truncated = true
	default:
		c.buf.Write(p)
	}
	c.mu.Unlock()

	if c.notify != nil {
		select {
		case c.notify <- struct{}{}:
		default:
		}
	}
	return len(p), nil
}

func (c *capture) String() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.buf.String()
}

func (c *capture) Contains(s string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return strings.Contains(c.buf.String(), s)
}
