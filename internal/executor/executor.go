// Package executor runs a single external command described by a
// model.Command.
//
// Executor is an opinionated wrapper around os/exec:
//   - renders a deterministic argument vector, never uses a shell
//   - pipes stdin or passes an input file path as the last argument
//   - captures stdout and stderr incrementally up to a combined size cap
//   - enforces a wall clock timeout: terminate, grace period, kill
//   - reports exit code and terminating signal separately
//   - tracks every running process in a proc.Registry
//
// A failing command is not an error, it is a Result with Success == false.
// Errors are returned only for a broken descriptor, invalid parameters, a
// missing input file or when the process can't be started at all.
//
// Execute returns only after the process has been reaped and its pipes
// drained. Processes it leaves behind in its group are stopped once it
// exits, so no process outlives the call.
package executor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"time"

	"github.com/CZERTAINLY/conductor/internal/log"
	"github.com/CZERTAINLY/conductor/internal/model"
	"github.com/CZERTAINLY/conductor/internal/proc"

	"github.com/alessio/shellescape"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// TimeoutExitCode is reported for processes killed after their deadline,
// the same value GNU timeout(1) uses.
const TimeoutExitCode = 124

type Config struct {
	DefaultTimeout time.Duration
	GracePeriod    time.Duration
	MaxOutputBytes int64
}

func ConfigFromLimits(l model.Limits) Config {
	return Config{
		DefaultTimeout: l.Timeout.Std(),
		GracePeriod:    l.GracePeriod.Std(),
		MaxOutputBytes: l.MaxOutputBytes,
	}
}

// Params are the per call values of an execution
type Params struct {
	Args      map[string]model.Value
	Options   map[string]model.Value
	Stdin     []byte
	InputFile string        // passed as the last argument, Stdin is ignored
	Timeout   time.Duration // 0 means Config.DefaultTimeout
}

type Result struct {
	ID        string
	Success   bool
	Stdout    []byte
	Stderr    []byte
	ExitCode  int
	Signal    string // name of a terminating signal
	Signaled  bool
	TimedOut  bool
	Truncated bool
	Started   time.Time
	Duration  time.Duration
	Command   string // shell quoted argv for display
	Rows      *int   // best effort row count found in stderr
}

type Executor struct {
	cfg      Config
	ctl      proc.Controller
	registry *proc.Registry
	env      []string
	stderrFn StderrFunc
}

type Option func(*Executor)

func WithController(ctl proc.Controller) Option {
	return func(e *Executor) { e.ctl = ctl }
}

func WithRegistry(r *proc.Registry) Option {
	return func(e *Executor) { e.registry = r }
}

// WithEnv sets the environment of child processes, nil inherits the
// environment of the current process.
func WithEnv(env []string) Option {
	return func(e *Executor) { e.env = append([]string(nil), env...) }
}

// WithStderrFunc streams stderr lines of every process, in addition to the
// capture in Result.Stderr.
func WithStderrFunc(fn StderrFunc) Option {
	return func(e *Executor) { e.stderrFn = fn }
}

func New(cfg Config, opts ...Option) *Executor {
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = model.DefaultTimeout
	}
	if cfg.GracePeriod < 0 {
		cfg.GracePeriod = 0
	}
	if cfg.MaxOutputBytes <= 0 {
		cfg.MaxOutputBytes = model.DefaultMaxOutputBytes
	}
	e := &Executor{cfg: cfg}
	for _, opt := range opts {
		opt(e)
	}
	if e.ctl == nil {
		e.ctl = proc.Default()
	}
	if e.registry == nil {
		e.registry = proc.NewRegistry(e.ctl)
	}
	return e
}

// Render returns the full argument vector, binary included, for given
// command and params. The same input always renders the same output.
func Render(cmd model.Command, p Params) ([]string, error) {
	if err := cmd.Validate(); err != nil {
		return nil, err
	}
	args, err := cmd.Argv(p.Args, p.Options)
	if err != nil {
		return nil, err
	}
	argv := make([]string, 0, len(args)+2)
	argv = append(argv, cmd.Binary)
	argv = append(argv, args...)
	if p.InputFile != "" {
		argv = append(argv, p.InputFile)
	}
	return argv, nil
}

// Resolve returns the absolute path of the command binary
func Resolve(cmd model.Command) (string, error) {
	path, err := exec.LookPath(cmd.Binary)
	if err != nil {
		return "", fmt.Errorf("command %q: %w: %w", cmd.Name, model.ErrSkillNotFound, err)
	}
	return path, nil
}

// Execute runs the command and waits for it to finish.
func (e *Executor) Execute(ctx context.Context, cmd model.Command, p Params) (Result, error) {
	argv, err := Render(cmd, p)
	if err != nil {
		return Result{}, err
	}
	if p.InputFile != "" {
		if _, err := os.Stat(p.InputFile); err != nil {
			return Result{}, fmt.Errorf("command %q: %w: %w", cmd.Name, model.ErrInputFile, err)
		}
	}
	path, err := Resolve(cmd)
	if err != nil {
		return Result{}, err
	}

	timeout := p.Timeout
	if timeout <= 0 {
		timeout = e.cfg.DefaultTimeout
	}

	id := uuid.NewString()
	ctx = log.ContextAttrs(ctx,
		slog.String("exec_id", id),
		slog.String("skill", cmd.Name),
	)

	c := exec.Command(path, argv[1:]...)
	c.Env = e.env
	e.ctl.Prepare(c)
	if p.InputFile == "" && p.Stdin != nil {
		c.Stdin = bytes.NewReader(p.Stdin)
		// bounds the stdin copy when the read end outlives the process
		c.WaitDelay = max(e.cfg.GracePeriod, time.Second)
	}
	streams, err := newPipes()
	if err != nil {
		return Result{}, fmt.Errorf("command %q: %w", cmd.Name, err)
	}
	defer streams.close()
	c.Stdout, c.Stderr = streams.outW, streams.errW

	res := Result{
		ID:      id,
		Command: shellescape.QuoteCommand(argv),
		Started: time.Now().UTC(),
	}
	gen := e.registry.Generation()
	if err := c.Start(); err != nil {
		return Result{}, fmt.Errorf("command %q: starting: %w", cmd.Name, err)
	}
	streams.closeWriters()
	if e.registry.Add(id, cmd.Name, c.Process, gen) {
		defer e.registry.Remove(id)
	}
	slog.DebugContext(ctx, "process started", "pid", c.Process.Pid, "command", res.Command, "timeout", timeout.String())

	done := make(chan struct{})
	timedOut := make(chan bool, 1)
	go func() {
		timedOut <- e.watch(ctx, c.Process, timeout, done)
	}()

	capt := newCapture(e.cfg.MaxOutputBytes)
	var g errgroup.Group
	g.Go(func() error {
		_, err := io.Copy(capt.outWriter(), streams.outR)
		return err
	})
	g.Go(func() error {
		var w io.Writer = capt.errWriter()
		if e.stderrFn != nil {
			lw := &lineWriter{ctx: ctx, fn: e.stderrFn}
			defer lw.Flush()
			w = io.MultiWriter(w, lw)
		}
		_, err := io.Copy(w, streams.errR)
		return err
	})
	drained := make(chan error, 1)
	go func() { drained <- g.Wait() }()

	waitErr := c.Wait()
	close(done)
	res.TimedOut = <-timedOut
	copyErr := e.drain(ctx, c.Process, streams, drained)

	res.Duration = time.Since(res.Started)
	res.Stdout, res.Stderr, res.Truncated = capt.result()
	res.Rows = rowHint(res.Stderr)

	if copyErr != nil {
		slog.WarnContext(ctx, "reading process output", "error", copyErr)
	}
	if errors.Is(waitErr, exec.ErrWaitDelay) {
		slog.WarnContext(ctx, "process exited before reading its stdin")
		waitErr = nil
	}
	var exitErr *exec.ExitError
	if waitErr != nil && !errors.As(waitErr, &exitErr) {
		slog.WarnContext(ctx, "waiting for process", "error", waitErr)
	}

	res.ExitCode = c.ProcessState.ExitCode()
	res.Signal, res.Signaled = e.ctl.Signal(c.ProcessState)
	if res.TimedOut {
		res.ExitCode = TimeoutExitCode
	}
	res.Success = !res.TimedOut && !res.Signaled && res.ExitCode == 0 && waitErr == nil

	attrs := []any{
		"exit_code", res.ExitCode,
		"duration", res.Duration.String(),
		"stdout_bytes", len(res.Stdout),
		"stderr_bytes", len(res.Stderr),
	}
	switch {
	case res.TimedOut:
		slog.WarnContext(ctx, "process timed out", attrs...)
	case res.Signaled:
		slog.WarnContext(ctx, "process killed by signal", append(attrs, "signal", res.Signal)...)
	case res.Truncated:
		slog.WarnContext(ctx, "process output truncated", append(attrs, "limit", e.cfg.MaxOutputBytes)...)
	default:
		slog.DebugContext(ctx, "process finished", attrs...)
	}
	return res, nil
}

// drain waits for the output readers after the process was reaped. Processes
// left in its group keep the pipes open, they are terminated, killed after the
// grace period and finally the pipes are closed. The exit status of the
// reaped process is never affected.
func (e *Executor) drain(ctx context.Context, p *os.Process, streams *pipes, drained <-chan error) error {
	// readers usually hit EOF right after the exit
	select {
	case err := <-drained:
		return err
	case <-time.After(10 * time.Millisecond):
	}

	slog.DebugContext(ctx, "process exited, stopping processes holding its output", "pid", p.Pid)
	grace := max(e.cfg.GracePeriod, 10*time.Millisecond)
	for _, stop := range []func(*os.Process) error{e.ctl.Terminate, e.ctl.Kill} {
		if err := stop(p); err != nil {
			slog.DebugContext(ctx, "stopping leftover processes", "pid", p.Pid, "error", err)
		}
		select {
		case err := <-drained:
			return err
		case <-time.After(grace):
		}
	}

	slog.WarnContext(ctx, "output still open after kill, closing it", "pid", p.Pid)
	streams.closeReaders()
	if err := <-drained; err != nil && !errors.Is(err, os.ErrClosed) {
		return err
	}
	return nil
}

// watch terminates the process group once the deadline passes or ctx is
// done, then kills it after the grace period. It returns true when the
// process was stopped because of a deadline.
func (e *Executor) watch(ctx context.Context, p *os.Process, timeout time.Duration, done <-chan struct{}) bool {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	var deadline bool
	select {
	case <-done:
		return false
	case <-timer.C:
		deadline = true
	case <-ctx.Done():
		deadline = errors.Is(ctx.Err(), context.DeadlineExceeded)
	}

	slog.DebugContext(ctx, "terminating process", "pid", p.Pid, "deadline", deadline)
	if err := e.ctl.Terminate(p); err != nil {
		slog.WarnContext(ctx, "terminate failed", "pid", p.Pid, "error", err)
	}

	grace := time.NewTimer(e.cfg.GracePeriod)
	defer grace.Stop()
	select {
	case <-done:
	case <-grace.C:
		slog.DebugContext(ctx, "grace period elapsed, killing process", "pid", p.Pid)
		if err := e.ctl.Kill(p); err != nil {
			slog.WarnContext(ctx, "kill failed", "pid", p.Pid, "error", err)
		}
	}
	return deadline
}

// ActiveProcesses returns the number of processes running right now
func (e *Executor) ActiveProcesses() int {
	return e.registry.Len()
}

// Processes lists the running processes
func (e *Executor) Processes() []proc.Info {
	return e.registry.List()
}

// KillAll forcibly terminates every running process. Pending Execute calls
// return a Result reporting the signal.
func (e *Executor) KillAll() error {
	return e.registry.KillAll()
}
