package process

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/asaskevich/EventBus"
	"github.com/google/uuid"
	"golang.org/x/sys/unix"
)

const (
	TopicStarted = "process:started"
	TopicExited  = "process:exited"
)

// Task describes one invocation of an external tool. URL, when set, is
// appended after a "--" separator so it is never parsed as an option.
type Task struct {
	Command string
	Args    []string
	URL     string
	Kind    string
	Timeout time.Duration
}

// Result is the terminal state of an invocation.
type Result struct {
	ID       string
	ExitCode int
	Stdout   []byte
	Stderr   []byte
}

// Invocation is published on the event bus when a tool starts and exits.
type Invocation struct {
	ID        string    `json:"id"`
	Kind      string    `json:"kind"`
	URL       string    `json:"url,omitempty"`
	PID       int       `json:"pid"`
	StartedAt time.Time `json:"started_at"`
	ExitCode  int       `json:"exit_code"`
	Error     string    `json:"error,omitempty"`

	Kill func() error `json:"-"`
}

type Supervisor struct {
	bus       EventBus.Bus
	waitDelay time.Duration
}

type Option func(*Supervisor)

func WithBus(bus EventBus.Bus) Option {
	return func(s *Supervisor) { s.bus = bus }
}

// WithWaitDelay bounds how long a cancelled child may take to exit after
// SIGTERM before it is killed and its pipes are closed.
func WithWaitDelay(d time.Duration) Option {
	return func(s *Supervisor) { s.waitDelay = d }
}

func New(opts ...Option) *Supervisor {
	s := &Supervisor{waitDelay: 5 * time.Second}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run executes task in buffered mode. The returned result reflects the
// final state of the process. A non-zero exit yields both the result and an
// *ExitError.
func (s *Supervisor) Run(ctx context.Context, task Task) (*Result, error) {
	ctx, cmd, cancel := s.command(ctx, task)
	defer cancel()

	inv := newInvocation(task)

	var stdout bytes.Buffer
	stderr := newStderrSink(inv.ID, task.URL)

	cmd.Stdout = &stdout
	cmd.Stderr = stderr

	if err := s.start(cmd, &inv); err != nil {
		return nil, err
	}

	waitErr := cmd.Wait()
	stderr.flush()

	res := &Result{
		ID:       inv.ID,
		ExitCode: exitCode(cmd),
		Stdout:   stdout.Bytes(),
		Stderr:   []byte(stderr.String()),
	}

	err := classify(ctx, task, res, waitErr)
	s.exited(inv, res.ExitCode, err)

	return res, err
}

// Stream executes task in streaming mode. The caller reads the child's
// standard output from the returned Stream, then calls Wait. Close must be
// called on every path, it is a no-op once the process was reaped.
func (s *Supervisor) Stream(ctx context.Context, task Task) (*Stream, error) {
	ctx, cmd, cancel := s.command(ctx, task)

	inv := newInvocation(task)
	stderr := newStderrSink(inv.ID, task.URL)
	cmd.Stderr = stderr

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return nil, &SpawnError{Command: task.Command, Err: err}
	}

	if err := s.start(cmd, &inv); err != nil {
		cancel()
		return nil, err
	}

	return &Stream{
		sup:    s,
		task:   task,
		inv:    inv,
		ctx:    ctx,
		cancel: cancel,
		cmd:    cmd,
		stdout: stdout,
		stderr: stderr,
	}, nil
}

func (s *Supervisor) command(ctx context.Context, task Task) (context.Context, *exec.Cmd, context.CancelFunc) {
	var cancel context.CancelFunc
	if task.Timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, task.Timeout)
	} else {
		ctx, cancel = context.WithCancel(ctx)
	}

	args := argsSanitizer(task.Args)
	if task.URL != "" {
		args = append(args, "--", task.URL)
	}

	cmd := exec.CommandContext(ctx, task.Command, args...)
	// yt-dlp forks ffmpeg for post-processing: the whole group has to go
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error { return terminateGroup(cmd.Process) }
	cmd.WaitDelay = s.waitDelay

	return ctx, cmd, cancel
}

func (s *Supervisor) start(cmd *exec.Cmd, inv *Invocation) error {
	if err := cmd.Start(); err != nil {
		slog.Error("failed to start tool process",
			slog.String("id", shortId(inv.ID)),
			slog.String("command", cmd.Path),
			slog.Any("err", err),
		)
		return &SpawnError{Command: cmd.Path, Err: err}
	}

	inv.PID = cmd.Process.Pid
	inv.StartedAt = time.Now()
	inv.Kill = func() error { return terminateGroup(cmd.Process) }

	slog.Info("tool process started",
		slog.String("id", shortId(inv.ID)),
		slog.String("kind", inv.Kind),
		slog.String("url", inv.URL),
		slog.Int("pid", inv.PID),
	)

	if s.bus != nil {
		s.bus.Publish(TopicStarted, *inv)
	}
	return nil
}

func (s *Supervisor) exited(inv Invocation, code int, err error) {
	inv.ExitCode = code
	inv.Kill = nil
	if err != nil {
		inv.Error = err.Error()
	}

	slog.Info("tool process exited",
		slog.String("id", shortId(inv.ID)),
		slog.String("kind", inv.Kind),
		slog.Int("exit_code", code),
		slog.Duration("elapsed", time.Since(inv.StartedAt)),
	)

	if s.bus != nil {
		s.bus.Publish(TopicExited, inv)
	}
}

// Stream is a running child whose standard output is read incrementally.
type Stream struct {
	sup    *Supervisor
	task   Task
	inv    Invocation
	ctx    context.Context
	cancel context.CancelFunc
	cmd    *exec.Cmd
	stdout io.ReadCloser
	stderr *stderrSink

	n      int64
	once   sync.Once
	result *Result
	err    error
}

func (st *Stream) Read(p []byte) (int, error) {
	n, err := st.stdout.Read(p)
	st.n += int64(n)
	return n, err
}

// BytesRead reports how many stdout bytes were handed to the caller.
func (st *Stream) BytesRead() int64 { return st.n }

// Wait reaps the child and returns its final state. It must be called after
// stdout reached EOF, or after Close.
func (st *Stream) Wait() (*Result, error) {
	st.once.Do(func() {
		waitErr := st.cmd.Wait()
		st.stderr.flush()

		st.result = &Result{
			ID:       st.inv.ID,
			ExitCode: exitCode(st.cmd),
			Stderr:   []byte(st.stderr.String()),
		}
		st.err = classify(st.ctx, st.task, st.result, waitErr)
		st.cancel()

		st.sup.exited(st.inv, st.result.ExitCode, st.err)
	})
	return st.result, st.err
}

// Close terminates the process group if the child is still running and
// releases every resource held by the stream.
func (st *Stream) Close() error {
	st.cancel()
	_, err := st.Wait()

	var exitErr *ExitError
	if errors.Is(err, context.Canceled) || errors.As(err, &exitErr) {
		return nil
	}
	return err
}

func classify(ctx context.Context, task Task, res *Result, err error) error {
	if err == nil {
		return nil
	}

	name := filepath.Base(task.Command)

	if ctxErr := ctx.Err(); ctxErr != nil {
		return fmt.Errorf("%s interrupted: %w", name, ctxErr)
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return &ExitError{
			Command:  name,
			ExitCode: res.ExitCode,
			Stderr:   string(res.Stderr),
		}
	}

	return fmt.Errorf("%s: %w", name, err)
}

func exitCode(cmd *exec.Cmd) int {
	if cmd.ProcessState == nil {
		return -1
	}
	return cmd.ProcessState.ExitCode()
}

func terminateGroup(p *os.Process) error {
	if p == nil {
		return nil
	}
	// Setpgid made the child the leader of its own group
	if err := unix.Kill(-p.Pid, unix.SIGTERM); err != nil && !errors.Is(err, unix.ESRCH) {
		return err
	}
	return nil
}

func newInvocation(task Task) Invocation {
	return Invocation{
		ID:   uuid.NewString(),
		Kind: task.Kind,
		URL:  task.URL,
	}
}

var unsafeArg = regexp.MustCompile(`(\$\{)|(\&\&)`)

func argsSanitizer(params []string) []string {
	out := make([]string, 0, len(params))

	for _, p := range params {
		if p == "" {
			continue
		}
		if unsafeArg.MatchString(p) {
			// the option owning a dropped value goes with it, otherwise
			// the next option would be read as its value
			if n := len(out); n > 0 && isFlag(out[n-1]) && !isFlag(p) {
				out = out[:n-1]
			}
			continue
		}
		out = append(out, p)
	}

	return out
}

func isFlag(s string) bool { return strings.HasPrefix(s, "-") }

func shortId(id string) string {
	return strings.Split(id, "-")[0]
}
