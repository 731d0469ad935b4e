// Package execx runs child processes with the supervision semantics the
// rest of the system relies on: every one-shot command gets its own process
// group and a timeout that escalates SIGTERM -> SIGKILL, interactive
// commands inherit the controlling terminal, and detached commands return a
// handle that resolves with the exit status without blocking the caller.
package execx

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/term"
)

// DefaultTimeout applies to one-shot commands when the caller passes zero.
const DefaultTimeout = 300 * time.Second

// termGrace is how long a process group gets between SIGTERM and SIGKILL.
const termGrace = 5 * time.Second

// ExitError reports a non-zero exit from a supervised child.
type ExitError struct {
	Code   int
	Signal string
}

func (e *ExitError) Error() string {
	if e.Signal != "" {
		return fmt.Sprintf("command killed by signal %s", e.Signal)
	}
	return fmt.Sprintf("command exited with code %d", e.Code)
}

// Result carries the outcome of a captured command.
type Result struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

// Runner executes child processes. The zero value is not usable; construct
// with New so every child is logged consistently.
type Runner struct {
	logger *zap.Logger
}

// New creates a Runner.
func New(logger *zap.Logger) *Runner {
	return &Runner{logger: logger}
}

// Run executes argv and waits for completion. A zero timeout means
// DefaultTimeout. On timeout the child's process group receives SIGTERM,
// then SIGKILL after a short grace period, and the returned error wraps
// context.DeadlineExceeded.
func (r *Runner) Run(ctx context.Context, argv []string, timeout time.Duration) error {
	_, err := r.run(ctx, argv, timeout, false)
	return err
}

// RunCapture is Run with stdout captured and returned.
func (r *Runner) RunCapture(ctx context.Context, argv []string, timeout time.Duration) (*Result, error) {
	return r.run(ctx, argv, timeout, true)
}

func (r *Runner) run(ctx context.Context, argv []string, timeout time.Duration, capture bool) (*Result, error) {
	if len(argv) == 0 {
		return nil, fmt.Errorf("empty command")
	}
	if timeout == 0 {
		timeout = DefaultTimeout
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	var stdout, stderr bytes.Buffer
	if capture {
		cmd.Stdout = &stdout
		cmd.Stderr = &stderr
	} else {
		cmd.Stdout = os.Stderr
		cmd.Stderr = os.Stderr
	}

	r.logger.Debug("running command",
		zap.String("argv0", argv[0]),
		zap.Int("argc", len(argv)),
		zap.Duration("timeout", timeout),
	)

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start %s: %w", argv[0], err)
	}

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	select {
	case <-ctx.Done():
		killGroup(cmd.Process.Pid)
		<-done
		return nil, fmt.Errorf("command %s timed out after %s: %w", argv[0], timeout, ctx.Err())
	case err := <-done:
		res := &Result{Stdout: stdout.String(), Stderr: stderr.String()}
		if err != nil {
			res.ExitCode = exitCodeOf(err)
			return res, &ExitError{Code: res.ExitCode, Signal: signalOf(err)}
		}
		return res, nil
	}
}

// Interactive hands the controlling terminal to argv. Stdin is returned to
// cooked mode first so the child never inherits a half-configured
// descriptor. The child's exit code is returned; -1 with an error means the
// spawn itself failed.
func (r *Runner) Interactive(ctx context.Context, argv []string) (int, error) {
	if len(argv) == 0 {
		return -1, fmt.Errorf("empty command")
	}

	RestoreTerminal()

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	r.logger.Debug("handing terminal to child", zap.String("argv0", argv[0]))

	if err := cmd.Start(); err != nil {
		return -1, fmt.Errorf("failed to start interactive %s: %w", argv[0], err)
	}

	err := cmd.Wait()
	if err != nil {
		var ee *exec.ExitError
		if errors.As(err, &ee) {
			return ee.ExitCode(), nil
		}
		return -1, err
	}
	return 0, nil
}

// Handle tracks a detached child process.
type Handle struct {
	Pid  int
	done chan int
}

// Wait returns a channel that yields the exit code exactly once.
func (h *Handle) Wait() <-chan int { return h.done }

// Detach starts argv in its own process group with stdio inherited from the
// caller (or redirected to logFile when non-nil) and returns without
// waiting. The handle's channel resolves with the exit code.
func (r *Runner) Detach(argv []string, workdir string, env []string, logFile *os.File) (*Handle, error) {
	if len(argv) == 0 {
		return nil, fmt.Errorf("empty command")
	}

	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Dir = workdir
	if env != nil {
		cmd.Env = env
	}
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if logFile != nil {
		cmd.Stdout = logFile
		cmd.Stderr = logFile
	} else {
		cmd.Stdout = os.Stdout
		cmd.Stderr = os.Stderr
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start detached %s: %w", argv[0], err)
	}

	h := &Handle{Pid: cmd.Process.Pid, done: make(chan int, 1)}
	go func() {
		err := cmd.Wait()
		h.done <- exitCodeOf(err)
		close(h.done)
	}()

	r.logger.Debug("detached child started",
		zap.String("argv0", argv[0]),
		zap.Int("pid", h.Pid),
	)
	return h, nil
}

// KillTree terminates a detached child's whole process group: SIGTERM,
// grace period, SIGKILL.
func KillTree(pid int) {
	killGroup(pid)
}

func killGroup(pid int) {
	// Negative pid addresses the process group.
	_ = syscall.Kill(-pid, syscall.SIGTERM)
	deadline := time.Now().Add(termGrace)
	for time.Now().Before(deadline) {
		if !Alive(pid) {
			return
		}
		time.Sleep(100 * time.Millisecond)
	}
	_ = syscall.Kill(-pid, syscall.SIGKILL)
}

// Alive reports whether pid refers to a live process.
func Alive(pid int) bool {
	if pid <= 0 {
		return false
	}
	// Signal 0 probes for existence without delivering anything.
	err := syscall.Kill(pid, 0)
	return err == nil || errors.Is(err, syscall.EPERM)
}

var savedTermState *term.State

// MakeRaw switches stdin into raw mode and remembers the cooked state so
// RestoreTerminal can undo it before a terminal hand-off. Returns an error
// when stdin is not a terminal.
func MakeRaw() error {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return fmt.Errorf("stdin is not a terminal")
	}
	st, err := term.MakeRaw(fd)
	if err != nil {
		return err
	}
	savedTermState = st
	return nil
}

// RestoreTerminal puts stdin back into cooked mode if a previous raw-mode
// toggle left state behind. Safe to call when stdin is not a terminal or
// no toggle happened.
func RestoreTerminal() {
	if savedTermState == nil {
		return
	}
	_ = term.Restore(int(os.Stdin.Fd()), savedTermState)
	savedTermState = nil
}

func exitCodeOf(err error) int {
	if err == nil {
		return 0
	}
	var ee *exec.ExitError
	if errors.As(err, &ee) {
		return ee.ExitCode()
	}
	return -1
}

func signalOf(err error) string {
	var ee *exec.ExitError
	if errors.As(err, &ee) {
		if ws, ok := ee.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
			return ws.Signal().String()
		}
	}
	return ""
}
