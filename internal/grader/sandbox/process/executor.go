// Package process runs external commands synchronously under a wall-clock limit.
package process

import (
	"context"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"autograde/internal/grader/sandbox/result"
	appErr "autograde/pkg/errors"
)

const (
	defaultMaxOutputBytes int64 = 1 << 20
	defaultWaitDelay            = 2 * time.Second
	truncatedMarker             = "\n...[output truncated]"
)

// Command describes one child process invocation.
type Command struct {
	Args []string
	// Timeout bounds wall-clock time. Zero or negative disables the limit.
	Timeout time.Duration
	Dir     string
	// Env entries are appended to the parent environment.
	Env   []string
	Stdin io.Reader
	// CombineOutput writes stderr into the stdout capture.
	CombineOutput bool
}

// Executor launches a command and blocks until it exits or is killed.
type Executor interface {
	Run(ctx context.Context, cmd Command) (result.ProcessResult, error)
}

// Config controls executor behavior.
type Config struct {
	// MaxOutputBytes caps each captured stream.
	MaxOutputBytes int64
	// WaitDelay bounds how long Wait keeps draining pipes held open by
	// descendants after the child was killed.
	WaitDelay time.Duration
}

// LocalExecutor runs commands as children of the current process.
type LocalExecutor struct {
	cfg Config
}

// NewExecutor creates a LocalExecutor.
func NewExecutor(cfg Config) *LocalExecutor {
	if cfg.MaxOutputBytes <= 0 {
		cfg.MaxOutputBytes = defaultMaxOutputBytes
	}
	if cfg.WaitDelay <= 0 {
		cfg.WaitDelay = defaultWaitDelay
	}
	return &LocalExecutor{cfg: cfg}
}

// Run starts cmd in its own process group. On timeout or ctx cancellation the
// whole group is SIGKILLed and reaped before an ExecutionTimeout error is returned.
func (e *LocalExecutor) Run(ctx context.Context, cmd Command) (result.ProcessResult, error) {
	if len(cmd.Args) == 0 || cmd.Args[0] == "" {
		return result.ProcessResult{}, appErr.New(appErr.LaunchFailure).WithMessage("command is required")
	}

	c := exec.Command(cmd.Args[0], cmd.Args[1:]...)
	c.Dir = cmd.Dir
	if len(cmd.Env) > 0 {
		c.Env = append(os.Environ(), cmd.Env...)
	}
	c.Stdin = cmd.Stdin
	c.WaitDelay = e.cfg.WaitDelay
	setProcessGroup(c)

	stdout := newCappedBuffer(e.cfg.MaxOutputBytes)
	stderr := newCappedBuffer(e.cfg.MaxOutputBytes)
	c.Stdout = stdout
	if cmd.CombineOutput {
		c.Stderr = stdout
	} else {
		c.Stderr = stderr
	}

	start := time.Now()
	if err := c.Start(); err != nil {
		return result.ProcessResult{}, appErr.Wrapf(err, appErr.LaunchFailure, "launch %s failed: %v", cmd.Args[0], err).
			WithDetail("command", cmd.Args[0])
	}

	// mu orders the watchdog kill against Wait returning: once reaped is set
	// the group id may be reused and must not be signalled.
	var (
		mu     sync.Mutex
		reaped bool
		killed bool
	)
	done := make(chan struct{})
	go func() {
		var deadline <-chan time.Time
		if cmd.Timeout > 0 {
			timer := time.NewTimer(cmd.Timeout)
			defer timer.Stop()
			deadline = timer.C
		}
		select {
		case <-done:
			return
		case <-ctx.Done():
		case <-deadline:
		}
		mu.Lock()
		defer mu.Unlock()
		if reaped {
			return
		}
		killed = true
		killProcessGroup(c)
	}()

	waitErr := c.Wait()
	mu.Lock()
	reaped = true
	// A leader that exited on its own before the kill landed still has a verdict.
	timedOut := killed && (c.ProcessState == nil || !c.ProcessState.Exited())
	mu.Unlock()
	close(done)
	elapsed := time.Since(start).Milliseconds()

	if timedOut {
		reason := "deadline"
		if ctx.Err() != nil {
			reason = ctx.Err().Error()
		}
		return result.ProcessResult{}, appErr.Newf(appErr.ExecutionTimeout, "%s killed after %dms (%s)", cmd.Args[0], elapsed, reason).
			WithDetail("elapsed_ms", elapsed).
			WithDetail("stdout", stdout.String()).
			WithDetail("stderr", stderr.String())
	}

	exitCode := -1
	if c.ProcessState != nil {
		exitCode = c.ProcessState.ExitCode()
	}
	if waitErr != nil && c.ProcessState == nil {
		return result.ProcessResult{}, appErr.Wrapf(waitErr, appErr.LaunchFailure, "wait %s failed: %v", cmd.Args[0], waitErr)
	}

	return result.ProcessResult{
		ExitCode:  exitCode,
		Stdout:    trimOutput(stdout.String()),
		Stderr:    trimOutput(stderr.String()),
		ElapsedMs: elapsed,
	}, nil
}

// ElapsedMs returns the elapsed time recorded on an ExecutionTimeout error.
func ElapsedMs(err error) (int64, bool) {
	if !appErr.Is(err, appErr.ExecutionTimeout) {
		return 0, false
	}
	v, ok := appErr.GetError(err).Detail("elapsed_ms")
	if !ok {
		return 0, false
	}
	ms, ok := v.(int64)
	return ms, ok
}

func trimOutput(s string) string {
	return strings.TrimRight(s, "\r\n")
}
