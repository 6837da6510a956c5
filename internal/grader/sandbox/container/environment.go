package container

import (
	"context"
	"sync"
	"time"

	"autograde/internal/grader/sandbox/profile"
	"autograde/internal/grader/sandbox/result"
	appErr "autograde/pkg/errors"
)

// State is the lifecycle state of one environment.
type State string

const (
	StateAbsent       State = "ABSENT"
	StateProvisioning State = "PROVISIONING"
	StateRunning      State = "RUNNING"
	StateExecuting    State = "EXECUTING"
	StateDestroyed    State = "DESTROYED"
)

// Environment is a caller-owned session over one provisioned handle.
// Only RUNNING permits transfers and commands.
type Environment struct {
	handle  string
	profile profile.BuildToolProfile
	lc      Lifecycle

	mu    sync.Mutex
	state State
}

// Provision starts a fresh environment for handle and returns its session.
// On failure the half-created environment is destroyed before returning.
func Provision(ctx context.Context, lc Lifecycle, handle string, p profile.BuildToolProfile) (*Environment, error) {
	env := &Environment{handle: handle, profile: p, lc: lc, state: StateProvisioning}
	if err := lc.Start(ctx, handle, p); err != nil {
		lc.Destroy(ctx, handle)
		env.setState(StateDestroyed)
		return nil, err
	}
	env.setState(StateRunning)
	return env, nil
}

// Handle returns the environment handle.
func (e *Environment) Handle() string {
	return e.handle
}

// Profile returns the profile the environment was provisioned with.
func (e *Environment) Profile() profile.BuildToolProfile {
	return e.profile
}

// State returns the current state.
func (e *Environment) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// CopyIn copies the contents of sourceDir into the environment.
func (e *Environment) CopyIn(ctx context.Context, sourceDir, destPath string) error {
	if err := e.requireRunning(appErr.TransferFailure); err != nil {
		return err
	}
	return e.lc.CopyIn(ctx, e.handle, sourceDir, destPath)
}

// CopyOut copies sourcePath out of the environment into destDir.
func (e *Environment) CopyOut(ctx context.Context, sourcePath, destDir string) error {
	if err := e.requireRunning(appErr.TransferFailure); err != nil {
		return err
	}
	return e.lc.CopyOut(ctx, e.handle, sourcePath, destDir)
}

// Exec runs command inside the environment. Commands on one environment are serialized.
func (e *Environment) Exec(ctx context.Context, command string, timeout time.Duration) (result.ProcessResult, error) {
	e.mu.Lock()
	if e.state != StateRunning {
		state := e.state
		e.mu.Unlock()
		return result.ProcessResult{}, appErr.Newf(appErr.EnvironmentNotRunning, "environment %s is %s", e.handle, state).
			WithDetail("handle", e.handle)
	}
	e.state = StateExecuting
	e.mu.Unlock()

	res, err := e.lc.Exec(ctx, e.handle, command, timeout)

	e.mu.Lock()
	if e.state == StateExecuting {
		e.state = StateRunning
	}
	e.mu.Unlock()
	return res, err
}

// Destroy tears the environment down. Repeated calls are no-ops.
func (e *Environment) Destroy(ctx context.Context) {
	e.mu.Lock()
	if e.state == StateDestroyed {
		e.mu.Unlock()
		return
	}
	e.state = StateDestroyed
	e.mu.Unlock()
	e.lc.Destroy(ctx, e.handle)
}

func (e *Environment) requireRunning(code appErr.ErrorCode) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != StateRunning {
		return appErr.Newf(code, "environment %s is %s", e.handle, e.state).
			WithDetail("handle", e.handle)
	}
	return nil
}

func (e *Environment) setState(s State) {
	e.mu.Lock()
	e.state = s
	e.mu.Unlock()
}
