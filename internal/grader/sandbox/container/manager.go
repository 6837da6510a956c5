package container

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"autograde/internal/grader/sandbox/process"
	"autograde/internal/grader/sandbox/profile"
	"autograde/internal/grader/sandbox/result"
	appErr "autograde/pkg/errors"
	"autograde/pkg/utils/logger"

	"go.uber.org/zap"
)

// Manager drives the engine CLI through a process.Executor.
type Manager struct {
	cfg  Config
	exec process.Executor
}

// NewManager creates a Manager. WorkRoot is created when missing.
func NewManager(cfg Config, exec process.Executor) (*Manager, error) {
	if exec == nil {
		return nil, fmt.Errorf("process executor is required")
	}
	if cfg.WorkRoot == "" {
		return nil, fmt.Errorf("work root is required")
	}
	cfg.applyDefaults()
	if err := os.MkdirAll(cfg.WorkRoot, 0o755); err != nil {
		return nil, fmt.Errorf("create work root: %w", err)
	}
	return &Manager{cfg: cfg, exec: exec}, nil
}

// ScratchDir returns the host scratch directory of handle.
func (m *Manager) ScratchDir(handle string) string {
	return filepath.Join(m.cfg.WorkRoot, handle)
}

// WorkDir returns the working directory inside every environment.
func (m *Manager) WorkDir() string {
	return m.cfg.WorkDir
}

// IsRunning reports whether the environment exists and is running. An absent
// environment is not an error; an unreachable engine is.
func (m *Manager) IsRunning(ctx context.Context, handle string) (bool, error) {
	if err := ValidateHandle(handle); err != nil {
		return false, err
	}
	res, err := m.engine(ctx, inspectTimeout, "inspect", "--type", "container", "--format", "{{.State.Running}}", handle)
	if err != nil {
		return false, appErr.Wrapf(err, appErr.InspectionFailure, "inspect %s failed: %v", handle, err).
			WithDetail("handle", handle)
	}
	if res.ExitCode != 0 {
		if isNoSuchObject(res.Stderr) {
			return false, nil
		}
		return false, appErr.Newf(appErr.InspectionFailure, "inspect %s failed: %s", handle, res.Stderr).
			WithDetail("handle", handle).
			WithDetail("stderr", res.Stderr)
	}
	return strings.TrimSpace(res.Stdout) == "true", nil
}

// Start provisions a fresh environment for handle, replacing any previous one.
func (m *Manager) Start(ctx context.Context, handle string, p profile.BuildToolProfile) error {
	if err := ValidateHandle(handle); err != nil {
		return err
	}
	if p.Image == "" {
		return appErr.ValidationError("profile.image", "required")
	}

	m.removeContainer(ctx, handle)

	scratch := m.ScratchDir(handle)
	if err := os.RemoveAll(scratch); err != nil {
		return appErr.Wrapf(err, appErr.ProvisioningFailure, "reset scratch dir failed: %v", err)
	}
	if err := os.MkdirAll(scratch, 0o777); err != nil {
		return appErr.Wrapf(err, appErr.ProvisioningFailure, "create scratch dir failed: %v", err)
	}
	// The environment user is unknown on the host; keep the mount writable for it.
	_ = os.Chmod(scratch, 0o777)

	res, err := m.engine(ctx, m.cfg.StartTimeout, m.runArgs(handle, p)...)
	if err != nil {
		return appErr.Wrapf(err, appErr.ProvisioningFailure, "create environment %s failed: %v", handle, err).
			WithDetail("handle", handle)
	}
	if res.ExitCode != 0 {
		return appErr.Newf(appErr.ProvisioningFailure, "create environment %s failed: %s", handle, res.Stderr).
			WithDetail("handle", handle).
			WithDetail("image", p.Image).
			WithDetail("stderr", res.Stderr)
	}

	if err := sleepContext(ctx, m.cfg.SettleDelay); err != nil {
		return appErr.Wrapf(err, appErr.ProvisioningFailure, "provisioning of %s interrupted", handle)
	}

	if p.CacheHome == "" {
		return nil
	}
	initCmd := fmt.Sprintf("mkdir -p %s && chmod -R 0777 %s", shellQuote(p.CacheHome), shellQuote(p.CacheHome))
	res, err = m.engine(ctx, m.cfg.StartTimeout, "exec", "--user", "0", handle, "sh", "-c", initCmd)
	if err != nil {
		return appErr.Wrapf(err, appErr.ProvisioningFailure, "init cache home in %s failed: %v", handle, err).
			WithDetail("handle", handle)
	}
	if res.ExitCode != 0 {
		return appErr.Newf(appErr.ProvisioningFailure, "init cache home in %s failed: %s", handle, res.Stderr).
			WithDetail("handle", handle).
			WithDetail("stderr", res.Stderr)
	}
	return nil
}

// CopyIn copies the contents of sourceDir, not the directory itself, to destPath.
func (m *Manager) CopyIn(ctx context.Context, handle, sourceDir, destPath string) error {
	if err := ValidateHandle(handle); err != nil {
		return err
	}
	info, err := os.Stat(sourceDir)
	if err != nil {
		return appErr.Wrapf(err, appErr.TransferFailure, "source dir %s is not accessible: %v", sourceDir, err)
	}
	if !info.IsDir() {
		return appErr.Newf(appErr.TransferFailure, "source %s is not a directory", sourceDir)
	}
	if destPath == "" {
		destPath = m.cfg.WorkDir
	}

	res, err := m.engine(ctx, m.cfg.CopyInTimeout, "cp", filepath.Clean(sourceDir)+string(filepath.Separator)+".", handle+":"+destPath)
	if err != nil {
		return appErr.Wrapf(err, appErr.TransferFailure, "copy into %s failed: %v", handle, err).
			WithDetail("handle", handle)
	}
	if res.ExitCode != 0 {
		return appErr.Newf(appErr.TransferFailure, "copy into %s failed: %s", handle, res.Stderr).
			WithDetail("handle", handle).
			WithDetail("stderr", res.Stderr)
	}
	return nil
}

// CopyOut copies sourcePath from the environment into destDir. A missing
// source is not an error since reports are absent after failed builds.
func (m *Manager) CopyOut(ctx context.Context, handle, sourcePath, destDir string) error {
	if err := ValidateHandle(handle); err != nil {
		return err
	}
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return appErr.Wrapf(err, appErr.TransferFailure, "create destination %s failed: %v", destDir, err)
	}

	res, err := m.engine(ctx, copyOutTimeout, "cp", handle+":"+sourcePath, destDir)
	if err != nil {
		return appErr.Wrapf(err, appErr.TransferFailure, "copy out of %s failed: %v", handle, err).
			WithDetail("handle", handle)
	}
	if res.ExitCode != 0 {
		if isMissingPath(res.Stderr) {
			logger.Debug(ctx, "copy-out source absent", zap.String("handle", handle), zap.String("path", sourcePath))
			return nil
		}
		return appErr.Newf(appErr.TransferFailure, "copy out of %s failed: %s", handle, res.Stderr).
			WithDetail("handle", handle).
			WithDetail("stderr", res.Stderr)
	}
	return nil
}

// Exec runs command through "sh -c" inside the environment with stdout and
// stderr combined. On timeout every process of the environment except its
// keep-alive init is killed; the environment itself stays alive.
func (m *Manager) Exec(ctx context.Context, handle, command string, timeout time.Duration) (result.ProcessResult, error) {
	if err := ValidateHandle(handle); err != nil {
		return result.ProcessResult{}, err
	}
	if strings.TrimSpace(command) == "" {
		return result.ProcessResult{}, appErr.InvalidParam("command is required")
	}
	args := append(append([]string{}, m.cfg.Binary...), "exec", handle, "sh", "-c", command)
	res, err := m.exec.Run(ctx, process.Command{
		Args:          args,
		Timeout:       timeout,
		CombineOutput: true,
	})
	if appErr.Is(err, appErr.ExecutionTimeout) {
		// Killing the CLI client leaves the daemon-side exec running.
		m.reap(ctx, handle)
	}
	return res, err
}

// reap kills every process in handle except its init.
func (m *Manager) reap(ctx context.Context, handle string) {
	res, err := m.engine(context.WithoutCancel(ctx), reapTimeout, "exec", "--user", "0", handle, "sh", "-c", reapCommand)
	if err != nil {
		logger.Warn(ctx, "reap timed-out command failed", zap.String("handle", handle), zap.Error(err))
		return
	}
	if res.ExitCode != 0 {
		logger.Warn(ctx, "reap timed-out command failed", zap.String("handle", handle), zap.String("stderr", res.Stderr))
	}
}

// Destroy removes the environment and its scratch directory. Failures are logged only.
func (m *Manager) Destroy(ctx context.Context, handle string) {
	if err := ValidateHandle(handle); err != nil {
		logger.Warn(ctx, "destroy skipped for invalid handle", zap.String("handle", handle), zap.Error(err))
		return
	}
	m.removeContainer(ctx, handle)
	if err := os.RemoveAll(m.ScratchDir(handle)); err != nil {
		logger.Warn(ctx, "remove scratch dir failed", zap.String("handle", handle), zap.Error(err))
	}
}

// Sweep destroys every environment carrying the management label and returns
// how many were found. Only call it while no grading is in flight.
func (m *Manager) Sweep(ctx context.Context) (int, error) {
	res, err := m.engine(ctx, inspectTimeout, "ps", "--all", "--filter", "label="+ManagedLabel+"=true", "--format", "{{.Names}}")
	if err != nil {
		return 0, appErr.Wrapf(err, appErr.InspectionFailure, "list environments failed: %v", err)
	}
	if res.ExitCode != 0 {
		return 0, appErr.Newf(appErr.InspectionFailure, "list environments failed: %s", res.Stderr).
			WithDetail("stderr", res.Stderr)
	}
	count := 0
	for _, line := range strings.Split(res.Stdout, "\n") {
		handle := strings.TrimSpace(line)
		if handle == "" {
			continue
		}
		m.Destroy(ctx, handle)
		count++
	}
	return count, nil
}

func (m *Manager) runArgs(handle string, p profile.BuildToolProfile) []string {
	args := []string{
		"run", "--detach",
		"--name", handle,
		"--label", ManagedLabel + "=true",
		"--label", handleLabel + "=" + handle,
		"--volume", m.ScratchDir(handle) + ":" + m.cfg.ScratchMount,
		"--workdir", m.cfg.WorkDir,
	}
	if p.Limits.Memory != "" {
		args = append(args, "--memory", p.Limits.Memory, "--memory-swap", p.Limits.Memory)
	}
	if p.Limits.CPUs != "" {
		args = append(args, "--cpus", p.Limits.CPUs)
	}
	if p.Limits.ShmSize != "" {
		args = append(args, "--shm-size", p.Limits.ShmSize)
	}
	if p.Limits.PIDs > 0 {
		args = append(args, "--pids-limit", fmt.Sprintf("%d", p.Limits.PIDs))
	}
	if m.cfg.Network != "" {
		args = append(args, "--network", m.cfg.Network)
	}
	for _, kv := range p.Env() {
		args = append(args, "--env", kv)
	}
	args = append(args, "--entrypoint", m.cfg.KeepAlive[0], p.Image)
	return append(args, m.cfg.KeepAlive[1:]...)
}

// removeContainer force-removes handle. It runs on its own deadline so that a
// canceled request still cleans up.
func (m *Manager) removeContainer(ctx context.Context, handle string) {
	res, err := m.engine(context.WithoutCancel(ctx), destroyTimeout, "rm", "--force", "--volumes", handle)
	if err != nil {
		logger.Warn(ctx, "remove environment failed", zap.String("handle", handle), zap.Error(err))
		return
	}
	if res.ExitCode != 0 && !isNoSuchObject(res.Stderr) {
		logger.Warn(ctx, "remove environment failed", zap.String("handle", handle), zap.String("stderr", res.Stderr))
	}
}

func (m *Manager) engine(ctx context.Context, timeout time.Duration, args ...string) (result.ProcessResult, error) {
	argv := make([]string, 0, len(m.cfg.Binary)+len(args))
	argv = append(argv, m.cfg.Binary...)
	argv = append(argv, args...)
	return m.exec.Run(ctx, process.Command{Args: argv, Timeout: timeout})
}

// kill(-1) skips PID 1 and the caller.
const reapCommand = "kill -9 -1 2>/dev/null; true"

func isNoSuchObject(stderr string) bool {
	s := strings.ToLower(stderr)
	return strings.Contains(s, "no such object") || strings.Contains(s, "no such container")
}

func isMissingPath(stderr string) bool {
	s := strings.ToLower(stderr)
	return strings.Contains(s, "could not find the file") ||
		strings.Contains(s, "no such container:path") ||
		strings.Contains(s, "no such file or directory")
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
