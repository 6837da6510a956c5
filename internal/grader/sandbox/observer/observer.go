// Package observer wraps sandbox call boundaries with logging and metrics.
package observer

import (
	"context"
	"time"

	"autograde/internal/grader/sandbox/container"
	"autograde/internal/grader/sandbox/process"
	"autograde/internal/grader/sandbox/profile"
	"autograde/internal/grader/sandbox/result"
	appErr "autograde/pkg/errors"
	"autograde/pkg/utils/logger"

	"go.uber.org/zap"
)

const (
	OutcomeOK      = "ok"
	OutcomeTimeout = "timeout"
	OutcomeError   = "error"
)

// Outcome classifies err for metric labels.
func Outcome(err error) string {
	switch {
	case err == nil:
		return OutcomeOK
	case appErr.Is(err, appErr.ExecutionTimeout):
		return OutcomeTimeout
	default:
		return OutcomeError
	}
}

func observe(ctx context.Context, op string, start time.Time, err error, fields ...zap.Field) {
	elapsed := time.Since(start)
	SandboxCallDuration.WithLabelValues(op).Observe(float64(elapsed.Milliseconds()))
	SandboxCallsTotal.WithLabelValues(op, Outcome(err)).Inc()

	fields = append(fields, zap.Int64("duration_ms", elapsed.Milliseconds()))
	if err != nil {
		fields = append(fields, zap.Int("code", int(appErr.GetCode(err))), zap.Error(err))
		logger.Warn(ctx, op+" failed", fields...)
		return
	}
	logger.Debug(ctx, op+" done", fields...)
}

type executor struct {
	next process.Executor
}

// WrapExecutor logs every Run with its timing and records metrics.
func WrapExecutor(next process.Executor) process.Executor {
	return &executor{next: next}
}

func (e *executor) Run(ctx context.Context, cmd process.Command) (result.ProcessResult, error) {
	name := ""
	if len(cmd.Args) > 0 {
		name = cmd.Args[0]
	}
	logger.Debug(ctx, "process.run start", zap.Strings("args", cmd.Args), zap.Duration("timeout", cmd.Timeout))
	start := time.Now()
	res, err := e.next.Run(ctx, cmd)
	observe(ctx, "process.run", start, err, zap.String("command", name), zap.Int("exit_code", res.ExitCode))
	return res, err
}

type lifecycle struct {
	next container.Lifecycle
}

// WrapLifecycle logs entry, exit and timing of every lifecycle operation.
func WrapLifecycle(next container.Lifecycle) container.Lifecycle {
	return &lifecycle{next: next}
}

func (l *lifecycle) IsRunning(ctx context.Context, handle string) (bool, error) {
	start := time.Now()
	running, err := l.next.IsRunning(ctx, handle)
	observe(ctx, "container.is_running", start, err, zap.String("handle", handle), zap.Bool("running", running))
	return running, err
}

func (l *lifecycle) Start(ctx context.Context, handle string, p profile.BuildToolProfile) error {
	logger.Info(ctx, "container.start", zap.String("handle", handle), zap.String("profile", p.ID), zap.String("image", p.Image))
	start := time.Now()
	err := l.next.Start(ctx, handle, p)
	observe(ctx, "container.start", start, err, zap.String("handle", handle))
	return err
}

func (l *lifecycle) CopyIn(ctx context.Context, handle, sourceDir, destPath string) error {
	logger.Debug(ctx, "container.copy_in", zap.String("handle", handle), zap.String("source", sourceDir), zap.String("dest", destPath))
	start := time.Now()
	err := l.next.CopyIn(ctx, handle, sourceDir, destPath)
	observe(ctx, "container.copy_in", start, err, zap.String("handle", handle))
	return err
}

func (l *lifecycle) CopyOut(ctx context.Context, handle, sourcePath, destDir string) error {
	logger.Debug(ctx, "container.copy_out", zap.String("handle", handle), zap.String("source", sourcePath), zap.String("dest", destDir))
	start := time.Now()
	err := l.next.CopyOut(ctx, handle, sourcePath, destDir)
	observe(ctx, "container.copy_out", start, err, zap.String("handle", handle))
	return err
}

func (l *lifecycle) Exec(ctx context.Context, handle, command string, timeout time.Duration) (result.ProcessResult, error) {
	logger.Info(ctx, "container.exec", zap.String("handle", handle), zap.String("command", command), zap.Duration("timeout", timeout))
	start := time.Now()
	res, err := l.next.Exec(ctx, handle, command, timeout)
	observe(ctx, "container.exec", start, err, zap.String("handle", handle), zap.Int("exit_code", res.ExitCode))
	return res, err
}

func (l *lifecycle) Destroy(ctx context.Context, handle string) {
	start := time.Now()
	l.next.Destroy(ctx, handle)
	observe(ctx, "container.destroy", start, nil, zap.String("handle", handle))
}
