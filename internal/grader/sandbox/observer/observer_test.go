package observer

import (
	"context"
	"testing"
	"time"

	"autograde/internal/grader/sandbox/process"
	"autograde/internal/grader/sandbox/profile"
	"autograde/internal/grader/sandbox/result"
	appErr "autograde/pkg/errors"
	"autograde/pkg/utils/logger"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.uber.org/zap/zapcore"
	zapobserver "go.uber.org/zap/zaptest/observer"
)

type stubExecutor struct {
	res result.ProcessResult
	err error
}

func (s stubExecutor) Run(ctx context.Context, cmd process.Command) (result.ProcessResult, error) {
	return s.res, s.err
}

type stubLifecycle struct {
	execErr error
}

func (s stubLifecycle) IsRunning(ctx context.Context, handle string) (bool, error) { return true, nil }

func (s stubLifecycle) Start(ctx context.Context, handle string, p profile.BuildToolProfile) error {
	return nil
}

func (s stubLifecycle) CopyIn(ctx context.Context, handle, sourceDir, destPath string) error {
	return nil
}

func (s stubLifecycle) CopyOut(ctx context.Context, handle, sourcePath, destDir string) error {
	return nil
}

func (s stubLifecycle) Exec(ctx context.Context, handle, command string, timeout time.Duration) (result.ProcessResult, error) {
	return result.ProcessResult{ExitCode: 1}, s.execErr
}

func (s stubLifecycle) Destroy(ctx context.Context, handle string) {}

func captureLogs(t *testing.T) *zapobserver.ObservedLogs {
	t.Helper()
	core, logs := zapobserver.New(zapcore.DebugLevel)
	restore := logger.ReplaceForTest(core)
	t.Cleanup(restore)
	return logs
}

func TestOutcome(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want string
	}{
		{name: "nil", err: nil, want: OutcomeOK},
		{name: "timeout", err: appErr.New(appErr.ExecutionTimeout), want: OutcomeTimeout},
		{name: "other", err: appErr.New(appErr.TransferFailure), want: OutcomeError},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := Outcome(tc.err); got != tc.want {
				t.Fatalf("Outcome() = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestWrapExecutor(t *testing.T) {
	logs := captureLogs(t)
	before := testutil.ToFloat64(SandboxCallsTotal.WithLabelValues("process.run", OutcomeOK))

	exec := WrapExecutor(stubExecutor{res: result.ProcessResult{Stdout: "ok"}})
	res, err := exec.Run(context.Background(), process.Command{Args: []string{"echo", "ok"}})
	if err != nil || res.Stdout != "ok" {
		t.Fatalf("decorator changed the result: %+v err=%v", res, err)
	}

	after := testutil.ToFloat64(SandboxCallsTotal.WithLabelValues("process.run", OutcomeOK))
	if after-before != 1 {
		t.Fatalf("expected one ok call recorded, got %v", after-before)
	}
	if logs.FilterMessage("process.run start").Len() != 1 || logs.FilterMessage("process.run done").Len() != 1 {
		t.Fatalf("expected entry and exit logs, got %v", logs.All())
	}
}

func TestWrapLifecycleLogsFailures(t *testing.T) {
	logs := captureLogs(t)
	before := testutil.ToFloat64(SandboxCallsTotal.WithLabelValues("container.exec", OutcomeTimeout))

	lc := WrapLifecycle(stubLifecycle{execErr: appErr.New(appErr.ExecutionTimeout)})
	_, err := lc.Exec(context.Background(), "grade-1", "gradle test", time.Second)
	if !appErr.Is(err, appErr.ExecutionTimeout) {
		t.Fatalf("error not propagated: %v", err)
	}

	after := testutil.ToFloat64(SandboxCallsTotal.WithLabelValues("container.exec", OutcomeTimeout))
	if after-before != 1 {
		t.Fatalf("expected one timeout recorded, got %v", after-before)
	}
	failed := logs.FilterMessage("container.exec failed").All()
	if len(failed) != 1 {
		t.Fatalf("expected one failure log, got %v", logs.All())
	}
	if failed[0].Level != zapcore.WarnLevel {
		t.Fatalf("expected warn level, got %s", failed[0].Level)
	}
	if failed[0].ContextMap()["handle"] != "grade-1" {
		t.Fatalf("missing handle field: %v", failed[0].ContextMap())
	}

	lc.Destroy(context.Background(), "grade-1")
	if logs.FilterMessage("container.destroy done").Len() != 1 {
		t.Fatalf("destroy not logged")
	}
}
