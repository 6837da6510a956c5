package service

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"

	"autograde/internal/grader/model"
	"autograde/internal/grader/sandbox/container"
	"autograde/internal/grader/sandbox/observer"
	"autograde/internal/grader/sandbox/process"
	"autograde/internal/grader/sandbox/result"
	appErr "autograde/pkg/errors"
	"autograde/pkg/utils/contextkey"
	"autograde/pkg/utils/logger"

	"go.uber.org/zap"
)

// Grade provisions an environment for task, runs its strategy and returns the
// outcome. The environment is destroyed before Grade returns. The error is
// non-nil only when grading could not reach a verdict; the outcome then
// carries SYSTEM_ERROR, TIMEOUT or EXPIRED.
func (s *Service) Grade(ctx context.Context, task model.GradingTask) (model.GradingOutcome, error) {
	started := s.now()
	outcome := model.GradingOutcome{
		SubmissionID: task.SubmissionID,
		AssignmentID: task.AssignmentID,
		BuildTool:    task.BuildTool,
		StartedAt:    started.UnixMilli(),
	}

	observer.ActiveGradings.Inc()
	defer func() {
		observer.ActiveGradings.Dec()
		observer.GradingsTotal.WithLabelValues(task.BuildTool, string(outcome.Status)).Inc()
		observer.GradingDuration.WithLabelValues(task.BuildTool).Observe(float64(s.now().Sub(started).Milliseconds()))
	}()

	err := s.grade(ctx, task, &outcome)
	outcome.FinishedAt = s.now().UnixMilli()
	if err != nil {
		if ctx.Err() != nil {
			err = ctx.Err()
		}
		outcome = failOutcome(outcome, err)
		if outcome.Status == model.OutcomeTimeout {
			err = nil
		}
	}
	logger.Info(ctx, "grading finished",
		zap.String("status", string(outcome.Status)),
		zap.Float64("score", outcome.Score),
		zap.Duration("duration", outcome.Duration()))
	return outcome, err
}

func (s *Service) grade(ctx context.Context, task model.GradingTask, outcome *model.GradingOutcome) error {
	if err := task.Validate(); err != nil {
		return err
	}
	if err := s.windows.Check(task.AssignmentID, task.AttemptStartedAt, s.now()); err != nil {
		return err
	}
	strategy, err := model.DecodeStrategy(task.Strategy)
	if err != nil {
		return err
	}
	outcome.Strategy = strategy.Kind()
	p, err := s.resolver.Resolve(task.BuildTool)
	if err != nil {
		return err
	}
	command := strategy.Command(p)
	if strings.TrimSpace(command) == "" {
		return appErr.Newf(appErr.GradingTaskInvalid, "no command for %s strategy on %s", strategy.Kind(), p.ID)
	}

	handle := container.HandleFor(task.SubmissionID)
	if !s.claim(handle) {
		return appErr.Newf(appErr.ServiceUnavailable, "submission %s is already being graded", task.SubmissionID)
	}
	defer s.unclaim(handle)
	ctx = context.WithValue(ctx, contextkey.Handle, handle)

	hostDir := filepath.Join(s.workRoot, handle)
	if err := os.RemoveAll(hostDir); err != nil {
		return appErr.Wrapf(err, appErr.InternalServerError, "reset task dir failed")
	}
	defer func() {
		if err := os.RemoveAll(hostDir); err != nil {
			logger.Warn(ctx, "remove task dir failed", zap.Error(err))
		}
	}()

	sourceDir, err := s.prepareSource(ctx, task, hostDir)
	if err != nil {
		return err
	}

	if err := s.waitProvision(ctx); err != nil {
		return err
	}
	env, err := container.Provision(ctx, s.lifecycle, handle, p)
	if err != nil {
		return err
	}
	// Teardown runs on a fresh context so that cancellation still cleans up.
	defer env.Destroy(context.WithoutCancel(ctx))

	if err := env.CopyIn(ctx, sourceDir, s.workDir); err != nil {
		return err
	}
	run, err := env.Exec(ctx, command, task.Timeout())
	if err != nil {
		if ms, ok := process.ElapsedMs(err); ok {
			outcome.Run = &result.ProcessResult{ExitCode: -1, ElapsedMs: ms}
		}
		return err
	}
	outcome.Run = &run

	var suites []result.TestSuiteResult
	if reportDir := strategy.ReportDir(p); reportDir != "" {
		suites, err = s.collectReports(ctx, env, task, path.Join(s.workDir, reportDir), filepath.Join(hostDir, "reports"), outcome)
		if err != nil {
			return err
		}
	}

	verdict := strategy.Evaluate(model.Evidence{Run: run, Suites: suites})
	outcome.Status = verdict.Status
	outcome.Score = verdict.Score
	outcome.Message = verdict.Message
	outcome.Suites = suites
	outcome.Summary = result.Summarize(suites)
	return nil
}

func (s *Service) prepareSource(ctx context.Context, task model.GradingTask, hostDir string) (string, error) {
	if task.SourceKey == "" {
		return task.SourceDir, nil
	}
	if s.artifacts == nil {
		return "", appErr.New(appErr.ServiceUnavailable).WithMessage("object storage is not configured")
	}
	dest := filepath.Join(hostDir, "source")
	if err := s.artifacts.FetchSource(ctx, task.SourceKey, task.SourceHash, dest); err != nil {
		return "", err
	}
	return dest, nil
}

func (s *Service) collectReports(ctx context.Context, env *container.Environment, task model.GradingTask, remote, local string, outcome *model.GradingOutcome) ([]result.TestSuiteResult, error) {
	if err := env.CopyOut(ctx, remote, local); err != nil {
		return nil, err
	}
	suites, err := s.parser.Parse(ctx, local)
	if err != nil {
		return nil, err
	}
	if s.artifacts != nil {
		key, err := s.artifacts.ArchiveReports(ctx, task.SubmissionID, local)
		if err != nil {
			logger.Warn(ctx, "archive reports failed", zap.Error(err))
		}
		outcome.ReportArchive = key
	}
	return suites, nil
}

func failOutcome(outcome model.GradingOutcome, err error) model.GradingOutcome {
	code := appErr.GetCode(err)
	switch {
	case code == appErr.ExecutionTimeout:
		outcome.Status = model.OutcomeTimeout
		outcome.Message = "time limit exceeded"
	case code == appErr.AttemptExpired:
		outcome.Status = model.OutcomeExpired
		outcome.Message = "attempt window closed"
	case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
		outcome.Status = model.OutcomeSystemError
		outcome.Message = "grading canceled"
	default:
		outcome.Status = model.OutcomeSystemError
		outcome.Message = fmt.Sprintf("grading failed: %s", code.Message())
	}
	outcome.Score = 0
	outcome.ErrorCode = int(code)
	outcome.ErrorMessage = err.Error()
	return outcome
}
