// Package service runs grading tasks through the sandbox and publishes outcomes.
package service

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"autograde/internal/common/mq"
	"autograde/internal/grader/model"
	"autograde/internal/grader/repository"
	"autograde/internal/grader/sandbox/container"
	"autograde/internal/grader/sandbox/observer"
	"autograde/internal/grader/sandbox/profile"
	"autograde/internal/grader/sandbox/report"
	appErr "autograde/pkg/errors"
	"autograde/pkg/utils/contextkey"
	"autograde/pkg/utils/logger"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	defaultSlotWait       = 2 * time.Second
	defaultPublishTimeout = 10 * time.Second
	defaultWorkDir        = "/workspace"
)

// ArtifactStore fetches sources and archives reports. Nil disables both.
type ArtifactStore interface {
	FetchSource(ctx context.Context, key, expectedHash, dest string) error
	ArchiveReports(ctx context.Context, submissionID, dir string) (string, error)
}

// Service handles grading tasks.
type Service struct {
	lifecycle      container.Lifecycle
	resolver       *profile.Resolver
	parser         *report.Parser
	publisher      repository.OutcomePublisher
	artifacts      ArtifactStore
	windows        *model.AttemptWindows
	limiter        *rate.Limiter
	workRoot       string
	workDir        string
	slotWait       time.Duration
	publishTimeout time.Duration
	now            func() time.Time
	sem            chan struct{}

	inflightMu sync.Mutex
	inflight   map[string]struct{}
}

// Config holds service dependencies and settings.
type Config struct {
	Lifecycle container.Lifecycle
	Resolver  *profile.Resolver
	Parser    *report.Parser
	Publisher repository.OutcomePublisher
	Artifacts ArtifactStore
	Windows   *model.AttemptWindows
	// WorkRoot holds per-task host directories for fetched sources and copied-out reports.
	WorkRoot string
	// WorkDir is the project directory inside every environment.
	WorkDir        string
	WorkerPoolSize int
	SlotWait       time.Duration
	// ProvisionRate limits environment creations per second. Zero disables pacing.
	ProvisionRate  float64
	ProvisionBurst int
	PublishTimeout time.Duration
	Now            func() time.Time
}

// NewService creates a new grading service.
func NewService(cfg Config) (*Service, error) {
	if cfg.Lifecycle == nil {
		return nil, fmt.Errorf("lifecycle is required")
	}
	if cfg.WorkRoot == "" {
		return nil, fmt.Errorf("work root is required")
	}
	if err := os.MkdirAll(cfg.WorkRoot, 0o755); err != nil {
		return nil, fmt.Errorf("create work root: %w", err)
	}
	if cfg.Resolver == nil {
		cfg.Resolver = profile.NewResolver()
	}
	if cfg.Parser == nil {
		cfg.Parser = report.NewParser()
	}
	if cfg.Windows == nil {
		cfg.Windows = model.NewAttemptWindows(nil)
	}
	if cfg.WorkDir == "" {
		cfg.WorkDir = defaultWorkDir
	}
	if cfg.SlotWait <= 0 {
		cfg.SlotWait = defaultSlotWait
	}
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = defaultPublishTimeout
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	poolSize := cfg.WorkerPoolSize
	if poolSize <= 0 {
		poolSize = 1
	}
	limiter := rate.NewLimiter(rate.Inf, 0)
	if cfg.ProvisionRate > 0 {
		burst := cfg.ProvisionBurst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.ProvisionRate), burst)
	}
	return &Service{
		lifecycle:      cfg.Lifecycle,
		resolver:       cfg.Resolver,
		parser:         cfg.Parser,
		publisher:      cfg.Publisher,
		artifacts:      cfg.Artifacts,
		windows:        cfg.Windows,
		limiter:        limiter,
		workRoot:       cfg.WorkRoot,
		workDir:        cfg.WorkDir,
		slotWait:       cfg.SlotWait,
		publishTimeout: cfg.PublishTimeout,
		now:            cfg.Now,
		sem:            make(chan struct{}, poolSize),
		inflight:       make(map[string]struct{}),
	}, nil
}

// HandleMessage processes one grading task message. A returned error asks the
// queue to redeliver; every other outcome is published.
func (s *Service) HandleMessage(ctx context.Context, msg *mq.Message) error {
	if msg == nil {
		return appErr.New(appErr.InvalidParams).WithMessage("message is nil")
	}
	task, err := model.DecodeTask(msg.Body)
	if err != nil {
		// Redelivery cannot fix a malformed payload.
		logger.Error(ctx, "drop invalid grading task", zap.String("message_id", msg.ID), zap.Error(err))
		return nil
	}
	traceID := task.TraceID
	if traceID == "" {
		traceID = uuid.NewString()
	}
	ctx = context.WithValue(ctx, contextkey.TraceID, traceID)
	ctx = context.WithValue(ctx, contextkey.SubmissionID, task.SubmissionID)

	if err := s.acquireSlot(ctx); err != nil {
		return err
	}
	defer s.releaseSlot()

	outcome, err := s.Grade(ctx, task)
	if ctx.Err() != nil {
		// Shutting down; leave the message uncommitted.
		return ctx.Err()
	}
	if err != nil && appErr.GetCode(err).Retryable() && msg.RetryCount < msg.MaxRetries {
		logger.Warn(ctx, "grading failed, requesting redelivery",
			zap.Int("retry_count", msg.RetryCount),
			zap.Error(err))
		return err
	}
	return s.publish(ctx, outcome)
}

func (s *Service) publish(ctx context.Context, outcome model.GradingOutcome) error {
	if s.publisher == nil {
		return nil
	}
	ctxPub, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.publishTimeout)
	defer cancel()
	if err := s.publisher.PublishOutcome(ctxPub, outcome); err != nil {
		logger.Error(ctx, "publish outcome failed", zap.String("status", string(outcome.Status)), zap.Error(err))
		return err
	}
	return nil
}

func (s *Service) acquireSlot(ctx context.Context) error {
	timer := time.NewTimer(s.slotWait)
	defer timer.Stop()
	select {
	case s.sem <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return appErr.New(appErr.WorkerPoolFull).WithMessage("worker pool is full")
	}
}

func (s *Service) releaseSlot() {
	select {
	case <-s.sem:
	default:
	}
}

// claim marks handle as in flight so that two tasks never share an environment.
func (s *Service) claim(handle string) bool {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	if _, busy := s.inflight[handle]; busy {
		return false
	}
	s.inflight[handle] = struct{}{}
	return true
}

func (s *Service) unclaim(handle string) {
	s.inflightMu.Lock()
	delete(s.inflight, handle)
	s.inflightMu.Unlock()
}

// waitProvision paces environment creation to protect the shared engine daemon.
func (s *Service) waitProvision(ctx context.Context) error {
	r := s.limiter.Reserve()
	if !r.OK() {
		return appErr.New(appErr.ServiceUnavailable).WithMessage("provision rate limiter misconfigured")
	}
	delay := r.Delay()
	if delay <= 0 {
		return nil
	}
	observer.RateLimitWaits.Inc()
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		r.Cancel()
		return ctx.Err()
	}
}
