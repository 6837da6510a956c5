package model

import (
	"encoding/json"
	"path/filepath"
	"strings"
	"time"

	appErr "autograde/pkg/errors"
)

const (
	DefaultTimeout = 5 * time.Minute
	MaxTimeout     = 30 * time.Minute
)

// GradingTask represents the Kafka payload for grading tasks.
// Exactly one of SourceDir and SourceKey locates the prepared submission files.
type GradingTask struct {
	SubmissionID string `json:"submission_id"`
	AssignmentID string `json:"assignment_id"`
	BuildTool    string `json:"build_tool"`
	// SourceDir is a host directory shared with the worker.
	SourceDir string `json:"source_dir,omitempty"`
	// SourceKey is an object holding a zstd-compressed tar of the files.
	SourceKey      string          `json:"source_key,omitempty"`
	SourceHash     string          `json:"source_hash,omitempty"`
	TimeoutSeconds int             `json:"timeout_seconds"`
	Strategy       json.RawMessage `json:"strategy,omitempty"`
	// AttemptStartedAt is when the student opened the attempt; zero skips expiry checks.
	AttemptStartedAt time.Time `json:"attempt_started_at,omitempty"`
	TraceID          string    `json:"trace_id,omitempty"`
}

// Validate checks the fields the pipeline depends on.
func (t GradingTask) Validate() error {
	if strings.TrimSpace(t.SubmissionID) == "" {
		return invalidTask("submission_id", "required")
	}
	if strings.TrimSpace(t.BuildTool) == "" {
		return invalidTask("build_tool", "required")
	}
	switch {
	case t.SourceDir == "" && t.SourceKey == "":
		return invalidTask("source_dir", "source_dir or source_key is required")
	case t.SourceDir != "" && t.SourceKey != "":
		return invalidTask("source_dir", "source_dir and source_key are exclusive")
	case t.SourceDir != "" && !filepath.IsAbs(t.SourceDir):
		return invalidTask("source_dir", "must be absolute")
	}
	if t.TimeoutSeconds < 0 {
		return invalidTask("timeout_seconds", "must not be negative")
	}
	if time.Duration(t.TimeoutSeconds)*time.Second > MaxTimeout {
		return invalidTask("timeout_seconds", "exceeds "+MaxTimeout.String())
	}
	return nil
}

// Timeout returns the execution budget, falling back to DefaultTimeout.
func (t GradingTask) Timeout() time.Duration {
	if t.TimeoutSeconds <= 0 {
		return DefaultTimeout
	}
	return time.Duration(t.TimeoutSeconds) * time.Second
}

// DecodeTask parses and validates a task payload.
func DecodeTask(data []byte) (GradingTask, error) {
	var task GradingTask
	if err := json.Unmarshal(data, &task); err != nil {
		return GradingTask{}, appErr.Wrapf(err, appErr.GradingTaskInvalid, "decode grading task failed: %v", err)
	}
	if err := task.Validate(); err != nil {
		return GradingTask{}, err
	}
	return task, nil
}

func invalidTask(field, reason string) error {
	return appErr.Newf(appErr.GradingTaskInvalid, "%s: %s", field, reason).
		WithDetail("field", field)
}
