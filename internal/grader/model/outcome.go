package model

import (
	"time"

	"autograde/internal/grader/sandbox/result"
)

// OutcomeStatus is the final state of one grading task.
type OutcomeStatus string

const (
	OutcomePassed OutcomeStatus = "PASSED"
	OutcomeFailed OutcomeStatus = "FAILED"
	// OutcomeTimeout means the build or tests exceeded the time budget.
	OutcomeTimeout OutcomeStatus = "TIMEOUT"
	// OutcomeExpired means the attempt window closed before grading.
	OutcomeExpired OutcomeStatus = "EXPIRED"
	// OutcomeSystemError covers provisioning, transfer and engine failures.
	OutcomeSystemError OutcomeStatus = "SYSTEM_ERROR"
)

// GradingOutcome is published once per task.
type GradingOutcome struct {
	SubmissionID  string                   `json:"submission_id"`
	AssignmentID  string                   `json:"assignment_id,omitempty"`
	BuildTool     string                   `json:"build_tool"`
	Strategy      string                   `json:"strategy,omitempty"`
	Status        OutcomeStatus            `json:"status"`
	Score         float64                  `json:"score"`
	Message       string                   `json:"message,omitempty"`
	Run           *result.ProcessResult    `json:"run,omitempty"`
	Suites        []result.TestSuiteResult `json:"suites,omitempty"`
	Summary       result.Summary           `json:"summary"`
	ReportArchive string                   `json:"report_archive,omitempty"`
	ErrorCode     int                      `json:"error_code,omitempty"`
	ErrorMessage  string                   `json:"error_message,omitempty"`
	StartedAt     int64                    `json:"started_at"`
	FinishedAt    int64                    `json:"finished_at"`
}

// Duration returns the wall-clock grading time.
func (o GradingOutcome) Duration() time.Duration {
	if o.FinishedAt < o.StartedAt {
		return 0
	}
	return time.Duration(o.FinishedAt-o.StartedAt) * time.Millisecond
}
