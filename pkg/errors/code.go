package errors

// ErrorCode is a stable numeric error identifier.
type ErrorCode int

// Code ranges:
// 10000-10999: system and infrastructure
// 13000-13099: sandbox (process, container, profile, report)
// 13100-13199: grading pipeline
const (
	Success ErrorCode = 10000

	InternalServerError ErrorCode = 10001
	InvalidParams       ErrorCode = 10002
	NotFound            ErrorCode = 10003
	ServiceUnavailable  ErrorCode = 10007
	Timeout             ErrorCode = 10008

	// Infrastructure (10400-10499)
	StorageError ErrorCode = 10400
	QueueError   ErrorCode = 10401

	// Validation (10300-10399)
	ValidationFailed ErrorCode = 10300

	// Sandbox (13000-13099)
	LaunchFailure         ErrorCode = 13000
	ExecutionTimeout      ErrorCode = 13001
	ProvisioningFailure   ErrorCode = 13002
	TransferFailure       ErrorCode = 13003
	InspectionFailure     ErrorCode = 13004
	UnknownBuildTool      ErrorCode = 13005
	ReportParseFailure    ErrorCode = 13006
	EnvironmentNotRunning ErrorCode = 13007

	// Grading (13100-13199)
	GradingTaskInvalid     ErrorCode = 13100
	UnknownGradingStrategy ErrorCode = 13101
	AttemptExpired         ErrorCode = 13102
	WorkerPoolFull         ErrorCode = 13103
)

var errorMessages = map[ErrorCode]string{
	Success:             "Success",
	InternalServerError: "Internal server error",
	InvalidParams:       "Invalid parameters",
	NotFound:            "Resource not found",
	ServiceUnavailable:  "Service temporarily unavailable",
	Timeout:             "Request timeout",

	StorageError: "Object storage operation failed",
	QueueError:   "Message queue operation failed",

	ValidationFailed: "Validation failed",

	LaunchFailure:         "Process could not be launched",
	ExecutionTimeout:      "Execution deadline exceeded",
	ProvisioningFailure:   "Execution environment could not be provisioned",
	TransferFailure:       "File transfer into execution environment failed",
	InspectionFailure:     "Container engine could not be queried",
	UnknownBuildTool:      "Unknown build tool",
	ReportParseFailure:    "Test report could not be parsed",
	EnvironmentNotRunning: "Execution environment is not running",

	GradingTaskInvalid:     "Grading task is invalid",
	UnknownGradingStrategy: "Unknown grading strategy",
	AttemptExpired:         "Attempt window has expired",
	WorkerPoolFull:         "Grading worker pool is full",
}

// Message returns the default message for the code.
func (c ErrorCode) Message() string {
	if msg, ok := errorMessages[c]; ok {
		return msg
	}
	return "Unknown error"
}

// Retryable reports whether a failure with this code may succeed when retried
// against a fresh environment.
func (c ErrorCode) Retryable() bool {
	switch c {
	case ProvisioningFailure, InspectionFailure, ServiceUnavailable, StorageError, QueueError, WorkerPoolFull:
		return true
	default:
		return false
	}
}

// HTTPStatus returns the recommended HTTP status code for the error code.
func (c ErrorCode) HTTPStatus() int {
	switch {
	case c == Success:
		return 200
	case c == NotFound:
		return 404
	case c == ServiceUnavailable, c == InspectionFailure, c == QueueError, c == StorageError:
		return 503
	case c == Timeout:
		return 504
	case c >= 10300 && c < 10400: // Validation errors
		return 400
	case c == InvalidParams, c == GradingTaskInvalid, c == UnknownBuildTool, c == UnknownGradingStrategy:
		return 400
	default:
		return 500
	}
}
