// Package result defines the values exchanged between the sandbox components
// and the grading collaborator.
package result

// ProcessResult captures one finished process run.
type ProcessResult struct {
	ExitCode  int    `json:"exitCode"`
	Stdout    string `json:"stdout"`
	Stderr    string `json:"stderr"`
	ElapsedMs int64  `json:"elapsedMs"`
}

// Success reports whether the process exited with code 0.
func (r ProcessResult) Success() bool {
	return r.ExitCode == 0
}

// TestStatus is the outcome of one test case.
type TestStatus string

const (
	StatusPassed  TestStatus = "PASSED"
	StatusFailed  TestStatus = "FAILED"
	StatusError   TestStatus = "ERROR"
	StatusSkipped TestStatus = "SKIPPED"
)

// TestCaseResult is one test method outcome.
// FailureMessage and Diagnostic are only set for FAILED and ERROR.
type TestCaseResult struct {
	ClassName      string     `json:"className"`
	MethodName     string     `json:"methodName"`
	TimeSeconds    float64    `json:"time"`
	Status         TestStatus `json:"status"`
	FailureMessage string     `json:"failureMessage,omitempty"`
	Diagnostic     string     `json:"diagnostic,omitempty"`
}

// TestSuiteResult is one parsed report suite with its cases in document order.
type TestSuiteResult struct {
	Name        string           `json:"name"`
	Tests       int              `json:"tests"`
	Failures    int              `json:"failures"`
	Errors      int              `json:"errors"`
	Skipped     int              `json:"skipped"`
	TimeSeconds float64          `json:"time"`
	Cases       []TestCaseResult `json:"cases"`
}

// Summary aggregates counters over all suites of one run.
type Summary struct {
	Suites      int     `json:"suites"`
	Tests       int     `json:"tests"`
	Passed      int     `json:"passed"`
	Failures    int     `json:"failures"`
	Errors      int     `json:"errors"`
	Skipped     int     `json:"skipped"`
	TimeSeconds float64 `json:"time"`
}

// AllPassed reports whether at least one test ran and none failed or errored.
func (s Summary) AllPassed() bool {
	return s.Tests > 0 && s.Failures == 0 && s.Errors == 0
}

// Summarize totals suite counters. Header counters may be missing or disagree
// with the cases, so each suite contributes the larger of its header value and
// the count derived from case statuses. Passed never exceeds Tests.
func Summarize(suites []TestSuiteResult) Summary {
	var sum Summary
	for _, suite := range suites {
		var passed, failed, errored, skipped int
		for _, tc := range suite.Cases {
			switch tc.Status {
			case StatusPassed:
				passed++
			case StatusFailed:
				failed++
			case StatusError:
				errored++
			case StatusSkipped:
				skipped++
			}
		}
		sum.Suites++
		sum.Tests += max(suite.Tests, len(suite.Cases))
		sum.Passed += passed
		sum.Failures += max(suite.Failures, failed)
		sum.Errors += max(suite.Errors, errored)
		sum.Skipped += max(suite.Skipped, skipped)
		sum.TimeSeconds += suite.TimeSeconds
	}
	return sum
}
