package result

import "testing"

func TestProcessResultSuccess(t *testing.T) {
	cases := []struct {
		name string
		code int
		want bool
	}{
		{name: "zero", code: 0, want: true},
		{name: "one", code: 1, want: false},
		{name: "killed", code: -1, want: false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := (ProcessResult{ExitCode: tc.code}).Success(); got != tc.want {
				t.Fatalf("Success() = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestSummarize(t *testing.T) {
	suites := []TestSuiteResult{
		{
			Name: "a", Tests: 3, Failures: 1, Skipped: 1, TimeSeconds: 1.5,
			Cases: []TestCaseResult{
				{MethodName: "x", Status: StatusPassed},
				{MethodName: "y", Status: StatusFailed},
				{MethodName: "z", Status: StatusSkipped},
			},
		},
		{
			Name: "b", Tests: 1, Errors: 1, TimeSeconds: 0.25,
			Cases: []TestCaseResult{{MethodName: "w", Status: StatusError}},
		},
	}
	sum := Summarize(suites)
	if sum.Suites != 2 || sum.Tests != 4 || sum.Passed != 1 || sum.Failures != 1 || sum.Errors != 1 || sum.Skipped != 1 {
		t.Fatalf("unexpected summary: %+v", sum)
	}
	if sum.TimeSeconds != 1.75 {
		t.Fatalf("unexpected time: %v", sum.TimeSeconds)
	}
	if sum.AllPassed() {
		t.Fatalf("expected AllPassed to be false")
	}
	if Summarize(nil).AllPassed() {
		t.Fatalf("empty summary must not count as passed")
	}
}

func TestSummarizeReconcilesHeaders(t *testing.T) {
	cases := []struct {
		name  string
		suite TestSuiteResult
		want  Summary
	}{
		{
			name: "no_counters",
			suite: TestSuiteResult{Cases: []TestCaseResult{
				{Status: StatusPassed}, {Status: StatusFailed}, {Status: StatusSkipped},
			}},
			want: Summary{Suites: 1, Tests: 3, Passed: 1, Failures: 1, Skipped: 1},
		},
		{
			name:  "header_undercounts",
			suite: TestSuiteResult{Tests: 1, Cases: []TestCaseResult{{Status: StatusPassed}, {Status: StatusPassed}}},
			want:  Summary{Suites: 1, Tests: 2, Passed: 2},
		},
		{
			name:  "header_without_cases",
			suite: TestSuiteResult{Tests: 5, Errors: 2},
			want:  Summary{Suites: 1, Tests: 5, Errors: 2},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := Summarize([]TestSuiteResult{tc.suite})
			if got != tc.want {
				t.Fatalf("Summarize() = %+v, want %+v", got, tc.want)
			}
			if got.Passed > got.Tests {
				t.Fatalf("passed %d exceeds tests %d", got.Passed, got.Tests)
			}
		})
	}
}
