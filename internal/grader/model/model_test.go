package model

import (
	"encoding/json"
	"testing"
	"time"

	"autograde/internal/grader/sandbox/profile"
	"autograde/internal/grader/sandbox/result"
	appErr "autograde/pkg/errors"
)

func TestDecodeStrategy(t *testing.T) {
	gradle, err := profile.Resolve(profile.Gradle)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	cases := []struct {
		name        string
		raw         string
		wantKind    string
		wantCommand string
		wantReports string
		wantCode    appErr.ErrorCode
	}{
		{name: "empty_defaults_to_junit", raw: "", wantKind: KindJUnit, wantCommand: gradle.TestCommand, wantReports: gradle.ReportDir},
		{name: "null", raw: "null", wantKind: KindJUnit, wantCommand: gradle.TestCommand, wantReports: gradle.ReportDir},
		{name: "junit_override", raw: `{"type":"junit","command":"gradle check","report_dir":"out/xml"}`, wantKind: KindJUnit, wantCommand: "gradle check", wantReports: "out/xml"},
		{name: "output", raw: `{"type":"OUTPUT","command":"java -cp build Main","expected":"42"}`, wantKind: KindOutput, wantCommand: "java -cp build Main"},
		{name: "build_default", raw: `{"type":"build"}`, wantKind: KindBuild, wantCommand: gradle.BuildCommand},
		{name: "unknown", raw: `{"type":"rubric"}`, wantCode: appErr.UnknownGradingStrategy},
		{name: "output_without_command", raw: `{"type":"output","expected":"x"}`, wantCode: appErr.GradingTaskInvalid},
		{name: "bad_ratio", raw: `{"type":"junit","pass_ratio":1.5}`, wantCode: appErr.GradingTaskInvalid},
		{name: "absolute_reports", raw: `{"type":"junit","report_dir":"/etc"}`, wantCode: appErr.GradingTaskInvalid},
		{name: "malformed", raw: `{"type":`, wantCode: appErr.GradingTaskInvalid},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			s, err := DecodeStrategy(json.RawMessage(tc.raw))
			if tc.wantCode != 0 {
				if !appErr.Is(err, tc.wantCode) {
					t.Fatalf("expected code %d, got %v", tc.wantCode, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("decode failed: %v", err)
			}
			if s.Kind() != tc.wantKind {
				t.Fatalf("kind = %s, want %s", s.Kind(), tc.wantKind)
			}
			if got := s.Command(gradle); got != tc.wantCommand {
				t.Fatalf("command = %q, want %q", got, tc.wantCommand)
			}
			if got := s.ReportDir(gradle); got != tc.wantReports {
				t.Fatalf("report dir = %q, want %q", got, tc.wantReports)
			}
		})
	}
}

func TestEncodeStrategyRoundTrip(t *testing.T) {
	raw, err := EncodeStrategy(&OutputStrategy{RunCommand: "./run", Expected: "hi"})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	s, err := DecodeStrategy(raw)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	out, ok := s.(*OutputStrategy)
	if !ok || out.RunCommand != "./run" || out.Expected != "hi" {
		t.Fatalf("unexpected strategy %#v", s)
	}
}

func TestStrategyEvaluate(t *testing.T) {
	suites := []result.TestSuiteResult{{
		Name:  "CalcTest",
		Tests: 4, Failures: 1,
		Cases: []result.TestCaseResult{
			{Status: result.StatusPassed},
			{Status: result.StatusPassed},
			{Status: result.StatusPassed},
			{Status: result.StatusFailed},
		},
	}}
	cases := []struct {
		name       string
		strategy   Strategy
		ev         Evidence
		wantStatus OutcomeStatus
		wantScore  float64
	}{
		{name: "junit_partial", strategy: &JUnitStrategy{}, ev: Evidence{Suites: suites}, wantStatus: OutcomeFailed, wantScore: 0.75},
		{name: "junit_ratio", strategy: &JUnitStrategy{PassRatio: 0.7}, ev: Evidence{Suites: suites}, wantStatus: OutcomePassed, wantScore: 0.75},
		{name: "junit_headerless", strategy: &JUnitStrategy{}, ev: Evidence{Suites: []result.TestSuiteResult{{
			Cases: []result.TestCaseResult{{Status: result.StatusPassed}, {Status: result.StatusPassed}},
		}}}, wantStatus: OutcomePassed, wantScore: 1},
		{name: "junit_header_undercounts", strategy: &JUnitStrategy{}, ev: Evidence{Suites: []result.TestSuiteResult{{
			Tests: 1,
			Cases: []result.TestCaseResult{{Status: result.StatusPassed}, {Status: result.StatusPassed}},
		}}}, wantStatus: OutcomePassed, wantScore: 1},
		{name: "junit_headerless_failure", strategy: &JUnitStrategy{}, ev: Evidence{Suites: []result.TestSuiteResult{{
			Cases: []result.TestCaseResult{{Status: result.StatusPassed}, {Status: result.StatusFailed}},
		}}}, wantStatus: OutcomeFailed, wantScore: 0.5},
		{name: "junit_no_reports", strategy: &JUnitStrategy{}, ev: Evidence{Run: result.ProcessResult{ExitCode: 1}}, wantStatus: OutcomeFailed},
		{name: "output_match", strategy: &OutputStrategy{Expected: "a b\n"}, ev: Evidence{Run: result.ProcessResult{Stdout: "a b  \n\n"}}, wantStatus: OutcomePassed, wantScore: 1},
		{name: "output_whitespace", strategy: &OutputStrategy{Expected: "1 2 3", IgnoreWhitespace: true}, ev: Evidence{Run: result.ProcessResult{Stdout: "1\n2\t3"}}, wantStatus: OutcomePassed, wantScore: 1},
		{name: "output_mismatch", strategy: &OutputStrategy{Expected: "ok"}, ev: Evidence{Run: result.ProcessResult{Stdout: "nope"}}, wantStatus: OutcomeFailed},
		{name: "output_crash", strategy: &OutputStrategy{Expected: "ok"}, ev: Evidence{Run: result.ProcessResult{ExitCode: 2, Stdout: "ok"}}, wantStatus: OutcomeFailed},
		{name: "build_ok", strategy: &BuildStrategy{}, ev: Evidence{}, wantStatus: OutcomePassed, wantScore: 1},
		{name: "build_failed", strategy: &BuildStrategy{}, ev: Evidence{Run: result.ProcessResult{ExitCode: 1}}, wantStatus: OutcomeFailed},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			v := tc.strategy.Evaluate(tc.ev)
			if v.Status != tc.wantStatus || v.Score != tc.wantScore {
				t.Fatalf("verdict = %+v, want %s/%v", v, tc.wantStatus, tc.wantScore)
			}
		})
	}
}

func TestDecodeTask(t *testing.T) {
	cases := []struct {
		name    string
		payload string
		wantErr bool
	}{
		{name: "dir", payload: `{"submission_id":"s1","build_tool":"gradle","source_dir":"/srv/sub/s1"}`},
		{name: "key", payload: `{"submission_id":"s1","build_tool":"maven","source_key":"sub/s1.tar.zst","timeout_seconds":60}`},
		{name: "missing_id", payload: `{"build_tool":"gradle","source_dir":"/x"}`, wantErr: true},
		{name: "missing_source", payload: `{"submission_id":"s1","build_tool":"gradle"}`, wantErr: true},
		{name: "both_sources", payload: `{"submission_id":"s1","build_tool":"gradle","source_dir":"/x","source_key":"k"}`, wantErr: true},
		{name: "relative_dir", payload: `{"submission_id":"s1","build_tool":"gradle","source_dir":"x"}`, wantErr: true},
		{name: "huge_timeout", payload: `{"submission_id":"s1","build_tool":"gradle","source_dir":"/x","timeout_seconds":99999}`, wantErr: true},
		{name: "not_json", payload: `nope`, wantErr: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			task, err := DecodeTask([]byte(tc.payload))
			if tc.wantErr {
				if !appErr.Is(err, appErr.GradingTaskInvalid) {
					t.Fatalf("expected GradingTaskInvalid, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("decode failed: %v", err)
			}
			if task.Timeout() <= 0 {
				t.Fatalf("timeout must be positive")
			}
		})
	}

	task := GradingTask{TimeoutSeconds: 0}
	if task.Timeout() != DefaultTimeout {
		t.Fatalf("expected default timeout, got %s", task.Timeout())
	}
}

func TestAttemptWindows(t *testing.T) {
	start := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	w := NewAttemptWindows(map[string]time.Duration{"hw1": time.Hour, "hw2": 0})

	if _, ok := w.TTL("hw2"); ok {
		t.Fatalf("zero ttl should not install a window")
	}
	if err := w.Check("hw1", start, start.Add(30*time.Minute)); err != nil {
		t.Fatalf("attempt inside window rejected: %v", err)
	}
	if err := w.Check("hw1", start, start.Add(time.Hour)); err != nil {
		t.Fatalf("attempt at the boundary rejected: %v", err)
	}
	if err := w.Check("hw1", start, start.Add(61*time.Minute)); !appErr.Is(err, appErr.AttemptExpired) {
		t.Fatalf("expected AttemptExpired, got %v", err)
	}
	if err := w.Check("hw3", start, start.Add(100*time.Hour)); err != nil {
		t.Fatalf("assignment without window must not expire: %v", err)
	}
	if err := w.Check("hw1", time.Time{}, start); err != nil {
		t.Fatalf("zero start must skip the check: %v", err)
	}

	w.Set("hw1", -1)
	if _, ok := w.TTL("hw1"); ok {
		t.Fatalf("negative ttl should remove the window")
	}
	expires, ok := NewAttemptWindows(map[string]time.Duration{"a": 2 * time.Hour}).ExpiresAt("a", start)
	if !ok || !expires.Equal(start.Add(2*time.Hour)) {
		t.Fatalf("unexpected expiry %v ok=%v", expires, ok)
	}
}
