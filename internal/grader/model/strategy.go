package model

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"autograde/internal/grader/sandbox/profile"
	"autograde/internal/grader/sandbox/result"
	appErr "autograde/pkg/errors"
)

const (
	KindJUnit  = "junit"
	KindOutput = "output"
	KindBuild  = "build"
)

// Evidence is what one sandbox run produced.
type Evidence struct {
	Run    result.ProcessResult
	Suites []result.TestSuiteResult
}

// Verdict is a strategy's judgement of Evidence.
type Verdict struct {
	Status  OutcomeStatus
	Score   float64
	Message string
}

// Strategy is one grading-argument variant. Variants are selected by the
// "type" discriminant of the task's strategy object.
type Strategy interface {
	Kind() string
	Validate() error
	// Command returns the shell command to run for p.
	Command(p profile.BuildToolProfile) string
	// ReportDir returns the report directory relative to the work dir, or "" when
	// the strategy does not read reports.
	ReportDir(p profile.BuildToolProfile) string
	Evaluate(ev Evidence) Verdict
}

var strategyRegistry = map[string]func() Strategy{
	KindJUnit:  func() Strategy { return &JUnitStrategy{} },
	KindOutput: func() Strategy { return &OutputStrategy{} },
	KindBuild:  func() Strategy { return &BuildStrategy{} },
}

// StrategyKinds lists the registered discriminants.
func StrategyKinds() []string {
	kinds := make([]string, 0, len(strategyRegistry))
	for k := range strategyRegistry {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	return kinds
}

// DecodeStrategy decodes a tagged strategy object. An empty payload selects junit
// with profile defaults.
func DecodeStrategy(raw json.RawMessage) (Strategy, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return &JUnitStrategy{}, nil
	}
	var envelope struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(trimmed, &envelope); err != nil {
		return nil, appErr.Wrapf(err, appErr.GradingTaskInvalid, "decode strategy failed: %v", err)
	}
	kind := strings.ToLower(strings.TrimSpace(envelope.Type))
	if kind == "" {
		kind = KindJUnit
	}
	factory, ok := strategyRegistry[kind]
	if !ok {
		return nil, appErr.Newf(appErr.UnknownGradingStrategy, "unknown grading strategy %q", envelope.Type).
			WithDetail("strategy", envelope.Type)
	}
	s := factory()
	if err := json.Unmarshal(trimmed, s); err != nil {
		return nil, appErr.Wrapf(err, appErr.GradingTaskInvalid, "decode %s strategy failed: %v", kind, err)
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return s, nil
}

// EncodeStrategy marshals s with its discriminant.
func EncodeStrategy(s Strategy) (json.RawMessage, error) {
	body, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("marshal strategy failed: %w", err)
	}
	fields := map[string]json.RawMessage{}
	if err := json.Unmarshal(body, &fields); err != nil {
		return nil, fmt.Errorf("marshal strategy failed: %w", err)
	}
	kind, _ := json.Marshal(s.Kind())
	fields["type"] = kind
	return json.Marshal(fields)
}

// JUnitStrategy runs the test suite and scores by the share of passed cases.
type JUnitStrategy struct {
	// TestCommand overrides the profile test command.
	TestCommand string `json:"command,omitempty"`
	// Reports overrides the profile report directory.
	Reports string `json:"report_dir,omitempty"`
	// PassRatio is the share of passed cases needed for PASSED. Zero means all.
	PassRatio float64 `json:"pass_ratio,omitempty"`
}

func (s *JUnitStrategy) Kind() string { return KindJUnit }

func (s *JUnitStrategy) Validate() error {
	if s.PassRatio < 0 || s.PassRatio > 1 {
		return appErr.Newf(appErr.GradingTaskInvalid, "pass_ratio: must be within [0, 1]")
	}
	if strings.HasPrefix(s.Reports, "/") || strings.Contains(s.Reports, "..") {
		return appErr.Newf(appErr.GradingTaskInvalid, "report_dir: must be relative")
	}
	return nil
}

func (s *JUnitStrategy) Command(p profile.BuildToolProfile) string {
	if s.TestCommand != "" {
		return s.TestCommand
	}
	return p.TestCommand
}

func (s *JUnitStrategy) ReportDir(p profile.BuildToolProfile) string {
	if s.Reports != "" {
		return s.Reports
	}
	return p.ReportDir
}

func (s *JUnitStrategy) Evaluate(ev Evidence) Verdict {
	sum := result.Summarize(ev.Suites)
	if sum.Tests == 0 {
		msg := "no test reports produced"
		if !ev.Run.Success() {
			msg = fmt.Sprintf("build failed with exit code %d", ev.Run.ExitCode)
		}
		return Verdict{Status: OutcomeFailed, Message: msg}
	}
	score := min(float64(sum.Passed)/float64(sum.Tests), 1)
	need := s.PassRatio
	if need == 0 {
		need = 1
	}
	status := OutcomeFailed
	if score >= need {
		status = OutcomePassed
	}
	return Verdict{
		Status:  status,
		Score:   score,
		Message: fmt.Sprintf("%d/%d tests passed", sum.Passed, sum.Tests),
	}
}

// OutputStrategy runs a command and compares its output with Expected.
type OutputStrategy struct {
	RunCommand string `json:"command"`
	Expected   string `json:"expected"`
	// IgnoreWhitespace compares whitespace-separated tokens only.
	IgnoreWhitespace bool `json:"ignore_whitespace,omitempty"`
}

func (s *OutputStrategy) Kind() string { return KindOutput }

func (s *OutputStrategy) Validate() error {
	if strings.TrimSpace(s.RunCommand) == "" {
		return appErr.Newf(appErr.GradingTaskInvalid, "command: required for output strategy")
	}
	return nil
}

func (s *OutputStrategy) Command(profile.BuildToolProfile) string { return s.RunCommand }

func (s *OutputStrategy) ReportDir(profile.BuildToolProfile) string { return "" }

func (s *OutputStrategy) Evaluate(ev Evidence) Verdict {
	if !ev.Run.Success() {
		return Verdict{Status: OutcomeFailed, Message: fmt.Sprintf("exited with code %d", ev.Run.ExitCode)}
	}
	if normalizeOutput(ev.Run.Stdout, s.IgnoreWhitespace) != normalizeOutput(s.Expected, s.IgnoreWhitespace) {
		return Verdict{Status: OutcomeFailed, Message: "output mismatch"}
	}
	return Verdict{Status: OutcomePassed, Score: 1, Message: "output matched"}
}

func normalizeOutput(s string, ignoreWhitespace bool) string {
	if ignoreWhitespace {
		return strings.Join(strings.Fields(s), " ")
	}
	lines := strings.Split(strings.ReplaceAll(s, "\r\n", "\n"), "\n")
	for i, line := range lines {
		lines[i] = strings.TrimRight(line, " \t")
	}
	return strings.TrimRight(strings.Join(lines, "\n"), "\n")
}

// BuildStrategy passes when the build command exits with 0.
type BuildStrategy struct {
	BuildCommand string `json:"command,omitempty"`
}

func (s *BuildStrategy) Kind() string { return KindBuild }

func (s *BuildStrategy) Validate() error { return nil }

func (s *BuildStrategy) Command(p profile.BuildToolProfile) string {
	if s.BuildCommand != "" {
		return s.BuildCommand
	}
	return p.BuildCommand
}

func (s *BuildStrategy) ReportDir(profile.BuildToolProfile) string { return "" }

func (s *BuildStrategy) Evaluate(ev Evidence) Verdict {
	if ev.Run.Success() {
		return Verdict{Status: OutcomePassed, Score: 1, Message: "build succeeded"}
	}
	return Verdict{Status: OutcomeFailed, Message: fmt.Sprintf("build failed with exit code %d", ev.Run.ExitCode)}
}
