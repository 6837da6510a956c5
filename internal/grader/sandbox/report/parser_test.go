package report

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"autograde/internal/grader/sandbox/result"
	appErr "autograde/pkg/errors"
	"autograde/pkg/utils/logger"

	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

const failingReport = `<?xml version="1.0" encoding="UTF-8"?>
<testsuite name="com.example.CalcTest" tests="2" failures="1" errors="0" skipped="0" time="0.042">
  <testcase classname="com.example.CalcTest" name="adds" time="0.01"/>
  <testcase classname="com.example.CalcTest" name="multiplies" time="0.032">
    <failure message="expected 2 got 3" type="org.opentest4j.AssertionFailedError">
      org.opentest4j.AssertionFailedError: expected 2 got 3
    </failure>
  </testcase>
</testsuite>`

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
}

func captureWarnings(t *testing.T) *observer.ObservedLogs {
	t.Helper()
	core, logs := observer.New(zapcore.DebugLevel)
	restore := logger.ReplaceForTest(core)
	t.Cleanup(restore)
	return logs
}

func TestParseMissingDirectory(t *testing.T) {
	suites, err := NewParser().Parse(context.Background(), filepath.Join(t.TempDir(), "absent"))
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if suites == nil || len(suites) != 0 {
		t.Fatalf("expected empty non-nil slice, got %#v", suites)
	}
}

func TestParseFailureCase(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "TEST-one.xml", `<testsuite name="S" tests="1" failures="1">
  <testcase classname="pkg.S" name="check" time="0.5">
    <failure message="expected 2 got 3">trace</failure>
  </testcase>
</testsuite>`)

	suites, err := NewParser().Parse(context.Background(), dir)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(suites) != 1 || len(suites[0].Cases) != 1 {
		t.Fatalf("unexpected suites: %+v", suites)
	}
	tc := suites[0].Cases[0]
	if tc.Status != result.StatusFailed {
		t.Fatalf("status = %s, want FAILED", tc.Status)
	}
	if tc.FailureMessage != "expected 2 got 3" {
		t.Fatalf("failure message = %q", tc.FailureMessage)
	}
	if tc.Diagnostic != "trace" || tc.ClassName != "pkg.S" || tc.MethodName != "check" || tc.TimeSeconds != 0.5 {
		t.Fatalf("unexpected case: %+v", tc)
	}
}

func TestParseSkipsMalformedFile(t *testing.T) {
	logs := captureWarnings(t)
	dir := t.TempDir()
	writeFile(t, dir, "TEST-good.xml", failingReport)
	writeFile(t, dir, "TEST-bad.xml", `<testsuite name="broken"><testcase`)

	suites, err := NewParser().Parse(context.Background(), dir)
	if err != nil {
		t.Fatalf("parse must not fail: %v", err)
	}
	if len(suites) != 1 || suites[0].Name != "com.example.CalcTest" {
		t.Fatalf("unexpected suites: %+v", suites)
	}
	warnings := logs.FilterLevelExact(zapcore.WarnLevel).FilterMessage("skip malformed test report").All()
	if len(warnings) != 1 {
		t.Fatalf("expected one warning, got %d", len(warnings))
	}
	if path, _ := warnings[0].ContextMap()["path"].(string); !strings.HasSuffix(path, "TEST-bad.xml") {
		t.Fatalf("warning refers to %q", path)
	}
}

func TestParseRecursiveAndFiltered(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "a/TEST-a.xml", `<testsuite name="A" tests="1"><testcase name="x"/></testsuite>`)
	writeFile(t, dir, "b/nested/TEST-b.XML", `<testsuite name="B" tests="1"><testcase name="y"/></testsuite>`)
	writeFile(t, dir, "b/output.txt", "not a report")

	suites, err := NewParser().Parse(context.Background(), dir)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(suites) != 2 || suites[0].Name != "A" || suites[1].Name != "B" {
		t.Fatalf("unexpected suites: %+v", suites)
	}
}

func TestDecodeStatusPrecedence(t *testing.T) {
	doc := `<testsuite name="P">
  <testcase name="both"><error message="boom">e</error><failure message="first">f</failure></testcase>
  <testcase name="err"><error message="npe">stack</error></testcase>
  <testcase name="skip"><skipped message="disabled"/></testcase>
  <testcase name="pass"/>
  <testcase name="twice"><failure message="one"/><failure message="two"/></testcase>
</testsuite>`
	suites, err := Decode(strings.NewReader(doc))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	cases := suites[0].Cases
	want := []struct {
		status  result.TestStatus
		message string
	}{
		{result.StatusFailed, "first"},
		{result.StatusError, "npe"},
		{result.StatusSkipped, ""},
		{result.StatusPassed, ""},
		{result.StatusFailed, "one"},
	}
	if len(cases) != len(want) {
		t.Fatalf("got %d cases", len(cases))
	}
	for i, w := range want {
		if cases[i].Status != w.status || cases[i].FailureMessage != w.message {
			t.Fatalf("case %d = %+v, want %+v", i, cases[i], w)
		}
	}
	if cases[2].Diagnostic != "" || cases[3].Diagnostic != "" {
		t.Fatalf("skipped and passed cases must not carry diagnostics")
	}
}

func TestDecodeDefaultsMissingAttributes(t *testing.T) {
	suites, err := Decode(strings.NewReader(`<testsuite><testcase name="x" time=""/></testsuite>`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	s := suites[0]
	if s.Name != "" || s.Tests != 0 || s.Failures != 0 || s.Errors != 0 || s.Skipped != 0 || s.TimeSeconds != 0 {
		t.Fatalf("expected zero defaults, got %+v", s)
	}
	if s.Cases[0].TimeSeconds != 0 {
		t.Fatalf("expected zero case time")
	}
}

func TestDecodeTestsuitesRoot(t *testing.T) {
	doc := `<testsuites><testsuite name="one" time="1,234.5"/><testsuite name="two"/></testsuites>`
	suites, err := Decode(strings.NewReader(doc))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(suites) != 2 || suites[0].TimeSeconds != 1234.5 || suites[1].Name != "two" {
		t.Fatalf("unexpected suites: %+v", suites)
	}
}

func TestParseSeconds(t *testing.T) {
	cases := []struct {
		raw  string
		want float64
	}{
		{raw: "", want: 0},
		{raw: "0.042", want: 0.042},
		{raw: "1,234.5", want: 1234.5},
		{raw: "1,234,567", want: 1234567},
		{raw: "0,5", want: 0.5},
		{raw: " 0,25 ", want: 0.25},
	}
	for _, tc := range cases {
		t.Run(tc.raw, func(t *testing.T) {
			got, err := parseSeconds(tc.raw)
			if err != nil || got != tc.want {
				t.Fatalf("parseSeconds(%q) = %v, %v; want %v", tc.raw, got, err, tc.want)
			}
		})
	}
	if _, err := parseSeconds("0,5,x"); !appErr.Is(err, appErr.ReportParseFailure) {
		t.Fatalf("expected ReportParseFailure, got %v", err)
	}
}

func TestDecodeDecimalCommaAndHeaderlessSuite(t *testing.T) {
	doc := `<testsuite name="S" time="0,25"><testcase name="a" time="0,5"/><testcase name="b"/></testsuite>`
	suites, err := Decode(strings.NewReader(doc))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if suites[0].TimeSeconds != 0.25 || suites[0].Cases[0].TimeSeconds != 0.5 {
		t.Fatalf("unexpected times: suite=%v case=%v", suites[0].TimeSeconds, suites[0].Cases[0].TimeSeconds)
	}
	sum := result.Summarize(suites)
	if sum.Tests != 2 || sum.Passed != 2 || !sum.AllPassed() {
		t.Fatalf("headerless suite should count its cases: %+v", sum)
	}
}

func TestDecodeRejectsUnsafeOrInvalidDocuments(t *testing.T) {
	cases := map[string]string{
		"doctype": `<?xml version="1.0"?>
<!DOCTYPE lolz [<!ENTITY lol "lol"><!ENTITY lol2 "&lol;&lol;">]>
<testsuite name="&lol2;"/>`,
		"external_entity": `<!DOCTYPE x [<!ENTITY xxe SYSTEM "file:///etc/passwd">]><testsuite name="&xxe;"/>`,
		"undeclared_entity": `<testsuite name="&custom;"/>`,
		"bad_count":         `<testsuite tests="many"/>`,
		"wrong_root":        `<report/>`,
		"empty":             ``,
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Decode(strings.NewReader(doc))
			if !appErr.Is(err, appErr.ReportParseFailure) {
				t.Fatalf("expected ReportParseFailure, got %v", err)
			}
		})
	}
}

func TestParseFileSizeLimit(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "TEST-big.xml", failingReport)
	p := NewParser()
	p.MaxFileBytes = 16
	if _, err := p.ParseFile(filepath.Join(dir, "TEST-big.xml")); !appErr.Is(err, appErr.ReportParseFailure) {
		t.Fatalf("expected size limit failure, got %v", err)
	}
}
