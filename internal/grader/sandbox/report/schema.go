package report

import (
	"strings"

	"autograde/internal/grader/sandbox/result"
)

// xmlSuite covers both <testsuite> and <testsuites>; nested suites only appear
// under the latter.
type xmlSuite struct {
	Name     string     `xml:"name,attr"`
	Tests    string     `xml:"tests,attr"`
	Failures string     `xml:"failures,attr"`
	Errors   string     `xml:"errors,attr"`
	Skipped  string     `xml:"skipped,attr"`
	Time     string     `xml:"time,attr"`
	Cases    []xmlCase  `xml:"testcase"`
	Suites   []xmlSuite `xml:"testsuite"`
}

type xmlCase struct {
	ClassName string       `xml:"classname,attr"`
	Name      string       `xml:"name,attr"`
	Time      string       `xml:"time,attr"`
	Failures  []xmlProblem `xml:"failure"`
	Errors    []xmlProblem `xml:"error"`
	Skipped   []xmlProblem `xml:"skipped"`
}

type xmlProblem struct {
	Message string `xml:"message,attr"`
	Body    string `xml:",chardata"`
}

func (s xmlSuite) toResult() (result.TestSuiteResult, error) {
	var (
		out result.TestSuiteResult
		err error
	)
	out.Name = s.Name
	if out.Tests, err = parseCount("tests", s.Tests); err != nil {
		return out, err
	}
	if out.Failures, err = parseCount("failures", s.Failures); err != nil {
		return out, err
	}
	if out.Errors, err = parseCount("errors", s.Errors); err != nil {
		return out, err
	}
	if out.Skipped, err = parseCount("skipped", s.Skipped); err != nil {
		return out, err
	}
	if out.TimeSeconds, err = parseSeconds(s.Time); err != nil {
		return out, err
	}
	out.Cases = make([]result.TestCaseResult, 0, len(s.Cases))
	for _, c := range s.Cases {
		tc, err := c.toResult()
		if err != nil {
			return out, err
		}
		out.Cases = append(out.Cases, tc)
	}
	return out, nil
}

func (c xmlCase) toResult() (result.TestCaseResult, error) {
	secs, err := parseSeconds(c.Time)
	if err != nil {
		return result.TestCaseResult{}, err
	}
	tc := result.TestCaseResult{
		ClassName:   c.ClassName,
		MethodName:  c.Name,
		TimeSeconds: secs,
		Status:      result.StatusPassed,
	}
	switch {
	case len(c.Failures) > 0:
		tc.Status = result.StatusFailed
		tc.FailureMessage = c.Failures[0].Message
		tc.Diagnostic = strings.TrimSpace(c.Failures[0].Body)
	case len(c.Errors) > 0:
		tc.Status = result.StatusError
		tc.FailureMessage = c.Errors[0].Message
		tc.Diagnostic = strings.TrimSpace(c.Errors[0].Body)
	case len(c.Skipped) > 0:
		tc.Status = result.StatusSkipped
	}
	return tc, nil
}
