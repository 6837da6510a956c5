// Package report converts JUnit-style XML test reports into result values.
package report

import (
	"bytes"
	"context"
	"encoding/xml"
	"errors"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"autograde/internal/grader/sandbox/result"
	appErr "autograde/pkg/errors"
	"autograde/pkg/utils/logger"

	"go.uber.org/zap"
)

const defaultMaxFileBytes int64 = 16 << 20

// Parser walks report directories.
type Parser struct {
	// Extensions are matched case-insensitively against file names.
	Extensions []string
	// MaxFileBytes skips larger files as malformed.
	MaxFileBytes int64
}

// NewParser creates a parser for ".xml" reports.
func NewParser() *Parser {
	return &Parser{Extensions: []string{".xml"}, MaxFileBytes: defaultMaxFileBytes}
}

// Parse parses every report file below dir in lexical walk order.
// A missing dir yields an empty result. Malformed files are logged and skipped.
func (p *Parser) Parse(ctx context.Context, dir string) ([]result.TestSuiteResult, error) {
	info, err := os.Stat(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return []result.TestSuiteResult{}, nil
	}
	if err != nil {
		return nil, appErr.Wrapf(err, appErr.ReportParseFailure, "stat report dir failed")
	}
	if !info.IsDir() {
		return nil, appErr.Newf(appErr.ReportParseFailure, "%s is not a directory", dir)
	}

	suites := []result.TestSuiteResult{}
	walkErr := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			logger.Warn(ctx, "skip unreadable report path", zap.String("path", path), zap.Error(err))
			if d != nil && d.IsDir() && path != dir {
				return fs.SkipDir
			}
			return nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if d.IsDir() || !p.matches(d.Name()) {
			return nil
		}
		parsed, parseErr := p.ParseFile(path)
		if parseErr != nil {
			logger.Warn(ctx, "skip malformed test report", zap.String("path", path), zap.Error(parseErr))
			return nil
		}
		suites = append(suites, parsed...)
		return nil
	})
	if walkErr != nil {
		return suites, walkErr
	}
	return suites, nil
}

// ParseFile parses one report file.
func (p *Parser) ParseFile(path string) ([]result.TestSuiteResult, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, appErr.Wrapf(err, appErr.ReportParseFailure, "open report failed")
	}
	defer f.Close()

	limit := p.MaxFileBytes
	if limit <= 0 {
		limit = defaultMaxFileBytes
	}
	data, err := io.ReadAll(io.LimitReader(f, limit+1))
	if err != nil {
		return nil, appErr.Wrapf(err, appErr.ReportParseFailure, "read report failed")
	}
	if int64(len(data)) > limit {
		return nil, appErr.Newf(appErr.ReportParseFailure, "report exceeds %d bytes", limit)
	}
	return Decode(bytes.NewReader(data))
}

func (p *Parser) matches(name string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	for _, want := range p.Extensions {
		if ext == strings.ToLower(want) {
			return true
		}
	}
	return false
}

// Decode parses a single report document. A <testsuites> root yields each nested
// suite, a <testsuite> root yields one. DOCTYPE declarations are rejected and no
// entities beyond the five predefined ones are expanded.
func Decode(r io.Reader) ([]result.TestSuiteResult, error) {
	dec := xml.NewDecoder(r)
	dec.Strict = true
	dec.Entity = nil

	var root xml.StartElement
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			return nil, appErr.New(appErr.ReportParseFailure).WithMessage("report has no root element")
		}
		if err != nil {
			return nil, appErr.Wrapf(err, appErr.ReportParseFailure, "malformed report: %v", err)
		}
		if dir, ok := tok.(xml.Directive); ok && isDoctype(dir) {
			return nil, appErr.New(appErr.ReportParseFailure).WithMessage("DOCTYPE is not allowed in reports")
		}
		if start, ok := tok.(xml.StartElement); ok {
			root = start
			break
		}
	}

	var doc xmlSuite
	if err := dec.DecodeElement(&doc, &root); err != nil {
		return nil, appErr.Wrapf(err, appErr.ReportParseFailure, "malformed report: %v", err)
	}

	switch root.Name.Local {
	case "testsuite":
		suite, err := doc.toResult()
		if err != nil {
			return nil, err
		}
		return []result.TestSuiteResult{suite}, nil
	case "testsuites":
		out := make([]result.TestSuiteResult, 0, len(doc.Suites))
		for _, nested := range doc.Suites {
			suite, err := nested.toResult()
			if err != nil {
				return nil, err
			}
			out = append(out, suite)
		}
		return out, nil
	default:
		return nil, appErr.Newf(appErr.ReportParseFailure, "unexpected root element <%s>", root.Name.Local)
	}
}

func isDoctype(dir xml.Directive) bool {
	return strings.HasPrefix(strings.ToUpper(strings.TrimSpace(string(dir))), "DOCTYPE")
}

func parseCount(name, raw string) (int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, appErr.Newf(appErr.ReportParseFailure, "invalid %s attribute %q", name, raw)
	}
	return v, nil
}

// parseSeconds accepts "1,234.5" with thousands separators as well as the
// decimal comma "0,25" written by surefire under some locales.
func parseSeconds(raw string) (float64, error) {
	raw = strings.TrimSpace(raw)
	switch n := strings.Count(raw, ","); {
	case n == 0:
	case strings.Contains(raw, ".") || n > 1:
		raw = strings.ReplaceAll(raw, ",", "")
	default:
		raw = strings.Replace(raw, ",", ".", 1)
	}
	if raw == "" {
		return 0, nil
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, appErr.Newf(appErr.ReportParseFailure, "invalid time attribute %q", raw)
	}
	return v, nil
}
