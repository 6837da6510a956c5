package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"autograde/internal/grader/model"
)

type fakeGrader struct {
	mu       sync.Mutex
	inflight int32
	peak     int32
	status   map[string]model.OutcomeStatus
}

func (g *fakeGrader) Grade(ctx context.Context, task model.GradingTask) (model.GradingOutcome, error) {
	n := atomic.AddInt32(&g.inflight, 1)
	defer atomic.AddInt32(&g.inflight, -1)
	g.mu.Lock()
	if n > g.peak {
		g.peak = n
	}
	status := g.status[task.SourceDir]
	g.mu.Unlock()
	time.Sleep(10 * time.Millisecond)
	return model.GradingOutcome{SubmissionID: task.SubmissionID, Status: status}, nil
}

func TestGradeAllKeepsOrderAndLimit(t *testing.T) {
	var tasks []model.GradingTask
	g := &fakeGrader{status: map[string]model.OutcomeStatus{}}
	for i := 0; i < 6; i++ {
		dir := filepath.Join("/submissions", string(rune('a'+i)))
		tasks = append(tasks, model.GradingTask{SubmissionID: dir, SourceDir: dir})
		g.status[dir] = model.OutcomePassed
	}
	outcomes := gradeAll(context.Background(), g, tasks, 2)
	if len(outcomes) != len(tasks) {
		t.Fatalf("got %d outcomes", len(outcomes))
	}
	for i := range tasks {
		if outcomes[i].SubmissionID != tasks[i].SubmissionID {
			t.Fatalf("outcome %d out of order: %s", i, outcomes[i].SubmissionID)
		}
	}
	if g.peak > 2 {
		t.Fatalf("peak concurrency %d exceeds limit", g.peak)
	}
}

func TestBuildTasks(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "file.txt")
	if err := os.WriteFile(file, []byte("x"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	tasks, err := buildTasks([]string{dir}, "maven", `{"type":"build"}`, 90*time.Second)
	if err != nil {
		t.Fatalf("build tasks: %v", err)
	}
	if len(tasks) != 1 {
		t.Fatalf("got %d tasks", len(tasks))
	}
	task := tasks[0]
	if task.SourceDir != dir || task.BuildTool != "maven" || task.TimeoutSeconds != 90 {
		t.Fatalf("unexpected task %+v", task)
	}
	if !strings.HasPrefix(task.SubmissionID, filepath.Base(dir)+"-") {
		t.Fatalf("submission id %q", task.SubmissionID)
	}
	if err := task.Validate(); err != nil {
		t.Fatalf("task should validate: %v", err)
	}

	cases := []struct {
		name     string
		dirs     []string
		strategy string
	}{
		{name: "missing_dir", dirs: []string{filepath.Join(dir, "nope")}},
		{name: "not_a_dir", dirs: []string{file}},
		{name: "unknown_strategy", dirs: []string{dir}, strategy: `{"type":"rubric"}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := buildTasks(tc.dirs, "gradle", tc.strategy, time.Minute); err == nil {
				t.Fatalf("expected error")
			}
		})
	}
}

func TestWriteOutcomesAndExitCode(t *testing.T) {
	outcomes := []model.GradingOutcome{
		{SubmissionID: "a", Status: model.OutcomePassed},
		{SubmissionID: "b", Status: model.OutcomeFailed},
	}
	var buf bytes.Buffer
	if err := writeOutcomes(&buf, outcomes, false); err != nil {
		t.Fatalf("write: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected one line per outcome, got %q", buf.String())
	}
	var first model.GradingOutcome
	if err := json.Unmarshal([]byte(lines[0]), &first); err != nil || first.SubmissionID != "a" {
		t.Fatalf("decode first line: %v %+v", err, first)
	}

	cases := []struct {
		name     string
		statuses []model.OutcomeStatus
		want     int
	}{
		{name: "all_passed", statuses: []model.OutcomeStatus{model.OutcomePassed}, want: 0},
		{name: "failed", statuses: []model.OutcomeStatus{model.OutcomePassed, model.OutcomeTimeout}, want: 1},
		{name: "system_error", statuses: []model.OutcomeStatus{model.OutcomeFailed, model.OutcomeSystemError}, want: 3},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var in []model.GradingOutcome
			for _, s := range tc.statuses {
				in = append(in, model.GradingOutcome{Status: s})
			}
			if got := exitCode(in); got != tc.want {
				t.Fatalf("exit code = %d, want %d", got, tc.want)
			}
		})
	}
}
