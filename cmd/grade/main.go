// Command grade grades local submission directories without a message queue.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"autograde/internal/grader/model"
	"autograde/internal/grader/sandbox/container"
	"autograde/internal/grader/sandbox/observer"
	"autograde/internal/grader/sandbox/process"
	"autograde/internal/grader/service"
	"autograde/pkg/utils/logger"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

type grader interface {
	Grade(ctx context.Context, task model.GradingTask) (model.GradingOutcome, error)
}

func main() {
	buildTool := flag.String("build-tool", "gradle", "Build tool profile id")
	strategy := flag.String("strategy", "", `Grading strategy JSON, e.g. {"type":"build"}`)
	timeout := flag.Duration("timeout", model.DefaultTimeout, "Execution budget per submission")
	binary := flag.String("binary", "docker", "Container engine command line")
	parallel := flag.Int("parallel", 2, "Submissions graded concurrently")
	workRoot := flag.String("work-root", filepath.Join(os.TempDir(), "autograde-cli"), "Host directory for scratch and task files")
	pretty := flag.Bool("pretty", false, "Pretty print JSON outcomes")
	logLevel := flag.String("log-level", "warn", "Log level")
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "usage: %s [flags] <submission-dir>...\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()
	if flag.NArg() == 0 {
		flag.Usage()
		os.Exit(2)
	}

	if err := logger.Init(logger.Config{Level: *logLevel, Format: "console", OutputPath: "stderr"}); err != nil {
		fmt.Fprintf(os.Stderr, "init logger failed: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		_ = logger.Sync()
	}()

	tasks, err := buildTasks(flag.Args(), *buildTool, *strategy, *timeout)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(2)
	}

	bin, err := container.ParseBinary(*binary)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(2)
	}
	manager, err := container.NewManager(container.Config{
		Binary:   bin,
		WorkRoot: filepath.Join(*workRoot, "scratch"),
	}, observer.WrapExecutor(process.NewExecutor(process.Config{})))
	if err != nil {
		fmt.Fprintf(os.Stderr, "init container manager failed: %v\n", err)
		os.Exit(1)
	}
	svc, err := service.NewService(service.Config{
		Lifecycle:      observer.WrapLifecycle(manager),
		WorkRoot:       filepath.Join(*workRoot, "tasks"),
		WorkDir:        manager.WorkDir(),
		WorkerPoolSize: *parallel,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "init grading service failed: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	outcomes := gradeAll(ctx, svc, tasks, *parallel)
	if err := writeOutcomes(os.Stdout, outcomes, *pretty); err != nil {
		fmt.Fprintf(os.Stderr, "write outcomes failed: %v\n", err)
		os.Exit(1)
	}
	code := exitCode(outcomes)
	stop()
	_ = logger.Sync()
	os.Exit(code)
}

func buildTasks(dirs []string, buildTool, strategy string, timeout time.Duration) ([]model.GradingTask, error) {
	var raw json.RawMessage
	if strategy != "" {
		if _, err := model.DecodeStrategy(json.RawMessage(strategy)); err != nil {
			return nil, fmt.Errorf("invalid strategy: %w", err)
		}
		raw = json.RawMessage(strategy)
	}
	tasks := make([]model.GradingTask, 0, len(dirs))
	for _, dir := range dirs {
		abs, err := filepath.Abs(dir)
		if err != nil {
			return nil, fmt.Errorf("resolve %s: %w", dir, err)
		}
		info, err := os.Stat(abs)
		if err != nil {
			return nil, fmt.Errorf("stat %s: %w", dir, err)
		}
		if !info.IsDir() {
			return nil, fmt.Errorf("%s is not a directory", dir)
		}
		tasks = append(tasks, model.GradingTask{
			SubmissionID:   filepath.Base(abs) + "-" + uuid.NewString()[:8],
			BuildTool:      buildTool,
			SourceDir:      abs,
			TimeoutSeconds: int(timeout / time.Second),
			Strategy:       raw,
		})
	}
	return tasks, nil
}

// gradeAll grades tasks with at most parallel in flight and returns outcomes in task order.
func gradeAll(ctx context.Context, g grader, tasks []model.GradingTask, parallel int) []model.GradingOutcome {
	if parallel <= 0 {
		parallel = 1
	}
	outcomes := make([]model.GradingOutcome, len(tasks))
	var eg errgroup.Group
	eg.SetLimit(parallel)
	for i, task := range tasks {
		eg.Go(func() error {
			// Failures are carried by the outcome.
			outcomes[i], _ = g.Grade(ctx, task)
			return nil
		})
	}
	_ = eg.Wait()
	return outcomes
}

func writeOutcomes(w io.Writer, outcomes []model.GradingOutcome, pretty bool) error {
	enc := json.NewEncoder(w)
	if pretty {
		enc.SetIndent("", "  ")
	}
	for _, outcome := range outcomes {
		if err := enc.Encode(outcome); err != nil {
			return err
		}
	}
	return nil
}

// exitCode is 0 when everything passed, 1 when a submission failed and 3 on system errors.
func exitCode(outcomes []model.GradingOutcome) int {
	code := 0
	for _, outcome := range outcomes {
		switch outcome.Status {
		case model.OutcomePassed:
		case model.OutcomeSystemError:
			return 3
		default:
			code = 1
		}
	}
	return code
}
