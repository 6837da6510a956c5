// Package container manages per-submission execution environments through a
// docker-compatible engine CLI.
package container

import (
	"context"
	"time"

	"autograde/internal/grader/sandbox/profile"
	"autograde/internal/grader/sandbox/result"
)

// Lifecycle is the set of engine operations addressed by environment handle.
// Implementations hold no per-handle state; callers must not reuse a handle
// while an earlier environment with the same handle is still in use.
type Lifecycle interface {
	IsRunning(ctx context.Context, handle string) (bool, error)
	Start(ctx context.Context, handle string, p profile.BuildToolProfile) error
	CopyIn(ctx context.Context, handle, sourceDir, destPath string) error
	CopyOut(ctx context.Context, handle, sourcePath, destDir string) error
	Exec(ctx context.Context, handle, command string, timeout time.Duration) (result.ProcessResult, error)
	Destroy(ctx context.Context, handle string)
}
