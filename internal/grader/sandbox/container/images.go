package container

import (
	"context"
	"fmt"
	"io"
	"time"

	"autograde/internal/grader/sandbox/profile"
	appErr "autograde/pkg/errors"
	"autograde/pkg/utils/logger"

	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"go.uber.org/zap"
)

const defaultPullTimeout = 10 * time.Minute

type imageAPI interface {
	imagePresent(ctx context.Context, ref string) (bool, error)
	pullImage(ctx context.Context, ref string) (io.ReadCloser, error)
	ping(ctx context.Context) error
	close() error
}

// ImageEnsurer talks to the engine API directly for start-up image pulls and
// readiness checks. Environment lifecycle stays on the CLI path.
type ImageEnsurer struct {
	api         imageAPI
	pullTimeout time.Duration
}

// NewImageEnsurer connects using the DOCKER_HOST family of environment variables.
func NewImageEnsurer(pullTimeout time.Duration) (*ImageEnsurer, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}
	return newImageEnsurer(&sdkAPI{cli: cli}, pullTimeout), nil
}

func newImageEnsurer(api imageAPI, pullTimeout time.Duration) *ImageEnsurer {
	if pullTimeout <= 0 {
		pullTimeout = defaultPullTimeout
	}
	return &ImageEnsurer{api: api, pullTimeout: pullTimeout}
}

// EnsureImages pulls every distinct profile image that is not present locally.
func (e *ImageEnsurer) EnsureImages(ctx context.Context, profiles []profile.BuildToolProfile) error {
	seen := make(map[string]struct{}, len(profiles))
	for _, p := range profiles {
		if p.Image == "" {
			continue
		}
		if _, ok := seen[p.Image]; ok {
			continue
		}
		seen[p.Image] = struct{}{}
		if err := e.ensure(ctx, p.Image); err != nil {
			return err
		}
	}
	return nil
}

func (e *ImageEnsurer) ensure(ctx context.Context, ref string) error {
	present, err := e.api.imagePresent(ctx, ref)
	if err != nil {
		return appErr.Wrapf(err, appErr.InspectionFailure, "inspect image %s failed: %v", ref, err).
			WithDetail("image", ref)
	}
	if present {
		return nil
	}

	logger.Info(ctx, "pulling image", zap.String("image", ref))
	pullCtx, cancel := context.WithTimeout(ctx, e.pullTimeout)
	defer cancel()
	start := time.Now()
	reader, err := e.api.pullImage(pullCtx, ref)
	if err != nil {
		return appErr.Wrapf(err, appErr.ProvisioningFailure, "pull image %s failed: %v", ref, err).
			WithDetail("image", ref)
	}
	defer reader.Close()
	// The pull only completes once the progress stream is drained.
	if _, err := io.Copy(io.Discard, reader); err != nil {
		return appErr.Wrapf(err, appErr.ProvisioningFailure, "pull image %s failed: %v", ref, err).
			WithDetail("image", ref)
	}
	logger.Info(ctx, "image pulled", zap.String("image", ref), zap.Duration("duration", time.Since(start)))
	return nil
}

// Ping checks that the engine answers.
func (e *ImageEnsurer) Ping(ctx context.Context) error {
	if err := e.api.ping(ctx); err != nil {
		return appErr.Wrapf(err, appErr.InspectionFailure, "docker engine unreachable: %v", err)
	}
	return nil
}

// Close releases the underlying client.
func (e *ImageEnsurer) Close() error {
	return e.api.close()
}

type sdkAPI struct {
	cli *client.Client
}

func (s *sdkAPI) imagePresent(ctx context.Context, ref string) (bool, error) {
	_, _, err := s.cli.ImageInspectWithRaw(ctx, ref)
	if err == nil {
		return true, nil
	}
	if client.IsErrNotFound(err) {
		return false, nil
	}
	return false, err
}

func (s *sdkAPI) pullImage(ctx context.Context, ref string) (io.ReadCloser, error) {
	return s.cli.ImagePull(ctx, ref, image.PullOptions{})
}

func (s *sdkAPI) ping(ctx context.Context) error {
	_, err := s.cli.Ping(ctx)
	return err
}

func (s *sdkAPI) close() error {
	return s.cli.Close()
}
