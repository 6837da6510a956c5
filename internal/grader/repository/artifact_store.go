package repository

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"os"
	"path"
	"strings"
	"time"

	"autograde/internal/common/storage"
	"autograde/internal/grader/archive"
	appErr "autograde/pkg/errors"

	"github.com/google/uuid"
)

// ArtifactStore moves submission sources and report archives through object storage.
type ArtifactStore struct {
	storage       storage.ObjectStorage
	sourceBucket  string
	reportBucket  string
	reportPrefix  string
	maxSourceSize int64
}

// ArtifactConfig configures an ArtifactStore.
type ArtifactConfig struct {
	SourceBucket  string
	ReportBucket  string
	ReportPrefix  string
	MaxSourceSize int64
}

// NewArtifactStore creates an ArtifactStore over s.
func NewArtifactStore(s storage.ObjectStorage, cfg ArtifactConfig) *ArtifactStore {
	return &ArtifactStore{
		storage:       s,
		sourceBucket:  cfg.SourceBucket,
		reportBucket:  cfg.ReportBucket,
		reportPrefix:  strings.Trim(cfg.ReportPrefix, "/"),
		maxSourceSize: cfg.MaxSourceSize,
	}
}

// FetchSource downloads the source archive at key, verifies its sha256 when
// expectedHash is set and extracts it into dest.
func (a *ArtifactStore) FetchSource(ctx context.Context, key, expectedHash, dest string) error {
	if a.sourceBucket == "" {
		return appErr.New(appErr.ServiceUnavailable).WithMessage("source bucket is not configured")
	}
	reader, err := a.storage.GetObject(ctx, a.sourceBucket, key)
	if err != nil {
		if appErr.Is(err, appErr.NotFound) {
			// Redelivery cannot make a missing source appear.
			return appErr.Wrapf(err, appErr.GradingTaskInvalid, "source %s does not exist", key).
				WithDetail("source_key", key)
		}
		return appErr.Wrapf(err, appErr.StorageError, "download source failed: %v", err).
			WithDetail("source_key", key)
	}
	defer reader.Close()

	tmp, err := os.CreateTemp("", "source-*"+archive.Extension)
	if err != nil {
		return appErr.Wrapf(err, appErr.StorageError, "create source file failed")
	}
	defer os.Remove(tmp.Name())
	defer tmp.Close()

	hasher := sha256.New()
	if _, err := io.Copy(tmp, io.TeeReader(reader, hasher)); err != nil {
		return appErr.Wrapf(err, appErr.StorageError, "write source file failed")
	}
	if expectedHash != "" {
		actual := hex.EncodeToString(hasher.Sum(nil))
		if !strings.EqualFold(actual, expectedHash) {
			return appErr.New(appErr.GradingTaskInvalid).WithMessage("source hash mismatch").
				WithDetail("source_key", key)
		}
	}
	if _, err := tmp.Seek(0, io.SeekStart); err != nil {
		return appErr.Wrapf(err, appErr.StorageError, "rewind source file failed")
	}
	return archive.Unpack(tmp, dest, a.maxSourceSize)
}

// ArchiveReports uploads dir as a compressed archive and returns its object key.
// An empty or missing directory uploads nothing and returns "".
func (a *ArtifactStore) ArchiveReports(ctx context.Context, submissionID, dir string) (string, error) {
	if a.reportBucket == "" {
		return "", nil
	}
	entries, err := os.ReadDir(dir)
	if err != nil || len(entries) == 0 {
		return "", nil
	}
	var buf bytes.Buffer
	if err := archive.Pack(dir, &buf); err != nil {
		return "", err
	}
	key := a.reportKey(submissionID, time.Now())
	size := int64(buf.Len())
	if err := a.storage.PutObject(ctx, a.reportBucket, key, &buf, size, archive.ContentType); err != nil {
		return "", appErr.Wrapf(err, appErr.StorageError, "upload report archive failed: %v", err).
			WithDetail("object_key", key)
	}
	return key, nil
}

func (a *ArtifactStore) reportKey(submissionID string, now time.Time) string {
	name := submissionID + "-" + uuid.NewString() + archive.Extension
	return path.Join(a.reportPrefix, now.UTC().Format("2006/01/02"), name)
}
