// Package storage is the object storage adapter for submission sources and report archives.
package storage

import (
	"context"
	"io"
)

// ObjectStorage defines the object operations the grading worker needs.
type ObjectStorage interface {
	// GetObject opens a reader for an object. Caller must close the returned reader.
	GetObject(ctx context.Context, bucket, objectKey string) (io.ReadCloser, error)

	// PutObject uploads sizeBytes from reader. A negative size streams until EOF.
	PutObject(ctx context.Context, bucket, objectKey string, reader io.Reader, sizeBytes int64, contentType string) error

	// StatObject returns size and ETag for an object.
	StatObject(ctx context.Context, bucket, objectKey string) (ObjectStat, error)
}

// ObjectStat contains object metadata.
type ObjectStat struct {
	SizeBytes   int64
	ETag        string
	ContentType string
}
