package storage

import (
	"context"
	"fmt"
	"io"
	"net/http"

	appErr "autograde/pkg/errors"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// MinIOConfig holds object storage settings for MinIO.
type MinIOConfig struct {
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"accessKey"`
	SecretKey string `yaml:"secretKey"`
	UseSSL    bool   `yaml:"useSSL"`
	Region    string `yaml:"region"`
}

// MinIOStorage implements ObjectStorage using MinIO S3-compatible APIs.
// Missing objects and buckets surface as NotFound, every other failure as StorageError.
type MinIOStorage struct {
	client *minio.Client
	region string
}

func NewMinIOStorage(cfg MinIOConfig) (*MinIOStorage, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("minio endpoint is required")
	}
	if cfg.AccessKey == "" || cfg.SecretKey == "" {
		return nil, fmt.Errorf("minio credentials are required")
	}
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("create minio client failed: %w", err)
	}
	return &MinIOStorage{client: client, region: cfg.Region}, nil
}

// EnsureBucket creates bucket when it does not exist.
func (s *MinIOStorage) EnsureBucket(ctx context.Context, bucket string) error {
	exists, err := s.client.BucketExists(ctx, bucket)
	if err != nil {
		return storageError(err, "check bucket", bucket, "")
	}
	if exists {
		return nil
	}
	if err := s.client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{Region: s.region}); err != nil {
		// Another worker may have created it meanwhile.
		if code := minio.ToErrorResponse(err).Code; code == "BucketAlreadyOwnedByYou" || code == "BucketAlreadyExists" {
			return nil
		}
		return storageError(err, "make bucket", bucket, "")
	}
	return nil
}

// Ping verifies the endpoint answers authenticated requests.
func (s *MinIOStorage) Ping(ctx context.Context) error {
	if _, err := s.client.ListBuckets(ctx); err != nil {
		return storageError(err, "list buckets", "", "")
	}
	return nil
}

func (s *MinIOStorage) GetObject(ctx context.Context, bucket, objectKey string) (io.ReadCloser, error) {
	if objectKey == "" {
		return nil, appErr.InvalidParam("objectKey is required")
	}
	obj, err := s.client.GetObject(ctx, bucket, objectKey, minio.GetObjectOptions{})
	if err != nil {
		return nil, storageError(err, "get object", bucket, objectKey)
	}
	// GetObject is lazy; surface a missing object here rather than on first Read.
	if _, err := obj.Stat(); err != nil {
		_ = obj.Close()
		return nil, storageError(err, "get object", bucket, objectKey)
	}
	return obj, nil
}

func (s *MinIOStorage) PutObject(ctx context.Context, bucket, objectKey string, reader io.Reader, sizeBytes int64, contentType string) error {
	if reader == nil {
		return appErr.InvalidParam("reader is required")
	}
	if objectKey == "" {
		return appErr.InvalidParam("objectKey is required")
	}
	opts := minio.PutObjectOptions{ContentType: contentType}
	if _, err := s.client.PutObject(ctx, bucket, objectKey, reader, sizeBytes, opts); err != nil {
		return storageError(err, "put object", bucket, objectKey)
	}
	return nil
}

func (s *MinIOStorage) StatObject(ctx context.Context, bucket, objectKey string) (ObjectStat, error) {
	info, err := s.client.StatObject(ctx, bucket, objectKey, minio.StatObjectOptions{})
	if err != nil {
		return ObjectStat{}, storageError(err, "stat object", bucket, objectKey)
	}
	return ObjectStat{
		SizeBytes:   info.Size,
		ETag:        info.ETag,
		ContentType: info.ContentType,
	}, nil
}

func storageError(err error, op, bucket, objectKey string) error {
	code := appErr.StorageError
	if isNotFound(err) {
		code = appErr.NotFound
	}
	e := appErr.Wrapf(err, code, "minio %s failed: %v", op, err)
	if bucket != "" {
		e = e.WithDetail("bucket", bucket)
	}
	if objectKey != "" {
		e = e.WithDetail("object_key", objectKey)
	}
	return e
}

func isNotFound(err error) bool {
	resp := minio.ToErrorResponse(err)
	switch resp.Code {
	case "NoSuchKey", "NoSuchBucket", "NoSuchObject":
		return true
	}
	return resp.StatusCode == http.StatusNotFound
}
