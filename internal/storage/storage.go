// Package storage provides object storage abstractions for staging pipeline batches.
package storage

import (
	"context"
	"errors"
)

// Common errors for storage operations.
var (
	ErrObjectNotFound = errors.New("object not found")
	ErrUploadFailed   = errors.New("upload failed")
	ErrDownloadFailed = errors.New("download failed")
	ErrBucketFailed   = errors.New("bucket operation failed")
)

// ObjectStorage abstracts whole-blob object storage operations.
// Implementations include S3 (MinIO), Badger and the local filesystem.
type ObjectStorage interface {
	// PutObject writes data to bucket/key, replacing any existing object.
	PutObject(ctx context.Context, bucket, key string, data []byte) error

	// GetObject reads the whole object at bucket/key.
	// Returns ErrObjectNotFound if the bucket or the key does not exist.
	GetObject(ctx context.Context, bucket, key string) ([]byte, error)

	// EnsureBucket creates bucket if it does not exist yet.
	// created reports whether a new bucket was made.
	EnsureBucket(ctx context.Context, bucket string) (created bool, err error)

	// ListBuckets returns the names of all buckets.
	ListBuckets(ctx context.Context) ([]string, error)

	// Close releases any resources held by the backend.
	Close() error
}
