package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

// LocalStorage implements ObjectStorage using the local filesystem.
// Buckets are directories under basePath and keys are relative file paths.
// This is primarily used for testing and development.
type LocalStorage struct {
	basePath string
	mu       sync.RWMutex
}

// NewLocalStorage creates a new local filesystem storage.
func NewLocalStorage(basePath string) (*LocalStorage, error) {
	if err := os.MkdirAll(basePath, 0755); err != nil {
		return nil, fmt.Errorf("failed to create base directory: %w", err)
	}

	return &LocalStorage{basePath: basePath}, nil
}

// PutObject writes data to bucket/key. The bucket must exist.
func (l *LocalStorage) PutObject(ctx context.Context, bucket, key string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	destPath, err := l.objectPath(bucket, key)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUploadFailed, err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if _, err := os.Stat(l.bucketPath(bucket)); os.IsNotExist(err) {
		return fmt.Errorf("%w: bucket %s does not exist", ErrUploadFailed, bucket)
	}
	if err := os.MkdirAll(filepath.Dir(destPath), 0755); err != nil {
		return fmt.Errorf("%w: %v", ErrUploadFailed, err)
	}

	// Write to a sibling temp file so readers never see a partial object.
	tmp, err := os.CreateTemp(filepath.Dir(destPath), ".upload-*")
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUploadFailed, err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("%w: %v", ErrUploadFailed, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("%w: %v", ErrUploadFailed, err)
	}
	if err := os.Rename(tmp.Name(), destPath); err != nil {
		return fmt.Errorf("%w: %v", ErrUploadFailed, err)
	}

	return nil
}

// GetObject reads the object at bucket/key.
func (l *LocalStorage) GetObject(ctx context.Context, bucket, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	srcPath, err := l.objectPath(bucket, key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDownloadFailed, err)
	}

	l.mu.RLock()
	defer l.mu.RUnlock()

	data, err := os.ReadFile(srcPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s/%s", ErrObjectNotFound, bucket, key)
		}
		return nil, fmt.Errorf("%w: %v", ErrDownloadFailed, err)
	}
	return data, nil
}

// EnsureBucket creates the bucket directory if needed.
func (l *LocalStorage) EnsureBucket(ctx context.Context, bucket string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if err := validateBucket(bucket); err != nil {
		return false, fmt.Errorf("%w: %v", ErrBucketFailed, err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	path := l.bucketPath(bucket)
	if info, err := os.Stat(path); err == nil {
		if !info.IsDir() {
			return false, fmt.Errorf("%w: %s is not a directory", ErrBucketFailed, path)
		}
		return false, nil
	}

	if err := os.MkdirAll(path, 0755); err != nil {
		return false, fmt.Errorf("%w: %v", ErrBucketFailed, err)
	}
	return true, nil
}

// ListBuckets returns the bucket directories in lexical order.
func (l *LocalStorage) ListBuckets(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	l.mu.RLock()
	defer l.mu.RUnlock()

	entries, err := os.ReadDir(l.basePath)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBucketFailed, err)
	}

	var names []string
	for _, e := range entries {
		if e.IsDir() {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

// Close is a no-op for the filesystem backend.
func (l *LocalStorage) Close() error {
	return nil
}

// Clear removes all buckets and objects.
// This is useful for test cleanup.
func (l *LocalStorage) Clear() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := os.RemoveAll(l.basePath); err != nil {
		return err
	}
	return os.MkdirAll(l.basePath, 0755)
}

func (l *LocalStorage) bucketPath(bucket string) string {
	return filepath.Join(l.basePath, bucket)
}

// objectPath returns the full filesystem path for an object, rejecting keys
// that would escape the bucket directory.
func (l *LocalStorage) objectPath(bucket, key string) (string, error) {
	if err := validateBucket(bucket); err != nil {
		return "", err
	}
	clean := filepath.Clean(filepath.FromSlash(key))
	if key == "" || clean == "." || filepath.IsAbs(clean) || strings.HasPrefix(clean, "..") {
		return "", fmt.Errorf("invalid object key %q", key)
	}
	return filepath.Join(l.bucketPath(bucket), clean), nil
}

func validateBucket(bucket string) error {
	if bucket == "" || strings.ContainsAny(bucket, `/\`) || bucket == "." || bucket == ".." {
		return fmt.Errorf("invalid bucket name %q", bucket)
	}
	return nil
}
