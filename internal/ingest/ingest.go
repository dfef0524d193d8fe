// Package ingest stages a local raw batch file in the object store.
package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"slices"

	perrors "github.com/actionlog/actionlog/internal/errors"
	"github.com/actionlog/actionlog/internal/keygen"
	"github.com/actionlog/actionlog/internal/metrics"
	"github.com/actionlog/actionlog/internal/storage"
	"github.com/actionlog/actionlog/pkg/types"
)

const stageName = "ingest"

// Result describes one ingest run.
type Result struct {
	Bucket        string `json:"bucket"`
	Key           string `json:"key"`
	Bytes         int    `json:"bytes"`
	BucketCreated bool   `json:"bucket_created"`
}

// Ingester uploads the local raw file to today's raw key.
type Ingester struct {
	store     storage.ObjectStorage
	bucket    string
	localFile string
	keys      *keygen.Generator
	logger    *slog.Logger
	metrics   *metrics.Metrics
}

// NewIngester creates an ingester. logger and m may be nil.
func NewIngester(store storage.ObjectStorage, bucket, localFile string, keys *keygen.Generator, logger *slog.Logger, m *metrics.Metrics) *Ingester {
	if keys == nil {
		keys = keygen.NewGenerator()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Ingester{
		store:     store,
		bucket:    bucket,
		localFile: localFile,
		keys:      keys,
		logger:    logger.With("stage", stageName),
		metrics:   m,
	}
}

// Run checks the local file, creates the bucket if it is missing and
// uploads the file contents unchanged. A missing file is a NOT_FOUND error.
func (i *Ingester) Run(ctx context.Context) (*Result, error) {
	i.logger.InfoContext(ctx, "checking for raw file", "path", i.localFile)

	info, err := os.Stat(i.localFile)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, perrors.NewNotFoundError(perrors.CodeFileNotFound,
				fmt.Sprintf("file does not exist: %s", i.localFile), err)
		}
		return nil, perrors.NewInternalError("failed to stat raw file", err)
	}
	if info.IsDir() {
		return nil, perrors.NewNotFoundError(perrors.CodeFileNotFound,
			fmt.Sprintf("not a regular file: %s", i.localFile), nil)
	}

	res := &Result{Bucket: i.bucket, Key: i.keys.Key(keygen.StageRaw)}

	buckets, err := i.store.ListBuckets(ctx)
	if err != nil {
		return nil, perrors.NewConnectivityError(perrors.CodeObjectStoreUnavailable, "failed to list buckets", err)
	}
	if !slices.Contains(buckets, i.bucket) {
		created, err := i.store.EnsureBucket(ctx, i.bucket)
		if err != nil {
			return nil, perrors.NewConnectivityError(perrors.CodeObjectStoreUnavailable, "failed to create bucket", err)
		}
		res.BucketCreated = created
		if created {
			i.logger.InfoContext(ctx, "created bucket", "bucket", i.bucket)
		}
	}

	data, err := os.ReadFile(i.localFile)
	if err != nil {
		return nil, perrors.NewInternalError("failed to read raw file", err)
	}

	i.logger.InfoContext(ctx, "uploading raw batch", "bucket", i.bucket, "key", res.Key, "bytes", len(data))
	if err := i.store.PutObject(ctx, i.bucket, res.Key, data); err != nil {
		return nil, perrors.NewConnectivityError(perrors.CodeObjectStoreUnavailable, "failed to upload raw batch", err)
	}
	res.Bytes = len(data)

	if records, err := types.DecodeRecords(data); err == nil {
		i.metrics.RecordRows(stageName, metrics.OutcomeOut, len(records))
	} else {
		i.logger.WarnContext(ctx, "raw batch is not a JSON array of objects, transform will reject it", "error", err)
	}
	i.logger.InfoContext(ctx, "upload successful", "key", res.Key)
	return res, nil
}
