package transform

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	perrors "github.com/actionlog/actionlog/internal/errors"
	"github.com/actionlog/actionlog/internal/keygen"
	"github.com/actionlog/actionlog/internal/metrics"
	"github.com/actionlog/actionlog/internal/storage"
	"github.com/actionlog/actionlog/pkg/types"
)

const stageName = "transform"

// Engine reads the day's raw batch, transforms it and writes the processed
// batch back to the object store.
type Engine struct {
	store   storage.ObjectStorage
	bucket  string
	keys    *keygen.Generator
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// Result describes one transform run.
type Result struct {
	Bucket       string `json:"bucket"`
	RawKey       string `json:"raw_key"`
	ProcessedKey string `json:"processed_key"`
	Stats        Stats  `json:"stats"`

	// Saved is false when there was nothing to write
	Saved bool `json:"saved"`
}

// NewEngine creates a transform engine. logger and m may be nil.
func NewEngine(store storage.ObjectStorage, bucket string, keys *keygen.Generator, logger *slog.Logger, m *metrics.Metrics) *Engine {
	if keys == nil {
		keys = keygen.NewGenerator()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		store:   store,
		bucket:  bucket,
		keys:    keys,
		logger:  logger.With("stage", stageName),
		metrics: m,
	}
}

// Run executes read, transform and save. A missing raw object is not an
// error: the run ends with an empty result.
func (e *Engine) Run(ctx context.Context) (*Result, error) {
	res := &Result{
		Bucket:       e.bucket,
		RawKey:       e.keys.Key(keygen.StageRaw),
		ProcessedKey: e.keys.Key(keygen.StageProcessed),
	}

	raw, err := e.readRaw(ctx, res.RawKey)
	if err != nil {
		if perrors.IsNotFound(err) {
			e.logger.WarnContext(ctx, "raw batch not found, nothing to transform",
				"bucket", e.bucket, "key", res.RawKey)
			return res, nil
		}
		return nil, err
	}

	events, stats, err := Transform(raw, e.logger)
	if err != nil {
		e.logger.ErrorContext(ctx, "transformation failed", "key", res.RawKey, "error", err)
		return nil, err
	}
	res.Stats = stats

	e.metrics.RecordRows(stageName, metrics.OutcomeIn, stats.RecordsIn)
	e.metrics.RecordRows(stageName, metrics.OutcomeDropped, stats.Dropped())
	e.metrics.RecordRows(stageName, metrics.OutcomeOut, stats.RecordsOut)

	saved, err := e.save(ctx, res.ProcessedKey, events)
	if err != nil {
		return nil, err
	}
	res.Saved = saved
	return res, nil
}

// Save writes events to today's processed key. An empty batch is skipped
// with a warning and reported as not saved.
func (e *Engine) Save(ctx context.Context, events []types.ProcessedEvent) (bool, error) {
	return e.save(ctx, e.keys.Key(keygen.StageProcessed), events)
}

func (e *Engine) readRaw(ctx context.Context, key string) ([]byte, error) {
	e.logger.InfoContext(ctx, "reading raw batch", "bucket", e.bucket, "key", key)

	data, err := e.store.GetObject(ctx, e.bucket, key)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotFound) {
			return nil, perrors.NewNotFoundError(perrors.CodeObjectNotFound,
				fmt.Sprintf("raw batch %s/%s not found", e.bucket, key), err)
		}
		return nil, perrors.NewConnectivityError(perrors.CodeObjectStoreUnavailable,
			"failed to read raw batch", err)
	}
	return data, nil
}

func (e *Engine) save(ctx context.Context, key string, events []types.ProcessedEvent) (bool, error) {
	if len(events) == 0 {
		e.logger.WarnContext(ctx, "processed batch is empty, skipping upload", "key", key)
		return false, nil
	}

	data, err := types.EncodeBatch(events)
	if err != nil {
		return false, perrors.NewInternalError("failed to encode processed batch", err)
	}

	if err := e.store.PutObject(ctx, e.bucket, key, data); err != nil {
		return false, perrors.NewConnectivityError(perrors.CodeObjectStoreUnavailable,
			"failed to write processed batch", err)
	}

	e.logger.InfoContext(ctx, "processed batch saved",
		"bucket", e.bucket, "key", key, "rows", len(events), "bytes", len(data))
	return true, nil
}
