// Package app builds the shared resources of an actionlog command and wires
// the stage engines to them.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/actionlog/actionlog/internal/config"
	perrors "github.com/actionlog/actionlog/internal/errors"
	"github.com/actionlog/actionlog/internal/ingest"
	"github.com/actionlog/actionlog/internal/keygen"
	"github.com/actionlog/actionlog/internal/load"
	"github.com/actionlog/actionlog/internal/metrics"
	"github.com/actionlog/actionlog/internal/pipeline"
	"github.com/actionlog/actionlog/internal/runlock"
	"github.com/actionlog/actionlog/internal/storage"
	"github.com/actionlog/actionlog/internal/transform"
	"github.com/actionlog/actionlog/internal/warehouse"
)

// App holds the resources needed by a set of stages.
type App struct {
	cfg    *config.Config
	logger *slog.Logger

	// Shared resources; nil when no requested stage needs them
	objects storage.ObjectStorage
	store   warehouse.Store
	locker  runlock.Locker
	metrics *metrics.Metrics
	keys    *keygen.Generator

	closers []namedCloser
}

type namedCloser struct {
	name  string
	close func() error
}

// Option customises New.
type Option func(*App)

// WithClock sets the clock used for object keys.
func WithClock(now func() time.Time) Option {
	return func(a *App) {
		a.keys = keygen.NewGeneratorWithClock(now)
	}
}

// WithMetrics uses m instead of a fresh registry.
func WithMetrics(m *metrics.Metrics) Option {
	return func(a *App) {
		a.metrics = m
	}
}

// New validates cfg for stages and opens the resources they need. The
// object store is opened for ingest, transform and load; the warehouse for
// init-db and load.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger, stages []pipeline.Stage, opts ...Option) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}

	names := make([]string, len(stages))
	for i, s := range stages {
		names[i] = s.String()
	}
	if err := cfg.Validate(names...); err != nil {
		return nil, err
	}

	a := &App{
		cfg:    cfg,
		logger: logger,
		keys:   keygen.NewGenerator(),
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.metrics == nil {
		a.metrics = metrics.New()
	}

	if err := a.initSharedResources(ctx, names); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

// initSharedResources opens the object store, warehouse and run lock.
func (a *App) initSharedResources(ctx context.Context, stages []string) error {
	if config.NeedsObjectStore(stages...) {
		objects, err := openObjectStorage(ctx, a.cfg)
		if err != nil {
			return perrors.NewConnectivityError(perrors.CodeObjectStoreUnavailable,
				fmt.Sprintf("failed to initialize %s object storage", a.cfg.Storage.Type), err)
		}
		a.objects = objects
		a.addCloser("object storage", objects.Close)
		a.logger.DebugContext(ctx, "object storage initialized", "type", a.cfg.Storage.Type, "bucket", a.cfg.Storage.Bucket)
	}

	if config.NeedsWarehouse(stages...) {
		store, err := openWarehouse(ctx, a.cfg)
		if err != nil {
			return perrors.NewConnectivityError(perrors.CodeDatabaseUnavailable,
				fmt.Sprintf("failed to connect to %s warehouse", a.cfg.Database.Driver), err)
		}
		a.store = store
		a.addCloser("warehouse", store.Close)
		a.logger.DebugContext(ctx, "warehouse initialized", "driver", a.cfg.Database.Driver)
	}

	if a.cfg.Redis.URL != "" {
		locker, err := runlock.NewRedisLockerFromURL(ctx, a.cfg.Redis.URL)
		if err != nil {
			return perrors.NewConnectivityError(perrors.CodeLockUnavailable, "failed to connect to redis", err)
		}
		a.locker = locker
		a.addCloser("run lock", locker.Close)
	} else {
		a.locker = runlock.NopLocker{}
	}

	return nil
}

func openObjectStorage(ctx context.Context, cfg *config.Config) (storage.ObjectStorage, error) {
	switch cfg.Storage.Type {
	case config.StorageS3:
		s3Cfg := storage.DefaultS3Config()
		if cfg.Storage.S3.Region != "" {
			s3Cfg.Region = cfg.Storage.S3.Region
		}
		s3Cfg.Endpoint = cfg.Storage.S3.Endpoint
		s3Cfg.AccessKey = cfg.Storage.S3.AccessKey
		s3Cfg.SecretKey = cfg.Storage.S3.SecretKey
		s3Cfg.UsePathStyle = cfg.Storage.S3.UsePathStyle
		return storage.NewS3Storage(ctx, s3Cfg)
	case config.StorageLocal:
		return storage.NewLocalStorage(cfg.Storage.Path)
	case config.StorageBadger:
		return storage.NewBadgerStorage(storage.BadgerOptions{Path: cfg.Storage.Path})
	default:
		return nil, fmt.Errorf("unsupported storage type: %s", cfg.Storage.Type)
	}
}

func openWarehouse(ctx context.Context, cfg *config.Config) (warehouse.Store, error) {
	switch cfg.Database.Driver {
	case config.DriverPostgres:
		return warehouse.NewPostgresStore(ctx, cfg.PostgresURL())
	case config.DriverSQLite:
		return warehouse.NewSQLiteStore(ctx, cfg.Database.SQLite.Path)
	default:
		return nil, fmt.Errorf("unsupported database driver: %s", cfg.Database.Driver)
	}
}

func (a *App) addCloser(name string, fn func() error) {
	a.closers = append(a.closers, namedCloser{name: name, close: fn})
}

// Objects returns the object store, or nil if no stage needed it.
func (a *App) Objects() storage.ObjectStorage { return a.objects }

// Warehouse returns the warehouse store, or nil if no stage needed it.
func (a *App) Warehouse() warehouse.Store { return a.store }

// Metrics returns the metrics registry shared by every stage.
func (a *App) Metrics() *metrics.Metrics { return a.metrics }

// Ingester returns the ingest stage.
func (a *App) Ingester() *ingest.Ingester {
	return ingest.NewIngester(a.objects, a.cfg.Storage.Bucket, a.cfg.Ingest.RawLocalFile, a.keys, a.logger, a.metrics)
}

// Transformer returns the transform stage.
func (a *App) Transformer() *transform.Engine {
	return transform.NewEngine(a.objects, a.cfg.Storage.Bucket, a.keys, a.logger, a.metrics)
}

// Loader returns the load stage.
func (a *App) Loader() *load.Engine {
	return load.NewEngine(a.store, a.objects, a.cfg.Storage.Bucket, a.keys, a.logger, a.metrics)
}

// InitDB creates the star schema.
func (a *App) InitDB(ctx context.Context) error {
	if a.store == nil {
		return perrors.NewInternalError("warehouse not initialized", nil)
	}
	if err := a.store.Migrate(ctx); err != nil {
		return perrors.NewConnectivityError(perrors.CodeDatabaseUnavailable, "failed to create tables", err)
	}

	counts, err := a.store.Counts(ctx)
	if err != nil {
		return perrors.NewConnectivityError(perrors.CodeDatabaseUnavailable, "failed to count rows", err)
	}
	a.logger.InfoContext(ctx, "tables ready",
		"stage", pipeline.StageInitDB.String(),
		"driver", a.cfg.Database.Driver,
		warehouse.TableUsers, counts.Users,
		warehouse.TableActions, counts.Actions,
		warehouse.TableFacts, counts.Facts,
	)
	return nil
}

// Runner returns a pipeline runner with every stage registered.
func (a *App) Runner() *pipeline.Runner {
	r := pipeline.NewRunner(a.locker, a.logger, a.metrics, pipeline.Options{
		LockTTL:     a.cfg.Redis.LockTTL,
		MetricsFile: a.cfg.Metrics.Textfile,
	})

	r.Register(pipeline.StageInitDB, a.InitDB)
	r.Register(pipeline.StageIngest, func(ctx context.Context) error {
		_, err := a.Ingester().Run(ctx)
		return err
	})
	r.Register(pipeline.StageTransform, func(ctx context.Context) error {
		_, err := a.Transformer().Run(ctx)
		return err
	})
	r.Register(pipeline.StageLoad, func(ctx context.Context) error {
		_, err := a.Loader().Run(ctx)
		return err
	})
	return r
}

// Close releases resources in reverse order of creation.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		c := a.closers[i]
		if err := c.close(); err != nil {
			a.logger.Warn("failed to close resource", "resource", c.name, "error", err)
			errs = append(errs, fmt.Errorf("close %s: %w", c.name, err))
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
