// Package pipeline runs the actionlog stages in order under a run lock.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	perrors "github.com/actionlog/actionlog/internal/errors"
	"github.com/actionlog/actionlog/internal/logging"
	"github.com/actionlog/actionlog/internal/metrics"
	"github.com/actionlog/actionlog/internal/runlock"
)

// Stage names a pipeline step.
type Stage string

const (
	StageInitDB    Stage = "init-db"
	StageIngest    Stage = "ingest"
	StageTransform Stage = "transform"
	StageLoad      Stage = "load"
)

// DefaultOrder is the full run: init_db >> ingest >> transform >> load.
var DefaultOrder = []Stage{StageInitDB, StageIngest, StageTransform, StageLoad}

// DefaultLockName is the lock shared by every run against one deployment.
const DefaultLockName = "pipeline"

const releaseTimeout = 5 * time.Second

func (s Stage) String() string {
	return string(s)
}

// ParseStage returns the stage named s.
func ParseStage(s string) (Stage, error) {
	for _, st := range DefaultOrder {
		if string(st) == s {
			return st, nil
		}
	}
	return "", fmt.Errorf("unknown stage %q", s)
}

// StageFunc executes one stage. Results are reported through logs and metrics.
type StageFunc func(ctx context.Context) error

// Options configures a Runner.
type Options struct {
	// LockName is the run lock key; empty means DefaultLockName
	LockName string

	// LockTTL bounds how long a crashed run keeps the lock
	LockTTL time.Duration

	// MetricsFile receives the metrics textfile after every run; empty disables it
	MetricsFile string
}

// Report describes a finished run.
type Report struct {
	RunID     string
	Completed []Stage
	Failed    Stage
	Durations map[Stage]time.Duration
}

// Runner executes registered stages sequentially.
type Runner struct {
	stages  map[Stage]StageFunc
	locker  runlock.Locker
	logger  *slog.Logger
	metrics *metrics.Metrics
	opts    Options
}

// NewRunner creates a runner. locker, logger and m may be nil.
func NewRunner(locker runlock.Locker, logger *slog.Logger, m *metrics.Metrics, opts Options) *Runner {
	if locker == nil {
		locker = runlock.NopLocker{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	if opts.LockName == "" {
		opts.LockName = DefaultLockName
	}
	if opts.LockTTL <= 0 {
		opts.LockTTL = 30 * time.Minute
	}
	return &Runner{
		stages:  make(map[Stage]StageFunc),
		locker:  locker,
		logger:  logger,
		metrics: m,
		opts:    opts,
	}
}

// Register sets the function executed for stage.
func (r *Runner) Register(stage Stage, fn StageFunc) {
	r.stages[stage] = fn
}

// NewRunID returns a time-ordered run identifier.
func NewRunID() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("failed to generate run id: %w", err)
	}
	return id.String(), nil
}

// Run executes stages in the given order and stops at the first failure.
// A run ID already attached to ctx is reused; otherwise a new one is
// generated and attached.
func (r *Runner) Run(ctx context.Context, stages ...Stage) (*Report, error) {
	if len(stages) == 0 {
		return nil, perrors.NewInternalError("no stages to run", nil)
	}
	for _, s := range stages {
		if _, ok := r.stages[s]; !ok {
			return nil, perrors.NewInternalError(fmt.Sprintf("stage %s is not registered", s), nil)
		}
	}

	runID := logging.RunIDFromContext(ctx)
	if runID == "" {
		id, err := NewRunID()
		if err != nil {
			return nil, perrors.NewInternalError("run id", err)
		}
		runID = id
		ctx = logging.WithRunID(ctx, runID)
	}

	report := &Report{RunID: runID, Durations: make(map[Stage]time.Duration, len(stages))}
	defer r.writeMetrics(ctx)

	lease, err := r.locker.Acquire(ctx, r.opts.LockName, r.opts.LockTTL)
	if err != nil {
		if errors.Is(err, runlock.ErrLocked) {
			r.logger.WarnContext(ctx, "another run holds the pipeline lock", "lock", r.opts.LockName)
			return report, perrors.NewConnectivityError(perrors.CodeLockHeld, "pipeline run already in progress", err)
		}
		return report, perrors.NewConnectivityError(perrors.CodeLockUnavailable, "failed to acquire run lock", err)
	}
	defer func() {
		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
		defer cancel()
		if err := lease.Release(releaseCtx); err != nil {
			r.logger.WarnContext(ctx, "failed to release run lock", "lock", r.opts.LockName, "error", err)
		}
	}()

	r.logger.InfoContext(ctx, "run started", "stages", stageNames(stages))
	runStarted := time.Now()

	for _, s := range stages {
		if err := ctx.Err(); err != nil {
			report.Failed = s
			return report, perrors.Wrap(perrors.ErrCategoryInternal, perrors.CodeUnexpected, "run cancelled", err)
		}

		started := time.Now()
		r.logger.InfoContext(ctx, "stage started", "stage", s.String())

		err := r.stages[s](ctx)
		elapsed := time.Since(started)
		report.Durations[s] = elapsed
		r.metrics.ObserveStage(s.String(), started, err)

		if err != nil {
			report.Failed = s
			r.logger.ErrorContext(ctx, "stage failed",
				"stage", s.String(),
				"category", string(perrors.GetCategory(err)),
				"code", perrors.GetCode(err),
				"duration", elapsed,
				"error", err,
			)
			return report, fmt.Errorf("stage %s: %w", s, err)
		}

		report.Completed = append(report.Completed, s)
		r.logger.InfoContext(ctx, "stage finished", "stage", s.String(), "duration", elapsed)
	}

	r.logger.InfoContext(ctx, "run finished", "stages", len(stages), "duration", time.Since(runStarted))
	return report, nil
}

func (r *Runner) writeMetrics(ctx context.Context) {
	if err := r.metrics.WriteTextfile(r.opts.MetricsFile); err != nil {
		r.logger.WarnContext(ctx, "failed to write metrics textfile", "path", r.opts.MetricsFile, "error", err)
	}
}

func stageNames(stages []Stage) []string {
	names := make([]string, len(stages))
	for i, s := range stages {
		names[i] = s.String()
	}
	return names
}
