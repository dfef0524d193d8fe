// Package load reads the day's processed batch and upserts it into the
// warehouse star schema inside a single transaction.
package load

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	perrors "github.com/actionlog/actionlog/internal/errors"
	"github.com/actionlog/actionlog/internal/keygen"
	"github.com/actionlog/actionlog/internal/metrics"
	"github.com/actionlog/actionlog/internal/quality"
	"github.com/actionlog/actionlog/internal/storage"
	"github.com/actionlog/actionlog/internal/warehouse"
	"github.com/actionlog/actionlog/pkg/types"
)

const stageName = "load"

// ValidationError identifies a row that cannot be loaded.
type ValidationError struct {
	RowIndex int
	Field    string
	Message  string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("row %d, field %s: %s", e.RowIndex, e.Field, e.Message)
}

// Result summarises one batch load.
type Result struct {
	Quality        quality.Report `json:"quality"`
	UsersCreated   int            `json:"users_created"`
	ActionsCreated int            `json:"actions_created"`
	FactsCreated   int            `json:"facts_created"`
	FactsSkipped   int            `json:"facts_skipped"`

	// Committed is false when nothing survived the quality checks
	Committed bool `json:"committed"`
}

// Engine loads processed batches into a warehouse.Store.
type Engine struct {
	store   warehouse.Store
	objects storage.ObjectStorage
	bucket  string
	keys    *keygen.Generator
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// NewEngine creates a load engine. objects may be nil when only Load is used;
// logger and m may be nil.
func NewEngine(store warehouse.Store, objects storage.ObjectStorage, bucket string, keys *keygen.Generator, logger *slog.Logger, m *metrics.Metrics) *Engine {
	if keys == nil {
		keys = keygen.NewGenerator()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		store:   store,
		objects: objects,
		bucket:  bucket,
		keys:    keys,
		logger:  logger.With("stage", stageName),
		metrics: m,
	}
}

// Run reads today's processed batch and loads it. A missing processed
// object is not an error: nothing is loaded.
func (e *Engine) Run(ctx context.Context) (*Result, error) {
	key := e.keys.Key(keygen.StageProcessed)
	e.logger.InfoContext(ctx, "reading processed batch", "bucket", e.bucket, "key", key)

	data, err := e.objects.GetObject(ctx, e.bucket, key)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotFound) {
			e.logger.WarnContext(ctx, "processed batch not found, nothing to load",
				"bucket", e.bucket, "key", key)
			return &Result{}, nil
		}
		return nil, perrors.NewConnectivityError(perrors.CodeObjectStoreUnavailable,
			"failed to read processed batch", err)
	}

	events, err := types.DecodeBatch(data)
	if err != nil {
		return nil, perrors.NewMalformedInputError(perrors.CodeInvalidJSON,
			fmt.Sprintf("processed batch %s/%s is not valid", e.bucket, key), err)
	}
	e.logger.InfoContext(ctx, "processed batch read", "key", key, "rows", len(events))

	return e.Load(ctx, events)
}

// Load upserts events. Timestamps are parsed first and any unparseable
// value aborts the load before the warehouse is touched. Rows are then
// filtered by the quality checks; if none survive no transaction is opened.
// Otherwise every surviving row is written and committed once, and any
// failure rolls the whole batch back.
func (e *Engine) Load(ctx context.Context, events []types.ProcessedEvent) (*Result, error) {
	rows, err := parseRows(events)
	if err != nil {
		return nil, err
	}

	clean, report := quality.Check(types.ProcessedColumns, rows)
	report.Log(ctx, e.logger)
	e.metrics.RecordRows(stageName, metrics.OutcomeIn, report.RowsBefore)
	e.metrics.RecordRows(stageName, metrics.OutcomeDropped, report.RowsBefore-report.RowsAfter)

	res := &Result{Quality: report}
	if len(clean) == 0 {
		e.logger.WarnContext(ctx, "no rows left after quality checks, skipping load")
		return res, nil
	}

	if err := e.upsert(ctx, clean, res); err != nil {
		e.logger.ErrorContext(ctx, "load failed, transaction rolled back", "error", err)
		return nil, err
	}

	e.metrics.RecordRows(stageName, metrics.OutcomeOut, len(clean))
	e.metrics.RecordDimensionRows(warehouse.TableUsers, res.UsersCreated)
	e.metrics.RecordDimensionRows(warehouse.TableActions, res.ActionsCreated)
	e.metrics.RecordFacts(res.FactsCreated)

	e.logger.InfoContext(ctx, "load complete",
		"rows", len(clean),
		"users_created", res.UsersCreated,
		"actions_created", res.ActionsCreated,
		"facts_created", res.FactsCreated,
		"facts_skipped", res.FactsSkipped,
	)
	return res, nil
}

func (e *Engine) upsert(ctx context.Context, rows []row, res *Result) (err error) {
	tx, err := e.store.Begin(ctx)
	if err != nil {
		return perrors.NewConnectivityError(perrors.CodeDatabaseUnavailable, "failed to open transaction", err)
	}
	defer func() {
		if err != nil {
			if rbErr := tx.Rollback(ctx); rbErr != nil {
				e.logger.ErrorContext(ctx, "rollback failed", "error", rbErr)
			}
		}
	}()

	actions := make(map[string]int64)
	for i, r := range rows {
		e.logger.DebugContext(ctx, "processing row", "row", i, "user_id", r.userID, "action_type", r.actionType)

		created, err := e.ensureUser(ctx, tx, r)
		if err != nil {
			return err
		}
		if created {
			res.UsersCreated++
		}

		actionID, ok := actions[r.actionType]
		if !ok {
			actionID, created, err = e.ensureAction(ctx, tx, r.actionType)
			if err != nil {
				return err
			}
			if created {
				res.ActionsCreated++
			}
			actions[r.actionType] = actionID
		}

		exists, err := tx.FactExists(ctx, r.userID, actionID, r.timestamp)
		if err != nil {
			return perrors.Wrap(perrors.ErrCategoryInternal, perrors.CodeUnexpected, "failed to check fact", err)
		}
		if exists {
			res.FactsSkipped++
			continue
		}
		created, err = tx.CreateFact(ctx, types.FactUserAction{
			UserID:    r.userID,
			ActionID:  actionID,
			Timestamp: r.timestamp,
		})
		if err != nil {
			return perrors.Wrap(perrors.ErrCategoryInternal, perrors.CodeUnexpected, "failed to insert fact", err)
		}
		if created {
			res.FactsCreated++
		} else {
			res.FactsSkipped++
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return perrors.NewConnectivityError(perrors.CodeDatabaseUnavailable, "failed to commit load", err)
	}
	res.Committed = true
	return nil
}

// ensureUser creates the user unless it exists. Attributes of an existing
// user are never updated.
func (e *Engine) ensureUser(ctx context.Context, tx warehouse.Tx, r row) (bool, error) {
	existing, err := tx.FindUser(ctx, r.userID)
	if err != nil {
		return false, perrors.Wrap(perrors.ErrCategoryInternal, perrors.CodeUnexpected, "failed to look up user", err)
	}
	if existing != nil {
		return false, nil
	}
	created, err := tx.CreateUser(ctx, types.DimUser{
		UserID:   r.userID,
		Device:   r.event.Device,
		Location: r.event.Location,
	})
	if err != nil {
		return false, perrors.Wrap(perrors.ErrCategoryInternal, perrors.CodeUnexpected, "failed to insert user", err)
	}
	return created, nil
}

// ensureAction returns the id of actionType. CreateAction is only called for
// types not yet in dim_actions.
func (e *Engine) ensureAction(ctx context.Context, tx warehouse.Tx, actionType string) (int64, bool, error) {
	existing, err := tx.FindAction(ctx, actionType)
	if err != nil {
		return 0, false, perrors.Wrap(perrors.ErrCategoryInternal, perrors.CodeUnexpected, "failed to look up action", err)
	}
	if existing != nil {
		return existing.ActionID, false, nil
	}
	action, created, err := tx.CreateAction(ctx, actionType)
	if err != nil {
		return 0, false, perrors.Wrap(perrors.ErrCategoryInternal, perrors.CodeUnexpected, "failed to insert action", err)
	}
	return action.ActionID, created, nil
}

// row is a processed event with its timestamp parsed.
type row struct {
	event      types.ProcessedEvent
	userID     string
	actionType string
	timestamp  time.Time
}

// Cells returns the event's cells with the timestamp re-rendered, so rows
// naming the same instant compare equal.
func (r row) Cells() []*string {
	ts := r.event.Timestamp
	if ts != nil {
		ts = types.Ptr(types.FormatTimestamp(r.timestamp))
	}
	return []*string{r.event.UserID, r.event.ActionType, ts, r.event.Device, r.event.Location}
}

func parseRows(events []types.ProcessedEvent) ([]row, error) {
	rows := make([]row, 0, len(events))
	for i, ev := range events {
		r := row{event: ev}
		if ev.UserID != nil {
			r.userID = *ev.UserID
		}
		if ev.ActionType != nil {
			r.actionType = *ev.ActionType
		}
		if ev.Timestamp != nil {
			ts, err := types.ParseTimestamp(*ev.Timestamp)
			if err != nil {
				verr := &ValidationError{RowIndex: i, Field: types.ColumnTimestamp, Message: err.Error()}
				return nil, perrors.NewMalformedInputError(perrors.CodeInvalidTimestamp, "invalid timestamp at load", verr).
					WithDetails(map[string]interface{}{"row": i, "field": types.ColumnTimestamp})
			}
			r.timestamp = ts
		}
		rows = append(rows, r)
	}
	return rows, nil
}
