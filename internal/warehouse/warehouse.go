// Package warehouse persists the user-action star schema: the dim_users and
// dim_actions dimensions and the fact_user_actions fact table.
package warehouse

import (
	"context"
	"embed"
	"errors"
	"time"

	"github.com/actionlog/actionlog/pkg/types"
)

//go:embed migrations/postgres/*.sql migrations/sqlite/*.sql
var migrationsFS embed.FS

// Table names.
const (
	TableUsers   = "dim_users"
	TableActions = "dim_actions"
	TableFacts   = "fact_user_actions"
)

// ErrClosed is returned when a store is used after Close.
var ErrClosed = errors.New("warehouse: store closed")

// Store opens batch-scoped transactions against the warehouse.
type Store interface {
	// Begin starts a transaction. Every write of one batch load goes
	// through a single Tx.
	Begin(ctx context.Context) (Tx, error)

	// Migrate creates or upgrades the schema. It is idempotent.
	Migrate(ctx context.Context) error

	// Counts returns the number of rows in each table.
	Counts(ctx context.Context) (Counts, error)

	// Close releases the underlying connections.
	Close() error
}

// Tx is a single warehouse transaction. Create methods never fail on an
// existing natural key: they report created=false instead.
type Tx interface {
	// FindUser returns the user or nil if absent.
	FindUser(ctx context.Context, userID string) (*types.DimUser, error)

	// CreateUser inserts the user unless one with the same id exists.
	CreateUser(ctx context.Context, user types.DimUser) (created bool, err error)

	// FindAction returns the action or nil if absent.
	FindAction(ctx context.Context, actionType string) (*types.DimAction, error)

	// CreateAction inserts the action type unless it exists, and returns
	// the stored row either way.
	CreateAction(ctx context.Context, actionType string) (*types.DimAction, bool, error)

	// FactExists reports whether the (user, action, timestamp) triple is stored.
	FactExists(ctx context.Context, userID string, actionID int64, ts time.Time) (bool, error)

	// CreateFact inserts the fact unless the triple exists.
	CreateFact(ctx context.Context, fact types.FactUserAction) (created bool, err error)

	// Commit makes the transaction's writes visible.
	Commit(ctx context.Context) error

	// Rollback discards the transaction. It is a no-op after Commit.
	Rollback(ctx context.Context) error
}

// Counts holds row counts per table.
type Counts struct {
	Users   int64 `json:"dim_users"`
	Actions int64 `json:"dim_actions"`
	Facts   int64 `json:"fact_user_actions"`
}
