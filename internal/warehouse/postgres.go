package warehouse

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratepgx "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/actionlog/actionlog/pkg/types"
)

// PostgresStore implements Store on a pgx connection pool.
type PostgresStore struct {
	pool       *pgxpool.Pool
	connString string
}

// NewPostgresStore connects to Postgres and verifies the connection.
func NewPostgresStore(ctx context.Context, connString string) (*PostgresStore, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database config: %w", err)
	}

	// One batch load uses one connection; keep the pool small.
	config.MaxConns = 4
	config.MinConns = 0
	config.MaxConnLifetime = 5 * time.Minute
	config.MaxConnIdleTime = 1 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &PostgresStore{pool: pool, connString: connString}, nil
}

// Migrate applies the embedded Postgres migrations.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	src, err := iofs.New(migrationsFS, "migrations/postgres")
	if err != nil {
		return fmt.Errorf("failed to load migrations: %w", err)
	}

	db, err := sql.Open("pgx", s.connString)
	if err != nil {
		src.Close()
		return fmt.Errorf("failed to open migration connection: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		src.Close()
		db.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}

	driver, err := migratepgx.WithInstance(db, &migratepgx.Config{})
	if err != nil {
		src.Close()
		db.Close()
		return fmt.Errorf("failed to initialize migration driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", src, "pgx5", driver)
	if err != nil {
		src.Close()
		driver.Close()
		return fmt.Errorf("failed to initialize migrations: %w", err)
	}
	defer m.Close()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}

// Begin starts a read-committed transaction.
func (s *PostgresStore) Begin(ctx context.Context) (Tx, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	return &postgresTx{tx: tx}, nil
}

// Counts returns the number of rows in each table.
func (s *PostgresStore) Counts(ctx context.Context) (Counts, error) {
	var c Counts
	err := s.pool.QueryRow(ctx, `
		SELECT
			(SELECT COUNT(*) FROM dim_users),
			(SELECT COUNT(*) FROM dim_actions),
			(SELECT COUNT(*) FROM fact_user_actions)
	`).Scan(&c.Users, &c.Actions, &c.Facts)
	if err != nil {
		return Counts{}, fmt.Errorf("failed to count rows: %w", err)
	}
	return c, nil
}

// Close closes the connection pool.
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

type postgresTx struct {
	tx pgx.Tx
}

func (t *postgresTx) FindUser(ctx context.Context, userID string) (*types.DimUser, error) {
	var u types.DimUser
	err := t.tx.QueryRow(ctx,
		`SELECT user_id, device, location FROM dim_users WHERE user_id = $1`,
		userID,
	).Scan(&u.UserID, &u.Device, &u.Location)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find user %q: %w", userID, err)
	}
	return &u, nil
}

func (t *postgresTx) CreateUser(ctx context.Context, user types.DimUser) (bool, error) {
	tag, err := t.tx.Exec(ctx, `
		INSERT INTO dim_users (user_id, device, location)
		VALUES ($1, $2, $3)
		ON CONFLICT (user_id) DO NOTHING
	`, user.UserID, user.Device, user.Location)
	if err != nil {
		return false, fmt.Errorf("failed to create user %q: %w", user.UserID, err)
	}
	return tag.RowsAffected() == 1, nil
}

func (t *postgresTx) FindAction(ctx context.Context, actionType string) (*types.DimAction, error) {
	var a types.DimAction
	err := t.tx.QueryRow(ctx,
		`SELECT action_id, action_type FROM dim_actions WHERE action_type = $1`,
		actionType,
	).Scan(&a.ActionID, &a.ActionType)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find action %q: %w", actionType, err)
	}
	return &a, nil
}

func (t *postgresTx) CreateAction(ctx context.Context, actionType string) (*types.DimAction, bool, error) {
	var a types.DimAction
	err := t.tx.QueryRow(ctx, `
		INSERT INTO dim_actions (action_type)
		VALUES ($1)
		ON CONFLICT (action_type) DO NOTHING
		RETURNING action_id, action_type
	`, actionType).Scan(&a.ActionID, &a.ActionType)
	if err == nil {
		return &a, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, false, fmt.Errorf("failed to create action %q: %w", actionType, err)
	}

	// Lost the race to a concurrent load; read the winner's row.
	existing, err := t.FindAction(ctx, actionType)
	if err != nil {
		return nil, false, err
	}
	if existing == nil {
		return nil, false, fmt.Errorf("action %q vanished after conflict", actionType)
	}
	return existing, false, nil
}

func (t *postgresTx) FactExists(ctx context.Context, userID string, actionID int64, ts time.Time) (bool, error) {
	var exists bool
	err := t.tx.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM fact_user_actions
			WHERE user_id = $1 AND action_id = $2 AND "timestamp" = $3
		)
	`, userID, actionID, ts.UTC()).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check fact: %w", err)
	}
	return exists, nil
}

func (t *postgresTx) CreateFact(ctx context.Context, fact types.FactUserAction) (bool, error) {
	tag, err := t.tx.Exec(ctx, `
		INSERT INTO fact_user_actions (user_id, action_id, "timestamp")
		VALUES ($1, $2, $3)
		ON CONFLICT (user_id, action_id, "timestamp") DO NOTHING
	`, fact.UserID, fact.ActionID, fact.Timestamp.UTC())
	if err != nil {
		return false, fmt.Errorf("failed to create fact: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (t *postgresTx) Commit(ctx context.Context) error {
	if err := t.tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit: %w", err)
	}
	return nil
}

func (t *postgresTx) Rollback(ctx context.Context) error {
	err := t.tx.Rollback(ctx)
	if err != nil && !errors.Is(err, pgx.ErrTxClosed) {
		return fmt.Errorf("failed to roll back: %w", err)
	}
	return nil
}
