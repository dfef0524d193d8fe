package warehouse

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/mattn/go-sqlite3"

	"github.com/actionlog/actionlog/pkg/types"
)

// SQLiteStore implements Store on a single-writer SQLite database.
// Timestamps are stored as canonical UTC text.
type SQLiteStore struct {
	db     *sql.DB
	dbPath string
}

// NewSQLiteStore opens (or creates) the database file at dbPath.
func NewSQLiteStore(ctx context.Context, dbPath string) (*SQLiteStore, error) {
	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("warehouse: failed to create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("warehouse: failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1) // Single writer
	db.SetMaxIdleConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("warehouse: failed to ping database: %w", err)
	}

	return &SQLiteStore{db: db, dbPath: dbPath}, nil
}

// Migrate applies the embedded SQLite migrations.
func (s *SQLiteStore) Migrate(ctx context.Context) error {
	src, err := iofs.New(migrationsFS, "migrations/sqlite")
	if err != nil {
		return fmt.Errorf("failed to load migrations: %w", err)
	}
	defer src.Close()

	driver, err := migratesqlite.WithInstance(s.db, &migratesqlite.Config{})
	if err != nil {
		return fmt.Errorf("failed to initialize migration driver: %w", err)
	}

	// The driver shares s.db, so the migrate instance is not closed here.
	m, err := migrate.NewWithInstance("iofs", src, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("failed to initialize migrations: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}

// Begin starts a transaction on the single connection.
func (s *SQLiteStore) Begin(ctx context.Context) (Tx, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	return &sqliteTx{tx: tx}, nil
}

// Counts returns the number of rows in each table.
func (s *SQLiteStore) Counts(ctx context.Context) (Counts, error) {
	var c Counts
	err := s.db.QueryRowContext(ctx, `
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

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

type sqliteTx struct {
	tx *sql.Tx
}

func (t *sqliteTx) FindUser(ctx context.Context, userID string) (*types.DimUser, error) {
	var u types.DimUser
	var device, location sql.NullString
	err := t.tx.QueryRowContext(ctx,
		`SELECT user_id, device, location FROM dim_users WHERE user_id = ?`,
		userID,
	).Scan(&u.UserID, &device, &location)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find user %q: %w", userID, err)
	}
	u.Device = nullableString(device)
	u.Location = nullableString(location)
	return &u, nil
}

func (t *sqliteTx) CreateUser(ctx context.Context, user types.DimUser) (bool, error) {
	res, err := t.tx.ExecContext(ctx, `
		INSERT INTO dim_users (user_id, device, location)
		VALUES (?, ?, ?)
		ON CONFLICT (user_id) DO NOTHING
	`, user.UserID, user.Device, user.Location)
	if err != nil {
		return false, fmt.Errorf("failed to create user %q: %w", user.UserID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to create user %q: %w", user.UserID, err)
	}
	return n == 1, nil
}

func (t *sqliteTx) FindAction(ctx context.Context, actionType string) (*types.DimAction, error) {
	var a types.DimAction
	err := t.tx.QueryRowContext(ctx,
		`SELECT action_id, action_type FROM dim_actions WHERE action_type = ?`,
		actionType,
	).Scan(&a.ActionID, &a.ActionType)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find action %q: %w", actionType, err)
	}
	return &a, nil
}

func (t *sqliteTx) CreateAction(ctx context.Context, actionType string) (*types.DimAction, bool, error) {
	res, err := t.tx.ExecContext(ctx, `
		INSERT INTO dim_actions (action_type)
		VALUES (?)
		ON CONFLICT (action_type) DO NOTHING
	`, actionType)
	if err != nil {
		return nil, false, fmt.Errorf("failed to create action %q: %w", actionType, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, false, fmt.Errorf("failed to create action %q: %w", actionType, err)
	}
	if n == 1 {
		id, err := res.LastInsertId()
		if err != nil {
			return nil, false, fmt.Errorf("failed to read action id: %w", err)
		}
		return &types.DimAction{ActionID: id, ActionType: actionType}, true, nil
	}

	existing, err := t.FindAction(ctx, actionType)
	if err != nil {
		return nil, false, err
	}
	if existing == nil {
		return nil, false, fmt.Errorf("action %q vanished after conflict", actionType)
	}
	return existing, false, nil
}

func (t *sqliteTx) FactExists(ctx context.Context, userID string, actionID int64, ts time.Time) (bool, error) {
	var exists bool
	err := t.tx.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM fact_user_actions
			WHERE user_id = ? AND action_id = ? AND timestamp = ?
		)
	`, userID, actionID, types.FormatTimestamp(ts)).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check fact: %w", err)
	}
	return exists, nil
}

func (t *sqliteTx) CreateFact(ctx context.Context, fact types.FactUserAction) (bool, error) {
	res, err := t.tx.ExecContext(ctx, `
		INSERT INTO fact_user_actions (user_id, action_id, timestamp)
		VALUES (?, ?, ?)
		ON CONFLICT (user_id, action_id, timestamp) DO NOTHING
	`, fact.UserID, fact.ActionID, types.FormatTimestamp(fact.Timestamp))
	if err != nil {
		return false, fmt.Errorf("failed to create fact: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to create fact: %w", err)
	}
	return n == 1, nil
}

func (t *sqliteTx) Commit(ctx context.Context) error {
	if err := t.tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit: %w", err)
	}
	return nil
}

func (t *sqliteTx) Rollback(ctx context.Context) error {
	err := t.tx.Rollback()
	if err != nil && !errors.Is(err, sql.ErrTxDone) {
		return fmt.Errorf("failed to roll back: %w", err)
	}
	return nil
}

func nullableString(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	s := ns.String
	return &s
}
