// Package pgstore is the PostgreSQL backend for checkout. Stock adjustments
// are single conditional UPDATEs, the cart row is locked for the duration of
// an attempt, and the orders table carries the idempotency unique constraint.
package pgstore

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib" // registers the "pgx" driver

	"github.com/imrishuroy/go-idempotent-checkout/internal/txn"
)

// IdempotencyConstraint is the unique constraint on orders(user_id, idempotency_key).
const IdempotencyConstraint = "orders_user_idempotency_key"

// SQLSTATE codes the backend classifies.
const (
	codeUniqueViolation      = "23505"
	codeSerializationFailure = "40001"
	codeDeadlockDetected     = "40P01"
)

//go:embed migrations/*.sql
var migrations embed.FS

// Open connects to dsn through the pgx driver and pings it.
func Open(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)

	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return db, nil
}

// Migrate applies the embedded migrations that db has not seen yet.
func Migrate(ctx context.Context, db *sql.DB) error {
	conn, err := db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("acquire migration connection: %w", err)
	}
	defer conn.Close()

	driver, err := postgres.WithConnection(ctx, conn, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("create postgres migration driver: %w", err)
	}
	return migrateUp(ctx, driver)
}

// migrateUp runs the embedded migrations against driver and closes it.
func migrateUp(ctx context.Context, driver database.Driver) error {
	src, err := iofs.New(migrations, "migrations")
	if err != nil {
		return fmt.Errorf("open embedded migrations: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "postgres", driver)
	if err != nil {
		_ = src.Close()
		return fmt.Errorf("create migrate instance: %w", err)
	}
	defer m.Close()

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			m.GracefulStop <- true
		case <-done:
		}
	}()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migration up failed: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("migration interrupted: %w", err)
	}
	return nil
}

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type txKey struct{}

func txFrom(ctx context.Context) (*sql.Tx, bool) {
	tx, ok := ctx.Value(txKey{}).(*sql.Tx)
	return tx, ok
}

// Store holds the connection pool shared by the ledgers.
type Store struct {
	db *sql.DB
}

// New wraps an open pool.
func New(db *sql.DB) *Store { return &Store{db: db} }

// conn returns the ambient transaction if there is one.
func (s *Store) conn(ctx context.Context) querier {
	if tx, ok := txFrom(ctx); ok {
		return tx
	}
	return s.db
}

// Inventory returns the product ledger.
func (s *Store) Inventory() *Inventory { return &Inventory{s: s} }

// Carts returns the cart store.
func (s *Store) Carts() *Carts { return &Carts{s: s} }

// Orders returns the order ledger.
func (s *Store) Orders() *Orders { return &Orders{s: s} }

// Transactor returns a txn.Transactor over the pool.
func (s *Store) Transactor() *Transactor { return &Transactor{db: s.db} }

// Transactor runs functions inside one database transaction carried by the
// context. A nested call joins the outer transaction.
type Transactor struct {
	db *sql.DB
}

func (t *Transactor) WithinTransaction(ctx context.Context, fn func(ctx context.Context) error) (err error) {
	if _, ok := txFrom(ctx); ok {
		return fn(ctx)
	}
	tx, err := t.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", classify(err))
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(context.WithValue(ctx, txKey{}, tx)); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			return fmt.Errorf("%w (rollback: %v)", classify(err), rbErr)
		}
		return classify(err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", classify(err))
	}
	return nil
}

// classify maps SQLSTATE codes onto the txn sentinels. Unique violations on
// any constraint other than the idempotency key are integrity errors and stay
// unclassified.
func classify(err error) error {
	if err == nil || errors.Is(err, txn.ErrWriteConflict) || errors.Is(err, txn.ErrDuplicateKey) {
		return err
	}
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return err
	}
	switch pgErr.Code {
	case codeSerializationFailure, codeDeadlockDetected:
		return fmt.Errorf("%w: %w", txn.ErrWriteConflict, err)
	case codeUniqueViolation:
		if pgErr.ConstraintName == IdempotencyConstraint {
			return fmt.Errorf("%w: %w", txn.ErrDuplicateKey, err)
		}
	}
	return err
}
