package pgstore

import (
	"context"
	"database/sql"
	"errors"
	"io/fs"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/golang-migrate/migrate/v4/database/stub"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/imrishuroy/go-idempotent-checkout/internal/cart"
	"github.com/imrishuroy/go-idempotent-checkout/internal/inventory"
	"github.com/imrishuroy/go-idempotent-checkout/internal/orders"
	"github.com/imrishuroy/go-idempotent-checkout/internal/txn"
)

func newMock(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() {
		assert.NoError(t, mock.ExpectationsWereMet())
		_ = db.Close()
	})
	return New(db), mock
}

var productCols = []string{"id", "name", "price", "active", "stock", "version", "updated_at"}

func TestMigrationsEmbedded(t *testing.T) {
	up, err := fs.ReadFile(migrations, "migrations/000001_init.up.sql")
	require.NoError(t, err)
	assert.Contains(t, string(up), "CONSTRAINT "+IdempotencyConstraint+" UNIQUE (user_id, idempotency_key)")

	down, err := fs.ReadFile(migrations, "migrations/000001_init.down.sql")
	require.NoError(t, err)
	assert.Contains(t, string(down), "DROP TABLE IF EXISTS orders")

	src, err := iofs.New(migrations, "migrations")
	require.NoError(t, err)
	defer src.Close()
	first, err := src.First()
	require.NoError(t, err)
	assert.Equal(t, uint(1), first)
}

func TestMigrateUp(t *testing.T) {
	ctx := context.Background()
	driver, err := stub.WithInstance(nil, &stub.Config{})
	require.NoError(t, err)

	require.NoError(t, migrateUp(ctx, driver))
	version, dirty, err := driver.Version()
	require.NoError(t, err)
	assert.Equal(t, 1, version)
	assert.False(t, dirty)

	// already at the latest version
	require.NoError(t, migrateUp(ctx, driver))
	version, _, err = driver.Version()
	require.NoError(t, err)
	assert.Equal(t, 1, version)
}

func TestMigrateUpCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	driver, err := stub.WithInstance(nil, &stub.Config{})
	require.NoError(t, err)
	assert.ErrorIs(t, migrateUp(ctx, driver), context.Canceled)
}

func TestMigrateDriverError(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery("SELECT CURRENT_DATABASE").WillReturnError(errors.New("connection reset"))
	err = Migrate(context.Background(), db)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "create postgres migration driver")
}

func TestConditionalAdjust(t *testing.T) {
	s, mock := newMock(t)
	ctx := context.Background()
	now := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)

	mock.ExpectQuery("UPDATE products").WithArgs("p1", -2).
		WillReturnRows(sqlmock.NewRows(productCols).AddRow("p1", "Widget", int64(1500), true, int64(1), int64(4), now))
	p, err := s.Inventory().ConditionalAdjust(ctx, "p1", -2)
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.Equal(t, 1, p.Stock)
	assert.Equal(t, int64(1500), p.Price)

	// no row updated, product active: insufficient stock
	mock.ExpectQuery("UPDATE products").WithArgs("p1", -5).WillReturnError(sql.ErrNoRows)
	mock.ExpectQuery("SELECT (.+) FROM products WHERE id").WithArgs("p1").
		WillReturnRows(sqlmock.NewRows(productCols).AddRow("p1", "Widget", int64(1500), true, int64(1), int64(4), now))
	p, err = s.Inventory().ConditionalAdjust(ctx, "p1", -5)
	require.NoError(t, err)
	assert.Nil(t, p)

	// inactive
	mock.ExpectQuery("UPDATE products").WithArgs("off", -1).WillReturnRows(sqlmock.NewRows(productCols))
	mock.ExpectQuery("SELECT (.+) FROM products WHERE id").WithArgs("off").
		WillReturnRows(sqlmock.NewRows(productCols).AddRow("off", "Old", int64(100), false, int64(9), int64(1), now))
	_, err = s.Inventory().ConditionalAdjust(ctx, "off", -1)
	require.ErrorIs(t, err, inventory.ErrProductInactive)

	// missing
	mock.ExpectQuery("UPDATE products").WithArgs("ghost", -1).WillReturnRows(sqlmock.NewRows(productCols))
	mock.ExpectQuery("SELECT (.+) FROM products WHERE id").WithArgs("ghost").WillReturnRows(sqlmock.NewRows(productCols))
	_, err = s.Inventory().ConditionalAdjust(ctx, "ghost", -1)
	require.ErrorIs(t, err, inventory.ErrProductNotFound)
}

func TestTransactionCommitsAndJoins(t *testing.T) {
	s, mock := newMock(t)
	ctx := context.Background()

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT items, version, updated_at FROM carts WHERE user_id = \\$1 FOR UPDATE").WithArgs("u1").
		WillReturnRows(sqlmock.NewRows([]string{"items", "version", "updated_at"}).
			AddRow([]byte(`[{"productId":"p1","quantity":2}]`), int64(3), time.Now()))
	mock.ExpectExec("UPDATE carts SET items").WithArgs("u1").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	tx := s.Transactor()
	err := tx.WithinTransaction(ctx, func(ctx context.Context) error {
		c, err := s.Carts().Get(ctx, "u1")
		if err != nil {
			return err
		}
		assert.Equal(t, []cart.Line{{ProductID: "p1", Quantity: 2}}, c.Items)
		assert.Equal(t, int64(3), c.Version)
		// nested call runs in the same transaction
		return tx.WithinTransaction(ctx, func(ctx context.Context) error {
			return s.Carts().Clear(ctx, "u1")
		})
	})
	require.NoError(t, err)
}

func TestTransactionRollsBackOnError(t *testing.T) {
	s, mock := newMock(t)
	boom := errors.New("boom")

	mock.ExpectBegin()
	mock.ExpectRollback()
	err := s.Transactor().WithinTransaction(context.Background(), func(context.Context) error { return boom })
	require.ErrorIs(t, err, boom)
}

func TestTransactionClassifiesCommitFailure(t *testing.T) {
	s, mock := newMock(t)

	mock.ExpectBegin()
	mock.ExpectCommit().WillReturnError(&pgconn.PgError{Code: "40001", Message: "could not serialize access"})
	err := s.Transactor().WithinTransaction(context.Background(), func(context.Context) error { return nil })
	require.ErrorIs(t, err, txn.ErrWriteConflict)
}

func sampleOrder() orders.Order {
	return orders.New("6f1c2a9e-9d7b-4b8e-8c1e-2f7a3b4c5d6e", "u1", "u1@example.com", "k1",
		[]orders.LineItem{orders.NewLineItem("p1", "Widget", 2, 1500)}, time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC))
}

func TestInsertOrder(t *testing.T) {
	s, mock := newMock(t)
	ctx := context.Background()
	o := sampleOrder()

	mock.ExpectExec("INSERT INTO orders").
		WithArgs(o.OrderID, "u1", "k1", "u1@example.com", orders.StatusPending, sqlmock.AnyArg(), int64(3000), o.CreatedAt, o.UpdatedAt).
		WillReturnResult(sqlmock.NewResult(0, 1))
	saved, err := s.Orders().Insert(ctx, o)
	require.NoError(t, err)
	assert.Equal(t, o.OrderID, saved.OrderID)

	mock.ExpectExec("INSERT INTO orders").
		WillReturnError(&pgconn.PgError{Code: "23505", ConstraintName: IdempotencyConstraint})
	_, err = s.Orders().Insert(ctx, o)
	require.ErrorIs(t, err, txn.ErrDuplicateKey)

	// a unique violation on another constraint is an integrity error
	mock.ExpectExec("INSERT INTO orders").
		WillReturnError(&pgconn.PgError{Code: "23505", ConstraintName: "orders_pkey"})
	_, err = s.Orders().Insert(ctx, o)
	require.Error(t, err)
	assert.False(t, errors.Is(err, txn.ErrDuplicateKey))
	assert.False(t, errors.Is(err, txn.ErrWriteConflict))
}

var orderCols = []string{"id", "user_id", "idempotency_key", "email", "status", "items", "total", "created_at", "updated_at"}

func TestFindByIdempotencyKey(t *testing.T) {
	s, mock := newMock(t)
	ctx := context.Background()
	o := sampleOrder()

	mock.ExpectQuery("SELECT (.+) FROM orders WHERE user_id").WithArgs("u1", "missing").WillReturnRows(sqlmock.NewRows(orderCols))
	got, err := s.Orders().FindByIdempotencyKey(ctx, "u1", "missing")
	require.NoError(t, err)
	assert.Nil(t, got)

	mock.ExpectQuery("SELECT (.+) FROM orders WHERE user_id").WithArgs("u1", "k1").
		WillReturnRows(sqlmock.NewRows(orderCols).AddRow(o.OrderID, "u1", "k1", "", orders.StatusPending,
			[]byte(`[{"productId":"p1","name":"Widget","quantity":2,"unitPrice":1500,"subtotal":3000}]`), int64(3000), o.CreatedAt, o.UpdatedAt))
	got, err = s.Orders().FindByIdempotencyKey(ctx, "u1", "k1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, o.Items, got.Items)
	assert.NoError(t, got.Validate())
}

func TestGetAndTransitionStatus(t *testing.T) {
	s, mock := newMock(t)
	ctx := context.Background()

	mock.ExpectQuery("SELECT (.+) FROM orders WHERE id").WithArgs("nope").WillReturnRows(sqlmock.NewRows(orderCols))
	_, err := s.Orders().Get(ctx, "nope")
	require.ErrorIs(t, err, orders.ErrNotFound)

	o := sampleOrder()
	require.ErrorIs(t, s.Orders().TransitionStatus(ctx, &o, orders.StatusShipped), orders.ErrInvalidTransition)

	mock.ExpectExec("UPDATE orders SET status").WithArgs(o.OrderID, orders.StatusPending, orders.StatusPaid, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, s.Orders().TransitionStatus(ctx, &o, orders.StatusPaid))
	assert.Equal(t, orders.StatusPaid, o.Status)

	mock.ExpectExec("UPDATE orders SET status").WillReturnResult(sqlmock.NewResult(0, 0))
	require.ErrorIs(t, s.Orders().TransitionStatus(ctx, &o, orders.StatusShipped), orders.ErrStatusMismatch)
}

func TestCartPutAndMissingCart(t *testing.T) {
	s, mock := newMock(t)
	ctx := context.Background()

	mock.ExpectQuery("SELECT items, version, updated_at FROM carts").WithArgs("nobody").
		WillReturnRows(sqlmock.NewRows([]string{"items", "version", "updated_at"}))
	c, err := s.Carts().Get(ctx, "nobody")
	require.NoError(t, err)
	assert.True(t, c.IsEmpty())

	mock.ExpectExec("INSERT INTO carts").WithArgs("u1", []byte(`[{"productId":"p1","quantity":1}]`)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, s.Carts().Put(ctx, cart.Cart{UserID: "u1", Items: []cart.Line{{ProductID: "p1", Quantity: 1}}}))

	require.ErrorIs(t, s.Carts().Put(ctx, cart.Cart{UserID: "u1", Items: []cart.Line{{ProductID: "p1"}}}), cart.ErrInvalidLine)
}

func TestClassify(t *testing.T) {
	assert.ErrorIs(t, classify(&pgconn.PgError{Code: "40P01"}), txn.ErrWriteConflict)
	assert.ErrorIs(t, classify(&pgconn.PgError{Code: "40001"}), txn.ErrWriteConflict)
	plain := errors.New("plain")
	assert.Equal(t, plain, classify(plain))
	assert.Nil(t, classify(nil))
}
