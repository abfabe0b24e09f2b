package pgstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/imrishuroy/go-idempotent-checkout/internal/orders"
)

const orderColumns = "id, user_id, idempotency_key, email, status, items, total, created_at, updated_at"

// Orders implements the order ledger on the orders table.
type Orders struct {
	s *Store
}

func scanOrder(row interface{ Scan(...any) error }) (*orders.Order, error) {
	var o orders.Order
	var items []byte
	if err := row.Scan(&o.OrderID, &o.UserID, &o.IdempotencyKey, &o.Email, &o.Status, &items, &o.Total, &o.CreatedAt, &o.UpdatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(items, &o.Items); err != nil {
		return nil, fmt.Errorf("decode order items: %w", err)
	}
	return &o, nil
}

// FindByIdempotencyKey returns the order for (userID, key), or (nil, nil).
func (v *Orders) FindByIdempotencyKey(ctx context.Context, userID, key string) (*orders.Order, error) {
	o, err := scanOrder(v.s.conn(ctx).QueryRowContext(ctx,
		`SELECT `+orderColumns+` FROM orders WHERE user_id = $1 AND idempotency_key = $2`, userID, key))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("select order by key: %w", classify(err))
	}
	return o, nil
}

// Insert writes a new order. A second order for the same (user, key) fails
// with txn.ErrDuplicateKey.
func (v *Orders) Insert(ctx context.Context, o orders.Order) (*orders.Order, error) {
	if o.CreatedAt.IsZero() {
		o.CreatedAt = time.Now().UTC()
	}
	if o.UpdatedAt.IsZero() {
		o.UpdatedAt = o.CreatedAt
	}
	items, err := json.Marshal(o.Items)
	if err != nil {
		return nil, fmt.Errorf("encode order items: %w", err)
	}
	_, err = v.s.conn(ctx).ExecContext(ctx,
		`INSERT INTO orders (`+orderColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		o.OrderID, o.UserID, o.IdempotencyKey, o.Email, o.Status, items, o.Total, o.CreatedAt, o.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("insert order: %w", classify(err))
	}
	return &o, nil
}

// Get returns an order by id. Returns orders.ErrNotFound if missing.
func (v *Orders) Get(ctx context.Context, orderID string) (*orders.Order, error) {
	o, err := scanOrder(v.s.conn(ctx).QueryRowContext(ctx,
		`SELECT `+orderColumns+` FROM orders WHERE id = $1`, orderID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", orders.ErrNotFound, orderID)
	}
	if err != nil {
		return nil, fmt.Errorf("select order: %w", classify(err))
	}
	return o, nil
}

// TransitionStatus moves order to next if its stored status is still
// order.Status. On success order is updated in place.
func (v *Orders) TransitionStatus(ctx context.Context, order *orders.Order, next string) error {
	if !orders.CanTransition(order.Status, next) {
		return fmt.Errorf("%w: %s -> %s", orders.ErrInvalidTransition, order.Status, next)
	}
	now := time.Now().UTC()
	res, err := v.s.conn(ctx).ExecContext(ctx,
		`UPDATE orders SET status = $3, updated_at = $4 WHERE id = $1 AND status = $2`,
		order.OrderID, order.Status, next, now)
	if err != nil {
		return fmt.Errorf("update order status: %w", classify(err))
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update order status: %w", err)
	}
	if n == 0 {
		return orders.ErrStatusMismatch
	}
	order.Status = next
	order.UpdatedAt = now
	return nil
}
