package pgstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/imrishuroy/go-idempotent-checkout/internal/cart"
)

// Carts implements the cart store on the carts table.
type Carts struct {
	s *Store
}

// Get returns the user's cart; a missing row is an empty cart. Inside a
// transaction the row is locked FOR UPDATE so no edit can slip in before
// Clear.
func (v *Carts) Get(ctx context.Context, userID string) (*cart.Cart, error) {
	q := `SELECT items, version, updated_at FROM carts WHERE user_id = $1`
	if _, inTx := txFrom(ctx); inTx {
		q += ` FOR UPDATE`
	}
	c := &cart.Cart{UserID: userID}
	var items []byte
	err := v.s.conn(ctx).QueryRowContext(ctx, q, userID).Scan(&items, &c.Version, &c.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return c, nil
	}
	if err != nil {
		return nil, fmt.Errorf("select cart: %w", classify(err))
	}
	if err := json.Unmarshal(items, &c.Items); err != nil {
		return nil, fmt.Errorf("decode cart items: %w", err)
	}
	return c, nil
}

// Put replaces the cart's lines and bumps its version.
func (v *Carts) Put(ctx context.Context, c cart.Cart) error {
	if err := c.Validate(); err != nil {
		return err
	}
	lines := c.Items
	if lines == nil {
		lines = []cart.Line{}
	}
	items, err := json.Marshal(lines)
	if err != nil {
		return fmt.Errorf("encode cart items: %w", err)
	}
	_, err = v.s.conn(ctx).ExecContext(ctx,
		`INSERT INTO carts (user_id, items, version, updated_at) VALUES ($1, $2, 1, now())
		 ON CONFLICT (user_id) DO UPDATE
		    SET items = EXCLUDED.items, version = carts.version + 1, updated_at = now()`,
		c.UserID, items)
	if err != nil {
		return fmt.Errorf("upsert cart: %w", classify(err))
	}
	return nil
}

// Clear empties the cart, keeping the row. A missing cart is a no-op.
func (v *Carts) Clear(ctx context.Context, userID string) error {
	_, err := v.s.conn(ctx).ExecContext(ctx,
		`UPDATE carts SET items = '[]'::jsonb, version = version + 1, updated_at = now() WHERE user_id = $1`,
		userID)
	if err != nil {
		return fmt.Errorf("clear cart: %w", classify(err))
	}
	return nil
}
