package memstore

import (
	"context"

	"github.com/imrishuroy/go-idempotent-checkout/internal/cart"
)

// Carts implements the cart store over a Store.
type Carts struct {
	s *Store
}

// Get returns a copy of the user's cart; a missing cart is empty. Inside a
// transaction the version read is remembered for the commit check, and a
// cart cleared earlier in the same transaction reads as empty.
func (v *Carts) Get(ctx context.Context, userID string) (*cart.Cart, error) {
	v.s.mu.Lock()
	c, ok := v.s.carts[userID]
	v.s.mu.Unlock()
	if !ok {
		c = cart.Cart{UserID: userID}
	}
	c.Items = append([]cart.Line(nil), c.Items...)

	if u, inTx := unitFrom(ctx); inTx {
		if _, seen := u.cartSeen[userID]; !seen {
			u.cartSeen[userID] = c.Version
		}
		for _, cleared := range u.cartClears {
			if cleared == userID {
				c.Items = nil
			}
		}
	}
	return &c, nil
}

// Put replaces the cart's lines.
func (v *Carts) Put(_ context.Context, c cart.Cart) error {
	return v.s.PutCart(c)
}

// Clear empties the cart. Inside a transaction it is staged and fails the
// commit with txn.ErrWriteConflict if the cart changed since it was read.
func (v *Carts) Clear(ctx context.Context, userID string) error {
	if u, inTx := unitFrom(ctx); inTx {
		if _, seen := u.cartSeen[userID]; !seen {
			if _, err := v.Get(ctx, userID); err != nil {
				return err
			}
		}
		u.cartClears = append(u.cartClears, userID)
		return nil
	}

	v.s.mu.Lock()
	defer v.s.mu.Unlock()
	c, ok := v.s.carts[userID]
	if !ok {
		return nil
	}
	c.Items = nil
	c.Version++
	c.UpdatedAt = v.s.now()
	v.s.carts[userID] = c
	return nil
}
