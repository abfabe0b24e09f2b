package memstore

import (
	"context"
	"fmt"

	"github.com/imrishuroy/go-idempotent-checkout/internal/orders"
	"github.com/imrishuroy/go-idempotent-checkout/internal/txn"
)

// Orders implements the order ledger over a Store.
type Orders struct {
	s *Store
}

// FindByIdempotencyKey returns the committed order for (userID, key), or nil.
func (v *Orders) FindByIdempotencyKey(_ context.Context, userID, key string) (*orders.Order, error) {
	v.s.mu.Lock()
	defer v.s.mu.Unlock()
	id, ok := v.s.byKey[orderKey{userID, key}]
	if !ok {
		return nil, nil
	}
	o := v.s.orders[id]
	return &o, nil
}

// Insert adds an order. A used (user, key) pair fails with txn.ErrDuplicateKey,
// immediately if already committed or at commit if a concurrent transaction
// gets there first.
func (v *Orders) Insert(ctx context.Context, o orders.Order) (*orders.Order, error) {
	if o.CreatedAt.IsZero() {
		o.CreatedAt = v.s.now()
		o.UpdatedAt = o.CreatedAt
	}
	o.Items = append([]orders.LineItem(nil), o.Items...)

	v.s.mu.Lock()
	_, exists := v.s.byKey[orderKey{o.UserID, o.IdempotencyKey}]
	v.s.mu.Unlock()
	if exists {
		return nil, fmt.Errorf("%w: order for key %s", txn.ErrDuplicateKey, o.IdempotencyKey)
	}

	if u, inTx := unitFrom(ctx); inTx {
		u.orders = append(u.orders, o)
		return &o, nil
	}

	v.s.mu.Lock()
	defer v.s.mu.Unlock()
	k := orderKey{o.UserID, o.IdempotencyKey}
	if _, exists := v.s.byKey[k]; exists {
		return nil, fmt.Errorf("%w: order for key %s", txn.ErrDuplicateKey, o.IdempotencyKey)
	}
	v.s.orders[o.OrderID] = o
	v.s.byKey[k] = o.OrderID
	return &o, nil
}

// Get returns an order by id.
func (v *Orders) Get(_ context.Context, orderID string) (*orders.Order, error) {
	v.s.mu.Lock()
	defer v.s.mu.Unlock()
	o, ok := v.s.orders[orderID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", orders.ErrNotFound, orderID)
	}
	return &o, nil
}

// TransitionStatus moves order to next if the stored status still matches.
func (v *Orders) TransitionStatus(_ context.Context, order *orders.Order, next string) error {
	if !orders.CanTransition(order.Status, next) {
		return fmt.Errorf("%w: %s -> %s", orders.ErrInvalidTransition, order.Status, next)
	}
	v.s.mu.Lock()
	defer v.s.mu.Unlock()
	o, ok := v.s.orders[order.OrderID]
	if !ok || o.Status != order.Status {
		return orders.ErrStatusMismatch
	}
	o.Status = next
	o.UpdatedAt = v.s.now()
	v.s.orders[o.OrderID] = o
	order.Status, order.UpdatedAt = o.Status, o.UpdatedAt
	return nil
}
