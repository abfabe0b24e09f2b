package memstore

import (
	"context"
	"fmt"

	"github.com/imrishuroy/go-idempotent-checkout/internal/inventory"
	"github.com/imrishuroy/go-idempotent-checkout/internal/orders"
	"github.com/imrishuroy/go-idempotent-checkout/internal/txn"
)

// stockChange is a staged adjustment with the price it was read at.
type stockChange struct {
	delta int
	price int64
}

// unit is the staged state of one transaction. Nothing in it is visible to
// other transactions until commit.
type unit struct {
	stock      map[string]*stockChange
	stockOrder []string
	orders     []orders.Order
	cartSeen   map[string]int64 // cart versions read
	cartClears []string
}

func newUnit() *unit {
	return &unit{stock: map[string]*stockChange{}, cartSeen: map[string]int64{}}
}

type unitKey struct{}

func unitFrom(ctx context.Context) (*unit, bool) {
	u, ok := ctx.Value(unitKey{}).(*unit)
	return u, ok
}

// Transactor implements txn.Transactor for a Store.
type Transactor struct {
	s *Store
}

// WithinTransaction stages fn's writes and applies them at once if they still
// hold against the committed state. Validation order matches the real
// backends: duplicate key, then business rules, then conflicts.
func (t *Transactor) WithinTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	if _, ok := unitFrom(ctx); ok {
		return fn(ctx)
	}
	u := newUnit()
	if err := fn(context.WithValue(ctx, unitKey{}, u)); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return t.s.commit(u)
}

func (s *Store) commit(u *unit) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.conflicts > 0 {
		s.conflicts--
		return fmt.Errorf("%w: injected", txn.ErrWriteConflict)
	}

	for _, o := range u.orders {
		if _, exists := s.byKey[orderKey{o.UserID, o.IdempotencyKey}]; exists {
			return fmt.Errorf("%w: order for key %s", txn.ErrDuplicateKey, o.IdempotencyKey)
		}
	}

	conflict := ""
	for _, id := range u.stockOrder {
		ch := u.stock[id]
		p, ok := s.products[id]
		if !ok {
			return fmt.Errorf("%w: %s", inventory.ErrProductNotFound, id)
		}
		if ch.delta < 0 {
			if !p.Active {
				return fmt.Errorf("%w: %s", inventory.ErrProductInactive, id)
			}
			if p.Stock+ch.delta < 0 {
				return fmt.Errorf("%w: %s has %d, need %d", inventory.ErrInsufficientStock, id, p.Stock, -ch.delta)
			}
			if p.Price != ch.price && conflict == "" {
				conflict = "product " + id + " repriced"
			}
		}
	}
	for _, userID := range u.cartClears {
		if seen, ok := u.cartSeen[userID]; ok && s.carts[userID].Version != seen && conflict == "" {
			conflict = "cart " + userID + " modified"
		}
	}
	if conflict != "" {
		return fmt.Errorf("%w: %s", txn.ErrWriteConflict, conflict)
	}

	now := s.now()
	for _, id := range u.stockOrder {
		p := s.products[id]
		p.Stock += u.stock[id].delta
		p.Version++
		p.UpdatedAt = now
		s.products[id] = p
	}
	for _, o := range u.orders {
		s.orders[o.OrderID] = o
		s.byKey[orderKey{o.UserID, o.IdempotencyKey}] = o.OrderID
	}
	for _, userID := range u.cartClears {
		c, ok := s.carts[userID]
		if !ok {
			continue
		}
		c.Items = nil
		c.Version++
		c.UpdatedAt = now
		s.carts[userID] = c
	}
	s.commits++
	return nil
}

// stagedStock returns the staged delta for a product, creating the entry.
func (u *unit) stagedStock(id string, price int64) *stockChange {
	ch, ok := u.stock[id]
	if !ok {
		ch = &stockChange{price: price}
		u.stock[id] = ch
		u.stockOrder = append(u.stockOrder, id)
	}
	return ch
}
