// Package memstore is an in-memory backend for checkout: products, carts and
// orders behind one mutex, with transactions staged per call and validated at
// commit. It backs local runs and the coordinator tests.
package memstore

import (
	"sort"
	"sync"
	"time"

	"github.com/imrishuroy/go-idempotent-checkout/internal/cart"
	"github.com/imrishuroy/go-idempotent-checkout/internal/inventory"
	"github.com/imrishuroy/go-idempotent-checkout/internal/orders"
)

type orderKey struct{ userID, idempotencyKey string }

// Store holds committed state.
type Store struct {
	mu       sync.Mutex
	products map[string]inventory.Product
	carts    map[string]cart.Cart
	orders   map[string]orders.Order // by order id
	byKey    map[orderKey]string

	conflicts int // commits to fail with txn.ErrWriteConflict
	commits   int
	now       func() time.Time
}

// New returns an empty Store.
func New() *Store {
	return &Store{
		products: map[string]inventory.Product{},
		carts:    map[string]cart.Cart{},
		orders:   map[string]orders.Order{},
		byKey:    map[orderKey]string{},
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Inventory returns the product view.
func (s *Store) Inventory() *Inventory { return &Inventory{s: s} }

// Carts returns the cart view.
func (s *Store) Carts() *Carts { return &Carts{s: s} }

// Orders returns the order view.
func (s *Store) Orders() *Orders { return &Orders{s: s} }

// Transactor returns a txn.Transactor over this store.
func (s *Store) Transactor() *Transactor { return &Transactor{s: s} }

// PutProduct creates or replaces a product.
func (s *Store) PutProduct(p inventory.Product) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p.UpdatedAt.IsZero() {
		p.UpdatedAt = s.now()
	}
	s.products[p.ID] = p
}

// PutCart replaces a user's cart and bumps its version.
func (s *Store) PutCart(c cart.Cart) error {
	if err := c.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	prev := s.carts[c.UserID]
	c.Items = append([]cart.Line(nil), c.Items...)
	c.Version = prev.Version + 1
	c.UpdatedAt = s.now()
	s.carts[c.UserID] = c
	return nil
}

// InjectConflicts makes the next n commits fail with txn.ErrWriteConflict.
func (s *Store) InjectConflicts(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conflicts = n
}

// Commits returns how many transactions committed.
func (s *Store) Commits() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.commits
}

// OrderCount returns the number of committed orders.
func (s *Store) OrderCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.orders)
}

// OrdersFor returns a user's orders sorted by creation time.
func (s *Store) OrdersFor(userID string) []orders.Order {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []orders.Order
	for _, o := range s.orders {
		if o.UserID == userID {
			out = append(out, o)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}
