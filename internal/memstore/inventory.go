package memstore

import (
	"context"
	"fmt"

	"github.com/imrishuroy/go-idempotent-checkout/internal/inventory"
)

// Inventory implements the inventory ledger over a Store.
type Inventory struct {
	s *Store
}

// Get returns the product as the caller's transaction sees it.
func (v *Inventory) Get(ctx context.Context, productID string) (*inventory.Product, error) {
	v.s.mu.Lock()
	p, ok := v.s.products[productID]
	v.s.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", inventory.ErrProductNotFound, productID)
	}
	if u, ok := unitFrom(ctx); ok {
		if ch, ok := u.stock[productID]; ok {
			p.Stock += ch.delta
		}
	}
	return &p, nil
}

// ConditionalAdjust adds delta to the product's stock. Decrements require an
// active product with enough stock; (nil, nil) means not enough stock.
// Inside a transaction the change is staged and rechecked at commit.
func (v *Inventory) ConditionalAdjust(ctx context.Context, productID string, delta int) (*inventory.Product, error) {
	u, inTx := unitFrom(ctx)
	if !inTx {
		return v.adjustNow(productID, delta)
	}

	p, err := v.Get(ctx, productID)
	if err != nil {
		return nil, err
	}
	if delta < 0 {
		if !p.Active {
			return nil, fmt.Errorf("%w: %s", inventory.ErrProductInactive, productID)
		}
		if !p.CanReserve(-delta) {
			return nil, nil
		}
	}
	u.stagedStock(productID, p.Price).delta += delta
	p.Stock += delta
	p.Version++
	return p, nil
}

func (v *Inventory) adjustNow(productID string, delta int) (*inventory.Product, error) {
	v.s.mu.Lock()
	defer v.s.mu.Unlock()
	p, ok := v.s.products[productID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", inventory.ErrProductNotFound, productID)
	}
	if delta < 0 {
		if !p.Active {
			return nil, fmt.Errorf("%w: %s", inventory.ErrProductInactive, productID)
		}
		if !p.CanReserve(-delta) {
			return nil, nil
		}
	}
	p.Stock += delta
	p.Version++
	p.UpdatedAt = v.s.now()
	v.s.products[productID] = p
	return &p, nil
}

// Put creates or replaces a product.
func (v *Inventory) Put(_ context.Context, p inventory.Product) error {
	if p.Stock < 0 {
		return fmt.Errorf("product %s: negative stock", p.ID)
	}
	v.s.PutProduct(p)
	return nil
}
