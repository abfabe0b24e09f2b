package pgstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/imrishuroy/go-idempotent-checkout/internal/inventory"
)

const productColumns = "id, name, price, active, stock, version, updated_at"

// Inventory implements the inventory ledger on the products table.
type Inventory struct {
	s *Store
}

func scanProduct(row interface{ Scan(...any) error }) (*inventory.Product, error) {
	var p inventory.Product
	if err := row.Scan(&p.ID, &p.Name, &p.Price, &p.Active, &p.Stock, &p.Version, &p.UpdatedAt); err != nil {
		return nil, err
	}
	return &p, nil
}

// Get returns a product. Returns inventory.ErrProductNotFound if missing.
func (v *Inventory) Get(ctx context.Context, productID string) (*inventory.Product, error) {
	p, err := scanProduct(v.s.conn(ctx).QueryRowContext(ctx,
		`SELECT `+productColumns+` FROM products WHERE id = $1`, productID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", inventory.ErrProductNotFound, productID)
	}
	if err != nil {
		return nil, fmt.Errorf("select product: %w", classify(err))
	}
	return p, nil
}

// ConditionalAdjust adds delta to stock in one statement. Decrements only
// apply to active products with enough stock; (nil, nil) means not enough
// stock. The updated row stays locked until the ambient transaction ends.
func (v *Inventory) ConditionalAdjust(ctx context.Context, productID string, delta int) (*inventory.Product, error) {
	p, err := scanProduct(v.s.conn(ctx).QueryRowContext(ctx,
		`UPDATE products
		    SET stock = stock + $2, version = version + 1, updated_at = now()
		  WHERE id = $1 AND ($2 >= 0 OR (active AND stock + $2 >= 0))
		RETURNING `+productColumns, productID, delta))
	if err == nil {
		return p, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("adjust stock: %w", classify(err))
	}

	cur, err := v.Get(ctx, productID)
	if err != nil {
		return nil, err
	}
	if !cur.Active {
		return nil, fmt.Errorf("%w: %s", inventory.ErrProductInactive, productID)
	}
	return nil, nil
}

// Put creates or replaces a product.
func (v *Inventory) Put(ctx context.Context, p inventory.Product) error {
	if p.Stock < 0 {
		return fmt.Errorf("product %s: negative stock", p.ID)
	}
	_, err := v.s.conn(ctx).ExecContext(ctx,
		`INSERT INTO products (id, name, price, active, stock, version, updated_at)
		 VALUES ($1, $2, $3, $4, $5, 1, now())
		 ON CONFLICT (id) DO UPDATE
		    SET name = EXCLUDED.name, price = EXCLUDED.price, active = EXCLUDED.active,
		        stock = EXCLUDED.stock, version = products.version + 1, updated_at = now()`,
		p.ID, p.Name, p.Price, p.Active, p.Stock)
	if err != nil {
		return fmt.Errorf("upsert product: %w", classify(err))
	}
	return nil
}
