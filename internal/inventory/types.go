package inventory

import (
	"errors"
	"time"
)

var (
	// ErrProductNotFound is returned when no product exists for the id.
	ErrProductNotFound = errors.New("inventory: product not found")
	// ErrProductInactive is returned when a reservation targets a deactivated product.
	ErrProductInactive = errors.New("inventory: product inactive")
	// ErrInsufficientStock is returned when a staged decrement fails its stock
	// condition at commit time.
	ErrInsufficientStock = errors.New("inventory: insufficient stock")
)

// Product is the slice of the catalog record checkout depends on.
// Price is in minor currency units.
type Product struct {
	ID        string    `dynamodbav:"product_id" json:"id"`
	Name      string    `dynamodbav:"name" json:"name"`
	Price     int64     `dynamodbav:"price" json:"price"`
	Active    bool      `dynamodbav:"active" json:"active"`
	Stock     int       `dynamodbav:"stock" json:"stock"`
	Version   int64     `dynamodbav:"version" json:"version"`
	UpdatedAt time.Time `dynamodbav:"updated_at" json:"updatedAt"`
}

// CanReserve reports whether quantity units could be taken from p right now.
func (p *Product) CanReserve(quantity int) bool {
	return p != nil && p.Active && p.Stock >= quantity
}
