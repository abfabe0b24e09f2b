package cart

import (
	"errors"
	"fmt"
	"time"
)

// TTL is how long an untouched cart survives before the table TTL reaps it.
const TTL = 30 * 24 * time.Hour

// ErrInvalidLine is returned when a cart line has no product or a non-positive quantity.
var ErrInvalidLine = errors.New("cart: invalid line")

// Line is one (product, quantity) pair in a cart.
type Line struct {
	ProductID string `dynamodbav:"product_id" json:"productId"`
	Quantity  int    `dynamodbav:"quantity" json:"quantity"`
}

// Cart is the per-user basket. Version increases on every write and is used
// to detect a concurrent edit between reading the cart and clearing it.
type Cart struct {
	UserID    string    `dynamodbav:"user_id" json:"userId"`
	Items     []Line    `dynamodbav:"items" json:"items"`
	Version   int64     `dynamodbav:"version" json:"version"`
	UpdatedAt time.Time `dynamodbav:"updated_at" json:"updatedAt"`
	ExpiresAt int64     `dynamodbav:"expires_at,omitempty" json:"-"` // TTL epoch seconds
}

// IsEmpty reports whether the cart has nothing to check out.
func (c *Cart) IsEmpty() bool {
	return c == nil || len(c.Items) == 0
}

// Validate checks the line invariants: product set, quantity >= 1.
func (c *Cart) Validate() error {
	for i, l := range c.Items {
		if l.ProductID == "" {
			return fmt.Errorf("%w: line %d has no product", ErrInvalidLine, i)
		}
		if l.Quantity < 1 {
			return fmt.Errorf("%w: line %d quantity %d", ErrInvalidLine, i, l.Quantity)
		}
	}
	return nil
}

// Merged returns the lines with repeated products folded into one line,
// keeping the position of the first occurrence.
func (c *Cart) Merged() []Line {
	idx := make(map[string]int, len(c.Items))
	out := make([]Line, 0, len(c.Items))
	for _, l := range c.Items {
		if i, ok := idx[l.ProductID]; ok {
			out[i].Quantity += l.Quantity
			continue
		}
		idx[l.ProductID] = len(out)
		out = append(out, l)
	}
	return out
}
