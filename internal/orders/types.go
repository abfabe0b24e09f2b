package orders

import (
	"errors"
	"fmt"
	"time"
)

// Order statuses
const (
	StatusPending   = "PENDING"
	StatusPaid      = "PAID"
	StatusShipped   = "SHIPPED"
	StatusDelivered = "DELIVERED"
	StatusCancelled = "CANCELLED"
)

var (
	// ErrStatusMismatch is returned when a conditional status transition finds
	// the order in a different status than expected.
	ErrStatusMismatch = errors.New("status mismatch/conditional failed")
	// ErrInvalidTransition is returned for a transition the lifecycle forbids.
	ErrInvalidTransition = errors.New("invalid status transition")
	// ErrNotFound is returned when no order exists for an id.
	ErrNotFound = errors.New("order not found")
)

// rank orders the forward lifecycle; cancelled sits outside it.
var rank = map[string]int{
	StatusPending:   0,
	StatusPaid:      1,
	StatusShipped:   2,
	StatusDelivered: 3,
}

// CanTransition reports whether an order may move from -> to.
// Forward moves are one step at a time; any non-terminal status may be cancelled.
func CanTransition(from, to string) bool {
	if from == StatusCancelled || from == StatusDelivered {
		return false
	}
	if to == StatusCancelled {
		return true
	}
	f, ok1 := rank[from]
	t, ok2 := rank[to]
	return ok1 && ok2 && t == f+1
}

// LineItem is an immutable snapshot of one purchased product.
type LineItem struct {
	ProductID string `dynamodbav:"product_id" json:"productId"`
	Name      string `dynamodbav:"name" json:"name"`
	Quantity  int    `dynamodbav:"quantity" json:"quantity"`
	UnitPrice int64  `dynamodbav:"unit_price" json:"unitPrice"`
	Subtotal  int64  `dynamodbav:"subtotal" json:"subtotal"`
}

// NewLineItem snapshots a product at its authoritative price.
func NewLineItem(productID, name string, quantity int, unitPrice int64) LineItem {
	return LineItem{
		ProductID: productID,
		Name:      name,
		Quantity:  quantity,
		UnitPrice: unitPrice,
		Subtotal:  unitPrice * int64(quantity),
	}
}

// Order represents the item stored in the orders table.
// (UserID, IdempotencyKey) is the table's primary key, which is what makes a
// checkout happen at most once per key; OrderID is the public identifier.
type Order struct {
	UserID         string     `dynamodbav:"user_id" json:"userId"`                 // PK
	IdempotencyKey string     `dynamodbav:"idempotency_key" json:"idempotencyKey"` // SK
	OrderID        string     `dynamodbav:"order_id" json:"orderId"`               // GSI
	Email          string     `dynamodbav:"email,omitempty" json:"email,omitempty"`
	Status         string     `dynamodbav:"status" json:"status"` // PENDING | PAID | SHIPPED | DELIVERED | CANCELLED
	Items          []LineItem `dynamodbav:"items" json:"items"`
	Total          int64      `dynamodbav:"total" json:"total"`
	CreatedAt      time.Time  `dynamodbav:"created_at" json:"createdAt"`
	UpdatedAt      time.Time  `dynamodbav:"updated_at" json:"updatedAt"`
}

// New builds a pending order whose total is the sum of its line subtotals.
func New(orderID, userID, email, idempotencyKey string, items []LineItem, now time.Time) Order {
	o := Order{
		OrderID:        orderID,
		UserID:         userID,
		Email:          email,
		IdempotencyKey: idempotencyKey,
		Status:         StatusPending,
		Items:          items,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	for _, it := range items {
		o.Total += it.Subtotal
	}
	return o
}

// Validate checks the pricing invariants of a freshly built order.
func (o *Order) Validate() error {
	if o.OrderID == "" || o.UserID == "" || o.IdempotencyKey == "" {
		return errors.New("order: missing identity")
	}
	var sum int64
	for i, it := range o.Items {
		if it.Quantity < 1 {
			return fmt.Errorf("order: item %d quantity %d", i, it.Quantity)
		}
		if it.Subtotal != it.UnitPrice*int64(it.Quantity) {
			return fmt.Errorf("order: item %d subtotal %d != %d x %d", i, it.Subtotal, it.UnitPrice, it.Quantity)
		}
		sum += it.Subtotal
	}
	if sum != o.Total {
		return fmt.Errorf("order: total %d != items sum %d", o.Total, sum)
	}
	return nil
}
