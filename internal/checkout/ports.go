package checkout

import (
	"context"
	"time"

	"github.com/imrishuroy/go-idempotent-checkout/internal/cart"
	"github.com/imrishuroy/go-idempotent-checkout/internal/inventory"
	"github.com/imrishuroy/go-idempotent-checkout/internal/notify"
	"github.com/imrishuroy/go-idempotent-checkout/internal/orders"
	"github.com/imrishuroy/go-idempotent-checkout/internal/payment"
)

// CartStore reads and clears carts. Clear must join the ambient transaction.
type CartStore interface {
	Get(ctx context.Context, userID string) (*cart.Cart, error)
	Clear(ctx context.Context, userID string) error
}

// InventoryLedger reads products and adjusts stock atomically. A nil product
// with a nil error from ConditionalAdjust means the stock was insufficient.
type InventoryLedger interface {
	Get(ctx context.Context, productID string) (*inventory.Product, error)
	ConditionalAdjust(ctx context.Context, productID string, delta int) (*inventory.Product, error)
}

// OrderLedger stores orders unique on (user, idempotency key). Insert reports
// a duplicate as txn.ErrDuplicateKey.
type OrderLedger interface {
	FindByIdempotencyKey(ctx context.Context, userID, key string) (*orders.Order, error)
	Insert(ctx context.Context, order orders.Order) (*orders.Order, error)
}

// Notifier publishes events without blocking and without reporting failures.
type Notifier interface {
	Publish(ctx context.Context, e notify.Event)
}

// PaymentGenerator builds the payment stub for an order.
type PaymentGenerator interface {
	Generate(orderID string, total int64) (*payment.Stub, error)
}

// Outcome labels a finished checkout for metrics.
type Outcome string

const (
	OutcomeCreated  Outcome = "created"
	OutcomeReplayed Outcome = "replayed"
	OutcomeRejected Outcome = "rejected"
	OutcomeFailed   Outcome = "failed"
)

// Observer receives checkout measurements. code is the business error code
// for rejected checkouts and empty otherwise.
type Observer interface {
	ObserveCheckout(outcome Outcome, code string, attempts int, elapsed time.Duration)
	ObserveConflict()
}

type nopObserver struct{}

func (nopObserver) ObserveCheckout(Outcome, string, int, time.Duration) {}
func (nopObserver) ObserveConflict()                                    {}
