package checkout

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/imrishuroy/go-idempotent-checkout/internal/cart"
	"github.com/imrishuroy/go-idempotent-checkout/internal/inventory"
	"github.com/imrishuroy/go-idempotent-checkout/internal/logger"
	"github.com/imrishuroy/go-idempotent-checkout/internal/notify"
	"github.com/imrishuroy/go-idempotent-checkout/internal/orders"
	"github.com/imrishuroy/go-idempotent-checkout/internal/txn"
)

// DefaultMaxCartLines keeps a checkout inside one DynamoDB transaction: one
// write per distinct product plus the order and the cart.
const DefaultMaxCartLines = 98

// Deps are the collaborators a Coordinator needs.
type Deps struct {
	Transactor txn.Transactor
	Carts      CartStore
	Inventory  InventoryLedger
	Orders     OrderLedger
	Payments   PaymentGenerator
	Notifier   Notifier
}

// Option customizes a Coordinator.
type Option func(*Coordinator)

func WithRetryPolicy(p RetryPolicy) Option { return func(c *Coordinator) { c.retry = p.normalized() } }
func WithMaxCartLines(n int) Option        { return func(c *Coordinator) { c.maxLines = n } }
func WithObserver(o Observer) Option       { return func(c *Coordinator) { c.observer = o } }
func WithLogger(l *zap.Logger) Option      { return func(c *Coordinator) { c.log = l } }
func WithTracer(t trace.Tracer) Option     { return func(c *Coordinator) { c.tracer = t } }
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) { c.now = now }
}
func WithIDGenerator(gen func() string) Option {
	return func(c *Coordinator) { c.newID = gen }
}

// Coordinator turns a cart into an order exactly once per (user, key).
type Coordinator struct {
	tx        txn.Transactor
	carts     CartStore
	inventory InventoryLedger
	orders    OrderLedger
	payments  PaymentGenerator
	notifier  Notifier

	retry    RetryPolicy
	maxLines int
	observer Observer
	log      *zap.Logger
	tracer   trace.Tracer
	now      func() time.Time
	newID    func() string
}

// NewCoordinator wires a Coordinator. Notifier may be nil.
func NewCoordinator(d Deps, opts ...Option) *Coordinator {
	c := &Coordinator{
		tx:        d.Transactor,
		carts:     d.Carts,
		inventory: d.Inventory,
		orders:    d.Orders,
		payments:  d.Payments,
		notifier:  d.Notifier,
		retry:     DefaultRetryPolicy(),
		maxLines:  DefaultMaxCartLines,
		observer:  nopObserver{},
		log:       zap.NewNop(),
		tracer:    otel.Tracer("checkout"),
		now:       func() time.Time { return time.Now().UTC() },
		newID:     uuid.NewString,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Execute checks out the user's cart. A repeated or concurrent call with the
// same (UserID, IdempotencyKey) returns the order the first one created.
func (c *Coordinator) Execute(ctx context.Context, req Request) (res *Result, err error) {
	start := time.Now()
	attempts := 0

	ctx, span := c.tracer.Start(ctx, "checkout.Execute", trace.WithAttributes(
		attribute.String("checkout.user_id", req.UserID),
		attribute.String("checkout.idempotency_key", req.IdempotencyKey),
	))
	log := c.logger(ctx).With(
		zap.String("user_id", req.UserID),
		zap.String("idempotency_key", req.IdempotencyKey),
	)
	defer func() {
		c.finish(span, log, res, err, attempts, time.Since(start))
	}()

	if err := req.Validate(); err != nil {
		return nil, err
	}

	existing, err := c.orders.FindByIdempotencyKey(ctx, req.UserID, req.IdempotencyKey)
	if err != nil {
		return nil, fmt.Errorf("find order by idempotency key: %w", err)
	}
	if existing != nil {
		return c.replay(existing)
	}

	var lastErr error
	for attempt := 1; ; attempt++ {
		attempts = attempt
		var created *orders.Order
		err := c.tx.WithinTransaction(ctx, func(ctx context.Context) error {
			o, err := c.attempt(ctx, req)
			created = o
			return err
		})
		err = classify(err)
		switch {
		case err == nil:
			return c.complete(ctx, log, created)

		case errors.Is(err, txn.ErrDuplicateKey):
			log.Info("concurrent checkout won the race", zap.Int("attempt", attempt))
			return c.resolveWinner(ctx, req, err)

		case IsBusiness(err):
			// a concurrent call with the same key may have taken the cart or
			// the stock; if so its order is the answer
			if winner := c.findWinner(ctx, log, req); winner != nil {
				return c.replay(winner)
			}
			return nil, err

		case !c.retry.Retryable(err):
			return nil, fmt.Errorf("checkout attempt %d: %w", attempt, err)
		}

		lastErr = err
		c.observer.ObserveConflict()
		span.AddEvent("write conflict", trace.WithAttributes(attribute.Int("checkout.attempt", attempt)))
		log.Warn("write conflict", zap.Int("attempt", attempt), zap.Error(err))
		if !c.retry.ShouldRetry(attempt, err) {
			break
		}
		if werr := c.retry.Wait(ctx, attempt); werr != nil {
			return nil, fmt.Errorf("checkout: %w", werr)
		}
	}

	if winner := c.findWinner(ctx, log, req); winner != nil {
		return c.replay(winner)
	}
	return nil, fmt.Errorf("%w after %d attempts: %w", ErrRetriesExhausted, attempts, lastErr)
}

// attempt is one transactional pass: price and reserve every line, insert the
// order, clear the cart. Any error rolls the whole pass back.
func (c *Coordinator) attempt(ctx context.Context, req Request) (*orders.Order, error) {
	crt, err := c.carts.Get(ctx, req.UserID)
	if err != nil {
		return nil, fmt.Errorf("get cart: %w", err)
	}
	if crt.IsEmpty() {
		return nil, ErrCartEmpty
	}
	if err := crt.Validate(); err != nil {
		return nil, fmt.Errorf("cart %s: %w", req.UserID, err)
	}

	lines := crt.Merged()
	if c.maxLines > 0 && len(lines) > c.maxLines {
		return nil, NewBusinessError(CodeCartTooLarge,
			fmt.Sprintf("cart has %d distinct products, at most %d can be checked out at once", len(lines), c.maxLines), nil)
	}

	items := make([]orders.LineItem, 0, len(lines))
	for _, l := range lines {
		item, err := c.reserve(ctx, l)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}

	order := orders.New(c.newID(), req.UserID, req.Email, req.IdempotencyKey, items, c.now())
	if err := order.Validate(); err != nil {
		return nil, fmt.Errorf("build order: %w", err)
	}
	saved, err := c.orders.Insert(ctx, order)
	if err != nil {
		return nil, fmt.Errorf("insert order: %w", err)
	}
	if err := c.carts.Clear(ctx, req.UserID); err != nil {
		return nil, fmt.Errorf("clear cart: %w", err)
	}
	return saved, nil
}

// reserve decrements stock for one line and snapshots it at the
// authoritative price.
func (c *Coordinator) reserve(ctx context.Context, l cart.Line) (orders.LineItem, error) {
	p, err := c.inventory.Get(ctx, l.ProductID)
	if err != nil {
		return orders.LineItem{}, fmt.Errorf("get product %s: %w", l.ProductID, err)
	}
	if !p.Active {
		return orders.LineItem{}, fmt.Errorf("%w: %s", inventory.ErrProductInactive, l.ProductID)
	}
	updated, err := c.inventory.ConditionalAdjust(ctx, l.ProductID, -l.Quantity)
	if err != nil {
		return orders.LineItem{}, fmt.Errorf("reserve %s: %w", l.ProductID, err)
	}
	if updated == nil {
		return orders.LineItem{}, fmt.Errorf("%w: %s, need %d", inventory.ErrInsufficientStock, l.ProductID, l.Quantity)
	}
	return orders.NewLineItem(updated.ID, updated.Name, l.Quantity, updated.Price), nil
}

// classify maps store-level rule violations, whether raised while staging or
// at commit, onto the business taxonomy.
func classify(err error) error {
	switch {
	case err == nil, IsBusiness(err), errors.Is(err, txn.ErrDuplicateKey):
		return err
	case errors.Is(err, inventory.ErrProductNotFound), errors.Is(err, inventory.ErrProductInactive):
		return NewBusinessError(CodeProductUnavailable, "product is unavailable: "+err.Error(), err)
	case errors.Is(err, inventory.ErrInsufficientStock):
		return NewBusinessError(CodeInsufficientStock, "insufficient stock: "+err.Error(), err)
	default:
		return err
	}
}

func (c *Coordinator) resolveWinner(ctx context.Context, req Request, cause error) (*Result, error) {
	winner, err := c.orders.FindByIdempotencyKey(ctx, req.UserID, req.IdempotencyKey)
	if err != nil {
		return nil, fmt.Errorf("re-read order after duplicate key: %w", err)
	}
	if winner == nil {
		// the unique constraint fired but no order is visible: integrity problem
		return nil, fmt.Errorf("duplicate key without a visible order: %w", cause)
	}
	return c.replay(winner)
}

func (c *Coordinator) findWinner(ctx context.Context, log *zap.Logger, req Request) *orders.Order {
	winner, err := c.orders.FindByIdempotencyKey(ctx, req.UserID, req.IdempotencyKey)
	if err != nil {
		log.Warn("re-check idempotency key failed", zap.Error(err))
		return nil
	}
	return winner
}

func (c *Coordinator) replay(o *orders.Order) (*Result, error) {
	stub, err := c.payments.Generate(o.OrderID, o.Total)
	if err != nil {
		return nil, fmt.Errorf("payment stub for order %s: %w", o.OrderID, err)
	}
	return &Result{Order: o, Payment: stub, Replayed: true}, nil
}

func (c *Coordinator) complete(ctx context.Context, log *zap.Logger, o *orders.Order) (*Result, error) {
	if c.notifier != nil {
		c.notifier.Publish(ctx, notify.OrderCreated(o.OrderID, o.UserID, o.Total, c.now()))
	}
	stub, err := c.payments.Generate(o.OrderID, o.Total)
	if err != nil {
		// the order is committed; a retry with the same key replays it
		return nil, fmt.Errorf("payment stub for order %s: %w", o.OrderID, err)
	}
	log.Info("order created", zap.String("order_id", o.OrderID), zap.Int64("total", o.Total), zap.Int("items", len(o.Items)))
	return &Result{Order: o, Payment: stub}, nil
}

func (c *Coordinator) finish(span trace.Span, log *zap.Logger, res *Result, err error, attempts int, elapsed time.Duration) {
	defer span.End()
	switch {
	case err == nil && res.Replayed:
		span.SetAttributes(attribute.String("checkout.order_id", res.Order.OrderID), attribute.Bool("checkout.replayed", true))
		log.Info("checkout replayed", zap.String("order_id", res.Order.OrderID))
		c.observer.ObserveCheckout(OutcomeReplayed, "", attempts, elapsed)
	case err == nil:
		span.SetAttributes(attribute.String("checkout.order_id", res.Order.OrderID))
		c.observer.ObserveCheckout(OutcomeCreated, "", attempts, elapsed)
	default:
		if be, ok := AsBusiness(err); ok {
			span.SetAttributes(attribute.String("checkout.error_code", be.Code))
			log.Info("checkout rejected", zap.String("code", be.Code), zap.Error(err))
			c.observer.ObserveCheckout(OutcomeRejected, be.Code, attempts, elapsed)
			return
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		log.Error("checkout failed", zap.Int("attempts", attempts), zap.Error(err))
		c.observer.ObserveCheckout(OutcomeFailed, "", attempts, elapsed)
	}
}

func (c *Coordinator) logger(ctx context.Context) *zap.Logger {
	if l := logger.FromContext(ctx); l != nil && l.Core().Enabled(zap.FatalLevel) {
		return l
	}
	return c.log
}
