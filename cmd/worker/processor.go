package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-lambda-go/events"
	"go.uber.org/zap"

	"github.com/imrishuroy/go-idempotent-checkout/internal/notify"
	"github.com/imrishuroy/go-idempotent-checkout/internal/orders"
)

// OrderStore is what the worker needs from the order ledger.
type OrderStore interface {
	Get(ctx context.Context, orderID string) (*orders.Order, error)
	TransitionStatus(ctx context.Context, order *orders.Order, next string) error
}

// Processor consumes order.created events from SQS.
type Processor struct {
	orders      OrderStore
	autoConfirm bool
	log         *zap.Logger
}

// NewProcessor creates a Processor. With autoConfirm set, delivered orders
// are moved from PENDING to PAID.
func NewProcessor(store OrderStore, autoConfirm bool, log *zap.Logger) *Processor {
	if log == nil {
		log = zap.NewNop()
	}
	return &Processor{orders: store, autoConfirm: autoConfirm, log: log}
}

// Handle processes an SQS batch. Failed records are reported back so only
// they are redelivered.
func (p *Processor) Handle(ctx context.Context, ev events.SQSEvent) (events.SQSEventResponse, error) {
	var resp events.SQSEventResponse
	for _, rec := range ev.Records {
		if err := p.processMessage(ctx, rec); err != nil {
			p.log.Error("worker error", zap.String("message_id", rec.MessageId), zap.Error(err))
			resp.BatchItemFailures = append(resp.BatchItemFailures, events.SQSBatchItemFailure{ItemIdentifier: rec.MessageId})
		}
	}
	return resp, nil
}

func (p *Processor) processMessage(ctx context.Context, rec events.SQSMessage) error {
	e, err := notify.Decode([]byte(rec.Body))
	if err != nil {
		return fmt.Errorf("invalid message body: %w", err)
	}
	log := p.log.With(zap.String("event_id", e.ID), zap.String("order_id", e.OrderID))
	if e.Topic != notify.TopicOrderCreated {
		log.Debug("ignoring event", zap.String("topic", e.Topic))
		return nil
	}

	order, err := p.orders.Get(ctx, e.OrderID)
	if err != nil {
		return fmt.Errorf("fetch order %s: %w", e.OrderID, err)
	}
	log.Info("order created", zap.String("user_id", order.UserID), zap.Int64("total", order.Total), zap.String("status", order.Status))
	if !p.autoConfirm || order.Status != orders.StatusPending {
		return nil
	}

	err = p.orders.TransitionStatus(ctx, order, orders.StatusPaid)
	switch {
	case errors.Is(err, orders.ErrStatusMismatch):
		// another delivery of the same event got there first
		log.Info("duplicate delivery")
		return nil
	case err != nil:
		return fmt.Errorf("confirm order %s: %w", e.OrderID, err)
	}
	log.Info("order confirmed", zap.String("status", order.Status))
	return nil
}
