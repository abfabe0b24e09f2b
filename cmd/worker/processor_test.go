package main

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/aws/aws-lambda-go/events"

	"github.com/imrishuroy/go-idempotent-checkout/internal/memstore"
	"github.com/imrishuroy/go-idempotent-checkout/internal/notify"
	"github.com/imrishuroy/go-idempotent-checkout/internal/orders"
)

func seedOrder(t *testing.T, s *memstore.Store) orders.Order {
	t.Helper()
	o := orders.New("o1", "u1", "", "k1", []orders.LineItem{orders.NewLineItem("p1", "Widget", 1, 1000)}, time.Now())
	if _, err := s.Orders().Insert(context.Background(), o); err != nil {
		t.Fatalf("insert: %v", err)
	}
	return o
}

func record(t *testing.T, id string, e notify.Event) events.SQSMessage {
	t.Helper()
	body, err := json.Marshal(e)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return events.SQSMessage{MessageId: id, Body: string(body)}
}

func TestProcessorConfirmsOrder(t *testing.T) {
	s := memstore.New()
	o := seedOrder(t, s)
	p := NewProcessor(s.Orders(), true, nil)

	ev := notify.OrderCreated(o.OrderID, o.UserID, o.Total, time.Now())
	resp, err := p.Handle(context.Background(), events.SQSEvent{Records: []events.SQSMessage{record(t, "m1", ev)}})
	if err != nil || len(resp.BatchItemFailures) != 0 {
		t.Fatalf("unexpected failure: %v %+v", err, resp)
	}
	got, _ := s.Orders().Get(context.Background(), "o1")
	if got.Status != orders.StatusPaid {
		t.Fatalf("expected PAID, got %s", got.Status)
	}

	// redelivery is a no-op
	resp, _ = p.Handle(context.Background(), events.SQSEvent{Records: []events.SQSMessage{record(t, "m1", ev)}})
	if len(resp.BatchItemFailures) != 0 {
		t.Fatalf("redelivery must succeed, got %+v", resp)
	}
}

func TestProcessorWithoutAutoConfirmLeavesOrderPending(t *testing.T) {
	s := memstore.New()
	o := seedOrder(t, s)
	p := NewProcessor(s.Orders(), false, nil)

	ev := notify.OrderCreated(o.OrderID, o.UserID, o.Total, time.Now())
	if resp, _ := p.Handle(context.Background(), events.SQSEvent{Records: []events.SQSMessage{record(t, "m1", ev)}}); len(resp.BatchItemFailures) != 0 {
		t.Fatalf("unexpected failure: %+v", resp)
	}
	got, _ := s.Orders().Get(context.Background(), "o1")
	if got.Status != orders.StatusPending {
		t.Fatalf("expected PENDING, got %s", got.Status)
	}
}

func TestProcessorReportsFailedRecords(t *testing.T) {
	s := memstore.New()
	o := seedOrder(t, s)
	p := NewProcessor(s.Orders(), true, nil)

	good := record(t, "good", notify.OrderCreated(o.OrderID, o.UserID, o.Total, time.Now()))
	missing := record(t, "missing", notify.OrderCreated("nope", "u1", 0, time.Now()))
	other := record(t, "other", notify.Event{ID: "e", Topic: "order.shipped", OrderID: "nope"})
	garbage := events.SQSMessage{MessageId: "garbage", Body: "{not json"}

	resp, err := p.Handle(context.Background(), events.SQSEvent{Records: []events.SQSMessage{good, missing, other, garbage}})
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	var failed []string
	for _, f := range resp.BatchItemFailures {
		failed = append(failed, f.ItemIdentifier)
	}
	if len(failed) != 2 || failed[0] != "missing" || failed[1] != "garbage" {
		t.Fatalf("unexpected failures: %v", failed)
	}
}

type racingStore struct {
	*memstore.Orders
}

func (r racingStore) TransitionStatus(context.Context, *orders.Order, string) error {
	return orders.ErrStatusMismatch
}

type brokenStore struct {
	*memstore.Orders
}

func (b brokenStore) TransitionStatus(context.Context, *orders.Order, string) error {
	return errors.New("throttled")
}

func TestProcessorTransitionOutcomes(t *testing.T) {
	s := memstore.New()
	o := seedOrder(t, s)
	msg := record(t, "m1", notify.OrderCreated(o.OrderID, o.UserID, o.Total, time.Now()))

	resp, _ := NewProcessor(racingStore{s.Orders()}, true, nil).Handle(context.Background(), events.SQSEvent{Records: []events.SQSMessage{msg}})
	if len(resp.BatchItemFailures) != 0 {
		t.Fatalf("lost race must not fail the record: %+v", resp)
	}
	resp, _ = NewProcessor(brokenStore{s.Orders()}, true, nil).Handle(context.Background(), events.SQSEvent{Records: []events.SQSMessage{msg}})
	if len(resp.BatchItemFailures) != 1 {
		t.Fatalf("store failure must fail the record: %+v", resp)
	}
}
