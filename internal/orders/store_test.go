package orders

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/imrishuroy/go-idempotent-checkout/internal/aws"
	"github.com/imrishuroy/go-idempotent-checkout/internal/aws/dynamofake"
	"github.com/imrishuroy/go-idempotent-checkout/internal/txn"
)

func newTestStore(t *testing.T) (*Store, *dynamofake.Fake) {
	t.Helper()
	db := dynamofake.New()
	db.CreateTable("orders", "user_id", "idempotency_key")
	s := NewStore(db, "orders")
	s.nowFunc = func() time.Time { return time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC) }
	return s, db
}

func sampleOrder(id, user, key string) Order {
	items := []LineItem{NewLineItem("p1", "Widget", 2, 1500), NewLineItem("p2", "Gadget", 1, 250)}
	return New(id, user, user+"@example.com", key, items, time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC))
}

func TestInsertAndFindByIdempotencyKey(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	got, err := s.FindByIdempotencyKey(ctx, "u1", "k1")
	if err != nil {
		t.Fatalf("find before insert: %v", err)
	}
	if got != nil {
		t.Fatalf("expected no order, got %+v", got)
	}

	o := sampleOrder("o1", "u1", "k1")
	if _, err := s.Insert(ctx, o); err != nil {
		t.Fatalf("insert: %v", err)
	}

	got, err = s.FindByIdempotencyKey(ctx, "u1", "k1")
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if got == nil || got.OrderID != "o1" {
		t.Fatalf("unexpected order: %+v", got)
	}
	if got.Total != 3250 || len(got.Items) != 2 {
		t.Fatalf("unexpected items/total: %+v", got)
	}
	if got.Status != StatusPending {
		t.Fatalf("expected %s, got %s", StatusPending, got.Status)
	}
}

func TestInsertDuplicateKey(t *testing.T) {
	s, db := newTestStore(t)
	ctx := context.Background()

	if _, err := s.Insert(ctx, sampleOrder("o1", "u1", "k1")); err != nil {
		t.Fatalf("first insert: %v", err)
	}
	_, err := s.Insert(ctx, sampleOrder("o2", "u1", "k1"))
	if !errors.Is(err, txn.ErrDuplicateKey) {
		t.Fatalf("expected ErrDuplicateKey, got %v", err)
	}
	if db.Len("orders") != 1 {
		t.Fatalf("expected 1 order, got %d", db.Len("orders"))
	}

	// same key, different user is a different checkout
	if _, err := s.Insert(ctx, sampleOrder("o3", "u2", "k1")); err != nil {
		t.Fatalf("insert for other user: %v", err)
	}
}

func TestInsertInsideTransaction(t *testing.T) {
	s, db := newTestStore(t)
	ctx := context.Background()
	tx := aws.NewTransactor(db)

	err := tx.WithinTransaction(ctx, func(ctx context.Context) error {
		if _, err := s.Insert(ctx, sampleOrder("o1", "u1", "k1")); err != nil {
			return err
		}
		if db.Len("orders") != 0 {
			t.Fatalf("write must be staged until commit")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("transaction: %v", err)
	}
	if db.Len("orders") != 1 {
		t.Fatalf("expected committed order")
	}

	err = tx.WithinTransaction(ctx, func(ctx context.Context) error {
		_, err := s.Insert(ctx, sampleOrder("o2", "u1", "k1"))
		return err
	})
	if !errors.Is(err, txn.ErrDuplicateKey) {
		t.Fatalf("expected ErrDuplicateKey from commit, got %v", err)
	}
}

func TestGetByOrderID(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	if _, err := s.Insert(ctx, sampleOrder("o1", "u1", "k1")); err != nil {
		t.Fatalf("insert: %v", err)
	}
	got, err := s.Get(ctx, "o1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.UserID != "u1" || got.IdempotencyKey != "k1" {
		t.Fatalf("unexpected order: %+v", got)
	}

	if _, err := s.Get(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestTransitionStatus(t *testing.T) {
	s, db := newTestStore(t)
	ctx := context.Background()

	o := sampleOrder("o1", "u1", "k1")
	if _, err := s.Insert(ctx, o); err != nil {
		t.Fatalf("insert: %v", err)
	}

	if err := s.TransitionStatus(ctx, &o, StatusShipped); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}

	stale := o
	if err := s.TransitionStatus(ctx, &o, StatusPaid); err != nil {
		t.Fatalf("pending -> paid: %v", err)
	}
	if o.Status != StatusPaid {
		t.Fatalf("expected in-place status update, got %s", o.Status)
	}
	item := db.Item("orders", key("u1", "k1"))
	if sv, ok := item["status"].(*types.AttributeValueMemberS); !ok || sv.Value != StatusPaid {
		t.Fatalf("stored status not updated: %#v", item["status"])
	}

	// a second worker still holding the pending copy loses the race
	if err := s.TransitionStatus(ctx, &stale, StatusPaid); !errors.Is(err, ErrStatusMismatch) {
		t.Fatalf("expected ErrStatusMismatch, got %v", err)
	}
}

func TestCanTransition(t *testing.T) {
	cases := []struct {
		from, to string
		want     bool
	}{
		{StatusPending, StatusPaid, true},
		{StatusPaid, StatusShipped, true},
		{StatusShipped, StatusDelivered, true},
		{StatusPending, StatusShipped, false},
		{StatusPaid, StatusPending, false},
		{StatusPending, StatusCancelled, true},
		{StatusShipped, StatusCancelled, true},
		{StatusDelivered, StatusCancelled, false},
		{StatusCancelled, StatusPending, false},
		{"BOGUS", StatusPaid, false},
	}
	for _, c := range cases {
		if got := CanTransition(c.from, c.to); got != c.want {
			t.Errorf("CanTransition(%s, %s) = %v, want %v", c.from, c.to, got, c.want)
		}
	}
}

func TestOrderValidate(t *testing.T) {
	o := sampleOrder("o1", "u1", "k1")
	if err := o.Validate(); err != nil {
		t.Fatalf("valid order rejected: %v", err)
	}
	o.Total++
	if err := o.Validate(); err == nil {
		t.Fatalf("expected total mismatch error")
	}
	o = sampleOrder("", "u1", "k1")
	if err := o.Validate(); err == nil {
		t.Fatalf("expected missing identity error")
	}
}
