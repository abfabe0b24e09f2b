package checkout_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/imrishuroy/go-idempotent-checkout/internal/checkout"
	"github.com/imrishuroy/go-idempotent-checkout/internal/txn"
)

func TestDefaultRetryPolicy(t *testing.T) {
	p := checkout.DefaultRetryPolicy()
	assert.Equal(t, 3, p.MaxAttempts)

	conflict := fmt.Errorf("commit: %w", txn.ErrWriteConflict)
	assert.True(t, p.ShouldRetry(1, conflict))
	assert.True(t, p.ShouldRetry(2, conflict))
	assert.False(t, p.ShouldRetry(3, conflict), "last attempt is final")
	assert.False(t, p.ShouldRetry(1, errors.New("disk full")))
	assert.False(t, p.ShouldRetry(1, checkout.ErrInsufficientStock))
	assert.False(t, p.ShouldRetry(1, txn.ErrDuplicateKey))
}

func TestLinearBackoff(t *testing.T) {
	b := checkout.LinearBackoff(10 * time.Millisecond)
	assert.Equal(t, 10*time.Millisecond, b(1))
	assert.Equal(t, 30*time.Millisecond, b(3))
}

func TestRetryPolicyWait(t *testing.T) {
	p := checkout.RetryPolicy{Backoff: func(int) time.Duration { return time.Millisecond }}
	require.NoError(t, p.Wait(context.Background(), 1))

	p.Backoff = func(int) time.Duration { return time.Hour }
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.ErrorIs(t, p.Wait(ctx, 1), context.Canceled)

	p.Backoff = func(int) time.Duration { return 0 }
	require.ErrorIs(t, p.Wait(ctx, 1), context.Canceled)
}

func TestRequestValidate(t *testing.T) {
	ok := checkout.Request{UserID: "u1", IdempotencyKey: "k1", Email: "a@b.co"}
	require.NoError(t, ok.Validate())

	long := make([]byte, checkout.MaxIdempotencyKeyLength+1)
	for i := range long {
		long[i] = 'k'
	}
	bad := []checkout.Request{
		{IdempotencyKey: "k"},
		{UserID: "u", IdempotencyKey: "\t"},
		{UserID: "u", IdempotencyKey: string(long)},
		{UserID: "u", IdempotencyKey: "k", Email: "nope"},
	}
	for _, r := range bad {
		err := r.Validate()
		require.ErrorIs(t, err, checkout.ErrInvalidRequest, "%+v", r)
	}
}

func TestBusinessErrorMatching(t *testing.T) {
	cause := errors.New("stock 0")
	err := fmt.Errorf("attempt: %w", checkout.NewBusinessError(checkout.CodeInsufficientStock, "no stock for A", cause))

	assert.ErrorIs(t, err, checkout.ErrInsufficientStock)
	assert.NotErrorIs(t, err, checkout.ErrCartEmpty)
	assert.ErrorIs(t, err, cause)

	be, ok := checkout.AsBusiness(err)
	require.True(t, ok)
	assert.Equal(t, "no stock for A", be.Message)
	assert.False(t, checkout.IsBusiness(errors.New("plain")))
}
