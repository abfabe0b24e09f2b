package checkout

import (
	"context"
	"errors"
	"time"

	"github.com/imrishuroy/go-idempotent-checkout/internal/txn"
)

// RetryPolicy decides which attempt failures are retried and how long to wait
// between attempts.
type RetryPolicy struct {
	MaxAttempts int
	Retryable   func(error) bool
	// Backoff returns the wait after the given failed attempt (1-based).
	Backoff func(attempt int) time.Duration
}

// DefaultRetryPolicy retries write conflicts up to three attempts with a short
// linear backoff.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 3,
		Retryable:   IsWriteConflict,
		Backoff:     LinearBackoff(20 * time.Millisecond),
	}
}

// IsWriteConflict is the default classifier: store-signalled write conflicts only.
func IsWriteConflict(err error) bool {
	return errors.Is(err, txn.ErrWriteConflict)
}

// LinearBackoff waits step, 2*step, 3*step...
func LinearBackoff(step time.Duration) func(int) time.Duration {
	return func(attempt int) time.Duration {
		return time.Duration(attempt) * step
	}
}

func (p RetryPolicy) normalized() RetryPolicy {
	if p.MaxAttempts < 1 {
		p.MaxAttempts = 1
	}
	if p.Retryable == nil {
		p.Retryable = IsWriteConflict
	}
	if p.Backoff == nil {
		p.Backoff = func(int) time.Duration { return 0 }
	}
	return p
}

// ShouldRetry reports whether another attempt follows the failed one.
func (p RetryPolicy) ShouldRetry(attempt int, err error) bool {
	return attempt < p.MaxAttempts && p.Retryable(err)
}

// Wait sleeps for the backoff after attempt, returning early with the
// context's error if it is cancelled.
func (p RetryPolicy) Wait(ctx context.Context, attempt int) error {
	d := p.Backoff(attempt)
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
