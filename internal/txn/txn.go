// Package txn holds the transaction contract shared by every storage backend.
//
// A Transactor opens one atomic unit of work and hands the callback a context
// that carries it. Store adapters look the unit of work up from that context,
// so reads and writes issued with it join the same commit/rollback boundary.
package txn

import (
	"context"
	"errors"
)

// Transactor runs fn inside a single atomic unit of work. If fn returns an
// error nothing fn staged is committed and the error is returned unchanged.
// Otherwise the unit of work is committed and the commit error, if any, is
// returned (classified as ErrWriteConflict or ErrDuplicateKey where the
// backend can tell).
type Transactor interface {
	WithinTransaction(ctx context.Context, fn func(ctx context.Context) error) error
}

var (
	// ErrWriteConflict is a transient signal: a concurrent transaction touched
	// overlapping data. Retrying with a fresh transaction may succeed.
	ErrWriteConflict = errors.New("txn: write conflict")

	// ErrDuplicateKey reports a uniqueness violation on an idempotency guard.
	ErrDuplicateKey = errors.New("txn: duplicate key")
)
