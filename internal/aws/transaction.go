package aws

import (
	"context"
	"errors"
	"fmt"

	sdkaws "github.com/aws/aws-sdk-go-v2/aws"
	dyn "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/aws/smithy-go"

	"github.com/imrishuroy/go-idempotent-checkout/internal/txn"
)

// MaxTransactItems is DynamoDB's limit on actions in one TransactWriteItems call.
const MaxTransactItems = 100

// ErrTooManyItems is returned when a write set would exceed MaxTransactItems.
var ErrTooManyItems = errors.New("transaction exceeds DynamoDB item limit")

// ConditionFailedFunc maps a failed condition on one staged item to a domain
// error. old is the item as it was when the condition was evaluated (empty if
// the item did not exist).
type ConditionFailedFunc func(old map[string]types.AttributeValue) error

type stagedWrite struct {
	item     types.TransactWriteItem
	onFailed ConditionFailedFunc
}

// WriteSet accumulates the writes of one transaction. Stores stage writes on
// it instead of calling DynamoDB directly; the Transactor submits them as a
// single TransactWriteItems call so they commit or fail together.
//
// Reads are not part of the transaction. Stores guard them by conditioning the
// staged write on what was read (a version, a price), so a concurrent change
// surfaces as a condition failure at commit.
type WriteSet struct {
	writes   []stagedWrite
	observed map[string]int64
}

func newWriteSet() *WriteSet {
	return &WriteSet{observed: map[string]int64{}}
}

// Add stages a write. onFailed may be nil, in which case a failed condition
// is reported as txn.ErrWriteConflict.
func (w *WriteSet) Add(item types.TransactWriteItem, onFailed ConditionFailedFunc) {
	w.writes = append(w.writes, stagedWrite{item: item, onFailed: onFailed})
}

// Len returns the number of staged writes.
func (w *WriteSet) Len() int { return len(w.writes) }

// Observe records the version of a record read during the transaction.
func (w *WriteSet) Observe(key string, version int64) { w.observed[key] = version }

// Observed returns the version recorded by Observe.
func (w *WriteSet) Observed(key string) (int64, bool) {
	v, ok := w.observed[key]
	return v, ok
}

type writeSetKey struct{}

// WriteSetFromContext returns the write set of the ambient transaction, if any.
func WriteSetFromContext(ctx context.Context) (*WriteSet, bool) {
	ws, ok := ctx.Value(writeSetKey{}).(*WriteSet)
	return ws, ok
}

// Transactor implements txn.Transactor on top of TransactWriteItems.
type Transactor struct {
	client DynamoDBAPI
}

// NewTransactor returns a Transactor submitting through client.
func NewTransactor(client DynamoDBAPI) *Transactor {
	return &Transactor{client: client}
}

// WithinTransaction runs fn with a fresh write set and commits what it staged.
// A nested call joins the outer transaction.
func (t *Transactor) WithinTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	if _, ok := WriteSetFromContext(ctx); ok {
		return fn(ctx)
	}

	ws := newWriteSet()
	if err := fn(context.WithValue(ctx, writeSetKey{}, ws)); err != nil {
		// nothing has been sent; dropping the write set is the rollback
		return err
	}
	if ws.Len() == 0 {
		return nil
	}
	if ws.Len() > MaxTransactItems {
		return fmt.Errorf("%w: %d items", ErrTooManyItems, ws.Len())
	}

	items := make([]types.TransactWriteItem, 0, ws.Len())
	for _, w := range ws.writes {
		items = append(items, w.item)
	}
	_, err := t.client.TransactWriteItems(ctx, &dyn.TransactWriteItemsInput{
		TransactItems: items,
	})
	if err != nil {
		return ws.classify(err)
	}
	return nil
}

// classify turns a TransactWriteItems failure into the error the caller acts on.
// Priority: duplicate key, then any other mapped condition (business rules),
// then transient conflict.
func (w *WriteSet) classify(err error) error {
	var tce *types.TransactionCanceledException
	if errors.As(err, &tce) {
		var (
			mapped   []error
			conflict bool
		)
		for i, r := range tce.CancellationReasons {
			switch sdkaws.ToString(r.Code) {
			case "ConditionalCheckFailed":
				if i < len(w.writes) && w.writes[i].onFailed != nil {
					mapped = append(mapped, w.writes[i].onFailed(r.Item))
				} else {
					conflict = true
				}
			case "TransactionConflict":
				conflict = true
			}
		}
		for _, m := range mapped {
			if errors.Is(m, txn.ErrDuplicateKey) {
				return m
			}
		}
		for _, m := range mapped {
			if !errors.Is(m, txn.ErrWriteConflict) {
				return m
			}
		}
		if conflict || len(mapped) > 0 {
			return fmt.Errorf("%w: %s", txn.ErrWriteConflict, tce.ErrorMessage())
		}
		return fmt.Errorf("transaction canceled: %w", err)
	}

	var tip *types.TransactionInProgressException
	if errors.As(err, &tip) {
		return fmt.Errorf("%w: %s", txn.ErrWriteConflict, tip.ErrorMessage())
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) && apiErr.ErrorCode() == "TransactionConflictException" {
		return fmt.Errorf("%w: %s", txn.ErrWriteConflict, apiErr.ErrorMessage())
	}
	return fmt.Errorf("transact write: %w", err)
}
