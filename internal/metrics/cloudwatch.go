package metrics

import (
	"context"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"
	"go.uber.org/zap"

	"github.com/imrishuroy/go-idempotent-checkout/internal/aws"
	"github.com/imrishuroy/go-idempotent-checkout/internal/checkout"
)

// maxDatumsPerCall is the PutMetricData limit.
const maxDatumsPerCall = 1000

// CloudWatch implements checkout.Observer by buffering datums and sending
// them with PutMetricData on Flush.
type CloudWatch struct {
	client    aws.CloudWatchAPI
	namespace string
	log       *zap.Logger
	now       func() time.Time

	mu      sync.Mutex
	pending []cwtypes.MetricDatum
}

// NewCloudWatch creates a recorder publishing under namespace.
func NewCloudWatch(client aws.CloudWatchAPI, namespace string, log *zap.Logger) *CloudWatch {
	if log == nil {
		log = zap.NewNop()
	}
	return &CloudWatch{client: client, namespace: namespace, log: log, now: time.Now}
}

// ObserveCheckout implements checkout.Observer.
func (c *CloudWatch) ObserveCheckout(outcome checkout.Outcome, code string, attempts int, elapsed time.Duration) {
	dims := []cwtypes.Dimension{{Name: strPtr("Outcome"), Value: strPtr(string(outcome))}}
	if code != "" {
		dims = append(dims, cwtypes.Dimension{Name: strPtr("Code"), Value: strPtr(code)})
	}
	ts := c.now()
	c.add(
		cwtypes.MetricDatum{MetricName: strPtr("Checkouts"), Dimensions: dims, Value: f64Ptr(1), Unit: cwtypes.StandardUnitCount, Timestamp: &ts},
		cwtypes.MetricDatum{MetricName: strPtr("CheckoutAttempts"), Dimensions: dims[:1], Value: f64Ptr(float64(attempts)), Unit: cwtypes.StandardUnitCount, Timestamp: &ts},
		cwtypes.MetricDatum{MetricName: strPtr("CheckoutLatency"), Dimensions: dims[:1], Value: f64Ptr(float64(elapsed.Milliseconds())), Unit: cwtypes.StandardUnitMilliseconds, Timestamp: &ts},
	)
}

// ObserveConflict implements checkout.Observer.
func (c *CloudWatch) ObserveConflict() {
	ts := c.now()
	c.add(cwtypes.MetricDatum{MetricName: strPtr("WriteConflicts"), Value: f64Ptr(1), Unit: cwtypes.StandardUnitCount, Timestamp: &ts})
}

func (c *CloudWatch) add(d ...cwtypes.MetricDatum) {
	c.mu.Lock()
	c.pending = append(c.pending, d...)
	c.mu.Unlock()
}

// Flush sends buffered datums. Datums from a failed call are dropped and the
// first error is returned.
func (c *CloudWatch) Flush(ctx context.Context) error {
	c.mu.Lock()
	batch := c.pending
	c.pending = nil
	c.mu.Unlock()

	var firstErr error
	for len(batch) > 0 {
		n := min(len(batch), maxDatumsPerCall)
		_, err := c.client.PutMetricData(ctx, &cloudwatch.PutMetricDataInput{
			Namespace:  &c.namespace,
			MetricData: batch[:n],
		})
		if err != nil {
			c.log.Warn("put metric data failed", zap.Int("datums", n), zap.Error(err))
			if firstErr == nil {
				firstErr = err
			}
		}
		batch = batch[n:]
	}
	return firstErr
}

// Run flushes every interval until ctx is done, then flushes once more.
func (c *CloudWatch) Run(ctx context.Context, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			_ = c.Flush(flushCtx)
			cancel()
			return
		case <-t.C:
			_ = c.Flush(ctx)
		}
	}
}

func strPtr(s string) *string   { return &s }
func f64Ptr(f float64) *float64 { return &f }
