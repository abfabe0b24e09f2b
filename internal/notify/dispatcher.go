package notify

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// ErrClosed is reported when publishing after Close.
var ErrClosed = errors.New("notify: dispatcher closed")

// Sink delivers one event to a downstream system.
type Sink interface {
	Name() string
	Send(ctx context.Context, e Event) error
}

// Options tune the dispatcher.
type Options struct {
	BufferSize  int           // queued events before Publish starts dropping
	Workers     int           // concurrent deliveries
	SendTimeout time.Duration // per-delivery deadline
}

func (o Options) withDefaults() Options {
	if o.BufferSize <= 0 {
		o.BufferSize = 256
	}
	if o.Workers <= 0 {
		o.Workers = 2
	}
	if o.SendTimeout <= 0 {
		o.SendTimeout = 5 * time.Second
	}
	return o
}

// Dispatcher queues events and delivers them to a sink from background
// workers. Publish never blocks: with the queue full the event is dropped and
// logged.
type Dispatcher struct {
	sink    Sink
	log     *zap.Logger
	timeout time.Duration
	queue   chan Event
	wg      sync.WaitGroup

	mu     sync.RWMutex
	closed bool

	delivered atomic.Int64
	failed    atomic.Int64
	dropped   atomic.Int64
}

// NewDispatcher starts the workers. Call Close to drain and stop them.
func NewDispatcher(sink Sink, log *zap.Logger, opts Options) *Dispatcher {
	opts = opts.withDefaults()
	if log == nil {
		log = zap.NewNop()
	}
	d := &Dispatcher{
		sink:    sink,
		log:     log.With(zap.String("sink", sink.Name())),
		timeout: opts.SendTimeout,
		queue:   make(chan Event, opts.BufferSize),
	}
	for i := 0; i < opts.Workers; i++ {
		d.wg.Add(1)
		go d.run()
	}
	return d
}

// Publish enqueues e for delivery. The caller's context only contributes
// values; delivery runs on its own deadline so a finished request does not
// cancel it.
func (d *Dispatcher) Publish(ctx context.Context, e Event) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		d.dropped.Add(1)
		d.log.Warn("event dropped", zap.String("event_id", e.ID), zap.Error(ErrClosed))
		return
	}
	select {
	case d.queue <- e:
	default:
		d.dropped.Add(1)
		d.log.Warn("event dropped: queue full",
			zap.String("event_id", e.ID),
			zap.String("topic", e.Topic),
			zap.String("order_id", e.OrderID),
		)
	}
}

// Close stops accepting events and waits for queued ones to be delivered.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	close(d.queue)
	d.mu.Unlock()
	d.wg.Wait()
}

// Stats reports delivery counters.
func (d *Dispatcher) Stats() (delivered, failed, dropped int64) {
	return d.delivered.Load(), d.failed.Load(), d.dropped.Load()
}

func (d *Dispatcher) run() {
	defer d.wg.Done()
	for e := range d.queue {
		d.deliver(e)
	}
}

func (d *Dispatcher) deliver(e Event) {
	ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
	defer cancel()

	err := d.safeSend(ctx, e)
	if err != nil {
		d.failed.Add(1)
		d.log.Error("event delivery failed",
			zap.String("event_id", e.ID),
			zap.String("topic", e.Topic),
			zap.String("order_id", e.OrderID),
			zap.Error(err),
		)
		return
	}
	d.delivered.Add(1)
	d.log.Debug("event delivered", zap.String("event_id", e.ID), zap.String("order_id", e.OrderID))
}

func (d *Dispatcher) safeSend(ctx context.Context, e Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("sink panic: %v", r)
		}
	}()
	return d.sink.Send(ctx, e)
}
