// Package metrics records checkout measurements to Prometheus or CloudWatch.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/imrishuroy/go-idempotent-checkout/internal/checkout"
)

// Prometheus implements checkout.Observer with Prometheus collectors.
type Prometheus struct {
	checkouts *prometheus.CounterVec
	attempts  *prometheus.HistogramVec
	latency   *prometheus.HistogramVec
	conflicts prometheus.Counter
	gatherer  prometheus.Gatherer
}

// NewPrometheus registers the checkout collectors on reg. A nil reg uses a
// fresh registry.
func NewPrometheus(namespace string, reg *prometheus.Registry) (*Prometheus, error) {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	p := &Prometheus{
		checkouts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "checkout",
			Name:      "requests_total",
			Help:      "Finished checkouts by outcome and business error code.",
		}, []string{"outcome", "code"}),
		attempts: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "checkout",
			Name:      "attempts",
			Help:      "Transaction attempts per checkout.",
			Buckets:   []float64{1, 2, 3, 5, 8},
		}, []string{"outcome"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "checkout",
			Name:      "duration_seconds",
			Help:      "Checkout latency in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"outcome"}),
		conflicts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "checkout",
			Name:      "write_conflicts_total",
			Help:      "Attempts aborted by a write conflict.",
		}),
		gatherer: reg,
	}
	for _, c := range []prometheus.Collector{p.checkouts, p.attempts, p.latency, p.conflicts} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return p, nil
}

// ObserveCheckout implements checkout.Observer.
func (p *Prometheus) ObserveCheckout(outcome checkout.Outcome, code string, attempts int, elapsed time.Duration) {
	p.checkouts.WithLabelValues(string(outcome), code).Inc()
	if attempts > 0 {
		p.attempts.WithLabelValues(string(outcome)).Observe(float64(attempts))
	}
	p.latency.WithLabelValues(string(outcome)).Observe(elapsed.Seconds())
}

// ObserveConflict implements checkout.Observer.
func (p *Prometheus) ObserveConflict() { p.conflicts.Inc() }

// Handler serves the registry in the Prometheus exposition format.
func (p *Prometheus) Handler() http.Handler {
	return promhttp.HandlerFor(p.gatherer, promhttp.HandlerOpts{})
}
