// Package app wires configuration into a running checkout service.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/imrishuroy/go-idempotent-checkout/internal/aws"
	"github.com/imrishuroy/go-idempotent-checkout/internal/checkout"
	"github.com/imrishuroy/go-idempotent-checkout/internal/config"
	"github.com/imrishuroy/go-idempotent-checkout/internal/handlers"
	"github.com/imrishuroy/go-idempotent-checkout/internal/metrics"
	"github.com/imrishuroy/go-idempotent-checkout/internal/notify"
	"github.com/imrishuroy/go-idempotent-checkout/internal/payment"
	"github.com/imrishuroy/go-idempotent-checkout/internal/telemetry"
)

// App is the assembled service.
type App struct {
	Config      *config.Config
	Logger      *zap.Logger
	Backend     *Backend
	Coordinator *checkout.Coordinator
	Notifier    *notify.Dispatcher
	Router      *gin.Engine

	closers []func(context.Context) error
}

// Options supplies pre-built dependencies, mostly for tests.
type Options struct {
	AWSClients *aws.AWSClients // loaded from config when nil and needed
	Backend    *Backend        // opened from config when nil
}

// New assembles the service described by cfg.
func New(ctx context.Context, cfg *config.Config, log *zap.Logger, opts Options) (_ *App, err error) {
	a := &App{Config: cfg, Logger: log}
	defer func() {
		if err != nil {
			_ = a.Close(context.Background())
		}
	}()

	clients := opts.AWSClients
	if clients == nil && needsAWS(cfg) {
		clients, err = aws.NewAWSClients(ctx, aws.Options{Region: cfg.AWS.Region, EndpointOverride: cfg.AWS.EndpointOverride})
		if err != nil {
			return nil, fmt.Errorf("init aws clients: %w", err)
		}
	}

	tp, err := telemetry.NewTracerProvider(ctx, telemetry.Config{
		Enabled:           cfg.Telemetry.Enabled,
		CollectorEndpoint: cfg.Telemetry.CollectorEndpoint,
		SamplingRatio:     cfg.Telemetry.SamplingRatio,
		ServiceName:       cfg.Telemetry.ServiceName,
		Insecure:          cfg.Telemetry.Insecure,
	}, log)
	if err != nil {
		return nil, fmt.Errorf("init telemetry: %w", err)
	}
	a.closers = append(a.closers, tp.Shutdown)

	backend := opts.Backend
	if backend == nil {
		backend, err = OpenBackend(ctx, cfg.Store, clients, log)
		if err != nil {
			return nil, fmt.Errorf("open %s backend: %w", cfg.Store.Backend, err)
		}
		a.closers = append(a.closers, func(context.Context) error { return backend.Close() })
	}
	a.Backend = backend
	if cfg.Store.SeedFile != "" {
		if err := LoadSeedFile(ctx, backend, cfg.Store.SeedFile); err != nil {
			return nil, err
		}
		log.Info("seed loaded", zap.String("file", cfg.Store.SeedFile))
	}

	sink, err := NewSink(cfg.Notify, clients, log)
	if err != nil {
		return nil, fmt.Errorf("init %s sink: %w", cfg.Notify.Sink, err)
	}
	if c, ok := sink.(interface{ Close() error }); ok {
		a.closers = append(a.closers, func(context.Context) error { return c.Close() })
	}
	a.Notifier = notify.NewDispatcher(sink, log, notify.Options{
		BufferSize:  cfg.Notify.BufferSize,
		Workers:     cfg.Notify.Workers,
		SendTimeout: cfg.Notify.SendTimeout,
	})
	a.closers = append(a.closers, func(context.Context) error { a.Notifier.Close(); return nil })

	observer, metricsHandler, err := a.newObserver(clients)
	if err != nil {
		return nil, fmt.Errorf("init metrics: %w", err)
	}

	gen, err := payment.NewGenerator(payment.Config{
		MerchantKey:   cfg.Payment.MerchantKey,
		MerchantName:  cfg.Payment.MerchantName,
		MerchantCity:  cfg.Payment.MerchantCity,
		TicketBaseURL: cfg.Payment.TicketBaseURL,
	})
	if err != nil {
		return nil, fmt.Errorf("init payment generator: %w", err)
	}

	copts := []checkout.Option{
		checkout.WithRetryPolicy(checkout.RetryPolicy{
			MaxAttempts: cfg.Checkout.MaxAttempts,
			Retryable:   checkout.IsWriteConflict,
			Backoff:     checkout.LinearBackoff(cfg.Checkout.Backoff),
		}),
		checkout.WithMaxCartLines(cfg.Checkout.MaxCartLines),
		checkout.WithLogger(log),
		checkout.WithTracer(tp.Tracer("checkout")),
	}
	if observer != nil {
		copts = append(copts, checkout.WithObserver(observer))
	}
	a.Coordinator = checkout.NewCoordinator(checkout.Deps{
		Transactor: backend.Transactor,
		Carts:      backend.Carts,
		Inventory:  backend.Inventory,
		Orders:     backend.Orders,
		Payments:   gen,
		Notifier:   a.Notifier,
	}, copts...)

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	a.Router = handlers.NewRouter(handlers.HandlerConfig{
		Checkout:    a.Coordinator,
		Orders:      backend.Orders,
		Metrics:     metricsHandler,
		Logger:      log,
		ServiceName: cfg.Telemetry.ServiceName,
	})

	log.Info("checkout service assembled",
		zap.String("backend", backend.Name),
		zap.String("sink", sink.Name()),
		zap.String("metrics", cfg.Metrics.Backend),
	)
	return a, nil
}

func (a *App) newObserver(clients *aws.AWSClients) (checkout.Observer, http.Handler, error) {
	switch a.Config.Metrics.Backend {
	case config.MetricsPrometheus:
		reg := prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		p, err := metrics.NewPrometheus(a.Config.Metrics.Namespace, reg)
		if err != nil {
			return nil, nil, err
		}
		return p, p.Handler(), nil
	case config.MetricsCloudWatch:
		if clients == nil || clients.CloudWatch == nil {
			return nil, nil, errors.New("cloudwatch metrics need an AWS client")
		}
		cw := metrics.NewCloudWatch(clients.CloudWatch, a.Config.Metrics.Namespace, a.Logger)
		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan struct{})
		go func() {
			cw.Run(ctx, a.Config.Metrics.FlushInterval)
			close(done)
		}()
		a.closers = append(a.closers, func(context.Context) error {
			cancel()
			<-done
			return nil
		})
		return cw, nil, nil
	default:
		return nil, nil, nil
	}
}

// NewSink builds the configured notification sink.
func NewSink(cfg config.NotifyConfig, clients *aws.AWSClients, log *zap.Logger) (notify.Sink, error) {
	switch cfg.Sink {
	case config.SinkLog:
		return notify.NewLogSink(log), nil
	case config.SinkSQS:
		if clients == nil || clients.SQS == nil {
			return nil, errors.New("sqs sink needs an AWS client")
		}
		return notify.NewSQSSink(aws.NewPublisher(clients.SQS, cfg.QueueURL)), nil
	case config.SinkKafka:
		return notify.NewKafkaSink(notify.NewKafkaWriter(cfg.KafkaBrokers, cfg.KafkaTopic)), nil
	case config.SinkRedis:
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		return &redisSink{RedisSink: notify.NewRedisSink(client, cfg.RedisChannel), client: client}, nil
	default:
		return nil, fmt.Errorf("unknown sink %q", cfg.Sink)
	}
}

// redisSink owns its client.
type redisSink struct {
	*notify.RedisSink
	client *redis.Client
}

func (s *redisSink) Close() error { return s.client.Close() }

// Close stops background work and releases connections, last opened first.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

func needsAWS(cfg *config.Config) bool {
	return cfg.Store.Backend == config.BackendDynamoDB ||
		cfg.Notify.Sink == config.SinkSQS ||
		cfg.Metrics.Backend == config.MetricsCloudWatch
}
