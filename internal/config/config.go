// Package config loads service configuration from an optional config.toml
// and CHECKOUT_* environment variables.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// DynamoDBMaxCartLines leaves room for the order put and the cart update in a
// 100-item DynamoDB transaction.
const DynamoDBMaxCartLines = 98

// Store backends.
const (
	BackendMemory   = "memory"
	BackendDynamoDB = "dynamodb"
	BackendPostgres = "postgres"
)

// Notification sinks.
const (
	SinkLog   = "log"
	SinkSQS   = "sqs"
	SinkKafka = "kafka"
	SinkRedis = "redis"
)

// Metrics backends.
const (
	MetricsPrometheus = "prometheus"
	MetricsCloudWatch = "cloudwatch"
	MetricsNone       = "none"
)

type Config struct {
	App       AppConfig
	Log       LogConfig
	AWS       AWSConfig
	Store     StoreConfig
	Checkout  CheckoutConfig
	Notify    NotifyConfig
	Payment   PaymentConfig
	Metrics   MetricsConfig
	Telemetry TelemetryConfig
}

type AppConfig struct {
	Name     string
	Env      string
	Port     string
	RunLocal bool
}

type LogConfig struct {
	Level  string // debug, info, warn, error
	Format string // json, console
	Output string // stdout, stderr, or file path
}

type AWSConfig struct {
	Region           string
	EndpointOverride string // LocalStack / DynamoDB Local
}

type StoreConfig struct {
	Backend       string
	ProductsTable string
	CartsTable    string
	OrdersTable   string
	OrderIDIndex  string
	PostgresDSN   string
	SeedFile      string // JSON products and carts loaded at startup
}

type CheckoutConfig struct {
	MaxAttempts  int
	Backoff      time.Duration // linear step
	MaxCartLines int
}

type NotifyConfig struct {
	Sink         string
	QueueURL     string
	KafkaBrokers string // comma separated
	KafkaTopic   string
	RedisAddr    string
	RedisChannel string
	BufferSize   int
	Workers      int
	SendTimeout  time.Duration
}

type PaymentConfig struct {
	MerchantKey   string
	MerchantName  string
	MerchantCity  string
	TicketBaseURL string
	AutoConfirm   bool // worker marks orders paid on delivery
}

type MetricsConfig struct {
	Backend       string
	Namespace     string
	FlushInterval time.Duration
}

type TelemetryConfig struct {
	Enabled           bool
	CollectorEndpoint string
	SamplingRatio     float64
	ServiceName       string
	Insecure          bool
}

// Load reads config.toml from the working directory or /app if present, then
// applies CHECKOUT_ environment overrides (app.port -> CHECKOUT_APP_PORT).
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("toml")
	v.AddConfigPath(".")
	v.AddConfigPath("/app")
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}
	return FromViper(v)
}

// FromViper builds a Config from an already populated viper instance.
func FromViper(v *viper.Viper) (*Config, error) {
	v.SetEnvPrefix("CHECKOUT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	cfg := &Config{
		App: AppConfig{
			Name:     v.GetString("app.name"),
			Env:      v.GetString("app.env"),
			Port:     v.GetString("app.port"),
			RunLocal: v.GetBool("app.run_local"),
		},
		Log: LogConfig{
			Level:  v.GetString("log.level"),
			Format: v.GetString("log.format"),
			Output: v.GetString("log.output"),
		},
		AWS: AWSConfig{
			Region:           v.GetString("aws.region"),
			EndpointOverride: v.GetString("aws.endpoint_override"),
		},
		Store: StoreConfig{
			Backend:       strings.ToLower(v.GetString("store.backend")),
			ProductsTable: v.GetString("store.products_table"),
			CartsTable:    v.GetString("store.carts_table"),
			OrdersTable:   v.GetString("store.orders_table"),
			OrderIDIndex:  v.GetString("store.order_id_index"),
			PostgresDSN:   v.GetString("store.postgres_dsn"),
			SeedFile:      v.GetString("store.seed_file"),
		},
		Checkout: CheckoutConfig{
			MaxAttempts:  v.GetInt("checkout.max_attempts"),
			Backoff:      v.GetDuration("checkout.backoff"),
			MaxCartLines: v.GetInt("checkout.max_cart_lines"),
		},
		Notify: NotifyConfig{
			Sink:         strings.ToLower(v.GetString("notify.sink")),
			QueueURL:     v.GetString("notify.queue_url"),
			KafkaBrokers: v.GetString("notify.kafka_brokers"),
			KafkaTopic:   v.GetString("notify.kafka_topic"),
			RedisAddr:    v.GetString("notify.redis_addr"),
			RedisChannel: v.GetString("notify.redis_channel"),
			BufferSize:   v.GetInt("notify.buffer_size"),
			Workers:      v.GetInt("notify.workers"),
			SendTimeout:  v.GetDuration("notify.send_timeout"),
		},
		Payment: PaymentConfig{
			MerchantKey:   v.GetString("payment.merchant_key"),
			MerchantName:  v.GetString("payment.merchant_name"),
			MerchantCity:  v.GetString("payment.merchant_city"),
			TicketBaseURL: v.GetString("payment.ticket_base_url"),
			AutoConfirm:   v.GetBool("payment.auto_confirm"),
		},
		Metrics: MetricsConfig{
			Backend:       strings.ToLower(v.GetString("metrics.backend")),
			Namespace:     v.GetString("metrics.namespace"),
			FlushInterval: v.GetDuration("metrics.flush_interval"),
		},
		Telemetry: TelemetryConfig{
			Enabled:           v.GetBool("telemetry.enabled"),
			CollectorEndpoint: v.GetString("telemetry.collector_endpoint"),
			SamplingRatio:     v.GetFloat64("telemetry.sampling_ratio"),
			ServiceName:       v.GetString("telemetry.service_name"),
			Insecure:          v.GetBool("telemetry.insecure"),
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "checkout")
	v.SetDefault("app.env", "development")
	v.SetDefault("app.port", "8080")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("log.output", "stdout")
	v.SetDefault("aws.region", "us-east-1")
	v.SetDefault("store.backend", BackendMemory)
	v.SetDefault("store.products_table", "products")
	v.SetDefault("store.carts_table", "carts")
	v.SetDefault("store.orders_table", "orders")
	v.SetDefault("store.order_id_index", "order_id-index")
	v.SetDefault("checkout.max_attempts", 3)
	v.SetDefault("checkout.backoff", 20*time.Millisecond)
	v.SetDefault("checkout.max_cart_lines", DynamoDBMaxCartLines)
	v.SetDefault("notify.sink", SinkLog)
	v.SetDefault("notify.kafka_topic", "order.created")
	v.SetDefault("notify.redis_channel", "order.created")
	v.SetDefault("notify.buffer_size", 256)
	v.SetDefault("notify.workers", 2)
	v.SetDefault("notify.send_timeout", 5*time.Second)
	v.SetDefault("payment.merchant_key", "checkout@example.com")
	v.SetDefault("payment.merchant_name", "CHECKOUT")
	v.SetDefault("payment.merchant_city", "SAO PAULO")
	v.SetDefault("payment.ticket_base_url", "https://pay.example.com/tickets")
	v.SetDefault("metrics.backend", MetricsPrometheus)
	v.SetDefault("metrics.namespace", "checkout")
	v.SetDefault("metrics.flush_interval", time.Minute)
	v.SetDefault("telemetry.collector_endpoint", "localhost:4317")
	v.SetDefault("telemetry.sampling_ratio", 1.0)
	v.SetDefault("telemetry.service_name", "checkout")
}

func (c *Config) validate() error {
	var errs []error
	switch c.Store.Backend {
	case BackendMemory, BackendDynamoDB:
	case BackendPostgres:
		if c.Store.PostgresDSN == "" {
			errs = append(errs, errors.New("store.postgres_dsn is required for the postgres backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("store.backend %q is not one of memory, dynamodb, postgres", c.Store.Backend))
	}

	switch c.Notify.Sink {
	case SinkLog:
	case SinkSQS:
		if c.Notify.QueueURL == "" {
			errs = append(errs, errors.New("notify.queue_url is required for the sqs sink"))
		}
	case SinkKafka:
		if c.Notify.KafkaBrokers == "" {
			errs = append(errs, errors.New("notify.kafka_brokers is required for the kafka sink"))
		}
	case SinkRedis:
		if c.Notify.RedisAddr == "" {
			errs = append(errs, errors.New("notify.redis_addr is required for the redis sink"))
		}
	default:
		errs = append(errs, fmt.Errorf("notify.sink %q is not one of log, sqs, kafka, redis", c.Notify.Sink))
	}

	switch c.Metrics.Backend {
	case MetricsPrometheus, MetricsCloudWatch, MetricsNone:
	default:
		errs = append(errs, fmt.Errorf("metrics.backend %q is not one of prometheus, cloudwatch, none", c.Metrics.Backend))
	}

	if c.Checkout.MaxAttempts < 1 {
		errs = append(errs, errors.New("checkout.max_attempts must be at least 1"))
	}
	if c.Checkout.Backoff < 0 {
		errs = append(errs, errors.New("checkout.backoff must not be negative"))
	}
	if c.Checkout.MaxCartLines < 1 {
		errs = append(errs, errors.New("checkout.max_cart_lines must be at least 1"))
	}
	if c.Store.Backend == BackendDynamoDB && c.Checkout.MaxCartLines > DynamoDBMaxCartLines {
		errs = append(errs, fmt.Errorf("checkout.max_cart_lines must be at most %d for the dynamodb backend", DynamoDBMaxCartLines))
	}
	if c.Payment.MerchantKey == "" {
		errs = append(errs, errors.New("payment.merchant_key is required"))
	}
	if c.Telemetry.SamplingRatio < 0 || c.Telemetry.SamplingRatio > 1 {
		errs = append(errs, errors.New("telemetry.sampling_ratio must be between 0 and 1"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

// IsProduction reports whether the service runs in production.
func (c *Config) IsProduction() bool {
	return c.App.Env == "production"
}
