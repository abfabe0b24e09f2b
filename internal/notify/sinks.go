package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// MessageSender is satisfied by aws.Publisher.
type MessageSender interface {
	Send(ctx context.Context, body string, attributes map[string]string) (string, error)
}

// SQSSink sends events as JSON SQS messages with topic and order_id attributes.
type SQSSink struct {
	sender MessageSender
}

func NewSQSSink(sender MessageSender) *SQSSink { return &SQSSink{sender: sender} }

func (s *SQSSink) Name() string { return "sqs" }

func (s *SQSSink) Send(ctx context.Context, e Event) error {
	body, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if _, err := s.sender.Send(ctx, string(body), map[string]string{
		"topic":    e.Topic,
		"order_id": e.OrderID,
	}); err != nil {
		return err
	}
	return nil
}

// MessageWriter is satisfied by *kafka.Writer.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// NewKafkaWriter returns a writer hashing on the message key, so one user's
// events stay ordered within a partition.
func NewKafkaWriter(brokersCSV, topic string) *kafka.Writer {
	var brokers []string
	for _, b := range strings.Split(brokersCSV, ",") {
		if b = strings.TrimSpace(b); b != "" {
			brokers = append(brokers, b)
		}
	}
	return &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
	}
}

// KafkaSink writes events keyed by user id.
type KafkaSink struct {
	w MessageWriter
}

func NewKafkaSink(w MessageWriter) *KafkaSink { return &KafkaSink{w: w} }

func (s *KafkaSink) Name() string { return "kafka" }

func (s *KafkaSink) Send(ctx context.Context, e Event) error {
	value, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	return s.w.WriteMessages(ctx, kafka.Message{
		Key:     []byte(e.UserID),
		Value:   value,
		Time:    e.OccurredAt,
		Headers: []kafka.Header{{Key: "topic", Value: []byte(e.Topic)}},
	})
}

// Close closes the underlying writer.
func (s *KafkaSink) Close() error { return s.w.Close() }

// Publisher is the subset of a go-redis client used for pub/sub.
type Publisher interface {
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
}

// RedisSink publishes events on a Redis channel.
type RedisSink struct {
	client  Publisher
	channel string
}

func NewRedisSink(client Publisher, channel string) *RedisSink {
	return &RedisSink{client: client, channel: channel}
}

func (s *RedisSink) Name() string { return "redis" }

func (s *RedisSink) Send(ctx context.Context, e Event) error {
	payload, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	return s.client.Publish(ctx, s.channel, payload).Err()
}

// LogSink only logs; it is the default for local runs.
type LogSink struct {
	log *zap.Logger
}

func NewLogSink(log *zap.Logger) *LogSink { return &LogSink{log: log} }

func (s *LogSink) Name() string { return "log" }

func (s *LogSink) Send(_ context.Context, e Event) error {
	s.log.Info("event",
		zap.String("event_id", e.ID),
		zap.String("topic", e.Topic),
		zap.String("order_id", e.OrderID),
		zap.String("user_id", e.UserID),
		zap.Int64("total", e.Total),
	)
	return nil
}
