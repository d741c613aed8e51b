package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// KafkaBus publishes every event as a JSON message through one shared
// writer, setting each message's topic from event.Topic (with the optional
// prefix), grounded on the teacher's internal/trading/messaging.KafkaClient
// (kafka.Writer with a CRC32Balancer and a bounded batch/flush interval).
// It does not implement Subscribe: consumption is out of scope for this
// process, which is a producer-only durable sink for downstream services.
type KafkaBus struct {
	logger *zap.Logger
	prefix string
	writer *kafka.Writer
}

// KafkaBusConfig configures the durable event sink.
type KafkaBusConfig struct {
	Brokers      []string
	TopicPrefix  string
	BatchTimeout time.Duration
}

// NewKafkaBus dials no connections eagerly; kafka.Writer connects lazily on
// first WriteMessages.
func NewKafkaBus(cfg KafkaBusConfig, logger *zap.Logger) *KafkaBus {
	batchTimeout := cfg.BatchTimeout
	if batchTimeout <= 0 {
		batchTimeout = 10 * time.Millisecond
	}
	return &KafkaBus{
		logger: logger.Named("events.kafka"),
		prefix: cfg.TopicPrefix,
		writer: &kafka.Writer{
			Addr:         kafka.TCP(cfg.Brokers...),
			Balancer:     &kafka.CRC32Balancer{},
			BatchTimeout: batchTimeout,
			RequiredAcks: kafka.RequireOne,
			Async:        false,
		},
	}
}

func (b *KafkaBus) topicName(topic string) string {
	if b.prefix == "" {
		return topic
	}
	return b.prefix + "." + topic
}

// Publish writes event to the Kafka topic derived from event.Topic. Errors
// are logged, not returned, and the write is not retried: the caller gets
// no signal that a publish failed.
func (b *KafkaBus) Publish(ctx context.Context, event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	body, err := json.Marshal(event)
	if err != nil {
		b.logger.Error("marshal event", zap.String("topic", event.Topic), zap.Error(err))
		return
	}
	msg := kafka.Message{
		Topic: b.topicName(event.Topic),
		Value: body,
		Time:  event.Timestamp,
	}
	if err := b.writer.WriteMessages(ctx, msg); err != nil {
		b.logger.Error("publish event", zap.String("topic", event.Topic), zap.Error(err))
	}
}

// Subscribe is unsupported: KafkaBus is a write-only durable sink.
func (b *KafkaBus) Subscribe(topic string, handler Handler) {
	b.logger.Warn("Subscribe called on write-only KafkaBus, ignoring", zap.String("topic", topic))
}

// Close flushes and closes the underlying writer.
func (b *KafkaBus) Close() error {
	return b.writer.Close()
}

// FanoutBus publishes to every wrapped Bus, e.g. to drive both an
// InMemoryBus (for in-process subscribers) and a KafkaBus (for downstream services) from one call
// site, mirroring the teacher's EventPublisher fanning out across multiple
// Publisher backends in internal/wallet/events/publisher.go.
type FanoutBus struct {
	buses []Bus
}

func NewFanoutBus(buses ...Bus) *FanoutBus {
	return &FanoutBus{buses: buses}
}

func (f *FanoutBus) Publish(ctx context.Context, event Event) {
	for _, b := range f.buses {
		b.Publish(ctx, event)
	}
}

func (f *FanoutBus) Subscribe(topic string, handler Handler) {
	for _, b := range f.buses {
		b.Subscribe(topic, handler)
	}
}
