package bus

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"

	"asset-alerting/internal/logger"
	"asset-alerting/internal/observability/metrics"
)

// ErrProducerClosed is returned after Close.
var ErrProducerClosed = errors.New("bus: producer is closed")

const topicHeader = "topic"

// KafkaConfig configures the broker transport.
type KafkaConfig struct {
	Brokers      []string
	SensorTopic  string
	ActionTopic  string
	GroupID      string
	MaxRetries   int
	RetryBackoff time.Duration
	WriteTimeout time.Duration
	BatchTimeout time.Duration
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Producer writes action messages to the broker keyed by logical topic.
type Producer struct {
	writer       messageWriter
	maxRetries   int
	retryBackoff time.Duration
	closed       atomic.Bool
	log          zerolog.Logger
}

// NewProducer constructs a producer for cfg.ActionTopic.
func NewProducer(cfg KafkaConfig) (*Producer, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("bus: at least one broker is required")
	}
	if cfg.ActionTopic == "" {
		return nil, errors.New("bus: action topic is required")
	}
	writer := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.ActionTopic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: cfg.BatchTimeout,
		WriteTimeout: cfg.WriteTimeout,
		RequiredAcks: kafka.RequireOne,
	}
	return newProducer(writer, cfg), nil
}

func newProducer(writer messageWriter, cfg KafkaConfig) *Producer {
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = 100 * time.Millisecond
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	return &Producer{
		writer:       writer,
		maxRetries:   cfg.MaxRetries,
		retryBackoff: cfg.RetryBackoff,
		log:          logger.WithComponent("kafka_producer"),
	}
}

// Publish writes one message with exponential backoff retry.
func (p *Producer) Publish(ctx context.Context, topic string, message []byte) error {
	if p.closed.Load() {
		return ErrProducerClosed
	}
	if topic == "" {
		return errEmptyTopic
	}
	msg := kafka.Message{
		Key:     []byte(topic),
		Value:   message,
		Headers: []kafka.Header{{Key: topicHeader, Value: []byte(topic)}},
		Time:    time.Now().UTC(),
	}

	var lastErr error
	backoff := p.retryBackoff
	for attempt := 0; attempt <= p.maxRetries; attempt++ {
		if attempt > 0 {
			p.log.Warn().
				Int("attempt", attempt).
				Dur("backoff", backoff).
				Str("topic", topic).
				Msg("retrying kafka publish")
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
		}
		if err := p.writer.WriteMessages(ctx, msg); err != nil {
			lastErr = err
			continue
		}
		return nil
	}
	return fmt.Errorf("bus: kafka publish after %d attempts: %w", p.maxRetries+1, lastErr)
}

// Close flushes and closes the writer.
func (p *Producer) Close() error {
	if p.closed.Swap(true) {
		return nil
	}
	return p.writer.Close()
}

// Consumer reads sensor messages from the broker and hands them to a handler.
type Consumer struct {
	reader  messageReader
	handler Handler
	log     zerolog.Logger
}

// NewConsumer constructs a consumer for cfg.SensorTopic.
func NewConsumer(cfg KafkaConfig, handler Handler) (*Consumer, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("bus: at least one broker is required")
	}
	if cfg.SensorTopic == "" {
		return nil, errors.New("bus: sensor topic is required")
	}
	if handler == nil {
		return nil, errors.New("bus: nil handler")
	}
	groupID := cfg.GroupID
	if groupID == "" {
		groupID = "asset-alerting"
	}
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  cfg.Brokers,
		Topic:    cfg.SensorTopic,
		GroupID:  groupID,
		MinBytes: 1,
		MaxBytes: 10e6,
	})
	return newConsumer(reader, handler), nil
}

func newConsumer(reader messageReader, handler Handler) *Consumer {
	return &Consumer{
		reader:  reader,
		handler: handler,
		log:     logger.WithComponent("kafka_consumer"),
	}
}

// Run consumes until ctx is done. Handler failures are logged and the
// message is still committed.
func (c *Consumer) Run(ctx context.Context) error {
	defer func() {
		if err := c.reader.Close(); err != nil {
			c.log.Warn().Err(err).Msg("kafka reader close failed")
		}
	}()
	for {
		raw, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("bus: kafka fetch: %w", err)
		}
		msg := Message{
			Topic:     logicalTopic(raw),
			Payload:   raw.Value,
			Timestamp: raw.Time.UTC(),
			Source:    SourceKafka,
		}
		result := metrics.ResultSuccess
		if err := c.handler.HandleMessage(ctx, msg); err != nil {
			result = metrics.ResultError
			c.log.Warn().Err(err).Str("topic", msg.Topic).Int64("offset", raw.Offset).Msg("kafka message failed")
		}
		metrics.IncBusMessage(SourceKafka, result)
		if err := c.reader.CommitMessages(ctx, raw); err != nil && ctx.Err() == nil {
			c.log.Warn().Err(err).Int64("offset", raw.Offset).Msg("kafka commit failed")
		}
	}
}

// logicalTopic prefers the topic header, then the key, then the broker topic.
func logicalTopic(msg kafka.Message) string {
	for _, h := range msg.Headers {
		if h.Key == topicHeader && len(h.Value) > 0 {
			return string(h.Value)
		}
	}
	if len(msg.Key) > 0 {
		return string(msg.Key)
	}
	return msg.Topic
}
