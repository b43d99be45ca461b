package kafka

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// Handler processes one message body. Returning false leaves the offset uncommitted.
type Handler func(body []byte) bool

// Consumer reads a topic in a consumer group and dispatches by event type.
type Consumer struct {
	reader *kafka.Reader
	logger *zap.Logger
}

// NewConsumer creates a group consumer for topic.
func NewConsumer(brokerURLs []string, groupID, topic string, logger *zap.Logger) *Consumer {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("component", "kafka_consumer"), zap.String("topic", topic))
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:          brokerURLs,
		GroupID:          groupID,
		Topic:            topic,
		MinBytes:         1,
		MaxBytes:         10e6,
		ReadBatchTimeout: time.Second,
		CommitInterval:   0,
		MaxAttempts:      3,
		Logger:           kafka.LoggerFunc(func(msg string, args ...interface{}) { logger.Debug(fmt.Sprintf(msg, args...)) }),
		ErrorLogger:      kafka.LoggerFunc(func(msg string, args ...interface{}) { logger.Error(fmt.Sprintf(msg, args...)) }),
	})
	return &Consumer{reader: reader, logger: logger}
}

// EventType returns the routing key of msg, falling back to its key.
func EventType(msg kafka.Message) string {
	for _, h := range msg.Headers {
		if h.Key == EventTypeHeader {
			return string(h.Value)
		}
	}
	return string(msg.Key)
}

// Run fetches messages until ctx is cancelled. Messages without a handler are committed
// and dropped.
func (c *Consumer) Run(ctx context.Context, handlers map[string]Handler) error {
	if len(handlers) == 0 {
		return fmt.Errorf("no handlers provided")
	}
	defer c.reader.Close()

	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) || ctx.Err() != nil {
				c.logger.Info("Kafka consumer stopping")
				return nil
			}
			c.logger.Error("failed to fetch message", zap.Error(err))
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(time.Second):
			}
			continue
		}

		eventType := EventType(msg)
		handler, ok := handlers[eventType]
		if ok && !handler(msg.Value) {
			c.logger.Warn("handler failed; offset not committed",
				zap.String("event_type", eventType),
				zap.Int("partition", msg.Partition),
				zap.Int64("offset", msg.Offset),
			)
			continue
		}
		if !ok {
			c.logger.Warn("no handler for event type; committing to drop", zap.String("event_type", eventType))
		}
		if err := c.reader.CommitMessages(ctx, msg); err != nil {
			c.logger.Error("failed to commit offset", zap.Int64("offset", msg.Offset), zap.Error(err))
		}
	}
}
