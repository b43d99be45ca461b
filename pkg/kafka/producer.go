// Package kafka publishes and consumes settlement events on Kafka, an alternative to the
// RabbitMQ transport selected with EVENT_BROKER=kafka.
package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// EventTypeHeader carries the routing key of a message.
const EventTypeHeader = "event_type"

// Keyed is implemented by events that choose their own partition key.
type Keyed interface {
	PartitionKey() string
}

// Producer writes JSON events to a topic named after the exchange.
type Producer struct {
	writer *kafka.Writer
	logger *zap.Logger
}

// NewProducer creates a synchronous producer requiring acknowledgement from all replicas.
func NewProducer(brokerURLs []string, logger *zap.Logger) *Producer {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("component", "kafka_producer"))
	writer := &kafka.Writer{
		Addr:                   kafka.TCP(brokerURLs...),
		Balancer:               &kafka.Hash{},
		WriteTimeout:           10 * time.Second,
		RequiredAcks:           kafka.RequireAll,
		MaxAttempts:            3,
		AllowAutoTopicCreation: true,
		Logger:                 kafka.LoggerFunc(func(msg string, args ...interface{}) { logger.Debug(fmt.Sprintf(msg, args...)) }),
		ErrorLogger:            kafka.LoggerFunc(func(msg string, args ...interface{}) { logger.Error(fmt.Sprintf(msg, args...)) }),
	}
	return &Producer{writer: writer, logger: logger}
}

// Publish writes body to the topic named exchange. The routing key travels in a header;
// the partition key is the event's own key when it has one.
func (p *Producer) Publish(ctx context.Context, exchange, routingKey string, body interface{}) error {
	msg, err := newMessage(exchange, routingKey, body)
	if err != nil {
		p.logger.Error("json marshal failed", zap.String("topic", exchange), zap.String("event_type", routingKey), zap.Error(err))
		return err
	}

	produceCtx, cancel := context.WithTimeout(ctx, p.writer.WriteTimeout)
	defer cancel()

	if err := p.writer.WriteMessages(produceCtx, msg); err != nil {
		p.logger.Error("failed to produce message",
			zap.String("topic", exchange),
			zap.String("event_type", routingKey),
			zap.String("key", string(msg.Key)),
			zap.Error(err),
		)
		return fmt.Errorf("failed to produce message to Kafka: %w", err)
	}
	p.logger.Debug("message produced", zap.String("topic", exchange), zap.String("event_type", routingKey))
	return nil
}

func newMessage(topic, routingKey string, body interface{}) (kafka.Message, error) {
	value, err := json.Marshal(body)
	if err != nil {
		return kafka.Message{}, err
	}
	key := routingKey
	if keyed, ok := body.(Keyed); ok && keyed.PartitionKey() != "" {
		key = keyed.PartitionKey()
	}
	return kafka.Message{
		Topic:   topic,
		Key:     []byte(key),
		Value:   value,
		Headers: []kafka.Header{{Key: EventTypeHeader, Value: []byte(routingKey)}},
		Time:    time.Now().UTC(),
	}, nil
}

// Close flushes and closes the writer.
func (p *Producer) Close() {
	if p.writer == nil {
		return
	}
	if err := p.writer.Close(); err != nil {
		p.logger.Error("failed to close Kafka producer", zap.Error(err))
		return
	}
	p.logger.Info("Kafka producer closed")
}
