package kafkaconverter

import (
	"context"
	"errors"
	"fmt"

	"github.com/illmade-knight/go-thingbridge/pkg/outbound"
	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"
)

// MessageWriter is the part of *kafka.Writer the publisher uses.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// NewWriter creates a writer without a fixed topic so that every message
// names its own.
func NewWriter(cfg *Config) (*kafka.Writer, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("at least one kafka broker is required")
	}
	return &kafka.Writer{
		Addr:     kafka.TCP(cfg.Brokers...),
		Balancer: &kafka.Hash{},
	}, nil
}

// KafkaPublisher is an outbound.Publisher for Kafka. The resolved address is
// the topic, the thing id is the key so that the messages of one thing keep
// their order, and headers become Kafka headers.
type KafkaPublisher struct {
	writer MessageWriter
	logger zerolog.Logger
}

// NewKafkaPublisher creates a publisher on the writer.
func NewKafkaPublisher(writer MessageWriter, logger zerolog.Logger) (*KafkaPublisher, error) {
	if writer == nil {
		return nil, errors.New("kafka writer cannot be nil")
	}
	return &KafkaPublisher{writer: writer, logger: logger.With().Str("component", "KafkaPublisher").Logger()}, nil
}

// Publish writes all messages of the batch in one call.
func (p *KafkaPublisher) Publish(ctx context.Context, batch outbound.Batch) error {
	if len(batch.Messages) == 0 {
		return nil
	}
	key := []byte(batch.Outbound.Source.ThingID)
	msgs := make([]kafka.Message, 0, len(batch.Messages))
	for _, m := range batch.Messages {
		headers := m.Message.Headers()
		km := kafka.Message{Topic: m.Address, Key: key, Value: m.Message.Payload()}
		for _, k := range m.Message.HeaderKeys() {
			km.Headers = append(km.Headers, kafka.Header{Key: k, Value: []byte(headers[k])})
		}
		msgs = append(msgs, km)
	}
	if err := p.writer.WriteMessages(ctx, msgs...); err != nil {
		p.logger.Error().Err(err).Int("messages", len(msgs)).Msg("Failed to write Kafka messages.")
		return fmt.Errorf("failed to write kafka messages: %w", err)
	}
	return nil
}

// Close closes the writer.
func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}
