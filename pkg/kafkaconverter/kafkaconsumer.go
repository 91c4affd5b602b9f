// Package kafkaconverter connects bridge connections to Apache Kafka: a
// consumer feeding source topics into a message pipeline and a publisher
// writing mapped messages to target topics.
package kafkaconverter

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/illmade-knight/go-thingbridge/pkg/connection"
	"github.com/illmade-knight/go-thingbridge/pkg/message"
	"github.com/illmade-knight/go-thingbridge/pkg/messagepipeline"
	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"
)

// Env constants for Kafka settings.
const (
	KafkaBrokers = "KAFKA_BROKERS"
	KafkaGroupID = "KAFKA_GROUP_ID"
)

// Config holds the Kafka connection settings shared by consumer and publisher.
type Config struct {
	Brokers []string `yaml:"brokers"`
	GroupID string   `yaml:"group_id"`
	// Topics the consumer reads; usually the source addresses of a connection.
	Topics     []string `yaml:"topics"`
	BufferSize int      `yaml:"buffer_size"`
}

// LoadConfigWithEnv returns a config with defaults overridden by KAFKA_*
// environment variables.
func LoadConfigWithEnv() *Config {
	cfg := &Config{GroupID: "thingbridge", BufferSize: 100}
	ApplyEnv(cfg)
	return cfg
}

// ApplyEnv overrides cfg with the KAFKA_* environment variables that are set.
func ApplyEnv(cfg *Config) {
	if brokers := os.Getenv(KafkaBrokers); brokers != "" {
		cfg.Brokers = strings.Split(brokers, ",")
	}
	if group := os.Getenv(KafkaGroupID); group != "" {
		cfg.GroupID = group
	}
}

// MessageReader is the part of *kafka.Reader the consumer uses.
type MessageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// NewReader creates a consumer group reader for the configured topics.
func NewReader(cfg *Config) (*kafka.Reader, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("at least one kafka broker is required")
	}
	if len(cfg.Topics) == 0 {
		return nil, errors.New("at least one kafka topic is required")
	}
	return kafka.NewReader(kafka.ReaderConfig{
		Brokers:     cfg.Brokers,
		GroupID:     cfg.GroupID,
		GroupTopics: cfg.Topics,
	}), nil
}

// KafkaConsumer implements messagepipeline.MessageConsumer for Kafka. Ack
// commits the offset of the message; Nack leaves it uncommitted so the
// message is delivered again after a rebalance or restart.
type KafkaConsumer struct {
	reader     MessageReader
	logger     zerolog.Logger
	outputChan chan messagepipeline.Message
	doneChan   chan struct{}
	cancel     context.CancelFunc
	startOnce  sync.Once
	stopOnce   sync.Once
}

// NewKafkaConsumer creates a consumer on the reader. It does not fetch until
// Start is called.
func NewKafkaConsumer(reader MessageReader, bufferSize int, logger zerolog.Logger) (*KafkaConsumer, error) {
	if reader == nil {
		return nil, errors.New("kafka reader cannot be nil")
	}
	if bufferSize <= 0 {
		bufferSize = 100
	}
	return &KafkaConsumer{
		reader:     reader,
		logger:     logger.With().Str("component", "KafkaConsumer").Logger(),
		outputChan: make(chan messagepipeline.Message, bufferSize),
		doneChan:   make(chan struct{}),
		cancel:     func() {},
	}, nil
}

// Messages returns the channel of fetched messages.
func (c *KafkaConsumer) Messages() <-chan messagepipeline.Message { return c.outputChan }

// Start launches the fetch loop.
func (c *KafkaConsumer) Start(ctx context.Context) error {
	c.startOnce.Do(func() {
		fetchCtx, cancel := context.WithCancel(ctx)
		c.cancel = cancel
		go c.fetch(fetchCtx)
	})
	return nil
}

func (c *KafkaConsumer) fetch(ctx context.Context) {
	defer close(c.doneChan)
	defer close(c.outputChan)
	c.logger.Info().Msg("Kafka fetch loop started.")
	for {
		km, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() == nil {
				c.logger.Error().Err(err).Msg("Kafka fetch failed, stopping consumer.")
			}
			return
		}
		msg := c.toMessage(ctx, km)
		select {
		case c.outputChan <- msg:
		case <-ctx.Done():
			return
		}
	}
}

func (c *KafkaConsumer) toMessage(ctx context.Context, km kafka.Message) messagepipeline.Message {
	attrs := make(map[string]string, len(km.Headers))
	for _, h := range km.Headers {
		attrs[h.Key] = string(h.Value)
	}
	id := km.Topic + "/" + strconv.Itoa(km.Partition) + "/" + strconv.FormatInt(km.Offset, 10)
	return messagepipeline.Message{
		ID:          id,
		Payload:     km.Value,
		PublishTime: km.Time,
		Address:     km.Topic,
		Attributes:  attrs,
		Ack: func() {
			if err := c.reader.CommitMessages(context.WithoutCancel(ctx), km); err != nil {
				c.logger.Error().Err(err).Str("msg_id", id).Msg("Failed to commit Kafka offset.")
			}
		},
		Nack: func() {
			c.logger.Warn().Str("msg_id", id).Msg("Kafka message not committed.")
		},
	}
}

// Stop cancels the fetch loop and closes the reader.
func (c *KafkaConsumer) Stop(ctx context.Context) error {
	var err error
	c.stopOnce.Do(func() {
		c.logger.Info().Msg("Stopping Kafka consumer...")
		c.startOnce.Do(func() {
			close(c.outputChan)
			close(c.doneChan)
		})
		c.cancel()
		select {
		case <-c.doneChan:
		case <-ctx.Done():
			err = ctx.Err()
		}
		if closeErr := c.reader.Close(); closeErr != nil {
			err = errors.Join(err, fmt.Errorf("failed to close kafka reader: %w", closeErr))
		}
	})
	return err
}

// Done is closed once the fetch loop has returned.
func (c *KafkaConsumer) Done() <-chan struct{} { return c.doneChan }

// ToExternalTransformer converts Kafka messages into external messages bound
// to the source whose addresses contain the topic.
func ToExternalTransformer(conn connection.Connection) messagepipeline.MessageTransformer[message.External] {
	sources := make(map[string]int)
	for i, src := range conn.Sources {
		for _, addr := range src.Addresses {
			if _, ok := sources[addr]; !ok {
				sources[addr] = i
			}
		}
	}
	return func(_ context.Context, msg *messagepipeline.Message) (*message.External, bool, error) {
		idx, ok := sources[msg.Address]
		if !ok {
			return nil, true, nil
		}
		ext := msg.External().WithSourceIndex(idx)
		return &ext, false, nil
	}
}
