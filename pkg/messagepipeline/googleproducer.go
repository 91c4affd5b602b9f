package messagepipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"sync"
	"time"

	"cloud.google.com/go/pubsub"
	"github.com/illmade-knight/go-thingbridge/pkg/outbound"
	"github.com/rs/zerolog"
)

// GooglePubsubPublisherConfig holds configuration for the Google Pub/Sub publisher.
type GooglePubsubPublisherConfig struct {
	ProjectID                  string        `yaml:"project_id"`
	BatchSize                  int           `yaml:"batch_size"`  // Corresponds to Pub/Sub's CountThreshold.
	BatchDelay                 time.Duration `yaml:"batch_delay"` // Corresponds to Pub/Sub's DelayThreshold.
	TopicExistsTimeout         time.Duration `yaml:"topic_exists_timeout"`
	PublishConfirmationTimeout time.Duration `yaml:"publish_confirmation_timeout"`
}

// NewGooglePubsubPublisherDefaults provides a config with sensible defaults.
func NewGooglePubsubPublisherDefaults() *GooglePubsubPublisherConfig {
	cfg := &GooglePubsubPublisherConfig{
		BatchSize:                  100,
		BatchDelay:                 10 * time.Millisecond,
		TopicExistsTimeout:         15 * time.Second,
		PublishConfirmationTimeout: 20 * time.Second,
	}
	if bs := os.Getenv("PUBSUB_PUBLISHER_BATCH_SIZE"); bs != "" {
		if val, err := strconv.Atoi(bs); err == nil {
			cfg.BatchSize = val
		}
	}
	if bd := os.Getenv("PUBSUB_PUBLISHER_BATCH_DELAY"); bd != "" {
		if val, err := time.ParseDuration(bd); err == nil {
			cfg.BatchDelay = val
		}
	}
	return cfg
}

// GooglePubsubPublisher is an outbound.Publisher for Google Cloud Pub/Sub.
// The resolved address of each mapped message is the topic id; headers are
// sent as attributes. Topics are looked up once and kept until Stop.
type GooglePubsubPublisher struct {
	client *pubsub.Client
	cfg    GooglePubsubPublisherConfig
	logger zerolog.Logger

	mu     sync.Mutex
	topics map[string]*pubsub.Topic
}

// NewGooglePubsubPublisher creates a new GooglePubsubPublisher.
func NewGooglePubsubPublisher(cfg *GooglePubsubPublisherConfig, client *pubsub.Client, logger zerolog.Logger) (*GooglePubsubPublisher, error) {
	if client == nil {
		return nil, errors.New("pubsub client cannot be nil for publisher")
	}
	if cfg == nil {
		cfg = NewGooglePubsubPublisherDefaults()
	}
	if cfg.TopicExistsTimeout <= 0 {
		cfg.TopicExistsTimeout = 15 * time.Second
	}
	if cfg.PublishConfirmationTimeout <= 0 {
		cfg.PublishConfirmationTimeout = 20 * time.Second
	}
	return &GooglePubsubPublisher{
		client: client,
		cfg:    *cfg,
		logger: logger.With().Str("component", "GooglePubsubPublisher").Logger(),
		topics: make(map[string]*pubsub.Topic),
	}, nil
}

// Publish sends every message of the batch and waits until Pub/Sub confirmed
// each of them. Messages are sent even if an earlier one failed; all
// failures are returned joined.
func (p *GooglePubsubPublisher) Publish(ctx context.Context, batch outbound.Batch) error {
	type pending struct {
		address string
		result  *pubsub.PublishResult
	}
	var errs []error
	results := make([]pending, 0, len(batch.Messages))
	for _, m := range batch.Messages {
		topic, err := p.topic(ctx, m.Address)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		res := topic.Publish(ctx, &pubsub.Message{
			Data:       m.Message.Payload(),
			Attributes: m.Message.Headers(),
		})
		results = append(results, pending{address: m.Address, result: res})
	}

	getCtx, cancel := context.WithTimeout(ctx, p.cfg.PublishConfirmationTimeout)
	defer cancel()
	for _, r := range results {
		msgID, err := r.result.Get(getCtx)
		if err != nil {
			p.logger.Error().Err(err).Str("topic_id", r.address).Msg("Failed to get publish result.")
			errs = append(errs, fmt.Errorf("failed to publish to topic %s: %w", r.address, err))
			continue
		}
		p.logger.Debug().Str("topic_id", r.address).Str("pubsub_msg_id", msgID).Msg("Message published successfully.")
	}
	return errors.Join(errs...)
}

func (p *GooglePubsubPublisher) topic(ctx context.Context, id string) (*pubsub.Topic, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if t, ok := p.topics[id]; ok {
		return t, nil
	}

	t := p.client.Topic(id)
	existsCtx, cancel := context.WithTimeout(ctx, p.cfg.TopicExistsTimeout)
	defer cancel()
	exists, err := t.Exists(existsCtx)
	if err != nil {
		return nil, fmt.Errorf("failed to check for topic %s: %w", id, err)
	}
	if !exists {
		return nil, fmt.Errorf("pubsub topic %s does not exist", id)
	}
	if p.cfg.BatchSize > 0 {
		t.PublishSettings.CountThreshold = p.cfg.BatchSize
	}
	if p.cfg.BatchDelay > 0 {
		t.PublishSettings.DelayThreshold = p.cfg.BatchDelay
	}
	p.topics[id] = t
	p.logger.Info().Str("topic_id", id).Msg("Pub/Sub topic ready for publishing.")
	return t, nil
}

// Stop flushes and stops every topic used so far, respecting the provided
// context's timeout.
func (p *GooglePubsubPublisher) Stop(ctx context.Context) error {
	p.mu.Lock()
	topics := p.topics
	p.topics = make(map[string]*pubsub.Topic)
	p.mu.Unlock()

	stopDone := make(chan struct{})
	go func() {
		for _, t := range topics {
			t.Stop()
		}
		close(stopDone)
	}()
	select {
	case <-stopDone:
		p.logger.Info().Int("topics", len(topics)).Msg("Pub/Sub publisher stopped.")
		return nil
	case <-ctx.Done():
		p.logger.Error().Err(ctx.Err()).Msg("Timeout waiting for Pub/Sub topics to flush and stop.")
		return ctx.Err()
	}
}
