package messagepipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"cloud.google.com/go/pubsub"
	"github.com/rs/zerolog"
)

// --- Google Cloud Pub/Sub Consumer Implementation ---

// GooglePubsubConsumerConfig holds configuration for a GooglePubsubConsumer.
type GooglePubsubConsumerConfig struct {
	ProjectID              string `yaml:"project_id"`
	SubscriptionID         string `yaml:"subscription_id"`
	MaxOutstandingMessages int    `yaml:"max_outstanding_messages"`
	NumGoroutines          int    `yaml:"num_goroutines"`
}

// NewGooglePubsubConsumerDefaults returns a config for the subscription with
// default flow control.
func NewGooglePubsubConsumerDefaults(subID string) *GooglePubsubConsumerConfig {
	return &GooglePubsubConsumerConfig{
		SubscriptionID:         subID,
		MaxOutstandingMessages: 100,
		NumGoroutines:          5,
	}
}

// GooglePubsubConsumer is a MessageConsumer reading one subscription. The
// subscription id is the address of every message it emits.
type GooglePubsubConsumer struct {
	subscription       *pubsub.Subscription
	subscriptionID     string
	logger             zerolog.Logger
	outputChan         chan Message
	startOnce          sync.Once
	stopOnce           sync.Once
	cancelSubscription context.CancelFunc
	doneChan           chan struct{}
}

// NewGooglePubsubConsumer checks that the subscription exists and returns a
// consumer for it.
func NewGooglePubsubConsumer(cfg *GooglePubsubConsumerConfig, client *pubsub.Client, logger zerolog.Logger) (*GooglePubsubConsumer, error) {
	if client == nil {
		return nil, errors.New("pubsub client cannot be nil for consumer")
	}
	if cfg.MaxOutstandingMessages <= 0 {
		cfg.MaxOutstandingMessages = 100
	}
	sub := client.Subscription(cfg.SubscriptionID)

	existsCtx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	exists, err := sub.Exists(existsCtx)
	if err != nil {
		return nil, fmt.Errorf("failed to check for subscription %s: %w", cfg.SubscriptionID, err)
	}
	if !exists {
		return nil, fmt.Errorf("subscription %s does not exist", cfg.SubscriptionID)
	}

	sub.ReceiveSettings.MaxOutstandingMessages = cfg.MaxOutstandingMessages
	sub.ReceiveSettings.NumGoroutines = cfg.NumGoroutines

	return &GooglePubsubConsumer{
		subscription:       sub,
		subscriptionID:     cfg.SubscriptionID,
		logger:             logger.With().Str("component", "GooglePubsubConsumer").Str("subscription_id", cfg.SubscriptionID).Logger(),
		outputChan:         make(chan Message, cfg.MaxOutstandingMessages),
		doneChan:           make(chan struct{}),
		cancelSubscription: func() {},
	}, nil
}

// Messages returns the channel of received messages.
func (c *GooglePubsubConsumer) Messages() <-chan Message { return c.outputChan }

// Start launches the receive loop.
func (c *GooglePubsubConsumer) Start(ctx context.Context) error {
	c.startOnce.Do(func() {
		c.logger.Info().Msg("Starting Pub/Sub message consumption...")
		receiveCtx, cancel := context.WithCancel(ctx)
		c.cancelSubscription = cancel
		go c.receive(receiveCtx)
	})
	return nil
}

func (c *GooglePubsubConsumer) receive(ctx context.Context) {
	defer close(c.doneChan)
	defer close(c.outputChan)

	err := c.subscription.Receive(ctx, func(ctx context.Context, msg *pubsub.Message) {
		payload := make([]byte, len(msg.Data))
		copy(payload, msg.Data)

		consumed := Message{
			ID:          msg.ID,
			Payload:     payload,
			PublishTime: msg.PublishTime,
			Address:     c.subscriptionID,
			Attributes:  msg.Attributes,
			Ack:         msg.Ack,
			Nack:        msg.Nack,
		}

		select {
		case c.outputChan <- consumed:
		case <-ctx.Done():
			msg.Nack()
			c.logger.Warn().Str("msg_id", msg.ID).Msg("Consumer stopping, Nacking message due to receive context done.")
		}
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		c.logger.Error().Err(err).Msg("Pub/Sub Receive call exited with error")
	}
	c.logger.Info().Msg("Pub/Sub Receive goroutine stopped.")
}

// Stop cancels the receive loop and waits for it to return.
func (c *GooglePubsubConsumer) Stop(ctx context.Context) error {
	var err error
	c.stopOnce.Do(func() {
		c.logger.Info().Msg("Stopping Pub/Sub consumer...")
		// Never started: there is no receive loop to close the channels.
		c.startOnce.Do(func() {
			close(c.outputChan)
			close(c.doneChan)
		})
		c.cancelSubscription()
		select {
		case <-c.doneChan:
		case <-ctx.Done():
			c.logger.Error().Msg("Timeout waiting for Pub/Sub Receive goroutine to stop.")
			err = ctx.Err()
		}
	})
	return err
}

// Done is closed once the receive loop has returned.
func (c *GooglePubsubConsumer) Done() <-chan struct{} { return c.doneChan }
