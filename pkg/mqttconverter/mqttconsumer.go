package mqttconverter

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/illmade-knight/go-thingbridge/pkg/messagepipeline"
	"github.com/rs/zerolog"
)

// MqttConsumerConfig holds configuration for an MqttConsumer.
type MqttConsumerConfig struct {
	Subscriptions  []Subscription
	BufferSize     int
	ConnectTimeout time.Duration
}

// MqttConsumer implements the messagepipeline.MessageConsumer interface for an MQTT source.
type MqttConsumer struct {
	client     mqtt.Client
	cfg        MqttConsumerConfig
	logger     zerolog.Logger
	outputChan chan messagepipeline.Message
	doneChan   chan struct{}
	stopChan   chan struct{}

	mu       sync.RWMutex
	closed   bool
	stopOnce sync.Once
}

// NewMqttConsumer creates a new MqttConsumer. It does not connect or subscribe
// until Start is called.
func NewMqttConsumer(client mqtt.Client, cfg MqttConsumerConfig, logger zerolog.Logger) (*MqttConsumer, error) {
	if client == nil {
		return nil, errors.New("mqtt client cannot be nil")
	}
	if len(cfg.Subscriptions) == 0 {
		return nil, errors.New("at least one subscription is required")
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 1000
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}
	return &MqttConsumer{
		client:     client,
		cfg:        cfg,
		logger:     logger.With().Str("component", "MqttConsumer").Logger(),
		outputChan: make(chan messagepipeline.Message, cfg.BufferSize),
		doneChan:   make(chan struct{}),
		stopChan:   make(chan struct{}),
	}, nil
}

// Messages returns the read-only channel from which raw messages can be consumed.
func (c *MqttConsumer) Messages() <-chan messagepipeline.Message {
	return c.outputChan
}

// Start connects the client if needed and subscribes to every filter.
func (c *MqttConsumer) Start(ctx context.Context) error {
	if !c.client.IsConnected() {
		c.logger.Info().Msg("Attempting to connect to MQTT broker...")
		token := c.client.Connect()
		if !token.WaitTimeout(c.cfg.ConnectTimeout) {
			return fmt.Errorf("timed out connecting to MQTT broker after %s", c.cfg.ConnectTimeout)
		}
		if err := token.Error(); err != nil {
			return fmt.Errorf("failed to connect to MQTT broker: %w", err)
		}
	}

	handler := c.handleIncomingMessage()
	for _, sub := range c.cfg.Subscriptions {
		token := c.client.Subscribe(sub.Filter, sub.QoS, handler)
		if token.WaitTimeout(c.cfg.ConnectTimeout) && token.Error() != nil {
			return fmt.Errorf("failed to subscribe to MQTT topic %s: %w", sub.Filter, token.Error())
		}
		c.logger.Info().Str("topic", sub.Filter).Int("qos", int(sub.QoS)).Msg("Subscribed to MQTT topic.")
	}

	go func() {
		select {
		case <-ctx.Done():
			_ = c.Stop(context.Background())
		case <-c.stopChan:
		}
	}()
	return nil
}

// Stop unsubscribes, disconnects the client and closes the message channel.
func (c *MqttConsumer) Stop(_ context.Context) error {
	c.stopOnce.Do(func() {
		c.logger.Info().Msg("Stopping MqttConsumer...")
		close(c.stopChan)
		if c.client.IsConnected() {
			filters := make([]string, 0, len(c.cfg.Subscriptions))
			for _, sub := range c.cfg.Subscriptions {
				filters = append(filters, sub.Filter)
			}
			if token := c.client.Unsubscribe(filters...); token.WaitTimeout(2*time.Second) && token.Error() != nil {
				c.logger.Warn().Err(token.Error()).Msg("Failed to unsubscribe from MQTT topics.")
			}
			c.client.Disconnect(250)
		}

		c.mu.Lock()
		c.closed = true
		close(c.outputChan)
		c.mu.Unlock()
		close(c.doneChan)
		c.logger.Info().Msg("MqttConsumer stopped.")
	})
	return nil
}

// Done returns a channel that is closed when the consumer has fully stopped.
func (c *MqttConsumer) Done() <-chan struct{} {
	return c.doneChan
}

// handleIncomingMessage converts MQTT messages to pipeline messages. Paho
// acknowledges QoS 1 and 2 deliveries itself, so Ack and Nack are no-ops.
func (c *MqttConsumer) handleIncomingMessage() mqtt.MessageHandler {
	return func(_ mqtt.Client, msg mqtt.Message) {
		payload := make([]byte, len(msg.Payload()))
		copy(payload, msg.Payload())

		consumed := messagepipeline.Message{
			ID:          strconv.Itoa(int(msg.MessageID())),
			Payload:     payload,
			PublishTime: time.Now().UTC(),
			Address:     msg.Topic(),
			Attributes: map[string]string{
				HeaderTopic:  msg.Topic(),
				HeaderQoS:    strconv.Itoa(int(msg.Qos())),
				HeaderRetain: strconv.FormatBool(msg.Retained()),
			},
			Ack:  func() {},
			Nack: func() {},
		}

		c.mu.RLock()
		defer c.mu.RUnlock()
		if c.closed {
			return
		}
		select {
		case c.outputChan <- consumed:
		case <-c.stopChan:
			c.logger.Warn().Str("topic", msg.Topic()).Msg("Consumer is shutting down, dropping MQTT message.")
		}
	}
}
