package mqttconverter

import (
	"context"
	"errors"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/illmade-knight/go-thingbridge/pkg/outbound"
	"github.com/rs/zerolog"
)

// MqttPublisher is an outbound.Publisher for MQTT. The resolved address of
// each mapped message is the topic and the target QoS is used. MQTT 3.1.1
// has no message headers, so only the payload is sent.
type MqttPublisher struct {
	client         mqtt.Client
	publishTimeout time.Duration
	logger         zerolog.Logger
}

// NewMqttPublisher creates a publisher on an already configured client.
func NewMqttPublisher(client mqtt.Client, publishTimeout time.Duration, logger zerolog.Logger) (*MqttPublisher, error) {
	if client == nil {
		return nil, errors.New("mqtt client cannot be nil")
	}
	if publishTimeout <= 0 {
		publishTimeout = 5 * time.Second
	}
	return &MqttPublisher{
		client:         client,
		publishTimeout: publishTimeout,
		logger:         logger.With().Str("component", "MqttPublisher").Logger(),
	}, nil
}

// Publish sends the messages of the batch in order and waits for each
// delivery token. All failures are returned joined.
func (p *MqttPublisher) Publish(ctx context.Context, batch outbound.Batch) error {
	var errs []error
	for _, m := range batch.Messages {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		token := p.client.Publish(m.Address, clampQoS(m.Target.QoS), false, m.Message.Payload())
		if !token.WaitTimeout(p.publishTimeout) {
			errs = append(errs, fmt.Errorf("timed out publishing to MQTT topic %s", m.Address))
			continue
		}
		if err := token.Error(); err != nil {
			p.logger.Error().Err(err).Str("topic", m.Address).Msg("Failed to publish MQTT message.")
			errs = append(errs, fmt.Errorf("failed to publish to MQTT topic %s: %w", m.Address, err))
		}
	}
	return errors.Join(errs...)
}
