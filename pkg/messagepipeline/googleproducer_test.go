package messagepipeline_test

import (
	"context"
	"sort"
	"testing"
	"time"

	"github.com/illmade-knight/go-thingbridge/pkg/message"
	"github.com/illmade-knight/go-thingbridge/pkg/messagepipeline"
	"github.com/illmade-knight/go-thingbridge/pkg/outbound"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mappedTo(address, payload string, headers map[string]string) outbound.Mapped {
	return outbound.Mapped{Address: address, Message: message.NewText(headers, payload)}
}

func TestGooglePubsubPublisher_PublishBatch(t *testing.T) {
	// --- Arrange ---
	testCtx, testCancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(testCancel)

	client := setupTestPubsub(t, "test-project")
	_, telemetrySub := createTopicWithSubscription(t, client, "telemetry", "telemetry-sub")
	_, alertsSub := createTopicWithSubscription(t, client, "alerts", "alerts-sub")

	publisher, err := messagepipeline.NewGooglePubsubPublisher(messagepipeline.NewGooglePubsubPublisherDefaults(), client, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = publisher.Stop(context.Background()) })

	batch := outbound.Batch{Messages: []outbound.Mapped{
		mappedTo("telemetry", `{"a":1}`, map[string]string{"content-type": "application/json"}),
		mappedTo("telemetry", `{"a":2}`, nil),
		mappedTo("alerts", `{"b":1}`, map[string]string{"severity": "high"}),
	}}

	// --- Act ---
	err = publisher.Publish(testCtx, batch)
	require.NoError(t, err)

	// --- Assert ---
	telemetry := receiveMessages(t, telemetrySub, 2, 5*time.Second)
	require.Len(t, telemetry, 2)
	payloads := []string{string(telemetry[0].Data), string(telemetry[1].Data)}
	sort.Strings(payloads)
	assert.Equal(t, []string{`{"a":1}`, `{"a":2}`}, payloads)

	alerts := receiveMessages(t, alertsSub, 1, 5*time.Second)
	require.Len(t, alerts, 1)
	assert.Equal(t, "high", alerts[0].Attributes["severity"])
}

func TestGooglePubsubPublisher_MissingTopic(t *testing.T) {
	// Arrange
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)

	client := setupTestPubsub(t, "test-project")
	_, sub := createTopicWithSubscription(t, client, "telemetry", "telemetry-sub")
	publisher, err := messagepipeline.NewGooglePubsubPublisher(nil, client, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = publisher.Stop(context.Background()) })

	// Act
	err = publisher.Publish(ctx, outbound.Batch{Messages: []outbound.Mapped{
		mappedTo("missing", "lost", nil),
		mappedTo("telemetry", "delivered", nil),
	}})

	// Assert
	assert.ErrorContains(t, err, "pubsub topic missing does not exist")
	received := receiveMessages(t, sub, 1, 5*time.Second)
	require.Len(t, received, 1)
	assert.Equal(t, "delivered", string(received[0].Data))
}

func TestNewGooglePubsubPublisher_NilClient(t *testing.T) {
	_, err := messagepipeline.NewGooglePubsubPublisher(nil, nil, zerolog.Nop())
	assert.Error(t, err)
}
