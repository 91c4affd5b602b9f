package messagepipeline_test

import (
	"context"
	"testing"
	"time"

	"cloud.google.com/go/pubsub"
	"github.com/illmade-knight/go-thingbridge/pkg/messagepipeline"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewGooglePubsubConsumer_MissingSubscription(t *testing.T) {
	client := setupTestPubsub(t, "test-project")

	_, err := messagepipeline.NewGooglePubsubConsumer(messagepipeline.NewGooglePubsubConsumerDefaults("missing"), client, zerolog.Nop())

	assert.ErrorContains(t, err, "does not exist")
}

func TestGooglePubsubConsumer_ReceiveMessage(t *testing.T) {
	// --- Arrange ---
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)

	client := setupTestPubsub(t, "test-project")
	topic, _ := createTopicWithSubscription(t, client, "devices", "devices-bridge")

	consumer, err := messagepipeline.NewGooglePubsubConsumer(messagepipeline.NewGooglePubsubConsumerDefaults("devices-bridge"), client, zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, consumer.Start(ctx))
	t.Cleanup(func() { _ = consumer.Stop(context.Background()) })

	// --- Act ---
	res := topic.Publish(ctx, &pubsub.Message{
		Data:       []byte(`{"temperature":21}`),
		Attributes: map[string]string{"device-id": "lamp-1"},
	})
	_, err = res.Get(ctx)
	require.NoError(t, err)

	// --- Assert ---
	select {
	case msg := <-consumer.Messages():
		ext := msg.External()
		assert.Equal(t, "devices-bridge", ext.SourceAddress())
		text, ok := ext.Text()
		assert.True(t, ok)
		assert.Equal(t, `{"temperature":21}`, text)
		v, ok := ext.FindHeader("device-id")
		assert.True(t, ok)
		assert.Equal(t, "lamp-1", v)
		msg.Ack()
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for message from consumer")
	}
}

func TestGooglePubsubConsumer_Stop(t *testing.T) {
	// --- Arrange ---
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)

	client := setupTestPubsub(t, "test-project")
	createTopicWithSubscription(t, client, "stop-topic", "stop-sub")
	consumer, err := messagepipeline.NewGooglePubsubConsumer(messagepipeline.NewGooglePubsubConsumerDefaults("stop-sub"), client, zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, consumer.Start(ctx))

	// --- Act ---
	stopCtx, stopCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer stopCancel()
	err = consumer.Stop(stopCtx)
	require.NoError(t, err)

	// --- Assert ---
	select {
	case <-consumer.Done():
	case <-time.After(time.Second):
		t.Fatal("consumer.Done() channel was not closed after stop")
	}
	_, ok := <-consumer.Messages()
	assert.False(t, ok, "consumer.Messages() channel should be closed")
}

func TestGooglePubsubConsumer_StopWithoutStart(t *testing.T) {
	client := setupTestPubsub(t, "test-project")
	createTopicWithSubscription(t, client, "idle-topic", "idle-sub")
	consumer, err := messagepipeline.NewGooglePubsubConsumer(messagepipeline.NewGooglePubsubConsumerDefaults("idle-sub"), client, zerolog.Nop())
	require.NoError(t, err)

	require.NoError(t, consumer.Stop(context.Background()))

	_, ok := <-consumer.Done()
	assert.False(t, ok)
}
