package bridge_test

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/illmade-knight/go-thingbridge/pkg/bridge"
	"github.com/illmade-knight/go-thingbridge/pkg/cache"
	"github.com/illmade-knight/go-thingbridge/pkg/connection"
	"github.com/illmade-knight/go-thingbridge/pkg/enrichment"
	"github.com/illmade-knight/go-thingbridge/pkg/mapping"
	"github.com/illmade-knight/go-thingbridge/pkg/message"
	"github.com/illmade-knight/go-thingbridge/pkg/outbound"
	"github.com/illmade-knight/go-thingbridge/pkg/protocol"
	"github.com/illmade-knight/go-thingbridge/pkg/signal"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type recordingForwarder struct {
	mu      sync.Mutex
	signals []signal.Signal
}

func (f *recordingForwarder) Forward(_ context.Context, s signal.Signal) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.signals = append(f.signals, s)
	return nil
}

func (f *recordingForwarder) Signals() []signal.Signal {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]signal.Signal(nil), f.signals...)
}

type recordingPublisher struct {
	mu      sync.Mutex
	batches []outbound.Batch
}

func (p *recordingPublisher) Publish(_ context.Context, batch outbound.Batch) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.batches = append(p.batches, batch)
	return nil
}

func (p *recordingPublisher) Batches() []outbound.Batch {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]outbound.Batch(nil), p.batches...)
}

// staticFacade projects every request onto one thing.
type staticFacade struct {
	thing enrichment.Fields
}

func (f staticFacade) RetrieveExtraFields(_ context.Context, req enrichment.Request) (enrichment.Fields, error) {
	return req.Selector.Project(f.thing), nil
}

func testConnection() connection.Connection {
	return connection.Connection{
		ID:   "conn-1",
		Type: "mqtt",
		Sources: []connection.Source{{
			Addresses:             []string{"devices/#"},
			AuthorizationSubjects: []string{"integration:{{ header:device-id | fn:default('anonymous') }}"},
			ReplyTarget:           &connection.ReplyTarget{Address: "{{ header:reply-address }}"},
		}},
		Targets: []connection.Target{
			{
				Address:               "telemetry/{{ thing:name }}",
				AuthorizationSubjects: []string{"integration:bridge"},
				Topics: []connection.FilteredTopic{{
					Topic:       connection.TopicTwinEvents,
					ExtraFields: []string{"attributes/location"},
				}},
				PayloadMapping: []string{"status"},
			},
			{
				Address: "live/{{ thing:id }}",
				Topics:  []connection.FilteredTopic{{Topic: connection.TopicLiveCommands}},
			},
		},
		Mappings: map[string]connection.MappingDefinition{
			"status": {Engine: mapping.EngineAddHeader, Options: map[string]string{"name": "mapped-by", "value": "bridge"}},
		},
	}
}

type fixture struct {
	client     *bridge.Client
	commands   *recordingForwarder
	connection *recordingForwarder
	publisher  *recordingPublisher
	presence   *cache.InMemoryPresenceCache[string, bridge.Presence]
}

func newFixture(t *testing.T, conn connection.Connection) *fixture {
	t.Helper()
	f := &fixture{
		commands:   &recordingForwarder{},
		connection: &recordingForwarder{},
		publisher:  &recordingPublisher{},
		presence:   cache.NewInMemoryPresenceCache[string, bridge.Presence](),
	}
	client, err := bridge.New(bridge.Config{InboundWorkers: 2, OutboundWorkers: 2, QueueSize: 10}, conn, bridge.Dependencies{
		Facade: staticFacade{thing: enrichment.Fields{
			"_revision":  3,
			"attributes": map[string]any{"location": "kitchen"},
		}},
		Publisher:  f.publisher,
		Commands:   f.commands,
		Connection: f.connection,
		Presence:   f.presence,
	}, zerolog.Nop())
	require.NoError(t, err)
	f.client = client
	return f
}

func (f *fixture) start(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, f.client.Start(ctx))
	t.Cleanup(func() {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer stopCancel()
		_ = f.client.Stop(stopCtx)
		cancel()
	})
}

func TestNew_RejectsInvalidConfiguration(t *testing.T) {
	testCases := []struct {
		name   string
		modify func(c *connection.Connection)
	}{
		{name: "missing id", modify: func(c *connection.Connection) { c.ID = "" }},
		{name: "unknown target mapper", modify: func(c *connection.Connection) { c.Targets[0].PayloadMapping = []string{"missing"} }},
		{name: "unknown source mapper", modify: func(c *connection.Connection) { c.Sources[0].PayloadMapping = []string{"missing"} }},
		{name: "unknown engine", modify: func(c *connection.Connection) {
			c.Mappings["status"] = connection.MappingDefinition{Engine: "javascript"}
		}},
		{name: "malformed target address", modify: func(c *connection.Connection) { c.Targets[0].Address = "x/{{ thing:name | fn:upper('x') }}" }},
		{name: "malformed ack filter", modify: func(c *connection.Connection) {
			c.Sources[0].AcknowledgementRequests = &connection.FilteredAcknowledgementRequest{Filter: "fn:filter(header:a)"}
		}},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			conn := testConnection()
			tc.modify(&conn)

			_, err := bridge.New(bridge.Config{}, conn, bridge.Dependencies{
				Publisher:  &recordingPublisher{},
				Commands:   &recordingForwarder{},
				Connection: &recordingForwarder{},
			}, zerolog.Nop())

			assert.Error(t, err)
		})
	}
}

func TestClient_InboundMessageIsForwarded(t *testing.T) {
	// Arrange
	f := newFixture(t, testConnection())
	f.start(t)
	payload, err := json.Marshal(protocol.Adaptable{
		Topic: protocol.TopicFor("org.eclipse:lamp", signal.ChannelTwin, protocol.CriterionCommands, "modify"),
		Path:  "/attributes/on",
		Value: json.RawMessage(`true`),
	})
	require.NoError(t, err)
	msg := message.NewText(map[string]string{"device-id": "lamp-1", "reply-address": "replies/lamp-1"}, string(payload)).
		WithSourceAddress("devices/lamp-1")

	// Act
	require.NoError(t, f.client.HandleExternal(context.Background(), msg))

	// Assert
	require.Eventually(t, func() bool { return len(f.commands.Signals()) == 1 }, 2*time.Second, 10*time.Millisecond)
	cmd := f.commands.Signals()[0]
	assert.Equal(t, []string{"integration:lamp-1", "lamp-1"}, cmd.Headers.AuthorizationContext().Subjects())
	assert.Equal(t, "replies/lamp-1", cmd.Headers.Value(signal.HeaderReplyTo))
}

func TestClient_EventIsEnrichedAndPublished(t *testing.T) {
	// Arrange
	f := newFixture(t, testConnection())
	f.start(t)
	event := signal.NewEvent("org.eclipse:lamp", "modified", "/attributes/on", json.RawMessage(`true`), 3,
		signal.NewHeaders(map[string]string{signal.HeaderCorrelationID: "cid-1"}))

	// Act
	require.NoError(t, f.client.HandleSignal(context.Background(), event))

	// Assert
	require.Eventually(t, func() bool { return len(f.publisher.Batches()) == 1 }, 2*time.Second, 10*time.Millisecond)
	batch := f.publisher.Batches()[0]
	require.Len(t, batch.Messages, 1)
	mapped := batch.Messages[0]
	assert.Equal(t, "telemetry/lamp", mapped.Address)
	v, ok := mapped.Message.FindHeader("mapped-by")
	assert.True(t, ok)
	assert.Equal(t, "bridge", v)
	a, err := protocol.ParseAdaptable(mapped.Message.Payload())
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"attributes": map[string]any{"location": "kitchen"}}, a.Extra)
}

func TestClient_ResponseGoesToReplyAddress(t *testing.T) {
	// Arrange
	f := newFixture(t, testConnection())
	f.start(t)
	response := signal.NewCommandResponse("org.eclipse:lamp", "modify", "/attributes/on", nil, 204,
		signal.NewHeaders(map[string]string{signal.HeaderReplyTo: "replies/lamp-1"}))
	unanswerable := signal.NewCommandResponse("org.eclipse:lamp", "modify", "/attributes/on", nil, 204, signal.NewHeaders(nil))

	// Act
	require.NoError(t, f.client.HandleSignal(context.Background(), response))
	require.NoError(t, f.client.HandleSignal(context.Background(), unanswerable))

	// Assert
	require.Eventually(t, func() bool { return len(f.publisher.Batches()) == 2 }, 2*time.Second, 10*time.Millisecond)
	var addresses []string
	for _, b := range f.publisher.Batches() {
		for _, m := range b.Messages {
			addresses = append(addresses, m.Address)
		}
	}
	assert.Equal(t, []string{"replies/lamp-1"}, addresses)
}

func TestClient_LifecycleAndPresence(t *testing.T) {
	// Arrange
	f := newFixture(t, testConnection())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Act & Assert
	require.NoError(t, f.client.Start(ctx))
	p, err := f.presence.Fetch(ctx, "conn-1")
	require.NoError(t, err)
	assert.Equal(t, bridge.PresenceOpen, p.Status)
	assert.True(t, f.client.Status().Running)

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer stopCancel()
	require.NoError(t, f.client.Stop(stopCtx))
	p, err = f.presence.Fetch(ctx, "conn-1")
	require.NoError(t, err)
	assert.Equal(t, bridge.PresenceClosed, p.Status)
	assert.False(t, f.client.Status().Running)

	assert.ErrorIs(t, f.client.HandleExternal(ctx, message.NewEmpty(nil)), bridge.ErrClosed)
	assert.ErrorIs(t, f.client.HandleSignal(ctx, signal.Signal{}), bridge.ErrClosed)
	assert.ErrorIs(t, f.client.Start(ctx), bridge.ErrClosed)
}

func TestClient_ReloadMappings(t *testing.T) {
	f := newFixture(t, testConnection())

	err := f.client.ReloadMappings(map[string]connection.MappingDefinition{})
	assert.Error(t, err, "the target chain still references 'status'")

	err = f.client.ReloadMappings(map[string]connection.MappingDefinition{
		"status": {Engine: mapping.EngineDuplicate},
	})
	assert.NoError(t, err)
}

func TestClient_StopReleasesProducersBlockedOnFullQueue(t *testing.T) {
	// Arrange: no workers drain the queue of an unstarted client.
	f := newFixture(t, testConnection())
	ctx := context.Background()
	for i := 0; i < 10; i++ {
		require.NoError(t, f.client.HandleExternal(ctx, message.NewEmpty(nil)))
	}
	blocked := make(chan error, 1)
	go func() {
		blocked <- f.client.HandleExternal(ctx, message.NewEmpty(nil))
	}()
	// Give the producer time to block on the full queue.
	time.Sleep(50 * time.Millisecond)
	require.Equal(t, 10, f.client.Status().InboundQueued)

	// Act
	stopped := make(chan error, 1)
	go func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
		defer cancel()
		stopped <- f.client.Stop(stopCtx)
	}()

	// Assert
	select {
	case err := <-stopped:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return")
	}
	select {
	case err := <-blocked:
		assert.ErrorIs(t, err, bridge.ErrClosed)
	case <-time.After(2 * time.Second):
		t.Fatal("blocked HandleExternal did not return")
	}
}
