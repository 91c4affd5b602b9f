package metrics_test

import (
	"context"
	"errors"
	"testing"

	"github.com/illmade-knight/go-thingbridge/pkg/inbound"
	"github.com/illmade-knight/go-thingbridge/pkg/message"
	"github.com/illmade-knight/go-thingbridge/pkg/metrics"
	"github.com/illmade-knight/go-thingbridge/pkg/outbound"
	"github.com/illmade-knight/go-thingbridge/pkg/signal"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func findFamily(t *testing.T, reg *prometheus.Registry, name string) *dto.MetricFamily {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	for _, f := range families {
		if f.GetName() == name {
			return f
		}
	}
	t.Fatalf("metric family %s not gathered", name)
	return nil
}

func counterValue(f *dto.MetricFamily, labels map[string]string) float64 {
	for _, m := range f.GetMetric() {
		matched := 0
		for _, lp := range m.GetLabel() {
			if labels[lp.GetName()] == lp.GetValue() {
				matched++
			}
		}
		if matched == len(labels) {
			return m.GetCounter().GetValue()
		}
	}
	return 0
}

func TestPublisher_CountsBatchesAndMessages(t *testing.T) {
	// Arrange
	reg := prometheus.NewRegistry()
	m := metrics.New("thingbridge")
	require.NoError(t, m.Register(reg))

	fail := false
	inner := outbound.PublisherFunc(func(context.Context, outbound.Batch) error {
		if fail {
			return errors.New("broker unavailable")
		}
		return nil
	})
	publisher := m.Publisher("conn-1", inner)
	batch := outbound.Batch{Messages: []outbound.Mapped{
		{Address: "a", Message: message.NewText(nil, "x")},
		{Address: "b", Message: message.NewText(nil, "y")},
	}}

	// Act
	require.NoError(t, publisher.Publish(context.Background(), batch))
	fail = true
	assert.Error(t, publisher.Publish(context.Background(), batch))

	// Assert
	batches := findFamily(t, reg, "thingbridge_outbound_batches_total")
	assert.Equal(t, 1.0, counterValue(batches, map[string]string{"connection_id": "conn-1", "result": "success"}))
	assert.Equal(t, 1.0, counterValue(batches, map[string]string{"connection_id": "conn-1", "result": "error"}))

	messages := findFamily(t, reg, "thingbridge_outbound_messages_total")
	assert.Equal(t, 2.0, counterValue(messages, map[string]string{"connection_id": "conn-1", "result": "success"}))

	duration := findFamily(t, reg, "thingbridge_outbound_publish_duration_seconds")
	require.Len(t, duration.GetMetric(), 1)
	assert.Equal(t, uint64(2), duration.GetMetric()[0].GetHistogram().GetSampleCount())
}

func TestForwarder_CountsByKind(t *testing.T) {
	// Arrange
	reg := prometheus.NewRegistry()
	m := metrics.New("thingbridge")
	require.NoError(t, m.Register(reg))

	forwarder := m.Forwarder("conn-1", inbound.ForwarderFunc(func(context.Context, signal.Signal) error {
		return nil
	}))

	// Act
	require.NoError(t, forwarder.Forward(context.Background(), signal.Signal{Kind: signal.KindCommand}))
	require.NoError(t, forwarder.Forward(context.Background(), signal.Signal{Kind: signal.KindCommand}))
	require.NoError(t, forwarder.Forward(context.Background(), signal.Signal{Kind: signal.KindEvent}))

	// Assert
	family := findFamily(t, reg, "thingbridge_inbound_signals_total")
	assert.Equal(t, 2.0, counterValue(family, map[string]string{"kind": "command", "result": "success"}))
	assert.Equal(t, 1.0, counterValue(family, map[string]string{"kind": "event", "result": "success"}))
}

func TestRegister_Twice(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.New("thingbridge")
	require.NoError(t, m.Register(reg))

	assert.Error(t, m.Register(reg), "collectors cannot be registered twice on one registry")
}
