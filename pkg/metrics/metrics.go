// Package metrics exposes Prometheus metrics of bridge connections by
// decorating their publishers and forwarders.
package metrics

import (
	"context"
	"errors"
	"time"

	"github.com/illmade-knight/go-thingbridge/pkg/inbound"
	"github.com/illmade-knight/go-thingbridge/pkg/outbound"
	"github.com/illmade-knight/go-thingbridge/pkg/signal"
	"github.com/prometheus/client_golang/prometheus"
)

const (
	LabelConnection = "connection_id"
	LabelResult     = "result"
	LabelKind       = "kind"

	ResultSuccess = "success"
	ResultError   = "error"
)

// Metrics holds the collectors shared by all connections of a process.
type Metrics struct {
	batches         *prometheus.CounterVec
	messages        *prometheus.CounterVec
	publishDuration *prometheus.HistogramVec
	forwarded       *prometheus.CounterVec
}

// New creates the collectors under the given namespace.
func New(namespace string) *Metrics {
	return &Metrics{
		batches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "outbound_batches_total",
			Help:      "Outbound batches published, one per signal.",
		}, []string{LabelConnection, LabelResult}),
		messages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "outbound_messages_total",
			Help:      "Mapped messages handed to the transport.",
		}, []string{LabelConnection, LabelResult}),
		publishDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "outbound_publish_duration_seconds",
			Help:      "Time spent publishing one batch.",
			Buckets:   prometheus.DefBuckets,
		}, []string{LabelConnection}),
		forwarded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "inbound_signals_total",
			Help:      "Signals decoded from inbound messages and forwarded.",
		}, []string{LabelConnection, LabelKind, LabelResult}),
	}
}

// Register registers every collector with reg.
func (m *Metrics) Register(reg prometheus.Registerer) error {
	return errors.Join(
		reg.Register(m.batches),
		reg.Register(m.messages),
		reg.Register(m.publishDuration),
		reg.Register(m.forwarded),
	)
}

// Publisher wraps next so that every published batch is counted.
func (m *Metrics) Publisher(connectionID string, next outbound.Publisher) outbound.Publisher {
	return outbound.PublisherFunc(func(ctx context.Context, batch outbound.Batch) error {
		start := time.Now()
		err := next.Publish(ctx, batch)
		m.publishDuration.WithLabelValues(connectionID).Observe(time.Since(start).Seconds())

		result := resultOf(err)
		m.batches.WithLabelValues(connectionID, result).Inc()
		m.messages.WithLabelValues(connectionID, result).Add(float64(len(batch.Messages)))
		return err
	})
}

// Forwarder wraps next so that every forwarded signal is counted by kind.
func (m *Metrics) Forwarder(connectionID string, next inbound.Forwarder) inbound.Forwarder {
	return inbound.ForwarderFunc(func(ctx context.Context, s signal.Signal) error {
		err := next.Forward(ctx, s)
		m.forwarded.WithLabelValues(connectionID, s.Kind.String(), resultOf(err)).Inc()
		return err
	})
}

func resultOf(err error) string {
	if err != nil {
		return ResultError
	}
	return ResultSuccess
}
