// Package outbound fans a signal out to its targets: it maps it once per
// target, enriches the targets that ask for extra fields and publishes every
// mapped message of the signal as one batch.
package outbound

import (
	"context"

	"github.com/illmade-knight/go-thingbridge/pkg/connection"
	"github.com/illmade-knight/go-thingbridge/pkg/message"
	"github.com/illmade-knight/go-thingbridge/pkg/protocol"
	"github.com/illmade-knight/go-thingbridge/pkg/signal"
)

// Signal is a signal together with the targets it is sent to.
type Signal struct {
	Source  signal.Signal
	Targets []connection.Target
}

// Mapped is one message ready to be published to a target.
type Mapped struct {
	Message   message.External
	Adaptable protocol.Adaptable
	Target    connection.Target
	// Address is the target address with its placeholders resolved.
	Address string
}

// Batch holds every mapped message of one outbound signal. Messages of
// targets without enrichment come first, each group in target order.
type Batch struct {
	Outbound Signal
	Messages []Mapped
}

// Publisher publishes batches to the transport of a connection.
type Publisher interface {
	Publish(ctx context.Context, batch Batch) error
}

// PublisherFunc adapts a function to a Publisher.
type PublisherFunc func(ctx context.Context, batch Batch) error

func (f PublisherFunc) Publish(ctx context.Context, batch Batch) error { return f(ctx, batch) }

// MultiPublisher publishes every batch to all publishers in order and
// returns the first error after all were called.
type MultiPublisher []Publisher

func (m MultiPublisher) Publish(ctx context.Context, batch Batch) error {
	var first error
	for _, p := range m {
		if err := p.Publish(ctx, batch); err != nil && first == nil {
			first = err
		}
	}
	return first
}
