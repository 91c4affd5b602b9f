package bridge

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/illmade-knight/go-thingbridge/pkg/inbound"
	"github.com/illmade-knight/go-thingbridge/pkg/signal"
	"github.com/rs/zerolog"
)

// Hub connects the clients of one process. Commands and events decoded by
// any connection are handed to every connection with a target subscribed to
// them. Responses go back to the connection named in their connection-id
// header, which publishes them to their reply-to address.
type Hub struct {
	mu      sync.RWMutex
	clients []*Client
	logger  zerolog.Logger
}

// NewHub creates an empty hub.
func NewHub(logger zerolog.Logger) *Hub {
	return &Hub{logger: logger.With().Str("component", "BridgeHub").Logger()}
}

// Add registers a client. Clients are created with the hub's forwarders
// first and added afterwards.
func (h *Hub) Add(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients = append(h.clients, c)
}

// Clients returns the registered clients in registration order.
func (h *Hub) Clients() []*Client {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return append([]*Client(nil), h.clients...)
}

// Commands returns the forwarder for commands and events.
func (h *Hub) Commands() inbound.Forwarder { return inbound.ForwarderFunc(h.Forward) }

// Connection returns the forwarder for responses, acknowledgements and
// search commands.
func (h *Hub) Connection() inbound.Forwarder { return inbound.ForwarderFunc(h.ForwardConnection) }

// Forward hands s to every client with a target subscribed to it.
func (h *Hub) Forward(ctx context.Context, s signal.Signal) error {
	var errs []error
	delivered := 0
	for _, c := range h.Clients() {
		if len(c.Connection().TargetsFor(s)) == 0 {
			continue
		}
		if err := c.HandleSignal(ctx, s); err != nil {
			errs = append(errs, fmt.Errorf("connection '%s': %w", c.ID(), err))
			continue
		}
		delivered++
	}
	if delivered == 0 && len(errs) == 0 {
		h.logger.Debug().
			Str("thing_id", string(s.ThingID)).
			Str("kind", s.Kind.String()).
			Str("correlation_id", s.Headers.CorrelationID()).
			Msg("No connection subscribed to signal.")
	}
	return errors.Join(errs...)
}

// ForwardConnection routes responses to the connection they arrived on.
// Acknowledgements and search commands have no consumer in the hub and are
// dropped.
func (h *Hub) ForwardConnection(ctx context.Context, s signal.Signal) error {
	logger := h.logger.With().
		Str("kind", s.Kind.String()).
		Str("correlation_id", s.Headers.CorrelationID()).
		Logger()

	switch s.Kind {
	case signal.KindCommandResponse, signal.KindErrorResponse:
	default:
		logger.Debug().Msg("Dropping signal without a consumer.")
		return nil
	}

	id := s.Headers.Value(signal.HeaderConnectionID)
	for _, c := range h.Clients() {
		if c.ID() == id {
			return c.HandleSignal(ctx, s)
		}
	}
	logger.Warn().Str("connection_id", id).Msg("Response names an unknown connection, dropping.")
	return nil
}
