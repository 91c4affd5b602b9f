// Package bridge runs one connection: it owns the mapper registry, the
// inbound pipeline and the outbound orchestrator of the connection and serves
// both directions from bounded queues with a pool of workers each.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/illmade-knight/go-thingbridge/pkg/cache"
	"github.com/illmade-knight/go-thingbridge/pkg/connection"
	"github.com/illmade-knight/go-thingbridge/pkg/enrichment"
	"github.com/illmade-knight/go-thingbridge/pkg/inbound"
	"github.com/illmade-knight/go-thingbridge/pkg/mapping"
	"github.com/illmade-knight/go-thingbridge/pkg/message"
	"github.com/illmade-knight/go-thingbridge/pkg/outbound"
	"github.com/illmade-knight/go-thingbridge/pkg/placeholder"
	"github.com/illmade-knight/go-thingbridge/pkg/signal"
	"github.com/rs/zerolog"
)

// ErrClosed is returned when a message is handed to a stopped client.
var ErrClosed = errors.New("bridge client is closed")

// Config holds configuration for a Client.
type Config struct {
	InboundWorkers    int           `yaml:"inbound_workers"`
	OutboundWorkers   int           `yaml:"outbound_workers"`
	QueueSize         int           `yaml:"queue_size"`
	EnrichmentTimeout time.Duration `yaml:"enrichment_timeout"`
}

// Dependencies are the collaborators of a Client. Facade and Presence are
// optional.
type Dependencies struct {
	Facade    enrichment.Facade
	Publisher outbound.Publisher
	// Commands receives commands and events decoded from inbound messages.
	Commands inbound.Forwarder
	// Connection receives acknowledgements, live responses and search
	// commands decoded from inbound messages.
	Connection inbound.Forwarder
	Presence   cache.PresenceCache[string, Presence]
	// Engines are registered in addition to the built-in mapping engines.
	Engines map[string]mapping.Factory
}

// Presence records that a connection is served.
type Presence struct {
	ConnectionID string    `json:"connectionId"`
	Status       string    `json:"status"`
	Since        time.Time `json:"since"`
}

const (
	PresenceOpen   = "open"
	PresenceClosed = "closed"
)

// Status is a point in time view of a client.
type Status struct {
	ConnectionID   string `json:"connectionId"`
	Running        bool   `json:"running"`
	InboundQueued  int    `json:"inboundQueued"`
	OutboundQueued int    `json:"outboundQueued"`
}

// Client serves one connection.
type Client struct {
	cfg          Config
	conn         connection.Connection
	deps         Dependencies
	registry     *mapping.Registry
	pipeline     *inbound.Pipeline
	orchestrator *outbound.Orchestrator
	logger       zerolog.Logger

	inboundQ  chan message.External
	outboundQ chan outbound.Signal
	// done is closed by Stop and releases producers blocked on a full queue.
	done chan struct{}

	mu       sync.RWMutex
	running  bool
	closed   bool
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New validates the connection and compiles everything it declares. Any
// invalid mapper chain, placeholder, enforcement or acknowledgement filter is
// reported here, before a message is processed.
func New(cfg Config, conn connection.Connection, deps Dependencies, logger zerolog.Logger) (*Client, error) {
	if cfg.InboundWorkers <= 0 {
		cfg.InboundWorkers = 4
	}
	if cfg.OutboundWorkers <= 0 {
		cfg.OutboundWorkers = 4
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 100
	}
	if deps.Publisher == nil {
		return nil, errors.New("publisher cannot be nil")
	}
	if deps.Commands == nil || deps.Connection == nil {
		return nil, errors.New("forwarders cannot be nil")
	}
	if err := conn.Validate(); err != nil {
		return nil, fmt.Errorf("invalid connection: %w", err)
	}
	logger = logger.With().Str("component", "BridgeClient").Str("connection_id", conn.ID).Logger()

	registry, err := newRegistry(conn, deps.Engines, logger)
	if err != nil {
		return nil, err
	}
	orchestrator, err := outbound.NewOrchestrator(
		outbound.Config{ConnectionID: conn.ID, EnrichmentTimeout: cfg.EnrichmentTimeout},
		registry, deps.Facade, deps.Publisher, logger,
	)
	if err != nil {
		return nil, err
	}
	pipeline, err := inbound.NewPipeline(
		inbound.Config{ConnectionID: conn.ID, Sources: conn.Sources},
		registry, deps.Commands, deps.Connection, orchestrator, logger,
	)
	if err != nil {
		return nil, fmt.Errorf("invalid source: %w", err)
	}

	return &Client{
		cfg:          cfg,
		conn:         conn,
		deps:         deps,
		registry:     registry,
		pipeline:     pipeline,
		orchestrator: orchestrator,
		logger:       logger,
		inboundQ:     make(chan message.External, cfg.QueueSize),
		outboundQ:    make(chan outbound.Signal, cfg.QueueSize),
		done:         make(chan struct{}),
	}, nil
}

// newRegistry loads the mappings of the connection and checks that every
// target chain and template resolves against them.
func newRegistry(conn connection.Connection, engines map[string]mapping.Factory, logger zerolog.Logger) (*mapping.Registry, error) {
	registry := mapping.NewRegistry(logger)
	for name, factory := range engines {
		registry.RegisterEngine(name, factory)
	}
	if err := registry.Load(conn.Mappings); err != nil {
		return nil, fmt.Errorf("invalid payload mapping: %w", err)
	}
	for i, t := range conn.Targets {
		if _, err := registry.Chain(t.PayloadMapping); err != nil {
			return nil, fmt.Errorf("target %d: %w", i, err)
		}
		if _, err := placeholder.Compile(t.Address); err != nil {
			return nil, fmt.Errorf("target %d address: %w", i, err)
		}
		for name, raw := range t.HeaderMapping {
			if _, err := placeholder.Compile(raw); err != nil {
				return nil, fmt.Errorf("target %d header mapping '%s': %w", i, name, err)
			}
		}
	}
	for i, s := range conn.Sources {
		if _, err := registry.Chain(s.PayloadMapping); err != nil {
			return nil, fmt.Errorf("source %d: %w", i, err)
		}
	}
	return registry, nil
}

// ID returns the connection id.
func (c *Client) ID() string { return c.conn.ID }

// Connection returns the served connection.
func (c *Client) Connection() connection.Connection { return c.conn }

// Start launches the workers and records the connection as open.
func (c *Client) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	if c.running {
		return nil
	}
	c.logger.Info().Int("inbound_workers", c.cfg.InboundWorkers).Int("outbound_workers", c.cfg.OutboundWorkers).Msg("Starting bridge client...")

	c.wg.Add(c.cfg.InboundWorkers + c.cfg.OutboundWorkers)
	for i := 0; i < c.cfg.InboundWorkers; i++ {
		go c.inboundWorker(ctx, i)
	}
	for i := 0; i < c.cfg.OutboundWorkers; i++ {
		go c.outboundWorker(ctx, i)
	}
	c.running = true
	c.recordPresence(ctx, PresenceOpen)
	return nil
}

// Stop stops accepting messages, lets the workers drain both queues and
// records the connection as closed.
func (c *Client) Stop(ctx context.Context) error {
	c.stopOnce.Do(func() {
		close(c.done)
		c.mu.Lock()
		c.closed = true
		close(c.inboundQ)
		close(c.outboundQ)
		c.mu.Unlock()
		c.logger.Info().Msg("Stopping bridge client...")
	})

	workersDone := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(workersDone)
	}()
	select {
	case <-workersDone:
	case <-ctx.Done():
		c.logger.Error().Err(ctx.Err()).Msg("Timeout waiting for bridge workers to finish.")
		return ctx.Err()
	}

	c.mu.Lock()
	c.running = false
	c.mu.Unlock()
	c.recordPresence(ctx, PresenceClosed)
	c.logger.Info().Msg("Bridge client stopped.")
	return nil
}

// Status reports whether the client runs and how many messages wait.
func (c *Client) Status() Status {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return Status{
		ConnectionID:   c.conn.ID,
		Running:        c.running,
		InboundQueued:  len(c.inboundQ),
		OutboundQueued: len(c.outboundQ),
	}
}

// HandleExternal queues a message received from the transport. It blocks
// while the queue is full, until ctx is done or the client is stopped.
func (c *Client) HandleExternal(ctx context.Context, m message.External) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return ErrClosed
	}
	select {
	case c.inboundQ <- m:
		return nil
	case <-c.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// HandleOutbound queues a signal for its targets.
func (c *Client) HandleOutbound(ctx context.Context, out outbound.Signal) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return ErrClosed
	}
	select {
	case c.outboundQ <- out:
		return nil
	case <-c.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// HandleSignal queues a single signal. Responses and errors go to the
// address in their reply-to header; all other signals go to the targets
// subscribed to their topic.
func (c *Client) HandleSignal(ctx context.Context, s signal.Signal) error {
	return c.HandleOutbound(ctx, outbound.Signal{Source: s, Targets: c.targetsFor(s)})
}

func (c *Client) targetsFor(s signal.Signal) []connection.Target {
	if !s.IsResponse() {
		return c.conn.TargetsFor(s)
	}
	address := s.Headers.Value(signal.HeaderReplyTo)
	if address == "" {
		return nil
	}
	target := connection.Target{Address: address}
	for _, src := range c.conn.Sources {
		if src.ReplyTarget != nil {
			target.HeaderMapping = src.ReplyTarget.HeaderMapping
			break
		}
	}
	return []connection.Target{target}
}

// ReloadMappings swaps the payload mappers of the connection. The new
// definitions must satisfy every chain the connection declares; otherwise
// the current mappers stay active.
func (c *Client) ReloadMappings(definitions map[string]connection.MappingDefinition) error {
	candidate := c.conn
	candidate.Mappings = definitions
	if _, err := newRegistry(candidate, c.deps.Engines, zerolog.Nop()); err != nil {
		return err
	}
	return c.registry.Load(definitions)
}

func (c *Client) inboundWorker(ctx context.Context, workerID int) {
	defer c.wg.Done()
	for {
		select {
		case <-ctx.Done():
			c.logger.Debug().Int("worker_id", workerID).Msg("Inbound worker shutting down due to context cancellation.")
			return
		case m, ok := <-c.inboundQ:
			if !ok {
				return
			}
			if err := c.pipeline.Handle(ctx, m); err != nil {
				c.logger.Error().Err(err).Str("address", m.SourceAddress()).Msg("Failed to handle inbound message.")
			}
		}
	}
}

func (c *Client) outboundWorker(ctx context.Context, workerID int) {
	defer c.wg.Done()
	for {
		select {
		case <-ctx.Done():
			c.logger.Debug().Int("worker_id", workerID).Msg("Outbound worker shutting down due to context cancellation.")
			return
		case out, ok := <-c.outboundQ:
			if !ok {
				return
			}
			if _, err := c.orchestrator.Process(ctx, out); err != nil {
				c.logger.Error().Err(err).Str("correlation_id", out.Source.Headers.CorrelationID()).Msg("Failed to publish outbound batch.")
			}
		}
	}
}

func (c *Client) recordPresence(ctx context.Context, status string) {
	if c.deps.Presence == nil {
		return
	}
	if ctx.Err() != nil {
		ctx = context.Background()
	}
	p := Presence{ConnectionID: c.conn.ID, Status: status, Since: time.Now().UTC()}
	if err := c.deps.Presence.Set(ctx, c.conn.ID, p); err != nil {
		c.logger.Warn().Err(err).Str("status", status).Msg("Failed to record connection presence.")
	}
}
