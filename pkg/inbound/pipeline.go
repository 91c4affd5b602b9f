// Package inbound turns messages received from an external transport into
// signals: it resolves the authorization of the source, maps the payload,
// decodes and enforces the result and forwards it. Failures are answered
// with error signals sent to the reply target of the source.
package inbound

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/illmade-knight/go-thingbridge/pkg/acks"
	"github.com/illmade-knight/go-thingbridge/pkg/connection"
	"github.com/illmade-knight/go-thingbridge/pkg/enforcement"
	"github.com/illmade-knight/go-thingbridge/pkg/mapping"
	"github.com/illmade-knight/go-thingbridge/pkg/message"
	"github.com/illmade-knight/go-thingbridge/pkg/outbound"
	"github.com/illmade-knight/go-thingbridge/pkg/placeholder"
	"github.com/illmade-knight/go-thingbridge/pkg/protocol"
	"github.com/illmade-knight/go-thingbridge/pkg/signal"
	"github.com/rs/zerolog"
)

// Forwarder receives decoded signals.
type Forwarder interface {
	Forward(ctx context.Context, s signal.Signal) error
}

// ForwarderFunc adapts a function to a Forwarder.
type ForwarderFunc func(ctx context.Context, s signal.Signal) error

func (f ForwarderFunc) Forward(ctx context.Context, s signal.Signal) error { return f(ctx, s) }

// Replier publishes error replies. *outbound.Orchestrator implements it.
type Replier interface {
	Process(ctx context.Context, out outbound.Signal) (outbound.Batch, error)
}

// Config holds the configuration of a Pipeline.
type Config struct {
	ConnectionID string
	Sources      []connection.Source
}

// Pipeline processes inbound messages of one connection. It is safe for
// concurrent use.
type Pipeline struct {
	connectionID string
	sources      []*compiledSource
	registry     *mapping.Registry
	adapter      protocol.Adapter
	commands     Forwarder
	connection   Forwarder
	replies      Replier
	logger       zerolog.Logger
}

// NewPipeline compiles all templates, filters and mapper chains of the
// sources. Commands and events go to commands; acknowledgements, live
// responses and search commands go to conn.
func NewPipeline(
	cfg Config,
	registry *mapping.Registry,
	commands Forwarder,
	conn Forwarder,
	replies Replier,
	logger zerolog.Logger,
) (*Pipeline, error) {
	if registry == nil {
		return nil, errors.New("mapper registry cannot be nil")
	}
	if commands == nil || conn == nil {
		return nil, errors.New("forwarders cannot be nil")
	}
	if replies == nil {
		return nil, errors.New("replier cannot be nil")
	}
	p := &Pipeline{
		connectionID: cfg.ConnectionID,
		registry:     registry,
		adapter:      protocol.NewAdapter(),
		commands:     commands,
		connection:   conn,
		replies:      replies,
		logger:       logger.With().Str("component", "InboundPipeline").Str("connection_id", cfg.ConnectionID).Logger(),
	}
	for i, src := range cfg.Sources {
		if _, err := registry.Chain(src.PayloadMapping); err != nil {
			return nil, fmt.Errorf("source %d: %w", i, err)
		}
		compiled, err := compileSource(src)
		if err != nil {
			return nil, fmt.Errorf("source %d: %w", i, err)
		}
		p.sources = append(p.sources, compiled)
	}
	return p, nil
}

// Handle processes one external message. Mapping, decoding and enforcement
// failures are answered with error replies and are not returned; only
// forwarder failures are.
func (p *Pipeline) Handle(ctx context.Context, m message.External) error {
	src, err := p.sourceFor(m)
	if err != nil {
		return err
	}
	logger := p.logger.With().Str("address", m.SourceAddress()).Logger()
	replyTo := src.replyAddress(m)

	auth, err := src.authorization(m)
	if err != nil {
		p.reply(ctx, logger, src, signal.UnknownThingID, externalErrorHeaders(m, replyTo), err)
		return nil
	}
	m = m.WithAuthorizationContext(auth)

	chain, err := p.registry.Chain(src.source.PayloadMapping)
	if err != nil {
		p.reply(ctx, logger, src, signal.UnknownThingID, externalErrorHeaders(m, replyTo), err)
		return nil
	}
	adaptables, err := chain.MapInbound(m)
	if err != nil {
		p.reply(ctx, logger, src, signal.UnknownThingID, externalErrorHeaders(m, replyTo), err)
		return nil
	}
	if len(adaptables) == 0 {
		logger.Debug().Strs("mappers", chain.IDs()).Msg("Message was dropped by payload mapping.")
		return nil
	}

	var errs []error
	for _, a := range adaptables {
		headers := p.signalHeaders(src, m, a, auth, replyTo)
		s, err := p.decode(src, m, a.WithHeaders(headers))
		if err != nil {
			p.reply(ctx, logger, src, a.Topic.ThingID(), errorHeaders(a, headers), err)
			continue
		}
		if err := p.forward(ctx, s); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (p *Pipeline) sourceFor(m message.External) (*compiledSource, error) {
	if i, ok := m.SourceIndex(); ok {
		if i >= len(p.sources) {
			return nil, fmt.Errorf("message bound to unknown source %d", i)
		}
		return p.sources[i], nil
	}
	if len(p.sources) == 1 {
		return p.sources[0], nil
	}
	return nil, fmt.Errorf("message from '%s' is not bound to any of %d sources", m.SourceAddress(), len(p.sources))
}

// signalHeaders builds the headers of the decoded signal: the adaptable's
// own headers, the source header mapping, a correlation id, the reply address
// and the authorization context.
func (p *Pipeline) signalHeaders(src *compiledSource, m message.External, a protocol.Adaptable, auth signal.AuthorizationContext, replyTo string) signal.Headers {
	headers := a.Headers
	if len(src.headerMapping) > 0 {
		resolver := externalResolver(m).With(
			placeholder.Request(auth.Subjects()),
			placeholder.Thing(string(a.Topic.ThingID())),
			protocol.TopicResolver(a.Topic),
			placeholder.Connection(p.connectionID),
		)
		for name, t := range src.headerMapping {
			v, err := t.Resolve(resolver)
			if err != nil {
				continue
			}
			headers = headers.With(name, v)
		}
	}
	if headers.CorrelationID() == "" {
		headers = headers.With(signal.HeaderCorrelationID, externalCorrelationID(m))
	}
	if replyTo != "" {
		headers = headers.With(signal.HeaderReplyTo, replyTo)
	}
	return headers.WithAuthorizationContext(auth)
}

func (p *Pipeline) decode(src *compiledSource, m message.External, a protocol.Adaptable) (signal.Signal, error) {
	s, err := p.adapter.FromAdaptable(a)
	if err != nil {
		return s, err
	}
	if src.enforcement != nil {
		filter, err := src.enforcement.Filter(m)
		if err != nil {
			return s, err
		}
		if err := filter.Match(s); err != nil {
			return s, err
		}
	}
	if s.IsResponse() || s.Kind == signal.KindSearchCommand {
		return s, nil
	}
	s, err = acks.MergeSourceRequests(s, src.source.AcknowledgementRequests.IncludedRequests())
	if err != nil {
		return s, err
	}
	return src.acks.Apply(s)
}

// forward routes acknowledgements, responses on an explicit channel and
// search commands to the connection, everything else to the command
// forwarder.
func (p *Pipeline) forward(ctx context.Context, s signal.Signal) error {
	_, hasChannel := s.Headers.Get(signal.HeaderChannel)
	switch {
	case s.Kind == signal.KindAcknowledgement || s.Kind == signal.KindAcknowledgements:
		return p.connection.Forward(ctx, acks.AppendConnectionID(s, p.connectionID))
	case (s.Kind == signal.KindCommandResponse || s.Kind == signal.KindErrorResponse) && hasChannel:
		return p.connection.Forward(ctx, acks.AppendConnectionID(s, p.connectionID))
	case s.Kind == signal.KindSearchCommand:
		return p.connection.Forward(ctx, s.WithHeader(signal.HeaderConnectionID, p.connectionID))
	}
	return p.commands.Forward(ctx, s)
}

// reply sends cause as an error signal to the reply address in headers. It
// is skipped if the sender does not want a response or gave no address.
func (p *Pipeline) reply(ctx context.Context, logger zerolog.Logger, src *compiledSource, thingID signal.ThingID, headers signal.Headers, cause error) {
	logger = logger.With().Str("correlation_id", headers.CorrelationID()).Logger()
	logger.Warn().Err(cause).Msg("Failed to process inbound message.")

	if headers.Value(signal.HeaderResponseRequired) == "false" {
		return
	}
	address := headers.Value(signal.HeaderReplyTo)
	if address == "" {
		logger.Debug().Msg("No reply address, error is not sent back.")
		return
	}
	target := connection.Target{Address: address}
	if src.source.ReplyTarget != nil {
		target.HeaderMapping = src.source.ReplyTarget.HeaderMapping
	}
	errSignal := signal.NewErrorResponse(thingID, cause, headers)
	if _, err := p.replies.Process(ctx, outbound.Signal{Source: errSignal, Targets: []connection.Target{target}}); err != nil {
		logger.Error().Err(err).Str("target", address).Msg("Failed to send error reply.")
	}
}

func externalCorrelationID(m message.External) string {
	if v, ok := m.FindHeaderIgnoreCase(signal.HeaderCorrelationID); ok && v != "" {
		return v
	}
	return uuid.NewString()
}

// externalErrorHeaders are used for failures before an adaptable exists.
func externalErrorHeaders(m message.External, replyTo string) signal.Headers {
	values := map[string]string{signal.HeaderCorrelationID: externalCorrelationID(m)}
	if v, ok := m.FindHeaderIgnoreCase(signal.HeaderResponseRequired); ok {
		values[signal.HeaderResponseRequired] = v
	}
	if replyTo != "" {
		values[signal.HeaderReplyTo] = replyTo
	}
	return signal.NewHeaders(values)
}

// errorHeaders keep the entity and channel of the failed adaptable so the
// error is published under the errors criterion of the same entity.
func errorHeaders(a protocol.Adaptable, headers signal.Headers) signal.Headers {
	if a.Topic.IsZero() {
		return headers
	}
	headers = headers.With(signal.HeaderEntityID, string(a.Topic.ThingID()))
	if a.Topic.Channel == signal.ChannelLive {
		headers = headers.With(signal.HeaderChannel, string(signal.ChannelLive))
	}
	return headers
}

// compiledSource holds the compiled templates of one source.
type compiledSource struct {
	source        connection.Source
	subjects      []*placeholder.Template
	headerMapping map[string]*placeholder.Template
	replyAddr     *placeholder.Template
	enforcement   *enforcement.Factory[message.External]
	acks          *acks.Filter
}

func compileSource(src connection.Source) (*compiledSource, error) {
	c := &compiledSource{source: src, headerMapping: make(map[string]*placeholder.Template, len(src.HeaderMapping))}
	for _, raw := range src.AuthorizationSubjects {
		t, err := placeholder.Compile(raw)
		if err != nil {
			return nil, fmt.Errorf("authorization subject '%s': %w", raw, err)
		}
		c.subjects = append(c.subjects, t)
	}
	for name, raw := range src.HeaderMapping {
		t, err := placeholder.Compile(raw)
		if err != nil {
			return nil, fmt.Errorf("header mapping '%s': %w", name, err)
		}
		c.headerMapping[strings.ToLower(name)] = t
	}
	if src.ReplyTarget != nil && src.ReplyTarget.Address != "" {
		t, err := placeholder.Compile(src.ReplyTarget.Address)
		if err != nil {
			return nil, fmt.Errorf("reply target: %w", err)
		}
		c.replyAddr = t
	}
	if src.Enforcement != nil {
		f, err := enforcement.NewFilterFactory[message.External](*src.Enforcement, externalPlaceholders...)
		if err != nil {
			return nil, err
		}
		c.enforcement = f
	}
	if src.AcknowledgementRequests != nil {
		f, err := acks.Compile(src.AcknowledgementRequests.Filter)
		if err != nil {
			return nil, err
		}
		c.acks = f
	}
	return c, nil
}

// authorization resolves the subjects of the source against the message. A
// context already carried by the message takes precedence.
func (c *compiledSource) authorization(m message.External) (signal.AuthorizationContext, error) {
	if auth, ok := m.AuthorizationContext(); ok && !auth.IsEmpty() {
		return auth.WithUnprefixedSubjects(), nil
	}
	resolver := externalResolver(m)
	subjects := make([]string, 0, len(c.subjects))
	for _, t := range c.subjects {
		v, err := t.Resolve(resolver)
		if err != nil {
			return signal.AuthorizationContext{}, err
		}
		subjects = append(subjects, v)
	}
	return signal.NewAuthorizationContext(subjects...).WithUnprefixedSubjects(), nil
}

// replyAddress resolves the reply target of the source and falls back to the
// internal reply-to header, then to the replyTo header of the message.
func (c *compiledSource) replyAddress(m message.External) string {
	if c.replyAddr != nil {
		if v, err := c.replyAddr.Resolve(externalResolver(m)); err == nil && v != "" {
			return v
		}
	}
	if v := m.InternalHeaders().Value(signal.HeaderReplyTo); v != "" {
		return v
	}
	v, _ := m.FindHeaderIgnoreCase(message.HeaderReplyTo)
	return v
}
