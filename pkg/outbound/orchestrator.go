package outbound

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/illmade-knight/go-thingbridge/pkg/connection"
	"github.com/illmade-knight/go-thingbridge/pkg/enrichment"
	"github.com/illmade-knight/go-thingbridge/pkg/mapping"
	"github.com/illmade-knight/go-thingbridge/pkg/message"
	"github.com/illmade-knight/go-thingbridge/pkg/placeholder"
	"github.com/illmade-knight/go-thingbridge/pkg/protocol"
	"github.com/illmade-knight/go-thingbridge/pkg/signal"
	"github.com/rs/zerolog"
)

// Config holds configuration for an Orchestrator.
type Config struct {
	ConnectionID string
	// EnrichmentTimeout bounds every facade call.
	EnrichmentTimeout time.Duration
}

// Orchestrator maps outbound signals for their targets.
type Orchestrator struct {
	connectionID string
	timeout      time.Duration
	registry     *mapping.Registry
	adapter      protocol.Adapter
	facade       enrichment.Facade
	publisher    Publisher
	logger       zerolog.Logger
}

// NewOrchestrator creates an Orchestrator. facade may be nil, in which case
// targets are mapped without extra fields.
func NewOrchestrator(
	cfg Config,
	registry *mapping.Registry,
	facade enrichment.Facade,
	publisher Publisher,
	logger zerolog.Logger,
) (*Orchestrator, error) {
	if registry == nil {
		return nil, fmt.Errorf("mapper registry cannot be nil")
	}
	if publisher == nil {
		return nil, fmt.Errorf("publisher cannot be nil")
	}
	if cfg.EnrichmentTimeout <= 0 {
		cfg.EnrichmentTimeout = 10 * time.Second
	}
	return &Orchestrator{
		connectionID: cfg.ConnectionID,
		timeout:      cfg.EnrichmentTimeout,
		registry:     registry,
		adapter:      protocol.NewAdapter(),
		facade:       facade,
		publisher:    publisher,
		logger:       logger.With().Str("component", "OutboundOrchestrator").Str("connection_id", cfg.ConnectionID).Logger(),
	}, nil
}

// Process maps the outbound signal and publishes exactly one batch for it,
// which may be empty if every target was dropped.
func (o *Orchestrator) Process(ctx context.Context, out Signal) (Batch, error) {
	batch := o.Map(ctx, out)
	if err := o.publisher.Publish(ctx, batch); err != nil {
		return batch, fmt.Errorf("failed to publish batch: %w", err)
	}
	return batch, nil
}

// enrichmentResult is the outcome of one facade call.
type enrichmentResult struct {
	fields enrichment.Fields
	err    error
}

// Map builds the batch of an outbound signal. Targets without extra fields
// are mapped right away; the others wait for one facade call per distinct
// (thing, selector, authorization) and are appended in target order. Targets
// whose mapping or enrichment fails are dropped and logged.
func (o *Orchestrator) Map(ctx context.Context, out Signal) Batch {
	batch := Batch{Outbound: out}
	logger := o.logger.With().Str("correlation_id", out.Source.Headers.CorrelationID()).Logger()

	adaptable, err := o.adapter.ToAdaptable(out.Source)
	if err != nil {
		logger.Error().Err(err).Str("kind", out.Source.Kind.String()).Msg("Failed to encode signal, dropping all targets.")
		return batch
	}
	resolver := protocol.SignalResolver(out.Source).With(placeholder.Connection(o.connectionID))

	var deferred []connection.Target
	for _, t := range out.Targets {
		if o.facade != nil && t.NeedsEnrichment() {
			deferred = append(deferred, t)
			continue
		}
		batch.Messages = append(batch.Messages, o.mapTarget(logger, t, adaptable, out.Source, resolver)...)
	}
	if len(deferred) == 0 {
		return batch
	}

	results := o.enrich(ctx, logger, out.Source, deferred)
	for _, t := range deferred {
		res := results[requestKey(out.Source, t)]
		if res.err != nil {
			logger.Warn().Err(res.err).Str("target", t.Address).Msg("Enrichment failed, dropping target.")
			continue
		}
		selector := enrichment.NewFieldSelector(t.ExtraFields()...)
		enriched := adaptable.WithExtra(map[string]any(selector.Project(res.fields)))
		batch.Messages = append(batch.Messages, o.mapTarget(logger, t, enriched, out.Source, resolver)...)
	}
	return batch
}

func requestKey(s signal.Signal, t connection.Target) string {
	selector := enrichment.NewFieldSelector(t.ExtraFields()...).WithRevision()
	return enrichment.CacheKey(s.ThingID, selector, t.AuthorizationContext())
}

// enrich runs one facade call per distinct request concurrently and waits
// for all of them. Cancellation of ctx fails the pending calls.
func (o *Orchestrator) enrich(ctx context.Context, logger zerolog.Logger, s signal.Signal, targets []connection.Target) map[string]enrichmentResult {
	requests := make(map[string]enrichment.Request)
	for _, t := range targets {
		key := requestKey(s, t)
		if _, ok := requests[key]; ok {
			continue
		}
		requests[key] = enrichment.Request{
			ThingID:       s.ThingID,
			Selector:      enrichment.NewFieldSelector(t.ExtraFields()...).WithRevision(),
			Authorization: t.AuthorizationContext(),
			RevisionHint:  s.Revision,
		}
	}

	var (
		mu      sync.Mutex
		wg      sync.WaitGroup
		results = make(map[string]enrichmentResult, len(requests))
	)
	for key, req := range requests {
		wg.Add(1)
		go func(key string, req enrichment.Request) {
			defer wg.Done()
			res := o.retrieve(ctx, req)
			mu.Lock()
			results[key] = res
			mu.Unlock()
		}(key, req)
	}
	wg.Wait()
	logger.Debug().Int("requests", len(requests)).Int("targets", len(targets)).Msg("Enrichment completed.")
	return results
}

// retrieve calls the facade and gives up after the enrichment timeout even if
// the facade ignores its context.
func (o *Orchestrator) retrieve(ctx context.Context, req enrichment.Request) enrichmentResult {
	callCtx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()

	done := make(chan enrichmentResult, 1)
	go func() {
		fields, err := o.facade.RetrieveExtraFields(callCtx, req)
		done <- enrichmentResult{fields: fields, err: err}
	}()
	select {
	case res := <-done:
		return res
	case <-callCtx.Done():
		return enrichmentResult{err: &enrichment.FailedError{ThingID: req.ThingID, Err: callCtx.Err()}}
	}
}

// mapTarget maps the adaptable through the target's chain. All failures drop
// the target.
func (o *Orchestrator) mapTarget(
	logger zerolog.Logger,
	t connection.Target,
	a protocol.Adaptable,
	source signal.Signal,
	resolver *placeholder.ExpressionResolver,
) []Mapped {
	address, err := placeholder.Resolve(t.Address, resolver)
	if err != nil {
		logger.Warn().Err(err).Str("target", t.Address).Msg("Target address could not be resolved, dropping target.")
		return nil
	}
	chain, err := o.registry.Chain(t.PayloadMapping)
	if err != nil {
		logger.Error().Err(err).Str("target", address).Msg("Invalid payload mapping, dropping target.")
		return nil
	}
	outs, err := chain.MapOutbound(address, a)
	if err != nil {
		logger.Warn().Err(err).Str("target", address).Str("mapper_id", mapperID(err)).Msg("Mapping failed, dropping target.")
		return nil
	}
	headers := resolveHeaders(logger, t.HeaderMapping, resolver)

	mapped := make([]Mapped, 0, len(outs))
	for _, out := range outs {
		msg := out.Message.WithHeaders(headers).WithMessageType(message.TypeOf(source))
		mapped = append(mapped, Mapped{Message: msg, Adaptable: out.Adaptable, Target: t, Address: address})
	}
	return mapped
}

// resolveHeaders resolves a header mapping. Entries that resolve to nothing
// or are deleted are left out.
func resolveHeaders(logger zerolog.Logger, mapping map[string]string, resolver *placeholder.ExpressionResolver) map[string]string {
	if len(mapping) == 0 {
		return nil
	}
	out := make(map[string]string, len(mapping))
	for name, template := range mapping {
		v, err := placeholder.Resolve(template, resolver)
		if err != nil {
			logger.Debug().Err(err).Str("header", name).Msg("Header mapping skipped.")
			continue
		}
		out[strings.ToLower(name)] = v
	}
	return out
}

func mapperID(err error) string {
	var failed *mapping.FailedError
	if errors.As(err, &failed) {
		return failed.MapperID
	}
	return ""
}
