package mapping

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/illmade-knight/go-thingbridge/pkg/connection"
	"github.com/illmade-knight/go-thingbridge/pkg/message"
	"github.com/illmade-knight/go-thingbridge/pkg/placeholder"
	"github.com/illmade-knight/go-thingbridge/pkg/protocol"
	"github.com/rs/zerolog"
)

// entry is a configured mapper with its conditions.
type entry struct {
	mapper   Mapper
	incoming []*placeholder.Template
	outgoing []*placeholder.Template
}

func compileConditions(conditions map[string]string) ([]*placeholder.Template, error) {
	names := make([]string, 0, len(conditions))
	for name := range conditions {
		names = append(names, name)
	}
	sort.Strings(names)
	out := make([]*placeholder.Template, 0, len(conditions))
	for _, name := range names {
		t, err := placeholder.Compile(conditions[name])
		if err != nil {
			return nil, fmt.Errorf("condition '%s': %w", name, err)
		}
		out = append(out, t)
	}
	return out, nil
}

// holds reports whether every condition resolves to "true".
func holds(conditions []*placeholder.Template, r *placeholder.ExpressionResolver) bool {
	for _, c := range conditions {
		v, err := c.Resolve(r)
		if err != nil || v != "true" {
			return false
		}
	}
	return true
}

func (e *entry) appliesInbound(m message.External) bool {
	if len(e.incoming) == 0 {
		return true
	}
	return holds(e.incoming, placeholder.NewExpressionResolver(placeholder.Headers(m.Headers())))
}

func (e *entry) appliesOutbound(a protocol.Adaptable) bool {
	if len(e.outgoing) == 0 {
		return true
	}
	return holds(e.outgoing, placeholder.NewExpressionResolver(
		placeholder.Headers(a.Headers.Map()),
		placeholder.Thing(string(a.Topic.ThingID())),
		protocol.TopicResolver(a.Topic),
	))
}

// Registry holds the configured mappers of a connection by id. The mapper set
// is replaced as a whole on Load, so chains resolved concurrently always see
// a consistent set.
type Registry struct {
	enginesMu sync.RWMutex
	engines   map[string]Factory
	mappers   atomic.Pointer[map[string]*entry]
	logger    zerolog.Logger
}

// NewRegistry creates a registry with the built-in engines and only the
// default mapper configured.
func NewRegistry(logger zerolog.Logger) *Registry {
	r := &Registry{
		engines: builtinEngines(),
		logger:  logger.With().Str("component", "MapperRegistry").Logger(),
	}
	empty := map[string]*entry{DefaultMapperID: {mapper: protocolMapper{id: DefaultMapperID}}}
	r.mappers.Store(&empty)
	return r
}

// RegisterEngine adds or replaces an engine. Mappers already loaded are not affected.
func (r *Registry) RegisterEngine(name string, factory Factory) {
	r.enginesMu.Lock()
	defer r.enginesMu.Unlock()
	r.engines[name] = factory
}

// Load builds all mappers of the definitions and swaps them in. On error the
// previous mapper set stays active.
func (r *Registry) Load(definitions map[string]connection.MappingDefinition) error {
	r.enginesMu.RLock()
	defer r.enginesMu.RUnlock()

	next := make(map[string]*entry, len(definitions)+1)
	next[DefaultMapperID] = &entry{mapper: protocolMapper{id: DefaultMapperID}}
	for id, def := range definitions {
		factory, ok := r.engines[def.Engine]
		if !ok {
			return fmt.Errorf("mapping '%s': unknown engine '%s'", id, def.Engine)
		}
		m, err := factory(id, def)
		if err != nil {
			return fmt.Errorf("mapping '%s': %w", id, err)
		}
		incoming, err := compileConditions(def.IncomingConditions)
		if err != nil {
			return fmt.Errorf("mapping '%s': incoming %w", id, err)
		}
		outgoing, err := compileConditions(def.OutgoingConditions)
		if err != nil {
			return fmt.Errorf("mapping '%s': outgoing %w", id, err)
		}
		next[id] = &entry{mapper: m, incoming: incoming, outgoing: outgoing}
	}
	r.mappers.Store(&next)
	r.logger.Info().Int("mappers", len(next)).Msg("Payload mappers loaded.")
	return nil
}

// Mapper returns the mapper with the given id.
func (r *Registry) Mapper(id string) (Mapper, bool) {
	e, ok := (*r.mappers.Load())[id]
	if !ok {
		return nil, false
	}
	return e.mapper, true
}

// Chain resolves the mapper ids in order. An empty list yields the default mapper.
func (r *Registry) Chain(ids []string) (*Chain, error) {
	mappers := *r.mappers.Load()
	if len(ids) == 0 {
		ids = []string{DefaultMapperID}
	}
	entries := make([]*entry, 0, len(ids))
	for _, id := range ids {
		e, ok := mappers[id]
		if !ok {
			return nil, &UnknownMapperError{ID: id}
		}
		entries = append(entries, e)
	}
	return &Chain{entries: entries}, nil
}
