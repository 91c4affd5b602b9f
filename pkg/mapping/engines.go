package mapping

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/illmade-knight/go-thingbridge/pkg/connection"
	"github.com/illmade-knight/go-thingbridge/pkg/message"
	"github.com/illmade-knight/go-thingbridge/pkg/protocol"
)

// Built-in engine names.
const (
	EngineDefault    = "default"
	EngineAddHeader  = "add-header"
	EngineDuplicate  = "duplicate"
	EngineNormalized = "normalized"
)

// Factory creates a mapper from its definition.
type Factory func(id string, def connection.MappingDefinition) (Mapper, error)

func builtinEngines() map[string]Factory {
	return map[string]Factory{
		EngineDefault:    newProtocolMapper,
		EngineAddHeader:  newAddHeaderMapper,
		EngineDuplicate:  newDuplicateMapper,
		EngineNormalized: newNormalizedMapper,
	}
}

// protocolMapper reads and writes the canonical JSON protocol.
type protocolMapper struct {
	id string
}

func newProtocolMapper(id string, _ connection.MappingDefinition) (Mapper, error) {
	return protocolMapper{id: id}, nil
}

func (p protocolMapper) ID() string { return p.id }

func (p protocolMapper) MapInbound(m message.External) ([]protocol.Adaptable, error) {
	payload := m.Payload()
	if len(payload) == 0 {
		return nil, errors.New("message has no payload")
	}
	a, err := protocol.ParseAdaptable(payload)
	if err != nil {
		return nil, err
	}
	return []protocol.Adaptable{a}, nil
}

func (p protocolMapper) MapOutbound(o Outbound) ([]Outbound, error) {
	o.Message = message.External{}
	rendered, err := render(o)
	if err != nil {
		return nil, err
	}
	return []Outbound{rendered}, nil
}

// addHeaderMapper behaves like the protocol mapper and adds one fixed header.
type addHeaderMapper struct {
	protocolMapper
	name  string
	value string
}

func newAddHeaderMapper(id string, def connection.MappingDefinition) (Mapper, error) {
	name := def.Options["name"]
	if name == "" {
		return nil, errors.New("option 'name' is required")
	}
	return addHeaderMapper{protocolMapper: protocolMapper{id: id}, name: name, value: def.Options["value"]}, nil
}

func (a addHeaderMapper) MapInbound(m message.External) ([]protocol.Adaptable, error) {
	adaptables, err := a.protocolMapper.MapInbound(m)
	if err != nil {
		return nil, err
	}
	for i, ad := range adaptables {
		adaptables[i] = ad.WithHeaders(ad.Headers.With(a.name, a.value))
	}
	return adaptables, nil
}

func (a addHeaderMapper) MapOutbound(o Outbound) ([]Outbound, error) {
	rendered, err := render(o)
	if err != nil {
		return nil, err
	}
	rendered.Message = rendered.Message.WithHeader(a.name, a.value)
	return []Outbound{rendered}, nil
}

// duplicateMapper emits its input count times.
type duplicateMapper struct {
	protocolMapper
	count int
}

func newDuplicateMapper(id string, def connection.MappingDefinition) (Mapper, error) {
	count := 2
	if raw, ok := def.Options["count"]; ok {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			return nil, fmt.Errorf("option 'count' must be a positive integer, got '%s'", raw)
		}
		count = n
	}
	return duplicateMapper{protocolMapper: protocolMapper{id: id}, count: count}, nil
}

func (d duplicateMapper) MapInbound(m message.External) ([]protocol.Adaptable, error) {
	adaptables, err := d.protocolMapper.MapInbound(m)
	if err != nil {
		return nil, err
	}
	out := make([]protocol.Adaptable, 0, len(adaptables)*d.count)
	for _, a := range adaptables {
		for i := 0; i < d.count; i++ {
			out = append(out, a)
		}
	}
	return out, nil
}

func (d duplicateMapper) MapOutbound(o Outbound) ([]Outbound, error) {
	rendered, err := render(o)
	if err != nil {
		return nil, err
	}
	out := make([]Outbound, d.count)
	for i := range out {
		out[i] = rendered
	}
	return out, nil
}

// normalizedMapper renders events as the partial thing they describe, merged
// with the enrichment fields. Other signals are dropped.
type normalizedMapper struct {
	id string
}

func newNormalizedMapper(id string, _ connection.MappingDefinition) (Mapper, error) {
	return normalizedMapper{id: id}, nil
}

func (n normalizedMapper) ID() string { return n.id }

// MapInbound produces nothing; the normalized form is outbound only.
func (n normalizedMapper) MapInbound(message.External) ([]protocol.Adaptable, error) {
	return nil, nil
}

func (n normalizedMapper) MapOutbound(o Outbound) ([]Outbound, error) {
	a := o.Adaptable
	if a.Topic.Criterion != protocol.CriterionEvents || a.Topic.Group != protocol.GroupThings {
		return nil, nil
	}
	thing := map[string]any{}
	if len(a.Extra) > 0 {
		// the extra fields are shared between targets, merge into a copy
		extra, err := json.Marshal(a.Extra)
		if err != nil {
			return nil, fmt.Errorf("failed to copy extra fields: %w", err)
		}
		if err := json.Unmarshal(extra, &thing); err != nil {
			return nil, fmt.Errorf("failed to copy extra fields: %w", err)
		}
	}
	if len(a.Value) > 0 {
		var value any
		if err := json.Unmarshal(a.Value, &value); err != nil {
			return nil, fmt.Errorf("event value is not valid JSON: %w", err)
		}
		mergeAt(thing, a.Path, value)
	}
	thing["thingId"] = string(a.Topic.ThingID())
	if a.Revision > 0 {
		thing["_revision"] = a.Revision
	}
	data, err := json.Marshal(thing)
	if err != nil {
		return nil, fmt.Errorf("failed to render normalized thing: %w", err)
	}
	o.Message = message.NewText(map[string]string{message.HeaderContentType: "application/json"}, string(data))
	return []Outbound{o}, nil
}

// mergeAt sets value at the JSON pointer path of obj. Object values at the
// root are merged key by key.
func mergeAt(obj map[string]any, path string, value any) {
	path = strings.Trim(path, "/")
	if path == "" {
		if m, ok := value.(map[string]any); ok {
			for k, v := range m {
				obj[k] = v
			}
		}
		return
	}
	segments := strings.Split(path, "/")
	for _, seg := range segments[:len(segments)-1] {
		next, ok := obj[seg].(map[string]any)
		if !ok {
			next = map[string]any{}
			obj[seg] = next
		}
		obj = next
	}
	obj[segments[len(segments)-1]] = value
}
