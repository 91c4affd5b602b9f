package mapping

import (
	"github.com/illmade-knight/go-thingbridge/pkg/message"
	"github.com/illmade-knight/go-thingbridge/pkg/protocol"
)

// Chain is an ordered list of mappers resolved from a registry.
type Chain struct {
	entries []*entry
}

// IDs returns the mapper ids of the chain.
func (c *Chain) IDs() []string {
	out := make([]string, 0, len(c.entries))
	for _, e := range c.entries {
		out = append(out, e.mapper.ID())
	}
	return out
}

// MapInbound applies every mapper to the message and concatenates their
// results in chain order. Mappers whose incoming conditions fail contribute
// nothing.
func (c *Chain) MapInbound(m message.External) ([]protocol.Adaptable, error) {
	var out []protocol.Adaptable
	for _, e := range c.entries {
		if !e.appliesInbound(m) {
			continue
		}
		adaptables, err := e.mapper.MapInbound(m)
		if err != nil {
			return nil, &FailedError{MapperID: e.mapper.ID(), Address: m.SourceAddress(), Err: err}
		}
		out = append(out, adaptables...)
	}
	return out, nil
}

// MapOutbound composes the mappers: each one is applied to every output of
// its predecessor, so a chain of duplicating mappers multiplies. Mappers whose
// outgoing conditions fail pass their input on unchanged. Every result carries
// a rendered message.
func (c *Chain) MapOutbound(address string, a protocol.Adaptable) ([]Outbound, error) {
	current := []Outbound{{Adaptable: a}}
	for _, e := range c.entries {
		next := make([]Outbound, 0, len(current))
		for _, o := range current {
			if !e.appliesOutbound(o.Adaptable) {
				next = append(next, o)
				continue
			}
			mapped, err := e.mapper.MapOutbound(o)
			if err != nil {
				return nil, &FailedError{MapperID: e.mapper.ID(), Address: address, Err: err}
			}
			next = append(next, mapped...)
		}
		current = next
	}
	for i, o := range current {
		rendered, err := render(o)
		if err != nil {
			return nil, &FailedError{MapperID: DefaultMapperID, Address: address, Err: err}
		}
		current[i] = rendered
	}
	return current, nil
}
