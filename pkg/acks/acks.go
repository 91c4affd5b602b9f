// Package acks negotiates the acknowledgements requested by a signal.
package acks

import (
	"fmt"
	"strings"

	"github.com/illmade-knight/go-thingbridge/pkg/placeholder"
	"github.com/illmade-knight/go-thingbridge/pkg/protocol"
	"github.com/illmade-knight/go-thingbridge/pkg/signal"
)

const requestedAcks = "header:" + signal.HeaderRequestedAcks

// Filter is a compiled acknowledgement filter pipeline.
type Filter struct {
	raw string
	// withDefault evaluates the filter on the requested acks, treating an
	// absent header as the empty set.
	withDefault *placeholder.Pipeline
	// plain evaluates the filter on the header as it is.
	plain *placeholder.Pipeline
}

// Compile compiles a filter expression such as "fn:filter(header:qos,'ne','0')".
// An empty expression yields a nil filter, which leaves signals unchanged.
func Compile(expression string) (*Filter, error) {
	expression = strings.TrimSpace(expression)
	if expression == "" {
		return nil, nil
	}
	withDefault, err := placeholder.CompilePipeline(requestedAcks + "|fn:default('[]')|" + expression)
	if err != nil {
		return nil, fmt.Errorf("invalid acknowledgement filter: %w", err)
	}
	plain, err := placeholder.CompilePipeline(requestedAcks + "|" + expression)
	if err != nil {
		return nil, fmt.Errorf("invalid acknowledgement filter: %w", err)
	}
	return &Filter{raw: expression, withDefault: withDefault, plain: plain}, nil
}

// String returns the filter expression.
func (f *Filter) String() string {
	if f == nil {
		return ""
	}
	return f.raw
}

// Apply filters the requested acknowledgements of s.
//
// A filter yielding no value clears the requested acknowledgements. A filter
// yielding a value replaces them with the labels of that JSON array. If the
// signal requested nothing, only an explicit value produced by the filter
// itself (e.g. through fn:default) adds a requested-acks header.
func (f *Filter) Apply(s signal.Signal) (signal.Signal, error) {
	if f == nil {
		return s, nil
	}
	resolver := protocol.SignalResolver(s)
	value, ok := f.withDefault.Evaluate(resolver).Value()
	if !ok || value == "" {
		return s.WithHeaders(s.Headers.WithAcknowledgementRequests(nil)), nil
	}
	if _, defined := s.Headers.Get(signal.HeaderRequestedAcks); defined {
		return withRequests(s, value)
	}
	value, ok = f.plain.Evaluate(resolver).Value()
	if !ok {
		return s, nil
	}
	return withRequests(s, value)
}

func withRequests(s signal.Signal, value string) (signal.Signal, error) {
	reqs, err := signal.ParseAcknowledgementRequests(value)
	if err != nil {
		return s, fmt.Errorf("acknowledgement filter produced an invalid value: %w", err)
	}
	return s.WithHeaders(s.Headers.WithAcknowledgementRequests(reqs)), nil
}

// FilterAcknowledgements compiles expression and applies it to s.
func FilterAcknowledgements(s signal.Signal, expression string) (signal.Signal, error) {
	f, err := Compile(expression)
	if err != nil {
		return s, err
	}
	return f.Apply(s)
}

// MergeSourceRequests adds the statically configured requests of a source to
// the ones the signal already carries. Existing requests keep their order.
func MergeSourceRequests(s signal.Signal, includes []signal.AcknowledgementRequest) (signal.Signal, error) {
	if len(includes) == 0 {
		return s, nil
	}
	existing, _, err := s.Headers.AcknowledgementRequests()
	if err != nil {
		return s, err
	}
	return s.WithHeaders(s.Headers.WithAcknowledgementRequests(signal.UnionRequests(existing, includes))), nil
}

// AppendConnectionID tags acknowledgements and channel-bearing responses with
// the connection they were received on. Aggregated acknowledgements are tagged
// together with every acknowledgement they contain.
func AppendConnectionID(s signal.Signal, connectionID string) signal.Signal {
	switch s.Kind {
	case signal.KindAcknowledgement:
		return s.WithHeader(signal.HeaderConnectionID, connectionID)
	case signal.KindAcknowledgements:
		contained := make([]signal.Signal, 0, len(s.Acknowledgements))
		for _, ack := range s.Acknowledgements {
			contained = append(contained, ack.WithHeader(signal.HeaderConnectionID, connectionID))
		}
		return s.WithAcknowledgements(contained).WithHeader(signal.HeaderConnectionID, connectionID)
	case signal.KindCommandResponse, signal.KindErrorResponse:
		if _, ok := s.Headers.Get(signal.HeaderChannel); ok {
			return s.WithHeader(signal.HeaderConnectionID, connectionID)
		}
	}
	return s
}
