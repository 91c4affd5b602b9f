// Package enforcement checks that the transport address a message arrived on
// belongs to the entity the decoded signal addresses.
package enforcement

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/illmade-knight/go-thingbridge/pkg/connection"
	"github.com/illmade-knight/go-thingbridge/pkg/placeholder"
	"github.com/illmade-knight/go-thingbridge/pkg/signal"
)

// FailedError reports an address that does not match the signal's identity.
type FailedError struct {
	// Input is the resolved transport side value.
	Input string
	// Expected holds the resolved filters.
	Expected []string
	ThingID  signal.ThingID
}

func (e *FailedError) Error() string {
	return fmt.Sprintf("the id enforcement failed for '%s': input '%s' matches none of %v", e.ThingID, e.Input, e.Expected)
}

func (e *FailedError) ErrorCode() string { return "connectivity:connection.id.enforcement.failed" }

func (e *FailedError) HTTPStatus() int { return http.StatusBadRequest }

func (e *FailedError) Description() string {
	return "The configured filters could not be matched against the given target with ID '" + string(e.ThingID) + "'. " +
		"Either modify the configured filters or ensure the message is sent via the correct ID."
}

// Factory compiles an enforcement once per source and creates filters per
// transport input of type T.
type Factory[T any] struct {
	input        *placeholder.Template
	filters      []*placeholder.Template
	placeholders []placeholder.Placeholder[T]
}

// NewFilterFactory compiles the enforcement templates. The input template is
// resolved with the given placeholders, the filters against the signal.
func NewFilterFactory[T any](e connection.Enforcement, placeholders ...placeholder.Placeholder[T]) (*Factory[T], error) {
	input, err := placeholder.Compile(e.Input)
	if err != nil {
		return nil, fmt.Errorf("invalid enforcement input: %w", err)
	}
	if len(e.Filters) == 0 {
		return nil, fmt.Errorf("enforcement requires at least one filter")
	}
	f := &Factory[T]{input: input, placeholders: placeholders}
	for _, raw := range e.Filters {
		t, err := placeholder.Compile(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid enforcement filter '%s': %w", raw, err)
		}
		f.filters = append(f.filters, t)
	}
	return f, nil
}

// Filter binds the factory to one transport input.
func (f *Factory[T]) Filter(input T) (*Filter, error) {
	resolvers := make([]placeholder.Resolver, 0, len(f.placeholders))
	for _, p := range f.placeholders {
		resolvers = append(resolvers, placeholder.Bind(p, input))
	}
	resolved, err := f.input.Resolve(placeholder.NewExpressionResolver(resolvers...))
	if err != nil {
		return nil, fmt.Errorf("failed to resolve enforcement input: %w", err)
	}
	return &Filter{input: resolved, filters: f.filters}, nil
}

// Filter matches signals against a resolved transport input.
type Filter struct {
	input   string
	filters []*placeholder.Template
}

// Input returns the resolved transport input.
func (f *Filter) Input() string { return f.input }

// Match succeeds if any filter, resolved against the signal's thing, equals
// the input exactly.
func (f *Filter) Match(s signal.Signal) error {
	resolver := placeholder.NewExpressionResolver(placeholder.Thing(string(s.ThingID)))
	expected := make([]string, 0, len(f.filters))
	for _, t := range f.filters {
		v, err := t.Resolve(resolver)
		if err != nil {
			expected = append(expected, t.String())
			continue
		}
		if v == f.input {
			return nil
		}
		expected = append(expected, v)
	}
	return &FailedError{Input: f.input, Expected: expected, ThingID: s.ThingID}
}

// String describes the filter for logging.
func (f *Filter) String() string {
	names := make([]string, 0, len(f.filters))
	for _, t := range f.filters {
		names = append(names, t.String())
	}
	return f.input + " in [" + strings.Join(names, ", ") + "]"
}
