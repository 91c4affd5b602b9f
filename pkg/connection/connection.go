// Package connection holds the declarative description of a bridge
// connection: where messages come from, where they go and how they are
// mapped on the way.
package connection

import (
	"errors"
	"fmt"

	"github.com/illmade-knight/go-thingbridge/pkg/signal"
)

// Connection is one logical link to an external transport.
type Connection struct {
	ID       string                       `yaml:"id"`
	Type     string                       `yaml:"type"`
	Sources  []Source                     `yaml:"sources"`
	Targets  []Target                     `yaml:"targets"`
	Mappings map[string]MappingDefinition `yaml:"mappings"`
}

// Source is an inbound address set with its processing options.
type Source struct {
	Addresses []string `yaml:"addresses"`
	// AuthorizationSubjects may contain placeholders resolved against the
	// headers of each received message.
	AuthorizationSubjects   []string                        `yaml:"authorization_context"`
	Enforcement             *Enforcement                    `yaml:"enforcement,omitempty"`
	AcknowledgementRequests *FilteredAcknowledgementRequest `yaml:"acknowledgement_requests,omitempty"`
	HeaderMapping           map[string]string               `yaml:"header_mapping,omitempty"`
	PayloadMapping          []string                        `yaml:"payload_mapping,omitempty"`
	ReplyTarget             *ReplyTarget                    `yaml:"reply_target,omitempty"`
	QoS                     int                             `yaml:"qos"`
}

// ReplyTarget describes where responses to messages of a source are sent.
type ReplyTarget struct {
	// Address is a template, e.g. "{{ header:reply-to }}".
	Address       string            `yaml:"address"`
	HeaderMapping map[string]string `yaml:"header_mapping,omitempty"`
}

// FilteredAcknowledgementRequest declares acknowledgements requested by
// default for every inbound signal of a source, and an optional placeholder
// pipeline filtering the final set.
type FilteredAcknowledgementRequest struct {
	Includes []signal.AcknowledgementLabel `yaml:"includes"`
	Filter   string                        `yaml:"filter,omitempty"`
}

// IncludedRequests returns the includes as requests.
func (f *FilteredAcknowledgementRequest) IncludedRequests() []signal.AcknowledgementRequest {
	if f == nil {
		return nil
	}
	return signal.RequestsFor(f.Includes...)
}

// Enforcement ties a transport address to the identity of the decoded signal.
type Enforcement struct {
	// Input is resolved against the transport input, e.g. "{{ source:address }}".
	Input string `yaml:"input"`
	// Filters are resolved against the decoded signal; one must equal Input.
	Filters []string `yaml:"filters"`
}

// AuthorizationContext of the source before placeholder resolution.
func (s Source) AuthorizationContext() signal.AuthorizationContext {
	return signal.NewAuthorizationContext(s.AuthorizationSubjects...)
}

// MappingDefinition configures one payload mapper of the connection.
type MappingDefinition struct {
	Engine  string            `yaml:"engine"`
	Options map[string]string `yaml:"options,omitempty"`
	// IncomingConditions and OutgoingConditions are placeholder templates that
	// must all resolve to "true" for the mapper to apply.
	IncomingConditions map[string]string `yaml:"incoming_conditions,omitempty"`
	OutgoingConditions map[string]string `yaml:"outgoing_conditions,omitempty"`
}

// Validate checks the structure of the connection. Placeholder syntax is
// checked when the connection is compiled by its client.
func (c Connection) Validate() error {
	var errs []error
	if c.ID == "" {
		errs = append(errs, errors.New("connection id must not be empty"))
	}
	for i, s := range c.Sources {
		if len(s.Addresses) == 0 {
			errs = append(errs, fmt.Errorf("source %d: at least one address is required", i))
		}
		if s.Enforcement != nil && len(s.Enforcement.Filters) == 0 {
			errs = append(errs, fmt.Errorf("source %d: enforcement requires at least one filter", i))
		}
		if s.AcknowledgementRequests != nil {
			for _, l := range s.AcknowledgementRequests.Includes {
				if _, err := signal.ParseLabel(string(l)); err != nil {
					errs = append(errs, fmt.Errorf("source %d: %w", i, err))
				}
			}
		}
	}
	for i, t := range c.Targets {
		if t.Address == "" {
			errs = append(errs, fmt.Errorf("target %d: address must not be empty", i))
		}
		for _, ft := range t.Topics {
			if !ft.Topic.IsKnown() {
				errs = append(errs, fmt.Errorf("target %d: unknown topic '%s'", i, ft.Topic))
			}
		}
	}
	for id, def := range c.Mappings {
		if def.Engine == "" {
			errs = append(errs, fmt.Errorf("mapping '%s': engine must not be empty", id))
		}
	}
	return errors.Join(errs...)
}

// TargetsFor returns the targets subscribed to the signal, in declaration order.
func (c Connection) TargetsFor(s signal.Signal) []Target {
	topic, ok := TopicOf(s)
	if !ok {
		return nil
	}
	var out []Target
	for _, t := range c.Targets {
		if t.SubscribedTo(topic, s.ThingID.Namespace()) {
			out = append(out, t)
		}
	}
	return out
}
