package connection

import (
	"github.com/illmade-knight/go-thingbridge/pkg/signal"
)

// Topic a target can subscribe to.
type Topic string

const (
	TopicTwinEvents   Topic = "_/_/things/twin/events"
	TopicLiveEvents   Topic = "_/_/things/live/events"
	TopicLiveCommands Topic = "_/_/things/live/commands"
)

// IsKnown reports a supported topic.
func (t Topic) IsKnown() bool {
	switch t {
	case TopicTwinEvents, TopicLiveEvents, TopicLiveCommands:
		return true
	}
	return false
}

// TopicOf returns the topic a signal is published under, if targets can
// subscribe to it at all.
func TopicOf(s signal.Signal) (Topic, bool) {
	switch {
	case s.Kind == signal.KindEvent && s.Channel() == signal.ChannelLive:
		return TopicLiveEvents, true
	case s.Kind == signal.KindEvent:
		return TopicTwinEvents, true
	case s.Kind == signal.KindCommand && s.Channel() == signal.ChannelLive:
		return TopicLiveCommands, true
	}
	return "", false
}

// FilteredTopic is a topic subscription with an optional enrichment selector.
type FilteredTopic struct {
	Topic Topic `yaml:"topic"`
	// ExtraFields are JSON pointers of thing fields added to each published
	// message, e.g. "attributes/location".
	ExtraFields []string `yaml:"extra_fields,omitempty"`
	Namespaces  []string `yaml:"namespaces,omitempty"`
}

// Target is an outbound destination.
type Target struct {
	// Address may contain placeholders resolved per signal, e.g.
	// "telemetry/{{ thing:namespace }}/{{ thing:name }}".
	Address               string            `yaml:"address"`
	AuthorizationSubjects []string          `yaml:"authorization_context"`
	Topics                []FilteredTopic   `yaml:"topics"`
	PayloadMapping        []string          `yaml:"payload_mapping,omitempty"`
	HeaderMapping         map[string]string `yaml:"header_mapping,omitempty"`
	QoS                   int               `yaml:"qos"`
}

// AuthorizationContext of the target.
func (t Target) AuthorizationContext() signal.AuthorizationContext {
	return signal.NewAuthorizationContext(t.AuthorizationSubjects...)
}

// NeedsEnrichment reports whether any topic carries extra fields.
func (t Target) NeedsEnrichment() bool {
	for _, ft := range t.Topics {
		if len(ft.ExtraFields) > 0 {
			return true
		}
	}
	return false
}

// ExtraFields returns the union of the extra fields of all topics, in
// declaration order.
func (t Target) ExtraFields() []string {
	var out []string
	seen := make(map[string]struct{})
	for _, ft := range t.Topics {
		for _, f := range ft.ExtraFields {
			if _, ok := seen[f]; ok {
				continue
			}
			seen[f] = struct{}{}
			out = append(out, f)
		}
	}
	return out
}

// SubscribedTo reports whether the target receives signals of the topic in
// the given namespace.
func (t Target) SubscribedTo(topic Topic, namespace string) bool {
	for _, ft := range t.Topics {
		if ft.Topic != topic {
			continue
		}
		if len(ft.Namespaces) == 0 {
			return true
		}
		for _, ns := range ft.Namespaces {
			if ns == namespace {
				return true
			}
		}
	}
	return false
}
