package protocol

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/illmade-knight/go-thingbridge/pkg/placeholder"
	"github.com/illmade-knight/go-thingbridge/pkg/signal"
)

// Adapter converts between adaptables and signals.
type Adapter interface {
	FromAdaptable(a Adaptable) (signal.Signal, error)
	ToAdaptable(s signal.Signal) (Adaptable, error)
}

// JSONAdapter implements Adapter for the things group.
type JSONAdapter struct{}

// NewAdapter returns the protocol adapter.
func NewAdapter() JSONAdapter { return JSONAdapter{} }

var commandActions = map[string]bool{"create": true, "modify": true, "merge": true, "retrieve": true, "delete": true}

var eventActions = map[string]bool{"created": true, "modified": true, "merged": true, "deleted": true}

// resource classifies a JSON pointer into the resource it addresses.
func resource(path string) (string, bool) {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return "thing", true
	}
	seg := strings.Split(trimmed, "/")
	switch seg[0] {
	case "attributes":
		if len(seg) == 1 {
			return "attributes", true
		}
		return "attribute", true
	case "features":
		switch {
		case len(seg) == 1:
			return "features", true
		case len(seg) == 2:
			return "feature", true
		case seg[2] == "definition" && len(seg) == 3:
			return "featureDefinition", true
		case seg[2] == "properties" || seg[2] == "desiredProperties":
			if len(seg) == 3 {
				return "featureProperties", true
			}
			return "featureProperty", true
		}
	case "definition":
		if len(seg) == 1 {
			return "definition", true
		}
	case "policyId":
		if len(seg) == 1 {
			return "policyId", true
		}
	}
	return "", false
}

func (JSONAdapter) validateCombination(a Adaptable) error {
	invalid := &CombinationInvalidError{Topic: a.Topic.String(), Path: a.Path}
	res, ok := resource(a.Path)
	if !ok {
		return invalid
	}
	switch a.Topic.Criterion {
	case CriterionCommands:
		if !commandActions[a.Topic.Action] {
			return invalid
		}
		if a.Topic.Action == "create" && res != "thing" {
			return invalid
		}
		// live commands are routed to devices, which do not manage policies.
		if a.Topic.Channel == signal.ChannelLive && res == "policyId" {
			return invalid
		}
	case CriterionEvents:
		if !eventActions[a.Topic.Action] {
			return invalid
		}
	}
	return nil
}

func signalHeaders(a Adaptable) signal.Headers {
	h := a.Headers
	if a.Topic.Channel == signal.ChannelLive {
		h = h.With(signal.HeaderChannel, string(signal.ChannelLive))
	}
	return h
}

// FromAdaptable decodes an adaptable into a signal.
func (ad JSONAdapter) FromAdaptable(a Adaptable) (signal.Signal, error) {
	if a.Topic.IsZero() {
		return signal.Signal{}, &TopicPathError{Topic: "", Reason: "missing topic"}
	}
	headers := signalHeaders(a)
	id := a.Topic.ThingID()

	switch a.Topic.Criterion {
	case CriterionCommands, CriterionEvents:
		if err := ad.validateCombination(a); err != nil {
			return signal.Signal{}, err
		}
		path := a.Path
		if path == "" {
			path = "/"
		}
		if a.Topic.Criterion == CriterionEvents {
			return signal.NewEvent(id, a.Topic.Action, path, a.Value, a.Revision, headers), nil
		}
		if a.Status != 0 {
			return signal.NewCommandResponse(id, a.Topic.Action, path, a.Value, a.Status, headers), nil
		}
		return signal.NewCommand(id, a.Topic.Action, path, a.Value, headers), nil

	case CriterionErrors:
		var e signal.Error
		if len(a.Value) > 0 {
			if err := json.Unmarshal(a.Value, &e); err != nil {
				return signal.Signal{}, &PayloadError{Reason: fmt.Sprintf("invalid error payload: %v", err)}
			}
		}
		if e.Status == 0 {
			e.Status = a.Status
		}
		return signal.NewErrorResponse(id, &e, headers), nil

	case CriterionAcks:
		if a.Topic.Action != "" {
			label, err := signal.ParseLabel(a.Topic.Action)
			if err != nil {
				return signal.Signal{}, &CombinationInvalidError{Topic: a.Topic.String(), Path: a.Path}
			}
			return signal.NewAcknowledgement(label, id, a.Status, a.Value, headers), nil
		}
		return ad.acknowledgementsFromAdaptable(id, a, headers)

	case CriterionSearch:
		if a.Topic.Namespace != placeholderSegment || a.Topic.Name != placeholderSegment || a.Topic.Action == "" {
			return signal.Signal{}, &CombinationInvalidError{Topic: a.Topic.String(), Path: a.Path}
		}
		return signal.NewSearchCommand(a.Topic.Action, a.Value, headers), nil
	}
	return signal.Signal{}, &CombinationInvalidError{Topic: a.Topic.String(), Path: a.Path}
}

type jsonAcknowledgement struct {
	Status  int               `json:"status"`
	Value   json.RawMessage   `json:"payload,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
}

func (JSONAdapter) acknowledgementsFromAdaptable(id signal.ThingID, a Adaptable, headers signal.Headers) (signal.Signal, error) {
	var raw map[string]jsonAcknowledgement
	if err := json.Unmarshal(a.Value, &raw); err != nil {
		return signal.Signal{}, &PayloadError{Reason: fmt.Sprintf("invalid acknowledgements payload: %v", err)}
	}
	labels := make([]string, 0, len(raw))
	for l := range raw {
		labels = append(labels, l)
	}
	sort.Strings(labels)
	acks := make([]signal.Signal, 0, len(raw))
	for _, l := range labels {
		label, err := signal.ParseLabel(l)
		if err != nil {
			return signal.Signal{}, &PayloadError{Reason: err.Error()}
		}
		ack := raw[l]
		ackHeaders := headers
		if len(ack.Headers) > 0 {
			ackHeaders = headers.WithAll(ack.Headers)
		}
		acks = append(acks, signal.NewAcknowledgement(label, id, ack.Status, ack.Value, ackHeaders))
	}
	return signal.NewAcknowledgements(id, acks, headers), nil
}

// ToAdaptable encodes a signal. Error responses are always placed under the
// errors criterion of their entity and channel; the entity falls back to the
// entity-id header when the signal carries none.
func (JSONAdapter) ToAdaptable(s signal.Signal) (Adaptable, error) {
	id := s.ThingID
	if id == "" {
		if fromHeader, err := signal.ParseThingID(s.Headers.Value(signal.HeaderEntityID)); err == nil {
			id = fromHeader
		} else {
			id = signal.UnknownThingID
		}
	}
	channel := s.Channel()
	a := Adaptable{Headers: s.Headers, Path: s.Path, Status: s.Status, Value: s.Value, Revision: s.Revision}

	switch s.Kind {
	case signal.KindCommand, signal.KindCommandResponse:
		a.Topic = TopicFor(id, channel, CriterionCommands, s.Action)
	case signal.KindEvent:
		a.Topic = TopicFor(id, channel, CriterionEvents, s.Action)
	case signal.KindErrorResponse:
		a.Topic = TopicFor(id, channel, CriterionErrors, "")
		a.Path = "/"
		if s.Err != nil {
			v, err := json.Marshal(s.Err)
			if err != nil {
				return Adaptable{}, fmt.Errorf("failed to encode error payload: %w", err)
			}
			a.Value = v
		}
	case signal.KindAcknowledgement:
		a.Topic = TopicFor(id, channel, CriterionAcks, string(s.Label))
	case signal.KindAcknowledgements:
		a.Topic = TopicFor(id, channel, CriterionAcks, "")
		payload := make(map[string]jsonAcknowledgement, len(s.Acknowledgements))
		for _, ack := range s.Acknowledgements {
			payload[string(ack.Label)] = jsonAcknowledgement{Status: ack.Status, Value: ack.Value, Headers: ack.Headers.Map()}
		}
		v, err := json.Marshal(payload)
		if err != nil {
			return Adaptable{}, fmt.Errorf("failed to encode acknowledgements: %w", err)
		}
		a.Value = v
	case signal.KindSearchCommand:
		a.Topic = TopicPath{Namespace: placeholderSegment, Name: placeholderSegment, Group: GroupThings, Channel: signal.ChannelTwin, Criterion: CriterionSearch, Action: s.Action}
	default:
		return Adaptable{}, fmt.Errorf("unsupported signal kind %s", s.Kind)
	}
	if a.Path == "" {
		a.Path = "/"
	}
	return a, nil
}

// TopicResolver resolves topic:full, topic:namespace, topic:entityName,
// topic:group, topic:channel, topic:criterion and topic:action.
func TopicResolver(tp TopicPath) placeholder.Resolver {
	return placeholder.Func("topic", func(key string) (string, bool) {
		if tp.IsZero() {
			return "", false
		}
		switch key {
		case "full":
			return tp.String(), true
		case "namespace":
			return tp.Namespace, true
		case "entityName":
			return tp.Name, true
		case "group":
			return string(tp.Group), true
		case "channel":
			return string(tp.Channel), true
		case "criterion":
			return string(tp.Criterion), true
		case "action":
			return tp.Action, tp.Action != ""
		}
		return "", false
	})
}

// SignalResolver builds the resolver set used for expressions evaluated
// against a signal: its headers, thing, topic and issuing subject.
func SignalResolver(s signal.Signal) *placeholder.ExpressionResolver {
	resolvers := []placeholder.Resolver{
		placeholder.Headers(s.Headers.Map()),
		placeholder.Request(s.Headers.AuthorizationContext().Subjects()),
	}
	if s.ThingID != "" {
		resolvers = append(resolvers, placeholder.Thing(string(s.ThingID)))
	}
	if a, err := (JSONAdapter{}).ToAdaptable(s); err == nil {
		resolvers = append(resolvers, TopicResolver(a.Topic))
	}
	return placeholder.NewExpressionResolver(resolvers...)
}
