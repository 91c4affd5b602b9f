// Package protocol converts between the canonical JSON protocol messages
// (adaptables) and internal signals.
package protocol

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/illmade-knight/go-thingbridge/pkg/signal"
)

// ContentType of canonical protocol messages.
const ContentType = "application/vnd.thingbridge+json"

// Adaptable is the codec-level representation of a signal.
type Adaptable struct {
	Topic    TopicPath
	Headers  signal.Headers
	Path     string
	Value    json.RawMessage
	Status   int
	Revision int64
	// Extra holds enrichment fields; nil when no enrichment took place.
	Extra map[string]any
}

type jsonAdaptable struct {
	Topic    string            `json:"topic"`
	Headers  map[string]string `json:"headers,omitempty"`
	Path     string            `json:"path"`
	Value    json.RawMessage   `json:"value,omitempty"`
	Status   int               `json:"status,omitempty"`
	Revision int64             `json:"revision,omitempty"`
	Extra    map[string]any    `json:"extra,omitempty"`
}

// WithHeaders returns a copy with the headers replaced.
func (a Adaptable) WithHeaders(h signal.Headers) Adaptable {
	a.Headers = h
	return a
}

// WithExtra returns a copy carrying the given extra fields.
func (a Adaptable) WithExtra(extra map[string]any) Adaptable {
	a.Extra = extra
	return a
}

// MarshalJSON renders the canonical JSON form.
func (a Adaptable) MarshalJSON() ([]byte, error) {
	path := a.Path
	if path == "" {
		path = "/"
	}
	return json.Marshal(jsonAdaptable{
		Topic:    a.Topic.String(),
		Headers:  a.Headers.Map(),
		Path:     path,
		Value:    a.Value,
		Status:   a.Status,
		Revision: a.Revision,
		Extra:    a.Extra,
	})
}

// ParseAdaptable reads the canonical JSON form. If only the topic is invalid,
// the returned adaptable still carries the headers so that an error response
// can be correlated.
func ParseAdaptable(data []byte) (Adaptable, error) {
	var raw jsonAdaptable
	if err := json.Unmarshal(data, &raw); err != nil {
		return Adaptable{}, &PayloadError{Reason: err.Error()}
	}
	a := Adaptable{
		Headers:  signal.NewHeaders(raw.Headers),
		Path:     raw.Path,
		Value:    raw.Value,
		Status:   raw.Status,
		Revision: raw.Revision,
		Extra:    raw.Extra,
	}
	tp, err := ParseTopicPath(raw.Topic)
	if err != nil {
		return a, err
	}
	a.Topic = tp
	return a, nil
}

// PayloadError reports a payload that is not a protocol message.
type PayloadError struct {
	Reason string
}

func (e *PayloadError) Error() string {
	return fmt.Sprintf("the payload is not a valid protocol message: %s", e.Reason)
}

func (e *PayloadError) ErrorCode() string { return "things:payload.invalid" }

func (e *PayloadError) HTTPStatus() int { return http.StatusBadRequest }

func (e *PayloadError) Description() string {
	return "Make sure the message is a JSON object with 'topic', 'path' and 'value'."
}
