// Package signal holds the internal, transport independent representation of
// commands, events, responses, errors and acknowledgements exchanged with the
// twin platform.
package signal

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// Kind of a signal.
type Kind int

const (
	KindCommand Kind = iota
	KindCommandResponse
	KindEvent
	KindErrorResponse
	KindAcknowledgement
	KindAcknowledgements
	KindSearchCommand
)

func (k Kind) String() string {
	switch k {
	case KindCommand:
		return "command"
	case KindCommandResponse:
		return "response"
	case KindEvent:
		return "event"
	case KindErrorResponse:
		return "error"
	case KindAcknowledgement:
		return "acknowledgement"
	case KindAcknowledgements:
		return "acknowledgements"
	case KindSearchCommand:
		return "search"
	}
	return "unknown"
}

// ThingID is a namespaced entity id of the form "namespace:name".
type ThingID string

// UnknownThingID is used for error responses whose entity could not be determined.
const UnknownThingID ThingID = "_:_"

// ParseThingID validates a thing id.
func ParseThingID(s string) (ThingID, error) {
	ns, name, ok := strings.Cut(s, ":")
	if !ok || name == "" || strings.ContainsAny(ns, "/") || strings.ContainsAny(name, "/") {
		return "", fmt.Errorf("invalid thing id %q: expected 'namespace:name'", s)
	}
	return ThingID(s), nil
}

// Namespace returns the part before the first ':'.
func (id ThingID) Namespace() string {
	ns, _, _ := strings.Cut(string(id), ":")
	return ns
}

// Name returns the part after the first ':'.
func (id ThingID) Name() string {
	_, name, _ := strings.Cut(string(id), ":")
	return name
}

// Signal is a value; the With methods return modified copies and never
// mutate the receiver.
type Signal struct {
	Kind Kind
	// Action is the command or event action, e.g. "modify" or "modified".
	Action  string
	ThingID ThingID
	// Path is the JSON pointer of the affected resource, e.g. "/attributes/location".
	Path     string
	Value    json.RawMessage
	Status   int
	Revision int64
	// Label is set on acknowledgements.
	Label AcknowledgementLabel
	// Acknowledgements is set on aggregated acknowledgements.
	Acknowledgements []Signal
	// Err is set on error responses.
	Err     *Error
	Headers Headers
}

// NewCommand creates a twin or live command.
func NewCommand(thingID ThingID, action, path string, value json.RawMessage, headers Headers) Signal {
	return Signal{Kind: KindCommand, ThingID: thingID, Action: action, Path: path, Value: value, Headers: headers}
}

// NewCommandResponse creates a response to a command.
func NewCommandResponse(thingID ThingID, action, path string, value json.RawMessage, status int, headers Headers) Signal {
	return Signal{Kind: KindCommandResponse, ThingID: thingID, Action: action, Path: path, Value: value, Status: status, Headers: headers}
}

// NewEvent creates an event at the given revision.
func NewEvent(thingID ThingID, action, path string, value json.RawMessage, revision int64, headers Headers) Signal {
	return Signal{Kind: KindEvent, ThingID: thingID, Action: action, Path: path, Value: value, Revision: revision, Headers: headers}
}

// NewSearchCommand creates a search protocol command such as "subscribe" or "cancel".
func NewSearchCommand(action string, value json.RawMessage, headers Headers) Signal {
	return Signal{Kind: KindSearchCommand, Action: action, Value: value, Headers: headers}
}

// NewAcknowledgement creates a single acknowledgement.
func NewAcknowledgement(label AcknowledgementLabel, thingID ThingID, status int, value json.RawMessage, headers Headers) Signal {
	return Signal{Kind: KindAcknowledgement, Label: label, ThingID: thingID, Status: status, Value: value, Headers: headers}
}

// NewAcknowledgements aggregates acknowledgements. The status is the common
// status of all acknowledgements, or 424 if they differ.
func NewAcknowledgements(thingID ThingID, acks []Signal, headers Headers) Signal {
	status := http.StatusOK
	for i, a := range acks {
		if i == 0 {
			status = a.Status
			continue
		}
		if a.Status != status {
			status = http.StatusFailedDependency
			break
		}
	}
	contained := make([]Signal, len(acks))
	copy(contained, acks)
	return Signal{Kind: KindAcknowledgements, ThingID: thingID, Status: status, Acknowledgements: contained, Headers: headers}
}

// NewErrorResponse converts err into an error response for the given entity.
func NewErrorResponse(thingID ThingID, err error, headers Headers) Signal {
	e := ErrorFrom(err)
	return Signal{Kind: KindErrorResponse, ThingID: thingID, Status: e.Status, Err: e, Headers: headers}
}

// WithHeaders returns a copy with the headers replaced.
func (s Signal) WithHeaders(h Headers) Signal {
	s.Headers = h
	return s
}

// WithHeader returns a copy with one header set.
func (s Signal) WithHeader(key, value string) Signal {
	s.Headers = s.Headers.With(key, value)
	return s
}

// WithAcknowledgements returns a copy with the contained acknowledgements replaced.
func (s Signal) WithAcknowledgements(acks []Signal) Signal {
	contained := make([]Signal, len(acks))
	copy(contained, acks)
	s.Acknowledgements = contained
	return s
}

// IsResponse reports whether the signal answers a previous signal.
func (s Signal) IsResponse() bool {
	switch s.Kind {
	case KindCommandResponse, KindErrorResponse, KindAcknowledgement, KindAcknowledgements:
		return true
	}
	return false
}

// Channel returns the channel from the headers.
func (s Signal) Channel() Channel { return s.Headers.Channel() }

// CodedError is implemented by errors that can be turned into error responses.
type CodedError interface {
	error
	ErrorCode() string
	HTTPStatus() int
	Description() string
}

// Error is the payload of an error response.
type Error struct {
	Code        string `json:"error"`
	Status      int    `json:"status"`
	Message     string `json:"message"`
	Description string `json:"description,omitempty"`
}

func (e *Error) Error() string { return e.Code + ": " + e.Message }

// ErrorFrom extracts code, status and description from err. Errors that do not
// implement CodedError become internal errors.
func ErrorFrom(err error) *Error {
	var se *Error
	if errors.As(err, &se) {
		return se
	}
	var coded CodedError
	if errors.As(err, &coded) {
		return &Error{Code: coded.ErrorCode(), Status: coded.HTTPStatus(), Message: err.Error(), Description: coded.Description()}
	}
	return &Error{Code: "bridge:internal.error", Status: http.StatusInternalServerError, Message: err.Error()}
}
