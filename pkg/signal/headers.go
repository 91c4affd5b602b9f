package signal

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Reserved header names. Header names are case-insensitive and stored in
// lower case.
const (
	HeaderCorrelationID    = "correlation-id"
	HeaderRequestedAcks    = "requested-acks"
	HeaderChannel          = "channel"
	HeaderConnectionID     = "connection-id"
	HeaderEntityID         = "entity-id"
	HeaderReplyTo          = "reply-to"
	HeaderContentType      = "content-type"
	HeaderResponseRequired = "response-required"
)

// Channel of a signal.
type Channel string

const (
	ChannelTwin Channel = "twin"
	ChannelLive Channel = "live"
)

// Headers is an immutable header set. The With methods return copies.
type Headers struct {
	values map[string]string
	auth   AuthorizationContext
}

// NewHeaders creates a header set from a map. Keys are lower-cased.
func NewHeaders(values map[string]string) Headers {
	h := Headers{values: make(map[string]string, len(values))}
	for k, v := range values {
		h.values[strings.ToLower(k)] = v
	}
	return h
}

func (h Headers) clone(extra int) Headers {
	next := Headers{values: make(map[string]string, len(h.values)+extra), auth: h.auth}
	for k, v := range h.values {
		next.values[k] = v
	}
	return next
}

// Get returns the value of a header.
func (h Headers) Get(key string) (string, bool) {
	v, ok := h.values[strings.ToLower(key)]
	return v, ok
}

// Value returns the value of a header or the empty string.
func (h Headers) Value(key string) string {
	return h.values[strings.ToLower(key)]
}

// With returns a copy with the header set.
func (h Headers) With(key, value string) Headers {
	next := h.clone(1)
	next.values[strings.ToLower(key)] = value
	return next
}

// WithAll returns a copy with all given headers set, replacing existing ones.
func (h Headers) WithAll(values map[string]string) Headers {
	next := h.clone(len(values))
	for k, v := range values {
		next.values[strings.ToLower(k)] = v
	}
	return next
}

// Without returns a copy without the header.
func (h Headers) Without(key string) Headers {
	next := h.clone(0)
	delete(next.values, strings.ToLower(key))
	return next
}

// Map returns a copy of the header values.
func (h Headers) Map() map[string]string {
	out := make(map[string]string, len(h.values))
	for k, v := range h.values {
		out[k] = v
	}
	return out
}

// Len returns the number of headers.
func (h Headers) Len() int { return len(h.values) }

// CorrelationID returns the correlation-id header.
func (h Headers) CorrelationID() string { return h.Value(HeaderCorrelationID) }

// Channel returns the channel header, defaulting to twin.
func (h Headers) Channel() Channel {
	if v, ok := h.Get(HeaderChannel); ok && Channel(v) == ChannelLive {
		return ChannelLive
	}
	return ChannelTwin
}

// AuthorizationContext returns the authorization context of the signal.
func (h Headers) AuthorizationContext() AuthorizationContext { return h.auth }

// WithAuthorizationContext returns a copy carrying the given context.
func (h Headers) WithAuthorizationContext(ctx AuthorizationContext) Headers {
	next := h.clone(0)
	next.auth = ctx
	return next
}

// AcknowledgementRequests parses the requested-acks header. The boolean
// reports whether the header is defined at all.
func (h Headers) AcknowledgementRequests() ([]AcknowledgementRequest, bool, error) {
	raw, ok := h.Get(HeaderRequestedAcks)
	if !ok {
		return nil, false, nil
	}
	reqs, err := ParseAcknowledgementRequests(raw)
	return reqs, true, err
}

// WithAcknowledgementRequests returns a copy with the requested-acks header
// replaced. An empty slice results in the empty JSON array.
func (h Headers) WithAcknowledgementRequests(reqs []AcknowledgementRequest) Headers {
	return h.With(HeaderRequestedAcks, formatAcknowledgementRequests(reqs))
}

// MarshalJSON renders the header values; the authorization context is kept
// out of band.
func (h Headers) MarshalJSON() ([]byte, error) {
	if h.values == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(h.values)
}

// UnmarshalJSON reads a flat JSON object of string values. Non-string values
// are stored in their JSON form.
func (h *Headers) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("headers must be a JSON object: %w", err)
	}
	h.values = make(map[string]string, len(raw))
	for k, v := range raw {
		var s string
		if err := json.Unmarshal(v, &s); err == nil {
			h.values[strings.ToLower(k)] = s
			continue
		}
		h.values[strings.ToLower(k)] = string(v)
	}
	return nil
}
