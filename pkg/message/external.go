// Package message defines ExternalMessage, the transport-side view of a message
// before it is decoded into a signal or after a signal was mapped for a target.
package message

import (
	"sort"
	"strings"

	"github.com/illmade-knight/go-thingbridge/pkg/signal"
)

// Reserved external header names.
const (
	HeaderContentType = "content-type"
	HeaderAccept      = "accept"
	HeaderReplyTo     = "replyTo"
)

// PayloadType of an external message.
type PayloadType int

const (
	PayloadUnknown PayloadType = iota
	PayloadText
	PayloadBytes
)

// Type classifies the signal an external message carries.
type Type string

const (
	TypeCommand  Type = "COMMAND"
	TypeEvent    Type = "EVENT"
	TypeResponse Type = "RESPONSE"
	TypeMessage  Type = "MESSAGE"
	TypeErrors   Type = "ERRORS"
)

// TypeOf derives the message type of a signal.
func TypeOf(s signal.Signal) Type {
	switch s.Kind {
	case signal.KindEvent:
		return TypeEvent
	case signal.KindErrorResponse:
		return TypeErrors
	case signal.KindCommandResponse, signal.KindAcknowledgement, signal.KindAcknowledgements:
		return TypeResponse
	}
	return TypeCommand
}

type header struct {
	key   string
	value string
}

// External is an immutable message exchanged with a transport. Header lookups
// are case-insensitive and header order is preserved.
type External struct {
	headers     []header
	payloadType PayloadType
	text        string
	bytes       []byte
	messageType Type

	authorization   *signal.AuthorizationContext
	sourceAddress   string
	source          int // index+1 of the bound source, 0 if unbound
	internalHeaders signal.Headers
}

// NewText creates a text message.
func NewText(headers map[string]string, text string) External {
	return External{headers: fromMap(headers), payloadType: PayloadText, text: text}
}

// NewBytes creates a binary message.
func NewBytes(headers map[string]string, payload []byte) External {
	b := make([]byte, len(payload))
	copy(b, payload)
	return External{headers: fromMap(headers), payloadType: PayloadBytes, bytes: b}
}

// NewEmpty creates a message without payload.
func NewEmpty(headers map[string]string) External {
	return External{headers: fromMap(headers), payloadType: PayloadUnknown}
}

func fromMap(m map[string]string) []header {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]header, 0, len(m))
	for _, k := range keys {
		out = append(out, header{key: k, value: m[k]})
	}
	return out
}

// Headers returns a copy of the headers.
func (m External) Headers() map[string]string {
	out := make(map[string]string, len(m.headers))
	for _, h := range m.headers {
		out[h.key] = h.value
	}
	return out
}

// HeaderKeys returns the header names in order.
func (m External) HeaderKeys() []string {
	out := make([]string, 0, len(m.headers))
	for _, h := range m.headers {
		out = append(out, h.key)
	}
	return out
}

// FindHeader looks up a header with exact name match.
func (m External) FindHeader(key string) (string, bool) {
	for _, h := range m.headers {
		if h.key == key {
			return h.value, true
		}
	}
	return "", false
}

// FindHeaderIgnoreCase looks up a header ignoring case.
func (m External) FindHeaderIgnoreCase(key string) (string, bool) {
	for _, h := range m.headers {
		if strings.EqualFold(h.key, key) {
			return h.value, true
		}
	}
	return "", false
}

// ContentType returns the content-type header, if any.
func (m External) ContentType() (string, bool) {
	return m.FindHeaderIgnoreCase(HeaderContentType)
}

// WithHeader returns a copy with the header set. An existing header with the
// same name, ignoring case, is replaced in place.
func (m External) WithHeader(key, value string) External {
	next := make([]header, 0, len(m.headers)+1)
	replaced := false
	for _, h := range m.headers {
		if strings.EqualFold(h.key, key) {
			if !replaced {
				next = append(next, header{key: key, value: value})
				replaced = true
			}
			continue
		}
		next = append(next, h)
	}
	if !replaced {
		next = append(next, header{key: key, value: value})
	}
	m.headers = next
	return m
}

// WithHeaders returns a copy with all given headers set.
func (m External) WithHeaders(headers map[string]string) External {
	for _, h := range fromMap(headers) {
		m = m.WithHeader(h.key, h.value)
	}
	return m
}

// PayloadType returns the payload type.
func (m External) PayloadType() PayloadType { return m.payloadType }

// IsText reports a text payload.
func (m External) IsText() bool { return m.payloadType == PayloadText }

// IsBytes reports a binary payload.
func (m External) IsBytes() bool { return m.payloadType == PayloadBytes }

// Text returns the text payload.
func (m External) Text() (string, bool) { return m.text, m.payloadType == PayloadText }

// Bytes returns a copy of the binary payload.
func (m External) Bytes() ([]byte, bool) {
	if m.payloadType != PayloadBytes {
		return nil, false
	}
	b := make([]byte, len(m.bytes))
	copy(b, m.bytes)
	return b, true
}

// Payload returns the payload as bytes regardless of its type.
func (m External) Payload() []byte {
	switch m.payloadType {
	case PayloadText:
		return []byte(m.text)
	case PayloadBytes:
		b, _ := m.Bytes()
		return b
	}
	return nil
}

// WithText returns a copy with a text payload.
func (m External) WithText(text string) External {
	m.payloadType, m.text, m.bytes = PayloadText, text, nil
	return m
}

// WithBytes returns a copy with a binary payload.
func (m External) WithBytes(payload []byte) External {
	b := make([]byte, len(payload))
	copy(b, payload)
	m.payloadType, m.text, m.bytes = PayloadBytes, "", b
	return m
}

// MessageType returns the optional message type.
func (m External) MessageType() (Type, bool) { return m.messageType, m.messageType != "" }

// WithMessageType returns a copy with the message type set.
func (m External) WithMessageType(t Type) External {
	m.messageType = t
	return m
}

// AuthorizationContext returns a pre-resolved authorization context.
func (m External) AuthorizationContext() (signal.AuthorizationContext, bool) {
	if m.authorization == nil {
		return signal.AuthorizationContext{}, false
	}
	return *m.authorization, true
}

// WithAuthorizationContext returns a copy carrying a pre-resolved context.
func (m External) WithAuthorizationContext(ctx signal.AuthorizationContext) External {
	m.authorization = &ctx
	return m
}

// SourceAddress returns the transport address the message was received on.
func (m External) SourceAddress() string { return m.sourceAddress }

// WithSourceAddress returns a copy bound to the transport address.
func (m External) WithSourceAddress(address string) External {
	m.sourceAddress = address
	return m
}

// SourceIndex returns the index of the connection source the message was
// received from.
func (m External) SourceIndex() (int, bool) { return m.source - 1, m.source > 0 }

// WithSourceIndex returns a copy bound to a connection source.
func (m External) WithSourceIndex(i int) External {
	m.source = i + 1
	return m
}

// InternalHeaders returns headers carried alongside the message, such as
// reply information, that are not part of the transport headers.
func (m External) InternalHeaders() signal.Headers { return m.internalHeaders }

// WithInternalHeaders returns a copy with the internal headers replaced.
func (m External) WithInternalHeaders(h signal.Headers) External {
	m.internalHeaders = h
	return m
}
