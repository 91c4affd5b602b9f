package messagepipeline

import (
	"time"
	"unicode/utf8"

	"github.com/illmade-knight/go-thingbridge/pkg/message"
)

// Message is the transport-neutral representation of a message received from
// a broker. It carries the raw payload, the broker metadata and the
// acknowledgment handles of the source.
type Message struct {
	// ID is the unique identifier for the message from the source broker.
	ID string

	// Payload is the raw byte content of the message.
	Payload []byte

	// PublishTime is the timestamp when the message was originally published.
	PublishTime time.Time

	// Address is where the message was received, e.g. an MQTT topic, a Kafka
	// topic or a Pub/Sub subscription.
	Address string

	// Attributes holds metadata from the message broker (e.g. Pub/Sub
	// attributes, Kafka headers). MQTT 3.1.1 carries none.
	Attributes map[string]string

	// Ack is a function to call to signal that processing was successful and the
	// message can be permanently removed from the source.
	Ack func()

	// Nack is a function to call to signal that processing has failed and the
	// message should be re-queued or sent to a dead-letter queue.
	Nack func()
}

// External converts the message into the external message handled by the
// inbound pipeline. Attributes become headers. Payloads that are valid UTF-8
// become text payloads, everything else stays binary.
func (m Message) External() message.External {
	var ext message.External
	switch {
	case len(m.Payload) == 0:
		ext = message.NewEmpty(m.Attributes)
	case utf8.Valid(m.Payload):
		ext = message.NewText(m.Attributes, string(m.Payload))
	default:
		ext = message.NewBytes(m.Attributes, m.Payload)
	}
	return ext.WithSourceAddress(m.Address)
}

func (m Message) ack() {
	if m.Ack != nil {
		m.Ack()
	}
}

func (m Message) nack() {
	if m.Nack != nil {
		m.Nack()
	}
}
