package messagepipeline

import (
	"context"

	"github.com/illmade-knight/go-thingbridge/pkg/message"
	"github.com/rs/zerolog"
)

// ExternalTransformer converts every consumed message into an external
// message. A non-negative sourceIndex binds the message to that source of the
// connection.
func ExternalTransformer(sourceIndex int) MessageTransformer[message.External] {
	return func(_ context.Context, msg *Message) (*message.External, bool, error) {
		ext := msg.External()
		if sourceIndex >= 0 {
			ext = ext.WithSourceIndex(sourceIndex)
		}
		return &ext, false, nil
	}
}

// ExternalProcessor adapts a bridge entry point such as
// bridge.Client.HandleExternal to a StreamProcessor. A message is Acked once
// the handler accepted it.
func ExternalProcessor(handle func(ctx context.Context, m message.External) error) StreamProcessor[message.External] {
	return func(ctx context.Context, _ Message, payload *message.External) error {
		return handle(ctx, *payload)
	}
}

// WithPayloadLimit is a decorator function. It takes an existing MessageTransformer
// and returns a new one that skips messages larger than maxSize bytes.
func WithPayloadLimit[T any](
	inner MessageTransformer[T],
	maxSize int,
	logger zerolog.Logger,
) MessageTransformer[T] {
	if maxSize <= 0 {
		return inner
	}
	return func(ctx context.Context, msg *Message) (*T, bool, error) {
		if len(msg.Payload) > maxSize {
			logger.Warn().Str("msg_id", msg.ID).Str("address", msg.Address).
				Int("payload_size", len(msg.Payload)).Int("max_size", maxSize).
				Msg("Rejecting message due to payload size.")
			return nil, true, nil
		}
		return inner(ctx, msg)
	}
}
