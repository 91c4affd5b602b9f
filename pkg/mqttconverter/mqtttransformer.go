package mqttconverter

import (
	"context"

	"github.com/illmade-knight/go-thingbridge/pkg/message"
	"github.com/illmade-knight/go-thingbridge/pkg/messagepipeline"
)

// ToExternalTransformer converts MQTT messages into external messages bound
// to the source of the first subscription whose filter matches the topic.
// Messages on a topic no subscription matches are skipped.
func ToExternalTransformer(subs []Subscription) messagepipeline.MessageTransformer[message.External] {
	return func(_ context.Context, msg *messagepipeline.Message) (*message.External, bool, error) {
		for _, sub := range subs {
			if TopicMatches(sub.Filter, msg.Address) {
				ext := msg.External().WithSourceIndex(sub.Source)
				return &ext, false, nil
			}
		}
		return nil, true, nil
	}
}
