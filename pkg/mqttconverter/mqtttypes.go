package mqttconverter

import (
	"strings"

	"github.com/illmade-knight/go-thingbridge/pkg/connection"
)

// Headers added to every received message.
const (
	HeaderTopic  = "mqtt.topic"
	HeaderQoS    = "mqtt.qos"
	HeaderRetain = "mqtt.retain"
)

// Subscription is one topic filter of a consumer together with the source of
// the connection it belongs to.
type Subscription struct {
	Filter string
	QoS    byte
	Source int
}

// SubscriptionsFor returns one subscription per address of every source of
// the connection, in declaration order.
func SubscriptionsFor(conn connection.Connection) []Subscription {
	var subs []Subscription
	for i, src := range conn.Sources {
		for _, addr := range src.Addresses {
			subs = append(subs, Subscription{Filter: addr, QoS: clampQoS(src.QoS), Source: i})
		}
	}
	return subs
}

func clampQoS(qos int) byte {
	switch {
	case qos <= 0:
		return 0
	case qos >= 2:
		return 2
	}
	return byte(qos)
}

// TopicMatches reports whether an MQTT topic name matches a topic filter with
// the single level (+) and multi level (#) wildcards.
func TopicMatches(filter, topic string) bool {
	f := strings.Split(filter, "/")
	t := strings.Split(topic, "/")
	for i, level := range f {
		if level == "#" {
			return true
		}
		if i >= len(t) {
			return false
		}
		if level != "+" && level != t[i] {
			return false
		}
	}
	return len(f) == len(t)
}
