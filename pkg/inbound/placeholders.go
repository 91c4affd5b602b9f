package inbound

import (
	"github.com/illmade-knight/go-thingbridge/pkg/message"
	"github.com/illmade-knight/go-thingbridge/pkg/placeholder"
)

// sourcePlaceholder resolves source:address to the transport address a
// message was received on.
type sourcePlaceholder struct{}

func (sourcePlaceholder) Prefix() string { return "source" }

func (sourcePlaceholder) Resolve(m message.External, key string) (string, bool) {
	if key != "address" || m.SourceAddress() == "" {
		return "", false
	}
	return m.SourceAddress(), true
}

// headerPlaceholder resolves header:<name> against the external headers,
// ignoring case.
type headerPlaceholder struct{}

func (headerPlaceholder) Prefix() string { return "header" }

func (headerPlaceholder) Resolve(m message.External, key string) (string, bool) {
	return m.FindHeaderIgnoreCase(key)
}

// externalPlaceholders are available wherever a template is resolved against
// a received message.
var externalPlaceholders = []placeholder.Placeholder[message.External]{sourcePlaceholder{}, headerPlaceholder{}}

func externalResolver(m message.External) *placeholder.ExpressionResolver {
	resolvers := make([]placeholder.Resolver, 0, len(externalPlaceholders))
	for _, p := range externalPlaceholders {
		resolvers = append(resolvers, placeholder.Bind(p, m))
	}
	return placeholder.NewExpressionResolver(resolvers...)
}
