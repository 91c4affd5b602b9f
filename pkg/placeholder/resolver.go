// Package placeholder implements the {{ namespace:key }} template language used
// across connection definitions, together with the fn: pipeline functions that
// can transform or filter a resolved value.
package placeholder

import (
	"strings"
)

// Resolver resolves the keys of a single namespace, e.g. "header" or "thing".
type Resolver interface {
	Prefix() string
	Resolve(key string) (string, bool)
}

// Placeholder resolves the keys of one namespace against an input of type T.
// It is the unbound form of a Resolver and is used where the input is only
// known at message time, e.g. a transport address.
type Placeholder[T any] interface {
	Prefix() string
	Resolve(input T, key string) (string, bool)
}

// Bind fixes the input of a Placeholder, turning it into a Resolver.
func Bind[T any](p Placeholder[T], input T) Resolver {
	return bound[T]{placeholder: p, input: input}
}

type bound[T any] struct {
	placeholder Placeholder[T]
	input       T
}

func (b bound[T]) Prefix() string { return b.placeholder.Prefix() }

func (b bound[T]) Resolve(key string) (string, bool) {
	return b.placeholder.Resolve(b.input, key)
}

// ExpressionResolver is an immutable set of resolvers keyed by namespace.
type ExpressionResolver struct {
	resolvers map[string]Resolver
}

// NewExpressionResolver creates a resolver set. A later resolver replaces an
// earlier one with the same prefix.
func NewExpressionResolver(resolvers ...Resolver) *ExpressionResolver {
	r := &ExpressionResolver{resolvers: make(map[string]Resolver, len(resolvers))}
	for _, res := range resolvers {
		if res == nil {
			continue
		}
		r.resolvers[res.Prefix()] = res
	}
	return r
}

// With returns a copy of the resolver set extended by the given resolvers.
func (r *ExpressionResolver) With(resolvers ...Resolver) *ExpressionResolver {
	next := &ExpressionResolver{resolvers: make(map[string]Resolver, len(r.resolvers)+len(resolvers))}
	for k, v := range r.resolvers {
		next.resolvers[k] = v
	}
	for _, res := range resolvers {
		if res == nil {
			continue
		}
		next.resolvers[res.Prefix()] = res
	}
	return next
}

func (r *ExpressionResolver) lookup(namespace, key string) (string, bool) {
	if r == nil {
		return "", false
	}
	res, ok := r.resolvers[namespace]
	if !ok {
		return "", false
	}
	return res.Resolve(key)
}

// mapResolver resolves keys from a fixed map.
type mapResolver struct {
	prefix     string
	values     map[string]string
	ignoreCase bool
}

func (m mapResolver) Prefix() string { return m.prefix }

func (m mapResolver) Resolve(key string) (string, bool) {
	if v, ok := m.values[key]; ok {
		return v, true
	}
	if !m.ignoreCase {
		return "", false
	}
	for k, v := range m.values {
		if strings.EqualFold(k, key) {
			return v, true
		}
	}
	return "", false
}

// Values creates a resolver for the given namespace backed by a map.
func Values(prefix string, values map[string]string) Resolver {
	return mapResolver{prefix: prefix, values: values}
}

// Headers resolves "header:<name>" with case-insensitive header names.
func Headers(headers map[string]string) Resolver {
	return mapResolver{prefix: "header", values: headers, ignoreCase: true}
}

// Func adapts a function to a Resolver.
func Func(prefix string, fn func(key string) (string, bool)) Resolver {
	return funcResolver{prefix: prefix, fn: fn}
}

type funcResolver struct {
	prefix string
	fn     func(key string) (string, bool)
}

func (f funcResolver) Prefix() string { return f.prefix }

func (f funcResolver) Resolve(key string) (string, bool) { return f.fn(key) }

// Thing resolves thing:id, thing:namespace and thing:name from a thing id of
// the form "namespace:name".
func Thing(thingID string) Resolver {
	return Func("thing", func(key string) (string, bool) {
		if thingID == "" {
			return "", false
		}
		ns, name, found := strings.Cut(thingID, ":")
		switch key {
		case "id":
			return thingID, true
		case "namespace":
			if !found {
				return "", false
			}
			return ns, true
		case "name":
			if !found {
				return "", false
			}
			return name, true
		}
		return "", false
	})
}

// Request resolves request:subjectId to the first subject of the
// authorization context that issued the request.
func Request(subjects []string) Resolver {
	return Func("request", func(key string) (string, bool) {
		if key != "subjectId" || len(subjects) == 0 {
			return "", false
		}
		return subjects[0], true
	})
}

// Connection resolves connection:id.
func Connection(id string) Resolver {
	return Values("connection", map[string]string{"id": id})
}
