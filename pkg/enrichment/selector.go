package enrichment

import (
	"sort"
	"strings"
)

// RevisionField is the thing field carrying its revision.
const RevisionField = "_revision"

// FieldSelector is a set of JSON pointers into a thing, e.g.
// "attributes/location" or "/features/temperature/properties/value".
type FieldSelector struct {
	pointers []string
}

// NewFieldSelector normalizes the pointers: leading slashes are dropped and
// duplicates removed. Order of first appearance is kept.
func NewFieldSelector(pointers ...string) FieldSelector {
	var s FieldSelector
	for _, p := range pointers {
		s = s.with(p)
	}
	return s
}

func (s FieldSelector) with(pointer string) FieldSelector {
	pointer = strings.Trim(strings.TrimSpace(pointer), "/")
	if pointer == "" || s.Contains(pointer) {
		return s
	}
	next := make([]string, len(s.pointers), len(s.pointers)+1)
	copy(next, s.pointers)
	return FieldSelector{pointers: append(next, pointer)}
}

// Contains reports whether the selector holds the pointer.
func (s FieldSelector) Contains(pointer string) bool {
	pointer = strings.Trim(pointer, "/")
	for _, p := range s.pointers {
		if p == pointer {
			return true
		}
	}
	return false
}

// WithRevision returns the selector extended by the revision field.
func (s FieldSelector) WithRevision() FieldSelector {
	return s.with(RevisionField)
}

// Pointers returns the pointers in order.
func (s FieldSelector) Pointers() []string {
	out := make([]string, len(s.pointers))
	copy(out, s.pointers)
	return out
}

// IsEmpty reports a selector without pointers.
func (s FieldSelector) IsEmpty() bool { return len(s.pointers) == 0 }

// Key is an order independent identity of the selector.
func (s FieldSelector) Key() string {
	sorted := s.Pointers()
	sort.Strings(sorted)
	return strings.Join(sorted, ",")
}

func (s FieldSelector) String() string { return strings.Join(s.pointers, ",") }

// Project copies the selected fields of thing into a new object with the same
// nesting. Pointers that do not resolve are skipped.
func (s FieldSelector) Project(thing Fields) Fields {
	out := Fields{}
	for _, p := range s.pointers {
		segments := strings.Split(p, "/")
		value, ok := lookup(thing, segments)
		if !ok {
			continue
		}
		insert(out, segments, value)
	}
	return out
}

func lookup(obj map[string]any, segments []string) (any, bool) {
	var current any = obj
	for _, seg := range segments {
		m, ok := asObject(current)
		if !ok {
			return nil, false
		}
		current, ok = m[unescape(seg)]
		if !ok {
			return nil, false
		}
	}
	return current, true
}

func insert(obj map[string]any, segments []string, value any) {
	for _, seg := range segments[:len(segments)-1] {
		key := unescape(seg)
		next, ok := asObject(obj[key])
		if !ok {
			next = map[string]any{}
			obj[key] = next
		}
		obj = next
	}
	obj[unescape(segments[len(segments)-1])] = value
}

func asObject(v any) (map[string]any, bool) {
	switch m := v.(type) {
	case map[string]any:
		return m, true
	case Fields:
		return m, true
	}
	return nil, false
}

// unescape applies the JSON pointer escapes ~1 and ~0.
func unescape(seg string) string {
	return strings.ReplaceAll(strings.ReplaceAll(seg, "~1", "/"), "~0", "~")
}
