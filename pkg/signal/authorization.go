package signal

import (
	"strings"
)

// AuthorizationContext is an ordered set of authorization subjects.
type AuthorizationContext struct {
	subjects []string
}

// NewAuthorizationContext creates a context; duplicate subjects are dropped.
func NewAuthorizationContext(subjects ...string) AuthorizationContext {
	ctx := AuthorizationContext{}
	seen := make(map[string]struct{}, len(subjects))
	for _, s := range subjects {
		if _, ok := seen[s]; ok || s == "" {
			continue
		}
		seen[s] = struct{}{}
		ctx.subjects = append(ctx.subjects, s)
	}
	return ctx
}

// Subjects returns a copy of the subjects in order.
func (a AuthorizationContext) Subjects() []string {
	out := make([]string, len(a.subjects))
	copy(out, a.subjects)
	return out
}

// IsEmpty reports whether the context has no subjects.
func (a AuthorizationContext) IsEmpty() bool { return len(a.subjects) == 0 }

// WithUnprefixedSubjects appends, for every "issuer:subject", the bare
// "subject" if it is not already present.
func (a AuthorizationContext) WithUnprefixedSubjects() AuthorizationContext {
	all := a.Subjects()
	for _, s := range a.subjects {
		if _, rest, ok := strings.Cut(s, ":"); ok && rest != "" {
			all = append(all, rest)
		}
	}
	return NewAuthorizationContext(all...)
}

// Key returns a stable string form used for cache and deduplication keys.
func (a AuthorizationContext) Key() string { return strings.Join(a.subjects, ",") }

// Equal compares two contexts including subject order.
func (a AuthorizationContext) Equal(other AuthorizationContext) bool {
	return a.Key() == other.Key()
}
