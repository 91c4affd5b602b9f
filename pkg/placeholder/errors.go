package placeholder

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrDeleted is returned by Template.Resolve when a pipeline ends in fn:delete().
var ErrDeleted = errors.New("placeholder value deleted")

// UnresolvedError reports a placeholder that could not be resolved.
type UnresolvedError struct {
	// Placeholder is the offending "namespace:key".
	Placeholder string
}

func (e *UnresolvedError) Error() string {
	return fmt.Sprintf("the placeholder '{{ %s }}' could not be resolved", e.Placeholder)
}

func (e *UnresolvedError) ErrorCode() string { return "placeholder:placeholder.unresolved" }

func (e *UnresolvedError) HTTPStatus() int { return http.StatusBadRequest }

func (e *UnresolvedError) Description() string {
	return "Some placeholders could not be resolved. Check the placeholder key or provide the value it references."
}

// SignatureInvalidError reports a malformed fn: call. It is raised at compile
// time only.
type SignatureInvalidError struct {
	Function string
	Reason   string
}

func (e *SignatureInvalidError) Error() string {
	return fmt.Sprintf("invalid signature for function '%s': %s", e.Function, e.Reason)
}

func (e *SignatureInvalidError) ErrorCode() string {
	return "placeholder:placeholder.function.signature.invalid"
}

func (e *SignatureInvalidError) HTTPStatus() int { return http.StatusBadRequest }

func (e *SignatureInvalidError) Description() string {
	return "Check the number and kind of the function parameters."
}

// SyntaxError reports a template or pipeline that cannot be parsed.
type SyntaxError struct {
	Expression string
	Reason     string
}

func (e *SyntaxError) Error() string {
	return fmt.Sprintf("invalid placeholder expression '%s': %s", e.Expression, e.Reason)
}

func (e *SyntaxError) ErrorCode() string { return "placeholder:placeholder.invalid" }

func (e *SyntaxError) HTTPStatus() int { return http.StatusBadRequest }

func (e *SyntaxError) Description() string {
	return "Placeholders have the form '{{ namespace:key }}', functions the form 'fn:name(args)'."
}
