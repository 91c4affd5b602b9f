package placeholder

import (
	"regexp"
	"strconv"
	"strings"
)

type elementState int

const (
	stateResolved elementState = iota
	stateUnresolved
	stateDeleted
)

// Element is the outcome of evaluating a pipeline: a resolved value, the
// "no value" outcome, or a deletion.
type Element struct {
	state   elementState
	value   string
	missing string
}

func resolved(v string) Element { return Element{state: stateResolved, value: v} }

func unresolved(missing string) Element { return Element{state: stateUnresolved, missing: missing} }

// Value returns the resolved value, if any.
func (e Element) Value() (string, bool) {
	return e.value, e.state == stateResolved
}

// IsUnresolved reports the "no value" outcome.
func (e Element) IsUnresolved() bool { return e.state == stateUnresolved }

// IsDeleted reports that fn:delete() removed the value.
func (e Element) IsDeleted() bool { return e.state == stateDeleted }

// Missing returns the first placeholder that could not be resolved, if the
// element is unresolved because of a missing value.
func (e Element) Missing() string { return e.missing }

// argument of a function: a literal or a placeholder reference.
type argument struct {
	literal   string
	namespace string
	key       string
	isRef     bool
}

func (a argument) evaluate(r *ExpressionResolver) (string, bool) {
	if !a.isRef {
		return a.literal, true
	}
	return r.lookup(a.namespace, a.key)
}

func (a argument) String() string {
	if a.isRef {
		return a.namespace + ":" + a.key
	}
	return a.literal
}

type stage interface {
	apply(in Element, r *ExpressionResolver) Element
}

// refStage is a bare namespace:key reference.
type refStage struct {
	namespace string
	key       string
}

func (s refStage) apply(_ Element, r *ExpressionResolver) Element {
	if v, ok := r.lookup(s.namespace, s.key); ok {
		return resolved(v)
	}
	return unresolved(s.namespace + ":" + s.key)
}

type funcStage struct {
	name string
	args []argument
	fn   func(in Element, args []argument, r *ExpressionResolver) Element
}

func (s funcStage) apply(in Element, r *ExpressionResolver) Element {
	return s.fn(in, s.args, r)
}

// onResolved applies f only to resolved inputs; unresolved and deleted
// elements pass through.
func onResolved(in Element, f func(string) Element) Element {
	if in.state != stateResolved {
		return in
	}
	return f(in.value)
}

type function struct {
	validate func(name string, args []argument) error
	apply    func(in Element, args []argument, r *ExpressionResolver) Element
}

func arity(n int) func(string, []argument) error {
	return func(name string, args []argument) error {
		if len(args) != n {
			return &SignatureInvalidError{Function: name, Reason: pluralArgs(n, len(args))}
		}
		return nil
	}
}

func pluralArgs(want, got int) string {
	switch want {
	case 0:
		return "expected no parameters but got " + strconv.Itoa(got)
	case 1:
		return "expected 1 parameter but got " + strconv.Itoa(got)
	}
	return "expected " + strconv.Itoa(want) + " parameters but got " + strconv.Itoa(got)
}

var functions = map[string]function{
	"filter": {validate: validateFilter, apply: applyFilter},
	"default": {validate: arity(1), apply: func(in Element, args []argument, r *ExpressionResolver) Element {
		switch {
		case in.state == stateDeleted:
			return in
		case in.state == stateResolved && in.value != "":
			return in
		}
		if v, ok := args[0].evaluate(r); ok {
			return resolved(v)
		}
		return in
	}},
	"lower": {validate: arity(0), apply: func(in Element, _ []argument, _ *ExpressionResolver) Element {
		return onResolved(in, func(v string) Element { return resolved(strings.ToLower(v)) })
	}},
	"upper": {validate: arity(0), apply: func(in Element, _ []argument, _ *ExpressionResolver) Element {
		return onResolved(in, func(v string) Element { return resolved(strings.ToUpper(v)) })
	}},
	"trim": {validate: arity(0), apply: func(in Element, _ []argument, _ *ExpressionResolver) Element {
		return onResolved(in, func(v string) Element { return resolved(strings.TrimSpace(v)) })
	}},
	"delete": {validate: arity(0), apply: func(_ Element, _ []argument, _ *ExpressionResolver) Element {
		return Element{state: stateDeleted}
	}},
	"substring-before": {validate: arity(1), apply: func(in Element, args []argument, r *ExpressionResolver) Element {
		return onResolved(in, func(v string) Element {
			sep, ok := args[0].evaluate(r)
			if !ok {
				return unresolved(args[0].String())
			}
			before, _, found := strings.Cut(v, sep)
			if !found {
				return unresolved("")
			}
			return resolved(before)
		})
	}},
	"substring-after": {validate: arity(1), apply: func(in Element, args []argument, r *ExpressionResolver) Element {
		return onResolved(in, func(v string) Element {
			sep, ok := args[0].evaluate(r)
			if !ok {
				return unresolved(args[0].String())
			}
			_, after, found := strings.Cut(v, sep)
			if !found {
				return unresolved("")
			}
			return resolved(after)
		})
	}},
	"replace": {validate: arity(2), apply: func(in Element, args []argument, r *ExpressionResolver) Element {
		return onResolved(in, func(v string) Element {
			from, ok := args[0].evaluate(r)
			if !ok {
				return unresolved(args[0].String())
			}
			to, ok := args[1].evaluate(r)
			if !ok {
				return unresolved(args[1].String())
			}
			return resolved(strings.ReplaceAll(v, from, to))
		})
	}},
}

var filterOperators = map[string]int{"eq": 3, "ne": 3, "like": 3, "exists": 2}

func validateFilter(name string, args []argument) error {
	if len(args) != 2 && len(args) != 3 {
		return &SignatureInvalidError{Function: name, Reason: "expected 2 or 3 parameters but got " + strconv.Itoa(len(args))}
	}
	op := args[1]
	if op.isRef {
		return &SignatureInvalidError{Function: name, Reason: "the operator must be a literal"}
	}
	want, ok := filterOperators[op.literal]
	if !ok {
		return &SignatureInvalidError{Function: name, Reason: "unknown operator '" + op.literal + "'"}
	}
	if want != len(args) {
		return &SignatureInvalidError{Function: name, Reason: "operator '" + op.literal + "' " + pluralArgs(want, len(args))}
	}
	return nil
}

// applyFilter keeps the input if the condition holds and yields the "no value"
// outcome otherwise.
func applyFilter(in Element, args []argument, r *ExpressionResolver) Element {
	return onResolved(in, func(v string) Element {
		if evaluateCondition(args, r) {
			return in
		}
		return unresolved("")
	})
}

func evaluateCondition(args []argument, r *ExpressionResolver) bool {
	lhs, lhsOK := args[0].evaluate(r)
	op := args[1].literal
	if op == "exists" {
		return lhsOK
	}
	rhs, rhsOK := args[2].evaluate(r)
	switch op {
	case "eq":
		return lhsOK && rhsOK && lhs == rhs
	case "ne":
		return !(lhsOK && rhsOK && lhs == rhs)
	case "like":
		return lhsOK && rhsOK && wildcardMatch(rhs, lhs)
	}
	return false
}

// wildcardMatch matches s against a pattern supporting '*' and '?'.
func wildcardMatch(pattern, s string) bool {
	var b strings.Builder
	b.WriteString("^")
	for _, r := range pattern {
		switch r {
		case '*':
			b.WriteString(".*")
		case '?':
			b.WriteString(".")
		default:
			b.WriteString(regexp.QuoteMeta(string(r)))
		}
	}
	b.WriteString("$")
	re, err := regexp.Compile(b.String())
	if err != nil {
		return false
	}
	return re.MatchString(s)
}

// Pipeline is a compiled "stage|stage|..." expression.
type Pipeline struct {
	raw    string
	stages []stage
}

// String returns the source expression.
func (p *Pipeline) String() string { return p.raw }

// Evaluate runs every stage left to right. A leading function stage receives
// the "no value" outcome as input.
func (p *Pipeline) Evaluate(r *ExpressionResolver) Element {
	el := unresolved("")
	for _, s := range p.stages {
		next := s.apply(el, r)
		if next.state == stateUnresolved && next.missing == "" && el.missing != "" {
			next.missing = el.missing
		}
		el = next
	}
	return el
}
