package placeholder

import (
	"errors"
	"strings"
)

const functionPrefix = "fn:"

// part of a template: either literal text or a placeholder pipeline.
type part struct {
	literal  string
	pipeline *Pipeline
}

// Template is a compiled string with embedded "{{ ... }}" placeholders.
type Template struct {
	raw   string
	parts []part
}

// Compile parses a template. Function signatures are validated here, so a
// template that compiles never fails with a SignatureInvalidError later.
func Compile(template string) (*Template, error) {
	t := &Template{raw: template}
	rest := template
	for {
		start := strings.Index(rest, "{{")
		if start < 0 {
			if rest != "" {
				t.parts = append(t.parts, part{literal: rest})
			}
			return t, nil
		}
		if start > 0 {
			t.parts = append(t.parts, part{literal: rest[:start]})
		}
		end := closingBraces(rest[start+2:])
		if end < 0 {
			return nil, &SyntaxError{Expression: template, Reason: "unterminated placeholder"}
		}
		inner := rest[start+2 : start+2+end]
		p, err := CompilePipeline(inner)
		if err != nil {
			return nil, err
		}
		t.parts = append(t.parts, part{pipeline: p})
		rest = rest[start+2+end+2:]
	}
}

// MustCompile is like Compile but panics on error.
func MustCompile(template string) *Template {
	t, err := Compile(template)
	if err != nil {
		panic(err)
	}
	return t
}

// closingBraces returns the index of the "}}" ending a placeholder, skipping
// braces inside quoted function arguments.
func closingBraces(s string) int {
	var quote byte
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case quote != 0:
			if c == quote {
				quote = 0
			}
		case c == '\'' || c == '"':
			quote = c
		case c == '}' && i+1 < len(s) && s[i+1] == '}':
			return i
		}
	}
	return -1
}

// String returns the source template.
func (t *Template) String() string { return t.raw }

// HasPlaceholders reports whether the template contains at least one placeholder.
func (t *Template) HasPlaceholders() bool {
	for _, p := range t.parts {
		if p.pipeline != nil {
			return true
		}
	}
	return false
}

// Resolve substitutes every placeholder. Each occurrence is resolved on its
// own. An occurrence without a value fails with *UnresolvedError; an
// occurrence ending in fn:delete() fails with ErrDeleted.
func (t *Template) Resolve(r *ExpressionResolver) (string, error) {
	var b strings.Builder
	for _, p := range t.parts {
		if p.pipeline == nil {
			b.WriteString(p.literal)
			continue
		}
		el := p.pipeline.Evaluate(r)
		switch {
		case el.IsDeleted():
			return "", ErrDeleted
		case el.IsUnresolved():
			missing := el.Missing()
			if missing == "" {
				missing = p.pipeline.String()
			}
			return "", &UnresolvedError{Placeholder: missing}
		}
		b.WriteString(el.value)
	}
	return b.String(), nil
}

// Resolve compiles and resolves a template in one step.
func Resolve(template string, r *ExpressionResolver) (string, error) {
	t, err := Compile(template)
	if err != nil {
		return "", err
	}
	return t.Resolve(r)
}

// IsUnresolved reports whether err is an *UnresolvedError.
func IsUnresolved(err error) bool {
	var u *UnresolvedError
	return errors.As(err, &u)
}

// CompilePipeline parses "stage|stage|..." where every stage is either a
// namespace:key reference or an fn: call.
func CompilePipeline(expression string) (*Pipeline, error) {
	raw := strings.TrimSpace(expression)
	if raw == "" {
		return nil, &SyntaxError{Expression: expression, Reason: "empty expression"}
	}
	p := &Pipeline{raw: raw}
	for _, s := range splitOutside(raw, '|') {
		s = strings.TrimSpace(s)
		if s == "" {
			return nil, &SyntaxError{Expression: expression, Reason: "empty pipeline stage"}
		}
		st, err := compileStage(s)
		if err != nil {
			return nil, err
		}
		p.stages = append(p.stages, st)
	}
	return p, nil
}

func compileStage(s string) (stage, error) {
	if !strings.HasPrefix(s, functionPrefix) {
		ns, key, ok := splitReference(s)
		if !ok {
			return nil, &SyntaxError{Expression: s, Reason: "expected 'namespace:key'"}
		}
		return refStage{namespace: ns, key: key}, nil
	}
	body := s[len(functionPrefix):]
	open := strings.IndexByte(body, '(')
	if open < 0 {
		return nil, &SignatureInvalidError{Function: body, Reason: "missing parameter list"}
	}
	name := strings.TrimSpace(body[:open])
	if !strings.HasSuffix(body, ")") {
		return nil, &SignatureInvalidError{Function: name, Reason: "missing closing parenthesis"}
	}
	fn, ok := functions[name]
	if !ok {
		return nil, &SignatureInvalidError{Function: name, Reason: "unknown function"}
	}
	args, err := compileArgs(name, body[open+1:len(body)-1])
	if err != nil {
		return nil, err
	}
	if err := fn.validate(name, args); err != nil {
		return nil, err
	}
	return funcStage{name: name, args: args, fn: fn.apply}, nil
}

func compileArgs(name, list string) ([]argument, error) {
	if strings.TrimSpace(list) == "" {
		return nil, nil
	}
	var args []argument
	for _, raw := range splitOutside(list, ',') {
		a := strings.TrimSpace(raw)
		switch {
		case a == "":
			return nil, &SignatureInvalidError{Function: name, Reason: "empty parameter"}
		case a[0] == '\'' || a[0] == '"':
			if len(a) < 2 || a[len(a)-1] != a[0] {
				return nil, &SignatureInvalidError{Function: name, Reason: "unterminated string parameter " + a}
			}
			args = append(args, argument{literal: a[1 : len(a)-1]})
		default:
			if ns, key, ok := splitReference(a); ok {
				args = append(args, argument{namespace: ns, key: key, isRef: true})
			} else {
				args = append(args, argument{literal: a})
			}
		}
	}
	return args, nil
}

// splitReference splits "namespace:key", tolerating whitespace around ':'.
func splitReference(s string) (string, string, bool) {
	ns, key, ok := strings.Cut(s, ":")
	if !ok {
		return "", "", false
	}
	ns, key = strings.TrimSpace(ns), strings.TrimSpace(key)
	if ns == "" || key == "" || strings.ContainsAny(ns, " ()'\"") {
		return "", "", false
	}
	return ns, key, true
}

// splitOutside splits s on sep, ignoring separators inside quotes or parentheses.
func splitOutside(s string, sep byte) []string {
	var out []string
	var quote byte
	depth, last := 0, 0
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case quote != 0:
			if c == quote {
				quote = 0
			}
		case c == '\'' || c == '"':
			quote = c
		case c == '(':
			depth++
		case c == ')':
			depth--
		case c == sep && depth == 0:
			out = append(out, s[last:i])
			last = i + 1
		}
	}
	return append(out, s[last:])
}
