package placeholder_test

import (
	"testing"

	"github.com/illmade-knight/go-thingbridge/pkg/placeholder"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testResolver() *placeholder.ExpressionResolver {
	return placeholder.NewExpressionResolver(
		placeholder.Headers(map[string]string{
			"correlation-id": "cid",
			"Content-Type":   "application/json",
			"qos":            "0",
		}),
		placeholder.Thing("org.eclipse:my-thing"),
		placeholder.Request([]string{"integration:sub", "other"}),
	)
}

func TestResolve_Substitution(t *testing.T) {
	testCases := []struct {
		name     string
		template string
		expected string
	}{
		{name: "plain text", template: "no placeholders", expected: "no placeholders"},
		{name: "header", template: "{{header:correlation-id}}", expected: "cid"},
		{name: "case insensitive header", template: "{{ header:content-type }}", expected: "application/json"},
		{name: "whitespace around colon", template: "{{ thing : name }}", expected: "my-thing"},
		{name: "multiple occurrences", template: "integration:{{header:correlation-id}}:hub-{{ header:content-type }}", expected: "integration:cid:hub-application/json"},
		{name: "thing path", template: "mqtt/topic/{{ thing:namespace }}/{{ thing:name }}", expected: "mqtt/topic/org.eclipse/my-thing"},
		{name: "request subject", template: "{{ request:subjectId }}", expected: "integration:sub"},
		{name: "default on missing", template: "{{ header:missing | fn:default('fallback') }}", expected: "fallback"},
		{name: "default ignored when present", template: "{{ header:qos | fn:default('1') }}", expected: "0"},
		{name: "default on empty", template: "{{ header:qos | fn:replace('0', '') | fn:default('1') }}", expected: "1"},
		{name: "upper", template: "{{ thing:name | fn:upper() }}", expected: "MY-THING"},
		{name: "substring before", template: "{{ thing:id | fn:substring-before(':') }}", expected: "org.eclipse"},
		{name: "substring after", template: "{{ thing:id | fn:substring-after(':') }}", expected: "my-thing"},
		{name: "replace", template: "{{ thing:namespace | fn:replace('.', '/') }}", expected: "org/eclipse"},
		{name: "braces in quoted argument", template: `{{ header:missing | fn:default('{"a":{"b":1}}') }}`, expected: `{"a":{"b":1}}`},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			// Act
			got, err := placeholder.Resolve(tc.template, testResolver())

			// Assert
			require.NoError(t, err)
			assert.Equal(t, tc.expected, got)
		})
	}
}

func TestResolve_UnresolvedReportsKey(t *testing.T) {
	// Act
	_, err := placeholder.Resolve("integration:{{header:unknown}}", testResolver())

	// Assert
	require.Error(t, err)
	var unresolved *placeholder.UnresolvedError
	require.ErrorAs(t, err, &unresolved)
	assert.Equal(t, "header:unknown", unresolved.Placeholder)
	assert.Contains(t, err.Error(), "header:unknown")
	assert.True(t, placeholder.IsUnresolved(err))
}

func TestResolve_UnknownNamespaceIsUnresolved(t *testing.T) {
	_, err := placeholder.Resolve("{{ nope:key }}", testResolver())
	assert.True(t, placeholder.IsUnresolved(err))
}

func TestResolve_Delete(t *testing.T) {
	_, err := placeholder.Resolve("{{ header:qos | fn:delete() }}", testResolver())
	assert.ErrorIs(t, err, placeholder.ErrDeleted)
}

func TestPipeline_Filter(t *testing.T) {
	testCases := []struct {
		name       string
		expression string
		value      string
		resolved   bool
	}{
		{name: "eq true keeps input", expression: "header:qos|fn:filter('a','eq','a')", value: "0", resolved: true},
		{name: "eq false drops input", expression: "header:qos|fn:filter('a','eq','b')", resolved: false},
		{name: "ne with placeholder", expression: "header:qos|fn:filter(header:qos,'ne','0')", resolved: false},
		{name: "ne bare literals", expression: "header:qos|fn:filter(a,ne,b)", value: "0", resolved: true},
		{name: "exists", expression: "header:qos|fn:filter(header:correlation-id,'exists')", value: "0", resolved: true},
		{name: "exists missing", expression: "header:qos|fn:filter(header:missing,'exists')", resolved: false},
		{name: "like", expression: "thing:id|fn:filter(thing:name,'like','my-*')", value: "org.eclipse:my-thing", resolved: true},
		{name: "filter then default", expression: "header:qos|fn:filter('1','eq','2')|fn:default('x')", value: "x", resolved: true},
		{name: "leading default", expression: `fn:default('["X"]')`, value: `["X"]`, resolved: true},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			// Arrange
			p, err := placeholder.CompilePipeline(tc.expression)
			require.NoError(t, err)

			// Act
			el := p.Evaluate(testResolver())

			// Assert
			v, ok := el.Value()
			assert.Equal(t, tc.resolved, ok)
			if tc.resolved {
				assert.Equal(t, tc.value, v)
			} else {
				assert.True(t, el.IsUnresolved())
			}
		})
	}
}

func TestCompile_SignatureInvalid(t *testing.T) {
	testCases := []string{
		"fn:filter('2','+','2','eq','5')",
		"fn:filter('2')",
		"fn:filter('a','between','b')",
		"fn:filter('a','exists','b')",
		"fn:filter('a','eq')",
		"fn:filter(a,header:op,b)",
		"fn:default()",
		"fn:default('a','b')",
		"fn:upper('x')",
		"fn:replace('a')",
		"fn:unknown()",
		"fn:default('a'",
		"fn:lower",
	}

	for _, expression := range testCases {
		t.Run(expression, func(t *testing.T) {
			// Act
			_, pipelineErr := placeholder.CompilePipeline("header:x|" + expression)
			_, templateErr := placeholder.Compile("{{ header:x | " + expression + " }}")

			// Assert
			var sig *placeholder.SignatureInvalidError
			assert.ErrorAs(t, pipelineErr, &sig)
			assert.ErrorAs(t, templateErr, &sig)
		})
	}
}

func TestCompile_SyntaxErrors(t *testing.T) {
	for _, template := range []string{"{{ header:x", "{{ nonamespace }}", "{{ }}", "{{ header:x || fn:lower() }}"} {
		t.Run(template, func(t *testing.T) {
			_, err := placeholder.Compile(template)
			var syntax *placeholder.SyntaxError
			assert.ErrorAs(t, err, &syntax)
		})
	}
}

type addressPlaceholder struct{}

func (addressPlaceholder) Prefix() string { return "test" }

func (addressPlaceholder) Resolve(input string, key string) (string, bool) {
	return input, key == "placeholder"
}

func TestBind(t *testing.T) {
	// Arrange
	r := placeholder.NewExpressionResolver(placeholder.Bind[string](addressPlaceholder{}, "some/address"))

	// Act
	got, err := placeholder.Resolve("{{ test:placeholder }}", r)

	// Assert
	require.NoError(t, err)
	assert.Equal(t, "some/address", got)
}

func TestExpressionResolver_WithDoesNotMutate(t *testing.T) {
	// Arrange
	base := placeholder.NewExpressionResolver(placeholder.Connection("conn-1"))

	// Act
	extended := base.With(placeholder.Values("extra", map[string]string{"k": "v"}))

	// Assert
	_, err := placeholder.Resolve("{{ extra:k }}", base)
	assert.True(t, placeholder.IsUnresolved(err))
	got, err := placeholder.Resolve("{{ extra:k }}/{{ connection:id }}", extended)
	require.NoError(t, err)
	assert.Equal(t, "v/conn-1", got)
}
