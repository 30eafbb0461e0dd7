package sandbox

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

type fakeStore map[Scope]map[string]any

func (f fakeStore) Get(scope Scope, name string) (any, bool) {
	v, ok := f[scope][name]
	return v, ok
}

func TestResolveParameters_WholePlaceholderUnwrapsType(t *testing.T) {
	store := fakeStore{ScopeWorkflow: {"count": 42}}
	params := map[string]any{"limit": "{{ $vars.count }}"}
	out := ResolveParameters(params, nil, store, nil)
	assert.Equal(t, 42, out["limit"])
}

func TestResolveParameters_WorkflowScopeBeforeUser(t *testing.T) {
	store := fakeStore{
		ScopeWorkflow: {"name": "workflow-value"},
		ScopeUser:     {"name": "user-value"},
	}
	out := ResolveParameters(map[string]any{"x": "{{ $vars.name }}"}, nil, store, nil)
	assert.Equal(t, "workflow-value", out["x"])
}

func TestResolveParameters_FallsBackToUserScope(t *testing.T) {
	store := fakeStore{ScopeUser: {"name": "user-value"}}
	out := ResolveParameters(map[string]any{"x": "{{ $local.name }}"}, nil, store, nil)
	assert.Equal(t, "user-value", out["x"])
}

func TestResolveParameters_MixedTextStringifies(t *testing.T) {
	store := fakeStore{ScopeWorkflow: {"name": "Ada"}}
	out := ResolveParameters(map[string]any{"greeting": "Hello, {{ $vars.name }}!"}, nil, store, nil)
	assert.Equal(t, "Hello, Ada!", out["greeting"])
}

func TestResolveParameters_JSONPath(t *testing.T) {
	item := map[string]any{"user": map[string]any{"email": "a@b.com"}}
	out := ResolveParameters(map[string]any{"to": "{{ json.user.email }}"}, item, nil, nil)
	assert.Equal(t, "a@b.com", out["to"])
}

func TestResolveParameters_OperatorExpressionLeftMarked(t *testing.T) {
	out := ResolveParameters(map[string]any{"x": "{{ a + b }}"}, nil, nil, nil)
	assert.Equal(t, "{{ a + b }}", out["x"])
}

func TestResolveParameters_UnresolvableKeepsLiteral(t *testing.T) {
	out := ResolveParameters(map[string]any{"x": "{{ $vars.missing }}"}, nil, fakeStore{}, nil)
	assert.Equal(t, "{{ $vars.missing }}", out["x"])
}

func TestResolveParameters_RecursesNestedMaps(t *testing.T) {
	store := fakeStore{ScopeWorkflow: {"h": "example.com"}}
	params := map[string]any{
		"headers": map[string]any{"Host": "{{ $vars.h }}"},
		"list":    []any{"{{ $vars.h }}", "literal"},
	}
	out := ResolveParameters(params, nil, store, nil)
	assert.Equal(t, "example.com", out["headers"].(map[string]any)["Host"])
	assert.Equal(t, []any{"example.com", "literal"}, out["list"])
}
