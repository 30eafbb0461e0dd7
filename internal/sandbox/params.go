package sandbox

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"
)

// Scope distinguishes the two variable-store lookup tiers named in
// spec.md §4.3: workflow-scoped variables are checked before user-scoped
// ones.
type Scope string

const (
	ScopeWorkflow Scope = "workflow"
	ScopeUser     Scope = "user"
)

// VariableStore is the user variable store consumed by $vars./$local.
// substitutions. Implementations back this with whatever the workflow
// runtime's variable persistence looks like; the Sandbox only reads it.
type VariableStore interface {
	Get(scope Scope, name string) (any, bool)
}

// placeholderPattern matches a single {{ ... }} placeholder, non-greedy so
// that "{{ a }} and {{ b }}" yields two matches rather than one spanning
// both.
var placeholderPattern = regexp.MustCompile(`\{\{\s*(.*?)\s*\}\}`)

// wholePlaceholderPattern matches a parameter value that is, once
// trimmed, exactly one placeholder and nothing else.
var wholePlaceholderPattern = regexp.MustCompile(`^\{\{\s*(.*?)\s*\}\}$`)

// purePathPattern matches the conservative reference grammar from
// spec.md §4.3: a $vars./$local./json. prefix followed only by path
// characters — no operators, no nested "{{", no pipeline syntax. Anything
// else is left for node-type logic to interpret.
var purePathPattern = regexp.MustCompile(`^(\$vars\.|\$local\.|json\.)[A-Za-z0-9_\.\[\]'"]+$`)

// ResolveParameters resolves {{ expr }} placeholders in every string value
// of params, recursively through maps and slices, against the given
// variable store and the current input item. Unresolvable variable
// references keep their literal placeholder text and log a warning,
// matching spec.md §4.3's "failure to resolve a variable" rule.
//
// Grounded on the teacher's TemplateProcessor.ProcessMap/processString
// (internal/application/executor/template.go) and ConditionEvaluator's
// compiled-program cache (conditions.go), generalized to the spec's
// conservative (non-arithmetic) substitution grammar.
func ResolveParameters(params map[string]any, item any, store VariableStore, log *zerolog.Logger) map[string]any {
	out := make(map[string]any, len(params))
	for k, v := range params {
		out[k] = resolveValue(v, item, store, log)
	}
	return out
}

func resolveValue(v any, item any, store VariableStore, log *zerolog.Logger) any {
	switch t := v.(type) {
	case string:
		return resolveString(t, item, store, log)
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, vv := range t {
			out[k] = resolveValue(vv, item, store, log)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, vv := range t {
			out[i] = resolveValue(vv, item, store, log)
		}
		return out
	default:
		return v
	}
}

func resolveString(s string, item any, store VariableStore, log *zerolog.Logger) any {
	if m := wholePlaceholderPattern.FindStringSubmatch(s); m != nil {
		body := m[1]
		if !purePathPattern.MatchString(body) {
			// Contains operators/pipeline syntax: left for node logic.
			return s
		}
		val, ok := resolveRef(body, item, store)
		if !ok {
			if log != nil {
				log.Warn().Str("expr", body).Msg("sandbox: could not resolve variable reference, keeping literal")
			}
			return s
		}
		return val
	}

	// Mixed text: substitute in place, left to right, stringifying each
	// resolved reference; unresolved or non-pure placeholders are left
	// untouched.
	return placeholderPattern.ReplaceAllStringFunc(s, func(match string) string {
		body := placeholderPattern.FindStringSubmatch(match)[1]
		if !purePathPattern.MatchString(body) {
			return match
		}
		val, ok := resolveRef(body, item, store)
		if !ok {
			if log != nil {
				log.Warn().Str("expr", body).Msg("sandbox: could not resolve variable reference, keeping literal")
			}
			return match
		}
		return fmt.Sprint(val)
	})
}

func resolveRef(body string, item any, store VariableStore) (any, bool) {
	switch {
	case strings.HasPrefix(body, "$vars."):
		return resolveVar(strings.TrimPrefix(body, "$vars."), store)
	case strings.HasPrefix(body, "$local."):
		return resolveVar(strings.TrimPrefix(body, "$local."), store)
	case strings.HasPrefix(body, "json."):
		return resolveJSONPath(strings.TrimPrefix(body, "json."), item)
	default:
		return nil, false
	}
}

// resolveVar checks the workflow scope before the user scope, per
// spec.md §4.3(a).
func resolveVar(name string, store VariableStore) (any, bool) {
	if store == nil {
		return nil, false
	}
	if v, ok := store.Get(ScopeWorkflow, name); ok {
		return v, true
	}
	return store.Get(ScopeUser, name)
}

// bracketSegmentPattern matches one bracketed path segment — [0], ['key']
// or ["key"] — so it can be rewritten into gjson's dot form.
var bracketSegmentPattern = regexp.MustCompile(`\[(?:'([^']*)'|"([^"]*)"|(\d+))\]`)

// resolveJSONPath resolves a dot/bracket path against the current input
// item using gjson. gjson reads dot paths only, so bracket segments are
// first rewritten as dot segments ("items[0].name" -> "items.0.name").
func resolveJSONPath(path string, item any) (any, bool) {
	raw, err := json.Marshal(item)
	if err != nil {
		return nil, false
	}
	path = strings.TrimPrefix(bracketSegmentPattern.ReplaceAllString(path, ".${1}${2}${3}"), ".")
	result := gjson.GetBytes(raw, path)
	if !result.Exists() {
		return nil, false
	}
	return result.Value(), true
}
