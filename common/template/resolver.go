// Package template resolves {{...}} references in node configuration
// against prior node outputs, environment secrets, the run trigger input
// and the map item scope. Resolution is a pure function of (template,
// scope); unresolved references collapse to the empty string.
package template

import (
	"encoding/json"
	"os"
	"regexp"
	"strings"

	"github.com/tidwall/gjson"
)

var exprPattern = regexp.MustCompile(`\{\{\s*([^{}]+?)\s*\}\}`)

// MapScope is injected into child runs spawned by a map node
type MapScope struct {
	Item    any
	Index   int
	BatchID string
}

// Scope is everything a template expression can reference
type Scope struct {
	// Outputs maps node id -> that node's output, folded from the log
	Outputs map[string]any
	// Trigger is the run's input data, reachable as $trigger.path
	Trigger any
	// Env resolves $env.KEY lookups; defaults to os.LookupEnv
	Env func(key string) (string, bool)
	// Map is non-nil only inside map children
	Map *MapScope
}

// ResolveString substitutes every {{...}} in s. When the whole string is
// a single expression the typed value is stringified; otherwise values
// are spliced into the surrounding text.
func ResolveString(s string, scope *Scope) string {
	return exprPattern.ReplaceAllStringFunc(s, func(match string) string {
		expr := strings.TrimSpace(match[2 : len(match)-2])
		v, ok := resolveExpr(expr, scope)
		if !ok {
			return ""
		}
		return stringify(v)
	})
}

// ResolveValue resolves s preserving the referenced value's type when s
// is exactly one expression ("{{A.status}}" stays a number). Mixed text
// falls back to string substitution.
func ResolveValue(s string, scope *Scope) any {
	trimmed := strings.TrimSpace(s)
	if m := exprPattern.FindStringSubmatch(trimmed); m != nil && m[0] == trimmed {
		v, ok := resolveExpr(strings.TrimSpace(m[1]), scope)
		if !ok {
			return ""
		}
		return v
	}
	return ResolveString(s, scope)
}

// ResolveAny walks maps and slices, resolving every string in place.
// Node configs pass through here before executor decode.
func ResolveAny(v any, scope *Scope) any {
	switch val := v.(type) {
	case string:
		return ResolveValue(val, scope)
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = ResolveAny(item, scope)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = ResolveAny(item, scope)
		}
		return out
	default:
		return v
	}
}

func resolveExpr(expr string, scope *Scope) (any, bool) {
	if scope == nil {
		return nil, false
	}

	switch {
	case strings.HasPrefix(expr, "$env."):
		key := strings.TrimPrefix(expr, "$env.")
		lookup := scope.Env
		if lookup == nil {
			lookup = os.LookupEnv
		}
		v, ok := lookup(key)
		if !ok {
			return nil, false
		}
		return v, true

	case expr == "$trigger":
		return scope.Trigger, scope.Trigger != nil

	case strings.HasPrefix(expr, "$trigger."):
		return lookupPath(scope.Trigger, strings.TrimPrefix(expr, "$trigger."))

	case strings.HasPrefix(expr, "$map"):
		if scope.Map == nil {
			return nil, false
		}
		switch expr {
		case "$map.item":
			return scope.Map.Item, true
		case "$map.index":
			return scope.Map.Index, true
		case "$map.batch_id":
			return scope.Map.BatchID, true
		}
		if rest, ok := strings.CutPrefix(expr, "$map.item."); ok {
			return lookupPath(scope.Map.Item, rest)
		}
		return nil, false
	}

	// node_id or node_id.path against prior outputs
	nodeID, path, _ := strings.Cut(expr, ".")
	out, ok := scope.Outputs[nodeID]
	if !ok {
		return nil, false
	}
	if path == "" {
		return out, true
	}
	return lookupPath(out, path)
}

func lookupPath(root any, path string) (any, bool) {
	if root == nil {
		return nil, false
	}
	data, err := json.Marshal(root)
	if err != nil {
		return nil, false
	}
	res := gjson.GetBytes(data, path)
	if !res.Exists() {
		return nil, false
	}
	return res.Value(), true
}

func stringify(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	default:
		data, err := json.Marshal(val)
		if err != nil {
			return ""
		}
		return string(data)
	}
}
