package scope

import (
	"encoding/json"
	"fmt"
	"reflect"
	"regexp"
	"strings"
)

// placeholderPattern matches {{variable.path}} patterns.
var placeholderPattern = regexp.MustCompile(`\{\{([^{}]+)\}\}`)

// StringifyValue converts any value to a string representation.
// Maps and slices are JSON-encoded instead of using Go's %v format.
func StringifyValue(val any) string {
	if val == nil {
		return ""
	}

	switch v := val.(type) {
	case string:
		return v
	case fmt.Stringer:
		return v.String()
	}

	kind := reflect.ValueOf(val).Kind()
	if kind == reflect.Map || kind == reflect.Slice || kind == reflect.Array {
		if b, err := json.Marshal(val); err == nil {
			return string(b)
		}
	}

	return fmt.Sprintf("%v", val)
}

// ResolveTemplate substitutes every {{path}} placeholder in tmpl.
// Placeholders that do not resolve are left as literal text.
func ResolveTemplate(tmpl string, ctx *ExecutionContext) string {
	if ctx == nil || !strings.Contains(tmpl, "{{") {
		return tmpl
	}
	return placeholderPattern.ReplaceAllStringFunc(tmpl, func(match string) string {
		path := strings.TrimSpace(match[2 : len(match)-2])
		val, ok := ctx.Lookup(path)
		if !ok {
			return match
		}
		return StringifyValue(val)
	})
}

// Unresolved returns the placeholders in s that ResolveTemplate would keep.
func Unresolved(s string, ctx *ExecutionContext) []string {
	var missing []string
	for _, m := range placeholderPattern.FindAllStringSubmatch(s, -1) {
		if ctx == nil {
			missing = append(missing, m[0])
			continue
		}
		if _, ok := ctx.Lookup(m[1]); !ok {
			missing = append(missing, m[0])
		}
	}
	return missing
}

// ResolveValue evaluates strings, maps and slices recursively.
// A string that is exactly one placeholder returns the referenced value
// with its type intact; mixed strings are rendered with ResolveTemplate.
func ResolveValue(v any, ctx *ExecutionContext) any {
	switch val := v.(type) {
	case string:
		return evalString(val, ctx)
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = ResolveValue(item, ctx)
		}
		return out
	case map[string]string:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = evalString(item, ctx)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = ResolveValue(item, ctx)
		}
		return out
	case []string:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = evalString(item, ctx)
		}
		return out
	default:
		return v
	}
}

func evalString(s string, ctx *ExecutionContext) any {
	trimmed := strings.TrimSpace(s)
	if ctx != nil && strings.HasPrefix(trimmed, "{{") && strings.HasSuffix(trimmed, "}}") {
		inner := strings.TrimSpace(trimmed[2 : len(trimmed)-2])
		if inner != "" && !strings.Contains(inner, "{{") && !strings.Contains(inner, "}}") {
			if val, ok := ctx.Lookup(inner); ok {
				return val
			}
			return s
		}
	}
	return ResolveTemplate(s, ctx)
}
