package engine

import (
	"strconv"
	"strings"
)

// resolveValue resolves one parameter value against the context. Strings
// beginning with "$" are dotted-path lookups; maps and slices are resolved
// element-wise; everything else passes through unchanged. An unresolved
// path yields nil, never an error.
func resolveValue(v any, ctx map[string]any) any {
	switch val := v.(type) {
	case string:
		if strings.HasPrefix(val, "$") {
			return lookupPath(strings.TrimPrefix(val, "$"), ctx)
		}
		return val
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, elem := range val {
			out[k] = resolveValue(elem, ctx)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, elem := range val {
			out[i] = resolveValue(elem, ctx)
		}
		return out
	default:
		return v
	}
}

// resolveParams resolves every value in a parameter map.
func resolveParams(params map[string]any, ctx map[string]any) map[string]any {
	if params == nil {
		return nil
	}
	out := make(map[string]any, len(params))
	for k, v := range params {
		out[k] = resolveValue(v, ctx)
	}
	return out
}

// lookupPath walks a dotted path through nested maps and slices. Numeric
// segments index into slices ("result.items.0"). Any segment that does not
// resolve yields nil.
func lookupPath(path string, ctx map[string]any) any {
	if path == "" {
		return nil
	}
	var current any = ctx
	for _, seg := range strings.Split(path, ".") {
		switch node := current.(type) {
		case map[string]any:
			v, ok := node[seg]
			if !ok {
				return nil
			}
			current = v
		case []any:
			idx, err := strconv.Atoi(seg)
			if err != nil || idx < 0 || idx >= len(node) {
				return nil
			}
			current = node[idx]
		default:
			return nil
		}
	}
	return current
}

// asSlice coerces a resolved value into a []any. Non-slice values yield
// nil so array-consuming stages can report a clear error.
func asSlice(v any) ([]any, bool) {
	s, ok := v.([]any)
	return s, ok
}
