package codec

import "strings"

// Values resolves a dotted path against a decoded JSON document and returns
// every value reachable through it. Arrays along the path fan out, so a path
// like "name.given" over repeated names yields one value per given name.
func Values(content map[string]any, path string) []any {
	if content == nil || path == "" {
		return nil
	}
	segs := strings.Split(path, ".")
	current := []any{any(content)}
	for _, seg := range segs {
		var next []any
		for _, v := range current {
			switch val := v.(type) {
			case map[string]any:
				if child, ok := val[seg]; ok {
					next = appendFlat(next, child)
				}
			case []any:
				for _, item := range val {
					if m, ok := item.(map[string]any); ok {
						if child, ok := m[seg]; ok {
							next = appendFlat(next, child)
						}
					}
				}
			}
		}
		if len(next) == 0 {
			return nil
		}
		current = next
	}
	return current
}

// appendFlat appends v to out, splicing arrays one level deep so repeated
// elements fan out into individual values.
func appendFlat(out []any, v any) []any {
	if arr, ok := v.([]any); ok {
		return append(out, arr...)
	}
	return append(out, v)
}

// First returns the first value for a path or nil.
func First(content map[string]any, path string) any {
	vals := Values(content, path)
	if len(vals) == 0 {
		return nil
	}
	return vals[0]
}

// Has reports whether the path resolves to at least one value.
func Has(content map[string]any, path string) bool {
	return len(Values(content, path)) > 0
}
