package index

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ParseDateRange parses a date value of partial precision into a half-open
// [lo, hi) interval: "2024" covers the year, "2024-03" the month, "2024-03-05"
// the day, and a full instant covers a single nanosecond.
func ParseDateRange(s string) (time.Time, time.Time, error) {
	switch len(s) {
	case 4: // YYYY
		t, err := time.Parse("2006", s)
		if err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("parse date %q: %w", s, err)
		}
		return t, t.AddDate(1, 0, 0), nil
	case 7: // YYYY-MM
		t, err := time.Parse("2006-01", s)
		if err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("parse date %q: %w", s, err)
		}
		return t, t.AddDate(0, 1, 0), nil
	case 10: // YYYY-MM-DD
		t, err := time.Parse("2006-01-02", s)
		if err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("parse date %q: %w", s, err)
		}
		return t, t.AddDate(0, 0, 1), nil
	default:
		for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02T15:04:05"} {
			if t, err := time.Parse(layout, s); err == nil {
				return t, t.Add(time.Nanosecond), nil
			}
		}
		return time.Time{}, time.Time{}, fmt.Errorf("unable to parse date: %s", s)
	}
}

// TokenValue is a parsed token: a system/code pair, either side optional.
type TokenValue struct {
	System string
	Code   string
}

// tokensFromValue extracts token values from a content element. Plain scalars
// index as a bare code; Coding and Identifier elements carry their system;
// CodeableConcept elements fan out one token per coding.
func tokensFromValue(v any) []TokenValue {
	switch val := v.(type) {
	case string:
		return []TokenValue{{Code: val}}
	case bool:
		return []TokenValue{{Code: strconv.FormatBool(val)}}
	case float64:
		return []TokenValue{{Code: formatNumber(val)}}
	case map[string]any:
		if codings, ok := val["coding"].([]any); ok {
			var out []TokenValue
			for _, c := range codings {
				if m, ok := c.(map[string]any); ok {
					tv := TokenValue{}
					tv.System, _ = m["system"].(string)
					tv.Code, _ = m["code"].(string)
					if tv.System != "" || tv.Code != "" {
						out = append(out, tv)
					}
				}
			}
			return out
		}
		tv := TokenValue{}
		tv.System, _ = val["system"].(string)
		if code, ok := val["code"].(string); ok {
			tv.Code = code
		} else if value, ok := val["value"].(string); ok {
			// Identifier form: system|value
			tv.Code = value
		}
		if tv.System != "" || tv.Code != "" {
			return []TokenValue{tv}
		}
	}
	return nil
}

// QuantityValue is a parsed quantity element.
type QuantityValue struct {
	Value  float64
	System string
	Code   string
}

func quantityFromValue(v any) (QuantityValue, bool) {
	m, ok := v.(map[string]any)
	if !ok {
		return QuantityValue{}, false
	}
	num, ok := m["value"].(float64)
	if !ok {
		return QuantityValue{}, false
	}
	qv := QuantityValue{Value: num}
	qv.System, _ = m["system"].(string)
	if code, ok := m["code"].(string); ok {
		qv.Code = code
	} else if unit, ok := m["unit"].(string); ok {
		qv.Code = unit
	}
	return qv, true
}

// Ref is a parsed reference value.
type Ref struct {
	Type string // resolved target type, when the form carries one
	ID   string
	URI  string // absolute URL or urn:uuid placeholder, otherwise empty
}

// Local reports whether the reference is in relative Type/id form and thus
// subject to local integrity checking.
func (r Ref) Local() bool { return r.URI == "" && r.Type != "" && r.ID != "" }

// Placeholder reports whether the reference is an intra-batch urn:uuid
// placeholder awaiting identifier assignment.
func (r Ref) Placeholder() bool { return strings.HasPrefix(r.URI, "urn:uuid:") }

// ParseRef parses the three supported reference forms: relative "Type/id",
// absolute "http(s)://…/Type/id", and placeholder "urn:uuid:…".
func ParseRef(raw string) (Ref, bool) {
	if raw == "" {
		return Ref{}, false
	}
	if strings.HasPrefix(raw, "urn:uuid:") {
		return Ref{URI: raw}, true
	}
	if strings.Contains(raw, "://") {
		r := Ref{URI: raw}
		// Recover Type/id from the URL tail when it has that shape.
		parts := strings.Split(strings.TrimRight(raw, "/"), "/")
		if len(parts) >= 2 {
			typ, id := parts[len(parts)-2], parts[len(parts)-1]
			if isTypeName(typ) && id != "" {
				r.Type, r.ID = typ, id
			}
		}
		return r, true
	}
	parts := strings.SplitN(raw, "/", 2)
	if len(parts) == 2 && isTypeName(parts[0]) && parts[1] != "" && !strings.Contains(parts[1], "/") {
		return Ref{Type: parts[0], ID: parts[1]}, true
	}
	return Ref{}, false
}

// refFromValue extracts a reference from either a Reference element
// ({"reference": "..."}) or a plain string value.
func refFromValue(v any) (Ref, bool) {
	switch val := v.(type) {
	case string:
		return ParseRef(val)
	case map[string]any:
		if raw, ok := val["reference"].(string); ok {
			return ParseRef(raw)
		}
	}
	return Ref{}, false
}

func isTypeName(s string) bool {
	if s == "" || s[0] < 'A' || s[0] > 'Z' {
		return false
	}
	for _, c := range s {
		if !((c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9')) {
			return false
		}
	}
	return true
}

func formatNumber(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}

func stringFromValue(v any) (string, bool) {
	switch val := v.(type) {
	case string:
		return val, true
	case float64:
		return formatNumber(val), true
	case bool:
		return strconv.FormatBool(val), true
	}
	return "", false
}
