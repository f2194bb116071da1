// Package model defines the core resource representation and the typed
// error taxonomy shared by every layer of the engine.
package model

import (
	"time"
)

// Resource is a versioned, typed, semi-structured document managed by the
// store. (Type, ID) identifies one logical entity; VersionID strictly
// increases per entity. A deleted entity keeps its history and is represented
// by a tombstone version with empty content and Deleted set.
type Resource struct {
	Type        string         `json:"resourceType"`
	ID          string         `json:"id"`
	VersionID   int            `json:"versionId"`
	Content     map[string]any `json:"content"`
	LastUpdated time.Time      `json:"lastUpdated"`
	Deleted     bool           `json:"deleted,omitempty"`
}

// Key returns the "Type/ID" form used in references and logs.
func (r *Resource) Key() string {
	return r.Type + "/" + r.ID
}

// Clone returns a deep copy of the resource. Content is copied recursively so
// callers can mutate the clone without affecting stored state.
func (r *Resource) Clone() *Resource {
	cp := *r
	cp.Content = CloneContent(r.Content)
	return &cp
}

// CloneContent deep-copies a decoded JSON document.
func CloneContent(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return CloneContent(val)
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = cloneValue(item)
		}
		return out
	default:
		return v
	}
}
