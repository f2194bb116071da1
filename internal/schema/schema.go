// Package schema holds the declarative per-type definitions that drive
// indexing, validation, reference integrity, and compartment maintenance.
// The active schema is an immutable snapshot swapped atomically; request
// handlers never observe a partially updated table.
package schema

import (
	"fmt"
	"sync/atomic"
)

// ParamKind is the type of a search parameter, which determines how values
// are extracted, indexed, and compared.
type ParamKind string

const (
	KindString    ParamKind = "string"
	KindToken     ParamKind = "token"
	KindDate      ParamKind = "date"
	KindNumber    ParamKind = "number"
	KindQuantity  ParamKind = "quantity"
	KindReference ParamKind = "reference"
	KindURI       ParamKind = "uri"
	KindComposite ParamKind = "composite"
)

// ValidKind reports whether k names a supported parameter kind.
func ValidKind(k ParamKind) bool {
	switch k {
	case KindString, KindToken, KindDate, KindNumber, KindQuantity, KindReference, KindURI, KindComposite:
		return true
	}
	return false
}

// Variant is one alternative extraction for a polymorphic field. The indexer
// picks whichever variant's path is present in the content.
type Variant struct {
	Path string    `json:"path"`
	Kind ParamKind `json:"kind"`
}

// Component is one correlated sub-value of a composite parameter. Composite
// components are indexed together as a single tuple, never independently.
type Component struct {
	Path string    `json:"path"`
	Kind ParamKind `json:"kind"`
}

// ParamDef declares one search parameter: how values are pulled out of a
// resource's content and what kind of index entries they produce.
type ParamDef struct {
	Name string    `json:"name"`
	Kind ParamKind `json:"kind"`
	// Paths are dotted paths into the content; repeated fields along the way
	// yield one index entry per occurrence.
	Paths []string `json:"paths,omitempty"`
	// Variants override Paths/Kind for polymorphic value[x] fields.
	Variants []Variant `json:"variants,omitempty"`
	// Components define a composite parameter (Kind == composite).
	Components []Component `json:"components,omitempty"`
	// Targets restricts reference parameters to the listed resource types.
	Targets []string `json:"targets,omitempty"`
	// Hard marks a reference whose edge blocks a strict delete of its target.
	Hard bool `json:"hard,omitempty"`
}

// FieldRule is a structural/cardinality constraint checked at write time.
// Anything beyond structural shape is deferred to external collaborators.
type FieldRule struct {
	Path     string `json:"path"`
	Required bool   `json:"required,omitempty"`
	// Array marks fields that must be JSON arrays when present; scalar fields
	// must not be arrays.
	Array bool `json:"array,omitempty"`
}

// TypeDef declares one resource type in the open catalog.
type TypeDef struct {
	Name   string               `json:"name"`
	Params map[string]*ParamDef `json:"params"`
	Rules  []FieldRule          `json:"rules,omitempty"`
	// CompartmentParams name the reference parameters whose targets place this
	// resource directly into the target's compartment (e.g. "subject").
	CompartmentParams []string `json:"compartmentParams,omitempty"`
	// TransitiveVia names a reference parameter through which compartment
	// membership is inherited from the intermediate resource (one hop, e.g.
	// Observation -> Encounter -> Patient).
	TransitiveVia string `json:"transitiveVia,omitempty"`
}

// Param returns the definition of a search parameter or nil.
func (t *TypeDef) Param(name string) *ParamDef {
	if t == nil {
		return nil
	}
	return t.Params[name]
}

// Snapshot is one immutable version of the full schema table plus the engine
// limits that travel with it.
type Snapshot struct {
	Types           map[string]*TypeDef
	CompartmentType string // root type of the compartment graph, "Patient"
	DefaultPageSize int
	MaxPageSize     int
}

// Type returns the definition for a resource type or nil when the type is not
// in the catalog.
func (s *Snapshot) Type(name string) *TypeDef {
	return s.Types[name]
}

// Validate checks internal consistency of a snapshot before it is installed.
func (s *Snapshot) Validate() error {
	if s.DefaultPageSize <= 0 || s.MaxPageSize < s.DefaultPageSize {
		return fmt.Errorf("page size limits out of order: default=%d max=%d", s.DefaultPageSize, s.MaxPageSize)
	}
	for name, td := range s.Types {
		if td.Name != name {
			return fmt.Errorf("type %q: name mismatch %q", name, td.Name)
		}
		for pname, p := range td.Params {
			if p.Name != pname {
				return fmt.Errorf("type %q: param %q name mismatch %q", name, pname, p.Name)
			}
			if !ValidKind(p.Kind) {
				return fmt.Errorf("type %q param %q: unknown kind %q", name, pname, p.Kind)
			}
			if p.Kind == KindComposite && len(p.Components) < 2 {
				return fmt.Errorf("type %q param %q: composite needs at least two components", name, pname)
			}
			if p.Kind == KindReference && len(p.Targets) == 0 {
				return fmt.Errorf("type %q param %q: reference needs target types", name, pname)
			}
			if len(p.Paths) == 0 && len(p.Variants) == 0 && p.Kind != KindComposite {
				return fmt.Errorf("type %q param %q: no extraction path", name, pname)
			}
		}
		for _, cp := range td.CompartmentParams {
			p := td.Params[cp]
			if p == nil || p.Kind != KindReference {
				return fmt.Errorf("type %q: compartment param %q is not a reference parameter", name, cp)
			}
		}
		if td.TransitiveVia != "" {
			p := td.Params[td.TransitiveVia]
			if p == nil || p.Kind != KindReference {
				return fmt.Errorf("type %q: transitive param %q is not a reference parameter", name, td.TransitiveVia)
			}
		}
	}
	return nil
}

// Registry hands out the current schema snapshot and swaps in replacements
// atomically. Readers keep using the snapshot they loaded; there is no
// per-request mutation of shared tables.
type Registry struct {
	current atomic.Pointer[Snapshot]
}

// NewRegistry creates a registry serving the given initial snapshot.
func NewRegistry(s *Snapshot) (*Registry, error) {
	if err := s.Validate(); err != nil {
		return nil, err
	}
	r := &Registry{}
	r.current.Store(s)
	return r, nil
}

// Current returns the active snapshot.
func (r *Registry) Current() *Snapshot {
	return r.current.Load()
}

// Swap installs a new snapshot after validating it. Existing operations keep
// the snapshot they already hold; an administrative re-index pass brings the
// derived index in line with the new table.
func (r *Registry) Swap(s *Snapshot) error {
	if err := s.Validate(); err != nil {
		return err
	}
	r.current.Store(s)
	return nil
}
