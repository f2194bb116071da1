// Package index derives typed search index entries from resource content
// under the declarative schema, and defines the condition model the query
// executor hands to storage backends. Entries are always derived, never
// authoritative: every write fully rebuilds the rows for that resource.
package index

import (
	"time"

	"github.com/carevault/carevault/internal/schema"
)

// Entry is one search index row. The kind decides which value columns are
// meaningful; unused columns stay zero.
type Entry struct {
	ResourceType string
	ResourceID   string
	Param        string
	Kind         schema.ParamKind

	// string / uri
	ValueString string // raw value
	ValueNorm   string // case-folded for default string matching

	// token
	System string
	Code   string

	// date: half-open interval [DateLo, DateHi) supporting partial precision
	DateLo time.Time
	DateHi time.Time

	// number / quantity; for composite entries these hold the numeric
	// component while System/Code hold the token component
	Number         float64
	HasNumber      bool
	QuantitySystem string
	QuantityCode   string

	// reference
	RefType string
	RefID   string
	RefURI  string // absolute or placeholder form
}
