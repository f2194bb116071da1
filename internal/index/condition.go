package index

import (
	"strings"
	"time"

	"github.com/carevault/carevault/internal/schema"
)

// Prefix is a comparison prefix on ordered search values.
type Prefix string

const (
	PrefixEq Prefix = "eq"
	PrefixNe Prefix = "ne"
	PrefixGt Prefix = "gt"
	PrefixLt Prefix = "lt"
	PrefixGe Prefix = "ge"
	PrefixLe Prefix = "le"
	PrefixSa Prefix = "sa" // starts after
	PrefixEb Prefix = "eb" // ends before
	PrefixAp Prefix = "ap" // approximately
)

// SplitPrefix extracts a comparison prefix from a raw search value.
// "gt2024-01-01" -> (gt, "2024-01-01"); "100" -> (eq, "100").
func SplitPrefix(raw string) (Prefix, string) {
	if len(raw) >= 2 {
		switch p := Prefix(strings.ToLower(raw[:2])); p {
		case PrefixEq, PrefixNe, PrefixGt, PrefixLt, PrefixGe, PrefixLe, PrefixSa, PrefixEb, PrefixAp:
			return p, raw[2:]
		}
	}
	return PrefixEq, raw
}

// Modifier is a search modifier. Support is per kind; an unsupported modifier
// is rejected by the planner before execution, never silently ignored.
type Modifier string

const (
	ModifierNone     Modifier = ""
	ModifierExact    Modifier = "exact"
	ModifierContains Modifier = "contains"
	ModifierMissing  Modifier = "missing"
	ModifierNot      Modifier = "not"
)

// Condition is one parsed comparison against a single parameter value.
type Condition struct {
	Param    string
	Kind     schema.ParamKind
	Modifier Modifier
	Prefix   Prefix

	// Parsed query value, per kind.
	Norm      string // string/uri comparison value (case-folded for string)
	Raw       string // original value text
	System    string // token system ("" means unconstrained)
	Code      string // token code
	SysOnly   bool   // "system|" form: match system regardless of code
	CodeSet   bool   // code side present
	DateLo    time.Time
	DateHi    time.Time
	Number    float64
	QtySystem string
	QtyCode   string
	RefType   string
	RefID     string
	RefURI    string

	// Composite sub-conditions: first the token side, then the numeric side.
	CompToken *Condition
	CompValue *Condition
}

// Group is the resource-level predicate for one query parameter occurrence:
// OR across the comma-separated conditions, with :missing and :not applied at
// the resource level.
type Group struct {
	Param   string
	Missing *bool // :missing=true/false; Any is empty when set
	Negate  bool  // :not — match when no entry satisfies any condition
	Any     []Condition
}

// MatchEntry reports whether a single index entry satisfies the condition.
// Resource-level semantics (missing, negation, OR) live in MatchGroup.
func MatchEntry(e Entry, c Condition) bool {
	if e.Param != c.Param {
		return false
	}
	switch c.Kind {
	case schema.KindString:
		switch c.Modifier {
		case ModifierExact:
			return e.ValueString == c.Raw
		case ModifierContains:
			return strings.Contains(e.ValueNorm, c.Norm)
		default:
			return strings.HasPrefix(e.ValueNorm, c.Norm)
		}
	case schema.KindURI:
		return e.ValueString == c.Raw
	case schema.KindToken:
		if c.SysOnly {
			return e.System == c.System
		}
		if c.System != "" {
			return e.System == c.System && e.Code == c.Code
		}
		return e.Code == c.Code
	case schema.KindDate:
		return matchDate(e.DateLo, e.DateHi, c)
	case schema.KindNumber:
		return e.HasNumber && matchNumber(e.Number, c.Prefix, c.Number)
	case schema.KindQuantity:
		if !e.HasNumber || !matchNumber(e.Number, c.Prefix, c.Number) {
			return false
		}
		if c.QtySystem != "" && e.QuantitySystem != c.QtySystem {
			return false
		}
		if c.QtyCode != "" && e.QuantityCode != c.QtyCode {
			return false
		}
		return true
	case schema.KindReference:
		if c.RefURI != "" {
			return e.RefURI == c.RefURI
		}
		if c.RefType != "" && e.RefType != c.RefType {
			return false
		}
		return e.RefID == c.RefID
	case schema.KindComposite:
		if c.CompToken != nil {
			tok := *c.CompToken
			tok.Param = c.Param
			tok.Kind = schema.KindToken
			if !matchCompositeToken(e, tok) {
				return false
			}
		}
		if c.CompValue != nil {
			if !e.HasNumber || !matchNumber(e.Number, c.CompValue.Prefix, c.CompValue.Number) {
				return false
			}
		}
		return true
	}
	return false
}

func matchCompositeToken(e Entry, c Condition) bool {
	if c.SysOnly {
		return e.System == c.System
	}
	if c.System != "" {
		return e.System == c.System && e.Code == c.Code
	}
	return e.Code == c.Code
}

// matchDate compares the entry interval [lo, hi) against the query interval
// using FHIR ordered-prefix semantics over ranges.
func matchDate(lo, hi time.Time, c Condition) bool {
	switch c.Prefix {
	case PrefixGt:
		return hi.After(c.DateHi)
	case PrefixLt:
		return lo.Before(c.DateLo)
	case PrefixGe:
		return !hi.Before(c.DateHi) || overlap(lo, hi, c.DateLo, c.DateHi)
	case PrefixLe:
		return !lo.After(c.DateLo) || overlap(lo, hi, c.DateLo, c.DateHi)
	case PrefixSa:
		return !lo.Before(c.DateHi)
	case PrefixEb:
		return !hi.After(c.DateLo)
	case PrefixNe:
		return !overlap(lo, hi, c.DateLo, c.DateHi)
	case PrefixAp:
		const slack = 24 * time.Hour
		return overlap(lo, hi, c.DateLo.Add(-slack), c.DateHi.Add(slack))
	default: // eq
		return overlap(lo, hi, c.DateLo, c.DateHi)
	}
}

func overlap(aLo, aHi, bLo, bHi time.Time) bool {
	return aLo.Before(bHi) && aHi.After(bLo)
}

func matchNumber(v float64, p Prefix, q float64) bool {
	switch p {
	case PrefixGt, PrefixSa:
		return v > q
	case PrefixLt, PrefixEb:
		return v < q
	case PrefixGe:
		return v >= q
	case PrefixLe:
		return v <= q
	case PrefixNe:
		return v != q
	case PrefixAp:
		slack := q * 0.1
		if slack < 0 {
			slack = -slack
		}
		return v >= q-slack && v <= q+slack
	default:
		return v == q
	}
}

// MatchGroup evaluates the resource-level predicate for one group against the
// resource's full entry set.
func MatchGroup(entries []Entry, g Group) bool {
	if g.Missing != nil {
		present := false
		for _, e := range entries {
			if e.Param == g.Param {
				present = true
				break
			}
		}
		return present != *g.Missing
	}
	matched := false
	for _, e := range entries {
		for _, c := range g.Any {
			if MatchEntry(e, c) {
				matched = true
				break
			}
		}
		if matched {
			break
		}
	}
	if g.Negate {
		return !matched
	}
	return matched
}
