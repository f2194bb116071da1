// Package search turns a raw query string into an executable plan and runs it
// against a storage transaction. Every validation error is raised before the
// first storage read, so a malformed query never produces a partial page.
package search

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/carevault/carevault/internal/index"
	"github.com/carevault/carevault/internal/model"
	"github.com/carevault/carevault/internal/schema"
	"github.com/carevault/carevault/internal/storage"
)

// Chain is one chained parameter: a nested condition group evaluated against
// the referenced type first, whose matches then constrain the reference
// parameter on the primary type.
type Chain struct {
	Param      string
	TargetType string
	Sub        index.Group
}

// RevInclude names inbound resources to attach: sources of SourceType whose
// Param references a primary result.
type RevInclude struct {
	SourceType string
	Param      string
}

// Plan is a fully validated search, ready to execute.
type Plan struct {
	Type        string
	Groups      []index.Group
	Chains      []Chain
	Sort        storage.SortSpec
	Count       int
	After       *storage.PageCursor
	Includes    []string
	RevIncludes []RevInclude
}

// Parse validates the query against the schema snapshot and builds the plan.
// Unknown parameter names, unsupported modifiers, and out-of-range page sizes
// are all rejected here with MalformedQuery.
func Parse(s *schema.Snapshot, resourceType string, values url.Values) (*Plan, error) {
	td := s.Type(resourceType)
	if td == nil {
		return nil, model.NotFoundErr(resourceType, "")
	}

	p := &Plan{Type: resourceType, Count: s.DefaultPageSize}

	for key, vals := range values {
		switch {
		case strings.HasPrefix(key, "_"):
			if err := parseReserved(s, td, p, key, vals); err != nil {
				return nil, err
			}
		case strings.Contains(key, "."):
			for _, raw := range vals {
				ch, err := parseChain(s, td, key, raw)
				if err != nil {
					return nil, err
				}
				p.Chains = append(p.Chains, ch)
			}
		default:
			for _, raw := range vals {
				g, err := buildGroup(td, key, raw)
				if err != nil {
					return nil, err
				}
				p.Groups = append(p.Groups, g)
			}
		}
	}
	return p, nil
}

func parseReserved(s *schema.Snapshot, td *schema.TypeDef, p *Plan, key string, vals []string) error {
	last := vals[len(vals)-1]
	switch key {
	case "_count":
		n, err := strconv.Atoi(last)
		if err != nil || n <= 0 {
			return model.MalformedQueryErr("_count", fmt.Sprintf("invalid page size %q", last))
		}
		if n > s.MaxPageSize {
			return model.MalformedQueryErr("_count", fmt.Sprintf("page size %d exceeds maximum %d", n, s.MaxPageSize))
		}
		p.Count = n
	case "_sort":
		return parseSort(td, p, last)
	case "_pageToken":
		c, err := DecodePageToken(last)
		if err != nil {
			return err
		}
		p.After = c
	case "_include":
		for _, v := range vals {
			srcType, param, ok := strings.Cut(v, ":")
			if !ok || srcType != td.Name {
				return model.MalformedQueryErr("_include", fmt.Sprintf("invalid include %q, expected %s:parameter", v, td.Name))
			}
			pd := td.Param(param)
			if pd == nil || pd.Kind != schema.KindReference {
				return model.MalformedQueryErr("_include", fmt.Sprintf("%q is not a reference parameter of %s", param, td.Name))
			}
			p.Includes = append(p.Includes, param)
		}
	case "_revinclude":
		for _, v := range vals {
			srcType, param, ok := strings.Cut(v, ":")
			if !ok {
				return model.MalformedQueryErr("_revinclude", fmt.Sprintf("invalid revinclude %q, expected SourceType:parameter", v))
			}
			srcTD := s.Type(srcType)
			if srcTD == nil {
				return model.MalformedQueryErr("_revinclude", fmt.Sprintf("unknown resource type %q", srcType))
			}
			pd := srcTD.Param(param)
			if pd == nil || pd.Kind != schema.KindReference {
				return model.MalformedQueryErr("_revinclude", fmt.Sprintf("%q is not a reference parameter of %s", param, srcType))
			}
			p.RevIncludes = append(p.RevIncludes, RevInclude{SourceType: srcType, Param: param})
		}
	default:
		return model.MalformedQueryErr(key, "unknown search parameter")
	}
	return nil
}

func parseSort(td *schema.TypeDef, p *Plan, raw string) error {
	spec := storage.SortSpec{}
	name := raw
	if strings.HasPrefix(name, "-") {
		spec.Desc = true
		name = name[1:]
	}
	if name == "_lastUpdated" {
		p.Sort = spec
		return nil
	}
	pd := td.Param(name)
	if pd == nil {
		return model.MalformedQueryErr("_sort", fmt.Sprintf("unknown sort parameter %q", name))
	}
	switch pd.Kind {
	case schema.KindString, schema.KindToken, schema.KindDate, schema.KindNumber, schema.KindQuantity, schema.KindURI:
		spec.Param = name
		p.Sort = spec
		return nil
	default:
		return model.MalformedQueryErr("_sort", fmt.Sprintf("parameter %q is not sortable", name))
	}
}

// parseChain resolves "param.sub=value" or "param:TargetType.sub=value" into a
// nested group against the referenced type. One hop only.
func parseChain(s *schema.Snapshot, td *schema.TypeDef, key, raw string) (Chain, error) {
	head, rest, _ := strings.Cut(key, ".")
	if strings.Contains(rest, ".") {
		return Chain{}, model.MalformedQueryErr(key, "chained parameters support a single hop")
	}

	name, explicit, _ := strings.Cut(head, ":")
	pd := td.Param(name)
	if pd == nil || pd.Kind != schema.KindReference {
		return Chain{}, model.MalformedQueryErr(key, fmt.Sprintf("%q is not a reference parameter of %s", name, td.Name))
	}

	targetType := explicit
	if targetType == "" {
		if len(pd.Targets) != 1 {
			return Chain{}, model.MalformedQueryErr(key,
				fmt.Sprintf("parameter %q references multiple types, qualify as %s:Type.%s", name, name, rest))
		}
		targetType = pd.Targets[0]
	} else if !contains(pd.Targets, targetType) {
		return Chain{}, model.MalformedQueryErr(key, fmt.Sprintf("parameter %q cannot reference %s", name, targetType))
	}

	targetTD := s.Type(targetType)
	if targetTD == nil {
		return Chain{}, model.MalformedQueryErr(key, fmt.Sprintf("unknown resource type %q", targetType))
	}
	sub, err := buildGroup(targetTD, rest, raw)
	if err != nil {
		return Chain{}, err
	}
	return Chain{Param: name, TargetType: targetType, Sub: sub}, nil
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// buildGroup parses one "name[:modifier]=v1,v2" occurrence into a group: OR
// across the comma-separated values.
func buildGroup(td *schema.TypeDef, key, raw string) (index.Group, error) {
	name, mod, _ := strings.Cut(key, ":")
	pd := td.Param(name)
	if pd == nil {
		return index.Group{}, model.MalformedQueryErr(name, fmt.Sprintf("unknown search parameter for %s", td.Name))
	}
	modifier := index.Modifier(mod)

	if modifier == index.ModifierMissing {
		switch raw {
		case "true", "false":
			missing := raw == "true"
			return index.Group{Param: name, Missing: &missing}, nil
		default:
			return index.Group{}, model.MalformedQueryErr(key, ":missing takes true or false")
		}
	}
	if err := checkModifier(pd.Kind, modifier); err != nil {
		return index.Group{}, model.MalformedQueryErr(key, err.Error())
	}

	g := index.Group{Param: name, Negate: modifier == index.ModifierNot}
	for _, part := range strings.Split(raw, ",") {
		c, err := buildCondition(pd, modifier, part)
		if err != nil {
			return index.Group{}, err
		}
		g.Any = append(g.Any, c)
	}
	return g, nil
}

// checkModifier is the per-kind support table. An unsupported modifier is a
// query error, never a silent no-op.
func checkModifier(kind schema.ParamKind, m index.Modifier) error {
	if m == index.ModifierNone {
		return nil
	}
	switch kind {
	case schema.KindString:
		if m == index.ModifierExact || m == index.ModifierContains {
			return nil
		}
	case schema.KindToken:
		if m == index.ModifierNot {
			return nil
		}
	}
	return fmt.Errorf("modifier :%s not supported for %s parameters", m, kind)
}

func buildCondition(pd *schema.ParamDef, modifier index.Modifier, raw string) (index.Condition, error) {
	c := index.Condition{Param: pd.Name, Kind: pd.Kind, Modifier: modifier, Prefix: index.PrefixEq}

	switch pd.Kind {
	case schema.KindString:
		c.Raw = raw
		c.Norm = strings.ToLower(raw)

	case schema.KindURI:
		c.Raw = raw
		c.Norm = raw

	case schema.KindToken:
		parseTokenInto(&c, raw)

	case schema.KindDate:
		prefix, val := index.SplitPrefix(raw)
		lo, hi, err := index.ParseDateRange(val)
		if err != nil {
			return c, model.MalformedQueryErr(pd.Name, err.Error())
		}
		c.Prefix = prefix
		c.Raw = val
		c.DateLo, c.DateHi = lo, hi

	case schema.KindNumber:
		prefix, val := index.SplitPrefix(raw)
		n, err := strconv.ParseFloat(val, 64)
		if err != nil {
			return c, model.MalformedQueryErr(pd.Name, fmt.Sprintf("invalid number %q", val))
		}
		c.Prefix = prefix
		c.Number = n

	case schema.KindQuantity:
		// number[|system|code], prefix on the number.
		parts := strings.SplitN(raw, "|", 3)
		prefix, val := index.SplitPrefix(parts[0])
		n, err := strconv.ParseFloat(val, 64)
		if err != nil {
			return c, model.MalformedQueryErr(pd.Name, fmt.Sprintf("invalid quantity %q", raw))
		}
		c.Prefix = prefix
		c.Number = n
		if len(parts) > 1 {
			c.QtySystem = parts[1]
		}
		if len(parts) > 2 {
			c.QtyCode = parts[2]
		}

	case schema.KindReference:
		if ref, ok := index.ParseRef(raw); ok {
			c.RefType, c.RefID, c.RefURI = ref.Type, ref.ID, ref.URI
		} else if raw != "" && !strings.ContainsAny(raw, "/|") {
			// Bare id: match any target type.
			c.RefID = raw
		} else {
			return c, model.MalformedQueryErr(pd.Name, fmt.Sprintf("invalid reference %q", raw))
		}

	case schema.KindComposite:
		tokPart, valPart, ok := strings.Cut(raw, "$")
		if !ok {
			return c, model.MalformedQueryErr(pd.Name, "composite values take the form token$value")
		}
		tok := index.Condition{Param: pd.Name, Kind: schema.KindToken}
		parseTokenInto(&tok, tokPart)
		prefix, val := index.SplitPrefix(valPart)
		n, err := strconv.ParseFloat(val, 64)
		if err != nil {
			return c, model.MalformedQueryErr(pd.Name, fmt.Sprintf("invalid composite value %q", valPart))
		}
		num := index.Condition{Param: pd.Name, Prefix: prefix, Number: n}
		c.CompToken = &tok
		c.CompValue = &num

	default:
		return c, model.MalformedQueryErr(pd.Name, fmt.Sprintf("unsupported parameter kind %q", pd.Kind))
	}
	return c, nil
}

// parseTokenInto fills the token sides of a condition from the
// [system|]code grammar; a trailing bar constrains the system alone.
func parseTokenInto(c *index.Condition, raw string) {
	if !strings.Contains(raw, "|") {
		c.Code = raw
		c.CodeSet = true
		return
	}
	system, code, _ := strings.Cut(raw, "|")
	c.System = system
	if code == "" {
		c.SysOnly = true
		return
	}
	c.Code = code
	c.CodeSet = true
}
