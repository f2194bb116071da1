package index

import (
	"fmt"
	"strings"

	"github.com/carevault/carevault/internal/codec"
	"github.com/carevault/carevault/internal/model"
	"github.com/carevault/carevault/internal/schema"
)

// Build derives the full set of index entries for a resource from its content
// and the schema snapshot. The result replaces any prior rows for the
// resource; tombstones produce no entries.
func Build(s *schema.Snapshot, r *model.Resource) ([]Entry, error) {
	if r.Deleted {
		return nil, nil
	}
	td := s.Type(r.Type)
	if td == nil {
		return nil, model.ValidationErr("resourceType", fmt.Sprintf("unknown resource type %q", r.Type))
	}

	var entries []Entry
	for _, p := range td.Params {
		es, err := buildParam(r, p)
		if err != nil {
			return nil, err
		}
		entries = append(entries, es...)
	}
	return entries, nil
}

func buildParam(r *model.Resource, p *schema.ParamDef) ([]Entry, error) {
	if p.Kind == schema.KindComposite {
		return buildComposite(r, p)
	}

	// Polymorphic fields: the first variant whose path is present decides the
	// extraction; remaining variants are ignored for this resource.
	if len(p.Variants) > 0 {
		for _, v := range p.Variants {
			vals := codec.Values(r.Content, v.Path)
			if len(vals) == 0 {
				continue
			}
			return buildValues(r, p, v.Kind, vals)
		}
		return nil, nil
	}

	var entries []Entry
	for _, path := range p.Paths {
		vals := codec.Values(r.Content, path)
		if len(vals) == 0 {
			continue
		}
		es, err := buildValues(r, p, p.Kind, vals)
		if err != nil {
			return nil, err
		}
		entries = append(entries, es...)
	}
	return entries, nil
}

func buildValues(r *model.Resource, p *schema.ParamDef, kind schema.ParamKind, vals []any) ([]Entry, error) {
	var entries []Entry
	base := Entry{ResourceType: r.Type, ResourceID: r.ID, Param: p.Name, Kind: kind}

	for _, v := range vals {
		switch kind {
		case schema.KindString:
			s, ok := stringFromValue(v)
			if !ok {
				continue
			}
			e := base
			e.ValueString = s
			e.ValueNorm = strings.ToLower(s)
			entries = append(entries, e)

		case schema.KindURI:
			s, ok := v.(string)
			if !ok {
				continue
			}
			e := base
			e.ValueString = s
			e.ValueNorm = s
			entries = append(entries, e)

		case schema.KindToken:
			for _, tv := range tokensFromValue(v) {
				e := base
				e.System = tv.System
				e.Code = tv.Code
				entries = append(entries, e)
			}

		case schema.KindDate:
			s, ok := v.(string)
			if !ok {
				continue
			}
			lo, hi, err := ParseDateRange(s)
			if err != nil {
				return nil, model.ValidationErr(p.Name, err.Error())
			}
			e := base
			e.ValueString = s
			e.DateLo, e.DateHi = lo, hi
			entries = append(entries, e)

		case schema.KindNumber:
			num, ok := v.(float64)
			if !ok {
				continue
			}
			e := base
			e.Number = num
			e.HasNumber = true
			e.ValueNorm = formatNumber(num)
			entries = append(entries, e)

		case schema.KindQuantity:
			qv, ok := quantityFromValue(v)
			if !ok {
				continue
			}
			e := base
			e.Number = qv.Value
			e.HasNumber = true
			e.QuantitySystem = qv.System
			e.QuantityCode = qv.Code
			e.ValueNorm = formatNumber(qv.Value)
			entries = append(entries, e)

		case schema.KindReference:
			ref, ok := refFromValue(v)
			if !ok {
				return nil, model.ValidationErr(p.Name, "malformed reference value")
			}
			e := base
			e.RefType = ref.Type
			e.RefID = ref.ID
			e.RefURI = ref.URI
			entries = append(entries, e)
		}
	}
	return entries, nil
}

// buildComposite indexes correlated sub-values as one tuple row. The token
// component lands in System/Code and the numeric component in Number; the two
// are matched together, never independently. A composite entry is produced
// only when every component resolves.
func buildComposite(r *model.Resource, p *schema.ParamDef) ([]Entry, error) {
	e := Entry{ResourceType: r.Type, ResourceID: r.ID, Param: p.Name, Kind: schema.KindComposite}
	for _, comp := range p.Components {
		v := codec.First(r.Content, comp.Path)
		if v == nil {
			return nil, nil
		}
		switch comp.Kind {
		case schema.KindToken:
			tvs := tokensFromValue(v)
			if len(tvs) == 0 {
				return nil, nil
			}
			e.System = tvs[0].System
			e.Code = tvs[0].Code
		case schema.KindQuantity:
			qv, ok := quantityFromValue(v)
			if !ok {
				return nil, nil
			}
			e.Number = qv.Value
			e.HasNumber = true
			e.QuantitySystem = qv.System
			e.QuantityCode = qv.Code
		case schema.KindNumber:
			num, ok := v.(float64)
			if !ok {
				return nil, nil
			}
			e.Number = num
			e.HasNumber = true
		case schema.KindString:
			s, ok := stringFromValue(v)
			if !ok {
				return nil, nil
			}
			e.ValueString = s
			e.ValueNorm = strings.ToLower(s)
		default:
			return nil, model.ValidationErr(p.Name,
				fmt.Sprintf("unsupported composite component kind %q", comp.Kind))
		}
	}
	return []Entry{e}, nil
}
