package search

import (
	"context"

	"github.com/carevault/carevault/internal/index"
	"github.com/carevault/carevault/internal/model"
	"github.com/carevault/carevault/internal/schema"
	"github.com/carevault/carevault/internal/storage"
)

// Result is one page of a search: the primary matches in sort order, any
// included resources, and the token for the next page when one exists.
type Result struct {
	Resources []*model.Resource
	Included  []*model.Resource
	NextToken string
}

// Execute runs a plan inside the given transaction. Chained parameters resolve
// first, the primary window is fetched with one extra row to detect a next
// page, then includes expand through the edge index without affecting primary
// pagination.
func Execute(ctx context.Context, tx storage.Tx, p *Plan) (*Result, error) {
	groups := append([]index.Group{}, p.Groups...)
	for _, ch := range p.Chains {
		g, err := resolveChain(ctx, tx, ch)
		if err != nil {
			return nil, err
		}
		groups = append(groups, g)
	}

	hits, err := tx.SearchCurrent(ctx, p.Type, groups, p.Sort, p.After, p.Count+1)
	if err != nil {
		return nil, err
	}

	res := &Result{}
	more := len(hits) > p.Count
	if more {
		hits = hits[:p.Count]
	}
	for _, h := range hits {
		r, err := tx.GetCurrent(ctx, p.Type, h.ID)
		if err != nil {
			return nil, err
		}
		res.Resources = append(res.Resources, r)
	}
	if more {
		last := hits[len(hits)-1]
		res.NextToken = EncodePageToken(&storage.PageCursor{Sort: last.Sort, ID: last.ID})
	}

	if err := expandIncludes(ctx, tx, p, res); err != nil {
		return nil, err
	}
	return res, nil
}

// resolveChain runs the nested search and rewrites its matches into a
// reference group on the primary type. An empty match set yields a group no
// resource satisfies.
func resolveChain(ctx context.Context, tx storage.Tx, ch Chain) (index.Group, error) {
	hits, err := tx.SearchCurrent(ctx, ch.TargetType, []index.Group{ch.Sub}, storage.SortSpec{}, nil, 0)
	if err != nil {
		return index.Group{}, err
	}
	g := index.Group{Param: ch.Param}
	for _, h := range hits {
		g.Any = append(g.Any, index.Condition{
			Param:   ch.Param,
			Kind:    schema.KindReference,
			RefType: ch.TargetType,
			RefID:   h.ID,
		})
	}
	return g, nil
}

func expandIncludes(ctx context.Context, tx storage.Tx, p *Plan, res *Result) error {
	if len(p.Includes) == 0 && len(p.RevIncludes) == 0 {
		return nil
	}

	primary := map[string]bool{}
	for _, r := range res.Resources {
		primary[r.Key()] = true
	}
	seen := map[string]bool{}
	attach := func(r *model.Resource) {
		k := r.Key()
		if r.Deleted || primary[k] || seen[k] {
			return
		}
		seen[k] = true
		res.Included = append(res.Included, r)
	}

	for _, r := range res.Resources {
		for _, param := range p.Includes {
			edges, err := tx.EdgesFrom(ctx, r.Type, r.ID)
			if err != nil {
				return err
			}
			for _, e := range edges {
				if e.Param != param || e.TargetID == "" {
					continue
				}
				target, err := tx.GetCurrent(ctx, e.TargetType, e.TargetID)
				if err != nil {
					if model.IsKind(err, model.KindNotFound) {
						continue
					}
					return err
				}
				attach(target)
			}
		}
		for _, ri := range p.RevIncludes {
			inbound, err := tx.EdgesTo(ctx, r.Type, r.ID)
			if err != nil {
				return err
			}
			for _, e := range inbound {
				if e.SourceType != ri.SourceType || e.Param != ri.Param {
					continue
				}
				src, err := tx.GetCurrent(ctx, e.SourceType, e.SourceID)
				if err != nil {
					if model.IsKind(err, model.KindNotFound) {
						continue
					}
					return err
				}
				attach(src)
			}
		}
	}
	return nil
}
