// Package refs maintains the directed reference graph between resources and
// enforces integrity on write and delete. The graph is an explicit edge set
// keyed by (type, id); integrity checks and include expansion work through
// direct edge lookups, never recursive object traversal.
package refs

import (
	"context"
	"fmt"

	"github.com/carevault/carevault/internal/codec"
	"github.com/carevault/carevault/internal/index"
	"github.com/carevault/carevault/internal/model"
	"github.com/carevault/carevault/internal/schema"
)

// Edge is one reference from a source resource field to a target.
// Either (TargetType, TargetID) or TargetURI is populated; URI edges cover
// absolute and placeholder forms that stay unresolved by design.
type Edge struct {
	SourceType string
	SourceID   string
	Param      string
	TargetType string
	TargetID   string
	TargetURI  string
	// Hard edges block a strict delete of their target.
	Hard bool
}

// Target returns the "Type/ID" form of a resolved edge, or the URI.
func (e Edge) Target() string {
	if e.TargetURI != "" {
		return e.TargetURI
	}
	return e.TargetType + "/" + e.TargetID
}

// Lookup is the read surface integrity checks need from a storage
// transaction.
type Lookup interface {
	GetCurrent(ctx context.Context, resourceType, id string) (*model.Resource, error)
	EdgesTo(ctx context.Context, resourceType, id string) ([]Edge, error)
}

// Extract walks the resource's reference-kind parameters and returns the edge
// set. Malformed reference values fail extraction; tombstones have no edges.
func Extract(s *schema.Snapshot, r *model.Resource) ([]Edge, error) {
	if r.Deleted {
		return nil, nil
	}
	td := s.Type(r.Type)
	if td == nil {
		return nil, model.ValidationErr("resourceType", fmt.Sprintf("unknown resource type %q", r.Type))
	}

	var edges []Edge
	for _, p := range td.Params {
		if p.Kind != schema.KindReference {
			continue
		}
		for _, path := range p.Paths {
			for _, v := range codec.Values(r.Content, path) {
				raw, ok := rawRef(v)
				if !ok {
					continue
				}
				ref, ok := index.ParseRef(raw)
				if !ok {
					return nil, model.ReferenceIntegrityErr(p.Name, fmt.Sprintf("malformed reference %q", raw))
				}
				edges = append(edges, Edge{
					SourceType: r.Type,
					SourceID:   r.ID,
					Param:      p.Name,
					TargetType: ref.Type,
					TargetID:   ref.ID,
					TargetURI:  ref.URI,
					Hard:       p.Hard,
				})
			}
		}
	}
	return edges, nil
}

func rawRef(v any) (string, bool) {
	switch val := v.(type) {
	case string:
		return val, true
	case map[string]any:
		raw, ok := val["reference"].(string)
		return raw, ok
	}
	return "", false
}

// CheckOnWrite enforces write-time integrity for the given edge set:
// every edge must target a type allowed by its parameter definition, and
// local references must resolve to a live resource. Absolute references stay
// unresolved by design. When relaxed is true (bulk load), unresolved local
// and placeholder references are tolerated; type restrictions still apply.
func CheckOnWrite(ctx context.Context, lk Lookup, s *schema.Snapshot, r *model.Resource, edges []Edge, relaxed bool) error {
	td := s.Type(r.Type)
	for _, e := range edges {
		p := td.Param(e.Param)
		if e.TargetType != "" && !allowedTarget(p, e.TargetType) {
			return model.ReferenceIntegrityErr(e.Param,
				fmt.Sprintf("reference to %s not allowed; expected one of %v", e.Target(), p.Targets))
		}

		if e.TargetURI != "" {
			// Placeholders must have been rewritten by the transaction
			// coordinator before the write lands.
			if !relaxed && e.TargetType == "" && e.TargetID == "" && len(e.TargetURI) > 9 && e.TargetURI[:9] == "urn:uuid:" {
				return model.ReferenceIntegrityErr(e.Param,
					fmt.Sprintf("unresolved placeholder reference %q outside a transaction", e.TargetURI))
			}
			continue
		}

		if relaxed {
			continue
		}
		if err := model.CtxErr(ctx); err != nil {
			return err
		}
		target, err := lk.GetCurrent(ctx, e.TargetType, e.TargetID)
		if err != nil && !model.IsKind(err, model.KindNotFound) {
			return err
		}
		if target == nil || target.Deleted {
			return model.ReferenceIntegrityErr(e.Param,
				fmt.Sprintf("local reference %s does not resolve", e.Target()))
		}
	}
	return nil
}

func allowedTarget(p *schema.ParamDef, targetType string) bool {
	if p == nil {
		return false
	}
	for _, t := range p.Targets {
		if t == targetType {
			return true
		}
	}
	return false
}

// CheckOnDelete enforces delete-time integrity: a strict delete fails with
// Conflict while live resources hold hard edges to the target. Forced deletes
// proceed; dangling edges are detected on the referrer's next access.
func CheckOnDelete(ctx context.Context, lk Lookup, resourceType, id string, forced bool) error {
	if forced {
		return nil
	}
	inbound, err := lk.EdgesTo(ctx, resourceType, id)
	if err != nil {
		return err
	}
	for _, e := range inbound {
		if !e.Hard {
			continue
		}
		src, err := lk.GetCurrent(ctx, e.SourceType, e.SourceID)
		if err != nil && !model.IsKind(err, model.KindNotFound) {
			return err
		}
		if src != nil && !src.Deleted {
			return model.ConflictErr(fmt.Sprintf(
				"%s/%s is referenced by %s/%s (%s); delete blocked, use forced delete to override",
				resourceType, id, e.SourceType, e.SourceID, e.Param))
		}
	}
	return nil
}

// Dangling returns the outbound local edges of a resource whose targets no
// longer resolve, used for lazy dangling-reference detection after forced
// deletes.
func Dangling(ctx context.Context, lk Lookup, edges []Edge) ([]Edge, error) {
	var out []Edge
	for _, e := range edges {
		if e.TargetURI != "" {
			continue
		}
		target, err := lk.GetCurrent(ctx, e.TargetType, e.TargetID)
		if err != nil && !model.IsKind(err, model.KindNotFound) {
			return nil, err
		}
		if target == nil || target.Deleted {
			out = append(out, e)
		}
	}
	return out, nil
}
