// Package compartment maintains the derived membership index that groups
// resources under a compartment root (the patient). Membership is recomputed
// from a resource's reference edges inside the same transaction as the write,
// so scans never observe memberships out of sync with content.
package compartment

import (
	"context"

	"github.com/carevault/carevault/internal/model"
	"github.com/carevault/carevault/internal/refs"
	"github.com/carevault/carevault/internal/schema"
)

// Membership is one derived row: member belongs to the compartment rooted at
// (CompartmentType, CompartmentID).
type Membership struct {
	CompartmentType string
	CompartmentID   string
	MemberType      string
	MemberID        string
}

// Source is the read surface membership computation needs from a storage
// transaction, used to inherit compartments across the one designated
// transitive hop.
type Source interface {
	MembershipsOf(ctx context.Context, memberType, memberID string) ([]Membership, error)
}

// Compute derives the membership set for a resource from its edge set.
// Direct membership comes from declared compartment parameters resolving to
// the compartment root type; transitive membership is inherited from the
// intermediate resource named by TransitiveVia (one hop, e.g.
// Observation -> Encounter -> Patient). Tombstones have no memberships.
func Compute(ctx context.Context, src Source, s *schema.Snapshot, r *model.Resource, edges []refs.Edge) ([]Membership, error) {
	if r.Deleted {
		return nil, nil
	}
	td := s.Type(r.Type)
	if td == nil {
		return nil, nil
	}

	seen := map[string]bool{}
	var out []Membership
	addMembership := func(compID string) {
		if compID == "" || seen[compID] {
			return
		}
		seen[compID] = true
		out = append(out, Membership{
			CompartmentType: s.CompartmentType,
			CompartmentID:   compID,
			MemberType:      r.Type,
			MemberID:        r.ID,
		})
	}

	direct := map[string]bool{}
	for _, p := range td.CompartmentParams {
		direct[p] = true
	}

	for _, e := range edges {
		if direct[e.Param] && e.TargetType == s.CompartmentType && e.TargetID != "" {
			addMembership(e.TargetID)
		}
	}

	if td.TransitiveVia != "" {
		for _, e := range edges {
			if e.Param != td.TransitiveVia || e.TargetID == "" || e.TargetType == "" {
				continue
			}
			if err := model.CtxErr(ctx); err != nil {
				return nil, err
			}
			inherited, err := src.MembershipsOf(ctx, e.TargetType, e.TargetID)
			if err != nil {
				return nil, err
			}
			for _, m := range inherited {
				if m.CompartmentType == s.CompartmentType {
					addMembership(m.CompartmentID)
				}
			}
		}
	}
	return out, nil
}

// DependentParams returns, per resource type, the reference parameter through
// which that type inherits compartments transitively. The engine uses it to
// recompute dependents when an intermediate resource's own membership
// changes.
func DependentParams(s *schema.Snapshot) map[string]string {
	out := map[string]string{}
	for name, td := range s.Types {
		if td.TransitiveVia != "" {
			out[name] = td.TransitiveVia
		}
	}
	return out
}
