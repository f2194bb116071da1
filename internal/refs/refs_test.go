package refs

import (
	"context"
	"testing"

	"github.com/carevault/carevault/internal/model"
	"github.com/carevault/carevault/internal/schema"
)

// fakeLookup serves GetCurrent and EdgesTo from maps keyed "Type/id".
type fakeLookup struct {
	current map[string]*model.Resource
	inbound map[string][]Edge
}

func (f *fakeLookup) GetCurrent(ctx context.Context, resourceType, id string) (*model.Resource, error) {
	r, ok := f.current[resourceType+"/"+id]
	if !ok {
		return nil, model.NotFoundErr(resourceType, id)
	}
	return r, nil
}

func (f *fakeLookup) EdgesTo(ctx context.Context, resourceType, id string) ([]Edge, error) {
	return f.inbound[resourceType+"/"+id], nil
}

func observation(id, patientRef string) *model.Resource {
	return &model.Resource{
		Type:      "Observation",
		ID:        id,
		VersionID: 1,
		Content: map[string]any{
			"status":  "final",
			"code":    map[string]any{"coding": []any{map[string]any{"code": "8310-5"}}},
			"subject": map[string]any{"reference": patientRef},
		},
	}
}

func TestExtractEdges(t *testing.T) {
	snap := schema.BuiltinSnapshot()

	edges, err := Extract(snap, observation("o1", "Patient/p1"))
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if len(edges) != 1 {
		t.Fatalf("edges = %d", len(edges))
	}
	e := edges[0]
	if e.Param != "subject" || e.TargetType != "Patient" || e.TargetID != "p1" || !e.Hard {
		t.Fatalf("edge = %+v", e)
	}

	// Absolute references produce URI edges.
	edges, err = Extract(snap, observation("o2", "https://other.example.org/fhir/Patient/p9"))
	if err != nil {
		t.Fatalf("extract absolute: %v", err)
	}
	if len(edges) != 1 || edges[0].TargetURI == "" {
		t.Fatalf("absolute edge = %+v", edges)
	}

	// Malformed references fail extraction.
	if _, err := Extract(snap, observation("o3", "not a reference")); err == nil {
		t.Fatal("expected error for malformed reference")
	}

	// Tombstones have no edges.
	edges, err = Extract(snap, &model.Resource{Type: "Observation", ID: "o4", Deleted: true})
	if err != nil || len(edges) != 0 {
		t.Fatalf("tombstone edges = %v, %v", edges, err)
	}
}

func TestCheckOnWrite(t *testing.T) {
	snap := schema.BuiltinSnapshot()
	ctx := context.Background()
	lk := &fakeLookup{current: map[string]*model.Resource{
		"Patient/p1": {Type: "Patient", ID: "p1", VersionID: 1},
		"Patient/p2": {Type: "Patient", ID: "p2", VersionID: 2, Deleted: true},
	}}

	resolve := func(r *model.Resource, relaxed bool) error {
		edges, err := Extract(snap, r)
		if err != nil {
			t.Fatalf("extract: %v", err)
		}
		return CheckOnWrite(ctx, lk, snap, r, edges, relaxed)
	}

	if err := resolve(observation("o1", "Patient/p1"), false); err != nil {
		t.Fatalf("live target: %v", err)
	}
	if err := resolve(observation("o1", "Patient/missing"), false); !model.IsKind(err, model.KindReferenceIntegrity) {
		t.Fatalf("missing target err = %v", err)
	}
	if err := resolve(observation("o1", "Patient/p2"), false); !model.IsKind(err, model.KindReferenceIntegrity) {
		t.Fatalf("tombstone target err = %v", err)
	}

	// Type restriction holds even in relaxed mode.
	bad := observation("o1", "Organization/org1")
	if err := resolve(bad, true); !model.IsKind(err, model.KindReferenceIntegrity) {
		t.Fatalf("disallowed type err = %v", err)
	}

	// Relaxed mode tolerates unresolved local references.
	if err := resolve(observation("o1", "Patient/missing"), true); err != nil {
		t.Fatalf("relaxed missing target: %v", err)
	}

	// Placeholders must not survive to a plain write.
	if err := resolve(observation("o1", "urn:uuid:42f6c8aa-0000-0000-0000-000000000000"), false); !model.IsKind(err, model.KindReferenceIntegrity) {
		t.Fatalf("placeholder err = %v", err)
	}
}

func TestCheckOnDelete(t *testing.T) {
	ctx := context.Background()
	lk := &fakeLookup{
		current: map[string]*model.Resource{
			"Observation/o1": {Type: "Observation", ID: "o1", VersionID: 1},
			"Observation/o2": {Type: "Observation", ID: "o2", VersionID: 2, Deleted: true},
		},
		inbound: map[string][]Edge{
			"Patient/p1": {{SourceType: "Observation", SourceID: "o1", Param: "subject", Hard: true}},
			"Patient/p2": {{SourceType: "Observation", SourceID: "o2", Param: "subject", Hard: true}},
			"Patient/p3": {{SourceType: "Observation", SourceID: "o1", Param: "performer"}},
		},
	}

	if err := CheckOnDelete(ctx, lk, "Patient", "p1", false); !model.IsKind(err, model.KindConflict) {
		t.Fatalf("hard referrer err = %v", err)
	}
	if err := CheckOnDelete(ctx, lk, "Patient", "p1", true); err != nil {
		t.Fatalf("forced delete: %v", err)
	}
	// Edges from tombstoned referrers do not block.
	if err := CheckOnDelete(ctx, lk, "Patient", "p2", false); err != nil {
		t.Fatalf("tombstoned referrer: %v", err)
	}
	// Soft edges never block.
	if err := CheckOnDelete(ctx, lk, "Patient", "p3", false); err != nil {
		t.Fatalf("soft referrer: %v", err)
	}
}

func TestDangling(t *testing.T) {
	ctx := context.Background()
	lk := &fakeLookup{current: map[string]*model.Resource{
		"Patient/p1": {Type: "Patient", ID: "p1", VersionID: 1},
	}}
	edges := []Edge{
		{SourceType: "Observation", SourceID: "o1", Param: "subject", TargetType: "Patient", TargetID: "p1"},
		{SourceType: "Observation", SourceID: "o1", Param: "encounter", TargetType: "Encounter", TargetID: "gone"},
		{SourceType: "Observation", SourceID: "o1", Param: "subject", TargetURI: "https://example.org/Patient/p9"},
	}
	out, err := Dangling(ctx, lk, edges)
	if err != nil {
		t.Fatalf("dangling: %v", err)
	}
	if len(out) != 1 || out[0].TargetID != "gone" {
		t.Fatalf("dangling = %+v", out)
	}
}
