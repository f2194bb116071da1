package memstore

import (
	"context"
	"testing"
	"time"

	"github.com/carevault/carevault/internal/compartment"
	"github.com/carevault/carevault/internal/index"
	"github.com/carevault/carevault/internal/model"
	"github.com/carevault/carevault/internal/refs"
	"github.com/carevault/carevault/internal/schema"
	"github.com/carevault/carevault/internal/storage"
)

func mustBegin(t *testing.T, s *Store) storage.Tx {
	t.Helper()
	tx, err := s.Begin(context.Background())
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	return tx
}

func putPatient(t *testing.T, s *Store, id string, version int, updated time.Time, content map[string]any) {
	t.Helper()
	ctx := context.Background()
	tx := mustBegin(t, s)
	r := &model.Resource{Type: "Patient", ID: id, VersionID: version, Content: content, LastUpdated: updated}
	if err := tx.PutCurrent(ctx, r); err != nil {
		t.Fatalf("put: %v", err)
	}
	entries, err := index.Build(schema.BuiltinSnapshot(), r)
	if err != nil {
		t.Fatalf("build index: %v", err)
	}
	if err := tx.ReplaceIndex(ctx, r.Type, r.ID, entries); err != nil {
		t.Fatalf("index: %v", err)
	}
	if err := tx.AppendHistory(ctx, storage.HistoryEntry{
		ResourceType: r.Type, ResourceID: r.ID, VersionID: version,
		Content: content, Action: storage.ActionCreate, Timestamp: updated,
	}); err != nil {
		t.Fatalf("history: %v", err)
	}
	if err := tx.Commit(ctx); err != nil {
		t.Fatalf("commit: %v", err)
	}
}

func TestGetCurrentNotFound(t *testing.T) {
	s := New()
	tx, _ := s.Read(context.Background())
	defer tx.Rollback(context.Background())

	_, err := tx.GetCurrent(context.Background(), "Patient", "nope")
	if !model.IsKind(err, model.KindNotFound) {
		t.Fatalf("expected not-found, got %v", err)
	}
}

func TestRollbackDiscardsBufferedWrites(t *testing.T) {
	s := New()
	ctx := context.Background()

	tx := mustBegin(t, s)
	r := &model.Resource{Type: "Patient", ID: "p1", VersionID: 1, LastUpdated: time.Now()}
	if err := tx.PutCurrent(ctx, r); err != nil {
		t.Fatalf("put: %v", err)
	}
	if _, err := tx.GetCurrent(ctx, "Patient", "p1"); err != nil {
		t.Fatalf("pending read inside tx failed: %v", err)
	}
	if err := tx.Rollback(ctx); err != nil {
		t.Fatalf("rollback: %v", err)
	}

	rd, _ := s.Read(ctx)
	defer rd.Rollback(ctx)
	if _, err := rd.GetCurrent(ctx, "Patient", "p1"); !model.IsKind(err, model.KindNotFound) {
		t.Fatalf("rolled-back write visible: %v", err)
	}
}

func TestHistoryNewestFirstWithTotal(t *testing.T) {
	s := New()
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	for v := 1; v <= 4; v++ {
		putPatient(t, s, "p1", v, base.Add(time.Duration(v)*time.Minute), map[string]any{"active": true})
	}

	tx, _ := s.Read(ctx)
	defer tx.Rollback(ctx)

	entries, total, err := tx.ListHistory(ctx, "Patient", "p1", 2, 1)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if total != 4 {
		t.Fatalf("total = %d, want 4", total)
	}
	if len(entries) != 2 || entries[0].VersionID != 3 || entries[1].VersionID != 2 {
		t.Fatalf("unexpected page: %+v", entries)
	}

	got, err := tx.GetVersion(ctx, "Patient", "p1", 2)
	if err != nil {
		t.Fatalf("get version: %v", err)
	}
	if got.VersionID != 2 {
		t.Fatalf("version = %d, want 2", got.VersionID)
	}
	if _, err := tx.GetVersion(ctx, "Patient", "p1", 99); !model.IsKind(err, model.KindNotFound) {
		t.Fatalf("expected not-found for missing version, got %v", err)
	}
}

func TestSearchCurrentSortsAndPaginates(t *testing.T) {
	s := New()
	base := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	names := map[string]string{"a": "Ziegler", "b": "Abbott", "c": "Moreno", "d": "Abbott"}
	for id, name := range names {
		putPatient(t, s, id, 1, base, map[string]any{
			"name": []any{map[string]any{"family": name}},
		})
	}

	ctx := context.Background()
	tx, _ := s.Read(ctx)
	defer tx.Rollback(ctx)

	sortSpec := storage.SortSpec{Param: "family"}
	hits, err := tx.SearchCurrent(ctx, "Patient", nil, sortSpec, nil, 2)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(hits) != 2 || hits[0].ID != "b" || hits[1].ID != "d" {
		t.Fatalf("first page = %+v", hits)
	}

	cursor := &storage.PageCursor{Sort: hits[1].Sort, ID: hits[1].ID}
	hits, err = tx.SearchCurrent(ctx, "Patient", nil, sortSpec, cursor, 10)
	if err != nil {
		t.Fatalf("search page 2: %v", err)
	}
	if len(hits) != 2 || hits[0].ID != "c" || hits[1].ID != "a" {
		t.Fatalf("second page = %+v", hits)
	}
}

func TestSearchCurrentFiltersByGroup(t *testing.T) {
	s := New()
	base := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	putPatient(t, s, "m", 1, base, map[string]any{"gender": "male"})
	putPatient(t, s, "f", 1, base, map[string]any{"gender": "female"})

	ctx := context.Background()
	tx, _ := s.Read(ctx)
	defer tx.Rollback(ctx)

	groups := []index.Group{{
		Param: "gender",
		Any:   []index.Condition{{Param: "gender", Kind: schema.KindToken, Code: "female", CodeSet: true}},
	}}
	hits, err := tx.SearchCurrent(ctx, "Patient", groups, storage.SortSpec{}, nil, 10)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(hits) != 1 || hits[0].ID != "f" {
		t.Fatalf("hits = %+v", hits)
	}
}

func TestSearchCurrentExcludesTombstones(t *testing.T) {
	s := New()
	ctx := context.Background()
	now := time.Now()
	putPatient(t, s, "p1", 1, now, map[string]any{"active": true})

	tx := mustBegin(t, s)
	tomb := &model.Resource{Type: "Patient", ID: "p1", VersionID: 2, Deleted: true, LastUpdated: now}
	if err := tx.PutCurrent(ctx, tomb); err != nil {
		t.Fatalf("put tombstone: %v", err)
	}
	if err := tx.ReplaceIndex(ctx, "Patient", "p1", nil); err != nil {
		t.Fatalf("clear index: %v", err)
	}
	if err := tx.Commit(ctx); err != nil {
		t.Fatalf("commit: %v", err)
	}

	rd, _ := s.Read(ctx)
	defer rd.Rollback(ctx)
	hits, err := rd.SearchCurrent(ctx, "Patient", nil, storage.SortSpec{}, nil, 10)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(hits) != 0 {
		t.Fatalf("tombstone surfaced in search: %+v", hits)
	}
	// The tombstone is still directly readable.
	r, err := rd.GetCurrent(ctx, "Patient", "p1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !r.Deleted {
		t.Fatal("expected tombstone")
	}
}

func TestEdgesToSeesPendingAndCommitted(t *testing.T) {
	s := New()
	ctx := context.Background()

	tx := mustBegin(t, s)
	edge := refs.Edge{SourceType: "Observation", SourceID: "o1", Param: "subject", TargetType: "Patient", TargetID: "p1", Hard: true}
	if err := tx.ReplaceEdges(ctx, "Observation", "o1", []refs.Edge{edge}); err != nil {
		t.Fatalf("replace edges: %v", err)
	}
	inbound, err := tx.EdgesTo(ctx, "Patient", "p1")
	if err != nil {
		t.Fatalf("edges to: %v", err)
	}
	if len(inbound) != 1 || inbound[0].SourceID != "o1" {
		t.Fatalf("pending inbound = %+v", inbound)
	}
	if err := tx.Commit(ctx); err != nil {
		t.Fatalf("commit: %v", err)
	}

	rd, _ := s.Read(ctx)
	defer rd.Rollback(ctx)
	inbound, err = rd.EdgesTo(ctx, "Patient", "p1")
	if err != nil {
		t.Fatalf("edges to after commit: %v", err)
	}
	if len(inbound) != 1 {
		t.Fatalf("committed inbound = %+v", inbound)
	}
}

func TestScanCompartmentOrderAndSince(t *testing.T) {
	s := New()
	ctx := context.Background()
	base := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)

	tx := mustBegin(t, s)
	put := func(typ, id string, updated time.Time) {
		r := &model.Resource{Type: typ, ID: id, VersionID: 1, LastUpdated: updated, Content: map[string]any{}}
		if err := tx.PutCurrent(ctx, r); err != nil {
			t.Fatalf("put %s/%s: %v", typ, id, err)
		}
		m := compartment.Membership{CompartmentType: "Patient", CompartmentID: "p1", MemberType: typ, MemberID: id}
		if err := tx.ReplaceMemberships(ctx, typ, id, []compartment.Membership{m}); err != nil {
			t.Fatalf("memberships %s/%s: %v", typ, id, err)
		}
	}
	put("Observation", "o2", base.Add(2*time.Hour))
	put("Observation", "o1", base.Add(time.Hour))
	put("Condition", "c1", base.Add(3*time.Hour))
	if err := tx.Commit(ctx); err != nil {
		t.Fatalf("commit: %v", err)
	}

	rd, _ := s.Read(ctx)
	defer rd.Rollback(ctx)

	got, err := rd.ScanCompartment(ctx, "Patient", "p1", time.Time{}, nil, 10)
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	var keys []string
	for _, r := range got {
		keys = append(keys, r.Key())
	}
	want := []string{"Condition/c1", "Observation/o1", "Observation/o2"}
	if len(keys) != len(want) {
		t.Fatalf("keys = %v, want %v", keys, want)
	}
	for i := range want {
		if keys[i] != want[i] {
			t.Fatalf("keys = %v, want %v", keys, want)
		}
	}

	got, err = rd.ScanCompartment(ctx, "Patient", "p1", base.Add(90*time.Minute), nil, 10)
	if err != nil {
		t.Fatalf("scan since: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("since filter returned %d members", len(got))
	}

	cursor := &storage.CompartmentCursor{Type: "Condition", LastUpdated: base.Add(3 * time.Hour), ID: "c1"}
	got, err = rd.ScanCompartment(ctx, "Patient", "p1", time.Time{}, cursor, 10)
	if err != nil {
		t.Fatalf("scan after cursor: %v", err)
	}
	if len(got) != 2 || got[0].Key() != "Observation/o1" {
		t.Fatalf("cursor page = %d members", len(got))
	}
}

func TestForEachCurrentSkipsTombstones(t *testing.T) {
	s := New()
	ctx := context.Background()
	now := time.Now()
	putPatient(t, s, "a", 1, now, map[string]any{})
	putPatient(t, s, "b", 1, now, map[string]any{})

	tx := mustBegin(t, s)
	if err := tx.PutCurrent(ctx, &model.Resource{Type: "Patient", ID: "b", VersionID: 2, Deleted: true, LastUpdated: now}); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := tx.Commit(ctx); err != nil {
		t.Fatalf("commit: %v", err)
	}

	rd, _ := s.Read(ctx)
	defer rd.Rollback(ctx)
	var visited []string
	err := rd.ForEachCurrent(ctx, func(r *model.Resource) error {
		visited = append(visited, r.Key())
		return nil
	})
	if err != nil {
		t.Fatalf("for each: %v", err)
	}
	if len(visited) != 1 || visited[0] != "Patient/a" {
		t.Fatalf("visited = %v", visited)
	}
}
