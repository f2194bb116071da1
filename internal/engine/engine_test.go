package engine

import (
	"bytes"
	"context"
	"net/url"
	"reflect"
	"strings"
	"sync"
	"testing"

	"github.com/rs/zerolog"

	"github.com/carevault/carevault/internal/model"
	"github.com/carevault/carevault/internal/schema"
	"github.com/carevault/carevault/internal/storage/memstore"
)

func newTestEngine(t *testing.T, opts ...Option) *Engine {
	t.Helper()
	reg, err := schema.NewRegistry(schema.BuiltinSnapshot())
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	return New(memstore.New(), reg, opts...)
}

func patientContent(family string) map[string]any {
	return map[string]any{
		"name":   []any{map[string]any{"family": family}},
		"gender": "female",
	}
}

func observationContent(patientID string) map[string]any {
	return map[string]any{
		"status":  "final",
		"subject": map[string]any{"reference": "Patient/" + patientID},
		"code": map[string]any{"coding": []any{
			map[string]any{"system": "http://loinc.org", "code": "8310-5"},
		}},
	}
}

func TestCreateReadRoundTrip(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	content := patientContent("Okafor")
	created, err := e.Create(ctx, "Patient", content)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if created.VersionID != 1 {
		t.Fatalf("version = %d, want 1", created.VersionID)
	}
	if created.ID == "" {
		t.Fatal("no id assigned")
	}

	got, err := e.Read(ctx, "Patient", created.ID)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !reflect.DeepEqual(got.Content, content) {
		t.Fatalf("content = %#v, want %#v", got.Content, content)
	}
}

func TestCreateRejectsUnknownTypeAndInvalidContent(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	if _, err := e.Create(ctx, "Widget", map[string]any{}); !model.IsKind(err, model.KindValidation) {
		t.Fatalf("unknown type: got %v", err)
	}
	// Encounter requires status.
	if _, err := e.Create(ctx, "Encounter", map[string]any{"class": "AMB"}); !model.IsKind(err, model.KindValidation) {
		t.Fatalf("missing required field: got %v", err)
	}
	// Patient.name must be an array.
	if _, err := e.Create(ctx, "Patient", map[string]any{"name": map[string]any{"family": "X"}}); !model.IsKind(err, model.KindValidation) {
		t.Fatalf("cardinality: got %v", err)
	}
}

func TestUpdateVersioningAndHistory(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	p, err := e.Create(ctx, "Patient", patientContent("One"))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	for i, family := range []string{"Two", "Three"} {
		p, err = e.Update(ctx, "Patient", p.ID, patientContent(family), i+1)
		if err != nil {
			t.Fatalf("update %d: %v", i, err)
		}
	}
	if p.VersionID != 3 {
		t.Fatalf("version = %d, want 3", p.VersionID)
	}

	page, err := e.History(ctx, "Patient", p.ID, 10, 0)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if page.Total != 3 || len(page.Entries) != 3 {
		t.Fatalf("history total=%d len=%d", page.Total, len(page.Entries))
	}
	for i, want := range []int{3, 2, 1} {
		if page.Entries[i].VersionID != want {
			t.Fatalf("history order = %+v", page.Entries)
		}
	}

	v1, err := e.VRead(ctx, "Patient", p.ID, 1)
	if err != nil {
		t.Fatalf("vread: %v", err)
	}
	if v1.Content["name"].([]any)[0].(map[string]any)["family"] != "One" {
		t.Fatalf("v1 content = %#v", v1.Content)
	}
}

func TestUpdateVersionConflictHasNoSideEffects(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	p, _ := e.Create(ctx, "Patient", patientContent("Stable"))
	_, err := e.Update(ctx, "Patient", p.ID, patientContent("Clobber"), 7)
	if !model.IsKind(err, model.KindVersionConflict) {
		t.Fatalf("expected version-conflict, got %v", err)
	}

	got, err := e.Read(ctx, "Patient", p.ID)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if got.VersionID != 1 {
		t.Fatalf("version bumped to %d by failed update", got.VersionID)
	}
	page, _ := e.History(ctx, "Patient", p.ID, 10, 0)
	if page.Total != 1 {
		t.Fatalf("history grew to %d on failed update", page.Total)
	}
}

func TestConcurrentUpdatesOneWins(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	p, _ := e.Create(ctx, "Patient", patientContent("Race"))

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = e.Update(ctx, "Patient", p.ID, patientContent("Winner"), 1)
		}(i)
	}
	wg.Wait()

	conflicts := 0
	for _, err := range errs {
		if model.IsKind(err, model.KindVersionConflict) {
			conflicts++
		} else if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if conflicts != 1 {
		t.Fatalf("conflicts = %d, want exactly 1", conflicts)
	}
	got, _ := e.Read(ctx, "Patient", p.ID)
	if got.VersionID != 2 {
		t.Fatalf("final version = %d, want 2", got.VersionID)
	}
}

func TestDeleteTombstoneSemantics(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	p, _ := e.Create(ctx, "Patient", patientContent("Gone"))
	tomb, err := e.Delete(ctx, "Patient", p.ID, 1, false)
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	if !tomb.Deleted || tomb.VersionID != 2 {
		t.Fatalf("tombstone = %+v", tomb)
	}

	if _, err := e.Read(ctx, "Patient", p.ID); !model.IsKind(err, model.KindNotFound) {
		t.Fatalf("read after delete: %v", err)
	}

	// History and versioned reads survive the delete.
	page, err := e.History(ctx, "Patient", p.ID, 10, 0)
	if err != nil || page.Total != 2 {
		t.Fatalf("history after delete: %v total=%d", err, page.Total)
	}
	v2, err := e.VRead(ctx, "Patient", p.ID, 2)
	if err != nil || !v2.Deleted {
		t.Fatalf("vread tombstone: %v %+v", err, v2)
	}

	// Search no longer surfaces the entity.
	res, err := e.Search(ctx, "Patient", url.Values{"family": {"Gone"}})
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(res.Resources) != 0 {
		t.Fatalf("deleted resource still searchable")
	}

	// Deleting again is idempotent.
	again, err := e.Delete(ctx, "Patient", p.ID, 0, false)
	if err != nil || again.VersionID != 2 {
		t.Fatalf("repeat delete: %v %+v", err, again)
	}
}

func TestDeleteBlockedByHardReference(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	p, _ := e.Create(ctx, "Patient", patientContent("Anchor"))
	o, err := e.Create(ctx, "Observation", observationContent(p.ID))
	if err != nil {
		t.Fatalf("create observation: %v", err)
	}

	if _, err := e.Delete(ctx, "Patient", p.ID, 0, false); !model.IsKind(err, model.KindConflict) {
		t.Fatalf("strict delete: got %v", err)
	}

	// Forced delete proceeds; the referrer's edge dangles.
	if _, err := e.Delete(ctx, "Patient", p.ID, 0, true); err != nil {
		t.Fatalf("forced delete: %v", err)
	}
	if _, err := e.Read(ctx, "Observation", o.ID); err != nil {
		t.Fatalf("referrer should remain readable: %v", err)
	}
}

func TestReferenceIntegrityOnWrite(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	_, err := e.Create(ctx, "Observation", observationContent("no-such-patient"))
	if !model.IsKind(err, model.KindReferenceIntegrity) {
		t.Fatalf("expected reference-integrity, got %v", err)
	}
	// Zero side effects: nothing searchable.
	res, err := e.Search(ctx, "Observation", url.Values{"status": {"final"}})
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(res.Resources) != 0 {
		t.Fatal("failed create left state behind")
	}

	// Disallowed target type.
	p, _ := e.Create(ctx, "Patient", patientContent("X"))
	bad := observationContent(p.ID)
	bad["subject"] = map[string]any{"reference": "Organization/" + p.ID}
	if _, err := e.Create(ctx, "Observation", bad); !model.IsKind(err, model.KindReferenceIntegrity) {
		t.Fatalf("disallowed target: got %v", err)
	}
}

func TestRelaxedIntegrityAllowsForwardReferences(t *testing.T) {
	e := newTestEngine(t, WithRelaxedIntegrity())
	ctx := context.Background()

	if _, err := e.Create(ctx, "Observation", observationContent("arrives-later")); err != nil {
		t.Fatalf("relaxed create: %v", err)
	}
}

func TestReadFlagsDanglingReferences(t *testing.T) {
	var buf bytes.Buffer
	e := newTestEngine(t, WithLogger(zerolog.New(&buf)))
	ctx := context.Background()

	p, err := e.Create(ctx, "Patient", patientContent("Ueda"))
	if err != nil {
		t.Fatalf("create patient: %v", err)
	}
	o, err := e.Create(ctx, "Observation", observationContent(p.ID))
	if err != nil {
		t.Fatalf("create observation: %v", err)
	}

	// While the target is live, reading the referrer logs nothing.
	buf.Reset()
	if _, err := e.Read(ctx, "Observation", o.ID); err != nil {
		t.Fatalf("read: %v", err)
	}
	if strings.Contains(buf.String(), "dangling") {
		t.Fatalf("live reference flagged: %s", buf.String())
	}

	if _, err := e.Delete(ctx, "Patient", p.ID, 0, true); err != nil {
		t.Fatalf("forced delete: %v", err)
	}

	// The forced delete left the edge behind; the next read of the referrer
	// succeeds and flags it.
	buf.Reset()
	got, err := e.Read(ctx, "Observation", o.ID)
	if err != nil {
		t.Fatalf("read after forced delete: %v", err)
	}
	if got.ID != o.ID {
		t.Fatalf("read returned %s", got.Key())
	}
	log := buf.String()
	if !strings.Contains(log, "dangling") || !strings.Contains(log, "Patient/"+p.ID) {
		t.Fatalf("dangling reference not flagged: %s", log)
	}
}
