package engine

import (
	"context"
	"net/url"
	"strings"
	"testing"

	"github.com/carevault/carevault/internal/model"
)

func TestTransactionPlaceholderRewrite(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	ops := []Op{
		{Method: "POST", Type: "Patient", FullURL: "urn:uuid:11111111-1111-1111-1111-111111111111",
			Content: patientContent("Bundle")},
		{Method: "POST", Type: "Observation",
			Content: map[string]any{
				"status":  "final",
				"subject": map[string]any{"reference": "urn:uuid:11111111-1111-1111-1111-111111111111"},
				"code":    map[string]any{"coding": []any{map[string]any{"code": "8310-5"}}},
			}},
	}
	results, err := e.ExecuteTransaction(ctx, ops)
	if err != nil {
		t.Fatalf("transaction: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("results = %d", len(results))
	}
	for i, r := range results {
		if r.Status != EntryApplied || r.Resource == nil {
			t.Fatalf("entry %d = %+v", i, r)
		}
	}

	patientID := results[0].Resource.ID
	obs, err := e.Read(ctx, "Observation", results[1].Resource.ID)
	if err != nil {
		t.Fatalf("read observation: %v", err)
	}
	got := obs.Content["subject"].(map[string]any)["reference"].(string)
	if got != "Patient/"+patientID {
		t.Fatalf("reference = %q, want Patient/%s", got, patientID)
	}
	if strings.HasPrefix(got, "urn:uuid:") {
		t.Fatal("placeholder survived the rewrite")
	}
}

func TestTransactionForwardReference(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	// The referencing entry comes first; the patient it references is not
	// installed until the second entry executes.
	ops := []Op{
		{Method: "POST", Type: "Observation",
			Content: map[string]any{
				"status":  "final",
				"subject": map[string]any{"reference": "urn:uuid:22222222-2222-2222-2222-222222222222"},
				"code":    map[string]any{"coding": []any{map[string]any{"code": "8310-5"}}},
			}},
		{Method: "POST", Type: "Patient", FullURL: "urn:uuid:22222222-2222-2222-2222-222222222222",
			Content: patientContent("Forward")},
	}
	results, err := e.ExecuteTransaction(ctx, ops)
	if err != nil {
		t.Fatalf("transaction: %v", err)
	}

	patientID := results[1].Resource.ID
	obs, err := e.Read(ctx, "Observation", results[0].Resource.ID)
	if err != nil {
		t.Fatalf("read observation: %v", err)
	}
	got := obs.Content["subject"].(map[string]any)["reference"].(string)
	if got != "Patient/"+patientID {
		t.Fatalf("reference = %q, want Patient/%s", got, patientID)
	}

	// The compartment sees the member even though the root came second.
	page, err := e.Everything(ctx, patientID, nil)
	if err != nil {
		t.Fatalf("everything: %v", err)
	}
	found := false
	for _, r := range page.Resources {
		if r.Type == "Observation" && r.ID == results[0].Resource.ID {
			found = true
		}
	}
	if !found {
		t.Fatal("forward-referenced member missing from compartment")
	}
}

func TestTransactionForwardReferenceToFailingEntry(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	// The referenced entry itself fails validation, so nothing commits.
	ops := []Op{
		{Method: "POST", Type: "Observation",
			Content: map[string]any{
				"status":  "final",
				"subject": map[string]any{"reference": "urn:uuid:33333333-3333-3333-3333-333333333333"},
				"code":    map[string]any{"coding": []any{map[string]any{"code": "8310-5"}}},
			}},
		{Method: "POST", Type: "Patient", FullURL: "urn:uuid:33333333-3333-3333-3333-333333333333",
			Content: map[string]any{"name": map[string]any{"family": "Scalar"}}}, // name must be an array
	}
	_, err := e.ExecuteTransaction(ctx, ops)
	if !model.IsKind(err, model.KindTransactionAborted) {
		t.Fatalf("err = %v", err)
	}

	res, err := e.Search(ctx, "Observation", nil)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(res.Resources) != 0 {
		t.Fatalf("aborted bundle left %d observations", len(res.Resources))
	}
}

func TestTransactionAtomicityAtAnyFailingPosition(t *testing.T) {
	// A deliberately invalid entry at each position k must roll back every
	// other entry with zero observable effects.
	valid := func(family string) Op {
		return Op{Method: "POST", Type: "Patient", Content: patientContent(family)}
	}
	invalid := Op{Method: "POST", Type: "Encounter", Content: map[string]any{"class": "AMB"}} // missing status

	for k := 0; k < 3; k++ {
		e := newTestEngine(t)
		ctx := context.Background()

		ops := []Op{valid("A"), valid("B"), valid("C")}
		ops[k] = invalid

		results, err := e.ExecuteTransaction(ctx, ops)
		if !model.IsKind(err, model.KindTransactionAborted) {
			t.Fatalf("k=%d: expected transaction-aborted, got %v", k, err)
		}
		if results != nil {
			t.Fatalf("k=%d: results returned on abort", k)
		}
		var engErr *model.Error
		if !asEngineErr(err, &engErr) || engErr.Entry != k {
			t.Fatalf("k=%d: failing entry index = %+v", k, err)
		}

		res, err := e.Search(ctx, "Patient", url.Values{})
		if err != nil {
			t.Fatalf("k=%d search: %v", k, err)
		}
		if len(res.Resources) != 0 {
			t.Fatalf("k=%d: %d resources observable after abort", k, len(res.Resources))
		}
	}
}

func asEngineErr(err error, target **model.Error) bool {
	e, ok := err.(*model.Error)
	if ok {
		*target = e
	}
	return ok
}

func TestTransactionMethodOrderDeleteBeforeCreate(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	p, _ := e.Create(ctx, "Patient", patientContent("Old"))
	o, _ := e.Create(ctx, "Observation", observationContent(p.ID))

	// Submitted PUT first, DELETE second; deletes execute first.
	ops := []Op{
		{Method: "PUT", Type: "Patient", ID: p.ID, Content: patientContent("New")},
		{Method: "DELETE", Type: "Observation", ID: o.ID},
	}
	results, err := e.ExecuteTransaction(ctx, ops)
	if err != nil {
		t.Fatalf("transaction: %v", err)
	}
	// Results come back in submission order regardless of execution order.
	if results[0].Resource.Type != "Patient" || results[1].Resource.Type != "Observation" {
		t.Fatalf("result order = %+v", results)
	}
	if !results[1].Resource.Deleted {
		t.Fatal("observation not deleted")
	}
	got, _ := e.Read(ctx, "Patient", p.ID)
	if got.VersionID != 2 {
		t.Fatalf("patient version = %d", got.VersionID)
	}
}

func TestBatchEntriesAreIndependent(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	ops := []Op{
		{Method: "POST", Type: "Patient", Content: patientContent("Kept")},
		{Method: "POST", Type: "Encounter", Content: map[string]any{"class": "AMB"}}, // invalid
		{Method: "DELETE", Type: "Patient", ID: "missing"},
	}
	results := e.ExecuteBatch(ctx, ops)
	if results[0].Status != EntryApplied {
		t.Fatalf("entry 0 = %+v", results[0])
	}
	if results[1].Status != EntryRejected || !model.IsKind(results[1].Err, model.KindValidation) {
		t.Fatalf("entry 1 = %+v", results[1])
	}
	if results[2].Status != EntryRejected || !model.IsKind(results[2].Err, model.KindNotFound) {
		t.Fatalf("entry 2 = %+v", results[2])
	}

	// The valid entry survives its neighbors' failures.
	if _, err := e.Read(ctx, "Patient", results[0].Resource.ID); err != nil {
		t.Fatalf("read survivor: %v", err)
	}
}

func TestTransactionRejectsUnknownMethod(t *testing.T) {
	e := newTestEngine(t)
	_, err := e.ExecuteTransaction(context.Background(), []Op{{Method: "PATCH", Type: "Patient", ID: "x"}})
	if !model.IsKind(err, model.KindTransactionAborted) {
		t.Fatalf("expected transaction-aborted, got %v", err)
	}
}
