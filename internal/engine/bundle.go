package engine

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/carevault/carevault/internal/model"
	"github.com/carevault/carevault/internal/refs"
	"github.com/carevault/carevault/internal/storage"
)

// Op is one bundle entry. POST entries may carry a urn:uuid FullURL that
// other entries reference; the transaction coordinator rewrites those
// placeholders to assigned ids before any write.
type Op struct {
	Method          string // POST, PUT, DELETE
	Type            string
	ID              string // PUT and DELETE
	FullURL         string // optional urn:uuid placeholder for POST
	Content         map[string]any
	ExpectedVersion int  // PUT and DELETE, 0 = unconditional
	Forced          bool // DELETE
}

// EntryStatus is the terminal state of a bundle entry.
type EntryStatus string

const (
	EntryApplied  EntryStatus = "applied"
	EntryRejected EntryStatus = "rejected"
)

// EntryResult reports one entry's outcome in submission order.
type EntryResult struct {
	Status   EntryStatus
	Resource *model.Resource
	Err      error
}

// Methods execute deletes first, then creates, then updates, so entries
// inside one bundle never race each other's preconditions.
func methodRank(m string) int {
	switch m {
	case "DELETE":
		return 0
	case "POST":
		return 1
	default:
		return 2
	}
}

// executionOrder returns submission indexes sorted by method rank, stable
// within a rank.
func executionOrder(ops []Op) []int {
	order := make([]int, len(ops))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		return methodRank(ops[order[a]].Method) < methodRank(ops[order[b]].Method)
	})
	return order
}

func checkOp(op Op) error {
	switch op.Method {
	case "POST":
		if op.Type == "" || op.Content == nil {
			return model.ValidationErr("entry", "POST entries require a type and content")
		}
	case "PUT":
		if op.Type == "" || op.ID == "" || op.Content == nil {
			return model.ValidationErr("entry", "PUT entries require a type, id, and content")
		}
	case "DELETE":
		if op.Type == "" || op.ID == "" {
			return model.ValidationErr("entry", "DELETE entries require a type and id")
		}
	default:
		return model.ValidationErr("entry", fmt.Sprintf("unsupported method %q", op.Method))
	}
	return nil
}

// ExecuteBatch runs each entry independently: one entry's failure leaves the
// others untouched. Results come back in submission order.
func (e *Engine) ExecuteBatch(ctx context.Context, ops []Op) []EntryResult {
	results := make([]EntryResult, len(ops))
	for _, i := range executionOrder(ops) {
		op := ops[i]
		if err := checkOp(op); err != nil {
			results[i] = EntryResult{Status: EntryRejected, Err: err}
			continue
		}
		var r *model.Resource
		var err error
		switch op.Method {
		case "POST":
			r, err = e.Create(ctx, op.Type, op.Content)
		case "PUT":
			r, err = e.Update(ctx, op.Type, op.ID, op.Content, op.ExpectedVersion)
		case "DELETE":
			r, err = e.Delete(ctx, op.Type, op.ID, op.ExpectedVersion, op.Forced)
		}
		if err != nil {
			results[i] = EntryResult{Status: EntryRejected, Err: err}
			continue
		}
		results[i] = EntryResult{Status: EntryApplied, Resource: r}
	}
	return results
}

// ExecuteTransaction runs all entries atomically inside one storage
// transaction. Placeholder references are assigned real ids and rewritten
// across every entry before the first write; any failure rolls back the whole
// bundle and reports the failing entry's submission index.
func (e *Engine) ExecuteTransaction(ctx context.Context, ops []Op) ([]EntryResult, error) {
	for i, op := range ops {
		if err := checkOp(op); err != nil {
			return nil, model.TransactionAbortedErr(i, err)
		}
	}

	assigned := map[string]string{} // placeholder -> Type/id
	ids := make([]string, len(ops))
	for i, op := range ops {
		if op.Method != "POST" {
			continue
		}
		ids[i] = uuid.NewString()
		if op.FullURL == "" {
			continue
		}
		if !strings.HasPrefix(op.FullURL, "urn:uuid:") {
			return nil, model.TransactionAbortedErr(i, model.ValidationErr("fullUrl",
				fmt.Sprintf("unsupported placeholder %q, expected urn:uuid form", op.FullURL)))
		}
		if _, dup := assigned[op.FullURL]; dup {
			return nil, model.TransactionAbortedErr(i, model.ValidationErr("fullUrl",
				fmt.Sprintf("duplicate placeholder %q", op.FullURL)))
		}
		assigned[op.FullURL] = op.Type + "/" + ids[i]
	}

	rewritten := make([]map[string]any, len(ops))
	for i, op := range ops {
		rewritten[i] = rewritePlaceholders(op.Content, assigned)
	}

	tx, err := e.store.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	// Entries may reference each other regardless of submission order, so
	// local references resolve against the transaction state widened by the
	// set of resources the remaining entries will install.
	lk := &pendingLookup{tx: tx, pending: map[string]bool{}}
	for i, op := range ops {
		switch op.Method {
		case "POST":
			lk.pending[op.Type+"/"+ids[i]] = true
		case "PUT":
			lk.pending[op.Type+"/"+op.ID] = true
		}
	}

	snap := e.schemas.Current()
	results := make([]EntryResult, len(ops))
	for _, i := range executionOrder(ops) {
		op := ops[i]
		var r *model.Resource
		switch op.Method {
		case "POST":
			r, err = e.createIn(ctx, tx, snap, op.Type, ids[i], rewritten[i], lk)
		case "PUT":
			r, err = e.updateIn(ctx, tx, snap, op.Type, op.ID, rewritten[i], op.ExpectedVersion, lk)
		case "DELETE":
			r, err = e.deleteIn(ctx, tx, snap, op.Type, op.ID, op.ExpectedVersion, op.Forced)
		}
		if err != nil {
			return nil, model.TransactionAbortedErr(i, err)
		}
		results[i] = EntryResult{Status: EntryApplied, Resource: r}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, model.InternalErr("transaction commit failed", err)
	}
	e.log.Debug().Int("entries", len(ops)).Msg("transaction committed")
	return results, nil
}

// pendingLookup resolves local references for bundle writes. A target absent
// from the transaction still resolves when a scheduled entry will install it;
// if that entry later fails, the whole bundle rolls back, so nothing dangling
// ever commits. Tombstones written earlier in the bundle stay deleted.
type pendingLookup struct {
	tx      storage.Tx
	pending map[string]bool // "Type/id" installed by this bundle
}

func (p *pendingLookup) GetCurrent(ctx context.Context, resourceType, id string) (*model.Resource, error) {
	r, err := p.tx.GetCurrent(ctx, resourceType, id)
	if err == nil {
		return r, nil
	}
	if model.IsKind(err, model.KindNotFound) && p.pending[resourceType+"/"+id] {
		return &model.Resource{Type: resourceType, ID: id}, nil
	}
	return nil, err
}

func (p *pendingLookup) EdgesTo(ctx context.Context, resourceType, id string) ([]refs.Edge, error) {
	return p.tx.EdgesTo(ctx, resourceType, id)
}

// rewritePlaceholders deep-copies content, replacing every string equal to an
// assigned placeholder with its Type/id form.
func rewritePlaceholders(content map[string]any, assigned map[string]string) map[string]any {
	if content == nil {
		return nil
	}
	if len(assigned) == 0 {
		return model.CloneContent(content)
	}
	return rewriteMap(content, assigned)
}

func rewriteMap(m map[string]any, assigned map[string]string) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = rewriteValue(v, assigned)
	}
	return out
}

func rewriteValue(v any, assigned map[string]string) any {
	switch val := v.(type) {
	case string:
		if replacement, ok := assigned[val]; ok {
			return replacement
		}
		return val
	case map[string]any:
		return rewriteMap(val, assigned)
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = rewriteValue(item, assigned)
		}
		return out
	default:
		return v
	}
}
