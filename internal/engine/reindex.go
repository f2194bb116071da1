package engine

import (
	"context"

	"golang.org/x/time/rate"

	"github.com/carevault/carevault/internal/compartment"
	"github.com/carevault/carevault/internal/index"
	"github.com/carevault/carevault/internal/model"
	"github.com/carevault/carevault/internal/refs"
	"github.com/carevault/carevault/internal/schema"
)

// Reindex rebuilds every live resource's derived rows (index, edges,
// memberships) under the current schema snapshot. Content, versions, and
// history are untouched. The pass is rate-limited so it can run against a
// serving system, and each resource commits in its own short transaction.
func (e *Engine) Reindex(ctx context.Context) (int, error) {
	snap := e.schemas.Current()

	type key struct{ typ, id string }
	var keys []key
	rd, err := e.store.Read(ctx)
	if err != nil {
		return 0, err
	}
	err = rd.ForEachCurrent(ctx, func(r *model.Resource) error {
		keys = append(keys, key{r.Type, r.ID})
		return nil
	})
	rd.Rollback(ctx)
	if err != nil {
		return 0, err
	}

	limiter := rate.NewLimiter(rate.Limit(e.reindexRate), 1)
	done := 0
	for _, k := range keys {
		if err := limiter.Wait(ctx); err != nil {
			return done, model.CtxErr(ctx)
		}
		if err := e.reindexOne(ctx, snap, k.typ, k.id); err != nil {
			// Resources deleted since the listing pass are not failures.
			if model.IsKind(err, model.KindNotFound) {
				continue
			}
			return done, err
		}
		done++
	}
	e.log.Info().Int("resources", done).Msg("reindex complete")
	return done, nil
}

func (e *Engine) reindexOne(ctx context.Context, snap *schema.Snapshot, resourceType, id string) error {
	tx, err := e.store.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	r, err := tx.GetCurrent(ctx, resourceType, id)
	if err != nil {
		return err
	}
	if r.Deleted {
		return nil
	}

	entries, err := index.Build(snap, r)
	if err != nil {
		return err
	}
	edges, err := refs.Extract(snap, r)
	if err != nil {
		return err
	}
	if err := tx.ReplaceIndex(ctx, r.Type, r.ID, entries); err != nil {
		return err
	}
	if err := tx.ReplaceEdges(ctx, r.Type, r.ID, edges); err != nil {
		return err
	}
	ms, err := compartment.Compute(ctx, tx, snap, r, edges)
	if err != nil {
		return err
	}
	if err := tx.ReplaceMemberships(ctx, r.Type, r.ID, ms); err != nil {
		return err
	}
	return tx.Commit(ctx)
}
