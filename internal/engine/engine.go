// Package engine implements the resource store: versioned CRUD, search,
// compartments, and atomic multi-entry bundles on top of a storage backend.
// Every mutation commits the resource row together with its derived index
// rows, reference edges, compartment memberships, and one history entry.
package engine

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/carevault/carevault/internal/codec"
	"github.com/carevault/carevault/internal/compartment"
	"github.com/carevault/carevault/internal/index"
	"github.com/carevault/carevault/internal/model"
	"github.com/carevault/carevault/internal/refs"
	"github.com/carevault/carevault/internal/schema"
	"github.com/carevault/carevault/internal/storage"
)

// Engine coordinates validation, storage, and the derived indexes behind one
// operation surface. It is safe for concurrent use.
type Engine struct {
	store       storage.Store
	schemas     *schema.Registry
	log         zerolog.Logger
	relaxed     bool
	reindexRate float64
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the engine logger.
func WithLogger(l zerolog.Logger) Option {
	return func(e *Engine) { e.log = l }
}

// WithRelaxedIntegrity tolerates unresolved local references on write, for
// bulk loads where referenced resources arrive out of order.
func WithRelaxedIntegrity() Option {
	return func(e *Engine) { e.relaxed = true }
}

// WithReindexRate caps administrative re-indexing at n resources per second.
func WithReindexRate(n float64) Option {
	return func(e *Engine) { e.reindexRate = n }
}

// New creates an engine over the given backend and schema registry.
func New(store storage.Store, schemas *schema.Registry, opts ...Option) *Engine {
	e := &Engine{
		store:       store,
		schemas:     schemas,
		log:         zerolog.Nop(),
		reindexRate: 200,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Snapshot returns the schema snapshot current operations run under.
func (e *Engine) Snapshot() *schema.Snapshot { return e.schemas.Current() }

// Create stores a new resource at version 1 under a generated id.
func (e *Engine) Create(ctx context.Context, resourceType string, content map[string]any) (*model.Resource, error) {
	return e.create(ctx, resourceType, uuid.NewString(), content)
}

func (e *Engine) create(ctx context.Context, resourceType, id string, content map[string]any) (*model.Resource, error) {
	snap := e.schemas.Current()
	tx, err := e.store.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	r, err := e.createIn(ctx, tx, snap, resourceType, id, content, tx)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	e.log.Debug().Str("resource", r.Key()).Msg("resource created")
	return r, nil
}

// createIn applies a create inside an open transaction; the transaction
// coordinator uses it directly for bundle entries. lk is the lookup local
// references resolve against, which the coordinator widens to cover entries
// scheduled later in the same bundle.
func (e *Engine) createIn(ctx context.Context, tx storage.Tx, snap *schema.Snapshot, resourceType, id string, content map[string]any, lk refs.Lookup) (*model.Resource, error) {
	if err := codec.Validate(snap, resourceType, content); err != nil {
		return nil, err
	}
	r := &model.Resource{
		Type:        resourceType,
		ID:          id,
		VersionID:   1,
		Content:     model.CloneContent(content),
		LastUpdated: time.Now().UTC(),
	}
	if err := e.applyWrite(ctx, tx, snap, r, storage.ActionCreate, lk); err != nil {
		return nil, err
	}
	return r, nil
}

// Read returns the current version. Tombstones read as NotFound; their
// history stays reachable through VRead and History.
func (e *Engine) Read(ctx context.Context, resourceType, id string) (*model.Resource, error) {
	if e.schemas.Current().Type(resourceType) == nil {
		return nil, model.NotFoundErr(resourceType, id)
	}
	tx, err := e.store.Read(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	r, err := tx.GetCurrent(ctx, resourceType, id)
	if err != nil {
		return nil, err
	}
	if r.Deleted {
		return nil, model.NotFoundErr(resourceType, id)
	}
	e.flagDangling(ctx, tx, r)
	return r, nil
}

// flagDangling reports outbound local references that no longer resolve.
// Forced deletes leave such edges behind; they surface here, on the
// referrer's next read, rather than through an eager sweep.
func (e *Engine) flagDangling(ctx context.Context, tx storage.Tx, r *model.Resource) {
	edges, err := tx.EdgesFrom(ctx, r.Type, r.ID)
	if err != nil || len(edges) == 0 {
		return
	}
	dangling, err := refs.Dangling(ctx, tx, edges)
	if err != nil || len(dangling) == 0 {
		return
	}
	targets := make([]string, 0, len(dangling))
	for _, edge := range dangling {
		targets = append(targets, edge.Param+"->"+edge.Target())
	}
	e.log.Warn().
		Str("resource", r.Key()).
		Strs("dangling", targets).
		Msg("resource holds dangling references")
}

// VRead returns one immutable version from history, tombstone versions
// included.
func (e *Engine) VRead(ctx context.Context, resourceType, id string, versionID int) (*model.Resource, error) {
	tx, err := e.store.Read(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	h, err := tx.GetVersion(ctx, resourceType, id, versionID)
	if err != nil {
		return nil, err
	}
	return &model.Resource{
		Type:        h.ResourceType,
		ID:          h.ResourceID,
		VersionID:   h.VersionID,
		Content:     h.Content,
		LastUpdated: h.Timestamp,
		Deleted:     h.Deleted,
	}, nil
}

// Update stores a new version of an existing resource. expectedVersion 0 is
// unconditional; any other value must equal the stored version or the call
// fails VersionConflict with zero side effects. Updating a tombstone revives
// the resource at the next version.
func (e *Engine) Update(ctx context.Context, resourceType, id string, content map[string]any, expectedVersion int) (*model.Resource, error) {
	snap := e.schemas.Current()
	tx, err := e.store.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	r, err := e.updateIn(ctx, tx, snap, resourceType, id, content, expectedVersion, tx)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	e.log.Debug().Str("resource", r.Key()).Int("version", r.VersionID).Msg("resource updated")
	return r, nil
}

func (e *Engine) updateIn(ctx context.Context, tx storage.Tx, snap *schema.Snapshot, resourceType, id string, content map[string]any, expectedVersion int, lk refs.Lookup) (*model.Resource, error) {
	if err := codec.Validate(snap, resourceType, content); err != nil {
		return nil, err
	}
	cur, err := tx.GetCurrent(ctx, resourceType, id)
	if err != nil {
		return nil, err
	}
	if expectedVersion != 0 && cur.VersionID != expectedVersion {
		return nil, model.VersionConflictErr(resourceType, id, expectedVersion, cur.VersionID)
	}
	r := &model.Resource{
		Type:        resourceType,
		ID:          id,
		VersionID:   cur.VersionID + 1,
		Content:     model.CloneContent(content),
		LastUpdated: time.Now().UTC(),
	}
	if err := e.applyWrite(ctx, tx, snap, r, storage.ActionUpdate, lk); err != nil {
		return nil, err
	}
	return r, nil
}

// Delete writes a tombstone version. Strict deletes fail Conflict while live
// resources hold hard references to the target; forced deletes proceed.
// Deleting a tombstone is idempotent and returns the existing tombstone.
func (e *Engine) Delete(ctx context.Context, resourceType, id string, expectedVersion int, forced bool) (*model.Resource, error) {
	tx, err := e.store.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	r, err := e.deleteIn(ctx, tx, e.schemas.Current(), resourceType, id, expectedVersion, forced)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	e.log.Debug().Str("resource", r.Key()).Int("version", r.VersionID).Msg("resource deleted")
	return r, nil
}

func (e *Engine) deleteIn(ctx context.Context, tx storage.Tx, snap *schema.Snapshot, resourceType, id string, expectedVersion int, forced bool) (*model.Resource, error) {
	cur, err := tx.GetCurrent(ctx, resourceType, id)
	if err != nil {
		return nil, err
	}
	if cur.Deleted {
		return cur, nil
	}
	if expectedVersion != 0 && cur.VersionID != expectedVersion {
		return nil, model.VersionConflictErr(resourceType, id, expectedVersion, cur.VersionID)
	}
	if err := refs.CheckOnDelete(ctx, tx, resourceType, id, forced); err != nil {
		return nil, err
	}
	r := &model.Resource{
		Type:        resourceType,
		ID:          id,
		VersionID:   cur.VersionID + 1,
		LastUpdated: time.Now().UTC(),
		Deleted:     true,
	}
	if err := e.applyWrite(ctx, tx, snap, r, storage.ActionDelete, tx); err != nil {
		return nil, err
	}
	return r, nil
}

// HistoryPage is one page of an entity's version log, newest first.
type HistoryPage struct {
	Entries []*model.Resource
	Total   int
}

// History lists an entity's versions, newest first.
func (e *Engine) History(ctx context.Context, resourceType, id string, limit, offset int) (*HistoryPage, error) {
	if limit <= 0 {
		limit = e.schemas.Current().DefaultPageSize
	}
	tx, err := e.store.Read(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	entries, total, err := tx.ListHistory(ctx, resourceType, id, limit, offset)
	if err != nil {
		return nil, err
	}
	if total == 0 {
		return nil, model.NotFoundErr(resourceType, id)
	}
	page := &HistoryPage{Total: total}
	for _, h := range entries {
		page.Entries = append(page.Entries, &model.Resource{
			Type:        h.ResourceType,
			ID:          h.ResourceID,
			VersionID:   h.VersionID,
			Content:     h.Content,
			LastUpdated: h.Timestamp,
			Deleted:     h.Deleted,
		})
	}
	return page, nil
}

// applyWrite installs r as the new current version with every derived effect:
// index rows, reference edges, compartment memberships (including dependents
// inheriting through r), and the history entry. Local references resolve
// against lk, which is the transaction itself except inside a bundle.
func (e *Engine) applyWrite(ctx context.Context, tx storage.Tx, snap *schema.Snapshot, r *model.Resource, action string, lk refs.Lookup) error {
	entries, err := index.Build(snap, r)
	if err != nil {
		return err
	}
	edges, err := refs.Extract(snap, r)
	if err != nil {
		return err
	}
	if err := refs.CheckOnWrite(ctx, lk, snap, r, edges, e.relaxed); err != nil {
		return err
	}

	if err := tx.PutCurrent(ctx, r); err != nil {
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
	if err := e.recomputeDependents(ctx, tx, snap, r); err != nil {
		return err
	}

	return tx.AppendHistory(ctx, storage.HistoryEntry{
		ResourceType: r.Type,
		ResourceID:   r.ID,
		VersionID:    r.VersionID,
		Content:      model.CloneContent(r.Content),
		Deleted:      r.Deleted,
		Action:       action,
		Timestamp:    r.LastUpdated,
	})
}

// recomputeDependents refreshes the memberships of resources that inherit
// their compartment through r, so changing or deleting an intermediate (an
// encounter moving to another patient) keeps its dependents consistent within
// the same transaction.
func (e *Engine) recomputeDependents(ctx context.Context, tx storage.Tx, snap *schema.Snapshot, r *model.Resource) error {
	via := compartment.DependentParams(snap)
	inbound, err := tx.EdgesTo(ctx, r.Type, r.ID)
	if err != nil {
		return err
	}
	for _, edge := range inbound {
		if via[edge.SourceType] != edge.Param {
			continue
		}
		src, err := tx.GetCurrent(ctx, edge.SourceType, edge.SourceID)
		if err != nil {
			if model.IsKind(err, model.KindNotFound) {
				continue
			}
			return err
		}
		if src.Deleted {
			continue
		}
		srcEdges, err := tx.EdgesFrom(ctx, src.Type, src.ID)
		if err != nil {
			return err
		}
		ms, err := compartment.Compute(ctx, tx, snap, src, srcEdges)
		if err != nil {
			return err
		}
		if err := tx.ReplaceMemberships(ctx, src.Type, src.ID, ms); err != nil {
			return err
		}
	}
	return nil
}
