// Package memstore is the embedded storage backend: mutex-guarded in-memory
// state with buffered transactions applied atomically on commit. It backs
// single-node deployments and the engine's unit tests; the contract it
// implements is identical to the PostgreSQL backend.
package memstore

import (
	"context"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/carevault/carevault/internal/compartment"
	"github.com/carevault/carevault/internal/index"
	"github.com/carevault/carevault/internal/model"
	"github.com/carevault/carevault/internal/refs"
	"github.com/carevault/carevault/internal/storage"
)

// Store holds the shared state. A writable transaction takes the exclusive
// lock for its whole lifetime and buffers changes, so rollback leaves zero
// observable side effects and readers never see a partial commit.
type Store struct {
	mu          sync.RWMutex
	current     map[string]*model.Resource
	history     map[string][]storage.HistoryEntry
	indexRows   map[string][]index.Entry
	edgesFrom   map[string][]refs.Edge
	memberships map[string][]compartment.Membership
}

// New creates an empty store.
func New() *Store {
	return &Store{
		current:     map[string]*model.Resource{},
		history:     map[string][]storage.HistoryEntry{},
		indexRows:   map[string][]index.Entry{},
		edgesFrom:   map[string][]refs.Edge{},
		memberships: map[string][]compartment.Membership{},
	}
}

func key(resourceType, id string) string { return resourceType + "/" + id }

// Begin opens a read-write transaction holding the exclusive lock. The lock
// covers the transaction's whole lifetime, so a long-lived read snapshot can
// delay a writer here; the PostgreSQL backend gives true snapshot isolation
// and is the one to run when that matters.
func (s *Store) Begin(ctx context.Context) (storage.Tx, error) {
	if err := model.CtxErr(ctx); err != nil {
		return nil, err
	}
	s.mu.Lock()
	return &tx{
		store:       s,
		writable:    true,
		putResource: map[string]*model.Resource{},
		putHistory:  map[string][]storage.HistoryEntry{},
		putIndex:    map[string][]index.Entry{},
		putEdges:    map[string][]refs.Edge{},
		putMembers:  map[string][]compartment.Membership{},
	}, nil
}

// Read opens a read-only snapshot transaction holding the shared lock.
func (s *Store) Read(ctx context.Context) (storage.Tx, error) {
	if err := model.CtxErr(ctx); err != nil {
		return nil, err
	}
	s.mu.RLock()
	return &tx{store: s}, nil
}

// Close releases the store. Nothing to do for the in-memory backend.
func (s *Store) Close() {}

type tx struct {
	store    *Store
	writable bool
	done     bool

	// Buffered effects, keyed by Type/ID. A key present in a put map shadows
	// the base state for reads inside this transaction.
	putResource map[string]*model.Resource
	putHistory  map[string][]storage.HistoryEntry
	putIndex    map[string][]index.Entry
	putEdges    map[string][]refs.Edge
	putMembers  map[string][]compartment.Membership
}

func (t *tx) Commit(ctx context.Context) error {
	if t.done {
		return nil
	}
	t.done = true
	if !t.writable {
		t.store.mu.RUnlock()
		return nil
	}
	defer t.store.mu.Unlock()
	if err := model.CtxErr(ctx); err != nil {
		// The caller's deadline expired before commit; discard the buffer.
		return err
	}
	for k, r := range t.putResource {
		t.store.current[k] = r
	}
	for k, hs := range t.putHistory {
		t.store.history[k] = append(t.store.history[k], hs...)
	}
	for k, es := range t.putIndex {
		t.store.indexRows[k] = es
	}
	for k, es := range t.putEdges {
		t.store.edgesFrom[k] = es
	}
	for k, ms := range t.putMembers {
		t.store.memberships[k] = ms
	}
	return nil
}

func (t *tx) Rollback(ctx context.Context) error {
	if t.done {
		return nil
	}
	t.done = true
	if t.writable {
		t.store.mu.Unlock()
	} else {
		t.store.mu.RUnlock()
	}
	return nil
}

func (t *tx) GetCurrent(ctx context.Context, resourceType, id string) (*model.Resource, error) {
	if err := model.CtxErr(ctx); err != nil {
		return nil, err
	}
	k := key(resourceType, id)
	if t.writable {
		if r, ok := t.putResource[k]; ok {
			return r.Clone(), nil
		}
	}
	r, ok := t.store.current[k]
	if !ok {
		return nil, model.NotFoundErr(resourceType, id)
	}
	return r.Clone(), nil
}

func (t *tx) PutCurrent(ctx context.Context, r *model.Resource) error {
	if err := model.CtxErr(ctx); err != nil {
		return err
	}
	t.putResource[key(r.Type, r.ID)] = r.Clone()
	return nil
}

func (t *tx) AppendHistory(ctx context.Context, e storage.HistoryEntry) error {
	if err := model.CtxErr(ctx); err != nil {
		return err
	}
	e.Content = model.CloneContent(e.Content)
	k := key(e.ResourceType, e.ResourceID)
	t.putHistory[k] = append(t.putHistory[k], e)
	return nil
}

func (t *tx) GetVersion(ctx context.Context, resourceType, id string, versionID int) (*storage.HistoryEntry, error) {
	if err := model.CtxErr(ctx); err != nil {
		return nil, err
	}
	k := key(resourceType, id)
	for _, hs := range [][]storage.HistoryEntry{t.putHistory[k], t.store.history[k]} {
		for i := range hs {
			if hs[i].VersionID == versionID {
				e := hs[i]
				e.Content = model.CloneContent(e.Content)
				return &e, nil
			}
		}
	}
	return nil, model.NotFoundErr(resourceType, id+"/_history/"+strconv.Itoa(versionID))
}

func (t *tx) ListHistory(ctx context.Context, resourceType, id string, limit, offset int) ([]storage.HistoryEntry, int, error) {
	if err := model.CtxErr(ctx); err != nil {
		return nil, 0, err
	}
	k := key(resourceType, id)
	all := append([]storage.HistoryEntry{}, t.store.history[k]...)
	all = append(all, t.putHistory[k]...)
	sort.Slice(all, func(i, j int) bool { return all[i].VersionID > all[j].VersionID })

	total := len(all)
	if offset >= total {
		return nil, total, nil
	}
	all = all[offset:]
	if limit > 0 && len(all) > limit {
		all = all[:limit]
	}
	out := make([]storage.HistoryEntry, len(all))
	for i := range all {
		out[i] = all[i]
		out[i].Content = model.CloneContent(all[i].Content)
	}
	return out, total, nil
}

func (t *tx) ReplaceIndex(ctx context.Context, resourceType, id string, entries []index.Entry) error {
	if err := model.CtxErr(ctx); err != nil {
		return err
	}
	t.putIndex[key(resourceType, id)] = append([]index.Entry{}, entries...)
	return nil
}

func (t *tx) ReplaceEdges(ctx context.Context, resourceType, id string, edges []refs.Edge) error {
	if err := model.CtxErr(ctx); err != nil {
		return err
	}
	t.putEdges[key(resourceType, id)] = append([]refs.Edge{}, edges...)
	return nil
}

func (t *tx) EdgesFrom(ctx context.Context, resourceType, id string) ([]refs.Edge, error) {
	if err := model.CtxErr(ctx); err != nil {
		return nil, err
	}
	k := key(resourceType, id)
	if t.writable {
		if es, ok := t.putEdges[k]; ok {
			return append([]refs.Edge{}, es...), nil
		}
	}
	return append([]refs.Edge{}, t.store.edgesFrom[k]...), nil
}

func (t *tx) EdgesTo(ctx context.Context, resourceType, id string) ([]refs.Edge, error) {
	if err := model.CtxErr(ctx); err != nil {
		return nil, err
	}
	var out []refs.Edge
	seen := map[string]bool{}
	if t.writable {
		for src, es := range t.putEdges {
			seen[src] = true
			for _, e := range es {
				if e.TargetType == resourceType && e.TargetID == id {
					out = append(out, e)
				}
			}
		}
	}
	for src, es := range t.store.edgesFrom {
		if seen[src] {
			continue
		}
		for _, e := range es {
			if e.TargetType == resourceType && e.TargetID == id {
				out = append(out, e)
			}
		}
	}
	return out, nil
}

func (t *tx) ReplaceMemberships(ctx context.Context, resourceType, id string, ms []compartment.Membership) error {
	if err := model.CtxErr(ctx); err != nil {
		return err
	}
	t.putMembers[key(resourceType, id)] = append([]compartment.Membership{}, ms...)
	return nil
}

func (t *tx) MembershipsOf(ctx context.Context, memberType, memberID string) ([]compartment.Membership, error) {
	if err := model.CtxErr(ctx); err != nil {
		return nil, err
	}
	k := key(memberType, memberID)
	if t.writable {
		if ms, ok := t.putMembers[k]; ok {
			return append([]compartment.Membership{}, ms...), nil
		}
	}
	return append([]compartment.Membership{}, t.store.memberships[k]...), nil
}

func (t *tx) indexOf(k string) []index.Entry {
	if t.writable {
		if es, ok := t.putIndex[k]; ok {
			return es
		}
	}
	return t.store.indexRows[k]
}

func (t *tx) currentResource(k string) *model.Resource {
	if t.writable {
		if r, ok := t.putResource[k]; ok {
			return r
		}
	}
	return t.store.current[k]
}

// allKeys returns every current resource key, pending included.
func (t *tx) allKeys() []string {
	seen := map[string]bool{}
	var keys []string
	if t.writable {
		for k := range t.putResource {
			seen[k] = true
			keys = append(keys, k)
		}
	}
	for k := range t.store.current {
		if !seen[k] {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys
}

type scoredHit struct {
	id     string
	key    string
	hasKey bool
}

func (t *tx) SearchCurrent(ctx context.Context, resourceType string, groups []index.Group, sortSpec storage.SortSpec, after *storage.PageCursor, limit int) ([]storage.Hit, error) {
	prefix := resourceType + "/"
	var hits []scoredHit

	for _, k := range t.allKeys() {
		if !strings.HasPrefix(k, prefix) {
			continue
		}
		if err := model.CtxErr(ctx); err != nil {
			return nil, err
		}
		r := t.currentResource(k)
		if r == nil || r.Deleted {
			continue
		}
		entries := t.indexOf(k)
		matched := true
		for _, g := range groups {
			if !index.MatchGroup(entries, g) {
				matched = false
				break
			}
		}
		if !matched {
			continue
		}
		hits = append(hits, scoredHit{
			id:     r.ID,
			key:    sortKeyFor(r, entries, sortSpec),
			hasKey: hasSortKey(r, entries, sortSpec),
		})
	}

	sort.Slice(hits, func(i, j int) bool { return lessHit(hits[i], hits[j], sortSpec.Desc) })

	out := make([]storage.Hit, 0, limit)
	for _, h := range hits {
		if after != nil && !afterCursor(h, after, sortSpec.Desc) {
			continue
		}
		out = append(out, storage.Hit{ID: h.id, Sort: h.key})
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

// lessHit orders hits by (sort key, id); resources without a value for the
// sort parameter always sort last.
func lessHit(a, b scoredHit, desc bool) bool {
	if a.hasKey != b.hasKey {
		return a.hasKey
	}
	if a.key != b.key {
		if desc {
			return a.key > b.key
		}
		return a.key < b.key
	}
	if desc {
		return a.id > b.id
	}
	return a.id < b.id
}

func afterCursor(h scoredHit, after *storage.PageCursor, desc bool) bool {
	if desc {
		return h.key < after.Sort || (h.key == after.Sort && h.id < after.ID)
	}
	return h.key > after.Sort || (h.key == after.Sort && h.id > after.ID)
}

func hasSortKey(r *model.Resource, entries []index.Entry, s storage.SortSpec) bool {
	if s.Param == "" {
		return true
	}
	for _, e := range entries {
		if e.Param == s.Param {
			return true
		}
	}
	return false
}

func sortKeyFor(r *model.Resource, entries []index.Entry, s storage.SortSpec) string {
	if s.Param == "" {
		return storage.EncodeSortTime(r.LastUpdated)
	}
	best := ""
	found := false
	for _, e := range entries {
		if e.Param != s.Param {
			continue
		}
		k := entrySortKey(e)
		if !found || (s.Desc && k > best) || (!s.Desc && k < best) {
			best = k
			found = true
		}
	}
	if !found {
		// Sorts after every real key; lessHit keeps these last regardless.
		return "\x7f"
	}
	return best
}

func entrySortKey(e index.Entry) string {
	switch {
	case !e.DateLo.IsZero():
		return storage.EncodeSortTime(e.DateLo)
	case e.HasNumber:
		return storage.EncodeSortNumber(e.Number)
	case e.ValueNorm != "":
		return e.ValueNorm
	case e.Code != "":
		return e.Code
	default:
		return e.ValueString
	}
}

func (t *tx) ScanCompartment(ctx context.Context, compartmentType, compartmentID string, since time.Time, after *storage.CompartmentCursor, limit int) ([]*model.Resource, error) {
	// Collect member keys, pending memberships shadowing committed ones.
	members := map[string]bool{}
	seenSource := map[string]bool{}
	collect := func(source string, ms []compartment.Membership) {
		seenSource[source] = true
		for _, m := range ms {
			if m.CompartmentType == compartmentType && m.CompartmentID == compartmentID {
				members[key(m.MemberType, m.MemberID)] = true
			}
		}
	}
	if t.writable {
		for src, ms := range t.putMembers {
			collect(src, ms)
		}
	}
	for src, ms := range t.store.memberships {
		if !seenSource[src] {
			collect(src, ms)
		}
	}

	var out []*model.Resource
	for k := range members {
		if err := model.CtxErr(ctx); err != nil {
			return nil, err
		}
		r := t.currentResource(k)
		if r == nil || r.Deleted {
			continue
		}
		if !since.IsZero() && r.LastUpdated.Before(since) {
			continue
		}
		out = append(out, r.Clone())
	}

	sort.Slice(out, func(i, j int) bool { return lessMember(out[i], out[j]) })

	var page []*model.Resource
	for _, r := range out {
		if after != nil && !afterMember(r, after) {
			continue
		}
		page = append(page, r)
		if limit > 0 && len(page) == limit {
			break
		}
	}
	return page, nil
}

func lessMember(a, b *model.Resource) bool {
	if a.Type != b.Type {
		return a.Type < b.Type
	}
	if !a.LastUpdated.Equal(b.LastUpdated) {
		return a.LastUpdated.Before(b.LastUpdated)
	}
	return a.ID < b.ID
}

func afterMember(r *model.Resource, c *storage.CompartmentCursor) bool {
	if r.Type != c.Type {
		return r.Type > c.Type
	}
	if !r.LastUpdated.Equal(c.LastUpdated) {
		return r.LastUpdated.After(c.LastUpdated)
	}
	return r.ID > c.ID
}

func (t *tx) ForEachCurrent(ctx context.Context, fn func(*model.Resource) error) error {
	for _, k := range t.allKeys() {
		if err := model.CtxErr(ctx); err != nil {
			return err
		}
		r := t.currentResource(k)
		if r == nil || r.Deleted {
			continue
		}
		if err := fn(r.Clone()); err != nil {
			return err
		}
	}
	return nil
}
