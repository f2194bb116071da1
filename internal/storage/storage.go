// Package storage defines the transactional contract every backend
// implements. Storage is the engine's sole shared mutable state: reads see a
// consistent snapshot, writes land atomically with their derived effects, and
// every call honors the request context.
package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/carevault/carevault/internal/compartment"
	"github.com/carevault/carevault/internal/index"
	"github.com/carevault/carevault/internal/model"
	"github.com/carevault/carevault/internal/refs"
)

// History actions.
const (
	ActionCreate = "create"
	ActionUpdate = "update"
	ActionDelete = "delete"
)

// HistoryEntry is one immutable version snapshot in the append-only log.
type HistoryEntry struct {
	ResourceType string
	ResourceID   string
	VersionID    int
	Content      map[string]any
	Deleted      bool
	Action       string
	Timestamp    time.Time
}

// SortSpec names the search sort key. An empty Param sorts by
// (lastUpdated, id); otherwise Param must be an indexed parameter.
type SortSpec struct {
	Param string
	Desc  bool
}

// PageCursor is the keyset position of the last row of a page: the encoded
// sort value plus the resource id, which together uniquely order the result
// set so concurrent writes never cause skipped or duplicated rows.
type PageCursor struct {
	Sort string `json:"v"`
	ID   string `json:"id"`
}

// Hit is one primary search result: a resource id plus the encoded sort value
// it was ordered by.
type Hit struct {
	ID   string
	Sort string
}

// CompartmentCursor is the keyset position of a compartment scan, ordered by
// (memberType, lastUpdated, id).
type CompartmentCursor struct {
	Type        string    `json:"t"`
	LastUpdated time.Time `json:"u"`
	ID          string    `json:"id"`
}

// SortTimeFormat is the fixed-width time encoding used for sort keys and
// cursors; unlike RFC3339Nano it does not trim zeros, so lexical order equals
// chronological order.
const SortTimeFormat = "2006-01-02T15:04:05.000000000Z"

// EncodeSortTime renders a timestamp as a lexically sortable key.
func EncodeSortTime(t time.Time) string {
	return t.UTC().Format(SortTimeFormat)
}

// EncodeSortNumber renders a numeric sort key with a fixed offset so lexical
// order matches numeric order for the value ranges clinical data uses.
func EncodeSortNumber(v float64) string {
	return fmt.Sprintf("%024.6f", v+1e12)
}

// Tx is one storage transaction. Writable transactions buffer all effects and
// apply them atomically on Commit; read transactions observe a consistent
// snapshot. Rollback is always safe to defer.
type Tx interface {
	// GetCurrent returns the current version of a resource, including
	// tombstones. NotFound means the entity never existed.
	GetCurrent(ctx context.Context, resourceType, id string) (*model.Resource, error)
	// PutCurrent installs a new current version.
	PutCurrent(ctx context.Context, r *model.Resource) error

	AppendHistory(ctx context.Context, e HistoryEntry) error
	GetVersion(ctx context.Context, resourceType, id string, versionID int) (*HistoryEntry, error)
	// ListHistory returns entries newest-first plus the total count.
	ListHistory(ctx context.Context, resourceType, id string, limit, offset int) ([]HistoryEntry, int, error)

	// ReplaceIndex swaps the full derived row set for a resource.
	ReplaceIndex(ctx context.Context, resourceType, id string, entries []index.Entry) error
	ReplaceEdges(ctx context.Context, resourceType, id string, edges []refs.Edge) error
	EdgesFrom(ctx context.Context, resourceType, id string) ([]refs.Edge, error)
	EdgesTo(ctx context.Context, resourceType, id string) ([]refs.Edge, error)

	ReplaceMemberships(ctx context.Context, resourceType, id string, ms []compartment.Membership) error
	MembershipsOf(ctx context.Context, memberType, memberID string) ([]compartment.Membership, error)

	// SearchCurrent evaluates the groups against live resources of the type
	// and returns up to limit hits after the cursor position, in sort order.
	SearchCurrent(ctx context.Context, resourceType string, groups []index.Group, sort SortSpec, after *PageCursor, limit int) ([]Hit, error)

	// ScanCompartment returns live member resources of a compartment ordered
	// by (type, lastUpdated, id), optionally filtered by modification time.
	ScanCompartment(ctx context.Context, compartmentType, compartmentID string, since time.Time, after *CompartmentCursor, limit int) ([]*model.Resource, error)

	// ForEachCurrent visits every live resource, used by the administrative
	// re-index pass.
	ForEachCurrent(ctx context.Context, fn func(*model.Resource) error) error

	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// Store opens transactions against a backend.
type Store interface {
	// Begin opens a read-write transaction.
	Begin(ctx context.Context) (Tx, error)
	// Read opens a read-only snapshot transaction.
	Read(ctx context.Context) (Tx, error)
	Close()
}
