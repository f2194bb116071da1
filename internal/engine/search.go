package engine

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"github.com/carevault/carevault/internal/index"
	"github.com/carevault/carevault/internal/model"
	"github.com/carevault/carevault/internal/search"
	"github.com/carevault/carevault/internal/storage"
)

// Search plans and executes a type-level search in one read snapshot.
func (e *Engine) Search(ctx context.Context, resourceType string, query url.Values) (*search.Result, error) {
	plan, err := search.Parse(e.schemas.Current(), resourceType, query)
	if err != nil {
		return nil, err
	}
	tx, err := e.store.Read(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)
	return search.Execute(ctx, tx, plan)
}

// EverythingPage is one page of a compartment scan: the root resource (first
// page only) followed by members in (type, lastUpdated, id) order.
type EverythingPage struct {
	Resources []*model.Resource
	NextToken string
}

// Everything returns the full record of one compartment root: the root plus
// every live member, paged by a stable keyset cursor. Supported query
// parameters are _since, _count, and _pageToken.
func (e *Engine) Everything(ctx context.Context, id string, query url.Values) (*EverythingPage, error) {
	snap := e.schemas.Current()
	count := snap.DefaultPageSize
	var since time.Time
	var cursor *storage.CompartmentCursor

	for key, vals := range query {
		last := vals[len(vals)-1]
		switch key {
		case "_count":
			n, err := strconv.Atoi(last)
			if err != nil || n <= 0 {
				return nil, model.MalformedQueryErr("_count", fmt.Sprintf("invalid page size %q", last))
			}
			if n > snap.MaxPageSize {
				return nil, model.MalformedQueryErr("_count", fmt.Sprintf("page size %d exceeds maximum %d", n, snap.MaxPageSize))
			}
			count = n
		case "_since":
			lo, _, err := index.ParseDateRange(last)
			if err != nil {
				return nil, model.MalformedQueryErr("_since", err.Error())
			}
			since = lo
		case "_pageToken":
			c, err := search.DecodeCompartmentToken(last)
			if err != nil {
				return nil, err
			}
			cursor = c
		default:
			return nil, model.MalformedQueryErr(key, "unknown parameter")
		}
	}

	tx, err := e.store.Read(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	root, err := tx.GetCurrent(ctx, snap.CompartmentType, id)
	if err != nil {
		return nil, err
	}
	if root.Deleted {
		return nil, model.NotFoundErr(snap.CompartmentType, id)
	}

	members, err := tx.ScanCompartment(ctx, snap.CompartmentType, id, since, cursor, count+1)
	if err != nil {
		return nil, err
	}

	page := &EverythingPage{}
	if cursor == nil {
		page.Resources = append(page.Resources, root)
	}
	more := len(members) > count
	if more {
		members = members[:count]
	}
	page.Resources = append(page.Resources, members...)
	if more {
		last := members[len(members)-1]
		page.NextToken = search.EncodeCompartmentToken(&storage.CompartmentCursor{
			Type:        last.Type,
			LastUpdated: last.LastUpdated,
			ID:          last.ID,
		})
	}
	return page, nil
}
