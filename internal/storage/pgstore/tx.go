package pgstore

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/carevault/carevault/internal/compartment"
	"github.com/carevault/carevault/internal/index"
	"github.com/carevault/carevault/internal/model"
	"github.com/carevault/carevault/internal/refs"
	"github.com/carevault/carevault/internal/storage"
)

type tx struct {
	tx pgx.Tx
}

func (t *tx) Commit(ctx context.Context) error {
	err := t.tx.Commit(ctx)
	if err != nil && !errors.Is(err, pgx.ErrTxClosed) {
		return err
	}
	return nil
}

func (t *tx) Rollback(ctx context.Context) error {
	err := t.tx.Rollback(ctx)
	if err != nil && !errors.Is(err, pgx.ErrTxClosed) {
		return err
	}
	return nil
}

func (t *tx) GetCurrent(ctx context.Context, resourceType, id string) (*model.Resource, error) {
	r := &model.Resource{Type: resourceType, ID: id}
	err := t.tx.QueryRow(ctx, `
		SELECT version_id, content, last_updated, deleted
		FROM resource
		WHERE resource_type = $1 AND id = $2`,
		resourceType, id,
	).Scan(&r.VersionID, &r.Content, &r.LastUpdated, &r.Deleted)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, model.NotFoundErr(resourceType, id)
	}
	if err != nil {
		return nil, err
	}
	return r, nil
}

func (t *tx) PutCurrent(ctx context.Context, r *model.Resource) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO resource (resource_type, id, version_id, content, last_updated, deleted)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (resource_type, id) DO UPDATE
		SET version_id = EXCLUDED.version_id,
		    content = EXCLUDED.content,
		    last_updated = EXCLUDED.last_updated,
		    deleted = EXCLUDED.deleted`,
		r.Type, r.ID, r.VersionID, r.Content, r.LastUpdated, r.Deleted)
	return err
}

func (t *tx) AppendHistory(ctx context.Context, e storage.HistoryEntry) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO resource_history (resource_type, resource_id, version_id, content, deleted, action, ts)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		e.ResourceType, e.ResourceID, e.VersionID, e.Content, e.Deleted, e.Action, e.Timestamp)
	return err
}

func (t *tx) GetVersion(ctx context.Context, resourceType, id string, versionID int) (*storage.HistoryEntry, error) {
	e := &storage.HistoryEntry{ResourceType: resourceType, ResourceID: id, VersionID: versionID}
	err := t.tx.QueryRow(ctx, `
		SELECT content, deleted, action, ts
		FROM resource_history
		WHERE resource_type = $1 AND resource_id = $2 AND version_id = $3`,
		resourceType, id, versionID,
	).Scan(&e.Content, &e.Deleted, &e.Action, &e.Timestamp)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, model.NotFoundErr(resourceType, id)
	}
	if err != nil {
		return nil, err
	}
	return e, nil
}

func (t *tx) ListHistory(ctx context.Context, resourceType, id string, limit, offset int) ([]storage.HistoryEntry, int, error) {
	var total int
	err := t.tx.QueryRow(ctx, `
		SELECT count(*) FROM resource_history
		WHERE resource_type = $1 AND resource_id = $2`,
		resourceType, id,
	).Scan(&total)
	if err != nil {
		return nil, 0, err
	}

	rows, err := t.tx.Query(ctx, `
		SELECT version_id, content, deleted, action, ts
		FROM resource_history
		WHERE resource_type = $1 AND resource_id = $2
		ORDER BY version_id DESC
		LIMIT $3 OFFSET $4`,
		resourceType, id, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var out []storage.HistoryEntry
	for rows.Next() {
		e := storage.HistoryEntry{ResourceType: resourceType, ResourceID: id}
		if err := rows.Scan(&e.VersionID, &e.Content, &e.Deleted, &e.Action, &e.Timestamp); err != nil {
			return nil, 0, err
		}
		out = append(out, e)
	}
	return out, total, rows.Err()
}

func (t *tx) ReplaceIndex(ctx context.Context, resourceType, id string, entries []index.Entry) error {
	if _, err := t.tx.Exec(ctx, `
		DELETE FROM search_index WHERE resource_type = $1 AND resource_id = $2`,
		resourceType, id); err != nil {
		return err
	}
	if len(entries) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for _, e := range entries {
		batch.Queue(`
			INSERT INTO search_index (
				resource_type, resource_id, param, kind,
				value_string, value_norm, system, code,
				date_lo, date_hi, number, has_number,
				qty_system, qty_code, ref_type, ref_id, ref_uri)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17)`,
			e.ResourceType, e.ResourceID, e.Param, string(e.Kind),
			e.ValueString, e.ValueNorm, e.System, e.Code,
			nullTime(e.DateLo), nullTime(e.DateHi), e.Number, e.HasNumber,
			e.QuantitySystem, e.QuantityCode, e.RefType, e.RefID, e.RefURI)
	}
	return t.tx.SendBatch(ctx, batch).Close()
}

func (t *tx) ReplaceEdges(ctx context.Context, resourceType, id string, edges []refs.Edge) error {
	if _, err := t.tx.Exec(ctx, `
		DELETE FROM resource_ref WHERE source_type = $1 AND source_id = $2`,
		resourceType, id); err != nil {
		return err
	}
	if len(edges) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, e := range edges {
		batch.Queue(`
			INSERT INTO resource_ref (source_type, source_id, param, target_type, target_id, target_uri, hard)
			VALUES ($1,$2,$3,$4,$5,$6,$7)`,
			e.SourceType, e.SourceID, e.Param, e.TargetType, e.TargetID, e.TargetURI, e.Hard)
	}
	return t.tx.SendBatch(ctx, batch).Close()
}

func (t *tx) EdgesFrom(ctx context.Context, resourceType, id string) ([]refs.Edge, error) {
	rows, err := t.tx.Query(ctx, `
		SELECT source_type, source_id, param, target_type, target_id, target_uri, hard
		FROM resource_ref
		WHERE source_type = $1 AND source_id = $2`,
		resourceType, id)
	if err != nil {
		return nil, err
	}
	return scanEdges(rows)
}

func (t *tx) EdgesTo(ctx context.Context, resourceType, id string) ([]refs.Edge, error) {
	rows, err := t.tx.Query(ctx, `
		SELECT source_type, source_id, param, target_type, target_id, target_uri, hard
		FROM resource_ref
		WHERE target_type = $1 AND target_id = $2`,
		resourceType, id)
	if err != nil {
		return nil, err
	}
	return scanEdges(rows)
}

func scanEdges(rows pgx.Rows) ([]refs.Edge, error) {
	defer rows.Close()
	var out []refs.Edge
	for rows.Next() {
		var e refs.Edge
		if err := rows.Scan(&e.SourceType, &e.SourceID, &e.Param, &e.TargetType, &e.TargetID, &e.TargetURI, &e.Hard); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (t *tx) ReplaceMemberships(ctx context.Context, resourceType, id string, ms []compartment.Membership) error {
	if _, err := t.tx.Exec(ctx, `
		DELETE FROM compartment_membership WHERE member_type = $1 AND member_id = $2`,
		resourceType, id); err != nil {
		return err
	}
	if len(ms) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, m := range ms {
		batch.Queue(`
			INSERT INTO compartment_membership (compartment_type, compartment_id, member_type, member_id)
			VALUES ($1,$2,$3,$4)
			ON CONFLICT DO NOTHING`,
			m.CompartmentType, m.CompartmentID, m.MemberType, m.MemberID)
	}
	return t.tx.SendBatch(ctx, batch).Close()
}

func (t *tx) MembershipsOf(ctx context.Context, memberType, memberID string) ([]compartment.Membership, error) {
	rows, err := t.tx.Query(ctx, `
		SELECT compartment_type, compartment_id, member_type, member_id
		FROM compartment_membership
		WHERE member_type = $1 AND member_id = $2`,
		memberType, memberID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []compartment.Membership
	for rows.Next() {
		var m compartment.Membership
		if err := rows.Scan(&m.CompartmentType, &m.CompartmentID, &m.MemberType, &m.MemberID); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (t *tx) ForEachCurrent(ctx context.Context, fn func(*model.Resource) error) error {
	rows, err := t.tx.Query(ctx, `
		SELECT resource_type, id, version_id, content, last_updated
		FROM resource
		WHERE NOT deleted
		ORDER BY resource_type, id`)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		r := &model.Resource{}
		if err := rows.Scan(&r.Type, &r.ID, &r.VersionID, &r.Content, &r.LastUpdated); err != nil {
			return err
		}
		if err := fn(r); err != nil {
			return err
		}
	}
	return rows.Err()
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}
