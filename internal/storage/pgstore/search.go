package pgstore

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/carevault/carevault/internal/index"
	"github.com/carevault/carevault/internal/model"
	"github.com/carevault/carevault/internal/schema"
	"github.com/carevault/carevault/internal/storage"
)

// Search compiles predicate groups to EXISTS subqueries against search_index,
// so the planner's resource-level semantics (AND across groups, OR inside a
// group, :missing and :not at the resource level) map one-to-one onto SQL.

type sqlArgs struct {
	vals []any
}

func (a *sqlArgs) add(v any) string {
	a.vals = append(a.vals, v)
	return fmt.Sprintf("$%d", len(a.vals))
}

// sortTimeExpr renders a timestamptz column as a fixed-width lexically
// sortable key, the backend's cursor encoding.
func sortTimeExpr(col string) string {
	return fmt.Sprintf(`to_char(%s AT TIME ZONE 'UTC', 'YYYY-MM-DD"T"HH24:MI:SS.US"Z"')`, col)
}

// sortNumberExpr offsets the value so lexical order matches numeric order for
// the ranges clinical data uses.
func sortNumberExpr(col string) string {
	return fmt.Sprintf(`to_char(%s + 1000000000000, 'FM0000000000000000.000000')`, col)
}

// sortKeyExpr computes a resource's sort key. Resources without a value for
// the sort parameter get a sentinel that orders after every real key.
func sortKeyExpr(sortSpec storage.SortSpec) string {
	if sortSpec.Param == "" {
		return sortTimeExpr("r.last_updated")
	}
	agg := "min"
	if sortSpec.Desc {
		agg = "max"
	}
	entryKey := fmt.Sprintf(`COALESCE(
		%s,
		CASE WHEN si.has_number THEN %s END,
		NULLIF(si.value_norm, ''),
		NULLIF(si.code, ''),
		si.value_string)`,
		sortTimeExpr("si.date_lo"), sortNumberExpr("si.number"))
	return fmt.Sprintf(`COALESCE((
		SELECT %s(%s) FROM search_index si
		WHERE si.resource_type = r.resource_type AND si.resource_id = r.id AND si.param = %s
	), chr(127))`, agg, entryKey, quoteLiteral(sortSpec.Param))
}

// quoteLiteral embeds a trusted identifier-like string as a SQL literal.
// Parameter names come from the validated plan, never raw user input, but the
// quoting keeps the expression well formed regardless.
func quoteLiteral(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

func (t *tx) SearchCurrent(ctx context.Context, resourceType string, groups []index.Group, sortSpec storage.SortSpec, after *storage.PageCursor, limit int) ([]storage.Hit, error) {
	args := &sqlArgs{}
	where := []string{
		"r.resource_type = " + args.add(resourceType),
		"NOT r.deleted",
	}
	for _, g := range groups {
		pred, err := groupSQL(g, args)
		if err != nil {
			return nil, err
		}
		where = append(where, pred)
	}

	var b strings.Builder
	fmt.Fprintf(&b, `SELECT q.id, q.sort_key FROM (
	SELECT r.id AS id, %s AS sort_key
	FROM resource r
	WHERE %s
) q`, sortKeyExpr(sortSpec), strings.Join(where, " AND "))

	dir, cmp := "ASC", ">"
	if sortSpec.Desc {
		dir, cmp = "DESC", "<"
	}
	if after != nil {
		fmt.Fprintf(&b, "\nWHERE (q.sort_key, q.id) %s (%s, %s)", cmp, args.add(after.Sort), args.add(after.ID))
	}
	fmt.Fprintf(&b, "\nORDER BY q.sort_key %s, q.id %s", dir, dir)
	if limit > 0 {
		fmt.Fprintf(&b, "\nLIMIT %s", args.add(limit))
	}

	rows, err := t.tx.Query(ctx, b.String(), args.vals...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var hits []storage.Hit
	for rows.Next() {
		var h storage.Hit
		if err := rows.Scan(&h.ID, &h.Sort); err != nil {
			return nil, err
		}
		hits = append(hits, h)
	}
	return hits, rows.Err()
}

const entryScope = "si.resource_type = r.resource_type AND si.resource_id = r.id AND si.param = "

func groupSQL(g index.Group, args *sqlArgs) (string, error) {
	scope := entryScope + args.add(g.Param)

	if g.Missing != nil {
		exists := fmt.Sprintf("EXISTS (SELECT 1 FROM search_index si WHERE %s)", scope)
		if *g.Missing {
			return "NOT " + exists, nil
		}
		return exists, nil
	}

	var ors []string
	for _, c := range g.Any {
		cond, err := condSQL(c, args)
		if err != nil {
			return "", err
		}
		ors = append(ors, cond)
	}
	if len(ors) == 0 {
		// A chain that matched nothing: no resource satisfies the group.
		return "FALSE", nil
	}
	pred := fmt.Sprintf("EXISTS (SELECT 1 FROM search_index si WHERE %s AND (%s))", scope, strings.Join(ors, " OR "))
	if g.Negate {
		return "NOT " + pred, nil
	}
	return pred, nil
}

func condSQL(c index.Condition, args *sqlArgs) (string, error) {
	switch c.Kind {
	case schema.KindString:
		switch c.Modifier {
		case index.ModifierExact:
			return "si.value_string = " + args.add(c.Raw), nil
		case index.ModifierContains:
			return fmt.Sprintf("si.value_norm LIKE '%%' || %s || '%%'", args.add(escapeLike(c.Norm))), nil
		default:
			return fmt.Sprintf("si.value_norm LIKE %s || '%%'", args.add(escapeLike(c.Norm))), nil
		}

	case schema.KindURI:
		return "si.value_string = " + args.add(c.Raw), nil

	case schema.KindToken:
		return tokenSQL(c, args), nil

	case schema.KindDate:
		return dateSQL(c, args), nil

	case schema.KindNumber:
		return "si.has_number AND " + numberSQL(c.Prefix, c.Number, args), nil

	case schema.KindQuantity:
		parts := []string{"si.has_number", numberSQL(c.Prefix, c.Number, args)}
		if c.QtySystem != "" {
			parts = append(parts, "si.qty_system = "+args.add(c.QtySystem))
		}
		if c.QtyCode != "" {
			parts = append(parts, "si.qty_code = "+args.add(c.QtyCode))
		}
		return "(" + strings.Join(parts, " AND ") + ")", nil

	case schema.KindReference:
		if c.RefURI != "" {
			return "si.ref_uri = " + args.add(c.RefURI), nil
		}
		if c.RefType != "" {
			return fmt.Sprintf("(si.ref_type = %s AND si.ref_id = %s)", args.add(c.RefType), args.add(c.RefID)), nil
		}
		return "si.ref_id = " + args.add(c.RefID), nil

	case schema.KindComposite:
		var parts []string
		if c.CompToken != nil {
			parts = append(parts, tokenSQL(*c.CompToken, args))
		}
		if c.CompValue != nil {
			parts = append(parts, "si.has_number", numberSQL(c.CompValue.Prefix, c.CompValue.Number, args))
		}
		return "(" + strings.Join(parts, " AND ") + ")", nil
	}
	return "", model.MalformedQueryErr(c.Param, fmt.Sprintf("unsupported parameter kind %q", c.Kind))
}

func tokenSQL(c index.Condition, args *sqlArgs) string {
	if c.SysOnly {
		return "si.system = " + args.add(c.System)
	}
	if c.System != "" {
		return fmt.Sprintf("(si.system = %s AND si.code = %s)", args.add(c.System), args.add(c.Code))
	}
	return "si.code = " + args.add(c.Code)
}

// dateSQL mirrors the interval semantics of the in-memory matcher: the entry
// interval is [date_lo, date_hi), compared against the query interval.
func dateSQL(c index.Condition, args *sqlArgs) string {
	lo, hi := args.add(c.DateLo), args.add(c.DateHi)
	overlap := fmt.Sprintf("(si.date_lo < %s AND si.date_hi > %s)", hi, lo)
	switch c.Prefix {
	case index.PrefixGt:
		return fmt.Sprintf("si.date_hi > %s", hi)
	case index.PrefixLt:
		return fmt.Sprintf("si.date_lo < %s", lo)
	case index.PrefixGe:
		return fmt.Sprintf("(si.date_hi >= %s OR %s)", hi, overlap)
	case index.PrefixLe:
		return fmt.Sprintf("(si.date_lo <= %s OR %s)", lo, overlap)
	case index.PrefixSa:
		return fmt.Sprintf("si.date_lo >= %s", hi)
	case index.PrefixEb:
		return fmt.Sprintf("si.date_hi <= %s", lo)
	case index.PrefixNe:
		return "NOT " + overlap
	case index.PrefixAp:
		const slack = 24 * time.Hour
		apLo, apHi := args.add(c.DateLo.Add(-slack)), args.add(c.DateHi.Add(slack))
		return fmt.Sprintf("(si.date_lo < %s AND si.date_hi > %s)", apHi, apLo)
	default:
		return overlap
	}
}

func numberSQL(p index.Prefix, v float64, args *sqlArgs) string {
	switch p {
	case index.PrefixGt, index.PrefixSa:
		return "si.number > " + args.add(v)
	case index.PrefixLt, index.PrefixEb:
		return "si.number < " + args.add(v)
	case index.PrefixGe:
		return "si.number >= " + args.add(v)
	case index.PrefixLe:
		return "si.number <= " + args.add(v)
	case index.PrefixNe:
		return "si.number <> " + args.add(v)
	case index.PrefixAp:
		slack := v * 0.1
		if slack < 0 {
			slack = -slack
		}
		return fmt.Sprintf("si.number BETWEEN %s AND %s", args.add(v-slack), args.add(v+slack))
	default:
		return "si.number = " + args.add(v)
	}
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}

func (t *tx) ScanCompartment(ctx context.Context, compartmentType, compartmentID string, since time.Time, after *storage.CompartmentCursor, limit int) ([]*model.Resource, error) {
	args := &sqlArgs{}
	where := []string{
		"m.compartment_type = " + args.add(compartmentType),
		"m.compartment_id = " + args.add(compartmentID),
		"NOT r.deleted",
	}
	if !since.IsZero() {
		where = append(where, "r.last_updated >= "+args.add(since))
	}
	if after != nil {
		where = append(where, fmt.Sprintf("(r.resource_type, r.last_updated, r.id) > (%s, %s, %s)",
			args.add(after.Type), args.add(after.LastUpdated), args.add(after.ID)))
	}

	query := fmt.Sprintf(`
		SELECT r.resource_type, r.id, r.version_id, r.content, r.last_updated
		FROM compartment_membership m
		JOIN resource r ON r.resource_type = m.member_type AND r.id = m.member_id
		WHERE %s
		ORDER BY r.resource_type, r.last_updated, r.id`, strings.Join(where, " AND "))
	if limit > 0 {
		query += "\nLIMIT " + args.add(limit)
	}

	rows, err := t.tx.Query(ctx, query, args.vals...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*model.Resource
	for rows.Next() {
		r := &model.Resource{}
		if err := rows.Scan(&r.Type, &r.ID, &r.VersionID, &r.Content, &r.LastUpdated); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
