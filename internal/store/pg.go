package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/calderahq/tablegate/pkg/httperr"
)

type pgQuerier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// PGStore executes Selections and conditional writes against PostgreSQL.
// Every statement is a single round trip; no multi-statement transactions.
type PGStore struct {
	pool     pgQuerier
	observer CommitObserver
}

func NewPG(pool *pgxpool.Pool) *PGStore {
	return &PGStore{pool: pool}
}

func newPGWithQuerier(pool pgQuerier) *PGStore {
	return &PGStore{pool: pool}
}

func (s *PGStore) SetObserver(obs CommitObserver) {
	s.observer = obs
}

func (s *PGStore) Select(ctx context.Context, sel Selection) ([]Row, error) {
	sql, args := buildSelect(sel)
	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, classifyPG(err)
	}
	defer rows.Close()
	out, err := collectRows(rows)
	if err != nil {
		return nil, classifyPG(err)
	}
	return out, nil
}

func (s *PGStore) GetByKey(ctx context.Context, table string, key Row) (Row, error) {
	conds := make([]Cond, 0, len(key))
	for _, f := range sortedFields(key) {
		conds = append(conds, Cond{Field: f, Op: OpEq, Value: key[f]})
	}
	got, err := s.Select(ctx, Selection{Table: table, Conds: conds, Limit: 1})
	if err != nil {
		return nil, err
	}
	if len(got) == 0 {
		return nil, nil
	}
	return got[0], nil
}

func (s *PGStore) Upsert(ctx context.Context, table string, keyFields []string, row Row) error {
	fields := sortedFields(row)
	cols := make([]string, len(fields))
	params := make([]string, len(fields))
	args := make([]any, len(fields))
	for i, f := range fields {
		cols[i] = quoteIdent(f)
		params[i] = fmt.Sprintf("$%d", i+1)
		args[i] = row[f]
	}

	keySet := make(map[string]bool, len(keyFields))
	keyCols := make([]string, len(keyFields))
	for i, f := range keyFields {
		keySet[f] = true
		keyCols[i] = quoteIdent(f)
	}
	var updates []string
	for _, f := range fields {
		if keySet[f] {
			continue
		}
		updates = append(updates, fmt.Sprintf("%s = EXCLUDED.%s", quoteIdent(f), quoteIdent(f)))
	}

	var b strings.Builder
	fmt.Fprintf(&b, "INSERT INTO %s (%s) VALUES (%s)", quoteIdent(table), strings.Join(cols, ", "), strings.Join(params, ", "))
	if len(updates) == 0 {
		fmt.Fprintf(&b, " ON CONFLICT (%s) DO NOTHING", strings.Join(keyCols, ", "))
	} else {
		fmt.Fprintf(&b, " ON CONFLICT (%s) DO UPDATE SET %s", strings.Join(keyCols, ", "), strings.Join(updates, ", "))
	}
	// RETURNING the full row so observers see the stored state, not just
	// the columns this write touched. Feed predicates depend on that.
	b.WriteString(" RETURNING *")

	rows, err := s.pool.Query(ctx, b.String(), args...)
	if err != nil {
		return classifyPG(err)
	}
	stored, err := collectRows(rows)
	rows.Close()
	if err != nil {
		return classifyPG(err)
	}
	// DO NOTHING on conflict returns no row; nothing changed, no commit
	// to announce.
	if s.observer != nil && len(stored) == 1 {
		s.observer.Committed(table, stored[0])
	}
	return nil
}

func (s *PGStore) InsertIfAbsent(ctx context.Context, table string, absent []Cond, row Row) (bool, error) {
	fields := sortedFields(row)
	cols := make([]string, len(fields))
	params := make([]string, len(fields))
	args := make([]any, 0, len(fields)+len(absent))
	for i, f := range fields {
		cols[i] = quoteIdent(f)
		params[i] = fmt.Sprintf("$%d", i+1)
		args = append(args, row[f])
	}
	where, args := buildConds(absent, args)

	sql := fmt.Sprintf(
		"INSERT INTO %s (%s) SELECT %s WHERE NOT EXISTS (SELECT 1 FROM %s WHERE %s)",
		quoteIdent(table), strings.Join(cols, ", "), strings.Join(params, ", "), quoteIdent(table), where,
	)
	tag, err := s.pool.Exec(ctx, sql, args...)
	if err != nil {
		return false, classifyPG(err)
	}
	inserted := tag.RowsAffected() > 0
	if inserted && s.observer != nil {
		s.observer.Committed(table, row.Clone())
	}
	return inserted, nil
}

func (s *PGStore) UpdateWhere(ctx context.Context, table string, match []Cond, set Row) (int, error) {
	fields := sortedFields(set)
	assigns := make([]string, len(fields))
	args := make([]any, 0, len(fields)+len(match))
	for i, f := range fields {
		assigns[i] = fmt.Sprintf("%s = $%d", quoteIdent(f), i+1)
		args = append(args, set[f])
	}
	where, args := buildConds(match, args)

	sql := fmt.Sprintf("UPDATE %s SET %s WHERE %s", quoteIdent(table), strings.Join(assigns, ", "), where)
	tag, err := s.pool.Exec(ctx, sql, args...)
	if err != nil {
		return 0, classifyPG(err)
	}
	return int(tag.RowsAffected()), nil
}

func buildSelect(sel Selection) (string, []any) {
	proj := "*"
	if len(sel.Fields) > 0 {
		cols := make([]string, len(sel.Fields))
		for i, f := range sel.Fields {
			cols[i] = quoteIdent(f)
		}
		proj = strings.Join(cols, ", ")
	}

	var b strings.Builder
	fmt.Fprintf(&b, "SELECT %s FROM %s", proj, quoteIdent(sel.Table))
	var args []any
	if len(sel.Conds) > 0 {
		var where string
		where, args = buildConds(sel.Conds, nil)
		fmt.Fprintf(&b, " WHERE %s", where)
	}
	if sel.OrderBy != "" {
		fmt.Fprintf(&b, " ORDER BY %s", quoteIdent(sel.OrderBy))
		if sel.Descending {
			b.WriteString(" DESC")
		}
	}
	if sel.Limit > 0 {
		fmt.Fprintf(&b, " LIMIT %d", sel.Limit)
	}
	return b.String(), args
}

// buildConds renders conds as an AND-joined fragment, appending bind args.
func buildConds(conds []Cond, args []any) (string, []any) {
	if len(conds) == 0 {
		return "TRUE", args
	}
	parts := make([]string, 0, len(conds))
	for _, c := range conds {
		col := quoteIdent(c.Field)
		switch c.Op {
		case OpIsNull:
			parts = append(parts, col+" IS NULL")
		case OpNotNull:
			parts = append(parts, col+" IS NOT NULL")
		case OpIn:
			args = append(args, inValues(c.Value))
			parts = append(parts, fmt.Sprintf("%s = ANY($%d)", col, len(args)))
		case OpHasKey:
			args = append(args, fmt.Sprintf("%v", c.Value))
			parts = append(parts, fmt.Sprintf("%s ? $%d", col, len(args)))
		case OpEq:
			args = append(args, c.Value)
			parts = append(parts, fmt.Sprintf("%s = $%d", col, len(args)))
		case OpNotEq:
			args = append(args, c.Value)
			parts = append(parts, fmt.Sprintf("%s != $%d", col, len(args)))
		case OpGTE:
			args = append(args, c.Value)
			parts = append(parts, fmt.Sprintf("%s >= $%d", col, len(args)))
		case OpLTE:
			args = append(args, c.Value)
			parts = append(parts, fmt.Sprintf("%s <= $%d", col, len(args)))
		}
	}
	return strings.Join(parts, " AND "), args
}

func collectRows(rows pgx.Rows) ([]Row, error) {
	var out []Row
	descs := rows.FieldDescriptions()
	for rows.Next() {
		values, err := rows.Values()
		if err != nil {
			return nil, err
		}
		row := make(Row, len(descs))
		for i, d := range descs {
			row[d.Name] = values[i]
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

// classifyPG maps driver failures onto the engine's storage taxonomy. A
// cancelled statement (57014) and a context deadline both count as timeouts.
func classifyPG(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return httperr.NewStorage(err, true)
	}
	if pgErr, ok := errors.AsType[*pgconn.PgError](err); ok && pgErr.Code == "57014" {
		return httperr.NewStorage(err, true)
	}
	return httperr.NewStorage(err, false)
}

func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

func sortedFields(row Row) []string {
	fields := make([]string, 0, len(row))
	for f := range row {
		fields = append(fields, f)
	}
	sort.Strings(fields)
	return fields
}
