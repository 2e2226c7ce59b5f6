package store

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"
)

// Row is a partial record keyed by field name.
type Row map[string]any

func (r Row) Clone() Row {
	out := make(Row, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// Pick returns a copy of r restricted to the given fields.
func (r Row) Pick(fields []string) Row {
	out := make(Row, len(fields))
	for _, f := range fields {
		if v, ok := r[f]; ok {
			out[f] = v
		}
	}
	return out
}

type CondOp string

const (
	OpEq      CondOp = "eq"
	OpNotEq   CondOp = "neq"
	OpGTE     CondOp = "gte"
	OpLTE     CondOp = "lte"
	OpIn      CondOp = "in"
	OpIsNull  CondOp = "is_null"
	OpNotNull CondOp = "not_null"

	// OpHasKey matches map-typed columns containing the given key
	// (jsonb `?` on postgres).
	OpHasKey CondOp = "has_key"
)

// Cond is one conjunct of a row predicate. Values are concrete: anything
// relative (recency windows, caller-derived sets) is resolved before the
// condition reaches the store.
type Cond struct {
	Field string
	Op    CondOp
	Value any
}

// Selection is an executable read: table, projected fields, conjoined
// conditions and paging. It carries no authorization logic; by the time a
// Selection exists the field set and conditions are already restricted.
type Selection struct {
	Table      string
	Fields     []string
	Conds      []Cond
	OrderBy    string
	Descending bool
	Limit      int
}

// Store is the relational backing for the engine. Implementations provide
// row-level atomic writes; no multi-statement transaction is assumed.
type Store interface {
	Select(ctx context.Context, sel Selection) ([]Row, error)

	// GetByKey reads one row by primary-key values, all fields.
	GetByKey(ctx context.Context, table string, key Row) (Row, error)

	// Upsert writes row keyed by the primary-key columns in key.
	Upsert(ctx context.Context, table string, keyFields []string, row Row) error

	// InsertIfAbsent inserts row only when no row matches the given
	// conditions. Reports whether a row was written.
	InsertIfAbsent(ctx context.Context, table string, absent []Cond, row Row) (bool, error)

	// UpdateWhere applies set to every row matching the conditions and
	// reports how many rows changed.
	UpdateWhere(ctx context.Context, table string, match []Cond, set Row) (int, error)
}

// Matches evaluates conds against a row in memory. Shared by the in-memory
// store and the changefeed predicate path.
func Matches(row Row, conds []Cond) bool {
	for _, c := range conds {
		if !matchCond(row, c) {
			return false
		}
	}
	return true
}

func matchCond(row Row, c Cond) bool {
	v, ok := row[c.Field]
	switch c.Op {
	case OpIsNull:
		return !ok || v == nil
	case OpNotNull:
		return ok && v != nil
	case OpIn:
		if !ok {
			return false
		}
		for _, want := range inValues(c.Value) {
			if equalValue(v, want) {
				return true
			}
		}
		return false
	case OpHasKey:
		if !ok {
			return false
		}
		key := fmt.Sprintf("%v", c.Value)
		switch m := v.(type) {
		case map[string]any:
			_, has := m[key]
			return has
		case Row:
			_, has := m[key]
			return has
		}
		return false
	case OpEq:
		return ok && equalValue(v, c.Value)
	case OpNotEq:
		return ok && !equalValue(v, c.Value)
	case OpGTE:
		cmp, defined := compareValue(v, c.Value)
		return defined && cmp >= 0
	case OpLTE:
		cmp, defined := compareValue(v, c.Value)
		return defined && cmp <= 0
	}
	return false
}

func inValues(v any) []any {
	switch vs := v.(type) {
	case []any:
		return vs
	case []string:
		out := make([]any, len(vs))
		for i, s := range vs {
			out[i] = s
		}
		return out
	default:
		return []any{v}
	}
}

func equalValue(a, b any) bool {
	if at, ok := a.(time.Time); ok {
		bt, ok := b.(time.Time)
		return ok && at.Equal(bt)
	}
	if cmp, defined := compareNumeric(a, b); defined {
		return cmp == 0
	}
	return fmt.Sprintf("%v", a) == fmt.Sprintf("%v", b)
}

// compareValue returns -1/0/1 and whether the pair is orderable.
func compareValue(a, b any) (int, bool) {
	if at, ok := a.(time.Time); ok {
		bt, ok := b.(time.Time)
		if !ok {
			return 0, false
		}
		switch {
		case at.Before(bt):
			return -1, true
		case at.After(bt):
			return 1, true
		default:
			return 0, true
		}
	}
	if cmp, defined := compareNumeric(a, b); defined {
		return cmp, true
	}
	as, aok := a.(string)
	bs, bok := b.(string)
	if aok && bok {
		return strings.Compare(as, bs), true
	}
	return 0, false
}

func compareNumeric(a, b any) (int, bool) {
	af, aok := toFloat(a)
	bf, bok := toFloat(b)
	if !aok || !bok {
		return 0, false
	}
	switch {
	case af < bf:
		return -1, true
	case af > bf:
		return 1, true
	default:
		return 0, true
	}
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	default:
		return 0, false
	}
}

// KeyString canonicalizes primary-key values for map keys and logs.
func KeyString(keyFields []string, row Row) string {
	parts := make([]string, len(keyFields))
	for i, f := range keyFields {
		parts[i] = fmt.Sprintf("%v", row[f])
	}
	return strings.Join(parts, "\x1f")
}

// SortRows orders rows by a field, descending optional. Nil values sort last.
func SortRows(rows []Row, field string, descending bool) {
	if field == "" {
		return
	}
	sort.SliceStable(rows, func(i, j int) bool {
		vi, iok := rows[i][field]
		vj, jok := rows[j][field]
		if !iok || vi == nil {
			return false
		}
		if !jok || vj == nil {
			return true
		}
		cmp, defined := compareValue(vi, vj)
		if !defined {
			return false
		}
		if descending {
			return cmp > 0
		}
		return cmp < 0
	})
}
