package store

import (
	"context"
	"sync"
)

// CommitObserver sees every committed mutation, in commit order. The
// changefeed hub is the one real implementation.
type CommitObserver interface {
	Committed(table string, row Row)
}

// MemStore is an in-memory Store used by tests and by local development
// without PostgreSQL. All operations are guarded by one mutex; commit order
// observed by the observer is the mutex acquisition order.
type MemStore struct {
	mu       sync.Mutex
	tables   map[string][]Row
	observer CommitObserver
}

func NewMem() *MemStore {
	return &MemStore{tables: make(map[string][]Row)}
}

// SetObserver wires commit notifications. Must be called before traffic.
func (m *MemStore) SetObserver(obs CommitObserver) {
	m.observer = obs
}

// Seed inserts a row without commit notification. Test setup only.
func (m *MemStore) Seed(table string, row Row) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tables[table] = append(m.tables[table], row.Clone())
}

func (m *MemStore) Select(ctx context.Context, sel Selection) ([]Row, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []Row
	for _, row := range m.tables[sel.Table] {
		if !Matches(row, sel.Conds) {
			continue
		}
		if len(sel.Fields) > 0 {
			out = append(out, row.Pick(sel.Fields))
		} else {
			out = append(out, row.Clone())
		}
	}
	SortRows(out, sel.OrderBy, sel.Descending)
	if sel.Limit > 0 && len(out) > sel.Limit {
		out = out[:sel.Limit]
	}
	return out, nil
}

func (m *MemStore) GetByKey(ctx context.Context, table string, key Row) (Row, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, row := range m.tables[table] {
		if rowHasKey(row, key) {
			return row.Clone(), nil
		}
	}
	return nil, nil
}

func (m *MemStore) Upsert(ctx context.Context, table string, keyFields []string, row Row) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	key := row.Pick(keyFields)
	var stored Row
	for i, existing := range m.tables[table] {
		if rowHasKey(existing, key) {
			merged := existing.Clone()
			for k, v := range row {
				merged[k] = v
			}
			m.tables[table][i] = merged
			stored = merged
			break
		}
	}
	if stored == nil {
		stored = row.Clone()
		m.tables[table] = append(m.tables[table], stored)
	}
	notify := stored.Clone()
	obs := m.observer
	m.mu.Unlock()

	if obs != nil {
		obs.Committed(table, notify)
	}
	return nil
}

func (m *MemStore) InsertIfAbsent(ctx context.Context, table string, absent []Cond, row Row) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	m.mu.Lock()
	for _, existing := range m.tables[table] {
		if Matches(existing, absent) {
			m.mu.Unlock()
			return false, nil
		}
	}
	stored := row.Clone()
	m.tables[table] = append(m.tables[table], stored)
	notify := stored.Clone()
	obs := m.observer
	m.mu.Unlock()

	if obs != nil {
		obs.Committed(table, notify)
	}
	return true, nil
}

func (m *MemStore) UpdateWhere(ctx context.Context, table string, match []Cond, set Row) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	m.mu.Lock()
	var changed []Row
	for i, existing := range m.tables[table] {
		if !Matches(existing, match) {
			continue
		}
		merged := existing.Clone()
		for k, v := range set {
			merged[k] = v
		}
		m.tables[table][i] = merged
		changed = append(changed, merged.Clone())
	}
	obs := m.observer
	m.mu.Unlock()

	if obs != nil {
		for _, row := range changed {
			obs.Committed(table, row)
		}
	}
	return len(changed), nil
}

// Rows returns a snapshot of a table. Test assertions only.
func (m *MemStore) Rows(table string) []Row {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Row, 0, len(m.tables[table]))
	for _, row := range m.tables[table] {
		out = append(out, row.Clone())
	}
	return out
}

func rowHasKey(row Row, key Row) bool {
	for k, v := range key {
		if !equalValue(row[k], v) {
			return false
		}
	}
	return len(key) > 0
}
