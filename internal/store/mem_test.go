package store

import (
	"context"
	"testing"
	"time"
)

type recordingObserver struct {
	commits []string
}

func (o *recordingObserver) Committed(table string, row Row) {
	o.commits = append(o.commits, table+"/"+KeyString([]string{"id"}, row))
}

func TestMemStore_UpsertAndSelect(t *testing.T) {
	m := NewMem()
	ctx := context.Background()

	if err := m.Upsert(ctx, "projects", []string{"project_id"}, Row{"project_id": "p1", "title": "one"}); err != nil {
		t.Fatalf("err=%v", err)
	}
	if err := m.Upsert(ctx, "projects", []string{"project_id"}, Row{"project_id": "p1", "title": "renamed"}); err != nil {
		t.Fatalf("err=%v", err)
	}
	if err := m.Upsert(ctx, "projects", []string{"project_id"}, Row{"project_id": "p2", "title": "two"}); err != nil {
		t.Fatalf("err=%v", err)
	}

	rows, err := m.Select(ctx, Selection{Table: "projects", Fields: []string{"title"}, Conds: []Cond{{Field: "project_id", Op: OpEq, Value: "p1"}}})
	if err != nil {
		t.Fatalf("err=%v", err)
	}
	if len(rows) != 1 || rows[0]["title"] != "renamed" {
		t.Fatalf("rows=%v", rows)
	}
}

func TestMemStore_SelectOrderLimit(t *testing.T) {
	m := NewMem()
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	for i, id := range []string{"a", "b", "c"} {
		m.Seed("events", Row{"id": id, "time": base.Add(time.Duration(i) * time.Hour)})
	}

	rows, err := m.Select(ctx, Selection{Table: "events", OrderBy: "time", Descending: true, Limit: 2})
	if err != nil {
		t.Fatalf("err=%v", err)
	}
	if len(rows) != 2 || rows[0]["id"] != "c" || rows[1]["id"] != "b" {
		t.Fatalf("rows=%v", rows)
	}
}

func TestMemStore_InsertIfAbsent(t *testing.T) {
	m := NewMem()
	ctx := context.Background()
	absent := []Cond{
		{Field: "entity_id", Op: OpEq, Value: "e1"},
		{Field: "stop", Op: OpIsNull},
	}

	ok, err := m.InsertIfAbsent(ctx, "usage_intervals", absent, Row{"id": "u1", "entity_id": "e1", "start": time.Now()})
	if err != nil {
		t.Fatalf("err=%v", err)
	}
	if !ok {
		t.Fatal("expected insert")
	}
	ok, err = m.InsertIfAbsent(ctx, "usage_intervals", absent, Row{"id": "u2", "entity_id": "e1", "start": time.Now()})
	if err != nil {
		t.Fatalf("err=%v", err)
	}
	if ok {
		t.Fatal("expected gate to hold")
	}
	if got := len(m.Rows("usage_intervals")); got != 1 {
		t.Fatalf("rows=%d", got)
	}
}

func TestMemStore_UpdateWhere(t *testing.T) {
	m := NewMem()
	ctx := context.Background()
	m.Seed("usage_intervals", Row{"id": "u1", "entity_id": "e1", "stop": nil})
	m.Seed("usage_intervals", Row{"id": "u2", "entity_id": "e2", "stop": nil})

	stop := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	n, err := m.UpdateWhere(ctx, "usage_intervals", []Cond{{Field: "entity_id", Op: OpEq, Value: "e1"}, {Field: "stop", Op: OpIsNull}}, Row{"stop": stop})
	if err != nil {
		t.Fatalf("err=%v", err)
	}
	if n != 1 {
		t.Fatalf("n=%d", n)
	}
	n, err = m.UpdateWhere(ctx, "usage_intervals", []Cond{{Field: "entity_id", Op: OpEq, Value: "e1"}, {Field: "stop", Op: OpIsNull}}, Row{"stop": stop})
	if err != nil {
		t.Fatalf("err=%v", err)
	}
	if n != 0 {
		t.Fatalf("re-run wrote %d rows", n)
	}
}

func TestMemStore_CommitOrder(t *testing.T) {
	m := NewMem()
	obs := &recordingObserver{}
	m.SetObserver(obs)
	ctx := context.Background()

	_ = m.Upsert(ctx, "t", []string{"id"}, Row{"id": "1"})
	_ = m.Upsert(ctx, "t", []string{"id"}, Row{"id": "2"})
	_, _ = m.InsertIfAbsent(ctx, "t", []Cond{{Field: "id", Op: OpEq, Value: "3"}}, Row{"id": "3"})

	want := []string{"t/1", "t/2", "t/3"}
	if len(obs.commits) != len(want) {
		t.Fatalf("commits=%v", obs.commits)
	}
	for i := range want {
		if obs.commits[i] != want[i] {
			t.Fatalf("commits=%v", obs.commits)
		}
	}
}

func TestMatches(t *testing.T) {
	now := time.Now()
	row := Row{"state": "running", "last_edited": now, "count": 3, "stop": nil}

	cases := []struct {
		name string
		cond Cond
		want bool
	}{
		{"eq hit", Cond{Field: "state", Op: OpEq, Value: "running"}, true},
		{"eq miss", Cond{Field: "state", Op: OpEq, Value: "opened"}, false},
		{"neq", Cond{Field: "state", Op: OpNotEq, Value: "opened"}, true},
		{"gte time", Cond{Field: "last_edited", Op: OpGTE, Value: now.Add(-time.Hour)}, true},
		{"gte time miss", Cond{Field: "last_edited", Op: OpGTE, Value: now.Add(time.Hour)}, false},
		{"lte int", Cond{Field: "count", Op: OpLTE, Value: 5}, true},
		{"in", Cond{Field: "state", Op: OpIn, Value: []any{"opened", "running"}}, true},
		{"is null", Cond{Field: "stop", Op: OpIsNull}, true},
		{"is null missing field", Cond{Field: "absent", Op: OpIsNull}, true},
		{"not null", Cond{Field: "stop", Op: OpNotNull}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := Matches(row, []Cond{tc.cond}); got != tc.want {
				t.Fatalf("got=%v", got)
			}
		})
	}
}
