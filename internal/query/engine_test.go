package query

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"testing"
	"time"

	"github.com/calderahq/tablegate/internal/schema"
	"github.com/calderahq/tablegate/internal/store"
	"github.com/calderahq/tablegate/pkg/httperr"
)

var (
	alice = schema.Caller{AccountID: "00000000-0000-0000-0000-00000000000a"}
	bob   = schema.Caller{AccountID: "00000000-0000-0000-0000-00000000000b"}
	root  = schema.Caller{AccountID: "00000000-0000-0000-0000-0000000000ad", Admin: true}
)

func testClock() time.Time {
	return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
}

func newTestEngine(t *testing.T) (*Engine, *store.MemStore) {
	t.Helper()
	reg, err := schema.Load(schema.Builtin(), NewHooks(testClock))
	if err != nil {
		t.Fatalf("err=%v", err)
	}
	st := store.NewMem()
	e := NewEngine(reg, st)
	e.now = testClock
	return e, st
}

func seedProjects(st *store.MemStore) {
	now := testClock()
	st.Seed(schema.TableProjects, store.Row{
		"project_id":  "p1",
		"title":       "fresh",
		"users":       map[string]any{alice.AccountID: map[string]any{"group": "owner"}},
		"last_edited": now.Add(-time.Hour),
	})
	st.Seed(schema.TableProjects, store.Row{
		"project_id":  "p2",
		"title":       "stale",
		"users":       map[string]any{alice.AccountID: map[string]any{"group": "owner"}},
		"last_edited": now.Add(-20 * 24 * time.Hour),
	})
	st.Seed(schema.TableProjects, store.Row{
		"project_id":  "p3",
		"title":       "not mine",
		"users":       map[string]any{bob.AccountID: map[string]any{"group": "owner"}},
		"last_edited": now.Add(-time.Hour),
	})
}

func TestGet_ProjectsRestrictedToCollaborator(t *testing.T) {
	e, st := newTestEngine(t)
	seedProjects(st)

	rows, err := e.Get(context.Background(), alice, Request{Table: "projects", Multi: true})
	if err != nil {
		t.Fatalf("err=%v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("rows=%d, want only the recent project alice is on", len(rows))
	}
	row := rows[0]
	if row["project_id"] != "p1" {
		t.Fatalf("row=%v", row)
	}
	// Fields are exactly the declared set, defaults filled.
	if _, ok := row["settings"]; !ok {
		t.Fatal("settings default not filled")
	}
	settings := row["settings"].(map[string]any)
	if settings["cores"] != 1 {
		t.Fatalf("settings=%v", settings)
	}
	if row["description"] != "" {
		t.Fatalf("description default=%v", row["description"])
	}
}

func TestGet_VirtualDropsRecencyWindow(t *testing.T) {
	e, st := newTestEngine(t)
	seedProjects(st)

	rows, err := e.Get(context.Background(), alice, Request{Table: "projects_all", Multi: true})
	if err != nil {
		t.Fatalf("err=%v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("rows=%d, want both of alice's projects", len(rows))
	}
}

func TestGet_VirtualSubsetLeaksNothing(t *testing.T) {
	e, st := newTestEngine(t)
	seedProjects(st)
	st.Seed(schema.TablePublicPaths, store.Row{
		"id": "abc", "project_id": "p1", "path": "readme.md",
	})

	anon := schema.Caller{}
	rows, err := e.Get(context.Background(), anon, Request{
		Table: "public_projects",
		Query: store.Row{"project_id": "p1"},
	})
	if err != nil {
		t.Fatalf("err=%v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("rows=%d", len(rows))
	}
	if _, ok := rows[0]["users"]; ok {
		t.Fatal("restricted view exposed the users map")
	}
	if rows[0]["title"] != "fresh" {
		t.Fatalf("row=%v", rows[0])
	}

	// Apply the same query to a project with no public path.
	_, err = e.Get(context.Background(), anon, Request{
		Table: "public_projects",
		Query: store.Row{"project_id": "p3"},
	})
	if httperr.Code(err) != httperr.CodeDenied {
		t.Fatalf("err=%v, want denied", err)
	}
}

func TestGet_DeniedReasons(t *testing.T) {
	e, st := newTestEngine(t)
	seedProjects(st)

	cases := []struct {
		name   string
		caller schema.Caller
		req    Request
		code   string
	}{
		{"unknown table", alice, Request{Table: "ghosts"}, httperr.CodeUnknownTable},
		{"no get on access_log", alice, Request{Table: "access_log"}, httperr.CodeDenied},
		{"identity required", schema.Caller{}, Request{Table: "projects"}, httperr.CodeIdentityRequired},
		{"admin required", alice, Request{Table: "usage_intervals"}, httperr.CodeAdminRequired},
		{"bind missing", root, Request{Table: "projects_admin"}, httperr.CodeContextMissing},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := e.Get(context.Background(), tc.caller, tc.req)
			if httperr.Code(err) != tc.code {
				t.Fatalf("err=%v, want code %q", err, tc.code)
			}
		})
	}
}

func TestGet_UnknownFilterDroppedSilently(t *testing.T) {
	e, st := newTestEngine(t)
	seedProjects(st)

	rows, err := e.Get(context.Background(), alice, Request{
		Table: "projects",
		Query: store.Row{"no_such_field": "x"},
		Multi: true,
	})
	if err != nil {
		t.Fatalf("err=%v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("rows=%d", len(rows))
	}
}

func TestGet_SingleRecordLimit(t *testing.T) {
	e, st := newTestEngine(t)
	seedProjects(st)

	rows, err := e.Get(context.Background(), alice, Request{Table: "projects_all"})
	if err != nil {
		t.Fatalf("err=%v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("rows=%d, want 1 for a non-multi get", len(rows))
	}
	// Ordered by last_edited descending, so the fresh project wins.
	if rows[0]["project_id"] != "p1" {
		t.Fatalf("row=%v", rows[0])
	}
}

func TestSet_FieldRules(t *testing.T) {
	e, st := newTestEngine(t)
	seedProjects(st)

	cases := []struct {
		name string
		req  Request
		code string
	}{
		{"unruled field", Request{Table: "projects", Query: store.Row{"project_id": "p1", "created": testClock()}}, httperr.CodeFieldNotAllowed},
		{"forbidden field", Request{Table: "projects", Query: store.Row{"project_id": "p1", "state": "running"}}, httperr.CodeFieldNotAllowed},
		{"required missing", Request{Table: "projects", Query: store.Row{"title": "no key"}}, httperr.CodeRequiredMissing},
		{"not a collaborator", Request{Table: "projects", Query: store.Row{"project_id": "p3", "title": "theft"}}, httperr.CodeDenied},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := e.Set(context.Background(), alice, tc.req)
			if httperr.Code(err) != tc.code {
				t.Fatalf("err=%v, want code %q", err, tc.code)
			}
		})
	}
}

func TestSet_CallerDerivedOverwritesSpoof(t *testing.T) {
	e, st := newTestEngine(t)

	echo, err := e.Set(context.Background(), alice, Request{
		Table: "accounts",
		Query: store.Row{"account_id": bob.AccountID, "first_name": "Alice"},
	})
	if err != nil {
		t.Fatalf("err=%v", err)
	}
	if echo["account_id"] != alice.AccountID {
		t.Fatalf("echo=%v", echo)
	}
	rows := st.Rows(schema.TableAccounts)
	if len(rows) != 1 || rows[0]["account_id"] != alice.AccountID {
		t.Fatalf("rows=%v", rows)
	}
}

func TestSet_ComputedKeyEchoed(t *testing.T) {
	e, st := newTestEngine(t)
	seedProjects(st)

	echo, err := e.Set(context.Background(), alice, Request{
		Table: "public_paths",
		Query: store.Row{"project_id": "p1", "path": "a/b.md"},
	})
	if err != nil {
		t.Fatalf("err=%v", err)
	}
	sum := sha1.Sum([]byte("p1" + "a/b.md"))
	want := hex.EncodeToString(sum[:])
	if echo["id"] != want {
		t.Fatalf("echo id=%v, want %v", echo["id"], want)
	}

	// Same path again hits the same row.
	if _, err := e.Set(context.Background(), alice, Request{
		Table: "public_paths",
		Query: store.Row{"project_id": "p1", "path": "a/b.md", "description": "again"},
	}); err != nil {
		t.Fatalf("err=%v", err)
	}
	if got := len(st.Rows(schema.TablePublicPaths)); got != 1 {
		t.Fatalf("rows=%d", got)
	}
}

func TestSet_ProjectTouchAndAccessLog(t *testing.T) {
	e, st := newTestEngine(t)
	seedProjects(st)

	_, err := e.Set(context.Background(), alice, Request{
		Table: "projects",
		Query: store.Row{"project_id": "p1", "title": "renamed"},
	})
	if err != nil {
		t.Fatalf("err=%v", err)
	}

	row, err := st.GetByKey(context.Background(), schema.TableProjects, store.Row{"project_id": "p1"})
	if err != nil {
		t.Fatalf("err=%v", err)
	}
	if row["title"] != "renamed" {
		t.Fatalf("row=%v", row)
	}
	if !row["last_edited"].(time.Time).Equal(testClock()) {
		t.Fatalf("last_edited=%v", row["last_edited"])
	}
	// The caller stays on the users map even though the request omitted it.
	users := row["users"].(map[string]any)
	if _, ok := users[alice.AccountID]; !ok {
		t.Fatalf("users=%v", users)
	}

	logs := st.Rows(schema.TableAccessLog)
	if len(logs) != 1 || logs[0]["account_id"] != alice.AccountID {
		t.Fatalf("access log=%v", logs)
	}
}

func TestSet_BeforeHookAborts(t *testing.T) {
	e, st := newTestEngine(t)
	seedProjects(st)

	long := make([]byte, maxTitleLen+1)
	for i := range long {
		long[i] = 'x'
	}
	_, err := e.Set(context.Background(), alice, Request{
		Table: "projects",
		Query: store.Row{"project_id": "p1", "title": string(long)},
	})
	if httperr.Code(err) != httperr.CodeMalformed {
		t.Fatalf("err=%v", err)
	}
	row, _ := st.GetByKey(context.Background(), schema.TableProjects, store.Row{"project_id": "p1"})
	if row["title"] != "fresh" {
		t.Fatalf("aborted write still landed: %v", row)
	}
}

func TestBlobs_ContentAddressed(t *testing.T) {
	e, st := newTestEngine(t)
	seedProjects(st)

	content := "aGVsbG8="
	sum := sha1.Sum([]byte(content))
	id := hex.EncodeToString(sum[:])

	_, err := e.Set(context.Background(), alice, Request{
		Table: "blobs",
		Query: store.Row{"id": "wrong", "blob": content, "project_id": "p1"},
	})
	if httperr.Code(err) != httperr.CodeMalformed {
		t.Fatalf("err=%v, want malformed for a bad id", err)
	}

	echo, err := e.Set(context.Background(), alice, Request{
		Table: "blobs",
		Query: store.Row{"id": id, "blob": content, "project_id": "p1"},
	})
	if err != nil {
		t.Fatalf("err=%v", err)
	}
	if echo["id"] != id {
		t.Fatalf("echo=%v", echo)
	}

	rows, err := e.Get(context.Background(), alice, Request{
		Table: "blobs",
		Query: store.Row{"id": id},
	})
	if err != nil {
		t.Fatalf("err=%v", err)
	}
	if len(rows) != 1 || rows[0]["blob"] != content {
		t.Fatalf("rows=%v", rows)
	}
}

func TestGet_Collaborators(t *testing.T) {
	e, st := newTestEngine(t)
	now := testClock()
	st.Seed(schema.TableProjects, store.Row{
		"project_id": "shared",
		"users": map[string]any{
			alice.AccountID: map[string]any{"group": "owner"},
			bob.AccountID:   map[string]any{"group": "collaborator"},
		},
		"last_edited": now,
	})
	st.Seed(schema.TableAccounts, store.Row{"account_id": alice.AccountID, "first_name": "Alice"})
	st.Seed(schema.TableAccounts, store.Row{"account_id": bob.AccountID, "first_name": "Bob"})
	st.Seed(schema.TableAccounts, store.Row{"account_id": "stranger", "first_name": "Nobody"})

	rows, err := e.Get(context.Background(), alice, Request{Table: "collaborators", Multi: true})
	if err != nil {
		t.Fatalf("err=%v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("rows=%v", rows)
	}
}

func TestAuthorized_MatchesRow(t *testing.T) {
	e, st := newTestEngine(t)
	seedProjects(st)

	a, err := e.Authorize(context.Background(), alice, schema.OpGet, Request{Table: "projects", Multi: true})
	if err != nil {
		t.Fatalf("err=%v", err)
	}
	fresh := store.Row{
		"project_id":  "p9",
		"users":       map[string]any{alice.AccountID: map[string]any{}},
		"last_edited": testClock(),
	}
	if !a.MatchesRow(fresh) {
		t.Fatal("fresh collaborator row should match")
	}
	stale := store.Row{
		"project_id":  "p9",
		"users":       map[string]any{alice.AccountID: map[string]any{}},
		"last_edited": testClock().Add(-30 * 24 * time.Hour),
	}
	if a.MatchesRow(stale) {
		t.Fatal("row outside the recency window should not match")
	}
	other := store.Row{
		"project_id":  "p9",
		"users":       map[string]any{bob.AccountID: map[string]any{}},
		"last_edited": testClock(),
	}
	if a.MatchesRow(other) {
		t.Fatal("row without the caller should not match")
	}
}

func TestSet_PartialWriteKeepsCollaborators(t *testing.T) {
	e, st := newTestEngine(t)
	st.Seed(schema.TableProjects, store.Row{
		"project_id": "shared",
		"title":      "before",
		"users": map[string]any{
			alice.AccountID: map[string]any{"group": "collaborator"},
			bob.AccountID:   map[string]any{"group": "owner"},
		},
		"last_edited": testClock().Add(-time.Hour),
	})

	// A write that never mentions users must leave the membership intact.
	if _, err := e.Set(context.Background(), alice, Request{
		Table: "projects",
		Query: store.Row{"project_id": "shared", "title": "after"},
	}); err != nil {
		t.Fatalf("err=%v", err)
	}

	rows := st.Rows(schema.TableProjects)
	if len(rows) != 1 {
		t.Fatalf("rows=%d", len(rows))
	}
	users, ok := rows[0]["users"].(map[string]any)
	if !ok || len(users) != 2 {
		t.Fatalf("users=%v", rows[0]["users"])
	}
	if entry, _ := users[bob.AccountID].(map[string]any); entry == nil || entry["group"] != "owner" {
		t.Fatalf("users=%v", users)
	}
	if entry, _ := users[alice.AccountID].(map[string]any); entry == nil || entry["group"] != "collaborator" {
		t.Fatalf("users=%v", users)
	}
	if rows[0]["title"] != "after" {
		t.Fatalf("title=%v", rows[0]["title"])
	}
}

func TestSet_ProjectCreateMakesCallerOwner(t *testing.T) {
	e, st := newTestEngine(t)

	echo, err := e.Set(context.Background(), alice, Request{
		Table: "projects",
		Query: store.Row{"project_id": "new", "title": "mine"},
	})
	if err != nil {
		t.Fatalf("err=%v", err)
	}
	users, ok := echo["users"].(map[string]any)
	if !ok {
		t.Fatalf("echo=%v", echo)
	}
	entry, ok := users[alice.AccountID].(map[string]any)
	if !ok || entry["group"] != "owner" {
		t.Fatalf("users=%v", users)
	}
	if got := len(st.Rows(schema.TableProjects)); got != 1 {
		t.Fatalf("rows=%d", got)
	}
}
