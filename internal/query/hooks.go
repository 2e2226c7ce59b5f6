package query

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/calderahq/tablegate/internal/schema"
	"github.com/calderahq/tablegate/internal/store"
	"github.com/calderahq/tablegate/pkg/httperr"
	"github.com/calderahq/tablegate/pkg/uuidv7"
)

// hookEnv carries the dependencies the built-in hooks share. The clock is
// injectable so tests control timestamps.
type hookEnv struct {
	now func() time.Time
}

// NewHooks binds the names the built-in schema references. A nil clock
// means time.Now.
func NewHooks(now func() time.Time) schema.Hooks {
	if now == nil {
		now = time.Now
	}
	h := &hookEnv{now: now}
	return schema.Hooks{
		Macros: map[string]schema.MacroFunc{
			schema.MacroSelf:          h.self,
			schema.MacroCollaborator:  h.collaborator,
			schema.MacroCollaborators: h.collaborators,
		},
		Customs: map[string]schema.CustomFunc{
			schema.CustomProjectWrite:  h.projectWrite,
			schema.CustomProjectPublic: h.projectPublic,
		},
		Computed: map[string]schema.ComputedFunc{
			schema.ComputedProjectPathID: h.sha1ProjectPath,
			schema.ComputedUUIDDefault:   h.uuidDefault,
			schema.ComputedProjectUsers:  h.projectUsers,
		},
		Checks: map[string]schema.CheckFunc{
			schema.CheckPublicPathID: h.publicPathIDFormat,
		},
		Before: map[string]schema.BeforeFunc{
			schema.BeforeProjectChange: h.projectBeforeChange,
		},
		After: map[string]schema.AfterFunc{
			schema.AfterTouchProject: h.touchProject,
		},
		GetOverrides: map[string]schema.InsteadOfGetFunc{
			schema.OverrideBlobGet: h.blobGet,
		},
		SetOverrides: map[string]schema.InsteadOfSetFunc{
			schema.OverrideBlobSave: h.blobSave,
		},
	}
}

// self restricts a query on a keyed-by-account table to the caller's own
// row.
func (h *hookEnv) self(ctx context.Context, in schema.ClauseInput) ([]store.Cond, error) {
	return []store.Cond{{Field: "account_id", Op: store.OpEq, Value: in.Caller.AccountID}}, nil
}

// collaborator restricts to rows the caller collaborates on. On the
// projects table itself that is a key-containment condition on the users
// map; on tables that reference projects it resolves the caller's project
// ids first.
func (h *hookEnv) collaborator(ctx context.Context, in schema.ClauseInput) ([]store.Cond, error) {
	if in.Table == schema.TableProjects {
		return []store.Cond{{Field: "users", Op: store.OpHasKey, Value: in.Caller.AccountID}}, nil
	}
	ids, err := h.callerProjectIDs(ctx, in.Reader, in.Caller)
	if err != nil {
		return nil, err
	}
	return []store.Cond{{Field: "project_id", Op: store.OpIn, Value: ids}}, nil
}

// collaborators restricts an accounts query to everybody sharing a project
// with the caller, the caller included.
func (h *hookEnv) collaborators(ctx context.Context, in schema.ClauseInput) ([]store.Cond, error) {
	rows, err := in.Reader.Select(ctx, store.Selection{
		Table:  schema.TableProjects,
		Fields: []string{"project_id", "users"},
		Conds:  []store.Cond{{Field: "users", Op: store.OpHasKey, Value: in.Caller.AccountID}},
	})
	if err != nil {
		return nil, err
	}
	seen := map[string]bool{in.Caller.AccountID: true}
	ids := []any{in.Caller.AccountID}
	for _, row := range rows {
		users, _ := row["users"].(map[string]any)
		for id := range users {
			if !seen[id] {
				seen[id] = true
				ids = append(ids, id)
			}
		}
	}
	return []store.Cond{{Field: "account_id", Op: store.OpIn, Value: ids}}, nil
}

func (h *hookEnv) callerProjectIDs(ctx context.Context, r schema.Reader, caller schema.Caller) ([]any, error) {
	rows, err := r.Select(ctx, store.Selection{
		Table:  schema.TableProjects,
		Fields: []string{"project_id"},
		Conds:  []store.Cond{{Field: "users", Op: store.OpHasKey, Value: caller.AccountID}},
	})
	if err != nil {
		return nil, err
	}
	ids := make([]any, 0, len(rows))
	for _, row := range rows {
		if id, ok := row["project_id"]; ok {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

// projectWrite gates writes that reference a project: the caller must be on
// the project's users map, or an admin, or the project must not exist yet
// (first write creates it with the caller as owner).
func (h *hookEnv) projectWrite(ctx context.Context, in schema.ClauseInput) (bool, error) {
	pid, _ := in.Query["project_id"].(string)
	if pid == "" {
		return false, httperr.NewDenied(httperr.CodeContextMissing,
			fmt.Sprintf("write on %q must supply project_id", in.Table))
	}
	if in.Caller.Admin {
		return true, nil
	}
	rows, err := in.Reader.Select(ctx, store.Selection{
		Table:  schema.TableProjects,
		Fields: []string{"project_id", "users"},
		Conds:  []store.Cond{{Field: "project_id", Op: store.OpEq, Value: pid}},
		Limit:  1,
	})
	if err != nil {
		return false, err
	}
	if len(rows) == 0 {
		return in.Table == schema.TableProjects, nil
	}
	users, _ := rows[0]["users"].(map[string]any)
	_, ok := users[in.Caller.AccountID]
	return ok, nil
}

// projectPublic admits a project read when at least one of its public paths
// is neither disabled nor unlisted.
func (h *hookEnv) projectPublic(ctx context.Context, in schema.ClauseInput) (bool, error) {
	pid, ok := in.Query["project_id"]
	if !ok || pid == nil {
		return false, httperr.NewDenied(httperr.CodeContextMissing, "public project query must supply project_id")
	}
	rows, err := in.Reader.Select(ctx, store.Selection{
		Table:  schema.TablePublicPaths,
		Fields: []string{"id", "disabled", "unlisted"},
		Conds:  []store.Cond{{Field: "project_id", Op: store.OpEq, Value: pid}},
	})
	if err != nil {
		return false, err
	}
	for _, row := range rows {
		if truthy(row["disabled"]) || truthy(row["unlisted"]) {
			continue
		}
		return true, nil
	}
	return false, nil
}

func truthy(v any) bool {
	b, ok := v.(bool)
	return ok && b
}

// sha1ProjectPath derives the public-path primary key from project_id and
// path, so one path maps to one row forever.
func (h *hookEnv) sha1ProjectPath(ctx context.Context, obj store.Row, caller schema.Caller, r schema.Reader) (any, error) {
	pid, _ := obj["project_id"].(string)
	path, _ := obj["path"].(string)
	if pid == "" || path == "" {
		return nil, fmt.Errorf("project_id and path must both be strings")
	}
	sum := sha1.Sum([]byte(pid + path))
	return hex.EncodeToString(sum[:]), nil
}

// uuidDefault keeps a caller-supplied id and mints one otherwise.
func (h *hookEnv) uuidDefault(ctx context.Context, obj store.Row, caller schema.Caller, r schema.Reader) (any, error) {
	if id, ok := obj["id"].(string); ok && id != "" {
		return id, nil
	}
	return uuidv7.NewString()
}

// projectUsers normalizes the users map on a project write. The request map
// is merged over the stored one, so a write that never mentions users leaves
// the membership untouched and a partial users map cannot drop collaborators.
// The caller is added (as owner) only when absent, which covers creation.
func (h *hookEnv) projectUsers(ctx context.Context, obj store.Row, caller schema.Caller, r schema.Reader) (any, error) {
	out := make(map[string]any)
	if pid, ok := obj["project_id"].(string); ok && pid != "" {
		got, err := r.Select(ctx, store.Selection{
			Table:  schema.TableProjects,
			Fields: []string{"users"},
			Conds:  []store.Cond{{Field: "project_id", Op: store.OpEq, Value: pid}},
			Limit:  1,
		})
		if err != nil {
			return nil, err
		}
		if len(got) == 1 {
			if stored, ok := got[0]["users"].(map[string]any); ok {
				for id, entry := range stored {
					out[id] = entry
				}
			}
		}
	}
	if users, ok := obj["users"].(map[string]any); ok {
		for id, entry := range users {
			out[id] = entry
		}
	}
	if !caller.Anonymous() {
		if _, ok := out[caller.AccountID]; !ok {
			out[caller.AccountID] = map[string]any{"group": "owner"}
		}
	}
	return out, nil
}

// publicPathIDFormat rejects malformed public-path ids before they reach
// the store: the key is always 40 hex characters.
func (h *hookEnv) publicPathIDFormat(ctx context.Context, in schema.ClauseInput) error {
	id, ok := in.Query["id"].(string)
	if !ok || id == "" {
		return nil
	}
	if len(id) != 40 {
		return httperr.NewInvalid(httperr.CodeMalformed, "public path id must be 40 hex characters")
	}
	for _, c := range id {
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return httperr.NewInvalid(httperr.CodeMalformed, "public path id must be 40 hex characters")
		}
	}
	return nil
}

const maxTitleLen = 1024

// projectBeforeChange bounds the free-text fields on a project write.
func (h *hookEnv) projectBeforeChange(ctx context.Context, oldRow, newRow store.Row, caller schema.Caller, r schema.Reader) error {
	if title, ok := newRow["title"].(string); ok && len(title) > maxTitleLen {
		return httperr.NewInvalid(httperr.CodeMalformed, "title too long")
	}
	if desc, ok := newRow["description"].(string); ok && len(desc) > 10*maxTitleLen {
		return httperr.NewInvalid(httperr.CodeMalformed, "description too long")
	}
	return nil
}

// touchProject runs after a successful project write: bump last_edited and
// append an access_log row. Failures here never roll back the write.
func (h *hookEnv) touchProject(ctx context.Context, oldRow, newRow store.Row, caller schema.Caller, st store.Store) error {
	pid, _ := newRow["project_id"].(string)
	if pid == "" {
		return nil
	}
	if err := st.Upsert(ctx, schema.TableProjects, []string{"project_id"}, store.Row{
		"project_id":  pid,
		"last_edited": h.now(),
	}); err != nil {
		return err
	}
	return st.Upsert(ctx, schema.TableAccessLog, []string{"id"}, store.Row{
		"id":         uuidv7.MustNewString(),
		"project_id": pid,
		"account_id": caller.AccountID,
		"time":       h.now(),
	})
}

// blobGet replaces the default read on the blobs table: content is fetched
// by id only, never listed.
func (h *hookEnv) blobGet(ctx context.Context, in schema.ClauseInput) ([]store.Row, error) {
	id, _ := in.Query["id"].(string)
	if id == "" {
		return nil, httperr.NewInvalid(httperr.CodeMalformed, "blob get requires id")
	}
	return in.Reader.Select(ctx, store.Selection{
		Table:  schema.TableBlobs,
		Fields: []string{"id", "blob"},
		Conds:  []store.Cond{{Field: "id", Op: store.OpEq, Value: id}},
		Limit:  1,
	})
}

// blobSave replaces the default write on the blobs table: storage is
// content addressed, so the id must be the sha1 of the content. Saving the
// same content twice is a no-op upsert on the same key.
func (h *hookEnv) blobSave(ctx context.Context, newRow store.Row, caller schema.Caller, st store.Store) (store.Row, error) {
	id, _ := newRow["id"].(string)
	blob, _ := newRow["blob"].(string)
	sum := sha1.Sum([]byte(blob))
	want := hex.EncodeToString(sum[:])
	if id != want {
		return nil, httperr.NewInvalid(httperr.CodeMalformed, "blob id is not the sha1 of its content")
	}
	err := st.Upsert(ctx, schema.TableBlobs, []string{"id"}, store.Row{
		"id":         id,
		"blob":       blob,
		"project_id": newRow["project_id"],
	})
	if err != nil {
		return nil, err
	}
	return store.Row{"id": id}, nil
}
