// Package query mediates every read and write against the compiled schema:
// it authorizes requests clause by clause, projects results onto the allowed
// field set, and runs set requests through the full rule and hook pipeline.
package query

import (
	"context"
	"fmt"
	"log"
	"sort"
	"time"

	"github.com/calderahq/tablegate/internal/schema"
	"github.com/calderahq/tablegate/internal/store"
	"github.com/calderahq/tablegate/pkg/httperr"
)

const requestTimeout = 10 * time.Second

// Request is one get or set against a logical table. For get, Query holds
// equality filters; for set it is the record to write.
type Request struct {
	Table   string
	Query   store.Row
	Multi   bool
	Options schema.QueryOptions
}

type Engine struct {
	reg     *schema.Registry
	st      store.Store
	now     func() time.Time
	timeout time.Duration
}

func NewEngine(reg *schema.Registry, st store.Store) *Engine {
	return &Engine{reg: reg, st: st, now: time.Now, timeout: requestTimeout}
}

// Registry exposes the compiled schema, mainly for transports that need
// per-table metadata such as changefeed throttle windows.
func (e *Engine) Registry() *schema.Registry { return e.reg }

// Get runs an authorized read and returns records holding exactly the
// allowed fields, declared defaults filled in.
func (e *Engine) Get(ctx context.Context, caller schema.Caller, req Request) ([]store.Row, error) {
	a, err := e.Authorize(ctx, caller, schema.OpGet, req)
	if err != nil {
		return nil, err
	}
	return e.Run(ctx, a)
}

// Run executes an already-authorized read. Split from Get so live queries
// can reuse the authorization for both the initial snapshot and the feed
// predicate.
func (e *Engine) Run(ctx context.Context, a *Authorized) ([]store.Row, error) {
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	g := a.Table.Get
	if g.Check != nil {
		if err := g.Check(ctx, a.input); err != nil {
			return nil, err
		}
	}

	var rows []store.Row
	var err error
	if g.InsteadOf != nil {
		rows, err = g.InsteadOf(ctx, a.input)
	} else {
		rows, err = e.st.Select(ctx, a.Selection())
	}
	if err != nil {
		return nil, err
	}
	return projectRows(g, rows), nil
}

// Set runs the write pipeline: per-field rules, the before hook, the
// physical write (or its instead-of override), then the best-effort after
// hook. It returns the fields the pipeline filled in, primary key included,
// so callers learn derived ids.
func (e *Engine) Set(ctx context.Context, caller schema.Caller, req Request) (store.Row, error) {
	a, err := e.Authorize(ctx, caller, schema.OpSet, req)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	tab := a.Table
	s := tab.Set
	rec := req.Query.Clone()
	echo := store.Row{}
	for _, f := range sortedRuleFields(s.Rules) {
		rule := s.Rules[f]
		switch rule.Kind {
		case schema.RuleConstant:
			rec[f] = rule.Value
			echo[f] = rule.Value
		case schema.RuleCallerDerived:
			rec[f] = caller.AccountID
			echo[f] = caller.AccountID
		case schema.RuleComputed:
			v, err := rule.Fn(ctx, rec, caller, e.st)
			if err != nil {
				if httperr.IsDenied(err) || httperr.IsInvalid(err) || httperr.IsStorage(err) {
					return nil, err
				}
				return nil, httperr.NewInvalid(httperr.CodeDerivationFailed, fmt.Sprintf("field %q: %v", f, err))
			}
			if v != nil {
				rec[f] = v
				echo[f] = v
			}
		}
	}

	// The clause predicate must hold for the record actually written.
	if !store.Matches(rec, a.Conds) {
		return nil, httperr.NewDenied(httperr.CodeDenied, "record is outside the caller's allowed set")
	}

	key := store.Row{}
	for _, f := range tab.PrimaryKey {
		v, ok := rec[f]
		if !ok || v == nil {
			return nil, httperr.NewInvalid(httperr.CodeMalformed, fmt.Sprintf("primary key field %q missing", f))
		}
		key[f] = v
		echo[f] = v
	}

	var oldRow store.Row
	if s.Before != nil || s.After != nil {
		oldRow, err = e.st.GetByKey(ctx, tab.Physical, key)
		if err != nil {
			return nil, err
		}
	}

	if s.Before != nil {
		if err := s.Before(ctx, oldRow, rec, caller, e.st); err != nil {
			if httperr.IsDenied(err) || httperr.IsInvalid(err) || httperr.IsStorage(err) {
				return nil, err
			}
			return nil, httperr.NewInvalid(httperr.CodeMalformed, err.Error())
		}
	}

	if s.InsteadOf != nil {
		extra, err := s.InsteadOf(ctx, rec, caller, e.st)
		if err != nil {
			return nil, err
		}
		for f, v := range extra {
			echo[f] = v
		}
	} else {
		if err := e.st.Upsert(ctx, tab.Physical, tab.PrimaryKey, rec); err != nil {
			return nil, err
		}
	}

	if s.After != nil {
		if err := s.After(ctx, oldRow, rec, caller, e.st); err != nil {
			log.Printf("query: after hook on %s: %v", tab.Name, err)
		}
	}
	return echo, nil
}

func sortedRuleFields(rules map[string]schema.CompiledRule) []string {
	out := make([]string, 0, len(rules))
	for f := range rules {
		out = append(out, f)
	}
	sort.Strings(out)
	return out
}
