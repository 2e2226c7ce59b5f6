package query

import (
	"context"
	"fmt"
	"sort"
	"strconv"

	"github.com/calderahq/tablegate/internal/schema"
	"github.com/calderahq/tablegate/internal/store"
	"github.com/calderahq/tablegate/pkg/httperr"
)

// Authorized is the outcome of a successful authorization: the resolved
// physical query plus everything a changefeed needs to keep filtering rows
// on behalf of the same caller.
type Authorized struct {
	Table   *schema.Table
	Op      schema.Op
	Caller  schema.Caller
	Conds   []store.Cond // clause restriction, values resolved
	Filters []store.Cond // request-supplied equality filters
	Options schema.QueryOptions

	input schema.ClauseInput
}

// Selection is the physical read this authorization permits.
func (a *Authorized) Selection() store.Selection {
	conds := make([]store.Cond, 0, len(a.Conds)+len(a.Filters))
	conds = append(conds, a.Conds...)
	conds = append(conds, a.Filters...)
	return store.Selection{
		Table:      a.Table.Physical,
		Fields:     a.Table.Get.Fields,
		Conds:      conds,
		OrderBy:    a.Options.OrderBy,
		Descending: a.Options.Descending,
		Limit:      a.Options.Limit,
	}
}

// MatchesRow reports whether a committed row still falls inside this
// authorization. Used by the changefeed to filter deltas.
func (a *Authorized) MatchesRow(row store.Row) bool {
	return store.Matches(row, a.Conds) && store.Matches(row, a.Filters)
}

// ThrottleMS is the schema's coalescing window for live queries on this
// table, zero for none.
func (a *Authorized) ThrottleMS() int {
	if a.Table.Get == nil {
		return 0
	}
	return a.Table.Get.ThrottleMS
}

// Authorize resolves the logical table, enforces the admin and identity
// flags, then evaluates the operation's clauses in order. The first failing
// clause denies the whole request and its reason survives into the error.
func (e *Engine) Authorize(ctx context.Context, caller schema.Caller, op schema.Op, req Request) (*Authorized, error) {
	tab, ok := e.reg.Table(req.Table)
	if !ok {
		return nil, httperr.NewInvalid(httperr.CodeUnknownTable, fmt.Sprintf("unknown table %q", req.Table))
	}

	var adminOnly bool
	var clauses []schema.CompiledClause
	switch op {
	case schema.OpGet:
		if tab.Get == nil {
			return nil, httperr.NewDenied(httperr.CodeDenied, fmt.Sprintf("table %q does not allow get", tab.Name))
		}
		adminOnly = tab.Get.AdminOnly
		clauses = tab.Get.Clauses
	case schema.OpSet:
		if tab.Set == nil {
			return nil, httperr.NewDenied(httperr.CodeDenied, fmt.Sprintf("table %q does not allow set", tab.Name))
		}
		adminOnly = tab.Set.AdminOnly
		clauses = tab.Set.Clauses
	default:
		return nil, httperr.NewInvalid(httperr.CodeMalformed, fmt.Sprintf("unknown operation %q", op))
	}

	if adminOnly && !caller.Admin {
		return nil, httperr.NewDenied(httperr.CodeAdminRequired, fmt.Sprintf("table %q requires an administrator", tab.Name))
	}
	if !tab.Anonymous && caller.Anonymous() {
		return nil, httperr.NewDenied(httperr.CodeIdentityRequired, fmt.Sprintf("table %q requires a signed-in caller", tab.Name))
	}

	a := &Authorized{
		Table:  tab,
		Op:     op,
		Caller: caller,
		input: schema.ClauseInput{
			Caller:  caller,
			Table:   tab.Physical,
			Op:      op,
			Query:   req.Query,
			Multi:   req.Multi,
			Options: req.Options,
			Reader:  e.st,
		},
	}

	if op == schema.OpGet {
		a.Options = effectiveOptions(tab.Get, req)
		a.Filters = requestFilters(tab.Get, req.Query)
	} else {
		if err := checkSetFields(tab, req.Query); err != nil {
			return nil, err
		}
	}

	ctxMap := clauseContext(caller, tab.Name, op, req.Query, req.Multi)
	for i, c := range clauses {
		switch {
		case c.Program != nil:
			ok, err := schema.EvalClauseExpr(c.Program, ctxMap)
			if err != nil {
				return nil, httperr.NewDenied(httperr.CodeContextMissing, fmt.Sprintf("access rule %d on %q: %v", i, tab.Name, err))
			}
			if !ok {
				return nil, httperr.NewDenied(httperr.CodeDenied, fmt.Sprintf("access rule %d on %q not satisfied", i, tab.Name))
			}
		case c.Macro != nil:
			conds, err := c.Macro(ctx, a.input)
			if err != nil {
				return nil, clauseError(tab.Name, c.Name, err)
			}
			a.Conds = append(a.Conds, conds...)
		case c.Custom != nil:
			ok, err := c.Custom(ctx, a.input)
			if err != nil {
				return nil, clauseError(tab.Name, c.Name, err)
			}
			if !ok {
				return nil, httperr.NewDenied(httperr.CodeDenied, fmt.Sprintf("access rule %q on %q denied", c.Name, tab.Name))
			}
		default:
			cond, err := resolveFixedCond(e, tab.Name, c, req.Query)
			if err != nil {
				return nil, err
			}
			a.Conds = append(a.Conds, cond)
		}
	}
	return a, nil
}

func clauseError(table, name string, err error) error {
	if httperr.IsDenied(err) || httperr.IsInvalid(err) || httperr.IsStorage(err) {
		return err
	}
	return httperr.NewDenied(httperr.CodeDenied, fmt.Sprintf("access rule %q on %q: %v", name, table, err))
}

func resolveFixedCond(e *Engine, table string, c schema.CompiledClause, query store.Row) (store.Cond, error) {
	cond := store.Cond{Field: c.Field, Op: c.Op}
	switch {
	case c.Op == store.OpIsNull || c.Op == store.OpNotNull:
	case c.Bind != "":
		v, ok := query[c.Bind]
		if !ok || v == nil {
			return store.Cond{}, httperr.NewDenied(httperr.CodeContextMissing,
				fmt.Sprintf("query on %q must supply %q", table, c.Bind))
		}
		cond.Value = v
	case c.Window > 0:
		cond.Value = e.now().Add(-c.Window)
	default:
		cond.Value = c.Value
	}
	return cond, nil
}

// Unknown or disallowed fields in a get's filter set are dropped silently;
// fields consumed by clauses (remove_from_query) never reach the store.
func requestFilters(g *schema.CompiledGet, query store.Row) []store.Cond {
	fields := make([]string, 0, len(query))
	for f := range query {
		fields = append(fields, f)
	}
	sort.Strings(fields)

	var out []store.Cond
	for _, f := range fields {
		v := query[f]
		if v == nil || !g.AllowedField(f) || g.RemoveFromQuery[f] {
			continue
		}
		out = append(out, store.Cond{Field: f, Op: store.OpEq, Value: v})
	}
	return out
}

// A set record may only carry fields with an explicit rule, never one ruled
// forbidden, and must supply every required field. This runs before clause
// evaluation so a missing required field is reported as such rather than as
// whatever denial a clause derives from its absence.
func checkSetFields(tab *schema.Table, record store.Row) error {
	fields := make([]string, 0, len(record))
	for f := range record {
		fields = append(fields, f)
	}
	sort.Strings(fields)

	for _, f := range fields {
		rule, ok := tab.Set.Rules[f]
		if !ok {
			return httperr.NewDenied(httperr.CodeFieldNotAllowed, fmt.Sprintf("field %q may not be written on %q", f, tab.Name))
		}
		if rule.Kind == schema.RuleForbidden {
			return httperr.NewDenied(httperr.CodeFieldNotAllowed, fmt.Sprintf("field %q is read-only on %q", f, tab.Name))
		}
	}
	for _, f := range tab.Set.Required {
		if v, ok := record[f]; !ok || v == nil {
			return httperr.NewInvalid(httperr.CodeRequiredMissing, fmt.Sprintf("field %q is required", f))
		}
	}
	return nil
}

func effectiveOptions(g *schema.CompiledGet, req Request) schema.QueryOptions {
	opts := g.Options
	if req.Options.Limit > 0 && (opts.Limit == 0 || req.Options.Limit < opts.Limit) {
		opts.Limit = req.Options.Limit
	}
	if req.Options.OrderBy != "" && g.AllowedField(req.Options.OrderBy) {
		opts.OrderBy = req.Options.OrderBy
		opts.Descending = req.Options.Descending
	}
	if !req.Multi {
		opts.Limit = 1
	}
	return opts
}

// clauseContext is the variable map CEL clause expressions evaluate over.
// Scalar query values appear under q_<field>.
func clauseContext(caller schema.Caller, table string, op schema.Op, query store.Row, multi bool) map[string]string {
	m := map[string]string{
		"caller_id": caller.AccountID,
		"admin":     strconv.FormatBool(caller.Admin),
		"table":     table,
		"op":        string(op),
		"multi":     strconv.FormatBool(multi),
	}
	for f, v := range query {
		switch v.(type) {
		case map[string]any, []any, store.Row:
			continue
		}
		if v == nil {
			m["q_"+f] = ""
			continue
		}
		m["q_"+f] = fmt.Sprintf("%v", v)
	}
	return m
}
