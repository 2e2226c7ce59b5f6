// Package schema holds the declarative table definitions that drive every
// read and write the engine mediates: which fields exist, who may query them,
// and what each set operation is allowed to touch. Definitions are data; the
// registry compiles them once at startup and is immutable afterwards.
package schema

import (
	"context"
	"time"

	"github.com/calderahq/tablegate/internal/store"
)

type Op string

const (
	OpGet Op = "get"
	OpSet Op = "set"
)

type Durability string

const (
	// DurabilityHard is the default: losing recent writes is not acceptable.
	DurabilityHard Durability = "hard"
	// DurabilitySoft marks log-ish tables where losing recent writes is
	// operationally tolerable.
	DurabilitySoft Durability = "soft"
)

// Caller is the opaque identity a transport hands to the engine. It is never
// authenticated here. An empty AccountID means anonymous.
type Caller struct {
	AccountID string
	Admin     bool
}

func (c Caller) Anonymous() bool { return c.AccountID == "" }

type FieldSpec struct {
	Type string // uuid, string, integer, number, boolean, timestamp, map, array
	Desc string
}

type QueryOptions struct {
	Limit      int
	OrderBy    string
	Descending bool
}

type ClauseKind string

const (
	// ClauseFixed is a fixed boolean restriction: either a CEL expression
	// gate evaluated at authorization time, or a row condition conjoined
	// into the physical query.
	ClauseFixed ClauseKind = "fixed"
	// ClauseMacro names a registered resolver that turns the caller
	// identity into row conditions, possibly via read-only sub-queries.
	ClauseMacro ClauseKind = "macro"
	// ClauseCustom names a registered predicate capability invoked with
	// the caller, operation, raw query, multiplicity and options.
	ClauseCustom ClauseKind = "custom"
)

// AccessClause is one conjunct of a table+operation access rule. Clauses are
// evaluated in order; the first denial wins and its kind is preserved in the
// error returned to the caller.
type AccessClause struct {
	Kind ClauseKind

	// Fixed, CEL facet: boolean expression over the request context map.
	Expr string

	// Fixed, row-condition facet. Value sources are mutually exclusive:
	// Bind takes the value from the request record (missing value denies
	// with a context_missing reason), Window resolves to now-Window at
	// authorization time, Value is a literal. IsNull/NotNull need none.
	Field  string
	Op     store.CondOp
	Bind   string
	Window time.Duration
	Value  any

	// Macro or custom name.
	Name string
}

type FieldRuleKind string

const (
	// RuleForbidden rejects the whole set request when the field appears.
	RuleForbidden FieldRuleKind = "forbidden"
	// RuleAllowAny passes the caller's value through unchanged.
	RuleAllowAny FieldRuleKind = "allow"
	// RuleConstant overwrites with a fixed value regardless of input.
	RuleConstant FieldRuleKind = "constant"
	// RuleCallerDerived overwrites with the caller's account id.
	RuleCallerDerived FieldRuleKind = "caller"
	// RuleComputed invokes a registered derivation over the object and
	// caller; it may read other tables and may fail, aborting the request.
	RuleComputed FieldRuleKind = "computed"
)

type FieldRule struct {
	Kind  FieldRuleKind
	Value any    // RuleConstant
	Fn    string // RuleComputed: registered function name
}

type GetSpec struct {
	AdminOnly bool
	Clauses   []AccessClause
	// Fields maps each exposed field to its default, nil for none. Every
	// field a get returns is declared here; defaults that are maps fill
	// missing sub-keys one level deep.
	Fields  map[string]any
	Options QueryOptions
	// ThrottleMS is the changefeed coalescing window for live queries.
	ThrottleMS int
	// RemoveFromQuery lists context fields consumed by clauses and
	// stripped from the physical query.
	RemoveFromQuery []string
	CheckHook       string
	InsteadOf       string
}

type SetSpec struct {
	AdminOnly bool
	Clauses   []AccessClause
	// Rules must cover every field a set may carry; a field without an
	// explicit rule is rejected.
	Rules     map[string]FieldRule
	Required  []string
	Before    string
	After     string
	InsteadOf string
}

type TableDef struct {
	Name       string
	PrimaryKey []string
	Durability Durability
	Anonymous  bool
	// Virtual names the physical table this definition is a restricted
	// view of. A virtual table's fields and predicates are a subset of
	// its target's.
	Virtual string
	Fields  map[string]FieldSpec
	Get     *GetSpec
	Set     *SetSpec
}

// Reader is the read-only store surface handed to macros, custom predicates,
// computed fields and check/before hooks. Sub-queries through it must not
// mutate state.
type Reader interface {
	Select(ctx context.Context, sel store.Selection) ([]store.Row, error)
}

// ClauseInput is what macro and custom predicates see.
type ClauseInput struct {
	Caller  Caller
	Table   string
	Op      Op
	Query   store.Row
	Multi   bool
	Options QueryOptions
	Reader  Reader
}

type (
	MacroFunc    func(ctx context.Context, in ClauseInput) ([]store.Cond, error)
	CustomFunc   func(ctx context.Context, in ClauseInput) (bool, error)
	ComputedFunc func(ctx context.Context, obj store.Row, caller Caller, r Reader) (any, error)
	CheckFunc    func(ctx context.Context, in ClauseInput) error
	BeforeFunc   func(ctx context.Context, oldRow, newRow store.Row, caller Caller, r Reader) error
	AfterFunc    func(ctx context.Context, oldRow, newRow store.Row, caller Caller, st store.Store) error

	InsteadOfGetFunc func(ctx context.Context, in ClauseInput) ([]store.Row, error)
	InsteadOfSetFunc func(ctx context.Context, newRow store.Row, caller Caller, st store.Store) (store.Row, error)
)

// Hooks binds the names a schema references to Go implementations. Load
// fails if a referenced name is missing.
type Hooks struct {
	Macros       map[string]MacroFunc
	Customs      map[string]CustomFunc
	Computed     map[string]ComputedFunc
	Checks       map[string]CheckFunc
	Before       map[string]BeforeFunc
	After        map[string]AfterFunc
	GetOverrides map[string]InsteadOfGetFunc
	SetOverrides map[string]InsteadOfSetFunc
}
