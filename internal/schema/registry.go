package schema

import (
	"fmt"
	"sort"

	"github.com/google/cel-go/cel"

	"github.com/calderahq/tablegate/internal/store"
)

// SchemaError means the definitions are invalid. It is fatal: the process
// must not start with a schema that fails to load.
type SchemaError struct {
	Table string
	msg   string
}

func (e *SchemaError) Error() string {
	if e.Table == "" {
		return "schema: " + e.msg
	}
	return "schema: table " + e.Table + ": " + e.msg
}

func schemaErrf(table string, format string, args ...any) error {
	return &SchemaError{Table: table, msg: fmt.Sprintf(format, args...)}
}

// Registry is the compiled, immutable schema shared by every request path.
// Reads require no lock.
type Registry struct {
	tables map[string]*Table
}

// Table is the effective definition for one logical table: virtual
// indirection already resolved, clauses compiled, hooks bound.
type Table struct {
	Name       string
	Physical   string // differs from Name for virtual tables
	PrimaryKey []string
	Durability Durability
	Anonymous  bool
	Virtual    bool
	Fields     map[string]FieldSpec
	Get        *CompiledGet
	Set        *CompiledSet
}

type CompiledGet struct {
	AdminOnly       bool
	Clauses         []CompiledClause
	Fields          []string // sorted
	Defaults        map[string]any
	Options         QueryOptions
	ThrottleMS      int
	RemoveFromQuery map[string]bool
	Check           CheckFunc
	InsteadOf       InsteadOfGetFunc
}

// AllowedField reports whether a get on this table may expose the field.
func (g *CompiledGet) AllowedField(name string) bool {
	_, ok := g.Defaults[name]
	return ok
}

type CompiledSet struct {
	AdminOnly bool
	Clauses   []CompiledClause
	Rules     map[string]CompiledRule
	Required  []string
	Before    BeforeFunc
	After     AfterFunc
	InsteadOf InsteadOfSetFunc
}

type CompiledClause struct {
	AccessClause
	Program cel.Program // ClauseFixed with Expr
	Macro   MacroFunc   // ClauseMacro
	Custom  CustomFunc  // ClauseCustom
}

type CompiledRule struct {
	Kind  FieldRuleKind
	Value any
	Fn    ComputedFunc
}

func (r *Registry) Table(name string) (*Table, bool) {
	t, ok := r.tables[name]
	return t, ok
}

func (r *Registry) TableNames() []string {
	names := make([]string, 0, len(r.tables))
	for n := range r.tables {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Load validates definitions and compiles them into a Registry. Any error is
// a *SchemaError and must abort process start.
func Load(defs []TableDef, hooks Hooks) (*Registry, error) {
	byName := make(map[string]TableDef, len(defs))
	for _, def := range defs {
		if def.Name == "" {
			return nil, schemaErrf("", "table with empty name")
		}
		if _, dup := byName[def.Name]; dup {
			return nil, schemaErrf(def.Name, "defined twice")
		}
		byName[def.Name] = def
	}

	reg := &Registry{tables: make(map[string]*Table, len(defs))}
	for _, def := range defs {
		t, err := compileTable(def, byName, hooks)
		if err != nil {
			return nil, err
		}
		reg.tables[def.Name] = t
	}
	return reg, nil
}

func compileTable(def TableDef, byName map[string]TableDef, hooks Hooks) (*Table, error) {
	physical := def
	physicalName := def.Name
	if def.Virtual != "" {
		target, ok := byName[def.Virtual]
		if !ok {
			return nil, schemaErrf(def.Name, "virtual target %q does not exist", def.Virtual)
		}
		if target.Virtual != "" {
			return nil, schemaErrf(def.Name, "virtual target %q is itself virtual", def.Virtual)
		}
		physical = target
		physicalName = target.Name
	}

	fields := def.Fields
	if def.Virtual != "" {
		// A virtual table exposes a subset of its target's fields; its own
		// field list, when present, must stay inside the target's.
		for f := range def.Fields {
			if _, ok := physical.Fields[f]; !ok {
				return nil, schemaErrf(def.Name, "field %q not declared by physical target %q", f, physical.Name)
			}
		}
		fields = physical.Fields
	}
	if len(fields) == 0 {
		return nil, schemaErrf(def.Name, "no fields declared")
	}

	pk := def.PrimaryKey
	if len(pk) == 0 && def.Virtual != "" {
		pk = physical.PrimaryKey
	}
	for _, k := range pk {
		if _, ok := fields[k]; !ok {
			return nil, schemaErrf(def.Name, "primary key field %q not in field map", k)
		}
	}

	durability := def.Durability
	if durability == "" {
		durability = DurabilityHard
	}
	if durability != DurabilityHard && durability != DurabilitySoft {
		return nil, schemaErrf(def.Name, "invalid durability %q", durability)
	}

	t := &Table{
		Name:       def.Name,
		Physical:   physicalName,
		PrimaryKey: pk,
		Durability: durability,
		Anonymous:  def.Anonymous,
		Virtual:    def.Virtual != "",
		Fields:     fields,
	}

	if def.Get != nil {
		g, err := compileGet(def, t, hooks)
		if err != nil {
			return nil, err
		}
		t.Get = g
	}
	if def.Set != nil {
		s, err := compileSet(def, t, hooks)
		if err != nil {
			return nil, err
		}
		if len(pk) == 0 {
			return nil, schemaErrf(def.Name, "set operation requires a primary key")
		}
		t.Set = s
	}
	return t, nil
}

func compileGet(def TableDef, t *Table, hooks Hooks) (*CompiledGet, error) {
	spec := def.Get
	if len(spec.Fields) == 0 {
		return nil, schemaErrf(def.Name, "get without fields")
	}

	g := &CompiledGet{
		AdminOnly:       spec.AdminOnly,
		Defaults:        make(map[string]any, len(spec.Fields)),
		Options:         spec.Options,
		ThrottleMS:      spec.ThrottleMS,
		RemoveFromQuery: make(map[string]bool, len(spec.RemoveFromQuery)),
	}
	for f, dflt := range spec.Fields {
		if _, ok := t.Fields[f]; !ok {
			return nil, schemaErrf(def.Name, "get field %q not declared", f)
		}
		g.Defaults[f] = dflt
		g.Fields = append(g.Fields, f)
	}
	sort.Strings(g.Fields)
	for _, f := range spec.RemoveFromQuery {
		g.RemoveFromQuery[f] = true
	}

	clauses, err := compileClauses(def.Name, spec.Clauses, t, g.RemoveFromQuery, func(f string) bool { return g.AllowedField(f) }, hooks)
	if err != nil {
		return nil, err
	}
	g.Clauses = clauses

	if spec.CheckHook != "" {
		fn, ok := hooks.Checks[spec.CheckHook]
		if !ok {
			return nil, schemaErrf(def.Name, "check hook %q not registered", spec.CheckHook)
		}
		g.Check = fn
	}
	if spec.InsteadOf != "" {
		fn, ok := hooks.GetOverrides[spec.InsteadOf]
		if !ok {
			return nil, schemaErrf(def.Name, "instead-of get %q not registered", spec.InsteadOf)
		}
		g.InsteadOf = fn
	}
	return g, nil
}

func compileSet(def TableDef, t *Table, hooks Hooks) (*CompiledSet, error) {
	spec := def.Set
	if len(spec.Rules) == 0 {
		return nil, schemaErrf(def.Name, "set without field rules")
	}

	s := &CompiledSet{
		AdminOnly: spec.AdminOnly,
		Rules:     make(map[string]CompiledRule, len(spec.Rules)),
		Required:  append([]string(nil), spec.Required...),
	}
	for f, rule := range spec.Rules {
		if _, ok := t.Fields[f]; !ok {
			return nil, schemaErrf(def.Name, "set rule for undeclared field %q", f)
		}
		cr := CompiledRule{Kind: rule.Kind, Value: rule.Value}
		switch rule.Kind {
		case RuleForbidden, RuleAllowAny, RuleCallerDerived:
		case RuleConstant:
			if rule.Value == nil {
				return nil, schemaErrf(def.Name, "constant rule for %q without value", f)
			}
		case RuleComputed:
			fn, ok := hooks.Computed[rule.Fn]
			if !ok {
				return nil, schemaErrf(def.Name, "computed rule %q for %q not registered", rule.Fn, f)
			}
			cr.Fn = fn
		default:
			return nil, schemaErrf(def.Name, "invalid field rule %q for %q", rule.Kind, f)
		}
		s.Rules[f] = cr
	}
	for _, f := range spec.Required {
		if _, ok := s.Rules[f]; !ok {
			return nil, schemaErrf(def.Name, "required field %q has no rule", f)
		}
	}

	clauses, err := compileClauses(def.Name, spec.Clauses, t, nil, func(f string) bool { _, ok := s.Rules[f]; return ok }, hooks)
	if err != nil {
		return nil, err
	}
	s.Clauses = clauses

	if spec.Before != "" {
		fn, ok := hooks.Before[spec.Before]
		if !ok {
			return nil, schemaErrf(def.Name, "before hook %q not registered", spec.Before)
		}
		s.Before = fn
	}
	if spec.After != "" {
		fn, ok := hooks.After[spec.After]
		if !ok {
			return nil, schemaErrf(def.Name, "after hook %q not registered", spec.After)
		}
		s.After = fn
	}
	if spec.InsteadOf != "" {
		fn, ok := hooks.SetOverrides[spec.InsteadOf]
		if !ok {
			return nil, schemaErrf(def.Name, "instead-of set %q not registered", spec.InsteadOf)
		}
		s.InsteadOf = fn
	}
	return s, nil
}

func compileClauses(table string, clauses []AccessClause, t *Table, removed map[string]bool, allowed func(string) bool, hooks Hooks) ([]CompiledClause, error) {
	out := make([]CompiledClause, 0, len(clauses))
	for i, c := range clauses {
		cc := CompiledClause{AccessClause: c}
		switch c.Kind {
		case ClauseFixed:
			if c.Expr != "" {
				if c.Field != "" {
					return nil, schemaErrf(table, "clause %d mixes expression and row condition", i)
				}
				program, err := compileClauseExpr(c.Expr)
				if err != nil {
					return nil, schemaErrf(table, "clause %d: %v", i, err)
				}
				cc.Program = program
				break
			}
			if c.Field == "" {
				return nil, schemaErrf(table, "fixed clause %d has neither expression nor field", i)
			}
			if _, ok := t.Fields[c.Field]; !ok {
				return nil, schemaErrf(table, "clause %d references undeclared field %q", i, c.Field)
			}
			if c.Bind != "" && !allowed(c.Bind) && !removed[c.Bind] {
				return nil, schemaErrf(table, "clause %d binds %q which the operation does not accept", i, c.Bind)
			}
			if err := validateCondFacet(c); err != nil {
				return nil, schemaErrf(table, "clause %d: %v", i, err)
			}
		case ClauseMacro:
			fn, ok := hooks.Macros[c.Name]
			if !ok {
				return nil, schemaErrf(table, "clause %d: macro %q not registered", i, c.Name)
			}
			cc.Macro = fn
		case ClauseCustom:
			fn, ok := hooks.Customs[c.Name]
			if !ok {
				return nil, schemaErrf(table, "clause %d: custom predicate %q not registered", i, c.Name)
			}
			cc.Custom = fn
		default:
			return nil, schemaErrf(table, "clause %d has invalid kind %q", i, c.Kind)
		}
		out = append(out, cc)
	}
	return out, nil
}

func validateCondFacet(c AccessClause) error {
	sources := 0
	if c.Bind != "" {
		sources++
	}
	if c.Window != 0 {
		sources++
	}
	if c.Value != nil {
		sources++
	}
	if c.Op == "" {
		return fmt.Errorf("row condition missing operator")
	}
	needsValue := c.Op != store.OpIsNull && c.Op != store.OpNotNull
	if needsValue && sources != 1 {
		return fmt.Errorf("row condition needs exactly one of bind, window, value")
	}
	if !needsValue && sources != 0 {
		return fmt.Errorf("null-check condition takes no value source")
	}
	return nil
}
