package schema

import (
	"errors"
	"strings"

	"github.com/google/cel-go/cel"
)

// Fixed-expression clauses are CEL programs over a flat string map named ctx.
// The map carries caller identity plus the scalar fields of the request, so
// expressions read like `ctx["admin"] == "true" || ctx["q_account_id"] != ""`.
var newClauseCELEnv = func() (*cel.Env, error) {
	return cel.NewEnv(cel.Variable("ctx", cel.MapType(cel.StringType, cel.StringType)))
}

func compileClauseExpr(expr string) (cel.Program, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil, errors.New("expression required")
	}
	env, err := newClauseCELEnv()
	if err != nil {
		return nil, err
	}
	ast, issues := env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, issues.Err()
	}
	if ast.OutputType() != cel.BoolType {
		return nil, errors.New("expression must evaluate to bool")
	}
	return env.Program(ast)
}

// EvalClauseExpr runs a compiled fixed expression against the request
// context map.
func EvalClauseExpr(program cel.Program, ctxMap map[string]string) (bool, error) {
	out, _, err := program.Eval(map[string]any{"ctx": ctxMap})
	if err != nil {
		return false, err
	}
	v, ok := out.Value().(bool)
	if !ok {
		return false, errors.New("expression produced non-bool")
	}
	return v, nil
}
