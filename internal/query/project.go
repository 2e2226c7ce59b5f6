package query

import (
	"github.com/calderahq/tablegate/internal/schema"
	"github.com/calderahq/tablegate/internal/store"
)

// ProjectRow applies the get projection to one committed row, for delta
// delivery outside the normal read path.
func (a *Authorized) ProjectRow(row store.Row) store.Row {
	return projectRow(a.Table.Get, row)
}

// projectRows strips each row to the operation's declared fields and fills
// declared defaults. Map defaults fill missing sub-keys one level deep.
func projectRows(g *schema.CompiledGet, rows []store.Row) []store.Row {
	out := make([]store.Row, len(rows))
	for i, row := range rows {
		out[i] = projectRow(g, row)
	}
	return out
}

func projectRow(g *schema.CompiledGet, row store.Row) store.Row {
	out := row.Pick(g.Fields)
	for f, def := range g.Defaults {
		if def == nil {
			continue
		}
		v, ok := out[f]
		if !ok || v == nil {
			out[f] = copyDefault(def)
			continue
		}
		dm, dok := def.(map[string]any)
		vm, vok := v.(map[string]any)
		if dok && vok {
			filled := make(map[string]any, len(vm)+len(dm))
			for k, sub := range vm {
				filled[k] = sub
			}
			for k, sub := range dm {
				if _, ok := filled[k]; !ok {
					filled[k] = sub
				}
			}
			out[f] = filled
		}
	}
	return out
}

func copyDefault(def any) any {
	if m, ok := def.(map[string]any); ok {
		out := make(map[string]any, len(m))
		for k, v := range m {
			out[k] = v
		}
		return out
	}
	return def
}
