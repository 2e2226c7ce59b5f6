package schema

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/calderahq/tablegate/internal/store"
)

// YAML wire form of a schema document. Example:
//
//	tables:
//	  project_log:
//	    primary_key: [id]
//	    durability: soft
//	    fields:
//	      id: {type: uuid}
//	      time: {type: timestamp}
//	    get:
//	      where:
//	        - fixed: {field: time, op: gte, window: 336h}
//	        - macro: collaborator
//	      fields:
//	        id: ~
//	        time: ~
//	      options: {limit: 300, order_by: time, descending: true}
//	      throttle_ms: 2000
type yamlDoc struct {
	Tables map[string]yamlTable `yaml:"tables"`
}

type yamlTable struct {
	PrimaryKey []string             `yaml:"primary_key"`
	Durability string               `yaml:"durability"`
	Anonymous  bool                 `yaml:"anonymous"`
	Virtual    string               `yaml:"virtual"`
	Fields     map[string]yamlField `yaml:"fields"`
	Get        *yamlGet             `yaml:"get"`
	Set        *yamlSet             `yaml:"set"`
}

type yamlField struct {
	Type string `yaml:"type"`
	Desc string `yaml:"desc"`
}

type yamlGet struct {
	AdminOnly       bool           `yaml:"admin_only"`
	Where           []yamlClause   `yaml:"where"`
	Fields          map[string]any `yaml:"fields"`
	Options         yamlOptions    `yaml:"options"`
	ThrottleMS      int            `yaml:"throttle_ms"`
	RemoveFromQuery []string       `yaml:"remove_from_query"`
	CheckHook       string         `yaml:"check_hook"`
	InsteadOf       string         `yaml:"instead_of"`
}

type yamlSet struct {
	AdminOnly bool                `yaml:"admin_only"`
	Where     []yamlClause        `yaml:"where"`
	Fields    map[string]yamlRule `yaml:"fields"`
	Required  []string            `yaml:"required"`
	Before    string              `yaml:"before"`
	After     string              `yaml:"after"`
	InsteadOf string              `yaml:"instead_of"`
}

type yamlClause struct {
	Expr   string         `yaml:"expr"`
	Macro  string         `yaml:"macro"`
	Custom string         `yaml:"custom"`
	Fixed  *yamlFixedCond `yaml:"fixed"`
}

type yamlFixedCond struct {
	Field  string `yaml:"field"`
	Op     string `yaml:"op"`
	Bind   string `yaml:"bind"`
	Window string `yaml:"window"`
	Value  any    `yaml:"value"`
}

type yamlOptions struct {
	Limit      int    `yaml:"limit"`
	OrderBy    string `yaml:"order_by"`
	Descending bool   `yaml:"descending"`
}

type yamlRule struct {
	Rule  string `yaml:"rule"`
	Value any    `yaml:"value"`
	Fn    string `yaml:"fn"`
}

// ParseYAML decodes one schema document into table definitions. Decoding
// is strict: a key the wire form does not declare fails the load, so a
// typoed schema file cannot silently lose a clause or rule. The result
// still has to go through Load; parsing does no validation beyond shape.
func ParseYAML(data []byte) ([]TableDef, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	var doc yamlDoc
	if err := dec.Decode(&doc); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("schema yaml: %w", err)
	}

	names := make([]string, 0, len(doc.Tables))
	for name := range doc.Tables {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make([]TableDef, 0, len(names))
	for _, name := range names {
		def, err := convertTable(name, doc.Tables[name])
		if err != nil {
			return nil, err
		}
		out = append(out, def)
	}
	return out, nil
}

// LoadDir parses every *.yaml file in dir, sorted by name.
func LoadDir(dir string) ([]TableDef, error) {
	entries, err := filepath.Glob(filepath.Join(dir, "*.yaml"))
	if err != nil {
		return nil, err
	}
	sort.Strings(entries)

	var out []TableDef
	for _, path := range entries {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		defs, err := ParseYAML(data)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		out = append(out, defs...)
	}
	return out, nil
}

func convertTable(name string, yt yamlTable) (TableDef, error) {
	def := TableDef{
		Name:       name,
		PrimaryKey: yt.PrimaryKey,
		Durability: Durability(yt.Durability),
		Anonymous:  yt.Anonymous,
		Virtual:    yt.Virtual,
	}
	if len(yt.Fields) > 0 {
		def.Fields = make(map[string]FieldSpec, len(yt.Fields))
		for f, spec := range yt.Fields {
			def.Fields[f] = FieldSpec{Type: spec.Type, Desc: spec.Desc}
		}
	}
	if yt.Get != nil {
		clauses, err := convertClauses(name, yt.Get.Where)
		if err != nil {
			return TableDef{}, err
		}
		def.Get = &GetSpec{
			AdminOnly: yt.Get.AdminOnly,
			Clauses:   clauses,
			Fields:    yt.Get.Fields,
			Options: QueryOptions{
				Limit:      yt.Get.Options.Limit,
				OrderBy:    yt.Get.Options.OrderBy,
				Descending: yt.Get.Options.Descending,
			},
			ThrottleMS:      yt.Get.ThrottleMS,
			RemoveFromQuery: yt.Get.RemoveFromQuery,
			CheckHook:       yt.Get.CheckHook,
			InsteadOf:       yt.Get.InsteadOf,
		}
	}
	if yt.Set != nil {
		clauses, err := convertClauses(name, yt.Set.Where)
		if err != nil {
			return TableDef{}, err
		}
		rules := make(map[string]FieldRule, len(yt.Set.Fields))
		for f, yr := range yt.Set.Fields {
			rules[f] = FieldRule{Kind: FieldRuleKind(yr.Rule), Value: yr.Value, Fn: yr.Fn}
		}
		def.Set = &SetSpec{
			AdminOnly: yt.Set.AdminOnly,
			Clauses:   clauses,
			Rules:     rules,
			Required:  yt.Set.Required,
			Before:    yt.Set.Before,
			After:     yt.Set.After,
			InsteadOf: yt.Set.InsteadOf,
		}
	}
	return def, nil
}

func convertClauses(table string, ycs []yamlClause) ([]AccessClause, error) {
	out := make([]AccessClause, 0, len(ycs))
	for i, yc := range ycs {
		switch {
		case yc.Macro != "":
			out = append(out, AccessClause{Kind: ClauseMacro, Name: yc.Macro})
		case yc.Custom != "":
			out = append(out, AccessClause{Kind: ClauseCustom, Name: yc.Custom})
		case yc.Expr != "":
			out = append(out, AccessClause{Kind: ClauseFixed, Expr: yc.Expr})
		case yc.Fixed != nil:
			c := AccessClause{
				Kind:  ClauseFixed,
				Field: yc.Fixed.Field,
				Op:    store.CondOp(yc.Fixed.Op),
				Bind:  yc.Fixed.Bind,
				Value: yc.Fixed.Value,
			}
			if yc.Fixed.Window != "" {
				window, err := time.ParseDuration(yc.Fixed.Window)
				if err != nil {
					return nil, fmt.Errorf("schema yaml: table %s clause %d: bad window: %w", table, i, err)
				}
				c.Window = window
			}
			out = append(out, c)
		default:
			return nil, fmt.Errorf("schema yaml: table %s clause %d is empty", table, i)
		}
	}
	return out, nil
}
