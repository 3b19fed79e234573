// Package codegen turns schema descriptors into Go source: one typed accessor
// struct per table wrapping the generic row object, so application code reads
// and writes fields through compile-time-checked getters and setters instead
// of string-keyed lookups.
package codegen

import (
	"bytes"
	"fmt"
	"go/format"
	"go/token"
	"os"
	"path/filepath"
	"strings"
	"text/template"

	"github.com/sharedcode/omen"
)

const fileTemplate = `// Code generated by omen codegen. DO NOT EDIT.

package {{.Package}}

import (
{{- if .NeedsTime}}
	"time"
{{end}}
	"github.com/sharedcode/omen"
)
{{range .Tables}}{{$t := .}}
// {{.SchemaVar}} describes the {{.Table}} table.
var {{.SchemaVar}} = omen.MustSchema({{printf "%q" .Table}},
{{- range .Fields}}
	omen.Field{Name: {{printf "%q" .Name}}, Type: {{.TypeConst}}{{if .PrimaryKey}}, PrimaryKey: true{{end}}{{if .AutoGenerate}}, AutoGenerate: true{{end}}{{if .HasDefault}}, Default: {{.DefaultLit}}{{end}}},
{{- end}}
)

// {{.TypeName}} wraps a {{.Table}} row with typed field access.
type {{.TypeName}} struct {
	*omen.Row
}

// As{{.TypeName}} views a generic row as a {{.TypeName}}.
func As{{.TypeName}}(row *omen.Row) {{.TypeName}} {
	return {{.TypeName}}{Row: row}
}
{{range .Fields}}
func (o {{$t.TypeName}}) {{.Getter}}() {{.GoType}} {
	{{- if .Converted}}
	return {{.ConvertFunc}}(o.Get({{printf "%q" .Name}}))
	{{- else}}
	v, _ := o.Get({{printf "%q" .Name}}).({{.GoType}})
	return v
	{{- end}}
}

func (o {{$t.TypeName}}) {{.Setter}}(v {{.GoType}}) error {
	return o.Set({{printf "%q" .Name}}, v)
}
{{end}}{{end}}`

type fieldModel struct {
	Name         string
	TypeConst    string
	GoType       string
	Getter       string
	Setter       string
	PrimaryKey   bool
	AutoGenerate bool
	HasDefault   bool
	DefaultLit   string
	Converted    bool
	ConvertFunc  string
}

type tableModel struct {
	Table     string
	TypeName  string
	SchemaVar string
	Fields    []fieldModel
}

// Generate renders gofmt-ed source for pkg covering every schema.
func Generate(pkg string, schemas ...*omen.Schema) ([]byte, error) {
	if pkg == "" {
		return nil, omen.Errorf(omen.Unknown, "codegen needs a package name")
	}
	if len(schemas) == 0 {
		return nil, omen.Errorf(omen.Unknown, "codegen needs at least one schema")
	}

	needsTime := false
	tables := make([]tableModel, 0, len(schemas))
	seen := map[string]string{}
	for _, s := range schemas {
		tm := tableModel{
			Table:     s.Table(),
			TypeName:  exportedIdent(s.Table()),
			SchemaVar: exportedIdent(s.Table()) + "Schema",
		}
		if prev, ok := seen[tm.TypeName]; ok {
			return nil, omen.Errorf(omen.DuplicateKey,
				"tables %s and %s both generate type %s", prev, s.Table(), tm.TypeName)
		}
		seen[tm.TypeName] = s.Table()
		for _, f := range s.Fields() {
			fm, err := buildField(s.Table(), f)
			if err != nil {
				return nil, err
			}
			if fm.GoType == "time.Time" {
				needsTime = true
			}
			tm.Fields = append(tm.Fields, fm)
		}
		tables = append(tables, tm)
	}

	tmpl, err := template.New("file").Parse(fileTemplate)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	err = tmpl.Execute(&buf, struct {
		Package   string
		NeedsTime bool
		Tables    []tableModel
	}{
		Package:   pkg,
		NeedsTime: needsTime,
		Tables:    tables,
	})
	if err != nil {
		return nil, err
	}

	out, err := format.Source(buf.Bytes())
	if err != nil {
		return nil, omen.Error{Code: omen.Unknown, Err: err, UserData: buf.String()}
	}
	return out, nil
}

// WriteFile generates source for pkg and writes it to path atomically.
func WriteFile(path, pkg string, schemas ...*omen.Schema) error {
	src, err := Generate(pkg, schemas...)
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, src, 0o644); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}

// WriteDir generates one file per schema under dir, named <table>_gen.go.
func WriteDir(dir, pkg string, schemas ...*omen.Schema) error {
	for _, s := range schemas {
		path := filepath.Join(dir, s.Table()+"_gen.go")
		if err := WriteFile(path, pkg, s); err != nil {
			return err
		}
	}
	return nil
}

func buildField(table string, f omen.Field) (fieldModel, error) {
	fm := fieldModel{
		Name:         f.Name,
		PrimaryKey:   f.PrimaryKey,
		AutoGenerate: f.AutoGenerate,
	}
	camel := exportedIdent(f.Name)
	fm.Getter = camel
	fm.Setter = "Set" + camel
	switch f.Type {
	case omen.AnyField:
		fm.TypeConst, fm.GoType = "omen.AnyField", "any"
	case omen.StringField:
		fm.TypeConst, fm.GoType = "omen.StringField", "string"
	case omen.IntField:
		fm.TypeConst, fm.GoType = "omen.IntField", "int64"
		fm.Converted, fm.ConvertFunc = true, "omen.Int64Of"
	case omen.FloatField:
		fm.TypeConst, fm.GoType = "omen.FloatField", "float64"
		fm.Converted, fm.ConvertFunc = true, "omen.Float64Of"
	case omen.BoolField:
		fm.TypeConst, fm.GoType = "omen.BoolField", "bool"
	case omen.BytesField:
		fm.TypeConst, fm.GoType = "omen.BytesField", "[]byte"
	case omen.UUIDField:
		fm.TypeConst, fm.GoType = "omen.UUIDField", "omen.UUID"
	case omen.TimeField:
		fm.TypeConst, fm.GoType = "omen.TimeField", "time.Time"
	default:
		return fm, omen.Errorf(omen.Unknown, "table %s field %s has unsupported type %d", table, f.Name, f.Type)
	}
	if f.Default != nil {
		fm.HasDefault = true
		fm.DefaultLit = fmt.Sprintf("%#v", f.Default)
	}
	// Getters that would collide with the embedded row's own methods get a
	// Get prefix instead.
	switch fm.Getter {
	case "Get", "Set", "Fields", "Status", "SetStatus", "Schema", "Diff",
		"ChangedFields", "ClearDirty", "Refresh", "PrimaryKey", "Key",
		"SetKey", "Snapshot", "Restore", "Matches", "Row":
		fm.Getter = "Get" + fm.Getter
	}
	return fm, nil
}

// exportedIdent renders a snake_case name as an exported Go identifier,
// escaping Go keywords with a trailing underscore.
func exportedIdent(name string) string {
	parts := strings.FieldsFunc(name, func(r rune) bool {
		return r == '_' || r == '-' || r == ' '
	})
	var b strings.Builder
	for _, p := range parts {
		b.WriteString(strings.ToUpper(p[:1]))
		b.WriteString(p[1:])
	}
	out := b.String()
	if out == "" || token.IsKeyword(out) {
		out += "_"
	}
	return out
}
