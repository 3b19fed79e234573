package omen

import (
	"fmt"
	"strings"
	"time"
)

// FieldMap is the plain field name to value mapping exchanged with the
// storage collaborator and used by dump/load.
type FieldMap = map[string]any

// FieldType enumerates the value types a schema field can declare.
type FieldType int

const (
	AnyField FieldType = iota
	StringField
	IntField
	FloatField
	BoolField
	BytesField
	UUIDField
	TimeField
)

// Field describes one column of a table: name, declared type, whether it is
// part of the primary key and, for single-field keys, whether the storage
// collaborator generates its value on insert.
type Field struct {
	Name       string    `json:"name"`
	Type       FieldType `json:"type"`
	PrimaryKey bool      `json:"primary_key,omitempty"`
	// AutoGenerate marks a primary key field whose value is produced by the
	// backend (or the engine) when a row is inserted without one.
	AutoGenerate bool `json:"auto_generate,omitempty"`
	// Default is applied to new rows that do not specify the field.
	Default any `json:"default,omitempty"`
}

// Schema is the descriptor of one table: its name and ordered field list.
// When no field is flagged as primary key, all fields form the key.
type Schema struct {
	table  string
	fields []Field
	byName map[string]int
	pk     []string
	auto   string
}

// NewSchema builds a Schema descriptor for table with the given ordered fields.
func NewSchema(table string, fields ...Field) (*Schema, error) {
	if table == "" {
		return nil, Errorf(Unknown, "schema needs a table name")
	}
	if len(fields) == 0 {
		return nil, Errorf(Unknown, "schema %s needs at least one field", table)
	}
	s := Schema{
		table:  table,
		fields: fields,
		byName: make(map[string]int, len(fields)),
	}
	for i, f := range fields {
		if f.Name == "" {
			return nil, Errorf(Unknown, "schema %s has an unnamed field", table)
		}
		if _, ok := s.byName[f.Name]; ok {
			return nil, Errorf(DuplicateKey, "schema %s declares field %s twice", table, f.Name)
		}
		s.byName[f.Name] = i
		if f.PrimaryKey {
			s.pk = append(s.pk, f.Name)
		}
	}
	// No explicit primary key means all fields form the key.
	if len(s.pk) == 0 {
		for _, f := range fields {
			s.pk = append(s.pk, f.Name)
		}
	}
	for _, f := range fields {
		if !f.AutoGenerate {
			continue
		}
		if !f.PrimaryKey || len(s.pk) != 1 {
			return nil, Errorf(NoPrimaryKey, "schema %s: auto-generated field %s must be the sole primary key", table, f.Name)
		}
		s.auto = f.Name
	}
	return &s, nil
}

// MustSchema is NewSchema that panics on a bad descriptor; for package-level declarations.
func MustSchema(table string, fields ...Field) *Schema {
	s, err := NewSchema(table, fields...)
	if err != nil {
		panic(err)
	}
	return s
}

// Table returns the table name.
func (s *Schema) Table() string {
	return s.table
}

// Fields returns the ordered field descriptors.
func (s *Schema) Fields() []Field {
	return s.fields
}

// FieldNames returns the ordered field names.
func (s *Schema) FieldNames() []string {
	names := make([]string, len(s.fields))
	for i, f := range s.fields {
		names[i] = f.Name
	}
	return names
}

// Has reports whether name is a declared field.
func (s *Schema) Has(name string) bool {
	_, ok := s.byName[name]
	return ok
}

// FieldByName returns the descriptor for name.
func (s *Schema) FieldByName(name string) (Field, bool) {
	i, ok := s.byName[name]
	if !ok {
		return Field{}, false
	}
	return s.fields[i], true
}

// PrimaryKey returns the ordered primary key field names.
func (s *Schema) PrimaryKey() []string {
	return s.pk
}

// AutoKeyField returns the name of the auto-generated key field, or "" if none.
func (s *Schema) AutoKeyField() string {
	return s.auto
}

// PrimaryKeyOf extracts the primary key fields from a field mapping.
// It fails with NoPrimaryKey when any key field is missing or nil.
func (s *Schema) PrimaryKeyOf(fields FieldMap) (FieldMap, error) {
	pk := make(FieldMap, len(s.pk))
	for _, name := range s.pk {
		v, ok := fields[name]
		if !ok || v == nil {
			return nil, Errorf(NoPrimaryKey, "table %s: primary key field %s has no value", s.table, name)
		}
		pk[name] = v
	}
	return pk, nil
}

// KeyOf builds the canonical identity map key for a field mapping.
// The key is deterministic across processes: pk fields in schema order, each
// value rendered with a type tag so e.g. 31 and "31" never collide.
func (s *Schema) KeyOf(fields FieldMap) (string, error) {
	pk, err := s.PrimaryKeyOf(fields)
	if err != nil {
		return "", err
	}
	var b strings.Builder
	for i, name := range s.pk {
		if i > 0 {
			b.WriteByte(0x1f)
		}
		b.WriteString(name)
		b.WriteByte('=')
		b.WriteString(keyValue(pk[name]))
	}
	return b.String(), nil
}

// keyValue renders one key component with a kind tag.
func keyValue(v any) string {
	switch tv := v.(type) {
	case string:
		return "s:" + tv
	case []byte:
		return "x:" + string(tv)
	case bool:
		return fmt.Sprintf("b:%v", tv)
	case float32, float64:
		return fmt.Sprintf("f:%v", tv)
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		return fmt.Sprintf("i:%d", tv)
	case UUID:
		return "u:" + tv.String()
	case time.Time:
		return "t:" + tv.UTC().Format(time.RFC3339Nano)
	default:
		return fmt.Sprintf("a:%v", tv)
	}
}
