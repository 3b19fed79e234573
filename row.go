package omen

import (
	"fmt"
	"sync"
)

// Status is the lifecycle tag of a Row relative to its storage row.
type Status int

const (
	// Clean means the in-memory fields match the last state read from or
	// written to storage.
	Clean Status = iota
	// Added means the row was created in memory and not yet persisted.
	Added
	// Updated means one or more fields changed since the last Clean state.
	Updated
	// Removed means a remove has been staged; the row stays in the identity
	// map until that remove commits so selects do not resurrect it.
	Removed
)

func (s Status) String() string {
	switch s {
	case Clean:
		return "clean"
	case Added:
		return "added"
	case Updated:
		return "updated"
	case Removed:
		return "removed"
	}
	return fmt.Sprintf("status(%d)", int(s))
}

// Row is the live in-memory representative of one storage row. At most one
// Row exists per (table, primary key); the identity map enforces that.
// Mutations go through Set, which records the changed field names for
// minimal-diff write-back.
type Row struct {
	schema *Schema

	mu     sync.Mutex
	fields FieldMap
	status Status
	dirty  map[string]struct{}
	// key is the identity map key the row is currently filed under. For rows
	// awaiting a generated primary key this is a placeholder until commit.
	key string
}

// NewRow constructs an Added row from fields, applying schema defaults and
// rejecting unknown field names.
func NewRow(schema *Schema, fields FieldMap) (*Row, error) {
	r := Row{
		schema: schema,
		fields: make(FieldMap, len(schema.fields)),
		status: Added,
		dirty:  map[string]struct{}{},
	}
	for name, v := range fields {
		if !schema.Has(name) {
			return nil, Errorf(UnknownField, "%s is not a known field of %s", name, schema.Table())
		}
		r.fields[name] = v
	}
	for _, f := range schema.fields {
		if _, ok := r.fields[f.Name]; !ok && f.Default != nil {
			r.fields[f.Name] = f.Default
		}
	}
	return &r, nil
}

// LoadRow constructs a Clean row from a field mapping produced by the storage
// collaborator. Unknown fields are dropped rather than rejected, so schema
// subsets can read wider tables.
func LoadRow(schema *Schema, fields FieldMap) *Row {
	r := Row{
		schema: schema,
		fields: make(FieldMap, len(fields)),
		status: Clean,
		dirty:  map[string]struct{}{},
	}
	for name, v := range fields {
		if schema.Has(name) {
			r.fields[name] = v
		}
	}
	return &r
}

// Schema returns the row's schema descriptor.
func (r *Row) Schema() *Schema {
	return r.schema
}

// Get returns the current value of a field, nil when unset or unknown.
func (r *Row) Get(name string) any {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.fields[name]
}

// Set assigns a field value, records it as changed and promotes the status
// Clean to Updated. Added and Removed are left unchanged by further edits.
func (r *Row) Set(name string, v any) error {
	if !r.schema.Has(name) {
		return Errorf(UnknownField, "%s is not a known field of %s", name, r.schema.Table())
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fields[name] = v
	r.dirty[name] = struct{}{}
	if r.status == Clean {
		r.status = Updated
	}
	return nil
}

// Fields returns a copy of the current field mapping.
func (r *Row) Fields() FieldMap {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(FieldMap, len(r.fields))
	for k, v := range r.fields {
		out[k] = v
	}
	return out
}

// Status returns the row's lifecycle tag.
func (r *Row) Status() Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status
}

// SetStatus assigns the lifecycle tag. It is driven by the mediation engine;
// applications normally never call it.
func (r *Row) SetStatus(s Status) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.status = s
}

// ChangedFields returns the names of fields mutated since the last Clean state.
func (r *Row) ChangedFields() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.dirty))
	for name := range r.dirty {
		out = append(out, name)
	}
	return out
}

// Diff returns the minimal write: changed field names mapped to their current values.
func (r *Row) Diff() FieldMap {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(FieldMap, len(r.dirty))
	for name := range r.dirty {
		out[name] = r.fields[name]
	}
	return out
}

// ClearDirty resets the row to Clean with an empty changed-field set.
// Called only after a successful commit.
func (r *Row) ClearDirty() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.status = Clean
	r.dirty = map[string]struct{}{}
}

// Refresh replaces a Clean row's fields with freshly read storage values.
// Rows carrying pending local edits are left alone; the identity-mapped
// instance takes precedence over storage data for those.
func (r *Row) Refresh(fields FieldMap) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.status != Clean {
		return
	}
	r.fields = make(FieldMap, len(fields))
	for name, v := range fields {
		if r.schema.Has(name) {
			r.fields[name] = v
		}
	}
}

// PrimaryKey returns the row's primary key fields.
func (r *Row) PrimaryKey() (FieldMap, error) {
	return r.schema.PrimaryKeyOf(r.Fields())
}

// Key returns the identity map key the row is filed under; "" when unbound.
func (r *Row) Key() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.key
}

// SetKey files the row under an identity map key. Engine use.
func (r *Row) SetKey(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.key = key
}

// RowSnapshot is a point-in-time copy of a row's observable state, captured
// before the first staged mutation in a transaction frame and restored
// verbatim on rollback.
type RowSnapshot struct {
	Fields FieldMap
	Status Status
	Dirty  map[string]struct{}
	Key    string
}

// Snapshot captures the row's full field mapping, status, changed-field set
// and identity key.
func (r *Row) Snapshot() RowSnapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	snap := RowSnapshot{
		Fields: make(FieldMap, len(r.fields)),
		Status: r.status,
		Dirty:  make(map[string]struct{}, len(r.dirty)),
		Key:    r.key,
	}
	for k, v := range r.fields {
		snap.Fields[k] = v
	}
	for k := range r.dirty {
		snap.Dirty[k] = struct{}{}
	}
	return snap
}

// Restore puts the row back to exactly the snapshotted state.
func (r *Row) Restore(snap RowSnapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fields = make(FieldMap, len(snap.Fields))
	for k, v := range snap.Fields {
		r.fields[k] = v
	}
	r.dirty = make(map[string]struct{}, len(snap.Dirty))
	for k := range snap.Dirty {
		r.dirty[k] = struct{}{}
	}
	r.status = snap.Status
	r.key = snap.Key
}

// Matches reports whether every given field equals the row's current value.
func (r *Row) Matches(fields FieldMap) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for name, want := range fields {
		if !equalValues(r.fields[name], want) {
			return false
		}
	}
	return true
}
