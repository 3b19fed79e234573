// Package in_memory provides a storage collaborator backed by process memory.
// It implements the full collaborator contract, native transaction included,
// so application code, tests and demos can run against the mediation layer
// with zero infrastructure.
package in_memory

import (
	"context"
	"sort"
	"sync"

	"github.com/sharedcode/omen"
	"github.com/sharedcode/omen/cel"
)

// Database is an in-process tabular store keyed by each schema's canonical
// primary key rendering. Begin snapshots all tables; Rollback restores the
// snapshot, Commit discards it. Only one native transaction can be open at a
// time, matching the single-connection model of the SQL collaborators.
type Database struct {
	mu      sync.Mutex
	schemas map[string]*omen.Schema
	tables  map[string]map[string]omen.FieldMap
	journal map[string]map[string]omen.FieldMap
	inTx    bool
	seq     map[string]int64
}

// NewDatabase builds an empty store serving the given schemas.
func NewDatabase(schemas ...*omen.Schema) *Database {
	db := &Database{
		schemas: make(map[string]*omen.Schema, len(schemas)),
		tables:  make(map[string]map[string]omen.FieldMap, len(schemas)),
		seq:     make(map[string]int64),
	}
	for _, s := range schemas {
		db.schemas[s.Table()] = s
		db.tables[s.Table()] = make(map[string]omen.FieldMap)
	}
	return db
}

func (db *Database) schemaOf(table string) (*omen.Schema, error) {
	s, ok := db.schemas[table]
	if !ok {
		return nil, omen.Errorf(omen.NotFound, "no table named %s", table)
	}
	return s, nil
}

// Select returns a cursor over copies of the matching rows. A Where carrying
// an expression is evaluated in-process via the cel package.
func (db *Database) Select(ctx context.Context, table string, where omen.Where, order []omen.Order) (omen.Cursor, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	schema, err := db.schemaOf(table)
	if err != nil {
		return nil, err
	}
	matched, err := db.matchLocked(table, where)
	if err != nil {
		return nil, err
	}
	if len(order) > 0 {
		var sortErr error
		sort.SliceStable(matched, func(i, j int) bool {
			if sortErr != nil {
				return false
			}
			cmp, err := omen.CompareFields(matched[i], matched[j], order, schema)
			if err != nil {
				sortErr = err
				return false
			}
			return cmp < 0
		})
		if sortErr != nil {
			return nil, sortErr
		}
	}
	return omen.NewSliceCursor(matched), nil
}

// Count counts matching rows without materializing a cursor.
func (db *Database) Count(ctx context.Context, table string, where omen.Where) (int64, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	if _, err := db.schemaOf(table); err != nil {
		return 0, err
	}
	matched, err := db.matchLocked(table, where)
	if err != nil {
		return 0, err
	}
	return int64(len(matched)), nil
}

func (db *Database) matchLocked(table string, where omen.Where) ([]omen.FieldMap, error) {
	var eval omen.ExprEvaluator
	if where.Expr != "" {
		e, err := cel.NewEvaluator(where.Expr)
		if err != nil {
			return nil, omen.Error{Code: omen.StorageFailure, Err: err}
		}
		eval = e
	}
	var matched []omen.FieldMap
	for _, fields := range db.tables[table] {
		ok, err := where.Matches(fields, eval)
		if err != nil {
			return nil, err
		}
		if ok {
			matched = append(matched, cloneFields(fields))
		}
	}
	return matched, nil
}

// Insert adds one row, generating the primary key when the schema declares an
// auto-generated key field and the caller left it unset. Integer keys come
// from a per-table sequence, everything else gets a fresh UUID string.
func (db *Database) Insert(ctx context.Context, table string, fields omen.FieldMap) (any, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	schema, err := db.schemaOf(table)
	if err != nil {
		return nil, err
	}
	row := cloneFields(fields)
	var generated any
	if auto := schema.AutoKeyField(); auto != "" && row[auto] == nil {
		f, _ := schema.FieldByName(auto)
		switch f.Type {
		case omen.IntField:
			db.seq[table]++
			generated = db.seq[table]
		case omen.UUIDField:
			// The value must stay a UUID; identity keys are type-tagged, so a
			// string rendering would never match a UUID-valued lookup.
			generated = omen.NewUUID()
		default:
			generated = omen.NewUUID().String()
		}
		row[auto] = generated
	}
	key, err := schema.KeyOf(row)
	if err != nil {
		return nil, err
	}
	if _, ok := db.tables[table][key]; ok {
		return nil, omen.Errorf(omen.DuplicateKey, "table %s already has a row keyed %s", table, key)
	}
	db.tables[table][key] = row
	return generated, nil
}

// Update applies a partial write to the row identified by key.
func (db *Database) Update(ctx context.Context, table string, key omen.FieldMap, changes omen.FieldMap) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	schema, err := db.schemaOf(table)
	if err != nil {
		return err
	}
	mapKey, err := schema.KeyOf(key)
	if err != nil {
		return err
	}
	row, ok := db.tables[table][mapKey]
	if !ok {
		return omen.Errorf(omen.NotFound, "table %s has no row keyed %s", table, mapKey)
	}
	updated := cloneFields(row)
	for name, v := range changes {
		updated[name] = v
	}
	newKey, err := schema.KeyOf(updated)
	if err != nil {
		return err
	}
	if newKey != mapKey {
		if _, ok := db.tables[table][newKey]; ok {
			return omen.Errorf(omen.DuplicateKey, "table %s already has a row keyed %s", table, newKey)
		}
		delete(db.tables[table], mapKey)
	}
	db.tables[table][newKey] = updated
	return nil
}

// Delete removes the row identified by key.
func (db *Database) Delete(ctx context.Context, table string, key omen.FieldMap) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	schema, err := db.schemaOf(table)
	if err != nil {
		return err
	}
	mapKey, err := schema.KeyOf(key)
	if err != nil {
		return err
	}
	if _, ok := db.tables[table][mapKey]; !ok {
		return omen.Errorf(omen.NotFound, "table %s has no row keyed %s", table, mapKey)
	}
	delete(db.tables[table], mapKey)
	return nil
}

// Begin snapshots every table. A second Begin before Commit or Rollback fails.
func (db *Database) Begin(ctx context.Context) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	if db.inTx {
		return omen.Errorf(omen.StorageFailure, "transaction already in progress")
	}
	db.journal = make(map[string]map[string]omen.FieldMap, len(db.tables))
	for name, rows := range db.tables {
		snap := make(map[string]omen.FieldMap, len(rows))
		for k, fields := range rows {
			snap[k] = cloneFields(fields)
		}
		db.journal[name] = snap
	}
	db.inTx = true
	return nil
}

// Commit discards the Begin snapshot, keeping all writes since.
func (db *Database) Commit(ctx context.Context) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	if !db.inTx {
		return omen.Errorf(omen.StorageFailure, "no transaction in progress")
	}
	db.journal = nil
	db.inTx = false
	return nil
}

// Rollback restores every table to its Begin snapshot.
func (db *Database) Rollback(ctx context.Context) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	if !db.inTx {
		return omen.Errorf(omen.StorageFailure, "no transaction in progress")
	}
	db.tables = db.journal
	db.journal = nil
	db.inTx = false
	return nil
}

func cloneFields(fields omen.FieldMap) omen.FieldMap {
	out := make(omen.FieldMap, len(fields))
	for k, v := range fields {
		out[k] = v
	}
	return out
}
