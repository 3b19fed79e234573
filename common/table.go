package common

import (
	"context"
	"fmt"
	log "log/slog"
	"sync"

	"github.com/sharedcode/omen"
	"github.com/sharedcode/omen/cel"
)

// Table is the mediation unit for one row-type: it owns the table's identity
// map, answers selects from memory when it can, and stages mutations into the
// active transaction frame, creating an implicit single-operation frame when
// none is open.
type Table struct {
	mgr    *Omen
	name   string
	schema *omen.Schema
	idmap  *identityMap

	mu    sync.Mutex
	cache *ObjCache // non-nil once an eager cache is attached
}

func newTable(mgr *Omen, schema *omen.Schema) *Table {
	return &Table{
		mgr:    mgr,
		name:   schema.Table(),
		schema: schema,
		idmap:  newIdentityMap(),
	}
}

// Name returns the storage table name.
func (t *Table) Name() string {
	return t.name
}

// Schema returns the table's schema descriptor.
func (t *Table) Schema() *omen.Schema {
	return t.schema
}

// Transaction opens a scoped transaction covering this table only. A nested
// call inside an already-open scope shares that scope's eventual commit or
// rollback; it never starts a second storage-level transaction.
func (t *Table) Transaction(ctx context.Context, fn func(ctx context.Context) error) error {
	return runFrame(ctx, t.mgr, t, fn)
}

// withFrame runs fn inside the active frame from ctx, or inside an implicit
// frame committed immediately when none is open. A table-scoped frame only
// accepts operations for its own table; other tables get their own implicit
// frames.
func (t *Table) withFrame(ctx context.Context, fn func(ctx context.Context, f *Frame) error) error {
	if f := frameFrom(ctx); f != nil && (f.table == nil || f.table == t) {
		return fn(ctx, f)
	}
	return runFrame(ctx, t.mgr, t, func(ctx context.Context) error {
		return fn(ctx, frameFrom(ctx))
	})
}

// New constructs a row from fields and stages it for insert, analogous to Add
// with an out-of-band built row. The row enters the identity map immediately
// so it is visible to subsequent selects inside the same transaction.
func (t *Table) New(ctx context.Context, fields omen.FieldMap) (*omen.Row, error) {
	row, err := omen.NewRow(t.schema, fields)
	if err != nil {
		return nil, err
	}
	if err := t.Add(ctx, row); err != nil {
		return nil, err
	}
	return row, nil
}

// Add stages a pre-constructed row (status Added) for insert.
func (t *Table) Add(ctx context.Context, row *omen.Row) error {
	if row.Schema() != t.schema {
		return omen.Errorf(omen.StaleObject, "row belongs to table %s, not %s", row.Schema().Table(), t.name)
	}
	if row.Status() != omen.Added {
		return omen.Errorf(omen.StaleObject, "cannot add a %s row to %s", row.Status(), t.name)
	}
	return t.withFrame(ctx, func(ctx context.Context, f *Frame) error {
		key, err := t.schema.KeyOf(row.Fields())
		if err != nil {
			if t.schema.AutoKeyField() == "" {
				// Will not stage a row without a primary key.
				return err
			}
			// The backend generates the key at commit; file the row under a
			// placeholder until then so in-transaction scans still see it.
			key = "~pending~" + omen.NewUUID().String()
		}
		row.SetKey(key)
		if err := t.idmap.insert(key, row, false); err != nil {
			row.SetKey("")
			return err
		}
		return f.stage(t, row, addAction, nil, false)
	})
}

// Modify is the tracked mutation path: it snapshots the row's prior state in
// the active frame, lets fn assign fields through row.Set, then stages the
// changed set as an update. Outside any open scope the update commits
// immediately.
func (t *Table) Modify(ctx context.Context, row *omen.Row, fn func(row *omen.Row) error) error {
	return t.withFrame(ctx, func(ctx context.Context, f *Frame) error {
		if row.Status() == omen.Removed {
			return omen.Errorf(omen.StaleObject, "table %s: cannot modify removed row %s", t.name, row.Key())
		}
		if row.Key() == "" {
			return omen.Errorf(omen.StaleObject, "table %s: row is not bound; Add it first", t.name)
		}
		f.snapshot(t, row, true)
		if err := fn(row); err != nil {
			return err
		}
		return t.stageUpdate(f, row, row.ChangedFields())
	})
}

// Update is the explicit re-staging path for callers that mutated fields
// directly rather than through Modify. When fields is empty the row's whole
// changed set is staged.
//
// Prefer Modify inside transactions. Update's snapshot is taken at staging
// time, after the caller's direct mutations, so a rollback restores the row
// to the values it had when Update was called, not to the pre-mutation
// values. Modify snapshots before the mutation runs and is the only path
// with exact pre-mutation restore.
func (t *Table) Update(ctx context.Context, row *omen.Row, fields ...string) error {
	return t.withFrame(ctx, func(ctx context.Context, f *Frame) error {
		if row.Status() == omen.Removed {
			return omen.Errorf(omen.StaleObject, "table %s: cannot update removed row %s", t.name, row.Key())
		}
		if len(fields) == 0 {
			fields = row.ChangedFields()
		}
		return t.stageUpdate(f, row, fields)
	})
}

func (t *Table) stageUpdate(f *Frame, row *omen.Row, fields []string) error {
	if len(fields) == 0 {
		return nil
	}
	changed := make(map[string]struct{}, len(fields))
	for _, name := range fields {
		if !t.schema.Has(name) {
			return omen.Errorf(omen.UnknownField, "%s is not a known field of %s", name, t.name)
		}
		changed[name] = struct{}{}
	}
	return f.stage(t, row, updateAction, changed, true)
}

// Remove stages a delete. The row keeps its identity map slot until commit so
// a second select inside the same transaction does not resurrect it from
// storage; rollback restores its status and normal visibility.
func (t *Table) Remove(ctx context.Context, row *omen.Row) error {
	return t.withFrame(ctx, func(ctx context.Context, f *Frame) error {
		if row.Status() == omen.Removed {
			return omen.Errorf(omen.StaleObject, "table %s: row %s already removed", t.name, row.Key())
		}
		if row.Key() == "" {
			return omen.Errorf(omen.StaleObject, "table %s: row is not bound", t.name)
		}
		f.snapshot(t, row, true)
		row.SetStatus(omen.Removed)
		return f.stage(t, row, removeAction, nil, true)
	})
}

// Select returns a lazy, restartable sequence of rows matching where. When a
// full-table cache is warm and the predicate is empty it serves purely from
// the identity map; otherwise the predicate and order are delegated to the
// storage collaborator and each returned row is materialized through the
// identity map, with the mapped instance taking precedence over storage data
// for any row carrying pending local edits.
func (t *Table) Select(ctx context.Context, where omen.Where, order []omen.Order) (*Rows, error) {
	eval, err := compileEval(where)
	if err != nil {
		return nil, err
	}

	if t.warm() && where.IsEmpty() {
		mem, err := t.visibleRows(where, nil)
		if err != nil {
			return nil, err
		}
		if err := sortRows(mem, order, t.schema); err != nil {
			return nil, err
		}
		return memoryRows(mem), nil
	}

	cur, err := t.mgr.db.Select(ctx, t.name, where, order)
	if err != nil {
		return nil, err
	}
	// Rows added inside the current transaction are not in storage yet, but
	// must be visible to in-transaction selects.
	staged, err := t.stagedAdds(where, eval)
	if err != nil {
		cur.Close()
		return nil, err
	}
	return &Rows{table: t, cur: cur, mem: staged, order: order}, nil
}

// Count delegates to the storage collaborator without materializing rows.
// Staged, uncommitted operations are not reflected in the count.
func (t *Table) Count(ctx context.Context, where omen.Where) (int64, error) {
	return t.mgr.db.Count(ctx, t.name, where)
}

// Find returns the row with the given single-field primary key, or nil when
// absent. The identity map is consulted first, then the configured
// second-level row cache, then storage.
func (t *Table) Find(ctx context.Context, id any) (*omen.Row, error) {
	pk := t.schema.PrimaryKey()
	if len(pk) != 1 {
		return nil, omen.Errorf(omen.NoPrimaryKey, "table %s has a composite key; use Select", t.name)
	}
	key, err := t.schema.KeyOf(omen.FieldMap{pk[0]: id})
	if err != nil {
		return nil, err
	}
	if row, ok := t.idmap.lookup(key); ok {
		if row.Status() == omen.Removed {
			return nil, nil
		}
		return row, nil
	}

	if rc := t.mgr.rowCache; rc != nil {
		var cached omen.FieldMap
		found, err := rc.GetStruct(ctx, t.rowCacheKey(key), &cached)
		if err != nil {
			log.Warn("row cache get failed", "table", t.name, "error", err.Error())
		} else if found {
			row := omen.LoadRow(t.schema, cached)
			row.SetKey(key)
			return t.idmap.getOrInsert(key, row), nil
		}
	}

	rows, err := t.Select(ctx, omen.Eq(pk[0], id), nil)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	if !rows.Next() {
		return nil, rows.Err()
	}
	row := rows.Row()
	if rc := t.mgr.rowCache; rc != nil {
		if err := rc.SetStruct(ctx, t.rowCacheKey(key), row.Fields(), t.mgr.rowCacheTTL); err != nil {
			log.Warn("row cache set failed", "table", t.name, "error", err.Error())
		}
	}
	return row, nil
}

// Get is Find that fails with NotFound when the row is absent.
func (t *Table) Get(ctx context.Context, id any) (*omen.Row, error) {
	row, err := t.Find(ctx, id)
	if err != nil {
		return nil, err
	}
	if row == nil {
		return nil, omen.Errorf(omen.NotFound, "%v not in %s", id, t.name)
	}
	return row, nil
}

// SelectOne returns the single row matching where, nil when none, or
// MoreThanOne when the predicate is ambiguous.
func (t *Table) SelectOne(ctx context.Context, where omen.Where) (*omen.Row, error) {
	rows, err := t.Select(ctx, where, nil)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return returnOne(t.name, rows)
}

// SelectAnyOne returns one matching row or nil; it does not mind multiple matches.
func (t *Table) SelectAnyOne(ctx context.Context, where omen.Where) (*omen.Row, error) {
	rows, err := t.Select(ctx, where, nil)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	if rows.Next() {
		return rows.Row(), nil
	}
	return nil, rows.Err()
}

// Contains reports whether a row with the given single-field primary key exists.
func (t *Table) Contains(ctx context.Context, id any) (bool, error) {
	row, err := t.Find(ctx, id)
	return row != nil, err
}

func returnOne(table string, rows *Rows) (*omen.Row, error) {
	if !rows.Next() {
		return nil, rows.Err()
	}
	one := rows.Row()
	if rows.Next() {
		return nil, omen.Errorf(omen.MoreThanOne, "more than one matching row in %s", table)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return one, nil
}

// materialize files one storage row into the identity map, reusing the
// existing instance when present. Rows with a staged remove are invisible.
// Clean instances are refreshed with the freshly read field values.
func (t *Table) materialize(fields omen.FieldMap) (*omen.Row, error) {
	key, err := t.schema.KeyOf(fields)
	if err != nil {
		return nil, err
	}
	if existing, ok := t.idmap.lookup(key); ok {
		if existing.Status() == omen.Removed {
			return nil, nil
		}
		if existing.Status() == omen.Clean {
			existing.Refresh(fields)
		}
		return existing, nil
	}
	row := omen.LoadRow(t.schema, fields)
	row.SetKey(key)
	got := t.idmap.getOrInsert(key, row)
	return got, nil
}

// stagedAdds collects identity-mapped rows with status Added that match the
// predicate; storage cannot return these yet.
func (t *Table) stagedAdds(where omen.Where, eval omen.ExprEvaluator) ([]*omen.Row, error) {
	var out []*omen.Row
	for _, row := range t.idmap.all() {
		if row.Status() != omen.Added {
			continue
		}
		ok, err := where.Matches(row.Fields(), eval)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, row)
		}
	}
	return out, nil
}

// visibleRows returns the identity-mapped rows matching the predicate,
// skipping rows with a staged remove.
func (t *Table) visibleRows(where omen.Where, eval omen.ExprEvaluator) ([]*omen.Row, error) {
	var out []*omen.Row
	for _, row := range t.idmap.all() {
		if row.Status() == omen.Removed {
			continue
		}
		ok, err := where.Matches(row.Fields(), eval)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, row)
		}
	}
	return out, nil
}

func (t *Table) attachCache(c *ObjCache) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.cache = c
}

func (t *Table) warm() bool {
	t.mu.Lock()
	c := t.cache
	t.mu.Unlock()
	return c != nil && c.Loaded()
}

func (t *Table) rowCacheKey(key string) string {
	return fmt.Sprintf("omen:%s:%s", t.name, key)
}

// compileEval compiles the predicate's expression extension, if any.
func compileEval(where omen.Where) (omen.ExprEvaluator, error) {
	if where.Expr == "" {
		return nil, nil
	}
	return cel.NewEvaluator(where.Expr)
}
