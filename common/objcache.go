package common

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/sharedcode/omen"
)

// ObjCache is the eager variant of Table: Reload pulls the full current row
// set into the identity map at once, and selects are then answered purely
// from memory with the same predicate semantics as a storage-delegated
// select. Until Reload succeeds, selects fall through to the wrapped table.
type ObjCache struct {
	table  *Table
	mu     sync.Mutex
	loaded atomic.Bool
}

// NewObjCache attaches an eager cache to table. Once warm, the table's own
// empty-predicate selects are served from memory too.
func NewObjCache(t *Table) *ObjCache {
	c := &ObjCache{table: t}
	t.attachCache(c)
	return c
}

// Table returns the wrapped table.
func (c *ObjCache) Table() *Table {
	return c.table
}

// Loaded reports whether a Reload has completed.
func (c *ObjCache) Loaded() bool {
	return c.loaded.Load()
}

// Reload atomically replaces the identity map contents with a freshly queried
// full row set and returns its size. On read failure the previous contents
// are left untouched. Transient read errors are retried; rows with in-flight
// staged state survive the swap so open transactions stay coherent.
func (c *ObjCache) Reload(ctx context.Context) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var fresh map[string]*omen.Row
	err := omen.Retry(ctx, func(ctx context.Context) error {
		built, err := c.fetchAll(ctx)
		if err != nil {
			return omen.RetryableError(err)
		}
		fresh = built
		return nil
	}, nil)
	if err != nil {
		return 0, err
	}

	for _, row := range c.table.idmap.all() {
		if row.Status() == omen.Clean {
			continue
		}
		if _, ok := fresh[row.Key()]; !ok {
			fresh[row.Key()] = row
		}
	}
	c.table.idmap.replaceAll(fresh)
	c.loaded.Store(true)
	return len(fresh), nil
}

func (c *ObjCache) fetchAll(ctx context.Context) (map[string]*omen.Row, error) {
	cur, err := c.table.mgr.db.Select(ctx, c.table.name, omen.All(), nil)
	if err != nil {
		return nil, err
	}
	defer cur.Close()

	built := make(map[string]*omen.Row)
	for cur.Next() {
		fields := cur.Fields()
		key, err := c.table.schema.KeyOf(fields)
		if err != nil {
			return nil, err
		}
		if existing, ok := c.table.idmap.lookup(key); ok {
			// Keep the live instance; identity must survive a reload.
			existing.Refresh(fields)
			built[key] = existing
			continue
		}
		row := omen.LoadRow(c.table.schema, fields)
		row.SetKey(key)
		built[key] = row
	}
	if err := cur.Err(); err != nil {
		return nil, err
	}
	return built, nil
}

// Select filters the in-memory set, guaranteeing results identical to a
// storage-delegated select for any predicate, at O(n) scan cost. Before the
// first successful Reload it falls through to the wrapped table.
func (c *ObjCache) Select(ctx context.Context, where omen.Where, order []omen.Order) (*Rows, error) {
	if !c.Loaded() {
		return c.table.Select(ctx, where, order)
	}
	eval, err := compileEval(where)
	if err != nil {
		return nil, err
	}
	rows, err := c.table.visibleRows(where, eval)
	if err != nil {
		return nil, err
	}
	if err := sortRows(rows, order, c.table.schema); err != nil {
		return nil, err
	}
	return memoryRows(rows), nil
}

// SelectOne returns the single matching row, nil when none, MoreThanOne when ambiguous.
func (c *ObjCache) SelectOne(ctx context.Context, where omen.Where) (*omen.Row, error) {
	rows, err := c.Select(ctx, where, nil)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return returnOne(c.table.name, rows)
}

// Find returns the row with the given single-field primary key, or nil.
// Once warm this never hits storage.
func (c *ObjCache) Find(ctx context.Context, id any) (*omen.Row, error) {
	if !c.Loaded() {
		return c.table.Find(ctx, id)
	}
	pk := c.table.schema.PrimaryKey()
	if len(pk) != 1 {
		return nil, omen.Errorf(omen.NoPrimaryKey, "table %s has a composite key; use Select", c.table.name)
	}
	key, err := c.table.schema.KeyOf(omen.FieldMap{pk[0]: id})
	if err != nil {
		return nil, err
	}
	row, ok := c.table.idmap.lookup(key)
	if !ok || row.Status() == omen.Removed {
		return nil, nil
	}
	return row, nil
}

// Get is Find that fails with NotFound when the row is absent.
func (c *ObjCache) Get(ctx context.Context, id any) (*omen.Row, error) {
	row, err := c.Find(ctx, id)
	if err != nil {
		return nil, err
	}
	if row == nil {
		return nil, omen.Errorf(omen.NotFound, "%v not in %s", id, c.table.name)
	}
	return row, nil
}

// Contains reports whether a row with the given primary key is in the cache.
func (c *ObjCache) Contains(ctx context.Context, id any) (bool, error) {
	row, err := c.Find(ctx, id)
	return row != nil, err
}

// Count counts matching rows from memory once warm, else delegates to storage.
func (c *ObjCache) Count(ctx context.Context, where omen.Where) (int64, error) {
	if !c.Loaded() {
		return c.table.Count(ctx, where)
	}
	eval, err := compileEval(where)
	if err != nil {
		return 0, err
	}
	rows, err := c.table.visibleRows(where, eval)
	if err != nil {
		return 0, err
	}
	return int64(len(rows)), nil
}

// New constructs and stages a row through the wrapped table.
func (c *ObjCache) New(ctx context.Context, fields omen.FieldMap) (*omen.Row, error) {
	return c.table.New(ctx, fields)
}

// Add stages a pre-constructed row through the wrapped table.
func (c *ObjCache) Add(ctx context.Context, row *omen.Row) error {
	return c.table.Add(ctx, row)
}

// Modify runs the tracked mutation path on the wrapped table.
func (c *ObjCache) Modify(ctx context.Context, row *omen.Row, fn func(row *omen.Row) error) error {
	return c.table.Modify(ctx, row, fn)
}

// Remove stages a delete through the wrapped table.
func (c *ObjCache) Remove(ctx context.Context, row *omen.Row) error {
	return c.table.Remove(ctx, row)
}
