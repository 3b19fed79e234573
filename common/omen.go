package common

import (
	"context"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/sharedcode/omen"
)

// Omen is the manager: a registry owning one Table per registered schema. It
// orchestrates manager-wide transactions and bulk dump/load of all tables
// to/from a plain nested mapping representation.
type Omen struct {
	db          omen.Storage
	rowCache    omen.RowCache
	rowCacheTTL time.Duration

	mu     sync.RWMutex
	tables map[string]*Table
	caches map[string]*ObjCache
	names  []string // registration order
}

// New builds a manager over db with one table per schema.
func New(db omen.Storage, schemas ...*omen.Schema) (*Omen, error) {
	m := &Omen{
		db:     db,
		tables: make(map[string]*Table, len(schemas)),
		caches: make(map[string]*ObjCache),
	}
	for _, s := range schemas {
		if _, ok := m.tables[s.Table()]; ok {
			return nil, omen.Errorf(omen.DuplicateKey, "table %s registered twice", s.Table())
		}
		m.tables[s.Table()] = newTable(m, s)
		m.names = append(m.names, s.Table())
	}
	return m, nil
}

// SetRowCache configures the optional second-level row cache used on
// identity map misses for by-key reads. ttl zero means no expiration.
func (m *Omen) SetRowCache(cache omen.RowCache, ttl time.Duration) {
	m.rowCache = cache
	m.rowCacheTTL = ttl
}

// Storage returns the storage collaborator.
func (m *Omen) Storage() omen.Storage {
	return m.db
}

// GetTable returns the table registered under name.
func (m *Omen) GetTable(name string) (*Table, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.tables[name]
	if !ok {
		return nil, omen.Errorf(omen.NotFound, "no table named %s", name)
	}
	return t, nil
}

// TableNames returns the registered table names in registration order.
func (m *Omen) TableNames() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, len(m.names))
	copy(out, m.names)
	return out
}

// Cache promotes the named table to an eager object cache (or returns the
// existing one). The caller decides when to Reload it.
func (m *Omen) Cache(name string) (*ObjCache, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.caches[name]; ok {
		return c, nil
	}
	t, ok := m.tables[name]
	if !ok {
		return nil, omen.Errorf(omen.NotFound, "no table named %s", name)
	}
	c := NewObjCache(t)
	m.caches[name] = c
	return c, nil
}

// Transaction opens a manager-wide scoped transaction covering every table.
// Nested scopes (manager- or table-wide) share this scope's single storage
// commit or rollback.
func (m *Omen) Transaction(ctx context.Context, fn func(ctx context.Context) error) error {
	return runFrame(ctx, m, nil, fn)
}

// DumpAll reads every table's committed row set into a plain nested mapping,
// each table ordered by primary key so dumps are deterministic. Tables are
// dumped concurrently.
func (m *Omen) DumpAll(ctx context.Context) (map[string][]omen.FieldMap, error) {
	names := m.TableNames()
	out := make(map[string][]omen.FieldMap, len(names))
	var outMu sync.Mutex

	g, ctx := errgroup.WithContext(ctx)
	for _, name := range names {
		t, err := m.GetTable(name)
		if err != nil {
			return nil, err
		}
		g.Go(func() error {
			rows, err := m.db.Select(ctx, t.name, omen.All(), pkOrder(t.schema))
			if err != nil {
				return err
			}
			defer rows.Close()
			dump := []omen.FieldMap{}
			for rows.Next() {
				fields := rows.Fields()
				copied := make(omen.FieldMap, len(fields))
				for k, v := range fields {
					copied[k] = v
				}
				dump = append(dump, copied)
			}
			if err := rows.Err(); err != nil {
				return err
			}
			outMu.Lock()
			out[t.name] = dump
			outMu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// LoadAll stages every row of the given nested mapping into its table and
// commits them in one manager-wide transaction; any failure rolls the whole
// load back. In-memory identities of loaded rows are fresh instances.
func (m *Omen) LoadAll(ctx context.Context, data map[string][]omen.FieldMap) error {
	names := make([]string, 0, len(data))
	for name := range data {
		names = append(names, name)
	}
	sort.Strings(names)

	return m.Transaction(ctx, func(ctx context.Context) error {
		for _, name := range names {
			t, err := m.GetTable(name)
			if err != nil {
				return err
			}
			for _, fields := range data[name] {
				if _, err := t.New(ctx, fields); err != nil {
					return err
				}
			}
		}
		return nil
	})
}

func pkOrder(schema *omen.Schema) []omen.Order {
	pk := schema.PrimaryKey()
	out := make([]omen.Order, len(pk))
	for i, name := range pk {
		out[i] = omen.Asc(name)
	}
	return out
}
