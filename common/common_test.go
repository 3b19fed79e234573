package common

import (
	"context"
	"testing"

	"github.com/sharedcode/omen"
	"github.com/sharedcode/omen/in_memory"
)

func usersSchema() *omen.Schema {
	return omen.MustSchema("users",
		omen.Field{Name: "id", Type: omen.IntField, PrimaryKey: true},
		omen.Field{Name: "name", Type: omen.StringField},
		omen.Field{Name: "balance", Type: omen.FloatField, Default: 0.0},
	)
}

func eventsSchema() *omen.Schema {
	return omen.MustSchema("events",
		omen.Field{Name: "id", Type: omen.IntField, PrimaryKey: true, AutoGenerate: true},
		omen.Field{Name: "note", Type: omen.StringField},
	)
}

// countingStore wraps a real storage collaborator and counts every call, so
// tests can assert exactly which writes a transaction produced.
type countingStore struct {
	inner omen.Storage

	selects, counts    int
	inserts, updates   int
	deletes            int
	begins, commits    int
	rollbacks          int
	selectErr, commitErr error
}

func (c *countingStore) Select(ctx context.Context, table string, where omen.Where, order []omen.Order) (omen.Cursor, error) {
	c.selects++
	if c.selectErr != nil {
		return nil, c.selectErr
	}
	return c.inner.Select(ctx, table, where, order)
}

func (c *countingStore) Count(ctx context.Context, table string, where omen.Where) (int64, error) {
	c.counts++
	return c.inner.Count(ctx, table, where)
}

func (c *countingStore) Insert(ctx context.Context, table string, fields omen.FieldMap) (any, error) {
	c.inserts++
	return c.inner.Insert(ctx, table, fields)
}

func (c *countingStore) Update(ctx context.Context, table string, key omen.FieldMap, changes omen.FieldMap) error {
	c.updates++
	return c.inner.Update(ctx, table, key, changes)
}

func (c *countingStore) Delete(ctx context.Context, table string, key omen.FieldMap) error {
	c.deletes++
	return c.inner.Delete(ctx, table, key)
}

func (c *countingStore) Begin(ctx context.Context) error {
	c.begins++
	return c.inner.Begin(ctx)
}

func (c *countingStore) Commit(ctx context.Context) error {
	c.commits++
	if c.commitErr != nil {
		// Leave the native transaction open; the engine rolls it back.
		return c.commitErr
	}
	return c.inner.Commit(ctx)
}

func (c *countingStore) Rollback(ctx context.Context) error {
	c.rollbacks++
	return c.inner.Rollback(ctx)
}

func newTestManager(t *testing.T, schemas ...*omen.Schema) (*Omen, *countingStore) {
	t.Helper()
	store := &countingStore{inner: in_memory.NewDatabase(schemas...)}
	m, err := New(store, schemas...)
	if err != nil {
		t.Fatal(err)
	}
	return m, store
}

func mustTable(t *testing.T, m *Omen, name string) *Table {
	t.Helper()
	tbl, err := m.GetTable(name)
	if err != nil {
		t.Fatal(err)
	}
	return tbl
}
