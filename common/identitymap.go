// Package common contains the object mediation engine: the per-table identity
// map, the staged-operation tracker, Table and its eager ObjCache variant,
// scoped transaction frames, and the Omen manager that owns one table per
// registered schema.
package common

import (
	"sync"

	"github.com/sharedcode/omen"
)

// identityMap enforces single-instance-per-key for one table's lifetime.
// Every row reachable through it belongs to exactly that table.
type identityMap struct {
	mu   sync.RWMutex
	rows map[string]*omen.Row
}

func newIdentityMap() *identityMap {
	return &identityMap{
		rows: make(map[string]*omen.Row),
	}
}

func (m *identityMap) lookup(key string) (*omen.Row, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	row, ok := m.rows[key]
	return row, ok
}

// insert files row under key. Unless replace is set, a colliding key fails
// with DuplicateKey.
func (m *identityMap) insert(key string, row *omen.Row, replace bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rows[key]; ok && !replace {
		return omen.Errorf(omen.DuplicateKey, "key %s already present in identity map", key)
	}
	m.rows[key] = row
	return nil
}

// getOrInsert returns the already-filed instance for key, inserting row only
// when the key is absent. The returned row is the single live instance.
func (m *identityMap) getOrInsert(key string, row *omen.Row) *omen.Row {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.rows[key]; ok {
		return existing
	}
	m.rows[key] = row
	return row
}

func (m *identityMap) remove(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.rows, key)
}

// all returns a point-in-time snapshot of the mapped rows; iteration over the
// snapshot is restartable and safe against concurrent map mutation. No
// ordering is guaranteed.
func (m *identityMap) all() []*omen.Row {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*omen.Row, 0, len(m.rows))
	for _, row := range m.rows {
		out = append(out, row)
	}
	return out
}

// replaceAll swaps in a freshly built row set; the eager cache's reload uses
// this so replacement is atomic with respect to readers.
func (m *identityMap) replaceAll(rows map[string]*omen.Row) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rows = rows
}

func (m *identityMap) count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.rows)
}
