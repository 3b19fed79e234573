package common

import (
	"testing"

	"github.com/sharedcode/omen"
)

func TestIdentityMapInsertAndLookup(t *testing.T) {
	s := usersSchema()
	m := newIdentityMap()
	row := omen.LoadRow(s, omen.FieldMap{"id": 1, "name": "ann"})

	if err := m.insert("k1", row, false); err != nil {
		t.Fatal(err)
	}
	got, ok := m.lookup("k1")
	if !ok || got != row {
		t.Fatal("lookup must return the inserted instance")
	}

	other := omen.LoadRow(s, omen.FieldMap{"id": 1, "name": "dup"})
	if err := m.insert("k1", other, false); !omen.Is(err, omen.DuplicateKey) {
		t.Errorf("got %v, want DuplicateKey", err)
	}
	if err := m.insert("k1", other, true); err != nil {
		t.Errorf("replace insert failed: %v", err)
	}
}

func TestIdentityMapGetOrInsertKeepsFirstInstance(t *testing.T) {
	s := usersSchema()
	m := newIdentityMap()
	first := omen.LoadRow(s, omen.FieldMap{"id": 1})
	second := omen.LoadRow(s, omen.FieldMap{"id": 1})

	if got := m.getOrInsert("k1", first); got != first {
		t.Fatal("first insert must return its own row")
	}
	if got := m.getOrInsert("k1", second); got != first {
		t.Error("second insert must return the already-mapped instance")
	}
	if m.count() != 1 {
		t.Errorf("got %d rows, want 1", m.count())
	}
}

func TestIdentityMapReplaceAll(t *testing.T) {
	s := usersSchema()
	m := newIdentityMap()
	m.insert("old", omen.LoadRow(s, omen.FieldMap{"id": 1}), false)

	fresh := map[string]*omen.Row{
		"a": omen.LoadRow(s, omen.FieldMap{"id": 2}),
		"b": omen.LoadRow(s, omen.FieldMap{"id": 3}),
	}
	m.replaceAll(fresh)
	if m.count() != 2 {
		t.Errorf("got %d rows, want 2", m.count())
	}
	if _, ok := m.lookup("old"); ok {
		t.Error("old contents survived replaceAll")
	}
}
