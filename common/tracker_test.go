package common

import (
	"testing"

	"github.com/sharedcode/omen"
)

func stagingFixture(t *testing.T) (*Table, *omen.Row) {
	t.Helper()
	m, _ := newTestManager(t, usersSchema())
	tbl := mustTable(t, m, "users")
	row := omen.LoadRow(tbl.schema, omen.FieldMap{"id": 1, "name": "ann"})
	row.SetKey("k1")
	return tbl, row
}

func changed(names ...string) map[string]struct{} {
	out := make(map[string]struct{}, len(names))
	for _, n := range names {
		out[n] = struct{}{}
	}
	return out
}

func TestTrackerAddThenUpdateStaysOneAdd(t *testing.T) {
	tbl, row := stagingFixture(t)
	tr := newTracker()
	if err := tr.stage(tbl, row, addAction, nil); err != nil {
		t.Fatal(err)
	}
	if err := tr.stage(tbl, row, updateAction, changed("name")); err != nil {
		t.Fatal(err)
	}
	if len(tr.ops) != 1 || tr.ops[0].action != addAction {
		t.Errorf("got %d ops, first action %v; want one add", len(tr.ops), tr.ops[0].action)
	}
}

func TestTrackerAddThenRemoveNetsToPurge(t *testing.T) {
	tbl, row := stagingFixture(t)
	tr := newTracker()
	tr.stage(tbl, row, addAction, nil)
	if err := tr.stage(tbl, row, removeAction, nil); err != nil {
		t.Fatal(err)
	}
	if len(tr.ops) != 1 || tr.ops[0].action != purgeAction {
		t.Errorf("got action %v, want purge", tr.ops[0].action)
	}
}

func TestTrackerUpdatesMergeChangedSets(t *testing.T) {
	tbl, row := stagingFixture(t)
	tr := newTracker()
	tr.stage(tbl, row, updateAction, changed("name"))
	if err := tr.stage(tbl, row, updateAction, changed("balance")); err != nil {
		t.Fatal(err)
	}
	if len(tr.ops) != 1 {
		t.Fatalf("got %d ops, want 1", len(tr.ops))
	}
	op := tr.ops[0]
	if op.action != updateAction || len(op.changed) != 2 {
		t.Errorf("got action %v with changed %v, want one update carrying both fields", op.action, op.changed)
	}
}

func TestTrackerUpdateThenRemoveBecomesRemove(t *testing.T) {
	tbl, row := stagingFixture(t)
	tr := newTracker()
	tr.stage(tbl, row, updateAction, changed("name"))
	if err := tr.stage(tbl, row, removeAction, nil); err != nil {
		t.Fatal(err)
	}
	if tr.ops[0].action != removeAction {
		t.Errorf("got action %v, want remove", tr.ops[0].action)
	}
}

func TestTrackerRejectsOperationsAfterRemove(t *testing.T) {
	tbl, row := stagingFixture(t)
	tr := newTracker()
	tr.stage(tbl, row, removeAction, nil)
	if err := tr.stage(tbl, row, updateAction, changed("name")); !omen.Is(err, omen.StaleObject) {
		t.Errorf("update after remove: got %v, want StaleObject", err)
	}
	if err := tr.stage(tbl, row, addAction, nil); !omen.Is(err, omen.StaleObject) {
		t.Errorf("add after remove: got %v, want StaleObject", err)
	}
}

func TestTrackerMergeReplaysInOrder(t *testing.T) {
	tbl, row := stagingFixture(t)
	other := omen.LoadRow(tbl.schema, omen.FieldMap{"id": 2, "name": "bob"})
	other.SetKey("k2")

	parent := newTracker()
	parent.stage(tbl, row, updateAction, changed("name"))

	child := newTracker()
	child.stage(tbl, row, updateAction, changed("balance"))
	child.stage(tbl, other, addAction, nil)

	if err := child.mergeInto(parent); err != nil {
		t.Fatal(err)
	}
	if len(parent.ops) != 2 {
		t.Fatalf("got %d ops, want 2", len(parent.ops))
	}
	if len(parent.index[row].changed) != 2 {
		t.Errorf("merged update lost a changed field: %v", parent.index[row].changed)
	}
	if parent.index[other].action != addAction {
		t.Errorf("merged add became %v", parent.index[other].action)
	}
}

func TestTrackerMergeReplaysPurgeAsNetNothing(t *testing.T) {
	tbl, row := stagingFixture(t)
	parent := newTracker()
	child := newTracker()
	child.stage(tbl, row, addAction, nil)
	child.stage(tbl, row, removeAction, nil)

	if err := child.mergeInto(parent); err != nil {
		t.Fatal(err)
	}
	if len(parent.ops) != 1 || parent.ops[0].action != purgeAction {
		t.Errorf("got %v, want a single purge in the parent", parent.ops)
	}
}
