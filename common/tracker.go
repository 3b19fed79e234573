package common

import (
	"github.com/sharedcode/omen"
)

type actionType int

const (
	noAction actionType = iota
	addAction
	updateAction
	removeAction
	// purgeAction is the net of add-then-remove within one frame: no storage
	// operation at all, but the row still gets evicted from the identity map
	// when the frame commits.
	purgeAction
)

// stagedOp is one pending operation recorded in a frame, not yet written to
// storage. For updates, changed carries the field names staged so far.
type stagedOp struct {
	table   *Table
	row     *omen.Row
	action  actionType
	changed map[string]struct{}
}

// tracker keeps a frame's staged operations in FIFO order, deduplicated per
// row.
//
// Dedup logic table:
// Current  Staged   Outcome
// _        Add      Add
// _        Update   Update
// _        Remove   Remove
// Add      Update   Add (row fields already carry the latest values)
// Add      Remove   Purge (transient row, no storage op)
// Update   Update   Update (changed sets merged)
// Update   Remove   Remove
// Remove   any      StaleObject
// Purge    any      StaleObject
type tracker struct {
	ops   []*stagedOp
	index map[*omen.Row]*stagedOp
}

func newTracker() *tracker {
	return &tracker{
		index: make(map[*omen.Row]*stagedOp, 8),
	}
}

func (t *tracker) stage(table *Table, row *omen.Row, action actionType, changed map[string]struct{}) error {
	cur, ok := t.index[row]
	if !ok {
		op := &stagedOp{table: table, row: row, action: action, changed: changed}
		t.ops = append(t.ops, op)
		t.index[row] = op
		return nil
	}

	switch cur.action {
	case removeAction, purgeAction:
		return omen.Errorf(omen.StaleObject, "table %s: row %s already staged for removal", table.name, row.Key())
	case addAction:
		switch action {
		case updateAction:
			// Net effect is a single add carrying the latest field values.
			return nil
		case removeAction:
			cur.action = purgeAction
			return nil
		}
		return omen.Errorf(omen.DuplicateKey, "table %s: row %s already staged for add", table.name, row.Key())
	case updateAction:
		switch action {
		case updateAction:
			for name := range changed {
				cur.changed[name] = struct{}{}
			}
			return nil
		case removeAction:
			cur.action = removeAction
			return nil
		}
		return omen.Errorf(omen.DuplicateKey, "table %s: row %s already tracked", table.name, row.Key())
	}
	return omen.Errorf(omen.Unknown, "table %s: row %s in unexpected staged state", table.name, row.Key())
}

func (t *tracker) empty() bool {
	return len(t.ops) == 0
}

// mergeInto replays this tracker's operations through parent's dedup, in FIFO
// order, so a nested frame extends its parent's staged set on scope exit.
func (t *tracker) mergeInto(parent *tracker) error {
	for _, op := range t.ops {
		if op.action == purgeAction {
			// Replay as add then remove so the parent nets it correctly.
			if err := parent.stage(op.table, op.row, addAction, nil); err != nil {
				return err
			}
			if err := parent.stage(op.table, op.row, removeAction, nil); err != nil {
				return err
			}
			continue
		}
		if err := parent.stage(op.table, op.row, op.action, op.changed); err != nil {
			return err
		}
	}
	return nil
}
