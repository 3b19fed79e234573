package common

import (
	"sort"

	"github.com/sharedcode/omen"
)

// Rows is a lazy, finite sequence of row objects. It streams storage results
// through the identity map, then serves rows staged for add in the current
// transaction. Restart by issuing the Select again. When an order was
// requested against a storage-backed sequence the storage collaborator
// already ordered its part; staged rows are merged in by draining first.
type Rows struct {
	table *Table
	cur   omen.Cursor
	mem   []*omen.Row
	order []omen.Order

	memIdx  int
	current *omen.Row
	err     error
	drained []*omen.Row // set once when ordering requires full materialization
	closed  bool
}

// memoryRows serves a pre-filtered, pre-sorted in-memory row set.
func memoryRows(rows []*omen.Row) *Rows {
	return &Rows{mem: rows}
}

// Next advances to the next row, returning false at the end or on error.
func (r *Rows) Next() bool {
	if r.err != nil || r.closed {
		return false
	}
	if len(r.order) > 0 && r.cur != nil && len(r.mem) > 0 {
		// Staged rows must be interleaved per the requested order; that
		// requires materializing the storage side once.
		if r.drained == nil {
			if !r.drain() {
				return false
			}
		}
		return r.nextDrained()
	}
	if r.cur != nil {
		for r.cur.Next() {
			row, err := r.table.materialize(r.cur.Fields())
			if err != nil {
				r.err = err
				return false
			}
			if row == nil {
				// Staged remove; invisible to selects in this transaction.
				continue
			}
			r.current = row
			return true
		}
		if err := r.cur.Err(); err != nil {
			r.err = err
			return false
		}
		r.cur.Close()
		r.cur = nil
	}
	if r.memIdx < len(r.mem) {
		r.current = r.mem[r.memIdx]
		r.memIdx++
		return true
	}
	return false
}

func (r *Rows) drain() bool {
	all := make([]*omen.Row, 0, len(r.mem))
	for r.cur.Next() {
		row, err := r.table.materialize(r.cur.Fields())
		if err != nil {
			r.err = err
			return false
		}
		if row != nil {
			all = append(all, row)
		}
	}
	if err := r.cur.Err(); err != nil {
		r.err = err
		return false
	}
	r.cur.Close()
	r.cur = nil
	all = append(all, r.mem...)
	if err := sortRows(all, r.order, r.table.schema); err != nil {
		r.err = err
		return false
	}
	r.drained = all
	r.mem = nil
	return true
}

func (r *Rows) nextDrained() bool {
	if r.memIdx >= len(r.drained) {
		return false
	}
	r.current = r.drained[r.memIdx]
	r.memIdx++
	return true
}

// Row returns the current row object.
func (r *Rows) Row() *omen.Row {
	return r.current
}

// Err returns the error that stopped iteration, if any.
func (r *Rows) Err() error {
	return r.err
}

// Close releases the underlying storage cursor, if still open.
func (r *Rows) Close() error {
	r.closed = true
	if r.cur != nil {
		err := r.cur.Close()
		r.cur = nil
		return err
	}
	return nil
}

// All drains the remaining rows into a slice.
func (r *Rows) All() ([]*omen.Row, error) {
	var out []*omen.Row
	for r.Next() {
		out = append(out, r.Row())
	}
	if err := r.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// sortRows orders rows in place per the order spec, failing fast when a sort
// field is not part of the schema.
func sortRows(rows []*omen.Row, order []omen.Order, schema *omen.Schema) error {
	if len(order) == 0 {
		return nil
	}
	for _, o := range order {
		if !schema.Has(o.Field) {
			return omen.Errorf(omen.UnknownField, "order by %s: not a field of %s", o.Field, schema.Table())
		}
	}
	var sortErr error
	sort.SliceStable(rows, func(i, j int) bool {
		if sortErr != nil {
			return false
		}
		cmp, err := omen.CompareFields(rows[i].Fields(), rows[j].Fields(), order, schema)
		if err != nil {
			sortErr = err
			return false
		}
		return cmp < 0
	})
	return sortErr
}
