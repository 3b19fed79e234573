package common

import (
	"context"
	"fmt"
	log "log/slog"

	"github.com/sharedcode/omen"
)

type frameState int

const (
	frameOpen frameState = iota
	frameCommitting
	frameCommitted
	frameRollingBack
	frameRolledBack
	frameMerged
)

// Frame is one active scoped transaction: the staged operations, plus a
// snapshot of prior state for every row touched, captured at most once per
// row per frame. Frames nest; only the outermost frame talks to the storage
// collaborator, inner frames merge their staged set and snapshots upward on
// clean exit.
type Frame struct {
	id     omen.UUID
	mgr    *Omen
	table  *Table // nil for manager-wide scope
	parent *Frame
	state  frameState
	staged *tracker
	snaps  map[*omen.Row]*snapEntry
}

type snapEntry struct {
	table *Table
	snap  omen.RowSnapshot
	// existed is false for rows created inside the frame; rollback then
	// evicts them instead of restoring a prior state.
	existed bool
}

// ID returns the frame's unique ID.
func (f *Frame) ID() omen.UUID {
	return f.id
}

type frameKey struct{}

func frameFrom(ctx context.Context) *Frame {
	f, _ := ctx.Value(frameKey{}).(*Frame)
	return f
}

// runFrame enters a transactional scope. Frame state travels in the context,
// so there is no ambient global transaction state; each goroutine owns the
// frames of the contexts it holds.
func runFrame(ctx context.Context, mgr *Omen, table *Table, fn func(ctx context.Context) error) error {
	parent := frameFrom(ctx)
	f := &Frame{
		id:     omen.NewUUID(),
		mgr:    mgr,
		table:  table,
		parent: parent,
		state:  frameOpen,
		staged: newTracker(),
		snaps:  make(map[*omen.Row]*snapEntry, 4),
	}

	// Only the outermost frame opens a storage-level transaction.
	if parent == nil {
		if err := mgr.db.Begin(ctx); err != nil {
			return omen.Error{Code: omen.StorageFailure, Err: err}
		}
	}
	log.Debug("frame open", "id", f.id.String(), "nested", parent != nil)

	err := f.run(context.WithValue(ctx, frameKey{}, f), fn)
	if err != nil {
		return f.abort(ctx, err)
	}
	if parent != nil {
		return f.merge()
	}
	return f.commit(ctx)
}

// run invokes fn, converting a panic into a rollback before re-panicking so
// in-memory state is never left half-mutated.
func (f *Frame) run(ctx context.Context, fn func(ctx context.Context) error) error {
	defer func() {
		if r := recover(); r != nil {
			f.abort(ctx, fmt.Errorf("panic: %v", r))
			panic(r)
		}
	}()
	return fn(ctx)
}

// snapshot captures row's prior state once per frame; re-entrant staging
// within the same frame reuses the existing snapshot. Each frame keeps its
// own snapshot even when an ancestor already holds an older one for the same
// row, so a nested abort restores the mutations made in its own scope; on
// merge the ancestor's snapshot stands and the child's is discarded.
func (f *Frame) snapshot(table *Table, row *omen.Row, existed bool) {
	if _, ok := f.snaps[row]; ok {
		return
	}
	f.snaps[row] = &snapEntry{table: table, snap: row.Snapshot(), existed: existed}
}

// stage snapshots then records one operation.
func (f *Frame) stage(table *Table, row *omen.Row, action actionType, changed map[string]struct{}, existed bool) error {
	f.snapshot(table, row, existed)
	return f.staged.stage(table, row, action, changed)
}

// abort exits the scope with err. A nested frame restores only its own
// snapshots in memory and merges nothing upward; the outermost frame invokes
// the storage collaborator's native rollback and restores everything.
func (f *Frame) abort(ctx context.Context, err error) error {
	if f.state != frameOpen && f.state != frameCommitting {
		return err
	}
	f.state = frameRollingBack
	if f.parent != nil {
		f.restore()
		f.state = frameRolledBack
		return err
	}

	// Best-effort native rollback; a failure here is reported as secondary
	// and does not change the restoration outcome.
	rbErr := f.mgr.db.Rollback(ctx)
	f.restore()
	f.state = frameRolledBack
	log.Debug("frame rolled back", "id", f.id.String())
	if rbErr != nil {
		log.Warn("storage rollback failed", "id", f.id.String(), "error", rbErr.Error())
		return omen.Error{Code: omen.RollbackFailed, Err: err, UserData: rbErr}
	}
	return err
}

// restore puts every snapshotted row back to exactly its pre-frame field
// mapping and status, and fixes identity map membership: rows created inside
// the frame are evicted, evicted or re-keyed rows are re-inserted under their
// prior key.
func (f *Frame) restore() {
	for row, e := range f.snaps {
		cur := row.Key()
		row.Restore(e.snap)
		if !e.existed {
			if cur != "" {
				e.table.idmap.remove(cur)
			}
			continue
		}
		if cur != "" && cur != e.snap.Key {
			e.table.idmap.remove(cur)
		}
		e.table.idmap.insert(e.snap.Key, row, true)
	}
}

// merge folds a nested frame's staged operations and snapshots into its
// parent on clean exit; no storage interaction happens here.
func (f *Frame) merge() error {
	if err := f.staged.mergeInto(f.parent.staged); err != nil {
		return f.abort(context.Background(), err)
	}
	for row, e := range f.snaps {
		if _, ok := f.parent.snaps[row]; !ok {
			f.parent.snaps[row] = e
		}
	}
	f.state = frameMerged
	log.Debug("frame merged", "id", f.id.String())
	return nil
}

// commit writes the staged operations through the storage collaborator's
// native transaction and, on success, finalizes in-memory state. Any failure
// along the way is treated identically to an in-scope error: native rollback,
// snapshot restore, and the cause surfaces wrapped as TransactionAborted.
func (f *Frame) commit(ctx context.Context) error {
	f.state = frameCommitting
	if err := f.writeBack(ctx); err != nil {
		return f.abort(ctx, omen.Error{Code: omen.TransactionAborted, Err: err})
	}
	if err := f.mgr.db.Commit(ctx); err != nil {
		return f.abort(ctx, omen.Error{Code: omen.TransactionAborted, Err: err})
	}
	f.finalize(ctx)
	f.state = frameCommitted
	log.Debug("frame committed", "id", f.id.String(), "ops", len(f.staged.ops))
	return nil
}

// writeBack issues the staged operations in FIFO staging order.
func (f *Frame) writeBack(ctx context.Context) error {
	for _, op := range f.staged.ops {
		switch op.action {
		case addAction:
			if err := f.writeAdd(ctx, op); err != nil {
				return err
			}
		case updateAction:
			changes := make(omen.FieldMap, len(op.changed))
			for name := range op.changed {
				changes[name] = op.row.Get(name)
			}
			if len(changes) == 0 {
				continue
			}
			pk, err := op.row.PrimaryKey()
			if err != nil {
				return err
			}
			if err := f.mgr.db.Update(ctx, op.table.name, pk, changes); err != nil {
				return err
			}
		case removeAction:
			pk, err := op.row.PrimaryKey()
			if err != nil {
				return err
			}
			if err := f.mgr.db.Delete(ctx, op.table.name, pk); err != nil {
				return err
			}
		case purgeAction:
			// Transient row: no storage operation at all.
		}
	}
	return nil
}

// writeAdd inserts one row, using the returned generated key (if any) to
// finalize the row's primary key and re-file it in the identity map.
func (f *Frame) writeAdd(ctx context.Context, op *stagedOp) error {
	fields := op.row.Fields()
	auto := op.table.schema.AutoKeyField()
	if auto != "" && fields[auto] == nil {
		delete(fields, auto)
	}
	gen, err := f.mgr.db.Insert(ctx, op.table.name, fields)
	if err != nil {
		return err
	}
	if gen == nil || auto == "" {
		return nil
	}
	if err := op.row.Set(auto, gen); err != nil {
		return err
	}
	newKey, err := op.table.schema.KeyOf(op.row.Fields())
	if err != nil {
		return err
	}
	oldKey := op.row.Key()
	if newKey == oldKey {
		return nil
	}
	if err := op.table.idmap.insert(newKey, op.row, false); err != nil {
		return err
	}
	op.table.idmap.remove(oldKey)
	op.row.SetKey(newKey)
	return nil
}

// finalize clears dirty state on persisted rows, evicts removed and transient
// rows from the identity map, and invalidates their second-level cache keys.
func (f *Frame) finalize(ctx context.Context) {
	var invalidate []string
	for _, op := range f.staged.ops {
		switch op.action {
		case addAction:
			op.row.ClearDirty()
		case updateAction:
			op.row.ClearDirty()
			invalidate = append(invalidate, op.table.rowCacheKey(op.row.Key()))
		case removeAction:
			op.table.idmap.remove(op.row.Key())
			invalidate = append(invalidate, op.table.rowCacheKey(op.row.Key()))
		case purgeAction:
			op.table.idmap.remove(op.row.Key())
		}
	}
	if f.mgr.rowCache != nil && len(invalidate) > 0 {
		if _, err := f.mgr.rowCache.Delete(ctx, invalidate); err != nil {
			// Cache invalidation is secondary; just log it.
			log.Warn("row cache invalidate failed", "error", err.Error())
		}
	}
}
