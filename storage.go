package omen

import (
	"context"
)

// Cursor is a lazy, finite sequence of field mappings produced by a storage
// select. Restart by issuing the select again.
type Cursor interface {
	// Next advances to the next row, returning false at the end or on error.
	Next() bool
	// Fields returns the current row's field mapping.
	Fields() FieldMap
	// Err returns the error that stopped iteration, if any.
	Err() error
	// Close releases resources held by the cursor.
	Close() error
}

// Storage is the collaborator boundary to the underlying tabular store. The
// mediation layer consumes exactly these operations; query execution, SQL
// dialect, connection management and value serialization all live behind it.
//
// Begin/Commit/Rollback are the store's native atomic transaction primitives.
// Calls may block for arbitrary durations and are not cancellable once
// issued; timeout semantics belong to the implementation.
type Storage interface {
	// Select returns a cursor over the rows matching where, in the requested
	// order when order is non-empty.
	Select(ctx context.Context, table string, where Where, order []Order) (Cursor, error)
	// Count returns the number of matching rows without materializing them.
	Count(ctx context.Context, table string, where Where) (int64, error)
	// Insert adds one row and returns the generated primary key value when
	// the table auto-generates one, nil otherwise.
	Insert(ctx context.Context, table string, fields FieldMap) (any, error)
	// Update issues a partial write of changes to the row identified by key.
	Update(ctx context.Context, table string, key FieldMap, changes FieldMap) error
	// Delete removes the row identified by key.
	Delete(ctx context.Context, table string, key FieldMap) error

	// Begin starts the store's native transaction.
	Begin(ctx context.Context) error
	// Commit finalizes the native transaction.
	Commit(ctx context.Context) error
	// Rollback aborts the native transaction.
	Rollback(ctx context.Context) error
}

// sliceCursor serves a pre-materialized row set through the Cursor contract.
type sliceCursor struct {
	rows []FieldMap
	pos  int
}

// NewSliceCursor wraps a materialized row set in a Cursor. Used by in-memory
// collaborators and tests.
func NewSliceCursor(rows []FieldMap) Cursor {
	return &sliceCursor{rows: rows, pos: -1}
}

func (c *sliceCursor) Next() bool {
	if c.pos+1 >= len(c.rows) {
		return false
	}
	c.pos++
	return true
}

func (c *sliceCursor) Fields() FieldMap {
	if c.pos < 0 || c.pos >= len(c.rows) {
		return nil
	}
	return c.rows[c.pos]
}

func (c *sliceCursor) Err() error {
	return nil
}

func (c *sliceCursor) Close() error {
	return nil
}
