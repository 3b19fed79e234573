// Package pgsql provides a PostgreSQL storage collaborator over database/sql
// and the lib/pq driver. Predicates translate to parameterized SQL; a Where
// carrying an in-process expression is rejected rather than mis-filtered.
package pgsql

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/lib/pq"

	"github.com/sharedcode/omen"
)

// Store is a PostgreSQL-backed storage collaborator. One native transaction
// can be open at a time; outside a transaction statements auto-commit.
type Store struct {
	db      *sql.DB
	schemas map[string]*omen.Schema

	mu sync.Mutex
	tx *sql.Tx
}

// NewStore opens a connection pool for dsn. Schemas are optional; when given,
// inserts into tables with an auto-generated key use RETURNING to surface the
// generated value.
func NewStore(dsn string, schemas ...*omen.Schema) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, omen.Error{Code: omen.StorageFailure, Err: err}
	}
	s := &Store{
		db:      db,
		schemas: make(map[string]*omen.Schema, len(schemas)),
	}
	for _, sc := range schemas {
		s.schemas[sc.Table()] = sc
	}
	return s, nil
}

// Close releases the connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (s *Store) querier() querier {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tx != nil {
		return s.tx
	}
	return s.db
}

// Select returns a cursor over the matching rows.
func (s *Store) Select(ctx context.Context, table string, where omen.Where, order []omen.Order) (omen.Cursor, error) {
	query, args, err := selectSQL(table, where, order)
	if err != nil {
		return nil, err
	}
	rows, err := s.querier().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, omen.Error{Code: omen.StorageFailure, Err: err, UserData: query}
	}
	cols, err := rows.Columns()
	if err != nil {
		rows.Close()
		return nil, omen.Error{Code: omen.StorageFailure, Err: err}
	}
	return &rowsCursor{rows: rows, cols: cols}, nil
}

// Count counts the matching rows server-side.
func (s *Store) Count(ctx context.Context, table string, where omen.Where) (int64, error) {
	clause, args, err := whereSQL(where, 1)
	if err != nil {
		return 0, err
	}
	query := "SELECT COUNT(*) FROM " + pq.QuoteIdentifier(table) + clause
	var n int64
	if err := s.querier().QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return 0, omen.Error{Code: omen.StorageFailure, Err: err, UserData: query}
	}
	return n, nil
}

// Insert adds one row. When the table's schema declares an auto-generated key
// and the caller left it unset, the statement returns the generated value.
func (s *Store) Insert(ctx context.Context, table string, fields omen.FieldMap) (any, error) {
	names := sortedNames(fields)
	cols := make([]string, len(names))
	marks := make([]string, len(names))
	args := make([]any, len(names))
	for i, name := range names {
		cols[i] = pq.QuoteIdentifier(name)
		marks[i] = fmt.Sprintf("$%d", i+1)
		args[i] = fields[name]
	}
	query := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		pq.QuoteIdentifier(table), strings.Join(cols, ", "), strings.Join(marks, ", "))

	auto := ""
	if schema, ok := s.schemas[table]; ok {
		if a := schema.AutoKeyField(); a != "" && fields[a] == nil {
			auto = a
		}
	}
	if auto == "" {
		if _, err := s.querier().ExecContext(ctx, query, args...); err != nil {
			return nil, wrapWriteError(err, query)
		}
		return nil, nil
	}
	query += " RETURNING " + pq.QuoteIdentifier(auto)
	var generated any
	if err := s.querier().QueryRowContext(ctx, query, args...).Scan(&generated); err != nil {
		return nil, wrapWriteError(err, query)
	}
	return generated, nil
}

// Update issues a partial write to the row identified by key.
func (s *Store) Update(ctx context.Context, table string, key omen.FieldMap, changes omen.FieldMap) error {
	names := sortedNames(changes)
	sets := make([]string, len(names))
	args := make([]any, 0, len(changes)+len(key))
	for i, name := range names {
		sets[i] = fmt.Sprintf("%s = $%d", pq.QuoteIdentifier(name), i+1)
		args = append(args, changes[name])
	}
	clause, keyArgs, err := whereSQL(eqWhere(key), len(args)+1)
	if err != nil {
		return err
	}
	args = append(args, keyArgs...)
	query := fmt.Sprintf("UPDATE %s SET %s%s",
		pq.QuoteIdentifier(table), strings.Join(sets, ", "), clause)
	res, err := s.querier().ExecContext(ctx, query, args...)
	if err != nil {
		return wrapWriteError(err, query)
	}
	return requireHit(res, table, key)
}

// Delete removes the row identified by key.
func (s *Store) Delete(ctx context.Context, table string, key omen.FieldMap) error {
	clause, args, err := whereSQL(eqWhere(key), 1)
	if err != nil {
		return err
	}
	query := "DELETE FROM " + pq.QuoteIdentifier(table) + clause
	res, err := s.querier().ExecContext(ctx, query, args...)
	if err != nil {
		return wrapWriteError(err, query)
	}
	return requireHit(res, table, key)
}

// Begin starts the native transaction.
func (s *Store) Begin(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tx != nil {
		return omen.Errorf(omen.StorageFailure, "transaction already in progress")
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return omen.Error{Code: omen.StorageFailure, Err: err}
	}
	s.tx = tx
	return nil
}

// Commit finalizes the native transaction.
func (s *Store) Commit(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tx == nil {
		return omen.Errorf(omen.StorageFailure, "no transaction in progress")
	}
	err := s.tx.Commit()
	s.tx = nil
	if err != nil {
		return omen.Error{Code: omen.StorageFailure, Err: err}
	}
	return nil
}

// Rollback aborts the native transaction.
func (s *Store) Rollback(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tx == nil {
		return omen.Errorf(omen.StorageFailure, "no transaction in progress")
	}
	err := s.tx.Rollback()
	s.tx = nil
	if err != nil {
		return omen.Error{Code: omen.StorageFailure, Err: err}
	}
	return nil
}

// selectSQL renders a full SELECT statement with positional parameters.
func selectSQL(table string, where omen.Where, order []omen.Order) (string, []any, error) {
	clause, args, err := whereSQL(where, 1)
	if err != nil {
		return "", nil, err
	}
	query := "SELECT * FROM " + pq.QuoteIdentifier(table) + clause
	if len(order) > 0 {
		keys := make([]string, len(order))
		for i, o := range order {
			keys[i] = pq.QuoteIdentifier(o.Field)
			if o.Desc {
				keys[i] += " DESC"
			}
		}
		query += " ORDER BY " + strings.Join(keys, ", ")
	}
	return query, args, nil
}

// whereSQL renders the WHERE clause, numbering parameters from first. The
// empty predicate renders to nothing.
func whereSQL(where omen.Where, first int) (string, []any, error) {
	if where.Expr != "" {
		return "", nil, omen.Errorf(omen.StorageFailure,
			"predicate expression %q cannot run on the SQL side", where.Expr)
	}
	if len(where.Conds) == 0 {
		return "", nil, nil
	}
	parts := make([]string, len(where.Conds))
	args := make([]any, len(where.Conds))
	for i, c := range where.Conds {
		parts[i] = fmt.Sprintf("%s %s $%d", pq.QuoteIdentifier(c.Field), c.Op, first+i)
		args[i] = c.Value
	}
	return " WHERE " + strings.Join(parts, " AND "), args, nil
}

func eqWhere(key omen.FieldMap) omen.Where {
	w := omen.All()
	for _, name := range sortedNames(key) {
		w = w.AndEq(name, key[name])
	}
	return w
}

func sortedNames(fields omen.FieldMap) []string {
	names := make([]string, 0, len(fields))
	for name := range fields {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func wrapWriteError(err error, query string) error {
	if pqErr, ok := err.(*pq.Error); ok && pqErr.Code.Name() == "unique_violation" {
		return omen.Error{Code: omen.DuplicateKey, Err: err, UserData: query}
	}
	return omen.Error{Code: omen.StorageFailure, Err: err, UserData: query}
}

func requireHit(res sql.Result, table string, key omen.FieldMap) error {
	n, err := res.RowsAffected()
	if err != nil {
		return omen.Error{Code: omen.StorageFailure, Err: err}
	}
	if n == 0 {
		return omen.Errorf(omen.NotFound, "table %s has no row matching %v", table, key)
	}
	return nil
}

// rowsCursor adapts *sql.Rows to the Cursor contract, building one field
// mapping per row from the result columns.
type rowsCursor struct {
	rows    *sql.Rows
	cols    []string
	current omen.FieldMap
	err     error
}

func (c *rowsCursor) Next() bool {
	if c.err != nil {
		return false
	}
	if !c.rows.Next() {
		c.err = c.rows.Err()
		return false
	}
	vals := make([]any, len(c.cols))
	ptrs := make([]any, len(c.cols))
	for i := range vals {
		ptrs[i] = &vals[i]
	}
	if err := c.rows.Scan(ptrs...); err != nil {
		c.err = omen.Error{Code: omen.StorageFailure, Err: err}
		return false
	}
	fields := make(omen.FieldMap, len(c.cols))
	for i, col := range c.cols {
		fields[col] = vals[i]
	}
	c.current = fields
	return true
}

func (c *rowsCursor) Fields() omen.FieldMap {
	return c.current
}

func (c *rowsCursor) Err() error {
	return c.err
}

func (c *rowsCursor) Close() error {
	return c.rows.Close()
}
