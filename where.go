package omen

import (
	"bytes"
	"fmt"
	"time"
)

// Op enumerates the comparison operators a Where condition can carry.
type Op int

const (
	OpEq Op = iota
	OpNe
	OpLt
	OpLe
	OpGt
	OpGe
)

func (o Op) String() string {
	switch o {
	case OpEq:
		return "="
	case OpNe:
		return "<>"
	case OpLt:
		return "<"
	case OpLe:
		return "<="
	case OpGt:
		return ">"
	case OpGe:
		return ">="
	}
	return fmt.Sprintf("op(%d)", int(o))
}

// Cond is one tagged field comparison.
type Cond struct {
	Field string
	Op    Op
	Value any
}

// Where is a predicate passed opaquely to the storage collaborator: a
// conjunction of field comparisons, plus an optional expression (CEL) for
// richer operators, evaluated in-process by collaborators that support it.
type Where struct {
	Conds []Cond
	// Expr is a CEL expression over the variable `row` (a map of field name
	// to value) producing a bool. Collaborators that cannot evaluate
	// expressions must reject a Where carrying one rather than mis-filter.
	Expr string
}

// All matches every row.
func All() Where {
	return Where{}
}

// Eq starts a predicate with one field equality.
func Eq(field string, value any) Where {
	return Where{Conds: []Cond{{Field: field, Op: OpEq, Value: value}}}
}

// Cmp starts a predicate with one field comparison.
func Cmp(field string, op Op, value any) Where {
	return Where{Conds: []Cond{{Field: field, Op: op, Value: value}}}
}

// AndEq appends a field equality to the conjunction.
func (w Where) AndEq(field string, value any) Where {
	w.Conds = append(w.Conds, Cond{Field: field, Op: OpEq, Value: value})
	return w
}

// And appends a field comparison to the conjunction.
func (w Where) And(field string, op Op, value any) Where {
	w.Conds = append(w.Conds, Cond{Field: field, Op: op, Value: value})
	return w
}

// WithExpr attaches a CEL expression to the predicate.
func (w Where) WithExpr(expr string) Where {
	w.Expr = expr
	return w
}

// IsEmpty reports whether the predicate matches every row.
func (w Where) IsEmpty() bool {
	return len(w.Conds) == 0 && w.Expr == ""
}

// ExprEvaluator evaluates a compiled expression against one row's fields.
// The cel subpackage provides the CEL-backed implementation.
type ExprEvaluator interface {
	Evaluate(row FieldMap) (bool, error)
}

// Matches evaluates the predicate against one field mapping. eval evaluates
// Where.Expr and may be nil when the predicate carries no expression; a
// non-empty Expr with a nil eval is an error, never a silent pass.
func (w Where) Matches(fields FieldMap, eval ExprEvaluator) (bool, error) {
	for _, c := range w.Conds {
		ok, err := c.matches(fields)
		if err != nil {
			return false, err
		}
		if !ok {
			return false, nil
		}
	}
	if w.Expr != "" {
		if eval == nil {
			return false, Errorf(StorageFailure, "predicate expression %q has no evaluator", w.Expr)
		}
		return eval.Evaluate(fields)
	}
	return true, nil
}

func (c Cond) matches(fields FieldMap) (bool, error) {
	v := fields[c.Field]
	switch c.Op {
	case OpEq:
		return equalValues(v, c.Value), nil
	case OpNe:
		return !equalValues(v, c.Value), nil
	}
	cmp, err := compareValues(v, c.Value)
	if err != nil {
		return false, err
	}
	switch c.Op {
	case OpLt:
		return cmp < 0, nil
	case OpLe:
		return cmp <= 0, nil
	case OpGt:
		return cmp > 0, nil
	case OpGe:
		return cmp >= 0, nil
	}
	return false, Errorf(Unknown, "unsupported operator %v", c.Op)
}

// Order is one sort key; results are produced in the requested order but the
// underlying maps stay unordered.
type Order struct {
	Field string
	Desc  bool
}

// Asc returns an ascending sort key.
func Asc(field string) Order {
	return Order{Field: field}
}

// Desc returns a descending sort key.
func Desc(field string) Order {
	return Order{Field: field, Desc: true}
}

// CompareFields compares two field mappings per the order spec. Every sort
// field must exist in schema; ordering by an undeclared field fails fast with
// UnknownField instead of guessing silent behavior.
func CompareFields(a, b FieldMap, order []Order, schema *Schema) (int, error) {
	for _, o := range order {
		if schema != nil && !schema.Has(o.Field) {
			return 0, Errorf(UnknownField, "order by %s: not a field of %s", o.Field, schema.Table())
		}
		cmp, err := compareValues(a[o.Field], b[o.Field])
		if err != nil {
			return 0, err
		}
		if cmp == 0 {
			continue
		}
		if o.Desc {
			return -cmp, nil
		}
		return cmp, nil
	}
	return 0, nil
}

// equalValues is type-aware equality: 31 equals int64(31) and 31.0, but never
// "31" or []byte("31").
func equalValues(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	af, aNum := asFloat(a)
	bf, bNum := asFloat(b)
	if aNum || bNum {
		return aNum && bNum && af == bf
	}
	switch av := a.(type) {
	case string:
		bv, ok := b.(string)
		return ok && av == bv
	case []byte:
		bv, ok := b.([]byte)
		return ok && bytes.Equal(av, bv)
	case bool:
		bv, ok := b.(bool)
		return ok && av == bv
	case UUID:
		bv, ok := b.(UUID)
		return ok && av.Compare(bv) == 0
	case time.Time:
		bv, ok := b.(time.Time)
		return ok && av.Equal(bv)
	default:
		return a == b
	}
}

// compareValues orders two values of compatible kinds; nil sorts first.
func compareValues(a, b any) (int, error) {
	if a == nil || b == nil {
		switch {
		case a == nil && b == nil:
			return 0, nil
		case a == nil:
			return -1, nil
		default:
			return 1, nil
		}
	}
	af, aNum := asFloat(a)
	bf, bNum := asFloat(b)
	if aNum && bNum {
		switch {
		case af < bf:
			return -1, nil
		case af > bf:
			return 1, nil
		default:
			return 0, nil
		}
	}
	switch av := a.(type) {
	case string:
		if bv, ok := b.(string); ok {
			switch {
			case av < bv:
				return -1, nil
			case av > bv:
				return 1, nil
			default:
				return 0, nil
			}
		}
	case []byte:
		if bv, ok := b.([]byte); ok {
			return bytes.Compare(av, bv), nil
		}
	case bool:
		if bv, ok := b.(bool); ok {
			switch {
			case av == bv:
				return 0, nil
			case !av:
				return -1, nil
			default:
				return 1, nil
			}
		}
	case UUID:
		if bv, ok := b.(UUID); ok {
			return av.Compare(bv), nil
		}
	case time.Time:
		if bv, ok := b.(time.Time); ok {
			switch {
			case av.Before(bv):
				return -1, nil
			case av.After(bv):
				return 1, nil
			default:
				return 0, nil
			}
		}
	}
	return 0, Errorf(Unknown, "cannot compare %T with %T", a, b)
}

func asFloat(v any) (float64, bool) {
	switch tv := v.(type) {
	case int:
		return float64(tv), true
	case int8:
		return float64(tv), true
	case int16:
		return float64(tv), true
	case int32:
		return float64(tv), true
	case int64:
		return float64(tv), true
	case uint:
		return float64(tv), true
	case uint8:
		return float64(tv), true
	case uint16:
		return float64(tv), true
	case uint32:
		return float64(tv), true
	case uint64:
		return float64(tv), true
	case float32:
		return float64(tv), true
	case float64:
		return tv, true
	}
	return 0, false
}
