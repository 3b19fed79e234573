// Package cel evaluates CEL expressions against row field mappings. It is the
// rich-operator extension point of the Where predicate: conjunctions of field
// comparisons stay tagged and storage-translatable, anything fancier rides in
// a CEL expression evaluated in-process.
package cel

import (
	"fmt"
	"reflect"

	"github.com/google/cel-go/cel"
)

// Evaluator holds a compiled CEL program evaluating one boolean expression
// over the variable `row`, a map of field name to value.
type Evaluator struct {
	Expression string
	program    cel.Program
}

// NewEvaluator compiles expression into a reusable Evaluator. The expression
// sees a single variable `row` (map[string]any) and must produce a bool, e.g.
// `row.balance > 10.0 && row.name.startsWith("a")`.
func NewEvaluator(expression string) (*Evaluator, error) {
	if expression == "" {
		return nil, fmt.Errorf("expression can't be empty string")
	}

	env, err := cel.NewEnv(
		cel.Variable("row", cel.MapType(cel.StringType, cel.AnyType)),
	)
	if err != nil {
		return nil, fmt.Errorf("error creating CEL environment: %v", err)
	}

	ast, issues := env.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("error compiling CEL expression: %v", issues.Err())
	}
	p, err := env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("error creating Program: %v", err)
	}
	return &Evaluator{
		Expression: expression,
		program:    p,
	}, nil
}

// Evaluate runs the compiled expression against one row's field mapping.
func (e *Evaluator) Evaluate(row map[string]any) (bool, error) {
	out, _, err := e.program.Eval(map[string]any{
		"row": row,
	})
	if err != nil {
		return false, fmt.Errorf("error evaluating CEL expression: %v", err)
	}
	nv, err := out.ConvertToNative(reflect.TypeOf(true))
	if err != nil {
		return false, fmt.Errorf("error ConvertToNative, got err: %v", err)
	}
	v, ok := nv.(bool)
	if !ok {
		return false, fmt.Errorf("expression %q did not produce a bool", e.Expression)
	}
	return v, nil
}
