/*
expr.go - Claim creation expressions

PURPOSE:
  A bucket rule computes a contribution's claim value from a small
  arithmetic expression, for example:

      quantity * valuePerUnit * 1.5
      value - (quantity * 2)

GRAMMAR:
  Decimal literals, the variables below, binary + - * /, unary minus and
  parentheses. Nothing else: no function calls, field selection, strings,
  booleans, lists or maps.

      quantity  value  valuePerUnit  pricePerUnit  valuePerUnitOfUse

HOW IT WORKS:
  1. The source is parsed with the CEL parser (syntax only, no type check)
  2. The parsed AST is walked; any node outside the grammar is rejected
  3. The accepted AST is compiled into a decimal evaluation tree
  4. Validation evaluates the tree once with every variable bound to 1

  Evaluation is exact decimal arithmetic; CEL's own runtime is never used.

SEE ALSO:
  - equation.go: BucketRule caches its compiled Expr
  - bindings.go: builds variable bindings from an event
*/
package equation

import (
	"fmt"
	"sort"
	"sync"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/operators"
	"github.com/shopspring/decimal"
	exprpb "google.golang.org/genproto/googleapis/api/expr/v1alpha1"
)

// Variable names usable in expressions.
const (
	VarQuantity          = "quantity"
	VarValue             = "value"
	VarValuePerUnit      = "valuePerUnit"
	VarPricePerUnit      = "pricePerUnit"
	VarValuePerUnitOfUse = "valuePerUnitOfUse"
)

var knownVariables = map[string]bool{
	VarQuantity:          true,
	VarValue:             true,
	VarValuePerUnit:      true,
	VarPricePerUnit:      true,
	VarValuePerUnitOfUse: true,
}

// Bindings supplies variable values for one evaluation.
type Bindings struct {
	Quantity          decimal.Decimal
	Value             decimal.Decimal
	ValuePerUnit      decimal.Decimal
	PricePerUnit      decimal.Decimal
	ValuePerUnitOfUse decimal.Decimal
}

// UnitBindings binds every variable to 1.
func UnitBindings() Bindings {
	one := decimal.NewFromInt(1)
	return Bindings{Quantity: one, Value: one, ValuePerUnit: one, PricePerUnit: one, ValuePerUnitOfUse: one}
}

func (b Bindings) lookup(name string) decimal.Decimal {
	switch name {
	case VarQuantity:
		return b.Quantity
	case VarValue:
		return b.Value
	case VarValuePerUnit:
		return b.ValuePerUnit
	case VarPricePerUnit:
		return b.PricePerUnit
	case VarValuePerUnitOfUse:
		return b.ValuePerUnitOfUse
	}
	return decimal.Zero
}

// =============================================================================
// COMPILED EXPRESSION
// =============================================================================

// Expr is a compiled expression. It is immutable and safe for concurrent use.
type Expr struct {
	source string
	root   node
	vars   []string
}

// Source returns the expression text.
func (e *Expr) Source() string { return e.source }

// Variables returns the variable names the expression reads, sorted.
func (e *Expr) Variables() []string { return append([]string(nil), e.vars...) }

// Eval evaluates the expression.
func (e *Expr) Eval(b Bindings) (decimal.Decimal, error) {
	return e.root.eval(b)
}

type node interface {
	eval(b Bindings) (decimal.Decimal, error)
}

type constNode struct{ v decimal.Decimal }

func (n constNode) eval(Bindings) (decimal.Decimal, error) { return n.v, nil }

type varNode struct{ name string }

func (n varNode) eval(b Bindings) (decimal.Decimal, error) { return b.lookup(n.name), nil }

type negNode struct{ x node }

func (n negNode) eval(b Bindings) (decimal.Decimal, error) {
	v, err := n.x.eval(b)
	if err != nil {
		return decimal.Zero, err
	}
	return v.Neg(), nil
}

type binaryNode struct {
	op   string
	l, r node
}

func (n binaryNode) eval(b Bindings) (decimal.Decimal, error) {
	l, err := n.l.eval(b)
	if err != nil {
		return decimal.Zero, err
	}
	r, err := n.r.eval(b)
	if err != nil {
		return decimal.Zero, err
	}
	switch n.op {
	case operators.Add:
		return l.Add(r), nil
	case operators.Subtract:
		return l.Sub(r), nil
	case operators.Multiply:
		return l.Mul(r), nil
	case operators.Divide:
		if r.IsZero() {
			return decimal.Zero, ErrDivisionByZero
		}
		return l.Div(r), nil
	}
	return decimal.Zero, fmt.Errorf("unsupported operator %s", n.op)
}

// =============================================================================
// COMPILER
// =============================================================================

var parseEnv = sync.OnceValues(func() (*cel.Env, error) {
	return cel.NewEnv()
})

// Parse compiles an expression without the validation evaluation.
func Parse(src string) (*Expr, error) {
	env, err := parseEnv()
	if err != nil {
		return nil, fmt.Errorf("expression parser: %w", err)
	}
	ast, iss := env.Parse(src)
	if iss != nil && iss.Err() != nil {
		return nil, &ConfigError{Source: src, Reason: "syntax error: " + iss.Err().Error()}
	}
	parsed, err := cel.AstToParsedExpr(ast)
	if err != nil {
		return nil, &ConfigError{Source: src, Reason: "syntax error", Err: err}
	}

	vars := make(map[string]bool)
	root, err := build(parsed.GetExpr(), vars)
	if err != nil {
		return nil, &ConfigError{Source: src, Reason: err.Error()}
	}

	names := make([]string, 0, len(vars))
	for v := range vars {
		names = append(names, v)
	}
	sort.Strings(names)
	return &Expr{source: src, root: root, vars: names}, nil
}

// Compile parses an expression and validates it by evaluating once with
// every variable bound to 1.
func Compile(src string) (*Expr, error) {
	e, err := Parse(src)
	if err != nil {
		return nil, err
	}
	if _, err := e.Eval(UnitBindings()); err != nil {
		return nil, &ConfigError{Source: src, Reason: "fails with all variables set to 1", Err: err}
	}
	return e, nil
}

func build(e *exprpb.Expr, vars map[string]bool) (node, error) {
	if e == nil {
		return nil, fmt.Errorf("empty expression")
	}

	switch k := e.ExprKind.(type) {
	case *exprpb.Expr_ConstExpr:
		return buildConst(k.ConstExpr)

	case *exprpb.Expr_IdentExpr:
		name := k.IdentExpr.GetName()
		if !knownVariables[name] {
			return nil, fmt.Errorf("unknown variable %q", name)
		}
		vars[name] = true
		return varNode{name: name}, nil

	case *exprpb.Expr_CallExpr:
		call := k.CallExpr
		if call.GetTarget() != nil {
			return nil, fmt.Errorf("method calls are not allowed")
		}
		args := call.GetArgs()
		switch fn := call.GetFunction(); fn {
		case operators.Negate:
			if len(args) != 1 {
				return nil, fmt.Errorf("malformed negation")
			}
			x, err := build(args[0], vars)
			if err != nil {
				return nil, err
			}
			return negNode{x: x}, nil
		case operators.Add, operators.Subtract, operators.Multiply, operators.Divide:
			if len(args) != 2 {
				return nil, fmt.Errorf("malformed %s", fn)
			}
			l, err := build(args[0], vars)
			if err != nil {
				return nil, err
			}
			r, err := build(args[1], vars)
			if err != nil {
				return nil, err
			}
			return binaryNode{op: fn, l: l, r: r}, nil
		default:
			return nil, fmt.Errorf("operator or function %q is not allowed", fn)
		}

	case *exprpb.Expr_SelectExpr:
		return nil, fmt.Errorf("field selection is not allowed")
	case *exprpb.Expr_ListExpr:
		return nil, fmt.Errorf("lists are not allowed")
	case *exprpb.Expr_StructExpr:
		return nil, fmt.Errorf("maps and messages are not allowed")
	case *exprpb.Expr_ComprehensionExpr:
		return nil, fmt.Errorf("comprehensions are not allowed")
	}
	return nil, fmt.Errorf("unsupported expression")
}

func buildConst(c *exprpb.Constant) (node, error) {
	switch v := c.GetConstantKind().(type) {
	case *exprpb.Constant_Int64Value:
		return constNode{v: decimal.NewFromInt(v.Int64Value)}, nil
	case *exprpb.Constant_Uint64Value:
		return constNode{v: decimal.NewFromUint64(v.Uint64Value)}, nil
	case *exprpb.Constant_DoubleValue:
		return constNode{v: decimal.NewFromFloat(v.DoubleValue)}, nil
	}
	return nil, fmt.Errorf("only numeric literals are allowed")
}
