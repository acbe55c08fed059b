package equation_test

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/value-engine/equation"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func TestCompile_Evaluates(t *testing.T) {
	b := equation.Bindings{
		Quantity:          d("10"),
		Value:             d("100"),
		ValuePerUnit:      d("5"),
		PricePerUnit:      d("7"),
		ValuePerUnitOfUse: d("0.5"),
	}

	tests := []struct {
		src  string
		want string
	}{
		{"quantity * valuePerUnit", "50"},
		{"value - (quantity * 2)", "80"},
		{"quantity * valuePerUnit * 1.5", "75"},
		{"-quantity + pricePerUnit", "-3"},
		{"quantity / 4", "2.5"},
		{"valuePerUnitOfUse * 4", "2"},
		{"12", "12"},
	}
	for _, tt := range tests {
		t.Run(tt.src, func(t *testing.T) {
			e, err := equation.Compile(tt.src)
			require.NoError(t, err)
			got, err := e.Eval(b)
			require.NoError(t, err)
			assert.True(t, got.Equal(d(tt.want)), "got %s", got)
			assert.Equal(t, tt.src, e.Source())
		})
	}
}

func TestCompile_Rejects(t *testing.T) {
	tests := []struct {
		name string
		src  string
	}{
		{"unknown variable", "quantity * rate"},
		{"function call", "max(quantity, value)"},
		{"method call", "quantity.round()"},
		{"field selection", "event.quantity"},
		{"string literal", `"ten"`},
		{"comparison", "quantity > 1"},
		{"list", "[quantity]"},
		{"syntax error", "quantity *"},
		{"constant division by zero", "value / 0"},
		{"division by a zeroed sum", "value / (quantity - 1)"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := equation.Compile(tt.src)
			require.Error(t, err)
			assert.ErrorIs(t, err, equation.ErrInvalidEquation)
			assert.True(t, equation.IsConfigError(err))
		})
	}
}

func TestEval_DivisionByZeroAtRuntime(t *testing.T) {
	// GIVEN an expression that is fine with every variable at 1
	e, err := equation.Compile("value / quantity")
	require.NoError(t, err)

	// WHEN quantity is zero
	_, err = e.Eval(equation.Bindings{Value: d("10")})

	// THEN evaluation fails instead of returning a number
	assert.ErrorIs(t, err, equation.ErrDivisionByZero)
}

func TestExpr_Variables(t *testing.T) {
	e, err := equation.Compile("valuePerUnit * quantity + value + quantity")
	require.NoError(t, err)

	assert.Equal(t, []string{"quantity", "value", "valuePerUnit"}, e.Variables())

	c, err := equation.Compile("3 * 4")
	require.NoError(t, err)
	assert.Empty(t, c.Variables())
}

func TestParse_SkipsValidationEvaluation(t *testing.T) {
	// Parse only checks the grammar; Compile also evaluates once.
	_, err := equation.Parse("value / (quantity - 1)")
	assert.NoError(t, err)
}
