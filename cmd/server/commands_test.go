package main

import (
	"bytes"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/value-engine/valuation"
)

func TestCheckEquation_Valid(t *testing.T) {
	// GIVEN: a valid expression
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"check-equation", "quantity * valuePerUnit * 1.5"})

	// WHEN: checking it
	err := cmd.Execute()

	// THEN: its variables and sample value are printed
	require.NoError(t, err)
	assert.Contains(t, out.String(), "variables: [quantity valuePerUnit]")
	assert.Contains(t, out.String(), "value with all variables = 1: 1.5")
}

func TestCheckEquation_Invalid(t *testing.T) {
	cmd := newRootCmd()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"check-equation", "quantity * rate"})

	assert.Error(t, cmd.Execute())
}

func TestRollup_UnknownResource(t *testing.T) {
	// GIVEN: an empty database
	db := filepath.Join(t.TempDir(), "value.db")
	cmd := newRootCmd()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"rollup", "missing", "--db", db})

	// WHEN/THEN: rolling up a resource that does not exist fails
	assert.Error(t, cmd.Execute())
}

func TestRollup_PrintsResult(t *testing.T) {
	// GIVEN: a database with one contributed resource
	db := filepath.Join(t.TempDir(), "value.db")
	seedContribution(t, db)

	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"rollup", "seed", "--db", db})

	// WHEN: rolling it up
	require.NoError(t, cmd.Execute())

	// THEN: the JSON result carries the value per unit
	var result valuation.Result
	require.NoError(t, json.Unmarshal(out.Bytes(), &result))
	assert.Equal(t, "12.5", result.ValuePerUnit.String())
	assert.NotEmpty(t, result.Path)
}
