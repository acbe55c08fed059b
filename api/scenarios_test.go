/*
scenarios_test.go - Unit tests for demo scenarios

PURPOSE:
	Tests that each scenario loads a consistent flow graph and value
	equation, and that loading resets what was there before.
*/
package api

import (
	"context"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/value-engine/rea"
)

func TestScenarios_AllLoad(t *testing.T) {
	for _, s := range scenarios {
		t.Run(s.ID, func(t *testing.T) {
			// GIVEN: a fresh handler
			h, _ := setupTestHandler(t, "owner")
			ctx := context.Background()

			// WHEN: loading the scenario
			build, ok := scenarioLoaders[s.ID]
			require.True(t, ok, "scenario %s has no loader", s.ID)
			require.NoError(t, h.LoadScenarioData(ctx, s.ID, build()))

			// THEN: its value equations compile and every event is readable
			records, err := h.Store.ListValueEquations(ctx)
			require.NoError(t, err)
			require.NotEmpty(t, records)
			for _, rec := range records {
				_, err := h.equationFor(ctx, rec.ID)
				assert.NoError(t, err)
			}
			for _, e := range build().events {
				got, err := h.Store.Event(ctx, e.ID)
				require.NoError(t, err)
				assert.Equal(t, e.Kind, got.Kind)
			}
		})
	}
}

func TestLoadScenario_ReplacesPrevious(t *testing.T) {
	// GIVEN: the order scenario is loaded
	h, router := setupTestHandler(t, "owner")
	loadScenario(t, router, "order-fulfilment")

	// WHEN: loading another scenario
	loadScenario(t, router, "alice-org")

	// THEN: the first scenario's graph is gone
	_, err := h.Store.Resource(context.Background(), "widgets")
	assert.True(t, rea.IsNotFound(err))

	rec := doRequest(t, router, http.MethodGet, "/api/scenarios/current", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "alice-org", decodeBody[ScenarioDTO](t, rec).ID)
}

func TestLoadScenario_Unknown(t *testing.T) {
	_, router := setupTestHandler(t, "owner")

	rec := doRequest(t, router, http.MethodPost, "/api/scenarios/load", map[string]string{"scenario_id": "nope"})

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestResetDatabase(t *testing.T) {
	h, router := setupTestHandler(t, "owner")
	loadScenario(t, router, "alice-org")

	rec := doRequest(t, router, http.MethodPost, "/api/scenarios/reset", nil)

	require.Equal(t, http.StatusOK, rec.Code)
	records, err := h.Store.ListValueEquations(context.Background())
	require.NoError(t, err)
	assert.Empty(t, records)
}
