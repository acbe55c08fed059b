package main

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"github.com/warp/value-engine/rea"
	"github.com/warp/value-engine/store/sqlite"
)

// seedContribution stores resource "seed": 4 units contributed for 50.
func seedContribution(t *testing.T, path string) {
	t.Helper()
	ctx := context.Background()
	store, err := sqlite.New(path)
	require.NoError(t, err)
	defer store.Close()

	require.NoError(t, store.SaveResourceType(ctx, rea.ResourceType{ID: "seeds", Name: "Seeds", Unit: "bag"}))
	require.NoError(t, store.SaveResource(ctx, rea.Resource{ID: "seed", ResourceType: "seeds", Quantity: decimal.NewFromInt(4)}))
	require.NoError(t, store.SaveEvent(ctx, rea.Event{
		ID:             "c1",
		Kind:           rea.KindResourceContribution,
		Date:           time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC),
		From:           "farmer",
		Resource:       "seed",
		ResourceType:   "seeds",
		Quantity:       decimal.NewFromInt(4),
		Value:          decimal.NewFromInt(50),
		IsContribution: true,
	}))
}
