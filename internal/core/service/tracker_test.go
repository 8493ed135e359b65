package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rl1809/medstock/internal/core/domain"
)

func TestFindExpiringBatches(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.stockItem(t, "ward-a", 0, 0)
	day := 24 * time.Hour
	env.receive(t, "ward-a", "GONE", 5, baseTime.Add(12*time.Hour))
	env.receive(t, "ward-a", "TEN", 5, baseTime.Add(11*day))
	env.receive(t, "ward-a", "THREE-B", 5, baseTime.Add(4*day))
	env.receive(t, "ward-a", "THREE-A", 5, baseTime.Add(4*day))
	env.receive(t, "ward-a", "FAR", 5, baseTime.Add(90*day))
	env.clock.Advance(day)

	batches, err := env.tracker.FindExpiringBatches(ctx, testFacility, 30)
	require.NoError(t, err)

	numbers := make([]string, 0, len(batches))
	for _, b := range batches {
		numbers = append(numbers, b.BatchNumber)
	}
	assert.Equal(t, []string{"THREE-A", "THREE-B", "TEN"}, numbers)

	_, err = env.tracker.FindExpiringBatches(ctx, testFacility, -1)
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)
	_, err = env.tracker.FindExpiringBatches(ctx, "", 30)
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)

	other, err := env.tracker.FindExpiringBatches(ctx, "fac-2", 30)
	require.NoError(t, err)
	assert.Empty(t, other)
}

func TestFindLowStockItems(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	rows := []struct {
		itemID, name, location string
		onHand, reorder       int
	}{
		{"saline", "Saline 0.9%", "ward-a", 2, 10},
		{"gloves", "Nitrile Gloves", "ward-a", 20, 10},
		{"gauze", "Gauze", "ward-a", 5, 10},
		{"bandage", "Bandage", "ward-a", 5, 10},
		{"bandage", "Bandage", "ward-b", 5, 10},
		{"syringe", "Syringe 5ml", "ward-a", 10, 10},
	}
	for _, r := range rows {
		_, err := env.stock.CreateItem(ctx, NewItem{
			ItemID:       r.itemID,
			Name:         r.name,
			LocationID:   r.location,
			FacilityID:   testFacility,
			ReorderLevel: r.reorder,
		})
		require.NoError(t, err)
		_, err = env.stock.Receive(ctx, ReceiveRequest{
			ItemID:      r.itemID,
			Quantity:    r.onHand,
			BatchNumber: "L1",
			LocationID:  r.location,
		})
		require.NoError(t, err)
	}

	items, err := env.tracker.FindLowStockItems(ctx, testFacility)
	require.NoError(t, err)

	var got []string
	for _, item := range items {
		got = append(got, item.ItemID+"/"+item.LocationID)
	}
	assert.Equal(t, []string{
		"saline/ward-a",
		"bandage/ward-a",
		"bandage/ward-b",
		"gauze/ward-a",
		"syringe/ward-a",
	}, got)
}

func TestScanBatchExpiry(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.stockItem(t, "ward-a", 0, 0)
	day := 24 * time.Hour
	env.receive(t, "ward-a", "PAST", 5, baseTime.Add(12*time.Hour))
	env.receive(t, "ward-a", "SOON", 5, baseTime.Add(10*day))
	env.receive(t, "ward-a", "LATER", 5, baseTime.Add(60*day))
	env.clock.Advance(day)
	env.notifier.Reset()

	res, err := env.tracker.ScanBatchExpiry(ctx, 30*day)
	require.NoError(t, err)
	assert.Equal(t, &ExpiryScanResult{Expired: 1, Expiring: 1}, res)

	batches, err := env.store.ListBatches(ctx, testItem, "ward-a")
	require.NoError(t, err)
	for _, b := range batches {
		want := domain.BatchStatusActive
		if b.BatchNumber == "PAST" {
			want = domain.BatchStatusExpired
		}
		assert.Equal(t, want, b.Status, b.BatchNumber)
		assert.Equal(t, 5, b.QuantityOnHand, b.BatchNumber)
	}

	expiring := env.notifier.OfType(domain.EventExpiring)
	require.Len(t, expiring, 1)
	data, ok := expiring[0].Data.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "SOON", data["batch_number"])
	assert.Equal(t, 9, data["days_until_expiry"])

	// Expired stock stays on hand and the ledger is untouched.
	assert.Equal(t, 15, env.item(t, "ward-a").QuantityOnHand)
	env.requireConsistent(t, "ward-a")
}
