package service

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rl1809/medstock/internal/core/domain"
)

func TestCreateItem(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	item, err := env.stock.CreateItem(ctx, NewItem{
		ItemID:       "gauze",
		LocationID:   "ward-a",
		FacilityID:   testFacility,
		ReorderLevel: 10,
	})
	require.NoError(t, err)
	assert.Equal(t, domain.ItemTypeSupply, item.Type)
	assert.Equal(t, domain.ItemStatusActive, item.Status)
	assert.Equal(t, 0, item.QuantityOnHand)

	_, err = env.stock.CreateItem(ctx, NewItem{ItemID: "gauze", LocationID: "ward-a", FacilityID: testFacility})
	assert.ErrorIs(t, err, domain.ErrConflict)

	_, err = env.stock.CreateItem(ctx, NewItem{ItemID: "gauze", LocationID: "ward-b"})
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)

	_, err = env.stock.CreateItem(ctx, NewItem{ItemID: "gauze", LocationID: "ward-b", FacilityID: testFacility, ReorderLevel: -1})
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)
}

func TestReceive(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.stockItem(t, "ward-a", 0, 0)
	expiry := baseTime.AddDate(0, 6, 0)

	res, err := env.stock.Receive(ctx, ReceiveRequest{
		ItemID:      testItem,
		Quantity:    12,
		BatchNumber: "B-100",
		ExpiryDate:  expiry,
		LocationID:  "ward-a",
		SupplierID:  "acme",
		UnitCost:    decimal.NewNullDecimal(decimal.RequireFromString("0.4250")),
		PerformedBy: "clerk",
		Reference:   "po-9",
	})
	require.NoError(t, err)
	assert.Equal(t, 12, res.NewQuantityOnHand)
	require.NotEmpty(t, res.BatchID)

	// Same batch number extends the lot.
	again, err := env.stock.Receive(ctx, ReceiveRequest{
		ItemID:      testItem,
		Quantity:    8,
		BatchNumber: "B-100",
		ExpiryDate:  expiry,
		LocationID:  "ward-a",
	})
	require.NoError(t, err)
	assert.Equal(t, res.BatchID, again.BatchID)
	assert.Equal(t, 20, again.NewQuantityOnHand)

	batches, err := env.store.ListBatches(ctx, testItem, "ward-a")
	require.NoError(t, err)
	require.Len(t, batches, 1)
	assert.Equal(t, 20, batches[0].QuantityReceived)
	assert.Equal(t, 20, batches[0].QuantityOnHand)
	assert.Equal(t, "acme", batches[0].SupplierID)
	assert.True(t, batches[0].UnitCost.Decimal.Equal(decimal.RequireFromString("0.425")))

	movements, err := env.movements.GetMovements(ctx, domain.MovementFilter{ItemID: testItem, BatchNumber: "B-100"})
	require.NoError(t, err)
	require.Len(t, movements, 2)
	assert.Equal(t, domain.MovementReceipt, movements[0].MovementType)
	assert.Equal(t, 12, movements[0].QuantityChange)
	assert.Equal(t, "receipt from acme", movements[0].Reason)
	assert.Equal(t, "po-9", movements[0].Reference)
	assert.Equal(t, "ward-a", movements[0].ToLocation)
	assert.Less(t, movements[0].Sequence, movements[1].Sequence)

	env.requireConsistent(t, "ward-a")
}

func TestReceive_Rejected(t *testing.T) {
	env := newTestEnv(t)
	env.stockItem(t, "ward-a", 0, 0)

	tests := []struct {
		name    string
		req     ReceiveRequest
		wantErr error
	}{
		{
			name:    "unknown row",
			req:     ReceiveRequest{ItemID: testItem, Quantity: 1, BatchNumber: "B", LocationID: "ward-z"},
			wantErr: domain.ErrNotFound,
		},
		{
			name:    "zero quantity",
			req:     ReceiveRequest{ItemID: testItem, Quantity: 0, BatchNumber: "B", LocationID: "ward-a"},
			wantErr: domain.ErrInvalidArgument,
		},
		{
			name:    "missing batch number",
			req:     ReceiveRequest{ItemID: testItem, Quantity: 1, LocationID: "ward-a"},
			wantErr: domain.ErrInvalidArgument,
		},
		{
			name: "already expired",
			req: ReceiveRequest{ItemID: testItem, Quantity: 1, BatchNumber: "B", LocationID: "ward-a",
				ExpiryDate: baseTime.Add(-time.Hour)},
			wantErr: domain.ErrInvalidArgument,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := env.stock.Receive(context.Background(), tt.req)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
	assert.Equal(t, 0, env.item(t, "ward-a").QuantityOnHand)
}

func TestAdjustStock(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.stockItem(t, "ward-a", 30, 0)
	env.reserve(t, "ward-a", 10, 0)

	res, err := env.stock.AdjustStock(ctx, AdjustRequest{
		ItemID:         testItem,
		QuantityChange: -5,
		Reason:         "cycle count",
		LocationID:     "ward-a",
		PerformedBy:    "auditor",
	})
	require.NoError(t, err)
	assert.Equal(t, 25, res.NewQuantity)

	// On-hand may not drop below what is reserved.
	_, err = env.stock.AdjustStock(ctx, AdjustRequest{
		ItemID:         testItem,
		QuantityChange: -16,
		Reason:         "loss",
		LocationID:     "ward-a",
	})
	assert.ErrorIs(t, err, domain.ErrInsufficientStock)

	res, err = env.stock.AdjustStock(ctx, AdjustRequest{
		ItemID:         testItem,
		QuantityChange: -2,
		Reason:         "vial broken",
		LocationID:     "ward-a",
		BatchNumber:    "LOT-ward-a",
		Kind:           domain.MovementDamage,
	})
	require.NoError(t, err)
	assert.Equal(t, 23, res.NewQuantity)

	item := env.item(t, "ward-a")
	assert.Equal(t, 23, item.QuantityOnHand)
	assert.Equal(t, 10, item.QuantityReserved)

	batches, err := env.store.ListBatches(ctx, testItem, "ward-a")
	require.NoError(t, err)
	require.Len(t, batches, 1)
	assert.Equal(t, 23, batches[0].QuantityOnHand)
	assert.Equal(t, -7, batches[0].QuantityAdjusted)

	damage, err := env.movements.GetMovements(ctx, domain.MovementFilter{
		ItemID: testItem,
		Types:  []domain.MovementType{domain.MovementDamage},
	})
	require.NoError(t, err)
	require.Len(t, damage, 1)
	assert.Equal(t, -2, damage[0].QuantityChange)
	assert.Equal(t, "ward-a", damage[0].FromLocation)

	env.requireConsistent(t, "ward-a")
	assert.Len(t, env.notifier.OfType(domain.EventAdjusted), 2)
}

func TestAdjustStock_UnbatchedWriteOffDrawsLots(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.stockItem(t, "ward-a", 0, 0)
	env.receive(t, "ward-a", "OLD", 3, baseTime.Add(time.Hour))
	env.receive(t, "ward-a", "EARLY", 4, baseTime.AddDate(0, 0, 10))
	env.receive(t, "ward-a", "LATE", 10, baseTime.AddDate(0, 6, 0))
	env.reserve(t, "ward-a", 2, 0)
	env.clock.Advance(2 * time.Hour)

	res, err := env.stock.AdjustStock(ctx, AdjustRequest{
		ItemID:         testItem,
		QuantityChange: -5,
		Reason:         "flood in store room",
		LocationID:     "ward-a",
		Kind:           domain.MovementDamage,
	})
	require.NoError(t, err)
	assert.Equal(t, 12, res.NewQuantity)

	batches, err := env.store.ListBatches(ctx, testItem, "ward-a")
	require.NoError(t, err)
	byNumber := make(map[string]domain.StockBatch)
	lotTotal := 0
	for _, b := range batches {
		byNumber[b.BatchNumber] = b
		lotTotal += b.QuantityOnHand
		assert.NoError(t, b.Validate())
	}
	assert.Equal(t, 0, byNumber["OLD"].QuantityOnHand)
	assert.Equal(t, 2, byNumber["EARLY"].QuantityOnHand)
	assert.Equal(t, -2, byNumber["EARLY"].QuantityAdjusted)
	assert.Equal(t, 10, byNumber["LATE"].QuantityOnHand)
	assert.Equal(t, env.item(t, "ward-a").QuantityOnHand, lotTotal)

	expiring, err := env.tracker.FindExpiringBatches(ctx, testFacility, 30)
	require.NoError(t, err)
	require.Len(t, expiring, 1)
	assert.Equal(t, "EARLY", expiring[0].BatchNumber)
	assert.Equal(t, 2, expiring[0].QuantityOnHand)

	// A count correction upward without a lot stays on the item row.
	_, err = env.stock.AdjustStock(ctx, AdjustRequest{
		ItemID:         testItem,
		QuantityChange: 1,
		Reason:         "found on shelf",
		LocationID:     "ward-a",
	})
	require.NoError(t, err)
	assert.Equal(t, 13, env.item(t, "ward-a").QuantityOnHand)
	env.requireConsistent(t, "ward-a")
}

func TestAdjustStock_Rejected(t *testing.T) {
	env := newTestEnv(t)
	env.stockItem(t, "ward-a", 5, 0)

	tests := []struct {
		name    string
		req     AdjustRequest
		wantErr error
	}{
		{
			name:    "zero change",
			req:     AdjustRequest{ItemID: testItem, LocationID: "ward-a"},
			wantErr: domain.ErrInvalidArgument,
		},
		{
			name:    "transfer is not an adjustment",
			req:     AdjustRequest{ItemID: testItem, LocationID: "ward-a", QuantityChange: 1, Kind: domain.MovementTransfer},
			wantErr: domain.ErrInvalidArgument,
		},
		{
			name:    "below zero",
			req:     AdjustRequest{ItemID: testItem, LocationID: "ward-a", QuantityChange: -6},
			wantErr: domain.ErrInsufficientStock,
		},
		{
			name:    "unknown batch",
			req:     AdjustRequest{ItemID: testItem, LocationID: "ward-a", QuantityChange: 1, BatchNumber: "NOPE"},
			wantErr: domain.ErrNotFound,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := env.stock.AdjustStock(context.Background(), tt.req)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
	assert.Equal(t, 5, env.item(t, "ward-a").QuantityOnHand)
	env.requireConsistent(t, "ward-a")
}

func TestCheckAvailability(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.stockItem(t, "ward-a", 10, 0)
	env.stockItem(t, "ward-b", 6, 0)
	env.reserve(t, "ward-a", 4, 0)

	a, err := env.stock.CheckAvailability(ctx, testItem, 6, "ward-a")
	require.NoError(t, err)
	assert.Equal(t, Availability{Available: true, OnHand: 10, Reserved: 4, AvailableQuantity: 6}, *a)

	a, err = env.stock.CheckAvailability(ctx, testItem, 7, "ward-a")
	require.NoError(t, err)
	assert.False(t, a.Available)

	a, err = env.stock.CheckAvailability(ctx, testItem, 12, "")
	require.NoError(t, err)
	assert.Equal(t, Availability{Available: true, OnHand: 16, Reserved: 4, AvailableQuantity: 12}, *a)

	// Advisory only: the check holds nothing back.
	assert.Equal(t, 4, env.item(t, "ward-a").QuantityReserved)

	_, err = env.stock.CheckAvailability(ctx, "unknown", 1, "")
	assert.ErrorIs(t, err, domain.ErrNotFound)
	_, err = env.stock.CheckAvailability(ctx, testItem, -1, "")
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)
}
