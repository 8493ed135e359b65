package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func lot(number string, onHand int, expiry time.Time) StockBatch {
	return StockBatch{
		BatchID:          "id-" + number,
		BatchNumber:      number,
		QuantityReceived: onHand,
		QuantityOnHand:   onHand,
		ExpiryDate:       expiry,
		Status:           BatchStatusActive,
		Version:          1,
	}
}

func TestStockBatch_ReserveAndDispense(t *testing.T) {
	b := lot("L1", 10, now.AddDate(0, 1, 0))

	require.NoError(t, b.Reserve(6, now))
	assert.Equal(t, 4, b.Available())
	assert.ErrorIs(t, b.Reserve(5, now), ErrInsufficientStock)

	require.NoError(t, b.Dispense(4, 6, now))
	assert.Equal(t, 6, b.QuantityOnHand)
	assert.Equal(t, 0, b.QuantityReserved)
	assert.Equal(t, 4, b.QuantityDispensed)
	assert.NoError(t, b.Validate())
}

func TestStockBatch_ReleaseMoreThanReserved(t *testing.T) {
	b := lot("L1", 10, time.Time{})
	require.NoError(t, b.Reserve(3, now))

	assert.ErrorIs(t, b.Release(4, now), ErrConflict)
	assert.Equal(t, 3, b.QuantityReserved)
	assert.ErrorIs(t, b.Dispense(2, 4, now), ErrConflict)
	assert.Equal(t, 10, b.QuantityOnHand)

	require.NoError(t, b.Release(3, now))
	assert.Equal(t, 0, b.QuantityReserved)
}

func TestStockBatch_DepletesAndRevives(t *testing.T) {
	b := lot("L1", 3, time.Time{})

	require.NoError(t, b.Dispense(3, 0, now))
	assert.Equal(t, BatchStatusDepleted, b.Status)
	assert.False(t, b.Dispensable(now))

	b.Receive(2, now)
	assert.Equal(t, BatchStatusActive, b.Status)
	assert.NoError(t, b.Validate())
}

func TestStockBatch_Adjust(t *testing.T) {
	b := lot("L1", 10, time.Time{})
	require.NoError(t, b.Reserve(4, now))

	require.NoError(t, b.Adjust(-6, now))
	assert.Equal(t, 4, b.QuantityOnHand)
	assert.Equal(t, -6, b.QuantityAdjusted)
	assert.ErrorIs(t, b.Adjust(-1, now), ErrInsufficientStock)
	assert.NoError(t, b.Validate())
}

func TestStockBatch_Expiry(t *testing.T) {
	b := lot("L1", 10, now.Add(time.Hour))

	assert.False(t, b.Expire(now))
	assert.True(t, b.Dispensable(now))

	later := now.Add(2 * time.Hour)
	assert.False(t, b.Dispensable(later))
	assert.ErrorIs(t, b.Reserve(1, later), ErrInsufficientStock)
	assert.True(t, b.Expire(later))
	assert.Equal(t, BatchStatusExpired, b.Status)
	assert.Equal(t, 10, b.QuantityOnHand)
	assert.False(t, b.Expire(later))

	noExpiry := lot("L2", 1, time.Time{})
	assert.False(t, noExpiry.IsExpired(later.AddDate(10, 0, 0)))
}

func TestStockBatch_Validate(t *testing.T) {
	b := lot("L1", 10, time.Time{})
	b.QuantityOnHand = 9
	assert.ErrorIs(t, b.Validate(), ErrConflict)

	b = lot("L1", 10, time.Time{})
	b.QuantityReserved = 11
	assert.ErrorIs(t, b.Validate(), ErrConflict)
}
