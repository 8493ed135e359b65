package domain

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

type BatchStatus string

const (
	BatchStatusActive      BatchStatus = "active"
	BatchStatusExpired     BatchStatus = "expired"
	BatchStatusQuarantined BatchStatus = "quarantined"
	BatchStatusDepleted    BatchStatus = "depleted"
	BatchStatusRecalled    BatchStatus = "recalled"
)

// StockBatch is one lot of an item at a location.
//
// QuantityOnHand always equals QuantityReceived - QuantityDispensed +
// QuantityAdjusted, where QuantityAdjusted is the signed net of damage, loss,
// count corrections and transfers.
type StockBatch struct {
	BatchID           string
	ItemID            string
	LocationID        string
	FacilityID        string
	BatchNumber       string
	QuantityReceived  int
	QuantityOnHand    int
	QuantityReserved  int
	QuantityDispensed int
	QuantityAdjusted  int
	ExpiryDate        time.Time
	ReceivedDate      time.Time
	SupplierID        string
	UnitCost          decimal.NullDecimal
	Status            BatchStatus
	Version           int
	UpdatedAt         time.Time
}

func (b *StockBatch) Available() int {
	return b.QuantityOnHand - b.QuantityReserved
}

func (b *StockBatch) IsExpired(now time.Time) bool {
	return !b.ExpiryDate.IsZero() && b.ExpiryDate.Before(now)
}

// Dispensable reports whether new stock may be drawn from this batch.
func (b *StockBatch) Dispensable(now time.Time) bool {
	return b.Status == BatchStatusActive && !b.IsExpired(now)
}

func (b *StockBatch) Receive(quantity int, now time.Time) {
	b.QuantityReceived += quantity
	b.QuantityOnHand += quantity
	if b.Status == BatchStatusDepleted {
		b.Status = BatchStatusActive
	}
	b.touch(now)
}

func (b *StockBatch) Reserve(quantity int, now time.Time) error {
	if !b.Dispensable(now) {
		return fmt.Errorf("%w: batch %s is %s", ErrInsufficientStock, b.BatchNumber, b.effectiveStatus(now))
	}
	if b.Available() < quantity {
		return fmt.Errorf("%w: batch %s has %d available, %d requested",
			ErrInsufficientStock, b.BatchNumber, b.Available(), quantity)
	}
	b.QuantityReserved += quantity
	b.touch(now)
	return nil
}

func (b *StockBatch) Release(quantity int, now time.Time) error {
	if quantity > b.QuantityReserved {
		return fmt.Errorf("%w: batch %s has %d reserved, %d released",
			ErrConflict, b.BatchNumber, b.QuantityReserved, quantity)
	}
	b.QuantityReserved -= quantity
	b.touch(now)
	return nil
}

// Dispense removes units from the batch, drawing down reserved first by
// reserved units.
func (b *StockBatch) Dispense(quantity, reserved int, now time.Time) error {
	if quantity > b.QuantityOnHand {
		return fmt.Errorf("%w: batch %s has %d on hand, %d dispensed",
			ErrConflict, b.BatchNumber, b.QuantityOnHand, quantity)
	}
	if err := b.Release(reserved, now); err != nil {
		return err
	}
	b.QuantityOnHand -= quantity
	b.QuantityDispensed += quantity
	b.markDepleted()
	return nil
}

// Adjust applies a signed correction; the batch may not go below its reserved
// quantity.
func (b *StockBatch) Adjust(delta int, now time.Time) error {
	next := b.QuantityOnHand + delta
	if next < 0 || next < b.QuantityReserved {
		return fmt.Errorf("%w: batch %s has on_hand=%d reserved=%d, adjustment %d",
			ErrInsufficientStock, b.BatchNumber, b.QuantityOnHand, b.QuantityReserved, delta)
	}
	b.QuantityOnHand = next
	b.QuantityAdjusted += delta
	if delta > 0 && b.Status == BatchStatusDepleted {
		b.Status = BatchStatusActive
	}
	b.markDepleted()
	b.touch(now)
	return nil
}

func (b *StockBatch) Expire(now time.Time) bool {
	if b.Status != BatchStatusActive || !b.IsExpired(now) {
		return false
	}
	b.Status = BatchStatusExpired
	b.touch(now)
	return true
}

func (b *StockBatch) Validate() error {
	if b.QuantityOnHand != b.QuantityReceived-b.QuantityDispensed+b.QuantityAdjusted {
		return fmt.Errorf("%w: batch %s on_hand=%d does not match received=%d dispensed=%d adjusted=%d",
			ErrConflict, b.BatchNumber, b.QuantityOnHand, b.QuantityReceived, b.QuantityDispensed, b.QuantityAdjusted)
	}
	if b.QuantityReserved < 0 || b.QuantityReserved > b.QuantityOnHand {
		return fmt.Errorf("%w: batch %s reserved=%d on_hand=%d",
			ErrConflict, b.BatchNumber, b.QuantityReserved, b.QuantityOnHand)
	}
	return nil
}

func (b *StockBatch) markDepleted() {
	if b.QuantityOnHand == 0 && b.Status == BatchStatusActive {
		b.Status = BatchStatusDepleted
	}
}

func (b *StockBatch) effectiveStatus(now time.Time) BatchStatus {
	if b.Status == BatchStatusActive && b.IsExpired(now) {
		return BatchStatusExpired
	}
	return b.Status
}

func (b *StockBatch) touch(now time.Time) {
	b.Version++
	b.UpdatedAt = now
}
