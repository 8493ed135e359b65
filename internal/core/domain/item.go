package domain

import (
	"fmt"
	"time"
)

type ItemType string

const (
	ItemTypeMedication ItemType = "medication"
	ItemTypeSupply     ItemType = "supply"
	ItemTypeEquipment  ItemType = "equipment"
)

type ItemStatus string

const (
	ItemStatusActive       ItemStatus = "active"
	ItemStatusInactive     ItemStatus = "inactive"
	ItemStatusDiscontinued ItemStatus = "discontinued"
)

// InventoryItem is the stock of one catalog item at one location.
// Rows are keyed by (ItemID, LocationID).
type InventoryItem struct {
	ItemID            string
	SKU               string
	Name              string
	Type              ItemType
	LocationID        string
	FacilityID        string
	QuantityOnHand    int
	QuantityReserved  int
	QuantityAvailable int
	ReorderLevel      int
	ReorderQuantity   int
	MaxStockLevel     int
	Status            ItemStatus
	Version           int // bumped on every mutation
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

func (i *InventoryItem) Available() int {
	return i.QuantityOnHand - i.QuantityReserved
}

// Reserve earmarks quantity units. It fails when fewer are available.
func (i *InventoryItem) Reserve(quantity int, now time.Time) error {
	if quantity <= 0 {
		return fmt.Errorf("%w: reserve quantity %d", ErrInvalidArgument, quantity)
	}
	if i.Available() < quantity {
		return fmt.Errorf("%w: item %s at %s has %d available, %d requested",
			ErrInsufficientStock, i.ItemID, i.LocationID, i.Available(), quantity)
	}
	i.QuantityReserved += quantity
	i.touch(now)
	return nil
}

// Release returns reserved units to available without touching on-hand.
func (i *InventoryItem) Release(quantity int, now time.Time) error {
	if quantity < 0 || quantity > i.QuantityReserved {
		return fmt.Errorf("%w: cannot release %d of %d reserved on item %s at %s",
			ErrConflict, quantity, i.QuantityReserved, i.ItemID, i.LocationID)
	}
	i.QuantityReserved -= quantity
	i.touch(now)
	return nil
}

// Dispense removes dispensed units from on-hand and clears the whole
// reserved amount; any difference goes back to available.
func (i *InventoryItem) Dispense(dispensed, reserved int, now time.Time) error {
	if dispensed < 0 || dispensed > reserved {
		return fmt.Errorf("%w: dispense %d exceeds reserved %d", ErrConflict, dispensed, reserved)
	}
	if reserved > i.QuantityReserved || dispensed > i.QuantityOnHand {
		return fmt.Errorf("%w: item %s at %s holds on_hand=%d reserved=%d, cannot dispense %d of %d",
			ErrConflict, i.ItemID, i.LocationID, i.QuantityOnHand, i.QuantityReserved, dispensed, reserved)
	}
	i.QuantityOnHand -= dispensed
	i.QuantityReserved -= reserved
	i.touch(now)
	return nil
}

// Adjust applies a signed on-hand correction. On-hand may not drop below
// what is currently reserved.
func (i *InventoryItem) Adjust(delta int, now time.Time) error {
	next := i.QuantityOnHand + delta
	if next < 0 || next < i.QuantityReserved {
		return fmt.Errorf("%w: item %s at %s has on_hand=%d reserved=%d, adjustment %d",
			ErrInsufficientStock, i.ItemID, i.LocationID, i.QuantityOnHand, i.QuantityReserved, delta)
	}
	i.QuantityOnHand = next
	i.touch(now)
	return nil
}

func (i *InventoryItem) Receive(quantity int, now time.Time) error {
	if quantity <= 0 {
		return fmt.Errorf("%w: receive quantity %d", ErrInvalidArgument, quantity)
	}
	i.QuantityOnHand += quantity
	i.touch(now)
	return nil
}

func (i *InventoryItem) IsLowStock() bool {
	return i.Available() <= i.ReorderLevel
}

// Deficit is how far available stock sits below the reorder level.
func (i *InventoryItem) Deficit() int {
	return i.ReorderLevel - i.Available()
}

// Validate checks the quantity invariant.
func (i *InventoryItem) Validate() error {
	if i.QuantityReserved < 0 || i.QuantityOnHand < i.QuantityReserved {
		return fmt.Errorf("%w: item %s at %s has on_hand=%d reserved=%d",
			ErrConflict, i.ItemID, i.LocationID, i.QuantityOnHand, i.QuantityReserved)
	}
	if i.QuantityAvailable != i.Available() {
		return fmt.Errorf("%w: item %s at %s available=%d, expected %d",
			ErrConflict, i.ItemID, i.LocationID, i.QuantityAvailable, i.Available())
	}
	return nil
}

// Key identifies the row for lock ordering.
func (i *InventoryItem) Key() ItemKey {
	return ItemKey{ItemID: i.ItemID, LocationID: i.LocationID}
}

func (i *InventoryItem) touch(now time.Time) {
	i.QuantityAvailable = i.Available()
	i.Version++
	i.UpdatedAt = now
}

type ItemKey struct {
	ItemID     string
	LocationID string
}

func (k ItemKey) String() string {
	return k.ItemID + "/" + k.LocationID
}

// Less orders keys lexicographically by (ItemID, LocationID). Every unit of
// work that locks several item rows locks them in this order.
func (k ItemKey) Less(other ItemKey) bool {
	if k.ItemID != other.ItemID {
		return k.ItemID < other.ItemID
	}
	return k.LocationID < other.LocationID
}
