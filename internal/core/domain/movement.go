package domain

import "time"

type MovementType string

const (
	MovementReceipt    MovementType = "receipt"
	MovementDispensing MovementType = "dispensing"
	MovementAdjustment MovementType = "adjustment"
	MovementTransfer   MovementType = "transfer"
	MovementReturn     MovementType = "return"
	MovementDamage     MovementType = "damage"
	MovementExpiry     MovementType = "expiry"
	MovementQuarantine MovementType = "quarantine"
	MovementRecall     MovementType = "recall"
)

func (t MovementType) Valid() bool {
	switch t {
	case MovementReceipt, MovementDispensing, MovementAdjustment, MovementTransfer, MovementReturn,
		MovementDamage, MovementExpiry, MovementQuarantine, MovementRecall:
		return true
	}
	return false
}

// StockMovement is one immutable ledger row. LocationID is the location whose
// item row changed; the sum of QuantityChange per (ItemID, LocationID) equals
// that row's on-hand quantity.
type StockMovement struct {
	MovementID     string
	Sequence       int64
	ItemID         string
	LocationID     string
	BatchNumber    string
	MovementType   MovementType
	QuantityChange int
	QuantityBefore int
	QuantityAfter  int
	FromLocation   string
	ToLocation     string
	Reference      string
	Reason         string
	PerformedBy    string
	PerformedAt    time.Time
}

type MovementFilter struct {
	ItemID      string
	LocationID  string
	BatchNumber string
	Types       []MovementType
	Reference   string
	From        time.Time
	To          time.Time
	Limit       int
}

// Matches applies the filter to one movement. Zero fields match everything;
// From and To are inclusive.
func (f MovementFilter) Matches(m StockMovement) bool {
	if f.ItemID != "" && m.ItemID != f.ItemID {
		return false
	}
	if f.LocationID != "" && m.LocationID != f.LocationID {
		return false
	}
	if f.BatchNumber != "" && m.BatchNumber != f.BatchNumber {
		return false
	}
	if f.Reference != "" && m.Reference != f.Reference {
		return false
	}
	if !f.From.IsZero() && m.PerformedAt.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && m.PerformedAt.After(f.To) {
		return false
	}
	if len(f.Types) > 0 {
		for _, t := range f.Types {
			if m.MovementType == t {
				return true
			}
		}
		return false
	}
	return true
}
