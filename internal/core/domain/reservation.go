package domain

import (
	"fmt"
	"time"
)

type ReservationStatus string

const (
	ReservationStatusActive     ReservationStatus = "active"
	ReservationStatusCommitted  ReservationStatus = "committed"
	ReservationStatusExpired    ReservationStatus = "expired"
	ReservationStatusRolledBack ReservationStatus = "rolled_back"
)

func (s ReservationStatus) IsTerminal() bool {
	return s == ReservationStatusCommitted || s == ReservationStatusExpired || s == ReservationStatusRolledBack
}

type ReservationType string

const (
	ReservationTypeDispense     ReservationType = "dispense"
	ReservationTypeProcedure    ReservationType = "procedure"
	ReservationTypeOrder        ReservationType = "order"
	ReservationTypeTransfer     ReservationType = "transfer"
	ReservationTypeAdministered ReservationType = "administration"
)

type StockReservation struct {
	ReservationID     string
	ItemID            string
	LocationID        string
	FacilityID        string
	BatchNumber       string
	Quantity          int
	QuantityCommitted int
	ReservationType   ReservationType
	Reference         string
	Status            ReservationStatus
	ReservedAt        time.Time
	ExpiresAt         time.Time
	ReservedBy        string
	CommittedBy       string
	RolledBackBy      string
	RollbackReason    string
	ResolvedAt        *time.Time
}

// IsExpired is true strictly after ExpiresAt.
func (r *StockReservation) IsExpired(now time.Time) bool {
	return now.After(r.ExpiresAt)
}

func (r *StockReservation) ItemKey() ItemKey {
	return ItemKey{ItemID: r.ItemID, LocationID: r.LocationID}
}

// Commit moves an active reservation to committed.
func (r *StockReservation) Commit(quantity int, by string, now time.Time) error {
	if err := r.resolve(ReservationStatusCommitted, now); err != nil {
		return err
	}
	r.QuantityCommitted = quantity
	r.CommittedBy = by
	return nil
}

// RollBack moves an active reservation to rolled_back.
func (r *StockReservation) RollBack(reason, by string, now time.Time) error {
	if err := r.resolve(ReservationStatusRolledBack, now); err != nil {
		return err
	}
	r.RollbackReason = reason
	r.RolledBackBy = by
	return nil
}

// Expire moves an active reservation to expired.
func (r *StockReservation) Expire(by string, now time.Time) error {
	if err := r.resolve(ReservationStatusExpired, now); err != nil {
		return err
	}
	r.RollbackReason = "reservation expired"
	r.RolledBackBy = by
	return nil
}

func (r *StockReservation) resolve(to ReservationStatus, now time.Time) error {
	if r.Status != ReservationStatusActive {
		return fmt.Errorf("%w: reservation %s is %s, cannot become %s", ErrConflict, r.ReservationID, r.Status, to)
	}
	r.Status = to
	resolved := now
	r.ResolvedAt = &resolved
	return nil
}
