package port

import (
	"context"
	"time"

	"github.com/rl1809/medstock/internal/core/domain"
)

// Store is the transactional store behind the stock ledger.
type Store interface {
	// WithinTx runs fn as one unit of work. The work is committed when fn
	// returns nil and rolled back wholesale otherwise. Row locks taken through
	// Tx are held until the unit of work ends.
	WithinTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error

	// Ping reports whether the store is reachable.
	Ping(ctx context.Context) error

	Reader
}

// Reader holds lock-free reads. Results may be stale the moment they return.
type Reader interface {
	GetItem(ctx context.Context, itemID, locationID string) (*domain.InventoryItem, error)

	// ListItemLocations returns every row of itemID; facilityID narrows the
	// result when non-empty.
	ListItemLocations(ctx context.Context, itemID, facilityID string) ([]domain.InventoryItem, error)

	ListBatches(ctx context.Context, itemID, locationID string) ([]domain.StockBatch, error)

	GetReservation(ctx context.Context, reservationID string) (*domain.StockReservation, error)

	// ListLowStockItems returns non-discontinued rows whose available quantity
	// is at or below their reorder level, in no particular order.
	ListLowStockItems(ctx context.Context, facilityID string) ([]domain.InventoryItem, error)

	// ListExpiringBatches returns active batches expiring at or before until,
	// in no particular order. An empty facilityID matches every facility.
	ListExpiringBatches(ctx context.Context, facilityID string, until time.Time) ([]domain.StockBatch, error)

	// ListExpiredReservations returns up to limit active reservations whose
	// ExpiresAt is before now.
	ListExpiredReservations(ctx context.Context, now time.Time, limit int) ([]domain.StockReservation, error)

	// ListMovements returns movements matching filter in ledger order.
	ListMovements(ctx context.Context, filter domain.MovementFilter) ([]domain.StockMovement, error)
}

// Tx is a unit of work. Callers lock item rows before their batches and
// batches before reservations.
type Tx interface {
	// LockItem takes an exclusive lock on the item row and returns it.
	// Returns domain.ErrNotFound when the row does not exist.
	LockItem(ctx context.Context, itemID, locationID string) (*domain.InventoryItem, error)

	// InsertItem creates a row; an existing key yields domain.ErrConflict.
	InsertItem(ctx context.Context, item domain.InventoryItem) error

	UpdateItem(ctx context.Context, item domain.InventoryItem) error

	// LockBatches locks and returns every batch of an item row.
	LockBatches(ctx context.Context, itemID, locationID string) ([]domain.StockBatch, error)

	InsertBatch(ctx context.Context, batch domain.StockBatch) error

	UpdateBatch(ctx context.Context, batch domain.StockBatch) error

	LockReservation(ctx context.Context, reservationID string) (*domain.StockReservation, error)

	InsertReservation(ctx context.Context, reservation domain.StockReservation) error

	// TransitionReservation writes reservation only if the stored row is still
	// active and reports whether it did.
	TransitionReservation(ctx context.Context, reservation domain.StockReservation) (bool, error)

	AppendMovement(ctx context.Context, movement domain.StockMovement) error
}
