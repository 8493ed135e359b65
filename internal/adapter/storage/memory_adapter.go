package storage

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rl1809/medstock/internal/core/domain"
	"github.com/rl1809/medstock/internal/port"
)

var errNotLocked = errors.New("row not locked by this unit of work")

// MemoryAdapter is a process-local port.Store. Row locks are keyed locks
// held until the unit of work ends; writes are staged and become visible
// together when the unit of work commits.
type MemoryAdapter struct {
	locks *keyedLock

	mu           sync.RWMutex
	items        map[domain.ItemKey]domain.InventoryItem
	batches      map[string]domain.StockBatch
	reservations map[string]domain.StockReservation
	movements    []domain.StockMovement
	sequence     int64
}

var _ port.Store = (*MemoryAdapter)(nil)

func NewMemoryAdapter() *MemoryAdapter {
	return &MemoryAdapter{
		locks:        newKeyedLock(),
		items:        make(map[domain.ItemKey]domain.InventoryItem),
		batches:      make(map[string]domain.StockBatch),
		reservations: make(map[string]domain.StockReservation),
	}
}

func (m *MemoryAdapter) WithinTx(ctx context.Context, fn func(ctx context.Context, tx port.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	tx := &memoryTx{
		store:        m,
		held:         make(map[string]struct{}),
		items:        make(map[domain.ItemKey]domain.InventoryItem),
		batches:      make(map[string]domain.StockBatch),
		reservations: make(map[string]domain.StockReservation),
	}
	defer tx.unlockAll()

	if err := fn(ctx, tx); err != nil {
		return err
	}
	return m.apply(tx)
}

func (m *MemoryAdapter) Ping(ctx context.Context) error {
	return ctx.Err()
}

func (m *MemoryAdapter) apply(tx *memoryTx) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for key, item := range tx.items {
		m.items[key] = item
	}
	for id, batch := range tx.batches {
		m.batches[id] = batch
	}
	for id, r := range tx.reservations {
		m.reservations[id] = r
	}
	for _, movement := range tx.movements {
		m.sequence++
		movement.Sequence = m.sequence
		m.movements = append(m.movements, movement)
	}
	return nil
}

func (m *MemoryAdapter) GetItem(ctx context.Context, itemID, locationID string) (*domain.InventoryItem, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	item, ok := m.items[domain.ItemKey{ItemID: itemID, LocationID: locationID}]
	if !ok {
		return nil, fmt.Errorf("%w: item %s at %s", domain.ErrNotFound, itemID, locationID)
	}
	return &item, nil
}

func (m *MemoryAdapter) ListItemLocations(ctx context.Context, itemID, facilityID string) ([]domain.InventoryItem, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var rows []domain.InventoryItem
	for key, item := range m.items {
		if key.ItemID == itemID && (facilityID == "" || item.FacilityID == facilityID) {
			rows = append(rows, item)
		}
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].LocationID < rows[j].LocationID })
	return rows, nil
}

func (m *MemoryAdapter) ListBatches(ctx context.Context, itemID, locationID string) ([]domain.StockBatch, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.batchesOf(domain.ItemKey{ItemID: itemID, LocationID: locationID}), nil
}

func (m *MemoryAdapter) GetReservation(ctx context.Context, reservationID string) (*domain.StockReservation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.reservations[reservationID]
	if !ok {
		return nil, fmt.Errorf("%w: reservation %s", domain.ErrNotFound, reservationID)
	}
	return &r, nil
}

func (m *MemoryAdapter) ListLowStockItems(ctx context.Context, facilityID string) ([]domain.InventoryItem, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var rows []domain.InventoryItem
	for _, item := range m.items {
		if facilityID != "" && item.FacilityID != facilityID {
			continue
		}
		if item.Status != domain.ItemStatusDiscontinued && item.IsLowStock() {
			rows = append(rows, item)
		}
	}
	return rows, nil
}

func (m *MemoryAdapter) ListExpiringBatches(ctx context.Context, facilityID string, until time.Time) ([]domain.StockBatch, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var rows []domain.StockBatch
	for _, b := range m.batches {
		if facilityID != "" && b.FacilityID != facilityID {
			continue
		}
		if b.Status == domain.BatchStatusActive && !b.ExpiryDate.IsZero() && !b.ExpiryDate.After(until) {
			rows = append(rows, b)
		}
	}
	return rows, nil
}

func (m *MemoryAdapter) ListExpiredReservations(ctx context.Context, now time.Time, limit int) ([]domain.StockReservation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var rows []domain.StockReservation
	for _, r := range m.reservations {
		if r.Status == domain.ReservationStatusActive && r.ExpiresAt.Before(now) {
			rows = append(rows, r)
		}
	}
	sort.Slice(rows, func(i, j int) bool {
		if !rows[i].ExpiresAt.Equal(rows[j].ExpiresAt) {
			return rows[i].ExpiresAt.Before(rows[j].ExpiresAt)
		}
		return rows[i].ReservationID < rows[j].ReservationID
	})
	if limit > 0 && len(rows) > limit {
		rows = rows[:limit]
	}
	return rows, nil
}

func (m *MemoryAdapter) ListMovements(ctx context.Context, filter domain.MovementFilter) ([]domain.StockMovement, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var rows []domain.StockMovement
	for _, movement := range m.movements {
		if !filter.Matches(movement) {
			continue
		}
		rows = append(rows, movement)
		if filter.Limit > 0 && len(rows) == filter.Limit {
			break
		}
	}
	return rows, nil
}

// batchesOf must be called with m.mu held.
func (m *MemoryAdapter) batchesOf(key domain.ItemKey) []domain.StockBatch {
	var rows []domain.StockBatch
	for _, b := range m.batches {
		if b.ItemID == key.ItemID && b.LocationID == key.LocationID {
			rows = append(rows, b)
		}
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].BatchID < rows[j].BatchID })
	return rows
}

// memoryTx stages writes and remembers which keys it holds. It is used by a
// single goroutine.
type memoryTx struct {
	store *MemoryAdapter
	held  map[string]struct{}
	order []string

	items        map[domain.ItemKey]domain.InventoryItem
	batches      map[string]domain.StockBatch
	reservations map[string]domain.StockReservation
	movements    []domain.StockMovement
}

func (tx *memoryTx) lock(ctx context.Context, key string) error {
	if _, ok := tx.held[key]; ok {
		return nil
	}
	if err := tx.store.locks.lock(ctx, key); err != nil {
		return fmt.Errorf("lock %s: %w", key, err)
	}
	tx.held[key] = struct{}{}
	tx.order = append(tx.order, key)
	return nil
}

func (tx *memoryTx) holds(key string) bool {
	_, ok := tx.held[key]
	return ok
}

func (tx *memoryTx) unlockAll() {
	for i := len(tx.order) - 1; i >= 0; i-- {
		tx.store.locks.unlock(tx.order[i])
	}
	tx.order = nil
}

func itemLockKey(key domain.ItemKey) string {
	return "item:" + key.String()
}

func batchLockKey(key domain.ItemKey) string {
	return "batches:" + key.String()
}

func reservationLockKey(id string) string {
	return "reservation:" + id
}

func (tx *memoryTx) item(key domain.ItemKey) (domain.InventoryItem, bool) {
	if item, ok := tx.items[key]; ok {
		return item, true
	}
	tx.store.mu.RLock()
	defer tx.store.mu.RUnlock()
	item, ok := tx.store.items[key]
	return item, ok
}

func (tx *memoryTx) LockItem(ctx context.Context, itemID, locationID string) (*domain.InventoryItem, error) {
	key := domain.ItemKey{ItemID: itemID, LocationID: locationID}
	if err := tx.lock(ctx, itemLockKey(key)); err != nil {
		return nil, err
	}
	item, ok := tx.item(key)
	if !ok {
		return nil, fmt.Errorf("%w: item %s at %s", domain.ErrNotFound, itemID, locationID)
	}
	return &item, nil
}

func (tx *memoryTx) InsertItem(ctx context.Context, item domain.InventoryItem) error {
	key := item.Key()
	if err := tx.lock(ctx, itemLockKey(key)); err != nil {
		return err
	}
	if _, ok := tx.item(key); ok {
		return fmt.Errorf("%w: item %s already stocked at %s", domain.ErrConflict, item.ItemID, item.LocationID)
	}
	item.QuantityAvailable = item.Available()
	tx.items[key] = item
	return nil
}

func (tx *memoryTx) UpdateItem(ctx context.Context, item domain.InventoryItem) error {
	key := item.Key()
	if !tx.holds(itemLockKey(key)) {
		return fmt.Errorf("update item %s: %w", key, errNotLocked)
	}
	if _, ok := tx.item(key); !ok {
		return fmt.Errorf("%w: item %s at %s", domain.ErrNotFound, item.ItemID, item.LocationID)
	}
	if err := item.Validate(); err != nil {
		return err
	}
	tx.items[key] = item
	return nil
}

func (tx *memoryTx) LockBatches(ctx context.Context, itemID, locationID string) ([]domain.StockBatch, error) {
	key := domain.ItemKey{ItemID: itemID, LocationID: locationID}
	if err := tx.lock(ctx, batchLockKey(key)); err != nil {
		return nil, err
	}

	tx.store.mu.RLock()
	rows := tx.store.batchesOf(key)
	tx.store.mu.RUnlock()

	seen := make(map[string]int, len(rows))
	for i, b := range rows {
		seen[b.BatchID] = i
	}
	for id, b := range tx.batches {
		if b.ItemID != itemID || b.LocationID != locationID {
			continue
		}
		if i, ok := seen[id]; ok {
			rows[i] = b
		} else {
			rows = append(rows, b)
		}
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].BatchID < rows[j].BatchID })
	return rows, nil
}

func (tx *memoryTx) InsertBatch(ctx context.Context, batch domain.StockBatch) error {
	key := domain.ItemKey{ItemID: batch.ItemID, LocationID: batch.LocationID}
	if err := tx.lock(ctx, batchLockKey(key)); err != nil {
		return err
	}
	existing, err := tx.LockBatches(ctx, batch.ItemID, batch.LocationID)
	if err != nil {
		return err
	}
	for _, b := range existing {
		if b.BatchID == batch.BatchID || b.BatchNumber == batch.BatchNumber {
			return fmt.Errorf("%w: batch %s of item %s at %s", domain.ErrConflict, batch.BatchNumber, batch.ItemID, batch.LocationID)
		}
	}
	tx.batches[batch.BatchID] = batch
	return nil
}

func (tx *memoryTx) UpdateBatch(ctx context.Context, batch domain.StockBatch) error {
	key := domain.ItemKey{ItemID: batch.ItemID, LocationID: batch.LocationID}
	if !tx.holds(batchLockKey(key)) {
		return fmt.Errorf("update batch %s: %w", batch.BatchID, errNotLocked)
	}
	if err := batch.Validate(); err != nil {
		return err
	}
	tx.batches[batch.BatchID] = batch
	return nil
}

func (tx *memoryTx) reservation(id string) (domain.StockReservation, bool) {
	if r, ok := tx.reservations[id]; ok {
		return r, true
	}
	tx.store.mu.RLock()
	defer tx.store.mu.RUnlock()
	r, ok := tx.store.reservations[id]
	return r, ok
}

func (tx *memoryTx) LockReservation(ctx context.Context, reservationID string) (*domain.StockReservation, error) {
	if err := tx.lock(ctx, reservationLockKey(reservationID)); err != nil {
		return nil, err
	}
	r, ok := tx.reservation(reservationID)
	if !ok {
		return nil, fmt.Errorf("%w: reservation %s", domain.ErrNotFound, reservationID)
	}
	return &r, nil
}

func (tx *memoryTx) InsertReservation(ctx context.Context, reservation domain.StockReservation) error {
	if err := tx.lock(ctx, reservationLockKey(reservation.ReservationID)); err != nil {
		return err
	}
	if _, ok := tx.reservation(reservation.ReservationID); ok {
		return fmt.Errorf("%w: reservation %s", domain.ErrConflict, reservation.ReservationID)
	}
	tx.reservations[reservation.ReservationID] = reservation
	return nil
}

func (tx *memoryTx) TransitionReservation(ctx context.Context, reservation domain.StockReservation) (bool, error) {
	if !tx.holds(reservationLockKey(reservation.ReservationID)) {
		return false, fmt.Errorf("transition reservation %s: %w", reservation.ReservationID, errNotLocked)
	}
	current, ok := tx.reservation(reservation.ReservationID)
	if !ok {
		return false, fmt.Errorf("%w: reservation %s", domain.ErrNotFound, reservation.ReservationID)
	}
	if current.Status != domain.ReservationStatusActive {
		return false, nil
	}
	tx.reservations[reservation.ReservationID] = reservation
	return true, nil
}

func (tx *memoryTx) AppendMovement(ctx context.Context, movement domain.StockMovement) error {
	if !movement.MovementType.Valid() {
		return fmt.Errorf("%w: movement type %q", domain.ErrInvalidArgument, movement.MovementType)
	}
	tx.movements = append(tx.movements, movement)
	return nil
}
