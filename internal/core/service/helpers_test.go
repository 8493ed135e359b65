package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/rl1809/medstock/internal/adapter/storage"
	"github.com/rl1809/medstock/internal/core/domain"
)

const (
	testFacility = "fac-1"
	testItem     = "amoxicillin-500"
)

var baseTime = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// recordingNotifier keeps every published event in order.
type recordingNotifier struct {
	mu     sync.Mutex
	events []domain.Event
}

func (n *recordingNotifier) Publish(ctx context.Context, event domain.Event) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, event)
	return nil
}

func (n *recordingNotifier) Types() []domain.EventType {
	n.mu.Lock()
	defer n.mu.Unlock()
	types := make([]domain.EventType, 0, len(n.events))
	for _, e := range n.events {
		types = append(types, e.Type)
	}
	return types
}

func (n *recordingNotifier) OfType(t domain.EventType) []domain.Event {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []domain.Event
	for _, e := range n.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

func (n *recordingNotifier) Reset() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = nil
}

type mockNotifier struct {
	mock.Mock
}

func (m *mockNotifier) Publish(ctx context.Context, event domain.Event) error {
	args := m.Called(ctx, event)
	return args.Error(0)
}

type mockCatalog struct {
	mock.Mock
}

func (m *mockCatalog) Lookup(ctx context.Context, itemID string) (*domain.CatalogEntry, error) {
	args := m.Called(ctx, itemID)
	entry, _ := args.Get(0).(*domain.CatalogEntry)
	return entry, args.Error(1)
}

type mockLease struct {
	mock.Mock
}

func (m *mockLease) Acquire(ctx context.Context, name string, ttl time.Duration) (bool, error) {
	args := m.Called(ctx, name, ttl)
	return args.Bool(0), args.Error(1)
}

func (m *mockLease) Release(ctx context.Context, name string) error {
	args := m.Called(ctx, name)
	return args.Error(0)
}

type testEnv struct {
	store        *storage.MemoryAdapter
	clock        *testClock
	notifier     *recordingNotifier
	deps         Deps
	reservations *ReservationService
	stock        *StockService
	transfers    *TransferService
	movements    *MovementService
	tracker      *ExpiryTracker
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	return newTestEnvWith(t, func(*Deps) {})
}

func newTestEnvWith(t *testing.T, customize func(*Deps)) *testEnv {
	t.Helper()
	clock := &testClock{now: baseTime}
	notifier := &recordingNotifier{}
	deps := Deps{
		Store:    storage.NewMemoryAdapter(),
		Notifier: notifier,
		Metrics:  NewMetrics(prometheus.NewRegistry()),
		Now:      clock.Now,
	}
	customize(&deps)

	return &testEnv{
		store:        deps.Store.(*storage.MemoryAdapter),
		clock:        clock,
		notifier:     notifier,
		deps:         deps,
		reservations: NewReservationService(deps, time.Hour),
		stock:        NewStockService(deps),
		transfers:    NewTransferService(deps),
		movements:    NewMovementService(deps),
		tracker:      NewExpiryTracker(deps),
	}
}

// stockItem creates an item row at locationID and, when onHand is positive,
// receives it into lot "LOT-<locationID>" expiring in a year.
func (e *testEnv) stockItem(t *testing.T, locationID string, onHand, reorderLevel int) {
	t.Helper()
	ctx := context.Background()
	_, err := e.stock.CreateItem(ctx, NewItem{
		ItemID:          testItem,
		Name:            "Amoxicillin 500mg",
		Type:            domain.ItemTypeMedication,
		LocationID:      locationID,
		FacilityID:      testFacility,
		ReorderLevel:    reorderLevel,
		ReorderQuantity: 50,
	})
	require.NoError(t, err)
	if onHand > 0 {
		e.receive(t, locationID, "LOT-"+locationID, onHand, e.clock.Now().AddDate(1, 0, 0))
	}
}

func (e *testEnv) receive(t *testing.T, locationID, batchNumber string, quantity int, expiry time.Time) *ReceiveResult {
	t.Helper()
	res, err := e.stock.Receive(context.Background(), ReceiveRequest{
		ItemID:      testItem,
		Quantity:    quantity,
		BatchNumber: batchNumber,
		ExpiryDate:  expiry,
		LocationID:  locationID,
		SupplierID:  "sup-1",
		PerformedBy: "clerk",
	})
	require.NoError(t, err)
	return res
}

func (e *testEnv) reserve(t *testing.T, locationID string, quantity int, ttl time.Duration) *ReserveResult {
	t.Helper()
	res, err := e.reservations.Reserve(context.Background(), ReserveRequest{
		ItemID:     testItem,
		Quantity:   quantity,
		Reference:  "rx-1",
		TTL:        ttl,
		FacilityID: testFacility,
		LocationID: locationID,
		ReservedBy: "nurse",
	})
	require.NoError(t, err)
	return res
}

func (e *testEnv) item(t *testing.T, locationID string) *domain.InventoryItem {
	t.Helper()
	item, err := e.store.GetItem(context.Background(), testItem, locationID)
	require.NoError(t, err)
	return item
}

// requireConsistent checks the item invariant and the ledger replay.
func (e *testEnv) requireConsistent(t *testing.T, locationID string) {
	t.Helper()
	check, err := e.movements.VerifyItem(context.Background(), testItem, locationID)
	require.NoError(t, err)
	require.True(t, check.Consistent, "on_hand=%d ledger=%d", check.OnHand, check.LedgerOnHand)
}
