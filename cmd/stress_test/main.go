package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"sync/atomic"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"github.com/google/uuid"

	"github.com/rl1809/medstock/internal/adapter/storage"
	"github.com/rl1809/medstock/internal/core/domain"
	"github.com/rl1809/medstock/internal/core/service"
	"github.com/rl1809/medstock/internal/port"
)

const (
	facilityID    = "stress-facility"
	locationID    = "stress-ward"
	initialStock  = 20
	totalRequests = 50
)

func main() {
	ctx := context.Background()

	store, cleanup := openStore(ctx)
	defer cleanup()

	deps := service.Deps{Store: store}
	stock := service.NewStockService(deps)
	reservations := service.NewReservationService(deps, time.Minute)
	movements := service.NewMovementService(deps)

	// Fresh item per run so reruns against MySQL start clean
	itemID := "stress-item-" + uuid.NewString()[:8]
	if _, err := stock.CreateItem(ctx, service.NewItem{
		ItemID:     itemID,
		Name:       "Stress Test Item",
		LocationID: locationID,
		FacilityID: facilityID,
	}); err != nil {
		log.Fatalf("failed to create item: %v", err)
	}
	if _, err := stock.Receive(ctx, service.ReceiveRequest{
		ItemID:      itemID,
		Quantity:    initialStock,
		BatchNumber: "STRESS-1",
		LocationID:  locationID,
	}); err != nil {
		log.Fatalf("failed to receive stock: %v", err)
	}

	var successCount, insufficientCount, errorCount, committedCount atomic.Int32

	var wg sync.WaitGroup
	start := time.Now()

	for i := 0; i < totalRequests; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()

			res, err := reservations.Reserve(ctx, service.ReserveRequest{
				ItemID:     itemID,
				Quantity:   1,
				Reference:  fmt.Sprintf("stress-%d", n),
				FacilityID: facilityID,
				LocationID: locationID,
			})
			switch {
			case errors.Is(err, domain.ErrInsufficientStock):
				insufficientCount.Add(1)
				return
			case err != nil:
				errorCount.Add(1)
				log.Printf("reserve %d: %v", n, err)
				return
			}
			successCount.Add(1)

			// Every other winner dispenses; the rest keep their hold.
			if n%2 == 0 {
				if _, err := reservations.Commit(ctx, service.CommitRequest{ReservationID: res.ReservationID}); err != nil {
					errorCount.Add(1)
					log.Printf("commit %d: %v", n, err)
					return
				}
				committedCount.Add(1)
			}
		}(i)
	}

	wg.Wait()
	elapsed := time.Since(start)

	success := successCount.Load()
	insufficient := insufficientCount.Load()
	committed := committedCount.Load()

	fmt.Println("========== STRESS TEST RESULTS ==========")
	fmt.Printf("Initial Stock:    %d\n", initialStock)
	fmt.Printf("Total Requests:   %d\n", totalRequests)
	fmt.Printf("Reserved:         %d\n", success)
	fmt.Printf("Insufficient:     %d\n", insufficient)
	fmt.Printf("Errors:           %d\n", errorCount.Load())
	fmt.Printf("Committed:        %d\n", committed)
	fmt.Printf("Duration:         %v\n", elapsed)
	fmt.Println("==========================================")

	if success == initialStock && insufficient == totalRequests-initialStock {
		fmt.Printf("PASS: Exactly %d reservations succeeded, %d refused\n", initialStock, totalRequests-initialStock)
	} else {
		fmt.Printf("FAIL: Expected %d reserved/%d refused, got %d/%d\n",
			initialStock, totalRequests-initialStock, success, insufficient)
	}

	item, err := store.GetItem(ctx, itemID, locationID)
	if err != nil {
		log.Fatalf("failed to read item: %v", err)
	}
	fmt.Printf("Final Item:       on_hand=%d reserved=%d available=%d\n",
		item.QuantityOnHand, item.QuantityReserved, item.QuantityAvailable)

	if item.QuantityAvailable == 0 && item.QuantityOnHand == initialStock-int(committed) {
		fmt.Println("PASS: No stock oversold")
	} else {
		fmt.Printf("FAIL: Expected available 0 and on_hand %d\n", initialStock-int(committed))
	}

	check, err := movements.VerifyItem(ctx, itemID, locationID)
	if err != nil {
		log.Fatalf("failed to verify ledger: %v", err)
	}
	if check.Consistent {
		fmt.Printf("PASS: Ledger replays to %d over %d movements\n", check.LedgerOnHand, check.Movements)
	} else {
		fmt.Printf("FAIL: Ledger replays to %d, row holds %d\n", check.LedgerOnHand, check.OnHand)
	}
}

// openStore uses MySQL when MYSQL_DSN is set and the in-memory store otherwise.
func openStore(ctx context.Context) (port.Store, func()) {
	dsn := os.Getenv("MYSQL_DSN")
	if dsn == "" {
		fmt.Println("MYSQL_DSN not set, using the in-memory store")
		return storage.NewMemoryAdapter(), func() {}
	}

	db, err := sql.Open("mysql", dsn)
	if err != nil {
		log.Fatalf("failed to open mysql: %v", err)
	}
	if err := db.PingContext(ctx); err != nil {
		log.Fatalf("failed to connect mysql: %v", err)
	}
	adapter := storage.NewMySQLAdapter(db)
	if err := adapter.Migrate(ctx); err != nil {
		log.Fatalf("failed to migrate: %v", err)
	}
	return adapter, func() { db.Close() }
}
