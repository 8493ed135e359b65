package domain

import (
	"sort"
	"strconv"
	"strings"
	"time"
)

// Allocation is the share of a draw taken from one batch.
type Allocation struct {
	BatchID     string
	BatchNumber string
	Quantity    int
}

// SortFEFO orders batches first-expire-first-out. Batches without an expiry
// date sort last; ties fall back to batch number and id.
func SortFEFO(batches []StockBatch) {
	sort.SliceStable(batches, func(i, j int) bool {
		a, b := batches[i], batches[j]
		switch {
		case a.ExpiryDate.IsZero() != b.ExpiryDate.IsZero():
			return b.ExpiryDate.IsZero()
		case !a.ExpiryDate.Equal(b.ExpiryDate):
			return a.ExpiryDate.Before(b.ExpiryDate)
		case a.BatchNumber != b.BatchNumber:
			return a.BatchNumber < b.BatchNumber
		default:
			return a.BatchID < b.BatchID
		}
	})
}

// AllocateFEFO plans a draw of quantity units across the dispensable batches,
// earliest expiry first. It returns the allocations and the part of quantity
// that no batch could cover.
func AllocateFEFO(batches []StockBatch, quantity int, now time.Time) ([]Allocation, int) {
	candidates := make([]StockBatch, 0, len(batches))
	for _, b := range batches {
		if b.Dispensable(now) && b.Available() > 0 {
			candidates = append(candidates, b)
		}
	}
	return allocate(candidates, quantity)
}

// AllocateWriteOff plans the removal of quantity unreserved units for a
// write-off, earliest expiry first. It also draws from batches that are no
// longer dispensable, so expired stock goes before good stock.
func AllocateWriteOff(batches []StockBatch, quantity int) ([]Allocation, int) {
	candidates := make([]StockBatch, 0, len(batches))
	for _, b := range batches {
		if b.Available() > 0 {
			candidates = append(candidates, b)
		}
	}
	return allocate(candidates, quantity)
}

func allocate(candidates []StockBatch, quantity int) ([]Allocation, int) {
	SortFEFO(candidates)

	remaining := quantity
	var plan []Allocation
	for _, b := range candidates {
		if remaining == 0 {
			break
		}
		take := min(b.Available(), remaining)
		plan = append(plan, Allocation{BatchID: b.BatchID, BatchNumber: b.BatchNumber, Quantity: take})
		remaining -= take
	}
	return plan, remaining
}

// DescribeAllocations renders a plan for movement reasons, e.g. "LOT1=3,LOT2=2".
func DescribeAllocations(plan []Allocation) string {
	parts := make([]string, 0, len(plan))
	for _, a := range plan {
		parts = append(parts, a.BatchNumber+"="+strconv.Itoa(a.Quantity))
	}
	return strings.Join(parts, ",")
}
