package service

import (
	"context"
	"fmt"
	"time"

	"github.com/rl1809/medstock/internal/core/domain"
)

// MovementService reads the append-only movement ledger.
type MovementService struct {
	deps Deps
}

func NewMovementService(deps Deps) *MovementService {
	return &MovementService{deps: deps.withDefaults()}
}

type LedgerCheck struct {
	ItemID       string
	LocationID   string
	OnHand       int
	LedgerOnHand int
	Movements    int
	Consistent   bool
}

func (s *MovementService) GetMovements(ctx context.Context, filter domain.MovementFilter) ([]domain.StockMovement, error) {
	if filter.Limit < 0 {
		return nil, fmt.Errorf("%w: limit %d", domain.ErrInvalidArgument, filter.Limit)
	}
	for _, t := range filter.Types {
		if !t.Valid() {
			return nil, fmt.Errorf("%w: movement type %q", domain.ErrInvalidArgument, t)
		}
	}
	if !filter.From.IsZero() && !filter.To.IsZero() && filter.To.Before(filter.From) {
		return nil, fmt.Errorf("%w: time range ends before it starts", domain.ErrInvalidArgument)
	}

	movements, err := s.deps.Store.ListMovements(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("list movements: %w", err)
	}
	return movements, nil
}

// ReconstructOnHand replays the ledger of one item row up to and including at.
func (s *MovementService) ReconstructOnHand(ctx context.Context, itemID, locationID string, at time.Time) (int, error) {
	if err := requireID("item id", itemID); err != nil {
		return 0, err
	}
	if err := requireID("location id", locationID); err != nil {
		return 0, err
	}

	movements, err := s.deps.Store.ListMovements(ctx, domain.MovementFilter{
		ItemID:     itemID,
		LocationID: locationID,
		To:         at,
	})
	if err != nil {
		return 0, fmt.Errorf("list movements: %w", err)
	}

	var onHand int
	for _, m := range movements {
		onHand += m.QuantityChange
	}
	return onHand, nil
}

// VerifyItem compares an item row with its ledger replay.
func (s *MovementService) VerifyItem(ctx context.Context, itemID, locationID string) (*LedgerCheck, error) {
	if err := requireID("item id", itemID); err != nil {
		return nil, err
	}
	if err := requireID("location id", locationID); err != nil {
		return nil, err
	}

	item, err := s.deps.Store.GetItem(ctx, itemID, locationID)
	if err != nil {
		return nil, fmt.Errorf("get item: %w", err)
	}
	movements, err := s.deps.Store.ListMovements(ctx, domain.MovementFilter{ItemID: itemID, LocationID: locationID})
	if err != nil {
		return nil, fmt.Errorf("list movements: %w", err)
	}

	check := &LedgerCheck{
		ItemID:     itemID,
		LocationID: locationID,
		OnHand:     item.QuantityOnHand,
		Movements:  len(movements),
	}
	for _, m := range movements {
		check.LedgerOnHand += m.QuantityChange
	}
	check.Consistent = check.LedgerOnHand == check.OnHand && item.Validate() == nil
	return check, nil
}
