package port

import (
	"context"
	"time"

	"github.com/rl1809/medstock/internal/core/domain"
)

type Notifier interface {
	// Publish delivers an event at least once. It is only called after the
	// producing unit of work has committed.
	Publish(ctx context.Context, event domain.Event) error
}

type Catalog interface {
	// Lookup returns item metadata, or domain.ErrNotFound.
	Lookup(ctx context.Context, itemID string) (*domain.CatalogEntry, error)
}

// Lease is a named, expiring mutual-exclusion token shared between processes.
type Lease interface {
	// Acquire returns false when another holder owns the lease.
	Acquire(ctx context.Context, name string, ttl time.Duration) (bool, error)

	Release(ctx context.Context, name string) error
}
