package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/rl1809/medstock/internal/core/domain"
	"github.com/rl1809/medstock/internal/port"
)

const sweeperLease = "medstock:sweeper"

type SweeperConfig struct {
	Interval           time.Duration
	BatchSize          int
	ExpiryScanInterval time.Duration // zero disables the batch expiry scan
	ExpiryAlertWindow  time.Duration
	LeaseTTL           time.Duration
}

func (c SweeperConfig) withDefaults() SweeperConfig {
	if c.Interval <= 0 {
		c.Interval = time.Minute
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 500
	}
	if c.ExpiryAlertWindow <= 0 {
		c.ExpiryAlertWindow = 30 * 24 * time.Hour
	}
	if c.LeaseTTL <= 0 {
		c.LeaseTTL = 2 * c.Interval
	}
	return c
}

type SweepResult struct {
	Scanned int
	Expired int
	Skipped int // already resolved by a commit or rollback
	Failed  int
}

// SweeperStatus is what the health endpoint reports about the sweeper.
type SweeperStatus struct {
	LastRun    time.Time   `json:"last_run"`
	LastResult SweepResult `json:"last_result"`
	LastError  string      `json:"last_error,omitempty"`
}

// Sweeper expires reservations whose TTL has passed and, less often, runs
// the batch expiry scan. When a lease is configured only the process
// holding it sweeps on a given tick.
type Sweeper struct {
	reservations *ReservationService
	tracker      *ExpiryTracker
	lease        port.Lease
	cfg          SweeperConfig
	deps         Deps

	mu       sync.Mutex
	status   SweeperStatus
	lastScan time.Time
}

func NewSweeper(reservations *ReservationService, tracker *ExpiryTracker, lease port.Lease, cfg SweeperConfig) *Sweeper {
	return &Sweeper{
		reservations: reservations,
		tracker:      tracker,
		lease:        lease,
		cfg:          cfg.withDefaults(),
		deps:         reservations.deps,
	}
}

// Run ticks until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) error {
	s.deps.Logger.Info("sweeper started",
		zap.Duration("interval", s.cfg.Interval),
		zap.Int("batch_size", s.cfg.BatchSize))

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		s.tick(ctx)
		select {
		case <-ctx.Done():
			s.deps.Logger.Info("sweeper stopped")
			return nil
		case <-ticker.C:
		}
	}
}

func (s *Sweeper) tick(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			s.deps.Metrics.SweepRuns.WithLabelValues("panic").Inc()
			s.deps.Logger.Error("sweeper tick panicked", zap.Any("panic", r), zap.Stack("stack"))
			s.record(SweepResult{}, fmt.Errorf("panic: %v", r))
		}
	}()

	if ctx.Err() != nil {
		return
	}

	if s.lease != nil {
		ok, err := s.lease.Acquire(ctx, sweeperLease, s.cfg.LeaseTTL)
		if err != nil {
			s.deps.Metrics.SweepRuns.WithLabelValues("error").Inc()
			s.deps.Logger.Warn("failed to acquire sweeper lease", zap.Error(err))
			s.record(SweepResult{}, err)
			return
		}
		if !ok {
			s.deps.Metrics.SweepRuns.WithLabelValues("not_leader").Inc()
			return
		}
		defer func() {
			if err := s.lease.Release(context.WithoutCancel(ctx), sweeperLease); err != nil {
				s.deps.Logger.Warn("failed to release sweeper lease", zap.Error(err))
			}
		}()
	}

	res, err := s.SweepOnce(ctx)
	s.record(res, err)
	s.scanBatches(ctx)
}

// SweepOnce expires one batch of overdue reservations. Per-reservation
// failures are counted and logged; the returned error is only set when the
// overdue reservations could not be listed.
func (s *Sweeper) SweepOnce(ctx context.Context) (SweepResult, error) {
	var res SweepResult
	expired, err := s.deps.Store.ListExpiredReservations(ctx, s.deps.Now(), s.cfg.BatchSize)
	if err != nil {
		s.deps.Metrics.SweepRuns.WithLabelValues("error").Inc()
		s.deps.Logger.Error("failed to list expired reservations", zap.Error(err))
		return res, fmt.Errorf("list expired reservations: %w", err)
	}

	res.Scanned = len(expired)
	for _, r := range expired {
		if ctx.Err() != nil {
			break
		}
		_, err := s.reservations.Expire(ctx, r.ReservationID)
		switch {
		case err == nil:
			res.Expired++
		case errors.Is(err, domain.ErrConflict), errors.Is(err, domain.ErrNotFound):
			res.Skipped++
		default:
			res.Failed++
			s.deps.Logger.Warn("failed to expire reservation",
				zap.String("reservation_id", r.ReservationID),
				zap.Error(err))
		}
	}

	s.deps.Metrics.SweptReservations.Add(float64(res.Expired))
	s.deps.Metrics.SweepRuns.WithLabelValues("ok").Inc()
	if res.Scanned > 0 {
		s.deps.Logger.Info("sweep finished",
			zap.Int("scanned", res.Scanned),
			zap.Int("expired", res.Expired),
			zap.Int("skipped", res.Skipped),
			zap.Int("failed", res.Failed))
	}
	return res, nil
}

func (s *Sweeper) scanBatches(ctx context.Context) {
	if s.tracker == nil || s.cfg.ExpiryScanInterval <= 0 || ctx.Err() != nil {
		return
	}

	now := s.deps.Now()
	s.mu.Lock()
	due := s.lastScan.IsZero() || now.Sub(s.lastScan) >= s.cfg.ExpiryScanInterval
	if due {
		s.lastScan = now
	}
	s.mu.Unlock()
	if !due {
		return
	}

	if _, err := s.tracker.ScanBatchExpiry(ctx, s.cfg.ExpiryAlertWindow); err != nil {
		s.deps.Logger.Warn("batch expiry scan failed", zap.Error(err))
	}
}

func (s *Sweeper) record(res SweepResult, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status = SweeperStatus{LastRun: s.deps.Now(), LastResult: res}
	if err != nil {
		s.status.LastError = err.Error()
	}
}

func (s *Sweeper) Status() SweeperStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}
