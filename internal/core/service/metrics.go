package service

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/rl1809/medstock/internal/core/domain"
)

const metricsNamespace = "medstock"

type Metrics struct {
	Reservations      *prometheus.CounterVec
	Resolutions       *prometheus.CounterVec
	Movements         *prometheus.CounterVec
	SweepRuns         *prometheus.CounterVec
	SweptReservations prometheus.Counter
	OperationDuration *prometheus.HistogramVec
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		Reservations: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "reservations_total",
			Help:      "Reserve calls by outcome.",
		}, []string{"outcome"}),
		Resolutions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "reservation_resolutions_total",
			Help:      "Reservations moved to a terminal state.",
		}, []string{"status"}),
		Movements: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "stock_movements_total",
			Help:      "Ledger rows appended by movement type.",
		}, []string{"type"}),
		SweepRuns: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "sweeper_runs_total",
			Help:      "Sweeper ticks by result.",
		}, []string{"result"}),
		SweptReservations: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "sweeper_expired_reservations_total",
			Help:      "Reservations expired by the sweeper.",
		}),
		OperationDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "operation_duration_seconds",
			Help:      "Latency of stock operations.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"operation"}),
	}
}

func (m *Metrics) observe(operation string, start time.Time) {
	m.OperationDuration.WithLabelValues(operation).Observe(time.Since(start).Seconds())
}

func (m *Metrics) movement(movementType domain.MovementType) {
	m.Movements.WithLabelValues(string(movementType)).Inc()
}

// outcome maps an error to a low-cardinality label.
func outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, domain.ErrInsufficientStock):
		return "insufficient_stock"
	case errors.Is(err, domain.ErrReservationExpired):
		return "expired"
	case errors.Is(err, domain.ErrConflict):
		return "conflict"
	case errors.Is(err, domain.ErrNotFound):
		return "not_found"
	case errors.Is(err, domain.ErrInvalidArgument):
		return "invalid"
	default:
		return "error"
	}
}
