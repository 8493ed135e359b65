package handler

import (
	"context"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// ServiceName is the gRPC health service name reported for the engine.
const ServiceName = "medstock.Inventory"

// HealthReporter keeps a gRPC health server in step with store
// reachability.
type HealthReporter struct {
	server *health.Server
	store  Pinger
	logger *zap.Logger
}

func NewHealthReporter(server *health.Server, store Pinger, logger *zap.Logger) *HealthReporter {
	return &HealthReporter{server: server, store: store, logger: logger}
}

// Check pings the store once and publishes the result for both the overall
// server and ServiceName.
func (h *HealthReporter) Check(ctx context.Context) healthpb.HealthCheckResponse_ServingStatus {
	ctx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()

	status := healthpb.HealthCheckResponse_SERVING
	if err := h.store.Ping(ctx); err != nil {
		h.logger.Warn("grpc health: store unreachable", zap.Error(err))
		status = healthpb.HealthCheckResponse_NOT_SERVING
	}
	h.server.SetServingStatus("", status)
	h.server.SetServingStatus(ServiceName, status)
	return status
}

// Run re-checks every interval until ctx is cancelled, then marks the
// server as shutting down.
func (h *HealthReporter) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		h.Check(ctx)
		select {
		case <-ctx.Done():
			h.server.Shutdown()
			return nil
		case <-ticker.C:
		}
	}
}
