package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/rl1809/medstock/internal/core/service"
)

const pingTimeout = 2 * time.Second

// Pinger reports whether a backend is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// SweeperStatusSource is implemented by *service.Sweeper.
type SweeperStatusSource interface {
	Status() service.SweeperStatus
}

type HTTPHandler struct {
	store   Pinger
	sweeper SweeperStatusSource
	logger  *zap.Logger
}

type HealthResponse struct {
	Status  string                 `json:"status"`
	Store   string                 `json:"store"`
	Sweeper *service.SweeperStatus `json:"sweeper,omitempty"`
}

// NewHTTPHandler serves the health endpoint. sweeper may be nil when the
// sweeper is disabled.
func NewHTTPHandler(store Pinger, sweeper SweeperStatusSource, logger *zap.Logger) *HTTPHandler {
	return &HTTPHandler{store: store, sweeper: sweeper, logger: logger}
}

func (h *HTTPHandler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), pingTimeout)
	defer cancel()

	resp := HealthResponse{Status: "ok", Store: "ok"}
	status := http.StatusOK
	if err := h.store.Ping(ctx); err != nil {
		h.logger.Warn("health check: store unreachable", zap.Error(err))
		resp.Status = "degraded"
		resp.Store = "unreachable"
		status = http.StatusServiceUnavailable
	}
	if h.sweeper != nil {
		s := h.sweeper.Status()
		resp.Sweeper = &s
	}

	writeJSON(w, status, resp)
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
