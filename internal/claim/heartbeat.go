package claim

import (
	"context"
	"log/slog"
	"time"

	"github.com/voxnexus/voxnexus/internal/fabric"
)

// Heartbeat refreshes the worker liveness key on a fixed cadence. Absence of
// the key for longer than its TTL is how a cluster supervisor declares the
// worker dead; the heartbeat carries no other payload.
type Heartbeat struct {
	broker   fabric.Broker
	interval time.Duration
	ttl      time.Duration
	logger   *slog.Logger
}

// NewHeartbeat creates a Heartbeat with the standard 10 s refresh / 30 s TTL.
func NewHeartbeat(broker fabric.Broker, logger *slog.Logger) *Heartbeat {
	if logger == nil {
		logger = slog.Default()
	}
	return &Heartbeat{
		broker:   broker,
		interval: fabric.HeartbeatTTL / 3,
		ttl:      fabric.HeartbeatTTL,
		logger:   logger.With("component", "heartbeat"),
	}
}

// Run refreshes the key until ctx is cancelled. Refresh failures are logged
// and retried on the next tick; a dead broker must not crash the worker.
func (h *Heartbeat) Run(ctx context.Context) {
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	h.refresh(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.refresh(ctx)
		}
	}
}

func (h *Heartbeat) refresh(ctx context.Context) {
	if err := h.broker.Set(ctx, fabric.HeartbeatKey, time.Now().UTC().Format(time.RFC3339), h.ttl); err != nil {
		h.logger.Warn("heartbeat refresh failed", "error", err)
	}
}
