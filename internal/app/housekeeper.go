package app

import (
	"context"
	"log/slog"
	"time"

	"keygate/internal/config"
	"keygate/internal/license"
	"keygate/internal/security"
	"keygate/internal/signedlink"
)

// Housekeeper runs the periodic maintenance tasks: license expiry
// sweeps, activation retention, signed-link pruning, and guard counter
// eviction. One failed task never stops the others.
type Housekeeper struct {
	lifecycle *license.Lifecycle
	ledger    *license.Ledger
	links     *signedlink.Service
	guard     *security.Guard
	cfg       config.HousekeepingConfig
	logger    *slog.Logger
}

func NewHousekeeper(lifecycle *license.Lifecycle, ledger *license.Ledger, links *signedlink.Service,
	guard *security.Guard, cfg config.HousekeepingConfig, logger *slog.Logger) *Housekeeper {
	return &Housekeeper{
		lifecycle: lifecycle,
		ledger:    ledger,
		links:     links,
		guard:     guard,
		cfg:       cfg,
		logger:    logger.With(slog.String("component", "housekeeper")),
	}
}

// Run blocks until ctx is cancelled, executing one housekeeping round
// per interval. The first round runs immediately on start.
func (h *Housekeeper) Run(ctx context.Context) {
	h.logger.Info("housekeeper started", slog.Duration("interval", h.cfg.Interval))
	h.runOnce(ctx)

	ticker := time.NewTicker(h.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			h.logger.Info("housekeeper stopped")
			return
		case <-ticker.C:
			h.runOnce(ctx)
		}
	}
}

func (h *Housekeeper) runOnce(ctx context.Context) {
	start := time.Now()

	if n, err := h.lifecycle.SyncExpiredStatuses(ctx); err != nil {
		h.logger.Error("expiry sweep failed", slog.String("error", err.Error()))
	} else if n > 0 {
		h.logger.Info("expiry sweep complete", slog.Int("transitioned", n))
	}

	if n, err := h.ledger.Cleanup(ctx, h.cfg.ActivationRetentionDays); err != nil {
		h.logger.Error("activation cleanup failed", slog.String("error", err.Error()))
	} else if n > 0 {
		h.logger.Info("activation cleanup complete", slog.Int64("removed", n))
	}

	if n, err := h.links.CleanupExpired(ctx); err != nil {
		h.logger.Error("signed link cleanup failed", slog.String("error", err.Error()))
	} else if n > 0 {
		h.logger.Info("signed link cleanup complete", slog.Int64("removed", n))
	}

	if n, err := h.guard.Cleanup(ctx); err != nil {
		h.logger.Error("counter cleanup failed", slog.String("error", err.Error()))
	} else if n > 0 {
		h.logger.Info("counter cleanup complete", slog.Int("evicted", n))
	}

	h.logger.Debug("housekeeping round finished", slog.Duration("elapsed", time.Since(start)))
}
