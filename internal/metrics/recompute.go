package metrics

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/voicekit/callrelay/internal/clock"
	"github.com/voicekit/callrelay/internal/observability"
	"github.com/voicekit/callrelay/internal/repository"
)

// Recomputer rebuilds one (tenant, day) rollup from the call records.
type Recomputer struct {
	calls  repository.CallRepository
	store  repository.MetricsRepository
	clock  clock.Clock
	obs    *observability.Metrics
	logger *slog.Logger
}

func NewRecomputer(
	calls repository.CallRepository,
	store repository.MetricsRepository,
	clk clock.Clock,
	obs *observability.Metrics,
	logger *slog.Logger,
) *Recomputer {
	return &Recomputer{
		calls:  calls,
		store:  store,
		clock:  clk,
		obs:    obs,
		logger: logger,
	}
}

func (r *Recomputer) Recompute(ctx context.Context, tenantID string, day time.Time) error {
	day = day.UTC().Truncate(24 * time.Hour)

	calls, err := r.calls.ListByDay(ctx, tenantID, day)
	if err != nil {
		return fmt.Errorf("list calls for %s/%s: %w", tenantID, day.Format("2006-01-02"), err)
	}

	rollup := Aggregate(tenantID, day, calls, r.clock.Now())
	if err := r.store.Upsert(ctx, rollup); err != nil {
		return fmt.Errorf("upsert rollup: %w", err)
	}

	r.obs.MetricsRecomputes.Inc()
	r.logger.Debug("daily rollup recomputed",
		"tenant_id", tenantID,
		"day", day.Format("2006-01-02"),
		"total_calls", rollup.TotalCalls)
	return nil
}
