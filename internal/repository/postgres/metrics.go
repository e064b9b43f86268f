package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/voicekit/callrelay/internal/domain"
)

type MetricsRepository struct {
	pool *pgxpool.Pool
}

func NewMetricsRepository(pool *pgxpool.Pool) *MetricsRepository {
	return &MetricsRepository{pool: pool}
}

// Upsert replaces the whole rollup for (tenant_id, day). Counters are never
// incremented in place, so recomputation converges regardless of how many
// concurrent triggers raced to write it.
func (r *MetricsRepository) Upsert(ctx context.Context, m *domain.DailyMetrics) error {
	const query = `
		INSERT INTO daily_metrics (
			tenant_id, day, total_calls, inbound_calls, outbound_calls,
			ai_handled_calls, booked_calls, transferred_calls, info_calls,
			missed_calls, total_duration_seconds, avg_duration_seconds, computed_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (tenant_id, day) DO UPDATE SET
			total_calls = EXCLUDED.total_calls,
			inbound_calls = EXCLUDED.inbound_calls,
			outbound_calls = EXCLUDED.outbound_calls,
			ai_handled_calls = EXCLUDED.ai_handled_calls,
			booked_calls = EXCLUDED.booked_calls,
			transferred_calls = EXCLUDED.transferred_calls,
			info_calls = EXCLUDED.info_calls,
			missed_calls = EXCLUDED.missed_calls,
			total_duration_seconds = EXCLUDED.total_duration_seconds,
			avg_duration_seconds = EXCLUDED.avg_duration_seconds,
			computed_at = EXCLUDED.computed_at
	`

	_, err := r.pool.Exec(ctx, query,
		m.TenantID,
		m.Day,
		m.TotalCalls,
		m.InboundCalls,
		m.OutboundCalls,
		m.AIHandledCalls,
		m.BookedCalls,
		m.TransferredCalls,
		m.InfoCalls,
		m.MissedCalls,
		m.TotalDurationSeconds,
		m.AvgDurationSeconds,
		m.ComputedAt,
	)
	return err
}

func (r *MetricsRepository) Get(ctx context.Context, tenantID string, day time.Time) (*domain.DailyMetrics, error) {
	const query = `
		SELECT tenant_id, day, total_calls, inbound_calls, outbound_calls,
		       ai_handled_calls, booked_calls, transferred_calls, info_calls,
		       missed_calls, total_duration_seconds, avg_duration_seconds, computed_at
		FROM daily_metrics
		WHERE tenant_id = $1 AND day = $2
	`

	dayStart := time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, time.UTC)

	var m domain.DailyMetrics
	err := r.pool.QueryRow(ctx, query, tenantID, dayStart).Scan(
		&m.TenantID,
		&m.Day,
		&m.TotalCalls,
		&m.InboundCalls,
		&m.OutboundCalls,
		&m.AIHandledCalls,
		&m.BookedCalls,
		&m.TransferredCalls,
		&m.InfoCalls,
		&m.MissedCalls,
		&m.TotalDurationSeconds,
		&m.AvgDurationSeconds,
		&m.ComputedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}
