package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/voicekit/callrelay/internal/domain"
)

type CallRepository struct {
	pool *pgxpool.Pool
}

func NewCallRepository(pool *pgxpool.Pool) *CallRepository {
	return &CallRepository{pool: pool}
}

const callColumns = `
	id, tenant_id, provider, external_call_id, status, direction,
	from_number, to_number, ai_handled, outcome, transcript, recording_url,
	duration_seconds, started_at, answered_at, ended_at, raw,
	created_at, updated_at`

func (r *CallRepository) GetByExternalID(ctx context.Context, tenantID string, provider domain.Provider, externalCallID string) (*domain.Call, error) {
	const query = `
		SELECT ` + callColumns + ` FROM calls
		WHERE tenant_id = $1 AND provider = $2 AND external_call_id = $3
	`
	call, err := r.scanCall(r.pool.QueryRow(ctx, query, tenantID, provider, externalCallID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return call, nil
}

func (r *CallRepository) Create(ctx context.Context, call *domain.Call) error {
	const query = `
		INSERT INTO calls (` + callColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)
		ON CONFLICT (tenant_id, provider, external_call_id) DO NOTHING
	`

	_, err := r.pool.Exec(ctx, query,
		call.ID,
		call.TenantID,
		call.Provider,
		call.ExternalCallID,
		call.Status,
		nullString(string(call.Direction)),
		nullString(call.FromNumber),
		nullString(call.ToNumber),
		call.AIHandled,
		outcomeArg(call.Outcome),
		call.Transcript,
		call.RecordingURL,
		call.DurationSeconds,
		call.StartedAt,
		call.AnsweredAt,
		call.EndedAt,
		call.Raw,
		call.CreatedAt,
		call.UpdatedAt,
	)
	return err
}

func (r *CallRepository) Update(ctx context.Context, call *domain.Call) error {
	const query = `
		UPDATE calls
		SET status = $2, direction = COALESCE($3, direction),
		    from_number = COALESCE($4, from_number), to_number = COALESCE($5, to_number),
		    ai_handled = $6, outcome = $7, transcript = $8, recording_url = $9,
		    duration_seconds = $10, started_at = $11, answered_at = $12,
		    ended_at = $13, raw = $14, updated_at = $15
		WHERE id = $1 AND tenant_id = $16
	`

	_, err := r.pool.Exec(ctx, query,
		call.ID,
		call.Status,
		nullString(string(call.Direction)),
		nullString(call.FromNumber),
		nullString(call.ToNumber),
		call.AIHandled,
		outcomeArg(call.Outcome),
		call.Transcript,
		call.RecordingURL,
		call.DurationSeconds,
		call.StartedAt,
		call.AnsweredAt,
		call.EndedAt,
		call.Raw,
		call.UpdatedAt,
		call.TenantID,
	)
	return err
}

// ListByDay returns the tenant's calls whose creation date falls on the
// given UTC calendar day, for metrics recomputation.
func (r *CallRepository) ListByDay(ctx context.Context, tenantID string, day time.Time) ([]*domain.Call, error) {
	dayStart := time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, time.UTC)
	dayEnd := dayStart.Add(24 * time.Hour)

	const query = `
		SELECT ` + callColumns + ` FROM calls
		WHERE tenant_id = $1 AND created_at >= $2 AND created_at < $3
		ORDER BY created_at
	`

	rows, err := r.pool.Query(ctx, query, tenantID, dayStart, dayEnd)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var calls []*domain.Call
	for rows.Next() {
		call, err := r.scanCall(rows)
		if err != nil {
			return nil, err
		}
		calls = append(calls, call)
	}
	return calls, rows.Err()
}

func (r *CallRepository) scanCall(row pgx.Row) (*domain.Call, error) {
	var (
		call      domain.Call
		direction *string
		from      *string
		to        *string
		outcome   *string
	)
	err := row.Scan(
		&call.ID,
		&call.TenantID,
		&call.Provider,
		&call.ExternalCallID,
		&call.Status,
		&direction,
		&from,
		&to,
		&call.AIHandled,
		&outcome,
		&call.Transcript,
		&call.RecordingURL,
		&call.DurationSeconds,
		&call.StartedAt,
		&call.AnsweredAt,
		&call.EndedAt,
		&call.Raw,
		&call.CreatedAt,
		&call.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if direction != nil {
		call.Direction = domain.Direction(*direction)
	}
	if from != nil {
		call.FromNumber = *from
	}
	if to != nil {
		call.ToNumber = *to
	}
	if outcome != nil {
		o := domain.Outcome(*outcome)
		call.Outcome = &o
	}
	return &call, nil
}
