package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/voicekit/callrelay/internal/domain"
)

type EventRepository struct {
	pool *pgxpool.Pool
}

func NewEventRepository(pool *pgxpool.Pool) *EventRepository {
	return &EventRepository{pool: pool}
}

const eventColumns = `
	id, tenant_id, type, provider, external_call_id, idempotency_key,
	direction, from_number, to_number, call_status, duration_seconds,
	transcript, recording_url, ai_handled, outcome, occurred_at, raw,
	status, delivery_attempts, max_delivery_attempts, next_attempt_at,
	last_error, delivered_at, processed_at, created_at, updated_at`

// Insert is the idempotent store: the unique index on
// (tenant_id, idempotency_key) resolves concurrent duplicate deliveries;
// zero rows affected means an envelope with this key already exists.
func (r *EventRepository) Insert(ctx context.Context, event *domain.Event) (bool, error) {
	const query = `
		INSERT INTO events (` + eventColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13,
		        $14, $15, $16, $17, $18, $19, $20, $21, $22, $23, $24, $25, $26)
		ON CONFLICT (tenant_id, idempotency_key) DO NOTHING
	`

	tag, err := r.pool.Exec(ctx, query,
		event.ID,
		event.TenantID,
		event.Type,
		event.Provider,
		nullString(event.ExternalCallID),
		event.IdempotencyKey,
		nullString(string(event.Direction)),
		nullString(event.FromNumber),
		nullString(event.ToNumber),
		nullString(string(event.CallStatus)),
		event.DurationSeconds,
		event.Transcript,
		event.RecordingURL,
		event.AIHandled,
		outcomeArg(event.Outcome),
		event.OccurredAt,
		event.Raw,
		event.Status,
		event.DeliveryAttempts,
		event.MaxDeliveryAttempts,
		event.NextAttemptAt,
		event.LastError,
		event.DeliveredAt,
		event.ProcessedAt,
		event.CreatedAt,
		event.UpdatedAt,
	)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (r *EventRepository) GetByID(ctx context.Context, id string) (*domain.Event, error) {
	const query = `SELECT ` + eventColumns + ` FROM events WHERE id = $1`
	return r.scanOne(r.pool.QueryRow(ctx, query, id))
}

func (r *EventRepository) GetByIdempotencyKey(ctx context.Context, tenantID, key string) (*domain.Event, error) {
	const query = `SELECT ` + eventColumns + ` FROM events WHERE tenant_id = $1 AND idempotency_key = $2`
	return r.scanOne(r.pool.QueryRow(ctx, query, tenantID, key))
}

func (r *EventRepository) UpdateStatus(ctx context.Context, event *domain.Event) error {
	const query = `
		UPDATE events
		SET status = $2, delivery_attempts = $3, next_attempt_at = $4,
		    last_error = $5, delivered_at = $6, processed_at = $7, updated_at = $8
		WHERE id = $1
	`

	_, err := r.pool.Exec(ctx, query,
		event.ID,
		event.Status,
		event.DeliveryAttempts,
		event.NextAttemptAt,
		event.LastError,
		event.DeliveredAt,
		event.ProcessedAt,
		event.UpdatedAt,
	)
	return err
}

// ClaimDueDeliveries claims retrying events whose next attempt is due.
// FOR UPDATE SKIP LOCKED keeps concurrent pollers from claiming the same
// rows, so each scheduled attempt runs as exactly one task.
func (r *EventRepository) ClaimDueDeliveries(ctx context.Context, now time.Time, limit int) ([]*domain.Event, error) {
	const query = `
		UPDATE events
		SET status = 'processing', updated_at = $1
		WHERE id IN (
			SELECT id FROM events
			WHERE status = 'retrying'
			AND next_attempt_at IS NOT NULL AND next_attempt_at <= $1
			ORDER BY next_attempt_at
			FOR UPDATE SKIP LOCKED
			LIMIT $2
		)
		RETURNING ` + eventColumns

	rows, err := r.pool.Query(ctx, query, now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []*domain.Event
	for rows.Next() {
		event, err := r.scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, event)
	}
	return events, rows.Err()
}

func (r *EventRepository) scanOne(row pgx.Row) (*domain.Event, error) {
	event, err := r.scanEvent(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return event, nil
}

func (r *EventRepository) scanEvent(row pgx.Row) (*domain.Event, error) {
	var (
		event          domain.Event
		externalCallID *string
		direction      *string
		fromNumber     *string
		toNumber       *string
		callStatus     *string
		outcome        *string
	)
	err := row.Scan(
		&event.ID,
		&event.TenantID,
		&event.Type,
		&event.Provider,
		&externalCallID,
		&event.IdempotencyKey,
		&direction,
		&fromNumber,
		&toNumber,
		&callStatus,
		&event.DurationSeconds,
		&event.Transcript,
		&event.RecordingURL,
		&event.AIHandled,
		&outcome,
		&event.OccurredAt,
		&event.Raw,
		&event.Status,
		&event.DeliveryAttempts,
		&event.MaxDeliveryAttempts,
		&event.NextAttemptAt,
		&event.LastError,
		&event.DeliveredAt,
		&event.ProcessedAt,
		&event.CreatedAt,
		&event.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if externalCallID != nil {
		event.ExternalCallID = *externalCallID
	}
	if direction != nil {
		event.Direction = domain.Direction(*direction)
	}
	if fromNumber != nil {
		event.FromNumber = *fromNumber
	}
	if toNumber != nil {
		event.ToNumber = *toNumber
	}
	if callStatus != nil {
		event.CallStatus = domain.CallStatus(*callStatus)
	}
	if outcome != nil {
		o := domain.Outcome(*outcome)
		event.Outcome = &o
	}
	return &event, nil
}

func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func outcomeArg(o *domain.Outcome) *string {
	if o == nil {
		return nil
	}
	s := string(*o)
	return &s
}
