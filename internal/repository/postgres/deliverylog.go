package postgres

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/voicekit/callrelay/internal/domain"
)

type DeliveryLogRepository struct {
	pool *pgxpool.Pool
}

func NewDeliveryLogRepository(pool *pgxpool.Pool) *DeliveryLogRepository {
	return &DeliveryLogRepository{pool: pool}
}

const deliveryLogColumns = `
	id, tenant_id, event_id, url, attempt_number, request_body,
	signature_header, status, status_code, response_body, error,
	duration_ms, created_at, completed_at`

func (r *DeliveryLogRepository) Create(ctx context.Context, log *domain.DeliveryLog) error {
	const query = `
		INSERT INTO delivery_logs (` + deliveryLogColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	`

	_, err := r.pool.Exec(ctx, query,
		log.ID,
		log.TenantID,
		log.EventID,
		log.URL,
		log.AttemptNumber,
		log.RequestBody,
		nullString(log.SignatureHeader),
		log.Status,
		log.StatusCode,
		log.ResponseBody,
		log.Error,
		log.DurationMs,
		log.CreatedAt,
		log.CompletedAt,
	)
	return err
}

// Finalize writes the outcome of the attempt the row was created for.
// Rows are never touched again after this.
func (r *DeliveryLogRepository) Finalize(ctx context.Context, log *domain.DeliveryLog) error {
	const query = `
		UPDATE delivery_logs
		SET status = $2, status_code = $3, response_body = $4, error = $5,
		    duration_ms = $6, completed_at = $7
		WHERE id = $1
	`

	_, err := r.pool.Exec(ctx, query,
		log.ID,
		log.Status,
		log.StatusCode,
		log.ResponseBody,
		log.Error,
		log.DurationMs,
		log.CompletedAt,
	)
	return err
}

func (r *DeliveryLogRepository) GetByID(ctx context.Context, id string) (*domain.DeliveryLog, error) {
	const query = `SELECT ` + deliveryLogColumns + ` FROM delivery_logs WHERE id = $1`
	log, err := r.scanLog(r.pool.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return log, nil
}

func (r *DeliveryLogRepository) ListByEvent(ctx context.Context, tenantID, eventID string) ([]*domain.DeliveryLog, error) {
	const query = `
		SELECT ` + deliveryLogColumns + ` FROM delivery_logs
		WHERE tenant_id = $1 AND event_id = $2
		ORDER BY attempt_number
	`

	rows, err := r.pool.Query(ctx, query, tenantID, eventID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var logs []*domain.DeliveryLog
	for rows.Next() {
		log, err := r.scanLog(rows)
		if err != nil {
			return nil, err
		}
		logs = append(logs, log)
	}
	return logs, rows.Err()
}

func (r *DeliveryLogRepository) scanLog(row pgx.Row) (*domain.DeliveryLog, error) {
	var (
		log             domain.DeliveryLog
		signatureHeader *string
	)
	err := row.Scan(
		&log.ID,
		&log.TenantID,
		&log.EventID,
		&log.URL,
		&log.AttemptNumber,
		&log.RequestBody,
		&signatureHeader,
		&log.Status,
		&log.StatusCode,
		&log.ResponseBody,
		&log.Error,
		&log.DurationMs,
		&log.CreatedAt,
		&log.CompletedAt,
	)
	if err != nil {
		return nil, err
	}
	if signatureHeader != nil {
		log.SignatureHeader = *signatureHeader
	}
	return &log, nil
}
