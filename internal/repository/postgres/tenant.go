// Package postgres implements the repository interfaces on pgx.
package postgres

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/voicekit/callrelay/internal/domain"
)

type TenantRepository struct {
	pool *pgxpool.Pool
}

func NewTenantRepository(pool *pgxpool.Pool) *TenantRepository {
	return &TenantRepository{pool: pool}
}

const tenantColumns = `
	id, slug, status, twilio_account_sid, twilio_auth_token, vapi_secret,
	phone_numbers, webhook_url, webhook_secret, created_at, updated_at`

func (r *TenantRepository) GetByID(ctx context.Context, id string) (*domain.Tenant, error) {
	const query = `SELECT ` + tenantColumns + ` FROM tenants WHERE id = $1`
	return r.scanOne(r.pool.QueryRow(ctx, query, id))
}

// FindActiveBySlug selects without a status filter so a suspended tenant
// surfaces as ErrTenantInactive rather than disappearing into not-found.
// The two reject differently upstream (403 vs 404).
func (r *TenantRepository) FindActiveBySlug(ctx context.Context, slug string) (*domain.Tenant, error) {
	const query = `SELECT ` + tenantColumns + ` FROM tenants WHERE slug = $1`
	return activeOnly(r.scanOne(r.pool.QueryRow(ctx, query, slug)))
}

// FindActiveByPhoneNumber matches a webhook destination number against each
// tenant's owned number set.
func (r *TenantRepository) FindActiveByPhoneNumber(ctx context.Context, number string) (*domain.Tenant, error) {
	const query = `
		SELECT ` + tenantColumns + ` FROM tenants
		WHERE $1 = ANY(phone_numbers)
		LIMIT 1
	`
	return activeOnly(r.scanOne(r.pool.QueryRow(ctx, query, number)))
}

func activeOnly(t *domain.Tenant, err error) (*domain.Tenant, error) {
	if err != nil {
		return nil, err
	}
	if !t.Active() {
		return nil, domain.ErrTenantInactive
	}
	return t, nil
}

func (r *TenantRepository) scanOne(row pgx.Row) (*domain.Tenant, error) {
	var (
		t                domain.Tenant
		twilioAccountSID *string
		twilioAuthToken  *string
		vapiSecret       *string
		webhookURL       *string
	)
	err := row.Scan(
		&t.ID,
		&t.Slug,
		&t.Status,
		&twilioAccountSID,
		&twilioAuthToken,
		&vapiSecret,
		&t.PhoneNumbers,
		&webhookURL,
		&t.WebhookSecret,
		&t.CreatedAt,
		&t.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrTenantNotFound
	}
	if err != nil {
		return nil, err
	}
	if twilioAccountSID != nil {
		t.TwilioAccountSID = *twilioAccountSID
	}
	if twilioAuthToken != nil {
		t.TwilioAuthToken = *twilioAuthToken
	}
	if vapiSecret != nil {
		t.VapiSecret = *vapiSecret
	}
	if webhookURL != nil {
		t.WebhookURL = *webhookURL
	}
	return &t, nil
}
