// Package repository defines the persistence interfaces consumed by the
// ingestion handlers and workers. Tenant-owned data is accessed through
// methods that take the tenant id explicitly; omitting it is a compile-time
// visible mistake rather than a query interceptor's job.
package repository

import (
	"context"
	"time"

	"github.com/voicekit/callrelay/internal/domain"
)

type TenantRepository interface {
	FindActiveBySlug(ctx context.Context, slug string) (*domain.Tenant, error)
	FindActiveByPhoneNumber(ctx context.Context, number string) (*domain.Tenant, error)
	GetByID(ctx context.Context, id string) (*domain.Tenant, error)
}

type EventRepository interface {
	// Insert persists the envelope if no event with the same
	// (tenant_id, idempotency_key) exists. Returns stored=false for
	// duplicates; the storage-level uniqueness constraint resolves races
	// between concurrent deliveries of the same provider event.
	Insert(ctx context.Context, event *domain.Event) (stored bool, err error)
	GetByID(ctx context.Context, id string) (*domain.Event, error)
	GetByIdempotencyKey(ctx context.Context, tenantID, key string) (*domain.Event, error)
	UpdateStatus(ctx context.Context, event *domain.Event) error

	// ClaimDueDeliveries atomically claims events whose next delivery
	// attempt is due, across tenants, safe under concurrent workers.
	ClaimDueDeliveries(ctx context.Context, now time.Time, limit int) ([]*domain.Event, error)
}

type CallRepository interface {
	GetByExternalID(ctx context.Context, tenantID string, provider domain.Provider, externalCallID string) (*domain.Call, error)
	Create(ctx context.Context, call *domain.Call) error
	Update(ctx context.Context, call *domain.Call) error
	ListByDay(ctx context.Context, tenantID string, day time.Time) ([]*domain.Call, error)
}

type DeliveryLogRepository interface {
	Create(ctx context.Context, log *domain.DeliveryLog) error
	// Finalize updates the outcome of the same attempt row; later attempts
	// always create new rows.
	Finalize(ctx context.Context, log *domain.DeliveryLog) error
	GetByID(ctx context.Context, id string) (*domain.DeliveryLog, error)
	ListByEvent(ctx context.Context, tenantID, eventID string) ([]*domain.DeliveryLog, error)
}

type MetricsRepository interface {
	// Upsert replaces the full rollup for (tenant_id, day).
	Upsert(ctx context.Context, m *domain.DailyMetrics) error
	Get(ctx context.Context, tenantID string, day time.Time) (*domain.DailyMetrics, error)
}
