// Package calls folds stored events into per-call records. Reduction is
// idempotent: replaying an event converges on the same call state, so the
// at-least-once task queue needs no dedup of its own.
package calls

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/voicekit/callrelay/internal/clock"
	"github.com/voicekit/callrelay/internal/domain"
	"github.com/voicekit/callrelay/internal/observability"
	"github.com/voicekit/callrelay/internal/queue"
	"github.com/voicekit/callrelay/internal/repository"
)

type Reducer struct {
	events   repository.EventRepository
	calls    repository.CallRepository
	enqueuer queue.Enqueuer
	clock    clock.Clock
	metrics  *observability.Metrics
	logger   *slog.Logger
}

func NewReducer(
	events repository.EventRepository,
	calls repository.CallRepository,
	enqueuer queue.Enqueuer,
	clk clock.Clock,
	metrics *observability.Metrics,
	logger *slog.Logger,
) *Reducer {
	return &Reducer{
		events:   events,
		calls:    calls,
		enqueuer: enqueuer,
		clock:    clk,
		metrics:  metrics,
		logger:   logger,
	}
}

// Process folds one event into its call record and schedules a metrics
// recompute for the affected day. Returns a nil error for permanent
// failures so the task is committed rather than redelivered forever.
func (r *Reducer) Process(ctx context.Context, tenantID, eventID string) error {
	now := r.clock.Now()

	event, err := r.events.GetByID(ctx, eventID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			r.logger.Warn("event vanished before processing", "event_id", eventID)
			return nil
		}
		return fmt.Errorf("load event %s: %w", eventID, err)
	}
	if event.TenantID != tenantID {
		r.logger.Error("task tenant mismatch", "event_id", eventID, "task_tenant", tenantID)
		return nil
	}
	if event.ProcessedAt != nil {
		return nil
	}

	if event.ExternalCallID == "" {
		event.MarkFailed(now, domain.ErrMissingCallID.Error())
		if err := r.events.UpdateStatus(ctx, event); err != nil {
			return fmt.Errorf("mark event failed: %w", err)
		}
		r.metrics.EventsFailed.Inc()
		r.logger.Warn("event has no call id, failed permanently",
			"event_id", event.ID, "provider", event.Provider, "type", event.Type)
		return nil
	}

	call, err := r.upsertCall(ctx, event, now)
	if err != nil {
		return err
	}

	event.MarkProcessed(now)
	if err := r.events.UpdateStatus(ctx, event); err != nil {
		return fmt.Errorf("mark event processed: %w", err)
	}
	r.metrics.EventsProcessed.Inc()

	day := dayOf(event, call)
	task := queue.Task{
		Type:       queue.TaskRecomputeMetrics,
		TenantID:   event.TenantID,
		Day:        &day,
		EnqueuedAt: now,
	}
	if err := r.enqueuer.Enqueue(ctx, task); err != nil {
		// The event is already reduced; losing the recompute here only
		// delays the rollup until the next event for this day.
		r.logger.Error("enqueue metrics recompute failed",
			"tenant_id", event.TenantID, "day", day, "error", err)
	}

	r.logger.Info("event reduced",
		"event_id", event.ID,
		"call_id", call.ID,
		"call_status", call.Status)
	return nil
}

// upsertCall finds or creates the call for the event's external identity and
// merges the event into it. Creation uses insert-if-absent, so two workers
// racing on the first event for a call both converge on one row.
func (r *Reducer) upsertCall(ctx context.Context, event *domain.Event, now time.Time) (*domain.Call, error) {
	call, err := r.calls.GetByExternalID(ctx, event.TenantID, event.Provider, event.ExternalCallID)
	if errors.Is(err, domain.ErrNotFound) {
		call = &domain.Call{
			ID:             uuid.New().String(),
			TenantID:       event.TenantID,
			Provider:       event.Provider,
			ExternalCallID: event.ExternalCallID,
			Status:         domain.CallStatusPending,
			CreatedAt:      now,
			UpdatedAt:      now,
		}
		call.Merge(event.CallUpdate(), now)
		if err := r.calls.Create(ctx, call); err != nil {
			return nil, fmt.Errorf("create call: %w", err)
		}

		// Re-read after insert-if-absent: a concurrent worker may have
		// won the insert, in which case our merge goes onto its row.
		existing, err := r.calls.GetByExternalID(ctx, event.TenantID, event.Provider, event.ExternalCallID)
		if err != nil {
			return nil, fmt.Errorf("reload call: %w", err)
		}
		if existing.ID == call.ID {
			return call, nil
		}
		call = existing
	} else if err != nil {
		return nil, fmt.Errorf("load call: %w", err)
	}

	call.Merge(event.CallUpdate(), now)
	if err := r.calls.Update(ctx, call); err != nil {
		return nil, fmt.Errorf("update call: %w", err)
	}
	return call, nil
}

// dayOf picks the rollup day for the event, preferring the provider's own
// timestamp over receipt time.
func dayOf(event *domain.Event, call *domain.Call) time.Time {
	t := event.CreatedAt
	if event.OccurredAt != nil {
		t = *event.OccurredAt
	} else if call.StartedAt != nil {
		t = *call.StartedAt
	}
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
