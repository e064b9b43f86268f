// Package worker routes queued tasks to the reducers and the delivery
// engine. One handler serves the whole tasks topic; per-event ordering comes
// from partition keying, not from anything here.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/voicekit/callrelay/internal/domain"
	"github.com/voicekit/callrelay/internal/queue"
)

// CallReducer folds an event into its call record.
type CallReducer interface {
	Process(ctx context.Context, tenantID, eventID string) error
}

// MetricsRecomputer rebuilds a tenant's daily rollup.
type MetricsRecomputer interface {
	Recompute(ctx context.Context, tenantID string, day time.Time) error
}

// DeliveryEngine runs delivery attempts.
type DeliveryEngine interface {
	Dispatch(ctx context.Context, event *domain.Event) error
	Replay(ctx context.Context, event *domain.Event, attemptNumber int) error
}

// EventLoader fetches events for dispatch tasks.
type EventLoader interface {
	GetByID(ctx context.Context, id string) (*domain.Event, error)
}

type Handler struct {
	reducer    CallReducer
	recomputer MetricsRecomputer
	engine     DeliveryEngine
	events     EventLoader
	logger     *slog.Logger
}

func NewHandler(
	reducer CallReducer,
	recomputer MetricsRecomputer,
	engine DeliveryEngine,
	events EventLoader,
	logger *slog.Logger,
) *Handler {
	return &Handler{
		reducer:    reducer,
		recomputer: recomputer,
		engine:     engine,
		events:     events,
		logger:     logger,
	}
}

// HandleTask dispatches one task. A returned error means the task should be
// redelivered; tasks that can never succeed return nil after logging.
func (h *Handler) HandleTask(ctx context.Context, task queue.Task) error {
	switch task.Type {
	case queue.TaskProcessCall:
		return h.reducer.Process(ctx, task.TenantID, task.EventID)

	case queue.TaskRecomputeMetrics:
		if task.Day == nil {
			h.logger.Error("recompute task without day", "tenant_id", task.TenantID)
			return nil
		}
		return h.recomputer.Recompute(ctx, task.TenantID, *task.Day)

	case queue.TaskDispatchDelivery:
		event, err := h.events.GetByID(ctx, task.EventID)
		if err != nil {
			if errors.Is(err, domain.ErrNotFound) {
				h.logger.Warn("dispatch task for missing event", "event_id", task.EventID)
				return nil
			}
			return fmt.Errorf("load event %s: %w", task.EventID, err)
		}
		if task.Attempt > 0 {
			return h.engine.Replay(ctx, event, task.Attempt)
		}
		return h.engine.Dispatch(ctx, event)

	default:
		h.logger.Error("unknown task type", "type", task.Type)
		return nil
	}
}
