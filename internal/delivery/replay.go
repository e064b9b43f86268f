package delivery

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/voicekit/callrelay/internal/clock"
	"github.com/voicekit/callrelay/internal/domain"
	"github.com/voicekit/callrelay/internal/queue"
	"github.com/voicekit/callrelay/internal/repository"
)

// Replayer turns an operator's replay request into a dispatch task. The
// actual attempt runs on a worker, like every other delivery.
type Replayer struct {
	logs     repository.DeliveryLogRepository
	events   repository.EventRepository
	enqueuer queue.Enqueuer
	clock    clock.Clock
	logger   *slog.Logger
}

func NewReplayer(
	logs repository.DeliveryLogRepository,
	events repository.EventRepository,
	enqueuer queue.Enqueuer,
	clk clock.Clock,
	logger *slog.Logger,
) *Replayer {
	return &Replayer{
		logs:     logs,
		events:   events,
		enqueuer: enqueuer,
		clock:    clk,
		logger:   logger,
	}
}

// Replay schedules a manual attempt for the event behind a prior delivery
// log, numbered after that log's attempt. Works regardless of the event's
// state; dead-lettered and already-delivered events are both fair game.
// Returns domain.ErrNotFound when the log or its event is gone.
func (r *Replayer) Replay(ctx context.Context, logID string) (*domain.Event, int, error) {
	log, err := r.logs.GetByID(ctx, logID)
	if err != nil {
		return nil, 0, fmt.Errorf("load delivery log %s: %w", logID, err)
	}

	event, err := r.events.GetByID(ctx, log.EventID)
	if err != nil {
		return nil, 0, fmt.Errorf("load event %s: %w", log.EventID, err)
	}

	attempt := log.AttemptNumber + 1
	task := queue.Task{
		Type:       queue.TaskDispatchDelivery,
		TenantID:   event.TenantID,
		EventID:    event.ID,
		Attempt:    attempt,
		EnqueuedAt: r.clock.Now(),
	}
	if err := r.enqueuer.Enqueue(ctx, task); err != nil {
		return nil, 0, fmt.Errorf("enqueue replay: %w", err)
	}

	r.logger.Info("manual replay scheduled",
		"log_id", logID,
		"event_id", event.ID,
		"attempt", attempt)
	return event, attempt, nil
}
