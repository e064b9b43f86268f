package retry

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/voicekit/callrelay/internal/clock"
	"github.com/voicekit/callrelay/internal/domain"
	"github.com/voicekit/callrelay/internal/repository"
)

// Dispatcher runs one delivery attempt for a claimed event. Lets the poller
// share the exact delivery path the task consumer uses.
type Dispatcher interface {
	Dispatch(ctx context.Context, event *domain.Event) error
}

type PollerConfig struct {
	PollInterval time.Duration
	BatchSize    int
}

func DefaultPollerConfig() PollerConfig {
	return PollerConfig{
		PollInterval: 5 * time.Second,
		BatchSize:    50,
	}
}

// Poller claims events whose next delivery attempt is due and runs them.
// Claiming uses FOR UPDATE SKIP LOCKED underneath, so multiple instances
// never double-deliver.
type Poller struct {
	config     PollerConfig
	events     repository.EventRepository
	dispatcher Dispatcher
	clock      clock.Clock
	logger     *slog.Logger

	wg     sync.WaitGroup
	stopCh chan struct{}
}

func NewPoller(
	events repository.EventRepository,
	dispatcher Dispatcher,
	clk clock.Clock,
	config PollerConfig,
	logger *slog.Logger,
) *Poller {
	if config.PollInterval == 0 {
		config.PollInterval = 5 * time.Second
	}
	if config.BatchSize == 0 {
		config.BatchSize = 50
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Poller{
		config:     config,
		events:     events,
		dispatcher: dispatcher,
		clock:      clk,
		logger:     logger,
		stopCh:     make(chan struct{}),
	}
}

// Start polls until the context is cancelled or Stop is called. Blocks;
// Stop waits for the loop, and any poll in flight, to finish.
func (p *Poller) Start(ctx context.Context) {
	p.wg.Add(1)
	defer p.wg.Done()

	p.logger.Info("retry poller started",
		"poll_interval", p.config.PollInterval,
		"batch_size", p.config.BatchSize)

	ticker := time.NewTicker(p.config.PollInterval)
	defer ticker.Stop()

	p.poll(ctx)

	for {
		select {
		case <-ctx.Done():
			p.logger.Info("retry poller stopping")
			return
		case <-p.stopCh:
			p.logger.Info("retry poller stopped")
			return
		case <-ticker.C:
			p.poll(ctx)
		}
	}
}

func (p *Poller) Stop() {
	close(p.stopCh)
	p.wg.Wait()
}

func (p *Poller) poll(ctx context.Context) {
	events, err := p.events.ClaimDueDeliveries(ctx, p.clock.Now(), p.config.BatchSize)
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			p.logger.Error("claim due deliveries failed", "error", err)
		}
		return
	}
	if len(events) == 0 {
		return
	}

	p.logger.Debug("claimed due deliveries", "count", len(events))
	for _, event := range events {
		if ctx.Err() != nil {
			return
		}
		if err := p.dispatcher.Dispatch(ctx, event); err != nil {
			p.logger.Error("dispatch failed",
				"event_id", event.ID, "error", err)
		}
	}
}
