// Package delivery relays stored events to tenant-configured endpoints:
// HMAC-signed POSTs with a fixed retry schedule, per-attempt audit logs,
// dead-lettering, and manual replay.
package delivery

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/voicekit/callrelay/internal/clock"
	"github.com/voicekit/callrelay/internal/domain"
	"github.com/voicekit/callrelay/internal/observability"
	"github.com/voicekit/callrelay/internal/repository"
	"github.com/voicekit/callrelay/internal/resilience"
	"github.com/voicekit/callrelay/internal/retry"
)

// HTTPClient abstracts HTTP for testability.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

var (
	ErrRateLimited = errors.New("rate limited")
	ErrCircuitOpen = errors.New("circuit breaker is open")
)

// throttleDelay reschedules backpressured events without touching the retry
// budget; short because the limiter window clears quickly.
const throttleDelay = time.Second

const maxResponseBytes = 1024

type EngineConfig struct {
	// DefaultSecret signs deliveries for tenants without their own secret.
	// Empty sends those deliveries unsigned.
	DefaultSecret string
	// RatePerTenant is attempts per second against one tenant endpoint.
	RatePerTenant int
	Timeout       time.Duration
}

// Engine runs delivery attempts. One attempt per call; scheduling across
// attempts belongs to the retry poller and the task queue.
type Engine struct {
	config  EngineConfig
	tenants repository.TenantRepository
	events  repository.EventRepository
	logs    repository.DeliveryLogRepository
	client  HTTPClient
	clock   clock.Clock
	policy  retry.Policy
	logger  *slog.Logger
	metrics *observability.Metrics

	rateLimiter    resilience.RateLimiter
	circuitBreaker resilience.CircuitBreaker
}

func NewEngine(
	config EngineConfig,
	tenants repository.TenantRepository,
	events repository.EventRepository,
	logs repository.DeliveryLogRepository,
	client HTTPClient,
	clk clock.Clock,
	policy retry.Policy,
	logger *slog.Logger,
	metrics *observability.Metrics,
) *Engine {
	if config.Timeout == 0 {
		config.Timeout = 10 * time.Second
	}
	return &Engine{
		config:  config,
		tenants: tenants,
		events:  events,
		logs:    logs,
		client:  client,
		clock:   clk,
		policy:  policy,
		logger:  logger,
		metrics: metrics,
	}
}

// WithResilience gates attempts with a per-tenant rate limiter and circuit
// breaker. Throttled attempts reschedule without consuming the retry budget.
func (e *Engine) WithResilience(rl resilience.RateLimiter, cb resilience.CircuitBreaker) *Engine {
	e.rateLimiter = rl
	e.circuitBreaker = cb
	return e
}

// Dispatch runs the next delivery attempt for the event. Terminal events are
// skipped, so redelivered tasks are harmless. Returns an error only for
// infrastructure failures worth redelivering the task for.
func (e *Engine) Dispatch(ctx context.Context, event *domain.Event) error {
	switch event.Status {
	case domain.EventStatusCompleted, domain.EventStatusFailed, domain.EventStatusDeadLetter:
		return nil
	}
	now := e.clock.Now()

	tenant, err := e.tenants.GetByID(ctx, event.TenantID)
	if err != nil {
		return fmt.Errorf("load tenant %s: %w", event.TenantID, err)
	}

	// No endpoint configured means nothing to deliver; the event still
	// counts as handled rather than looping in retry forever.
	if tenant.WebhookURL == "" {
		event.MarkDelivered(now)
		if err := e.events.UpdateStatus(ctx, event); err != nil {
			return fmt.Errorf("mark delivered: %w", err)
		}
		return nil
	}

	if err := e.allow(ctx, event.TenantID); err != nil {
		event.Reschedule(now, now.Add(throttleDelay))
		if updateErr := e.events.UpdateStatus(ctx, event); updateErr != nil {
			return fmt.Errorf("reschedule throttled event: %w", updateErr)
		}
		e.metrics.DeliveriesThrottled.Inc()
		e.logger.Debug("delivery throttled",
			"event_id", event.ID, "tenant_id", event.TenantID, "reason", err.Error())
		return nil
	}

	attemptNumber := event.DeliveryAttempts + 1
	attemptErr := e.attempt(ctx, event, tenant, attemptNumber)

	if attemptErr == nil {
		event.MarkDelivered(e.clock.Now())
		if err := e.events.UpdateStatus(ctx, event); err != nil {
			return fmt.Errorf("mark delivered: %w", err)
		}
		e.metrics.DeliveriesDelivered.Inc()
		return nil
	}

	now = e.clock.Now()
	if attemptNumber >= event.MaxDeliveryAttempts {
		event.MarkDeadLetter(now, attemptErr.Error())
		e.metrics.DeliveriesDeadLetter.Inc()
		e.logger.Warn("event dead-lettered",
			"event_id", event.ID,
			"tenant_id", event.TenantID,
			"attempts", event.DeliveryAttempts,
			"error", attemptErr.Error())
	} else {
		next := e.policy.NextAttemptTime(now, attemptNumber)
		event.MarkRetrying(now, next, attemptErr.Error())
		e.metrics.DeliveriesRetrying.Inc()
		e.logger.Info("delivery retry scheduled",
			"event_id", event.ID,
			"attempt", attemptNumber,
			"next_attempt_at", next)
	}
	if err := e.events.UpdateStatus(ctx, event); err != nil {
		return fmt.Errorf("update event after failed attempt: %w", err)
	}
	return nil
}

// Replay runs one manual attempt with an explicit attempt number, ignoring
// the event's aggregate state and the retry budget. Used after a tenant
// fixes its receiving endpoint.
func (e *Engine) Replay(ctx context.Context, event *domain.Event, attemptNumber int) error {
	tenant, err := e.tenants.GetByID(ctx, event.TenantID)
	if err != nil {
		return fmt.Errorf("load tenant %s: %w", event.TenantID, err)
	}
	if tenant.WebhookURL == "" {
		return fmt.Errorf("tenant %s has no webhook url", tenant.ID)
	}

	attemptErr := e.attempt(ctx, event, tenant, attemptNumber)
	now := e.clock.Now()

	if attemptErr == nil {
		event.MarkDelivered(now)
		e.metrics.DeliveriesDelivered.Inc()
	} else {
		// The event keeps its prior aggregate state; only the error is
		// refreshed. No automatic follow-up is scheduled.
		msg := attemptErr.Error()
		event.LastError = &msg
		event.UpdatedAt = now
		e.logger.Warn("manual replay failed",
			"event_id", event.ID, "attempt", attemptNumber, "error", msg)
	}
	if err := e.events.UpdateStatus(ctx, event); err != nil {
		return fmt.Errorf("update event after replay: %w", err)
	}
	return nil
}

func (e *Engine) allow(ctx context.Context, tenantID string) error {
	if e.rateLimiter != nil {
		allowed, err := e.rateLimiter.Allow(ctx, tenantID, e.config.RatePerTenant)
		if err != nil {
			e.logger.Warn("rate limiter error", "tenant_id", tenantID, "error", err)
		}
		if !allowed {
			return ErrRateLimited
		}
	}
	if e.circuitBreaker != nil {
		allowed, err := e.circuitBreaker.Allow(ctx, tenantID)
		if err != nil {
			e.logger.Warn("circuit breaker error", "tenant_id", tenantID, "error", err)
		}
		if !allowed {
			return ErrCircuitOpen
		}
	}
	return nil
}

// attempt performs one signed POST and records it as an immutable log row.
// Returns nil only on a 2xx response.
func (e *Engine) attempt(ctx context.Context, event *domain.Event, tenant *domain.Tenant, attemptNumber int) error {
	secret := e.config.DefaultSecret
	if tenant.WebhookSecret != nil && *tenant.WebhookSecret != "" {
		secret = *tenant.WebhookSecret
	}

	body, sigHeader, err := SignedBody(event, secret)
	if err != nil {
		return fmt.Errorf("build payload: %w", err)
	}

	log := &domain.DeliveryLog{
		ID:              uuid.New().String(),
		TenantID:        tenant.ID,
		EventID:         event.ID,
		URL:             tenant.WebhookURL,
		AttemptNumber:   attemptNumber,
		RequestBody:     string(body),
		SignatureHeader: sigHeader,
		Status:          domain.DeliveryStatusPending,
		CreatedAt:       e.clock.Now(),
	}
	if err := e.logs.Create(ctx, log); err != nil {
		return fmt.Errorf("create delivery log: %w", err)
	}

	start := e.clock.Now()
	statusCode, respBody, reqErr := e.post(ctx, tenant.WebhookURL, body, sigHeader, event, attemptNumber)
	duration := e.clock.Now().Sub(start)

	e.metrics.DeliveryAttempts.Inc()
	e.metrics.DeliveryDuration.Observe(duration.Seconds())

	if e.circuitBreaker != nil {
		if reqErr != nil || statusCode >= 500 {
			e.circuitBreaker.RecordFailure(ctx, tenant.ID)
		} else {
			e.circuitBreaker.RecordSuccess(ctx, tenant.ID)
		}
	}

	var codePtr *int
	var bodyPtr, errPtr *string
	if reqErr != nil {
		msg := reqErr.Error()
		errPtr = &msg
	} else {
		codePtr = &statusCode
		if respBody != "" {
			bodyPtr = &respBody
		}
		if statusCode < 200 || statusCode >= 300 {
			msg := fmt.Sprintf("endpoint returned status %d", statusCode)
			errPtr = &msg
		}
	}
	log.Finalize(e.clock.Now(), codePtr, bodyPtr, errPtr, duration)
	if err := e.logs.Finalize(ctx, log); err != nil {
		e.logger.Error("finalize delivery log failed", "log_id", log.ID, "error", err)
	}

	if errPtr != nil {
		return errors.New(*errPtr)
	}
	return nil
}

func (e *Engine) post(ctx context.Context, url string, body []byte, sigHeader string, event *domain.Event, attemptNumber int) (int, string, error) {
	ctx, cancel := context.WithTimeout(ctx, e.config.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return 0, "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Event-Id", event.ID)
	req.Header.Set("X-Attempt-Number", strconv.Itoa(attemptNumber))
	if sigHeader != "" {
		req.Header.Set("X-Webhook-Signature", sigHeader)
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return 0, "", err
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	return resp.StatusCode, string(respBody), nil
}
