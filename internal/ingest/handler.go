// Package ingest terminates provider webhooks: verify the signature, resolve
// the tenant, normalize and store the event exactly once, enqueue processing
// and delivery, respond. Nothing after the store blocks the response.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/voicekit/callrelay/internal/clock"
	"github.com/voicekit/callrelay/internal/domain"
	"github.com/voicekit/callrelay/internal/observability"
	"github.com/voicekit/callrelay/internal/provider"
	"github.com/voicekit/callrelay/internal/queue"
	"github.com/voicekit/callrelay/internal/repository"
	"github.com/voicekit/callrelay/internal/signature"
)

const maxBodyBytes = 1 << 20

// Deduper is the Redis fast path in front of the database uniqueness
// constraint. "Not seen" answers are advisory; the insert is authoritative.
// Seen must be read-only; Mark is called only once the event is persisted
// and its tasks are enqueued, so a failed request leaves no cached trace
// that would defeat the provider's retry.
type Deduper interface {
	Seen(ctx context.Context, tenantID, idempotencyKey string) bool
	Mark(ctx context.Context, tenantID, idempotencyKey string)
}

// Replayer schedules a manual delivery attempt from a prior log.
type Replayer interface {
	Replay(ctx context.Context, logID string) (*domain.Event, int, error)
}

type HandlerConfig struct {
	// StrictSignatures rejects unverifiable webhooks. Off only in local
	// development.
	StrictSignatures bool
	// TwilioBaseURL is the public base URL Twilio signs callbacks against.
	TwilioBaseURL string
}

type Handler struct {
	config   HandlerConfig
	tenants  repository.TenantRepository
	events   repository.EventRepository
	logs     repository.DeliveryLogRepository
	enqueuer queue.Enqueuer
	deduper  Deduper
	replayer Replayer
	clock    clock.Clock
	metrics  *observability.Metrics
	logger   *slog.Logger
}

func NewHandler(
	config HandlerConfig,
	tenants repository.TenantRepository,
	events repository.EventRepository,
	logs repository.DeliveryLogRepository,
	enqueuer queue.Enqueuer,
	deduper Deduper,
	replayer Replayer,
	clk clock.Clock,
	metrics *observability.Metrics,
	logger *slog.Logger,
) *Handler {
	return &Handler{
		config:   config,
		tenants:  tenants,
		events:   events,
		logs:     logs,
		enqueuer: enqueuer,
		deduper:  deduper,
		replayer: replayer,
		clock:    clk,
		metrics:  metrics,
		logger:   logger,
	}
}

type webhookResponse struct {
	EventID string `json:"event_id"`
	Status  string `json:"status"`
}

// TwilioWebhook handles POST /webhooks/twilio/{slug}: a form-encoded call
// status callback signed with the tenant's auth token.
func (h *Handler) TwilioWebhook(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		h.respondError(w, http.StatusBadRequest, "invalid form body")
		return
	}
	cb := provider.ParseTwilioForm(r.PostForm)

	// Prefer the called number over the URL slug: numbers are provisioned
	// per tenant, slugs can be copied into the wrong Twilio console.
	tenant, err := h.tenants.FindActiveByPhoneNumber(r.Context(), cb.To)
	if errors.Is(err, domain.ErrTenantNotFound) {
		tenant, err = h.tenants.FindActiveBySlug(r.Context(), chi.URLParam(r, "slug"))
	}
	if err != nil {
		h.rejectTenant(w, err, domain.ProviderTwilio)
		return
	}

	if h.config.StrictSignatures && tenant.TwilioAuthToken != "" {
		params := make(map[string]string, len(r.PostForm))
		for name := range r.PostForm {
			params[name] = r.PostForm.Get(name)
		}
		callbackURL := h.config.TwilioBaseURL + r.URL.RequestURI()
		if !signature.VerifyTwilio(callbackURL, params, tenant.TwilioAuthToken, r.Header.Get("X-Twilio-Signature")) {
			h.rejectSignature(w, domain.ProviderTwilio)
			return
		}
	}

	event := provider.NormalizeTwilio(r.PostForm, tenant.ID, h.clock.Now())
	h.accept(w, r, &event)
}

// VapiWebhook handles POST /webhooks/vapi/{slug}: a JSON envelope signed
// with HMAC-SHA256 over the exact raw body.
func (h *Handler) VapiWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		h.respondError(w, http.StatusBadRequest, "unreadable body")
		return
	}

	tenant, err := h.tenants.FindActiveBySlug(r.Context(), chi.URLParam(r, "slug"))
	if err != nil {
		h.rejectTenant(w, err, domain.ProviderVapi)
		return
	}

	if h.config.StrictSignatures && tenant.VapiSecret != "" {
		if !signature.VerifyBody(body, tenant.VapiSecret, r.Header.Get("X-Vapi-Signature")) {
			h.rejectSignature(w, domain.ProviderVapi)
			return
		}
	}

	event, err := provider.NormalizeVapi(body, tenant.ID, h.clock.Now())
	if err != nil {
		h.metrics.EventsRejected.WithLabelValues("vapi", "malformed").Inc()
		h.respondError(w, http.StatusBadRequest, "malformed payload")
		return
	}
	h.accept(w, r, &event)
}

// accept stores the event once and enqueues processing and delivery. A
// duplicate is a success: the provider gets its 200 and retries stop.
func (h *Handler) accept(w http.ResponseWriter, r *http.Request, event *domain.Event) {
	ctx := r.Context()
	providerLabel := string(event.Provider)

	// The cache is only marked after a fully accepted request, so a hit
	// means the stored event already has its tasks on the queue.
	if h.deduper != nil && h.deduper.Seen(ctx, event.TenantID, event.IdempotencyKey) {
		h.respondDuplicate(w, event.ID, providerLabel)
		return
	}

	stored, err := h.events.Insert(ctx, event)
	if err != nil {
		h.logger.Error("event insert failed", "error", err, "idempotency_key", event.IdempotencyKey)
		h.respondError(w, http.StatusInternalServerError, "storage failure")
		return
	}
	if !stored {
		h.recoverDuplicate(w, r, event, providerLabel)
		return
	}
	h.metrics.EventsReceived.WithLabelValues(providerLabel).Inc()

	if !h.enqueueTasks(ctx, w, event) {
		return
	}
	if h.deduper != nil {
		h.deduper.Mark(ctx, event.TenantID, event.IdempotencyKey)
	}
	h.respondJSON(w, http.StatusOK, webhookResponse{EventID: event.ID, Status: "accepted"})
}

// recoverDuplicate handles an insert that lost to an earlier delivery. The
// stored event may be stranded: if its enqueue failed back then, nothing
// else schedules it, so re-enqueue while it is still unprocessed. Tasks are
// idempotent, so re-enqueueing behind a healthy earlier request is harmless.
func (h *Handler) recoverDuplicate(w http.ResponseWriter, r *http.Request, event *domain.Event, providerLabel string) {
	ctx := r.Context()

	stored, err := h.events.GetByIdempotencyKey(ctx, event.TenantID, event.IdempotencyKey)
	if err != nil {
		h.logger.Error("duplicate lookup failed", "error", err, "idempotency_key", event.IdempotencyKey)
		h.respondError(w, http.StatusInternalServerError, "storage failure")
		return
	}

	if stored.ProcessedAt == nil || stored.Status == domain.EventStatusPending {
		if !h.enqueueTasks(ctx, w, stored) {
			return
		}
	}
	if h.deduper != nil {
		h.deduper.Mark(ctx, event.TenantID, event.IdempotencyKey)
	}
	h.respondDuplicate(w, stored.ID, providerLabel)
}

// enqueueTasks schedules processing and delivery for a persisted event.
// On failure it writes the error response itself and returns false; the
// event is not lost, the provider's retry lands on recoverDuplicate.
func (h *Handler) enqueueTasks(ctx context.Context, w http.ResponseWriter, event *domain.Event) bool {
	now := h.clock.Now()
	tasks := []queue.Task{
		{Type: queue.TaskProcessCall, TenantID: event.TenantID, EventID: event.ID, EnqueuedAt: now},
		{Type: queue.TaskDispatchDelivery, TenantID: event.TenantID, EventID: event.ID, EnqueuedAt: now},
	}
	for _, task := range tasks {
		if err := h.enqueuer.Enqueue(ctx, task); err != nil {
			h.logger.Error("enqueue failed after persist",
				"error", err, "event_id", event.ID, "task_type", task.Type)
			h.respondError(w, http.StatusInternalServerError, "queue unavailable")
			return false
		}
	}
	return true
}

func (h *Handler) respondDuplicate(w http.ResponseWriter, eventID, providerLabel string) {
	h.logger.Debug("webhook redelivery", "error", domain.ErrDuplicateEvent, "event_id", eventID)
	h.metrics.EventsDuplicate.WithLabelValues(providerLabel).Inc()
	h.respondJSON(w, http.StatusOK, webhookResponse{EventID: eventID, Status: "duplicate"})
}

func (h *Handler) rejectSignature(w http.ResponseWriter, p domain.Provider) {
	h.logger.Warn("webhook rejected", "provider", string(p), "error", domain.ErrInvalidSignature)
	h.metrics.EventsRejected.WithLabelValues(string(p), "invalid_signature").Inc()
	h.respondError(w, http.StatusUnauthorized, domain.ErrInvalidSignature.Error())
}

// GetEvent handles GET /events/{id}.
func (h *Handler) GetEvent(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	event, err := h.events.GetByID(r.Context(), id)
	if errors.Is(err, domain.ErrNotFound) {
		h.respondError(w, http.StatusNotFound, "event not found")
		return
	}
	if err != nil {
		h.logger.Error("get event failed", "error", err, "event_id", id)
		h.respondError(w, http.StatusInternalServerError, "lookup failure")
		return
	}
	h.respondJSON(w, http.StatusOK, event)
}

// GetEventDeliveries handles GET /events/{id}/deliveries.
func (h *Handler) GetEventDeliveries(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	event, err := h.events.GetByID(r.Context(), id)
	if errors.Is(err, domain.ErrNotFound) {
		h.respondError(w, http.StatusNotFound, "event not found")
		return
	}
	if err != nil {
		h.logger.Error("get event failed", "error", err, "event_id", id)
		h.respondError(w, http.StatusInternalServerError, "lookup failure")
		return
	}

	logs, err := h.logs.ListByEvent(r.Context(), event.TenantID, event.ID)
	if err != nil {
		h.logger.Error("list deliveries failed", "error", err, "event_id", id)
		h.respondError(w, http.StatusInternalServerError, "lookup failure")
		return
	}
	if logs == nil {
		logs = []*domain.DeliveryLog{}
	}
	h.respondJSON(w, http.StatusOK, logs)
}

type replayResponse struct {
	EventID string `json:"event_id"`
	Attempt int    `json:"attempt"`
	Status  string `json:"status"`
}

// ReplayDelivery handles POST /deliveries/{logID}/replay.
func (h *Handler) ReplayDelivery(w http.ResponseWriter, r *http.Request) {
	logID := chi.URLParam(r, "logID")
	event, attempt, err := h.replayer.Replay(r.Context(), logID)
	if errors.Is(err, domain.ErrNotFound) {
		h.respondError(w, http.StatusNotFound, "delivery log not found")
		return
	}
	if err != nil {
		h.logger.Error("replay failed", "error", err, "log_id", logID)
		h.respondError(w, http.StatusInternalServerError, "replay failure")
		return
	}
	h.respondJSON(w, http.StatusAccepted, replayResponse{
		EventID: event.ID,
		Attempt: attempt,
		Status:  "scheduled",
	})
}

func (h *Handler) rejectTenant(w http.ResponseWriter, err error, p domain.Provider) {
	switch {
	case errors.Is(err, domain.ErrTenantNotFound):
		h.metrics.EventsRejected.WithLabelValues(string(p), "tenant_not_found").Inc()
		h.respondError(w, http.StatusNotFound, "unknown tenant")
	case errors.Is(err, domain.ErrTenantInactive):
		h.metrics.EventsRejected.WithLabelValues(string(p), "tenant_inactive").Inc()
		h.respondError(w, http.StatusForbidden, "tenant inactive")
	default:
		h.logger.Error("tenant lookup failed", "error", err)
		h.respondError(w, http.StatusInternalServerError, "tenant lookup failure")
	}
}

type errorResponse struct {
	Error string `json:"error"`
}

func (h *Handler) respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("encode response failed", "error", err)
	}
}

func (h *Handler) respondError(w http.ResponseWriter, status int, message string) {
	h.respondJSON(w, status, errorResponse{Error: message})
}
