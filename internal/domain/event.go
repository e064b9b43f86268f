package domain

import (
	"encoding/json"
	"time"
)

type Provider string

const (
	ProviderTwilio Provider = "twilio"
	ProviderVapi   Provider = "vapi"
)

type Direction string

const (
	DirectionInbound  Direction = "inbound"
	DirectionOutbound Direction = "outbound"
)

// MaxDeliveryAttempts is the fixed attempt ceiling for outbound delivery.
const MaxDeliveryAttempts = 5

// EventStatus tracks an event through processing and delivery.
type EventStatus string

const (
	EventStatusPending    EventStatus = "pending"
	EventStatusProcessing EventStatus = "processing"
	EventStatusCompleted  EventStatus = "completed"
	EventStatusFailed     EventStatus = "failed"
	EventStatusRetrying   EventStatus = "retrying"
	EventStatusDeadLetter EventStatus = "dead_letter"
)

// Event is the canonical, provider-agnostic envelope for one inbound
// call-lifecycle notification. Immutable after creation except for the
// status and delivery-tracking fields.
type Event struct {
	ID       string   `json:"id"`
	TenantID string   `json:"tenant_id"`
	Type     string   `json:"type"`
	Provider Provider `json:"provider"`

	// ExternalCallID is the provider-assigned call identifier used to
	// correlate events into one Call. May be empty on malformed events;
	// processing then fails permanently.
	ExternalCallID string `json:"external_call_id,omitempty"`

	// IdempotencyKey is deterministic: provider + external call id + type.
	// Never derived from receipt time, so provider re-deliveries collide.
	IdempotencyKey string `json:"idempotency_key"`

	Direction       Direction       `json:"direction,omitempty"`
	FromNumber      string          `json:"from_number,omitempty"`
	ToNumber        string          `json:"to_number,omitempty"`
	CallStatus      CallStatus      `json:"call_status,omitempty"`
	DurationSeconds *int            `json:"duration_seconds,omitempty"`
	Transcript      *string         `json:"transcript,omitempty"`
	RecordingURL    *string         `json:"recording_url,omitempty"`
	AIHandled       *bool           `json:"ai_handled,omitempty"`
	Outcome         *Outcome        `json:"outcome,omitempty"`
	OccurredAt      *time.Time      `json:"occurred_at,omitempty"`
	Raw             json.RawMessage `json:"raw"`

	Status EventStatus `json:"status"`

	// Delivery tracking.
	DeliveryAttempts    int        `json:"delivery_attempts"`
	MaxDeliveryAttempts int        `json:"max_delivery_attempts"`
	NextAttemptAt       *time.Time `json:"next_attempt_at,omitempty"`
	LastError           *string    `json:"last_error,omitempty"`
	DeliveredAt         *time.Time `json:"delivered_at,omitempty"`
	ProcessedAt         *time.Time `json:"processed_at,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (e *Event) CanRetryDelivery() bool {
	return e.DeliveryAttempts < e.MaxDeliveryAttempts
}

func (e *Event) MarkProcessing(now time.Time) {
	e.Status = EventStatusProcessing
	e.UpdatedAt = now
}

// MarkProcessed records a successful call-state reduction. Delivery tracking
// owns the terminal statuses, so only ProcessedAt is stamped here.
func (e *Event) MarkProcessed(now time.Time) {
	e.ProcessedAt = &now
	e.UpdatedAt = now
}

// MarkFailed records a fatal, non-retryable processing error.
func (e *Event) MarkFailed(now time.Time, reason string) {
	e.Status = EventStatusFailed
	e.LastError = &reason
	e.NextAttemptAt = nil
	e.UpdatedAt = now
}

func (e *Event) MarkDelivered(now time.Time) {
	e.Status = EventStatusCompleted
	e.DeliveredAt = &now
	e.NextAttemptAt = nil
	e.UpdatedAt = now
}

// MarkRetrying schedules the next delivery attempt. The attempt counter is
// incremented here, once per failed attempt.
func (e *Event) MarkRetrying(now, nextAttempt time.Time, lastError string) {
	e.Status = EventStatusRetrying
	e.DeliveryAttempts++
	e.NextAttemptAt = &nextAttempt
	e.LastError = &lastError
	e.UpdatedAt = now
}

// MarkDeadLetter records exhaustion of the retry budget. Dead-lettered events
// are never retried automatically; only manual replay touches them again.
func (e *Event) MarkDeadLetter(now time.Time, lastError string) {
	e.Status = EventStatusDeadLetter
	e.DeliveryAttempts++
	e.NextAttemptAt = nil
	e.LastError = &lastError
	e.UpdatedAt = now
}

// Reschedule moves the next attempt without consuming the retry budget.
// Used for backpressure (rate limit, open circuit), not delivery failures.
func (e *Event) Reschedule(now, nextAttempt time.Time) {
	e.Status = EventStatusRetrying
	e.NextAttemptAt = &nextAttempt
	e.UpdatedAt = now
}

// CallUpdate projects the fields this event carries onto a call merge.
func (e *Event) CallUpdate() CallUpdate {
	return CallUpdate{
		Status:          e.CallStatus,
		Direction:       e.Direction,
		FromNumber:      e.FromNumber,
		ToNumber:        e.ToNumber,
		DurationSeconds: e.DurationSeconds,
		Transcript:      e.Transcript,
		RecordingURL:    e.RecordingURL,
		AIHandled:       e.AIHandled,
		Outcome:         e.Outcome,
		OccurredAt:      e.OccurredAt,
		Raw:             e.Raw,
	}
}
