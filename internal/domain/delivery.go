package domain

import "time"

// DeliveryStatus is the per-attempt state: pending → {delivered | failed}.
// The per-event aggregate lives on Event.Status.
type DeliveryStatus string

const (
	DeliveryStatusPending   DeliveryStatus = "pending"
	DeliveryStatusDelivered DeliveryStatus = "delivered"
	DeliveryStatusFailed    DeliveryStatus = "failed"
)

// DeliveryLog is one row per delivery attempt. A row is created as pending
// when the attempt starts and finalized with that attempt's outcome; a later
// attempt always writes a new row.
type DeliveryLog struct {
	ID            string `json:"id"`
	TenantID      string `json:"tenant_id"`
	EventID       string `json:"event_id"`
	URL           string `json:"url"`
	AttemptNumber int    `json:"attempt_number"`

	// Signed request as sent, for audit and receiver-side debugging.
	RequestBody     string `json:"request_body"`
	SignatureHeader string `json:"signature_header,omitempty"`

	Status       DeliveryStatus `json:"status"`
	StatusCode   *int           `json:"status_code,omitempty"`
	ResponseBody *string        `json:"response_body,omitempty"`
	Error        *string        `json:"error,omitempty"`
	DurationMs   int            `json:"duration_ms"`

	CreatedAt   time.Time  `json:"created_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

func (l *DeliveryLog) Finalize(now time.Time, statusCode *int, responseBody, errMsg *string, duration time.Duration) {
	l.StatusCode = statusCode
	l.ResponseBody = responseBody
	l.Error = errMsg
	l.DurationMs = int(duration.Milliseconds())
	l.CompletedAt = &now
	if errMsg == nil && statusCode != nil && *statusCode >= 200 && *statusCode < 300 {
		l.Status = DeliveryStatusDelivered
	} else {
		l.Status = DeliveryStatusFailed
	}
}
