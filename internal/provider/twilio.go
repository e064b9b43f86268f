package provider

import (
	"encoding/json"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/voicekit/callrelay/internal/domain"
)

// TwilioStatusCallback captures the subset of Twilio's form-encoded voice
// status callback we care about. Twilio posts
// application/x-www-form-urlencoded by default.
type TwilioStatusCallback struct {
	CallSid           string
	AccountSid        string
	CallStatus        string
	Direction         string
	From              string
	To                string
	CallDuration      string
	RecordingURL      string
	Timestamp         string
	TranscriptionText string
}

// ParseTwilioForm extracts the callback fields from decoded form values.
func ParseTwilioForm(form url.Values) TwilioStatusCallback {
	return TwilioStatusCallback{
		CallSid:           form.Get("CallSid"),
		AccountSid:        form.Get("AccountSid"),
		CallStatus:        form.Get("CallStatus"),
		Direction:         form.Get("Direction"),
		From:              strings.TrimSpace(form.Get("From")),
		To:                strings.TrimSpace(form.Get("To")),
		CallDuration:      form.Get("CallDuration"),
		RecordingURL:      form.Get("RecordingUrl"),
		Timestamp:         form.Get("Timestamp"),
		TranscriptionText: form.Get("TranscriptionText"),
	}
}

// twilioCallStatus maps Twilio CallStatus values onto the call state machine.
var twilioCallStatus = map[string]domain.CallStatus{
	"queued":      domain.CallStatusPending,
	"initiated":   domain.CallStatusPending,
	"ringing":     domain.CallStatusRinging,
	"in-progress": domain.CallStatusInProgress,
	"answered":    domain.CallStatusInProgress,
	"completed":   domain.CallStatusCompleted,
	"busy":        domain.CallStatusBusy,
	"failed":      domain.CallStatusFailed,
	"no-answer":   domain.CallStatusNoAnswer,
	"canceled":    domain.CallStatusCancelled,
}

// NormalizeTwilio converts a Twilio status callback into the canonical
// envelope for the tenant. The full decoded form is preserved as the raw
// payload; Twilio sends fields beyond the ones mapped here and operators
// expect to see them on the stored event.
func NormalizeTwilio(form url.Values, tenantID string, receivedAt time.Time) domain.Event {
	cb := ParseTwilioForm(form)
	status, ok := twilioCallStatus[cb.CallStatus]
	if !ok {
		status = domain.CallStatusPending
	}
	eventType := "call." + string(status)

	direction := domain.DirectionOutbound
	if strings.HasPrefix(cb.Direction, "inbound") || cb.Direction == "" {
		direction = domain.DirectionInbound
	}

	e := domain.Event{
		ID:                  EventID(domain.ProviderTwilio, cb.CallSid, eventType, cb.Timestamp),
		TenantID:            tenantID,
		Type:                eventType,
		Provider:            domain.ProviderTwilio,
		ExternalCallID:      cb.CallSid,
		IdempotencyKey:      IdempotencyKey(domain.ProviderTwilio, cb.CallSid, eventType),
		Direction:           direction,
		FromNumber:          cb.From,
		ToNumber:            cb.To,
		CallStatus:          status,
		Status:              domain.EventStatusPending,
		MaxDeliveryAttempts: domain.MaxDeliveryAttempts,
		CreatedAt:           receivedAt,
		UpdatedAt:           receivedAt,
	}

	if cb.CallDuration != "" {
		if d, err := strconv.Atoi(cb.CallDuration); err == nil {
			e.DurationSeconds = &d
		}
	}
	if cb.RecordingURL != "" {
		e.RecordingURL = &cb.RecordingURL
	}
	if cb.TranscriptionText != "" {
		e.Transcript = &cb.TranscriptionText
	}
	// Twilio sends RFC 2822 timestamps in status callbacks.
	if cb.Timestamp != "" {
		if ts, err := time.Parse(time.RFC1123Z, cb.Timestamp); err == nil {
			e.OccurredAt = &ts
		}
	}

	raw, _ := json.Marshal(form)
	e.Raw = raw
	return e
}
