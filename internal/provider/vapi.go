package provider

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/voicekit/callrelay/internal/domain"
)

// VapiWebhook is Vapi's server-message envelope. Everything interesting
// lives under "message".
type VapiWebhook struct {
	Message VapiMessage `json:"message"`
}

type VapiMessage struct {
	Type            string        `json:"type"`
	Status          string        `json:"status,omitempty"`
	EndedReason     string        `json:"endedReason,omitempty"`
	Timestamp       int64         `json:"timestamp,omitempty"` // epoch millis
	DurationSeconds *float64      `json:"durationSeconds,omitempty"`
	Call            *VapiCall     `json:"call,omitempty"`
	Artifact        *VapiArtifact `json:"artifact,omitempty"`
	Analysis        *VapiAnalysis `json:"analysis,omitempty"`
}

type VapiCall struct {
	ID       string `json:"id"`
	Type     string `json:"type,omitempty"` // inboundPhoneCall, outboundPhoneCall, webCall
	Customer *struct {
		Number string `json:"number,omitempty"`
	} `json:"customer,omitempty"`
	PhoneNumber *struct {
		Number string `json:"number,omitempty"`
	} `json:"phoneNumber,omitempty"`
}

type VapiArtifact struct {
	Transcript   string `json:"transcript,omitempty"`
	RecordingURL string `json:"recordingUrl,omitempty"`
}

// VapiAnalysis carries the assistant's post-call evaluation: a free-text
// summary plus structured extracted fields.
type VapiAnalysis struct {
	Summary           string          `json:"summary,omitempty"`
	SuccessEvaluation string          `json:"successEvaluation,omitempty"`
	StructuredData    json.RawMessage `json:"structuredData,omitempty"`
}

// Outcome digs the call outcome out of the analysis: structuredData.outcome
// first, then the success evaluation.
func (a *VapiAnalysis) Outcome() (domain.Outcome, bool) {
	if a == nil {
		return "", false
	}
	if len(a.StructuredData) > 0 {
		var sd struct {
			Outcome string `json:"outcome"`
		}
		if err := json.Unmarshal(a.StructuredData, &sd); err == nil && sd.Outcome != "" {
			if o, ok := domain.ParseOutcome(sd.Outcome); ok {
				return o, true
			}
		}
	}
	return domain.ParseOutcome(a.SuccessEvaluation)
}

var vapiCallStatus = map[string]domain.CallStatus{
	"queued":      domain.CallStatusPending,
	"ringing":     domain.CallStatusRinging,
	"in-progress": domain.CallStatusInProgress,
	"forwarding":  domain.CallStatusInProgress,
	"ended":       domain.CallStatusCompleted,
}

// NormalizeVapi converts a Vapi server message into the canonical envelope.
// The raw body is preserved exactly as received.
func NormalizeVapi(raw []byte, tenantID string, receivedAt time.Time) (domain.Event, error) {
	var wh VapiWebhook
	if err := json.Unmarshal(raw, &wh); err != nil {
		return domain.Event{}, fmt.Errorf("%w: %v", domain.ErrInvalidInput, err)
	}
	msg := wh.Message
	if msg.Type == "" {
		return domain.Event{}, fmt.Errorf("%w: missing message.type", domain.ErrInvalidInput)
	}

	var callID string
	direction := domain.DirectionInbound
	fromNumber, toNumber := "", ""
	if msg.Call != nil {
		callID = msg.Call.ID
		if msg.Call.Type == "outboundPhoneCall" {
			direction = domain.DirectionOutbound
		}
		if msg.Call.Customer != nil {
			fromNumber = msg.Call.Customer.Number
		}
		if msg.Call.PhoneNumber != nil {
			toNumber = msg.Call.PhoneNumber.Number
		}
		if direction == domain.DirectionOutbound {
			fromNumber, toNumber = toNumber, fromNumber
		}
	}

	var status domain.CallStatus
	eventType := "call.report"
	switch msg.Type {
	case "status-update":
		status = vapiCallStatus[msg.Status]
		if status == "" {
			status = domain.CallStatusPending
		}
		eventType = "call." + string(status)
	case "end-of-call-report":
		status = domain.CallStatusCompleted
		eventType = "call.report"
	default:
		eventType = "call." + msg.Type
	}

	occurredAtKey := ""
	var occurredAt *time.Time
	if msg.Timestamp > 0 {
		ts := time.UnixMilli(msg.Timestamp).UTC()
		occurredAt = &ts
		occurredAtKey = ts.Format(time.RFC3339)
	}

	aiHandled := true
	e := domain.Event{
		ID:                  EventID(domain.ProviderVapi, callID, eventType, occurredAtKey),
		TenantID:            tenantID,
		Type:                eventType,
		Provider:            domain.ProviderVapi,
		ExternalCallID:      callID,
		IdempotencyKey:      IdempotencyKey(domain.ProviderVapi, callID, eventType),
		Direction:           direction,
		FromNumber:          fromNumber,
		ToNumber:            toNumber,
		CallStatus:          status,
		AIHandled:           &aiHandled,
		OccurredAt:          occurredAt,
		Raw:                 raw,
		Status:              domain.EventStatusPending,
		MaxDeliveryAttempts: domain.MaxDeliveryAttempts,
		CreatedAt:           receivedAt,
		UpdatedAt:           receivedAt,
	}

	if msg.DurationSeconds != nil {
		d := int(*msg.DurationSeconds)
		e.DurationSeconds = &d
	}
	if msg.Artifact != nil {
		if msg.Artifact.Transcript != "" {
			e.Transcript = &msg.Artifact.Transcript
		}
		if msg.Artifact.RecordingURL != "" {
			e.RecordingURL = &msg.Artifact.RecordingURL
		}
	}
	if o, ok := msg.Analysis.Outcome(); ok {
		e.Outcome = &o
	}

	return e, nil
}
