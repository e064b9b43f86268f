package domain

import (
	"encoding/json"
	"strings"
	"time"
)

// CallStatus is the call state machine:
//
//	pending → ringing → in_progress → {completed | failed | no_answer | busy | cancelled}
//
// Terminal states never transition further; late events for a terminal call
// update only the non-status fields they newly carry.
type CallStatus string

const (
	CallStatusPending    CallStatus = "pending"
	CallStatusRinging    CallStatus = "ringing"
	CallStatusInProgress CallStatus = "in_progress"
	CallStatusCompleted  CallStatus = "completed"
	CallStatusFailed     CallStatus = "failed"
	CallStatusNoAnswer   CallStatus = "no_answer"
	CallStatusBusy       CallStatus = "busy"
	CallStatusCancelled  CallStatus = "cancelled"
)

func (s CallStatus) Terminal() bool {
	switch s {
	case CallStatusCompleted, CallStatusFailed, CallStatusNoAnswer, CallStatusBusy, CallStatusCancelled:
		return true
	}
	return false
}

// Outcome classifies how a call ended from a business point of view.
type Outcome string

const (
	OutcomeBooked      Outcome = "booked"
	OutcomeTransferred Outcome = "transferred"
	OutcomeInfo        Outcome = "info"
	OutcomeMissed      Outcome = "missed"
)

// ParseOutcome maps a provider-supplied free-text outcome onto the known set.
// Unknown values return false; callers then fall back to the default rule.
func ParseOutcome(s string) (Outcome, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "booked", "booking", "appointment", "appointment_booked":
		return OutcomeBooked, true
	case "transferred", "transfer", "escalated":
		return OutcomeTransferred, true
	case "info", "information", "inquiry", "answered":
		return OutcomeInfo, true
	case "missed", "no_answer", "voicemail":
		return OutcomeMissed, true
	}
	return "", false
}

// Call is one row per external call identity per tenant per provider.
// Created by the first event for the identity, then merged-into by every
// later event; never replaced.
type Call struct {
	ID             string   `json:"id"`
	TenantID       string   `json:"tenant_id"`
	Provider       Provider `json:"provider"`
	ExternalCallID string   `json:"external_call_id"`

	Status          CallStatus      `json:"status"`
	Direction       Direction       `json:"direction,omitempty"`
	FromNumber      string          `json:"from_number,omitempty"`
	ToNumber        string          `json:"to_number,omitempty"`
	AIHandled       bool            `json:"ai_handled"`
	Outcome         *Outcome        `json:"outcome,omitempty"`
	Transcript      *string         `json:"transcript,omitempty"`
	RecordingURL    *string         `json:"recording_url,omitempty"`
	DurationSeconds int             `json:"duration_seconds"`
	StartedAt       *time.Time      `json:"started_at,omitempty"`
	AnsweredAt      *time.Time      `json:"answered_at,omitempty"`
	EndedAt         *time.Time      `json:"ended_at,omitempty"`
	Raw             json.RawMessage `json:"raw,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// CallUpdate enumerates exactly the fields an event may merge into a call,
// with the precedence rule per field: a field overwrites only when present.
type CallUpdate struct {
	Status          CallStatus
	Direction       Direction
	FromNumber      string
	ToNumber        string
	DurationSeconds *int
	Transcript      *string
	RecordingURL    *string
	AIHandled       *bool
	Outcome         *Outcome
	OccurredAt      *time.Time
	Raw             json.RawMessage
}

// Merge applies an update to the call. Field rules:
//
//   - Optional fields overwrite only when the update carries them; a later
//     event never nulls out previously known data.
//   - Status is last-arrived-wins, unconditionally. Providers do not
//     guarantee ordering, so no illegal-transition rejection and no terminal
//     freeze; a stale ringing event after completed sets ringing, with every
//     previously established field retained.
//   - When status becomes completed and no provider outcome was supplied,
//     the outcome defaults to info for talked calls and missed otherwise.
func (c *Call) Merge(u CallUpdate, now time.Time) {
	if u.Direction != "" {
		c.Direction = u.Direction
	}
	if u.FromNumber != "" {
		c.FromNumber = u.FromNumber
	}
	if u.ToNumber != "" {
		c.ToNumber = u.ToNumber
	}
	if u.DurationSeconds != nil {
		c.DurationSeconds = *u.DurationSeconds
	}
	if u.Transcript != nil {
		c.Transcript = u.Transcript
	}
	if u.RecordingURL != nil {
		c.RecordingURL = u.RecordingURL
	}
	if u.AIHandled != nil {
		c.AIHandled = *u.AIHandled
	}
	if u.Outcome != nil {
		c.Outcome = u.Outcome
	}
	if len(u.Raw) > 0 {
		c.Raw = u.Raw
	}

	if u.Status != "" {
		c.Status = u.Status
		switch u.Status {
		case CallStatusRinging:
			if c.StartedAt == nil && u.OccurredAt != nil {
				c.StartedAt = u.OccurredAt
			}
		case CallStatusInProgress:
			if c.AnsweredAt == nil && u.OccurredAt != nil {
				c.AnsweredAt = u.OccurredAt
			}
		default:
			if u.Status.Terminal() && c.EndedAt == nil && u.OccurredAt != nil {
				c.EndedAt = u.OccurredAt
			}
		}
	}

	if c.Status == CallStatusCompleted && c.Outcome == nil {
		outcome := OutcomeMissed
		if c.DurationSeconds > 0 {
			outcome = OutcomeInfo
		}
		c.Outcome = &outcome
	}

	c.UpdatedAt = now
}
