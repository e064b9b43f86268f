package delivery

import (
	"encoding/json"
	"time"

	"github.com/voicekit/callrelay/internal/domain"
	"github.com/voicekit/callrelay/internal/signature"
)

// Payload is the outbound webhook body. The signature is computed over the
// serialization WITHOUT the signature field, then re-embedded, so a receiver
// strips the field and recomputes over the remainder.
type Payload struct {
	EventID   string      `json:"eventId"`
	EventType string      `json:"eventType"`
	Timestamp string      `json:"timestamp"`
	Data      PayloadData `json:"data"`
	Signature string      `json:"signature,omitempty"`
}

// PayloadData carries the normalized call fields a tenant's endpoint acts on.
type PayloadData struct {
	Provider        string  `json:"provider"`
	ExternalCallID  string  `json:"externalCallId,omitempty"`
	Direction       string  `json:"direction,omitempty"`
	FromNumber      string  `json:"fromNumber,omitempty"`
	ToNumber        string  `json:"toNumber,omitempty"`
	CallStatus      string  `json:"callStatus,omitempty"`
	DurationSeconds *int    `json:"durationSeconds,omitempty"`
	Transcript      *string `json:"transcript,omitempty"`
	RecordingURL    *string `json:"recordingUrl,omitempty"`
	AIHandled       *bool   `json:"aiHandled,omitempty"`
	Outcome         *string `json:"outcome,omitempty"`
}

func buildPayload(event *domain.Event) Payload {
	data := PayloadData{
		Provider:        string(event.Provider),
		ExternalCallID:  event.ExternalCallID,
		Direction:       string(event.Direction),
		FromNumber:      event.FromNumber,
		ToNumber:        event.ToNumber,
		CallStatus:      string(event.CallStatus),
		DurationSeconds: event.DurationSeconds,
		Transcript:      event.Transcript,
		RecordingURL:    event.RecordingURL,
		AIHandled:       event.AIHandled,
	}
	if event.Outcome != nil {
		s := string(*event.Outcome)
		data.Outcome = &s
	}

	ts := event.CreatedAt
	if event.OccurredAt != nil {
		ts = *event.OccurredAt
	}

	return Payload{
		EventID:   event.ID,
		EventType: event.Type,
		Timestamp: ts.UTC().Format(time.RFC3339),
		Data:      data,
	}
}

// SignedBody serializes the payload for transport. With a secret, the
// returned header and the body's signature field carry the same
// "sha256=<hex>" value, computed over the body serialized without the
// signature field. With an empty secret both are empty and the body has no
// signature field.
func SignedBody(event *domain.Event, secret string) (body []byte, header string, err error) {
	p := buildPayload(event)

	unsigned, err := json.Marshal(p)
	if err != nil {
		return nil, "", err
	}
	if secret == "" {
		return unsigned, "", nil
	}

	header = "sha256=" + signature.Sign(unsigned, secret)
	p.Signature = header
	body, err = json.Marshal(p)
	if err != nil {
		return nil, "", err
	}
	return body, header, nil
}
