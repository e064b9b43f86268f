package domain

import (
	"testing"
	"time"
)

func intPtr(n int) *int              { return &n }
func strPtr(s string) *string        { return &s }
func outPtr(o Outcome) *Outcome      { return &o }
func timePtr(t time.Time) *time.Time { return &t }

func TestCallStatus_Terminal(t *testing.T) {
	tests := []struct {
		status CallStatus
		want   bool
	}{
		{CallStatusPending, false},
		{CallStatusRinging, false},
		{CallStatusInProgress, false},
		{CallStatusCompleted, true},
		{CallStatusFailed, true},
		{CallStatusNoAnswer, true},
		{CallStatusBusy, true},
		{CallStatusCancelled, true},
	}
	for _, tt := range tests {
		if got := tt.status.Terminal(); got != tt.want {
			t.Errorf("Terminal(%s) = %v, want %v", tt.status, got, tt.want)
		}
	}
}

func TestCall_Merge_PresentFieldsOnly(t *testing.T) {
	c := Call{
		Status:       CallStatusRinging,
		FromNumber:   "+15550001",
		RecordingURL: strPtr("https://recordings.example.com/a.mp3"),
	}

	c.Merge(CallUpdate{Status: CallStatusInProgress, ToNumber: "+15550002"}, time.Now())

	if c.Status != CallStatusInProgress {
		t.Errorf("Status = %v, want %v", c.Status, CallStatusInProgress)
	}
	if c.FromNumber != "+15550001" {
		t.Errorf("FromNumber = %q, want retained", c.FromNumber)
	}
	if c.ToNumber != "+15550002" {
		t.Errorf("ToNumber = %q, want +15550002", c.ToNumber)
	}
	if c.RecordingURL == nil || *c.RecordingURL != "https://recordings.example.com/a.mp3" {
		t.Error("RecordingURL was nulled by an update that did not carry it")
	}
}

// Providers do not guarantee ordering: a completed event followed by a stale
// ringing event must leave status at ringing (last-arrived-wins) while keeping
// every field the earlier event established.
func TestCall_Merge_OutOfOrderConvergence(t *testing.T) {
	c := Call{Status: CallStatusPending}

	c.Merge(CallUpdate{
		Status:          CallStatusInProgress,
		DurationSeconds: intPtr(42),
		RecordingURL:    strPtr("https://recordings.example.com/b.mp3"),
	}, time.Now())
	c.Merge(CallUpdate{Status: CallStatusRinging}, time.Now())

	if c.Status != CallStatusRinging {
		t.Errorf("Status = %v, want %v (last-arrived-wins)", c.Status, CallStatusRinging)
	}
	if c.DurationSeconds != 42 {
		t.Errorf("DurationSeconds = %d, want 42 retained", c.DurationSeconds)
	}
	if c.RecordingURL == nil {
		t.Error("RecordingURL lost on out-of-order update")
	}
}

// A late ringing event after completed still wins the status while every
// field the completed event established stays put. Terminal states get no
// special treatment; convergence comes from merging fields, not from
// ordering guesses.
func TestCall_Merge_LateEventAfterTerminal(t *testing.T) {
	c := Call{Status: CallStatusPending}

	c.Merge(CallUpdate{
		Status:          CallStatusCompleted,
		DurationSeconds: intPtr(30),
		RecordingURL:    strPtr("https://recordings.example.com/c.mp3"),
	}, time.Now())
	c.Merge(CallUpdate{Status: CallStatusRinging, Transcript: strPtr("hello")}, time.Now())

	if c.Status != CallStatusRinging {
		t.Errorf("Status = %v, want %v (last-arrived-wins)", c.Status, CallStatusRinging)
	}
	if c.DurationSeconds != 30 {
		t.Errorf("DurationSeconds = %d, want 30 retained", c.DurationSeconds)
	}
	if c.RecordingURL == nil {
		t.Error("RecordingURL lost on late update")
	}
	if c.Transcript == nil || *c.Transcript != "hello" {
		t.Error("late event must still merge non-status fields")
	}
}

func TestCall_Merge_OutcomeDefaulting(t *testing.T) {
	tests := []struct {
		name     string
		duration *int
		outcome  *Outcome
		want     Outcome
	}{
		{"talked call defaults to info", intPtr(45), nil, OutcomeInfo},
		{"zero duration defaults to missed", intPtr(0), nil, OutcomeMissed},
		{"provider outcome wins over default", intPtr(45), outPtr(OutcomeBooked), OutcomeBooked},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := Call{Status: CallStatusInProgress}
			c.Merge(CallUpdate{
				Status:          CallStatusCompleted,
				DurationSeconds: tt.duration,
				Outcome:         tt.outcome,
			}, time.Now())

			if c.Outcome == nil {
				t.Fatal("Outcome = nil, want classification on completion")
			}
			if *c.Outcome != tt.want {
				t.Errorf("Outcome = %v, want %v", *c.Outcome, tt.want)
			}
		})
	}
}

func TestCall_Merge_Timestamps(t *testing.T) {
	started := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	ended := started.Add(2 * time.Minute)

	c := Call{Status: CallStatusPending}
	c.Merge(CallUpdate{Status: CallStatusRinging, OccurredAt: timePtr(started)}, time.Now())
	c.Merge(CallUpdate{Status: CallStatusCompleted, OccurredAt: timePtr(ended), DurationSeconds: intPtr(120)}, time.Now())

	if c.StartedAt == nil || !c.StartedAt.Equal(started) {
		t.Errorf("StartedAt = %v, want %v", c.StartedAt, started)
	}
	if c.EndedAt == nil || !c.EndedAt.Equal(ended) {
		t.Errorf("EndedAt = %v, want %v", c.EndedAt, ended)
	}
}

func TestParseOutcome(t *testing.T) {
	tests := []struct {
		in   string
		want Outcome
		ok   bool
	}{
		{"booked", OutcomeBooked, true},
		{"Appointment_Booked", OutcomeBooked, true},
		{"transfer", OutcomeTransferred, true},
		{"  info ", OutcomeInfo, true},
		{"voicemail", OutcomeMissed, true},
		{"gibberish", "", false},
		{"", "", false},
	}
	for _, tt := range tests {
		got, ok := ParseOutcome(tt.in)
		if got != tt.want || ok != tt.ok {
			t.Errorf("ParseOutcome(%q) = (%v, %v), want (%v, %v)", tt.in, got, ok, tt.want, tt.ok)
		}
	}
}
