package calls

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/voicekit/callrelay/internal/clock"
	"github.com/voicekit/callrelay/internal/domain"
	"github.com/voicekit/callrelay/internal/observability"
	"github.com/voicekit/callrelay/internal/queue"
	"github.com/voicekit/callrelay/internal/repository"
)

type mockEventRepo struct {
	events      map[string]*domain.Event
	updateCalls int
	lastUpdated *domain.Event
}

func newMockEventRepo(events ...*domain.Event) *mockEventRepo {
	m := &mockEventRepo{events: make(map[string]*domain.Event)}
	for _, e := range events {
		m.events[e.ID] = e
	}
	return m
}

func (m *mockEventRepo) Insert(ctx context.Context, event *domain.Event) (bool, error) {
	m.events[event.ID] = event
	return true, nil
}

func (m *mockEventRepo) GetByID(ctx context.Context, id string) (*domain.Event, error) {
	e, ok := m.events[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	copied := *e
	return &copied, nil
}

func (m *mockEventRepo) GetByIdempotencyKey(ctx context.Context, tenantID, key string) (*domain.Event, error) {
	for _, e := range m.events {
		if e.TenantID == tenantID && e.IdempotencyKey == key {
			return e, nil
		}
	}
	return nil, domain.ErrNotFound
}

func (m *mockEventRepo) UpdateStatus(ctx context.Context, event *domain.Event) error {
	m.updateCalls++
	m.lastUpdated = event
	m.events[event.ID] = event
	return nil
}

func (m *mockEventRepo) ClaimDueDeliveries(ctx context.Context, now time.Time, limit int) ([]*domain.Event, error) {
	return nil, nil
}

type mockCallRepo struct {
	calls       map[string]*domain.Call
	createCalls int
	updateCalls int
}

func newMockCallRepo() *mockCallRepo {
	return &mockCallRepo{calls: make(map[string]*domain.Call)}
}

func callKey(tenantID string, provider domain.Provider, externalID string) string {
	return tenantID + "|" + string(provider) + "|" + externalID
}

func (m *mockCallRepo) GetByExternalID(ctx context.Context, tenantID string, provider domain.Provider, externalCallID string) (*domain.Call, error) {
	c, ok := m.calls[callKey(tenantID, provider, externalCallID)]
	if !ok {
		return nil, domain.ErrNotFound
	}
	copied := *c
	return &copied, nil
}

func (m *mockCallRepo) Create(ctx context.Context, call *domain.Call) error {
	m.createCalls++
	key := callKey(call.TenantID, call.Provider, call.ExternalCallID)
	if _, exists := m.calls[key]; exists {
		return nil
	}
	copied := *call
	m.calls[key] = &copied
	return nil
}

func (m *mockCallRepo) Update(ctx context.Context, call *domain.Call) error {
	m.updateCalls++
	copied := *call
	m.calls[callKey(call.TenantID, call.Provider, call.ExternalCallID)] = &copied
	return nil
}

func (m *mockCallRepo) ListByDay(ctx context.Context, tenantID string, day time.Time) ([]*domain.Call, error) {
	var out []*domain.Call
	for _, c := range m.calls {
		if c.TenantID == tenantID {
			out = append(out, c)
		}
	}
	return out, nil
}

type mockEnqueuer struct {
	tasks []queue.Task
	err   error
}

func (m *mockEnqueuer) Enqueue(ctx context.Context, task queue.Task) error {
	if m.err != nil {
		return m.err
	}
	m.tasks = append(m.tasks, task)
	return nil
}

var _ repository.EventRepository = (*mockEventRepo)(nil)
var _ repository.CallRepository = (*mockCallRepo)(nil)

func newTestMetrics() *observability.Metrics {
	reg := prometheus.NewRegistry()
	prometheus.DefaultRegisterer = reg
	prometheus.DefaultGatherer = reg
	return observability.NewMetrics("test")
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func intPtr(i int) *int                       { return &i }
func timePtr(t time.Time) *time.Time          { return &t }
func outPtr(o domain.Outcome) *domain.Outcome { return &o }

func TestReducer_CreatesCallFromFirstEvent(t *testing.T) {
	occurred := time.Date(2026, 2, 10, 14, 0, 0, 0, time.UTC)
	event := &domain.Event{
		ID:             "evt_1",
		TenantID:       "tenant-1",
		Type:           "call.ringing",
		Provider:       domain.ProviderTwilio,
		ExternalCallID: "CA123",
		CallStatus:     domain.CallStatusRinging,
		Direction:      domain.DirectionInbound,
		FromNumber:     "+15550001111",
		ToNumber:       "+15550002222",
		OccurredAt:     timePtr(occurred),
		Status:         domain.EventStatusPending,
		CreatedAt:      occurred,
	}

	events := newMockEventRepo(event)
	callRepo := newMockCallRepo()
	enq := &mockEnqueuer{}
	clk := clock.NewMock(occurred.Add(2 * time.Second))

	r := NewReducer(events, callRepo, enq, clk, newTestMetrics(), testLogger())
	if err := r.Process(context.Background(), "tenant-1", "evt_1"); err != nil {
		t.Fatalf("Process() error = %v", err)
	}

	call, err := callRepo.GetByExternalID(context.Background(), "tenant-1", domain.ProviderTwilio, "CA123")
	if err != nil {
		t.Fatalf("call not created: %v", err)
	}
	if call.Status != domain.CallStatusRinging {
		t.Errorf("call status = %s, want ringing", call.Status)
	}
	if call.StartedAt == nil || !call.StartedAt.Equal(occurred) {
		t.Errorf("StartedAt = %v, want %v", call.StartedAt, occurred)
	}
	if events.lastUpdated.ProcessedAt == nil {
		t.Error("event ProcessedAt not stamped")
	}
	if len(enq.tasks) != 1 || enq.tasks[0].Type != queue.TaskRecomputeMetrics {
		t.Fatalf("expected one metrics.recompute task, got %v", enq.tasks)
	}
	wantDay := time.Date(2026, 2, 10, 0, 0, 0, 0, time.UTC)
	if !enq.tasks[0].Day.Equal(wantDay) {
		t.Errorf("recompute day = %v, want %v", enq.tasks[0].Day, wantDay)
	}
}

func TestReducer_MergesIntoExistingCall(t *testing.T) {
	start := time.Date(2026, 2, 10, 14, 0, 0, 0, time.UTC)
	end := start.Add(90 * time.Second)

	events := newMockEventRepo(
		&domain.Event{
			ID:             "evt_ring",
			TenantID:       "tenant-1",
			Type:           "call.ringing",
			Provider:       domain.ProviderVapi,
			ExternalCallID: "call_abc",
			CallStatus:     domain.CallStatusRinging,
			OccurredAt:     timePtr(start),
			CreatedAt:      start,
		},
		&domain.Event{
			ID:              "evt_done",
			TenantID:        "tenant-1",
			Type:            "call.report",
			Provider:        domain.ProviderVapi,
			ExternalCallID:  "call_abc",
			CallStatus:      domain.CallStatusCompleted,
			DurationSeconds: intPtr(90),
			Outcome:         outPtr(domain.OutcomeBooked),
			OccurredAt:      timePtr(end),
			CreatedAt:       end,
		},
	)
	callRepo := newMockCallRepo()
	enq := &mockEnqueuer{}
	clk := clock.NewMock(end.Add(time.Second))
	r := NewReducer(events, callRepo, enq, clk, newTestMetrics(), testLogger())

	for _, id := range []string{"evt_ring", "evt_done"} {
		if err := r.Process(context.Background(), "tenant-1", id); err != nil {
			t.Fatalf("Process(%s) error = %v", id, err)
		}
	}

	call, _ := callRepo.GetByExternalID(context.Background(), "tenant-1", domain.ProviderVapi, "call_abc")
	if call.Status != domain.CallStatusCompleted {
		t.Errorf("status = %s, want completed", call.Status)
	}
	if call.DurationSeconds != 90 {
		t.Errorf("duration = %d, want 90", call.DurationSeconds)
	}
	if call.Outcome == nil || *call.Outcome != domain.OutcomeBooked {
		t.Errorf("outcome = %v, want booked", call.Outcome)
	}
	if callRepo.createCalls != 1 {
		t.Errorf("createCalls = %d, want 1", callRepo.createCalls)
	}
}

func TestReducer_MissingCallIDFailsPermanently(t *testing.T) {
	now := time.Date(2026, 2, 10, 14, 0, 0, 0, time.UTC)
	events := newMockEventRepo(&domain.Event{
		ID:        "evt_bad",
		TenantID:  "tenant-1",
		Type:      "call.completed",
		Provider:  domain.ProviderTwilio,
		CreatedAt: now,
	})
	callRepo := newMockCallRepo()
	enq := &mockEnqueuer{}
	r := NewReducer(events, callRepo, enq, clock.NewMock(now), newTestMetrics(), testLogger())

	if err := r.Process(context.Background(), "tenant-1", "evt_bad"); err != nil {
		t.Fatalf("Process() error = %v, want nil (permanent failure commits)", err)
	}
	if events.lastUpdated.Status != domain.EventStatusFailed {
		t.Errorf("event status = %s, want failed", events.lastUpdated.Status)
	}
	if len(callRepo.calls) != 0 {
		t.Error("no call should be created for an event without a call id")
	}
	if len(enq.tasks) != 0 {
		t.Error("no recompute should be scheduled for a failed event")
	}
}

func TestReducer_ReplayIsNoOp(t *testing.T) {
	now := time.Date(2026, 2, 10, 14, 0, 0, 0, time.UTC)
	processed := now.Add(-time.Minute)
	events := newMockEventRepo(&domain.Event{
		ID:             "evt_done",
		TenantID:       "tenant-1",
		Provider:       domain.ProviderTwilio,
		ExternalCallID: "CA123",
		ProcessedAt:    &processed,
		CreatedAt:      now,
	})
	callRepo := newMockCallRepo()
	enq := &mockEnqueuer{}
	r := NewReducer(events, callRepo, enq, clock.NewMock(now), newTestMetrics(), testLogger())

	if err := r.Process(context.Background(), "tenant-1", "evt_done"); err != nil {
		t.Fatalf("Process() error = %v", err)
	}
	if events.updateCalls != 0 {
		t.Error("already-processed event should not be updated")
	}
	if len(enq.tasks) != 0 {
		t.Error("already-processed event should not schedule recompute")
	}
}

func TestReducer_MissingEventCommits(t *testing.T) {
	now := time.Date(2026, 2, 10, 14, 0, 0, 0, time.UTC)
	r := NewReducer(newMockEventRepo(), newMockCallRepo(), &mockEnqueuer{}, clock.NewMock(now), newTestMetrics(), testLogger())
	if err := r.Process(context.Background(), "tenant-1", "evt_gone"); err != nil {
		t.Fatalf("Process() error = %v, want nil for a vanished event", err)
	}
}
