package resilience

import (
	"context"
	"sync"
	"time"

	"github.com/sony/gobreaker"
)

// BreakerConfig tunes the per-endpoint circuit breaker.
//
// MaxRequests is how many probes pass in half-open state. Interval clears
// the closed-state counters periodically. Timeout is how long an open
// breaker waits before probing again. The breaker trips when at least
// MinRequests were made and FailureRatio of them failed.
type BreakerConfig struct {
	MaxRequests  uint32
	Interval     time.Duration
	Timeout      time.Duration
	FailureRatio float64
	MinRequests  uint32
}

func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		MaxRequests:  3,
		Interval:     60 * time.Second,
		Timeout:      30 * time.Second,
		FailureRatio: 0.5,
		MinRequests:  5,
	}
}

// BreakerManager maintains one gobreaker per tenant endpoint so a failing
// destination only trips its own breaker.
type BreakerManager struct {
	config   BreakerConfig
	breakers map[string]*gobreaker.TwoStepCircuitBreaker
	pending  map[string][]func(bool)
	mu       sync.Mutex
}

func NewBreakerManager(config BreakerConfig) *BreakerManager {
	return &BreakerManager{
		config:   config,
		breakers: make(map[string]*gobreaker.TwoStepCircuitBreaker),
		pending:  make(map[string][]func(bool)),
	}
}

func (m *BreakerManager) breaker(tenantID string) *gobreaker.TwoStepCircuitBreaker {
	m.mu.Lock()
	defer m.mu.Unlock()

	if cb, ok := m.breakers[tenantID]; ok {
		return cb
	}

	cb := gobreaker.NewTwoStepCircuitBreaker(gobreaker.Settings{
		Name:        tenantID,
		MaxRequests: m.config.MaxRequests,
		Interval:    m.config.Interval,
		Timeout:     m.config.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < m.config.MinRequests {
				return false
			}
			return float64(counts.TotalFailures)/float64(counts.Requests) >= m.config.FailureRatio
		},
	})
	m.breakers[tenantID] = cb
	return cb
}

// Allow reserves a request slot. The outcome must be reported through
// RecordSuccess or RecordFailure to settle the reservation.
func (m *BreakerManager) Allow(_ context.Context, tenantID string) (bool, error) {
	done, err := m.breaker(tenantID).Allow()
	if err != nil {
		// Open breaker; nothing to settle.
		return false, nil
	}
	m.mu.Lock()
	m.pending[tenantID] = append(m.pending[tenantID], done)
	m.mu.Unlock()
	return true, nil
}

func (m *BreakerManager) RecordSuccess(_ context.Context, tenantID string) {
	m.settle(tenantID, true)
}

func (m *BreakerManager) RecordFailure(_ context.Context, tenantID string) {
	m.settle(tenantID, false)
}

func (m *BreakerManager) settle(tenantID string, success bool) {
	m.mu.Lock()
	queue := m.pending[tenantID]
	if len(queue) == 0 {
		m.mu.Unlock()
		return
	}
	done := queue[0]
	m.pending[tenantID] = queue[1:]
	m.mu.Unlock()
	done(success)
}

// State returns the breaker state for observability.
func (m *BreakerManager) State(tenantID string) gobreaker.State {
	return m.breaker(tenantID).State()
}
