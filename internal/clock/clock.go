// Package clock abstracts time so retry schedules can be tested deterministically.
package clock

import "time"

type Clock interface {
	Now() time.Time
}

type RealClock struct{}

func (RealClock) Now() time.Time {
	return time.Now()
}

// MockClock returns a fixed, manually advanced time.
type MockClock struct {
	NowTime time.Time
}

func NewMock(at time.Time) *MockClock {
	return &MockClock{NowTime: at}
}

func (m *MockClock) Now() time.Time {
	return m.NowTime
}

func (m *MockClock) Advance(d time.Duration) {
	m.NowTime = m.NowTime.Add(d)
}
