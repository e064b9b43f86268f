// Package metrics recomputes per-tenant daily call rollups. Every recompute
// rebuilds the whole day from the call records and replaces the stored row,
// so duplicate or out-of-order triggers cannot drift the numbers.
package metrics

import (
	"time"

	"github.com/voicekit/callrelay/internal/domain"
)

// Aggregate folds a day's calls into one rollup. Pure function; the caller
// supplies the day's call set and the computation timestamp.
func Aggregate(tenantID string, day time.Time, calls []*domain.Call, now time.Time) *domain.DailyMetrics {
	m := &domain.DailyMetrics{
		TenantID:   tenantID,
		Day:        day,
		ComputedAt: now,
	}

	for _, c := range calls {
		m.TotalCalls++

		switch c.Direction {
		case domain.DirectionInbound:
			m.InboundCalls++
		case domain.DirectionOutbound:
			m.OutboundCalls++
		}

		if c.AIHandled {
			m.AIHandledCalls++
		}

		if c.Outcome != nil {
			switch *c.Outcome {
			case domain.OutcomeBooked:
				m.BookedCalls++
			case domain.OutcomeTransferred:
				m.TransferredCalls++
			case domain.OutcomeInfo:
				m.InfoCalls++
			case domain.OutcomeMissed:
				m.MissedCalls++
			}
		}

		m.TotalDurationSeconds += c.DurationSeconds
	}

	// Average over every call, missed ones included; a missed call drags
	// the day's average down rather than vanishing from it.
	if m.TotalCalls > 0 {
		m.AvgDurationSeconds = float64(m.TotalDurationSeconds) / float64(m.TotalCalls)
	}
	return m
}
