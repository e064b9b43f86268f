// Package retry provides the delivery retry schedule and the poller that
// reclaims due retries from the database.
package retry

import "time"

// Policy is a fixed backoff table indexed by the attempt that just failed.
// A table, not a formula: the schedule is exactly reproducible and shows up
// verbatim in runbooks.
type Policy struct {
	Delays []time.Duration
}

func DefaultPolicy() Policy {
	return Policy{
		Delays: []time.Duration{
			5 * time.Second,
			15 * time.Second,
			30 * time.Second,
			60 * time.Second,
			300 * time.Second,
		},
	}
}

// DelayAfter returns the wait before the next attempt, given the attempt
// number that just failed (1-based). Attempts past the table clamp to the
// last entry.
func (p Policy) DelayAfter(attempt int) time.Duration {
	if len(p.Delays) == 0 {
		return 0
	}
	if attempt < 1 {
		attempt = 1
	}
	if attempt > len(p.Delays) {
		attempt = len(p.Delays)
	}
	return p.Delays[attempt-1]
}

func (p Policy) NextAttemptTime(now time.Time, attempt int) time.Time {
	return now.Add(p.DelayAfter(attempt))
}
