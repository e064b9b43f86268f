package domain

import "time"

// DailyMetrics is a pre-aggregated rollup, one row per tenant per calendar
// date. Always written as a full recompute, never incremented, so reruns and
// concurrent triggers converge on the same values.
type DailyMetrics struct {
	TenantID string    `json:"tenant_id"`
	Day      time.Time `json:"day"`

	TotalCalls     int `json:"total_calls"`
	InboundCalls   int `json:"inbound_calls"`
	OutboundCalls  int `json:"outbound_calls"`
	AIHandledCalls int `json:"ai_handled_calls"`

	BookedCalls      int `json:"booked_calls"`
	TransferredCalls int `json:"transferred_calls"`
	InfoCalls        int `json:"info_calls"`
	MissedCalls      int `json:"missed_calls"`

	TotalDurationSeconds int     `json:"total_duration_seconds"`
	AvgDurationSeconds   float64 `json:"avg_duration_seconds"`

	ComputedAt time.Time `json:"computed_at"`
}
