// Package queue provides durable asynchronous task dispatch over Kafka.
//
// Tasks are at-least-once: the consumer commits offsets only after the
// handler returns, so a crash replays the batch. Handlers are idempotent by
// construction (idempotent event store, full-recompute metrics, per-attempt
// delivery logs). Delayed work never sits in Kafka; it is persisted with a
// next_attempt_at and claimed by the delivery poller.
package queue

import (
	"encoding/json"
	"time"
)

type TaskType string

const (
	// TaskProcessCall folds an event into its call record.
	TaskProcessCall TaskType = "call.process"
	// TaskRecomputeMetrics rebuilds a tenant's daily rollup.
	TaskRecomputeMetrics TaskType = "metrics.recompute"
	// TaskDispatchDelivery runs one outbound delivery attempt.
	TaskDispatchDelivery TaskType = "delivery.dispatch"
)

// Task is the wire envelope on the tasks topic.
type Task struct {
	Type     TaskType `json:"type"`
	TenantID string   `json:"tenant_id"`

	// EventID is set for call.process and delivery.dispatch.
	EventID string `json:"event_id,omitempty"`

	// Day is set for metrics.recompute (UTC calendar date).
	Day *time.Time `json:"day,omitempty"`

	// Attempt is the delivery attempt number to run; zero means "next".
	Attempt int `json:"attempt,omitempty"`

	EnqueuedAt time.Time `json:"enqueued_at"`
}

// Key returns the Kafka message key. Keying by tenant+event keeps tasks for
// one event on one partition, so delivery attempts never run concurrently
// with each other.
func (t Task) Key() string {
	if t.EventID != "" {
		return t.TenantID + ":" + t.EventID
	}
	return t.TenantID
}

func (t Task) marshal() ([]byte, error) {
	return json.Marshal(t)
}

func unmarshalTask(value []byte) (Task, error) {
	var t Task
	err := json.Unmarshal(value, &t)
	return t, err
}
