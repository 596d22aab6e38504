// Package stream provides a real-time event broker for Loom lifecycle events.
// It bridges the ext.Extension system to connected clients via topic-based pub/sub.
package stream

import (
	"encoding/json"
	"time"
)

// EventType identifies the kind of lifecycle event.
type EventType string

const (
	// Instance events.
	EventInstanceSubmitted  EventType = "instance.submitted"
	EventInstanceStarted    EventType = "instance.started"
	EventInstanceSuspended  EventType = "instance.suspended"
	EventInstanceCompleted  EventType = "instance.completed"
	EventInstanceFailed     EventType = "instance.failed"
	EventInstanceTerminated EventType = "instance.terminated"
	EventInstancePaused     EventType = "instance.paused"
	EventInstanceResumed    EventType = "instance.resumed"

	// Step events.
	EventStepSucceeded EventType = "step.succeeded"
	EventStepFailed    EventType = "step.failed"
	EventStepRetrying  EventType = "step.retrying"

	// External event delivery.
	EventDelivered EventType = "event.delivered"
)

// Event is the envelope sent to subscribers on a topic channel.
type Event struct {
	// Type identifies the lifecycle event.
	Type EventType `json:"type"`

	// Timestamp is when the event was emitted.
	Timestamp time.Time `json:"ts"`

	// Topic is the channel this event was published on.
	Topic string `json:"topic"`

	// Data is the event-specific payload.
	Data json.RawMessage `json:"data"`
}

// InstanceEventData is the payload for instance and step lifecycle events.
type InstanceEventData struct {
	InstanceID   string `json:"instance_id"`
	WorkflowType string `json:"workflow_type"`
	Status       string `json:"status,omitempty"`
	StepName     string `json:"step_name,omitempty"`
	Reason       string `json:"reason,omitempty"`
	ElapsedMs    int64  `json:"elapsed_ms,omitempty"`
	Error        string `json:"error,omitempty"`
	Attempt      int    `json:"attempt,omitempty"`
	ResumeAt     string `json:"resume_at,omitempty"`
}

// DeliveryEventData is the payload for external event delivery.
type DeliveryEventData struct {
	EventID    string `json:"event_id"`
	InstanceID string `json:"instance_id"`
	Name       string `json:"name"`
}
