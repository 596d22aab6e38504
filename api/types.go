package api

import "encoding/json"

// defaultListLimit caps list responses when the caller sends no limit.
const defaultListLimit = 50

func defaultLimit(limit int) int {
	if limit <= 0 {
		return defaultListLimit
	}
	return limit
}

// ──────────────────────────────────────────────────
// Requests
// ──────────────────────────────────────────────────

// ListInstancesRequest filters the instance list.
type ListInstancesRequest struct {
	Type   string `query:"type" json:"type,omitempty"`
	Status string `query:"status" json:"status,omitempty"`
	Limit  int    `query:"limit" json:"limit,omitempty"`
	Offset int    `query:"offset" json:"offset,omitempty"`
}

// GetInstanceRequest fetches one instance by path parameter.
type GetInstanceRequest struct{}

// GetTimelineRequest pages through an instance's timeline. FromSeq is
// exclusive, so pollers pass the last sequence they have seen.
type GetTimelineRequest struct {
	FromSeq int64 `query:"from_seq" json:"from_seq,omitempty"`
	Limit   int   `query:"limit" json:"limit,omitempty"`
}

// SubmitInstanceRequest starts a new workflow instance. InstanceID is
// optional; clients set it to get idempotent submissions.
type SubmitInstanceRequest struct {
	Input      json.RawMessage `json:"input,omitempty"`
	InstanceID string          `json:"instance_id,omitempty"`
}

// TerminateInstanceRequest carries the operator-facing reason recorded
// on the timeline.
type TerminateInstanceRequest struct {
	Reason string `json:"reason,omitempty"`
}

// DeliverEventRequest delivers a named event to a waiting instance.
type DeliverEventRequest struct {
	Name    string          `json:"name"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// ──────────────────────────────────────────────────
// Responses
// ──────────────────────────────────────────────────

// ListWorkflowTypesResponse lists the registered workflow types.
type ListWorkflowTypesResponse struct {
	Types []string `json:"types"`
}

// InstanceCounts groups instances by display status.
type InstanceCounts struct {
	Created    int `json:"created"`
	Running    int `json:"running"`
	Sleeping   int `json:"sleeping"`
	Waiting    int `json:"waiting"`
	Paused     int `json:"paused"`
	Completed  int `json:"completed"`
	Errored    int `json:"errored"`
	Terminated int `json:"terminated"`
}

// StatsResponse is the aggregate statistics payload.
type StatsResponse struct {
	Instances InstanceCounts `json:"instances"`
	Stream    StreamStats    `json:"stream"`
}

// StreamStats mirrors the broker's counters.
type StreamStats struct {
	TopicCount      int   `json:"topic_count"`
	SubscriberCount int   `json:"subscriber_count"`
	TotalPublished  int64 `json:"total_published"`
	TotalDropped    int64 `json:"total_dropped"`
}
