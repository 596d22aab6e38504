package postgres

import (
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/loomworks/loom/event"
	"github.com/loomworks/loom/id"
	"github.com/loomworks/loom/workflow"
)

// Column lists shared by the scan helpers and every SELECT.
const (
	instanceColumns = `id, type, status, payload, result, error, error_stack, paused,
		retry_at, wake_at, wait_event, wait_deadline, last_sequence,
		started_at, completed_at, version, created_at, updated_at`

	stepColumns = `id, instance_id, name, ordinal, kind, status, attempts, result,
		last_error, error_stack, retry_history, wake_at, deadline,
		started_at, completed_at`

	timelineColumns = `id, instance_id, sequence, kind, payload, timestamp`

	eventColumns = `id, instance_id, name, payload, consumed, created_at`
)

// scanInstance scans a single instance row.
func scanInstance(row pgx.Row) (*workflow.Instance, error) {
	var (
		inst          workflow.Instance
		idStr, status string
	)
	err := row.Scan(
		&idStr, &inst.Type, &status, &inst.Payload, &inst.Result,
		&inst.Error, &inst.ErrorStack, &inst.Paused,
		&inst.RetryAt, &inst.WakeAt, &inst.WaitEvent, &inst.WaitDeadline,
		&inst.LastSequence, &inst.StartedAt, &inst.CompletedAt,
		&inst.Version, &inst.CreatedAt, &inst.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	parsedID, parseErr := id.ParseInstanceID(idStr)
	if parseErr != nil {
		return nil, fmt.Errorf("loom/postgres: parse instance id %q: %w", idStr, parseErr)
	}
	inst.ID = parsedID
	inst.Status = workflow.Status(status)

	return &inst, nil
}

// scanStep scans a single step record row.
func scanStep(row pgx.Row) (*workflow.StepRecord, error) {
	var (
		rec              workflow.StepRecord
		idStr, instIDStr string
		kind, status     string
		retryHistoryJSON []byte
	)
	err := row.Scan(
		&idStr, &instIDStr, &rec.Name, &rec.Ordinal, &kind, &status,
		&rec.Attempts, &rec.Result, &rec.LastError, &rec.ErrorStack,
		&retryHistoryJSON, &rec.WakeAt, &rec.Deadline,
		&rec.StartedAt, &rec.CompletedAt,
	)
	if err != nil {
		return nil, err
	}

	parsedID, parseErr := id.ParseStepID(idStr)
	if parseErr != nil {
		return nil, fmt.Errorf("loom/postgres: parse step id %q: %w", idStr, parseErr)
	}
	rec.ID = parsedID

	instID, parseErr := id.ParseInstanceID(instIDStr)
	if parseErr != nil {
		return nil, fmt.Errorf("loom/postgres: parse instance id %q: %w", instIDStr, parseErr)
	}
	rec.InstanceID = instID
	rec.Kind = workflow.StepKind(kind)
	rec.Status = workflow.StepStatus(status)

	if len(retryHistoryJSON) > 0 {
		if err := json.Unmarshal(retryHistoryJSON, &rec.RetryHistory); err != nil {
			return nil, fmt.Errorf("loom/postgres: decode retry history: %w", err)
		}
	}

	return &rec, nil
}

// marshalRetryHistory serializes a step's retry history for the JSONB
// column. Nil history stores SQL NULL.
func marshalRetryHistory(history []workflow.RetryAttempt) ([]byte, error) {
	if len(history) == 0 {
		return nil, nil
	}
	return json.Marshal(history)
}

// scanTimelineEntry scans a single timeline row.
func scanTimelineEntry(row pgx.Row) (*workflow.TimelineEntry, error) {
	var (
		entry            workflow.TimelineEntry
		idStr, instIDStr string
		kind             string
		payload          []byte
	)
	err := row.Scan(&idStr, &instIDStr, &entry.Sequence, &kind, &payload, &entry.Timestamp)
	if err != nil {
		return nil, err
	}

	parsedID, parseErr := id.ParseTimelineID(idStr)
	if parseErr != nil {
		return nil, fmt.Errorf("loom/postgres: parse timeline id %q: %w", idStr, parseErr)
	}
	entry.ID = parsedID

	instID, parseErr := id.ParseInstanceID(instIDStr)
	if parseErr != nil {
		return nil, fmt.Errorf("loom/postgres: parse instance id %q: %w", instIDStr, parseErr)
	}
	entry.InstanceID = instID
	entry.Kind = workflow.TimelineKind(kind)
	entry.Payload = payload

	return &entry, nil
}

// scanEvent scans a single event row.
func scanEvent(row pgx.Row) (*event.Event, error) {
	var (
		evt              event.Event
		idStr, instIDStr string
	)
	err := row.Scan(&idStr, &instIDStr, &evt.Name, &evt.Payload, &evt.Consumed, &evt.CreatedAt)
	if err != nil {
		return nil, err
	}

	parsedID, parseErr := id.ParseEventID(idStr)
	if parseErr != nil {
		return nil, fmt.Errorf("loom/postgres: parse event id %q: %w", idStr, parseErr)
	}
	evt.ID = parsedID

	instID, parseErr := id.ParseInstanceID(instIDStr)
	if parseErr != nil {
		return nil, fmt.Errorf("loom/postgres: parse instance id %q: %w", instIDStr, parseErr)
	}
	evt.InstanceID = instID

	return &evt, nil
}
