package postgres

import (
	"context"
	"fmt"

	"github.com/loomworks/loom/event"
	"github.com/loomworks/loom/id"
)

// AppendEvent persists a new event for an instance.
func (s *Store) AppendEvent(ctx context.Context, evt *event.Event) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO loom_events (id, instance_id, name, payload, consumed, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		evt.ID.String(), evt.InstanceID.String(), evt.Name,
		evt.Payload, evt.Consumed, evt.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("loom/postgres: append event: %w", err)
	}
	return nil
}

// NextPending returns the oldest unconsumed event for the given
// instance and name, or nil if none is pending.
func (s *Store) NextPending(ctx context.Context, instanceID id.InstanceID, name string) (*event.Event, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+eventColumns+` FROM loom_events
		WHERE instance_id = $1 AND name = $2 AND consumed = FALSE
		ORDER BY created_at ASC
		LIMIT 1`,
		instanceID.String(), name,
	)
	evt, err := scanEvent(row)
	if err != nil {
		if isNoRows(err) {
			return nil, nil // no pending event is not an error
		}
		return nil, fmt.Errorf("loom/postgres: next pending event: %w", err)
	}
	return evt, nil
}

// ListEvents returns all events for an instance, oldest first.
func (s *Store) ListEvents(ctx context.Context, instanceID id.InstanceID) ([]*event.Event, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+eventColumns+` FROM loom_events WHERE instance_id = $1 ORDER BY created_at ASC, id ASC`,
		instanceID.String(),
	)
	if err != nil {
		return nil, fmt.Errorf("loom/postgres: list events: %w", err)
	}
	defer rows.Close()

	var events []*event.Event
	for rows.Next() {
		evt, scanErr := scanEvent(rows)
		if scanErr != nil {
			return nil, fmt.Errorf("loom/postgres: list events scan: %w", scanErr)
		}
		events = append(events, evt)
	}
	return events, rows.Err()
}
