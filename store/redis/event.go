package redis

import (
	"context"
	"encoding/json"
	"fmt"

	goredis "github.com/redis/go-redis/v9"

	"github.com/loomworks/loom/event"
	"github.com/loomworks/loom/id"
)

// AppendEvent persists a new event for an instance.
func (s *Store) AppendEvent(ctx context.Context, evt *event.Event) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("loom/redis: encode event: %w", err)
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, eventKey(evt.ID.String()), data, 0)
	pipe.RPush(ctx, eventsKey(evt.InstanceID.String()), evt.ID.String())
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("loom/redis: append event: %w", err)
	}
	return nil
}

// NextPending returns the oldest unconsumed event for the given
// instance and name, or nil if none is pending.
func (s *Store) NextPending(ctx context.Context, instanceID id.InstanceID, name string) (*event.Event, error) {
	events, err := s.loadEvents(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	for _, evt := range events {
		if evt.Name == name && !evt.Consumed {
			return evt, nil
		}
	}
	return nil, nil
}

// ListEvents returns all events for an instance, oldest first.
func (s *Store) ListEvents(ctx context.Context, instanceID id.InstanceID) ([]*event.Event, error) {
	return s.loadEvents(ctx, instanceID)
}

// loadEvents reads an instance's events in delivery order.
func (s *Store) loadEvents(ctx context.Context, instanceID id.InstanceID) ([]*event.Event, error) {
	ids, err := s.client.LRange(ctx, eventsKey(instanceID.String()), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("loom/redis: list event ids: %w", err)
	}

	events := make([]*event.Event, 0, len(ids))
	for _, eventID := range ids {
		data, getErr := s.client.Get(ctx, eventKey(eventID)).Result()
		if getErr != nil {
			if getErr == goredis.Nil {
				continue
			}
			return nil, fmt.Errorf("loom/redis: get event: %w", getErr)
		}
		var evt event.Event
		if err := json.Unmarshal([]byte(data), &evt); err != nil {
			return nil, fmt.Errorf("loom/redis: decode event: %w", err)
		}
		events = append(events, &evt)
	}
	return events, nil
}
