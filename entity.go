package loom

import "time"

// Entity holds the fields shared by all persisted loom records.
// Version is the optimistic concurrency token: every tick commit
// carries the version it loaded, and the store rejects the commit with
// ErrVersionConflict if the stored version has moved since.
type Entity struct {
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	Version   int64     `json:"version"`
}

// NewEntity returns an Entity stamped with the current UTC time and
// version 1.
func NewEntity() Entity {
	now := time.Now().UTC()
	return Entity{
		CreatedAt: now,
		UpdatedAt: now,
		Version:   1,
	}
}
