package workflow

import (
	"context"
	"time"

	"github.com/loomworks/loom/id"
)

// ListOpts controls filtering and pagination for instance list queries.
type ListOpts struct {
	// Type filters by workflow type. Empty means all types.
	Type string
	// Status filters by display status. Empty means all statuses.
	Status Status
	// Limit is the maximum number of instances to return. Zero means no limit.
	Limit int
	// Offset is the number of instances to skip.
	Offset int
}

// TickCommit is the full set of writes produced by one tick. A store
// applies it atomically: the instance update (guarded by
// ExpectedVersion), every step record upsert, every timeline entry,
// and every event acknowledgement commit together or not at all.
type TickCommit struct {
	// Instance is the updated instance. Its Version field still holds
	// the loaded value; the store bumps it on success.
	Instance *Instance

	// ExpectedVersion is the optimistic concurrency token. If the
	// stored version differs, the store returns loom.ErrVersionConflict
	// and writes nothing.
	ExpectedVersion int64

	// Steps are step record upserts, keyed by (InstanceID, Name).
	Steps []*StepRecord

	// Timeline entries to append, sequences already assigned.
	Timeline []*TimelineEntry

	// AckEvents are events consumed by this tick.
	AckEvents []id.EventID
}

// Store defines the persistence contract for workflow instances, their
// durability log, and their timeline.
type Store interface {
	// CreateInstance persists a new instance together with its first
	// timeline entry, atomically. Fails with loom.ErrInstanceExists if
	// the ID is taken.
	CreateInstance(ctx context.Context, inst *Instance, first *TimelineEntry) error

	// GetInstance retrieves an instance by ID.
	GetInstance(ctx context.Context, instanceID id.InstanceID) (*Instance, error)

	// ListInstances returns instances matching the given options,
	// ordered by creation time.
	ListInstances(ctx context.Context, opts ListOpts) ([]*Instance, error)

	// GetSteps returns the instance's step records ordered by ordinal.
	GetSteps(ctx context.Context, instanceID id.InstanceID) ([]*StepRecord, error)

	// GetTimeline returns timeline entries with Sequence > fromSeq,
	// ordered by sequence. Zero limit means no limit.
	GetTimeline(ctx context.Context, instanceID id.InstanceID, fromSeq int64, limit int) ([]*TimelineEntry, error)

	// DueInstances returns non-paused, non-terminal instances whose
	// next due time is at or before now: created instances, elapsed
	// retry delays, reached wake times, expired wait deadlines, and
	// waiting instances with a pending matching event.
	DueInstances(ctx context.Context, now time.Time, limit int) ([]*Instance, error)

	// CommitTick atomically applies all writes from one tick under the
	// optimistic concurrency check described on TickCommit.
	CommitTick(ctx context.Context, commit *TickCommit) error
}
