package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/loomworks/loom"
	"github.com/loomworks/loom/event"
	"github.com/loomworks/loom/id"
	"github.com/loomworks/loom/workflow"
)

// Ensure Store implements store.Store at compile time.
// We can't import store here (import cycle), so we verify each subsystem.
var (
	_ workflow.Store = (*Store)(nil)
	_ event.Store    = (*Store)(nil)
	_ loom.Storer    = (*Store)(nil)
)

// Store is a fully in-memory implementation of store.Store.
// Safe for concurrent access. Intended for unit testing and development.
type Store struct {
	mu     sync.RWMutex
	closed bool

	instances map[string]*workflow.Instance
	steps     map[string]map[string]*workflow.StepRecord // instanceID -> step name -> record
	timeline  map[string][]*workflow.TimelineEntry       // instanceID -> entries, sequence order
	events    map[string][]*event.Event                  // instanceID -> events, append order
}

// New returns a new empty Store.
func New() *Store {
	return &Store{
		instances: make(map[string]*workflow.Instance),
		steps:     make(map[string]map[string]*workflow.StepRecord),
		timeline:  make(map[string][]*workflow.TimelineEntry),
		events:    make(map[string][]*event.Event),
	}
}

// ──────────────────────────────────────────────────
// Lifecycle — Migrate / Ping / Close
// ──────────────────────────────────────────────────

// Migrate is a no-op for the memory store.
func (m *Store) Migrate(_ context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return loom.ErrStoreClosed
	}
	return nil
}

// Ping succeeds while the store is open.
func (m *Store) Ping(_ context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return loom.ErrStoreClosed
	}
	return nil
}

// Close marks the store closed. All subsequent operations return
// loom.ErrStoreClosed. Safe to call more than once.
func (m *Store) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// ──────────────────────────────────────────────────
// Workflow Store
// ──────────────────────────────────────────────────

// CreateInstance persists a new instance with its first timeline entry.
func (m *Store) CreateInstance(_ context.Context, inst *workflow.Instance, first *workflow.TimelineEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return loom.ErrStoreClosed
	}
	key := inst.ID.String()
	if _, exists := m.instances[key]; exists {
		return loom.ErrInstanceExists
	}

	cp := *inst
	m.instances[key] = &cp
	if first != nil {
		ecp := *first
		m.timeline[key] = append(m.timeline[key], &ecp)
	}
	return nil
}

// GetInstance retrieves an instance by ID.
func (m *Store) GetInstance(_ context.Context, instanceID id.InstanceID) (*workflow.Instance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, loom.ErrStoreClosed
	}
	inst, ok := m.instances[instanceID.String()]
	if !ok {
		return nil, loom.ErrInstanceNotFound
	}
	cp := *inst
	return &cp, nil
}

// ListInstances returns instances matching the given options.
func (m *Store) ListInstances(_ context.Context, opts workflow.ListOpts) ([]*workflow.Instance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, loom.ErrStoreClosed
	}
	result := make([]*workflow.Instance, 0, len(m.instances))
	for _, inst := range m.instances {
		if opts.Type != "" && inst.Type != opts.Type {
			continue
		}
		if opts.Status != "" && inst.DisplayStatus() != opts.Status {
			continue
		}
		cp := *inst
		result = append(result, &cp)
	}

	// Sort by CreatedAt for deterministic output.
	sort.Slice(result, func(i, k int) bool {
		return result[i].CreatedAt.Before(result[k].CreatedAt)
	})

	// Apply offset / limit.
	if opts.Offset > 0 {
		if opts.Offset >= len(result) {
			return nil, nil
		}
		result = result[opts.Offset:]
	}
	if opts.Limit > 0 && len(result) > opts.Limit {
		result = result[:opts.Limit]
	}

	return result, nil
}

// GetSteps returns the instance's step records ordered by ordinal.
func (m *Store) GetSteps(_ context.Context, instanceID id.InstanceID) ([]*workflow.StepRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, loom.ErrStoreClosed
	}
	byName := m.steps[instanceID.String()]
	result := make([]*workflow.StepRecord, 0, len(byName))
	for _, rec := range byName {
		cp := *rec
		result = append(result, &cp)
	}

	sort.Slice(result, func(i, k int) bool {
		return result[i].Ordinal < result[k].Ordinal
	})

	return result, nil
}

// GetTimeline returns timeline entries with Sequence > fromSeq, ordered
// by sequence.
func (m *Store) GetTimeline(_ context.Context, instanceID id.InstanceID, fromSeq int64, limit int) ([]*workflow.TimelineEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, loom.ErrStoreClosed
	}
	var result []*workflow.TimelineEntry
	for _, entry := range m.timeline[instanceID.String()] {
		if entry.Sequence <= fromSeq {
			continue
		}
		cp := *entry
		result = append(result, &cp)
	}

	sort.Slice(result, func(i, k int) bool {
		return result[i].Sequence < result[k].Sequence
	})

	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}

	return result, nil
}

// DueInstances returns instances due for a tick at the given time:
// created instances, elapsed retry delays, reached wake times, expired
// wait deadlines, and waiting instances with a pending matching event.
func (m *Store) DueInstances(_ context.Context, now time.Time, limit int) ([]*workflow.Instance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, loom.ErrStoreClosed
	}
	var result []*workflow.Instance
	for _, inst := range m.instances {
		if inst.Paused || inst.Status.Terminal() {
			continue
		}
		due := inst.Resumable(now)
		if !due && inst.Status == workflow.StatusWaiting && inst.WaitEvent != "" {
			due = m.pendingEventLocked(inst.ID, inst.WaitEvent) != nil
		}
		if !due {
			continue
		}
		cp := *inst
		result = append(result, &cp)
	}

	// Oldest due first.
	sort.Slice(result, func(i, k int) bool {
		di, dk := result[i].DueAt(), result[k].DueAt()
		switch {
		case di == nil:
			return false
		case dk == nil:
			return true
		default:
			return di.Before(*dk)
		}
	})

	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}

	return result, nil
}

// CommitTick atomically applies all writes from one tick under the
// optimistic version check.
func (m *Store) CommitTick(_ context.Context, commit *workflow.TickCommit) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return loom.ErrStoreClosed
	}
	key := commit.Instance.ID.String()
	stored, ok := m.instances[key]
	if !ok {
		return loom.ErrInstanceNotFound
	}
	if stored.Version != commit.ExpectedVersion {
		return loom.ErrVersionConflict
	}

	cp := *commit.Instance
	cp.Version = commit.ExpectedVersion + 1
	cp.UpdatedAt = time.Now().UTC()
	m.instances[key] = &cp

	if m.steps[key] == nil && len(commit.Steps) > 0 {
		m.steps[key] = make(map[string]*workflow.StepRecord, len(commit.Steps))
	}
	for _, rec := range commit.Steps {
		rcp := *rec
		m.steps[key][rec.Name] = &rcp
	}

	for _, entry := range commit.Timeline {
		ecp := *entry
		m.timeline[key] = append(m.timeline[key], &ecp)
	}

	for _, eventID := range commit.AckEvents {
		for _, evt := range m.events[key] {
			if evt.ID == eventID {
				evt.Consumed = true
			}
		}
	}

	return nil
}

// ──────────────────────────────────────────────────
// Event Store
// ──────────────────────────────────────────────────

// AppendEvent persists a new event for an instance.
func (m *Store) AppendEvent(_ context.Context, evt *event.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return loom.ErrStoreClosed
	}
	key := evt.InstanceID.String()
	cp := *evt
	m.events[key] = append(m.events[key], &cp)
	return nil
}

// NextPending returns the oldest unconsumed event for the given
// instance and name, or nil if none is pending.
func (m *Store) NextPending(_ context.Context, instanceID id.InstanceID, name string) (*event.Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, loom.ErrStoreClosed
	}
	evt := m.pendingEventLocked(instanceID, name)
	if evt == nil {
		return nil, nil
	}
	cp := *evt
	return &cp, nil
}

// ListEvents returns all events for an instance, oldest first.
func (m *Store) ListEvents(_ context.Context, instanceID id.InstanceID) ([]*event.Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, loom.ErrStoreClosed
	}
	stored := m.events[instanceID.String()]
	result := make([]*event.Event, 0, len(stored))
	for _, evt := range stored {
		cp := *evt
		result = append(result, &cp)
	}
	return result, nil
}

// pendingEventLocked finds the oldest unconsumed matching event.
// Events are kept in append order, so the first match is the oldest.
// Caller must hold at least a read lock.
func (m *Store) pendingEventLocked(instanceID id.InstanceID, name string) *event.Event {
	for _, evt := range m.events[instanceID.String()] {
		if evt.Name == name && !evt.Consumed {
			return evt
		}
	}
	return nil
}
