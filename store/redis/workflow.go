package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/loomworks/loom"
	"github.com/loomworks/loom/id"
	"github.com/loomworks/loom/workflow"
)

// commitTickScript applies one tick's writes atomically. KEYS[1] is the
// instance key, KEYS[2] the step hash, KEYS[3] the timeline sorted set.
// ARGV[1] is the expected version, ARGV[2] the updated instance JSON;
// the rest is length-prefixed: step (name, json) pairs, timeline
// (score, json) pairs, then ack event keys.
var commitTickScript = goredis.NewScript(`
local cur = redis.call('GET', KEYS[1])
if not cur then
  return 'notfound'
end
local stored = cjson.decode(cur)
if tostring(stored.version) ~= ARGV[1] then
  return 'conflict'
end
redis.call('SET', KEYS[1], ARGV[2])
local i = 3
local nsteps = tonumber(ARGV[i]); i = i + 1
for s = 1, nsteps do
  redis.call('HSET', KEYS[2], ARGV[i], ARGV[i+1])
  i = i + 2
end
local nentries = tonumber(ARGV[i]); i = i + 1
for e = 1, nentries do
  redis.call('ZADD', KEYS[3], tonumber(ARGV[i]), ARGV[i+1])
  i = i + 2
end
local nacks = tonumber(ARGV[i]); i = i + 1
for a = 1, nacks do
  local raw = redis.call('GET', ARGV[i])
  if raw then
    local evt = cjson.decode(raw)
    evt.consumed = true
    redis.call('SET', ARGV[i], cjson.encode(evt))
  end
  i = i + 1
end
return 'ok'
`)

// CreateInstance persists a new instance and its first timeline entry.
func (s *Store) CreateInstance(ctx context.Context, inst *workflow.Instance, first *workflow.TimelineEntry) error {
	instID := inst.ID.String()
	key := instanceKey(instID)

	exists, err := s.client.Exists(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("loom/redis: create instance exists: %w", err)
	}
	if exists > 0 {
		return loom.ErrInstanceExists
	}

	data, err := json.Marshal(inst)
	if err != nil {
		return fmt.Errorf("loom/redis: encode instance: %w", err)
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, key, data, 0)
	pipe.SAdd(ctx, instanceIDsKey, instID)
	if first != nil {
		entryJSON, marshalErr := json.Marshal(first)
		if marshalErr != nil {
			return fmt.Errorf("loom/redis: encode timeline entry: %w", marshalErr)
		}
		pipe.ZAdd(ctx, timelineKey(instID), goredis.Z{
			Score:  float64(first.Sequence),
			Member: string(entryJSON),
		})
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("loom/redis: create instance: %w", err)
	}
	return nil
}

// GetInstance retrieves an instance by ID.
func (s *Store) GetInstance(ctx context.Context, instanceID id.InstanceID) (*workflow.Instance, error) {
	data, err := s.client.Get(ctx, instanceKey(instanceID.String())).Result()
	if err != nil {
		if err == goredis.Nil {
			return nil, loom.ErrInstanceNotFound
		}
		return nil, fmt.Errorf("loom/redis: get instance: %w", err)
	}

	var inst workflow.Instance
	if err := json.Unmarshal([]byte(data), &inst); err != nil {
		return nil, fmt.Errorf("loom/redis: decode instance: %w", err)
	}
	return &inst, nil
}

// ListInstances returns instances matching the given options, ordered
// by creation time. The status filter matches the display status.
func (s *Store) ListInstances(ctx context.Context, opts workflow.ListOpts) ([]*workflow.Instance, error) {
	ids, err := s.client.SMembers(ctx, instanceIDsKey).Result()
	if err != nil {
		return nil, fmt.Errorf("loom/redis: list instances smembers: %w", err)
	}

	var instances []*workflow.Instance
	for _, instID := range ids {
		data, getErr := s.client.Get(ctx, instanceKey(instID)).Result()
		if getErr != nil {
			continue
		}
		var inst workflow.Instance
		if json.Unmarshal([]byte(data), &inst) != nil {
			continue
		}
		if opts.Type != "" && inst.Type != opts.Type {
			continue
		}
		if opts.Status != "" && inst.DisplayStatus() != opts.Status {
			continue
		}
		instances = append(instances, &inst)
	}

	sort.Slice(instances, func(i, j int) bool {
		if instances[i].CreatedAt.Equal(instances[j].CreatedAt) {
			return instances[i].ID.String() < instances[j].ID.String()
		}
		return instances[i].CreatedAt.Before(instances[j].CreatedAt)
	})

	if opts.Offset > 0 {
		if opts.Offset >= len(instances) {
			return nil, nil
		}
		instances = instances[opts.Offset:]
	}
	if opts.Limit > 0 && opts.Limit < len(instances) {
		instances = instances[:opts.Limit]
	}
	return instances, nil
}

// GetSteps returns the instance's step records ordered by ordinal.
func (s *Store) GetSteps(ctx context.Context, instanceID id.InstanceID) ([]*workflow.StepRecord, error) {
	vals, err := s.client.HGetAll(ctx, stepsKey(instanceID.String())).Result()
	if err != nil {
		return nil, fmt.Errorf("loom/redis: get steps: %w", err)
	}

	steps := make([]*workflow.StepRecord, 0, len(vals))
	for _, raw := range vals {
		var rec workflow.StepRecord
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			return nil, fmt.Errorf("loom/redis: decode step record: %w", err)
		}
		steps = append(steps, &rec)
	}

	sort.Slice(steps, func(i, j int) bool { return steps[i].Ordinal < steps[j].Ordinal })
	return steps, nil
}

// GetTimeline returns timeline entries with Sequence > fromSeq, ordered
// by sequence.
func (s *Store) GetTimeline(ctx context.Context, instanceID id.InstanceID, fromSeq int64, limit int) ([]*workflow.TimelineEntry, error) {
	rangeBy := &goredis.ZRangeBy{
		Min: "(" + strconv.FormatInt(fromSeq, 10),
		Max: "+inf",
	}
	if limit > 0 {
		rangeBy.Count = int64(limit)
	}

	raw, err := s.client.ZRangeByScore(ctx, timelineKey(instanceID.String()), rangeBy).Result()
	if err != nil {
		return nil, fmt.Errorf("loom/redis: get timeline: %w", err)
	}

	entries := make([]*workflow.TimelineEntry, 0, len(raw))
	for _, member := range raw {
		var entry workflow.TimelineEntry
		if err := json.Unmarshal([]byte(member), &entry); err != nil {
			return nil, fmt.Errorf("loom/redis: decode timeline entry: %w", err)
		}
		entries = append(entries, &entry)
	}
	return entries, nil
}

// DueInstances returns non-paused, non-terminal instances due for a
// tick at now, ordered by due time.
func (s *Store) DueInstances(ctx context.Context, now time.Time, limit int) ([]*workflow.Instance, error) {
	ids, err := s.client.SMembers(ctx, instanceIDsKey).Result()
	if err != nil {
		return nil, fmt.Errorf("loom/redis: due instances smembers: %w", err)
	}

	var due []*workflow.Instance
	for _, instID := range ids {
		data, getErr := s.client.Get(ctx, instanceKey(instID)).Result()
		if getErr != nil {
			continue
		}
		var inst workflow.Instance
		if json.Unmarshal([]byte(data), &inst) != nil {
			continue
		}
		if inst.Paused || inst.Status.Terminal() {
			continue
		}

		ready := inst.Resumable(now)
		if !ready && inst.Status == workflow.StatusWaiting && inst.WaitEvent != "" {
			pending, pendErr := s.NextPending(ctx, inst.ID, inst.WaitEvent)
			if pendErr != nil {
				return nil, pendErr
			}
			ready = pending != nil
		}
		if ready {
			due = append(due, &inst)
		}
	}

	// Earliest due first; externally woken instances sort last.
	sort.Slice(due, func(i, j int) bool {
		di, dj := due[i].DueAt(), due[j].DueAt()
		switch {
		case di == nil:
			return false
		case dj == nil:
			return true
		default:
			return di.Before(*dj)
		}
	})

	if limit > 0 && limit < len(due) {
		due = due[:limit]
	}
	return due, nil
}

// CommitTick atomically applies all writes from one tick via a Lua
// script, guarded by the expected version.
func (s *Store) CommitTick(ctx context.Context, commit *workflow.TickCommit) error {
	instID := commit.Instance.ID.String()

	updated := *commit.Instance
	updated.Version = commit.ExpectedVersion + 1
	updated.UpdatedAt = time.Now().UTC()
	instJSON, err := json.Marshal(&updated)
	if err != nil {
		return fmt.Errorf("loom/redis: encode instance: %w", err)
	}

	args := []any{
		strconv.FormatInt(commit.ExpectedVersion, 10),
		string(instJSON),
		strconv.Itoa(len(commit.Steps)),
	}
	for _, rec := range commit.Steps {
		stepJSON, marshalErr := json.Marshal(rec)
		if marshalErr != nil {
			return fmt.Errorf("loom/redis: encode step record: %w", marshalErr)
		}
		args = append(args, rec.Name, string(stepJSON))
	}
	args = append(args, strconv.Itoa(len(commit.Timeline)))
	for _, entry := range commit.Timeline {
		entryJSON, marshalErr := json.Marshal(entry)
		if marshalErr != nil {
			return fmt.Errorf("loom/redis: encode timeline entry: %w", marshalErr)
		}
		args = append(args, strconv.FormatInt(entry.Sequence, 10), string(entryJSON))
	}
	args = append(args, strconv.Itoa(len(commit.AckEvents)))
	for _, eventID := range commit.AckEvents {
		args = append(args, eventKey(eventID.String()))
	}

	keys := []string{instanceKey(instID), stepsKey(instID), timelineKey(instID)}
	res, err := commitTickScript.Run(ctx, s.client, keys, args...).Text()
	if err != nil {
		return fmt.Errorf("loom/redis: commit tick: %w", err)
	}
	switch res {
	case "ok":
		return nil
	case "conflict":
		return loom.ErrVersionConflict
	case "notfound":
		return loom.ErrInstanceNotFound
	default:
		return fmt.Errorf("loom/redis: commit tick: unexpected result %q", res)
	}
}
