package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/loomworks/loom"
	"github.com/loomworks/loom/id"
	"github.com/loomworks/loom/workflow"
)

// CreateInstance persists a new instance and its first timeline entry
// in one transaction.
func (s *Store) CreateInstance(ctx context.Context, inst *workflow.Instance, first *workflow.TimelineEntry) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("loom/postgres: begin create instance: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // rollback after commit is a no-op

	_, err = tx.Exec(ctx, `
		INSERT INTO loom_instances (
			id, type, status, payload, result, error, error_stack, paused,
			retry_at, wake_at, wait_event, wait_deadline, last_sequence,
			started_at, completed_at, version, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)`,
		inst.ID.String(), inst.Type, string(inst.Status), inst.Payload, inst.Result,
		inst.Error, inst.ErrorStack, inst.Paused,
		inst.RetryAt, inst.WakeAt, inst.WaitEvent, inst.WaitDeadline, inst.LastSequence,
		inst.StartedAt, inst.CompletedAt, inst.Version, inst.CreatedAt, inst.UpdatedAt,
	)
	if err != nil {
		if isDuplicateKey(err) {
			return loom.ErrInstanceExists
		}
		return fmt.Errorf("loom/postgres: create instance: %w", err)
	}

	if first != nil {
		if err := insertTimelineEntry(ctx, tx, first); err != nil {
			return err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("loom/postgres: commit create instance: %w", err)
	}
	return nil
}

// GetInstance retrieves an instance by ID.
func (s *Store) GetInstance(ctx context.Context, instanceID id.InstanceID) (*workflow.Instance, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+instanceColumns+` FROM loom_instances WHERE id = $1`,
		instanceID.String(),
	)
	inst, err := scanInstance(row)
	if err != nil {
		if isNoRows(err) {
			return nil, loom.ErrInstanceNotFound
		}
		return nil, fmt.Errorf("loom/postgres: get instance: %w", err)
	}
	return inst, nil
}

// ListInstances returns instances matching the given options, ordered
// by creation time. The status filter matches the display status, so
// filtering for "paused" finds paused instances regardless of their
// stored status, and filtering for a live status excludes them.
func (s *Store) ListInstances(ctx context.Context, opts workflow.ListOpts) ([]*workflow.Instance, error) {
	query := `SELECT ` + instanceColumns + ` FROM loom_instances WHERE 1=1`
	args := []any{}

	if opts.Type != "" {
		args = append(args, opts.Type)
		query += fmt.Sprintf(` AND type = $%d`, len(args))
	}
	switch {
	case opts.Status == workflow.StatusPaused:
		query += ` AND paused = TRUE AND status NOT IN ('completed', 'errored', 'terminated')`
	case opts.Status != "":
		args = append(args, string(opts.Status))
		query += fmt.Sprintf(` AND status = $%d`, len(args))
		if !opts.Status.Terminal() {
			query += ` AND paused = FALSE`
		}
	}

	query += ` ORDER BY created_at ASC`
	if opts.Limit > 0 {
		args = append(args, opts.Limit)
		query += fmt.Sprintf(` LIMIT $%d`, len(args))
	}
	if opts.Offset > 0 {
		args = append(args, opts.Offset)
		query += fmt.Sprintf(` OFFSET $%d`, len(args))
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("loom/postgres: list instances: %w", err)
	}
	defer rows.Close()

	var instances []*workflow.Instance
	for rows.Next() {
		inst, scanErr := scanInstance(rows)
		if scanErr != nil {
			return nil, fmt.Errorf("loom/postgres: list instances scan: %w", scanErr)
		}
		instances = append(instances, inst)
	}
	return instances, rows.Err()
}

// GetSteps returns the instance's step records ordered by ordinal.
func (s *Store) GetSteps(ctx context.Context, instanceID id.InstanceID) ([]*workflow.StepRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+stepColumns+` FROM loom_steps WHERE instance_id = $1 ORDER BY ordinal ASC`,
		instanceID.String(),
	)
	if err != nil {
		return nil, fmt.Errorf("loom/postgres: get steps: %w", err)
	}
	defer rows.Close()

	var steps []*workflow.StepRecord
	for rows.Next() {
		rec, scanErr := scanStep(rows)
		if scanErr != nil {
			return nil, fmt.Errorf("loom/postgres: get steps scan: %w", scanErr)
		}
		steps = append(steps, rec)
	}
	return steps, rows.Err()
}

// GetTimeline returns timeline entries with Sequence > fromSeq, ordered
// by sequence.
func (s *Store) GetTimeline(ctx context.Context, instanceID id.InstanceID, fromSeq int64, limit int) ([]*workflow.TimelineEntry, error) {
	query := `SELECT ` + timelineColumns + ` FROM loom_timeline
		WHERE instance_id = $1 AND sequence > $2 ORDER BY sequence ASC`
	args := []any{instanceID.String(), fromSeq}
	if limit > 0 {
		args = append(args, limit)
		query += fmt.Sprintf(` LIMIT $%d`, len(args))
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("loom/postgres: get timeline: %w", err)
	}
	defer rows.Close()

	var entries []*workflow.TimelineEntry
	for rows.Next() {
		entry, scanErr := scanTimelineEntry(rows)
		if scanErr != nil {
			return nil, fmt.Errorf("loom/postgres: get timeline scan: %w", scanErr)
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

// DueInstances returns non-paused, non-terminal instances due for a
// tick at now, ordered by due time: created instances, elapsed retry
// delays, reached wake times, expired wait deadlines, and waiting
// instances with a pending matching event.
func (s *Store) DueInstances(ctx context.Context, now time.Time, limit int) ([]*workflow.Instance, error) {
	query := `SELECT ` + instanceColumns + ` FROM loom_instances i
		WHERE i.paused = FALSE
		  AND i.status NOT IN ('completed', 'errored', 'terminated')
		  AND (
			i.status = 'created'
			OR (i.status = 'running' AND (i.retry_at IS NULL OR i.retry_at <= $1))
			OR (i.status = 'sleeping' AND i.wake_at IS NOT NULL AND i.wake_at <= $1)
			OR (i.status = 'waiting' AND i.wait_deadline IS NOT NULL AND i.wait_deadline <= $1)
			OR (i.status = 'waiting' AND EXISTS (
				SELECT 1 FROM loom_events e
				WHERE e.instance_id = i.id AND e.name = i.wait_event AND e.consumed = FALSE
			))
		  )
		ORDER BY COALESCE(i.retry_at, i.wake_at, i.wait_deadline, i.created_at) ASC`
	args := []any{now}
	if limit > 0 {
		args = append(args, limit)
		query += fmt.Sprintf(` LIMIT $%d`, len(args))
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("loom/postgres: due instances: %w", err)
	}
	defer rows.Close()

	var instances []*workflow.Instance
	for rows.Next() {
		inst, scanErr := scanInstance(rows)
		if scanErr != nil {
			return nil, fmt.Errorf("loom/postgres: due instances scan: %w", scanErr)
		}
		instances = append(instances, inst)
	}
	return instances, rows.Err()
}

// CommitTick atomically applies all writes from one tick. The instance
// update is guarded by the expected version; on mismatch nothing is
// written and loom.ErrVersionConflict is returned.
func (s *Store) CommitTick(ctx context.Context, commit *workflow.TickCommit) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("loom/postgres: begin tick commit: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // rollback after commit is a no-op

	inst := commit.Instance
	tag, err := tx.Exec(ctx, `
		UPDATE loom_instances SET
			status = $3, result = $4, error = $5, error_stack = $6, paused = $7,
			retry_at = $8, wake_at = $9, wait_event = $10, wait_deadline = $11,
			last_sequence = $12, started_at = $13, completed_at = $14,
			version = $2 + 1, updated_at = NOW()
		WHERE id = $1 AND version = $2`,
		inst.ID.String(), commit.ExpectedVersion,
		string(inst.Status), inst.Result, inst.Error, inst.ErrorStack, inst.Paused,
		inst.RetryAt, inst.WakeAt, inst.WaitEvent, inst.WaitDeadline,
		inst.LastSequence, inst.StartedAt, inst.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("loom/postgres: update instance: %w", err)
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if checkErr := tx.QueryRow(ctx,
			`SELECT EXISTS(SELECT 1 FROM loom_instances WHERE id = $1)`,
			inst.ID.String(),
		).Scan(&exists); checkErr != nil {
			return fmt.Errorf("loom/postgres: check instance: %w", checkErr)
		}
		if !exists {
			return loom.ErrInstanceNotFound
		}
		return loom.ErrVersionConflict
	}

	for _, rec := range commit.Steps {
		history, histErr := marshalRetryHistory(rec.RetryHistory)
		if histErr != nil {
			return fmt.Errorf("loom/postgres: encode retry history: %w", histErr)
		}
		_, err = tx.Exec(ctx, `
			INSERT INTO loom_steps (
				id, instance_id, name, ordinal, kind, status, attempts, result,
				last_error, error_stack, retry_history, wake_at, deadline,
				started_at, completed_at
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
			ON CONFLICT (instance_id, name) DO UPDATE SET
				status = EXCLUDED.status,
				attempts = EXCLUDED.attempts,
				result = EXCLUDED.result,
				last_error = EXCLUDED.last_error,
				error_stack = EXCLUDED.error_stack,
				retry_history = EXCLUDED.retry_history,
				wake_at = EXCLUDED.wake_at,
				deadline = EXCLUDED.deadline,
				started_at = EXCLUDED.started_at,
				completed_at = EXCLUDED.completed_at`,
			rec.ID.String(), rec.InstanceID.String(), rec.Name, rec.Ordinal,
			string(rec.Kind), string(rec.Status), rec.Attempts, rec.Result,
			rec.LastError, rec.ErrorStack, history, rec.WakeAt, rec.Deadline,
			rec.StartedAt, rec.CompletedAt,
		)
		if err != nil {
			return fmt.Errorf("loom/postgres: upsert step %q: %w", rec.Name, err)
		}
	}

	for _, entry := range commit.Timeline {
		if err := insertTimelineEntry(ctx, tx, entry); err != nil {
			return err
		}
	}

	if len(commit.AckEvents) > 0 {
		ids := make([]string, len(commit.AckEvents))
		for i, eventID := range commit.AckEvents {
			ids[i] = eventID.String()
		}
		_, err = tx.Exec(ctx,
			`UPDATE loom_events SET consumed = TRUE WHERE id = ANY($1)`,
			ids,
		)
		if err != nil {
			return fmt.Errorf("loom/postgres: ack events: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("loom/postgres: commit tick: %w", err)
	}
	return nil
}

// insertTimelineEntry appends one timeline entry inside a transaction.
func insertTimelineEntry(ctx context.Context, tx executor, entry *workflow.TimelineEntry) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO loom_timeline (id, instance_id, sequence, kind, payload, timestamp)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		entry.ID.String(), entry.InstanceID.String(), entry.Sequence,
		string(entry.Kind), []byte(entry.Payload), entry.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("loom/postgres: insert timeline entry: %w", err)
	}
	return nil
}
