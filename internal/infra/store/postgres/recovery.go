package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"foreman/internal/domain/recovery"
	"foreman/internal/domain/storage"
	"foreman/internal/domain/task"
	"foreman/internal/infra/store/sqlq"
)

const dlqColumns = `id, original_task_id, task_snapshot, failure_reason, status, retry_count,
    last_failure_at, resolution_notes, resolved_by, resolved_at, created_at, updated_at`

const escalationColumns = `id, task_id, reason, level, status, created_at, escalated_at, timeout_at,
    resolved_at, resolved_by, resolution`

// Quarantine upserts the DLQ entry and writes the task in one transaction.
func (s *RecoveryStore) Quarantine(ctx context.Context, entry *recovery.DLQEntry, t *task.Task) error {
	if len(entry.TaskSnapshot) == 0 {
		return fmt.Errorf("dlq entry %s requires a task snapshot", entry.ID)
	}
	now := s.db.now()
	return s.db.withTx(ctx, func(tx pgx.Tx) error {
		row := tx.QueryRow(ctx,
			`INSERT INTO `+dlqTable+` (id, original_task_id, task_snapshot, failure_reason, status,
				retry_count, last_failure_at, created_at, updated_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $8)
			 ON CONFLICT (id) DO UPDATE SET
				failure_reason = EXCLUDED.failure_reason,
				status = EXCLUDED.status,
				retry_count = EXCLUDED.retry_count,
				last_failure_at = EXCLUDED.last_failure_at,
				updated_at = EXCLUDED.updated_at
			 RETURNING `+dlqColumns,
			entry.ID, entry.TaskID, []byte(entry.TaskSnapshot), entry.FailureReason, string(entry.Status),
			entry.RetryCount, entry.LastFailureAt, now,
		)
		got, err := scanDLQ(row)
		if err != nil {
			return fmt.Errorf("upsert dlq entry %s: %w", entry.ID, err)
		}
		if err := s.db.updateTask(ctx, tx, t); err != nil {
			return err
		}
		*entry = *got
		return nil
	})
}

// GetDLQEntry retrieves an entry by ID.
func (s *RecoveryStore) GetDLQEntry(ctx context.Context, id string) (*recovery.DLQEntry, error) {
	row := s.db.pool.QueryRow(ctx, `SELECT `+dlqColumns+` FROM `+dlqTable+` WHERE id = $1`, id)
	e, err := scanDLQ(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("dlq entry %s: %w", id, storage.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get dlq entry %s: %w", id, err)
	}
	return e, nil
}

// FindDLQEntryByTask returns the most recent entry for a task.
func (s *RecoveryStore) FindDLQEntryByTask(ctx context.Context, taskID string) (*recovery.DLQEntry, error) {
	row := s.db.pool.QueryRow(ctx,
		`SELECT `+dlqColumns+` FROM `+dlqTable+` WHERE original_task_id = $1 ORDER BY created_at DESC LIMIT 1`,
		taskID,
	)
	e, err := scanDLQ(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("dlq entry for task %s: %w", taskID, storage.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("find dlq entry for task %s: %w", taskID, err)
	}
	return e, nil
}

// ListDLQ returns entries newest first.
func (s *RecoveryStore) ListDLQ(ctx context.Context, f recovery.DLQFilter) ([]*recovery.DLQEntry, error) {
	q := sqlq.Select(dlqTable, dlqColumns)
	if len(f.Statuses) > 0 {
		statuses := make([]string, len(f.Statuses))
		for i, st := range f.Statuses {
			statuses[i] = string(st)
		}
		sqlq.In(q, "status", statuses)
	}
	if f.TaskID != "" {
		q.Where("original_task_id = ?", f.TaskID)
	}
	sql, args := q.OrderBy("created_at DESC", "id ASC").Limit(f.Limit).Build()
	rows, err := s.db.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("list dlq: %w", err)
	}
	defer rows.Close()

	var out []*recovery.DLQEntry
	for rows.Next() {
		e, err := scanDLQ(rows)
		if err != nil {
			return out, fmt.Errorf("scan dlq entry: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// TransitionDLQ moves an entry out of status from, writing t alongside.
func (s *RecoveryStore) TransitionDLQ(ctx context.Context, entry *recovery.DLQEntry, from recovery.DLQStatus, t *task.Task) error {
	now := s.db.now()
	return s.db.withTx(ctx, func(tx pgx.Tx) error {
		sql, args := sqlq.Update(dlqTable).
			Set("status", string(entry.Status)).
			Set("retry_count", entry.RetryCount).
			Set("failure_reason", entry.FailureReason).
			Set("last_failure_at", entry.LastFailureAt).
			Set("resolution_notes", entry.ResolutionNotes).
			Set("resolved_by", entry.ResolvedBy).
			Set("resolved_at", entry.ResolvedAt).
			Set("updated_at", now).
			Where("id = ?", entry.ID).
			Where("status = ?", string(from)).
			Build()
		tag, err := tx.Exec(ctx, sql, args...)
		if err != nil {
			return fmt.Errorf("transition dlq entry %s: %w", entry.ID, err)
		}
		if tag.RowsAffected() == 0 {
			return missingOrStale(ctx, tx, dlqTable, "id", entry.ID)
		}
		if t != nil {
			if err := s.db.updateTask(ctx, tx, t); err != nil {
				return err
			}
		}
		entry.UpdatedAt = now
		return nil
	})
}

// CreateEscalation inserts e; an open duplicate yields storage.ErrDuplicate.
func (s *RecoveryStore) CreateEscalation(ctx context.Context, e *recovery.Escalation) error {
	now := s.db.now()
	if e.CreatedAt.IsZero() {
		e.CreatedAt = now
	}
	if e.EscalatedAt.IsZero() {
		e.EscalatedAt = e.CreatedAt
	}
	tag, err := s.db.pool.Exec(ctx,
		`INSERT INTO `+escalationsTable+` (id, task_id, reason, level, status, created_at, escalated_at, timeout_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 ON CONFLICT DO NOTHING`,
		e.ID, e.TaskID, e.Reason, string(e.Level), string(e.Status), e.CreatedAt, e.EscalatedAt, e.TimeoutAt,
	)
	if err != nil {
		return fmt.Errorf("insert escalation for %s: %w", e.TaskID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("open escalation for %s (%s): %w", e.TaskID, e.Reason, storage.ErrDuplicate)
	}
	return nil
}

// GetEscalation retrieves an escalation by ID.
func (s *RecoveryStore) GetEscalation(ctx context.Context, id string) (*recovery.Escalation, error) {
	row := s.db.pool.QueryRow(ctx, `SELECT `+escalationColumns+` FROM `+escalationsTable+` WHERE id = $1`, id)
	e, err := scanEscalation(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("escalation %s: %w", id, storage.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get escalation %s: %w", id, err)
	}
	return e, nil
}

// ListEscalations returns escalations oldest first.
func (s *RecoveryStore) ListEscalations(ctx context.Context, f recovery.EscalationFilter) ([]*recovery.Escalation, error) {
	q := sqlq.Select(escalationsTable, escalationColumns)
	if len(f.Statuses) > 0 {
		statuses := make([]string, len(f.Statuses))
		for i, st := range f.Statuses {
			statuses[i] = string(st)
		}
		sqlq.In(q, "status", statuses)
	}
	if f.TaskID != "" {
		q.Where("task_id = ?", f.TaskID)
	}
	if !f.DueBefore.IsZero() {
		q.Where("timeout_at <= ?", f.DueBefore)
	}
	sql, args := q.OrderBy("created_at ASC", "id ASC").Limit(f.Limit).Build()
	rows, err := s.db.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("list escalations: %w", err)
	}
	defer rows.Close()

	var out []*recovery.Escalation
	for rows.Next() {
		e, err := scanEscalation(rows)
		if err != nil {
			return out, fmt.Errorf("scan escalation: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// UpdateEscalation writes e guarded on its prior status and level.
func (s *RecoveryStore) UpdateEscalation(ctx context.Context, e *recovery.Escalation, fromStatus recovery.EscalationStatus, fromLevel recovery.EscalationLevel) error {
	sql, args := sqlq.Update(escalationsTable).
		Set("status", string(e.Status)).
		Set("level", string(e.Level)).
		Set("escalated_at", e.EscalatedAt).
		Set("timeout_at", e.TimeoutAt).
		Set("resolved_at", e.ResolvedAt).
		Set("resolved_by", e.ResolvedBy).
		Set("resolution", e.Resolution).
		Where("id = ?", e.ID).
		Where("status = ?", string(fromStatus)).
		Where("level = ?", string(fromLevel)).
		Build()
	tag, err := s.db.pool.Exec(ctx, sql, args...)
	if err != nil {
		return fmt.Errorf("update escalation %s: %w", e.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return missingOrStale(ctx, s.db.pool, escalationsTable, "id", e.ID)
	}
	return nil
}

func scanDLQ(row pgx.Row) (*recovery.DLQEntry, error) {
	var (
		e        recovery.DLQEntry
		status   string
		snapshot []byte
	)
	if err := row.Scan(
		&e.ID, &e.TaskID, &snapshot, &e.FailureReason, &status, &e.RetryCount,
		&e.LastFailureAt, &e.ResolutionNotes, &e.ResolvedBy, &e.ResolvedAt, &e.CreatedAt, &e.UpdatedAt,
	); err != nil {
		return nil, err
	}
	e.Status = recovery.DLQStatus(status)
	e.TaskSnapshot = snapshot
	return &e, nil
}

func scanEscalation(row pgx.Row) (*recovery.Escalation, error) {
	var (
		e             recovery.Escalation
		level, status string
	)
	if err := row.Scan(
		&e.ID, &e.TaskID, &e.Reason, &level, &status, &e.CreatedAt, &e.EscalatedAt, &e.TimeoutAt,
		&e.ResolvedAt, &e.ResolvedBy, &e.Resolution,
	); err != nil {
		return nil, err
	}
	e.Level = recovery.EscalationLevel(level)
	e.Status = recovery.EscalationStatus(status)
	return &e, nil
}
