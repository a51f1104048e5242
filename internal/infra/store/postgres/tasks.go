package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"foreman/internal/domain/storage"
	"foreman/internal/domain/task"
	"foreman/internal/infra/store/sqlq"
)

const taskColumns = `id, title, description, task_type, status, stage, priority, assigned_worker,
    required_capabilities, preferred_worker, verification_chain, current_gate, gate_evidence,
    plan, metadata, completion_evidence, failure_count, moved_to_dlq, dlq_entry_id, revision,
    created_at, updated_at, started_at, completed_at, reported_at`

// Create persists a new task at revision 1.
func (s *TaskStore) Create(ctx context.Context, t *task.Task) error {
	if err := t.Validate(); err != nil {
		return err
	}
	now := s.db.now()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	t.UpdatedAt = now
	t.Revision = 1

	cols, err := encodeTask(t)
	if err != nil {
		return err
	}
	_, err = s.db.pool.Exec(ctx,
		`INSERT INTO `+tasksTable+` (`+taskColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21, $22, $23, $24, $25)`,
		t.ID, t.Title, t.Description, t.TaskType, string(t.Status), string(t.Stage), t.Priority,
		nullString(t.AssignedWorker), cols.capabilities, t.PreferredWorker, cols.chain,
		nullString(t.CurrentGate), cols.evidence, cols.plan, cols.metadata, cols.completion,
		t.FailureCount, t.MovedToDLQ, nullString(t.DLQEntryID), t.Revision,
		t.CreatedAt, t.UpdatedAt, t.StartedAt, t.CompletedAt, t.ReportedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("task %s: %w", t.ID, storage.ErrDuplicate)
		}
		return fmt.Errorf("insert task %s: %w", t.ID, err)
	}
	return nil
}

// Get retrieves a task by ID.
func (s *TaskStore) Get(ctx context.Context, taskID string) (*task.Task, error) {
	row := s.db.pool.QueryRow(ctx, `SELECT `+taskColumns+` FROM `+tasksTable+` WHERE id = $1`, taskID)
	t, err := scanTask(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("task %s: %w", taskID, storage.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get task %s: %w", taskID, err)
	}
	return t, nil
}

// List returns tasks matching f, highest priority first then oldest.
func (s *TaskStore) List(ctx context.Context, f task.Filter) ([]*task.Task, error) {
	q := sqlq.Select(tasksTable, taskColumns)
	if len(f.Statuses) > 0 {
		sqlq.In(q, "status", statusStrings(f.Statuses))
	}
	if len(f.Stages) > 0 {
		sqlq.In(q, "stage", stageStrings(f.Stages))
	}
	if f.AssignedWorker != "" {
		q.Where("assigned_worker = ?", f.AssignedWorker)
	}
	if f.Unassigned {
		q.Where("assigned_worker IS NULL")
	}
	q.OrderBy("priority DESC", "created_at ASC", "id ASC").Limit(f.Limit).Offset(f.Offset)

	sql, args := q.Build()
	rows, err := s.db.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()
	return scanTasks(rows)
}

// Update writes t only if the stored revision still equals t.Revision.
func (s *TaskStore) Update(ctx context.Context, t *task.Task, opts ...task.UpdateOption) error {
	params := task.ApplyUpdateOptions(opts)
	if params.Transition == nil {
		return s.db.updateTask(ctx, s.db.pool, t)
	}
	return s.db.withTx(ctx, func(tx pgx.Tx) error {
		if err := s.db.updateTask(ctx, tx, t); err != nil {
			return err
		}
		return s.db.insertTransition(ctx, tx, *params.Transition)
	})
}

func (s *DB) updateTask(ctx context.Context, q querier, t *task.Task) error {
	if err := t.Validate(); err != nil {
		return err
	}
	cols, err := encodeTask(t)
	if err != nil {
		return err
	}
	now := s.now()
	sql, args := sqlq.Update(tasksTable).
		Set("title", t.Title).
		Set("description", t.Description).
		Set("task_type", t.TaskType).
		Set("status", string(t.Status)).
		Set("stage", string(t.Stage)).
		Set("priority", t.Priority).
		Set("assigned_worker", nullString(t.AssignedWorker)).
		Set("required_capabilities", cols.capabilities).
		Set("preferred_worker", t.PreferredWorker).
		Set("verification_chain", cols.chain).
		Set("current_gate", nullString(t.CurrentGate)).
		Set("gate_evidence", cols.evidence).
		Set("plan", cols.plan).
		Set("metadata", cols.metadata).
		Set("completion_evidence", cols.completion).
		Set("failure_count", t.FailureCount).
		Set("moved_to_dlq", t.MovedToDLQ).
		Set("dlq_entry_id", nullString(t.DLQEntryID)).
		Set("started_at", t.StartedAt).
		Set("completed_at", t.CompletedAt).
		Set("reported_at", t.ReportedAt).
		Set("updated_at", now).
		SetExpr("revision = revision + 1").
		Where("id = ?", t.ID).
		Where("revision = ?", t.Revision).
		Build()

	tag, err := q.Exec(ctx, sql, args...)
	if err != nil {
		return fmt.Errorf("update task %s: %w", t.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return missingOrStale(ctx, q, tasksTable, "id", t.ID)
	}
	t.Revision++
	t.UpdatedAt = now
	return nil
}

// Assign sets assigned_worker on a pending, unassigned task.
func (s *TaskStore) Assign(ctx context.Context, taskID, workerID string) (*task.Task, error) {
	now := s.db.now()
	row := s.db.pool.QueryRow(ctx,
		`UPDATE `+tasksTable+` SET
			assigned_worker = $1, status = $2, started_at = COALESCE(started_at, $3),
			reported_at = NULL, updated_at = $3, revision = revision + 1
		 WHERE id = $4 AND assigned_worker IS NULL AND status = $5 AND moved_to_dlq = FALSE
		 RETURNING `+taskColumns,
		workerID, string(task.StatusInProgress), now, taskID, string(task.StatusPending),
	)
	t, err := scanTask(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, missingOrStale(ctx, s.db.pool, tasksTable, "id", taskID)
	}
	if err != nil {
		return nil, fmt.Errorf("assign task %s: %w", taskID, err)
	}
	return t, nil
}

// Release clears the assignment held by workerID and returns the task to pending.
func (s *TaskStore) Release(ctx context.Context, taskID, workerID, note string) (*task.Task, error) {
	now := s.db.now()
	row := s.db.pool.QueryRow(ctx,
		`UPDATE `+tasksTable+` SET
			assigned_worker = NULL, reported_at = NULL, status = $1, updated_at = $2, revision = revision + 1,
			metadata = COALESCE(metadata, '{}'::jsonb) || jsonb_build_object('last_release', $3::text)
		 WHERE id = $4 AND assigned_worker = $5 AND status <> ALL($6)
		 RETURNING `+taskColumns,
		string(task.StatusPending), now, note, taskID, workerID,
		[]string{string(task.StatusCompleted), string(task.StatusCancelled)},
	)
	t, err := scanTask(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, missingOrStale(ctx, s.db.pool, tasksTable, "id", taskID)
	}
	if err != nil {
		return nil, fmt.Errorf("release task %s: %w", taskID, err)
	}
	return t, nil
}

// ClaimNextPending atomically claims the best pending task using FOR UPDATE SKIP LOCKED.
func (s *TaskStore) ClaimNextPending(ctx context.Context, workerID string, capabilities []string) (*task.Task, error) {
	caps, err := jsonArray(capabilities)
	if err != nil {
		return nil, err
	}
	now := s.db.now()
	row := s.db.pool.QueryRow(ctx,
		`UPDATE `+tasksTable+` SET
			assigned_worker = $1, status = $2, started_at = COALESCE(started_at, $3),
			reported_at = NULL, updated_at = $3, revision = revision + 1
		 WHERE id = (
			SELECT id FROM `+tasksTable+`
			WHERE status = $4 AND assigned_worker IS NULL AND moved_to_dlq = FALSE
			  AND required_capabilities <@ $5::jsonb
			  AND (preferred_worker = '' OR preferred_worker = $1)
			ORDER BY priority DESC, created_at ASC
			FOR UPDATE SKIP LOCKED
			LIMIT 1
		 )
		 RETURNING `+taskColumns,
		workerID, string(task.StatusInProgress), now, string(task.StatusPending), caps,
	)
	t, err := scanTask(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("no claimable task for %s: %w", workerID, storage.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("claim task for %s: %w", workerID, err)
	}
	return t, nil
}

// CountByStatus returns the number of tasks per status.
func (s *TaskStore) CountByStatus(ctx context.Context) (map[task.Status]int, error) {
	rows, err := s.db.pool.Query(ctx, `SELECT status, COUNT(*) FROM `+tasksTable+` GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count tasks by status: %w", err)
	}
	defer rows.Close()

	counts := make(map[task.Status]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan status count: %w", err)
		}
		counts[task.Status(status)] = n
	}
	return counts, rows.Err()
}

// AppendGateTransition writes an audit row outside of a task update.
func (s *TaskStore) AppendGateTransition(ctx context.Context, tr task.GateTransition) error {
	return s.db.insertTransition(ctx, s.db.pool, tr)
}

func (s *DB) insertTransition(ctx context.Context, q querier, tr task.GateTransition) error {
	evidence, err := jsonBytes(tr.Evidence)
	if err != nil {
		return fmt.Errorf("marshal transition evidence: %w", err)
	}
	if tr.TransitionedAt.IsZero() {
		tr.TransitionedAt = s.now()
	}
	_, err = q.Exec(ctx,
		`INSERT INTO `+transitionsTable+` (task_id, from_gate, to_gate, passed, reason, evidence, transitioned_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		tr.TaskID, tr.FromGate, tr.ToGate, tr.Passed, tr.Reason, evidence, tr.TransitionedAt,
	)
	if err != nil {
		return fmt.Errorf("insert gate transition for %s: %w", tr.TaskID, err)
	}
	return nil
}

// ListGateTransitions returns the audit trail for a task, oldest first.
func (s *TaskStore) ListGateTransitions(ctx context.Context, taskID string, limit int) ([]task.GateTransition, error) {
	sql, args := sqlq.Select(transitionsTable,
		"id", "task_id", "from_gate", "to_gate", "passed", "reason", "evidence", "transitioned_at").
		Where("task_id = ?", taskID).
		OrderBy("id ASC").
		Limit(limit).
		Build()
	rows, err := s.db.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("list gate transitions for %s: %w", taskID, err)
	}
	defer rows.Close()

	var out []task.GateTransition
	for rows.Next() {
		var tr task.GateTransition
		var evidence []byte
		if err := rows.Scan(&tr.ID, &tr.TaskID, &tr.FromGate, &tr.ToGate, &tr.Passed, &tr.Reason, &evidence, &tr.TransitionedAt); err != nil {
			return nil, fmt.Errorf("scan gate transition: %w", err)
		}
		if err := decodeJSON(evidence, &tr.Evidence); err != nil {
			return nil, fmt.Errorf("decode transition evidence %d: %w", tr.ID, err)
		}
		out = append(out, tr)
	}
	return out, rows.Err()
}

// CountGateFailures counts failed evaluations of gate for a task.
func (s *TaskStore) CountGateFailures(ctx context.Context, taskID, gate string) (int, error) {
	var n int
	err := s.db.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM `+transitionsTable+` WHERE task_id = $1 AND from_gate = $2 AND passed = FALSE`,
		taskID, gate,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count gate failures for %s: %w", taskID, err)
	}
	return n, nil
}

type encodedTask struct {
	capabilities []byte
	chain        []byte
	evidence     []byte
	plan         []byte
	metadata     []byte
	completion   []byte
}

func encodeTask(t *task.Task) (encodedTask, error) {
	var out encodedTask
	var err error
	if out.capabilities, err = jsonArray(t.RequiredCapabilities); err != nil {
		return out, fmt.Errorf("task %s capabilities: %w", t.ID, err)
	}
	chain := t.VerificationChain
	if chain == nil {
		chain = []task.Gate{}
	}
	if out.chain, err = json.Marshal(chain); err != nil {
		return out, fmt.Errorf("task %s verification chain: %w", t.ID, err)
	}
	if out.evidence, err = jsonMap(t.GateEvidence); err != nil {
		return out, fmt.Errorf("task %s gate evidence: %w", t.ID, err)
	}
	if t.Plan != nil {
		if out.plan, err = json.Marshal(t.Plan); err != nil {
			return out, fmt.Errorf("task %s plan: %w", t.ID, err)
		}
	}
	if out.metadata, err = jsonMap(t.Metadata); err != nil {
		return out, fmt.Errorf("task %s metadata: %w", t.ID, err)
	}
	if out.completion, err = jsonMap(t.CompletionEvidence); err != nil {
		return out, fmt.Errorf("task %s completion evidence: %w", t.ID, err)
	}
	return out, nil
}

func scanTask(row pgx.Row) (*task.Task, error) {
	var (
		t                                        task.Task
		status, stage                            string
		assigned, currentGate, dlqEntry          *string
		caps, chain, evidence, plan, meta, compl []byte
	)
	if err := row.Scan(
		&t.ID, &t.Title, &t.Description, &t.TaskType, &status, &stage, &t.Priority, &assigned,
		&caps, &t.PreferredWorker, &chain, &currentGate, &evidence,
		&plan, &meta, &compl, &t.FailureCount, &t.MovedToDLQ, &dlqEntry, &t.Revision,
		&t.CreatedAt, &t.UpdatedAt, &t.StartedAt, &t.CompletedAt, &t.ReportedAt,
	); err != nil {
		return nil, err
	}
	t.Status = task.Status(status)
	t.Stage = task.Stage(stage)
	t.AssignedWorker = derefString(assigned)
	t.CurrentGate = derefString(currentGate)
	t.DLQEntryID = derefString(dlqEntry)

	for _, field := range []struct {
		name string
		raw  []byte
		dest any
	}{
		{"required_capabilities", caps, &t.RequiredCapabilities},
		{"verification_chain", chain, &t.VerificationChain},
		{"gate_evidence", evidence, &t.GateEvidence},
		{"plan", plan, &t.Plan},
		{"metadata", meta, &t.Metadata},
		{"completion_evidence", compl, &t.CompletionEvidence},
	} {
		if err := decodeJSON(field.raw, field.dest); err != nil {
			return nil, fmt.Errorf("decode task %s %s: %w", t.ID, field.name, err)
		}
	}
	return &t, nil
}

func scanTasks(rows pgx.Rows) ([]*task.Task, error) {
	var out []*task.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return out, fmt.Errorf("scan task: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func jsonArray(values []string) ([]byte, error) {
	if values == nil {
		values = []string{}
	}
	return json.Marshal(values)
}

func jsonMap(m map[string]any) ([]byte, error) {
	if m == nil {
		return nil, nil
	}
	return json.Marshal(m)
}

func statusStrings(in []task.Status) []string {
	out := make([]string, len(in))
	for i, s := range in {
		out[i] = string(s)
	}
	return out
}

func stageStrings(in []task.Stage) []string {
	out := make([]string, len(in))
	for i, s := range in {
		out[i] = string(s)
	}
	return out
}
