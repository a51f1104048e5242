package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"foreman/internal/domain/storage"
	"foreman/internal/domain/worker"
	"foreman/internal/infra/store/sqlq"
)

const workerColumns = `worker_id, role, capabilities, status, max_concurrent_tasks, current_tasks,
    last_heartbeat, success_rate, daily_cost, tasks_completed, tasks_failed, avg_task_duration_ms,
    metadata, registered_at, updated_at`

// Register upserts w with a fresh heartbeat; counters survive re-registration.
func (s *WorkerStore) Register(ctx context.Context, w *worker.Worker) error {
	if w.ID == "" {
		return errors.New("worker id is required")
	}
	caps, err := jsonArray(w.Capabilities)
	if err != nil {
		return fmt.Errorf("worker %s capabilities: %w", w.ID, err)
	}
	meta, err := jsonMap(w.Metadata)
	if err != nil {
		return fmt.Errorf("worker %s metadata: %w", w.ID, err)
	}
	now := s.db.now()
	heartbeat := w.LastHeartbeat
	if heartbeat.IsZero() {
		heartbeat = now
	}
	row := s.db.pool.QueryRow(ctx,
		`INSERT INTO `+workersTable+` (worker_id, role, capabilities, status, max_concurrent_tasks,
			current_tasks, last_heartbeat, metadata, registered_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, 0, $6, $7, $8, $8)
		 ON CONFLICT (worker_id) DO UPDATE SET
			role = EXCLUDED.role,
			capabilities = EXCLUDED.capabilities,
			max_concurrent_tasks = EXCLUDED.max_concurrent_tasks,
			status = CASE WHEN `+workersTable+`.current_tasks >= EXCLUDED.max_concurrent_tasks THEN $9 ELSE $4 END,
			last_heartbeat = EXCLUDED.last_heartbeat,
			metadata = COALESCE(`+workersTable+`.metadata, '{}'::jsonb) || COALESCE(EXCLUDED.metadata, '{}'::jsonb),
			updated_at = EXCLUDED.updated_at
		 RETURNING `+workerColumns,
		w.ID, w.Role, caps, string(worker.StatusIdle), w.MaxConcurrentTasks, heartbeat, meta, now,
		string(worker.StatusBusy),
	)
	got, err := scanWorker(row)
	if err != nil {
		return fmt.Errorf("register worker %s: %w", w.ID, err)
	}
	*w = *got
	return nil
}

// Get retrieves a worker by ID.
func (s *WorkerStore) Get(ctx context.Context, workerID string) (*worker.Worker, error) {
	row := s.db.pool.QueryRow(ctx, `SELECT `+workerColumns+` FROM `+workersTable+` WHERE worker_id = $1`, workerID)
	w, err := scanWorker(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("worker %s: %w", workerID, storage.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get worker %s: %w", workerID, err)
	}
	return w, nil
}

// List returns workers ordered by ID.
func (s *WorkerStore) List(ctx context.Context, f worker.Filter) ([]*worker.Worker, error) {
	q := sqlq.Select(workersTable, workerColumns)
	if len(f.Statuses) > 0 {
		statuses := make([]string, len(f.Statuses))
		for i, st := range f.Statuses {
			statuses[i] = string(st)
		}
		sqlq.In(q, "status", statuses)
	}
	sql, args := q.OrderBy("worker_id ASC").Build()
	rows, err := s.db.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("list workers: %w", err)
	}
	defer rows.Close()

	var out []*worker.Worker
	for rows.Next() {
		w, err := scanWorker(rows)
		if err != nil {
			return out, fmt.Errorf("scan worker: %w", err)
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

// Heartbeat stamps last_heartbeat on a registered, non-offline worker.
func (s *WorkerStore) Heartbeat(ctx context.Context, workerID string, at time.Time) error {
	tag, err := s.db.pool.Exec(ctx,
		`UPDATE `+workersTable+` SET last_heartbeat = $1, updated_at = $2 WHERE worker_id = $3 AND status <> $4`,
		at.UTC().Truncate(time.Microsecond), s.db.now(), workerID, string(worker.StatusOffline),
	)
	if err != nil {
		return fmt.Errorf("heartbeat %s: %w", workerID, err)
	}
	if tag.RowsAffected() == 0 {
		return missingOrStale(ctx, s.db.pool, workersTable, "worker_id", workerID)
	}
	return nil
}

// AcquireSlot takes one slot while below capacity.
func (s *WorkerStore) AcquireSlot(ctx context.Context, workerID string) (*worker.Worker, error) {
	row := s.db.pool.QueryRow(ctx,
		`UPDATE `+workersTable+` SET
			current_tasks = current_tasks + 1,
			status = CASE WHEN current_tasks + 1 >= max_concurrent_tasks THEN $1 ELSE status END,
			updated_at = $2
		 WHERE worker_id = $3 AND status <> $4 AND current_tasks < max_concurrent_tasks
		 RETURNING `+workerColumns,
		string(worker.StatusBusy), s.db.now(), workerID, string(worker.StatusOffline),
	)
	w, err := scanWorker(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, missingOrStale(ctx, s.db.pool, workersTable, "worker_id", workerID)
	}
	if err != nil {
		return nil, fmt.Errorf("acquire slot on %s: %w", workerID, err)
	}
	return w, nil
}

// ReleaseSlot returns one slot and folds the outcome into the history.
func (s *WorkerStore) ReleaseSlot(ctx context.Context, workerID string, o worker.Outcome) (*worker.Worker, error) {
	succeeded, failed := 0, 0
	if o.Success {
		succeeded = 1
	} else {
		failed = 1
	}
	row := s.db.pool.QueryRow(ctx,
		`UPDATE `+workersTable+` SET
			current_tasks = current_tasks - 1,
			status = CASE WHEN status = $1 THEN status WHEN current_tasks - 1 = 0 THEN $2 ELSE status END,
			tasks_completed = tasks_completed + $3,
			tasks_failed = tasks_failed + $4,
			success_rate = (tasks_completed + $3)::double precision / (tasks_completed + tasks_failed + 1),
			daily_cost = daily_cost + $5,
			avg_task_duration_ms = CASE WHEN $6::double precision > 0
				THEN (avg_task_duration_ms * (tasks_completed + tasks_failed) + $6::double precision) / (tasks_completed + tasks_failed + 1)
				ELSE avg_task_duration_ms END,
			updated_at = $7
		 WHERE worker_id = $8 AND current_tasks > 0
		 RETURNING `+workerColumns,
		string(worker.StatusOffline), string(worker.StatusIdle), succeeded, failed,
		o.Cost, float64(o.Duration.Milliseconds()), s.db.now(), workerID,
	)
	w, err := scanWorker(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, missingOrStale(ctx, s.db.pool, workersTable, "worker_id", workerID)
	}
	if err != nil {
		return nil, fmt.Errorf("release slot on %s: %w", workerID, err)
	}
	return w, nil
}

// MarkOffline sets status offline, guarded on the heartbeat when given.
func (s *WorkerStore) MarkOffline(ctx context.Context, workerID string, seenHeartbeat time.Time) error {
	q := sqlq.Update(workersTable).
		Set("status", string(worker.StatusOffline)).
		Set("updated_at", s.db.now()).
		Where("worker_id = ?", workerID)
	if !seenHeartbeat.IsZero() {
		q.Where("last_heartbeat = ?", seenHeartbeat)
	}
	sql, args := q.Build()
	tag, err := s.db.pool.Exec(ctx, sql, args...)
	if err != nil {
		return fmt.Errorf("mark %s offline: %w", workerID, err)
	}
	if tag.RowsAffected() == 0 {
		return missingOrStale(ctx, s.db.pool, workersTable, "worker_id", workerID)
	}
	return nil
}

// Unregister hard-deletes the registry row.
func (s *WorkerStore) Unregister(ctx context.Context, workerID string) error {
	tag, err := s.db.pool.Exec(ctx, `DELETE FROM `+workersTable+` WHERE worker_id = $1`, workerID)
	if err != nil {
		return fmt.Errorf("unregister %s: %w", workerID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("worker %s: %w", workerID, storage.ErrNotFound)
	}
	return nil
}

func scanWorker(row pgx.Row) (*worker.Worker, error) {
	var (
		w          worker.Worker
		status     string
		caps, meta []byte
		heartbeat  *time.Time
	)
	if err := row.Scan(
		&w.ID, &w.Role, &caps, &status, &w.MaxConcurrentTasks, &w.CurrentTasks,
		&heartbeat, &w.SuccessRate, &w.DailyCost, &w.TasksCompleted, &w.TasksFailed, &w.AvgTaskDurationMs,
		&meta, &w.RegisteredAt, &w.UpdatedAt,
	); err != nil {
		return nil, err
	}
	w.Status = worker.Status(status)
	if heartbeat != nil {
		w.LastHeartbeat = *heartbeat
	}
	if err := decodeJSON(caps, &w.Capabilities); err != nil {
		return nil, fmt.Errorf("decode worker %s capabilities: %w", w.ID, err)
	}
	if err := decodeJSON(meta, &w.Metadata); err != nil {
		return nil, fmt.Errorf("decode worker %s metadata: %w", w.ID, err)
	}
	return &w, nil
}
