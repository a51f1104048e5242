// Package postgres implements every persistence port on Postgres via pgx.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"foreman/internal/domain/recovery"
	"foreman/internal/domain/scaling"
	"foreman/internal/domain/storage"
	"foreman/internal/domain/task"
	"foreman/internal/domain/worker"
	"foreman/internal/infra/store/sqlq"
	"foreman/internal/shared/logging"
)

const (
	tasksTable       = "tasks"
	workersTable     = "workers"
	dlqTable         = "dead_letter_queue"
	transitionsTable = "gate_transitions"
	eventsTable      = "scaling_events"
	escalationsTable = "escalations"
	scalerStateTable = "scaler_state"
)

// querier is the statement surface shared by the pool and a transaction.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// pool abstracts the subset of pgxpool.Pool used by the store for easier testing.
type pool interface {
	querier
	BeginTx(ctx context.Context, txOptions pgx.TxOptions) (pgx.Tx, error)
}

// DB owns the pool and schema; the per-port stores share it.
type DB struct {
	pool   pool
	allow  sqlq.AllowList
	logger logging.Logger
	now    func() time.Time
}

var (
	_ task.Store         = (*TaskStore)(nil)
	_ worker.Store       = (*WorkerStore)(nil)
	_ recovery.Store     = (*RecoveryStore)(nil)
	_ scaling.Store      = (*ScalingStore)(nil)
	_ storage.RowCounter = (*DB)(nil)
)

// TaskStore implements task.Store.
type TaskStore struct{ db *DB }

// WorkerStore implements worker.Store.
type WorkerStore struct{ db *DB }

// RecoveryStore implements recovery.Store.
type RecoveryStore struct{ db *DB }

// ScalingStore implements scaling.Store.
type ScalingStore struct{ db *DB }

// DefaultAllowList is what custom query gates may read.
func DefaultAllowList() sqlq.AllowList {
	return sqlq.AllowList{
		tasksTable: {"id", "task_type", "status", "stage", "priority", "assigned_worker",
			"current_gate", "failure_count", "moved_to_dlq", "completed_at"},
		workersTable:     {"worker_id", "role", "status", "current_tasks"},
		dlqTable:         {"original_task_id", "status", "retry_count"},
		transitionsTable: {"task_id", "from_gate", "to_gate", "passed"},
		escalationsTable: {"task_id", "level", "status"},
	}
}

// New builds a DB backed by the provided connection pool.
func New(p pool, logger logging.Logger) (*DB, error) {
	if p == nil {
		return nil, errors.New("postgres store requires pool")
	}
	return &DB{
		pool:   p,
		allow:  DefaultAllowList(),
		logger: logging.OrNop(logger),
		now:    func() time.Time { return time.Now().UTC().Truncate(time.Microsecond) },
	}, nil
}

// WithAllowList replaces the custom-query allow-list.
func (s *DB) WithAllowList(allow sqlq.AllowList) *DB {
	s.allow = allow
	return s
}

func (s *DB) Tasks() *TaskStore        { return &TaskStore{db: s} }
func (s *DB) Workers() *WorkerStore    { return &WorkerStore{db: s} }
func (s *DB) Recovery() *RecoveryStore { return &RecoveryStore{db: s} }
func (s *DB) Scaling() *ScalingStore   { return &ScalingStore{db: s} }

// EnsureSchema creates every table and index if they do not exist.
func (s *DB) EnsureSchema(ctx context.Context) error {
	for _, stmt := range schemaStatements() {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ensure foreman schema: %w", err)
		}
	}
	return nil
}

func schemaStatements() []string {
	return []string{
		`CREATE TABLE IF NOT EXISTS ` + tasksTable + ` (
    id                    TEXT PRIMARY KEY,
    title                 TEXT NOT NULL,
    description           TEXT NOT NULL DEFAULT '',
    task_type             TEXT NOT NULL DEFAULT '',
    status                TEXT NOT NULL DEFAULT 'pending',
    stage                 TEXT NOT NULL DEFAULT '',
    priority              INTEGER NOT NULL DEFAULT 0,
    assigned_worker       TEXT,
    required_capabilities JSONB NOT NULL DEFAULT '[]'::jsonb,
    preferred_worker      TEXT NOT NULL DEFAULT '',
    verification_chain    JSONB NOT NULL DEFAULT '[]'::jsonb,
    current_gate          TEXT,
    gate_evidence         JSONB,
    plan                  JSONB,
    metadata              JSONB,
    completion_evidence   JSONB,
    failure_count         INTEGER NOT NULL DEFAULT 0,
    moved_to_dlq          BOOLEAN NOT NULL DEFAULT FALSE,
    dlq_entry_id          TEXT,
    revision              BIGINT NOT NULL DEFAULT 1,
    created_at            TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at            TIMESTAMPTZ NOT NULL DEFAULT now(),
    started_at            TIMESTAMPTZ,
    completed_at          TIMESTAMPTZ,
    reported_at           TIMESTAMPTZ
)`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_claim
    ON ` + tasksTable + ` (status, priority DESC, created_at) WHERE assigned_worker IS NULL`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_worker
    ON ` + tasksTable + ` (assigned_worker) WHERE assigned_worker IS NOT NULL`,
		`CREATE TABLE IF NOT EXISTS ` + workersTable + ` (
    worker_id            TEXT PRIMARY KEY,
    role                 TEXT NOT NULL DEFAULT '',
    capabilities         JSONB NOT NULL DEFAULT '[]'::jsonb,
    status               TEXT NOT NULL DEFAULT 'idle',
    max_concurrent_tasks INTEGER NOT NULL DEFAULT 1,
    current_tasks        INTEGER NOT NULL DEFAULT 0,
    last_heartbeat       TIMESTAMPTZ,
    success_rate         DOUBLE PRECISION NOT NULL DEFAULT 1,
    daily_cost           DOUBLE PRECISION NOT NULL DEFAULT 0,
    tasks_completed      INTEGER NOT NULL DEFAULT 0,
    tasks_failed         INTEGER NOT NULL DEFAULT 0,
    avg_task_duration_ms DOUBLE PRECISION NOT NULL DEFAULT 0,
    metadata             JSONB,
    registered_at        TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at           TIMESTAMPTZ NOT NULL DEFAULT now()
)`,
		`CREATE TABLE IF NOT EXISTS ` + dlqTable + ` (
    id               TEXT PRIMARY KEY,
    original_task_id TEXT NOT NULL,
    task_snapshot    JSONB NOT NULL,
    failure_reason   TEXT NOT NULL DEFAULT '',
    status           TEXT NOT NULL DEFAULT 'pending',
    retry_count      INTEGER NOT NULL DEFAULT 0,
    last_failure_at  TIMESTAMPTZ NOT NULL,
    resolution_notes TEXT NOT NULL DEFAULT '',
    resolved_by      TEXT NOT NULL DEFAULT '',
    resolved_at      TIMESTAMPTZ,
    created_at       TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at       TIMESTAMPTZ NOT NULL DEFAULT now()
)`,
		`CREATE INDEX IF NOT EXISTS idx_dlq_task
    ON ` + dlqTable + ` (original_task_id, created_at DESC)`,
		`CREATE TABLE IF NOT EXISTS ` + transitionsTable + ` (
    id              BIGSERIAL PRIMARY KEY,
    task_id         TEXT NOT NULL,
    from_gate       TEXT NOT NULL,
    to_gate         TEXT NOT NULL DEFAULT '',
    passed          BOOLEAN NOT NULL,
    reason          TEXT NOT NULL DEFAULT '',
    evidence        JSONB,
    transitioned_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`,
		`CREATE INDEX IF NOT EXISTS idx_gate_transitions_task
    ON ` + transitionsTable + ` (task_id, from_gate, passed)`,
		`CREATE TABLE IF NOT EXISTS ` + eventsTable + ` (
    id             BIGSERIAL PRIMARY KEY,
    action         TEXT NOT NULL,
    reason         TEXT NOT NULL DEFAULT '',
    workers_before INTEGER NOT NULL,
    workers_after  INTEGER NOT NULL,
    queue_depth    INTEGER NOT NULL,
    created_at     TIMESTAMPTZ NOT NULL DEFAULT now()
)`,
		`CREATE TABLE IF NOT EXISTS ` + escalationsTable + ` (
    id           TEXT PRIMARY KEY,
    task_id      TEXT NOT NULL,
    reason       TEXT NOT NULL,
    level        TEXT NOT NULL,
    status       TEXT NOT NULL DEFAULT 'open',
    created_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
    escalated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
    timeout_at   TIMESTAMPTZ NOT NULL,
    resolved_at  TIMESTAMPTZ,
    resolved_by  TEXT NOT NULL DEFAULT '',
    resolution   TEXT NOT NULL DEFAULT ''
)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_escalations_open
    ON ` + escalationsTable + ` (task_id, reason) WHERE status = 'open'`,
		`CREATE INDEX IF NOT EXISTS idx_escalations_due
    ON ` + escalationsTable + ` (timeout_at) WHERE status = 'open'`,
		`CREATE TABLE IF NOT EXISTS ` + scalerStateTable + ` (
    name               TEXT PRIMARY KEY,
    last_scale_up_at   TIMESTAMPTZ,
    last_scale_down_at TIMESTAMPTZ,
    updated_at         TIMESTAMPTZ NOT NULL DEFAULT now()
)`,
	}
}

// Ping checks connectivity for readiness probes.
func (s *DB) Ping(ctx context.Context) error {
	var one int
	if err := s.pool.QueryRow(ctx, `SELECT 1`).Scan(&one); err != nil {
		return fmt.Errorf("ping postgres: %w", err)
	}
	return nil
}

// CountRows evaluates an allow-listed read-only count.
func (s *DB) CountRows(ctx context.Context, q storage.RowQuery) (int, error) {
	sql, args, err := s.allow.CountRows(q)
	if err != nil {
		return 0, err
	}
	var n int
	if err := s.pool.QueryRow(ctx, sql, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("count %s: %w", q.Table, err)
	}
	return n, nil
}

// withTx runs fn in a transaction, committing only when fn succeeds.
func (s *DB) withTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // no-op if committed

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// missingOrStale distinguishes a lost conditional write from an absent row.
func missingOrStale(ctx context.Context, q querier, table, keyColumn, key string) error {
	var one int
	err := q.QueryRow(ctx, `SELECT 1 FROM `+table+` WHERE `+keyColumn+` = $1`, key).Scan(&one)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		return fmt.Errorf("%s %s: %w", table, key, storage.ErrNotFound)
	case err != nil:
		return fmt.Errorf("lookup %s %s: %w", table, key, err)
	default:
		return fmt.Errorf("%s %s: %w", table, key, storage.ErrStale)
	}
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func jsonBytes(v any) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	return json.Marshal(v)
}

func decodeJSON(raw []byte, dest any) error {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	return json.Unmarshal(raw, dest)
}

func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func derefString(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
