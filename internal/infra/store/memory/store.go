// Package memory implements every persistence port in process. Conditional
// writes follow the same rules as the Postgres store.
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"foreman/internal/domain/recovery"
	"foreman/internal/domain/scaling"
	"foreman/internal/domain/storage"
	"foreman/internal/domain/task"
	"foreman/internal/domain/worker"
	"foreman/internal/infra/store/sqlq"
)

// DB holds all records behind one mutex.
type DB struct {
	mu sync.Mutex

	tasks       map[string]*task.Task
	transitions []task.GateTransition
	workers     map[string]*worker.Worker
	dlq         map[string]*recovery.DLQEntry
	escalations map[string]*recovery.Escalation
	cooldowns   map[string]scaling.CooldownState
	events      []scaling.Event

	nextTransitionID int64
	nextEventID      int64

	allow sqlq.AllowList
	now   func() time.Time
}

var (
	_ task.Store         = (*TaskStore)(nil)
	_ worker.Store       = (*WorkerStore)(nil)
	_ recovery.Store     = (*RecoveryStore)(nil)
	_ scaling.Store      = (*ScalingStore)(nil)
	_ storage.RowCounter = (*DB)(nil)
)

type TaskStore struct{ db *DB }
type WorkerStore struct{ db *DB }
type RecoveryStore struct{ db *DB }
type ScalingStore struct{ db *DB }

// New builds an empty in-memory DB using allow for custom query gates.
func New(allow sqlq.AllowList) *DB {
	return &DB{
		tasks:       make(map[string]*task.Task),
		workers:     make(map[string]*worker.Worker),
		dlq:         make(map[string]*recovery.DLQEntry),
		escalations: make(map[string]*recovery.Escalation),
		cooldowns:   make(map[string]scaling.CooldownState),
		allow:       allow,
		now:         func() time.Time { return time.Now().UTC().Truncate(time.Microsecond) },
	}
}

// SetClock replaces the timestamp source.
func (db *DB) SetClock(now func() time.Time) { db.now = now }

func (db *DB) Tasks() *TaskStore        { return &TaskStore{db: db} }
func (db *DB) Workers() *WorkerStore    { return &WorkerStore{db: db} }
func (db *DB) Recovery() *RecoveryStore { return &RecoveryStore{db: db} }
func (db *DB) Scaling() *ScalingStore   { return &ScalingStore{db: db} }

// EnsureSchema is a no-op.
func (db *DB) EnsureSchema(context.Context) error { return nil }

// Ping always succeeds.
func (db *DB) Ping(context.Context) error { return nil }

// CountRows evaluates an allow-listed count over the JSON form of records.
func (db *DB) CountRows(_ context.Context, q storage.RowQuery) (int, error) {
	if !db.allow.Has(q.Table, "") {
		return 0, fmt.Errorf("%w: table %q", sqlq.ErrNotAllowed, q.Table)
	}
	for _, f := range q.Filters {
		if err := db.allow.ValidateFilter(q.Table, f); err != nil {
			return 0, err
		}
	}

	db.mu.Lock()
	var records []any
	switch q.Table {
	case "tasks":
		for _, t := range db.tasks {
			records = append(records, t)
		}
	case "workers":
		for _, w := range db.workers {
			records = append(records, w)
		}
	case "dead_letter_queue":
		for _, e := range db.dlq {
			records = append(records, e)
		}
	case "gate_transitions":
		for _, tr := range db.transitions {
			records = append(records, tr)
		}
	case "escalations":
		for _, e := range db.escalations {
			records = append(records, e)
		}
	}
	rows := make([]map[string]any, 0, len(records))
	for _, r := range records {
		m, err := toRow(r)
		if err != nil {
			db.mu.Unlock()
			return 0, err
		}
		rows = append(rows, m)
	}
	db.mu.Unlock()

	n := 0
	for _, row := range rows {
		if matchesAll(row, q.Filters) {
			n++
		}
	}
	return n, nil
}

func toRow(v any) (map[string]any, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	return m, nil
}

func matchesAll(row map[string]any, filters []storage.RowFilter) bool {
	for _, f := range filters {
		if !matches(row[f.Column], strings.ToLower(f.Op), f.Value) {
			return false
		}
	}
	return true
}

func matches(have any, op string, want any) bool {
	switch op {
	case "is_null":
		return have == nil
	case "not_null":
		return have != nil
	case "like":
		pattern := fmt.Sprint(want)
		return likeMatch(fmt.Sprint(have), pattern)
	}
	hf, hok := toFloat(have)
	wf, wok := toFloat(want)
	if hok && wok {
		switch op {
		case "", "=", "eq":
			return hf == wf
		case "!=", "ne":
			return hf != wf
		case ">", "gt":
			return hf > wf
		case ">=", "gte":
			return hf >= wf
		case "<", "lt":
			return hf < wf
		case "<=", "lte":
			return hf <= wf
		}
		return false
	}
	hs, ws := fmt.Sprint(have), fmt.Sprint(want)
	if have == nil {
		hs = ""
	}
	switch op {
	case "", "=", "eq":
		return hs == ws
	case "!=", "ne":
		return hs != ws
	case ">", "gt":
		return hs > ws
	case ">=", "gte":
		return hs >= ws
	case "<", "lt":
		return hs < ws
	case "<=", "lte":
		return hs <= ws
	}
	return false
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case int32:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}

// likeMatch supports SQL LIKE wildcards % and _.
func likeMatch(s, pattern string) bool {
	if pattern == "" {
		return s == ""
	}
	switch pattern[0] {
	case '%':
		for i := 0; i <= len(s); i++ {
			if likeMatch(s[i:], pattern[1:]) {
				return true
			}
		}
		return false
	case '_':
		return s != "" && likeMatch(s[1:], pattern[1:])
	}
	return s != "" && s[0] == pattern[0] && likeMatch(s[1:], pattern[1:])
}

func cloneTask(t *task.Task) *task.Task { return t.Clone() }

func cloneWorker(w *worker.Worker) *worker.Worker {
	cp := *w
	cp.Capabilities = append([]string(nil), w.Capabilities...)
	if w.Metadata != nil {
		cp.Metadata = make(map[string]any, len(w.Metadata))
		for k, v := range w.Metadata {
			cp.Metadata[k] = v
		}
	}
	return &cp
}

func cloneDLQ(e *recovery.DLQEntry) *recovery.DLQEntry {
	cp := *e
	cp.TaskSnapshot = append(json.RawMessage(nil), e.TaskSnapshot...)
	return &cp
}

func cloneEscalation(e *recovery.Escalation) *recovery.Escalation {
	cp := *e
	return &cp
}

func notFound(kind, key string) error {
	return fmt.Errorf("%s %s: %w", kind, key, storage.ErrNotFound)
}

func stale(kind, key string) error {
	return fmt.Errorf("%s %s: %w", kind, key, storage.ErrStale)
}

func sortTasks(ts []*task.Task) {
	sort.SliceStable(ts, func(i, j int) bool {
		if ts[i].Priority != ts[j].Priority {
			return ts[i].Priority > ts[j].Priority
		}
		if !ts[i].CreatedAt.Equal(ts[j].CreatedAt) {
			return ts[i].CreatedAt.Before(ts[j].CreatedAt)
		}
		return ts[i].ID < ts[j].ID
	})
}

func page[T any](items []T, offset, limit int) []T {
	if offset > 0 {
		if offset >= len(items) {
			return nil
		}
		items = items[offset:]
	}
	if limit > 0 && len(items) > limit {
		items = items[:limit]
	}
	return items
}
