// Package status exposes plain read accessors over the coordination state
// for the CLI and external dashboards.
package status

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"foreman/internal/app/coordinator"
	"foreman/internal/domain/recovery"
	"foreman/internal/domain/scaling"
	"foreman/internal/domain/task"
	"foreman/internal/domain/worker"
)

// CoordinatorView is the part of the coordinator the reader needs.
type CoordinatorView interface {
	Stats() coordinator.Stats
	LoadBalanceScore(ctx context.Context) (float64, error)
}

// Dependencies are the read sources.
type Dependencies struct {
	Tasks       task.Store
	Workers     worker.Store
	Recovery    recovery.Store
	Scaling     scaling.Store
	Coordinator CoordinatorView
}

// Reader serves read-only views.
type Reader struct {
	deps Dependencies
	now  func() time.Time
}

// NewReader builds a Reader.
func NewReader(deps Dependencies) *Reader {
	return &Reader{deps: deps, now: func() time.Time { return time.Now().UTC() }}
}

// Snapshot is a point-in-time overview.
type Snapshot struct {
	GeneratedAt      time.Time           `json:"generated_at"`
	Tasks            map[task.Status]int `json:"tasks"`
	Workers          WorkerSummary       `json:"workers"`
	DLQPending       int                 `json:"dlq_pending"`
	OpenEscalations  int                 `json:"open_escalations"`
	Routing          coordinator.Stats   `json:"routing"`
	LoadBalanceScore float64             `json:"load_balance_score"`
	RecentScaling    []scaling.Event     `json:"recent_scaling,omitempty"`
}

// WorkerSummary counts registry rows by status.
type WorkerSummary struct {
	Idle     int `json:"idle"`
	Busy     int `json:"busy"`
	Offline  int `json:"offline"`
	Capacity int `json:"capacity"`
	Load     int `json:"load"`
}

// Snapshot gathers the overview with concurrent reads.
func (r *Reader) Snapshot(ctx context.Context) (Snapshot, error) {
	snap := Snapshot{GeneratedAt: r.now()}
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		counts, err := r.deps.Tasks.CountByStatus(gctx)
		if err != nil {
			return fmt.Errorf("count tasks: %w", err)
		}
		snap.Tasks = counts
		return nil
	})
	g.Go(func() error {
		ws, err := r.deps.Workers.List(gctx, worker.Filter{})
		if err != nil {
			return fmt.Errorf("list workers: %w", err)
		}
		snap.Workers = summarise(ws)
		return nil
	})
	g.Go(func() error {
		entries, err := r.deps.Recovery.ListDLQ(gctx, recovery.DLQFilter{Statuses: []recovery.DLQStatus{recovery.DLQPending}})
		if err != nil {
			return fmt.Errorf("list dlq: %w", err)
		}
		snap.DLQPending = len(entries)
		return nil
	})
	g.Go(func() error {
		open, err := r.deps.Recovery.ListEscalations(gctx, recovery.EscalationFilter{Statuses: []recovery.EscalationStatus{recovery.EscalationOpen}})
		if err != nil {
			return fmt.Errorf("list escalations: %w", err)
		}
		snap.OpenEscalations = len(open)
		return nil
	})
	if r.deps.Scaling != nil {
		g.Go(func() error {
			events, err := r.deps.Scaling.ListEvents(gctx, 10)
			if err != nil {
				return fmt.Errorf("list scaling events: %w", err)
			}
			snap.RecentScaling = events
			return nil
		})
	}
	if r.deps.Coordinator != nil {
		g.Go(func() error {
			score, err := r.deps.Coordinator.LoadBalanceScore(gctx)
			if err != nil {
				return fmt.Errorf("load balance score: %w", err)
			}
			snap.LoadBalanceScore = score
			return nil
		})
		snap.Routing = r.deps.Coordinator.Stats()
	}
	if err := g.Wait(); err != nil {
		return Snapshot{}, err
	}
	return snap, nil
}

func summarise(ws []*worker.Worker) WorkerSummary {
	var s WorkerSummary
	for _, w := range ws {
		switch w.Status {
		case worker.StatusIdle:
			s.Idle++
		case worker.StatusBusy:
			s.Busy++
		case worker.StatusOffline:
			s.Offline++
			continue
		}
		s.Capacity += w.MaxConcurrentTasks
		s.Load += w.CurrentTasks
	}
	return s
}

// TaskDetail is a task with its gate audit trail.
type TaskDetail struct {
	Task        *task.Task            `json:"task"`
	Transitions []task.GateTransition `json:"transitions"`
}

func (r *Reader) Task(ctx context.Context, taskID string, transitions int) (TaskDetail, error) {
	t, err := r.deps.Tasks.Get(ctx, taskID)
	if err != nil {
		return TaskDetail{}, err
	}
	trail, err := r.deps.Tasks.ListGateTransitions(ctx, taskID, transitions)
	if err != nil {
		return TaskDetail{}, fmt.Errorf("list transitions for %s: %w", taskID, err)
	}
	return TaskDetail{Task: t, Transitions: trail}, nil
}

func (r *Reader) Tasks(ctx context.Context, f task.Filter) ([]*task.Task, error) {
	return r.deps.Tasks.List(ctx, f)
}

func (r *Reader) Workers(ctx context.Context, f worker.Filter) ([]*worker.Worker, error) {
	return r.deps.Workers.List(ctx, f)
}

func (r *Reader) DLQ(ctx context.Context, f recovery.DLQFilter) ([]*recovery.DLQEntry, error) {
	return r.deps.Recovery.ListDLQ(ctx, f)
}

func (r *Reader) Escalations(ctx context.Context, f recovery.EscalationFilter) ([]*recovery.Escalation, error) {
	return r.deps.Recovery.ListEscalations(ctx, f)
}

func (r *Reader) ScalingEvents(ctx context.Context, limit int) ([]scaling.Event, error) {
	if r.deps.Scaling == nil {
		return nil, nil
	}
	return r.deps.Scaling.ListEvents(ctx, limit)
}
