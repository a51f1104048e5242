package memory

import (
	"context"
	"fmt"

	"foreman/internal/domain/storage"
	"foreman/internal/domain/task"
	"foreman/internal/domain/worker"
)

func (s *TaskStore) Create(_ context.Context, t *task.Task) error {
	if err := t.Validate(); err != nil {
		return err
	}
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	if _, ok := s.db.tasks[t.ID]; ok {
		return fmt.Errorf("task %s: %w", t.ID, storage.ErrDuplicate)
	}
	now := s.db.now()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	t.UpdatedAt = now
	t.Revision = 1
	s.db.tasks[t.ID] = cloneTask(t)
	return nil
}

func (s *TaskStore) Get(_ context.Context, taskID string) (*task.Task, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	t, ok := s.db.tasks[taskID]
	if !ok {
		return nil, notFound("task", taskID)
	}
	return cloneTask(t), nil
}

func (s *TaskStore) List(_ context.Context, f task.Filter) ([]*task.Task, error) {
	s.db.mu.Lock()
	out := make([]*task.Task, 0, len(s.db.tasks))
	for _, t := range s.db.tasks {
		if matchTask(t, f) {
			out = append(out, cloneTask(t))
		}
	}
	s.db.mu.Unlock()
	sortTasks(out)
	return page(out, f.Offset, f.Limit), nil
}

func matchTask(t *task.Task, f task.Filter) bool {
	if len(f.Statuses) > 0 && !contains(f.Statuses, t.Status) {
		return false
	}
	if len(f.Stages) > 0 && !contains(f.Stages, t.Stage) {
		return false
	}
	if f.AssignedWorker != "" && t.AssignedWorker != f.AssignedWorker {
		return false
	}
	if f.Unassigned && t.AssignedWorker != "" {
		return false
	}
	return true
}

func contains[T comparable](items []T, v T) bool {
	for _, it := range items {
		if it == v {
			return true
		}
	}
	return false
}

func (s *TaskStore) Update(_ context.Context, t *task.Task, opts ...task.UpdateOption) error {
	params := task.ApplyUpdateOptions(opts)
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	if err := s.db.updateTaskLocked(t); err != nil {
		return err
	}
	if params.Transition != nil {
		s.db.appendTransitionLocked(*params.Transition)
	}
	return nil
}

func (db *DB) updateTaskLocked(t *task.Task) error {
	if err := t.Validate(); err != nil {
		return err
	}
	cur, ok := db.tasks[t.ID]
	if !ok {
		return notFound("tasks", t.ID)
	}
	if cur.Revision != t.Revision {
		return stale("tasks", t.ID)
	}
	t.Revision++
	t.UpdatedAt = db.now()
	t.CreatedAt = cur.CreatedAt
	db.tasks[t.ID] = cloneTask(t)
	return nil
}

func (s *TaskStore) Assign(_ context.Context, taskID, workerID string) (*task.Task, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	t, ok := s.db.tasks[taskID]
	if !ok {
		return nil, notFound("tasks", taskID)
	}
	if t.AssignedWorker != "" || t.Status != task.StatusPending || t.MovedToDLQ {
		return nil, stale("tasks", taskID)
	}
	s.db.assignLocked(t, workerID)
	return cloneTask(t), nil
}

func (db *DB) assignLocked(t *task.Task, workerID string) {
	now := db.now()
	t.AssignedWorker = workerID
	t.Status = task.StatusInProgress
	t.ReportedAt = nil
	if t.StartedAt == nil {
		t.StartedAt = &now
	}
	t.UpdatedAt = now
	t.Revision++
}

func (s *TaskStore) Release(_ context.Context, taskID, workerID, note string) (*task.Task, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	t, ok := s.db.tasks[taskID]
	if !ok {
		return nil, notFound("tasks", taskID)
	}
	if t.AssignedWorker != workerID || t.Status.IsTerminal() {
		return nil, stale("tasks", taskID)
	}
	t.Unassign()
	t.Status = task.StatusPending
	t.Annotate("last_release", note)
	t.UpdatedAt = s.db.now()
	t.Revision++
	return cloneTask(t), nil
}

func (s *TaskStore) ClaimNextPending(_ context.Context, workerID string, capabilities []string) (*task.Task, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	probe := &worker.Worker{Capabilities: capabilities}
	var candidates []*task.Task
	for _, t := range s.db.tasks {
		if t.Status != task.StatusPending || t.AssignedWorker != "" || t.MovedToDLQ {
			continue
		}
		if t.PreferredWorker != "" && t.PreferredWorker != workerID {
			continue
		}
		if !probe.HasCapabilities(t.RequiredCapabilities) {
			continue
		}
		candidates = append(candidates, t)
	}
	if len(candidates) == 0 {
		return nil, fmt.Errorf("no claimable task for %s: %w", workerID, storage.ErrNotFound)
	}
	sortTasks(candidates)
	t := candidates[0]
	s.db.assignLocked(t, workerID)
	return cloneTask(t), nil
}

func (s *TaskStore) CountByStatus(context.Context) (map[task.Status]int, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	counts := make(map[task.Status]int)
	for _, t := range s.db.tasks {
		counts[t.Status]++
	}
	return counts, nil
}

func (s *TaskStore) AppendGateTransition(_ context.Context, tr task.GateTransition) error {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	s.db.appendTransitionLocked(tr)
	return nil
}

func (db *DB) appendTransitionLocked(tr task.GateTransition) {
	db.nextTransitionID++
	tr.ID = db.nextTransitionID
	if tr.TransitionedAt.IsZero() {
		tr.TransitionedAt = db.now()
	}
	db.transitions = append(db.transitions, tr)
}

func (s *TaskStore) ListGateTransitions(_ context.Context, taskID string, limit int) ([]task.GateTransition, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	var out []task.GateTransition
	for _, tr := range s.db.transitions {
		if tr.TaskID == taskID {
			out = append(out, tr)
		}
	}
	return page(out, 0, limit), nil
}

func (s *TaskStore) CountGateFailures(_ context.Context, taskID, gate string) (int, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	n := 0
	for _, tr := range s.db.transitions {
		if tr.TaskID == taskID && tr.FromGate == gate && !tr.Passed {
			n++
		}
	}
	return n, nil
}
