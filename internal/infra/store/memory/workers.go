package memory

import (
	"context"
	"errors"
	"sort"
	"time"

	"foreman/internal/domain/worker"
)

func (s *WorkerStore) Register(_ context.Context, w *worker.Worker) error {
	if w.ID == "" {
		return errors.New("worker id is required")
	}
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	now := s.db.now()
	heartbeat := w.LastHeartbeat
	if heartbeat.IsZero() {
		heartbeat = now
	}

	cur, ok := s.db.workers[w.ID]
	if !ok {
		cp := cloneWorker(w)
		cp.Status = worker.StatusIdle
		cp.CurrentTasks = 0
		cp.LastHeartbeat = heartbeat
		cp.SuccessRate = 1
		cp.RegisteredAt = now
		cp.UpdatedAt = now
		s.db.workers[w.ID] = cp
		*w = *cloneWorker(cp)
		return nil
	}

	cur.Role = w.Role
	cur.Capabilities = append([]string(nil), w.Capabilities...)
	cur.MaxConcurrentTasks = w.MaxConcurrentTasks
	cur.LastHeartbeat = heartbeat
	if cur.CurrentTasks >= cur.MaxConcurrentTasks {
		cur.Status = worker.StatusBusy
	} else {
		cur.Status = worker.StatusIdle
	}
	if len(w.Metadata) > 0 && cur.Metadata == nil {
		cur.Metadata = make(map[string]any, len(w.Metadata))
	}
	for k, v := range w.Metadata {
		cur.Metadata[k] = v
	}
	cur.UpdatedAt = now
	*w = *cloneWorker(cur)
	return nil
}

func (s *WorkerStore) Get(_ context.Context, workerID string) (*worker.Worker, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	w, ok := s.db.workers[workerID]
	if !ok {
		return nil, notFound("worker", workerID)
	}
	return cloneWorker(w), nil
}

func (s *WorkerStore) List(_ context.Context, f worker.Filter) ([]*worker.Worker, error) {
	s.db.mu.Lock()
	out := make([]*worker.Worker, 0, len(s.db.workers))
	for _, w := range s.db.workers {
		if len(f.Statuses) > 0 && !contains(f.Statuses, w.Status) {
			continue
		}
		out = append(out, cloneWorker(w))
	}
	s.db.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *WorkerStore) Heartbeat(_ context.Context, workerID string, at time.Time) error {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	w, ok := s.db.workers[workerID]
	if !ok {
		return notFound("workers", workerID)
	}
	if w.Status == worker.StatusOffline {
		return stale("workers", workerID)
	}
	w.LastHeartbeat = at.UTC().Truncate(time.Microsecond)
	w.UpdatedAt = s.db.now()
	return nil
}

func (s *WorkerStore) AcquireSlot(_ context.Context, workerID string) (*worker.Worker, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	w, ok := s.db.workers[workerID]
	if !ok {
		return nil, notFound("workers", workerID)
	}
	if w.Status == worker.StatusOffline || w.CurrentTasks >= w.MaxConcurrentTasks {
		return nil, stale("workers", workerID)
	}
	w.CurrentTasks++
	if w.CurrentTasks >= w.MaxConcurrentTasks {
		w.Status = worker.StatusBusy
	}
	w.UpdatedAt = s.db.now()
	return cloneWorker(w), nil
}

func (s *WorkerStore) ReleaseSlot(_ context.Context, workerID string, o worker.Outcome) (*worker.Worker, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	w, ok := s.db.workers[workerID]
	if !ok {
		return nil, notFound("workers", workerID)
	}
	if w.CurrentTasks <= 0 {
		return nil, stale("workers", workerID)
	}
	finished := float64(w.TasksCompleted + w.TasksFailed)
	if ms := float64(o.Duration.Milliseconds()); ms > 0 {
		w.AvgTaskDurationMs = (w.AvgTaskDurationMs*finished + ms) / (finished + 1)
	}
	if o.Success {
		w.TasksCompleted++
	} else {
		w.TasksFailed++
	}
	w.SuccessRate = float64(w.TasksCompleted) / float64(w.TasksCompleted+w.TasksFailed)
	w.DailyCost += o.Cost
	w.CurrentTasks--
	if w.CurrentTasks == 0 && w.Status != worker.StatusOffline {
		w.Status = worker.StatusIdle
	}
	w.UpdatedAt = s.db.now()
	return cloneWorker(w), nil
}

func (s *WorkerStore) MarkOffline(_ context.Context, workerID string, seenHeartbeat time.Time) error {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	w, ok := s.db.workers[workerID]
	if !ok {
		return notFound("workers", workerID)
	}
	if !seenHeartbeat.IsZero() && !w.LastHeartbeat.Equal(seenHeartbeat) {
		return stale("workers", workerID)
	}
	w.Status = worker.StatusOffline
	w.UpdatedAt = s.db.now()
	return nil
}

func (s *WorkerStore) Unregister(_ context.Context, workerID string) error {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	if _, ok := s.db.workers[workerID]; !ok {
		return notFound("worker", workerID)
	}
	delete(s.db.workers, workerID)
	return nil
}
