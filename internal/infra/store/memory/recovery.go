package memory

import (
	"context"
	"fmt"
	"sort"

	"foreman/internal/domain/recovery"
	"foreman/internal/domain/storage"
	"foreman/internal/domain/task"
)

func (s *RecoveryStore) Quarantine(_ context.Context, entry *recovery.DLQEntry, t *task.Task) error {
	if len(entry.TaskSnapshot) == 0 {
		return fmt.Errorf("dlq entry %s requires a task snapshot", entry.ID)
	}
	s.db.mu.Lock()
	defer s.db.mu.Unlock()

	// Validate the task write before touching the entry so the pair stays atomic.
	cur, ok := s.db.tasks[t.ID]
	if !ok {
		return notFound("tasks", t.ID)
	}
	if cur.Revision != t.Revision {
		return stale("tasks", t.ID)
	}
	if err := t.Validate(); err != nil {
		return err
	}

	now := s.db.now()
	stored, exists := s.db.dlq[entry.ID]
	if exists {
		stored.FailureReason = entry.FailureReason
		stored.Status = entry.Status
		stored.RetryCount = entry.RetryCount
		stored.LastFailureAt = entry.LastFailureAt
		stored.UpdatedAt = now
	} else {
		stored = cloneDLQ(entry)
		stored.CreatedAt = now
		stored.UpdatedAt = now
		s.db.dlq[entry.ID] = stored
	}
	if err := s.db.updateTaskLocked(t); err != nil {
		return err
	}
	*entry = *cloneDLQ(stored)
	return nil
}

func (s *RecoveryStore) GetDLQEntry(_ context.Context, id string) (*recovery.DLQEntry, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	e, ok := s.db.dlq[id]
	if !ok {
		return nil, notFound("dlq entry", id)
	}
	return cloneDLQ(e), nil
}

func (s *RecoveryStore) FindDLQEntryByTask(_ context.Context, taskID string) (*recovery.DLQEntry, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	var best *recovery.DLQEntry
	for _, e := range s.db.dlq {
		if e.TaskID != taskID {
			continue
		}
		if best == nil || e.CreatedAt.After(best.CreatedAt) {
			best = e
		}
	}
	if best == nil {
		return nil, notFound("dlq entry for task", taskID)
	}
	return cloneDLQ(best), nil
}

func (s *RecoveryStore) ListDLQ(_ context.Context, f recovery.DLQFilter) ([]*recovery.DLQEntry, error) {
	s.db.mu.Lock()
	var out []*recovery.DLQEntry
	for _, e := range s.db.dlq {
		if len(f.Statuses) > 0 && !contains(f.Statuses, e.Status) {
			continue
		}
		if f.TaskID != "" && e.TaskID != f.TaskID {
			continue
		}
		out = append(out, cloneDLQ(e))
	}
	s.db.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return page(out, 0, f.Limit), nil
}

func (s *RecoveryStore) TransitionDLQ(_ context.Context, entry *recovery.DLQEntry, from recovery.DLQStatus, t *task.Task) error {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	stored, ok := s.db.dlq[entry.ID]
	if !ok {
		return notFound("dead_letter_queue", entry.ID)
	}
	if stored.Status != from {
		return stale("dead_letter_queue", entry.ID)
	}
	if t != nil {
		if err := s.db.updateTaskLocked(t); err != nil {
			return err
		}
	}
	now := s.db.now()
	stored.Status = entry.Status
	stored.RetryCount = entry.RetryCount
	stored.FailureReason = entry.FailureReason
	stored.LastFailureAt = entry.LastFailureAt
	stored.ResolutionNotes = entry.ResolutionNotes
	stored.ResolvedBy = entry.ResolvedBy
	stored.ResolvedAt = entry.ResolvedAt
	stored.UpdatedAt = now
	entry.UpdatedAt = now
	return nil
}

func (s *RecoveryStore) CreateEscalation(_ context.Context, e *recovery.Escalation) error {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	if _, ok := s.db.escalations[e.ID]; ok {
		return fmt.Errorf("escalation %s: %w", e.ID, storage.ErrDuplicate)
	}
	if e.Status == recovery.EscalationOpen {
		for _, other := range s.db.escalations {
			if other.Status == recovery.EscalationOpen && other.TaskID == e.TaskID && other.Reason == e.Reason {
				return fmt.Errorf("open escalation for %s (%s): %w", e.TaskID, e.Reason, storage.ErrDuplicate)
			}
		}
	}
	now := s.db.now()
	if e.CreatedAt.IsZero() {
		e.CreatedAt = now
	}
	if e.EscalatedAt.IsZero() {
		e.EscalatedAt = e.CreatedAt
	}
	s.db.escalations[e.ID] = cloneEscalation(e)
	return nil
}

func (s *RecoveryStore) GetEscalation(_ context.Context, id string) (*recovery.Escalation, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	e, ok := s.db.escalations[id]
	if !ok {
		return nil, notFound("escalation", id)
	}
	return cloneEscalation(e), nil
}

func (s *RecoveryStore) ListEscalations(_ context.Context, f recovery.EscalationFilter) ([]*recovery.Escalation, error) {
	s.db.mu.Lock()
	var out []*recovery.Escalation
	for _, e := range s.db.escalations {
		if len(f.Statuses) > 0 && !contains(f.Statuses, e.Status) {
			continue
		}
		if f.TaskID != "" && e.TaskID != f.TaskID {
			continue
		}
		if !f.DueBefore.IsZero() && e.TimeoutAt.After(f.DueBefore) {
			continue
		}
		out = append(out, cloneEscalation(e))
	}
	s.db.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return page(out, 0, f.Limit), nil
}

func (s *RecoveryStore) UpdateEscalation(_ context.Context, e *recovery.Escalation, fromStatus recovery.EscalationStatus, fromLevel recovery.EscalationLevel) error {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	stored, ok := s.db.escalations[e.ID]
	if !ok {
		return notFound("escalations", e.ID)
	}
	if stored.Status != fromStatus || stored.Level != fromLevel {
		return stale("escalations", e.ID)
	}
	created := stored.CreatedAt
	*stored = *cloneEscalation(e)
	stored.CreatedAt = created
	return nil
}
