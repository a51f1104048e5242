package recovery

import (
	"context"
	"errors"
	"fmt"

	domain "foreman/internal/domain/recovery"
	"foreman/internal/domain/storage"
	"foreman/internal/domain/task"
	"foreman/internal/shared/utils/id"
)

// Task metadata keys written by the dead-letter manager. The history keys
// hold one element per event, oldest first.
const (
	MetaFailureHistory  = "failure_history"
	MetaDLQReason       = "dlq_reason"
	MetaDLQRetryHistory = "dlq_retry_history"
	MetaDLQResolution   = "dlq_resolution"
)

// ReasonBudgetExhausted prefixes owner escalations for abandoned entries.
const ReasonBudgetExhausted = "dead-letter budget exhausted"

// FailureResult reports what HandleTaskFailure did.
type FailureResult struct {
	TaskID       string           `json:"task_id"`
	FailureCount int              `json:"failure_count"`
	Quarantined  bool             `json:"quarantined"`
	Entry        *domain.DLQEntry `json:"entry,omitempty"`
}

// HandleTaskFailure records one failed attempt. The assignment is cleared;
// the task goes back to pending until the failure budget is spent, and is
// quarantined after that. Worker slots are returned by the coordinator.
func (m *Manager) HandleTaskFailure(ctx context.Context, taskID, reason string) (FailureResult, error) {
	t, err := m.tasks.Get(ctx, taskID)
	if err != nil {
		return FailureResult{}, fmt.Errorf("load task %s: %w", taskID, err)
	}
	if err := notQuarantinable(t); err != nil {
		return FailureResult{TaskID: taskID}, err
	}

	now := m.now()
	t.FailureCount++
	t.AppendAnnotation(MetaFailureHistory, map[string]any{
		"reason":  reason,
		"worker":  t.AssignedWorker,
		"attempt": t.FailureCount,
		"at":      now,
	})
	t.Unassign()
	res := FailureResult{TaskID: t.ID, FailureCount: t.FailureCount}

	if ShouldMoveToDlq(t.FailureCount, m.cfg.MaxRetries) {
		entry, err := m.quarantine(ctx, t, reason)
		if err != nil {
			return res, err
		}
		res.Quarantined = true
		res.Entry = entry
		return res, nil
	}

	t.Status = task.StatusPending
	if err := m.tasks.Update(ctx, t); err != nil {
		return res, fmt.Errorf("requeue task %s: %w", t.ID, err)
	}
	m.logger.Info("task %s failed attempt %d/%d, requeued: %s", t.ID, t.FailureCount, m.cfg.MaxRetries, reason)
	return res, nil
}

// MoveToDlq quarantines a task. The snapshot is taken before the task is
// marked, so it reflects the task at failure time.
func (m *Manager) MoveToDlq(ctx context.Context, taskID, reason string) (*domain.DLQEntry, error) {
	t, err := m.tasks.Get(ctx, taskID)
	if err != nil {
		return nil, fmt.Errorf("load task %s: %w", taskID, err)
	}
	if err := notQuarantinable(t); err != nil {
		return nil, err
	}
	return m.quarantine(ctx, t, reason)
}

func (m *Manager) quarantine(ctx context.Context, t *task.Task, reason string) (*domain.DLQEntry, error) {
	snapshot, err := t.Snapshot()
	if err != nil {
		return nil, fmt.Errorf("snapshot task %s: %w", t.ID, err)
	}
	now := m.now()

	entry := &domain.DLQEntry{
		ID:            id.NewDLQID(),
		TaskID:        t.ID,
		TaskSnapshot:  snapshot,
		FailureReason: reason,
		Status:        domain.DLQPending,
		LastFailureAt: now,
	}
	// A retried task coming back reuses its entry; past the retry budget the
	// entry is abandoned instead of waiting for another retry.
	prior, err := m.store.FindDLQEntryByTask(ctx, t.ID)
	switch {
	case err == nil && prior.Status == domain.DLQRetrying:
		entry.ID = prior.ID
		entry.RetryCount = prior.RetryCount
		if prior.RetryCount >= m.cfg.DLQMaxRetries {
			entry.Status = domain.DLQAbandoned
		}
	case err != nil && !errors.Is(err, storage.ErrNotFound):
		return nil, fmt.Errorf("look up dlq entry for %s: %w", t.ID, err)
	}

	t.MovedToDLQ = true
	t.DLQEntryID = entry.ID
	t.Status = task.StatusFailed
	t.Unassign()
	t.Annotate(MetaDLQReason, reason)
	if err := m.store.Quarantine(ctx, entry, t); err != nil {
		return nil, fmt.Errorf("quarantine task %s: %w", t.ID, err)
	}
	m.metrics.ObserveDLQ(string(entry.Status))
	m.logger.Warn("task %s moved to dead-letter entry %s (%s): %s", t.ID, entry.ID, entry.Status, reason)

	if entry.Status == domain.DLQAbandoned {
		m.escalateExhausted(ctx, t.ID, entry)
	}
	return entry, nil
}

func (m *Manager) escalateExhausted(ctx context.Context, taskID string, entry *domain.DLQEntry) {
	reason := fmt.Sprintf("%s after %d retries", ReasonBudgetExhausted, entry.RetryCount)
	if _, err := m.OpenEscalation(ctx, taskID, reason, domain.LevelOwner); err != nil && !errors.Is(err, storage.ErrDuplicate) {
		m.logger.Warn("escalate abandoned entry %s: %v", entry.ID, err)
	}
}

// RetryDlqItem requeues the original task of a pending entry. Entries in any
// other status are rejected with task.ErrInvalidTransition. The task keeps
// its metadata and gains a retry annotation; its failure count restarts.
func (m *Manager) RetryDlqItem(ctx context.Context, dlqID string) (*domain.DLQEntry, error) {
	entry, err := m.store.GetDLQEntry(ctx, dlqID)
	if err != nil {
		return nil, fmt.Errorf("load dlq entry %s: %w", dlqID, err)
	}
	if entry.Status != domain.DLQPending {
		return nil, fmt.Errorf("%w: dlq entry %s is %s, only pending entries can be retried", task.ErrInvalidTransition, dlqID, entry.Status)
	}
	t, err := m.tasks.Get(ctx, entry.TaskID)
	if err != nil {
		return nil, fmt.Errorf("load task %s: %w", entry.TaskID, err)
	}

	now := m.now()
	entry.Status = domain.DLQRetrying
	entry.RetryCount++

	t.AppendAnnotation(MetaDLQRetryHistory, map[string]any{
		"entry_id":       entry.ID,
		"retry_count":    entry.RetryCount,
		"prior_failures": t.FailureCount,
		"prior_reason":   entry.FailureReason,
		"at":             now,
	})
	t.Status = task.StatusPending
	t.MovedToDLQ = false
	t.Unassign()
	t.FailureCount = 0

	if err := m.store.TransitionDLQ(ctx, entry, domain.DLQPending, t); err != nil {
		return nil, fmt.Errorf("retry dlq entry %s: %w", dlqID, err)
	}
	m.metrics.ObserveDLQ(string(entry.Status))
	m.logger.Info("dead-letter entry %s retried (attempt %d), task %s requeued", entry.ID, entry.RetryCount, t.ID)
	return entry, nil
}

// ResolveDlqItem closes a pending entry without requeueing its task.
func (m *Manager) ResolveDlqItem(ctx context.Context, dlqID, notes, by string) (*domain.DLQEntry, error) {
	return m.close(ctx, dlqID, domain.DLQResolved, notes, by)
}

// AbandonDlqItem gives up on a pending entry and raises an owner escalation.
func (m *Manager) AbandonDlqItem(ctx context.Context, dlqID, notes, by string) (*domain.DLQEntry, error) {
	entry, err := m.close(ctx, dlqID, domain.DLQAbandoned, notes, by)
	if err != nil {
		return nil, err
	}
	m.escalateExhausted(ctx, entry.TaskID, entry)
	return entry, nil
}

func (m *Manager) close(ctx context.Context, dlqID string, to domain.DLQStatus, notes, by string) (*domain.DLQEntry, error) {
	entry, err := m.store.GetDLQEntry(ctx, dlqID)
	if err != nil {
		return nil, fmt.Errorf("load dlq entry %s: %w", dlqID, err)
	}
	if entry.Status != domain.DLQPending {
		return nil, fmt.Errorf("%w: dlq entry %s is %s", task.ErrInvalidTransition, dlqID, entry.Status)
	}
	t, err := m.tasks.Get(ctx, entry.TaskID)
	if err != nil {
		return nil, fmt.Errorf("load task %s: %w", entry.TaskID, err)
	}

	now := m.now()
	entry.Status = to
	entry.ResolutionNotes = notes
	entry.ResolvedBy = by
	entry.ResolvedAt = &now
	t.Annotate(MetaDLQResolution, map[string]any{
		"entry_id": entry.ID,
		"status":   string(to),
		"notes":    notes,
		"by":       by,
		"retried":  false,
		"at":       now,
	})
	if err := m.store.TransitionDLQ(ctx, entry, domain.DLQPending, t); err != nil {
		return nil, fmt.Errorf("%s dlq entry %s: %w", to, dlqID, err)
	}
	m.metrics.ObserveDLQ(string(to))
	m.logger.Info("dead-letter entry %s %s by %s", entry.ID, to, by)
	return entry, nil
}

// ListDlq lists entries.
func (m *Manager) ListDlq(ctx context.Context, f domain.DLQFilter) ([]*domain.DLQEntry, error) {
	return m.store.ListDLQ(ctx, f)
}
