package recovery

import (
	"context"
	"errors"
	"fmt"
	"strings"

	domain "foreman/internal/domain/recovery"
	"foreman/internal/domain/storage"
	"foreman/internal/domain/task"
	"foreman/internal/shared/utils/id"
)

// Reason prefixes of escalations opened by the other subsystems.
const (
	ReasonGateFailurePrefix  = "repeated gate failure: "
	ReasonRouteFailurePrefix = "route failure: "
)

// OpenEscalation opens an escalation at level. An open escalation for the
// same task and reason yields storage.ErrDuplicate.
func (m *Manager) OpenEscalation(ctx context.Context, taskID, reason string, level domain.EscalationLevel) (*domain.Escalation, error) {
	if !level.Valid() {
		return nil, fmt.Errorf("unknown escalation level %q", level)
	}
	if strings.TrimSpace(reason) == "" {
		return nil, errors.New("escalation reason is required")
	}
	now := m.now()
	e := &domain.Escalation{
		ID:          id.NewEscalationID(),
		TaskID:      taskID,
		Reason:      reason,
		Level:       level,
		Status:      domain.EscalationOpen,
		CreatedAt:   now,
		EscalatedAt: now,
		TimeoutAt:   now.Add(m.EscalationPolicy().TimeoutFor(level)),
	}
	if err := m.store.CreateEscalation(ctx, e); err != nil {
		return nil, fmt.Errorf("open escalation for %s: %w", taskID, err)
	}
	m.metrics.ObserveEscalation(string(level), "opened")
	m.logger.Warn("escalation %s opened at %s level for task %s: %s", e.ID, level, taskID, reason)
	return e, nil
}

// ResolveEscalation closes an open escalation with a decision.
func (m *Manager) ResolveEscalation(ctx context.Context, escalationID, resolution, by string) (*domain.Escalation, error) {
	e, err := m.store.GetEscalation(ctx, escalationID)
	if err != nil {
		return nil, fmt.Errorf("load escalation %s: %w", escalationID, err)
	}
	if e.Status != domain.EscalationOpen {
		return nil, fmt.Errorf("%w: escalation %s is %s", task.ErrInvalidTransition, escalationID, e.Status)
	}
	m.resolve(e, domain.EscalationResolved, resolution, by)
	if err := m.store.UpdateEscalation(ctx, e, domain.EscalationOpen, e.Level); err != nil {
		return nil, fmt.Errorf("resolve escalation %s: %w", escalationID, err)
	}
	m.metrics.ObserveEscalation(string(e.Level), "resolved")
	m.logger.Info("escalation %s resolved by %s", e.ID, by)
	return e, nil
}

func (m *Manager) resolve(e *domain.Escalation, status domain.EscalationStatus, resolution, by string) {
	now := m.now()
	e.Status = status
	e.Resolution = resolution
	e.ResolvedBy = by
	e.ResolvedAt = &now
}

// ListEscalations lists escalations.
func (m *Manager) ListEscalations(ctx context.Context, f domain.EscalationFilter) ([]*domain.Escalation, error) {
	return m.store.ListEscalations(ctx, f)
}

// SweepResult counts what one sweep did.
type SweepResult struct {
	Examined     int `json:"examined"`
	Raised       int `json:"raised"`
	AutoResolved int `json:"auto_resolved"`
	Rearmed      int `json:"rearmed"`
	Skipped      int `json:"skipped"`
}

// SweepEscalations handles every open escalation past its timeout: cleared
// conditions auto-resolve when the policy allows it, other escalations move
// one level up, and owner-level ones are either auto-resolved or re-armed.
// Writes are guarded on status and level, so concurrent sweeps skip rather
// than double-raise.
func (m *Manager) SweepEscalations(ctx context.Context) (SweepResult, error) {
	var res SweepResult
	now := m.now()
	due, err := m.store.ListEscalations(ctx, domain.EscalationFilter{
		Statuses:  []domain.EscalationStatus{domain.EscalationOpen},
		DueBefore: now,
	})
	if err != nil {
		return res, fmt.Errorf("list due escalations: %w", err)
	}
	policy := m.EscalationPolicy()

	for _, e := range due {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		res.Examined++
		from := e.Level
		event := ""

		switch {
		case policy.AutoResolveWhenCleared && m.conditionCleared(ctx, e):
			m.resolve(e, domain.EscalationAutoResolved, "condition cleared before timeout handling", "sweeper")
			event = "auto_resolved"
		default:
			if next, ok := from.Next(); ok {
				e.Level = next
				e.EscalatedAt = now
				e.TimeoutAt = now.Add(policy.TimeoutFor(next))
				event = "raised"
			} else if policy.AutoResolveAtCeiling {
				m.resolve(e, domain.EscalationAutoResolved, "timed out at owner level", "sweeper")
				event = "auto_resolved"
			} else {
				e.TimeoutAt = now.Add(policy.TimeoutFor(from))
				event = "rearmed"
			}
		}

		if err := m.store.UpdateEscalation(ctx, e, domain.EscalationOpen, from); err != nil {
			if errors.Is(err, storage.ErrStale) {
				res.Skipped++
				continue
			}
			return res, fmt.Errorf("sweep escalation %s: %w", e.ID, err)
		}
		switch event {
		case "raised":
			res.Raised++
			m.logger.Warn("escalation %s for task %s raised %s -> %s", e.ID, e.TaskID, from, e.Level)
		case "auto_resolved":
			res.AutoResolved++
			m.logger.Info("escalation %s for task %s auto-resolved: %s", e.ID, e.TaskID, e.Resolution)
		case "rearmed":
			res.Rearmed++
		}
		m.metrics.ObserveEscalation(string(e.Level), event)
	}
	return res, nil
}

// conditionCleared reports whether the situation that opened e is gone.
func (m *Manager) conditionCleared(ctx context.Context, e *domain.Escalation) bool {
	t, err := m.tasks.Get(ctx, e.TaskID)
	if err != nil {
		return errors.Is(err, storage.ErrNotFound)
	}
	if t.Status.IsTerminal() {
		return true
	}
	switch {
	case strings.HasPrefix(e.Reason, ReasonGateFailurePrefix):
		gate := strings.TrimPrefix(e.Reason, ReasonGateFailurePrefix)
		current, ok := t.EffectiveGate()
		return !ok || current.ID() != gate
	case strings.HasPrefix(e.Reason, ReasonRouteFailurePrefix):
		return t.AssignedWorker != ""
	}
	return false
}
