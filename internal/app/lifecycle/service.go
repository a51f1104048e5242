// Package lifecycle is the task state machine: gate-driven advancement and
// the plan submission and approval protocol that guards in_progress.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"foreman/internal/app/gate"
	"foreman/internal/domain/recovery"
	"foreman/internal/domain/storage"
	"foreman/internal/domain/task"
	"foreman/internal/infra/observability"
	"foreman/internal/shared/logging"
)

// Escalator opens escalations. Implementations return storage.ErrDuplicate
// when an equivalent escalation is already open.
type Escalator interface {
	OpenEscalation(ctx context.Context, taskID, reason string, level recovery.EscalationLevel) (*recovery.Escalation, error)
}

// Config tunes the state machine.
type Config struct {
	// GateFailureThreshold opens an escalation every time a gate's failure
	// count reaches a multiple of it. Zero disables escalation.
	GateFailureThreshold int
}

// DefaultConfig returns the defaults.
func DefaultConfig() Config {
	return Config{GateFailureThreshold: 3}
}

// Dependencies are the collaborators of a Service.
type Dependencies struct {
	Tasks     task.Store
	Gates     gate.Checker
	Escalator Escalator
	Metrics   *observability.Metrics
	Tracer    *observability.TracerProvider
}

// Service drives task state.
type Service struct {
	tasks     task.Store
	gates     gate.Checker
	escalator Escalator
	metrics   *observability.Metrics
	tracer    *observability.TracerProvider
	logger    logging.Logger
	cfg       Config
	now       func() time.Time
}

// New builds a Service.
func New(deps Dependencies, cfg Config, logger logging.Logger) *Service {
	return &Service{
		tasks:     deps.Tasks,
		gates:     deps.Gates,
		escalator: deps.Escalator,
		metrics:   deps.Metrics,
		tracer:    deps.Tracer,
		logger:    logging.OrNop(logger),
		cfg:       cfg,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// SetEscalator attaches the escalation sink after construction.
func (s *Service) SetEscalator(e Escalator) { s.escalator = e }

// AdvanceResult reports what AdvanceTask did.
type AdvanceResult struct {
	TaskID string `json:"task_id"`
	// Advanced is true when the task moved to the next gate or completed.
	Advanced    bool           `json:"advanced"`
	Completed   bool           `json:"completed"`
	FromGate    string         `json:"from_gate,omitempty"`
	CurrentGate string         `json:"current_gate,omitempty"`
	Stage       task.Stage     `json:"stage"`
	Reason      string         `json:"reason,omitempty"`
	Evidence    map[string]any `json:"evidence,omitempty"`
	Escalated   bool           `json:"escalated,omitempty"`
}

// AdvanceTask evaluates the task's current gate and, when it passes, moves
// to the next gate in declaration order or completes the task. A failing
// gate leaves the task untouched. A lost race returns task.ErrStale.
func (s *Service) AdvanceTask(ctx context.Context, taskID string) (AdvanceResult, error) {
	ctx, span := s.tracer.StartSpan(ctx, observability.SpanAdvanceTask, attribute.String(observability.AttrTaskID, taskID))
	defer span.End()

	t, err := s.tasks.Get(ctx, taskID)
	if err != nil {
		return AdvanceResult{}, fmt.Errorf("load task %s: %w", taskID, err)
	}
	result := AdvanceResult{TaskID: t.ID, CurrentGate: t.CurrentGate, Stage: t.Stage}

	switch {
	case t.Status == task.StatusCompleted:
		result.Completed = true
		result.Reason = "task already completed"
		return result, nil
	case t.Status == task.StatusCancelled:
		return result, fmt.Errorf("%w: task %s is cancelled", task.ErrInvalidTransition, t.ID)
	case t.MovedToDLQ:
		return result, fmt.Errorf("%w: task %s is quarantined", task.ErrInvalidTransition, t.ID)
	}

	if len(t.VerificationChain) == 0 {
		s.complete(t, nil)
		if err := s.tasks.Update(ctx, t); err != nil {
			return result, fmt.Errorf("complete task %s: %w", t.ID, err)
		}
		s.logger.Info("task %s completed with empty verification chain", t.ID)
		result.Advanced, result.Completed, result.Stage = true, true, t.Stage
		return result, nil
	}

	current, ok := t.EffectiveGate()
	if !ok {
		return result, fmt.Errorf("%w: current gate %q not in chain of task %s", task.ErrInvalidGate, t.CurrentGate, t.ID)
	}
	result.FromGate = current.ID()
	result.CurrentGate = current.ID()

	res := s.gates.Check(ctx, t, current)
	result.Evidence = res.Evidence
	if !res.Passed {
		result.Reason = res.Reason
		s.logAuditBestEffort(ctx, task.GateTransition{
			TaskID:         t.ID,
			FromGate:       current.ID(),
			Passed:         false,
			Reason:         res.Reason,
			Evidence:       res.Evidence,
			TransitionedAt: s.now(),
		})
		result.Escalated = s.escalateRepeatedFailure(ctx, t.ID, current.ID())
		return result, nil
	}

	t.MergeEvidence(current.ID(), res.Evidence)
	idx := t.GateIndex(current.ID())
	transition := task.GateTransition{
		TaskID:         t.ID,
		FromGate:       current.ID(),
		Passed:         true,
		Evidence:       res.Evidence,
		TransitionedAt: s.now(),
	}
	if idx == len(t.VerificationChain)-1 {
		t.CurrentGate = current.ID()
		s.complete(t, res.Evidence)
		result.Completed = true
	} else {
		next := t.VerificationChain[idx+1]
		t.CurrentGate = next.ID()
		transition.ToGate = next.ID()
		t.Stage = stageAfterGate(t.Stage, current.Type)
	}
	if err := s.tasks.Update(ctx, t, task.WithGateTransition(transition)); err != nil {
		if errors.Is(err, task.ErrStale) {
			return result, fmt.Errorf("advance task %s past %s: %w", t.ID, current.ID(), err)
		}
		return result, fmt.Errorf("persist task %s: %w", t.ID, err)
	}
	result.Advanced = true
	result.CurrentGate = t.CurrentGate
	result.Stage = t.Stage
	if result.Completed {
		s.logger.Info("task %s completed after gate %s", t.ID, current.ID())
	} else {
		s.logger.Info("task %s advanced %s -> %s", t.ID, current.ID(), t.CurrentGate)
	}
	return result, nil
}

func (s *Service) complete(t *task.Task, evidence map[string]any) {
	now := s.now()
	t.Stage = task.StageCompleted
	t.Status = task.StatusCompleted
	t.CompletedAt = &now
	if t.CompletionEvidence == nil {
		t.CompletionEvidence = make(map[string]any)
	}
	t.CompletionEvidence["completed_at"] = now.Format(time.RFC3339)
	if len(t.VerificationChain) > 0 {
		t.CompletionEvidence["final_gate"] = t.CurrentGate
	}
	for k, v := range evidence {
		if k == "checked_at" {
			continue
		}
		t.CompletionEvidence[k] = v
	}
}

// stageAfterGate maps a passed gate onto a stage hint for tasks already in
// execution. Stages never move backwards.
func stageAfterGate(stage task.Stage, passed task.GateType) task.Stage {
	if !stage.AtLeast(task.StageInProgress) {
		return stage
	}
	var hint task.Stage
	switch passed {
	case task.GatePRCreated, task.GateReviewRequested:
		hint = task.StagePendingReview
	case task.GateReviewPassed:
		hint = task.StageReviewPassed
	case task.GateMerged:
		hint = task.StagePendingDeploy
	case task.GateDeployed:
		hint = task.StageDeployed
	case task.GateHealthCheck:
		if stage.AtLeast(task.StagePendingDeploy) {
			hint = task.StageDeployed
		}
	}
	if hint == "" || !hint.AtLeast(stage) || hint == task.StageCompleted {
		return stage
	}
	return hint
}

// logAuditBestEffort writes an audit row outside of any task update. Failure
// is logged and counted, and never fails the caller.
func (s *Service) logAuditBestEffort(ctx context.Context, tr task.GateTransition) {
	if err := s.tasks.AppendGateTransition(ctx, tr); err != nil {
		s.metrics.IncAuditFailure("gate_transitions")
		s.logger.Warn("audit write for task %s gate %s failed: %v", tr.TaskID, tr.FromGate, err)
	}
}

func (s *Service) escalateRepeatedFailure(ctx context.Context, taskID, gateName string) bool {
	threshold := s.cfg.GateFailureThreshold
	if threshold <= 0 || s.escalator == nil {
		return false
	}
	failures, err := s.tasks.CountGateFailures(ctx, taskID, gateName)
	if err != nil {
		s.logger.Warn("count gate failures for task %s: %v", taskID, err)
		return false
	}
	if failures == 0 || failures%threshold != 0 {
		return false
	}
	reason := "repeated gate failure: " + gateName
	if _, err := s.escalator.OpenEscalation(ctx, taskID, reason, recovery.LevelWorker); err != nil {
		if !errors.Is(err, storage.ErrDuplicate) {
			s.logger.Warn("escalate task %s: %v", taskID, err)
		}
		return false
	}
	s.logger.Warn("task %s escalated after %d failures of gate %s", taskID, failures, gateName)
	return true
}
