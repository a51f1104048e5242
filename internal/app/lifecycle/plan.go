package lifecycle

import (
	"context"
	"fmt"
	"strings"

	"foreman/internal/domain/task"
)

// SubmitResult carries the stored task and the validation outcome, including
// warnings for recommended fields that were left out.
type SubmitResult struct {
	Task       *task.Task            `json:"task"`
	Validation task.ValidationResult `json:"validation"`
}

var submittableStages = map[task.Stage]bool{
	task.StageUnset:         true,
	task.StageDecomposed:    true,
	task.StagePlanSubmitted: true,
}

// SubmitPlan records a new plan version. Resubmission bumps the version and
// carries the previous reviewer feedback forward; a task already past
// plan_submitted is rejected.
func (s *Service) SubmitPlan(ctx context.Context, taskID string, plan *task.Plan, submittedBy string) (SubmitResult, error) {
	validation := task.ValidatePlan(plan)
	if err := validation.Err(); err != nil {
		return SubmitResult{Validation: validation}, err
	}
	t, err := s.tasks.Get(ctx, taskID)
	if err != nil {
		return SubmitResult{Validation: validation}, fmt.Errorf("load task %s: %w", taskID, err)
	}
	if t.Status.IsTerminal() || t.MovedToDLQ {
		return SubmitResult{Validation: validation}, fmt.Errorf("%w: task %s is %s", task.ErrInvalidTransition, t.ID, t.Status)
	}
	if !submittableStages[t.Stage] {
		return SubmitResult{Validation: validation}, fmt.Errorf("%w: cannot submit a plan at stage %q", task.ErrInvalidTransition, t.Stage)
	}

	now := s.now()
	next := *plan
	next.Version = 1
	next.Approved = nil
	next.ApprovedBy = ""
	next.ApprovedAt = nil
	next.Feedback = ""
	next.SubmittedBy = submittedBy
	next.SubmittedAt = &now
	next.RejectionHistory = nil
	next.PriorFeedback = ""
	if prev := t.Plan; prev != nil {
		next.Version = prev.Version + 1
		next.RejectionHistory = append([]task.Rejection(nil), prev.RejectionHistory...)
		next.PriorFeedback = prev.PriorFeedback
		if strings.TrimSpace(prev.Feedback) != "" {
			next.PriorFeedback = prev.Feedback
		}
	}
	t.Plan = &next
	t.Stage = task.StagePlanSubmitted
	t.Status = task.StatusWaitingApproval
	if err := s.tasks.Update(ctx, t); err != nil {
		return SubmitResult{Validation: validation}, fmt.Errorf("store plan for task %s: %w", t.ID, err)
	}
	s.logger.Info("task %s plan v%d submitted by %s (%d warnings)", t.ID, next.Version, submittedBy, len(validation.Warnings))
	return SubmitResult{Task: t, Validation: validation}, nil
}

// ReviewPlan approves or rejects the submitted plan. Rejection requires
// feedback and leaves the task at plan_submitted, waiting_approval until the
// worker resubmits.
func (s *Service) ReviewPlan(ctx context.Context, taskID string, approved bool, feedback, reviewer string) (*task.Task, error) {
	feedback = strings.TrimSpace(feedback)
	if !approved && feedback == "" {
		return nil, fmt.Errorf("%w: rejection requires feedback", task.ErrInvalidPlan)
	}
	t, err := s.tasks.Get(ctx, taskID)
	if err != nil {
		return nil, fmt.Errorf("load task %s: %w", taskID, err)
	}
	if t.Stage != task.StagePlanSubmitted || t.Plan == nil {
		return nil, fmt.Errorf("%w: no plan awaiting review at stage %q", task.ErrInvalidTransition, t.Stage)
	}
	if t.Plan.Approved != nil {
		return nil, fmt.Errorf("%w: plan v%d already reviewed, resubmit first", task.ErrInvalidTransition, t.Plan.Version)
	}

	now := s.now()
	t.Plan.Feedback = feedback
	if approved {
		ok := true
		t.Plan.Approved = &ok
		t.Plan.ApprovedBy = reviewer
		t.Plan.ApprovedAt = &now
		t.Stage = task.StagePlanApproved
		t.Status = task.StatusInProgress
	} else {
		rejected := false
		t.Plan.Approved = &rejected
		t.Plan.RejectionHistory = append(t.Plan.RejectionHistory, task.Rejection{
			Version:    t.Plan.Version,
			Feedback:   feedback,
			RejectedBy: reviewer,
			RejectedAt: now,
		})
		t.Status = task.StatusWaitingApproval
	}
	if err := s.tasks.Update(ctx, t); err != nil {
		return nil, fmt.Errorf("store review for task %s: %w", t.ID, err)
	}
	verdict := "approved"
	if !approved {
		verdict = "rejected"
	}
	s.logger.Info("task %s plan v%d %s by %s", t.ID, t.Plan.Version, verdict, reviewer)
	return t, nil
}

// CanStartWork reports whether execution is permitted, with the reason when
// it is not.
func (s *Service) CanStartWork(ctx context.Context, taskID string) (bool, string, error) {
	t, err := s.tasks.Get(ctx, taskID)
	if err != nil {
		return false, "", fmt.Errorf("load task %s: %w", taskID, err)
	}
	ok, reason := CanStart(t)
	return ok, reason, nil
}

// CanStart is the single check that guards execution: an approved plan and
// a stage at or beyond plan_approved.
func CanStart(t *task.Task) (bool, string) {
	switch {
	case t.Plan == nil:
		return false, "no plan submitted"
	case !t.Plan.IsApproved():
		return false, fmt.Sprintf("plan v%d not approved", t.Plan.Version)
	case !t.Stage.AtLeast(task.StagePlanApproved):
		return false, fmt.Sprintf("stage %q precedes plan_approved", t.Stage)
	}
	return true, ""
}

// StartWorkOnTask moves a task from plan_approved to in_progress. It is the
// only path into in_progress.
func (s *Service) StartWorkOnTask(ctx context.Context, taskID string) (*task.Task, error) {
	t, err := s.tasks.Get(ctx, taskID)
	if err != nil {
		return nil, fmt.Errorf("load task %s: %w", taskID, err)
	}
	if ok, reason := CanStart(t); !ok {
		return nil, fmt.Errorf("%w: %s", task.ErrInvalidTransition, reason)
	}
	if t.Stage != task.StagePlanApproved {
		return nil, fmt.Errorf("%w: work starts only from plan_approved, task is at %q", task.ErrInvalidTransition, t.Stage)
	}
	now := s.now()
	t.Stage = task.StageInProgress
	t.Status = task.StatusInProgress
	if t.StartedAt == nil {
		t.StartedAt = &now
	}
	if err := s.tasks.Update(ctx, t); err != nil {
		return nil, fmt.Errorf("start task %s: %w", t.ID, err)
	}
	s.logger.Info("task %s started", t.ID)
	return t, nil
}
