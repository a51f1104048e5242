package task

import (
	"context"
	"time"
)

// GateTransition is one append-only record of a gate evaluation. Passed rows
// are written together with the task update that advanced the chain.
type GateTransition struct {
	ID             int64          `json:"id"`
	TaskID         string         `json:"task_id"`
	FromGate       string         `json:"from_gate"`
	ToGate         string         `json:"to_gate,omitempty"`
	Passed         bool           `json:"passed"`
	Reason         string         `json:"reason,omitempty"`
	Evidence       map[string]any `json:"evidence,omitempty"`
	TransitionedAt time.Time      `json:"transitioned_at"`
}

// Filter narrows List results. Zero values match everything.
type Filter struct {
	Statuses       []Status
	Stages         []Stage
	AssignedWorker string
	Unassigned     bool
	Limit          int
	Offset         int
}

// UpdateParams holds optional side writes for an Update call.
type UpdateParams struct {
	Transition *GateTransition
}

// UpdateOption customises an Update call.
type UpdateOption func(*UpdateParams)

// WithGateTransition appends tr in the same atomic write as the task update.
func WithGateTransition(tr GateTransition) UpdateOption {
	return func(p *UpdateParams) { p.Transition = &tr }
}

// ApplyUpdateOptions collects all options into an UpdateParams.
func ApplyUpdateOptions(opts []UpdateOption) UpdateParams {
	var p UpdateParams
	for _, fn := range opts {
		fn(&p)
	}
	return p
}

// Store is the task persistence port. Every mutating call is conditionally
// applied; a lost race surfaces as ErrStale.
type Store interface {
	// Create persists a new task at revision 1.
	Create(ctx context.Context, t *Task) error

	// Get retrieves a task by ID.
	Get(ctx context.Context, taskID string) (*Task, error)

	// List returns tasks matching f, highest priority first then oldest.
	List(ctx context.Context, f Filter) ([]*Task, error)

	// Update writes t only if the stored revision still equals t.Revision.
	// On success t.Revision and t.UpdatedAt are bumped in place.
	Update(ctx context.Context, t *Task, opts ...UpdateOption) error

	// Assign sets assigned_worker on a pending, unassigned task and moves its
	// status to in_progress.
	Assign(ctx context.Context, taskID, workerID string) (*Task, error)

	// Release clears the assignment held by workerID and returns the task to
	// pending, recording note in metadata under "last_release".
	Release(ctx context.Context, taskID, workerID, note string) (*Task, error)

	// ClaimNextPending assigns the highest-priority unassigned pending task
	// whose required capabilities are covered by capabilities. Returns
	// ErrNotFound when nothing is claimable.
	ClaimNextPending(ctx context.Context, workerID string, capabilities []string) (*Task, error)

	// CountByStatus returns the number of tasks per status.
	CountByStatus(ctx context.Context) (map[Status]int, error)

	// AppendGateTransition writes an audit row outside of a task update.
	AppendGateTransition(ctx context.Context, tr GateTransition) error

	// ListGateTransitions returns the audit trail for a task, oldest first.
	ListGateTransitions(ctx context.Context, taskID string, limit int) ([]GateTransition, error)

	// CountGateFailures counts failed evaluations of gate for a task.
	CountGateFailures(ctx context.Context, taskID, gate string) (int, error)
}
