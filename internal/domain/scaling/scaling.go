// Package scaling defines the auto-scaler's inputs, decisions and the shared
// cooldown state port.
package scaling

import (
	"context"
	"time"
)

// QueueMetrics are task counts per coarse status.
type QueueMetrics struct {
	Pending         int `json:"pending"`
	InProgress      int `json:"in_progress"`
	WaitingApproval int `json:"waiting_approval"`
}

// WorkerMetrics summarise the registry. Active counts idle and busy workers
// with a fresh heartbeat; Stale counts idle or busy workers whose heartbeat
// is older than the staleness threshold.
type WorkerMetrics struct {
	Active        int `json:"active"`
	Idle          int `json:"idle"`
	Busy          int `json:"busy"`
	Stale         int `json:"stale"`
	Offline       int `json:"offline"`
	TotalCapacity int `json:"total_capacity"`
	UsedCapacity  int `json:"used_capacity"`
}

// Policy bounds and paces scaling actions.
type Policy struct {
	MinWorkers         int           `json:"min_workers" yaml:"min_workers"`
	MaxWorkers         int           `json:"max_workers" yaml:"max_workers"`
	ScaleUpThreshold   int           `json:"scale_up_threshold" yaml:"scale_up_threshold"`
	ScaleDownThreshold int           `json:"scale_down_threshold" yaml:"scale_down_threshold"`
	ScaleUpCooldown    time.Duration `json:"scale_up_cooldown" yaml:"scale_up_cooldown"`
	ScaleDownCooldown  time.Duration `json:"scale_down_cooldown" yaml:"scale_down_cooldown"`
}

// DefaultPolicy returns the stock scaling policy.
func DefaultPolicy() Policy {
	return Policy{
		MinWorkers:         1,
		MaxWorkers:         10,
		ScaleUpThreshold:   5,
		ScaleDownThreshold: 0,
		ScaleUpCooldown:    5 * time.Minute,
		ScaleDownCooldown:  10 * time.Minute,
	}
}

// Action is the direction of a scaling decision.
type Action string

const (
	ActionScaleUp   Action = "SCALE_UP"
	ActionScaleDown Action = "SCALE_DOWN"
	ActionNone      Action = "NO_ACTION"
)

// Decision is the ephemeral outcome of one evaluation.
type Decision struct {
	Action         Action        `json:"action"`
	Reason         string        `json:"reason"`
	CurrentWorkers int           `json:"current_workers"`
	TargetWorkers  int           `json:"target_workers"`
	Count          int           `json:"count"`
	Queue          QueueMetrics  `json:"queue"`
	Workers        WorkerMetrics `json:"workers"`
	EvaluatedAt    time.Time     `json:"evaluated_at"`
}

// Event is one append-only scaling audit row.
type Event struct {
	ID            int64     `json:"id"`
	Action        Action    `json:"action"`
	Reason        string    `json:"reason"`
	WorkersBefore int       `json:"workers_before"`
	WorkersAfter  int       `json:"workers_after"`
	QueueDepth    int       `json:"queue_depth"`
	CreatedAt     time.Time `json:"created_at"`
}

// CooldownState holds the last-action timestamps shared by scaler replicas.
type CooldownState struct {
	Name            string     `json:"name"`
	LastScaleUpAt   *time.Time `json:"last_scale_up_at,omitempty"`
	LastScaleDownAt *time.Time `json:"last_scale_down_at,omitempty"`
}

// Last returns the timestamp tracked for action.
func (s CooldownState) Last(action Action) *time.Time {
	switch action {
	case ActionScaleUp:
		return s.LastScaleUpAt
	case ActionScaleDown:
		return s.LastScaleDownAt
	}
	return nil
}

// Store persists cooldown state and the scaling audit log.
type Store interface {
	// GetCooldown returns the state for name; absent state is zero-valued.
	GetCooldown(ctx context.Context, name string) (CooldownState, error)

	// ClaimCooldown sets the timestamp for action to now only if it still
	// equals prev (nil meaning never set). False means another replica won.
	ClaimCooldown(ctx context.Context, name string, action Action, prev *time.Time, now time.Time) (bool, error)

	AppendEvent(ctx context.Context, e Event) error

	// ListEvents returns the newest events first.
	ListEvents(ctx context.Context, limit int) ([]Event, error)
}
