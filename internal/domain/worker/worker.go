// Package worker defines the execution-unit registry record and its store port.
package worker

import (
	"context"
	"time"
)

// Status is the registry status of a worker.
type Status string

const (
	StatusIdle    Status = "idle"
	StatusBusy    Status = "busy"
	StatusOffline Status = "offline"
)

// Metadata keys written by the provisioning pipeline.
const (
	MetaServiceID    = "service_id"
	MetaDeploymentID = "deployment_id"
	MetaServiceURL   = "service_url"
	MetaProvisioned  = "provisioned_by"
)

// Worker is one registered execution unit.
type Worker struct {
	ID                 string         `json:"worker_id"`
	Role               string         `json:"role,omitempty"`
	Capabilities       []string       `json:"capabilities,omitempty"`
	Status             Status         `json:"status"`
	MaxConcurrentTasks int            `json:"max_concurrent_tasks"`
	CurrentTasks       int            `json:"current_tasks"`
	LastHeartbeat      time.Time      `json:"last_heartbeat"`
	SuccessRate        float64        `json:"success_rate"`
	DailyCost          float64        `json:"daily_cost"`
	TasksCompleted     int            `json:"tasks_completed"`
	TasksFailed        int            `json:"tasks_failed"`
	AvgTaskDurationMs  float64        `json:"avg_task_duration_ms"`
	Metadata           map[string]any `json:"metadata,omitempty"`
	RegisteredAt       time.Time      `json:"registered_at"`
	UpdatedAt          time.Time      `json:"updated_at"`
}

// LoadPercentage is current load relative to capacity; zero capacity is full.
func (w *Worker) LoadPercentage() float64 {
	if w.MaxConcurrentTasks <= 0 {
		return 100
	}
	return float64(w.CurrentTasks) / float64(w.MaxConcurrentTasks) * 100
}

// IsAvailable reports whether the worker has a free slot.
func (w *Worker) IsAvailable() bool {
	return w.Status != StatusOffline && w.CurrentTasks < w.MaxConcurrentTasks
}

// IsHealthy reports whether the last heartbeat is within threshold of now.
func (w *Worker) IsHealthy(now time.Time, threshold time.Duration) bool {
	if w.Status == StatusOffline || w.LastHeartbeat.IsZero() {
		return false
	}
	return now.Sub(w.LastHeartbeat) < threshold
}

// HasCapabilities reports whether the worker's capability set (and role)
// covers every required capability.
func (w *Worker) HasCapabilities(required []string) bool {
	if len(required) == 0 {
		return true
	}
	have := make(map[string]struct{}, len(w.Capabilities)+1)
	for _, c := range w.Capabilities {
		have[c] = struct{}{}
	}
	if w.Role != "" {
		have[w.Role] = struct{}{}
	}
	for _, r := range required {
		if _, ok := have[r]; !ok {
			return false
		}
	}
	return true
}

// ServiceID returns the remote compute service backing this worker, if any.
func (w *Worker) ServiceID() string {
	if w.Metadata == nil {
		return ""
	}
	id, _ := w.Metadata[MetaServiceID].(string)
	return id
}

// Outcome is what a worker reports when it finishes a task.
type Outcome struct {
	Success  bool
	Cost     float64
	Duration time.Duration
}

// Filter narrows List results; empty Statuses matches every status.
type Filter struct {
	Statuses []Status
}

// Store is the worker registry port. Slot changes are conditional writes.
type Store interface {
	// Register upserts w, resetting status to idle and stamping a fresh
	// heartbeat. Load and history counters survive re-registration.
	Register(ctx context.Context, w *Worker) error

	Get(ctx context.Context, workerID string) (*Worker, error)

	List(ctx context.Context, f Filter) ([]*Worker, error)

	// Heartbeat stamps last_heartbeat; offline workers must re-register.
	Heartbeat(ctx context.Context, workerID string, at time.Time) error

	// AcquireSlot increments current_tasks only while below capacity and not
	// offline, flipping status to busy at capacity. ErrStale otherwise.
	AcquireSlot(ctx context.Context, workerID string) (*Worker, error)

	// ReleaseSlot decrements current_tasks, folds the outcome into the
	// worker's history and flips status back to idle at zero load.
	ReleaseSlot(ctx context.Context, workerID string, o Outcome) (*Worker, error)

	// MarkOffline sets status offline. When seenHeartbeat is non-zero the
	// write only applies if the heartbeat has not moved since it was read.
	MarkOffline(ctx context.Context, workerID string, seenHeartbeat time.Time) error

	// Unregister hard-deletes the registry row.
	Unregister(ctx context.Context, workerID string) error
}
