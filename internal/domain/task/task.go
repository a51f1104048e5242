// Package task defines the task domain model, its verification chain and the
// persistence port shared by the lifecycle, coordinator and recovery layers.
package task

import (
	"encoding/json"
	"fmt"
	"time"
)

// Status is the coarse lifecycle state of a task.
type Status string

const (
	StatusPending         Status = "pending"
	StatusInProgress      Status = "in_progress"
	StatusWaitingApproval Status = "waiting_approval"
	StatusCompleted       Status = "completed"
	StatusCancelled       Status = "cancelled"
	StatusBlocked         Status = "blocked"
	StatusFailed          Status = "failed"
)

// IsTerminal reports whether the status is a final state.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusCancelled:
		return true
	default:
		return false
	}
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusInProgress, StatusWaitingApproval, StatusCompleted,
		StatusCancelled, StatusBlocked, StatusFailed:
		return true
	}
	return false
}

// Stage is the fine-grained lifecycle position of a task.
type Stage string

const (
	StageUnset         Stage = ""
	StageDiscovered    Stage = "discovered"
	StageDecomposed    Stage = "decomposed"
	StagePlanSubmitted Stage = "plan_submitted"
	StagePlanApproved  Stage = "plan_approved"
	StageInProgress    Stage = "in_progress"
	StagePendingReview Stage = "pending_review"
	StageReviewPassed  Stage = "review_passed"
	StagePendingDeploy Stage = "pending_deploy"
	StageDeployed      Stage = "deployed"
	StageCompleted     Stage = "completed"
)

var stageOrder = map[Stage]int{
	StageUnset:         0,
	StageDiscovered:    1,
	StageDecomposed:    2,
	StagePlanSubmitted: 3,
	StagePlanApproved:  4,
	StageInProgress:    5,
	StagePendingReview: 6,
	StageReviewPassed:  7,
	StagePendingDeploy: 8,
	StageDeployed:      9,
	StageCompleted:     10,
}

// Stages lists every stage in lifecycle order.
func Stages() []Stage {
	return []Stage{
		StageUnset, StageDiscovered, StageDecomposed, StagePlanSubmitted, StagePlanApproved,
		StageInProgress, StagePendingReview, StageReviewPassed, StagePendingDeploy,
		StageDeployed, StageCompleted,
	}
}

// Valid reports whether s is a known stage.
func (s Stage) Valid() bool {
	_, ok := stageOrder[s]
	return ok
}

// Rank returns the lifecycle position; unknown stages rank -1.
func (s Stage) Rank() int {
	if r, ok := stageOrder[s]; ok {
		return r
	}
	return -1
}

// AtLeast reports whether s is at or beyond other in lifecycle order.
func (s Stage) AtLeast(other Stage) bool {
	return s.Rank() >= other.Rank() && s.Rank() >= 0
}

// Task is the persisted unit of work.
type Task struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	TaskType    string `json:"task_type,omitempty"`
	Status      Status `json:"status"`
	Stage       Stage  `json:"stage"`
	Priority    int    `json:"priority"`

	// Routing
	AssignedWorker       string   `json:"assigned_worker,omitempty"`
	RequiredCapabilities []string `json:"required_capabilities,omitempty"`
	PreferredWorker      string   `json:"preferred_worker,omitempty"`

	// Verification
	VerificationChain []Gate         `json:"verification_chain,omitempty"`
	CurrentGate       string         `json:"current_gate,omitempty"`
	GateEvidence      map[string]any `json:"gate_evidence,omitempty"`
	Plan              *Plan          `json:"plan,omitempty"`

	Metadata           map[string]any `json:"metadata,omitempty"`
	CompletionEvidence map[string]any `json:"completion_evidence,omitempty"`

	// Failure handling
	FailureCount int    `json:"failure_count"`
	MovedToDLQ   bool   `json:"moved_to_dlq"`
	DLQEntryID   string `json:"dlq_entry_id,omitempty"`

	// Revision is bumped on every successful write and guards conditional updates.
	Revision int64 `json:"revision"`

	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	// ReportedAt is set once the assigned worker reports an outcome and is
	// cleared whenever the assignment changes.
	ReportedAt *time.Time `json:"reported_at,omitempty"`
}

// Clone returns a deep copy suitable for snapshots and read-modify-write.
func (t *Task) Clone() *Task {
	if t == nil {
		return nil
	}
	raw, err := json.Marshal(t)
	if err != nil {
		panic(fmt.Sprintf("clone task %s: %v", t.ID, err))
	}
	var out Task
	if err := json.Unmarshal(raw, &out); err != nil {
		panic(fmt.Sprintf("clone task %s: %v", t.ID, err))
	}
	return &out
}

// Snapshot serialises the full task row for the dead-letter queue.
func (t *Task) Snapshot() (json.RawMessage, error) {
	raw, err := json.Marshal(t)
	if err != nil {
		return nil, fmt.Errorf("snapshot task %s: %w", t.ID, err)
	}
	return raw, nil
}

// Unassign drops the worker assignment together with any outcome it reported.
func (t *Task) Unassign() {
	t.AssignedWorker = ""
	t.ReportedAt = nil
}

// GateIndex returns the position of the named gate in the chain, or -1.
func (t *Task) GateIndex(name string) int {
	for i, g := range t.VerificationChain {
		if g.ID() == name {
			return i
		}
	}
	return -1
}

// EffectiveGate returns the gate to evaluate next: current_gate, or the first
// chain entry when unset. ok is false for an empty chain.
func (t *Task) EffectiveGate() (Gate, bool) {
	if len(t.VerificationChain) == 0 {
		return Gate{}, false
	}
	if t.CurrentGate == "" {
		return t.VerificationChain[0], true
	}
	idx := t.GateIndex(t.CurrentGate)
	if idx < 0 {
		return Gate{}, false
	}
	return t.VerificationChain[idx], true
}

// MergeEvidence folds fresh evidence for gate into GateEvidence without
// discarding keys recorded by earlier evaluations.
func (t *Task) MergeEvidence(gate string, evidence map[string]any) {
	if len(evidence) == 0 {
		return
	}
	if t.GateEvidence == nil {
		t.GateEvidence = make(map[string]any)
	}
	existing, _ := t.GateEvidence[gate].(map[string]any)
	merged := make(map[string]any, len(existing)+len(evidence))
	for k, v := range existing {
		merged[k] = v
	}
	for k, v := range evidence {
		merged[k] = v
	}
	t.GateEvidence[gate] = merged
}

// EvidenceFor returns the accumulated evidence recorded for gate.
func (t *Task) EvidenceFor(gate string) map[string]any {
	if t.GateEvidence == nil {
		return nil
	}
	m, _ := t.GateEvidence[gate].(map[string]any)
	return m
}

// Annotate records an audit annotation in Metadata.
func (t *Task) Annotate(key string, value any) {
	if t.Metadata == nil {
		t.Metadata = make(map[string]any)
	}
	t.Metadata[key] = value
}

// AppendAnnotation adds value to the list kept under key in metadata. A
// single value stored earlier under key becomes the first element.
func (t *Task) AppendAnnotation(key string, value any) {
	if t.Metadata == nil {
		t.Metadata = make(map[string]any)
	}
	var list []any
	switch prev := t.Metadata[key].(type) {
	case nil:
	case []any:
		list = append(list, prev...)
	default:
		list = append(list, prev)
	}
	t.Metadata[key] = append(list, value)
}

// Validate checks the structural invariants of a task.
func (t *Task) Validate() error {
	if t.ID == "" {
		return fmt.Errorf("%w: task id required", ErrInvalidTask)
	}
	if !t.Status.Valid() {
		return fmt.Errorf("%w: unknown status %q", ErrInvalidTask, t.Status)
	}
	if !t.Stage.Valid() {
		return fmt.Errorf("%w: unknown stage %q", ErrInvalidTask, t.Stage)
	}
	if err := ValidateChain(t.VerificationChain); err != nil {
		return err
	}
	if t.CurrentGate != "" && t.GateIndex(t.CurrentGate) < 0 {
		return fmt.Errorf("%w: current gate %q not in verification chain", ErrInvalidGate, t.CurrentGate)
	}
	if t.Stage == StageInProgress && !t.Plan.IsApproved() {
		return fmt.Errorf("%w: in_progress requires an approved plan", ErrInvalidTransition)
	}
	return nil
}
