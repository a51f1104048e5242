// Package recovery defines dead-letter and escalation records and the
// persistence port that writes them together with the affected task.
package recovery

import (
	"context"
	"encoding/json"
	"time"

	"foreman/internal/domain/task"
)

// DLQStatus is the lifecycle state of a dead-letter entry.
type DLQStatus string

const (
	DLQPending   DLQStatus = "pending"
	DLQRetrying  DLQStatus = "retrying"
	DLQResolved  DLQStatus = "resolved"
	DLQAbandoned DLQStatus = "abandoned"
)

// IsTerminal reports whether no further retry is possible.
func (s DLQStatus) IsTerminal() bool {
	return s == DLQResolved || s == DLQAbandoned
}

// DLQEntry quarantines a task that exhausted its retry budget. TaskSnapshot
// is captured on the first quarantine and never rewritten.
type DLQEntry struct {
	ID              string          `json:"id"`
	TaskID          string          `json:"original_task_id"`
	TaskSnapshot    json.RawMessage `json:"task_snapshot"`
	FailureReason   string          `json:"failure_reason"`
	Status          DLQStatus       `json:"status"`
	RetryCount      int             `json:"retry_count"`
	LastFailureAt   time.Time       `json:"last_failure_at"`
	ResolutionNotes string          `json:"resolution_notes,omitempty"`
	ResolvedBy      string          `json:"resolved_by,omitempty"`
	ResolvedAt      *time.Time      `json:"resolved_at,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

// EscalationLevel is the authority an escalation is routed to.
type EscalationLevel string

const (
	LevelWorker       EscalationLevel = "worker"
	LevelOrchestrator EscalationLevel = "orchestrator"
	LevelOwner        EscalationLevel = "owner"
)

// Next returns the level above l; owner is the ceiling.
func (l EscalationLevel) Next() (EscalationLevel, bool) {
	switch l {
	case LevelWorker:
		return LevelOrchestrator, true
	case LevelOrchestrator:
		return LevelOwner, true
	}
	return l, false
}

// Valid reports whether l is a known level.
func (l EscalationLevel) Valid() bool {
	switch l {
	case LevelWorker, LevelOrchestrator, LevelOwner:
		return true
	}
	return false
}

type EscalationStatus string

const (
	EscalationOpen         EscalationStatus = "open"
	EscalationResolved     EscalationStatus = "resolved"
	EscalationAutoResolved EscalationStatus = "auto_resolved"
)

// Escalation asks a higher authority for a decision on a task.
type Escalation struct {
	ID          string           `json:"id"`
	TaskID      string           `json:"task_id"`
	Reason      string           `json:"reason"`
	Level       EscalationLevel  `json:"level"`
	Status      EscalationStatus `json:"status"`
	CreatedAt   time.Time        `json:"created_at"`
	EscalatedAt time.Time        `json:"escalated_at"`
	TimeoutAt   time.Time        `json:"timeout_at"`
	ResolvedAt  *time.Time       `json:"resolved_at,omitempty"`
	ResolvedBy  string           `json:"resolved_by,omitempty"`
	Resolution  string           `json:"resolution,omitempty"`
}

type DLQFilter struct {
	Statuses []DLQStatus
	TaskID   string
	Limit    int
}

type EscalationFilter struct {
	Statuses []EscalationStatus
	TaskID   string
	// DueBefore selects escalations whose timeout_at is at or before it.
	DueBefore time.Time
	Limit     int
}

// Store persists dead-letter entries and escalations. Methods taking a task
// write it conditionally on its revision in the same transaction.
type Store interface {
	// Quarantine upserts entry and writes t. On conflict the snapshot and
	// created_at of the existing entry are kept.
	Quarantine(ctx context.Context, entry *DLQEntry, t *task.Task) error

	GetDLQEntry(ctx context.Context, id string) (*DLQEntry, error)

	// FindDLQEntryByTask returns the most recent entry for taskID.
	FindDLQEntryByTask(ctx context.Context, taskID string) (*DLQEntry, error)

	ListDLQ(ctx context.Context, f DLQFilter) ([]*DLQEntry, error)

	// TransitionDLQ writes entry only if its stored status equals from, and
	// writes t (when non-nil) in the same transaction.
	TransitionDLQ(ctx context.Context, entry *DLQEntry, from DLQStatus, t *task.Task) error

	// CreateEscalation inserts e. An open escalation with the same task and
	// reason yields storage.ErrDuplicate.
	CreateEscalation(ctx context.Context, e *Escalation) error

	GetEscalation(ctx context.Context, id string) (*Escalation, error)

	ListEscalations(ctx context.Context, f EscalationFilter) ([]*Escalation, error)

	// UpdateEscalation writes e only if the stored status and level still
	// equal fromStatus and fromLevel.
	UpdateEscalation(ctx context.Context, e *Escalation, fromStatus EscalationStatus, fromLevel EscalationLevel) error
}
