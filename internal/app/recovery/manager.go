// Package recovery quarantines tasks that exhausted their retry budget and
// routes decisions that automation cannot make to escalations.
package recovery

import (
	"fmt"
	"sync/atomic"
	"time"

	domain "foreman/internal/domain/recovery"
	"foreman/internal/domain/task"
	"foreman/internal/infra/observability"
	"foreman/internal/shared/logging"
)

// EscalationPolicy decides what the sweep does with a timed out escalation.
type EscalationPolicy struct {
	// Timeouts per level; a level without an entry uses DefaultTimeout.
	Timeouts       map[domain.EscalationLevel]time.Duration
	DefaultTimeout time.Duration
	// AutoResolveWhenCleared closes escalations whose triggering condition
	// no longer holds (task completed, gate passed, task routed).
	AutoResolveWhenCleared bool
	// AutoResolveAtCeiling closes timed out owner-level escalations instead
	// of re-arming their timeout.
	AutoResolveAtCeiling bool
}

// TimeoutFor returns the timeout of level.
func (p EscalationPolicy) TimeoutFor(level domain.EscalationLevel) time.Duration {
	if d, ok := p.Timeouts[level]; ok && d > 0 {
		return d
	}
	if p.DefaultTimeout > 0 {
		return p.DefaultTimeout
	}
	return time.Hour
}

// Config tunes the manager.
type Config struct {
	// MaxRetries is the task failure budget before quarantine.
	MaxRetries int
	// DLQMaxRetries bounds how many times one entry may be retried before a
	// re-quarantine abandons it.
	DLQMaxRetries int
	Escalation    EscalationPolicy
}

// DefaultConfig returns the defaults.
func DefaultConfig() Config {
	return Config{
		MaxRetries:    3,
		DLQMaxRetries: 3,
		Escalation: EscalationPolicy{
			Timeouts: map[domain.EscalationLevel]time.Duration{
				domain.LevelWorker:       30 * time.Minute,
				domain.LevelOrchestrator: 2 * time.Hour,
				domain.LevelOwner:        24 * time.Hour,
			},
			DefaultTimeout:         time.Hour,
			AutoResolveWhenCleared: true,
		},
	}
}

// Dependencies are the collaborators of a Manager.
type Dependencies struct {
	Tasks    task.Store
	Recovery domain.Store
	Metrics  *observability.Metrics
}

// Manager owns the dead-letter queue and escalations.
type Manager struct {
	tasks   task.Store
	store   domain.Store
	metrics *observability.Metrics
	logger  logging.Logger
	cfg     Config
	policy  atomic.Pointer[EscalationPolicy]
	now     func() time.Time
}

// New builds a Manager.
func New(deps Dependencies, cfg Config, logger logging.Logger) *Manager {
	d := DefaultConfig()
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = d.MaxRetries
	}
	if cfg.DLQMaxRetries <= 0 {
		cfg.DLQMaxRetries = d.DLQMaxRetries
	}
	if cfg.Escalation.Timeouts == nil && cfg.Escalation.DefaultTimeout == 0 {
		cfg.Escalation = d.Escalation
	}
	m := &Manager{
		tasks:   deps.Tasks,
		store:   deps.Recovery,
		metrics: deps.Metrics,
		logger:  logging.OrNop(logger),
		cfg:     cfg,
		now:     func() time.Time { return time.Now().UTC() },
	}
	policy := cfg.Escalation
	m.policy.Store(&policy)
	return m
}

// EscalationPolicy returns the active sweep policy.
func (m *Manager) EscalationPolicy() EscalationPolicy { return *m.policy.Load() }

// SetEscalationPolicy swaps the sweep policy at runtime.
func (m *Manager) SetEscalationPolicy(p EscalationPolicy) {
	m.policy.Store(&p)
}

// MaxRetries is the configured task failure budget.
func (m *Manager) MaxRetries() int { return m.cfg.MaxRetries }

// ShouldMoveToDlq reports whether a task with failureCount failed attempts
// has exhausted a budget of maxRetries.
func ShouldMoveToDlq(failureCount, maxRetries int) bool {
	return failureCount >= maxRetries
}

func notQuarantinable(t *task.Task) error {
	switch {
	case t.MovedToDLQ:
		return fmt.Errorf("%w: task %s is already quarantined", task.ErrInvalidTransition, t.ID)
	case t.Status.IsTerminal():
		return fmt.Errorf("%w: task %s is %s", task.ErrInvalidTransition, t.ID, t.Status)
	}
	return nil
}
