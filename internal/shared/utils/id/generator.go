// Package id mints the prefixed identifiers stored on tasks, workers,
// dead-letter entries and escalations.
package id

import (
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/segmentio/ksuid"
)

// Strategy selects the identifier body.
type Strategy int32

const (
	// StrategyKSUID bodies sort by creation second.
	StrategyKSUID Strategy = iota
	// StrategyUUIDv7 bodies are time-ordered UUIDs, for stores that index uuid text.
	StrategyUUIDv7
)

func (s Strategy) String() string {
	if s == StrategyUUIDv7 {
		return "uuidv7"
	}
	return "ksuid"
}

// ParseStrategy accepts "ksuid" (or empty) and "uuidv7".
func ParseStrategy(raw string) (Strategy, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", "ksuid":
		return StrategyKSUID, nil
	case "uuidv7", "uuid":
		return StrategyUUIDv7, nil
	default:
		return StrategyKSUID, fmt.Errorf("unknown id strategy %q", raw)
	}
}

var current atomic.Int32

// SetStrategy switches the process-wide strategy. Existing ids stay valid;
// prefixes never change.
func SetStrategy(s Strategy) { current.Store(int32(s)) }

// NewTaskID generates a task identifier.
func NewTaskID() string { return mint("task") }

// NewWorkerID generates a worker identifier.
func NewWorkerID() string { return mint("worker") }

// NewDLQID generates a dead-letter entry identifier.
func NewDLQID() string { return mint("dlq") }

// NewEscalationID generates an escalation identifier.
func NewEscalationID() string { return mint("esc") }

// NewOwnerID tags a process as the holder of leases and locks.
func NewOwnerID() string { return mint("owner") }

func mint(prefix string) string {
	if Strategy(current.Load()) == StrategyUUIDv7 {
		if u, err := uuid.NewV7(); err == nil {
			return prefix + "-" + u.String()
		}
	}
	return prefix + "-" + ksuid.New().String()
}
