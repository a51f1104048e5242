package bootstrap

import (
	"fmt"
	"maps"
	"sync"
	"time"

	"foreman/internal/shared/logging"
)

// Stage is one startup step. A failed Required stage aborts startup; any other
// failure runs Fallback, is recorded as degraded, and startup continues.
type Stage struct {
	Name     string
	Required bool
	Init     func() error
	// Fallback installs a stand-in after Init failed.
	Fallback func()
}

// DegradedComponents is the set of optional components running on a stand-in,
// keyed by stage name. It backs /readyz and `foreman status`.
type DegradedComponents struct {
	mu      sync.RWMutex
	reasons map[string]string
}

func NewDegradedComponents() *DegradedComponents {
	return &DegradedComponents{reasons: make(map[string]string)}
}

// Record marks name degraded.
func (d *DegradedComponents) Record(name, reason string) {
	d.mu.Lock()
	d.reasons[name] = reason
	d.mu.Unlock()
}

// Map returns a copy of the degraded set.
func (d *DegradedComponents) Map() map[string]string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return maps.Clone(d.reasons)
}

// RunStages executes stages in order and logs how long each took.
func RunStages(stages []Stage, degraded *DegradedComponents, logger logging.Logger) error {
	logger = logging.OrNop(logger)
	for _, stage := range stages {
		start := time.Now()
		err := stage.Init()
		elapsed := time.Since(start).Round(time.Millisecond)
		switch {
		case err == nil:
			logger.Debug("[Bootstrap] stage %s ready in %s", stage.Name, elapsed)
		case stage.Required:
			return fmt.Errorf("required stage %q failed: %w", stage.Name, err)
		default:
			logger.Warn("[Bootstrap] stage %s degraded after %s: %v", stage.Name, elapsed, err)
			if stage.Fallback != nil {
				stage.Fallback()
			}
			if degraded != nil {
				degraded.Record(stage.Name, err.Error())
			}
		}
	}
	return nil
}
