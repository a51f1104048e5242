package config

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/robfig/cron/v3"

	"foreman/internal/app/autoscaler"
	"foreman/internal/app/coordinator"
	"foreman/internal/shared/utils/id"
)

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("invalid configuration")

var logLevels = map[string]struct{}{"debug": {}, "info": {}, "warn": {}, "warning": {}, "error": {}}

// Validate rejects inconsistent settings. All problems are reported at once.
func (c Config) Validate() error {
	var problems []string
	add := func(format string, args ...any) { problems = append(problems, fmt.Sprintf(format, args...)) }

	if _, ok := logLevels[c.LogLevel]; !ok && c.LogLevel != "" {
		add("log_level %q is not one of debug, info, warn, error", c.LogLevel)
	}

	if _, err := id.ParseStrategy(c.IDStrategy); err != nil {
		add("id_strategy: %v", err)
	}

	switch c.Database.Driver {
	case DriverMemory:
	case DriverPostgres:
		if c.Database.URL == "" {
			add("database.url is required for the postgres driver")
		}
	default:
		add("database.driver %q is not one of memory, postgres", c.Database.Driver)
	}
	if c.Database.MaxConns < 0 {
		add("database.max_conns must not be negative")
	}

	if _, err := coordinator.ParseStrategy(c.Coordinator.DefaultStrategy); err != nil {
		add("coordinator.default_strategy: %v", err)
	}
	if c.Coordinator.HeartbeatTimeout <= 0 {
		add("coordinator.heartbeat_timeout must be positive")
	}

	if c.Gates.FailureThreshold < 0 {
		add("gates.failure_threshold must not be negative")
	}

	if err := autoscaler.ValidatePolicy(c.Scaling.Policy); err != nil {
		add("scaling: %v", err)
	}
	if c.Scaling.StalenessThreshold <= 0 {
		add("scaling.staleness_threshold must be positive")
	}
	if p := c.Scaling.Provisioning; p.Enabled {
		if p.Repo == "" {
			add("scaling.provisioning.repo is required when provisioning is enabled")
		}
		if !c.Railway.Configured() {
			add("railway.token, railway.project_id and railway.environment_id are required when provisioning is enabled")
		}
		if p.WorkerCapacity < 1 {
			add("scaling.provisioning.worker_capacity must be at least 1")
		}
	}

	if c.Recovery.MaxRetries < 1 {
		add("recovery.max_retries must be at least 1")
	}
	if c.Recovery.DLQMaxRetries < 0 {
		add("recovery.dlq_max_retries must not be negative")
	}

	if c.Sweeper.Enabled {
		parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
		for name, spec := range map[string]string{
			"advance_schedule":    c.Sweeper.AdvanceSchedule,
			"escalation_schedule": c.Sweeper.EscalationSchedule,
			"scaling_schedule":    c.Sweeper.ScalingSchedule,
			"reaper_schedule":     c.Sweeper.ReaperSchedule,
		} {
			if strings.TrimSpace(spec) == "" {
				continue
			}
			if _, err := parser.Parse(spec); err != nil {
				add("sweeper.%s: %v", name, err)
			}
		}
		switch c.Sweeper.ConcurrencyPolicy {
		case "", "skip", "delay":
		default:
			add("sweeper.concurrency_policy %q is not one of skip, delay", c.Sweeper.ConcurrencyPolicy)
		}
	}

	if len(problems) == 0 {
		return nil
	}
	sort.Strings(problems)
	return fmt.Errorf("%w: %s", ErrInvalid, strings.Join(problems, "; "))
}
