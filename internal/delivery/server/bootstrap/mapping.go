package bootstrap

import (
	"time"

	"foreman/internal/app/autoscaler"
	"foreman/internal/app/coordinator"
	"foreman/internal/app/gate"
	"foreman/internal/app/recovery"
	"foreman/internal/app/sweeper"
	"foreman/internal/config"
	recoverydomain "foreman/internal/domain/recovery"
)

// GateConfig maps the gates section onto the engine.
func GateConfig(cfg config.Config) gate.Config {
	return gate.Config{
		DefaultRepo:  cfg.Gates.DefaultRepo,
		CheckTimeout: cfg.Gates.CheckTimeout,
		PRCacheSize:  cfg.Gates.PRCacheSize,
		PRCacheTTL:   cfg.Gates.PRCacheTTL,
		Review: gate.ReviewPolicy{
			AutomatedReviewers:     append([]string(nil), cfg.Gates.Review.AutomatedReviewers...),
			AllowAutomatedOverride: cfg.Gates.Review.AllowAutomatedOverride,
		},
	}
}

func CoordinatorConfig(cfg config.Config) (coordinator.Config, error) {
	strategy, err := coordinator.ParseStrategy(cfg.Coordinator.DefaultStrategy)
	if err != nil {
		return coordinator.Config{}, err
	}
	return coordinator.Config{
		DefaultStrategy:       strategy,
		HeartbeatTimeout:      cfg.Coordinator.HeartbeatTimeout,
		EscalateRouteFailures: cfg.Coordinator.EscalateRouteFailures,
	}, nil
}

func ScalerConfig(cfg config.Config) autoscaler.Config {
	p := cfg.Scaling.Provisioning
	return autoscaler.Config{
		Policy:             cfg.Scaling.Policy,
		StalenessThreshold: cfg.Scaling.StalenessThreshold,
		StateName:          autoscaler.DefaultStateName,
		Concurrency:        cfg.Scaling.Concurrency,
		Provisioning: autoscaler.ProvisioningConfig{
			Enabled:            p.Enabled,
			Repo:               p.Repo,
			Branch:             p.Branch,
			ServiceNamePrefix:  p.ServiceNamePrefix,
			DeployTimeout:      p.DeployTimeout,
			PollInterval:       p.PollInterval,
			HealthPath:         p.HealthPath,
			HealthAttempts:     p.HealthAttempts,
			HealthRetryDelay:   p.HealthRetryDelay,
			HealthTimeout:      p.HealthTimeout,
			WorkerRole:         p.WorkerRole,
			WorkerCapabilities: append([]string(nil), p.WorkerCapabilities...),
			WorkerCapacity:     p.WorkerCapacity,
		},
	}
}

func RecoveryConfig(cfg config.Config) recovery.Config {
	e := cfg.Recovery.Escalation
	return recovery.Config{
		MaxRetries:    cfg.Recovery.MaxRetries,
		DLQMaxRetries: cfg.Recovery.DLQMaxRetries,
		Escalation: recovery.EscalationPolicy{
			Timeouts: map[recoverydomain.EscalationLevel]time.Duration{
				recoverydomain.LevelWorker:       e.WorkerTimeout,
				recoverydomain.LevelOrchestrator: e.OrchestratorTimeout,
				recoverydomain.LevelOwner:        e.OwnerTimeout,
			},
			DefaultTimeout:         e.DefaultTimeout,
			AutoResolveWhenCleared: e.AutoResolveWhenCleared,
			AutoResolveAtCeiling:   e.AutoResolveAtCeiling,
		},
	}
}

// SweeperConfig shares the staleness threshold with the scaler so the
// reaper and the scaler agree on which workers are stale.
func SweeperConfig(cfg config.Config) sweeper.Config {
	s := cfg.Sweeper
	return sweeper.Config{
		Enabled:            s.Enabled,
		AdvanceSchedule:    s.AdvanceSchedule,
		EscalationSchedule: s.EscalationSchedule,
		ScalingSchedule:    s.ScalingSchedule,
		ReaperSchedule:     s.ReaperSchedule,
		JobTimeout:         s.JobTimeout,
		ConcurrencyPolicy:  s.ConcurrencyPolicy,
		AdvanceBatch:       s.AdvanceBatch,
		StalenessThreshold: cfg.Scaling.StalenessThreshold,
	}
}
