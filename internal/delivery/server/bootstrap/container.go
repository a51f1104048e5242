package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"foreman/internal/app/autoscaler"
	"foreman/internal/app/coordinator"
	"foreman/internal/app/gate"
	"foreman/internal/app/lifecycle"
	"foreman/internal/app/recovery"
	"foreman/internal/app/status"
	"foreman/internal/app/sweeper"
	"foreman/internal/config"
	recoverydomain "foreman/internal/domain/recovery"
	"foreman/internal/domain/scaling"
	"foreman/internal/domain/storage"
	"foreman/internal/domain/task"
	"foreman/internal/domain/worker"
	"foreman/internal/infra/observability"
	"foreman/internal/infra/probe"
	"foreman/internal/infra/store/memory"
	"foreman/internal/infra/store/postgres"
	"foreman/internal/shared/logging"
	id "foreman/internal/shared/utils/id"
)

// Database is the storage backend behind the ports.
type Database interface {
	storage.RowCounter
	EnsureSchema(ctx context.Context) error
	Ping(ctx context.Context) error
}

// Container holds every wired service for one process.
type Container struct {
	Config config.Config

	DB       Database
	Tasks    task.Store
	Workers  worker.Store
	Recovery recoverydomain.Store
	Scaling  scaling.Store

	Gates       *gate.Engine
	Lifecycle   *lifecycle.Service
	Coordinator *coordinator.Coordinator
	Scaler      *autoscaler.Scaler
	Escalations *recovery.Manager
	Sweeper     *sweeper.Sweeper
	Status      *status.Reader

	Metrics  *observability.Metrics
	Tracer   *observability.TracerProvider
	Degraded *DegradedComponents

	leader  *postgres.AdvisoryLock
	logger  logging.Logger
	closers []func(context.Context) error
}

// ContainerOption customises BuildContainer.
type ContainerOption func(*containerOptions)

type containerOptions struct {
	metrics *observability.Metrics
	prober  probe.Prober
}

// WithMetrics uses m instead of the process-wide collectors.
func WithMetrics(m *observability.Metrics) ContainerOption {
	return func(o *containerOptions) { o.metrics = m }
}

// WithProber replaces the HTTP prober used by gates and the spawn pipeline.
func WithProber(p probe.Prober) ContainerOption {
	return func(o *containerOptions) { o.prober = p }
}

// BuildContainer connects storage and wires the services. Missing
// collaborator credentials degrade the matching gates rather than failing.
func BuildContainer(ctx context.Context, cfg config.Config, logger logging.Logger, opts ...ContainerOption) (*Container, error) {
	logger = logging.OrNop(logger)
	options := containerOptions{}
	for _, opt := range opts {
		opt(&options)
	}
	strategy, err := id.ParseStrategy(cfg.IDStrategy)
	if err != nil {
		return nil, err
	}
	id.SetStrategy(strategy)

	c := &Container{
		Config:   cfg,
		Metrics:  options.metrics,
		Degraded: NewDegradedComponents(),
		logger:   logger,
	}
	if c.Metrics == nil {
		c.Metrics = observability.DefaultMetrics()
	}

	var collab collaborators
	stages := []Stage{
		{Name: "storage", Required: true, Init: func() error { return c.openStorage(ctx) }},
		{Name: "tracing", Init: func() error {
			tp, err := observability.NewTracerProvider(cfg.Tracing)
			if err != nil {
				return err
			}
			c.Tracer = tp
			c.closers = append(c.closers, tp.Shutdown)
			return nil
		}, Fallback: func() { c.Tracer = &observability.TracerProvider{} }},
		{Name: "source-control", Init: func() error {
			return collab.buildSCM(cfg.GitHub, logger)
		}},
		{Name: "compute", Init: func() error {
			return collab.buildCompute(cfg.Railway, cfg.Scaling.Provisioning.Enabled, logger)
		}},
	}
	if err := RunStages(stages, c.Degraded, logger); err != nil {
		c.Close(context.Background())
		return nil, err
	}

	prober := options.prober
	if prober == nil {
		prober = probe.New(logging.NewComponentLogger("Probe"))
	}

	c.Gates = gate.NewEngine(gate.Dependencies{
		SCM:     collab.scm,
		Compute: collab.compute,
		Prober:  prober,
		Rows:    c.DB,
		Metrics: c.Metrics,
		Tracer:  c.Tracer,
	}, GateConfig(cfg), logging.NewComponentLogger("Gates"))

	c.Escalations = recovery.New(recovery.Dependencies{
		Tasks:    c.Tasks,
		Recovery: c.Recovery,
		Metrics:  c.Metrics,
	}, RecoveryConfig(cfg), logging.NewComponentLogger("Recovery"))

	c.Lifecycle = lifecycle.New(lifecycle.Dependencies{
		Tasks:     c.Tasks,
		Gates:     c.Gates,
		Escalator: c.Escalations,
		Metrics:   c.Metrics,
		Tracer:    c.Tracer,
	}, lifecycle.Config{GateFailureThreshold: cfg.Gates.FailureThreshold}, logging.NewComponentLogger("Lifecycle"))

	coordCfg, err := CoordinatorConfig(cfg)
	if err != nil {
		c.Close(context.Background())
		return nil, err
	}
	c.Coordinator = coordinator.New(coordinator.Dependencies{
		Tasks:     c.Tasks,
		Workers:   c.Workers,
		Escalator: c.Escalations,
		Metrics:   c.Metrics,
		Tracer:    c.Tracer,
	}, coordCfg, logging.NewComponentLogger("Coordinator"))

	scalerDeps := autoscaler.Dependencies{
		Tasks:   c.Tasks,
		Workers: c.Workers,
		State:   c.Scaling,
		Compute: collab.compute,
		Prober:  prober,
		Metrics: c.Metrics,
		Tracer:  c.Tracer,
	}
	if c.leader != nil {
		scalerDeps.Leader = c.leader
	}
	c.Scaler = autoscaler.New(scalerDeps, ScalerConfig(cfg), logging.NewComponentLogger("Autoscaler"))

	c.Sweeper = sweeper.New(SweeperConfig(cfg), sweeper.Dependencies{
		Tasks:       c.Tasks,
		Workers:     c.Workers,
		Advancer:    c.Lifecycle,
		Escalations: c.Escalations,
		Scaler:      c.Scaler,
		Metrics:     c.Metrics,
	}, logging.NewComponentLogger("Sweeper"))

	c.Status = status.NewReader(status.Dependencies{
		Tasks:       c.Tasks,
		Workers:     c.Workers,
		Recovery:    c.Recovery,
		Scaling:     c.Scaling,
		Coordinator: c.Coordinator,
	})

	if degraded := c.Degraded.Map(); len(degraded) > 0 {
		logger.Warn("[Bootstrap] Running with degraded components: %v", degraded)
	}
	return c, nil
}

func (c *Container) openStorage(ctx context.Context) error {
	switch c.Config.Database.Driver {
	case config.DriverPostgres:
		poolCfg, err := pgxpool.ParseConfig(c.Config.Database.URL)
		if err != nil {
			return fmt.Errorf("parse database url: %w", err)
		}
		if c.Config.Database.MaxConns > 0 {
			poolCfg.MaxConns = c.Config.Database.MaxConns
		}
		pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
		if err != nil {
			return fmt.Errorf("connect postgres: %w", err)
		}
		c.closers = append(c.closers, func(context.Context) error {
			pool.Close()
			return nil
		})
		db, err := postgres.New(pool, logging.NewComponentLogger("Postgres"))
		if err != nil {
			return err
		}
		if c.Config.Database.Migrate {
			if err := db.EnsureSchema(ctx); err != nil {
				return fmt.Errorf("apply schema: %w", err)
			}
		}
		c.DB = db
		c.Tasks, c.Workers, c.Recovery, c.Scaling = db.Tasks(), db.Workers(), db.Recovery(), db.Scaling()
		c.leader = postgres.NewAdvisoryLock(pool, autoscaler.DefaultStateName, ownerName(), 5*time.Second, logging.NewComponentLogger("LeaderLock"))
		c.closers = append(c.closers, c.leader.Release)
	case config.DriverMemory, "":
		db := memory.New(postgres.DefaultAllowList())
		c.DB = db
		c.Tasks, c.Workers, c.Recovery, c.Scaling = db.Tasks(), db.Workers(), db.Recovery(), db.Scaling()
		c.logger.Warn("[Bootstrap] Using the in-memory store; state is lost on exit")
	default:
		return fmt.Errorf("unknown database driver %q", c.Config.Database.Driver)
	}
	return nil
}

func ownerName() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		return id.NewOwnerID()
	}
	return host + "/" + id.NewOwnerID()
}

// ApplyReload pushes hot-reloadable settings into the running services.
func (c *Container) ApplyReload(cfg config.Config) {
	if err := c.Scaler.SetPolicy(cfg.Scaling.Policy); err != nil {
		c.logger.Warn("[Bootstrap] Ignoring reloaded scaling policy: %v", err)
	}
	c.Gates.SetReviewPolicy(GateConfig(cfg).Review)
	c.Escalations.SetEscalationPolicy(RecoveryConfig(cfg).Escalation)
}

// Ready pings the store.
func (c *Container) Ready(ctx context.Context) error {
	return c.DB.Ping(ctx)
}

// Close stops the sweeper and releases every resource, last opened first.
func (c *Container) Close(ctx context.Context) error {
	if c.Sweeper != nil {
		c.Sweeper.Stop()
	}
	var errs []error
	for i := len(c.closers) - 1; i >= 0; i-- {
		if err := c.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	c.closers = nil
	return errors.Join(errs...)
}
