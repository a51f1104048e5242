// Package autoscaler sizes the worker pool from queue depth and drives the
// remote provisioning pipeline.
package autoscaler

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"foreman/internal/domain/scaling"
	"foreman/internal/domain/task"
	"foreman/internal/domain/worker"
	"foreman/internal/infra/compute"
	"foreman/internal/infra/observability"
	"foreman/internal/infra/probe"
	"foreman/internal/shared/logging"
)

// DefaultStateName keys the shared cooldown row and the leader lock.
const DefaultStateName = "foreman-autoscaler"

// Leader gates scaling to one replica. postgres.AdvisoryLock satisfies it.
type Leader interface {
	TryAcquire(ctx context.Context) (bool, error)
}

// ProvisioningConfig drives the remote spawn pipeline.
type ProvisioningConfig struct {
	Enabled           bool
	Repo              string
	Branch            string
	ServiceNamePrefix string
	DeployTimeout     time.Duration
	PollInterval      time.Duration
	HealthPath        string
	HealthAttempts    int
	HealthRetryDelay  time.Duration
	HealthTimeout     time.Duration

	WorkerRole         string
	WorkerCapabilities []string
	WorkerCapacity     int
}

// Config tunes the scaler.
type Config struct {
	Policy scaling.Policy
	// StalenessThreshold separates active workers from stale ones.
	StalenessThreshold time.Duration
	StateName          string
	// Concurrency bounds parallel spawn/terminate calls in one batch.
	Concurrency  int
	Provisioning ProvisioningConfig
}

// DefaultConfig returns the defaults.
func DefaultConfig() Config {
	return Config{
		Policy:             scaling.DefaultPolicy(),
		StalenessThreshold: 2 * time.Minute,
		StateName:          DefaultStateName,
		Concurrency:        4,
		Provisioning: ProvisioningConfig{
			Branch:            "main",
			ServiceNamePrefix: "foreman-worker",
			DeployTimeout:     10 * time.Minute,
			PollInterval:      10 * time.Second,
			HealthPath:        "/health",
			HealthAttempts:    5,
			HealthRetryDelay:  5 * time.Second,
			HealthTimeout:     10 * time.Second,
			WorkerCapacity:    3,
		},
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Policy == (scaling.Policy{}) {
		c.Policy = d.Policy
	}
	if c.StalenessThreshold <= 0 {
		c.StalenessThreshold = d.StalenessThreshold
	}
	if c.StateName == "" {
		c.StateName = d.StateName
	}
	if c.Concurrency <= 0 {
		c.Concurrency = d.Concurrency
	}
	p, dp := &c.Provisioning, d.Provisioning
	if p.Branch == "" {
		p.Branch = dp.Branch
	}
	if p.ServiceNamePrefix == "" {
		p.ServiceNamePrefix = dp.ServiceNamePrefix
	}
	if p.DeployTimeout <= 0 {
		p.DeployTimeout = dp.DeployTimeout
	}
	if p.PollInterval <= 0 {
		p.PollInterval = dp.PollInterval
	}
	if p.HealthPath == "" {
		p.HealthPath = dp.HealthPath
	}
	if p.HealthAttempts <= 0 {
		p.HealthAttempts = dp.HealthAttempts
	}
	if p.HealthRetryDelay <= 0 {
		p.HealthRetryDelay = dp.HealthRetryDelay
	}
	if p.HealthTimeout <= 0 {
		p.HealthTimeout = dp.HealthTimeout
	}
	if p.WorkerCapacity <= 0 {
		p.WorkerCapacity = dp.WorkerCapacity
	}
	return c
}

// Dependencies are the collaborators of a Scaler.
type Dependencies struct {
	Tasks   task.Store
	Workers worker.Store
	State   scaling.Store
	Compute compute.Provider
	Prober  probe.Prober
	// Leader is optional; without it every replica may act and only the
	// cooldown claim serialises them.
	Leader  Leader
	Metrics *observability.Metrics
	Tracer  *observability.TracerProvider
}

// Scaler evaluates and executes scaling decisions.
type Scaler struct {
	tasks   task.Store
	workers worker.Store
	state   scaling.Store
	compute compute.Provider
	prober  probe.Prober
	leader  Leader
	metrics *observability.Metrics
	tracer  *observability.TracerProvider
	logger  logging.Logger
	cfg     Config
	policy  atomic.Pointer[scaling.Policy]
	now     func() time.Time
}

// New builds a Scaler.
func New(deps Dependencies, cfg Config, logger logging.Logger) *Scaler {
	cfg = cfg.withDefaults()
	logger = logging.OrNop(logger)
	s := &Scaler{
		tasks:   deps.Tasks,
		workers: deps.Workers,
		state:   deps.State,
		compute: deps.Compute,
		prober:  deps.Prober,
		leader:  deps.Leader,
		metrics: deps.Metrics,
		tracer:  deps.Tracer,
		logger:  logger,
		cfg:     cfg,
		now:     func() time.Time { return time.Now().UTC() },
	}
	if s.compute == nil {
		s.compute = compute.NotConfigured{}
	}
	if s.prober == nil {
		s.prober = probe.New(logger)
	}
	policy := cfg.Policy
	s.policy.Store(&policy)
	return s
}

// Policy returns the active scaling policy.
func (s *Scaler) Policy() scaling.Policy { return *s.policy.Load() }

// SetPolicy swaps the scaling policy at runtime.
func (s *Scaler) SetPolicy(p scaling.Policy) error {
	if err := ValidatePolicy(p); err != nil {
		return err
	}
	s.policy.Store(&p)
	s.logger.Info("scaling policy updated: min=%d max=%d up=%d down=%d", p.MinWorkers, p.MaxWorkers, p.ScaleUpThreshold, p.ScaleDownThreshold)
	return nil
}

// CollectMetrics reads queue and registry counts.
func (s *Scaler) CollectMetrics(ctx context.Context) (scaling.QueueMetrics, scaling.WorkerMetrics, error) {
	counts, err := s.tasks.CountByStatus(ctx)
	if err != nil {
		return scaling.QueueMetrics{}, scaling.WorkerMetrics{}, fmt.Errorf("count tasks: %w", err)
	}
	q := scaling.QueueMetrics{
		Pending:         counts[task.StatusPending],
		InProgress:      counts[task.StatusInProgress],
		WaitingApproval: counts[task.StatusWaitingApproval],
	}

	ws, err := s.workers.List(ctx, worker.Filter{})
	if err != nil {
		return q, scaling.WorkerMetrics{}, fmt.Errorf("list workers: %w", err)
	}
	now := s.now()
	var wm scaling.WorkerMetrics
	for _, w := range ws {
		switch {
		case w.Status == worker.StatusOffline:
			wm.Offline++
			continue
		case !w.IsHealthy(now, s.cfg.StalenessThreshold):
			wm.Stale++
			continue
		}
		wm.Active++
		if w.Status == worker.StatusBusy {
			wm.Busy++
		} else if w.CurrentTasks == 0 {
			wm.Idle++
		}
		wm.TotalCapacity += w.MaxConcurrentTasks
		wm.UsedCapacity += w.CurrentTasks
	}
	s.metrics.SetQueueDepth(q.Pending, q.InProgress, q.WaitingApproval)
	s.metrics.SetWorkers(wm.Active, wm.Idle, wm.Busy, wm.Stale)
	return q, wm, nil
}

// EvaluateScaling collects metrics and applies the policy against the
// shared cooldown state. It does not act.
func (s *Scaler) EvaluateScaling(ctx context.Context) (scaling.Decision, error) {
	d, _, err := s.evaluate(ctx)
	return d, err
}

func (s *Scaler) evaluate(ctx context.Context) (scaling.Decision, scaling.CooldownState, error) {
	q, wm, err := s.CollectMetrics(ctx)
	if err != nil {
		return scaling.Decision{}, scaling.CooldownState{}, err
	}
	state, err := s.state.GetCooldown(ctx, s.cfg.StateName)
	if err != nil {
		return scaling.Decision{}, scaling.CooldownState{}, fmt.Errorf("load cooldown state: %w", err)
	}
	d := Evaluate(s.Policy(), q, wm, state, s.now())
	s.metrics.ObserveScalingDecision(string(d.Action))
	return d, state, nil
}

// Outcome is the result of executing one decision.
type Outcome struct {
	Decision   scaling.Decision  `json:"decision"`
	Spawned    []SpawnResult     `json:"spawned,omitempty"`
	Terminated []TerminateResult `json:"terminated,omitempty"`
	Succeeded  int               `json:"succeeded"`
	Failed     int               `json:"failed"`
	Errors     []string          `json:"errors,omitempty"`
}

// ExecuteScaling runs the decision as independent spawn or terminate calls.
// Individual failures are collected; the batch is never aborted.
func (s *Scaler) ExecuteScaling(ctx context.Context, d scaling.Decision) (Outcome, error) {
	out := Outcome{Decision: d}
	if d.Action == scaling.ActionNone || d.Count <= 0 {
		return out, nil
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.Concurrency)
	var mu sync.Mutex

	switch d.Action {
	case scaling.ActionScaleUp:
		out.Spawned = make([]SpawnResult, d.Count)
		for i := range out.Spawned {
			g.Go(func() error {
				out.Spawned[i] = s.SpawnWorker(gctx)
				return nil
			})
		}
	case scaling.ActionScaleDown:
		victims, err := s.pickIdle(ctx, d.Count)
		if err != nil {
			return out, err
		}
		out.Terminated = make([]TerminateResult, len(victims))
		for i, w := range victims {
			g.Go(func() error {
				res, err := s.TerminateWorker(gctx, w.ID)
				if err != nil {
					mu.Lock()
					out.Errors = append(out.Errors, err.Error())
					mu.Unlock()
				}
				out.Terminated[i] = res
				return nil
			})
		}
	default:
		return out, fmt.Errorf("unknown scaling action %q", d.Action)
	}
	_ = g.Wait()

	for _, r := range out.Spawned {
		if r.Success {
			out.Succeeded++
			continue
		}
		out.Failed++
		out.Errors = append(out.Errors, fmt.Sprintf("spawn %s failed at %s: %s", r.WorkerID, r.Step, r.Error))
	}
	for _, r := range out.Terminated {
		if r.MarkedOffline {
			out.Succeeded++
		} else {
			out.Failed++
		}
	}

	after := d.CurrentWorkers + out.Succeeded
	if d.Action == scaling.ActionScaleDown {
		after = d.CurrentWorkers - out.Succeeded
	}
	ev := scaling.Event{
		Action:        d.Action,
		Reason:        d.Reason,
		WorkersBefore: d.CurrentWorkers,
		WorkersAfter:  after,
		QueueDepth:    d.Queue.Pending,
		CreatedAt:     s.now(),
	}
	if err := s.state.AppendEvent(ctx, ev); err != nil {
		s.metrics.IncAuditFailure("scaling_events")
		s.logger.Warn("scaling event not recorded: %v", err)
	}
	s.logger.Info("%s executed: %d succeeded, %d failed (%d -> %d workers)", d.Action, out.Succeeded, out.Failed, d.CurrentWorkers, after)
	return out, nil
}

// pickIdle returns up to n healthy workers with no load, newest first so
// provisioned capacity is shed before long-lived workers.
func (s *Scaler) pickIdle(ctx context.Context, n int) ([]*worker.Worker, error) {
	ws, err := s.workers.List(ctx, worker.Filter{Statuses: []worker.Status{worker.StatusIdle}})
	if err != nil {
		return nil, fmt.Errorf("list idle workers: %w", err)
	}
	now := s.now()
	idle := make([]*worker.Worker, 0, len(ws))
	for _, w := range ws {
		if w.CurrentTasks == 0 && w.IsHealthy(now, s.cfg.StalenessThreshold) {
			idle = append(idle, w)
		}
	}
	sort.SliceStable(idle, func(i, j int) bool { return idle[i].RegisteredAt.After(idle[j].RegisteredAt) })
	if len(idle) > n {
		idle = idle[:n]
	}
	return idle, nil
}

// CycleResult reports one RunCycle.
type CycleResult struct {
	Decision scaling.Decision `json:"decision"`
	Executed bool             `json:"executed"`
	Skipped  string           `json:"skipped,omitempty"`
	Outcome  *Outcome         `json:"outcome,omitempty"`
}

// RunCycle evaluates and, when this replica leads and wins the cooldown
// claim, executes one scaling decision.
func (s *Scaler) RunCycle(ctx context.Context) (CycleResult, error) {
	ctx, span := s.tracer.StartSpan(ctx, observability.SpanScaleCycle)
	defer span.End()

	if s.leader != nil {
		ok, err := s.leader.TryAcquire(ctx)
		if err != nil {
			return CycleResult{}, fmt.Errorf("leader lock: %w", err)
		}
		if !ok {
			return CycleResult{Skipped: "not the scaling leader"}, nil
		}
	}

	d, state, err := s.evaluate(ctx)
	if err != nil {
		return CycleResult{}, err
	}
	res := CycleResult{Decision: d}
	span.SetAttributes(attribute.String("foreman.scaling.action", string(d.Action)))
	if d.Action == scaling.ActionNone {
		res.Skipped = d.Reason
		return res, nil
	}

	won, err := s.state.ClaimCooldown(ctx, s.cfg.StateName, d.Action, state.Last(d.Action), d.EvaluatedAt)
	if err != nil {
		return res, fmt.Errorf("claim %s cooldown: %w", d.Action, err)
	}
	if !won {
		res.Skipped = "another replica acted first"
		s.logger.Info("%s skipped: cooldown claimed concurrently", d.Action)
		return res, nil
	}

	out, err := s.ExecuteScaling(ctx, d)
	if err != nil {
		return res, err
	}
	res.Executed = true
	res.Outcome = &out
	return res, nil
}
