// Package coordinator routes tasks to workers and keeps worker load in step
// with assignments.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"foreman/internal/domain/recovery"
	"foreman/internal/domain/storage"
	"foreman/internal/domain/task"
	"foreman/internal/domain/worker"
	"foreman/internal/infra/observability"
	"foreman/internal/shared/logging"
)

var (
	// ErrRouteFailed wraps every routing failure that is not a race loss.
	ErrRouteFailed = errors.New("route failed")
)

// Escalator opens escalations for tasks that cannot be routed.
type Escalator interface {
	OpenEscalation(ctx context.Context, taskID, reason string, level recovery.EscalationLevel) (*recovery.Escalation, error)
}

// Config tunes routing.
type Config struct {
	DefaultStrategy Strategy
	// HeartbeatTimeout bounds how old a heartbeat may be for a routable worker.
	HeartbeatTimeout time.Duration
	// EscalateRouteFailures opens an orchestrator escalation when routing fails.
	EscalateRouteFailures bool
}

// DefaultConfig returns the defaults.
func DefaultConfig() Config {
	return Config{DefaultStrategy: LeastLoaded, HeartbeatTimeout: 60 * time.Second, EscalateRouteFailures: true}
}

// Stats are the coordinator's in-process aggregates.
type Stats struct {
	TotalRouted         int64   `json:"total_routed"`
	SuccessfulRoutes    int64   `json:"successful_routes"`
	FailedRoutes        int64   `json:"failed_routes"`
	AvgRoutingLatencyMs float64 `json:"avg_routing_latency_ms"`
	TasksCompleted      int64   `json:"tasks_completed"`
	TasksFailed         int64   `json:"tasks_failed"`
	TotalCost           float64 `json:"total_cost"`
}

// RouteResult describes one routing decision.
type RouteResult struct {
	TaskID   string        `json:"task_id"`
	WorkerID string        `json:"worker_id,omitempty"`
	Strategy Strategy      `json:"strategy"`
	Success  bool          `json:"success"`
	Reason   string        `json:"reason,omitempty"`
	Latency  time.Duration `json:"latency_ns"`
}

// Dependencies are the collaborators of a Coordinator.
type Dependencies struct {
	Tasks     task.Store
	Workers   worker.Store
	Escalator Escalator
	Metrics   *observability.Metrics
	Tracer    *observability.TracerProvider
}

// Coordinator is the single owner of routing state in this process.
type Coordinator struct {
	tasks     task.Store
	workers   worker.Store
	escalator Escalator
	metrics   *observability.Metrics
	tracer    *observability.TracerProvider
	logger    logging.Logger
	cfg       Config
	now       func() time.Time

	mu      sync.Mutex
	rrIndex int
	stats   Stats
}

// New builds a Coordinator.
func New(deps Dependencies, cfg Config, logger logging.Logger) *Coordinator {
	defaults := DefaultConfig()
	if cfg.DefaultStrategy == "" {
		cfg.DefaultStrategy = defaults.DefaultStrategy
	}
	if cfg.HeartbeatTimeout <= 0 {
		cfg.HeartbeatTimeout = defaults.HeartbeatTimeout
	}
	return &Coordinator{
		tasks:     deps.Tasks,
		workers:   deps.Workers,
		escalator: deps.Escalator,
		metrics:   deps.Metrics,
		tracer:    deps.Tracer,
		logger:    logging.OrNop(logger),
		cfg:       cfg,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// SetEscalator attaches the escalation sink after construction.
func (c *Coordinator) SetEscalator(e Escalator) { c.escalator = e }

// Stats returns a snapshot of the aggregates.
func (c *Coordinator) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}

// RouteTask assigns a pending task to a worker. A preferred worker on the
// task bypasses strategy selection and must itself be healthy and available.
// An empty strategy uses the configured default. Routing failures return a
// result with Success false and an error wrapping ErrRouteFailed; a lost
// race on the task wraps task.ErrStale.
func (c *Coordinator) RouteTask(ctx context.Context, taskID string, strategy Strategy) (RouteResult, error) {
	if strategy == "" {
		strategy = c.cfg.DefaultStrategy
	}
	ctx, span := c.tracer.StartSpan(ctx, observability.SpanRouteTask,
		attribute.String(observability.AttrTaskID, taskID),
		attribute.String("foreman.strategy", string(strategy)),
	)
	defer span.End()

	start := c.now()
	result := RouteResult{TaskID: taskID, Strategy: strategy}

	t, err := c.tasks.Get(ctx, taskID)
	if err != nil {
		return result, fmt.Errorf("load task %s: %w", taskID, err)
	}
	if t.Status != task.StatusPending || t.AssignedWorker != "" || t.MovedToDLQ {
		return result, fmt.Errorf("task %s is %s and assigned to %q: %w", t.ID, t.Status, t.AssignedWorker, task.ErrStale)
	}

	all, err := c.workers.List(ctx, worker.Filter{Statuses: []worker.Status{worker.StatusIdle, worker.StatusBusy}})
	if err != nil {
		return result, fmt.Errorf("list workers: %w", err)
	}
	now := c.now()

	var chosen *worker.Worker
	var reason string
	if t.PreferredWorker != "" {
		chosen, reason = c.preferred(ctx, t.PreferredWorker, now)
		if chosen != nil {
			chosen, reason, err = c.assign(ctx, t, []*worker.Worker{chosen}, leastLoaded)
		}
	} else {
		candidates := make([]*worker.Worker, 0, len(all))
		for _, w := range all {
			if w.IsHealthy(now, c.cfg.HeartbeatTimeout) && w.IsAvailable() {
				candidates = append(candidates, w)
			}
		}
		if strategy == CapabilityMatch {
			candidates = capable(candidates, t.RequiredCapabilities)
		}
		if len(candidates) == 0 {
			reason = c.noCandidateReason(strategy, t)
		} else {
			pick, perr := c.picker(strategy)
			if perr != nil {
				return result, perr
			}
			chosen, reason, err = c.assign(ctx, t, candidates, pick)
		}
	}
	if err != nil {
		c.record(strategy, false, c.now().Sub(start))
		return result, err
	}

	result.Latency = c.now().Sub(start)
	if chosen == nil {
		result.Reason = reason
		c.record(strategy, false, result.Latency)
		c.escalateRouteFailure(ctx, t.ID, reason)
		c.logger.Warn("route task %s via %s failed: %s", t.ID, strategy, reason)
		return result, fmt.Errorf("%w: %s", ErrRouteFailed, reason)
	}
	result.WorkerID = chosen.ID
	result.Success = true
	c.record(strategy, true, result.Latency)
	span.SetAttributes(attribute.String(observability.AttrWorkerID, chosen.ID))
	c.logger.Info("task %s routed to %s via %s", t.ID, chosen.ID, strategy)
	return result, nil
}

func (c *Coordinator) preferred(ctx context.Context, workerID string, now time.Time) (*worker.Worker, string) {
	w, err := c.workers.Get(ctx, workerID)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return nil, fmt.Sprintf("preferred worker %s is not registered", workerID)
	case err != nil:
		return nil, fmt.Sprintf("preferred worker %s lookup failed: %v", workerID, err)
	case !w.IsHealthy(now, c.cfg.HeartbeatTimeout):
		return nil, fmt.Sprintf("preferred worker %s is unhealthy", workerID)
	case !w.IsAvailable():
		return nil, fmt.Sprintf("preferred worker %s is at capacity", workerID)
	}
	return w, ""
}

func (c *Coordinator) noCandidateReason(strategy Strategy, t *task.Task) string {
	if strategy == CapabilityMatch && len(t.RequiredCapabilities) > 0 {
		return "no available worker has capabilities " + strings.Join(t.RequiredCapabilities, ",")
	}
	return "no healthy worker available"
}

func (c *Coordinator) picker(strategy Strategy) (func([]*worker.Worker) *worker.Worker, error) {
	switch strategy {
	case RoundRobin:
		return c.nextRoundRobin, nil
	case LeastLoaded, CapabilityMatch:
		return leastLoaded, nil
	case CostOptimized:
		return cheapest, nil
	case FastestResponse:
		return fastest, nil
	}
	return nil, fmt.Errorf("unknown routing strategy %q", strategy)
}

func (c *Coordinator) nextRoundRobin(candidates []*worker.Worker) *worker.Worker {
	c.mu.Lock()
	defer c.mu.Unlock()
	w := candidates[c.rrIndex%len(candidates)]
	c.rrIndex++
	return w
}

// assign claims the task for a picked worker. When the worker's slot was
// taken concurrently the assignment is undone and the next pick among the
// remaining candidates is tried.
func (c *Coordinator) assign(ctx context.Context, t *task.Task, candidates []*worker.Worker, pick func([]*worker.Worker) *worker.Worker) (*worker.Worker, string, error) {
	remaining := append([]*worker.Worker(nil), candidates...)
	for len(remaining) > 0 {
		w := pick(remaining)
		if _, err := c.tasks.Assign(ctx, t.ID, w.ID); err != nil {
			return nil, "", fmt.Errorf("assign task %s to %s: %w", t.ID, w.ID, err)
		}
		_, err := c.workers.AcquireSlot(ctx, w.ID)
		if err == nil {
			return w, "", nil
		}
		if _, rerr := c.tasks.Release(ctx, t.ID, w.ID, "slot on "+w.ID+" taken during routing"); rerr != nil {
			return nil, "", fmt.Errorf("undo assignment of %s after slot failure: %w", t.ID, rerr)
		}
		if !errors.Is(err, storage.ErrStale) && !errors.Is(err, storage.ErrNotFound) {
			return nil, "", fmt.Errorf("acquire slot on %s: %w", w.ID, err)
		}
		remaining = without(remaining, w.ID)
	}
	return nil, "all candidate workers filled up concurrently", nil
}

func without(ws []*worker.Worker, id string) []*worker.Worker {
	out := ws[:0]
	for _, w := range ws {
		if w.ID != id {
			out = append(out, w)
		}
	}
	return out
}

func (c *Coordinator) record(strategy Strategy, ok bool, latency time.Duration) {
	c.mu.Lock()
	c.stats.TotalRouted++
	if ok {
		c.stats.SuccessfulRoutes++
	} else {
		c.stats.FailedRoutes++
	}
	n := float64(c.stats.TotalRouted)
	sample := float64(latency) / float64(time.Millisecond)
	c.stats.AvgRoutingLatencyMs = (c.stats.AvgRoutingLatencyMs*(n-1) + sample) / n
	c.mu.Unlock()
	c.metrics.ObserveRoute(string(strategy), ok, latency)
}

func (c *Coordinator) escalateRouteFailure(ctx context.Context, taskID, reason string) {
	if !c.cfg.EscalateRouteFailures || c.escalator == nil {
		return
	}
	if _, err := c.escalator.OpenEscalation(ctx, taskID, "route failure: "+reason, recovery.LevelOrchestrator); err != nil && !errors.Is(err, storage.ErrDuplicate) {
		c.logger.Warn("escalate route failure for %s: %v", taskID, err)
	}
}

// CompleteTask returns the worker's slot and folds the outcome into its
// history. The task must still be assigned to workerID and not yet reported;
// a repeated report gets task.ErrStale.
func (c *Coordinator) CompleteTask(ctx context.Context, taskID, workerID string, success bool, cost float64) (*worker.Worker, error) {
	t, err := c.tasks.Get(ctx, taskID)
	if err != nil {
		return nil, fmt.Errorf("load task %s: %w", taskID, err)
	}
	if t.AssignedWorker != workerID {
		return nil, fmt.Errorf("task %s is assigned to %q, not %s: %w", taskID, t.AssignedWorker, workerID, task.ErrStale)
	}
	if t.ReportedAt != nil {
		return nil, fmt.Errorf("task %s: %s already reported at %s: %w", taskID, workerID, t.ReportedAt.Format(time.RFC3339), task.ErrStale)
	}
	now := c.now()
	outcome := worker.Outcome{Success: success, Cost: cost}
	if t.StartedAt != nil {
		outcome.Duration = now.Sub(*t.StartedAt)
	}
	// The revision guard on this write makes the report one-shot: a
	// concurrent duplicate loses here and never touches the worker's slot.
	t.ReportedAt = &now
	if err := c.tasks.Update(ctx, t); err != nil {
		return nil, fmt.Errorf("record report for %s: %w", taskID, err)
	}
	w, err := c.workers.ReleaseSlot(ctx, workerID, outcome)
	if err != nil {
		return nil, fmt.Errorf("release slot on %s: %w", workerID, err)
	}
	c.mu.Lock()
	if success {
		c.stats.TasksCompleted++
	} else {
		c.stats.TasksFailed++
	}
	c.stats.TotalCost += cost
	c.mu.Unlock()
	c.logger.Info("worker %s finished task %s (success=%t, cost=%.4f)", workerID, taskID, success, cost)
	return w, nil
}

// ClaimNext lets a pull-mode worker claim the best pending task it can
// serve. A worker without a free slot gets storage.ErrStale; nothing
// claimable gets storage.ErrNotFound.
func (c *Coordinator) ClaimNext(ctx context.Context, workerID string) (*task.Task, error) {
	start := c.now()
	w, err := c.workers.Get(ctx, workerID)
	if err != nil {
		return nil, fmt.Errorf("load worker %s: %w", workerID, err)
	}
	if !w.IsHealthy(start, c.cfg.HeartbeatTimeout) {
		return nil, fmt.Errorf("%w: worker %s is unhealthy", ErrRouteFailed, workerID)
	}
	if !w.IsAvailable() {
		return nil, fmt.Errorf("worker %s has no free slot: %w", workerID, storage.ErrStale)
	}
	caps := append([]string(nil), w.Capabilities...)
	if w.Role != "" {
		caps = append(caps, w.Role)
	}
	t, err := c.tasks.ClaimNextPending(ctx, workerID, caps)
	if err != nil {
		return nil, err
	}
	if _, err := c.workers.AcquireSlot(ctx, workerID); err != nil {
		if _, rerr := c.tasks.Release(ctx, t.ID, workerID, "claiming worker lost its slot"); rerr != nil {
			c.logger.Warn("undo claim of %s by %s: %v", t.ID, workerID, rerr)
		}
		return nil, fmt.Errorf("acquire slot on %s: %w", workerID, err)
	}
	c.record("claim", true, c.now().Sub(start))
	c.logger.Info("worker %s claimed task %s", workerID, t.ID)
	return t, nil
}

// LoadBalanceScore computes the score over every non-offline worker.
func (c *Coordinator) LoadBalanceScore(ctx context.Context) (float64, error) {
	ws, err := c.workers.List(ctx, worker.Filter{Statuses: []worker.Status{worker.StatusIdle, worker.StatusBusy}})
	if err != nil {
		return 0, fmt.Errorf("list workers: %w", err)
	}
	loads := make([]float64, 0, len(ws))
	for _, w := range ws {
		loads = append(loads, w.LoadPercentage())
	}
	return LoadBalanceScore(loads), nil
}
