// Package sweeper runs the out-of-band loops on cron schedules: gate
// advancement, escalation timeouts, the scaling cycle and the stale-worker
// reaper.
package sweeper

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"foreman/internal/app/autoscaler"
	"foreman/internal/app/lifecycle"
	"foreman/internal/app/recovery"
	"foreman/internal/domain/storage"
	"foreman/internal/domain/task"
	"foreman/internal/domain/worker"
	"foreman/internal/infra/observability"
	"foreman/internal/shared/logging"
)

// Job names.
const (
	JobAdvance     = "advance"
	JobEscalations = "escalations"
	JobScaling     = "scaling"
	JobReaper      = "reaper"
)

// Advancer evaluates a task's current gate.
type Advancer interface {
	AdvanceTask(ctx context.Context, taskID string) (lifecycle.AdvanceResult, error)
}

// EscalationSweeper handles timed out escalations.
type EscalationSweeper interface {
	SweepEscalations(ctx context.Context) (recovery.SweepResult, error)
}

// ScalingCycler runs one scaling cycle.
type ScalingCycler interface {
	RunCycle(ctx context.Context) (autoscaler.CycleResult, error)
}

// Config holds schedules and bounds. Schedules accept five-field cron
// expressions and descriptors such as "@every 30s"; an empty schedule
// disables the job.
type Config struct {
	Enabled            bool
	AdvanceSchedule    string
	EscalationSchedule string
	ScalingSchedule    string
	ReaperSchedule     string
	JobTimeout         time.Duration
	ConcurrencyPolicy  string
	AdvanceBatch       int
	StalenessThreshold time.Duration
}

// DefaultConfig returns the defaults.
func DefaultConfig() Config {
	return Config{
		Enabled:            true,
		AdvanceSchedule:    "@every 30s",
		EscalationSchedule: "@every 1m",
		ScalingSchedule:    "@every 1m",
		ReaperSchedule:     "@every 30s",
		JobTimeout:         2 * time.Minute,
		ConcurrencyPolicy:  "skip",
		AdvanceBatch:       100,
		StalenessThreshold: 2 * time.Minute,
	}
}

// Dependencies are the loops' collaborators; a nil loop target disables
// the corresponding job.
type Dependencies struct {
	Tasks       task.Store
	Workers     worker.Store
	Advancer    Advancer
	Escalations EscalationSweeper
	Scaler      ScalingCycler
	Metrics     *observability.Metrics
}

// Sweeper owns the cron runner.
type Sweeper struct {
	cron     *cron.Cron
	deps     Dependencies
	config   Config
	logger   logging.Logger
	now      func() time.Time
	mu       sync.Mutex
	entryIDs map[string]cron.EntryID
	stopped  chan struct{}
	stopOnce sync.Once
}

// New creates a Sweeper.
func New(cfg Config, deps Dependencies, logger logging.Logger) *Sweeper {
	logger = logging.OrNop(logger)
	if cfg.JobTimeout <= 0 {
		cfg.JobTimeout = DefaultConfig().JobTimeout
	}
	if cfg.AdvanceBatch <= 0 {
		cfg.AdvanceBatch = DefaultConfig().AdvanceBatch
	}
	if cfg.StalenessThreshold <= 0 {
		cfg.StalenessThreshold = DefaultConfig().StalenessThreshold
	}
	return &Sweeper{
		cron:     newCron(cfg, logger),
		deps:     deps,
		config:   cfg,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
		entryIDs: make(map[string]cron.EntryID),
		stopped:  make(chan struct{}),
	}
}

func newCron(cfg Config, logger logging.Logger) *cron.Cron {
	cronLog := logging.KeyValueLogger{Logger: logger}
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	options := []cron.Option{cron.WithParser(parser), cron.WithLogger(cronLog)}
	policy := strings.ToLower(strings.TrimSpace(cfg.ConcurrencyPolicy))
	var wrapper cron.JobWrapper
	switch policy {
	case "delay":
		wrapper = cron.DelayIfStillRunning(cronLog)
	case "skip", "":
		wrapper = cron.SkipIfStillRunning(cronLog)
	default:
		logger.Warn("unknown concurrency policy %q, defaulting to skip", policy)
		wrapper = cron.SkipIfStillRunning(cronLog)
	}
	options = append(options, cron.WithChain(cron.Recover(cronLog), wrapper))
	return cron.New(options...)
}

// Start registers the enabled jobs and starts the runner. The runner stops
// when ctx ends.
func (s *Sweeper) Start(ctx context.Context) error {
	if !s.config.Enabled {
		s.logger.Info("disabled by config")
		close(s.stopped)
		s.stopOnce.Do(func() {})
		return nil
	}

	s.mu.Lock()
	jobs := []struct {
		name     string
		schedule string
		enabled  bool
	}{
		{JobAdvance, s.config.AdvanceSchedule, s.deps.Advancer != nil && s.deps.Tasks != nil},
		{JobEscalations, s.config.EscalationSchedule, s.deps.Escalations != nil},
		{JobScaling, s.config.ScalingSchedule, s.deps.Scaler != nil},
		{JobReaper, s.config.ReaperSchedule, s.deps.Workers != nil && s.deps.Tasks != nil},
	}
	for _, j := range jobs {
		if !j.enabled || strings.TrimSpace(j.schedule) == "" {
			continue
		}
		if err := s.register(ctx, j.name, j.schedule); err != nil {
			s.mu.Unlock()
			return err
		}
	}
	count := len(s.entryIDs)
	s.mu.Unlock()

	s.cron.Start()
	s.logger.Info("started with %d jobs", count)

	go func() {
		<-ctx.Done()
		s.Stop()
	}()
	return nil
}

// register adds one job. Must be called with s.mu held.
func (s *Sweeper) register(ctx context.Context, name, schedule string) error {
	if _, exists := s.entryIDs[name]; exists {
		return nil
	}
	entryID, err := s.cron.AddFunc(schedule, func() {
		if err := s.RunOnce(ctx, name); err != nil && !errors.Is(err, context.Canceled) {
			s.logger.Warn("job %s failed: %v", name, err)
		}
	})
	if err != nil {
		return fmt.Errorf("invalid schedule for %s: %w", name, err)
	}
	s.entryIDs[name] = entryID
	s.logger.Info("registered job %q (schedule=%s)", name, schedule)
	return nil
}

// Stop gracefully stops the runner. Safe to call multiple times.
func (s *Sweeper) Stop() {
	s.stopOnce.Do(func() {
		s.logger.Info("stopping...")
		stopCtx := s.cron.Stop()
		<-stopCtx.Done()
		close(s.stopped)
		s.logger.Info("stopped")
	})
}

// Done is closed once the runner has fully stopped.
func (s *Sweeper) Done() <-chan struct{} {
	return s.stopped
}

// JobNames returns the registered job names, sorted.
func (s *Sweeper) JobNames() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.entryIDs))
	for name := range s.entryIDs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// RunOnce runs job immediately, bounded by the job timeout.
func (s *Sweeper) RunOnce(ctx context.Context, job string) error {
	ctx, cancel := context.WithTimeout(ctx, s.config.JobTimeout)
	defer cancel()

	var err error
	switch job {
	case JobAdvance:
		_, err = s.AdvanceAll(ctx)
	case JobEscalations:
		if s.deps.Escalations == nil {
			return errors.New("escalation sweep not configured")
		}
		var res recovery.SweepResult
		res, err = s.deps.Escalations.SweepEscalations(ctx)
		if err == nil && res.Examined > 0 {
			s.logger.Info("escalations examined=%d raised=%d auto_resolved=%d", res.Examined, res.Raised, res.AutoResolved)
		}
	case JobScaling:
		if s.deps.Scaler == nil {
			return errors.New("scaling cycle not configured")
		}
		_, err = s.deps.Scaler.RunCycle(ctx)
	case JobReaper:
		_, err = s.ReapStaleWorkers(ctx)
	default:
		return fmt.Errorf("unknown sweeper job %q", job)
	}
	s.deps.Metrics.ObserveSweep(job, err == nil)
	return err
}

// AdvanceStats counts one advance sweep.
type AdvanceStats struct {
	Examined  int `json:"examined"`
	Advanced  int `json:"advanced"`
	Completed int `json:"completed"`
	Lost      int `json:"lost_races"`
	Errors    int `json:"errors"`
}

// AdvanceAll evaluates the current gate of every active task that has work
// to verify. Lost races are expected when several sweepers run and are only
// counted.
func (s *Sweeper) AdvanceAll(ctx context.Context) (AdvanceStats, error) {
	log := logging.WithPrefix(s.logger, "advance sweep: ")
	var stats AdvanceStats
	if s.deps.Advancer == nil || s.deps.Tasks == nil {
		return stats, errors.New("advance sweep not configured")
	}
	tasks, err := s.deps.Tasks.List(ctx, task.Filter{
		Statuses: []task.Status{task.StatusInProgress, task.StatusWaitingApproval},
		Limit:    s.config.AdvanceBatch,
	})
	if err != nil {
		return stats, fmt.Errorf("list active tasks: %w", err)
	}
	for _, t := range tasks {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		if !sweepable(t) {
			continue
		}
		stats.Examined++
		res, err := s.deps.Advancer.AdvanceTask(ctx, t.ID)
		switch {
		case errors.Is(err, storage.ErrStale):
			stats.Lost++
		case err != nil:
			stats.Errors++
			log.Warn("%s: %v", t.ID, err)
		case res.Completed:
			stats.Completed++
		case res.Advanced:
			stats.Advanced++
		}
	}
	if stats.Advanced+stats.Completed > 0 {
		log.Info("advanced %d, completed %d of %d tasks", stats.Advanced, stats.Completed, stats.Examined)
	}
	return stats, nil
}

// sweepable reports whether the sweep may advance t. A task qualifies once
// its worker has reported, or once it is at in_progress or later with gates
// to check. A routed task with nothing reported is still being worked, and
// empty-chain completion belongs to the report path.
func sweepable(t *task.Task) bool {
	if t.MovedToDLQ {
		return false
	}
	if t.ReportedAt != nil {
		return true
	}
	return len(t.VerificationChain) > 0 && t.Stage.AtLeast(task.StageInProgress)
}

// ReapStats counts one reaper pass.
type ReapStats struct {
	MarkedOffline int `json:"marked_offline"`
	TasksReleased int `json:"tasks_released"`
}

// ReapStaleWorkers takes workers with a stale heartbeat offline and returns
// their unreported in-flight tasks to pending. The offline write is guarded on the
// heartbeat that was read, so a worker that beats in between survives.
func (s *Sweeper) ReapStaleWorkers(ctx context.Context) (ReapStats, error) {
	log := logging.WithPrefix(s.logger, "reaper: ")
	var stats ReapStats
	if s.deps.Workers == nil || s.deps.Tasks == nil {
		return stats, errors.New("reaper not configured")
	}
	ws, err := s.deps.Workers.List(ctx, worker.Filter{Statuses: []worker.Status{worker.StatusIdle, worker.StatusBusy}})
	if err != nil {
		return stats, fmt.Errorf("list workers: %w", err)
	}
	now := s.now()
	for _, w := range ws {
		if w.IsHealthy(now, s.config.StalenessThreshold) {
			continue
		}
		if err := s.deps.Workers.MarkOffline(ctx, w.ID, w.LastHeartbeat); err != nil {
			if !errors.Is(err, storage.ErrStale) {
				log.Warn("mark %s offline: %v", w.ID, err)
			}
			continue
		}
		stats.MarkedOffline++
		log.Warn("worker %s offline, last heartbeat %s", w.ID, w.LastHeartbeat.Format(time.RFC3339))

		held, err := s.deps.Tasks.List(ctx, task.Filter{AssignedWorker: w.ID})
		if err != nil {
			log.Warn("list tasks of %s: %v", w.ID, err)
			continue
		}
		for _, t := range held {
			// A reported task already gave its slot back and only waits on gates.
			if t.Status.IsTerminal() || t.MovedToDLQ || t.ReportedAt != nil {
				continue
			}
			if _, err := s.deps.Tasks.Release(ctx, t.ID, w.ID, "worker "+w.ID+" heartbeat lost"); err != nil {
				log.Warn("release %s from %s: %v", t.ID, w.ID, err)
				continue
			}
			stats.TasksReleased++
			if _, err := s.deps.Workers.ReleaseSlot(ctx, w.ID, worker.Outcome{Success: false}); err != nil && !errors.Is(err, storage.ErrStale) {
				log.Warn("return slot of %s: %v", w.ID, err)
			}
		}
	}
	return stats, nil
}
