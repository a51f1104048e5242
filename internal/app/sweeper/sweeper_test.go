package sweeper

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"foreman/internal/app/autoscaler"
	"foreman/internal/app/lifecycle"
	"foreman/internal/app/recovery"
	"foreman/internal/domain/storage"
	"foreman/internal/domain/task"
	"foreman/internal/domain/worker"
	"foreman/internal/infra/store/memory"
)

type scriptedAdvancer struct {
	mu      sync.Mutex
	calls   []string
	results map[string]lifecycle.AdvanceResult
	errs    map[string]error
}

func (a *scriptedAdvancer) AdvanceTask(_ context.Context, id string) (lifecycle.AdvanceResult, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls = append(a.calls, id)
	if err := a.errs[id]; err != nil {
		return lifecycle.AdvanceResult{}, err
	}
	return a.results[id], nil
}

type countingCycler struct {
	mu    sync.Mutex
	calls int
}

func (c *countingCycler) RunCycle(context.Context) (autoscaler.CycleResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	return autoscaler.CycleResult{}, nil
}

func (c *countingCycler) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

type fixedSweep struct{ res recovery.SweepResult }

func (f fixedSweep) SweepEscalations(context.Context) (recovery.SweepResult, error) {
	return f.res, nil
}

func createTask(t *testing.T, db *memory.DB, id string, status task.Status) {
	t.Helper()
	require.NoError(t, db.Tasks().Create(context.Background(), &task.Task{ID: id, Title: id, Status: status}))
}

func createTaskWith(t *testing.T, db *memory.DB, id string, status task.Status, mutate func(*task.Task)) {
	t.Helper()
	tk := &task.Task{ID: id, Title: id, Status: status}
	mutate(tk)
	require.NoError(t, db.Tasks().Create(context.Background(), tk))
}

func TestAdvanceAll(t *testing.T) {
	db := memory.New(nil)
	reported := time.Now().UTC()
	working := func(tk *task.Task) {
		tk.Stage = task.StageInProgress
		approved := true
		tk.Plan = &task.Plan{Approach: "patch", Steps: []string{"fix"}, Approved: &approved}
		tk.VerificationChain = []task.Gate{task.MustGate("", &task.HealthCheckSpec{URL: "http://localhost/health"})}
	}
	createTaskWith(t, db, "t-active", task.StatusInProgress, working)
	createTaskWith(t, db, "t-reported", task.StatusInProgress, func(tk *task.Task) { tk.ReportedAt = &reported })
	createTaskWith(t, db, "t-raced", task.StatusInProgress, working)
	createTaskWith(t, db, "t-routed", task.StatusInProgress, func(tk *task.Task) { tk.AssignedWorker = "w-1" })
	createTaskWith(t, db, "t-review", task.StatusWaitingApproval, func(tk *task.Task) {
		tk.Stage = task.StagePlanSubmitted
		tk.VerificationChain = []task.Gate{task.MustGate("", &task.PlanApprovalSpec{})}
	})
	createTask(t, db, "t-pending", task.StatusPending)
	createTask(t, db, "t-done", task.StatusCompleted)

	adv := &scriptedAdvancer{
		results: map[string]lifecycle.AdvanceResult{
			"t-active":   {Advanced: true},
			"t-reported": {Advanced: true, Completed: true},
		},
		errs: map[string]error{"t-raced": fmt.Errorf("advance: %w", storage.ErrStale)},
	}
	s := New(DefaultConfig(), Dependencies{Tasks: db.Tasks(), Advancer: adv}, nil)

	stats, err := s.AdvanceAll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, AdvanceStats{Examined: 3, Advanced: 1, Completed: 1, Lost: 1}, stats)
	assert.ElementsMatch(t, []string{"t-active", "t-reported", "t-raced"}, adv.calls)
}

func TestAdvanceAllLeavesRoutedTaskToItsWorker(t *testing.T) {
	db := memory.New(nil)
	createTask(t, db, "t-1", task.StatusPending)
	_, err := db.Tasks().Assign(context.Background(), "t-1", "w-1")
	require.NoError(t, err)

	svc := lifecycle.New(lifecycle.Dependencies{Tasks: db.Tasks()}, lifecycle.DefaultConfig(), nil)
	s := New(DefaultConfig(), Dependencies{Tasks: db.Tasks(), Advancer: svc}, nil)
	stats, err := s.AdvanceAll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, AdvanceStats{}, stats)

	tk, err := db.Tasks().Get(context.Background(), "t-1")
	require.NoError(t, err)
	assert.Equal(t, task.StatusInProgress, tk.Status)
	assert.Equal(t, "w-1", tk.AssignedWorker)
}

func TestReapStaleWorkers(t *testing.T) {
	db := memory.New(nil)
	ctx := context.Background()
	now := time.Now().UTC()
	require.NoError(t, db.Workers().Register(ctx, &worker.Worker{ID: "w-live", MaxConcurrentTasks: 2, LastHeartbeat: now}))
	require.NoError(t, db.Workers().Register(ctx, &worker.Worker{ID: "w-dead", MaxConcurrentTasks: 2, LastHeartbeat: now.Add(-10 * time.Minute)}))

	createTask(t, db, "t-1", task.StatusPending)
	createTask(t, db, "t-2", task.StatusPending)
	for _, id := range []string{"t-1", "t-2"} {
		_, err := db.Tasks().Assign(ctx, id, "w-dead")
		require.NoError(t, err)
		_, err = db.Workers().AcquireSlot(ctx, "w-dead")
		require.NoError(t, err)
	}

	s := New(DefaultConfig(), Dependencies{Tasks: db.Tasks(), Workers: db.Workers()}, nil)
	stats, err := s.ReapStaleWorkers(ctx)
	require.NoError(t, err)
	assert.Equal(t, ReapStats{MarkedOffline: 1, TasksReleased: 2}, stats)

	dead, err := db.Workers().Get(ctx, "w-dead")
	require.NoError(t, err)
	assert.Equal(t, worker.StatusOffline, dead.Status)
	assert.Equal(t, 0, dead.CurrentTasks)

	live, err := db.Workers().Get(ctx, "w-live")
	require.NoError(t, err)
	assert.Equal(t, worker.StatusIdle, live.Status)

	for _, id := range []string{"t-1", "t-2"} {
		got, err := db.Tasks().Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, task.StatusPending, got.Status)
		assert.Empty(t, got.AssignedWorker)
		assert.Equal(t, "worker w-dead heartbeat lost", got.Metadata["last_release"])
	}

	again, err := s.ReapStaleWorkers(ctx)
	require.NoError(t, err)
	assert.Equal(t, ReapStats{}, again)
}

func TestReapKeepsReportedTasks(t *testing.T) {
	db := memory.New(nil)
	ctx := context.Background()
	now := time.Now().UTC()
	require.NoError(t, db.Workers().Register(ctx, &worker.Worker{ID: "w-dead", MaxConcurrentTasks: 2, LastHeartbeat: now.Add(-10 * time.Minute)}))

	createTask(t, db, "t-open", task.StatusPending)
	createTask(t, db, "t-reported", task.StatusPending)
	for _, id := range []string{"t-open", "t-reported"} {
		_, err := db.Tasks().Assign(ctx, id, "w-dead")
		require.NoError(t, err)
		_, err = db.Workers().AcquireSlot(ctx, "w-dead")
		require.NoError(t, err)
	}
	tk, err := db.Tasks().Get(ctx, "t-reported")
	require.NoError(t, err)
	tk.ReportedAt = &now
	require.NoError(t, db.Tasks().Update(ctx, tk))
	_, err = db.Workers().ReleaseSlot(ctx, "w-dead", worker.Outcome{Success: true})
	require.NoError(t, err)

	s := New(DefaultConfig(), Dependencies{Tasks: db.Tasks(), Workers: db.Workers()}, nil)
	stats, err := s.ReapStaleWorkers(ctx)
	require.NoError(t, err)
	assert.Equal(t, ReapStats{MarkedOffline: 1, TasksReleased: 1}, stats)

	dead, err := db.Workers().Get(ctx, "w-dead")
	require.NoError(t, err)
	assert.Equal(t, 0, dead.CurrentTasks)
	assert.Equal(t, 1, dead.TasksFailed)

	got, err := db.Tasks().Get(ctx, "t-reported")
	require.NoError(t, err)
	assert.Equal(t, "w-dead", got.AssignedWorker)
	assert.Equal(t, task.StatusInProgress, got.Status)
}

func TestRunOnceUnknownJob(t *testing.T) {
	s := New(DefaultConfig(), Dependencies{}, nil)
	require.Error(t, s.RunOnce(context.Background(), "defrag"))
	require.Error(t, s.RunOnce(context.Background(), JobScaling))
}

func TestStartRegistersConfiguredJobs(t *testing.T) {
	db := memory.New(nil)
	cycler := &countingCycler{}
	cfg := DefaultConfig()
	cfg.ScalingSchedule = "@every 1s"
	cfg.EscalationSchedule = ""
	s := New(cfg, Dependencies{
		Tasks:       db.Tasks(),
		Workers:     db.Workers(),
		Scaler:      cycler,
		Escalations: fixedSweep{},
	}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, s.Start(ctx))
	assert.Equal(t, []string{JobReaper, JobScaling}, s.JobNames())

	require.Eventually(t, func() bool { return cycler.count() > 0 }, 3*time.Second, 50*time.Millisecond)
	cancel()
	select {
	case <-s.Done():
	case <-time.After(3 * time.Second):
		t.Fatal("sweeper did not stop")
	}
}

func TestStartRejectsBadSchedule(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ScalingSchedule = "every minute please"
	s := New(cfg, Dependencies{Scaler: &countingCycler{}}, nil)
	require.Error(t, s.Start(context.Background()))
}

func TestStartDisabled(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Enabled = false
	s := New(cfg, Dependencies{}, nil)
	require.NoError(t, s.Start(context.Background()))
	<-s.Done()
	s.Stop()
}
