package bootstrap

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"foreman/internal/config"
	recoverydomain "foreman/internal/domain/recovery"
	"foreman/internal/domain/task"
	"foreman/internal/domain/worker"
	"foreman/internal/infra/observability"
)

func buildMemoryContainer(t *testing.T, cfg config.Config) *Container {
	t.Helper()
	c, err := BuildContainer(context.Background(), cfg, nil, WithMetrics(observability.MustNewMetrics(prometheus.NewRegistry())))
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close(context.Background()) })
	return c
}

func TestRunStages(t *testing.T) {
	degraded := NewDegradedComponents()
	var ran []string
	err := RunStages([]Stage{
		{Name: "a", Required: true, Init: func() error { ran = append(ran, "a"); return nil }},
		{Name: "b", Init: func() error { ran = append(ran, "b"); return errors.New("flaky") }},
		{Name: "c", Init: func() error { ran = append(ran, "c"); return nil }},
	}, degraded, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, ran)
	assert.Equal(t, map[string]string{"b": "flaky"}, degraded.Map())

	fellBack := false
	require.NoError(t, RunStages([]Stage{
		{Name: "tracing", Init: func() error { return errors.New("bad exporter") }, Fallback: func() { fellBack = true }},
	}, degraded, nil))
	assert.True(t, fellBack)
	assert.Contains(t, degraded.Map(), "tracing")

	err = RunStages([]Stage{
		{Name: "store", Required: true, Init: func() error { return errors.New("no db") }},
		{Name: "never", Init: func() error { t.Fatal("stage after a failed required stage ran"); return nil }},
	}, NewDegradedComponents(), nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), `"store"`)
}

func TestBuildContainerMemory(t *testing.T) {
	c := buildMemoryContainer(t, config.Defaults())

	require.NoError(t, c.Ready(context.Background()))
	degraded := c.Degraded.Map()
	assert.Contains(t, degraded, "source-control")
	assert.NotContains(t, degraded, "compute")
	assert.NotContains(t, degraded, "storage")

	for _, svc := range []any{c.Gates, c.Lifecycle, c.Coordinator, c.Scaler, c.Escalations, c.Sweeper, c.Status} {
		assert.NotNil(t, svc)
	}
}

func TestBuildContainerProvisioningWithoutCredentials(t *testing.T) {
	cfg := config.Defaults()
	cfg.Scaling.Provisioning.Enabled = true
	c := buildMemoryContainer(t, cfg)
	assert.Contains(t, c.Degraded.Map(), "compute")
}

func TestBuildContainerRejectsUnknownDriver(t *testing.T) {
	cfg := config.Defaults()
	cfg.Database.Driver = "sqlite"
	_, err := BuildContainer(context.Background(), cfg, nil, WithMetrics(observability.MustNewMetrics(prometheus.NewRegistry())))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "storage")
}

func TestContainerWiresServices(t *testing.T) {
	c := buildMemoryContainer(t, config.Defaults())
	ctx := context.Background()

	require.NoError(t, c.Workers.Register(ctx, &worker.Worker{ID: "w-1", MaxConcurrentTasks: 1}))
	require.NoError(t, c.Tasks.Create(ctx, &task.Task{ID: "t-1", Title: "wired", Status: task.StatusPending}))

	res, err := c.Coordinator.RouteTask(ctx, "t-1", "")
	require.NoError(t, err)
	assert.Equal(t, "w-1", res.WorkerID)

	_, err = c.Escalations.OpenEscalation(ctx, "t-1", "stuck", recoverydomain.LevelWorker)
	require.NoError(t, err)

	snap, err := c.Status.Snapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, snap.Tasks[task.StatusInProgress])
	assert.Equal(t, 1, snap.OpenEscalations)
}

func TestApplyReload(t *testing.T) {
	c := buildMemoryContainer(t, config.Defaults())

	next := config.Defaults()
	next.Scaling.Policy.MaxWorkers = 8
	next.Gates.Review.AutomatedReviewers = []string{"ci-bot"}
	next.Recovery.Escalation.DefaultTimeout = 5 * time.Minute
	c.ApplyReload(next)

	assert.Equal(t, 8, c.Scaler.Policy().MaxWorkers)
	assert.Equal(t, []string{"ci-bot"}, c.Gates.ReviewPolicy().AutomatedReviewers)
	assert.Equal(t, 5*time.Minute, c.Escalations.EscalationPolicy().DefaultTimeout)

	bad := config.Defaults()
	bad.Scaling.Policy.MinWorkers = 20
	c.ApplyReload(bad)
	assert.Equal(t, 8, c.Scaler.Policy().MaxWorkers, "invalid policy is ignored")
}

func TestMappingCarriesSettings(t *testing.T) {
	cfg := config.Defaults()
	cfg.Coordinator.DefaultStrategy = "cost_optimized"
	coord, err := CoordinatorConfig(cfg)
	require.NoError(t, err)
	assert.EqualValues(t, "cost_optimized", coord.DefaultStrategy)

	cfg.Coordinator.DefaultStrategy = "coin_flip"
	_, err = CoordinatorConfig(cfg)
	require.Error(t, err)

	sw := SweeperConfig(cfg)
	assert.Equal(t, cfg.Scaling.StalenessThreshold, sw.StalenessThreshold)
	assert.Equal(t, cfg.Sweeper.AdvanceSchedule, sw.AdvanceSchedule)

	rec := RecoveryConfig(cfg)
	assert.Equal(t, cfg.Recovery.Escalation.OwnerTimeout, rec.Escalation.Timeouts[recoverydomain.LevelOwner])
}
