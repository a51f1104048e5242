package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"foreman/internal/domain/scaling"
	"foreman/internal/domain/storage"
	"foreman/internal/domain/task"
	"foreman/internal/domain/worker"
	id "foreman/internal/shared/utils/id"
	"foreman/internal/testutil"
)

func integrationDB(t *testing.T) *DB {
	t.Helper()
	p := testutil.PostgresPool(t)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	db, err := New(p, nil)
	require.NoError(t, err)
	require.NoError(t, db.EnsureSchema(ctx))
	return db
}

func TestIntegrationAssignmentRace(t *testing.T) {
	db := integrationDB(t)
	ctx := context.Background()

	tk := &task.Task{ID: id.NewTaskID(), Title: "race", Status: task.StatusPending, Priority: 9}
	require.NoError(t, db.Tasks().Create(ctx, tk))

	won, err := db.Tasks().Assign(ctx, tk.ID, "worker-a")
	require.NoError(t, err)
	assert.Equal(t, "worker-a", won.AssignedWorker)
	assert.Equal(t, task.StatusInProgress, won.Status)

	_, err = db.Tasks().Assign(ctx, tk.ID, "worker-b")
	assert.ErrorIs(t, err, storage.ErrStale)

	stale := tk.Clone()
	stale.Title = "overwritten"
	assert.ErrorIs(t, db.Tasks().Update(ctx, stale), storage.ErrStale)
}

func TestIntegrationWorkerSlots(t *testing.T) {
	db := integrationDB(t)
	ctx := context.Background()

	w := &worker.Worker{ID: id.NewWorkerID(), Capabilities: []string{"go"}, MaxConcurrentTasks: 1}
	require.NoError(t, db.Workers().Register(ctx, w))

	got, err := db.Workers().AcquireSlot(ctx, w.ID)
	require.NoError(t, err)
	assert.Equal(t, worker.StatusBusy, got.Status)

	_, err = db.Workers().AcquireSlot(ctx, w.ID)
	assert.ErrorIs(t, err, storage.ErrStale)

	got, err = db.Workers().ReleaseSlot(ctx, w.ID, worker.Outcome{Success: true, Cost: 0.5, Duration: time.Second})
	require.NoError(t, err)
	assert.Equal(t, worker.StatusIdle, got.Status)
	assert.Equal(t, 1, got.TasksCompleted)
	assert.InDelta(t, 1000, got.AvgTaskDurationMs, 0.001)
}

func TestIntegrationCooldownClaim(t *testing.T) {
	db := integrationDB(t)
	ctx := context.Background()
	name := "it-" + id.NewTaskID()

	state, err := db.Scaling().GetCooldown(ctx, name)
	require.NoError(t, err)
	assert.Nil(t, state.LastScaleUpAt)

	now := time.Now()
	won, err := db.Scaling().ClaimCooldown(ctx, name, scaling.ActionScaleUp, nil, now)
	require.NoError(t, err)
	assert.True(t, won)

	won, err = db.Scaling().ClaimCooldown(ctx, name, scaling.ActionScaleUp, nil, now)
	require.NoError(t, err)
	assert.False(t, won)
}
