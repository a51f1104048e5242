package recovery

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"foreman/internal/app/coordinator"
	"foreman/internal/app/lifecycle"
	domain "foreman/internal/domain/recovery"
	"foreman/internal/domain/storage"
	"foreman/internal/domain/task"
	"foreman/internal/infra/store/memory"
)

var (
	_ lifecycle.Escalator   = (*Manager)(nil)
	_ coordinator.Escalator = (*Manager)(nil)
)

func newManager(t *testing.T, cfg Config) (*Manager, *memory.DB) {
	t.Helper()
	db := memory.New(nil)
	return New(Dependencies{Tasks: db.Tasks(), Recovery: db.Recovery()}, cfg, nil), db
}

func createTask(t *testing.T, db *memory.DB, id string) {
	t.Helper()
	require.NoError(t, db.Tasks().Create(context.Background(), &task.Task{
		ID:       id,
		Title:    "migrate billing tables",
		Status:   task.StatusPending,
		Priority: 7,
		Metadata: map[string]any{"source": "issue-42"},
	}))
}

func assign(t *testing.T, db *memory.DB, taskID, workerID string) {
	t.Helper()
	_, err := db.Tasks().Assign(context.Background(), taskID, workerID)
	require.NoError(t, err)
}

func TestShouldMoveToDlq(t *testing.T) {
	cases := []struct {
		failures, max int
		want          bool
	}{
		{0, 3, false},
		{2, 3, false},
		{3, 3, true},
		{4, 3, true},
		{0, 0, true},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, ShouldMoveToDlq(tc.failures, tc.max), "%d/%d", tc.failures, tc.max)
	}
}

func TestHandleTaskFailureQuarantinesOnThirdAttempt(t *testing.T) {
	m, db := newManager(t, DefaultConfig())
	ctx := context.Background()
	createTask(t, db, "task_1")

	for attempt := 1; attempt <= 2; attempt++ {
		assign(t, db, "task_1", "w-1")
		res, err := m.HandleTaskFailure(ctx, "task_1", "tests failed")
		require.NoError(t, err)
		assert.Equal(t, attempt, res.FailureCount)
		assert.False(t, res.Quarantined)

		got, err := db.Tasks().Get(ctx, "task_1")
		require.NoError(t, err)
		assert.Equal(t, task.StatusPending, got.Status)
		assert.Empty(t, got.AssignedWorker)
	}

	assign(t, db, "task_1", "w-2")
	before, err := db.Tasks().Get(ctx, "task_1")
	require.NoError(t, err)

	res, err := m.HandleTaskFailure(ctx, "task_1", "tests failed again")
	require.NoError(t, err)
	require.True(t, res.Quarantined)
	require.NotNil(t, res.Entry)
	assert.Equal(t, domain.DLQPending, res.Entry.Status)
	assert.Equal(t, "tests failed again", res.Entry.FailureReason)

	var snap task.Task
	require.NoError(t, json.Unmarshal(res.Entry.TaskSnapshot, &snap))
	assert.Equal(t, before.ID, snap.ID)
	assert.Equal(t, before.Title, snap.Title)
	assert.Equal(t, 3, snap.FailureCount)
	assert.False(t, snap.MovedToDLQ)
	assert.Equal(t, "issue-42", snap.Metadata["source"])

	got, err := db.Tasks().Get(ctx, "task_1")
	require.NoError(t, err)
	assert.True(t, got.MovedToDLQ)
	assert.Equal(t, res.Entry.ID, got.DLQEntryID)
	assert.Equal(t, task.StatusFailed, got.Status)

	history, ok := got.Metadata[MetaFailureHistory].([]any)
	require.True(t, ok)
	require.Len(t, history, 3, "every attempt is kept")
	for i, want := range []string{"w-1", "w-1", "w-2"} {
		attempt := history[i].(map[string]any)
		assert.Equal(t, want, attempt["worker"])
		assert.EqualValues(t, i+1, attempt["attempt"])
	}

	_, err = m.HandleTaskFailure(ctx, "task_1", "again")
	require.ErrorIs(t, err, task.ErrInvalidTransition)
}

func TestMoveToDlqOnce(t *testing.T) {
	m, db := newManager(t, DefaultConfig())
	ctx := context.Background()
	createTask(t, db, "task_1")

	entry, err := m.MoveToDlq(ctx, "task_1", "budget exhausted")
	require.NoError(t, err)
	assert.NotEmpty(t, entry.ID)

	_, err = m.MoveToDlq(ctx, "task_1", "budget exhausted")
	require.ErrorIs(t, err, task.ErrInvalidTransition)

	entries, err := m.ListDlq(ctx, domain.DLQFilter{TaskID: "task_1"})
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestRetryDlqItem(t *testing.T) {
	m, db := newManager(t, DefaultConfig())
	ctx := context.Background()
	createTask(t, db, "task_1")
	entry, err := m.MoveToDlq(ctx, "task_1", "deploy crashed")
	require.NoError(t, err)

	retried, err := m.RetryDlqItem(ctx, entry.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.DLQRetrying, retried.Status)
	assert.Equal(t, 1, retried.RetryCount)

	got, err := db.Tasks().Get(ctx, "task_1")
	require.NoError(t, err)
	assert.Equal(t, task.StatusPending, got.Status)
	assert.False(t, got.MovedToDLQ)
	assert.Equal(t, "issue-42", got.Metadata["source"], "prior metadata survives")
	assert.Equal(t, "deploy crashed", got.Metadata[MetaDLQReason])
	retries, ok := got.Metadata[MetaDLQRetryHistory].([]any)
	require.True(t, ok)
	assert.Len(t, retries, 1)

	_, err = m.RetryDlqItem(ctx, entry.ID)
	require.ErrorIs(t, err, task.ErrInvalidTransition, "retrying entries are not retried again")
}

func TestRetryResolvedEntryIsRejected(t *testing.T) {
	m, db := newManager(t, DefaultConfig())
	ctx := context.Background()
	createTask(t, db, "task_1")
	entry, err := m.MoveToDlq(ctx, "task_1", "flaky")
	require.NoError(t, err)

	resolved, err := m.ResolveDlqItem(ctx, entry.ID, "fixed upstream", "ops@example.com")
	require.NoError(t, err)
	assert.Equal(t, domain.DLQResolved, resolved.Status)
	require.NotNil(t, resolved.ResolvedAt)

	_, err = m.RetryDlqItem(ctx, entry.ID)
	require.ErrorIs(t, err, task.ErrInvalidTransition)

	stored, err := db.Recovery().GetDLQEntry(ctx, entry.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.DLQResolved, stored.Status)
	assert.Equal(t, 0, stored.RetryCount)

	got, err := db.Tasks().Get(ctx, "task_1")
	require.NoError(t, err)
	assert.True(t, got.MovedToDLQ)
	resolution, ok := got.Metadata[MetaDLQResolution].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, false, resolution["retried"])
	assert.Equal(t, "fixed upstream", resolution["notes"])
}

func TestRequarantinePastBudgetAbandons(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxRetries = 1
	cfg.DLQMaxRetries = 1
	m, db := newManager(t, cfg)
	ctx := context.Background()
	createTask(t, db, "task_1")

	first, err := m.HandleTaskFailure(ctx, "task_1", "boom")
	require.NoError(t, err)
	require.True(t, first.Quarantined)
	_, err = m.RetryDlqItem(ctx, first.Entry.ID)
	require.NoError(t, err)

	second, err := m.HandleTaskFailure(ctx, "task_1", "boom again")
	require.NoError(t, err)
	require.True(t, second.Quarantined)
	assert.Equal(t, first.Entry.ID, second.Entry.ID)
	assert.Equal(t, domain.DLQAbandoned, second.Entry.Status)

	stored, err := db.Recovery().GetDLQEntry(ctx, first.Entry.ID)
	require.NoError(t, err)
	assert.Equal(t, first.Entry.TaskSnapshot, stored.TaskSnapshot, "snapshot of the first quarantine is kept")

	tk, err := db.Tasks().Get(ctx, "task_1")
	require.NoError(t, err)
	failures, ok := tk.Metadata[MetaFailureHistory].([]any)
	require.True(t, ok)
	require.Len(t, failures, 2, "the retry keeps failures from before the quarantine")
	assert.Equal(t, "boom", failures[0].(map[string]any)["reason"])
	assert.Equal(t, "boom again", failures[1].(map[string]any)["reason"])

	escs, err := m.ListEscalations(ctx, domain.EscalationFilter{TaskID: "task_1"})
	require.NoError(t, err)
	require.Len(t, escs, 1)
	assert.Equal(t, domain.LevelOwner, escs[0].Level)
	assert.Contains(t, escs[0].Reason, ReasonBudgetExhausted)
}

func TestAbandonDlqItem(t *testing.T) {
	m, db := newManager(t, DefaultConfig())
	ctx := context.Background()
	createTask(t, db, "task_1")
	entry, err := m.MoveToDlq(ctx, "task_1", "unfixable")
	require.NoError(t, err)

	abandoned, err := m.AbandonDlqItem(ctx, entry.ID, "won't fix", "owner")
	require.NoError(t, err)
	assert.Equal(t, domain.DLQAbandoned, abandoned.Status)

	_, err = m.AbandonDlqItem(ctx, entry.ID, "again", "owner")
	require.ErrorIs(t, err, task.ErrInvalidTransition)

	escs, err := m.ListEscalations(ctx, domain.EscalationFilter{Statuses: []domain.EscalationStatus{domain.EscalationOpen}})
	require.NoError(t, err)
	require.Len(t, escs, 1)
	assert.Equal(t, domain.LevelOwner, escs[0].Level)
}

func TestOpenEscalationDeduplicates(t *testing.T) {
	m, db := newManager(t, DefaultConfig())
	ctx := context.Background()
	createTask(t, db, "task_1")

	e, err := m.OpenEscalation(ctx, "task_1", "route failure: no healthy worker available", domain.LevelOrchestrator)
	require.NoError(t, err)
	assert.Equal(t, e.CreatedAt.Add(2*time.Hour), e.TimeoutAt)

	_, err = m.OpenEscalation(ctx, "task_1", "route failure: no healthy worker available", domain.LevelOrchestrator)
	require.ErrorIs(t, err, storage.ErrDuplicate)

	_, err = m.OpenEscalation(ctx, "task_1", "x", domain.EscalationLevel("ceo"))
	require.Error(t, err)

	resolved, err := m.ResolveEscalation(ctx, e.ID, "added capacity", "ops")
	require.NoError(t, err)
	assert.Equal(t, domain.EscalationResolved, resolved.Status)

	_, err = m.ResolveEscalation(ctx, e.ID, "again", "ops")
	require.ErrorIs(t, err, task.ErrInvalidTransition)

	_, err = m.OpenEscalation(ctx, "task_1", "route failure: no healthy worker available", domain.LevelOrchestrator)
	require.NoError(t, err, "a resolved escalation does not block a new one")
}

func TestSweepRaisesThroughLevels(t *testing.T) {
	m, db := newManager(t, DefaultConfig())
	ctx := context.Background()
	createTask(t, db, "task_1")
	start := time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return start }

	e, err := m.OpenEscalation(ctx, "task_1", "needs a product decision", domain.LevelWorker)
	require.NoError(t, err)

	m.now = func() time.Time { return start.Add(10 * time.Minute) }
	res, err := m.SweepEscalations(ctx)
	require.NoError(t, err)
	assert.Equal(t, SweepResult{}, res, "not yet due")

	at := start.Add(31 * time.Minute)
	m.now = func() time.Time { return at }
	res, err = m.SweepEscalations(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Raised)
	got, err := db.Recovery().GetEscalation(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.LevelOrchestrator, got.Level)
	assert.Equal(t, at.Add(2*time.Hour), got.TimeoutAt)

	at = at.Add(3 * time.Hour)
	res, err = m.SweepEscalations(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Raised)

	at = at.Add(25 * time.Hour)
	res, err = m.SweepEscalations(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Rearmed)
	got, err = db.Recovery().GetEscalation(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.LevelOwner, got.Level)
	assert.Equal(t, domain.EscalationOpen, got.Status)

	policy := m.EscalationPolicy()
	policy.AutoResolveAtCeiling = true
	m.SetEscalationPolicy(policy)
	at = at.Add(25 * time.Hour)
	res, err = m.SweepEscalations(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.AutoResolved)
	got, err = db.Recovery().GetEscalation(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.EscalationAutoResolved, got.Status)
}

func TestSweepAutoResolvesClearedGateFailure(t *testing.T) {
	m, db := newManager(t, DefaultConfig())
	ctx := context.Background()
	chain := []task.Gate{
		task.MustGate("", &task.HealthCheckSpec{URL: "http://localhost/health"}),
		task.MustGate("smoke", &task.HealthCheckSpec{URL: "http://localhost/smoke"}),
	}
	require.NoError(t, db.Tasks().Create(ctx, &task.Task{ID: "task_1", Title: "t", Status: task.StatusInProgress, VerificationChain: chain, CurrentGate: "health_check"}))

	start := time.Now().UTC()
	m.now = func() time.Time { return start }
	e, err := m.OpenEscalation(ctx, "task_1", ReasonGateFailurePrefix+"health_check", domain.LevelWorker)
	require.NoError(t, err)

	tk, err := db.Tasks().Get(ctx, "task_1")
	require.NoError(t, err)
	tk.CurrentGate = "smoke"
	require.NoError(t, db.Tasks().Update(ctx, tk))

	m.now = func() time.Time { return start.Add(time.Hour) }
	res, err := m.SweepEscalations(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.AutoResolved)

	got, err := db.Recovery().GetEscalation(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.EscalationAutoResolved, got.Status)
	assert.Equal(t, "sweeper", got.ResolvedBy)
}

func TestSweepKeepsFailingFirstGateOpen(t *testing.T) {
	m, db := newManager(t, DefaultConfig())
	ctx := context.Background()
	chain := []task.Gate{task.MustGate("", &task.PlanApprovalSpec{})}
	require.NoError(t, db.Tasks().Create(ctx, &task.Task{ID: "task_1", Title: "t", Status: task.StatusWaitingApproval, VerificationChain: chain}))

	start := time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return start }
	e, err := m.OpenEscalation(ctx, "task_1", ReasonGateFailurePrefix+"plan_approval", domain.LevelWorker)
	require.NoError(t, err)

	m.now = func() time.Time { return start.Add(31 * time.Minute) }
	res, err := m.SweepEscalations(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Raised)
	assert.Zero(t, res.AutoResolved)

	got, err := db.Recovery().GetEscalation(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.EscalationOpen, got.Status)
	assert.Equal(t, domain.LevelOrchestrator, got.Level)
}
