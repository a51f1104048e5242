package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"foreman/internal/app/gate"
	"foreman/internal/domain/recovery"
	"foreman/internal/domain/storage"
	"foreman/internal/domain/task"
	"foreman/internal/infra/store/memory"
)

type scriptedChecker struct {
	mu      sync.Mutex
	results map[string]gate.Result
	calls   []string
}

func (c *scriptedChecker) set(gateName string, res gate.Result) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.results == nil {
		c.results = map[string]gate.Result{}
	}
	c.results[gateName] = res
}

func (c *scriptedChecker) Check(_ context.Context, _ *task.Task, g task.Gate) gate.Result {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, g.ID())
	if res, ok := c.results[g.ID()]; ok {
		return res
	}
	return gate.Result{Reason: "not scripted"}
}

type recordingEscalator struct {
	mu      sync.Mutex
	opened  []string
	reasons map[string]bool
}

func (e *recordingEscalator) OpenEscalation(_ context.Context, taskID, reason string, _ recovery.EscalationLevel) (*recovery.Escalation, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.reasons == nil {
		e.reasons = map[string]bool{}
	}
	key := taskID + "|" + reason
	if e.reasons[key] {
		return nil, storage.ErrDuplicate
	}
	e.reasons[key] = true
	e.opened = append(e.opened, key)
	return &recovery.Escalation{TaskID: taskID, Reason: reason}, nil
}

func newService(t *testing.T, checker gate.Checker) (*Service, *memory.TaskStore) {
	t.Helper()
	store := memory.New(nil).Tasks()
	return New(Dependencies{Tasks: store, Gates: checker}, DefaultConfig(), nil), store
}

func createTask(t *testing.T, store task.Store, tk *task.Task) *task.Task {
	t.Helper()
	if tk.Status == "" {
		tk.Status = task.StatusPending
	}
	require.NoError(t, store.Create(context.Background(), tk))
	return tk
}

func healthGate(name string) task.Gate {
	return task.MustGate(name, &task.HealthCheckSpec{URL: "https://svc.example/" + name})
}

func TestAdvanceEmptyChainCompletes(t *testing.T) {
	svc, store := newService(t, &scriptedChecker{})
	createTask(t, store, &task.Task{ID: "task_empty", Title: "noop"})

	res, err := svc.AdvanceTask(context.Background(), "task_empty")
	require.NoError(t, err)
	assert.True(t, res.Advanced)
	assert.True(t, res.Completed)

	got, err := store.Get(context.Background(), "task_empty")
	require.NoError(t, err)
	assert.Equal(t, task.StageCompleted, got.Stage)
	assert.Equal(t, task.StatusCompleted, got.Status)
	assert.NotNil(t, got.CompletedAt)

	res, err = svc.AdvanceTask(context.Background(), "task_empty")
	require.NoError(t, err)
	assert.False(t, res.Advanced)
	assert.True(t, res.Completed)
}

func TestAdvanceFailureIsIdempotent(t *testing.T) {
	checker := &scriptedChecker{}
	checker.set("probe", gate.Result{Reason: "expected status 200, got 503"})
	svc, store := newService(t, checker)
	createTask(t, store, &task.Task{ID: "task_1", VerificationChain: []task.Gate{healthGate("probe")}})
	before, err := store.Get(context.Background(), "task_1")
	require.NoError(t, err)

	first, err := svc.AdvanceTask(context.Background(), "task_1")
	require.NoError(t, err)
	second, err := svc.AdvanceTask(context.Background(), "task_1")
	require.NoError(t, err)

	assert.False(t, first.Advanced)
	assert.Equal(t, first.Reason, second.Reason)
	assert.Equal(t, first.Stage, second.Stage)
	assert.Equal(t, "probe", second.CurrentGate)

	after, err := store.Get(context.Background(), "task_1")
	require.NoError(t, err)
	assert.Equal(t, before.Revision, after.Revision)
	assert.Empty(t, after.CurrentGate)

	trail, err := store.ListGateTransitions(context.Background(), "task_1", 0)
	require.NoError(t, err)
	require.Len(t, trail, 2)
	assert.False(t, trail[0].Passed)
	assert.Equal(t, "expected status 200, got 503", trail[0].Reason)
}

func TestAdvanceRespectsDeclarationOrder(t *testing.T) {
	checker := &scriptedChecker{}
	checker.set("first", gate.Result{Reason: "not yet"})
	checker.set("second", gate.Result{Passed: true})
	svc, store := newService(t, checker)
	createTask(t, store, &task.Task{ID: "task_1", VerificationChain: []task.Gate{healthGate("first"), healthGate("second")}})

	res, err := svc.AdvanceTask(context.Background(), "task_1")
	require.NoError(t, err)
	assert.False(t, res.Advanced)
	assert.Equal(t, []string{"first"}, checker.calls)
}

func TestAdvanceMergesEvidenceAndAppendsTransition(t *testing.T) {
	checker := &scriptedChecker{}
	checker.set("a", gate.Result{Passed: true, Evidence: map[string]any{"status_code": 200}})
	svc, store := newService(t, checker)
	tk := createTask(t, store, &task.Task{ID: "task_1", VerificationChain: []task.Gate{healthGate("a"), healthGate("b")}})
	tk.MergeEvidence("a", map[string]any{"note": "kept"})
	require.NoError(t, store.Update(context.Background(), tk))

	res, err := svc.AdvanceTask(context.Background(), "task_1")
	require.NoError(t, err)
	assert.True(t, res.Advanced)
	assert.Equal(t, "b", res.CurrentGate)

	got, err := store.Get(context.Background(), "task_1")
	require.NoError(t, err)
	assert.Equal(t, "b", got.CurrentGate)
	assert.Equal(t, "kept", got.EvidenceFor("a")["note"])
	assert.EqualValues(t, 200, got.EvidenceFor("a")["status_code"])

	trail, err := store.ListGateTransitions(context.Background(), "task_1", 0)
	require.NoError(t, err)
	require.Len(t, trail, 1)
	assert.True(t, trail[0].Passed)
	assert.Equal(t, "a", trail[0].FromGate)
	assert.Equal(t, "b", trail[0].ToGate)
}

func TestStageHints(t *testing.T) {
	cases := []struct {
		stage task.Stage
		gate  task.GateType
		want  task.Stage
	}{
		{task.StagePlanApproved, task.GatePRCreated, task.StagePlanApproved},
		{task.StageInProgress, task.GatePRCreated, task.StagePendingReview},
		{task.StageInProgress, task.GateReviewPassed, task.StageReviewPassed},
		{task.StageReviewPassed, task.GateMerged, task.StagePendingDeploy},
		{task.StagePendingDeploy, task.GateDeployed, task.StageDeployed},
		{task.StageInProgress, task.GateHealthCheck, task.StageInProgress},
		{task.StagePendingDeploy, task.GateHealthCheck, task.StageDeployed},
		{task.StageDeployed, task.GatePRCreated, task.StageDeployed},
		{task.StageReviewPassed, task.GateReviewRequested, task.StageReviewPassed},
		{task.StageInProgress, task.GateCustom, task.StageInProgress},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, stageAfterGate(tc.stage, tc.gate), "%s after %s", tc.stage, tc.gate)
	}
}

func TestRepeatedGateFailureEscalates(t *testing.T) {
	checker := &scriptedChecker{}
	checker.set("probe", gate.Result{Reason: "down"})
	store := memory.New(nil).Tasks()
	escalator := &recordingEscalator{}
	svc := New(Dependencies{Tasks: store, Gates: checker, Escalator: escalator}, Config{GateFailureThreshold: 2}, nil)
	createTask(t, store, &task.Task{ID: "task_1", VerificationChain: []task.Gate{healthGate("probe")}})

	res, err := svc.AdvanceTask(context.Background(), "task_1")
	require.NoError(t, err)
	assert.False(t, res.Escalated)

	res, err = svc.AdvanceTask(context.Background(), "task_1")
	require.NoError(t, err)
	assert.True(t, res.Escalated)
	assert.Equal(t, []string{"task_1|repeated gate failure: probe"}, escalator.opened)

	for i := 0; i < 2; i++ {
		res, err = svc.AdvanceTask(context.Background(), "task_1")
		require.NoError(t, err)
		assert.False(t, res.Escalated)
	}
	assert.Len(t, escalator.opened, 1)
}

type failingAudit struct {
	*memory.TaskStore
}

func (failingAudit) AppendGateTransition(context.Context, task.GateTransition) error {
	return errors.New("disk full")
}

func TestAuditFailureDoesNotFailAdvance(t *testing.T) {
	checker := &scriptedChecker{}
	checker.set("probe", gate.Result{Reason: "down"})
	store := failingAudit{memory.New(nil).Tasks()}
	svc := New(Dependencies{Tasks: store, Gates: checker}, DefaultConfig(), nil)
	createTask(t, store, &task.Task{ID: "task_1", VerificationChain: []task.Gate{healthGate("probe")}})

	res, err := svc.AdvanceTask(context.Background(), "task_1")
	require.NoError(t, err)
	assert.Equal(t, "down", res.Reason)
}

func TestAdvanceRejectsQuarantinedAndCancelled(t *testing.T) {
	svc, store := newService(t, &scriptedChecker{})
	createTask(t, store, &task.Task{ID: "task_dlq", MovedToDLQ: true, Status: task.StatusFailed})
	createTask(t, store, &task.Task{ID: "task_cancel", Status: task.StatusCancelled})

	_, err := svc.AdvanceTask(context.Background(), "task_dlq")
	assert.ErrorIs(t, err, task.ErrInvalidTransition)
	_, err = svc.AdvanceTask(context.Background(), "task_cancel")
	assert.ErrorIs(t, err, task.ErrInvalidTransition)
	_, err = svc.AdvanceTask(context.Background(), "missing")
	assert.ErrorIs(t, err, task.ErrNotFound)
}

type racingStore struct {
	*memory.TaskStore
	once sync.Once
}

func (r *racingStore) Update(ctx context.Context, t *task.Task, opts ...task.UpdateOption) error {
	r.once.Do(func() {
		other, err := r.TaskStore.Get(ctx, t.ID)
		if err == nil {
			other.Annotate("touched", true)
			_ = r.TaskStore.Update(ctx, other)
		}
	})
	return r.TaskStore.Update(ctx, t, opts...)
}

func TestAdvanceSurfacesLostRace(t *testing.T) {
	checker := &scriptedChecker{}
	checker.set("a", gate.Result{Passed: true})
	store := &racingStore{TaskStore: memory.New(nil).Tasks()}
	svc := New(Dependencies{Tasks: store, Gates: checker}, DefaultConfig(), nil)
	createTask(t, store.TaskStore, &task.Task{ID: "task_1", VerificationChain: []task.Gate{healthGate("a"), healthGate("b")}})

	_, err := svc.AdvanceTask(context.Background(), "task_1")
	assert.ErrorIs(t, err, task.ErrStale)

	res, err := svc.AdvanceTask(context.Background(), "task_1")
	require.NoError(t, err)
	assert.Equal(t, "b", res.CurrentGate)
}

func TestCurrentGateStaysInChain(t *testing.T) {
	rng := rand.New(rand.NewPCG(7, 11))
	for iter := 0; iter < 50; iter++ {
		n := rng.IntN(6)
		chain := make([]task.Gate, n)
		checker := &scriptedChecker{}
		for i := range chain {
			name := fmt.Sprintf("g%d", i)
			chain[i] = healthGate(name)
			checker.set(name, gate.Result{Passed: rng.IntN(3) != 0, Reason: "flaky"})
		}
		svc, store := newService(t, checker)
		id := fmt.Sprintf("task_%d", iter)
		createTask(t, store, &task.Task{ID: id, VerificationChain: chain})

		for step := 0; step < 3*n+2; step++ {
			if _, err := svc.AdvanceTask(context.Background(), id); err != nil {
				require.ErrorIs(t, err, task.ErrStale)
			}
			got, err := store.Get(context.Background(), id)
			require.NoError(t, err)
			if got.CurrentGate != "" {
				require.GreaterOrEqual(t, got.GateIndex(got.CurrentGate), 0, "iteration %d", iter)
			}
			for _, g := range chain {
				checker.set(g.ID(), gate.Result{Passed: true})
			}
		}
		got, err := store.Get(context.Background(), id)
		require.NoError(t, err)
		assert.Equal(t, task.StatusCompleted, got.Status, "iteration %d", iter)
	}
}

func TestScenarioPlanApprovalThenHealthCheck(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	store := memory.New(nil).Tasks()
	engine := gate.NewEngine(gate.Dependencies{}, gate.Config{}, nil)
	svc := New(Dependencies{Tasks: store, Gates: engine}, DefaultConfig(), nil)
	ctx := context.Background()

	chain := []task.Gate{
		task.MustGate("", &task.PlanApprovalSpec{}),
		task.MustGate("", &task.HealthCheckSpec{URL: srv.URL + "/healthz"}),
	}
	createTask(t, store, &task.Task{ID: "task_e2e", VerificationChain: chain})

	_, err := svc.SubmitPlan(ctx, "task_e2e", &task.Plan{Approach: "ship it", Steps: []string{"build", "deploy"}}, "worker_1")
	require.NoError(t, err)
	_, err = svc.ReviewPlan(ctx, "task_e2e", true, "", "owner")
	require.NoError(t, err)

	res, err := svc.AdvanceTask(ctx, "task_e2e")
	require.NoError(t, err)
	assert.True(t, res.Advanced)
	assert.Equal(t, "plan_approval", res.FromGate)
	assert.Equal(t, "health_check", res.CurrentGate)

	res, err = svc.AdvanceTask(ctx, "task_e2e")
	require.NoError(t, err)
	assert.True(t, res.Completed, res.Reason)

	got, err := store.Get(ctx, "task_e2e")
	require.NoError(t, err)
	assert.Equal(t, task.StageCompleted, got.Stage)
	assert.Equal(t, "health_check", got.CurrentGate)
}
