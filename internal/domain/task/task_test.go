package task

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func approvedPlan() *Plan {
	ok := true
	return &Plan{Approach: "a", Steps: []string{"s"}, Approved: &ok}
}

func TestStageOrdering(t *testing.T) {
	stages := Stages()
	for i := 1; i < len(stages); i++ {
		assert.Greater(t, stages[i].Rank(), stages[i-1].Rank(), "%s after %s", stages[i], stages[i-1])
	}
	assert.True(t, StageDeployed.AtLeast(StageInProgress))
	assert.False(t, StagePlanApproved.AtLeast(StageInProgress))
	assert.False(t, Stage("bogus").AtLeast(StageUnset))
	assert.False(t, Stage("bogus").Valid())
}

func TestTaskValidateInProgressRequiresApprovedPlan(t *testing.T) {
	tk := &Task{ID: "task-1", Status: StatusInProgress, Stage: StageInProgress}
	err := tk.Validate()
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalidTransition))

	tk.Plan = approvedPlan()
	assert.NoError(t, tk.Validate())
}

func TestTaskValidateCurrentGateMembership(t *testing.T) {
	tk := &Task{
		ID:                "task-1",
		Status:            StatusPending,
		VerificationChain: []Gate{{Type: GatePlanApproval}},
		CurrentGate:       "health_check",
	}
	assert.ErrorIs(t, tk.Validate(), ErrInvalidGate)

	tk.CurrentGate = "plan_approval"
	assert.NoError(t, tk.Validate())
}

func TestEffectiveGateDefaultsToFirst(t *testing.T) {
	tk := &Task{VerificationChain: []Gate{
		{Type: GatePlanApproval},
		MustGate("probe", &HealthCheckSpec{URL: "http://svc/healthz"}),
	}}
	g, ok := tk.EffectiveGate()
	require.True(t, ok)
	assert.Equal(t, "plan_approval", g.ID())

	tk.CurrentGate = "probe"
	g, ok = tk.EffectiveGate()
	require.True(t, ok)
	assert.Equal(t, GateHealthCheck, g.Type)

	_, ok = (&Task{}).EffectiveGate()
	assert.False(t, ok)
}

func TestMergeEvidenceKeepsPriorKeys(t *testing.T) {
	tk := &Task{}
	tk.MergeEvidence("pr_created", map[string]any{"pr_number": 7})
	tk.MergeEvidence("pr_created", map[string]any{"state": "open"})
	tk.MergeEvidence("pr_created", nil)

	ev := tk.EvidenceFor("pr_created")
	assert.Equal(t, 7, ev["pr_number"])
	assert.Equal(t, "open", ev["state"])
}

func TestCloneIsDeep(t *testing.T) {
	tk := &Task{ID: "task-1", Metadata: map[string]any{"k": "v"}, Plan: approvedPlan()}
	cp := tk.Clone()
	cp.Metadata["k"] = "changed"
	cp.Plan.Steps[0] = "other"
	assert.Equal(t, "v", tk.Metadata["k"])
	assert.Equal(t, "s", tk.Plan.Steps[0])
}

func TestAppendAnnotationKeepsHistory(t *testing.T) {
	tk := &Task{ID: "task-1", Metadata: map[string]any{"failures": "legacy"}}
	tk.AppendAnnotation("failures", "first")
	tk.AppendAnnotation("failures", "second")
	assert.Equal(t, []any{"legacy", "first", "second"}, tk.Metadata["failures"])

	cp := tk.Clone()
	cp.AppendAnnotation("failures", "third")
	assert.Len(t, cp.Metadata["failures"], 4)
	assert.Len(t, tk.Metadata["failures"], 3)

	tk.AppendAnnotation("fresh", 1)
	assert.Equal(t, []any{1}, tk.Metadata["fresh"])
}

func TestUnassignClearsReport(t *testing.T) {
	now := time.Now()
	tk := &Task{ID: "task-1", AssignedWorker: "w-1", ReportedAt: &now}
	tk.Unassign()
	assert.Empty(t, tk.AssignedWorker)
	assert.Nil(t, tk.ReportedAt)
}

func TestSnapshotRoundTrips(t *testing.T) {
	tk := &Task{ID: "task-1", Title: "t", FailureCount: 3, Status: StatusFailed}
	raw, err := tk.Snapshot()
	require.NoError(t, err)

	var back Task
	require.NoError(t, json.Unmarshal(raw, &back))
	assert.Equal(t, tk.ID, back.ID)
	assert.Equal(t, 3, back.FailureCount)
}
