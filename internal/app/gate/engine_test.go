package gate

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"foreman/internal/domain/storage"
	"foreman/internal/domain/task"
	"foreman/internal/infra/compute"
	"foreman/internal/infra/probe"
	"foreman/internal/infra/scm"
	sharederrors "foreman/internal/shared/errors"
)

type harness struct {
	scm     *fakeSCM
	compute *fakeCompute
	prober  *fakeProber
	rows    *fakeRows
	engine  *Engine
}

func newHarness(cfg Config) *harness {
	h := &harness{
		scm:     newFakeSCM(),
		compute: &fakeCompute{latest: map[string]compute.Deployment{}},
		prober:  &fakeProber{},
		rows:    &fakeRows{},
	}
	if cfg.DefaultRepo == "" {
		cfg.DefaultRepo = "acme/widgets"
	}
	h.engine = NewEngine(Dependencies{SCM: h.scm, Compute: h.compute, Prober: h.prober, Rows: h.rows}, cfg, nil)
	return h
}

func approvedPlan() *task.Plan {
	ok := true
	return &task.Plan{Approach: "a", Steps: []string{"s"}, Version: 1, Approved: &ok, ApprovedBy: "owner"}
}

func TestPlanApprovalGate(t *testing.T) {
	h := newHarness(Config{})
	g := task.MustGate("", &task.PlanApprovalSpec{})
	tk := &task.Task{ID: "task_1"}

	res := h.engine.Check(context.Background(), tk, g)
	assert.False(t, res.Passed)
	assert.Equal(t, "no plan submitted", res.Reason)

	tk.Plan = &task.Plan{Approach: "a", Steps: []string{"s"}, Version: 2}
	res = h.engine.Check(context.Background(), tk, g)
	assert.Equal(t, "plan v2 awaiting review", res.Reason)

	rejected := false
	tk.Plan.Approved = &rejected
	tk.Plan.Feedback = "too vague"
	res = h.engine.Check(context.Background(), tk, g)
	assert.Equal(t, "plan v2 rejected: too vague", res.Reason)

	tk.Plan = approvedPlan()
	res = h.engine.Check(context.Background(), tk, g)
	assert.True(t, res.Passed)
	assert.Equal(t, "owner", res.Evidence["approved_by"])
	assert.Contains(t, res.Evidence, "checked_at")
}

func TestPRCreatedDiscoversBySearchAndCaches(t *testing.T) {
	h := newHarness(Config{})
	h.scm.search = []scm.PullRequest{
		{Number: 3, Title: "unrelated"},
		{Number: 9, Title: "work", Body: "Closes task_77"},
	}
	h.scm.prs[9] = &scm.PullRequest{Number: 9, State: "open", URL: "https://example/pr/9"}
	g := task.MustGate("", &task.PRCreatedSpec{})
	tk := &task.Task{ID: "task_77"}

	res := h.engine.Check(context.Background(), tk, g)
	require.True(t, res.Passed, res.Reason)
	assert.Equal(t, 9, res.Evidence["pr_number"])

	res = h.engine.Check(context.Background(), tk, g)
	require.True(t, res.Passed)
	assert.Equal(t, 1, h.scm.searchCalls)
}

func TestPRCreatedUsesRecordedEvidence(t *testing.T) {
	h := newHarness(Config{})
	h.scm.prs[12] = &scm.PullRequest{Number: 12, State: "open"}
	chain := []task.Gate{task.MustGate("", &task.PRCreatedSpec{}), task.MustGate("", &task.MergedSpec{})}
	tk := &task.Task{ID: "task_1", VerificationChain: chain}
	tk.MergeEvidence("pr_created", map[string]any{"pr_number": float64(12)})

	res := h.engine.Check(context.Background(), tk, chain[1])
	assert.False(t, res.Passed)
	assert.Equal(t, "pull request acme/widgets#12 not merged", res.Reason)
	assert.Zero(t, h.scm.searchCalls)
}

func TestPRCreatedNotFound(t *testing.T) {
	h := newHarness(Config{})
	res := h.engine.Check(context.Background(), &task.Task{ID: "task_1"}, task.MustGate("", &task.PRCreatedSpec{}))
	assert.False(t, res.Passed)
	assert.Equal(t, "no pull request found for task task_1", res.Reason)
}

func TestReviewRequestedGate(t *testing.T) {
	h := newHarness(Config{})
	h.scm.prs[1] = &scm.PullRequest{Number: 1}
	g := task.MustGate("", &task.ReviewRequestedSpec{PullRequestRef: task.PullRequestRef{Number: 1}})

	res := h.engine.Check(context.Background(), &task.Task{ID: "t"}, g)
	assert.False(t, res.Passed)

	h.scm.prs[1].Reviewers = []string{"alice"}
	res = h.engine.Check(context.Background(), &task.Task{ID: "t"}, g)
	assert.True(t, res.Passed)

	h.scm.prs[1].Reviewers = nil
	h.scm.reviews[1] = []scm.Review{{Reviewer: "bob", State: scm.ReviewCommented}}
	res = h.engine.Check(context.Background(), &task.Task{ID: "t"}, g)
	assert.True(t, res.Passed)
}

func TestReviewPassedPolicy(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	g := task.MustGate("", &task.ReviewPassedSpec{PullRequestRef: task.PullRequestRef{Number: 5}})

	cases := []struct {
		name    string
		reviews []scm.Review
		policy  ReviewPolicy
		passed  bool
		reason  string
	}{
		{
			name:   "no reviews",
			reason: "0 of 1 required approvals",
		},
		{
			name:    "single approval",
			reviews: []scm.Review{{Reviewer: "alice", State: scm.ReviewApproved, SubmittedAt: base}},
			passed:  true,
		},
		{
			name: "changes requested blocks",
			reviews: []scm.Review{
				{Reviewer: "alice", State: scm.ReviewApproved, SubmittedAt: base},
				{Reviewer: "bob", State: scm.ReviewChangesRequested, SubmittedAt: base},
			},
			reason: "changes requested by bob",
		},
		{
			name: "re-review clears changes requested",
			reviews: []scm.Review{
				{Reviewer: "bob", State: scm.ReviewChangesRequested, SubmittedAt: base},
				{Reviewer: "bob", State: scm.ReviewApproved, SubmittedAt: base.Add(time.Hour)},
			},
			passed: true,
		},
		{
			name: "bot approval without override",
			reviews: []scm.Review{
				{Reviewer: "bob", State: scm.ReviewChangesRequested, SubmittedAt: base},
				{Reviewer: "reviewer-bot[bot]", State: scm.ReviewApproved, SubmittedAt: base},
			},
			reason: "changes requested by bob",
		},
		{
			name: "bot approval with override",
			reviews: []scm.Review{
				{Reviewer: "bob", State: scm.ReviewChangesRequested, SubmittedAt: base},
				{Reviewer: "ci-reviewer", State: scm.ReviewApproved, SubmittedAt: base},
			},
			policy: ReviewPolicy{AutomatedReviewers: []string{"ci-reviewer"}, AllowAutomatedOverride: true},
			passed: true,
		},
		{
			name: "human approval never overrides",
			reviews: []scm.Review{
				{Reviewer: "bob", State: scm.ReviewChangesRequested, SubmittedAt: base},
				{Reviewer: "alice", State: scm.ReviewApproved, SubmittedAt: base},
			},
			policy: ReviewPolicy{AllowAutomatedOverride: true},
			reason: "changes requested by bob",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(Config{Review: tc.policy})
			h.scm.prs[5] = &scm.PullRequest{Number: 5}
			h.scm.reviews[5] = tc.reviews
			res := h.engine.Check(context.Background(), &task.Task{ID: "t"}, g)
			assert.Equal(t, tc.passed, res.Passed, res.Reason)
			if !tc.passed {
				assert.Equal(t, tc.reason, res.Reason)
			}
		})
	}
}

func TestSetReviewPolicy(t *testing.T) {
	h := newHarness(Config{})
	h.engine.SetReviewPolicy(ReviewPolicy{AllowAutomatedOverride: true})
	assert.True(t, h.engine.ReviewPolicy().AllowAutomatedOverride)
}

func TestReviewPassedMinApprovals(t *testing.T) {
	h := newHarness(Config{})
	h.scm.prs[5] = &scm.PullRequest{Number: 5}
	h.scm.reviews[5] = []scm.Review{{Reviewer: "alice", State: scm.ReviewApproved}}
	g := task.MustGate("", &task.ReviewPassedSpec{PullRequestRef: task.PullRequestRef{Number: 5}, MinApprovals: 2})

	res := h.engine.Check(context.Background(), &task.Task{ID: "t"}, g)
	assert.False(t, res.Passed)
	assert.Equal(t, "1 of 2 required approvals", res.Reason)
}

func TestDeployedGate(t *testing.T) {
	h := newHarness(Config{})
	g := task.MustGate("", &task.DeployedSpec{Service: "svc_api"})
	tk := &task.Task{ID: "t"}

	res := h.engine.Check(context.Background(), tk, g)
	assert.False(t, res.Passed)
	assert.Contains(t, res.Reason, "compute error")

	h.compute.latest["svc_api"] = compute.Deployment{ID: "dep_1", Status: compute.DeploymentBuilding}
	res = h.engine.Check(context.Background(), tk, g)
	assert.Equal(t, "deployment dep_1 still BUILDING", res.Reason)

	h.compute.latest["svc_api"] = compute.Deployment{ID: "dep_1", Status: compute.DeploymentCrashed}
	res = h.engine.Check(context.Background(), tk, g)
	assert.Equal(t, "deployment dep_1 ended CRASHED", res.Reason)

	h.compute.latest["svc_api"] = compute.Deployment{ID: "dep_2", Status: compute.DeploymentSuccess}
	res = h.engine.Check(context.Background(), tk, g)
	assert.True(t, res.Passed)
	assert.Equal(t, "dep_2", res.Evidence["deployment_id"])
}

func TestHealthCheckGate(t *testing.T) {
	h := newHarness(Config{})
	g := task.MustGate("", &task.HealthCheckSpec{URL: "https://svc.example/healthz", ExpectedStatus: 204})

	h.prober.result = probe.Result{StatusCode: 500, Reason: "expected status 204, got 500"}
	res := h.engine.Check(context.Background(), &task.Task{ID: "t"}, g)
	assert.False(t, res.Passed)
	assert.Equal(t, "expected status 204, got 500", res.Reason)
	require.Len(t, h.prober.calls, 1)
	assert.Equal(t, 204, h.prober.calls[0].ExpectedStatus)
	assert.Equal(t, "GET", h.prober.calls[0].Method)

	h.prober.result = probe.Result{Passed: true, StatusCode: 204}
	res = h.engine.Check(context.Background(), &task.Task{ID: "t"}, g)
	assert.True(t, res.Passed)
	assert.Equal(t, 204, res.Evidence["status_code"])
}

func TestCheckTimesOut(t *testing.T) {
	h := newHarness(Config{CheckTimeout: 20 * time.Millisecond})
	h.prober.block = true
	g := task.MustGate("", &task.HealthCheckSpec{URL: "https://svc.example/healthz"})

	res := h.engine.Check(context.Background(), &task.Task{ID: "t"}, g)
	assert.False(t, res.Passed)
	assert.Equal(t, ReasonTimedOut, res.Reason)
}

func TestCollaboratorErrorsBecomeResults(t *testing.T) {
	h := newHarness(Config{})
	h.scm.err = fmt.Errorf("github: %w", sharederrors.FromHTTPStatus(502, "bad gateway"))
	g := task.MustGate("", &task.PRCreatedSpec{PullRequestRef: task.PullRequestRef{Number: 1}})

	res := h.engine.Check(context.Background(), &task.Task{ID: "t"}, g)
	assert.False(t, res.Passed)
	assert.Contains(t, res.Reason, "source control error")
	assert.Equal(t, 502, res.Evidence["status_code"])
	assert.Equal(t, "transient", res.Evidence["error_kind"])

	h.scm.err = context.DeadlineExceeded
	res = h.engine.Check(context.Background(), &task.Task{ID: "t"}, g)
	assert.Equal(t, ReasonTimedOut, res.Reason)
}

func TestUnconfiguredCollaborators(t *testing.T) {
	e := NewEngine(Dependencies{}, Config{DefaultRepo: "acme/widgets"}, nil)
	res := e.Check(context.Background(), &task.Task{ID: "t"}, task.MustGate("", &task.MergedSpec{}))
	assert.Equal(t, "source control not configured", res.Reason)

	res = e.Check(context.Background(), &task.Task{ID: "t"}, task.MustGate("", &task.DeployedSpec{Service: "x"}))
	assert.Equal(t, "compute not configured", res.Reason)

	res = e.Check(context.Background(), &task.Task{ID: "t"}, task.MustGate("", &task.CustomSpec{Mode: task.CustomQuery, Table: "tasks"}))
	assert.Equal(t, "task store query not configured", res.Reason)
}

func TestInvalidGateParams(t *testing.T) {
	h := newHarness(Config{})
	g := task.Gate{Type: task.GateHealthCheck, Params: []byte(`{"url":"ftp://nope"}`)}
	res := h.engine.Check(context.Background(), &task.Task{ID: "t"}, g)
	assert.False(t, res.Passed)
	assert.Contains(t, res.Reason, "invalid gate")
}

func TestCustomQueryGate(t *testing.T) {
	h := newHarness(Config{})
	g := task.MustGate("tests_recorded", &task.CustomSpec{
		Mode:       task.CustomQuery,
		Table:      "gate_transitions",
		TaskColumn: "task_id",
		Filters:    []task.QueryFilter{{Column: "passed", Value: true}},
		MinRows:    2,
	})
	tk := &task.Task{ID: "task_9"}

	h.rows.count = 1
	res := h.engine.Check(context.Background(), tk, g)
	assert.False(t, res.Passed)
	assert.Equal(t, "1 of 2 required rows in gate_transitions", res.Reason)
	assert.Equal(t, storage.RowQuery{
		Table: "gate_transitions",
		Filters: []storage.RowFilter{
			{Column: "passed", Value: true},
			{Column: "task_id", Value: "task_9"},
		},
	}, h.rows.last)

	h.rows.count = 2
	res = h.engine.Check(context.Background(), tk, g)
	assert.True(t, res.Passed)

	h.rows.err = fmt.Errorf("%w: table %q", storage.ErrNotAllowed, "gate_transitions")
	res = h.engine.Check(context.Background(), tk, g)
	assert.Contains(t, res.Reason, "invalid custom query")

	h.rows.err = errors.New("connection reset")
	res = h.engine.Check(context.Background(), tk, g)
	assert.Contains(t, res.Reason, "task store error")
}

func TestCustomPathExistsGate(t *testing.T) {
	h := newHarness(Config{})
	g := task.MustGate("", &task.CustomSpec{Mode: task.CustomPathExists, Path: "docs/runbook.md"})

	res := h.engine.Check(context.Background(), &task.Task{ID: "t"}, g)
	assert.False(t, res.Passed)
	assert.Equal(t, "path docs/runbook.md not found in acme/widgets", res.Reason)

	h.scm.files["docs/runbook.md"] = []byte("# runbook")
	res = h.engine.Check(context.Background(), &task.Task{ID: "t"}, g)
	assert.True(t, res.Passed)
}

func TestCustomFieldRegexGate(t *testing.T) {
	h := newHarness(Config{})
	tk := &task.Task{ID: "t", Title: "fix: retry budget", Metadata: map[string]any{"branch": "task/t-1"}}

	res := h.engine.Check(context.Background(), tk, task.MustGate("", &task.CustomSpec{Mode: task.CustomFieldRegex, Field: "title", Pattern: `^fix:`}))
	assert.True(t, res.Passed, res.Reason)

	res = h.engine.Check(context.Background(), tk, task.MustGate("", &task.CustomSpec{Mode: task.CustomFieldRegex, Field: "metadata.branch", Pattern: `^feature/`}))
	assert.False(t, res.Passed)
	assert.Equal(t, "field metadata.branch does not match ^feature/", res.Reason)

	res = h.engine.Check(context.Background(), tk, task.MustGate("", &task.CustomSpec{Mode: task.CustomFieldRegex, Field: "metadata.missing", Pattern: `.`}))
	assert.Equal(t, "field metadata.missing is not set", res.Reason)
}

func TestCheckIsIdempotentOnFailure(t *testing.T) {
	h := newHarness(Config{})
	h.prober.result = probe.Result{Reason: "expected status 200, got 503", StatusCode: 503}
	g := task.MustGate("", &task.HealthCheckSpec{URL: "https://svc.example/healthz"})
	tk := &task.Task{ID: "t"}

	first := h.engine.Check(context.Background(), tk, g)
	second := h.engine.Check(context.Background(), tk, g)
	assert.Equal(t, first.Passed, second.Passed)
	assert.Equal(t, first.Reason, second.Reason)
}
