package gate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"foreman/internal/domain/storage"
	"foreman/internal/domain/task"
	"foreman/internal/infra/probe"
	"foreman/internal/infra/scm"
)

// visitor binds one evaluation to its task and gate.
type visitor struct {
	ctx    context.Context
	engine *Engine
	task   *task.Task
	gate   task.Gate
}

var _ task.SpecVisitor[Result] = (*visitor)(nil)

func (v *visitor) VisitPlanApproval(*task.PlanApprovalSpec) Result {
	p := v.task.Plan
	switch {
	case p == nil:
		return failed(nil, "no plan submitted")
	case p.IsApproved():
		return passed(map[string]any{"plan_version": p.Version, "approved_by": p.ApprovedBy})
	case p.IsRejected():
		return failed(map[string]any{"plan_version": p.Version}, "plan v%d rejected: %s", p.Version, p.Feedback)
	default:
		return failed(map[string]any{"plan_version": p.Version}, "plan v%d awaiting review", p.Version)
	}
}

func (v *visitor) VisitPRCreated(s *task.PRCreatedSpec) Result {
	pr, repo, res := v.resolvePullRequest(s.PullRequestRef)
	if res != nil {
		return *res
	}
	return passed(prEvidence(repo, pr))
}

func (v *visitor) VisitReviewRequested(s *task.ReviewRequestedSpec) Result {
	pr, repo, res := v.resolvePullRequest(s.PullRequestRef)
	if res != nil {
		return *res
	}
	evidence := prEvidence(repo, pr)
	if len(pr.Reviewers) > 0 {
		evidence["requested_reviewers"] = pr.Reviewers
		return passed(evidence)
	}
	reviews, err := v.engine.scm.ListReviews(v.ctx, repo, pr.Number)
	if err != nil {
		return collaboratorFailure("source control", err)
	}
	evidence["review_count"] = len(reviews)
	if len(reviews) == 0 {
		return failed(evidence, "no review requested on %s#%d", repo, pr.Number)
	}
	return passed(evidence)
}

func (v *visitor) VisitReviewPassed(s *task.ReviewPassedSpec) Result {
	pr, repo, res := v.resolvePullRequest(s.PullRequestRef)
	if res != nil {
		return *res
	}
	reviews, err := v.engine.scm.ListReviews(v.ctx, repo, pr.Number)
	if err != nil {
		return collaboratorFailure("source control", err)
	}
	policy := v.engine.ReviewPolicy()
	verdict := summariseReviews(reviews, policy)
	evidence := prEvidence(repo, pr)
	evidence["approvers"] = verdict.Approvers
	if len(verdict.ChangesRequestedBy) > 0 {
		evidence["changes_requested_by"] = verdict.ChangesRequestedBy
	}
	reason, overridden := verdict.decide(policy, s.RequiredApprovals())
	if overridden {
		evidence["automated_override"] = true
	}
	if reason != "" {
		return failed(evidence, "%s", reason)
	}
	return passed(evidence)
}

func (v *visitor) VisitMerged(s *task.MergedSpec) Result {
	pr, repo, res := v.resolvePullRequest(s.PullRequestRef)
	if res != nil {
		return *res
	}
	evidence := prEvidence(repo, pr)
	if !pr.Merged {
		return failed(evidence, "pull request %s#%d not merged", repo, pr.Number)
	}
	if pr.MergedAt != nil {
		evidence["merged_at"] = pr.MergedAt.UTC().Format(time.RFC3339)
	}
	return passed(evidence)
}

func (v *visitor) VisitDeployed(s *task.DeployedSpec) Result {
	dep, err := v.engine.compute.LatestDeployment(v.ctx, s.Service)
	if err != nil {
		return collaboratorFailure("compute", err)
	}
	evidence := map[string]any{
		"service":           s.Service,
		"deployment_id":     dep.ID,
		"deployment_status": string(dep.Status),
	}
	if dep.URL != "" {
		evidence["deployment_url"] = dep.URL
	}
	switch {
	case dep.Status.Succeeded():
		return passed(evidence)
	case dep.Status.IsTerminal():
		return failed(evidence, "deployment %s ended %s", dep.ID, dep.Status)
	default:
		return failed(evidence, "deployment %s still %s", dep.ID, dep.Status)
	}
}

func (v *visitor) VisitHealthCheck(s *task.HealthCheckSpec) Result {
	req := probe.Request{
		Method:         s.HTTPMethod(),
		URL:            s.URL,
		ExpectedStatus: s.WantStatus(),
		BodyContains:   s.BodyContains,
		Timeout:        time.Duration(s.TimeoutSeconds) * time.Second,
	}
	out := v.engine.prober.Probe(v.ctx, req)
	evidence := map[string]any{
		"url":        s.URL,
		"method":     req.Method,
		"latency_ms": out.Latency.Milliseconds(),
	}
	if out.StatusCode != 0 {
		evidence["status_code"] = out.StatusCode
	}
	if !out.Passed {
		return failed(evidence, "%s", out.Reason)
	}
	return passed(evidence)
}

func (v *visitor) VisitCustom(s *task.CustomSpec) Result {
	switch s.Mode {
	case task.CustomQuery:
		return v.customQuery(s)
	case task.CustomPathExists:
		return v.customPathExists(s)
	case task.CustomFieldRegex:
		return v.customFieldRegex(s)
	}
	return failed(nil, "unknown custom mode %q", s.Mode)
}

func (v *visitor) customQuery(s *task.CustomSpec) Result {
	if v.engine.rows == nil {
		return failed(nil, "task store query not configured")
	}
	q := storage.RowQuery{Table: s.Table}
	for _, f := range s.Filters {
		q.Filters = append(q.Filters, storage.RowFilter{Column: f.Column, Op: f.Op, Value: f.Value})
	}
	if s.TaskColumn != "" {
		q.Filters = append(q.Filters, storage.RowFilter{Column: s.TaskColumn, Value: v.task.ID})
	}
	count, err := v.engine.rows.CountRows(v.ctx, q)
	if err != nil {
		if errors.Is(err, storage.ErrNotAllowed) {
			return failed(nil, "invalid custom query: %v", err)
		}
		return collaboratorFailure("task store", err)
	}
	evidence := map[string]any{"table": s.Table, "rows": count, "min_rows": s.RequiredRows()}
	if count < s.RequiredRows() {
		return failed(evidence, "%d of %d required rows in %s", count, s.RequiredRows(), s.Table)
	}
	return passed(evidence)
}

func (v *visitor) customPathExists(s *task.CustomSpec) Result {
	repo := s.Repo
	if repo == "" {
		repo = v.engine.defaultRepo
	}
	if repo == "" {
		return failed(nil, "no repository configured for gate %s", v.gate.ID())
	}
	evidence := map[string]any{"repo": repo, "path": s.Path}
	if s.Ref != "" {
		evidence["ref"] = s.Ref
	}
	content, err := v.engine.scm.GetFileContents(v.ctx, repo, s.Path, s.Ref)
	if err != nil {
		if errors.Is(err, scm.ErrNotFound) {
			return failed(evidence, "path %s not found in %s", s.Path, repo)
		}
		return collaboratorFailure("source control", err)
	}
	evidence["bytes"] = len(content)
	return passed(evidence)
}

func (v *visitor) customFieldRegex(s *task.CustomSpec) Result {
	re, err := regexp.Compile(s.Pattern)
	if err != nil {
		return failed(nil, "invalid pattern: %v", err)
	}
	value, ok, err := taskField(v.task, s.Field)
	if err != nil {
		return failed(nil, "read field %s: %v", s.Field, err)
	}
	evidence := map[string]any{"field": s.Field, "pattern": s.Pattern}
	if !ok {
		return failed(evidence, "field %s is not set", s.Field)
	}
	if !re.MatchString(value) {
		return failed(evidence, "field %s does not match %s", s.Field, s.Pattern)
	}
	return passed(evidence)
}

// taskField resolves a dotted JSON path against the task record, e.g.
// "title" or "metadata.branch".
func taskField(t *task.Task, path string) (string, bool, error) {
	raw, err := json.Marshal(t)
	if err != nil {
		return "", false, err
	}
	var current any
	if err := json.Unmarshal(raw, &current); err != nil {
		return "", false, err
	}
	for _, part := range strings.Split(path, ".") {
		obj, ok := current.(map[string]any)
		if !ok {
			return "", false, nil
		}
		current, ok = obj[part]
		if !ok {
			return "", false, nil
		}
	}
	switch val := current.(type) {
	case nil:
		return "", false, nil
	case string:
		return val, true, nil
	case map[string]any, []any:
		enc, err := json.Marshal(val)
		if err != nil {
			return "", false, err
		}
		return string(enc), true, nil
	default:
		return fmt.Sprint(val), true, nil
	}
}
