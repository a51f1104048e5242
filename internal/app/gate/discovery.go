package gate

import (
	"encoding/json"
	"errors"
	"strings"

	"foreman/internal/domain/task"
	"foreman/internal/infra/scm"
)

// evidenceKeyPR is the evidence key source-control gates record the PR under.
const evidenceKeyPR = "pr_number"

func (v *visitor) repoFor(ref task.PullRequestRef) string {
	if ref.Repo != "" {
		return ref.Repo
	}
	return v.engine.defaultRepo
}

// resolvePullRequest finds the PR for the task: the pinned number, then
// previously recorded evidence, then the discovery cache, then a search for
// the task id in PR titles and bodies.
func (v *visitor) resolvePullRequest(ref task.PullRequestRef) (*scm.PullRequest, string, *Result) {
	repo := v.repoFor(ref)
	if repo == "" {
		res := failed(nil, "no repository configured for gate %s", v.gate.ID())
		return nil, "", &res
	}
	number := ref.Number
	if number == 0 {
		number = prFromEvidence(v.task)
	}
	cacheKey := repo + "|" + v.task.ID
	if number == 0 {
		if cached, ok := v.engine.prCache.Get(cacheKey); ok {
			number = cached
		}
	}
	if number == 0 {
		found, err := v.engine.scm.SearchPullRequests(v.ctx, repo, v.task.ID)
		if err != nil {
			res := collaboratorFailure("source control", err)
			return nil, repo, &res
		}
		for _, pr := range found {
			if strings.Contains(pr.Title, v.task.ID) || strings.Contains(pr.Body, v.task.ID) {
				number = pr.Number
				break
			}
		}
		if number == 0 {
			res := failed(map[string]any{"repo": repo}, "no pull request found for task %s", v.task.ID)
			return nil, repo, &res
		}
		v.engine.prCache.Add(cacheKey, number)
	}

	pr, err := v.engine.scm.GetPullRequest(v.ctx, repo, number)
	if err != nil {
		if errors.Is(err, scm.ErrNotFound) {
			v.engine.prCache.Remove(cacheKey)
			res := failed(map[string]any{"repo": repo, evidenceKeyPR: number}, "pull request %s#%d not found", repo, number)
			return nil, repo, &res
		}
		res := collaboratorFailure("source control", err)
		return nil, repo, &res
	}
	return pr, repo, nil
}

func prEvidence(repo string, pr *scm.PullRequest) map[string]any {
	return map[string]any{
		"repo":        repo,
		evidenceKeyPR: pr.Number,
		"pr_url":      pr.URL,
		"pr_state":    pr.State,
	}
}

// prFromEvidence scans recorded gate evidence in chain order for a PR number.
func prFromEvidence(t *task.Task) int {
	for _, g := range t.VerificationChain {
		if n := asInt(t.EvidenceFor(g.ID())[evidenceKeyPR]); n > 0 {
			return n
		}
	}
	return 0
}

func asInt(v any) int {
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	case json.Number:
		i, _ := n.Int64()
		return int(i)
	}
	return 0
}
