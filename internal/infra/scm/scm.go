// Package scm defines the source-control collaborator used by gate checks.
package scm

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrNotFound reports a missing pull request, ref or file.
	ErrNotFound = errors.New("scm: not found")
	// ErrNotConfigured is returned by every call of NotConfigured.
	ErrNotConfigured = errors.New("scm: source control is not configured")
)

// Review states as reported by the host.
const (
	ReviewApproved         = "APPROVED"
	ReviewChangesRequested = "CHANGES_REQUESTED"
	ReviewCommented        = "COMMENTED"
	ReviewDismissed        = "DISMISSED"
	ReviewPending          = "PENDING"
)

// PullRequest is the subset of pull request fields gate checks look at.
type PullRequest struct {
	Number    int        `json:"number"`
	Title     string     `json:"title"`
	Body      string     `json:"body,omitempty"`
	State     string     `json:"state"`
	Draft     bool       `json:"draft,omitempty"`
	Merged    bool       `json:"merged"`
	MergedAt  *time.Time `json:"merged_at,omitempty"`
	HeadRef   string     `json:"head_ref,omitempty"`
	URL       string     `json:"url,omitempty"`
	Reviewers []string   `json:"requested_reviewers,omitempty"`
}

// Review is one submitted review.
type Review struct {
	ID          int64     `json:"id"`
	Reviewer    string    `json:"reviewer"`
	State       string    `json:"state"`
	SubmittedAt time.Time `json:"submitted_at"`
}

// Client is the source-control host API.
type Client interface {
	GetPullRequest(ctx context.Context, repo string, number int) (*PullRequest, error)
	ListReviews(ctx context.Context, repo string, number int) ([]Review, error)
	SearchPullRequests(ctx context.Context, repo, query string) ([]PullRequest, error)
	CreateBranch(ctx context.Context, repo, branch, base string) error
	GetFileContents(ctx context.Context, repo, path, ref string) ([]byte, error)
}

// SplitRepo parses "owner/name".
func SplitRepo(repo string) (owner, name string, err error) {
	owner, name, ok := strings.Cut(strings.TrimSpace(repo), "/")
	if !ok || owner == "" || name == "" || strings.Contains(name, "/") {
		return "", "", fmt.Errorf("scm: repository must be owner/name, got %q", repo)
	}
	return owner, name, nil
}

// LatestReviewStates reduces reviews to each reviewer's most recent
// non-comment state. Comments never override an approval or a change request.
func LatestReviewStates(reviews []Review) map[string]string {
	type entry struct {
		state string
		at    time.Time
		pos   int
	}
	latest := make(map[string]entry, len(reviews))
	for i, r := range reviews {
		state := strings.ToUpper(r.State)
		if state == ReviewCommented || state == ReviewPending || r.Reviewer == "" {
			continue
		}
		prev, ok := latest[r.Reviewer]
		if ok && (r.SubmittedAt.Before(prev.at) || (r.SubmittedAt.Equal(prev.at) && i < prev.pos)) {
			continue
		}
		latest[r.Reviewer] = entry{state: state, at: r.SubmittedAt, pos: i}
	}
	out := make(map[string]string, len(latest))
	for reviewer, e := range latest {
		out[reviewer] = e.state
	}
	return out
}

// NotConfigured fails every call with ErrNotConfigured.
type NotConfigured struct{}

func (NotConfigured) GetPullRequest(context.Context, string, int) (*PullRequest, error) {
	return nil, ErrNotConfigured
}

func (NotConfigured) ListReviews(context.Context, string, int) ([]Review, error) {
	return nil, ErrNotConfigured
}

func (NotConfigured) SearchPullRequests(context.Context, string, string) ([]PullRequest, error) {
	return nil, ErrNotConfigured
}

func (NotConfigured) CreateBranch(context.Context, string, string, string) error {
	return ErrNotConfigured
}

func (NotConfigured) GetFileContents(context.Context, string, string, string) ([]byte, error) {
	return nil, ErrNotConfigured
}
