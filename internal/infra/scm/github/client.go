// Package github implements scm.Client against the GitHub REST API.
package github

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	gh "github.com/google/go-github/v66/github"

	"foreman/internal/infra/scm"
	sharederrors "foreman/internal/shared/errors"
	"foreman/internal/shared/logging"
)

// Config configures the client.
type Config struct {
	Token string
	// BaseURL targets GitHub Enterprise or a test server; empty means api.github.com.
	BaseURL string
	// MaxSearchResults caps SearchPullRequests.
	MaxSearchResults int
}

// Client talks to GitHub.
type Client struct {
	api        *gh.Client
	maxResults int
	logger     logging.Logger
}

var _ scm.Client = (*Client)(nil)

// New builds a Client. httpClient may be nil.
func New(cfg Config, httpClient *http.Client, logger logging.Logger) (*Client, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, fmt.Errorf("github: token is required")
	}
	api := gh.NewClient(httpClient).WithAuthToken(cfg.Token)
	if cfg.BaseURL != "" {
		base := cfg.BaseURL
		if !strings.HasSuffix(base, "/") {
			base += "/"
		}
		parsed, err := url.Parse(base)
		if err != nil {
			return nil, fmt.Errorf("github: invalid base url: %w", err)
		}
		api.BaseURL = parsed
	}
	maxResults := cfg.MaxSearchResults
	if maxResults <= 0 {
		maxResults = 20
	}
	return &Client{api: api, maxResults: maxResults, logger: logging.OrNop(logger)}, nil
}

func (c *Client) GetPullRequest(ctx context.Context, repo string, number int) (*scm.PullRequest, error) {
	owner, name, err := scm.SplitRepo(repo)
	if err != nil {
		return nil, err
	}
	pr, resp, err := c.api.PullRequests.Get(ctx, owner, name, number)
	if err != nil {
		return nil, classify(resp, err, "get pull request %s#%d", repo, number)
	}
	return convertPullRequest(pr), nil
}

func (c *Client) ListReviews(ctx context.Context, repo string, number int) ([]scm.Review, error) {
	owner, name, err := scm.SplitRepo(repo)
	if err != nil {
		return nil, err
	}
	opts := &gh.ListOptions{PerPage: 100}
	var out []scm.Review
	for {
		reviews, resp, err := c.api.PullRequests.ListReviews(ctx, owner, name, number, opts)
		if err != nil {
			return nil, classify(resp, err, "list reviews %s#%d", repo, number)
		}
		for _, r := range reviews {
			review := scm.Review{
				ID:       r.GetID(),
				Reviewer: r.GetUser().GetLogin(),
				State:    strings.ToUpper(r.GetState()),
			}
			if r.SubmittedAt != nil {
				review.SubmittedAt = r.SubmittedAt.Time
			}
			out = append(out, review)
		}
		if resp == nil || resp.NextPage == 0 {
			return out, nil
		}
		opts.Page = resp.NextPage
	}
}

// SearchPullRequests runs query scoped to repo and returns matching pull
// requests, newest first. Only search-result fields are populated.
func (c *Client) SearchPullRequests(ctx context.Context, repo, query string) ([]scm.PullRequest, error) {
	if _, _, err := scm.SplitRepo(repo); err != nil {
		return nil, err
	}
	q := fmt.Sprintf("repo:%s is:pr %s", repo, strings.TrimSpace(query))
	result, resp, err := c.api.Search.Issues(ctx, q, &gh.SearchOptions{
		Sort:        "created",
		Order:       "desc",
		ListOptions: gh.ListOptions{PerPage: c.maxResults},
	})
	if err != nil {
		return nil, classify(resp, err, "search pull requests")
	}
	out := make([]scm.PullRequest, 0, len(result.Issues))
	for _, issue := range result.Issues {
		if !issue.IsPullRequest() {
			continue
		}
		pr := scm.PullRequest{
			Number: issue.GetNumber(),
			Title:  issue.GetTitle(),
			Body:   issue.GetBody(),
			State:  issue.GetState(),
			URL:    issue.GetHTMLURL(),
		}
		out = append(out, pr)
	}
	return out, nil
}

// CreateBranch creates branch at the head of base.
func (c *Client) CreateBranch(ctx context.Context, repo, branch, base string) error {
	owner, name, err := scm.SplitRepo(repo)
	if err != nil {
		return err
	}
	ref, resp, err := c.api.Git.GetRef(ctx, owner, name, "heads/"+base)
	if err != nil {
		return classify(resp, err, "resolve base %s", base)
	}
	_, resp, err = c.api.Git.CreateRef(ctx, owner, name, &gh.Reference{
		Ref:    gh.String("refs/heads/" + branch),
		Object: &gh.GitObject{SHA: ref.GetObject().SHA},
	})
	if err != nil {
		return classify(resp, err, "create branch %s", branch)
	}
	c.logger.Info("created branch %s on %s from %s", branch, repo, base)
	return nil
}

// GetFileContents returns the decoded file at path. Directories are an error.
func (c *Client) GetFileContents(ctx context.Context, repo, path, ref string) ([]byte, error) {
	owner, name, err := scm.SplitRepo(repo)
	if err != nil {
		return nil, err
	}
	var opts *gh.RepositoryContentGetOptions
	if ref != "" {
		opts = &gh.RepositoryContentGetOptions{Ref: ref}
	}
	file, dir, resp, err := c.api.Repositories.GetContents(ctx, owner, name, path, opts)
	if err != nil {
		return nil, classify(resp, err, "get contents %s", path)
	}
	if file == nil {
		return nil, fmt.Errorf("github: %s is a directory with %d entries", path, len(dir))
	}
	content, err := file.GetContent()
	if err != nil {
		return nil, fmt.Errorf("github: decode %s: %w", path, err)
	}
	return []byte(content), nil
}

func convertPullRequest(pr *gh.PullRequest) *scm.PullRequest {
	out := &scm.PullRequest{
		Number:  pr.GetNumber(),
		Title:   pr.GetTitle(),
		Body:    pr.GetBody(),
		State:   pr.GetState(),
		Draft:   pr.GetDraft(),
		Merged:  pr.GetMerged(),
		HeadRef: pr.GetHead().GetRef(),
		URL:     pr.GetHTMLURL(),
	}
	if pr.MergedAt != nil {
		merged := pr.MergedAt.Time
		out.MergedAt = &merged
		out.Merged = true
	}
	for _, u := range pr.RequestedReviewers {
		out.Reviewers = append(out.Reviewers, u.GetLogin())
	}
	return out
}

func classify(resp *gh.Response, err error, format string, args ...any) error {
	msg := fmt.Sprintf(format, args...)
	var rateErr *gh.RateLimitError
	var abuseErr *gh.AbuseRateLimitError
	if errors.As(err, &rateErr) || errors.As(err, &abuseErr) {
		return sharederrors.NewTransientError(err, "github: rate limited: "+msg)
	}
	if resp != nil && resp.Response != nil {
		if resp.StatusCode == http.StatusNotFound {
			return fmt.Errorf("github: %s: %w", msg, scm.ErrNotFound)
		}
		return fmt.Errorf("github: %s: %w", msg, sharederrors.FromHTTPStatus(resp.StatusCode, err.Error()))
	}
	return fmt.Errorf("github: %s: %w", msg, err)
}
