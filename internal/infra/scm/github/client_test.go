package github

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"foreman/internal/infra/scm"
	sharederrors "foreman/internal/shared/errors"
)

func newTestClient(t *testing.T, mux *http.ServeMux) *Client {
	t.Helper()
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	c, err := New(Config{Token: "test-token", BaseURL: srv.URL}, srv.Client(), nil)
	require.NoError(t, err)
	return c
}

func writeJSON(t *testing.T, w http.ResponseWriter, v any) {
	t.Helper()
	w.Header().Set("Content-Type", "application/json")
	require.NoError(t, json.NewEncoder(w).Encode(v))
}

func TestNewRequiresToken(t *testing.T) {
	_, err := New(Config{}, nil, nil)
	assert.Error(t, err)
}

func TestGetPullRequest(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/repos/acme/widgets/pulls/42", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer test-token", r.Header.Get("Authorization"))
		writeJSON(t, w, map[string]any{
			"number":    42,
			"title":     "task_123: add retries",
			"state":     "closed",
			"merged":    true,
			"merged_at": "2026-03-01T10:00:00Z",
			"html_url":  "https://github.com/acme/widgets/pull/42",
			"head":      map[string]any{"ref": "task_123"},
		})
	})
	c := newTestClient(t, mux)

	pr, err := c.GetPullRequest(context.Background(), "acme/widgets", 42)
	require.NoError(t, err)
	assert.Equal(t, 42, pr.Number)
	assert.True(t, pr.Merged)
	require.NotNil(t, pr.MergedAt)
	assert.Equal(t, "task_123", pr.HeadRef)
}

func TestGetPullRequestNotFound(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/repos/acme/widgets/pulls/7", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		writeJSON(t, w, map[string]any{"message": "Not Found"})
	})
	c := newTestClient(t, mux)

	_, err := c.GetPullRequest(context.Background(), "acme/widgets", 7)
	assert.ErrorIs(t, err, scm.ErrNotFound)
}

func TestServerErrorIsTransient(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/repos/acme/widgets/pulls/7/reviews", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		writeJSON(t, w, map[string]any{"message": "bad gateway"})
	})
	c := newTestClient(t, mux)

	_, err := c.ListReviews(context.Background(), "acme/widgets", 7)
	require.Error(t, err)
	assert.True(t, sharederrors.IsTransient(err))
	assert.Equal(t, http.StatusBadGateway, sharederrors.StatusCode(err))
}

func TestListReviews(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/repos/acme/widgets/pulls/42/reviews", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(t, w, []map[string]any{
			{"id": 1, "user": map[string]any{"login": "alice"}, "state": "CHANGES_REQUESTED", "submitted_at": "2026-03-01T10:00:00Z"},
			{"id": 2, "user": map[string]any{"login": "alice"}, "state": "APPROVED", "submitted_at": "2026-03-01T11:00:00Z"},
		})
	})
	c := newTestClient(t, mux)

	reviews, err := c.ListReviews(context.Background(), "acme/widgets", 42)
	require.NoError(t, err)
	require.Len(t, reviews, 2)
	assert.Equal(t, "alice", reviews[1].Reviewer)
	assert.Equal(t, scm.ReviewApproved, scm.LatestReviewStates(reviews)["alice"])
}

func TestSearchPullRequests(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/search/issues", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "repo:acme/widgets is:pr task_123", r.URL.Query().Get("q"))
		writeJSON(t, w, map[string]any{
			"total_count": 2,
			"items": []map[string]any{
				{"number": 5, "title": "task_123 part one", "state": "open", "pull_request": map[string]any{"url": "x"}},
				{"number": 6, "title": "issue mentioning task_123", "state": "open"},
			},
		})
	})
	c := newTestClient(t, mux)

	prs, err := c.SearchPullRequests(context.Background(), "acme/widgets", "task_123")
	require.NoError(t, err)
	require.Len(t, prs, 1)
	assert.Equal(t, 5, prs[0].Number)
}

func TestCreateBranch(t *testing.T) {
	created := false
	mux := http.NewServeMux()
	mux.HandleFunc("/repos/acme/widgets/git/ref/heads/main", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(t, w, map[string]any{"ref": "refs/heads/main", "object": map[string]any{"sha": "abc123", "type": "commit"}})
	})
	mux.HandleFunc("/repos/acme/widgets/git/refs", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "refs/heads/task_123", body["ref"])
		assert.Equal(t, "abc123", body["sha"])
		created = true
		w.WriteHeader(http.StatusCreated)
		writeJSON(t, w, map[string]any{"ref": "refs/heads/task_123"})
	})
	c := newTestClient(t, mux)

	require.NoError(t, c.CreateBranch(context.Background(), "acme/widgets", "task_123", "main"))
	assert.True(t, created)
}

func TestGetFileContents(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/repos/acme/widgets/contents/docs/README.md", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "main", r.URL.Query().Get("ref"))
		writeJSON(t, w, map[string]any{
			"type":     "file",
			"encoding": "base64",
			"content":  base64.StdEncoding.EncodeToString([]byte("# widgets\n")),
		})
	})
	c := newTestClient(t, mux)

	data, err := c.GetFileContents(context.Background(), "acme/widgets", "docs/README.md", "main")
	require.NoError(t, err)
	assert.Equal(t, "# widgets\n", string(data))
}
