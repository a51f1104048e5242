package scm

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSplitRepo(t *testing.T) {
	owner, name, err := SplitRepo("acme/widgets")
	require.NoError(t, err)
	assert.Equal(t, "acme", owner)
	assert.Equal(t, "widgets", name)

	for _, bad := range []string{"", "acme", "/widgets", "acme/", "a/b/c"} {
		_, _, err := SplitRepo(bad)
		assert.Error(t, err, bad)
	}
}

func TestLatestReviewStates(t *testing.T) {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	reviews := []Review{
		{Reviewer: "alice", State: ReviewChangesRequested, SubmittedAt: base},
		{Reviewer: "alice", State: ReviewApproved, SubmittedAt: base.Add(time.Hour)},
		{Reviewer: "bob", State: ReviewApproved, SubmittedAt: base},
		{Reviewer: "bob", State: ReviewCommented, SubmittedAt: base.Add(2 * time.Hour)},
		{Reviewer: "carol", State: "changes_requested", SubmittedAt: base.Add(time.Minute)},
		{Reviewer: "dave", State: ReviewCommented, SubmittedAt: base},
	}
	states := LatestReviewStates(reviews)
	assert.Equal(t, map[string]string{
		"alice": ReviewApproved,
		"bob":   ReviewApproved,
		"carol": ReviewChangesRequested,
	}, states)
}

func TestNotConfigured(t *testing.T) {
	var c Client = NotConfigured{}
	_, err := c.GetPullRequest(context.Background(), "a/b", 1)
	assert.ErrorIs(t, err, ErrNotConfigured)
	assert.ErrorIs(t, c.CreateBranch(context.Background(), "a/b", "x", "main"), ErrNotConfigured)
}
