package gate

import (
	"fmt"
	"sort"
	"strings"

	"foreman/internal/infra/scm"
)

// ReviewPolicy decides how review_passed treats automated reviewers.
type ReviewPolicy struct {
	// AutomatedReviewers are logins treated as automated. Logins ending in
	// "[bot]" always count.
	AutomatedReviewers []string `yaml:"automated_reviewers" json:"automated_reviewers,omitempty"`
	// AllowAutomatedOverride lets an automated approval clear a human
	// "changes requested".
	AllowAutomatedOverride bool `yaml:"allow_automated_override" json:"allow_automated_override"`
}

// IsAutomated reports whether login belongs to an automated reviewer.
func (p ReviewPolicy) IsAutomated(login string) bool {
	if strings.HasSuffix(strings.ToLower(login), "[bot]") {
		return true
	}
	for _, r := range p.AutomatedReviewers {
		if strings.EqualFold(r, login) {
			return true
		}
	}
	return false
}

// reviewVerdict summarises the latest review state of every reviewer.
type reviewVerdict struct {
	Approvers          []string
	ChangesRequestedBy []string
	AutomatedApproval  bool
}

func summariseReviews(reviews []scm.Review, policy ReviewPolicy) reviewVerdict {
	var v reviewVerdict
	for reviewer, state := range scm.LatestReviewStates(reviews) {
		switch state {
		case scm.ReviewApproved:
			v.Approvers = append(v.Approvers, reviewer)
			if policy.IsAutomated(reviewer) {
				v.AutomatedApproval = true
			}
		case scm.ReviewChangesRequested:
			v.ChangesRequestedBy = append(v.ChangesRequestedBy, reviewer)
		}
	}
	sort.Strings(v.Approvers)
	sort.Strings(v.ChangesRequestedBy)
	return v
}

// decide applies the policy. An empty reason means the review gate passes.
func (v reviewVerdict) decide(policy ReviewPolicy, required int) (reason string, overridden bool) {
	if len(v.ChangesRequestedBy) > 0 {
		if !policy.AllowAutomatedOverride || !v.AutomatedApproval {
			return "changes requested by " + strings.Join(v.ChangesRequestedBy, ", "), false
		}
		overridden = true
	}
	if len(v.Approvers) < required {
		return fmt.Sprintf("%d of %d required approvals", len(v.Approvers), required), overridden
	}
	return "", overridden
}
