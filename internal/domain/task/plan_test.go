package task

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidatePlan(t *testing.T) {
	neg := -5
	thirty := 30
	cases := []struct {
		name         string
		plan         *Plan
		valid        bool
		wantWarnings int
	}{
		{"nil plan", nil, false, 0},
		{"missing approach", &Plan{Steps: []string{"a"}}, false, 4},
		{"missing steps", &Plan{Approach: "x"}, false, 4},
		{"blank step", &Plan{Approach: "x", Steps: []string{" "}}, false, 4},
		{"negative duration", &Plan{Approach: "x", Steps: []string{"a"}, EstimatedDurationMinutes: &neg}, false, 3},
		{"minimal plan is accepted with warnings", &Plan{Approach: "x", Steps: []string{"a"}}, true, 4},
		{"complete plan", &Plan{
			Approach:                 "x",
			Steps:                    []string{"a", "b"},
			FilesAffected:            []string{"main.go"},
			Risks:                    []string{"none"},
			EstimatedDurationMinutes: &thirty,
			VerificationApproach:     "tests",
		}, true, 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			res := ValidatePlan(tc.plan)
			assert.Equal(t, tc.valid, res.Valid)
			assert.Len(t, res.Warnings, tc.wantWarnings)
			if tc.valid {
				assert.NoError(t, res.Err())
			} else {
				assert.ErrorIs(t, res.Err(), ErrInvalidPlan)
			}
		})
	}
}

func TestPlanApprovalTriState(t *testing.T) {
	var p *Plan
	assert.False(t, p.IsApproved())

	p = &Plan{}
	assert.False(t, p.IsApproved())
	assert.False(t, p.IsRejected())

	no := false
	p.Approved = &no
	assert.True(t, p.IsRejected())
}
