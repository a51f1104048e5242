package task

import (
	"fmt"
	"strings"
	"time"
)

// Plan is a worker-submitted execution proposal.
type Plan struct {
	Approach                 string   `json:"approach"`
	Steps                    []string `json:"steps"`
	FilesAffected            []string `json:"files_affected,omitempty"`
	Risks                    []string `json:"risks,omitempty"`
	EstimatedDurationMinutes *int     `json:"estimated_duration_minutes,omitempty"`
	VerificationApproach     string   `json:"verification_approach,omitempty"`

	Version     int        `json:"_version"`
	SubmittedBy string     `json:"submitted_by,omitempty"`
	SubmittedAt *time.Time `json:"submitted_at,omitempty"`

	// Approved is tri-state: nil until reviewed.
	Approved   *bool      `json:"approved,omitempty"`
	Feedback   string     `json:"feedback,omitempty"`
	ApprovedBy string     `json:"approved_by,omitempty"`
	ApprovedAt *time.Time `json:"approved_at,omitempty"`

	// PriorFeedback carries reviewer feedback from the superseded version.
	PriorFeedback    string      `json:"prior_feedback,omitempty"`
	RejectionHistory []Rejection `json:"rejection_history,omitempty"`
}

// Rejection is one append-only entry in a plan's rejection history.
type Rejection struct {
	Version    int       `json:"version"`
	Feedback   string    `json:"feedback"`
	RejectedBy string    `json:"rejected_by,omitempty"`
	RejectedAt time.Time `json:"rejected_at"`
}

// IsApproved reports whether the plan exists and has been approved.
func (p *Plan) IsApproved() bool {
	return p != nil && p.Approved != nil && *p.Approved
}

// IsRejected reports whether the latest review rejected the plan.
func (p *Plan) IsRejected() bool {
	return p != nil && p.Approved != nil && !*p.Approved
}

// ValidationResult is the outcome of ValidatePlan.
type ValidationResult struct {
	Valid    bool     `json:"valid"`
	Errors   []string `json:"errors,omitempty"`
	Warnings []string `json:"warnings,omitempty"`
}

// Err folds the validation errors into an ErrInvalidPlan, or nil when valid.
func (r ValidationResult) Err() error {
	if r.Valid {
		return nil
	}
	return fmt.Errorf("%w: %s", ErrInvalidPlan, strings.Join(r.Errors, "; "))
}

// ValidatePlan checks required plan fields. Recommended fields only produce
// warnings, so an incomplete plan is still accepted.
func ValidatePlan(p *Plan) ValidationResult {
	var res ValidationResult
	if p == nil {
		res.Errors = append(res.Errors, "plan is required")
		return res
	}
	if strings.TrimSpace(p.Approach) == "" {
		res.Errors = append(res.Errors, "approach must be a non-empty string")
	}
	if len(p.Steps) == 0 {
		res.Errors = append(res.Errors, "steps must be a non-empty list")
	}
	for i, step := range p.Steps {
		if strings.TrimSpace(step) == "" {
			res.Errors = append(res.Errors, fmt.Sprintf("steps[%d] is empty", i))
		}
	}
	if p.EstimatedDurationMinutes != nil && *p.EstimatedDurationMinutes <= 0 {
		res.Errors = append(res.Errors, "estimated_duration_minutes must be > 0")
	}

	if len(p.FilesAffected) == 0 {
		res.Warnings = append(res.Warnings, "files_affected not provided")
	}
	if len(p.Risks) == 0 {
		res.Warnings = append(res.Warnings, "risks not provided")
	}
	if p.EstimatedDurationMinutes == nil {
		res.Warnings = append(res.Warnings, "estimated_duration_minutes not provided")
	}
	if strings.TrimSpace(p.VerificationApproach) == "" {
		res.Warnings = append(res.Warnings, "verification_approach not provided")
	}
	res.Valid = len(res.Errors) == 0
	return res
}
