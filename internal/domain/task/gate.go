package task

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"regexp"
	"strings"
)

// GateType names a kind of verification gate.
type GateType string

const (
	GatePlanApproval    GateType = "plan_approval"
	GatePRCreated       GateType = "pr_created"
	GateReviewRequested GateType = "review_requested"
	GateReviewPassed    GateType = "review_passed"
	GateMerged          GateType = "merged"
	GateDeployed        GateType = "deployed"
	GateHealthCheck     GateType = "health_check"
	GateCustom          GateType = "custom"
)

// GateTypes lists every supported gate type.
func GateTypes() []GateType {
	return []GateType{
		GatePlanApproval, GatePRCreated, GateReviewRequested, GateReviewPassed,
		GateMerged, GateDeployed, GateHealthCheck, GateCustom,
	}
}

// Gate is one persisted entry of a verification chain. Params holds the
// type-specific parameters; Spec decodes them into a typed value.
type Gate struct {
	Name   string          `json:"name,omitempty"`
	Type   GateType        `json:"gate_type"`
	Params json.RawMessage `json:"params,omitempty"`
}

// ID is the gate's identity within its chain; it defaults to the type.
func (g Gate) ID() string {
	if g.Name != "" {
		return g.Name
	}
	return string(g.Type)
}

// Spec decodes and validates the typed parameters of g.
func (g Gate) Spec() (GateSpec, error) {
	var spec GateSpec
	switch g.Type {
	case GatePlanApproval:
		spec = &PlanApprovalSpec{}
	case GatePRCreated:
		spec = &PRCreatedSpec{}
	case GateReviewRequested:
		spec = &ReviewRequestedSpec{}
	case GateReviewPassed:
		spec = &ReviewPassedSpec{}
	case GateMerged:
		spec = &MergedSpec{}
	case GateDeployed:
		spec = &DeployedSpec{}
	case GateHealthCheck:
		spec = &HealthCheckSpec{}
	case GateCustom:
		spec = &CustomSpec{}
	default:
		return nil, fmt.Errorf("%w: unknown gate type %q", ErrInvalidGate, g.Type)
	}
	if len(bytes.TrimSpace(g.Params)) > 0 && !bytes.Equal(bytes.TrimSpace(g.Params), []byte("null")) {
		dec := json.NewDecoder(bytes.NewReader(g.Params))
		dec.DisallowUnknownFields()
		if err := dec.Decode(spec); err != nil {
			return nil, fmt.Errorf("%w: gate %s params: %v", ErrInvalidGate, g.ID(), err)
		}
	}
	if err := spec.Validate(); err != nil {
		return nil, fmt.Errorf("%w: gate %s: %v", ErrInvalidGate, g.ID(), err)
	}
	return spec, nil
}

// NewGate encodes spec into a chain entry. An empty name defaults to the type.
func NewGate(name string, spec GateSpec) (Gate, error) {
	if err := spec.Validate(); err != nil {
		return Gate{}, fmt.Errorf("%w: %v", ErrInvalidGate, err)
	}
	raw, err := json.Marshal(spec)
	if err != nil {
		return Gate{}, fmt.Errorf("encode gate params: %w", err)
	}
	if bytes.Equal(raw, []byte("{}")) {
		raw = nil
	}
	return Gate{Name: name, Type: spec.GateType(), Params: raw}, nil
}

// MustGate is NewGate for statically known specs.
func MustGate(name string, spec GateSpec) Gate {
	g, err := NewGate(name, spec)
	if err != nil {
		panic(err)
	}
	return g
}

// ValidateChain checks that every gate decodes and that names are unique.
func ValidateChain(chain []Gate) error {
	seen := make(map[string]struct{}, len(chain))
	for _, g := range chain {
		if _, err := g.Spec(); err != nil {
			return err
		}
		if _, dup := seen[g.ID()]; dup {
			return fmt.Errorf("%w: duplicate gate name %q in chain", ErrInvalidGate, g.ID())
		}
		seen[g.ID()] = struct{}{}
	}
	return nil
}

// GateSpec is the closed set of typed gate parameters. Only types in this
// package implement it.
type GateSpec interface {
	GateType() GateType
	Validate() error
	isGateSpec()
}

// SpecVisitor has one method per gate type, so a checker that misses a type
// does not satisfy the interface.
type SpecVisitor[R any] interface {
	VisitPlanApproval(*PlanApprovalSpec) R
	VisitPRCreated(*PRCreatedSpec) R
	VisitReviewRequested(*ReviewRequestedSpec) R
	VisitReviewPassed(*ReviewPassedSpec) R
	VisitMerged(*MergedSpec) R
	VisitDeployed(*DeployedSpec) R
	VisitHealthCheck(*HealthCheckSpec) R
	VisitCustom(*CustomSpec) R
}

// Dispatch routes spec to the matching visitor method.
func Dispatch[R any](spec GateSpec, v SpecVisitor[R]) R {
	switch s := spec.(type) {
	case *PlanApprovalSpec:
		return v.VisitPlanApproval(s)
	case *PRCreatedSpec:
		return v.VisitPRCreated(s)
	case *ReviewRequestedSpec:
		return v.VisitReviewRequested(s)
	case *ReviewPassedSpec:
		return v.VisitReviewPassed(s)
	case *MergedSpec:
		return v.VisitMerged(s)
	case *DeployedSpec:
		return v.VisitDeployed(s)
	case *HealthCheckSpec:
		return v.VisitHealthCheck(s)
	case *CustomSpec:
		return v.VisitCustom(s)
	}
	panic(fmt.Sprintf("task: unhandled gate spec %T", spec))
}

// PlanApprovalSpec passes when the task's plan is approved.
type PlanApprovalSpec struct{}

func (*PlanApprovalSpec) GateType() GateType { return GatePlanApproval }
func (*PlanApprovalSpec) Validate() error    { return nil }
func (*PlanApprovalSpec) isGateSpec()        {}

// PullRequestRef optionally pins a gate to a repository and PR number. When
// Number is zero the PR is discovered from evidence or by searching for the
// task id.
type PullRequestRef struct {
	Repo   string `json:"repo,omitempty"`
	Number int    `json:"pr_number,omitempty"`
}

func (r PullRequestRef) validate() error {
	if r.Number < 0 {
		return fmt.Errorf("pr_number must be positive")
	}
	if r.Repo != "" && strings.Count(r.Repo, "/") != 1 {
		return fmt.Errorf("repo must be owner/name, got %q", r.Repo)
	}
	return nil
}

type PRCreatedSpec struct {
	PullRequestRef
}

func (*PRCreatedSpec) GateType() GateType { return GatePRCreated }
func (s *PRCreatedSpec) Validate() error  { return s.validate() }
func (*PRCreatedSpec) isGateSpec()        {}

type ReviewRequestedSpec struct {
	PullRequestRef
}

func (*ReviewRequestedSpec) GateType() GateType { return GateReviewRequested }
func (s *ReviewRequestedSpec) Validate() error  { return s.validate() }
func (*ReviewRequestedSpec) isGateSpec()        {}

type ReviewPassedSpec struct {
	PullRequestRef
	// MinApprovals defaults to 1.
	MinApprovals int `json:"min_approvals,omitempty"`
}

func (*ReviewPassedSpec) GateType() GateType { return GateReviewPassed }
func (s *ReviewPassedSpec) Validate() error {
	if s.MinApprovals < 0 {
		return fmt.Errorf("min_approvals must not be negative")
	}
	return s.validate()
}
func (*ReviewPassedSpec) isGateSpec() {}

// RequiredApprovals returns MinApprovals with its default applied.
func (s *ReviewPassedSpec) RequiredApprovals() int {
	if s.MinApprovals <= 0 {
		return 1
	}
	return s.MinApprovals
}

type MergedSpec struct {
	PullRequestRef
}

func (*MergedSpec) GateType() GateType { return GateMerged }
func (s *MergedSpec) Validate() error  { return s.validate() }
func (*MergedSpec) isGateSpec()        {}

// DeployedSpec passes when the latest deployment of Service succeeded.
type DeployedSpec struct {
	Service string `json:"service"`
}

func (*DeployedSpec) GateType() GateType { return GateDeployed }
func (s *DeployedSpec) Validate() error {
	if strings.TrimSpace(s.Service) == "" {
		return fmt.Errorf("service is required")
	}
	return nil
}
func (*DeployedSpec) isGateSpec() {}

// HealthCheckSpec probes URL and compares the response status.
type HealthCheckSpec struct {
	URL            string `json:"url"`
	Method         string `json:"method,omitempty"`
	ExpectedStatus int    `json:"expected_status,omitempty"`
	BodyContains   string `json:"body_contains,omitempty"`
	TimeoutSeconds int    `json:"timeout_seconds,omitempty"`
}

func (*HealthCheckSpec) GateType() GateType { return GateHealthCheck }
func (s *HealthCheckSpec) Validate() error {
	if !strings.HasPrefix(s.URL, "http://") && !strings.HasPrefix(s.URL, "https://") {
		return fmt.Errorf("url must be http(s), got %q", s.URL)
	}
	if s.ExpectedStatus != 0 && (s.ExpectedStatus < 100 || s.ExpectedStatus > 599) {
		return fmt.Errorf("expected_status %d out of range", s.ExpectedStatus)
	}
	if s.TimeoutSeconds < 0 {
		return fmt.Errorf("timeout_seconds must not be negative")
	}
	return nil
}
func (*HealthCheckSpec) isGateSpec() {}

// HTTPMethod returns Method with its default applied.
func (s *HealthCheckSpec) HTTPMethod() string {
	if s.Method == "" {
		return http.MethodGet
	}
	return strings.ToUpper(s.Method)
}

// WantStatus returns ExpectedStatus with its default applied.
func (s *HealthCheckSpec) WantStatus() int {
	if s.ExpectedStatus == 0 {
		return http.StatusOK
	}
	return s.ExpectedStatus
}

// CustomMode selects the semantics of a custom gate.
type CustomMode string

const (
	CustomQuery      CustomMode = "query"
	CustomPathExists CustomMode = "path_exists"
	CustomFieldRegex CustomMode = "field_regex"
)

// QueryFilter is one bound predicate of a custom query gate.
type QueryFilter struct {
	Column string `json:"column"`
	Op     string `json:"op,omitempty"`
	Value  any    `json:"value"`
}

// CustomSpec is an operator-defined gate. Query mode names an allow-listed
// table and columns; values are always bound, never interpolated.
type CustomSpec struct {
	Mode CustomMode `json:"mode"`

	// query
	Table      string        `json:"table,omitempty"`
	TaskColumn string        `json:"task_column,omitempty"`
	Filters    []QueryFilter `json:"filters,omitempty"`
	MinRows    int           `json:"min_rows,omitempty"`

	// path_exists
	Repo string `json:"repo,omitempty"`
	Path string `json:"path,omitempty"`
	Ref  string `json:"ref,omitempty"`

	// field_regex
	Field   string `json:"field,omitempty"`
	Pattern string `json:"pattern,omitempty"`
}

func (*CustomSpec) GateType() GateType { return GateCustom }
func (*CustomSpec) isGateSpec()        {}

func (s *CustomSpec) Validate() error {
	switch s.Mode {
	case CustomQuery:
		if s.Table == "" {
			return fmt.Errorf("query mode requires table")
		}
		if s.MinRows < 0 {
			return fmt.Errorf("min_rows must not be negative")
		}
		for i, f := range s.Filters {
			if f.Column == "" {
				return fmt.Errorf("filters[%d] requires column", i)
			}
		}
	case CustomPathExists:
		if strings.TrimSpace(s.Path) == "" {
			return fmt.Errorf("path_exists mode requires path")
		}
	case CustomFieldRegex:
		if s.Field == "" || s.Pattern == "" {
			return fmt.Errorf("field_regex mode requires field and pattern")
		}
		if _, err := regexp.Compile(s.Pattern); err != nil {
			return fmt.Errorf("pattern: %v", err)
		}
	default:
		return fmt.Errorf("unknown custom mode %q", s.Mode)
	}
	return nil
}

// RequiredRows returns MinRows with its default applied.
func (s *CustomSpec) RequiredRows() int {
	if s.MinRows <= 0 {
		return 1
	}
	return s.MinRows
}
