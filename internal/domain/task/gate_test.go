package task

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type typeNamer struct{}

func (typeNamer) VisitPlanApproval(*PlanApprovalSpec) string       { return "plan_approval" }
func (typeNamer) VisitPRCreated(*PRCreatedSpec) string             { return "pr_created" }
func (typeNamer) VisitReviewRequested(*ReviewRequestedSpec) string { return "review_requested" }
func (typeNamer) VisitReviewPassed(*ReviewPassedSpec) string       { return "review_passed" }
func (typeNamer) VisitMerged(*MergedSpec) string                   { return "merged" }
func (typeNamer) VisitDeployed(*DeployedSpec) string               { return "deployed" }
func (typeNamer) VisitHealthCheck(*HealthCheckSpec) string         { return "health_check" }
func (typeNamer) VisitCustom(*CustomSpec) string                   { return "custom" }

func TestDispatchCoversEveryGateType(t *testing.T) {
	params := map[GateType]string{
		GateDeployed:    `{"service":"api"}`,
		GateHealthCheck: `{"url":"https://svc/healthz"}`,
		GateCustom:      `{"mode":"field_regex","field":"title","pattern":"^fix"}`,
	}
	for _, gt := range GateTypes() {
		g := Gate{Type: gt, Params: json.RawMessage(params[gt])}
		spec, err := g.Spec()
		require.NoError(t, err, gt)
		assert.Equal(t, gt, spec.GateType())
		assert.Equal(t, string(gt), Dispatch[string](spec, typeNamer{}))
	}
}

func TestGateSpecRejectsMalformedParams(t *testing.T) {
	cases := []struct {
		name string
		gate Gate
	}{
		{"unknown type", Gate{Type: "sql"}},
		{"deployed without service", Gate{Type: GateDeployed}},
		{"health check bad url", Gate{Type: GateHealthCheck, Params: json.RawMessage(`{"url":"ftp://x"}`)}},
		{"health check bad status", Gate{Type: GateHealthCheck, Params: json.RawMessage(`{"url":"http://x","expected_status":99}`)}},
		{"unknown field", Gate{Type: GateMerged, Params: json.RawMessage(`{"sql":"drop table"}`)}},
		{"custom unknown mode", Gate{Type: GateCustom, Params: json.RawMessage(`{"mode":"exec"}`)}},
		{"custom bad regex", Gate{Type: GateCustom, Params: json.RawMessage(`{"mode":"field_regex","field":"title","pattern":"("}`)}},
		{"custom query without table", Gate{Type: GateCustom, Params: json.RawMessage(`{"mode":"query"}`)}},
		{"bad repo", Gate{Type: GatePRCreated, Params: json.RawMessage(`{"repo":"justname"}`)}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := tc.gate.Spec()
			assert.ErrorIs(t, err, ErrInvalidGate)
		})
	}
}

func TestValidateChainRejectsDuplicateNames(t *testing.T) {
	chain := []Gate{
		{Type: GatePlanApproval},
		{Type: GatePlanApproval},
	}
	assert.ErrorIs(t, ValidateChain(chain), ErrInvalidGate)

	chain[1].Name = "second_approval"
	assert.NoError(t, ValidateChain(chain))
}

func TestNewGateRoundTrip(t *testing.T) {
	g, err := NewGate("", &ReviewPassedSpec{PullRequestRef: PullRequestRef{Repo: "acme/api", Number: 12}, MinApprovals: 2})
	require.NoError(t, err)
	assert.Equal(t, "review_passed", g.ID())

	spec, err := g.Spec()
	require.NoError(t, err)
	rp := spec.(*ReviewPassedSpec)
	assert.Equal(t, 12, rp.Number)
	assert.Equal(t, 2, rp.RequiredApprovals())

	plain, err := NewGate("", &PlanApprovalSpec{})
	require.NoError(t, err)
	assert.Nil(t, plain.Params)
}

func TestHealthCheckDefaults(t *testing.T) {
	s := &HealthCheckSpec{URL: "http://svc", Method: "head"}
	assert.Equal(t, "HEAD", s.HTTPMethod())
	assert.Equal(t, 200, s.WantStatus())
	assert.Equal(t, "GET", (&HealthCheckSpec{}).HTTPMethod())
}
