package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"foreman/internal/domain/task"
)

func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := newRootCommand()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&bytes.Buffer{})
	root.SetArgs(append([]string{"--driver", "memory"}, args...))
	err := root.Execute()
	return out.String(), err
}

func TestRootRegistersCommands(t *testing.T) {
	root := newRootCommand()
	var names []string
	for _, cmd := range root.Commands() {
		names = append(names, cmd.Name())
	}
	for _, want := range []string{"serve", "migrate", "task", "plan", "route", "worker", "scale", "dlq", "escalation", "status", "config"} {
		assert.Contains(t, names, want)
	}
}

func TestParseGateFlag(t *testing.T) {
	g, err := parseGateFlag("pr_created")
	require.NoError(t, err)
	assert.Equal(t, task.GatePRCreated, g.Type)
	assert.Empty(t, g.Name)

	g, err = parseGateFlag(`probe:health_check={"url":"https://example.com/health"}`)
	require.NoError(t, err)
	assert.Equal(t, "probe", g.Name)
	assert.Equal(t, task.GateHealthCheck, g.Type)
	assert.JSONEq(t, `{"url":"https://example.com/health"}`, string(g.Params))

	_, err = parseGateFlag(`health_check={not json`)
	require.Error(t, err)
}

func TestBuildChainFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "chain.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
- gate_type: plan_approval
- name: smoke
  gate_type: health_check
  params:
    url: https://example.com/health
    expected_status: 200
`), 0o600))

	chain, err := buildChain([]string{"merged"}, path)
	require.NoError(t, err)
	require.Len(t, chain, 3)
	assert.Equal(t, task.GatePlanApproval, chain[0].Type)
	assert.Equal(t, "smoke", chain[1].ID())
	assert.Equal(t, task.GateMerged, chain[2].Type)

	_, err = buildChain([]string{"merged", "merged"}, "")
	require.ErrorIs(t, err, task.ErrInvalidGate)
}

func TestDecodePlan(t *testing.T) {
	var fromYAML task.Plan
	require.NoError(t, decodePlan([]byte("approach: refactor\nsteps:\n  - split\n  - test\nestimated_duration_minutes: 30\n"), &fromYAML))
	assert.Equal(t, "refactor", fromYAML.Approach)
	assert.Equal(t, []string{"split", "test"}, fromYAML.Steps)
	require.NotNil(t, fromYAML.EstimatedDurationMinutes)
	assert.Equal(t, 30, *fromYAML.EstimatedDurationMinutes)

	var fromJSON task.Plan
	require.NoError(t, decodePlan([]byte(`{"approach":"a","steps":["x"]}`), &fromJSON))
	assert.Equal(t, []string{"x"}, fromJSON.Steps)
}

func TestTableRender(t *testing.T) {
	tbl := newTable("ID", "STATUS")
	tbl.add("t-1", "pending")
	tbl.add("task-long", "done")
	var out bytes.Buffer
	tbl.render(&out)
	lines := strings.Split(strings.TrimRight(out.String(), "\n"), "\n")
	require.Len(t, lines, 3)
	assert.True(t, strings.HasPrefix(lines[2], "task-long"))
	assert.Equal(t, strings.Index(lines[1], "pending"), strings.Index(lines[2], "done"))

	out.Reset()
	newTable("ID").render(&out)
	assert.Contains(t, out.String(), "(none)")
}

func TestTaskCreateJSON(t *testing.T) {
	out, err := runCLI(t, "-o", "json", "task", "create", "--id", "t-cli", "--title", "from cli", "--gate", "plan_approval")
	require.NoError(t, err)
	var created task.Task
	require.NoError(t, json.Unmarshal([]byte(out), &created))
	assert.Equal(t, "t-cli", created.ID)
	assert.Equal(t, task.StatusPending, created.Status)
	assert.Equal(t, "plan_approval", created.CurrentGate)
}

func TestCommandErrors(t *testing.T) {
	_, err := runCLI(t, "task", "create")
	require.Error(t, err)

	_, err = runCLI(t, "route", "t-1", "--strategy", "coin_flip")
	require.Error(t, err)

	_, err = runCLI(t, "plan", "reject", "t-1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "--feedback")

	_, err = runCLI(t, "task", "show", "missing")
	require.Error(t, err)
}

func TestStatusCheckOnEmptyStore(t *testing.T) {
	out, err := runCLI(t, "status", "--check")
	require.NoError(t, err)
	assert.Contains(t, out, "Workers")
}
