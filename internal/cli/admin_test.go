package cli

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const reviewProcess = `
processes:
  - key: review
    activities:
      - {id: start, type: startEvent, initial: true, transitions: [{to: approve}]}
      - id: approve
        type: receiveTask
        transitions: [{to: cool}]
      - id: cool
        type: intermediateTimer
        timer: {expression: PT1H}
        transitions: [{to: end}]
      - {id: end, type: endEvent}
`

func TestAdminWorkflow(t *testing.T) {
	dir := t.TempDir()
	db := filepath.Join(dir, "pvm.db")
	def := writeFile(t, dir, "review.yaml", reviewProcess)
	pvm := func(args ...string) (string, error) {
		return execute(t, append([]string{"--db", db, "--format", "json"}, args...)...)
	}

	out, err := pvm("deploy", def, "--name", "reviews")
	require.NoError(t, err)
	var deployed DeployResult
	decodeData(t, out, &deployed)
	assert.Equal(t, "reviews", deployed.Name)
	require.Len(t, deployed.Definitions, 1)
	assert.Equal(t, "review", deployed.Definitions[0].Key)
	assert.Equal(t, 1, deployed.Definitions[0].Version)

	out, err = pvm("start", "review", "--var", "amount=5000", "--var", "owner='ops'", "--business-key", "R-1")
	require.NoError(t, err)
	var started StartResult
	decodeData(t, out, &started)
	assert.False(t, started.Ended)
	assert.Equal(t, "R-1", started.BusinessKey)
	assert.Equal(t, []string{"approve"}, started.Activities)

	out, err = pvm("instances", "list")
	require.NoError(t, err)
	var instances InstanceList
	decodeData(t, out, &instances)
	require.Len(t, instances.Instances, 1)
	assert.Equal(t, started.ID, instances.Instances[0].ID)

	_, err = pvm("signal", started.ID, "--data", "{approved: true}")
	require.NoError(t, err)

	out, err = pvm("instances", "variables", started.ID)
	require.NoError(t, err)
	var vars VariablesResult
	decodeData(t, out, &vars)
	assert.EqualValues(t, 5000, vars.Variables["amount"])
	assert.Equal(t, "ops", vars.Variables["owner"])
	assert.Equal(t, true, vars.Variables["approved"])

	out, err = pvm("jobs", "list", "--timers")
	require.NoError(t, err)
	var timers JobList
	decodeData(t, out, &timers)
	require.Len(t, timers.Jobs, 1)
	assert.EqualValues(t, 1, timers.Total)
	assert.Equal(t, "timer", timers.Jobs[0].Kind)
	assert.NotNil(t, timers.Jobs[0].DueDate)

	// The timer is an hour away, so nothing is executable yet.
	out, err = pvm("jobs", "list", "--executable")
	require.NoError(t, err)
	var executable JobList
	decodeData(t, out, &executable)
	assert.Empty(t, executable.Jobs)

	_, err = pvm("jobs", "execute", timers.Jobs[0].ID)
	require.NoError(t, err)

	out, err = pvm("instances", "list")
	require.NoError(t, err)
	decodeData(t, out, &instances)
	assert.Empty(t, instances.Instances)

	_, err = pvm("jobs", "execute", timers.Jobs[0].ID)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))

	// The deployment is left behind.
	out, err = pvm("tables", "check")
	require.Error(t, err)
	assert.Contains(t, out, "DATABASE_NOT_CLEAN")
	assert.Contains(t, out, "deployments: 1 record(s)")

	out, err = pvm("deployments", "list")
	require.NoError(t, err)
	var deployments DeploymentList
	decodeData(t, out, &deployments)
	require.Len(t, deployments.Deployments, 1)
	assert.Equal(t, deployed.ID, deployments.Deployments[0].ID)

	_, err = pvm("deployments", "delete", deployed.ID)
	require.NoError(t, err)

	out, err = pvm("tables", "check")
	require.NoError(t, err)
	assert.Contains(t, out, "Database clean")
}

func TestInstanceManagement(t *testing.T) {
	dir := t.TempDir()
	db := filepath.Join(dir, "pvm.db")
	def := writeFile(t, dir, "review.yaml", reviewProcess)
	pvm := func(args ...string) (string, error) {
		return execute(t, append([]string{"--db", db, "--format", "json"}, args...)...)
	}

	out, err := pvm("deploy", def)
	require.NoError(t, err)
	var deployed DeployResult
	decodeData(t, out, &deployed)

	out, err = pvm("start", "review")
	require.NoError(t, err)
	var started StartResult
	decodeData(t, out, &started)

	_, err = pvm("instances", "set", started.ID, "priority=2", "note=urgent")
	require.NoError(t, err)
	out, err = pvm("instances", "variables", started.ID, "--local")
	require.NoError(t, err)
	var vars VariablesResult
	decodeData(t, out, &vars)
	assert.EqualValues(t, 2, vars.Variables["priority"])
	assert.Equal(t, "urgent", vars.Variables["note"])

	out, err = pvm("instances", "tree", started.ID)
	require.NoError(t, err)
	assert.Contains(t, out, "approve")

	// Running instances keep the deployment.
	_, err = pvm("deployments", "delete", deployed.ID)
	require.Error(t, err)

	_, err = pvm("instances", "delete", started.ID, "--reason", "test")
	require.NoError(t, err)
	_, err = pvm("deployments", "delete", deployed.ID, "--cascade")
	require.NoError(t, err)

	out, err = pvm("start", "review")
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, out, "VALIDATION")
}

func TestTablesOutput(t *testing.T) {
	db := filepath.Join(t.TempDir(), "pvm.db")

	out, err := execute(t, "--db", db, "tables")
	require.NoError(t, err)
	assert.Contains(t, out, "TABLE")
	assert.Contains(t, out, "executions")
	assert.Contains(t, out, "jobs")

	out, err = execute(t, "--db", db, "--format", "json", "tables", "metadata", "jobs")
	require.NoError(t, err)
	var layout TableLayout
	decodeData(t, out, &layout)
	assert.Equal(t, "jobs", layout.Name)
	var names []string
	for _, c := range layout.Columns {
		names = append(names, c.Name)
	}
	assert.Contains(t, names, "due_date")
	assert.Contains(t, names, "lock_owner")

	out, err = execute(t, "--db", db, "tables", "metadata", "nope")
	require.Error(t, err)
	assert.Contains(t, out, "NOT_FOUND")
}

func TestParseAssignments(t *testing.T) {
	vars, err := parseAssignments([]string{"n=42", "f=1.5", "ok=true", "s='quoted'", "plain=hello", "empty="})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{
		"n":     int64(42),
		"f":     1.5,
		"ok":    true,
		"s":     "quoted",
		"plain": "hello",
		"empty": "",
	}, vars)

	_, err = parseAssignments([]string{"novalue"})
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}
