// Package testutil sets up engines for tests.
//
// An Env is an engine over a fresh database with a manual clock, sequential
// ids and an in-memory trace. Deployments made through the Env are removed
// when the test ends, after which the database must be clean: any row left
// behind fails the test with a "Database not clean" error.
package testutil

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/pvm/internal/clock"
	"github.com/roach88/pvm/internal/engine"
	"github.com/roach88/pvm/internal/idgen"
	"github.com/roach88/pvm/internal/jobexecutor"
	"github.com/roach88/pvm/internal/runtime"
	"github.com/roach88/pvm/internal/store"
)

// Epoch is the initial time of an Env clock.
var Epoch = time.Date(2010, time.June, 11, 17, 23, 0, 0, time.UTC)

// DefaultJobWait bounds WaitForJobExecutor.
const DefaultJobWait = 10 * time.Second

// Env is an engine under test.
type Env struct {
	Engine  *engine.Engine
	Clock   *clock.Manual
	Trace   *runtime.Recorder
	Metrics *prometheus.Registry

	mu          sync.Mutex
	deployments []string
	skipCheck   bool
}

// NewEnv creates an Env. opts are applied after the Env defaults.
func NewEnv(t *testing.T, opts ...engine.Option) *Env {
	t.Helper()

	st, err := store.Open(filepath.Join(t.TempDir(), "engine.db"))
	require.NoError(t, err)

	env := &Env{
		Clock:   clock.NewManual(Epoch),
		Trace:   &runtime.Recorder{},
		Metrics: prometheus.NewRegistry(),
	}
	all := append([]engine.Option{
		engine.WithClock(env.Clock),
		engine.WithIDGenerator(idgen.NewSequence("id")),
		engine.WithTracer(env.Trace),
		engine.WithMetrics(env.Metrics),
		engine.WithJobExecutorOptions(
			jobexecutor.WithLockOwner("test-executor"),
			jobexecutor.WithWaitTime(20*time.Millisecond),
		),
	}, opts...)
	env.Engine, err = engine.New(st, all...)
	require.NoError(t, err)

	t.Cleanup(func() {
		env.tearDown(t)
		assert.NoError(t, st.Close())
	})
	return env
}

// SkipCleanCheck disables the clean-database check at the end of the test.
func (env *Env) SkipCleanCheck() {
	env.mu.Lock()
	defer env.mu.Unlock()
	env.skipCheck = true
}

// RegisterDeployment deletes the deployment with its instances when the
// test ends.
func (env *Env) RegisterDeployment(id string) {
	env.mu.Lock()
	defer env.mu.Unlock()
	env.deployments = append(env.deployments, id)
}

// Deploy deploys inline resources and registers the deployment.
func (env *Env) Deploy(t *testing.T, resources ...runtime.Resource) *runtime.Deployment {
	t.Helper()
	d, err := env.Engine.Deploy(context.Background(), t.Name(), resources...)
	require.NoError(t, err)
	env.RegisterDeployment(d.ID)
	return d
}

// DeployFiles deploys definition files and registers the deployment.
func (env *Env) DeployFiles(t *testing.T, paths ...string) *runtime.Deployment {
	t.Helper()
	d, err := env.Engine.DeployFiles(context.Background(), t.Name(), paths...)
	require.NoError(t, err)
	env.RegisterDeployment(d.ID)
	return d
}

// Start starts the latest version of process key.
func (env *Env) Start(t *testing.T, key string, vars map[string]any) runtime.ProcessInstance {
	t.Helper()
	pi, err := env.Engine.StartProcessInstanceByKey(context.Background(), key, runtime.StartOptions{Variables: vars})
	require.NoError(t, err)
	return pi
}

// ActiveActivities returns the activity ids of the active executions of a
// process instance.
func (env *Env) ActiveActivities(t *testing.T, processInstanceID string) []string {
	t.Helper()
	recs, err := env.Engine.FindExecutions(context.Background(), store.ExecutionFilter{ProcessInstanceID: processInstanceID})
	require.NoError(t, err)
	var out []string
	for _, rec := range recs {
		if rec.Active && rec.ActivityID != "" {
			out = append(out, rec.ActivityID)
		}
	}
	return out
}

// ExecutionAt returns the id of the only execution of a process instance
// at activity.
func (env *Env) ExecutionAt(t *testing.T, processInstanceID, activity string) string {
	t.Helper()
	recs, err := env.Engine.FindExecutions(context.Background(), store.ExecutionFilter{
		ProcessInstanceID: processInstanceID,
		ActivityID:        activity,
	})
	require.NoError(t, err)
	require.Len(t, recs, 1, "executions at %s", activity)
	return recs[0].ID
}

// JobCount returns the number of jobs matching f.
func (env *Env) JobCount(t *testing.T, f store.JobFilter) int64 {
	t.Helper()
	n, err := env.Engine.CountJobs(context.Background(), f)
	require.NoError(t, err)
	return n
}

// StartJobExecutor runs the engine until the test ends.
func (env *Env) StartJobExecutor(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- env.Engine.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		assert.ErrorIs(t, <-done, context.Canceled)
	})
}

// WaitForJobExecutor runs the job executor until no executable job is
// left, then stops it. The test fails when jobs remain after timeout.
func (env *Env) WaitForJobExecutor(t *testing.T, timeout time.Duration) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- env.Engine.Run(ctx) }()
	defer func() {
		cancel()
		assert.ErrorIs(t, <-done, context.Canceled)
	}()

	require.Eventually(t, func() bool {
		n, err := env.Engine.CountJobs(ctx, store.JobFilter{Executable: true})
		return err == nil && n == 0
	}, timeout, 10*time.Millisecond, "job executor did not process all jobs")
}

func (env *Env) tearDown(t *testing.T) {
	t.Helper()
	ctx := context.Background()

	env.mu.Lock()
	ids, skip := env.deployments, env.skipCheck
	env.deployments = nil
	env.mu.Unlock()

	for _, id := range ids {
		assert.NoError(t, env.Engine.DeleteDeployment(ctx, id, true), "delete deployment %s", id)
	}
	if !skip {
		assert.NoError(t, env.Engine.AssertClean(ctx))
	}
}
