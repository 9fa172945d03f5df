package engine_test

import (
	"bytes"
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	backend "github.com/redis/go-redis/v9"
	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/pvm/internal/behavior"
	"github.com/roach88/pvm/internal/config"
	"github.com/roach88/pvm/internal/engine"
	"github.com/roach88/pvm/internal/fault"
	"github.com/roach88/pvm/internal/jobs"
	"github.com/roach88/pvm/internal/runtime"
	"github.com/roach88/pvm/internal/store"
	"github.com/roach88/pvm/internal/testutil"
	"github.com/roach88/pvm/internal/wakeup"
)

// normalize renders trace events with execution ids replaced by e1, e2, ...
// in order of appearance.
func normalize(events []runtime.TraceEvent) []byte {
	aliases := map[string]string{}
	var b bytes.Buffer
	for _, e := range events {
		alias, ok := aliases[e.ExecutionID]
		if !ok {
			alias = fmt.Sprintf("e%d", len(aliases)+1)
			aliases[e.ExecutionID] = alias
		}
		e.ExecutionID = alias
		b.WriteString(e.String())
		b.WriteByte('\n')
	}
	return b.Bytes()
}

func TestEngine_ReceiveTaskTrace(t *testing.T) {
	env := testutil.NewEnv(t)
	env.DeployFiles(t, filepath.Join("testdata", "golden.yaml"))
	ctx := context.Background()

	pi := env.Start(t, "golden", nil)
	require.False(t, pi.Ended)
	assert.Equal(t, []string{"wait"}, env.ActiveActivities(t, pi.ID))

	require.NoError(t, env.Engine.Signal(ctx, pi.ID, "go", nil))

	recs, err := env.Engine.FindExecutions(ctx, store.ExecutionFilter{ProcessInstanceID: pi.ID})
	require.NoError(t, err)
	assert.Empty(t, recs)

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, "receive_trace", normalize(env.Trace.Events()))
}

func TestEngine_ParallelExecutionTree(t *testing.T) {
	env := testutil.NewEnv(t)
	env.DeployFiles(t, filepath.Join("testdata", "fork.cue"))
	ctx := context.Background()

	pi := env.Start(t, "fork", nil)
	tree, err := env.Engine.ExecutionTree(ctx, pi.ID)
	require.NoError(t, err)

	want := runtime.TreeNode{
		Scope: true,
		Children: []runtime.TreeNode{
			{ActivityID: "left", Active: true, Concurrent: true},
			{ActivityID: "right", Active: true, Concurrent: true},
		},
	}
	opts := cmp.Options{
		cmpopts.IgnoreFields(runtime.TreeNode{}, "ID"),
		cmpopts.SortSlices(func(a, b runtime.TreeNode) bool { return a.ActivityID < b.ActivityID }),
	}
	if diff := cmp.Diff(want, tree, opts); diff != "" {
		t.Errorf("execution tree mismatch (-want +got):\n%s", diff)
	}

	require.NoError(t, env.Engine.Signal(ctx, env.ExecutionAt(t, pi.ID, "left"), "", nil))

	// The left path waits at the join.
	tree, err = env.Engine.ExecutionTree(ctx, pi.ID)
	require.NoError(t, err)
	want.Children[0] = runtime.TreeNode{ActivityID: "join", Concurrent: true}
	if diff := cmp.Diff(want, tree, opts); diff != "" {
		t.Errorf("execution tree mismatch (-want +got):\n%s", diff)
	}

	require.NoError(t, env.Engine.Signal(ctx, env.ExecutionAt(t, pi.ID, "right"), "", nil))
	_, err = env.Engine.ExecutionTree(ctx, pi.ID)
	assert.True(t, fault.IsNotFound(err), "got %v", err)
}

func TestEngine_ExclusiveJobs(t *testing.T) {
	env := testutil.NewEnv(t)
	ctx := context.Background()

	var (
		mu  sync.Mutex
		ran int
	)
	env.Engine.Behaviors().MustRegisterDelegate("track", behavior.DelegateFunc(func(*runtime.Execution) error {
		mu.Lock()
		ran++
		mu.Unlock()
		return nil
	}))
	env.DeployFiles(t, filepath.Join("testdata", "exclusive.yaml"))

	pi := env.Start(t, "exclusive", nil)

	res, err := env.Engine.FindJobs(ctx, jobs.Query{})
	require.NoError(t, err)
	assert.EqualValues(t, 2, res.Total)
	for _, job := range res.Jobs {
		assert.True(t, job.Exclusive)
		assert.Equal(t, pi.ID, job.ProcessInstanceID)
	}

	env.WaitForJobExecutor(t, testutil.DefaultJobWait)

	assert.EqualValues(t, 0, env.JobCount(t, store.JobFilter{}))
	mu.Lock()
	assert.Equal(t, 2, ran)
	mu.Unlock()

	recs, err := env.Engine.FindExecutions(ctx, store.ExecutionFilter{ProcessInstanceID: pi.ID})
	require.NoError(t, err)
	assert.Empty(t, recs)
}

const timerProcess = `
processes:
  - key: timer
    activities:
      - {id: start, type: startEvent, initial: true, transitions: [{to: wait}]}
      - {id: wait, type: intermediateTimer, timer: {expression: P2DT5H70M}, transitions: [{to: end}]}
      - {id: end, type: endEvent}
`

func TestEngine_ExecuteTimerNow(t *testing.T) {
	env := testutil.NewEnv(t)
	env.Deploy(t, runtime.Resource{Name: "timer.yaml", Content: []byte(timerProcess)})
	ctx := context.Background()

	pi := env.Start(t, "timer", nil)

	res, err := env.Engine.FindJobs(ctx, jobs.Query{Filter: store.JobFilter{TimersOnly: true}})
	require.NoError(t, err)
	require.Len(t, res.Jobs, 1)
	timer := res.Jobs[0]
	assert.Equal(t, time.Date(2010, time.June, 13, 23, 33, 0, 0, time.UTC), timer.DueDate.UTC())
	assert.EqualValues(t, 0, env.JobCount(t, store.JobFilter{Executable: true}))

	require.NoError(t, env.Engine.ExecuteJob(ctx, timer.ID))

	assert.EqualValues(t, 0, env.JobCount(t, store.JobFilter{}))
	assert.Empty(t, env.ActiveActivities(t, pi.ID))

	err = env.Engine.ExecuteJob(ctx, timer.ID)
	assert.True(t, fault.IsNotFound(err), "got %v", err)
}

const failingProcess = `
processes:
  - key: failing
    activities:
      - {id: start, type: startEvent, initial: true, transitions: [{to: task}]}
      - id: task
        type: serviceTask
        async: true
        properties: {delegate: fail, message: boom}
        transitions: [{to: end}]
      - {id: end, type: endEvent}
`

func TestEngine_JobManagement(t *testing.T) {
	env := testutil.NewEnv(t)
	env.Deploy(t, runtime.Resource{Name: "failing.yaml", Content: []byte(failingProcess)})
	ctx := context.Background()

	pi := env.Start(t, "failing", nil)
	res, err := env.Engine.FindJobs(ctx, jobs.Query{Filter: store.JobFilter{ProcessInstanceID: pi.ID}})
	require.NoError(t, err)
	require.Len(t, res.Jobs, 1)
	id := res.Jobs[0].ID

	err = env.Engine.ExecuteJob(ctx, id)
	require.Error(t, err)
	assert.True(t, fault.IsHandlerFailure(err), "got %v", err)

	res, err = env.Engine.FindJobs(ctx, jobs.Query{Filter: store.JobFilter{ID: id}})
	require.NoError(t, err)
	require.Len(t, res.Jobs, 1)
	assert.Equal(t, jobs.DefaultRetries-1, res.Jobs[0].Retries)
	assert.Contains(t, res.Jobs[0].ExceptionMessage, "boom")
	assert.EqualValues(t, 1, env.JobCount(t, store.JobFilter{WithException: true}))

	require.NoError(t, env.Engine.SetJobRetries(ctx, id, 0))
	assert.EqualValues(t, 1, env.JobCount(t, store.JobFilter{NoRetriesLeft: true}))
	assert.EqualValues(t, 0, env.JobCount(t, store.JobFilter{Executable: true}))

	require.NoError(t, env.Engine.DeleteJobs(ctx, id))
	assert.EqualValues(t, 0, env.JobCount(t, store.JobFilter{}))

	err = env.Engine.DeleteJobs(ctx, id)
	assert.True(t, fault.IsNotFound(err), "got %v", err)

	n, err := promtest.GatherAndCount(env.Metrics, "pvm_commands_total")
	require.NoError(t, err)
	assert.Positive(t, n)
}

func TestEngine_Tables(t *testing.T) {
	env := testutil.NewEnv(t)
	ctx := context.Background()

	counts, err := env.Engine.TableCounts(ctx)
	require.NoError(t, err)
	assert.Len(t, counts, len(store.Tables))
	assert.Positive(t, counts[store.PropertyTable])

	md, err := env.Engine.TableMetadata(ctx, "jobs")
	require.NoError(t, err)
	var names []string
	for _, c := range md.Columns {
		names = append(names, c.Name)
	}
	assert.Contains(t, names, "retries")
	assert.Contains(t, names, "lock_owner")

	_, err = env.Engine.TableMetadata(ctx, "sqlite_master")
	assert.True(t, fault.IsNotFound(err), "got %v", err)

	assert.NoError(t, env.Engine.AssertClean(ctx))
}

func TestEngine_Clean(t *testing.T) {
	env := testutil.NewEnv(t)
	ctx := context.Background()

	// Deployed without registering, so only Clean removes it.
	_, err := env.Engine.Deploy(ctx, "unregistered", runtime.Resource{Name: "timer.yaml", Content: []byte(timerProcess)})
	require.NoError(t, err)
	env.Start(t, "timer", nil)

	err = env.Engine.AssertClean(ctx)
	require.Error(t, err)
	assert.True(t, fault.IsNotClean(err))
	assert.Contains(t, err.Error(), "jobs: 1 record(s)")

	require.NoError(t, env.Engine.Clean(ctx))
	assert.NoError(t, env.Engine.AssertClean(ctx))
}

const asyncProcess = `
processes:
  - key: async
    activities:
      - {id: start, type: startEvent, initial: true, transitions: [{to: task}]}
      - {id: task, type: serviceTask, async: true, properties: {delegate: noop}, transitions: [{to: end}]}
      - {id: end, type: endEvent}
`

func TestOpen_PublishesJobHints(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	cfg := config.Default()
	cfg.Database.Path = filepath.Join(t.TempDir(), "engine.db")
	cfg.Redis.Addr = mr.Addr()
	cfg.JobExecutor.Enabled = false
	cfg.JobExecutor.LockOwner = "node-a"

	e, err := engine.Open(cfg)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- e.Run(ctx) }()

	listener := backend.NewClient(&backend.Options{Addr: mr.Addr()})
	defer listener.Close()
	sub := listener.Subscribe(ctx, wakeup.DefaultChannel)
	defer sub.Close()
	_, err = sub.Receive(ctx)
	require.NoError(t, err)

	_, err = e.Deploy(ctx, "async", runtime.Resource{Name: "async.yaml", Content: []byte(asyncProcess)})
	require.NoError(t, err)
	pi, err := e.StartProcessInstanceByKey(ctx, "async", runtime.StartOptions{})
	require.NoError(t, err)

	select {
	case msg := <-sub.Channel():
		assert.Contains(t, msg.Payload, `"node":"node-a"`)
	case <-time.After(5 * time.Second):
		t.Fatal("no job hint published")
	}

	// The executor is disabled, so the job waits for an explicit run.
	res, err := e.FindJobs(ctx, jobs.Query{Filter: store.JobFilter{ProcessInstanceID: pi.ID}})
	require.NoError(t, err)
	require.Len(t, res.Jobs, 1)
	require.NoError(t, e.ExecuteJob(ctx, res.Jobs[0].ID))
	assert.NoError(t, e.Clean(ctx))
	assert.NoError(t, e.AssertClean(ctx))

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
	assert.NoError(t, e.Close())
	assert.NoError(t, e.Close())
}

func TestOpen_RejectsInvalidConfig(t *testing.T) {
	cfg := config.Default()
	cfg.JobExecutor.PoolSize = 0
	_, err := engine.Open(cfg)
	assert.True(t, fault.IsValidation(err), "got %v", err)
}
