package runtime

import (
	"context"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/roach88/pvm/internal/calendar"
	"github.com/roach88/pvm/internal/clock"
	"github.com/roach88/pvm/internal/command"
	"github.com/roach88/pvm/internal/fault"
	"github.com/roach88/pvm/internal/idgen"
	"github.com/roach88/pvm/internal/jobs"
	"github.com/roach88/pvm/internal/store"
)

var epoch = time.Date(2010, time.June, 11, 17, 23, 0, 0, time.UTC)

// Test behaviors. The built-in ones live in internal/behavior, which
// imports this package.

type passThrough struct{}

func (passThrough) Execute(ex *Execution) error { return ex.Leave() }

type waitState struct{}

func (waitState) Execute(*Execution) error { return nil }

func (waitState) Signal(ex *Execution, _ string, _ any) error { return ex.Leave() }

type endEvent struct{}

func (endEvent) Execute(ex *Execution) error { return ex.End() }

type parallelGateway struct{}

func (parallelGateway) Execute(ex *Execution) error {
	a := ex.Activity()
	ex.Inactivate()
	if err := ex.LockConcurrentRoot(); err != nil {
		return err
	}
	joined, err := ex.FindInactiveConcurrentExecutions(a)
	if err != nil {
		return err
	}
	if len(joined) < len(a.Incoming()) {
		return nil
	}
	return ex.TakeAll(a.Outgoing(), joined)
}

type subProcess struct{}

func (subProcess) Execute(ex *Execution) error { return ex.ExecuteActivity(ex.Activity().Initial()) }

func (subProcess) LastExecutionEnded(ex *Execution) error { return ex.Leave() }

type fixture struct {
	clock    *clock.Manual
	executor *command.Executor
	jobs     *jobs.Manager
	repo     *Repository
	rt       *Runtime
	trace    *Recorder

	mu       sync.Mutex
	builders map[string]*Builder
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	f := &fixture{
		clock:    clock.NewManual(epoch),
		trace:    &Recorder{},
		builders: map[string]*Builder{},
	}
	f.executor = command.NewExecutor(st,
		command.WithClock(f.clock),
		command.WithIDGenerator(idgen.NewSequence("id")),
	)
	f.jobs = jobs.NewManager(jobs.NewRegistry(), calendar.NewRegistry(f.clock))
	f.repo = NewRepository()
	f.repo.RegisterParser(".test", ParserFunc(f.parse))

	f.rt, err = New(f.jobs, f.repo, append([]Option{WithTracer(f.trace)}, opts...)...)
	require.NoError(t, err)
	return f
}

// parse builds the definition registered under the resource content.
func (f *fixture) parse(_ string, content []byte) ([]*ProcessDefinition, error) {
	f.mu.Lock()
	b, ok := f.builders[string(content)]
	f.mu.Unlock()
	if !ok {
		return nil, fault.Validation("unknown test process %q", content)
	}
	def, err := b.Build()
	if err != nil {
		return nil, err
	}
	return []*ProcessDefinition{def}, nil
}

func (f *fixture) deploy(t *testing.T, builders ...*Builder) *Deployment {
	t.Helper()
	var resources []Resource
	f.mu.Lock()
	for _, b := range builders {
		key := b.Spec().Key
		f.builders[key] = b
		resources = append(resources, Resource{Name: key + ".test", Content: []byte(key)})
	}
	f.mu.Unlock()
	res, err := f.executor.Execute(context.Background(), f.rt.Deploy("test", resources...))
	require.NoError(t, err)
	return res.(*Deployment)
}

func (f *fixture) exec(cmd command.Command) (any, error) {
	return f.executor.Execute(context.Background(), cmd)
}

func (f *fixture) start(t *testing.T, key string, opts StartOptions) ProcessInstance {
	t.Helper()
	res, err := f.exec(f.rt.StartProcessInstanceByKey(key, opts))
	require.NoError(t, err)
	return res.(ProcessInstance)
}

func (f *fixture) signal(t *testing.T, executionID string) {
	t.Helper()
	_, err := f.exec(f.rt.Signal(executionID, "", nil))
	require.NoError(t, err)
}

func (f *fixture) executions(t *testing.T, filter store.ExecutionFilter) []store.ExecutionRecord {
	t.Helper()
	res, err := f.exec(f.rt.FindExecutions(filter))
	require.NoError(t, err)
	return res.([]store.ExecutionRecord)
}

// executionAt returns the id of the only execution of pi at activityID.
func (f *fixture) executionAt(t *testing.T, pi, activityID string) string {
	t.Helper()
	recs := f.executions(t, store.ExecutionFilter{ProcessInstanceID: pi, ActivityID: activityID})
	require.Len(t, recs, 1, "executions at %s", activityID)
	return recs[0].ID
}

func (f *fixture) allJobs(t *testing.T) []store.JobRecord {
	t.Helper()
	res, err := f.exec(f.jobs.FindJobs(jobs.Query{}))
	require.NoError(t, err)
	return res.(jobs.QueryResult).Jobs
}

func (f *fixture) runJob(t *testing.T, id string) error {
	t.Helper()
	_, err := f.exec(f.jobs.ExecuteJob(id, true))
	return err
}

func (f *fixture) count(t *testing.T, table string) int {
	t.Helper()
	var n int
	require.NoError(t, f.executor.Store().DB().QueryRow("SELECT COUNT(*) FROM "+table).Scan(&n))
	return n
}

// ops returns the traced operation names, one per step.
func (f *fixture) ops() []string {
	var out []string
	for _, e := range f.trace.Events() {
		if !strings.HasPrefix(e.Detail, "listener") {
			out = append(out, e.Op)
		}
	}
	return out
}
