package behavior

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/pvm/internal/calendar"
	"github.com/roach88/pvm/internal/clock"
	"github.com/roach88/pvm/internal/command"
	"github.com/roach88/pvm/internal/fault"
	"github.com/roach88/pvm/internal/idgen"
	"github.com/roach88/pvm/internal/jobs"
	"github.com/roach88/pvm/internal/runtime"
	"github.com/roach88/pvm/internal/store"
)

var epoch = time.Date(2010, time.June, 11, 17, 23, 0, 0, time.UTC)

type fixture struct {
	executor *command.Executor
	jobs     *jobs.Manager
	rt       *runtime.Runtime
	registry *Registry

	mu       sync.Mutex
	builders map[string]*runtime.Builder
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	clk := clock.NewManual(epoch)
	f := &fixture{
		registry: NewRegistry(),
		builders: map[string]*runtime.Builder{},
	}
	f.executor = command.NewExecutor(st,
		command.WithClock(clk),
		command.WithIDGenerator(idgen.NewSequence("id")),
	)
	f.jobs = jobs.NewManager(jobs.NewRegistry(), calendar.NewRegistry(clk))
	repo := runtime.NewRepository()
	repo.RegisterParser(".test", runtime.ParserFunc(func(_ string, content []byte) ([]*runtime.ProcessDefinition, error) {
		f.mu.Lock()
		b := f.builders[string(content)]
		f.mu.Unlock()
		def, err := b.Build()
		if err != nil {
			return nil, err
		}
		return []*runtime.ProcessDefinition{def}, nil
	}))
	f.rt, err = runtime.New(f.jobs, repo)
	require.NoError(t, err)
	return f
}

func (f *fixture) exec(cmd command.Command) (any, error) {
	return f.executor.Execute(context.Background(), cmd)
}

func (f *fixture) deploy(t *testing.T, b *runtime.Builder) {
	t.Helper()
	key := b.Spec().Key
	f.mu.Lock()
	f.builders[key] = b
	f.mu.Unlock()
	_, err := f.exec(f.rt.Deploy("test", runtime.Resource{Name: key + ".test", Content: []byte(key)}))
	require.NoError(t, err)
}

func (f *fixture) start(t *testing.T, key string, vars map[string]any) runtime.ProcessInstance {
	t.Helper()
	res, err := f.exec(f.rt.StartProcessInstanceByKey(key, runtime.StartOptions{Variables: vars}))
	require.NoError(t, err)
	return res.(runtime.ProcessInstance)
}

// activities returns the activity ids of the active executions of pi.
func (f *fixture) activities(t *testing.T, pi string) []string {
	t.Helper()
	res, err := f.exec(f.rt.FindExecutions(store.ExecutionFilter{ProcessInstanceID: pi}))
	require.NoError(t, err)
	var out []string
	for _, rec := range res.([]store.ExecutionRecord) {
		if rec.Active && rec.ActivityID != "" {
			out = append(out, rec.ActivityID)
		}
	}
	return out
}

func (f *fixture) executionAt(t *testing.T, pi, activity string) string {
	t.Helper()
	res, err := f.exec(f.rt.FindExecutions(store.ExecutionFilter{ProcessInstanceID: pi, ActivityID: activity}))
	require.NoError(t, err)
	recs := res.([]store.ExecutionRecord)
	require.Len(t, recs, 1)
	return recs[0].ID
}

func (f *fixture) allJobs(t *testing.T) []store.JobRecord {
	t.Helper()
	res, err := f.exec(f.jobs.FindJobs(jobs.Query{}))
	require.NoError(t, err)
	return res.(jobs.QueryResult).Jobs
}

func (f *fixture) variable(t *testing.T, pi, name string) any {
	t.Helper()
	res, err := f.exec(f.rt.Variables(pi, false))
	require.NoError(t, err)
	return res.(map[string]any)[name]
}

func (f *fixture) behavior(t *testing.T, typ string, props map[string]string) runtime.ActivityBehavior {
	t.Helper()
	b, err := f.registry.Behavior(typ, props)
	require.NoError(t, err)
	return b
}

func mustCondition(t *testing.T, expr string) *Comparison {
	t.Helper()
	c, err := ParseCondition(expr)
	require.NoError(t, err)
	return c
}

func approvalProcess(t *testing.T) *runtime.Builder {
	return runtime.NewBuilder("approval").
		Activity("start", StartEvent{}).Initial().Transition("decide").
		Activity("decide", ExclusiveGateway{}).Property("default", "fallback").
		TransitionID("big", "review").Condition(mustCondition(t, "amount >= 1000")).
		TransitionID("fallback", "archive").
		TransitionID("small", "accept").Condition(mustCondition(t, "amount < 1000")).
		Activity("review", ReceiveTask{}).Transition("end").
		Activity("accept", ReceiveTask{}).Transition("end").
		Activity("archive", ReceiveTask{}).Transition("end").
		Activity("end", EndEvent{})
}

func TestExclusiveGateway_TakesFirstMatchingTransition(t *testing.T) {
	f := newFixture(t)
	f.deploy(t, approvalProcess(t))

	pi := f.start(t, "approval", map[string]any{"amount": 5000})
	assert.Equal(t, []string{"review"}, f.activities(t, pi.ID))

	pi = f.start(t, "approval", map[string]any{"amount": 12.5})
	assert.Equal(t, []string{"accept"}, f.activities(t, pi.ID))
}

func TestExclusiveGateway_DefaultTransition(t *testing.T) {
	f := newFixture(t)
	f.deploy(t, approvalProcess(t))

	// Neither comparison holds for a missing variable.
	pi := f.start(t, "approval", nil)
	assert.Equal(t, []string{"archive"}, f.activities(t, pi.ID))
}

func TestExclusiveGateway_NoTransitionSelected(t *testing.T) {
	f := newFixture(t)
	f.deploy(t, runtime.NewBuilder("stuck").
		Activity("start", StartEvent{}).Initial().Transition("decide").
		Activity("decide", ExclusiveGateway{}).
		Transition("end").Condition(mustCondition(t, "go == true")).
		Activity("end", EndEvent{}))

	_, err := f.exec(f.rt.StartProcessInstanceByKey("stuck", runtime.StartOptions{}))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no outgoing transition selected")

	_, err = f.exec(f.rt.StartProcessInstanceByKey("stuck", runtime.StartOptions{
		Variables: map[string]any{"go": "yes"},
	}))
	require.Error(t, err)
	assert.True(t, fault.IsValidation(err), "got %v", err)
}

func TestParallelGateway_ForkAndJoin(t *testing.T) {
	f := newFixture(t)
	f.deploy(t, runtime.NewBuilder("parallel").
		Activity("start", StartEvent{}).Initial().Transition("fork").
		Activity("fork", ParallelGateway{}).Transition("ship").Transition("bill").
		Activity("ship", ReceiveTask{}).Transition("join").
		Activity("bill", ReceiveTask{}).Transition("join").
		Activity("join", ParallelGateway{}).Transition("done").
		Activity("done", ReceiveTask{}))

	pi := f.start(t, "parallel", nil)
	assert.ElementsMatch(t, []string{"ship", "bill"}, f.activities(t, pi.ID))

	_, err := f.exec(f.rt.Signal(f.executionAt(t, pi.ID, "ship"), "", nil))
	require.NoError(t, err)
	assert.Equal(t, []string{"bill"}, f.activities(t, pi.ID))

	_, err = f.exec(f.rt.Signal(f.executionAt(t, pi.ID, "bill"), "", nil))
	require.NoError(t, err)
	assert.Equal(t, []string{"done"}, f.activities(t, pi.ID))
	assert.Equal(t, pi.ID, f.executionAt(t, pi.ID, "done"))
}

func TestParallelGateway_WithoutOutgoingTransitionIsFatal(t *testing.T) {
	f := newFixture(t)
	f.deploy(t, runtime.NewBuilder("dead-end").
		Activity("start", StartEvent{}).Initial().Transition("fork").
		Activity("fork", ParallelGateway{}))

	_, err := f.exec(f.rt.StartProcessInstanceByKey("dead-end", runtime.StartOptions{}))
	require.Error(t, err)
	assert.True(t, fault.IsFatal(err), "got %v", err)
	assert.Contains(t, err.Error(), "fork")
}

func TestServiceTask_RunsDelegate(t *testing.T) {
	f := newFixture(t)
	f.deploy(t, runtime.NewBuilder("service").
		Activity("start", StartEvent{}).Initial().Transition("mark").
		Activity("mark", f.behavior(t, TypeServiceTask, map[string]string{"delegate": "setVar"})).
		Property("variable", "approved").Property("value", "true").
		Transition("log").
		Activity("log", f.behavior(t, TypeServiceTask, map[string]string{"delegate": "log"})).
		Property("message", "approved").
		Transition("wait").
		Activity("wait", ReceiveTask{}))

	pi := f.start(t, "service", nil)
	assert.Equal(t, true, f.variable(t, pi.ID, "approved"))
}

func TestServiceTask_FailureRollsBackStart(t *testing.T) {
	f := newFixture(t)
	f.deploy(t, runtime.NewBuilder("failing").
		Activity("start", StartEvent{}).Initial().Transition("boom").
		Activity("boom", f.behavior(t, TypeServiceTask, map[string]string{"delegate": "fail"})).
		Property("message", "payment declined").
		Transition("end").
		Activity("end", EndEvent{}))

	_, err := f.exec(f.rt.StartProcessInstanceByKey("failing", runtime.StartOptions{}))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "service task boom: payment declined")

	res, err := f.exec(f.rt.FindExecutions(store.ExecutionFilter{}))
	require.NoError(t, err)
	assert.Empty(t, res)
}

func TestSendTask_RunsDelegateInMessageJob(t *testing.T) {
	f := newFixture(t)
	f.deploy(t, runtime.NewBuilder("send").
		Activity("start", StartEvent{}).Initial().Transition("notify").
		Activity("notify", f.behavior(t, TypeSendTask, map[string]string{"delegate": "setVar"})).Scope().
		Property("variable", "sent").Property("value", "'yes'").
		Transition("wait").
		Activity("wait", ReceiveTask{}))

	pi := f.start(t, "send", nil)
	assert.Equal(t, []string{"notify"}, f.activities(t, pi.ID))
	assert.Nil(t, f.variable(t, pi.ID, "sent"))

	js := f.allJobs(t)
	require.Len(t, js, 1)
	assert.Equal(t, store.KindMessage, js[0].Kind)
	assert.Equal(t, runtime.MessageSignalHandler, js[0].HandlerType)
	assert.Equal(t, MessageSignal, js[0].HandlerConfig)

	_, err := f.exec(f.jobs.ExecuteJob(js[0].ID, true))
	require.NoError(t, err)
	assert.Equal(t, []string{"wait"}, f.activities(t, pi.ID))
	assert.Equal(t, "yes", f.variable(t, pi.ID, "sent"))
	assert.Empty(t, f.allJobs(t))
}

func TestSendTask_FailingDelegateCostsARetry(t *testing.T) {
	f := newFixture(t)
	f.deploy(t, runtime.NewBuilder("send").
		Activity("start", StartEvent{}).Initial().Transition("notify").
		Activity("notify", f.behavior(t, TypeSendTask, map[string]string{"delegate": "fail"})).Scope().
		Property("message", "mail server down").
		Transition("end").
		Activity("end", EndEvent{}))

	pi := f.start(t, "send", nil)
	js := f.allJobs(t)
	require.Len(t, js, 1)

	_, err := f.exec(f.jobs.ExecuteJob(js[0].ID, true))
	require.Error(t, err)
	assert.True(t, fault.IsHandlerFailure(err))

	js = f.allJobs(t)
	require.Len(t, js, 1)
	assert.Equal(t, jobs.DefaultRetries-1, js[0].Retries)
	assert.Contains(t, js[0].ExceptionMessage, "mail server down")
	assert.Equal(t, []string{"notify"}, f.activities(t, pi.ID))
}

func TestIntermediateTimer_LeavesWhenTimerFires(t *testing.T) {
	f := newFixture(t)
	f.deploy(t, runtime.NewBuilder("timer").
		Activity("start", StartEvent{}).Initial().Transition("wait").
		Activity("wait", IntermediateTimer{}).Scope().Timer(calendar.Duration, "P2DT5H70M").Transition("end").
		Activity("end", EndEvent{}))

	pi := f.start(t, "timer", nil)
	js := f.allJobs(t)
	require.Len(t, js, 1)
	assert.Equal(t, store.KindTimer, js[0].Kind)
	assert.Equal(t, time.Date(2010, time.June, 13, 23, 33, 0, 0, time.UTC), js[0].DueDate)

	_, err := f.exec(f.jobs.ExecuteJob(js[0].ID, true))
	require.NoError(t, err)
	assert.Empty(t, f.allJobs(t))
	assert.Empty(t, f.activities(t, pi.ID))
}

func TestIntermediateTimer_ManualSignalCancelsTimer(t *testing.T) {
	f := newFixture(t)
	f.deploy(t, runtime.NewBuilder("timer").
		Activity("start", StartEvent{}).Initial().Transition("wait").
		Activity("wait", IntermediateTimer{}).Scope().Timer(calendar.Duration, "PT1H").Transition("next").
		Activity("next", ReceiveTask{}))

	pi := f.start(t, "timer", nil)
	require.Len(t, f.allJobs(t), 1)

	_, err := f.exec(f.rt.Signal(f.executionAt(t, pi.ID, "wait"), "", nil))
	require.NoError(t, err)
	assert.Empty(t, f.allJobs(t))
	assert.Equal(t, []string{"next"}, f.activities(t, pi.ID))
}

func TestReceiveTask_SignalStoresPayload(t *testing.T) {
	f := newFixture(t)
	f.deploy(t, runtime.NewBuilder("receive").
		Activity("start", StartEvent{}).Initial().Transition("wait").
		Activity("wait", ReceiveTask{}).Transition("after").
		Activity("after", ReceiveTask{}))

	pi := f.start(t, "receive", nil)
	_, err := f.exec(f.rt.Signal(pi.ID, "", map[string]any{"answer": 42}))
	require.NoError(t, err)
	assert.Equal(t, 42, f.variable(t, pi.ID, "answer"))
	assert.Equal(t, []string{"after"}, f.activities(t, pi.ID))
}

func TestSubProcess_LeavesAfterLastInnerPath(t *testing.T) {
	f := newFixture(t)
	f.deploy(t, runtime.NewBuilder("nested").
		Activity("start", StartEvent{}).Initial().Transition("sub").
		SubProcess("sub", SubProcess{}).
		Activity("inner", ReceiveTask{}).Initial().Transition("innerEnd").
		Activity("innerEnd", EndEvent{}).
		EndSubProcess().Transition("after").
		Activity("timeout", BoundaryTimer{}).AttachedTo("sub").Timer(calendar.Duration, "PT1H").Transition("after").
		Activity("after", ReceiveTask{}))

	pi := f.start(t, "nested", nil)
	assert.Equal(t, []string{"inner"}, f.activities(t, pi.ID))
	require.Len(t, f.allJobs(t), 1)

	_, err := f.exec(f.rt.Signal(f.executionAt(t, pi.ID, "inner"), "", nil))
	require.NoError(t, err)
	assert.Equal(t, []string{"after"}, f.activities(t, pi.ID))
	assert.Empty(t, f.allJobs(t))
}

func TestBoundaryTimer_InterruptsSubProcess(t *testing.T) {
	f := newFixture(t)
	f.deploy(t, runtime.NewBuilder("nested").
		Activity("start", StartEvent{}).Initial().Transition("sub").
		SubProcess("sub", SubProcess{}).
		Activity("inner", ReceiveTask{}).Initial().
		EndSubProcess().Transition("done").
		Activity("timeout", BoundaryTimer{}).AttachedTo("sub").Timer(calendar.Duration, "PT1H").Transition("escalated").
		Activity("done", ReceiveTask{}).
		Activity("escalated", ReceiveTask{}))

	pi := f.start(t, "nested", nil)
	js := f.allJobs(t)
	require.Len(t, js, 1)
	assert.Equal(t, runtime.TimerBoundaryHandler, js[0].HandlerType)

	_, err := f.exec(f.jobs.ExecuteJob(js[0].ID, true))
	require.NoError(t, err)
	assert.Equal(t, []string{"escalated"}, f.activities(t, pi.ID))
}

func TestListeners_Builtins(t *testing.T) {
	f := newFixture(t)
	setVar, err := f.registry.Listener("setVar", map[string]string{"variable": "visited", "value": "3"})
	require.NoError(t, err)
	logL, err := f.registry.Listener("log", map[string]string{"message": "entering"})
	require.NoError(t, err)

	f.deploy(t, runtime.NewBuilder("listen").
		Activity("start", StartEvent{}).Initial().Transition("wait").TakeListener(logL).
		Activity("wait", ReceiveTask{}).Listener(runtime.EventStart, setVar))

	pi := f.start(t, "listen", nil)
	assert.Equal(t, 3, f.variable(t, pi.ID, "visited"))

	_, err = f.registry.Listener("missing", nil)
	assert.True(t, fault.IsValidation(err))
	_, err = f.registry.Listener("setVar", map[string]string{"value": "1"})
	assert.True(t, fault.IsValidation(err))
}

func TestRegistry_Behavior(t *testing.T) {
	r := NewRegistry()
	assert.Equal(t, []string{"fail", "log", "noop", "setVar"}, r.Delegates())

	b, err := r.Behavior(TypeParallelGateway, nil)
	require.NoError(t, err)
	assert.IsType(t, ParallelGateway{}, b)

	b, err = r.Behavior(TypeSendTask, map[string]string{"delegate": "noop"})
	require.NoError(t, err)
	assert.Implements(t, (*runtime.SignallableBehavior)(nil), b)

	_, err = r.Behavior(TypeServiceTask, map[string]string{"delegate": "unknown"})
	assert.True(t, fault.IsValidation(err))
	_, err = r.Behavior("userTask", nil)
	assert.True(t, fault.IsValidation(err))

	require.Error(t, r.RegisterDelegate("noop", DelegateFunc(func(*runtime.Execution) error { return nil })))
	require.NoError(t, r.RegisterDelegate("custom", DelegateFunc(func(*runtime.Execution) error { return nil })))
	_, ok := r.Delegate("custom")
	assert.True(t, ok)

	assert.True(t, NeedsScope(TypeIntermediateTimer))
	assert.True(t, NeedsScope(TypeSendTask))
	assert.False(t, NeedsScope(TypeReceiveTask))
}
