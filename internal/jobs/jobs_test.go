package jobs

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/dogmatiq/linger/backoff"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/pvm/internal/calendar"
	"github.com/roach88/pvm/internal/clock"
	"github.com/roach88/pvm/internal/command"
	"github.com/roach88/pvm/internal/fault"
	"github.com/roach88/pvm/internal/idgen"
	"github.com/roach88/pvm/internal/querysql"
	"github.com/roach88/pvm/internal/store"
)

var start = time.Date(2010, time.June, 11, 17, 23, 0, 0, time.UTC)

type fixture struct {
	clock    *clock.Manual
	executor *command.Executor
	manager  *Manager
	handlers *Registry

	mu       sync.Mutex
	notified []time.Time
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	f := &fixture{clock: clock.NewManual(start), handlers: NewRegistry()}
	f.executor = command.NewExecutor(st,
		command.WithClock(f.clock),
		command.WithIDGenerator(idgen.NewSequence("job")),
	)
	f.manager = NewManager(f.handlers, calendar.NewRegistry(f.clock), opts...)
	f.manager.SetNotifier(NotifierFunc(func(due time.Time) {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.notified = append(f.notified, due)
	}))
	return f
}

func (f *fixture) run(t *testing.T, cmd command.Command) any {
	t.Helper()
	res, err := f.executor.Execute(context.Background(), cmd)
	require.NoError(t, err)
	return res
}

func (f *fixture) create(t *testing.T, spec Spec) string {
	t.Helper()
	id, err := command.Run(context.Background(), f.executor, "create", func(cc *command.Context) (string, error) {
		job, err := f.manager.Create(cc, spec)
		if err != nil {
			return "", err
		}
		return job.ID(), nil
	})
	require.NoError(t, err)
	return id
}

func (f *fixture) job(t *testing.T, id string) (store.JobRecord, bool) {
	t.Helper()
	rec, ok, err := store.GetJob(context.Background(), f.executor.Store().DB(), id)
	require.NoError(t, err)
	return rec, ok
}

func (f *fixture) acquire(t *testing.T, max int) []Batch {
	t.Helper()
	return f.run(t, f.manager.AcquireJobs(AcquireRequest{
		LockOwner: "node-a",
		LockTime:  5 * time.Minute,
		MaxJobs:   max,
	})).([]Batch)
}

func message(handler string) Spec {
	return Spec{Kind: KindMessage, HandlerType: handler, Exclusive: true, ExecutionID: "e1", ProcessInstanceID: "pi-1"}
}

func TestCreateTimer_ResolvesDurationAndNotifiesAfterCommit(t *testing.T) {
	f := newFixture(t)

	id, err := command.Run(context.Background(), f.executor, "timer", func(cc *command.Context) (string, error) {
		job, err := f.manager.CreateTimer(cc, calendar.Duration, "P2DT5H70M", Spec{HandlerType: "timer-signal", ExecutionID: "e1"})
		if err != nil {
			return "", err
		}
		assert.Empty(t, f.notified, "notification must wait for commit")
		return job.ID(), nil
	})
	require.NoError(t, err)

	rec, ok := f.job(t, id)
	require.True(t, ok)
	want := time.Date(2010, time.June, 13, 23, 33, 0, 0, time.UTC)
	assert.Equal(t, want, rec.DueDate)
	assert.Equal(t, store.KindTimer, rec.Kind)
	assert.Equal(t, DefaultRetries, rec.Retries)
	assert.Equal(t, []time.Time{want}, f.notified)
}

func TestCreate_Validation(t *testing.T) {
	f := newFixture(t)

	tests := []struct {
		name string
		run  func(cc *command.Context) error
	}{
		{"timer without due date", func(cc *command.Context) error {
			_, err := f.manager.Create(cc, Spec{Kind: KindTimer, HandlerType: "x"})
			return err
		}},
		{"bad duration", func(cc *command.Context) error {
			_, err := f.manager.CreateTimer(cc, calendar.Duration, "P2X", Spec{HandlerType: "x"})
			return err
		}},
		{"unknown kind", func(cc *command.Context) error {
			_, err := f.manager.Create(cc, Spec{Kind: "cron", HandlerType: "x"})
			return err
		}},
		{"missing handler type", func(cc *command.Context) error {
			_, err := f.manager.Create(cc, Spec{Kind: KindMessage})
			return err
		}},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := f.executor.Execute(context.Background(), command.Func(tc.name, func(cc *command.Context) (any, error) {
				return nil, tc.run(cc)
			}))
			require.Error(t, err)
			assert.True(t, fault.IsValidation(err), "got %v", err)
		})
	}

	counts, err := store.TableCounts(context.Background(), f.executor.Store().DB())
	require.NoError(t, err)
	assert.Zero(t, counts["jobs"])
	assert.Empty(t, f.notified)
}

func TestExecuteJob_SuccessDeletesJob(t *testing.T) {
	f := newFixture(t)
	var ran []string
	f.handlers.MustRegister("ok", HandlerFunc(func(cc *command.Context, job *Job) error {
		ran = append(ran, job.ID())
		return nil
	}))

	id := f.create(t, message("ok"))
	f.run(t, f.manager.ExecuteJob(id, false))

	assert.Equal(t, []string{id}, ran)
	_, ok := f.job(t, id)
	assert.False(t, ok)

	// A vanished job is a no-op for the executor and NOT_FOUND for admins
	f.run(t, f.manager.ExecuteJob(id, false))
	_, err := f.executor.Execute(context.Background(), f.manager.ExecuteJob(id, true))
	assert.True(t, fault.IsNotFound(err))
}

func TestExecuteJob_FailureDecrementsRetriesWithoutBackoff(t *testing.T) {
	f := newFixture(t)
	f.handlers.MustRegister("fail", HandlerFunc(func(cc *command.Context, job *Job) error {
		// Work done before the failure must roll back
		if _, err := f.manager.Create(cc, message("ok")); err != nil {
			return err
		}
		return errors.New("boom")
	}))

	id := f.create(t, message("fail"))

	for want := 2; want >= 0; want-- {
		require.Len(t, f.acquire(t, 3), 1)
		_, err := f.executor.Execute(context.Background(), f.manager.ExecuteAcquiredJob("node-a", id))
		require.Error(t, err)
		assert.True(t, fault.IsHandlerFailure(err))

		rec, ok := f.job(t, id)
		require.True(t, ok)
		assert.Equal(t, want, rec.Retries)
		assert.Equal(t, DefaultRetries-want, rec.Failures)
		assert.Contains(t, rec.ExceptionMessage, "boom")
		assert.Empty(t, rec.LockOwner)
		assert.True(t, rec.LockExpiration.IsZero())
		assert.True(t, rec.DueDate.IsZero(), "due date unchanged")
	}

	counts, err := store.TableCounts(context.Background(), f.executor.Store().DB())
	require.NoError(t, err)
	assert.Equal(t, int64(1), counts["jobs"], "job stays queryable, rolled back work is gone")

	assert.Empty(t, f.acquire(t, 3), "retries 0 stops acquisition")
}

func TestExecuteJob_FatalErrorParksJob(t *testing.T) {
	f := newFixture(t)
	f.handlers.MustRegister("fatal", HandlerFunc(func(cc *command.Context, job *Job) error {
		return fault.Fatal("execution %s already in flight", job.ExecutionID())
	}))

	id := f.create(t, message("fatal"))
	_, err := f.executor.Execute(context.Background(), f.manager.ExecuteJob(id, false))
	require.Error(t, err)
	assert.True(t, fault.IsFatal(err))

	rec, _ := f.job(t, id)
	assert.Equal(t, 0, rec.Retries)

	// An unregistered handler type is fatal too
	id = f.create(t, message("unknown"))
	_, err = f.executor.Execute(context.Background(), f.manager.ExecuteJob(id, false))
	assert.True(t, fault.IsFatal(err))
	rec, _ = f.job(t, id)
	assert.Equal(t, 0, rec.Retries)
}

func TestDecrementRetries_ConflictOnlyReleasesLease(t *testing.T) {
	f := newFixture(t)
	id := f.create(t, message("ok"))
	require.Len(t, f.acquire(t, 3), 1)

	rec, _ := f.job(t, id)
	require.Equal(t, "node-a", rec.LockOwner)

	f.run(t, f.manager.DecrementRetries(id, "node-a", fault.Conflict("execution", "e1")))

	rec, _ = f.job(t, id)
	assert.Equal(t, DefaultRetries, rec.Retries)
	assert.Empty(t, rec.LockOwner)
	assert.Empty(t, rec.ExceptionMessage)
}

func TestExecuteAcquiredJob_LeaseMovedToAnotherOwner(t *testing.T) {
	f := newFixture(t)
	ran := 0
	f.handlers.MustRegister("fail", HandlerFunc(func(*command.Context, *Job) error {
		ran++
		return errors.New("boom")
	}))
	id := f.create(t, message("fail"))
	require.Len(t, f.acquire(t, 3), 1)

	// node-a stalls past its lease and node-b takes the job over
	f.clock.Advance(5*time.Minute + time.Millisecond)
	batches := f.run(t, f.manager.AcquireJobs(AcquireRequest{
		LockOwner: "node-b",
		LockTime:  5 * time.Minute,
		MaxJobs:   3,
	})).([]Batch)
	require.Len(t, batches, 1)

	// A late compensation from node-a must not touch node-b's lease
	f.run(t, f.manager.DecrementRetries(id, "node-a", errors.New("boom")))
	rec, _ := f.job(t, id)
	assert.Equal(t, "node-b", rec.LockOwner)
	assert.Equal(t, DefaultRetries, rec.Retries)
	assert.Zero(t, rec.Failures)
	assert.Empty(t, rec.ExceptionMessage)

	// node-a's execution is refused before the handler runs
	_, err := f.executor.Execute(context.Background(), f.manager.ExecuteAcquiredJob("node-a", id))
	require.Error(t, err)
	assert.True(t, fault.IsConflict(err), "got %v", err)
	assert.Zero(t, ran)
	rec, _ = f.job(t, id)
	assert.Equal(t, "node-b", rec.LockOwner)
	assert.Equal(t, DefaultRetries, rec.Retries)

	// node-b's own failure is charged to the job
	_, err = f.executor.Execute(context.Background(), f.manager.ExecuteAcquiredJob("node-b", id))
	require.Error(t, err)
	assert.True(t, fault.IsHandlerFailure(err))
	assert.Equal(t, 1, ran)
	rec, _ = f.job(t, id)
	assert.Empty(t, rec.LockOwner)
	assert.Equal(t, DefaultRetries-1, rec.Retries)
}

func TestExecuteJob_RefusesLiveLease(t *testing.T) {
	f := newFixture(t)
	ran := 0
	f.handlers.MustRegister("ok", HandlerFunc(func(*command.Context, *Job) error {
		ran++
		return nil
	}))
	id := f.create(t, message("ok"))
	require.Len(t, f.acquire(t, 3), 1)

	_, err := f.executor.Execute(context.Background(), f.manager.ExecuteJob(id, true))
	require.Error(t, err)
	assert.True(t, fault.IsConflict(err), "got %v", err)
	assert.Zero(t, ran)
	rec, ok := f.job(t, id)
	require.True(t, ok)
	assert.Equal(t, "node-a", rec.LockOwner)
	assert.Equal(t, DefaultRetries, rec.Retries)

	// An expired lease no longer protects the job
	f.clock.Advance(5*time.Minute + time.Millisecond)
	f.run(t, f.manager.ExecuteJob(id, true))
	assert.Equal(t, 1, ran)
	_, ok = f.job(t, id)
	assert.False(t, ok)
}

type recordingPolicy struct {
	failures []int
}

func (p *recordingPolicy) NextDueDate(job *Job, _ time.Time, failures int, _ error) time.Time {
	p.failures = append(p.failures, failures)
	return job.DueDate()
}

func TestDecrementRetries_CountsFailuresWithLargerBudgets(t *testing.T) {
	policy := &recordingPolicy{}
	f := newFixture(t, WithRetryPolicy(policy))
	f.handlers.MustRegister("fail", HandlerFunc(func(*command.Context, *Job) error {
		return errors.New("boom")
	}))

	spec := message("fail")
	spec.Retries = 10
	id := f.create(t, spec)
	for i := 0; i < 3; i++ {
		_, err := f.executor.Execute(context.Background(), f.manager.ExecuteJob(id, false))
		require.Error(t, err)
	}

	assert.Equal(t, []int{1, 2, 3}, policy.failures)
	rec, _ := f.job(t, id)
	assert.Equal(t, 7, rec.Retries)
	assert.Equal(t, 3, rec.Failures)

	f.run(t, f.manager.SetRetries(id, 5))
	rec, _ = f.job(t, id)
	assert.Zero(t, rec.Failures, "resetting retries starts a new failure count")
}

func TestExponentialBackoffPolicy(t *testing.T) {
	f := newFixture(t, WithRetryPolicy(ExponentialBackoff{Strategy: backoff.Constant(time.Minute)}))
	f.handlers.MustRegister("fail", HandlerFunc(func(*command.Context, *Job) error {
		return errors.New("boom")
	}))

	id := f.create(t, message("fail"))
	_, err := f.executor.Execute(context.Background(), f.manager.ExecuteJob(id, false))
	require.Error(t, err)

	rec, _ := f.job(t, id)
	assert.Equal(t, start.Add(time.Minute), rec.DueDate)
	assert.Empty(t, f.acquire(t, 3), "not due yet")

	f.clock.Advance(time.Minute)
	assert.Len(t, f.acquire(t, 3), 1)
}

func TestNewExponentialBackoff_Bounded(t *testing.T) {
	p := NewExponentialBackoff(time.Second, 10*time.Second)
	for failures := 1; failures <= 10; failures++ {
		due := p.NextDueDate(nil, start, failures, errors.New("boom"))
		assert.False(t, due.Before(start))
		assert.False(t, due.After(start.Add(10*time.Second)))
	}
}

func TestAcquireJobs_LeaseAndExpiry(t *testing.T) {
	f := newFixture(t)
	id := f.create(t, Spec{Kind: KindMessage, HandlerType: "ok"})

	batches := f.acquire(t, 3)
	require.Len(t, batches, 1)
	assert.Equal(t, []string{id}, batches[0].JobIDs)
	assert.False(t, batches[0].Exclusive)

	rec, _ := f.job(t, id)
	assert.Equal(t, "node-a", rec.LockOwner)
	assert.Equal(t, start.Add(5*time.Minute), rec.LockExpiration)

	assert.Empty(t, f.acquire(t, 3), "leased job is not acquired twice")

	f.clock.Advance(5*time.Minute + time.Millisecond)
	assert.Len(t, f.acquire(t, 3), 1, "expired lease makes the job acquirable")
}

func TestAcquireJobs_ExclusiveBatching(t *testing.T) {
	f := newFixture(t)
	a1 := f.create(t, message("ok"))
	a2 := f.create(t, message("ok"))
	other := Spec{Kind: KindMessage, HandlerType: "ok", Exclusive: true, ProcessInstanceID: "pi-2"}
	b1 := f.create(t, other)
	a3 := f.create(t, message("ok"))

	// a3 is beyond MaxJobs but joins its instance's exclusive batch
	batches := f.acquire(t, 3)
	require.Len(t, batches, 2)

	assert.True(t, batches[0].Exclusive)
	assert.Equal(t, "pi-1", batches[0].ProcessInstanceID)
	assert.Equal(t, []string{a1, a2, a3}, batches[0].JobIDs)
	assert.Equal(t, []string{b1}, batches[1].JobIDs)
}

func TestAcquireJobs_SkipsBusyInstances(t *testing.T) {
	f := newFixture(t)
	f.create(t, message("ok"))
	free := f.create(t, Spec{Kind: KindMessage, HandlerType: "ok", Exclusive: true, ProcessInstanceID: "pi-2"})

	batches := f.run(t, f.manager.AcquireJobs(AcquireRequest{
		LockOwner: "node-a",
		LockTime:  time.Minute,
		MaxJobs:   3,
		Busy:      func(pi string) bool { return pi == "pi-1" },
	})).([]Batch)

	require.Len(t, batches, 1)
	assert.Equal(t, []string{free}, batches[0].JobIDs)
}

func TestDeleteForExecution_IncludesPendingInserts(t *testing.T) {
	f := newFixture(t)
	persisted := f.create(t, message("ok"))
	keep := f.create(t, Spec{Kind: KindMessage, HandlerType: "ok", ExecutionID: "e2"})

	_, err := command.Run(context.Background(), f.executor, "cancel", func(cc *command.Context) (bool, error) {
		if _, err := f.manager.Create(cc, message("ok")); err != nil {
			return false, err
		}
		return true, f.manager.DeleteForExecution(cc, "e1")
	})
	require.NoError(t, err)

	_, ok := f.job(t, persisted)
	assert.False(t, ok)
	_, ok = f.job(t, keep)
	assert.True(t, ok)

	counts, err := store.TableCounts(context.Background(), f.executor.Store().DB())
	require.NoError(t, err)
	assert.Equal(t, int64(1), counts["jobs"])
}

func TestAdminCommands(t *testing.T) {
	f := newFixture(t)
	timer := f.create(t, Spec{Kind: KindTimer, HandlerType: "ok", DueDate: start.Add(time.Hour)})
	msg := f.create(t, message("ok"))

	res := f.run(t, f.manager.FindJobs(Query{Filter: store.JobFilter{TimersOnly: true}})).(QueryResult)
	assert.Equal(t, int64(1), res.Total)
	require.Len(t, res.Jobs, 1)
	assert.Equal(t, timer, res.Jobs[0].ID)

	res = f.run(t, f.manager.FindJobs(Query{Filter: store.JobFilter{Executable: true}, Page: querysql.Page{Max: 10}})).(QueryResult)
	assert.Equal(t, int64(1), res.Total, "only the message is due")

	next := f.run(t, f.manager.NextTimer()).(time.Time)
	assert.Equal(t, start.Add(time.Hour), next)

	f.run(t, f.manager.SetRetries(msg, 0))
	rec, _ := f.job(t, msg)
	assert.Equal(t, 0, rec.Retries)

	_, err := f.executor.Execute(context.Background(), f.manager.SetRetries(msg, -1))
	assert.True(t, fault.IsValidation(err))

	_, err = f.executor.Execute(context.Background(), f.manager.SetRetries("nope", 1))
	assert.True(t, fault.IsNotFound(err))

	_, err = f.executor.Execute(context.Background(), f.manager.DeleteJobs(msg, "nope"))
	assert.True(t, fault.IsNotFound(err))
	_, ok := f.job(t, msg)
	assert.True(t, ok, "failed delete rolls back as a whole")

	f.run(t, f.manager.DeleteJobs(msg, timer))
	_, ok = f.job(t, timer)
	assert.False(t, ok)

	next = f.run(t, f.manager.NextTimer()).(time.Time)
	assert.True(t, next.IsZero())
}

func TestUnlockJobs(t *testing.T) {
	f := newFixture(t)
	id := f.create(t, message("ok"))
	require.Len(t, f.acquire(t, 1), 1)

	f.run(t, f.manager.UnlockJobs("node-b", []string{id}))
	rec, _ := f.job(t, id)
	assert.Equal(t, "node-a", rec.LockOwner, "foreign lease untouched")

	f.run(t, f.manager.UnlockJobs("node-a", []string{id}))
	rec, _ = f.job(t, id)
	assert.Empty(t, rec.LockOwner)
	assert.Equal(t, DefaultRetries, rec.Retries)
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register("b", HandlerFunc(func(*command.Context, *Job) error { return nil })))
	require.NoError(t, r.Register("a", HandlerFunc(func(*command.Context, *Job) error { return nil })))
	assert.Error(t, r.Register("a", HandlerFunc(func(*command.Context, *Job) error { return nil })))

	_, ok := r.Get("a")
	assert.True(t, ok)
	_, ok = r.Get("c")
	assert.False(t, ok)
	assert.Equal(t, []string{"a", "b"}, r.Types())
}
