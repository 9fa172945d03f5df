// Package jobexecutor acquires due jobs and runs them on a bounded worker
// pool.
//
// One acquisition goroutine leases batches of jobs through the command
// executor and hands each batch to a worker. Every job runs in its own
// command; the jobs package records failures and retries. Exclusive
// batches hold all due exclusive jobs of one process instance and run
// sequentially, and instances with an exclusive batch in flight are
// skipped by later acquisitions.
//
// The busy-instance tracking only covers this executor. Executors of other
// engines sharing the database are kept apart by the acquisition queries,
// which skip exclusive jobs of an instance while another lock owner holds
// a live lease on one of its exclusive jobs. A job runs only while its
// lease is still held by this executor.
//
// Within one engine the store has a single SQLite connection and every job
// keeps its transaction open while the handler runs, so handlers of one
// engine never run at the same time. The pool overlaps acquisition and
// retry bookkeeping with the running job.
package jobexecutor

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/dogmatiq/linger"
	"github.com/dogmatiq/linger/backoff"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/roach88/pvm/internal/command"
	"github.com/roach88/pvm/internal/fault"
	"github.com/roach88/pvm/internal/jobs"
)

// Defaults.
const (
	DefaultLockTime              = 5 * time.Minute
	DefaultMaxJobsPerAcquisition = 3
	DefaultWaitTime              = 5 * time.Second
	DefaultPoolSize              = 10
	DefaultMaxBackoff            = 60 * time.Second
)

// Executor is the job executor.
//
// Thread-safety: JobAdded is safe for concurrent use. Run must be called
// at most once at a time.
type Executor struct {
	commands *command.Executor
	jobs     *jobs.Manager
	logger   *slog.Logger
	metrics  *Metrics

	lockOwner  string
	lockTime   time.Duration
	maxJobs    int
	waitTime   time.Duration
	poolSize   int
	backoff    backoff.Strategy
	maxBackoff time.Duration

	wake chan struct{}
	sem  chan struct{}

	mu       sync.Mutex
	sleeping bool
	wakeAt   time.Time
	busy     map[string]int
}

// Option configures an Executor.
type Option func(*Executor)

// WithLockOwner sets the lease owner written to acquired jobs.
// Default: a random UUID.
func WithLockOwner(owner string) Option {
	return func(e *Executor) {
		e.lockOwner = owner
	}
}

// WithLockTime sets how long an acquired job stays leased.
// Default: DefaultLockTime.
func WithLockTime(d time.Duration) Option {
	return func(e *Executor) {
		e.lockTime = d
	}
}

// WithMaxJobsPerAcquisition bounds the jobs considered by one cycle.
// Default: DefaultMaxJobsPerAcquisition.
func WithMaxJobsPerAcquisition(n int) Option {
	return func(e *Executor) {
		e.maxJobs = n
	}
}

// WithWaitTime sets the idle time between acquisition cycles.
// Default: DefaultWaitTime.
func WithWaitTime(d time.Duration) Option {
	return func(e *Executor) {
		e.waitTime = d
	}
}

// WithPoolSize bounds the concurrently running batches.
// Default: DefaultPoolSize.
func WithPoolSize(n int) Option {
	return func(e *Executor) {
		e.poolSize = n
	}
}

// WithBackoff sets the delay strategy after a failed acquisition cycle.
// Default: exponential from one second with full jitter, capped at
// DefaultMaxBackoff.
func WithBackoff(s backoff.Strategy) Option {
	return func(e *Executor) {
		e.backoff = s
	}
}

// WithMaxBackoff caps the default backoff strategy. It has no effect
// together with WithBackoff.
// Default: DefaultMaxBackoff.
func WithMaxBackoff(d time.Duration) Option {
	return func(e *Executor) {
		e.maxBackoff = d
	}
}

// WithLogger sets the executor logger.
// Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(e *Executor) {
		e.logger = l
	}
}

// WithMetrics sets the collectors the executor reports to.
// Default: unregistered collectors.
func WithMetrics(m *Metrics) Option {
	return func(e *Executor) {
		e.metrics = m
	}
}

// New creates an executor running jobs of jm through commands. The
// executor installs itself as jm's notifier.
func New(commands *command.Executor, jm *jobs.Manager, opts ...Option) *Executor {
	e := &Executor{
		commands:   commands,
		jobs:       jm,
		logger:     slog.Default(),
		lockOwner:  uuid.NewString(),
		lockTime:   DefaultLockTime,
		maxJobs:    DefaultMaxJobsPerAcquisition,
		waitTime:   DefaultWaitTime,
		poolSize:   DefaultPoolSize,
		maxBackoff: DefaultMaxBackoff,
		wake:       make(chan struct{}, 1),
		busy:       make(map[string]int),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.backoff == nil {
		e.backoff = backoff.WithTransforms(
			backoff.Exponential(time.Second),
			linger.FullJitter,
			linger.Limiter(0, e.maxBackoff),
		)
	}
	if e.metrics == nil {
		e.metrics = NewMetrics(nil)
	}
	if e.poolSize < 1 {
		e.poolSize = 1
	}
	e.sem = make(chan struct{}, e.poolSize)
	jm.SetNotifier(e)
	return e
}

// LockOwner returns the lease owner of this executor.
func (e *Executor) LockOwner() string { return e.lockOwner }

// JobAdded wakes the acquisition loop when the job is due before the
// loop's planned wake-up. A zero due means due now.
func (e *Executor) JobAdded(due time.Time) {
	e.mu.Lock()
	early := !e.sleeping || due.IsZero() || due.Before(e.wakeAt)
	e.mu.Unlock()

	if early {
		// Buffer of 1 coalesces hints.
		select {
		case e.wake <- struct{}{}:
		default:
		}
	}
}

// Run acquires and executes jobs until ctx is canceled, then waits for
// running batches. Jobs of an interrupted exclusive batch that did not
// start are unlocked.
func (e *Executor) Run(ctx context.Context) error {
	e.logger.Info("job executor starting",
		"lock_owner", e.lockOwner,
		"pool_size", e.poolSize,
		"max_jobs", e.maxJobs)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return e.acquisitionLoop(gctx, g)
	})
	err := g.Wait()

	e.logger.Info("job executor stopped", "lock_owner", e.lockOwner)
	if errors.Is(err, context.Canceled) && ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

func (e *Executor) acquisitionLoop(ctx context.Context, g *errgroup.Group) error {
	counter := backoff.Counter{Strategy: e.backoff}
	for {
		wait, err := e.cycle(ctx, g)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err != nil {
			e.metrics.AcquisitionErrors.Inc()
			e.logger.Error("job acquisition failed", "error", err)
			if err := counter.Sleep(ctx, err); err != nil {
				return err
			}
			continue
		}
		counter.Reset()
		if err := e.sleep(ctx, wait); err != nil {
			return err
		}
	}
}

// cycle runs one acquisition and dispatches the batches. It returns how
// long to idle before the next cycle.
func (e *Executor) cycle(ctx context.Context, g *errgroup.Group) (time.Duration, error) {
	e.metrics.AcquisitionCycles.Inc()
	batches, err := e.Acquire(ctx)
	if err != nil {
		return 0, err
	}

	acquired := 0
	for _, b := range batches {
		acquired += len(b.JobIDs)
		e.dispatch(ctx, g, b)
	}
	e.metrics.AcquiredJobs.Add(float64(acquired))

	if acquired >= e.maxJobs {
		return 0, nil
	}

	wait := e.waitTime
	res, err := e.commands.Execute(ctx, e.jobs.NextTimer())
	if err != nil {
		return 0, err
	}
	if next := res.(time.Time); !next.IsZero() {
		if d := next.Sub(e.commands.Clock().Now()); d < wait {
			wait = max(d, 0)
		}
	}
	return wait, nil
}

// Acquire leases the next batches for this executor, skipping process
// instances with an exclusive batch in flight, and marks the acquired
// exclusive instances busy. The caller must run every returned batch with
// RunBatch.
func (e *Executor) Acquire(ctx context.Context) ([]jobs.Batch, error) {
	res, err := e.commands.Execute(ctx, e.jobs.AcquireJobs(jobs.AcquireRequest{
		LockOwner: e.lockOwner,
		LockTime:  e.lockTime,
		MaxJobs:   e.maxJobs,
		Busy:      e.isBusy,
	}))
	if err != nil {
		return nil, err
	}
	batches := res.([]jobs.Batch)

	e.mu.Lock()
	for _, b := range batches {
		if b.Exclusive {
			e.busy[b.ProcessInstanceID]++
		}
	}
	e.mu.Unlock()
	return batches, nil
}

func (e *Executor) isBusy(processInstanceID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.busy[processInstanceID] > 0
}

// dispatch hands b to a worker, or runs it on the calling goroutine when
// the pool is full.
func (e *Executor) dispatch(ctx context.Context, g *errgroup.Group, b jobs.Batch) {
	select {
	case e.sem <- struct{}{}:
		g.Go(func() error {
			defer func() { <-e.sem }()
			e.RunBatch(ctx, b)
			return nil
		})
	default:
		e.metrics.CallerRuns.Inc()
		e.RunBatch(ctx, b)
	}
}

// RunBatch executes the jobs of b in order and releases the instance of
// an exclusive batch. When ctx is canceled the remaining jobs are
// unlocked without running.
func (e *Executor) RunBatch(ctx context.Context, b jobs.Batch) {
	defer func() {
		if !b.Exclusive {
			return
		}
		e.mu.Lock()
		e.busy[b.ProcessInstanceID]--
		if e.busy[b.ProcessInstanceID] <= 0 {
			delete(e.busy, b.ProcessInstanceID)
		}
		e.mu.Unlock()
	}()

	for i, id := range b.JobIDs {
		if ctx.Err() != nil {
			e.unlock(b.JobIDs[i:])
			return
		}
		e.executeJob(ctx, id)
	}
}

func (e *Executor) executeJob(ctx context.Context, id string) {
	e.metrics.InFlight.Inc()
	defer e.metrics.InFlight.Dec()

	start := time.Now()
	_, err := e.commands.Execute(ctx, e.jobs.ExecuteAcquiredJob(e.lockOwner, id))
	e.metrics.JobDuration.Observe(time.Since(start).Seconds())

	switch {
	case err == nil:
		e.metrics.JobOutcomes.WithLabelValues(OutcomeSuccess).Inc()
	case fault.IsConflict(err):
		e.metrics.JobOutcomes.WithLabelValues(OutcomeConflict).Inc()
		e.logger.Debug("job lost a concurrent update", "job", id, "error", err)
	default:
		e.metrics.JobOutcomes.WithLabelValues(OutcomeFailure).Inc()
		e.logger.Debug("job execution failed", "job", id, "error", err)
	}
}

func (e *Executor) unlock(ids []string) {
	ctx := context.Background()
	if _, err := e.commands.Execute(ctx, e.jobs.UnlockJobs(e.lockOwner, ids)); err != nil {
		e.logger.Warn("failed to unlock jobs", "jobs", ids, "error", err)
	}
}

// sleep idles for d, returning early when a job is added that is due
// before the wake-up.
func (e *Executor) sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}

	e.mu.Lock()
	e.sleeping = true
	e.wakeAt = e.commands.Clock().Now().Add(d)
	e.mu.Unlock()

	defer func() {
		e.mu.Lock()
		e.sleeping = false
		e.mu.Unlock()
	}()

	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-e.wake:
		return nil
	case <-t.C:
		return nil
	}
}
