package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	backend "github.com/redis/go-redis/v9"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/roach88/pvm/internal/behavior"
	"github.com/roach88/pvm/internal/calendar"
	"github.com/roach88/pvm/internal/clock"
	"github.com/roach88/pvm/internal/command"
	"github.com/roach88/pvm/internal/config"
	"github.com/roach88/pvm/internal/definition"
	"github.com/roach88/pvm/internal/idgen"
	"github.com/roach88/pvm/internal/jobexecutor"
	"github.com/roach88/pvm/internal/jobs"
	"github.com/roach88/pvm/internal/runtime"
	"github.com/roach88/pvm/internal/store"
	"github.com/roach88/pvm/internal/wakeup"
)

// Engine is a process engine over one store.
//
// Thread-safety: all operations are safe for concurrent use. Run must be
// called at most once at a time.
type Engine struct {
	store     *store.Store
	commands  *command.Executor
	jobs      *jobs.Manager
	runtime   *runtime.Runtime
	behaviors *behavior.Registry
	executor  *jobexecutor.Executor
	wakeup    *wakeup.Redis
	redis     *backend.Client
	logger    *slog.Logger

	runExecutor bool
	closers     []func() error
}

type options struct {
	clock        clock.Clock
	ids          idgen.Generator
	logger       *slog.Logger
	tracer       runtime.Tracer
	retryPolicy  jobs.RetryPolicy
	behaviors    *behavior.Registry
	registerer   prometheus.Registerer
	executorOpts []jobexecutor.Option
	noExecutor   bool
	redis        *backend.Client
	redisChannel string
	maxSteps     int
}

// Option configures an Engine.
type Option func(*options)

// WithClock sets the engine time source.
// Default: clock.Real{}.
func WithClock(c clock.Clock) Option {
	return func(o *options) {
		o.clock = c
	}
}

// WithIDGenerator sets the generator of entity ids.
// Default: idgen.UUIDv7{}.
func WithIDGenerator(g idgen.Generator) Option {
	return func(o *options) {
		o.ids = g
	}
}

// WithLogger sets the logger handed to every component.
// Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		o.logger = l
	}
}

// WithTracer observes every interpreter step.
func WithTracer(t runtime.Tracer) Option {
	return func(o *options) {
		o.tracer = t
	}
}

// WithRetryPolicy sets the due date of failed jobs.
// Default: jobs.ImmediateRetry{}.
func WithRetryPolicy(p jobs.RetryPolicy) Option {
	return func(o *options) {
		o.retryPolicy = p
	}
}

// WithBehaviors sets the registry definitions resolve delegates and
// listeners from.
// Default: behavior.NewRegistry().
func WithBehaviors(r *behavior.Registry) Option {
	return func(o *options) {
		o.behaviors = r
	}
}

// WithMetrics registers the engine's prometheus collectors with reg.
func WithMetrics(reg prometheus.Registerer) Option {
	return func(o *options) {
		o.registerer = reg
	}
}

// WithJobExecutorOptions configures the job executor.
func WithJobExecutorOptions(opts ...jobexecutor.Option) Option {
	return func(o *options) {
		o.executorOpts = append(o.executorOpts, opts...)
	}
}

// WithoutJobExecutor keeps Run from acquiring jobs. Jobs are still
// created and can be run with ExecuteJob.
func WithoutJobExecutor() Option {
	return func(o *options) {
		o.noExecutor = true
	}
}

// WithRedis shares job hints with other nodes through client. The engine
// does not close client.
func WithRedis(client *backend.Client, channel string) Option {
	return func(o *options) {
		o.redis = client
		o.redisChannel = channel
	}
}

// WithMaxSteps bounds the atomic operations of one command.
// Default: runtime.DefaultMaxSteps.
func WithMaxSteps(n int) Option {
	return func(o *options) {
		o.maxSteps = n
	}
}

// New creates an engine over st. The caller keeps ownership of st.
func New(st *store.Store, opts ...Option) (*Engine, error) {
	o := options{
		clock:       clock.Real{},
		ids:         idgen.UUIDv7{},
		logger:      slog.Default(),
		retryPolicy: jobs.ImmediateRetry{},
		maxSteps:    runtime.DefaultMaxSteps,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.behaviors == nil {
		o.behaviors = behavior.NewRegistry()
	}

	metrics := newMetrics(o.registerer)
	commands := command.NewExecutor(st,
		command.WithClock(o.clock),
		command.WithIDGenerator(o.ids),
		command.WithLogger(o.logger),
		command.WithInterceptor(metrics.interceptor),
	)

	jm := jobs.NewManager(jobs.NewRegistry(), calendar.NewRegistry(o.clock),
		jobs.WithRetryPolicy(o.retryPolicy),
		jobs.WithLogger(o.logger),
	)

	repo := runtime.NewRepository()
	definition.Register(repo, o.behaviors)

	rtOpts := []runtime.Option{runtime.WithLogger(o.logger), runtime.WithMaxSteps(o.maxSteps)}
	if o.tracer != nil {
		rtOpts = append(rtOpts, runtime.WithTracer(o.tracer))
	}
	rt, err := runtime.New(jm, repo, rtOpts...)
	if err != nil {
		return nil, fmt.Errorf("create runtime: %w", err)
	}

	execOpts := append([]jobexecutor.Option{
		jobexecutor.WithLogger(o.logger),
		jobexecutor.WithMetrics(jobexecutor.NewMetrics(o.registerer)),
	}, o.executorOpts...)
	executor := jobexecutor.New(commands, jm, execOpts...)

	e := &Engine{
		store:       st,
		commands:    commands,
		jobs:        jm,
		runtime:     rt,
		behaviors:   o.behaviors,
		executor:    executor,
		logger:      o.logger,
		runExecutor: !o.noExecutor,
	}

	if o.redis != nil {
		var wopts []wakeup.Option
		if o.redisChannel != "" {
			wopts = append(wopts, wakeup.WithChannel(o.redisChannel))
		}
		wopts = append(wopts, wakeup.WithLogger(o.logger))
		e.redis = o.redis
		e.wakeup = wakeup.NewRedis(o.redis, executor.LockOwner(), executor, wopts...)
		jm.SetNotifier(e.wakeup)
	}
	return e, nil
}

// Open creates an engine from cfg, opening the database and connecting to
// Redis when configured. Close releases both.
func Open(cfg config.Config, opts ...Option) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	st, err := store.Open(cfg.Database.Path)
	if err != nil {
		return nil, err
	}

	je := cfg.JobExecutor
	execOpts := []jobexecutor.Option{
		jobexecutor.WithLockTime(je.LockTime),
		jobexecutor.WithMaxJobsPerAcquisition(je.MaxJobsPerAcquisition),
		jobexecutor.WithWaitTime(je.WaitTime),
		jobexecutor.WithPoolSize(je.PoolSize),
		jobexecutor.WithMaxBackoff(je.MaxBackoff),
	}
	if je.LockOwner != "" {
		execOpts = append(execOpts, jobexecutor.WithLockOwner(je.LockOwner))
	}
	all := []Option{WithJobExecutorOptions(execOpts...)}
	if !je.Enabled {
		all = append(all, WithoutJobExecutor())
	}
	if rb := je.RetryBackoff; rb.Base > 0 {
		all = append(all, WithRetryPolicy(jobs.NewExponentialBackoff(rb.Base, rb.Max)))
	}

	var client *backend.Client
	if cfg.Redis.Addr != "" {
		client = backend.NewClient(&backend.Options{Addr: cfg.Redis.Addr})
		all = append(all, WithRedis(client, cfg.Redis.Channel))
	}
	all = append(all, opts...)

	e, err := New(st, all...)
	if err != nil {
		if client != nil {
			err = multierr.Append(err, client.Close())
		}
		return nil, multierr.Append(err, st.Close())
	}
	if client != nil {
		e.closers = append(e.closers, client.Close)
	}
	e.closers = append(e.closers, st.Close)
	return e, nil
}

// Close releases the resources Open acquired. Engines created with New
// own nothing and Close is a no-op.
func (e *Engine) Close() error {
	var err error
	for _, c := range e.closers {
		err = multierr.Append(err, c())
	}
	e.closers = nil
	return err
}

// Run runs the job executor and the Redis hint listener until ctx is
// canceled.
func (e *Engine) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	if e.runExecutor {
		g.Go(func() error { return e.executor.Run(gctx) })
	}
	if e.wakeup != nil {
		g.Go(func() error { return e.wakeup.Run(gctx) })
	}
	g.Go(func() error {
		<-gctx.Done()
		return gctx.Err()
	})

	err := g.Wait()
	if errors.Is(err, context.Canceled) && ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

// Store returns the engine store.
func (e *Engine) Store() *store.Store { return e.store }

// Commands returns the command executor.
func (e *Engine) Commands() *command.Executor { return e.commands }

// Jobs returns the job manager. Applications register job handlers with
// Jobs().Handlers().
func (e *Engine) Jobs() *jobs.Manager { return e.jobs }

// Runtime returns the process runtime.
func (e *Engine) Runtime() *runtime.Runtime { return e.runtime }

// Behaviors returns the registry definitions resolve names from.
func (e *Engine) Behaviors() *behavior.Registry { return e.behaviors }

// JobExecutor returns the job executor.
func (e *Engine) JobExecutor() *jobexecutor.Executor { return e.executor }

// Clock returns the engine time source.
func (e *Engine) Clock() clock.Clock { return e.commands.Clock() }

// execute runs cmd and asserts its result type.
func execute[T any](ctx context.Context, e *Engine, cmd command.Command) (T, error) {
	var zero T
	res, err := e.commands.Execute(ctx, cmd)
	if err != nil {
		return zero, err
	}
	v, ok := res.(T)
	if !ok {
		return zero, fmt.Errorf("command %s returned %T, want %T", command.NameOf(cmd), res, zero)
	}
	return v, nil
}
