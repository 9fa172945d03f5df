package harness

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/roach88/pvm/internal/behavior"
	"github.com/roach88/pvm/internal/clock"
	"github.com/roach88/pvm/internal/engine"
	"github.com/roach88/pvm/internal/fault"
	"github.com/roach88/pvm/internal/idgen"
	"github.com/roach88/pvm/internal/jobs"
	"github.com/roach88/pvm/internal/querysql"
	"github.com/roach88/pvm/internal/runtime"
	"github.com/roach88/pvm/internal/store"
)

// Epoch is the clock time at the start of every run.
var Epoch = time.Date(2010, time.June, 11, 17, 23, 0, 0, time.UTC)

// MaxJobRuns bounds a run_jobs step. A process that keeps producing due
// jobs fails the step instead of looping forever.
const MaxJobRuns = 1000

type options struct {
	logger    *slog.Logger
	behaviors *behavior.Registry
}

// Option configures Run.
type Option func(*options)

// WithLogger sets the engine logger. Runs are silent by default.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithBehaviors sets the registry resolving delegates and listeners, so
// that scenarios can use test delegates.
func WithBehaviors(r *behavior.Registry) Option {
	return func(o *options) { o.behaviors = r }
}

// run is the state of one scenario run.
type run struct {
	engine *engine.Engine
	clock  *clock.Manual
	result *Result
}

// Run executes a scenario on a fresh in-memory engine. Failed steps and
// assertions are reported in the Result; the error is reserved for runs
// that could not be set up.
func Run(ctx context.Context, s *Scenario, opts ...Option) (*Result, error) {
	o := options{logger: slog.New(slog.NewTextHandler(io.Discard, nil))}
	for _, opt := range opts {
		opt(&o)
	}

	st, err := store.Open(":memory:")
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	rec := &runtime.Recorder{}
	r := &run{
		clock:  clock.NewManual(Epoch),
		result: NewResult(),
	}
	engineOpts := []engine.Option{
		engine.WithClock(r.clock),
		engine.WithIDGenerator(idgen.NewSequence("id")),
		engine.WithLogger(o.logger),
		engine.WithTracer(rec),
		engine.WithoutJobExecutor(),
	}
	if o.behaviors != nil {
		engineOpts = append(engineOpts, engine.WithBehaviors(o.behaviors))
	}
	r.engine, err = engine.New(st, engineOpts...)
	if err != nil {
		return nil, fmt.Errorf("create engine: %w", err)
	}

	if _, err := r.engine.DeployFiles(ctx, s.Name, s.Definitions...); err != nil {
		return nil, fmt.Errorf("deploy %s: %w", s.Name, err)
	}

	stepsOK := true
	for i, step := range s.Steps {
		err := r.step(ctx, step)
		switch {
		case step.Error != "" && err == nil:
			r.result.AddError(fmt.Sprintf("step %d (%s): expected error containing %q", i+1, step.Kind(), step.Error))
		case step.Error != "" && !strings.Contains(err.Error(), step.Error):
			r.result.AddError(fmt.Sprintf("step %d (%s): expected error containing %q, got: %v", i+1, step.Kind(), step.Error, err))
		case step.Error == "" && err != nil:
			r.result.AddError(fmt.Sprintf("step %d (%s): %v", i+1, step.Kind(), err))
		}
		if !r.result.Pass {
			stepsOK = false
			break
		}
	}

	r.result.Trace = aliasExecutions(rec.Events())
	if stepsOK {
		ac := &AssertionContext{Engine: r.engine, Instances: r.result.Instances, Trace: r.result.Trace}
		for _, err := range EvaluateAssertions(ctx, ac, s.Assertions) {
			r.result.AddError(err.Error())
		}
	}
	return r.result, nil
}

func (r *run) step(ctx context.Context, step Step) error {
	switch step.Kind() {
	case "start":
		return r.start(ctx, step.Start)
	case "signal":
		return r.signal(ctx, step.Signal)
	case "set_variables":
		id, err := r.instance(step.SetVariables.Instance)
		if err != nil {
			return err
		}
		return r.engine.SetVariables(ctx, id, step.SetVariables.Variables, false)
	case "advance":
		d, err := time.ParseDuration(step.Advance)
		if err != nil {
			return err
		}
		r.clock.Advance(d)
		return nil
	case "run_jobs":
		return r.runJobs(ctx)
	case "execute_job":
		return r.executeJob(ctx, step.ExecuteJob.Instance)
	case "delete":
		id, err := r.instance(step.Delete.Instance)
		if err != nil {
			return err
		}
		return r.engine.DeleteProcessInstance(ctx, id, "deleted by scenario")
	default:
		return fmt.Errorf("exactly one action required")
	}
}

func (r *run) start(ctx context.Context, s *StartStep) error {
	name := s.As
	if name == "" {
		name = s.Process
	}
	if _, dup := r.result.Instances[name]; dup {
		return fmt.Errorf("instance %q already started", name)
	}
	pi, err := r.engine.StartProcessInstanceByKey(ctx, s.Process, runtime.StartOptions{
		BusinessKey: s.BusinessKey,
		Variables:   s.Variables,
	})
	if err != nil {
		return err
	}
	r.result.Instances[name] = pi.ID
	return nil
}

func (r *run) signal(ctx context.Context, s *SignalStep) error {
	id, err := r.instance(s.Instance)
	if err != nil {
		return err
	}
	recs, err := r.engine.FindExecutions(ctx, store.ExecutionFilter{ProcessInstanceID: id, ActivityID: s.Activity})
	if err != nil {
		return err
	}
	for _, rec := range recs {
		if rec.Active {
			return r.engine.Signal(ctx, rec.ID, s.Signal, s.Data)
		}
	}
	return fmt.Errorf("no active execution of %s at %s", s.Instance, s.Activity)
}

// runJobs executes the first executable job until none is left. Handler
// failures only cost the job a retry.
func (r *run) runJobs(ctx context.Context) error {
	for i := 0; i < MaxJobRuns; i++ {
		res, err := r.engine.FindJobs(ctx, jobs.Query{
			Filter: store.JobFilter{Executable: true},
			Page:   querysql.Page{Max: 1},
		})
		if err != nil {
			return err
		}
		if len(res.Jobs) == 0 {
			return nil
		}
		if err := r.engine.ExecuteJob(ctx, res.Jobs[0].ID); err != nil && !fault.IsHandlerFailure(err) {
			return err
		}
	}
	return fmt.Errorf("jobs still executable after %d runs", MaxJobRuns)
}

func (r *run) executeJob(ctx context.Context, name string) error {
	id, err := r.instance(name)
	if err != nil {
		return err
	}
	res, err := r.engine.FindJobs(ctx, jobs.Query{
		Filter: store.JobFilter{ProcessInstanceID: id},
		Page:   querysql.Page{Max: 1},
	})
	if err != nil {
		return err
	}
	if len(res.Jobs) == 0 {
		return fmt.Errorf("instance %s has no job", name)
	}
	return r.engine.ExecuteJob(ctx, res.Jobs[0].ID)
}

func (r *run) instance(name string) (string, error) {
	id, ok := r.result.Instances[name]
	if !ok {
		return "", fmt.Errorf("unknown instance %q", name)
	}
	return id, nil
}
