package runtime

import (
	"strings"

	"github.com/roach88/pvm/internal/command"
	"github.com/roach88/pvm/internal/fault"
	"github.com/roach88/pvm/internal/jobs"
)

// Job handler types registered by New.
const (
	// AsyncContinuationHandler resumes an atomic operation deferred at an
	// async activity. Configuration: "<op>" or "<op>:<transition id>".
	AsyncContinuationHandler = "async-continuation"

	// TimerSignalHandler signals the owning execution with "timer".
	TimerSignalHandler = "timer-signal"

	// TimerBoundaryHandler fires the interrupting boundary timer whose
	// activity id is the configuration.
	TimerBoundaryHandler = "timer-boundary"

	// MessageSignalHandler signals the owning execution with the job's
	// configuration as signal name.
	MessageSignalHandler = "message-signal"

	// TimerSignal is the signal name delivered by timer jobs.
	TimerSignal = "timer"
)

func (rt *Runtime) registerHandlers(r *jobs.Registry) error {
	for name, h := range map[string]jobs.HandlerFunc{
		AsyncContinuationHandler: rt.continueExecution,
		TimerSignalHandler:       rt.fireTimer,
		TimerBoundaryHandler:     rt.fireBoundaryTimer,
		MessageSignalHandler:     rt.deliverMessage,
	} {
		if err := r.Register(name, h); err != nil {
			return err
		}
	}
	return nil
}

func (s *session) jobExecution(job *jobs.Job) (*Execution, error) {
	ex, ok, err := s.execution(job.ExecutionID())
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fault.Fatal("job %s refers to missing execution %s", job.ID(), job.ExecutionID())
	}
	return ex, nil
}

func (rt *Runtime) continueExecution(cc *command.Context, job *jobs.Job) error {
	s := rt.session(cc)
	ex, err := s.jobExecution(job)
	if err != nil {
		return err
	}
	opName, transitionID, _ := strings.Cut(job.HandlerConfig(), ":")
	op, ok := ParseOp(opName)
	if !ok || !op.asyncCapable() {
		return fault.Fatal("job %s: cannot continue with operation %q", job.ID(), opName)
	}
	if transitionID != "" {
		t := ex.definition.Transition(transitionID)
		if t == nil {
			return fault.Fatal("job %s: unknown transition %q", job.ID(), transitionID)
		}
		ex.transition = t
	}
	if err := s.schedule(Step{Op: op, Execution: ex, Sync: true}); err != nil {
		return err
	}
	return s.run()
}

func (rt *Runtime) fireTimer(cc *command.Context, job *jobs.Job) error {
	s := rt.session(cc)
	ex, err := s.jobExecution(job)
	if err != nil {
		return err
	}
	return s.signal(ex, TimerSignal, nil)
}

func (rt *Runtime) deliverMessage(cc *command.Context, job *jobs.Job) error {
	s := rt.session(cc)
	ex, err := s.jobExecution(job)
	if err != nil {
		return err
	}
	return s.signal(ex, job.HandlerConfig(), nil)
}

// fireBoundaryTimer interrupts the scope execution of the host activity
// and leaves it over the boundary event's transition.
func (rt *Runtime) fireBoundaryTimer(cc *command.Context, job *jobs.Job) error {
	s := rt.session(cc)
	ex, err := s.jobExecution(job)
	if err != nil {
		return err
	}
	b := ex.definition.Activity(job.HandlerConfig())
	if b == nil || b.attachedTo == nil || len(b.outgoing) != 1 {
		return fault.Fatal("job %s: %q is not a boundary event", job.ID(), job.HandlerConfig())
	}

	children, err := ex.Children()
	if err != nil {
		return err
	}
	for _, c := range children {
		if err := s.deleteExecution(c); err != nil {
			return err
		}
	}
	ex.setActivity(b.attachedTo)
	ex.setActive(true)
	s.trace(TraceEvent{Op: "boundary-timer", ExecutionID: ex.rec.ID, ActivityID: b.ID})
	if err := ex.Take(b.outgoing[0]); err != nil {
		return err
	}
	return s.run()
}
