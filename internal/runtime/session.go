package runtime

import (
	"fmt"

	"github.com/roach88/pvm/internal/command"
	"github.com/roach88/pvm/internal/fault"
	"github.com/roach88/pvm/internal/jobs"
	"github.com/roach88/pvm/internal/store"
)

// session is the interpreter state of one command: the agenda of pending
// steps and the runtime the command's executions belong to.
type session struct {
	rt      *Runtime
	cc      *command.Context
	agenda  *agenda
	running bool
}

func (rt *Runtime) session(cc *command.Context) *session {
	return cc.Session(rt, func(cc *command.Context) command.Session {
		return &session{rt: rt, cc: cc, agenda: newAgenda(rt.maxSteps)}
	}).(*session)
}

// Flush implements command.Session. Every scheduled step has run by the
// time a command closes.
func (s *session) Flush(*command.Context) error {
	if n := s.agenda.len(); n > 0 {
		return fault.Fatal("%d atomic operations left unexecuted", n)
	}
	return nil
}

// execution returns the execution with id through the identity map.
// ok is false when it does not exist or was deleted in this command.
func (s *session) execution(id string) (*Execution, bool, error) {
	ref := executionRef(id)
	if s.cc.DB().IsDeleted(ref) {
		return nil, false, nil
	}
	if e, ok := s.cc.DB().Get(ref); ok {
		return e.(*Execution), true, nil
	}
	q, err := s.cc.Querier()
	if err != nil {
		return nil, false, err
	}
	rec, ok, err := store.GetExecution(s.cc.Context(), q, id)
	if err != nil || !ok {
		return nil, false, err
	}
	return s.hydrate(rec)
}

// hydrate turns a row into an Execution, reusing the cached one.
func (s *session) hydrate(rec store.ExecutionRecord) (*Execution, bool, error) {
	ref := executionRef(rec.ID)
	if s.cc.DB().IsDeleted(ref) {
		return nil, false, nil
	}
	if e, ok := s.cc.DB().Get(ref); ok {
		return e.(*Execution), true, nil
	}
	def, err := s.rt.definition(s.cc, rec.DefinitionID)
	if err != nil {
		return nil, false, fmt.Errorf("execution %s: %w", rec.ID, err)
	}
	ex := &Execution{rec: rec, s: s, definition: def}
	if rec.ActivityID != "" {
		a := def.Activity(rec.ActivityID)
		if a == nil {
			return nil, false, fault.Fatal("execution %s is at unknown activity %q of %s", rec.ID, rec.ActivityID, def.ID)
		}
		ex.activity = a
	}
	return s.cc.DB().Load(ex).(*Execution), true, nil
}

func (s *session) newProcessInstance(def *ProcessDefinition, businessKey string) *Execution {
	id := s.cc.IDs().Generate()
	ex := &Execution{
		rec: store.ExecutionRecord{
			ID:                id,
			ProcessInstanceID: id,
			DefinitionID:      def.ID,
			BusinessKey:       businessKey,
			Active:            true,
			Scope:             true,
		},
		s:              s,
		definition:     def,
		childrenLoaded: true,
		variables:      map[string]*variable{},
		varsLoaded:     true,
	}
	s.cc.DB().Insert(ex)
	return ex
}

func (s *session) createChild(parent *Execution) (*Execution, error) {
	if err := parent.loadChildren(); err != nil {
		return nil, err
	}
	child := &Execution{
		rec: store.ExecutionRecord{
			ID:                s.cc.IDs().Generate(),
			ProcessInstanceID: parent.rec.ProcessInstanceID,
			ParentID:          parent.rec.ID,
			DefinitionID:      parent.rec.DefinitionID,
			Active:            true,
		},
		s:              s,
		definition:     parent.definition,
		childrenLoaded: true,
		variables:      map[string]*variable{},
		varsLoaded:     true,
	}
	parent.children = append(parent.children, child)
	s.cc.DB().Insert(child)
	return child, nil
}

// deleteExecution removes ex with its descendants, variables and jobs.
func (s *session) deleteExecution(ex *Execution) error {
	if ex.deleted {
		return nil
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
	if err := s.rt.jobs.DeleteForExecution(s.cc, ex.rec.ID); err != nil {
		return err
	}
	if err := ex.loadVariables(); err != nil {
		return err
	}
	for _, v := range ex.variables {
		s.cc.DB().Delete(v)
	}
	ex.variables = map[string]*variable{}

	s.cc.DB().Delete(ex)
	ex.deleted = true
	if ex.rec.ParentID != "" {
		if p, ok := s.cc.DB().Get(executionRef(ex.rec.ParentID)); ok {
			p.(*Execution).removeChild(ex)
		}
	}
	return nil
}

// schedule appends a step. An execution has at most one pending step.
func (s *session) schedule(step Step) error {
	ex := step.Execution
	if ex.deleted {
		return fault.Fatal("cannot schedule %s on ended execution %s", step.Op, ex.rec.ID)
	}
	if ex.pending {
		return fault.Fatal("execution %s already has a pending operation, cannot schedule %s", ex.rec.ID, step.Op)
	}
	ex.pending = true
	s.agenda.push(step)
	return nil
}

// run drains the agenda. Calls made while the loop is already running
// return at once; the outer loop performs the steps they scheduled.
func (s *session) run() error {
	if s.running {
		return nil
	}
	s.running = true
	defer func() { s.running = false }()

	for {
		step, ok, err := s.agenda.pop()
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		ex := step.Execution
		ex.pending = false
		if ex.deleted {
			s.cc.Logger().Debug("dropping step of ended execution", "op", step.Op.String(), "execution", ex.rec.ID)
			continue
		}
		if ex.inFlight {
			return fault.Fatal("execution %s re-entered by %s while an operation is in flight", ex.rec.ID, step.Op)
		}

		ex.inFlight = true
		err = s.perform(step)
		ex.inFlight = false
		if err != nil {
			return err
		}
	}
}

// signal delivers a signal to the behavior of ex's activity and runs the
// resulting steps.
func (s *session) signal(ex *Execution, signal string, data any) error {
	a := ex.activity
	if a == nil {
		return fault.Validation("execution %s is not at an activity", ex.rec.ID)
	}
	sb, ok := a.Behavior.(SignallableBehavior)
	if !ok {
		return fault.Validation("activity %s of execution %s does not accept signals", a.ID, ex.rec.ID)
	}
	if !ex.IsActive() {
		return fault.Validation("execution %s is not active", ex.rec.ID)
	}
	if ex.pending || ex.inFlight {
		return fault.Fatal("execution %s signalled while an operation is pending", ex.rec.ID)
	}

	s.trace(TraceEvent{Op: "signal", ExecutionID: ex.rec.ID, ActivityID: a.ID, Detail: signal})
	ex.inFlight = true
	err := sb.Signal(ex, signal, data)
	ex.inFlight = false
	if err != nil {
		return fmt.Errorf("signal %s: %w", a.ID, err)
	}
	return s.run()
}

// continueAsync defers step to an async continuation job.
func (s *session) continueAsync(step Step) error {
	ex := step.Execution
	config := step.Op.String()
	if ex.transition != nil {
		config += ":" + ex.transition.ID
	}
	job, err := s.rt.jobs.Create(s.cc, jobs.Spec{
		Kind:              jobs.KindAsyncContinuation,
		HandlerType:       AsyncContinuationHandler,
		HandlerConfig:     config,
		Exclusive:         true,
		ExecutionID:       ex.rec.ID,
		ProcessInstanceID: ex.rec.ProcessInstanceID,
	})
	if err != nil {
		return err
	}
	s.trace(TraceEvent{Op: "async", ExecutionID: ex.rec.ID, ActivityID: ex.rec.ActivityID, Detail: job.ID()})
	return nil
}

func (s *session) createBoundaryTimers(ex *Execution, a *Activity) error {
	for _, b := range a.boundary {
		job, err := ex.CreateTimer(b.Timer, TimerBoundaryHandler, b.ID)
		if err != nil {
			return fmt.Errorf("boundary timer %s: %w", b.ID, err)
		}
		s.trace(TraceEvent{Op: "timer", ExecutionID: ex.rec.ID, ActivityID: b.ID, Detail: job.ID()})
	}
	return nil
}

func (s *session) trace(e TraceEvent) {
	if s.rt.tracer != nil {
		s.rt.tracer.Trace(e)
	}
}
