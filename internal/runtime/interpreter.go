package runtime

import (
	"fmt"

	"github.com/roach88/pvm/internal/fault"
)

// perform runs one atomic operation.
func (s *session) perform(step Step) error {
	ex := step.Execution
	if step.Op.asyncCapable() && !step.Sync && ex.listenerIndex == 0 &&
		ex.activity != nil && ex.activity.Async {
		return s.continueAsync(step)
	}

	if ex.activity == nil && step.Op != OpProcessStart && step.Op != OpProcessEnd {
		return fault.Fatal("execution %s has no current activity for %s", ex.rec.ID, step.Op)
	}
	if ex.listenerIndex == 0 {
		s.trace(TraceEvent{Op: step.Op.String(), ExecutionID: ex.rec.ID, ActivityID: ex.rec.ActivityID})
	}

	switch step.Op {
	case OpProcessStart:
		return s.notify(step, ex.definition, EventStart, func() error {
			ex.setActivity(ex.definition.Initial())
			return s.schedule(Step{Op: OpProcessStartInitial, Execution: ex})
		})
	case OpProcessStartInitial, OpActivityStart:
		return s.notify(step, ex.activity, EventStart, func() error {
			return s.schedule(Step{Op: OpActivityExecute, Execution: ex})
		})
	case OpActivityExecute:
		return s.activityExecute(ex)
	case OpTransitionNotifyListenerEnd:
		return s.notify(step, ex.activity, EventEnd, func() error {
			return s.schedule(Step{Op: OpTransitionDestroyScope, Execution: ex})
		})
	case OpTransitionDestroyScope:
		return s.transitionDestroyScope(ex)
	case OpTransitionNotifyListenerTake:
		if ex.transition == nil {
			return fault.Fatal("execution %s takes no transition", ex.rec.ID)
		}
		return s.notify(step, ex.transition, EventTake, func() error {
			ex.setActivity(ex.transition.destination)
			return s.schedule(Step{Op: OpTransitionCreateScope, Execution: ex})
		})
	case OpTransitionCreateScope:
		return s.transitionCreateScope(ex)
	case OpTransitionNotifyListenerStart:
		return s.notify(step, ex.activity, EventStart, func() error {
			ex.transition = nil
			return s.schedule(Step{Op: OpActivityExecute, Execution: ex})
		})
	case OpActivityEnd:
		return s.notify(step, ex.activity, EventEnd, func() error {
			return s.schedule(Step{Op: OpScopeComplete, Execution: ex})
		})
	case OpScopeComplete:
		return s.scopeComplete(ex)
	case OpProcessEnd:
		return s.notify(step, ex.definition, EventEnd, func() error {
			s.cc.Logger().Debug("process instance ended", "process_instance", ex.rec.ID, "definition", ex.rec.DefinitionID)
			return s.deleteExecution(ex)
		})
	default:
		return fault.Fatal("unknown atomic operation %s", step.Op)
	}
}

// notify calls the listeners of source for event one per step. Each
// listener call reschedules the same operation; once every listener has
// run, the notification state is reset and done continues the operation.
func (s *session) notify(step Step, source ListenerSource, event string, done func() error) error {
	ex := step.Execution
	listeners := source.Listeners(event)
	if idx := ex.listenerIndex; idx < len(listeners) {
		ex.eventName = event
		ex.eventSource = source
		s.trace(TraceEvent{
			Op:          step.Op.String(),
			ExecutionID: ex.rec.ID,
			ActivityID:  source.ElementID(),
			Detail:      fmt.Sprintf("listener %d", idx),
		})
		if err := listeners[idx].Notify(ex); err != nil {
			return fmt.Errorf("%s listener %d of %s: %w", event, idx, source.ElementID(), err)
		}
		if ex.deleted {
			return nil
		}
		ex.listenerIndex = idx + 1
		return s.schedule(Step{Op: step.Op, Execution: ex, Sync: true})
	}

	ex.listenerIndex = 0
	ex.eventName = ""
	ex.eventSource = nil
	return done()
}

func (s *session) activityExecute(ex *Execution) error {
	a := ex.activity
	if err := a.Behavior.Execute(ex); err != nil {
		return fmt.Errorf("activity %s: %w", a.ID, err)
	}
	return nil
}

// transitionDestroyScope leaves the scope execution of a scope activity:
// the parent takes over the outgoing transition.
func (s *session) transitionDestroyScope(ex *Execution) error {
	next := ex
	if ex.activity.IsScope() && ex.IsScope() && !ex.IsProcessInstance() {
		parent, err := ex.Parent()
		if err != nil {
			return err
		}
		parent.setActivity(ex.activity)
		parent.transition = ex.transition
		parent.setActive(true)
		if err := s.deleteExecution(ex); err != nil {
			return err
		}
		next = parent
	}
	return s.schedule(Step{Op: OpTransitionNotifyListenerTake, Execution: next})
}

// transitionCreateScope enters the destination. A scope activity gets a
// child scope execution carrying its boundary timers.
func (s *session) transitionCreateScope(ex *Execution) error {
	a := ex.activity
	if !a.IsScope() {
		return s.schedule(Step{Op: OpTransitionNotifyListenerStart, Execution: ex})
	}

	child, err := s.createChild(ex)
	if err != nil {
		return err
	}
	child.setActivity(a)
	child.setScope(true)
	child.transition = ex.transition

	ex.transition = nil
	ex.setActivity(nil)
	ex.setActive(false)

	if err := s.createBoundaryTimers(child, a); err != nil {
		return err
	}
	return s.schedule(Step{Op: OpTransitionNotifyListenerStart, Execution: child})
}

// scopeComplete propagates the end of a path upwards.
func (s *session) scopeComplete(ex *Execution) error {
	switch {
	case ex.IsProcessInstance():
		return s.schedule(Step{Op: OpProcessEnd, Execution: ex})
	case ex.IsConcurrent():
		return s.endConcurrent(ex)
	}

	if ex.activity.IsScope() {
		parent, err := ex.Parent()
		if err != nil {
			return err
		}
		a := ex.activity
		if err := s.deleteExecution(ex); err != nil {
			return err
		}
		parent.setActivity(a)
		parent.setActive(true)
		switch {
		case parent.IsProcessInstance():
			return s.schedule(Step{Op: OpProcessEnd, Execution: parent})
		case parent.IsConcurrent():
			return s.endConcurrent(parent)
		}
		ex = parent
	}
	return s.containerComplete(ex)
}

// containerComplete hands a scope execution whose last path ended back to
// the composite activity containing its current activity.
func (s *session) containerComplete(ex *Execution) error {
	var container *Activity
	if ex.activity != nil {
		container = ex.activity.Parent()
	}
	if container == nil {
		return fault.Fatal("execution %s ended at %q outside of a composite activity", ex.rec.ID, ex.rec.ActivityID)
	}
	cb, ok := container.Behavior.(CompositeBehavior)
	if !ok {
		return fault.Fatal("activity %s contains activities but is not composite", container.ID)
	}
	ex.setActivity(container)
	s.trace(TraceEvent{Op: "last-execution-ended", ExecutionID: ex.rec.ID, ActivityID: container.ID})
	if err := cb.LastExecutionEnded(ex); err != nil {
		return fmt.Errorf("activity %s: %w", container.ID, err)
	}
	return nil
}

// endConcurrent removes a finished concurrent path. When one path is left
// it is merged back into the concurrency root.
func (s *session) endConcurrent(ex *Execution) error {
	root, err := ex.Parent()
	if err != nil {
		return err
	}
	if err := s.deleteExecution(ex); err != nil {
		return err
	}
	children, err := root.Children()
	if err != nil {
		return err
	}
	switch len(children) {
	case 0:
		return fault.Fatal("concurrency root %s has no paths left", root.rec.ID)
	case 1:
		return s.mergeInto(root, children[0])
	}
	return nil
}

func (s *session) mergeInto(root, last *Execution) error {
	if root.pending {
		return fault.Fatal("concurrency root %s has a pending operation", root.rec.ID)
	}
	s.cc.Logger().Debug("merging last concurrent execution", "execution", last.rec.ID, "into", root.rec.ID)

	root.setActivity(last.activity)
	root.setActive(last.IsActive())
	root.setConcurrent(false)
	root.transition = last.transition
	root.eventName = last.eventName
	root.eventSource = last.eventSource
	root.listenerIndex = last.listenerIndex

	grandchildren, err := last.Children()
	if err != nil {
		return err
	}
	for _, gc := range grandchildren {
		gc.rec.ParentID = root.rec.ID
		last.removeChild(gc)
		root.children = append(root.children, gc)
	}

	vars, err := last.VariablesLocal()
	if err != nil {
		return err
	}
	if err := root.SetVariables(vars, true); err != nil {
		return err
	}
	if err := s.rt.jobs.ReassignExecution(s.cc, last.rec.ID, root.rec.ID); err != nil {
		return err
	}
	if last.pending {
		s.agenda.retarget(last, root)
		last.pending = false
		root.pending = true
	}
	return s.deleteExecution(last)
}
