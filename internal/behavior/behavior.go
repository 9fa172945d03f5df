// Package behavior provides the built-in activity behaviors, transition
// conditions and the registries the definition loader resolves delegate
// and listener names with.
package behavior

import (
	"fmt"

	"github.com/roach88/pvm/internal/fault"
	"github.com/roach88/pvm/internal/runtime"
)

// Activity type names understood by Registry.Behavior.
const (
	TypeStartEvent        = "startEvent"
	TypeEndEvent          = "endEvent"
	TypeServiceTask       = "serviceTask"
	TypeSendTask          = "sendTask"
	TypeReceiveTask       = "receiveTask"
	TypeIntermediateTimer = "intermediateTimer"
	TypeParallelGateway   = "parallelGateway"
	TypeExclusiveGateway  = "exclusiveGateway"
	TypeSubProcess        = "subProcess"
	TypeBoundaryTimer     = "boundaryTimer"
)

// MessageSignal is the signal a send task's message job delivers.
const MessageSignal = "message"

// NeedsScope reports whether activities of type typ own jobs and must be
// declared as scopes, so leaving them deletes the jobs.
func NeedsScope(typ string) bool {
	return typ == TypeIntermediateTimer || typ == TypeSendTask
}

// StartEvent leaves immediately.
type StartEvent struct{}

func (StartEvent) Execute(ex *runtime.Execution) error { return ex.Leave() }

// EndEvent ends the path of the arriving execution.
type EndEvent struct{}

func (EndEvent) Execute(ex *runtime.Execution) error { return ex.End() }

// ServiceTask runs a delegate and leaves.
type ServiceTask struct {
	Delegate Delegate
}

func (t ServiceTask) Execute(ex *runtime.Execution) error {
	if err := t.Delegate.Execute(ex); err != nil {
		return fmt.Errorf("service task %s: %w", ex.Activity().ID, err)
	}
	return ex.Leave()
}

// SendTask queues a message job and waits for it. The job runs the
// delegate in its own command, with the job's retries, and leaves.
type SendTask struct {
	Delegate Delegate
}

func (t SendTask) Execute(ex *runtime.Execution) error {
	_, err := ex.SendMessage(runtime.MessageSignalHandler, MessageSignal)
	return err
}

func (t SendTask) Signal(ex *runtime.Execution, signal string, _ any) error {
	if signal == MessageSignal {
		if err := t.Delegate.Execute(ex); err != nil {
			return fmt.Errorf("send task %s: %w", ex.Activity().ID, err)
		}
	}
	return ex.Leave()
}

// ReceiveTask waits for a signal. A map[string]any payload is stored as
// process variables before leaving.
type ReceiveTask struct{}

func (ReceiveTask) Execute(*runtime.Execution) error { return nil }

func (ReceiveTask) Signal(ex *runtime.Execution, _ string, data any) error {
	if vars, ok := data.(map[string]any); ok {
		if err := ex.SetVariables(vars, false); err != nil {
			return err
		}
	}
	return ex.Leave()
}

// IntermediateTimer waits until its timer fires.
type IntermediateTimer struct{}

func (IntermediateTimer) Execute(ex *runtime.Execution) error {
	_, err := ex.CreateTimer(ex.Activity().Timer, runtime.TimerSignalHandler, "")
	return err
}

func (IntermediateTimer) Signal(ex *runtime.Execution, _ string, _ any) error { return ex.Leave() }

// ParallelGateway joins all incoming paths and forks every outgoing one.
// Outgoing conditions are ignored.
type ParallelGateway struct{}

func (ParallelGateway) Execute(ex *runtime.Execution) error {
	a := ex.Activity()
	ex.Inactivate()
	if err := ex.LockConcurrentRoot(); err != nil {
		return err
	}
	joined, err := ex.FindInactiveConcurrentExecutions(a)
	if err != nil {
		return err
	}
	incoming := len(a.Incoming())
	if incoming == 0 {
		incoming = 1
	}
	if len(joined) < incoming {
		ex.Logger().Debug("parallel gateway waiting",
			"activity", a.ID,
			"joined", len(joined),
			"incoming", incoming)
		return nil
	}
	if len(a.Outgoing()) == 0 {
		return fault.Fatal("parallel gateway %s has no outgoing transition", a.ID)
	}
	return ex.TakeAll(a.Outgoing(), joined)
}

// ExclusiveGateway takes the first outgoing transition, in declaration
// order, whose condition holds or which has none. The transition named by
// the "default" property is taken when nothing else matches.
type ExclusiveGateway struct{}

func (ExclusiveGateway) Execute(ex *runtime.Execution) error {
	a := ex.Activity()
	var fallback *runtime.Transition
	for _, t := range a.Outgoing() {
		if t.ID == a.Property("default") {
			fallback = t
			continue
		}
		if t.Condition == nil {
			return ex.Take(t)
		}
		ok, err := t.Condition.Evaluate(ex)
		if err != nil {
			return fmt.Errorf("exclusive gateway %s: transition %s: %w", a.ID, t.ID, err)
		}
		if ok {
			return ex.Take(t)
		}
	}
	if fallback != nil {
		return ex.Take(fallback)
	}
	return fmt.Errorf("exclusive gateway %s: no outgoing transition selected", a.ID)
}

// SubProcess enters its initial activity and leaves when the last path
// inside it has ended.
type SubProcess struct{}

func (SubProcess) Execute(ex *runtime.Execution) error {
	return ex.ExecuteActivity(ex.Activity().Initial())
}

func (SubProcess) LastExecutionEnded(ex *runtime.Execution) error { return ex.Leave() }

// BoundaryTimer marks an interrupting boundary timer. It is never executed:
// the timer job leaves the host scope over the boundary transition.
type BoundaryTimer struct{}

func (BoundaryTimer) Execute(ex *runtime.Execution) error {
	return fault.Fatal("boundary event %s cannot be executed", ex.Activity().ID)
}
