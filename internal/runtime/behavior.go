package runtime

// ActivityBehavior runs when an execution arrives at an activity. It
// either leaves the activity (Take, TakeAll, Leave, End) or returns
// without doing so, which makes the activity a wait state.
type ActivityBehavior interface {
	Execute(ex *Execution) error
}

// SignallableBehavior is an activity behavior that can be resumed from a
// wait state with a signal.
type SignallableBehavior interface {
	ActivityBehavior
	Signal(ex *Execution, signal string, data any) error
}

// CompositeBehavior is the behavior of an activity with nested activities.
// LastExecutionEnded is called on the scope execution, positioned at the
// composite activity, when the last path inside it has ended.
type CompositeBehavior interface {
	ActivityBehavior
	LastExecutionEnded(ex *Execution) error
}

// Condition guards a transition.
type Condition interface {
	Evaluate(ex *Execution) (bool, error)
}

// ConditionFunc adapts a function to the Condition interface.
type ConditionFunc func(ex *Execution) (bool, error)

// Evaluate calls f(ex).
func (f ConditionFunc) Evaluate(ex *Execution) (bool, error) { return f(ex) }
