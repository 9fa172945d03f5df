package runtime

import "github.com/roach88/pvm/internal/fault"

// DefaultMaxSteps bounds the atomic operations one command may perform.
// It stops processes that loop through activities without ever reaching a
// wait state.
const DefaultMaxSteps = 10000

// Step is one scheduled atomic operation on one execution.
type Step struct {
	Op        Op
	Execution *Execution
	// Sync suppresses the async continuation check. Set when a step is
	// resumed from a job or continues a notification round.
	Sync bool
}

// agenda is the FIFO of pending steps of one command.
//
// The interpreter loop pops steps until the agenda is empty, so long
// transition chains run iteratively rather than on the call stack.
// Used by a single goroutine.
type agenda struct {
	steps    []Step
	maxSteps int
	taken    int
}

func newAgenda(maxSteps int) *agenda {
	return &agenda{
		steps:    make([]Step, 0, 16),
		maxSteps: maxSteps,
	}
}

func (a *agenda) push(s Step) {
	a.steps = append(a.steps, s)
}

// pop removes the front step. It returns a fatal error once the command
// has taken more than maxSteps steps.
func (a *agenda) pop() (Step, bool, error) {
	if len(a.steps) == 0 {
		return Step{}, false, nil
	}
	a.taken++
	if a.maxSteps > 0 && a.taken > a.maxSteps {
		return Step{}, false, fault.Fatal("command exceeded %d atomic operations", a.maxSteps)
	}

	s := a.steps[0]
	// Clear the slot so the backing array does not pin executions.
	a.steps[0] = Step{}
	if len(a.steps) == 1 {
		a.steps = a.steps[:0]
	} else {
		a.steps = a.steps[1:]
	}
	return s, true, nil
}

// retarget moves the pending step of from to to.
func (a *agenda) retarget(from, to *Execution) {
	for i := range a.steps {
		if a.steps[i].Execution == from {
			a.steps[i].Execution = to
		}
	}
}

func (a *agenda) len() int { return len(a.steps) }
