package command

import (
	"fmt"

	"go.uber.org/multierr"
)

// Phase is a transaction lifecycle event.
type Phase int

const (
	// BeforeCommit fires after the sessions are flushed, before commit.
	// A listener error rolls the transaction back.
	BeforeCommit Phase = iota + 1

	// Committed fires after a successful commit. Listener errors are logged.
	Committed

	// RolledBack fires after a rollback. Listener errors are logged.
	RolledBack
)

func (p Phase) String() string {
	switch p {
	case BeforeCommit:
		return "before-commit"
	case Committed:
		return "committed"
	case RolledBack:
		return "rolled-back"
	default:
		return fmt.Sprintf("Phase(%d)", int(p))
	}
}

// Listener reacts to a transaction phase.
type Listener func(cc *Context) error

// TransactionContext holds the listeners of one command. Each phase fires
// at most once; once Committed or RolledBack has fired, the other never does.
type TransactionContext struct {
	listeners map[Phase][]Listener
	fired     map[Phase]bool
	done      bool
	cause     error
}

// Cause returns the error that rolled the transaction back, or nil.
func (t *TransactionContext) Cause() error {
	return t.cause
}

// AddListener registers l for phase. Listeners of a phase run in
// registration order.
func (t *TransactionContext) AddListener(phase Phase, l Listener) {
	if t.listeners == nil {
		t.listeners = make(map[Phase][]Listener)
	}
	t.listeners[phase] = append(t.listeners[phase], l)
}

// fire runs the listeners of phase once. BeforeCommit stops at the first
// error; terminal phases run every listener and log failures.
func (t *TransactionContext) fire(cc *Context, phase Phase) error {
	if t.fired == nil {
		t.fired = make(map[Phase]bool)
	}
	if t.fired[phase] || t.done {
		return nil
	}
	t.fired[phase] = true
	if phase == Committed || phase == RolledBack {
		t.done = true
	}

	var errs error
	for _, l := range t.listeners[phase] {
		if err := l(cc); err != nil {
			if phase == BeforeCommit {
				return fmt.Errorf("%s listener: %w", phase, err)
			}
			errs = multierr.Append(errs, err)
		}
	}
	if errs != nil {
		cc.Logger().Warn("transaction listener failed", "phase", phase.String(), "error", errs)
	}
	return nil
}
