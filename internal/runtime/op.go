package runtime

import "fmt"

// Op identifies an atomic operation of the interpreter.
type Op int

const (
	OpProcessStart Op = iota + 1
	OpProcessStartInitial
	OpActivityStart
	OpActivityExecute
	OpTransitionNotifyListenerEnd
	OpTransitionDestroyScope
	OpTransitionNotifyListenerTake
	OpTransitionCreateScope
	OpTransitionNotifyListenerStart
	OpActivityEnd
	OpScopeComplete
	OpProcessEnd
)

var opNames = map[Op]string{
	OpProcessStart:                  "process-start",
	OpProcessStartInitial:           "process-start-initial",
	OpActivityStart:                 "activity-start",
	OpActivityExecute:               "activity-execute",
	OpTransitionNotifyListenerEnd:   "transition-notify-listener-end",
	OpTransitionDestroyScope:        "transition-destroy-scope",
	OpTransitionNotifyListenerTake:  "transition-notify-listener-take",
	OpTransitionCreateScope:         "transition-create-scope",
	OpTransitionNotifyListenerStart: "transition-notify-listener-start",
	OpActivityEnd:                   "activity-end",
	OpScopeComplete:                 "scope-complete",
	OpProcessEnd:                    "process-end",
}

func (o Op) String() string {
	if name, ok := opNames[o]; ok {
		return name
	}
	return fmt.Sprintf("Op(%d)", int(o))
}

// ParseOp returns the Op named name.
func ParseOp(name string) (Op, bool) {
	for op, n := range opNames {
		if n == name {
			return op, true
		}
	}
	return 0, false
}

// asyncCapable reports whether op enters an activity and is deferred to a
// job when the activity is async.
func (o Op) asyncCapable() bool {
	switch o {
	case OpProcessStartInitial, OpActivityStart, OpTransitionCreateScope:
		return true
	}
	return false
}
