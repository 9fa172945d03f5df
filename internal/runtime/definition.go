package runtime

import (
	"github.com/roach88/pvm/internal/fault"
)

// Listener event names.
const (
	EventStart = "start"
	EventEnd   = "end"
	EventTake  = "take"
)

// Listener is notified when an execution passes an event of a process
// definition, activity or transition.
type Listener interface {
	Notify(ex *Execution) error
}

// ListenerFunc adapts a function to the Listener interface.
type ListenerFunc func(ex *Execution) error

// Notify calls f(ex).
func (f ListenerFunc) Notify(ex *Execution) error { return f(ex) }

// ListenerSource is an element of the process graph that carries
// listeners: the definition, an activity or a transition.
type ListenerSource interface {
	ElementID() string
	Listeners(event string) []Listener
}

// TimerDeclaration is a timer expression resolved with a business
// calendar when the timer is created.
type TimerDeclaration struct {
	Calendar   string
	Expression string
}

// ProcessDefinition is the immutable activity graph of a process. It is
// shared read-only by every execution of the process.
type ProcessDefinition struct {
	ID           string
	Key          string
	Name         string
	Version      int
	DeploymentID string

	initial     *Activity
	activities  map[string]*Activity
	children    []*Activity
	transitions map[string]*Transition
	listeners   map[string][]Listener
}

// ElementID returns the definition key.
func (d *ProcessDefinition) ElementID() string { return d.Key }

// Listeners returns the process listeners for event.
func (d *ProcessDefinition) Listeners(event string) []Listener { return d.listeners[event] }

// Initial returns the activity a new process instance starts at.
func (d *ProcessDefinition) Initial() *Activity { return d.initial }

// Activity returns the activity with id at any nesting depth, or nil.
func (d *ProcessDefinition) Activity(id string) *Activity { return d.activities[id] }

// Transition returns the transition with id, or nil.
func (d *ProcessDefinition) Transition(id string) *Transition { return d.transitions[id] }

// Activities returns the top-level activities in declaration order.
func (d *ProcessDefinition) Activities() []*Activity { return d.children }

// Activity is a node of the process graph.
//
// An activity is a scope when it has child activities, boundary events, or
// was declared as one. Entering a scope activity creates a child execution
// that owns the scope's variables and jobs.
type Activity struct {
	ID         string
	Name       string
	Type       string
	Behavior   ActivityBehavior
	Async      bool
	Timer      *TimerDeclaration
	Properties map[string]string

	definition *ProcessDefinition
	parent     *Activity
	scope      bool
	initial    *Activity
	children   []*Activity
	outgoing   []*Transition
	incoming   []*Transition
	boundary   []*Activity
	attachedTo *Activity
	listeners  map[string][]Listener
}

// ElementID returns the activity id.
func (a *Activity) ElementID() string { return a.ID }

// Listeners returns the activity listeners for event.
func (a *Activity) Listeners(event string) []Listener { return a.listeners[event] }

// Definition returns the process definition owning the activity.
func (a *Activity) Definition() *ProcessDefinition { return a.definition }

// Parent returns the enclosing activity, or nil for top-level activities.
func (a *Activity) Parent() *Activity { return a.parent }

// IsScope reports whether the activity is a scope.
func (a *Activity) IsScope() bool { return a.scope }

// Initial returns the initial child of a composite activity.
func (a *Activity) Initial() *Activity { return a.initial }

// Children returns the nested activities in declaration order.
func (a *Activity) Children() []*Activity { return a.children }

// Outgoing returns the transitions leaving the activity.
func (a *Activity) Outgoing() []*Transition { return a.outgoing }

// Incoming returns the transitions arriving at the activity.
func (a *Activity) Incoming() []*Transition { return a.incoming }

// Boundary returns the boundary events attached to the activity.
func (a *Activity) Boundary() []*Activity { return a.boundary }

// AttachedTo returns the activity a boundary event is attached to.
func (a *Activity) AttachedTo() *Activity { return a.attachedTo }

// Property returns a behavior property.
func (a *Activity) Property(name string) string { return a.Properties[name] }

// Transition connects two activities of the same container.
type Transition struct {
	ID        string
	Condition Condition

	source      *Activity
	destination *Activity
	listeners   []Listener
}

// ElementID returns the transition id.
func (t *Transition) ElementID() string { return t.ID }

// Listeners returns the take listeners. Transitions only fire "take".
func (t *Transition) Listeners(event string) []Listener {
	if event != EventTake {
		return nil
	}
	return t.listeners
}

// Source returns the activity the transition leaves.
func (t *Transition) Source() *Activity { return t.source }

// Destination returns the activity the transition enters.
func (t *Transition) Destination() *Activity { return t.destination }

// DefinitionSpec is the input to NewProcessDefinition.
type DefinitionSpec struct {
	Key         string
	Name        string
	Activities  []ActivitySpec
	Transitions []TransitionSpec
	Listeners   map[string][]Listener
}

// ActivitySpec declares one activity. Parent names the enclosing composite
// activity; AttachedTo makes the activity a boundary event.
type ActivitySpec struct {
	ID         string
	Name       string
	Type       string
	Behavior   ActivityBehavior
	Parent     string
	Initial    bool
	Async      bool
	Scope      bool
	AttachedTo string
	Timer      *TimerDeclaration
	Properties map[string]string
	Listeners  map[string][]Listener
}

// TransitionSpec declares one transition. An empty ID is generated from
// source and destination.
type TransitionSpec struct {
	ID          string
	Source      string
	Destination string
	Condition   Condition
	Listeners   []Listener
}

// NewProcessDefinition validates spec and links the activity graph.
// Errors are fault.Validation errors.
func NewProcessDefinition(spec DefinitionSpec) (*ProcessDefinition, error) {
	if spec.Key == "" {
		return nil, fault.Validation("process definition has no key")
	}

	d := &ProcessDefinition{
		Key:         spec.Key,
		Name:        spec.Name,
		activities:  make(map[string]*Activity),
		transitions: make(map[string]*Transition),
		listeners:   copyListeners(spec.Listeners),
	}

	for _, as := range spec.Activities {
		if as.ID == "" {
			return nil, fault.Validation("process %s: activity without id", spec.Key)
		}
		if _, dup := d.activities[as.ID]; dup {
			return nil, fault.Validation("process %s: duplicate activity %q", spec.Key, as.ID)
		}
		if as.Behavior == nil {
			return nil, fault.Validation("process %s: activity %q has no behavior", spec.Key, as.ID)
		}
		d.activities[as.ID] = &Activity{
			ID:         as.ID,
			Name:       as.Name,
			Type:       as.Type,
			Behavior:   as.Behavior,
			Async:      as.Async,
			Timer:      as.Timer,
			Properties: as.Properties,
			definition: d,
			scope:      as.Scope,
			listeners:  copyListeners(as.Listeners),
		}
	}

	// Containment, then boundary events, in declaration order.
	for _, as := range spec.Activities {
		a := d.activities[as.ID]
		if as.Parent != "" {
			p := d.activities[as.Parent]
			if p == nil {
				return nil, fault.Validation("process %s: activity %q has unknown parent %q", spec.Key, as.ID, as.Parent)
			}
			a.parent = p
		}
	}
	for _, as := range spec.Activities {
		a := d.activities[as.ID]
		for p, depth := a.parent, 0; p != nil; p, depth = p.parent, depth+1 {
			if p == a || depth > len(d.activities) {
				return nil, fault.Validation("process %s: activity %q contains itself", spec.Key, as.ID)
			}
		}
		if a.parent != nil {
			a.parent.children = append(a.parent.children, a)
			a.parent.scope = true
		} else {
			d.children = append(d.children, a)
		}
		if as.AttachedTo != "" {
			host := d.activities[as.AttachedTo]
			if host == nil {
				return nil, fault.Validation("process %s: boundary event %q attached to unknown activity %q", spec.Key, as.ID, as.AttachedTo)
			}
			if host.parent != a.parent {
				return nil, fault.Validation("process %s: boundary event %q must share the container of %q", spec.Key, as.ID, as.AttachedTo)
			}
			if as.Timer == nil {
				return nil, fault.Validation("process %s: boundary event %q has no timer", spec.Key, as.ID)
			}
			a.attachedTo = host
			host.boundary = append(host.boundary, a)
			host.scope = true
		}
	}

	for _, ts := range spec.Transitions {
		src, dst := d.activities[ts.Source], d.activities[ts.Destination]
		if src == nil || dst == nil {
			return nil, fault.Validation("process %s: transition %s -> %s references an unknown activity", spec.Key, ts.Source, ts.Destination)
		}
		if src.parent != dst.parent {
			return nil, fault.Validation("process %s: transition %s -> %s crosses a scope boundary", spec.Key, ts.Source, ts.Destination)
		}
		if dst.attachedTo != nil {
			return nil, fault.Validation("process %s: transition %s -> %s enters a boundary event", spec.Key, ts.Source, ts.Destination)
		}
		id := ts.ID
		if id == "" {
			id = ts.Source + "->" + ts.Destination
		}
		if _, dup := d.transitions[id]; dup {
			return nil, fault.Validation("process %s: duplicate transition %q", spec.Key, id)
		}
		t := &Transition{
			ID:          id,
			Condition:   ts.Condition,
			source:      src,
			destination: dst,
			listeners:   append([]Listener(nil), ts.Listeners...),
		}
		d.transitions[id] = t
		src.outgoing = append(src.outgoing, t)
		dst.incoming = append(dst.incoming, t)
	}

	for _, as := range spec.Activities {
		if a := d.activities[as.ID]; a.attachedTo != nil && len(a.outgoing) != 1 {
			return nil, fault.Validation("process %s: boundary event %q needs exactly one outgoing transition", spec.Key, a.ID)
		}
	}

	// Initial activities: one per container.
	for _, as := range spec.Activities {
		if !as.Initial {
			continue
		}
		a := d.activities[as.ID]
		if a.attachedTo != nil {
			return nil, fault.Validation("process %s: boundary event %q cannot be initial", spec.Key, a.ID)
		}
		if a.parent == nil {
			if d.initial != nil {
				return nil, fault.Validation("process %s: more than one initial activity", spec.Key)
			}
			d.initial = a
			continue
		}
		if a.parent.initial != nil {
			return nil, fault.Validation("process %s: %q has more than one initial activity", spec.Key, a.parent.ID)
		}
		a.parent.initial = a
	}
	if d.initial == nil {
		return nil, fault.Validation("process %s: no initial activity", spec.Key)
	}
	if d.initial.scope {
		return nil, fault.Validation("process %s: initial activity %q must not be a scope", spec.Key, d.initial.ID)
	}
	for _, as := range spec.Activities {
		a := d.activities[as.ID]
		if len(a.children) > 0 && a.initial == nil {
			return nil, fault.Validation("process %s: composite activity %q has no initial activity", spec.Key, a.ID)
		}
		if a.initial != nil && a.initial.scope {
			return nil, fault.Validation("process %s: initial activity %q of %q must not be a scope", spec.Key, a.initial.ID, a.ID)
		}
	}

	return d, nil
}

func copyListeners(in map[string][]Listener) map[string][]Listener {
	out := make(map[string][]Listener, len(in))
	for event, ls := range in {
		out[event] = append([]Listener(nil), ls...)
	}
	return out
}
