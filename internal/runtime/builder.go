package runtime

// Builder assembles a DefinitionSpec fluently. Activities are declared in
// the container opened by the last SubProcess call until EndSubProcess.
//
//	def, err := runtime.NewBuilder("order").
//		Activity("start", start).Initial().Transition("ship").
//		Activity("ship", task).Transition("end").
//		Activity("end", end).
//		Build()
type Builder struct {
	spec       DefinitionSpec
	containers []string
	current    int
	transition int
}

// NewBuilder starts a definition with key.
func NewBuilder(key string) *Builder {
	return &Builder{
		spec:       DefinitionSpec{Key: key, Listeners: map[string][]Listener{}},
		current:    -1,
		transition: -1,
	}
}

// Name sets the process name.
func (b *Builder) Name(name string) *Builder {
	b.spec.Name = name
	return b
}

// ProcessListener adds a process-level listener.
func (b *Builder) ProcessListener(event string, l Listener) *Builder {
	b.spec.Listeners[event] = append(b.spec.Listeners[event], l)
	return b
}

// Activity declares an activity in the current container.
func (b *Builder) Activity(id string, behavior ActivityBehavior) *Builder {
	as := ActivitySpec{ID: id, Behavior: behavior, Listeners: map[string][]Listener{}}
	if n := len(b.containers); n > 0 {
		as.Parent = b.containers[n-1]
	}
	b.spec.Activities = append(b.spec.Activities, as)
	b.current = len(b.spec.Activities) - 1
	b.transition = -1
	return b
}

// SubProcess declares a composite activity and opens it as the container
// of the following activities.
func (b *Builder) SubProcess(id string, behavior ActivityBehavior) *Builder {
	b.Activity(id, behavior)
	b.containers = append(b.containers, id)
	return b
}

// EndSubProcess closes the innermost container and selects the composite
// activity again, so transitions can be added to it.
func (b *Builder) EndSubProcess() *Builder {
	id := b.containers[len(b.containers)-1]
	b.containers = b.containers[:len(b.containers)-1]
	for i, as := range b.spec.Activities {
		if as.ID == id {
			b.current = i
		}
	}
	b.transition = -1
	return b
}

func (b *Builder) activity() *ActivitySpec {
	return &b.spec.Activities[b.current]
}

// Initial marks the current activity as the initial one of its container.
func (b *Builder) Initial() *Builder {
	b.activity().Initial = true
	return b
}

// Async makes entering the current activity an asynchronous continuation.
func (b *Builder) Async() *Builder {
	b.activity().Async = true
	return b
}

// Scope declares the current activity a scope.
func (b *Builder) Scope() *Builder {
	b.activity().Scope = true
	return b
}

// Type records the activity type name.
func (b *Builder) Type(t string) *Builder {
	b.activity().Type = t
	return b
}

// Property sets a behavior property on the current activity.
func (b *Builder) Property(name, value string) *Builder {
	a := b.activity()
	if a.Properties == nil {
		a.Properties = map[string]string{}
	}
	a.Properties[name] = value
	return b
}

// Timer sets the timer declaration of the current activity.
func (b *Builder) Timer(calendar, expression string) *Builder {
	b.activity().Timer = &TimerDeclaration{Calendar: calendar, Expression: expression}
	return b
}

// AttachedTo turns the current activity into a boundary event of host.
func (b *Builder) AttachedTo(host string) *Builder {
	b.activity().AttachedTo = host
	return b
}

// Listener adds a listener to the current activity.
func (b *Builder) Listener(event string, l Listener) *Builder {
	a := b.activity()
	a.Listeners[event] = append(a.Listeners[event], l)
	return b
}

// Transition adds a transition from the current activity to destination.
func (b *Builder) Transition(destination string) *Builder {
	return b.TransitionID("", destination)
}

// TransitionID adds a transition with an explicit id.
func (b *Builder) TransitionID(id, destination string) *Builder {
	b.spec.Transitions = append(b.spec.Transitions, TransitionSpec{
		ID:          id,
		Source:      b.activity().ID,
		Destination: destination,
	})
	b.transition = len(b.spec.Transitions) - 1
	return b
}

// Condition guards the last added transition.
func (b *Builder) Condition(c Condition) *Builder {
	b.spec.Transitions[b.transition].Condition = c
	return b
}

// TakeListener adds a take listener to the last added transition.
func (b *Builder) TakeListener(l Listener) *Builder {
	t := &b.spec.Transitions[b.transition]
	t.Listeners = append(t.Listeners, l)
	return b
}

// Spec returns the assembled definition spec.
func (b *Builder) Spec() DefinitionSpec { return b.spec }

// Build validates and links the definition.
func (b *Builder) Build() (*ProcessDefinition, error) {
	return NewProcessDefinition(b.spec)
}
