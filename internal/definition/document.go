// Package definition loads process definitions from YAML and CUE
// resources.
//
// Both formats describe the same document:
//
//	processes:
//	  - key: order
//	    activities:
//	      - {id: start, type: startEvent, initial: true, transitions: [{to: ship}]}
//	      - id: ship
//	        type: serviceTask
//	        properties: {delegate: log, message: shipping}
//	        transitions: [{to: end}]
//	      - {id: end, type: endEvent}
//
// Activity types and delegate and listener names are resolved with a
// behavior.Registry. Subprocesses nest their activities; boundary timers
// name the activity they are attached to.
package definition

import (
	"fmt"

	"github.com/roach88/pvm/internal/behavior"
	"github.com/roach88/pvm/internal/calendar"
	"github.com/roach88/pvm/internal/fault"
	"github.com/roach88/pvm/internal/runtime"
)

// Document is a resource holding one or more processes.
type Document struct {
	Processes []Process `yaml:"processes" json:"processes"`
}

// Process declares one process definition.
type Process struct {
	Key        string     `yaml:"key" json:"key"`
	Name       string     `yaml:"name" json:"name,omitempty"`
	Listeners  []Listener `yaml:"listeners" json:"listeners,omitempty"`
	Activities []Activity `yaml:"activities" json:"activities"`
}

// Activity declares an activity. Activities nest inside subprocesses.
type Activity struct {
	ID          string            `yaml:"id" json:"id"`
	Name        string            `yaml:"name" json:"name,omitempty"`
	Type        string            `yaml:"type" json:"type"`
	Initial     bool              `yaml:"initial" json:"initial,omitempty"`
	Async       bool              `yaml:"async" json:"async,omitempty"`
	Scope       bool              `yaml:"scope" json:"scope,omitempty"`
	AttachedTo  string            `yaml:"attachedTo" json:"attachedTo,omitempty"`
	Timer       *Timer            `yaml:"timer" json:"timer,omitempty"`
	Properties  map[string]string `yaml:"properties" json:"properties,omitempty"`
	Listeners   []Listener        `yaml:"listeners" json:"listeners,omitempty"`
	Transitions []Transition      `yaml:"transitions" json:"transitions,omitempty"`
	Activities  []Activity        `yaml:"activities" json:"activities,omitempty"`
}

// Timer is a timer declaration. Calendar defaults to "duration".
type Timer struct {
	Calendar   string `yaml:"calendar" json:"calendar,omitempty"`
	Expression string `yaml:"expression" json:"expression"`
}

// Transition leaves the enclosing activity.
type Transition struct {
	ID        string     `yaml:"id" json:"id,omitempty"`
	To        string     `yaml:"to" json:"to"`
	Condition string     `yaml:"condition" json:"condition,omitempty"`
	Listeners []Listener `yaml:"listeners" json:"listeners,omitempty"`
}

// Listener names a registered listener and its parameters. Event is
// ignored on transitions, which only fire "take".
type Listener struct {
	Event  string            `yaml:"event" json:"event,omitempty"`
	Type   string            `yaml:"type" json:"type"`
	Params map[string]string `yaml:"params" json:"params,omitempty"`
}

// Build turns every process of doc into a linked definition.
func Build(reg *behavior.Registry, doc Document) ([]*runtime.ProcessDefinition, error) {
	if len(doc.Processes) == 0 {
		return nil, fault.Validation("document declares no process")
	}
	defs := make([]*runtime.ProcessDefinition, 0, len(doc.Processes))
	for _, p := range doc.Processes {
		spec, err := Spec(reg, p)
		if err != nil {
			return nil, err
		}
		def, err := runtime.NewProcessDefinition(spec)
		if err != nil {
			return nil, err
		}
		defs = append(defs, def)
	}
	return defs, nil
}

// Spec resolves p into a runtime.DefinitionSpec.
func Spec(reg *behavior.Registry, p Process) (runtime.DefinitionSpec, error) {
	spec := runtime.DefinitionSpec{Key: p.Key, Name: p.Name}
	ls, err := listeners(reg, p.Listeners, runtime.EventStart, runtime.EventEnd)
	if err != nil {
		return spec, fmt.Errorf("process %s: %w", p.Key, err)
	}
	spec.Listeners = ls
	if err := addActivities(reg, &spec, "", p.Activities); err != nil {
		return spec, fmt.Errorf("process %s: %w", p.Key, err)
	}
	return spec, nil
}

func addActivities(reg *behavior.Registry, spec *runtime.DefinitionSpec, parent string, acts []Activity) error {
	for _, a := range acts {
		if a.Type == behavior.TypeBoundaryTimer && a.AttachedTo == "" {
			return fault.Validation("boundary timer %q is not attached to an activity", a.ID)
		}
		if a.Type != behavior.TypeSubProcess && len(a.Activities) > 0 {
			return fault.Validation("activity %q of type %s cannot contain activities", a.ID, a.Type)
		}
		b, err := reg.Behavior(a.Type, a.Properties)
		if err != nil {
			return fmt.Errorf("activity %s: %w", a.ID, err)
		}
		ls, err := listeners(reg, a.Listeners, runtime.EventStart, runtime.EventEnd)
		if err != nil {
			return fmt.Errorf("activity %s: %w", a.ID, err)
		}

		as := runtime.ActivitySpec{
			ID:         a.ID,
			Name:       a.Name,
			Type:       a.Type,
			Behavior:   b,
			Parent:     parent,
			Initial:    a.Initial,
			Async:      a.Async,
			Scope:      a.Scope || behavior.NeedsScope(a.Type),
			AttachedTo: a.AttachedTo,
			Properties: a.Properties,
			Listeners:  ls,
		}
		if a.Timer != nil {
			cal := a.Timer.Calendar
			if cal == "" {
				cal = calendar.Duration
			}
			as.Timer = &runtime.TimerDeclaration{Calendar: cal, Expression: a.Timer.Expression}
		}
		spec.Activities = append(spec.Activities, as)

		for _, t := range a.Transitions {
			ts := runtime.TransitionSpec{ID: t.ID, Source: a.ID, Destination: t.To}
			if t.Condition != "" {
				c, err := behavior.ParseCondition(t.Condition)
				if err != nil {
					return fmt.Errorf("activity %s: %w", a.ID, err)
				}
				ts.Condition = c
			}
			for _, l := range t.Listeners {
				tl, err := reg.Listener(l.Type, l.Params)
				if err != nil {
					return fmt.Errorf("activity %s: %w", a.ID, err)
				}
				ts.Listeners = append(ts.Listeners, tl)
			}
			spec.Transitions = append(spec.Transitions, ts)
		}

		if err := addActivities(reg, spec, a.ID, a.Activities); err != nil {
			return err
		}
	}
	return nil
}

// listeners groups declared listeners by event. Only events in allowed
// are accepted.
func listeners(reg *behavior.Registry, decls []Listener, allowed ...string) (map[string][]runtime.Listener, error) {
	out := make(map[string][]runtime.Listener)
	for _, d := range decls {
		ok := false
		for _, e := range allowed {
			ok = ok || d.Event == e
		}
		if !ok {
			return nil, fault.Validation("listener %s: unsupported event %q", d.Type, d.Event)
		}
		l, err := reg.Listener(d.Type, d.Params)
		if err != nil {
			return nil, err
		}
		out[d.Event] = append(out[d.Event], l)
	}
	return out, nil
}
