package behavior

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/roach88/pvm/internal/fault"
	"github.com/roach88/pvm/internal/runtime"
)

// Delegate is the code a service or send task runs. It reads its
// configuration from the activity properties.
type Delegate interface {
	Execute(ex *runtime.Execution) error
}

// DelegateFunc adapts a function to the Delegate interface.
type DelegateFunc func(ex *runtime.Execution) error

// Execute calls f(ex).
func (f DelegateFunc) Execute(ex *runtime.Execution) error { return f(ex) }

// ListenerFactory builds a listener from its declared parameters.
type ListenerFactory func(params map[string]string) (runtime.Listener, error)

// Registry resolves the names used in process definitions: activity
// types, delegates and listeners.
//
// Thread-safety: safe for concurrent use.
type Registry struct {
	mu        sync.RWMutex
	delegates map[string]Delegate
	listeners map[string]ListenerFactory
}

// NewRegistry returns a registry with the built-in delegates
//
//	noop    does nothing
//	log     logs the "message" property
//	fail    fails with the "message" property
//	setVar  sets variable "variable" to the literal "value"
//
// and the built-in listeners log and setVar, taking the same parameters.
func NewRegistry() *Registry {
	r := &Registry{
		delegates: make(map[string]Delegate),
		listeners: make(map[string]ListenerFactory),
	}
	r.MustRegisterDelegate("noop", DelegateFunc(func(*runtime.Execution) error { return nil }))
	r.MustRegisterDelegate("log", DelegateFunc(func(ex *runtime.Execution) error {
		logActivity(ex, ex.Activity().Property("message"))
		return nil
	}))
	r.MustRegisterDelegate("fail", DelegateFunc(func(ex *runtime.Execution) error {
		msg := ex.Activity().Property("message")
		if msg == "" {
			msg = "delegate failed"
		}
		return errors.New(msg)
	}))
	r.MustRegisterDelegate("setVar", DelegateFunc(func(ex *runtime.Execution) error {
		return setLiteral(ex, ex.Activity().Property("variable"), ex.Activity().Property("value"))
	}))

	r.MustRegisterListener("log", func(params map[string]string) (runtime.Listener, error) {
		msg := params["message"]
		return runtime.ListenerFunc(func(ex *runtime.Execution) error {
			logActivity(ex, msg)
			return nil
		}), nil
	})
	r.MustRegisterListener("setVar", func(params map[string]string) (runtime.Listener, error) {
		name, value := params["variable"], params["value"]
		if name == "" {
			return nil, fault.Validation("setVar listener needs a variable parameter")
		}
		return runtime.ListenerFunc(func(ex *runtime.Execution) error {
			return setLiteral(ex, name, value)
		}), nil
	})
	return r
}

func logActivity(ex *runtime.Execution, msg string) {
	attrs := []any{"execution", ex.ID(), "process_instance", ex.ProcessInstanceID()}
	if a := ex.Activity(); a != nil {
		attrs = append(attrs, "activity", a.ID)
	}
	if ev := ex.EventName(); ev != "" {
		attrs = append(attrs, "event", ev)
	}
	ex.Logger().Log(ex.Command().Context(), slog.LevelInfo, msg, attrs...)
}

// setLiteral sets name to value parsed as a literal, or to value itself
// when it is not one.
func setLiteral(ex *runtime.Execution, name, value string) error {
	v, ok := ParseLiteral(value)
	if !ok {
		v = value
	}
	if i, isInt := v.(int64); isInt {
		v = int(i)
	}
	return ex.SetVariable(name, v)
}

// RegisterDelegate binds name to d. Registering a name twice is an error.
func (r *Registry) RegisterDelegate(name string, d Delegate) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.delegates[name]; exists {
		return fmt.Errorf("delegate %q already registered", name)
	}
	r.delegates[name] = d
	return nil
}

// MustRegisterDelegate is RegisterDelegate that panics on error.
func (r *Registry) MustRegisterDelegate(name string, d Delegate) {
	if err := r.RegisterDelegate(name, d); err != nil {
		panic(err)
	}
}

// RegisterListener binds name to f. Registering a name twice is an error.
func (r *Registry) RegisterListener(name string, f ListenerFactory) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.listeners[name]; exists {
		return fmt.Errorf("listener %q already registered", name)
	}
	r.listeners[name] = f
	return nil
}

// MustRegisterListener is RegisterListener that panics on error.
func (r *Registry) MustRegisterListener(name string, f ListenerFactory) {
	if err := r.RegisterListener(name, f); err != nil {
		panic(err)
	}
}

// Delegate returns the delegate registered as name.
func (r *Registry) Delegate(name string) (Delegate, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	d, ok := r.delegates[name]
	return d, ok
}

// Delegates returns the registered delegate names in sorted order.
func (r *Registry) Delegates() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.delegates))
	for name := range r.delegates {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Listener builds the listener registered as name.
func (r *Registry) Listener(name string, params map[string]string) (runtime.Listener, error) {
	r.mu.RLock()
	f, ok := r.listeners[name]
	r.mu.RUnlock()

	if !ok {
		return nil, fault.Validation("unknown listener %q", name)
	}
	return f(params)
}

// Behavior builds the behavior of an activity of type typ. Service and
// send tasks name their delegate in the "delegate" property.
func (r *Registry) Behavior(typ string, props map[string]string) (runtime.ActivityBehavior, error) {
	switch typ {
	case TypeStartEvent:
		return StartEvent{}, nil
	case TypeEndEvent:
		return EndEvent{}, nil
	case TypeServiceTask, TypeSendTask:
		name := props["delegate"]
		d, ok := r.Delegate(name)
		if !ok {
			return nil, fault.Validation("%s: unknown delegate %q", typ, name)
		}
		if typ == TypeSendTask {
			return SendTask{Delegate: d}, nil
		}
		return ServiceTask{Delegate: d}, nil
	case TypeReceiveTask:
		return ReceiveTask{}, nil
	case TypeIntermediateTimer:
		return IntermediateTimer{}, nil
	case TypeParallelGateway:
		return ParallelGateway{}, nil
	case TypeExclusiveGateway:
		return ExclusiveGateway{}, nil
	case TypeSubProcess:
		return SubProcess{}, nil
	case TypeBoundaryTimer:
		return BoundaryTimer{}, nil
	default:
		return nil, fault.Validation("unknown activity type %q", typ)
	}
}
