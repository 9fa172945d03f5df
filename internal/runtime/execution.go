package runtime

import (
	"context"
	"log/slog"
	"slices"
	"time"

	"github.com/roach88/pvm/internal/command"
	"github.com/roach88/pvm/internal/fault"
	"github.com/roach88/pvm/internal/jobs"
	"github.com/roach88/pvm/internal/store"
)

// Execution is a token at one position of a process instance, tracked by
// the DbSession of the command that loaded it.
//
// The process instance is the root execution. Children are created for
// scope activities and concurrent paths. Parent and children are resolved
// through the command's identity map, so each row has exactly one
// Execution per command.
type Execution struct {
	rec store.ExecutionRecord
	s   *session

	definition *ProcessDefinition
	activity   *Activity

	children       []*Execution
	childrenLoaded bool
	variables      map[string]*variable
	varsLoaded     bool

	// Transient notification state. Never persisted: a command runs its
	// agenda to quiescence before it commits.
	eventName     string
	eventSource   ListenerSource
	listenerIndex int
	transition    *Transition

	pending  bool
	inFlight bool
	deleted  bool
	// forced makes the next flush write the row even if nothing changed,
	// so concurrent joins on the same root conflict.
	forced bool
}

var _ command.Entity = (*Execution)(nil)

type executionSnapshot struct {
	rec    store.ExecutionRecord
	forced bool
}

// Ref implements command.Entity.
func (ex *Execution) Ref() command.Ref { return executionRef(ex.rec.ID) }

func executionRef(id string) command.Ref { return command.Ref{Table: "executions", ID: id} }

// Snapshot implements command.Entity.
func (ex *Execution) Snapshot() any { return executionSnapshot{rec: ex.rec, forced: ex.forced} }

// Insert implements command.Entity.
func (ex *Execution) Insert(ctx context.Context, q store.Querier) error {
	if err := store.InsertExecution(ctx, q, ex.rec); err != nil {
		return err
	}
	ex.rec.Revision = 1
	ex.forced = false
	return nil
}

// Update implements command.Entity.
func (ex *Execution) Update(ctx context.Context, q store.Querier) error {
	if err := store.UpdateExecution(ctx, q, ex.rec); err != nil {
		return err
	}
	ex.rec.Revision++
	ex.forced = false
	return nil
}

// Delete implements command.Entity.
func (ex *Execution) Delete(ctx context.Context, q store.Querier) error {
	return store.DeleteExecution(ctx, q, ex.rec.ID, ex.rec.Revision)
}

// Accessors.

func (ex *Execution) ID() string { return ex.rec.ID }
func (ex *Execution) ProcessInstanceID() string { return ex.rec.ProcessInstanceID }
func (ex *Execution) ParentID() string { return ex.rec.ParentID }
func (ex *Execution) BusinessKey() string { return ex.rec.BusinessKey }
func (ex *Execution) Definition() *ProcessDefinition { return ex.definition }
func (ex *Execution) Activity() *Activity { return ex.activity }
func (ex *Execution) IsProcessInstance() bool { return ex.rec.ParentID == "" }
func (ex *Execution) IsActive() bool { return ex.rec.Active }
func (ex *Execution) IsConcurrent() bool { return ex.rec.Concurrent }
func (ex *Execution) IsScope() bool { return ex.rec.Scope }
func (ex *Execution) IsEnded() bool { return ex.deleted }
func (ex *Execution) EventName() string { return ex.eventName }
func (ex *Execution) EventSource() ListenerSource { return ex.eventSource }
func (ex *Execution) ListenerIndex() int { return ex.listenerIndex }
func (ex *Execution) CurrentTransition() *Transition { return ex.transition }
func (ex *Execution) Record() store.ExecutionRecord { return ex.rec }
func (ex *Execution) Command() *command.Context { return ex.s.cc }
func (ex *Execution) Logger() *slog.Logger { return ex.s.cc.Logger() }
func (ex *Execution) Now() time.Time { return ex.s.cc.Clock().Now() }

func (ex *Execution) setActivity(a *Activity) {
	ex.activity = a
	ex.rec.ActivityID = ""
	if a != nil {
		ex.rec.ActivityID = a.ID
	}
}

func (ex *Execution) setActive(v bool) { ex.rec.Active = v }
func (ex *Execution) setConcurrent(v bool) { ex.rec.Concurrent = v }
func (ex *Execution) setScope(v bool) { ex.rec.Scope = v }

// Parent returns the parent execution, or nil for a process instance.
func (ex *Execution) Parent() (*Execution, error) {
	if ex.rec.ParentID == "" {
		return nil, nil
	}
	p, ok, err := ex.s.execution(ex.rec.ParentID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fault.Fatal("parent %s of execution %s does not exist", ex.rec.ParentID, ex.rec.ID)
	}
	return p, nil
}

// ProcessInstance returns the root of the execution tree.
func (ex *Execution) ProcessInstance() (*Execution, error) {
	if ex.IsProcessInstance() {
		return ex, nil
	}
	pi, ok, err := ex.s.execution(ex.rec.ProcessInstanceID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fault.Fatal("process instance %s of execution %s does not exist", ex.rec.ProcessInstanceID, ex.rec.ID)
	}
	return pi, nil
}

// Children returns the child executions in creation order.
func (ex *Execution) Children() ([]*Execution, error) {
	if err := ex.loadChildren(); err != nil {
		return nil, err
	}
	return slices.Clone(ex.children), nil
}

func (ex *Execution) loadChildren() error {
	if ex.childrenLoaded {
		return nil
	}
	q, err := ex.s.cc.Querier()
	if err != nil {
		return err
	}
	recs, err := store.ChildExecutions(ex.s.cc.Context(), q, ex.rec.ID)
	if err != nil {
		return err
	}
	for _, rec := range recs {
		child, ok, err := ex.s.hydrate(rec)
		if err != nil {
			return err
		}
		// Skip rows deleted or moved to another parent in this command.
		if ok && child.rec.ParentID == ex.rec.ID {
			ex.children = append(ex.children, child)
		}
	}
	ex.childrenLoaded = true
	return nil
}

func (ex *Execution) removeChild(child *Execution) {
	ex.children = slices.DeleteFunc(ex.children, func(c *Execution) bool { return c == child })
}

func (ex *Execution) loadVariables() error {
	if ex.varsLoaded {
		return nil
	}
	q, err := ex.s.cc.Querier()
	if err != nil {
		return err
	}
	recs, err := store.ExecutionVariables(ex.s.cc.Context(), q, ex.rec.ID)
	if err != nil {
		return err
	}
	ex.variables = make(map[string]*variable, len(recs))
	db := ex.s.cc.DB()
	for _, rec := range recs {
		ref := command.Ref{Table: "variables", ID: rec.ID}
		if db.IsDeleted(ref) {
			continue
		}
		if e, ok := db.Get(ref); ok {
			ex.variables[rec.Name] = e.(*variable)
			continue
		}
		v, err := variableFromRecord(ex.s.rt.types, rec)
		if err != nil {
			return err
		}
		ex.variables[rec.Name] = db.Load(v).(*variable)
	}
	ex.varsLoaded = true
	return nil
}

// VariableLocal returns a variable of this execution only.
func (ex *Execution) VariableLocal(name string) (any, bool, error) {
	if err := ex.loadVariables(); err != nil {
		return nil, false, err
	}
	v, ok := ex.variables[name]
	if !ok {
		return nil, false, nil
	}
	return v.value, true, nil
}

// Variable looks name up in this execution and then its ancestors.
func (ex *Execution) Variable(name string) (any, bool, error) {
	for cur := ex; cur != nil; {
		v, ok, err := cur.VariableLocal(name)
		if err != nil || ok {
			return v, ok, err
		}
		if cur, err = cur.Parent(); err != nil {
			return nil, false, err
		}
	}
	return nil, false, nil
}

// VariablesLocal returns the variables of this execution only.
func (ex *Execution) VariablesLocal() (map[string]any, error) {
	if err := ex.loadVariables(); err != nil {
		return nil, err
	}
	out := make(map[string]any, len(ex.variables))
	for name, v := range ex.variables {
		out[name] = v.value
	}
	return out, nil
}

// Variables returns the variables visible from this execution. Variables
// of inner executions shadow those of their ancestors.
func (ex *Execution) Variables() (map[string]any, error) {
	parent, err := ex.Parent()
	if err != nil {
		return nil, err
	}
	out := map[string]any{}
	if parent != nil {
		if out, err = parent.Variables(); err != nil {
			return nil, err
		}
	}
	local, err := ex.VariablesLocal()
	if err != nil {
		return nil, err
	}
	for name, v := range local {
		out[name] = v
	}
	return out, nil
}

// SetVariableLocal creates or updates a variable of this execution.
func (ex *Execution) SetVariableLocal(name string, value any) error {
	if name == "" {
		return fault.Validation("variable name must not be empty")
	}
	if err := ex.loadVariables(); err != nil {
		return err
	}
	t, err := ex.s.rt.types.Find(value)
	if err != nil {
		return err
	}
	if v, ok := ex.variables[name]; ok {
		v.set(t, value)
		return nil
	}
	v := &variable{rec: store.VariableRecord{
		ID:                ex.s.cc.IDs().Generate(),
		ExecutionID:       ex.rec.ID,
		ProcessInstanceID: ex.rec.ProcessInstanceID,
		Name:              name,
	}}
	v.set(t, value)
	ex.s.cc.DB().Insert(v)
	ex.variables[name] = v
	return nil
}

// SetVariable updates the innermost visible variable called name. A new
// variable is created on the process instance.
func (ex *Execution) SetVariable(name string, value any) error {
	_, ok, err := ex.VariableLocal(name)
	if err != nil {
		return err
	}
	if ok {
		return ex.SetVariableLocal(name, value)
	}
	parent, err := ex.Parent()
	if err != nil {
		return err
	}
	if parent == nil {
		return ex.SetVariableLocal(name, value)
	}
	return parent.SetVariable(name, value)
}

// SetVariables sets several variables in name order.
func (ex *Execution) SetVariables(vars map[string]any, local bool) error {
	names := make([]string, 0, len(vars))
	for name := range vars {
		names = append(names, name)
	}
	slices.Sort(names)
	for _, name := range names {
		set := ex.SetVariable
		if local {
			set = ex.SetVariableLocal
		}
		if err := set(name, vars[name]); err != nil {
			return err
		}
	}
	return nil
}

// Take leaves the current activity over t.
func (ex *Execution) Take(t *Transition) error {
	if t == nil {
		return fault.Fatal("execution %s: take without transition", ex.rec.ID)
	}
	ex.transition = t
	return ex.s.schedule(Step{Op: OpTransitionNotifyListenerEnd, Execution: ex})
}

// End ends the path of this execution at the current activity.
func (ex *Execution) End() error {
	ex.setActive(false)
	return ex.s.schedule(Step{Op: OpActivityEnd, Execution: ex})
}

// ExecuteActivity moves the execution to a and starts it. Composite
// behaviors use it to enter their initial activity.
func (ex *Execution) ExecuteActivity(a *Activity) error {
	if a == nil {
		return fault.Fatal("execution %s: execute without activity", ex.rec.ID)
	}
	ex.setActivity(a)
	return ex.s.schedule(Step{Op: OpActivityStart, Execution: ex})
}

// Inactivate marks the execution as waiting, e.g. at a join.
func (ex *Execution) Inactivate() { ex.setActive(false) }

// LockConcurrentRoot forces a revision bump of the concurrency root at
// flush, so two commands joining the same root conflict.
func (ex *Execution) LockConcurrentRoot() error {
	root := ex
	if ex.IsConcurrent() {
		p, err := ex.Parent()
		if err != nil {
			return err
		}
		root = p
	}
	root.forced = true
	return nil
}

// FindInactiveConcurrentExecutions returns the executions waiting at a:
// the inactive siblings of a concurrent execution, or the execution
// itself when it is not concurrent and inactive.
func (ex *Execution) FindInactiveConcurrentExecutions(a *Activity) ([]*Execution, error) {
	if !ex.IsConcurrent() {
		if !ex.IsActive() {
			return []*Execution{ex}, nil
		}
		return nil, nil
	}
	root, err := ex.Parent()
	if err != nil {
		return nil, err
	}
	siblings, err := root.Children()
	if err != nil {
		return nil, err
	}
	var out []*Execution
	for _, c := range siblings {
		if c.activity == a && !c.IsActive() {
			out = append(out, c)
		}
	}
	return out, nil
}

// TakeAll leaves the current activity over every transition, recycling
// the joined executions as the outgoing concurrent paths.
//
// With a single transition and no other active paths the concurrency root
// continues alone and the joined executions are pruned.
func (ex *Execution) TakeAll(transitions []*Transition, joined []*Execution) error {
	if len(transitions) == 0 {
		return fault.Fatal("execution %s: take all without transitions", ex.rec.ID)
	}
	root := ex
	if ex.IsConcurrent() && !ex.IsScope() {
		p, err := ex.Parent()
		if err != nil {
			return err
		}
		root = p
	}
	siblings, err := root.Children()
	if err != nil {
		return err
	}
	var active int
	for _, c := range siblings {
		if c.IsActive() {
			active++
		}
	}

	activity := ex.activity
	if len(transitions) == 1 && active == 0 {
		for _, j := range joined {
			if j != root {
				if err := ex.s.deleteExecution(j); err != nil {
					return err
				}
			}
		}
		root.setActive(true)
		root.setActivity(activity)
		root.setConcurrent(false)
		return root.Take(transitions[0])
	}

	recyclable := slices.DeleteFunc(slices.Clone(joined), func(j *Execution) bool { return j == root })
	outgoing := make([]*Execution, 0, len(transitions))
	for range transitions {
		var out *Execution
		if len(recyclable) == 0 {
			if out, err = ex.s.createChild(root); err != nil {
				return err
			}
		} else {
			out, recyclable = recyclable[0], recyclable[1:]
		}
		out.setActive(true)
		out.setScope(false)
		out.setConcurrent(true)
		out.setActivity(activity)
		outgoing = append(outgoing, out)
	}
	root.setActive(false)
	root.setConcurrent(false)
	root.setActivity(nil)

	for _, pruned := range recyclable {
		if err := ex.s.deleteExecution(pruned); err != nil {
			return err
		}
	}
	for i, out := range outgoing {
		if err := out.Take(transitions[i]); err != nil {
			return err
		}
	}
	return nil
}

// Leave takes the outgoing transitions whose condition holds. Several
// matching transitions fork; an activity without outgoing transitions
// ends the path.
func (ex *Execution) Leave() error {
	a := ex.activity
	if a == nil {
		return fault.Fatal("execution %s is not at an activity", ex.rec.ID)
	}
	if len(a.outgoing) == 0 {
		return ex.End()
	}
	var selected []*Transition
	for _, t := range a.outgoing {
		if t.Condition == nil {
			selected = append(selected, t)
			continue
		}
		ok, err := t.Condition.Evaluate(ex)
		if err != nil {
			return err
		}
		if ok {
			selected = append(selected, t)
		}
	}
	switch len(selected) {
	case 0:
		return fault.Fatal("no outgoing transition of %s could be selected", a.ID)
	case 1:
		return ex.Take(selected[0])
	default:
		return ex.TakeAll(selected, []*Execution{ex})
	}
}

// CreateTimer creates a timer job owned by this execution.
func (ex *Execution) CreateTimer(decl *TimerDeclaration, handlerType, config string) (*jobs.Job, error) {
	if decl == nil {
		return nil, fault.Validation("activity %s has no timer declaration", ex.rec.ActivityID)
	}
	return ex.s.rt.jobs.CreateTimer(ex.s.cc, decl.Calendar, decl.Expression, jobs.Spec{
		HandlerType:       handlerType,
		HandlerConfig:     config,
		Exclusive:         true,
		ExecutionID:       ex.rec.ID,
		ProcessInstanceID: ex.rec.ProcessInstanceID,
	})
}

// SendMessage creates a message job owned by this execution.
func (ex *Execution) SendMessage(handlerType, config string) (*jobs.Job, error) {
	return ex.s.rt.jobs.Create(ex.s.cc, jobs.Spec{
		Kind:              jobs.KindMessage,
		HandlerType:       handlerType,
		HandlerConfig:     config,
		Exclusive:         true,
		ExecutionID:       ex.rec.ID,
		ProcessInstanceID: ex.rec.ProcessInstanceID,
	})
}
