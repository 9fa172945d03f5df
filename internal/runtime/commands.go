package runtime

import (
	"fmt"

	"github.com/roach88/pvm/internal/command"
	"github.com/roach88/pvm/internal/fault"
	"github.com/roach88/pvm/internal/store"
)

// StartOptions are the optional inputs of a process start.
type StartOptions struct {
	BusinessKey string
	// Variables are set on the process instance before the start event.
	Variables map[string]any
}

// ProcessInstance describes a started process instance. Ended is set when
// the instance ran to completion inside the starting command.
type ProcessInstance struct {
	ID           string
	DefinitionID string
	BusinessKey  string
	Ended        bool
}

// TreeNode is one execution of a process instance tree.
type TreeNode struct {
	ID         string
	ActivityID string
	Active     bool
	Concurrent bool
	Scope      bool
	Children   []TreeNode
}

// Deploy returns a command deploying resources. Result: *Deployment.
func (rt *Runtime) Deploy(name string, resources ...Resource) command.Command {
	return command.Func("deploy", func(cc *command.Context) (any, error) {
		return rt.repo.Deploy(cc, name, resources)
	})
}

// DeleteDeployment returns a command removing a deployment and its
// definitions. Running instances are deleted with it when cascade is set;
// otherwise they make the command fail.
func (rt *Runtime) DeleteDeployment(id string, cascade bool) command.Command {
	return command.Func("delete-deployment", func(cc *command.Context) (any, error) {
		q, err := cc.Querier()
		if err != nil {
			return nil, err
		}
		defs, err := store.DeploymentDefinitions(cc.Context(), q, id)
		if err != nil {
			return nil, err
		}
		s := rt.session(cc)
		ids := make([]string, 0, len(defs))
		for _, def := range defs {
			ids = append(ids, def.ID)
			roots, err := store.FindExecutions(cc.Context(), q, store.ExecutionFilter{DefinitionID: def.ID, RootsOnly: true})
			if err != nil {
				return nil, err
			}
			if len(roots) > 0 && !cascade {
				return nil, fault.Validation("deployment %s still has %d running instances of %s", id, len(roots), def.Key)
			}
			for _, rec := range roots {
				ex, ok, err := s.hydrate(rec)
				if err != nil {
					return nil, err
				}
				if ok {
					if err := s.deleteExecution(ex); err != nil {
						return nil, err
					}
				}
			}
		}
		if err := store.DeleteDeployment(cc.Context(), q, id); err != nil {
			return nil, err
		}
		cc.Transaction().AddListener(command.Committed, func(*command.Context) error {
			rt.repo.evict(ids)
			return nil
		})
		return nil, nil
	})
}

// StartProcessInstanceByKey returns a command starting the latest version
// of the process key. Result: ProcessInstance.
func (rt *Runtime) StartProcessInstanceByKey(key string, opts StartOptions) command.Command {
	return command.Func("start-process-instance", func(cc *command.Context) (any, error) {
		def, err := rt.repo.LatestDefinition(cc, key)
		if err != nil {
			return nil, err
		}
		return rt.start(cc, def, opts)
	})
}

// StartProcessInstanceByID returns a command starting the definition
// with id. Result: ProcessInstance.
func (rt *Runtime) StartProcessInstanceByID(id string, opts StartOptions) command.Command {
	return command.Func("start-process-instance", func(cc *command.Context) (any, error) {
		def, err := rt.repo.Definition(cc, id)
		if err != nil {
			return nil, err
		}
		return rt.start(cc, def, opts)
	})
}

func (rt *Runtime) start(cc *command.Context, def *ProcessDefinition, opts StartOptions) (ProcessInstance, error) {
	if def.Initial() == nil {
		return ProcessInstance{}, fault.Validation("process %s has no initial activity", def.ID)
	}
	s := rt.session(cc)
	pi := s.newProcessInstance(def, opts.BusinessKey)
	if err := pi.SetVariables(opts.Variables, true); err != nil {
		return ProcessInstance{}, err
	}
	cc.Logger().Debug("starting process instance", "process_instance", pi.ID(), "definition", def.ID)
	if err := s.schedule(Step{Op: OpProcessStart, Execution: pi}); err != nil {
		return ProcessInstance{}, err
	}
	if err := s.run(); err != nil {
		return ProcessInstance{}, err
	}
	return ProcessInstance{
		ID:           pi.ID(),
		DefinitionID: def.ID,
		BusinessKey:  opts.BusinessKey,
		Ended:        pi.IsEnded(),
	}, nil
}

func (rt *Runtime) load(cc *command.Context, executionID string) (*session, *Execution, error) {
	s := rt.session(cc)
	ex, ok, err := s.execution(executionID)
	if err != nil {
		return nil, nil, err
	}
	if !ok {
		return nil, nil, fault.NotFound("execution", executionID)
	}
	return s, ex, nil
}

// Signal returns a command delivering signal to the wait state of an
// execution.
func (rt *Runtime) Signal(executionID, signal string, data any) command.Command {
	return command.Func("signal", func(cc *command.Context) (any, error) {
		s, ex, err := rt.load(cc, executionID)
		if err != nil {
			return nil, err
		}
		return nil, s.signal(ex, signal, data)
	})
}

// SetVariables returns a command setting variables on an execution. With
// local unset, existing variables are updated where they are visible and
// new ones are created on the process instance.
func (rt *Runtime) SetVariables(executionID string, vars map[string]any, local bool) command.Command {
	return command.Func("set-variables", func(cc *command.Context) (any, error) {
		_, ex, err := rt.load(cc, executionID)
		if err != nil {
			return nil, err
		}
		return nil, ex.SetVariables(vars, local)
	})
}

// Variables returns a command reading the variables of an execution.
// Result: map[string]any.
func (rt *Runtime) Variables(executionID string, local bool) command.Command {
	return command.Func("get-variables", func(cc *command.Context) (any, error) {
		_, ex, err := rt.load(cc, executionID)
		if err != nil {
			return nil, err
		}
		if local {
			return ex.VariablesLocal()
		}
		return ex.Variables()
	})
}

// DeleteProcessInstance returns a command removing a process instance
// with its executions, variables and jobs. End listeners are not called.
func (rt *Runtime) DeleteProcessInstance(id, reason string) command.Command {
	return command.Func("delete-process-instance", func(cc *command.Context) (any, error) {
		s, ex, err := rt.load(cc, id)
		if err != nil {
			return nil, err
		}
		if !ex.IsProcessInstance() {
			return nil, fault.Validation("execution %s is not a process instance", id)
		}
		if err := s.deleteExecution(ex); err != nil {
			return nil, err
		}
		cc.Logger().Info("process instance deleted", "process_instance", id, "reason", reason)
		return nil, nil
	})
}

// FindExecutions returns a command querying executions.
// Result: []store.ExecutionRecord.
func (rt *Runtime) FindExecutions(f store.ExecutionFilter) command.Command {
	return command.Func("find-executions", func(cc *command.Context) (any, error) {
		q, err := cc.Querier()
		if err != nil {
			return nil, err
		}
		return store.FindExecutions(cc.Context(), q, f)
	})
}

// ExecutionTree returns a command reading the persisted execution tree of
// a process instance. Result: TreeNode.
func (rt *Runtime) ExecutionTree(processInstanceID string) command.Command {
	return command.Func("execution-tree", func(cc *command.Context) (any, error) {
		q, err := cc.Querier()
		if err != nil {
			return nil, err
		}
		recs, err := store.InstanceExecutions(cc.Context(), q, processInstanceID)
		if err != nil {
			return nil, err
		}
		return buildTree(processInstanceID, recs)
	})
}

func buildTree(rootID string, recs []store.ExecutionRecord) (TreeNode, error) {
	byParent := make(map[string][]store.ExecutionRecord)
	var root *store.ExecutionRecord
	for i, rec := range recs {
		if rec.ID == rootID {
			root = &recs[i]
			continue
		}
		byParent[rec.ParentID] = append(byParent[rec.ParentID], rec)
	}
	if root == nil {
		return TreeNode{}, fault.NotFound("process instance", rootID)
	}

	var build func(rec store.ExecutionRecord, depth int) (TreeNode, error)
	build = func(rec store.ExecutionRecord, depth int) (TreeNode, error) {
		if depth > len(recs) {
			return TreeNode{}, fmt.Errorf("execution tree of %s contains a cycle", rootID)
		}
		n := TreeNode{
			ID:         rec.ID,
			ActivityID: rec.ActivityID,
			Active:     rec.Active,
			Concurrent: rec.Concurrent,
			Scope:      rec.Scope,
		}
		for _, c := range byParent[rec.ID] {
			child, err := build(c, depth+1)
			if err != nil {
				return TreeNode{}, err
			}
			n.Children = append(n.Children, child)
		}
		return n, nil
	}
	return build(*root, 0)
}
