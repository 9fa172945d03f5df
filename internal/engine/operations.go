package engine

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/roach88/pvm/internal/command"
	"github.com/roach88/pvm/internal/runtime"
	"github.com/roach88/pvm/internal/store"
)

// Deploy stores a new version of every process defined in resources.
func (e *Engine) Deploy(ctx context.Context, name string, resources ...runtime.Resource) (*runtime.Deployment, error) {
	return execute[*runtime.Deployment](ctx, e, e.runtime.Deploy(name, resources...))
}

// DeployFiles deploys the definition files at paths. Resources are named
// after the file base names, so the parser is chosen by extension.
func (e *Engine) DeployFiles(ctx context.Context, name string, paths ...string) (*runtime.Deployment, error) {
	resources := make([]runtime.Resource, 0, len(paths))
	for _, p := range paths {
		content, err := os.ReadFile(p)
		if err != nil {
			return nil, fmt.Errorf("read definition: %w", err)
		}
		resources = append(resources, runtime.Resource{Name: filepath.Base(p), Content: content})
	}
	return e.Deploy(ctx, name, resources...)
}

// Deployments lists the deployments, oldest first.
func (e *Engine) Deployments(ctx context.Context) ([]store.DeploymentRecord, error) {
	return command.Run(ctx, e.commands, "list-deployments", func(cc *command.Context) ([]store.DeploymentRecord, error) {
		return e.runtime.Repository().Deployments(cc)
	})
}

// DeleteDeployment removes a deployment and its definitions. With cascade
// set, running instances of those definitions are deleted too.
func (e *Engine) DeleteDeployment(ctx context.Context, id string, cascade bool) error {
	_, err := e.commands.Execute(ctx, e.runtime.DeleteDeployment(id, cascade))
	return err
}

// StartProcessInstanceByKey starts the latest version of process key.
func (e *Engine) StartProcessInstanceByKey(ctx context.Context, key string, opts runtime.StartOptions) (runtime.ProcessInstance, error) {
	return execute[runtime.ProcessInstance](ctx, e, e.runtime.StartProcessInstanceByKey(key, opts))
}

// StartProcessInstanceByID starts the process definition with id.
func (e *Engine) StartProcessInstanceByID(ctx context.Context, id string, opts runtime.StartOptions) (runtime.ProcessInstance, error) {
	return execute[runtime.ProcessInstance](ctx, e, e.runtime.StartProcessInstanceByID(id, opts))
}

// Signal delivers signal and data to the wait state of an execution.
func (e *Engine) Signal(ctx context.Context, executionID, signal string, data any) error {
	_, err := e.commands.Execute(ctx, e.runtime.Signal(executionID, signal, data))
	return err
}

// Variables returns the variables visible from an execution, or only its
// own when local is set.
func (e *Engine) Variables(ctx context.Context, executionID string, local bool) (map[string]any, error) {
	return execute[map[string]any](ctx, e, e.runtime.Variables(executionID, local))
}

// SetVariables sets variables on an execution.
func (e *Engine) SetVariables(ctx context.Context, executionID string, vars map[string]any, local bool) error {
	_, err := e.commands.Execute(ctx, e.runtime.SetVariables(executionID, vars, local))
	return err
}

// FindExecutions queries executions.
func (e *Engine) FindExecutions(ctx context.Context, f store.ExecutionFilter) ([]store.ExecutionRecord, error) {
	return execute[[]store.ExecutionRecord](ctx, e, e.runtime.FindExecutions(f))
}

// ExecutionTree returns the persisted execution tree of a process instance.
func (e *Engine) ExecutionTree(ctx context.Context, processInstanceID string) (runtime.TreeNode, error) {
	return execute[runtime.TreeNode](ctx, e, e.runtime.ExecutionTree(processInstanceID))
}

// DeleteProcessInstance removes a process instance with its variables and
// jobs.
func (e *Engine) DeleteProcessInstance(ctx context.Context, id, reason string) error {
	_, err := e.commands.Execute(ctx, e.runtime.DeleteProcessInstance(id, reason))
	return err
}
