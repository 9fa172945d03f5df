package cli

import (
	"fmt"
	"io"
	"slices"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/text/message"
	"gopkg.in/yaml.v3"

	"github.com/roach88/pvm/internal/behavior"
	"github.com/roach88/pvm/internal/engine"
	"github.com/roach88/pvm/internal/runtime"
	"github.com/roach88/pvm/internal/store"
)

// parseAssignments parses name=value pairs. Values are literals as in
// transition conditions: 42, 1.5, true, null, 'text'. Anything else is
// taken as a plain string.
func parseAssignments(pairs []string) (map[string]any, error) {
	vars := make(map[string]any, len(pairs))
	for _, pair := range pairs {
		name, raw, ok := strings.Cut(pair, "=")
		if !ok || name == "" {
			return nil, NewExitError(ExitCommandError, fmt.Sprintf("invalid variable %q: want name=value", pair))
		}
		v, ok := behavior.ParseLiteral(raw)
		if !ok {
			v = raw
		}
		vars[name] = v
	}
	return vars, nil
}

// StartResult describes a started process instance.
type StartResult struct {
	ID           string   `json:"id"`
	DefinitionID string   `json:"definition_id"`
	BusinessKey  string   `json:"business_key,omitempty"`
	Ended        bool     `json:"ended"`
	Activities   []string `json:"activities"`
}

func (r StartResult) renderText(w io.Writer, _ *message.Printer) {
	fmt.Fprintf(w, "Started process instance %s (%s)\n", r.ID, r.DefinitionID)
	if r.Ended {
		fmt.Fprintln(w, "The instance ran to completion.")
		return
	}
	fmt.Fprintf(w, "Waiting at: %s\n", strings.Join(r.Activities, ", "))
}

// NewStartCommand creates the start command.
func NewStartCommand(rootOpts *RootOptions) *cobra.Command {
	var (
		vars        []string
		businessKey string
		byID        bool
	)
	cmd := &cobra.Command{
		Use:   "start <process-key>",
		Short: "Start a process instance",
		Long: `Start the latest version of a process, or with --id the process definition
with the given id. The instance runs until it reaches wait states.

Example:
  pvm start order --var amount=5000 --var customer='ACME' --business-key PO-7`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			variables, err := parseAssignments(vars)
			if err != nil {
				return err
			}
			return rootOpts.withEngine(cmd, func(e *engine.Engine, f *OutputFormatter) error {
				ctx := cmd.Context()
				opts := runtime.StartOptions{BusinessKey: businessKey, Variables: variables}
				var pi runtime.ProcessInstance
				if byID {
					pi, err = e.StartProcessInstanceByID(ctx, args[0], opts)
				} else {
					pi, err = e.StartProcessInstanceByKey(ctx, args[0], opts)
				}
				if err != nil {
					return f.Fail("start process instance", err)
				}
				res := StartResult{
					ID:           pi.ID,
					DefinitionID: pi.DefinitionID,
					BusinessKey:  pi.BusinessKey,
					Ended:        pi.Ended,
					Activities:   []string{},
				}
				if !pi.Ended {
					res.Activities, err = activeActivities(cmd, e, pi.ID)
					if err != nil {
						return f.Fail("find executions", err)
					}
				}
				return f.Success(res)
			})
		},
	}
	cmd.Flags().StringArrayVar(&vars, "var", nil, "process variable name=value (repeatable)")
	cmd.Flags().StringVar(&businessKey, "business-key", "", "business key of the instance")
	cmd.Flags().BoolVar(&byID, "id", false, "the argument is a process definition id")
	return cmd
}

func activeActivities(cmd *cobra.Command, e *engine.Engine, processInstanceID string) ([]string, error) {
	recs, err := e.FindExecutions(cmd.Context(), store.ExecutionFilter{ProcessInstanceID: processInstanceID})
	if err != nil {
		return nil, err
	}
	out := []string{}
	for _, rec := range recs {
		if rec.Active && rec.ActivityID != "" {
			out = append(out, rec.ActivityID)
		}
	}
	slices.Sort(out)
	return out, nil
}

// NewSignalCommand creates the signal command.
func NewSignalCommand(rootOpts *RootOptions) *cobra.Command {
	var (
		signalName string
		data       string
	)
	cmd := &cobra.Command{
		Use:   "signal <execution-id>",
		Short: "Signal an execution waiting in a wait state",
		Long: `Deliver a signal to the activity an execution waits in. --data is a YAML
or JSON value passed along; receive tasks store a mapping as process
variables.

Example:
  pvm signal 0190f3c2-... --data '{approved: true}'`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			var payload any
			if data != "" {
				if err := yaml.Unmarshal([]byte(data), &payload); err != nil {
					return WrapExitError(ExitCommandError, "invalid --data", err)
				}
			}
			return rootOpts.withEngine(cmd, func(e *engine.Engine, f *OutputFormatter) error {
				if err := e.Signal(cmd.Context(), args[0], signalName, payload); err != nil {
					return f.Fail("signal", err)
				}
				return f.Success(fmt.Sprintf("Signaled execution %s", args[0]))
			})
		},
	}
	cmd.Flags().StringVar(&signalName, "signal", "", "signal name")
	cmd.Flags().StringVar(&data, "data", "", "signal payload (YAML or JSON)")
	return cmd
}

// InstanceList is the output of "instances list".
type InstanceList struct {
	Instances []InstanceSummary `json:"instances"`
}

// InstanceSummary is one running process instance.
type InstanceSummary struct {
	ID           string   `json:"id"`
	DefinitionID string   `json:"definition_id"`
	BusinessKey  string   `json:"business_key,omitempty"`
	Activities   []string `json:"activities"`
}

func (l InstanceList) renderText(w io.Writer, p *message.Printer) {
	table(w, "ID\tDEFINITION\tBUSINESS KEY\tACTIVITIES", func(tw io.Writer) {
		for _, i := range l.Instances {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", i.ID, i.DefinitionID, i.BusinessKey, strings.Join(i.Activities, ","))
		}
	})
	p.Fprintf(w, "%d instance(s)\n", len(l.Instances))
}

// TreeResult is the execution tree of a process instance.
type TreeResult struct {
	Root runtime.TreeNode `json:"root"`
}

func (r TreeResult) renderText(w io.Writer, _ *message.Printer) {
	var walk func(n runtime.TreeNode, depth int)
	walk = func(n runtime.TreeNode, depth int) {
		var flags []string
		if n.Active {
			flags = append(flags, "active")
		}
		if n.Concurrent {
			flags = append(flags, "concurrent")
		}
		if n.Scope {
			flags = append(flags, "scope")
		}
		activity := n.ActivityID
		if activity == "" {
			activity = "-"
		}
		fmt.Fprintf(w, "%s%s %s [%s]\n", strings.Repeat("  ", depth), n.ID, activity, strings.Join(flags, " "))
		for _, c := range n.Children {
			walk(c, depth+1)
		}
	}
	walk(r.Root, 0)
}

// VariablesResult is the output of "instances variables".
type VariablesResult struct {
	Variables map[string]any `json:"variables"`
}

func (r VariablesResult) renderText(w io.Writer, _ *message.Printer) {
	names := make([]string, 0, len(r.Variables))
	for name := range r.Variables {
		names = append(names, name)
	}
	slices.Sort(names)
	table(w, "NAME\tVALUE", func(tw io.Writer) {
		for _, name := range names {
			fmt.Fprintf(tw, "%s\t%v\n", name, r.Variables[name])
		}
	})
}

// NewInstancesCommand creates the instances command group.
func NewInstancesCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "instances",
		Short: "Inspect and manage running process instances",
	}

	var definitionID string
	listCmd := &cobra.Command{
		Use:           "list",
		Short:         "List running process instances",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return rootOpts.withEngine(cmd, func(e *engine.Engine, f *OutputFormatter) error {
				roots, err := e.FindExecutions(cmd.Context(), store.ExecutionFilter{RootsOnly: true, DefinitionID: definitionID})
				if err != nil {
					return f.Fail("list instances", err)
				}
				l := InstanceList{Instances: []InstanceSummary{}}
				for _, r := range roots {
					acts, err := activeActivities(cmd, e, r.ID)
					if err != nil {
						return f.Fail("list instances", err)
					}
					l.Instances = append(l.Instances, InstanceSummary{
						ID:           r.ID,
						DefinitionID: r.DefinitionID,
						BusinessKey:  r.BusinessKey,
						Activities:   acts,
					})
				}
				return f.Success(l)
			})
		},
	}
	listCmd.Flags().StringVar(&definitionID, "definition", "", "only instances of this process definition id")
	cmd.AddCommand(listCmd)

	cmd.AddCommand(&cobra.Command{
		Use:           "tree <process-instance-id>",
		Short:         "Show the execution tree of a process instance",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return rootOpts.withEngine(cmd, func(e *engine.Engine, f *OutputFormatter) error {
				root, err := e.ExecutionTree(cmd.Context(), args[0])
				if err != nil {
					return f.Fail("execution tree", err)
				}
				return f.Success(TreeResult{Root: root})
			})
		},
	})

	var local bool
	varsCmd := &cobra.Command{
		Use:           "variables <execution-id>",
		Short:         "Show the variables visible from an execution",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return rootOpts.withEngine(cmd, func(e *engine.Engine, f *OutputFormatter) error {
				vars, err := e.Variables(cmd.Context(), args[0], local)
				if err != nil {
					return f.Fail("variables", err)
				}
				return f.Success(VariablesResult{Variables: vars})
			})
		},
	}
	varsCmd.Flags().BoolVar(&local, "local", false, "only the execution's own variables")
	cmd.AddCommand(varsCmd)

	var setLocal bool
	setCmd := &cobra.Command{
		Use:           "set <execution-id> <name=value...>",
		Short:         "Set variables on an execution",
		Args:          cobra.MinimumNArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			vars, err := parseAssignments(args[1:])
			if err != nil {
				return err
			}
			return rootOpts.withEngine(cmd, func(e *engine.Engine, f *OutputFormatter) error {
				if err := e.SetVariables(cmd.Context(), args[0], vars, setLocal); err != nil {
					return f.Fail("set variables", err)
				}
				return f.Success(fmt.Sprintf("Set %d variable(s) on %s", len(vars), args[0]))
			})
		},
	}
	setCmd.Flags().BoolVar(&setLocal, "local", false, "set on the execution itself")
	cmd.AddCommand(setCmd)

	var reason string
	deleteCmd := &cobra.Command{
		Use:           "delete <process-instance-id>",
		Short:         "Delete a process instance with its variables and jobs",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return rootOpts.withEngine(cmd, func(e *engine.Engine, f *OutputFormatter) error {
				if err := e.DeleteProcessInstance(cmd.Context(), args[0], reason); err != nil {
					return f.Fail("delete instance", err)
				}
				return f.Success(fmt.Sprintf("Deleted process instance %s", args[0]))
			})
		},
	}
	deleteCmd.Flags().StringVar(&reason, "reason", "deleted from the command line", "deletion reason")
	cmd.AddCommand(deleteCmd)

	return cmd
}
