package cli

import (
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/text/message"

	"github.com/roach88/pvm/internal/engine"
	"github.com/roach88/pvm/internal/runtime"
	"github.com/roach88/pvm/internal/store"
)

// DeployResult describes a new deployment.
type DeployResult struct {
	ID          string             `json:"id"`
	Name        string             `json:"name"`
	Definitions []DefinitionResult `json:"definitions"`
}

// DefinitionResult describes a deployed process definition.
type DefinitionResult struct {
	ID      string `json:"id"`
	Key     string `json:"key"`
	Name    string `json:"name,omitempty"`
	Version int    `json:"version"`
}

func (r DeployResult) renderText(w io.Writer, p *message.Printer) {
	p.Fprintf(w, "Deployment %s (%s): %d definition(s)\n", r.ID, r.Name, len(r.Definitions))
	table(w, "KEY\tVERSION\tID", func(tw io.Writer) {
		for _, d := range r.Definitions {
			p.Fprintf(tw, "%s\t%d\t%s\n", d.Key, d.Version, d.ID)
		}
	})
}

func newDeployResult(d *runtime.Deployment) DeployResult {
	res := DeployResult{ID: d.ID, Name: d.Name, Definitions: []DefinitionResult{}}
	for _, def := range d.Definitions {
		res.Definitions = append(res.Definitions, DefinitionResult{
			ID:      def.ID,
			Key:     def.Key,
			Name:    def.Name,
			Version: def.Version,
		})
	}
	return res
}

// NewDeployCommand creates the deploy command.
func NewDeployCommand(rootOpts *RootOptions) *cobra.Command {
	var name string
	cmd := &cobra.Command{
		Use:   "deploy <definition-files...>",
		Short: "Deploy process definitions",
		Long: `Deploy YAML (.yaml, .yml) and CUE (.cue) process definition files as one
deployment. Every process gets a new version under its key.`,
		Args:          cobra.MinimumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return rootOpts.withEngine(cmd, func(e *engine.Engine, f *OutputFormatter) error {
				if name == "" {
					name = args[0]
				}
				d, err := e.DeployFiles(cmd.Context(), name, args...)
				if err != nil {
					return f.Fail("deploy", err)
				}
				return f.Success(newDeployResult(d))
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "deployment name (defaults to the first file)")
	return cmd
}

// DeploymentList is the output of "deployments list".
type DeploymentList struct {
	Deployments []DeploymentSummary `json:"deployments"`
}

// DeploymentSummary is one deployment row.
type DeploymentSummary struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	DeployedAt time.Time `json:"deployed_at"`
}

func (l DeploymentList) renderText(w io.Writer, p *message.Printer) {
	table(w, "ID\tNAME\tDEPLOYED", func(tw io.Writer) {
		for _, d := range l.Deployments {
			fmt.Fprintf(tw, "%s\t%s\t%s\n", d.ID, d.Name, d.DeployedAt.Format(time.RFC3339))
		}
	})
	p.Fprintf(w, "%d deployment(s)\n", len(l.Deployments))
}

func newDeploymentList(recs []store.DeploymentRecord) DeploymentList {
	l := DeploymentList{Deployments: []DeploymentSummary{}}
	for _, r := range recs {
		l.Deployments = append(l.Deployments, DeploymentSummary{ID: r.ID, Name: r.Name, DeployedAt: r.DeployedAt})
	}
	return l
}

// NewDeploymentsCommand creates the deployments command group.
func NewDeploymentsCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "deployments",
		Short: "List and delete deployments",
	}

	cmd.AddCommand(&cobra.Command{
		Use:           "list",
		Short:         "List deployments, oldest first",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return rootOpts.withEngine(cmd, func(e *engine.Engine, f *OutputFormatter) error {
				recs, err := e.Deployments(cmd.Context())
				if err != nil {
					return f.Fail("list deployments", err)
				}
				return f.Success(newDeploymentList(recs))
			})
		},
	})

	var cascade bool
	deleteCmd := &cobra.Command{
		Use:   "delete <deployment-id>",
		Short: "Delete a deployment",
		Long: `Delete a deployment and its process definitions. Deleting a deployment
whose definitions still have running instances fails unless --cascade is
given, which deletes the instances with their variables and jobs.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return rootOpts.withEngine(cmd, func(e *engine.Engine, f *OutputFormatter) error {
				if err := e.DeleteDeployment(cmd.Context(), args[0], cascade); err != nil {
					return f.Fail("delete deployment", err)
				}
				return f.Success(fmt.Sprintf("Deleted deployment %s", args[0]))
			})
		},
	}
	deleteCmd.Flags().BoolVar(&cascade, "cascade", false, "also delete running instances")
	cmd.AddCommand(deleteCmd)

	return cmd
}
