package cli

import (
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/text/message"

	"github.com/roach88/pvm/internal/engine"
	"github.com/roach88/pvm/internal/jobs"
	"github.com/roach88/pvm/internal/querysql"
	"github.com/roach88/pvm/internal/store"
)

// JobList is one page of jobs.
type JobList struct {
	Jobs  []JobSummary `json:"jobs"`
	Total int64        `json:"total"`
}

// JobSummary is one job row.
type JobSummary struct {
	ID                string     `json:"id"`
	Kind              string     `json:"kind"`
	Handler           string     `json:"handler"`
	DueDate           *time.Time `json:"due_date,omitempty"`
	Retries           int        `json:"retries"`
	Exclusive         bool       `json:"exclusive"`
	LockOwner         string     `json:"lock_owner,omitempty"`
	ProcessInstanceID string     `json:"process_instance_id,omitempty"`
	Exception         string     `json:"exception,omitempty"`
}

func (l JobList) renderText(w io.Writer, p *message.Printer) {
	table(w, "ID\tKIND\tHANDLER\tDUE\tRETRIES\tINSTANCE\tEXCEPTION", func(tw io.Writer) {
		for _, j := range l.Jobs {
			due := "-"
			if j.DueDate != nil {
				due = j.DueDate.Format(time.RFC3339)
			}
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%s\t%s\n",
				j.ID, j.Kind, j.Handler, due, j.Retries, j.ProcessInstanceID, j.Exception)
		}
	})
	p.Fprintf(w, "%d of %d job(s)\n", len(l.Jobs), l.Total)
}

func newJobList(res jobs.QueryResult) JobList {
	l := JobList{Jobs: []JobSummary{}, Total: res.Total}
	for _, j := range res.Jobs {
		s := JobSummary{
			ID:                j.ID,
			Kind:              j.Kind,
			Handler:           j.HandlerType,
			Retries:           j.Retries,
			Exclusive:         j.Exclusive,
			LockOwner:         j.LockOwner,
			ProcessInstanceID: j.ProcessInstanceID,
			Exception:         j.ExceptionMessage,
		}
		if !j.DueDate.IsZero() {
			due := j.DueDate
			s.DueDate = &due
		}
		l.Jobs = append(l.Jobs, s)
	}
	return l
}

// NewJobsCommand creates the jobs command group.
func NewJobsCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "Inspect and manage jobs",
		Long: `Inspect and manage timers, messages and asynchronous continuations.

A job whose handler keeps failing ends with no retries left and is no
longer acquired by the job executor. "jobs retries" makes it acquirable
again; "jobs execute" runs it right away.`,
	}

	var (
		filter store.JobFilter
		page   querysql.Page
	)
	listCmd := &cobra.Command{
		Use:           "list",
		Short:         "List jobs",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return rootOpts.withEngine(cmd, func(e *engine.Engine, f *OutputFormatter) error {
				res, err := e.FindJobs(cmd.Context(), jobs.Query{Filter: filter, Page: page})
				if err != nil {
					return f.Fail("list jobs", err)
				}
				return f.Success(newJobList(res))
			})
		},
	}
	fl := listCmd.Flags()
	fl.StringVar(&filter.ProcessInstanceID, "instance", "", "only jobs of this process instance")
	fl.BoolVar(&filter.TimersOnly, "timers", false, "only timers")
	fl.BoolVar(&filter.MessagesOnly, "messages", false, "only messages and async continuations")
	fl.BoolVar(&filter.Executable, "executable", false, "only jobs that are due and have retries left")
	fl.BoolVar(&filter.WithException, "failed", false, "only jobs that have failed")
	fl.BoolVar(&filter.NoRetriesLeft, "parked", false, "only jobs without retries left")
	fl.IntVar(&page.First, "first", 0, "skip this many jobs")
	fl.IntVar(&page.Max, "max", 50, "list at most this many jobs (0 for all)")
	cmd.AddCommand(listCmd)

	cmd.AddCommand(&cobra.Command{
		Use:   "execute <job-id>",
		Short: "Execute a job now",
		Long: `Execute a job immediately, whatever its due date or retries. A failure is
reported and costs the job a retry.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return rootOpts.withEngine(cmd, func(e *engine.Engine, f *OutputFormatter) error {
				if err := e.ExecuteJob(cmd.Context(), args[0]); err != nil {
					return f.Fail("execute job", err)
				}
				return f.Success(fmt.Sprintf("Executed job %s", args[0]))
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:           "retries <job-id> <retries>",
		Short:         "Set the retries of a job",
		Args:          cobra.ExactArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			n, err := strconv.Atoi(args[1])
			if err != nil || n < 0 {
				return NewExitError(ExitCommandError, fmt.Sprintf("invalid retries %q", args[1]))
			}
			return rootOpts.withEngine(cmd, func(e *engine.Engine, f *OutputFormatter) error {
				if err := e.SetJobRetries(cmd.Context(), args[0], n); err != nil {
					return f.Fail("set retries", err)
				}
				return f.Success(fmt.Sprintf("Job %s has %d retries", args[0], n))
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:           "delete <job-id...>",
		Short:         "Delete jobs",
		Args:          cobra.MinimumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return rootOpts.withEngine(cmd, func(e *engine.Engine, f *OutputFormatter) error {
				if err := e.DeleteJobs(cmd.Context(), args...); err != nil {
					return f.Fail("delete jobs", err)
				}
				return f.Success(fmt.Sprintf("Deleted %d job(s)", len(args)))
			})
		},
	})

	return cmd
}
