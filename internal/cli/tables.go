package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"golang.org/x/text/message"

	"github.com/roach88/pvm/internal/engine"
	"github.com/roach88/pvm/internal/store"
)

// TableCounts is the output of "tables".
type TableCounts struct {
	Tables []TableCount `json:"tables"`
}

// TableCount is the row count of one table.
type TableCount struct {
	Name string `json:"name"`
	Rows int64  `json:"rows"`
}

func (c TableCounts) renderText(w io.Writer, p *message.Printer) {
	table(w, "TABLE\tROWS", func(tw io.Writer) {
		for _, t := range c.Tables {
			p.Fprintf(tw, "%s\t%d\n", t.Name, t.Rows)
		}
	})
}

// TableLayout is the output of "tables metadata".
type TableLayout struct {
	Name    string        `json:"name"`
	Columns []ColumnShape `json:"columns"`
}

// ColumnShape describes one column.
type ColumnShape struct {
	Name       string `json:"name"`
	Type       string `json:"type"`
	NotNull    bool   `json:"not_null"`
	PrimaryKey bool   `json:"primary_key"`
}

func (l TableLayout) renderText(w io.Writer, _ *message.Printer) {
	fmt.Fprintf(w, "Table %s\n", l.Name)
	table(w, "COLUMN\tTYPE\tNOT NULL\tPRIMARY KEY", func(tw io.Writer) {
		for _, c := range l.Columns {
			fmt.Fprintf(tw, "%s\t%s\t%t\t%t\n", c.Name, c.Type, c.NotNull, c.PrimaryKey)
		}
	})
}

// NewTablesCommand creates the tables command group.
func NewTablesCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:           "tables",
		Short:         "Show engine table row counts",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return rootOpts.withEngine(cmd, func(e *engine.Engine, f *OutputFormatter) error {
				counts, err := e.TableCounts(cmd.Context())
				if err != nil {
					return f.Fail("table counts", err)
				}
				res := TableCounts{Tables: make([]TableCount, 0, len(store.Tables))}
				for _, name := range store.Tables {
					res.Tables = append(res.Tables, TableCount{Name: name, Rows: counts[name]})
				}
				return f.Success(res)
			})
		},
	}

	cmd.AddCommand(&cobra.Command{
		Use:           "metadata <table>",
		Short:         "Show the columns of an engine table",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return rootOpts.withEngine(cmd, func(e *engine.Engine, f *OutputFormatter) error {
				md, err := e.TableMetadata(cmd.Context(), args[0])
				if err != nil {
					return f.Fail("table metadata", err)
				}
				res := TableLayout{Name: md.Name, Columns: []ColumnShape{}}
				for _, c := range md.Columns {
					res.Columns = append(res.Columns, ColumnShape(c))
				}
				return f.Success(res)
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "check",
		Short: "Fail unless the database is clean",
		Long: `Check that no engine table other than the property table holds rows.
Exits with status 1 and lists the residual tables otherwise.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return rootOpts.withEngine(cmd, func(e *engine.Engine, f *OutputFormatter) error {
				if err := e.AssertClean(cmd.Context()); err != nil {
					return f.Fail("check", err)
				}
				return f.Success("Database clean")
			})
		},
	})

	return cmd
}
