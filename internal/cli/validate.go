package cli

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/text/message"

	"github.com/roach88/pvm/internal/behavior"
	"github.com/roach88/pvm/internal/definition"
)

// ValidationResult holds validation results.
type ValidationResult struct {
	Valid bool         `json:"valid"`
	Files []FileResult `json:"files"`
}

// FileResult is the validation outcome of one definition file.
type FileResult struct {
	Path      string   `json:"path"`
	Processes []string `json:"processes,omitempty"`
	Error     string   `json:"error,omitempty"`
}

func (r ValidationResult) renderText(w io.Writer, p *message.Printer) {
	invalid := 0
	for _, f := range r.Files {
		if f.Error != "" {
			invalid++
			fmt.Fprintf(w, "✗ %s\n  %s\n", f.Path, f.Error)
			continue
		}
		fmt.Fprintf(w, "✓ %s (%s)\n", f.Path, strings.Join(f.Processes, ", "))
	}
	p.Fprintf(w, "%d file(s), %d invalid\n", len(r.Files), invalid)
}

// NewValidateCommand creates the validate command.
func NewValidateCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate <definition-files...>",
		Short: "Validate process definitions without deploying them",
		Long: `Parse YAML and CUE process definition files and link their activities,
transitions, listeners and timers, as deploying them would. No database
is opened.`,
		Args:          cobra.MinimumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runValidate(rootOpts, args, cmd)
		},
	}
	return cmd
}

func runValidate(opts *RootOptions, paths []string, cmd *cobra.Command) error {
	f := opts.formatter(cmd)
	reg := behavior.NewRegistry()

	res := ValidationResult{Valid: true, Files: make([]FileResult, 0, len(paths))}
	for _, path := range paths {
		fr := FileResult{Path: path}
		keys, err := validateFile(reg, path)
		if err != nil {
			fr.Error = err.Error()
			res.Valid = false
		}
		fr.Processes = keys
		f.VerboseLog("validated %s", path)
		res.Files = append(res.Files, fr)
	}

	if err := f.Success(res); err != nil {
		return err
	}
	if !res.Valid {
		return NewExitError(ExitFailure, "invalid process definitions")
	}
	return nil
}

// validateFile returns the process keys a file defines.
func validateFile(reg *behavior.Registry, path string) ([]string, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var doc definition.Document
	switch ext := filepath.Ext(path); ext {
	case ".yaml", ".yml":
		doc, err = definition.DecodeYAML(content)
	case ".cue":
		doc, err = definition.DecodeCUE(filepath.Base(path), content)
	default:
		return nil, fmt.Errorf("unsupported definition format %q", ext)
	}
	if err != nil {
		return nil, err
	}
	defs, err := definition.Build(reg, doc)
	if err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(defs))
	for _, d := range defs {
		keys = append(keys, d.Key)
	}
	return keys, nil
}
