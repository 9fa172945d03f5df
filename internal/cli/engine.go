package cli

import (
	"github.com/spf13/cobra"

	"github.com/roach88/pvm/internal/config"
	"github.com/roach88/pvm/internal/engine"
)

// loadConfig reads the config file, if any, and applies the global flags.
func (o *RootOptions) loadConfig() (config.Config, error) {
	cfg := config.Default()
	if o.Config != "" {
		var err error
		cfg, err = config.Load(o.Config)
		if err != nil {
			return cfg, WrapExitError(ExitCommandError, "load config", err)
		}
	}
	if o.Database != "" {
		cfg.Database.Path = o.Database
	}
	if o.Verbose {
		cfg.Log.Level = "debug"
	}
	if err := cfg.Validate(); err != nil {
		return cfg, WrapExitError(ExitCommandError, "load config", err)
	}
	return cfg, nil
}

// openEngine opens the configured engine for a one-shot command. Nothing
// runs in the background; jobs created by the command are picked up by
// the nodes running "pvm run".
func (o *RootOptions) openEngine(cmd *cobra.Command, opts ...engine.Option) (*engine.Engine, error) {
	cfg, err := o.loadConfig()
	if err != nil {
		return nil, err
	}
	logger, err := cfg.Log.NewLogger(cmd.ErrOrStderr())
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "configure logging", err)
	}
	e, err := engine.Open(cfg, append([]engine.Option{engine.WithLogger(logger)}, opts...)...)
	if err != nil {
		return nil, WrapExitError(ExitFailure, "open engine", err)
	}
	return e, nil
}

func (o *RootOptions) formatter(cmd *cobra.Command) *OutputFormatter {
	return &OutputFormatter{
		Format:    o.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   o.Verbose,
	}
}

// withEngine opens the engine, runs fn and closes the engine.
func (o *RootOptions) withEngine(cmd *cobra.Command, fn func(e *engine.Engine, f *OutputFormatter) error) (err error) {
	e, err := o.openEngine(cmd)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := e.Close(); closeErr != nil && err == nil {
			err = WrapExitError(ExitFailure, "close engine", closeErr)
		}
	}()
	return fn(e, o.formatter(cmd))
}
