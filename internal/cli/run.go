package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/roach88/pvm/internal/engine"
)

const shutdownTimeout = 5 * time.Second

// NewRunCommand creates the run command.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run [definition-files...]",
		Short: "Run the job executor",
		Long: `Run the engine until interrupted.

The definitions listed under "deployments" in the config, and any given
as arguments, are deployed first. The job executor then acquires and
executes due jobs. With redis.addr set, new jobs wake the executors of all
nodes. With metrics.addr set, Prometheus metrics are served on /metrics.

Example:
  pvm run --config pvm.yaml
  pvm run --db ./pvm.db ./processes/order.yaml --verbose`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runEngine(rootOpts, args, cmd)
		},
	}
	return cmd
}

func runEngine(opts *RootOptions, files []string, cmd *cobra.Command) error {
	cfg, err := opts.loadConfig()
	if err != nil {
		return err
	}
	logger, err := cfg.Log.NewLogger(cmd.ErrOrStderr())
	if err != nil {
		return WrapExitError(ExitCommandError, "configure logging", err)
	}
	slog.SetDefault(logger)

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	e, err := engine.Open(cfg, engine.WithLogger(logger), engine.WithMetrics(reg))
	if err != nil {
		return WrapExitError(ExitFailure, "open engine", err)
	}
	defer func() {
		if closeErr := e.Close(); closeErr != nil {
			logger.Error("error closing engine", "error", closeErr)
		}
	}()

	parentCtx := cmd.Context()
	if parentCtx == nil {
		parentCtx = context.Background()
	}
	ctx, stop := signal.NotifyContext(parentCtx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	files = append(append([]string{}, cfg.Deployments...), files...)
	if len(files) > 0 {
		d, err := e.DeployFiles(ctx, "pvm run", files...)
		if err != nil {
			return WrapExitError(ExitFailure, "deploy definitions", err)
		}
		for _, def := range d.Definitions {
			logger.Info("deployed process definition", "id", def.ID, "key", def.Key, "version", def.Version)
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	if cfg.Metrics.Addr != "" {
		srv := &http.Server{
			Addr:              cfg.Metrics.Addr,
			Handler:           metricsMux(reg),
			ReadHeaderTimeout: 10 * time.Second,
		}
		g.Go(func() error {
			logger.Info("serving metrics", "addr", cfg.Metrics.Addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}
	g.Go(func() error {
		return e.Run(gctx)
	})

	logger.Info("engine starting", "db", cfg.Database.Path, "job_executor", cfg.JobExecutor.Enabled)
	fmt.Fprintln(cmd.OutOrStdout(), "Engine started. Press Ctrl-C to stop.")

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		return WrapExitError(ExitFailure, "engine error", err)
	}
	logger.Info("engine stopped gracefully")
	return nil
}

func metricsMux(reg *prometheus.Registry) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	return mux
}
