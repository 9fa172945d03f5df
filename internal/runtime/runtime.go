// Package runtime is the process virtual machine: process definitions,
// the execution tree, variables and the atomic-operation interpreter.
//
// Every runtime operation runs inside a command.Context. The first
// operation of a command opens an interpreter session holding the agenda
// of pending steps; it executes steps one at a time until no step is left,
// so the command always commits a quiescent execution tree. Executions
// waiting for a signal or a job are persisted and resumed by later
// commands.
package runtime

import (
	"log/slog"

	"github.com/roach88/pvm/internal/command"
	"github.com/roach88/pvm/internal/jobs"
)

// Runtime owns the interpreter configuration shared by all commands.
//
// Thread-safety: safe for concurrent use. Per-command state lives in the
// interpreter session of each command.Context.
type Runtime struct {
	jobs     *jobs.Manager
	repo     *Repository
	types    *VariableTypes
	tracer   Tracer
	logger   *slog.Logger
	maxSteps int
}

// Option configures a Runtime.
type Option func(*Runtime)

// WithTracer observes every interpreter step.
func WithTracer(t Tracer) Option {
	return func(rt *Runtime) {
		rt.tracer = t
	}
}

// WithLogger sets the runtime logger.
// Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(rt *Runtime) {
		rt.logger = l
	}
}

// WithVariableTypes replaces the variable type registry.
// Default: DefaultVariableTypes().
func WithVariableTypes(t *VariableTypes) Option {
	return func(rt *Runtime) {
		rt.types = t
	}
}

// WithMaxSteps bounds the atomic operations of one command.
//
// Default: DefaultMaxSteps. Zero disables the bound.
func WithMaxSteps(n int) Option {
	return func(rt *Runtime) {
		rt.maxSteps = n
	}
}

// New creates a Runtime scheduling jobs through jm and resolving
// definitions through repo. It registers the interpreter's job handlers
// with jm's registry.
func New(jm *jobs.Manager, repo *Repository, opts ...Option) (*Runtime, error) {
	rt := &Runtime{
		jobs:     jm,
		repo:     repo,
		types:    DefaultVariableTypes(),
		logger:   slog.Default(),
		maxSteps: DefaultMaxSteps,
	}
	for _, opt := range opts {
		opt(rt)
	}
	if err := rt.registerHandlers(jm.Handlers()); err != nil {
		return nil, err
	}
	return rt, nil
}

// Repository returns the definition repository.
func (rt *Runtime) Repository() *Repository { return rt.repo }

// Jobs returns the job manager.
func (rt *Runtime) Jobs() *jobs.Manager { return rt.jobs }

// VariableTypes returns the variable type registry.
func (rt *Runtime) VariableTypes() *VariableTypes { return rt.types }

func (rt *Runtime) definition(cc *command.Context, id string) (*ProcessDefinition, error) {
	return rt.repo.Definition(cc, id)
}
