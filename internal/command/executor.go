package command

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.uber.org/multierr"

	"github.com/roach88/pvm/internal/clock"
	"github.com/roach88/pvm/internal/fault"
	"github.com/roach88/pvm/internal/idgen"
	"github.com/roach88/pvm/internal/store"
)

// Next invokes the rest of the interceptor chain.
type Next func(ctx context.Context, cmd Command) (any, error)

// Interceptor wraps command execution. It must call next exactly once to
// run the command, or return without calling it to veto the command.
type Interceptor func(ctx context.Context, cmd Command, next Next) (any, error)

// Executor runs commands through the interceptor chain.
//
// Thread-safety: Execute is safe for concurrent use. Transactions are
// serialized by the store's single connection.
type Executor struct {
	store        *store.Store
	clock        clock.Clock
	ids          idgen.Generator
	logger       *slog.Logger
	interceptors []Interceptor
	chain        Next
}

// Option configures an Executor.
type Option func(*Executor)

// WithClock sets the time source handed to every Context.
// Default: clock.Real{}.
func WithClock(c clock.Clock) Option {
	return func(e *Executor) {
		e.clock = c
	}
}

// WithIDGenerator sets the entity id generator.
// Default: idgen.UUIDv7{}.
func WithIDGenerator(g idgen.Generator) Option {
	return func(e *Executor) {
		e.ids = g
	}
}

// WithLogger sets the logger used by the context and LogInterceptor.
// Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(e *Executor) {
		e.logger = l
	}
}

// WithInterceptor appends a custom interceptor. Custom interceptors run
// after LogInterceptor and before the context is opened.
func WithInterceptor(i Interceptor) Option {
	return func(e *Executor) {
		e.interceptors = append(e.interceptors, i)
	}
}

// NewExecutor creates an Executor over st.
func NewExecutor(st *store.Store, opts ...Option) *Executor {
	e := &Executor{
		store:  st,
		clock:  clock.Real{},
		ids:    idgen.UUIDv7{},
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}

	chain := []Interceptor{LogInterceptor(e.logger)}
	chain = append(chain, e.interceptors...)
	chain = append(chain, e.contextInterceptor)

	next := Next(func(ctx context.Context, cmd Command) (any, error) {
		return nil, fault.Fatal("command %s reached the end of the interceptor chain", NameOf(cmd))
	})
	for i := len(chain) - 1; i >= 0; i-- {
		interceptor, inner := chain[i], next
		next = func(ctx context.Context, cmd Command) (any, error) {
			return interceptor(ctx, cmd, inner)
		}
	}
	e.chain = next

	return e
}

// Execute runs cmd as a top-level command in its own transaction.
func (e *Executor) Execute(ctx context.Context, cmd Command) (any, error) {
	return e.chain(ctx, cmd)
}

// Store returns the store commands run against.
func (e *Executor) Store() *store.Store { return e.store }

// Clock returns the executor's time source.
func (e *Executor) Clock() clock.Clock { return e.clock }

// IDs returns the executor's id generator.
func (e *Executor) IDs() idgen.Generator { return e.ids }

// Logger returns the executor's logger.
func (e *Executor) Logger() *slog.Logger { return e.logger }

// LogInterceptor logs every command at debug level with its duration, and
// failed commands at warn level.
func LogInterceptor(logger *slog.Logger) Interceptor {
	return func(ctx context.Context, cmd Command, next Next) (any, error) {
		start := time.Now()
		res, err := next(ctx, cmd)
		if err != nil {
			logger.Warn("command failed",
				"command", NameOf(cmd),
				"duration", time.Since(start),
				"error", err)
			return nil, err
		}
		logger.Debug("command executed",
			"command", NameOf(cmd),
			"duration", time.Since(start))
		return res, nil
	}
}

// contextInterceptor is the innermost interceptor. It opens the Context,
// runs the command and closes the Context.
func (e *Executor) contextInterceptor(ctx context.Context, cmd Command, _ Next) (res any, err error) {
	cc := newContext(ctx, e)

	defer func() {
		if r := recover(); r != nil {
			err = fault.Fatal("command %s panicked: %v", NameOf(cmd), r)
			err = cc.rollback(err)
			res = nil
		}
	}()

	res, err = cmd.Execute(cc)
	if err != nil {
		return nil, cc.rollback(err)
	}

	if err := cc.close(); err != nil {
		return nil, err
	}
	return res, nil
}

// rollback aborts the transaction and fires the RolledBack listeners. The
// returned error is cause merged with any rollback failure.
func (cc *Context) rollback(cause error) error {
	if cc.tx != nil {
		if rbErr := cc.tx.Rollback(); rbErr != nil {
			cause = multierr.Append(cause, fmt.Errorf("rollback: %w", rbErr))
		}
		cc.tx = nil
	}
	cc.txc.cause = cause
	cc.txc.fire(cc, RolledBack)
	return cause
}

// close flushes sessions, commits, and fires the commit listeners.
func (cc *Context) close() error {
	if err := cc.flush(); err != nil {
		return cc.rollback(err)
	}

	if err := cc.txc.fire(cc, BeforeCommit); err != nil {
		return cc.rollback(err)
	}

	if cc.tx != nil {
		if err := cc.tx.Commit(); err != nil {
			cc.tx = nil
			err = fmt.Errorf("commit: %w", err)
			cc.txc.cause = err
			cc.txc.fire(cc, RolledBack)
			return err
		}
		cc.tx = nil
	}

	cc.txc.fire(cc, Committed)
	return nil
}
