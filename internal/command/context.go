package command

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	"github.com/roach88/pvm/internal/clock"
	"github.com/roach88/pvm/internal/idgen"
	"github.com/roach88/pvm/internal/store"
)

// Session is a per-command resource opened lazily through Context.Session.
// Sessions are flushed once, in opening order, before the DbSession.
type Session interface {
	Flush(cc *Context) error
}

type sessionEntry struct {
	key     any
	session Session
}

// Context is the state of one top-level command: its transaction, unit of
// work and transaction listeners. A Context is used by a single goroutine.
type Context struct {
	ctx      context.Context
	executor *Executor
	tx       *sql.Tx
	db       *DbSession
	txc      *TransactionContext
	sessions []sessionEntry
	depth    int
}

func newContext(ctx context.Context, e *Executor) *Context {
	return &Context{
		ctx:      ctx,
		executor: e,
		db:       newDbSession(),
		txc:      &TransactionContext{},
	}
}

// Context returns the Go context of the call that submitted the command.
func (cc *Context) Context() context.Context { return cc.ctx }

// Clock returns the engine time source.
func (cc *Context) Clock() clock.Clock { return cc.executor.clock }

// IDs returns the entity id generator.
func (cc *Context) IDs() idgen.Generator { return cc.executor.ids }

// Logger returns the engine logger.
func (cc *Context) Logger() *slog.Logger { return cc.executor.logger }

// DB returns the unit of work of this command.
func (cc *Context) DB() *DbSession { return cc.db }

// Transaction returns the transaction listener registry.
func (cc *Context) Transaction() *TransactionContext { return cc.txc }

// Executor returns the executor running this command.
func (cc *Context) Executor() *Executor { return cc.executor }

// Tx returns the command's transaction, beginning it on first use.
func (cc *Context) Tx() (*sql.Tx, error) {
	if cc.tx != nil {
		return cc.tx, nil
	}
	tx, err := cc.executor.store.BeginTx(cc.ctx)
	if err != nil {
		return nil, err
	}
	cc.tx = tx
	return tx, nil
}

// Querier returns the transaction as a store.Querier.
func (cc *Context) Querier() (store.Querier, error) {
	return cc.Tx()
}

// Session returns the session registered under key, opening it with open
// on first use.
func (cc *Context) Session(key any, open func(cc *Context) Session) Session {
	for _, s := range cc.sessions {
		if s.key == key {
			return s.session
		}
	}
	s := open(cc)
	cc.sessions = append(cc.sessions, sessionEntry{key: key, session: s})
	return s
}

// Execute runs cmd as a nested command in this Context. The nested command
// shares the transaction; its error is returned to the caller, which
// decides whether the outer command fails.
func (cc *Context) Execute(cmd Command) (any, error) {
	cc.depth++
	defer func() { cc.depth-- }()

	cc.Logger().Debug("nested command", "command", NameOf(cmd), "depth", cc.depth)
	return cmd.Execute(cc)
}

// flush writes sessions in opening order, then the DbSession.
func (cc *Context) flush() error {
	for _, s := range cc.sessions {
		if err := s.session.Flush(cc); err != nil {
			return fmt.Errorf("flush session %T: %w", s.session, err)
		}
	}
	if cc.db.empty() {
		return nil
	}
	q, err := cc.Querier()
	if err != nil {
		return err
	}
	return cc.db.Flush(cc.ctx, q)
}
