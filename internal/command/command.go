// Package command runs units of work against the store.
//
// Every foreground call and every job execution is a Command submitted to an
// Executor. The executor passes the command through its interceptor chain;
// the innermost interceptor opens a Context that owns one SQL transaction,
// the DbSession unit of work and the TransactionContext listeners. When the
// command returns, the context flushes its sessions, commits and fires the
// COMMITTED listeners. Any error or panic rolls everything back.
//
// Commands compose: a command calls cc.Execute(other) to run a nested
// command inside the same Context and transaction.
package command

import (
	"context"
	"fmt"
)

// Command is a unit of work executed inside a Context.
type Command interface {
	Execute(cc *Context) (any, error)
}

// CommandFunc adapts a function to the Command interface.
type CommandFunc func(cc *Context) (any, error)

// Execute calls f(cc).
func (f CommandFunc) Execute(cc *Context) (any, error) {
	return f(cc)
}

// Named is implemented by commands that report a name for logging.
type Named interface {
	CommandName() string
}

type namedCommand struct {
	name string
	fn   CommandFunc
}

func (n namedCommand) Execute(cc *Context) (any, error) { return n.fn(cc) }
func (n namedCommand) CommandName() string              { return n.name }

// Func returns a named command running fn.
func Func(name string, fn func(cc *Context) (any, error)) Command {
	return namedCommand{name: name, fn: fn}
}

// NameOf returns the log name of cmd.
func NameOf(cmd Command) string {
	if n, ok := cmd.(Named); ok {
		return n.CommandName()
	}
	return fmt.Sprintf("%T", cmd)
}

// Run executes fn as a named top-level command and returns its typed result.
func Run[T any](ctx context.Context, ex *Executor, name string, fn func(cc *Context) (T, error)) (T, error) {
	res, err := ex.Execute(ctx, Func(name, func(cc *Context) (any, error) {
		return fn(cc)
	}))
	if err != nil {
		var zero T
		return zero, err
	}
	v, _ := res.(T)
	return v, nil
}

// Nested executes fn inside cc as a nested command and returns its typed result.
func Nested[T any](cc *Context, name string, fn func(cc *Context) (T, error)) (T, error) {
	res, err := cc.Execute(Func(name, func(cc *Context) (any, error) {
		return fn(cc)
	}))
	if err != nil {
		var zero T
		return zero, err
	}
	v, _ := res.(T)
	return v, nil
}
