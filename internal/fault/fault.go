// Package fault defines the engine's error taxonomy.
//
// Every error the engine produces on purpose is a *Error with a Code.
// Callers branch on the code with the Is* predicates, which see through
// fmt.Errorf("%w") wrapping:
//
//   - VALIDATION: malformed input rejected before anything is persisted
//     (bad duration expression, timer without due date, unknown definition key).
//   - CONCURRENCY_CONFLICT: optimistic revision check failed on flush. The
//     whole command rolled back; retrying the call is safe.
//   - HANDLER_FAILURE: a job handler returned an error. Contained inside the
//     job executor; it only becomes visible as a decremented retry count.
//   - FATAL_ENGINE_ERROR: an interpreter invariant was violated. The command
//     aborts and the work is never retried automatically.
//   - NOT_FOUND: a referenced entity does not exist.
//   - DATABASE_NOT_CLEAN: rows were left behind outside registered deployments.
package fault

import (
	"errors"
	"fmt"
)

// Code categorizes engine errors.
type Code string

const (
	// CodeValidation indicates input rejected at scheduling or deploy time.
	CodeValidation Code = "VALIDATION"

	// CodeConflict indicates an optimistic locking failure.
	CodeConflict Code = "CONCURRENCY_CONFLICT"

	// CodeHandlerFailure indicates a job handler failed.
	CodeHandlerFailure Code = "HANDLER_FAILURE"

	// CodeFatal indicates a violated interpreter invariant.
	CodeFatal Code = "FATAL_ENGINE_ERROR"

	// CodeNotFound indicates a missing entity.
	CodeNotFound Code = "NOT_FOUND"

	// CodeNotClean indicates residual rows after a test.
	CodeNotClean Code = "DATABASE_NOT_CLEAN"
)

// Error is an engine error with structured fields for diagnostics.
type Error struct {
	// Code identifies the error category.
	Code Code

	// Message is a human-readable description.
	Message string

	// Entity names the affected entity kind ("job", "execution", ...).
	Entity string

	// ID identifies the affected entity.
	ID string

	// Err is the underlying cause, if any.
	Err error
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Code, e.Message)
	if e.Entity != "" && e.ID != "" {
		msg = fmt.Sprintf("%s (%s=%s)", msg, e.Entity, e.ID)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// Validation creates a VALIDATION error.
func Validation(format string, args ...any) *Error {
	return &Error{Code: CodeValidation, Message: fmt.Sprintf(format, args...)}
}

// Conflict creates a CONCURRENCY_CONFLICT error for an entity.
func Conflict(entity, id string) *Error {
	return &Error{
		Code:    CodeConflict,
		Message: "entity was updated by another transaction concurrently",
		Entity:  entity,
		ID:      id,
	}
}

// HandlerFailure wraps the error returned by a job handler.
func HandlerFailure(jobID string, err error) *Error {
	return &Error{
		Code:    CodeHandlerFailure,
		Message: "job handler failed",
		Entity:  "job",
		ID:      jobID,
		Err:     err,
	}
}

// Fatal creates a FATAL_ENGINE_ERROR.
func Fatal(format string, args ...any) *Error {
	return &Error{Code: CodeFatal, Message: fmt.Sprintf(format, args...)}
}

// NotFound creates a NOT_FOUND error.
func NotFound(entity, id string) *Error {
	return &Error{
		Code:    CodeNotFound,
		Message: fmt.Sprintf("%s does not exist", entity),
		Entity:  entity,
		ID:      id,
	}
}

// NotClean creates a DATABASE_NOT_CLEAN error.
func NotClean(details string) *Error {
	return &Error{Code: CodeNotClean, Message: "Database not clean: " + details}
}

// CodeOf returns the code of the first *Error in err's chain, or "".
func CodeOf(err error) Code {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Code
	}
	return ""
}

// IsValidation returns true if err is a VALIDATION error.
func IsValidation(err error) bool { return CodeOf(err) == CodeValidation }

// IsConflict returns true if err is a CONCURRENCY_CONFLICT error.
func IsConflict(err error) bool { return CodeOf(err) == CodeConflict }

// IsHandlerFailure returns true if err is a HANDLER_FAILURE error.
func IsHandlerFailure(err error) bool { return CodeOf(err) == CodeHandlerFailure }

// IsFatal returns true if err is a FATAL_ENGINE_ERROR.
func IsFatal(err error) bool { return CodeOf(err) == CodeFatal }

// IsNotFound returns true if err is a NOT_FOUND error.
func IsNotFound(err error) bool { return CodeOf(err) == CodeNotFound }

// IsNotClean returns true if err is a DATABASE_NOT_CLEAN error.
func IsNotClean(err error) bool { return CodeOf(err) == CodeNotClean }
