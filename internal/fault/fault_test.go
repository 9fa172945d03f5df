package fault

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestError_Message(t *testing.T) {
	tests := []struct {
		name string
		err  *Error
		want string
	}{
		{
			name: "plain",
			err:  Validation("bad duration %q", "PX"),
			want: `VALIDATION: bad duration "PX"`,
		},
		{
			name: "with entity",
			err:  Conflict("job", "j-1"),
			want: "CONCURRENCY_CONFLICT: entity was updated by another transaction concurrently (job=j-1)",
		},
		{
			name: "with cause",
			err:  HandlerFailure("j-2", errors.New("boom")),
			want: "HANDLER_FAILURE: job handler failed (job=j-2): boom",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.err.Error())
		})
	}
}

func TestPredicates_SeeThroughWrapping(t *testing.T) {
	wrapped := fmt.Errorf("flush: %w", Conflict("execution", "e-1"))

	assert.True(t, IsConflict(wrapped))
	assert.False(t, IsFatal(wrapped))
	assert.Equal(t, CodeConflict, CodeOf(wrapped))
	assert.Equal(t, Code(""), CodeOf(errors.New("plain")))
}

func TestPredicates(t *testing.T) {
	assert.True(t, IsValidation(Validation("x")))
	assert.True(t, IsHandlerFailure(HandlerFailure("j", nil)))
	assert.True(t, IsFatal(Fatal("no scope for %s", "a")))
	assert.True(t, IsNotFound(NotFound("job", "j")))
	assert.True(t, IsNotClean(NotClean("jobs: 1")))
}

func TestHandlerFailure_Unwrap(t *testing.T) {
	cause := errors.New("delegate exploded")
	err := HandlerFailure("j-1", cause)
	assert.ErrorIs(t, err, cause)
}
