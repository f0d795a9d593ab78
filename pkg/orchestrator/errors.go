package orchestrator

import (
	"errors"
	"fmt"
)

var (
	// ErrIterationCapExceeded ends a run that used every iteration without a final answer.
	ErrIterationCapExceeded = errors.New("iteration cap exceeded")
	// ErrRunDeadlineExceeded ends a run whose deadline passed mid-loop.
	ErrRunDeadlineExceeded = errors.New("run deadline exceeded")
	// ErrRunCancelled ends a run whose caller cancelled the context.
	ErrRunCancelled = errors.New("run cancelled")
	// ErrMalformedResponse reports a model response that is neither text nor a named tool call.
	ErrMalformedResponse = errors.New("malformed model response")
	// ErrIterationRegressed is returned by Trace.Append for a step older than the last one.
	ErrIterationRegressed = errors.New("step iteration is lower than the last recorded step")
)

// ValidationError rejects a run request before any work is done.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
}

// IsValidationError reports whether err is or wraps a *ValidationError.
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
