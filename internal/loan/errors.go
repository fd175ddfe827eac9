package loan

import (
	"errors"
	"fmt"
)

// ValidationError reports a malformed application. It is raised before
// any workflow progress is made.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid application: %s: %s", e.Field, e.Message)
}

// IsValidationError reports whether err wraps a *ValidationError.
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// WorkflowError is a fatal error raised by one step of the workflow.
type WorkflowError struct {
	Step string
	Err  error
}

func (e *WorkflowError) Error() string {
	return fmt.Sprintf("%s: %v", e.Step, e.Err)
}

func (e *WorkflowError) Unwrap() error { return e.Err }
