package workflows

import (
	"fmt"

	"go.temporal.io/sdk/temporal"
)

// ErrTypeInvalidInput marks application errors that must not be retried.
const ErrTypeInvalidInput = "InvalidInput"

// WorkflowError records which step of a workflow failed.
type WorkflowError struct {
	Operation string // e.g. "execute_pipeline"
	Err       error
	Context   string
}

func (e *WorkflowError) Error() string {
	if e.Context != "" {
		return fmt.Sprintf("%s failed: %s (%s)", e.Operation, e.Err.Error(), e.Context)
	}
	return fmt.Sprintf("%s failed: %s", e.Operation, e.Err.Error())
}

func (e *WorkflowError) Unwrap() error {
	return e.Err
}

func NewWorkflowError(operation string, err error, context string) *WorkflowError {
	return &WorkflowError{Operation: operation, Err: err, Context: context}
}

// invalidInput fails without retries.
func invalidInput(err error) error {
	return temporal.NewNonRetryableApplicationError(err.Error(), ErrTypeInvalidInput, err)
}
