package job

import (
	"errors"
	"fmt"
)

// error kinds, matched with errors.Is
var (
	ErrInput              = errors.New("invalid input")
	ErrWorkflowResolution = errors.New("workflow resolution failed")
	ErrBackendUnavailable = errors.New("backend unavailable")
	ErrUpload             = errors.New("image upload failed")
	ErrSubmission         = errors.New("workflow submission failed")
	ErrPolling            = errors.New("polling failed")
	ErrOutputNotFound     = errors.New("output not found")
)

// StageError is a pipeline failure with the message shown to the caller.
type StageError struct {
	Kind    error
	Message string
	Details []string
	Err     error
}

func (e *StageError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap exposes both the kind and the cause to errors.Is / errors.As.
func (e *StageError) Unwrap() []error {
	if e.Err != nil {
		return []error{e.Kind, e.Err}
	}
	return []error{e.Kind}
}

// Result converts the error into an error result.
func (e *StageError) Result() Result {
	return Failure(e.Message, e.Details...)
}

// NewStageError creates a stage error of the given kind
func NewStageError(kind error, message string, cause error) *StageError {
	return &StageError{Kind: kind, Message: message, Err: cause}
}

// ResultFromError maps any error to a result, using the StageError message
// when one is present.
func ResultFromError(err error) Result {
	var se *StageError
	if errors.As(err, &se) {
		return se.Result()
	}
	return Failure(err.Error())
}
