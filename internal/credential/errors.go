package credential

import (
	"errors"
	"fmt"
)

// ErrSubmissionInFlight is returned when a form is submitted again before the
// previous submission finished. It is never shown to the user.
var ErrSubmissionInFlight = errors.New("submission already in progress")

// ErrFormNotIdle is returned when a form that already reached a terminal status
// is submitted again without an edit. It is never shown to the user.
var ErrFormNotIdle = errors.New("form must be edited before it is submitted again")

// ValidationError is a locally enforced input constraint. The identity service
// is not contacted.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return e.Message
}

// ServiceError wraps a failure reported by the identity service, including
// transport failures.
type ServiceError struct {
	Op      string
	Message string
	Err     error
}

func (e *ServiceError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *ServiceError) Unwrap() error {
	return e.Err
}
