package runner

import (
	"fmt"

	"github.com/entrhq/taskgate/pkg/types"
)

// StepError is a classified pipeline failure. Every StepError ends up as the
// reason code of the run's submission.
type StepError struct {
	Reason types.ReasonCode
	Err    error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("%s: %v", e.Reason, e.Err)
}

// Unwrap returns the underlying error
func (e *StepError) Unwrap() error {
	return e.Err
}

func stepErrorf(reason types.ReasonCode, format string, args ...interface{}) *StepError {
	return &StepError{Reason: reason, Err: fmt.Errorf(format, args...)}
}
