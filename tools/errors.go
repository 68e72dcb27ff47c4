package tools

import (
	"errors"
	"fmt"

	"github.com/briangreenhill/canvasgpt/internal/pipeline"
)

var (
	ErrInvalidArgs   = errors.New("invalid arguments")
	ErrUnknownCourse = errors.New("unknown course")
)

// CallError is a tool failure ready to show to the assistant.
type CallError struct {
	Action  string
	Failure pipeline.Failure
	Err     error
}

func (e *CallError) Error() string {
	return fmt.Sprintf("Error %s: %s", e.Action, e.Failure)
}

func (e *CallError) Unwrap() error {
	return e.Err
}

// failed wraps err with a user facing explanation of what went wrong while
// performing action.
func failed(action string, err error) error {
	var ce *CallError
	if errors.As(err, &ce) {
		return err
	}
	f := pipeline.Explain(err)
	switch {
	case errors.Is(err, ErrInvalidArgs):
		f = pipeline.Failure{
			Code:        pipeline.CodeInvalid,
			Message:     err.Error() + ".",
			Remediation: "Check the tool arguments and try again.",
		}
	case errors.Is(err, ErrUnknownCourse):
		f = pipeline.Failure{
			Code:        pipeline.CodeNotFound,
			Message:     err.Error() + ".",
			Remediation: "Run list_courses to see the available course codes.",
		}
	}
	return &CallError{Action: action, Failure: f, Err: err}
}
