package errors

import (
	"errors"
	"fmt"
)

// BuildError is the error type surfaced at the orchestrator boundary.
// It carries the error code, the owning stage, and the zero-based index
// of the offending instruction within that stage.
type BuildError struct {
	// Code classifies the failure.
	Code ErrorCode

	// Stage is the name (or decimal index, for unnamed stages) of the
	// stage that failed. Empty for failures before any stage started.
	Stage string

	// Instruction is the zero-based instruction index within the stage.
	// -1 when the failure is not tied to a single instruction.
	Instruction int

	// Err is the underlying cause.
	Err error
}

// Error implements the error interface.
func (e *BuildError) Error() string {
	switch {
	case e.Stage == "":
		return fmt.Sprintf("%s: %v", e.Code, e.Err)
	case e.Instruction < 0:
		return fmt.Sprintf("%s: stage %q: %v", e.Code, e.Stage, e.Err)
	default:
		return fmt.Sprintf("%s: stage %q instruction %d: %v", e.Code, e.Stage, e.Instruction, e.Err)
	}
}

// Unwrap returns the underlying cause for errors.Is / errors.As.
func (e *BuildError) Unwrap() error {
	return e.Err
}

// New creates a BuildError with the given code and cause.
func New(code ErrorCode, stage string, instruction int, err error) *BuildError {
	return &BuildError{
		Code:        code,
		Stage:       stage,
		Instruction: instruction,
		Err:         err,
	}
}

// CodeOf extracts the ErrorCode from err, walking the wrap chain.
// Returns CodeUnknown when err carries no BuildError.
func CodeOf(err error) ErrorCode {
	var be *BuildError
	if errors.As(err, &be) {
		return be.Code
	}
	return CodeUnknown
}
