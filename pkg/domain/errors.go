package domain

import (
	"errors"
	"fmt"
)

// Stage failure kinds
var (
	ErrToolNotFound      = errors.New("tool not found")
	ErrToolFailed        = errors.New("tool failed")
	ErrIndexNotFound     = errors.New("index not found")
	ErrMissingInput      = errors.New("missing input")
	ErrOutputNotProduced = errors.New("output not produced")
)

// Pipeline construction failures
var (
	ErrInvalidPipeline = errors.New("invalid pipeline")
	ErrCycle           = errors.New("cycle detected")
)

// ErrRunNotFound is returned by run storage for unknown run ids
var ErrRunNotFound = errors.New("run not found")

// ErrorKind names a stage failure kind for reports
type ErrorKind string

const (
	ErrorKindNone              ErrorKind = ""
	ErrorKindToolNotFound      ErrorKind = "ToolNotFound"
	ErrorKindToolFailed        ErrorKind = "ToolFailed"
	ErrorKindIndexNotFound     ErrorKind = "IndexNotFound"
	ErrorKindMissingInput      ErrorKind = "MissingInput"
	ErrorKindOutputNotProduced ErrorKind = "OutputNotProduced"
	ErrorKindInternal          ErrorKind = "Internal"
)

// KindOf maps an error onto the stage failure taxonomy
func KindOf(err error) ErrorKind {
	switch {
	case err == nil:
		return ErrorKindNone
	case errors.Is(err, ErrToolNotFound):
		return ErrorKindToolNotFound
	case errors.Is(err, ErrToolFailed):
		return ErrorKindToolFailed
	case errors.Is(err, ErrIndexNotFound):
		return ErrorKindIndexNotFound
	case errors.Is(err, ErrMissingInput):
		return ErrorKindMissingInput
	case errors.Is(err, ErrOutputNotProduced):
		return ErrorKindOutputNotProduced
	default:
		return ErrorKindInternal
	}
}

// StageError carries a stage failure with its diagnostics
type StageError struct {
	StageID     string
	Kind        error
	ExitStatus  int
	Diagnostics string
	Msg         string
}

func (e *StageError) Error() string {
	if e == nil {
		return ""
	}
	msg := fmt.Sprintf("stage %s: %s", e.StageID, e.Kind.Error())
	if e.Msg != "" {
		msg += ": " + e.Msg
	}
	return msg
}

func (e *StageError) Unwrap() error { return e.Kind }

// ToolError is returned by tool runners. Tool is the logical name of the
// failing command; ExitStatus is its exit status (-1 when it never ran).
type ToolError struct {
	Kind        error
	Tool        string
	Position    int
	ExitStatus  int
	Diagnostics string
	Err         error
}

func (e *ToolError) Error() string {
	if e == nil {
		return ""
	}
	switch {
	case errors.Is(e.Kind, ErrToolFailed):
		return fmt.Sprintf("%s: %s (pipe position %d) exited with status %d", e.Kind, e.Tool, e.Position, e.ExitStatus)
	case e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Tool, e.Err)
	default:
		return fmt.Sprintf("%s: %s", e.Kind, e.Tool)
	}
}

func (e *ToolError) Unwrap() error { return e.Kind }
