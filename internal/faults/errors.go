// Package faults defines the error taxonomy shared by every pipeline stage.
package faults

import (
	"errors"
	"fmt"
)

// SchemaError reports an inventory that cannot be turned into a field schema.
type SchemaError struct {
	FieldID string
	Reason  string
}

func (e *SchemaError) Error() string {
	if e.FieldID == "" {
		return "schema: " + e.Reason
	}
	return fmt.Sprintf("schema: field %q: %s", e.FieldID, e.Reason)
}

// ContextGenerationError reports a failed contextualization call. It is
// recorded per field; only a terminal one fails the case.
type ContextGenerationError struct {
	FieldID string
	Err     error
}

func (e *ContextGenerationError) Error() string {
	return fmt.Sprintf("context generation for %q: %v", e.FieldID, e.Err)
}

func (e *ContextGenerationError) Unwrap() error { return e.Err }

// ResolutionError reports an extraction call that failed after retries.
type ResolutionError struct {
	FieldID string
	Err     error
}

func (e *ResolutionError) Error() string {
	return fmt.Sprintf("resolution for %q: %v", e.FieldID, e.Err)
}

func (e *ResolutionError) Unwrap() error { return e.Err }

// ValidationError reports a value that violates its field constraints.
type ValidationError struct {
	FieldID string
	Reason  string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation for %q: %s", e.FieldID, e.Reason)
}

// FillError reports a value that could not be written into the form.
type FillError struct {
	FieldID string
	Err     error
}

func (e *FillError) Error() string {
	if e.FieldID == "" {
		return fmt.Sprintf("fill: %v", e.Err)
	}
	return fmt.Sprintf("fill %q: %v", e.FieldID, e.Err)
}

func (e *FillError) Unwrap() error { return e.Err }

// PersistenceError reports an artifact or state write that failed.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// StageError is the error a caller sees when a case ends in Failed(stage).
type StageError struct {
	CaseID string
	Stage  string
	Err    error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("case %s failed at %s: %v", e.CaseID, e.Stage, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

// FailedStage returns the stage recorded on err, if any.
func FailedStage(err error) (string, bool) {
	var se *StageError
	if errors.As(err, &se) {
		return se.Stage, true
	}
	return "", false
}
