package models

import (
	"errors"
	"fmt"
)

// Domain errors shared by the stores, the engine and the admin surface.
var (
	ErrInvalidSequenceDefinition = errors.New("invalid sequence definition")
	ErrInvalidExperimentConfig   = errors.New("invalid experiment config")
	ErrSequenceNotFound          = errors.New("sequence not found")
	ErrEnrollmentNotFound        = errors.New("enrollment not found")
	ErrExperimentNotFound        = errors.New("experiment not found")
	ErrTemplateNotFound          = errors.New("template not found")
	ErrDuplicateEnrollment       = errors.New("lead already has an active enrollment in this sequence")
	ErrEntryConditionsNotMet     = errors.New("lead does not meet sequence entry conditions")
	ErrSequenceNotActive         = errors.New("sequence is not active")
	ErrConcurrentUpdate          = errors.New("concurrent update")
	ErrStepExecution             = errors.New("step execution failed")
	ErrInvalidTransition         = errors.New("invalid status transition")
)

// InvalidSequenceError names the step that made a definition invalid.
type InvalidSequenceError struct {
	StepID string
	Reason string
}

func (e *InvalidSequenceError) Error() string {
	if e.StepID == "" {
		return fmt.Sprintf("%s: %s", ErrInvalidSequenceDefinition, e.Reason)
	}
	return fmt.Sprintf("%s: step %q: %s", ErrInvalidSequenceDefinition, e.StepID, e.Reason)
}

func (e *InvalidSequenceError) Unwrap() error { return ErrInvalidSequenceDefinition }

// InvalidExperimentError carries the reason an experiment was rejected.
type InvalidExperimentError struct {
	Reason string
}

func (e *InvalidExperimentError) Error() string {
	return fmt.Sprintf("%s: %s", ErrInvalidExperimentConfig, e.Reason)
}

func (e *InvalidExperimentError) Unwrap() error { return ErrInvalidExperimentConfig }

// StepExecutionError wraps a failure raised while executing a step.
type StepExecutionError struct {
	StepID string
	Err    error
}

func (e *StepExecutionError) Error() string {
	return fmt.Sprintf("%s: step %q: %v", ErrStepExecution, e.StepID, e.Err)
}

func (e *StepExecutionError) Unwrap() []error { return []error{ErrStepExecution, e.Err} }
