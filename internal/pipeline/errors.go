package pipeline

import (
	"errors"
	"fmt"
)

// RoutingError means the router could not produce SOLO or TEAM.
type RoutingError struct {
	Raw string
	Err error
}

func (e *RoutingError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("routing failed: %v", e.Err)
	}
	return fmt.Sprintf("routing failed: unrecognized mode %q", e.Raw)
}

func (e *RoutingError) Unwrap() error { return e.Err }

// ParseError means the logic body could not be isolated from the raw
// generation output.
type ParseError struct {
	Line   int
	Reason string
}

func (e *ParseError) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("parse error at line %d: %s", e.Line, e.Reason)
	}
	return "parse error: " + e.Reason
}

// MalformedSpecification means a declared tag has no known transformation
// or carries invalid parameters.
type MalformedSpecification struct {
	Tag    string
	Reason string
}

func (e *MalformedSpecification) Error() string {
	return fmt.Sprintf("malformed specification: tag %q: %s", e.Tag, e.Reason)
}

// DependencyResolutionError means a dependency maps to no installable package.
type DependencyResolutionError struct {
	Name   string
	Reason string
}

func (e *DependencyResolutionError) Error() string {
	return fmt.Sprintf("cannot resolve dependency %q: %s", e.Name, e.Reason)
}

// LayoutError means a target path escapes the project root.
type LayoutError struct {
	Path   string
	Reason string
}

func (e *LayoutError) Error() string {
	return fmt.Sprintf("invalid layout path %q: %s", e.Path, e.Reason)
}

// RuntimeStartError means the artifact exited non-zero before becoming ready.
type RuntimeStartError struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

func (e *RuntimeStartError) Error() string {
	return fmt.Sprintf("process exited with status %d during startup", e.ExitCode)
}

// FunctionalFailure identifies the first failing QA check.
type FunctionalFailure struct {
	Check    string
	Expected string
	Actual   string
	Raw      string
}

func (e *FunctionalFailure) Error() string {
	return fmt.Sprintf("functional check %q failed: expected %s, got %s", e.Check, e.Expected, e.Actual)
}

// StageExhausted means a stage used every attempt without success.
type StageExhausted struct {
	Stage    Stage
	Attempts int
	Last     error
}

func (e *StageExhausted) Error() string {
	return fmt.Sprintf("stage %s exhausted after %d attempts: %v", e.Stage, e.Attempts, e.Last)
}

func (e *StageExhausted) Unwrap() error { return e.Last }

// HealingBudgetExhausted means verification kept failing after every
// allowed self-healing iteration.
type HealingBudgetExhausted struct {
	Budget int
	Last   error
}

func (e *HealingBudgetExhausted) Error() string {
	return fmt.Sprintf("healing budget of %d exhausted: %v", e.Budget, e.Last)
}

func (e *HealingBudgetExhausted) Unwrap() error { return e.Last }

// CancelledError is returned for runs stopped by an explicit cancel.
type CancelledError struct {
	RunID string
	State string
}

func (e *CancelledError) Error() string {
	return fmt.Sprintf("run %s cancelled during %s", e.RunID, e.State)
}

// IsStructural reports whether err is a parse, specification, dependency or
// layout failure. Retrying those with identical input reproduces them, so
// the retry policy feeds the diagnostic back and escalates.
func IsStructural(err error) bool {
	var (
		pe *ParseError
		ms *MalformedSpecification
		de *DependencyResolutionError
		le *LayoutError
	)
	return errors.As(err, &pe) || errors.As(err, &ms) || errors.As(err, &de) || errors.As(err, &le)
}

// UnexpectedStatusError is returned when a stage reports a non-success status.
type UnexpectedStatusError struct {
	Stage      Stage
	Status     Status
	Diagnostic string
}

func (e *UnexpectedStatusError) Error() string {
	if e.Diagnostic != "" {
		return fmt.Sprintf("stage %s returned %s: %s", e.Stage, e.Status, e.Diagnostic)
	}
	return fmt.Sprintf("stage %s returned %s", e.Stage, e.Status)
}
