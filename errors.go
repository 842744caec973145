package chute

import (
	"errors"
	"fmt"
)

var (
	// ErrNotConverged is wrapped by an OptimizationFailure when the iteration budget is exhausted.
	ErrNotConverged = errors.New("successive convexification did not converge")
	// ErrNoSolution is wrapped by an OptimizationFailure when a convex subproblem cannot be solved.
	ErrNoSolution = errors.New("convex subproblem has no solution")
)

// ValidationError reports an invalid input.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func invalid(field, format string, args ...any) *ValidationError {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// WindDataError reports a network failure or a malformed response from a wind data provider.
type WindDataError struct {
	Op  string
	Err error
}

func (e *WindDataError) Error() string {
	return "wind data: " + e.Op + ": " + e.Err.Error()
}

func (e *WindDataError) Unwrap() error {
	return e.Err
}

func windErr(op string, format string, args ...any) *WindDataError {
	return &WindDataError{Op: op, Err: fmt.Errorf(format, args...)}
}

// OptimizationFailure reports that the optimizer stopped without a committed solution.
// Last holds the last feasible iterate (nil if the very first solve failed)
// and Costs the cost trace up to the failure.
type OptimizationFailure struct {
	Iteration int
	State     OptimizerState
	Last      *GuidanceResult
	Costs     []float64
	Err       error
}

func (e *OptimizationFailure) Error() string {
	return fmt.Sprintf("optimization failed at iteration %d (%s): %s", e.Iteration, e.State, e.Err)
}

func (e *OptimizationFailure) Unwrap() error {
	return e.Err
}
