package models

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors shared across the engine. Handlers classify them with
// errors.Is/As and map them to transport-level codes.
var (
	ErrNotFound      = errors.New("not found")
	ErrInvalidState  = errors.New("invalid state for operation")
	ErrNotAuthorized = errors.New("not authorized")

	// ErrConflict means a conditional write lost a race. Callers retry the
	// higher-level operation; it is never fatal.
	ErrConflict = errors.New("concurrent modification conflict")
)

// InvalidTransitionError reports a status-machine violation with the
// attempted source and target for diagnostics.
type InvalidTransitionError struct {
	From BookingStatus
	To   BookingStatus
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid status transition from %s to %s", e.From, e.To)
}

// ValidationError reports malformed input, e.g. out-of-range coordinates.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Reason
	}
	return e.Field + ": " + e.Reason
}

// LedgerRuleViolation carries the full list of broken withdrawal rules so
// callers can render every problem at once.
type LedgerRuleViolation struct {
	Violations []string
}

func (e *LedgerRuleViolation) Error() string {
	return "withdrawal rejected: " + strings.Join(e.Violations, "; ")
}
