/*
errors.go - Centralized error types for the engine

PURPOSE:
  All engine error types in one place. Callers branch with errors.Is;
  structured errors carry lookup context and unwrap to the sentinels.
*/
package engine

import (
	"errors"
	"fmt"
	"strings"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrObligationNotFound is returned when a referenced obligation doesn't exist.
	ErrObligationNotFound = errors.New("obligation not found")

	// ErrAmbiguousObligation is returned when a resolver lookup matches more
	// than one obligation. This is a data-integrity fault; the engine must
	// surface it, never guess.
	ErrAmbiguousObligation = errors.New("ambiguous obligation lookup")

	// ErrConcurrentModification is returned when the optimistic version check
	// fails on save. Retryable: the later writer reloads and reapplies.
	ErrConcurrentModification = errors.New("concurrent modification detected")

	// ErrDuplicateDecision is returned when a decision id has already been
	// committed. Expected on at-least-once redelivery; the event is a no-op.
	ErrDuplicateDecision = errors.New("decision already processed")

	// ErrDuplicateEntry is returned when an entry with the same
	// (period, transaction code, billing month) already exists.
	ErrDuplicateEntry = errors.New("duplicate entry for code and month")

	// ErrUnknownDecisionType is returned when the code table has no primary
	// code for the event's decision type.
	ErrUnknownDecisionType = errors.New("unknown decision type")

	// ErrPeriodAlreadyClosed is returned when truncating a period whose
	// ActiveUntil is already set. A period is closed exactly once.
	ErrPeriodAlreadyClosed = errors.New("period already closed")

	// ErrMultipleOpenPeriods is returned when a save would leave more than
	// one period with ActiveUntil == nil on the same obligation.
	ErrMultipleOpenPeriods = errors.New("multiple open periods on obligation")
)

// =============================================================================
// STRUCTURED ERRORS
// =============================================================================

// AmbiguityError carries the lookup key that matched multiple obligations.
type AmbiguityError struct {
	Category Category
	PayerID  string
	CaseRef  string
	Matches  int
}

func (e *AmbiguityError) Error() string {
	return fmt.Sprintf("ambiguous obligation lookup: %d matches for category=%s payer=%s case=%s",
		e.Matches, e.Category, e.PayerID, e.CaseRef)
}

func (e *AmbiguityError) Unwrap() error { return ErrAmbiguousObligation }

// EventValidationError lists everything wrong with a decision event. The
// event is poison: it is not retried automatically, a human re-submits
// after a fix.
type EventValidationError struct {
	DecisionID string
	Violations []string
}

func (e *EventValidationError) Error() string {
	return fmt.Sprintf("invalid decision event %s: %s", e.DecisionID, strings.Join(e.Violations, "; "))
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRetryable returns true if reprocessing the event might succeed.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConcurrentModification)
}

// IsClientError returns true if the error is due to the event itself
// rather than engine state.
func IsClientError(err error) bool {
	var ve *EventValidationError
	return errors.As(err, &ve) || errors.Is(err, ErrUnknownDecisionType)
}
