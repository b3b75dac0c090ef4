package engine

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// =============================================================================
// DECISION EVENT - Input from the external decision stream
// =============================================================================

// DecisionEvent is one legal decision as delivered by the event transport.
// The wire format is the transport's concern; this is the validated
// in-memory form the engine consumes.
type DecisionEvent struct {
	DecisionID   string
	Type         DecisionType
	Category     Category
	PayerID      string
	ClaimantID   string // optional for fee-only decisions
	CaseRef      string
	AmendmentRef string // references the correlation id of a prior lump-sum decision
	DecisionDate Date
	CreatedBy    string
	DeferredUntil *Date

	Periods []CandidatePeriod
}

// CandidatePeriod is one amount/payee interval supplied by a decision.
// A nil amount is a pure termination signal: no period is created, but the
// correction pass and truncation still run from its start date.
type CandidatePeriod struct {
	Amount      *decimal.Decimal
	Currency    string
	PayeeID     string
	Start       Date
	End         *Date
	LineItemRef *int64 // external line-item reference, assigned by us if nil
}

// Termination reports whether the candidate carries no new amount.
func (c CandidatePeriod) Termination() bool { return c.Amount == nil }

// Validate checks the event before any engine state is touched. A failed
// validation is poison: the event is logged and never retried automatically.
func (e DecisionEvent) Validate() error {
	var violations []string

	if e.DecisionID == "" {
		violations = append(violations, "decision id is required")
	}
	if !e.Type.Valid() {
		violations = append(violations, "unknown decision type "+string(e.Type))
	}
	if e.Category == "" {
		violations = append(violations, "category is required")
	}
	if e.PayerID == "" {
		violations = append(violations, "payer id is required")
	}
	if e.CaseRef == "" {
		violations = append(violations, "case reference is required")
	}
	if e.ClaimantID == "" && !e.Type.IsLumpSum() {
		violations = append(violations, "claimant id is required for recurring decisions")
	}
	if e.DecisionDate.IsZero() {
		violations = append(violations, "decision date is required")
	}

	for i, c := range e.Periods {
		if c.Start.IsZero() {
			violations = append(violations, periodViolation(i, "start date is required"))
			continue
		}
		if c.Start.Day() != 1 {
			violations = append(violations, periodViolation(i, "start date must be month-aligned"))
		}
		if c.Amount != nil {
			if c.Currency == "" {
				violations = append(violations, periodViolation(i, "currency is required when amount is set"))
			}
			if c.PayeeID == "" {
				violations = append(violations, periodViolation(i, "payee id is required when amount is set"))
			}
			if c.Amount.IsNegative() {
				violations = append(violations, periodViolation(i, "amount must not be negative"))
			}
		}
	}

	if len(violations) > 0 {
		return &EventValidationError{DecisionID: e.DecisionID, Violations: violations}
	}
	return nil
}

func periodViolation(i int, msg string) string {
	return fmt.Sprintf("period[%d]: %s", i, msg)
}

// EarliestStart returns the earliest start date among the event's candidate
// periods, termination signals included.
func (e DecisionEvent) EarliestStart() (Date, bool) {
	var earliest Date
	found := false
	for _, c := range e.Periods {
		if !found || c.Start.Before(earliest) {
			earliest = c.Start
			found = true
		}
	}
	return earliest, found
}
