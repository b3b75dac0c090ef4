package engine

import (
	"fmt"
)

// =============================================================================
// TRANSACTION ENTRY GENERATOR
// =============================================================================

// EntryGenerator creates the NEW-kind entries for a freshly created period.
//
// Generation is idempotent: a (transaction code, billing month) pair that
// already exists on the period is skipped, so rerunning the generator for
// the same period and watermark produces no duplicates.
type EntryGenerator struct {
	Codes *CodeTable
}

// Generate enumerates the billable months of the period and creates one
// NEW entry per month that is not billed yet. An empty month list (end
// before start) produces no entries and is not an error.
func (g *EntryGenerator) Generate(p *Period, decisionType DecisionType, watermark YearMonth) ([]*Entry, error) {
	code, ok := g.Codes.PrimaryFor(decisionType)
	if !ok {
		return nil, fmt.Errorf("no primary code for %q: %w", decisionType, ErrUnknownDecisionType)
	}

	months := MonthsBetween(p.Start, p.End, watermark)

	var created []*Entry
	for i, m := range months {
		if p.HasEntry(code, m) {
			continue
		}
		e := &Entry{
			ID:        NewEntryID(),
			Code:      code,
			Month:     m,
			Kind:      EntryNew,
			Subtype:   subtypeFor(decisionType, i == 0),
			CreatedAt: nowUTC(),
		}
		p.AttachEntry(e)
		created = append(created, e)
	}
	return created, nil
}

// subtypeFor resolves the authority's application subtype. Indexation marks
// only the first billed month; every later month of the same decision is a
// generic change.
func subtypeFor(decisionType DecisionType, firstMonth bool) Subtype {
	switch {
	case decisionType == DecisionIndexAdjustment && firstMonth:
		return SubtypeIndexFirst
	case decisionType == DecisionFeePayer:
		return SubtypeFeePayer
	case decisionType == DecisionFeePayee:
		return SubtypeFeePayee
	default:
		return SubtypeGeneric
	}
}
