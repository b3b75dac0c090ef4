/*
corrections.go - Correction entry generation

PURPOSE:
  When an amendment retroactively changes amounts, payees or end dates,
  the months already billed must not stand as originally reported. The
  correction pass scans the obligation's full entry history and appends
  CHANGE-kind correction entries for everything the amendment invalidates.

RULES:
  An existing entry is corrected when any of:
    - its month is in the amendment's month union (direct override)
    - its month lies strictly after the union's maximum (the timeline was
      shortened, the entry must be reversed)
    - its subtype is a fee subtype (a new fee decision fully replaces the
      prior fee, overlap is irrelevant)

  Corrections are month-for-month: the correction entry carries the same
  billing month and lives on the same period as the original. Originals
  are never mutated or deleted.
*/
package engine

import "log"

// CorrectionGenerator appends correction entries for an amendment.
type CorrectionGenerator struct {
	Codes *CodeTable

	// Warnf receives data-quality warnings (entry qualifies for correction
	// but its code defines none). Defaults to log.Printf.
	Warnf func(format string, args ...any)
}

// Apply scans every entry of every period and appends the due corrections.
// Returns the corrections it created.
func (g *CorrectionGenerator) Apply(o *Obligation, newMonths *MonthSet) []*Entry {
	warnf := g.Warnf
	if warnf == nil {
		warnf = log.Printf
	}

	var created []*Entry
	for _, p := range o.Periods {
		// Snapshot: corrections are appended to the same period while we scan it.
		existing := make([]*Entry, len(p.Entries))
		copy(existing, p.Entries)

		for _, e := range existing {
			if e.Kind == EntryChange {
				continue
			}
			if !g.qualifies(e, newMonths) {
				continue
			}

			corrCode, ok := g.Codes.CorrectionFor(e.Code)
			if !ok {
				// Financial history must never vanish silently: surface for
				// manual review and leave the entry uncorrected.
				warnf("[Corrections] data-quality warning: entry %s (code %s, month %s) qualifies for correction but code defines none",
					e.ID, e.Code, e.Month)
				continue
			}
			if p.HasEntry(corrCode, e.Month) {
				continue // already corrected
			}

			c := &Entry{
				ID:        NewEntryID(),
				Code:      corrCode,
				Month:     e.Month, // month-for-month reversal, never re-dated
				Kind:      EntryChange,
				Subtype:   e.Subtype,
				CreatedAt: nowUTC(),
			}
			p.AttachEntry(c)
			created = append(created, c)
		}
	}
	return created
}

func (g *CorrectionGenerator) qualifies(e *Entry, newMonths *MonthSet) bool {
	if e.Subtype.IsFee() {
		return true
	}
	if newMonths.Contains(e.Month) {
		return true
	}
	if max, ok := newMonths.Max(); ok && e.Month.After(max) {
		return true
	}
	return false
}
