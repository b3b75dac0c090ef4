/*
periods.go - Period creation and timeline truncation

PURPOSE:
  Applies one decision event to an obligation's timeline: closes the
  periods the decision supersedes, creates the new periods, runs the
  correction pass for amendments, and enumerates the new entries.

TRUNCATION:
  Every pre-existing open period is closed against the earliest start date
  of the event's candidate periods (newStart):
    - end != nil and end < newStart  -> ActiveUntil = end   (already lapsed)
    - start >= newStart              -> ActiveUntil = start (never effective)
    - otherwise                      -> ActiveUntil = newStart

  When one event supplies several candidate periods, each created period
  except the latest-starting one is closed against its successor the same
  way, so the one-open-period invariant holds within a single event too.
*/
package engine

import (
	"context"
	"fmt"
	"sort"
)

// LineItemSequence hands out the external line-item references. References
// must be unique by construction, so they come from a persistent monotonic
// sequence, never from randomness.
type LineItemSequence interface {
	NextLineItemRef(ctx context.Context) (int64, error)
}

// PeriodManager applies a decision event's candidate periods to an
// obligation aggregate. It is the only write path into the timeline.
type PeriodManager struct {
	Entries     *EntryGenerator
	Corrections *CorrectionGenerator
	Sequence    LineItemSequence
}

// ApplyInput carries one resolved decision event.
type ApplyInput struct {
	Obligation *Obligation
	Event      DecisionEvent
	Amendment  bool // obligation pre-existed this event
	Watermark  YearMonth
}

// Apply mutates the aggregate in memory. Persistence is the caller's
// concern; nothing here is observable until the unit of work commits.
func (pm *PeriodManager) Apply(ctx context.Context, in ApplyInput) error {
	o := in.Obligation
	ev := in.Event

	newStart, haveStart := ev.EarliestStart()

	// Union of all candidate month ranges, termination signals included.
	newMonths := NewMonthSet()
	for _, c := range ev.Periods {
		newMonths.AddAll(MonthsBetween(c.Start, c.End, in.Watermark))
	}

	// Corrections run once per amendment, before any new entries exist.
	if in.Amendment && haveStart {
		pm.Corrections.Apply(o, newMonths)
	}

	// Close every pre-existing open period against newStart.
	if haveStart {
		for _, p := range o.Periods {
			if p.ActiveUntil != nil {
				continue
			}
			if err := p.Truncate(truncationDate(p, newStart)); err != nil {
				return fmt.Errorf("truncate period %s: %w", p.ID, err)
			}
		}
	}

	// Create the new periods, earliest first.
	candidates := make([]CandidatePeriod, 0, len(ev.Periods))
	for _, c := range ev.Periods {
		if !c.Termination() {
			candidates = append(candidates, c)
		}
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].Start.Before(candidates[j].Start) })

	created := make([]*Period, 0, len(candidates))
	for _, c := range candidates {
		p, err := pm.newPeriod(ctx, ev, c)
		if err != nil {
			return err
		}
		o.AttachPeriod(p)
		if _, err := pm.Entries.Generate(p, ev.Type, in.Watermark); err != nil {
			return err
		}
		created = append(created, p)
	}

	// Sibling closure: only the latest-starting new period stays open.
	for i := 0; i+1 < len(created); i++ {
		if err := created[i].Truncate(truncationDate(created[i], created[i+1].Start)); err != nil {
			return fmt.Errorf("close sibling period %s: %w", created[i].ID, err)
		}
	}

	pm.stamp(o, ev)
	return nil
}

func (pm *PeriodManager) newPeriod(ctx context.Context, ev DecisionEvent, c CandidatePeriod) (*Period, error) {
	ref := int64(0)
	if c.LineItemRef != nil {
		ref = *c.LineItemRef
	} else {
		next, err := pm.Sequence.NextLineItemRef(ctx)
		if err != nil {
			return nil, fmt.Errorf("allocate line-item reference: %w", err)
		}
		ref = next
	}

	return &Period{
		ID:           NewPeriodID(),
		DecisionID:   ev.DecisionID,
		PayeeID:      c.PayeeID,
		Amount:       *c.Amount,
		Currency:     c.Currency,
		Start:        c.Start,
		End:          c.End,
		DecisionDate: ev.DecisionDate,
		CreatedBy:    ev.CreatedBy,
		LineItemRef:  ref,
	}, nil
}

// truncationDate resolves where a superseded period stops being the truth.
func truncationDate(p *Period, newStart Date) Date {
	switch {
	case p.End != nil && p.End.Before(newStart):
		return *p.End // had already lapsed
	case p.Start.AfterOrEqual(newStart):
		return p.Start // never became effective
	default:
		return newStart
	}
}

// stamp applies the obligation-level mutations of an event.
func (pm *PeriodManager) stamp(o *Obligation, ev DecisionEvent) {
	o.LastModified = nowUTC()
	if ev.DeferredUntil != nil {
		o.DeferredUntil = ev.DeferredUntil
	}
	if ev.Type.IsLumpSum() {
		// The next amendment in the chain references this decision.
		o.CorrelationID = ev.DecisionID
	}
	if ev.AmendmentRef != "" {
		o.AmendmentRef = ev.AmendmentRef
	}
}
