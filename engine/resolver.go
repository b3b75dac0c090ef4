/*
resolver.go - Obligation resolution and the transactional processor

PURPOSE:
  Resolves an incoming decision event to an existing or new obligation and
  drives one event through the full ingestion pipeline: resolve, correct,
  truncate, generate, persist - as a single atomic unit of work.

RESOLUTION ORDER:
  1. amendment reference present -> by lump-sum correlation id
  2. lump-sum decision type      -> by (category, payer, case)
  3. otherwise                   -> by (category, claimant, payer, case)
  Found -> amendment. Not found -> creation. More than one match is a
  data-integrity fault and is surfaced, never guessed away.

CONCURRENCY:
  Two events for the same obligation are serialized by the optimistic
  version on the obligation row: the later writer aborts with
  ErrConcurrentModification and reprocesses from a fresh read. Events for
  different obligations are independent.

IDEMPOTENCE:
  The decision id is committed with the aggregate. A redelivered event
  hits ErrDuplicateDecision and is acknowledged as a no-op, so at-least-
  once transport delivery cannot create duplicate obligations or entries.
*/
package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
)

// Resolver finds or creates the obligation a decision event belongs to.
type Resolver struct {
	Store Store
}

// Resolve returns the obligation and whether it pre-existed (amendment).
// A brand-new obligation is returned unsaved (Version == 0); persistence
// happens after the period manager completes, in the same unit of work.
func (r *Resolver) Resolve(ctx context.Context, ev DecisionEvent) (*Obligation, bool, error) {
	existing, err := r.lookup(ctx, ev)
	if err != nil {
		return nil, false, err
	}
	if existing != nil {
		return existing, true, nil
	}

	kind := KindRecurring
	if ev.Type.IsLumpSum() {
		kind = KindLumpSum
	}
	return &Obligation{
		ID:            NewObligationID(),
		Kind:          kind,
		Category:      ev.Category,
		PayerID:       ev.PayerID,
		ClaimantID:    ev.ClaimantID,
		CaseRef:       ev.CaseRef,
		DeferredUntil: ev.DeferredUntil,
		LastModified:  nowUTC(),
	}, false, nil
}

func (r *Resolver) lookup(ctx context.Context, ev DecisionEvent) (*Obligation, error) {
	if ev.AmendmentRef != "" {
		return r.Store.FindByCorrelation(ctx, ev.AmendmentRef)
	}
	if ev.Type.IsLumpSum() {
		return r.Store.FindLumpSum(ctx, ev.Category, ev.PayerID, ev.CaseRef)
	}
	return r.Store.FindRecurring(ctx, ev.Category, ev.ClaimantID, ev.PayerID, ev.CaseRef)
}

// =============================================================================
// PROCESSOR - One decision event, one atomic unit of work
// =============================================================================

// Processor ingests decision events end to end.
type Processor struct {
	Store    Store
	Resolver *Resolver
	Periods  *PeriodManager

	// MaxAttempts bounds optimistic-concurrency retries. Defaults to 3.
	MaxAttempts int

	// Notify, if set, is called with the obligation id after a successful
	// commit. The transmission queue hangs off this hook; losing the call
	// only delays transmission, the sweep re-derives the pending set.
	Notify func(ObligationID)
}

// NewProcessor wires a processor with the default code table.
func NewProcessor(store Store) *Processor {
	codes := DefaultCodeTable()
	return &Processor{
		Store:    store,
		Resolver: &Resolver{Store: store},
		Periods: &PeriodManager{
			Entries:     &EntryGenerator{Codes: codes},
			Corrections: &CorrectionGenerator{Codes: codes},
			Sequence:    store,
		},
	}
}

// Process applies one decision event and commits it atomically. On
// optimistic conflict the event is reprocessed from a fresh read, bounded
// by MaxAttempts. A redelivered (already committed) event returns the
// existing obligation and no error.
func (p *Processor) Process(ctx context.Context, ev DecisionEvent) (*Obligation, error) {
	if err := ev.Validate(); err != nil {
		return nil, err
	}

	attempts := p.MaxAttempts
	if attempts <= 0 {
		attempts = 3
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		// The watermark is read fresh per attempt: a batch closing while we
		// retry must not leave us with stale month boundaries.
		watermark, err := p.Store.Watermark(ctx)
		if err != nil {
			return nil, fmt.Errorf("read watermark: %w", err)
		}

		o, amendment, err := p.Resolver.Resolve(ctx, ev)
		if err != nil {
			return nil, err
		}

		if err := p.Periods.Apply(ctx, ApplyInput{
			Obligation: o,
			Event:      ev,
			Amendment:  amendment,
			Watermark:  watermark,
		}); err != nil {
			return nil, err
		}

		err = p.Store.SaveObligation(ctx, o, ev.DecisionID)
		switch {
		case err == nil:
			if p.Notify != nil {
				p.Notify(o.ID)
			}
			return o, nil

		case errors.Is(err, ErrDuplicateDecision):
			// At-least-once redelivery: the first delivery committed but the
			// acknowledgment was lost. Acknowledge as a no-op.
			log.Printf("[Ingest] decision %s already processed, acknowledging redelivery", ev.DecisionID)
			return p.resolveCommitted(ctx, ev)

		case errors.Is(err, ErrConcurrentModification):
			lastErr = err
			continue

		default:
			return nil, err
		}
	}
	return nil, fmt.Errorf("ingest: gave up after %d attempts: %w", attempts, lastErr)
}

// resolveCommitted reloads the obligation a duplicate decision belongs to.
func (p *Processor) resolveCommitted(ctx context.Context, ev DecisionEvent) (*Obligation, error) {
	o, amendment, err := p.Resolver.Resolve(ctx, ev)
	if err != nil {
		return nil, err
	}
	if !amendment {
		// Committed by the first delivery but not resolvable by key: data
		// inconsistency the operator needs to see.
		return nil, fmt.Errorf("decision %s committed but obligation not found: %w", ev.DecisionID, ErrObligationNotFound)
	}
	return o, nil
}
