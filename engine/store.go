package engine

import (
	"context"

	"github.com/shopspring/decimal"
)

// =============================================================================
// STORE - Persistence interface for the obligation aggregate
// =============================================================================

// Store persists obligation aggregates. Implementations must enforce the
// uniqueness invariants at the storage layer too (unique recurring tuple,
// unique correlation id, unique (period, code, month) entry pair, single
// open period per obligation), not only trust the engine.
//
// Lookups that find nothing return (nil, nil); lookups that match more
// than one obligation return an error wrapping ErrAmbiguousObligation.
type Store interface {
	LineItemSequence

	// GetObligation loads the full aggregate: obligation, periods, entries,
	// transmission attempts. Returns ErrObligationNotFound when absent.
	GetObligation(ctx context.Context, id ObligationID) (*Obligation, error)

	// FindByCorrelation looks up the lump-sum obligation whose correlation
	// id equals the given amendment reference.
	FindByCorrelation(ctx context.Context, ref string) (*Obligation, error)

	// FindRecurring looks up a recurring obligation by its uniqueness tuple.
	FindRecurring(ctx context.Context, category Category, claimantID, payerID, caseRef string) (*Obligation, error)

	// FindLumpSum looks up a lump-sum obligation by category, payer and case.
	FindLumpSum(ctx context.Context, category Category, payerID, caseRef string) (*Obligation, error)

	// SaveObligation commits the whole aggregate as one atomic unit of work:
	// the obligation row (guarded by its optimistic version), period inserts
	// and truncations, entry inserts, and the decision id. A version
	// mismatch returns ErrConcurrentModification; a decision id that was
	// already committed returns ErrDuplicateDecision and writes nothing.
	SaveObligation(ctx context.Context, o *Obligation, decisionID string) error

	// Watermark returns the latest calendar month for which a full
	// authoritative batch has been closed. It is recomputed from persisted
	// state on every call and must never be cached across units of work.
	Watermark(ctx context.Context) (YearMonth, error)
}

// =============================================================================
// PENDING LINE - Read model for the transmission subsystem
// =============================================================================

// PendingLine is one not-yet-transmitted entry joined with the period and
// obligation context the authority needs on the wire. The authoritative
// pending predicate: the entry has no transmission timestamp, its month is
// inside the active billing window, and the obligation is not deferred.
type PendingLine struct {
	ObligationID ObligationID
	PayerID      string
	PayeeID      string
	Currency     string
	Amount       decimal.Decimal
	LineItemRef  int64
	Entry        Entry
}
