/*
Package transmit delivers billed entries to the external tax/collection
authority.

PURPOSE:
  Two independent mechanisms feed the same transmitter:
  - Queue + Worker: a lossy in-memory queue drained as entries are
    created. Pure latency optimization.
  - Sweep: a periodic pass re-deriving the pending set from the store
    predicate "entry has no transmission timestamp and its period is in
    the active billing window". The correctness guarantee - a crashed or
    dropped queue delays delivery, never loses it.
  They are deliberately not merged into one code path.

OUTCOMES:
  acknowledged -> entries get their transmission timestamp, leave the
                  pending set, and are never mutated again
  rejected     -> rejection reason recorded, timestamp left nil, whole
                  batch retried by the next sweep (at-least-once delivery,
                  the receiver deduplicates by line-item reference)
  unavailable/unauthorized -> entries untouched, retried next sweep
*/
package transmit

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/shopspring/decimal"
	"github.com/warp/obligation-engine/engine"
)

// =============================================================================
// AUTHORITY CLIENT
// =============================================================================

var (
	// ErrUnavailable means the authority could not be reached. Transient.
	ErrUnavailable = errors.New("authority unavailable")

	// ErrUnauthorized means the authority refused our credentials.
	ErrUnauthorized = errors.New("authority rejected credentials")
)

// RejectionError is a validation rejection of a submitted batch.
type RejectionError struct {
	Reason string
}

func (e *RejectionError) Error() string { return "batch rejected: " + e.Reason }

// Batch is one submission to the authority: all pending lines of one
// obligation, optionally restricted to a single month.
type Batch struct {
	ID           string
	ObligationID engine.ObligationID
	Lines        []Line
}

// Line is one entry on the wire.
type Line struct {
	EntryID     engine.EntryID
	LineItemRef int64
	Code        engine.TransactionCode
	Month       engine.YearMonth
	Kind        engine.EntryKind
	Subtype     engine.Subtype
	Amount      decimal.Decimal
	Currency    string
	PayerID     string
	PayeeID     string
}

// AuthorityClient submits batches to the authority. The call blocks; there
// is no cancellation once submitted. Implementations return nil for an
// acknowledged batch, a *RejectionError for a validation rejection, and
// ErrUnavailable/ErrUnauthorized for transport-level failures.
type AuthorityClient interface {
	Submit(ctx context.Context, batch Batch) error
}

// LoggingClient acknowledges every batch and logs it. Stands in for the
// REST/batch-file client until that integration is wired.
type LoggingClient struct{}

func (LoggingClient) Submit(_ context.Context, batch Batch) error {
	log.Printf("[Authority] acknowledged batch %s: obligation %s, %d lines",
		batch.ID, batch.ObligationID, len(batch.Lines))
	return nil
}

var _ AuthorityClient = LoggingClient{}

// classify maps a client error onto an attempt outcome for logging.
func classify(err error) string {
	var rej *RejectionError
	switch {
	case errors.As(err, &rej):
		return fmt.Sprintf("rejected (%s)", rej.Reason)
	case errors.Is(err, ErrUnavailable):
		return "unavailable"
	case errors.Is(err, ErrUnauthorized):
		return "unauthorized"
	default:
		return "failed"
	}
}
