package transmit

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/warp/obligation-engine/engine"
)

// =============================================================================
// STORE - Persistence the transmitter needs
// =============================================================================

// Store is the slice of persistence the transmission subsystem consumes.
// Implemented by store/sqlite and engine/store.Memory.
type Store interface {
	// PendingObligations re-derives the authoritative pending set.
	PendingObligations(ctx context.Context) ([]engine.ObligationID, error)

	// PendingLines returns an obligation's not-yet-transmitted lines,
	// optionally restricted to one billing month. The already-transmitted
	// guard lives here: acknowledged entries never come back.
	PendingLines(ctx context.Context, id engine.ObligationID, month *engine.YearMonth) ([]engine.PendingLine, error)

	// MarkTransmitted sets the transmission timestamp on acknowledged
	// entries. Only this removes an entry from the pending set.
	MarkTransmitted(ctx context.Context, ids []engine.EntryID, at time.Time, channel engine.Channel) error

	// RecordRejection stores the rejection reason, timestamp left nil.
	RecordRejection(ctx context.Context, ids []engine.EntryID, reason string, channel engine.Channel) error

	// RecordFailure logs an attempt that reached no verdict.
	RecordFailure(ctx context.Context, ids []engine.EntryID, reason string, channel engine.Channel) error
}

// =============================================================================
// TRANSMITTER
// =============================================================================

// Transmitter submits one obligation's pending lines as a batch and
// records the outcome. Shared by the queue worker, the sweep and the
// manual trigger so all three paths apply the same guards.
type Transmitter struct {
	Store  Store
	Client AuthorityClient

	submitted metric.Int64Counter
	failures  metric.Int64Counter
}

func NewTransmitter(store Store, client AuthorityClient) *Transmitter {
	meter := otel.Meter("github.com/warp/obligation-engine/transmit")
	submitted, _ := meter.Int64Counter("transmit.batches.submitted")
	failures, _ := meter.Int64Counter("transmit.batches.failed")
	return &Transmitter{Store: store, Client: client, submitted: submitted, failures: failures}
}

// TransmitObligation submits the obligation's pending lines. Returns the
// number of entries acknowledged. A batch with nothing pending is a no-op,
// not an error.
func (t *Transmitter) TransmitObligation(ctx context.Context, id engine.ObligationID, month *engine.YearMonth, channel engine.Channel) (int, error) {
	lines, err := t.Store.PendingLines(ctx, id, month)
	if err != nil {
		return 0, fmt.Errorf("load pending lines for %s: %w", id, err)
	}
	if len(lines) == 0 {
		return 0, nil
	}

	batch := Batch{
		ID:           "batch-" + uuid.NewString(),
		ObligationID: id,
		Lines:        make([]Line, len(lines)),
	}
	entryIDs := make([]engine.EntryID, len(lines))
	for i, l := range lines {
		entryIDs[i] = l.Entry.ID
		batch.Lines[i] = Line{
			EntryID:     l.Entry.ID,
			LineItemRef: l.LineItemRef,
			Code:        l.Entry.Code,
			Month:       l.Entry.Month,
			Kind:        l.Entry.Kind,
			Subtype:     l.Entry.Subtype,
			Amount:      l.Amount,
			Currency:    l.Currency,
			PayerID:     l.PayerID,
			PayeeID:     l.PayeeID,
		}
	}

	t.submitted.Add(ctx, 1)
	err = t.Client.Submit(ctx, batch)

	var rej *RejectionError
	switch {
	case err == nil:
		if err := t.Store.MarkTransmitted(ctx, entryIDs, time.Now().UTC(), channel); err != nil {
			return 0, fmt.Errorf("mark batch %s transmitted: %w", batch.ID, err)
		}
		return len(entryIDs), nil

	case errors.As(err, &rej):
		// The whole batch stays pending and is retried by the next sweep;
		// the authority deduplicates resubmissions by line-item reference.
		t.failures.Add(ctx, 1)
		if recErr := t.Store.RecordRejection(ctx, entryIDs, rej.Reason, channel); recErr != nil {
			log.Printf("[Transmit] failed to record rejection for batch %s: %v", batch.ID, recErr)
		}
		return 0, err

	default:
		t.failures.Add(ctx, 1)
		if recErr := t.Store.RecordFailure(ctx, entryIDs, classify(err), channel); recErr != nil {
			log.Printf("[Transmit] failed to record attempt for batch %s: %v", batch.ID, recErr)
		}
		return 0, err
	}
}
