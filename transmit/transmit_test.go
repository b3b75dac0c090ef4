package transmit_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shopspring/decimal"
	"github.com/warp/obligation-engine/engine"
	"github.com/warp/obligation-engine/engine/store"
	"github.com/warp/obligation-engine/transmit"
)

// =============================================================================
// TEST SETUP
// =============================================================================

// fakeAuthority records submitted batches and answers with a configurable
// verdict.
type fakeAuthority struct {
	mu      sync.Mutex
	batches []transmit.Batch
	verdict error
}

func (c *fakeAuthority) Submit(_ context.Context, b transmit.Batch) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.batches = append(c.batches, b)
	return c.verdict
}

func (c *fakeAuthority) setVerdict(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.verdict = err
}

func (c *fakeAuthority) submissions() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.batches)
}

func (c *fakeAuthority) lastBatch() transmit.Batch {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.batches[len(c.batches)-1]
}

// seedObligation processes one maintenance decision and returns the
// obligation id. The watermark is pinned at March 2022, so the obligation
// carries four pending B1 entries (January through April).
func seedObligation(t *testing.T, mem *store.Memory, decisionID, caseRef string) engine.ObligationID {
	t.Helper()
	ctx := context.Background()

	amount := decimal.RequireFromString("100.00")
	o, err := engine.NewProcessor(mem).Process(ctx, engine.DecisionEvent{
		DecisionID:   decisionID,
		Type:         engine.DecisionMaintenance,
		Category:     engine.CategoryChildSupport,
		PayerID:      "payer-1",
		ClaimantID:   "claimant-1",
		CaseRef:      caseRef,
		DecisionDate: engine.NewDate(2022, time.January, 5),
		Periods: []engine.CandidatePeriod{{
			Amount:   &amount,
			Currency: "EUR",
			PayeeID:  "payee-1",
			Start:    engine.NewDate(2022, time.January, 1),
		}},
	})
	require.NoError(t, err)
	return o.ID
}

func newTestMemory(t *testing.T) *store.Memory {
	t.Helper()
	mem := store.NewMemory()
	require.NoError(t, mem.CloseBatch(context.Background(), engine.NewYearMonth(2022, time.March)))
	return mem
}

// =============================================================================
// TRANSMITTER
// =============================================================================

func TestTransmitter_Acknowledged_LeavesPendingSet(t *testing.T) {
	// GIVEN: An obligation with four pending entries
	// WHEN: The authority acknowledges the batch
	// THEN: All entries are timestamped and a second transmit is a no-op

	mem := newTestMemory(t)
	client := &fakeAuthority{}
	tr := transmit.NewTransmitter(mem, client)
	ctx := context.Background()

	id := seedObligation(t, mem, "dec-1", "case-001")

	sent, err := tr.TransmitObligation(ctx, id, nil, engine.ChannelBatch)
	require.NoError(t, err)
	assert.Equal(t, 4, sent)

	o, err := mem.GetObligation(ctx, id)
	require.NoError(t, err)
	for _, e := range o.Entries() {
		assert.True(t, e.Transmitted())
		assert.Equal(t, engine.ChannelBatch, e.Channel)
	}

	sent, err = tr.TransmitObligation(ctx, id, nil, engine.ChannelBatch)
	require.NoError(t, err)
	assert.Zero(t, sent)
	assert.Equal(t, 1, client.submissions(), "nothing pending, nothing submitted")
}

func TestTransmitter_BatchCarriesWireContext(t *testing.T) {
	// GIVEN: A pending obligation
	// WHEN: It is transmitted
	// THEN: Each line carries the code, month, amount and line-item reference

	mem := newTestMemory(t)
	client := &fakeAuthority{}
	tr := transmit.NewTransmitter(mem, client)

	id := seedObligation(t, mem, "dec-1", "case-001")
	_, err := tr.TransmitObligation(context.Background(), id, nil, engine.ChannelBatch)
	require.NoError(t, err)

	batch := client.lastBatch()
	assert.Equal(t, id, batch.ObligationID)
	require.Len(t, batch.Lines, 4)
	line := batch.Lines[0]
	assert.Equal(t, engine.TransactionCode("B1"), line.Code)
	assert.Equal(t, "2022-01", line.Month.String())
	assert.Equal(t, "payer-1", line.PayerID)
	assert.Equal(t, "payee-1", line.PayeeID)
	assert.True(t, line.Amount.Equal(decimal.RequireFromString("100.00")))
	assert.NotZero(t, line.LineItemRef)
}

func TestTransmitter_Rejected_RetriedAfterFix(t *testing.T) {
	// GIVEN: The authority rejects the batch
	// WHEN: The rejection is recorded and the fault later clears
	// THEN: The whole batch stays pending, carries the reason, and the
	//       retry transmits everything

	mem := newTestMemory(t)
	client := &fakeAuthority{verdict: &transmit.RejectionError{Reason: "unknown payee"}}
	tr := transmit.NewTransmitter(mem, client)
	ctx := context.Background()

	id := seedObligation(t, mem, "dec-1", "case-001")

	sent, err := tr.TransmitObligation(ctx, id, nil, engine.ChannelBatch)
	require.Error(t, err)
	assert.Zero(t, sent)

	o, err := mem.GetObligation(ctx, id)
	require.NoError(t, err)
	for _, e := range o.Entries() {
		assert.False(t, e.Transmitted())
		assert.Equal(t, "unknown payee", e.RejectionReason)
	}

	client.setVerdict(nil)
	sent, err = tr.TransmitObligation(ctx, id, nil, engine.ChannelBatch)
	require.NoError(t, err)
	assert.Equal(t, 4, sent)
}

func TestTransmitter_Unavailable_EntriesUntouched(t *testing.T) {
	// GIVEN: The authority is unreachable
	// WHEN: Transmission is attempted
	// THEN: No verdict is recorded on the entries beyond the attempt log

	mem := newTestMemory(t)
	client := &fakeAuthority{verdict: transmit.ErrUnavailable}
	tr := transmit.NewTransmitter(mem, client)
	ctx := context.Background()

	id := seedObligation(t, mem, "dec-1", "case-001")

	_, err := tr.TransmitObligation(ctx, id, nil, engine.ChannelBatch)
	assert.ErrorIs(t, err, transmit.ErrUnavailable)

	o, err := mem.GetObligation(ctx, id)
	require.NoError(t, err)
	for _, e := range o.Entries() {
		assert.False(t, e.Transmitted())
		assert.Empty(t, e.RejectionReason)
		require.Len(t, e.Attempts, 1)
		assert.Equal(t, engine.AttemptFailed, e.Attempts[0].Outcome)
	}
}

func TestTransmitter_MonthRestriction(t *testing.T) {
	// GIVEN: Four pending months
	// WHEN: A manual trigger restricts transmission to January
	// THEN: Only the January entry is submitted, on the on-demand channel

	mem := newTestMemory(t)
	client := &fakeAuthority{}
	tr := transmit.NewTransmitter(mem, client)
	ctx := context.Background()

	id := seedObligation(t, mem, "dec-1", "case-001")

	jan := engine.NewYearMonth(2022, time.January)
	sent, err := tr.TransmitObligation(ctx, id, &jan, engine.ChannelOnDemand)
	require.NoError(t, err)
	assert.Equal(t, 1, sent)

	o, err := mem.GetObligation(ctx, id)
	require.NoError(t, err)
	for _, e := range o.Entries() {
		if e.Month == jan {
			assert.True(t, e.Transmitted())
			assert.Equal(t, engine.ChannelOnDemand, e.Channel)
		} else {
			assert.False(t, e.Transmitted())
		}
	}
}

// =============================================================================
// QUEUE
// =============================================================================

func TestQueue_FullQueueDropsWithoutBlocking(t *testing.T) {
	// GIVEN: A queue with capacity 1
	// WHEN: Two ids are offered
	// THEN: The second is dropped; the sweep will pick it up

	q := transmit.NewQueue(1)

	assert.True(t, q.Enqueue("obl-1"))
	assert.False(t, q.Enqueue("obl-2"))
	assert.Equal(t, 1, q.Len())
}

func TestWorker_DrainsQueue(t *testing.T) {
	// GIVEN: A running worker on a queue
	// WHEN: A pending obligation is enqueued
	// THEN: It is transmitted without waiting for a sweep

	mem := newTestMemory(t)
	client := &fakeAuthority{}
	tr := transmit.NewTransmitter(mem, client)
	id := seedObligation(t, mem, "dec-1", "case-001")

	q := transmit.NewQueue(4)
	w := transmit.NewWorker(q, tr)
	w.Start()
	defer w.Stop()

	require.True(t, q.Enqueue(id))

	assert.Eventually(t, func() bool {
		lines, err := mem.PendingLines(context.Background(), id, nil)
		return err == nil && len(lines) == 0
	}, 2*time.Second, 10*time.Millisecond)
}

// =============================================================================
// SWEEP
// =============================================================================

func TestSweep_TransmitsEveryPendingObligation(t *testing.T) {
	// GIVEN: Two pending obligations, none ever enqueued
	// WHEN: One sweep pass runs
	// THEN: Both are transmitted; the queue is not the source of truth

	mem := newTestMemory(t)
	client := &fakeAuthority{}
	tr := transmit.NewTransmitter(mem, client)
	ctx := context.Background()

	id1 := seedObligation(t, mem, "dec-1", "case-001")
	id2 := seedObligation(t, mem, "dec-2", "case-002")

	s := transmit.NewSweep(mem, tr, mem)
	s.RunOnce(ctx)

	for _, id := range []engine.ObligationID{id1, id2} {
		lines, err := mem.PendingLines(ctx, id, nil)
		require.NoError(t, err)
		assert.Empty(t, lines)
	}
	assert.Equal(t, 2, client.submissions())
}

func TestSweep_IncidentFlag_SkipsPass(t *testing.T) {
	// GIVEN: The incident flag is raised
	// WHEN: A sweep pass runs
	// THEN: Nothing is submitted; clearing the flag resumes transmission

	mem := newTestMemory(t)
	client := &fakeAuthority{}
	tr := transmit.NewTransmitter(mem, client)
	ctx := context.Background()

	id := seedObligation(t, mem, "dec-1", "case-001")
	require.NoError(t, mem.SetIncident(ctx, true))

	s := transmit.NewSweep(mem, tr, mem)
	s.RunOnce(ctx)
	assert.Zero(t, client.submissions())

	require.NoError(t, mem.SetIncident(ctx, false))
	s.RunOnce(ctx)
	assert.Equal(t, 1, client.submissions())

	lines, err := mem.PendingLines(ctx, id, nil)
	require.NoError(t, err)
	assert.Empty(t, lines)
}

func TestSweep_FailureDoesNotAbortPass(t *testing.T) {
	// GIVEN: The authority is down
	// WHEN: A sweep pass runs over two obligations
	// THEN: Both are attempted and both stay pending

	mem := newTestMemory(t)
	client := &fakeAuthority{verdict: transmit.ErrUnavailable}
	tr := transmit.NewTransmitter(mem, client)
	ctx := context.Background()

	id1 := seedObligation(t, mem, "dec-1", "case-001")
	id2 := seedObligation(t, mem, "dec-2", "case-002")

	s := transmit.NewSweep(mem, tr, mem)
	s.RunOnce(ctx)

	assert.Equal(t, 2, client.submissions())
	for _, id := range []engine.ObligationID{id1, id2} {
		lines, err := mem.PendingLines(ctx, id, nil)
		require.NoError(t, err)
		assert.Len(t, lines, 4)
	}
}
