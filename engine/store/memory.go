// Package store provides Store implementations.
package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/warp/obligation-engine/engine"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

// Memory mirrors the SQLite store's behavior, including the invariants the
// schema enforces: duplicate decision ids, optimistic version conflicts,
// the unique (period, code, month) pair and the single-open-period rule all
// fail the same way here as they do against the database.
type Memory struct {
	mu          sync.RWMutex
	obligations map[engine.ObligationID]*engine.Obligation
	decisions   map[string]engine.ObligationID
	batches     []engine.YearMonth
	incident    bool
	seq         int64
}

func NewMemory() *Memory {
	return &Memory{
		obligations: make(map[engine.ObligationID]*engine.Obligation),
		decisions:   make(map[string]engine.ObligationID),
	}
}

// =============================================================================
// ENGINE STORE
// =============================================================================

func (m *Memory) GetObligation(_ context.Context, id engine.ObligationID) (*engine.Obligation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	o, ok := m.obligations[id]
	if !ok {
		return nil, engine.ErrObligationNotFound
	}
	return cloneObligation(o), nil
}

func (m *Memory) FindByCorrelation(_ context.Context, ref string) (*engine.Obligation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.findOne(func(o *engine.Obligation) bool {
		return o.Kind == engine.KindLumpSum && o.CorrelationID == ref
	}, engine.Category(""), "", "")
}

func (m *Memory) FindRecurring(_ context.Context, category engine.Category, claimantID, payerID, caseRef string) (*engine.Obligation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.findOne(func(o *engine.Obligation) bool {
		return o.Kind == engine.KindRecurring &&
			o.Category == category && o.ClaimantID == claimantID &&
			o.PayerID == payerID && o.CaseRef == caseRef
	}, category, payerID, caseRef)
}

func (m *Memory) FindLumpSum(_ context.Context, category engine.Category, payerID, caseRef string) (*engine.Obligation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.findOne(func(o *engine.Obligation) bool {
		return o.Kind == engine.KindLumpSum &&
			o.Category == category && o.PayerID == payerID && o.CaseRef == caseRef
	}, category, payerID, caseRef)
}

func (m *Memory) findOne(match func(*engine.Obligation) bool, category engine.Category, payerID, caseRef string) (*engine.Obligation, error) {
	var found *engine.Obligation
	matches := 0
	for _, o := range m.obligations {
		if match(o) {
			found = o
			matches++
		}
	}
	if matches > 1 {
		return nil, &engine.AmbiguityError{Category: category, PayerID: payerID, CaseRef: caseRef, Matches: matches}
	}
	if found == nil {
		return nil, nil
	}
	return cloneObligation(found), nil
}

func (m *Memory) SaveObligation(_ context.Context, o *engine.Obligation, decisionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, dup := m.decisions[decisionID]; dup {
		return engine.ErrDuplicateDecision
	}

	stored, exists := m.obligations[o.ID]
	switch {
	case !exists && o.Version != 0:
		return engine.ErrConcurrentModification
	case exists && stored.Version != o.Version:
		return engine.ErrConcurrentModification
	}

	// Mirror the schema's uniqueness rules before committing anything.
	open := 0
	seen := make(map[string]struct{})
	for _, p := range o.Periods {
		if p.ActiveUntil == nil {
			open++
		}
		for _, e := range p.Entries {
			k := string(p.ID) + "|" + string(e.Code) + "|" + e.Month.String()
			if _, dup := seen[k]; dup {
				return engine.ErrDuplicateEntry
			}
			seen[k] = struct{}{}
		}
	}
	if open > 1 {
		return engine.ErrMultipleOpenPeriods
	}

	o.Version++
	m.obligations[o.ID] = cloneObligation(o)
	m.decisions[decisionID] = o.ID
	return nil
}

func (m *Memory) NextLineItemRef(_ context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq++
	return m.seq, nil
}

func (m *Memory) Watermark(_ context.Context) (engine.YearMonth, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if len(m.batches) == 0 {
		return engine.Today().YearMonthOf().Prev(), nil
	}
	max := m.batches[0]
	for _, b := range m.batches[1:] {
		if b.After(max) {
			max = b
		}
	}
	return max, nil
}

// =============================================================================
// ADMIN / TRANSMISSION SUPPORT
// =============================================================================

// CloseBatch records a closed authoritative batch month, advancing the
// watermark when it is the latest.
func (m *Memory) CloseBatch(_ context.Context, month engine.YearMonth) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.batches = append(m.batches, month)
	return nil
}

func (m *Memory) SetIncident(_ context.Context, raised bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.incident = raised
	return nil
}

func (m *Memory) Incident(_ context.Context) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.incident, nil
}

// Raised implements the incident flag provider for the sweep.
func (m *Memory) Raised(ctx context.Context) (bool, error) { return m.Incident(ctx) }

// PendingObligations returns the ids of obligations with at least one
// pending line. Re-derived from state on every call; this is the sweep's
// correctness guarantee, independent of the in-memory queue.
func (m *Memory) PendingObligations(ctx context.Context) ([]engine.ObligationID, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	window := m.windowLocked()
	var ids []engine.ObligationID
	for id, o := range m.obligations {
		if len(pendingLinesOf(o, nil, window)) > 0 {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

// PendingLines returns the not-yet-transmitted lines of one obligation,
// optionally restricted to a single billing month.
func (m *Memory) PendingLines(_ context.Context, id engine.ObligationID, month *engine.YearMonth) ([]engine.PendingLine, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	o, ok := m.obligations[id]
	if !ok {
		return nil, engine.ErrObligationNotFound
	}
	return pendingLinesOf(o, month, m.windowLocked()), nil
}

func (m *Memory) windowLocked() engine.YearMonth {
	window := engine.Today().YearMonthOf()
	if len(m.batches) > 0 {
		max := m.batches[0]
		for _, b := range m.batches[1:] {
			if b.After(max) {
				max = b
			}
		}
		window = max.Next()
	}
	return window
}

func pendingLinesOf(o *engine.Obligation, month *engine.YearMonth, window engine.YearMonth) []engine.PendingLine {
	if o.DeferredUntil != nil && o.DeferredUntil.After(engine.Today()) {
		return nil
	}
	var lines []engine.PendingLine
	for _, p := range o.Periods {
		for _, e := range p.Entries {
			if e.Transmitted() {
				continue
			}
			if e.Month.After(window) {
				continue
			}
			if month != nil && e.Month != *month {
				continue
			}
			lines = append(lines, engine.PendingLine{
				ObligationID: o.ID,
				PayerID:      o.PayerID,
				PayeeID:      p.PayeeID,
				Currency:     p.Currency,
				Amount:       p.Amount,
				LineItemRef:  p.LineItemRef,
				Entry:        *e,
			})
		}
	}
	return lines
}

// MarkTransmitted sets the transmission timestamp on acknowledged entries.
// Already-transmitted entries are left untouched (no double billing).
func (m *Memory) MarkTransmitted(_ context.Context, ids []engine.EntryID, at time.Time, channel engine.Channel) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, e := range m.entriesLocked(ids) {
		if e.Transmitted() {
			continue
		}
		ts := at
		e.TransmittedAt = &ts
		e.Channel = channel
		e.Attempts = append(e.Attempts, engine.Attempt{At: at, Channel: channel, Outcome: engine.AttemptAcknowledged})
	}
	return nil
}

// RecordRejection stores the authority's rejection reason. The timestamp
// stays nil so the next sweep retries the whole batch.
func (m *Memory) RecordRejection(_ context.Context, ids []engine.EntryID, reason string, channel engine.Channel) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now().UTC()
	for _, e := range m.entriesLocked(ids) {
		if e.Transmitted() {
			continue
		}
		e.RejectionReason = reason
		e.Attempts = append(e.Attempts, engine.Attempt{At: now, Channel: channel, Outcome: engine.AttemptRejected, Reason: reason})
	}
	return nil
}

// RecordFailure logs an attempt that never reached a verdict (authority
// unavailable or unauthorized). Entries are otherwise untouched.
func (m *Memory) RecordFailure(_ context.Context, ids []engine.EntryID, reason string, channel engine.Channel) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now().UTC()
	for _, e := range m.entriesLocked(ids) {
		e.Attempts = append(e.Attempts, engine.Attempt{At: now, Channel: channel, Outcome: engine.AttemptFailed, Reason: reason})
	}
	return nil
}

func (m *Memory) entriesLocked(ids []engine.EntryID) []*engine.Entry {
	want := make(map[engine.EntryID]struct{}, len(ids))
	for _, id := range ids {
		want[id] = struct{}{}
	}
	var out []*engine.Entry
	for _, o := range m.obligations {
		for _, p := range o.Periods {
			for _, e := range p.Entries {
				if _, ok := want[e.ID]; ok {
					out = append(out, e)
				}
			}
		}
	}
	return out
}

// =============================================================================
// DEEP COPY - Aggregates never share memory with callers
// =============================================================================

func cloneObligation(o *engine.Obligation) *engine.Obligation {
	c := *o
	c.Periods = make([]*engine.Period, len(o.Periods))
	for i, p := range o.Periods {
		c.Periods[i] = clonePeriod(p)
	}
	if o.DeferredUntil != nil {
		d := *o.DeferredUntil
		c.DeferredUntil = &d
	}
	return &c
}

func clonePeriod(p *engine.Period) *engine.Period {
	c := *p
	if p.End != nil {
		d := *p.End
		c.End = &d
	}
	if p.ActiveUntil != nil {
		d := *p.ActiveUntil
		c.ActiveUntil = &d
	}
	c.Entries = make([]*engine.Entry, len(p.Entries))
	for i, e := range p.Entries {
		ec := *e
		if e.TransmittedAt != nil {
			ts := *e.TransmittedAt
			ec.TransmittedAt = &ts
		}
		ec.Attempts = append([]engine.Attempt(nil), e.Attempts...)
		c.Entries[i] = &ec
	}
	return &c
}
