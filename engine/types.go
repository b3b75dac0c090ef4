/*
Package engine contains the obligation period and transaction
reconciliation engine.

PURPOSE:
  Turns legal payment decisions (recurring maintenance orders, fees,
  lump sums) into a ledger of monthly transaction entries reported
  exactly once per calendar month and transaction code to the external
  collection authority.

KEY CONCEPTS IN THIS FILE (types.go):
  - Obligation: one payer-to-payee commitment, the aggregate root
  - Period: one contiguous amount/payee slice of an obligation's timeline
  - Entry: one calendar-month transaction record billed against a period
  - ActiveUntil: the date a period stopped being the current truth

DESIGN PRINCIPLES:
  1. Immutability: entries are never modified, only corrected by new entries
  2. Precision: amounts use decimal.Decimal, never floats
  3. Single write path: all mutation flows through the obligation aggregate

SEE ALSO:
  - periods.go: period creation and truncation
  - entries.go: new-entry generation
  - corrections.go: correction-entry generation
  - resolver.go: find-or-create and the transactional processor
*/
package engine

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type ObligationID string
type PeriodID string
type EntryID string

func NewObligationID() ObligationID { return ObligationID("obl-" + uuid.NewString()) }
func NewPeriodID() PeriodID         { return PeriodID("per-" + uuid.NewString()) }
func NewEntryID() EntryID           { return EntryID("ent-" + uuid.NewString()) }

// =============================================================================
// DECISION TYPES AND CATEGORIES
// =============================================================================

// DecisionType classifies the incoming legal decision. It selects the
// primary transaction code and the application subtype of new entries.
type DecisionType string

const (
	DecisionMaintenance     DecisionType = "maintenance"      // recurring support order
	DecisionIndexAdjustment DecisionType = "index_adjustment" // yearly indexation of a running order
	DecisionAdvance         DecisionType = "advance"          // advance paid out by the state
	DecisionFeePayer        DecisionType = "fee_payer"        // processing fee charged to the payer
	DecisionFeePayee        DecisionType = "fee_payee"        // processing fee charged to the payee
	DecisionLumpSum         DecisionType = "lump_sum"         // one-time settlement amount
)

// IsFee reports whether the decision charges a processing fee.
func (t DecisionType) IsFee() bool {
	return t == DecisionFeePayer || t == DecisionFeePayee
}

// IsLumpSum reports whether the decision creates a one-time obligation
// rather than a recurring one. Fees are one-time by nature.
func (t DecisionType) IsLumpSum() bool {
	return t == DecisionLumpSum || t.IsFee()
}

func (t DecisionType) Valid() bool {
	switch t {
	case DecisionMaintenance, DecisionIndexAdjustment, DecisionAdvance,
		DecisionFeePayer, DecisionFeePayee, DecisionLumpSum:
		return true
	}
	return false
}

// Category is the benefit or lump-sum type of an obligation. Part of the
// resolver's uniqueness tuple, otherwise opaque to the engine.
type Category string

const (
	CategoryChildSupport   Category = "child_support"
	CategorySpousalSupport Category = "spousal_support"
	CategoryAdvance        Category = "advance"
	CategoryFee            Category = "fee"
	CategoryLumpSum        Category = "lump_sum"
)

// ObligationKind separates the two resolver key spaces: recurring
// obligations are unique per (category, claimant, payer, case), lump-sum
// obligations per correlation id.
type ObligationKind string

const (
	KindRecurring ObligationKind = "recurring"
	KindLumpSum   ObligationKind = "lump_sum"
)

// =============================================================================
// TRANSACTION CODES, ENTRY KINDS, SUBTYPES
// =============================================================================

// TransactionCode is the authority's code for one entry line. Primary
// codes are assigned from the decision type; correction codes from the
// code table (codes.go).
type TransactionCode string

// EntryKind distinguishes first-time billing from corrections.
type EntryKind string

const (
	EntryNew    EntryKind = "NEW"
	EntryChange EntryKind = "CHANGE"
)

// Subtype is the authority's application subtype classification.
type Subtype string

const (
	SubtypeIndexFirst Subtype = "IR" // first month of an indexation decision
	SubtypeGeneric    Subtype = "EN" // generic change
	SubtypeFeePayer   Subtype = "FB" // fee charged to the payer
	SubtypeFeePayee   Subtype = "FM" // fee charged to the payee
)

// IsFee reports whether the subtype is one of the fee classifications.
// Fee entries are always correctable irrespective of month overlap.
func (s Subtype) IsFee() bool {
	return s == SubtypeFeePayer || s == SubtypeFeePayee
}

// Channel is the transmission path an entry was (or will be) sent over.
type Channel string

const (
	ChannelBatch    Channel = "batch"     // scheduled batch transmission
	ChannelOnDemand Channel = "on_demand" // manual trigger
)

// =============================================================================
// OBLIGATION - Aggregate root
// =============================================================================

// Obligation is one recurring or lump-sum commitment arising from one or
// more decisions. It owns its periods as an ordered collection behind a
// single write path; periods are never updated independently.
//
// INVARIANTS:
//   - (category, claimant, payer, case) is unique among recurring obligations
//   - correlation id is unique among lump-sum obligations that have one
//   - at most one owned period has ActiveUntil == nil at any instant
//
// Obligations are never deleted.
type Obligation struct {
	ID            ObligationID
	Kind          ObligationKind
	Category      Category
	PayerID       string
	ClaimantID    string // empty for fee-only obligations
	CaseRef       string
	AmendmentRef  string // amendment-chain reference set by an amending lump-sum decision
	CorrelationID string // lump-sum correlation id, matched by later amendment references
	DeferredUntil *Date  // payment suppressed until this date
	LastModified  time.Time
	Version       int64 // optimistic concurrency stamp; 0 = unsaved

	Periods []*Period
}

// OpenPeriod returns the period that is currently truthful, or nil if the
// obligation's timeline has been fully terminated.
func (o *Obligation) OpenPeriod() *Period {
	for _, p := range o.Periods {
		if p.ActiveUntil == nil {
			return p
		}
	}
	return nil
}

// AttachPeriod adds a period to the aggregate.
func (o *Obligation) AttachPeriod(p *Period) {
	p.ObligationID = o.ID
	o.Periods = append(o.Periods, p)
}

// FindPeriod returns the owned period with the given id, or nil.
func (o *Obligation) FindPeriod(id PeriodID) *Period {
	for _, p := range o.Periods {
		if p.ID == id {
			return p
		}
	}
	return nil
}

// Entries returns every entry of every owned period. Snapshot: appending
// to the result does not touch the aggregate.
func (o *Obligation) Entries() []*Entry {
	var out []*Entry
	for _, p := range o.Periods {
		out = append(out, p.Entries...)
	}
	return out
}

// =============================================================================
// PERIOD - One amount/payee slice of the timeline
// =============================================================================

// Period is one contiguous amount/payee interval within an obligation's
// timeline. Once another period truncates it, ActiveUntil is set exactly
// once and the period is permanently historical. Periods are never deleted.
type Period struct {
	ID           PeriodID
	ObligationID ObligationID
	DecisionID   string
	PayeeID      string
	Amount       decimal.Decimal
	Currency     string
	Start        Date  // inclusive, month-aligned
	End          *Date // nil = open-ended
	DecisionDate Date
	CreatedBy    string
	LineItemRef  int64 // stable external line-item id, reused by every correction entry
	ActiveUntil  *Date // nil = currently truthful

	Entries []*Entry
}

// Truncate closes the period at the given date. A period is closed exactly
// once; closing it again is a fault in the caller.
func (p *Period) Truncate(at Date) error {
	if p.ActiveUntil != nil {
		return ErrPeriodAlreadyClosed
	}
	d := at
	p.ActiveUntil = &d
	return nil
}

// HasEntry reports whether an entry with the (code, month) pair exists on
// this period. The pair is unique per period.
func (p *Period) HasEntry(code TransactionCode, month YearMonth) bool {
	for _, e := range p.Entries {
		if e.Code == code && e.Month == month {
			return true
		}
	}
	return false
}

// AttachEntry adds an entry to the period.
func (p *Period) AttachEntry(e *Entry) {
	e.PeriodID = p.ID
	p.Entries = append(p.Entries, e)
}

// =============================================================================
// ENTRY - One calendar-month transaction record
// =============================================================================

// Entry is one calendar-month billing record. Entries with a non-nil
// transmission timestamp are never mutated or deleted; corrections are
// always new entries.
type Entry struct {
	ID       EntryID
	PeriodID PeriodID
	Code     TransactionCode
	Month    YearMonth
	Kind     EntryKind
	Subtype  Subtype

	TransmittedAt   *time.Time // nil = not yet sent
	Channel         Channel    // set when transmitted
	RejectionReason string     // last rejection by the authority, timestamp stays nil
	Attempts        []Attempt

	CreatedAt time.Time
}

// Transmitted reports whether the entry has been acknowledged by the
// authority. Only then does it leave the pending set.
func (e *Entry) Transmitted() bool { return e.TransmittedAt != nil }

// Attempt records one transmission attempt for an entry.
type Attempt struct {
	At      time.Time
	Channel Channel
	Outcome AttemptOutcome
	Reason  string
}

type AttemptOutcome string

const (
	AttemptAcknowledged AttemptOutcome = "acknowledged"
	AttemptRejected     AttemptOutcome = "rejected"
	AttemptFailed       AttemptOutcome = "failed" // authority unavailable or unauthorized
)

func nowUTC() time.Time { return time.Now().UTC() }
