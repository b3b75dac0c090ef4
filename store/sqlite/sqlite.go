/*
Package sqlite provides the SQLite-backed implementation of the storage
interfaces.

INTERFACES IMPLEMENTED:
  engine.Store:   obligation aggregate persistence, unit-of-work commits
  transmit.Store: pending-set derivation and transmission bookkeeping

INVARIANT ENFORCEMENT:
  The engine checks invariants in memory; the schema enforces them again
  so a racing writer cannot corrupt financial history:
  - idx_obligations_recurring_key: unique recurring tuple
  - idx_obligations_correlation:   unique lump-sum correlation id
  - entries(period_id, code, month) UNIQUE: one entry per code and month
  - idx_periods_single_open: at most one open period per obligation
  - processed_decisions PRIMARY KEY: one commit per decision id

APPEND-ONLY:
  Entries are never UPDATEd in their billing fields and never DELETEd.
  The only entry mutations are the transmission timestamp, channel and
  rejection reason, and only while the timestamp is still null.

WAL MODE:
  Opened with WAL and foreign keys on, same as the rest of our services.
*/
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"github.com/warp/obligation-engine/engine"
)

// Store implements all storage interfaces using SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	// Each pooled connection to a plain ":memory:" DSN opens its own empty
	// database, so the schema created at migration time would be invisible
	// to later connections. A uniquely named shared-cache in-memory database
	// gives every pooled connection the same database instead.
	if dbPath == ":memory:" {
		dbPath = fmt.Sprintf("file:memdb-%s?mode=memory&cache=shared&", uuid.NewString())
	} else {
		dbPath += "?"
	}
	db, err := sql.Open("sqlite3", dbPath+"_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	-- Obligations (aggregate roots, optimistic version)
	CREATE TABLE IF NOT EXISTS obligations (
		id TEXT PRIMARY KEY,
		kind TEXT NOT NULL,
		category TEXT NOT NULL,
		payer_id TEXT NOT NULL,
		claimant_id TEXT,
		case_ref TEXT NOT NULL,
		amendment_ref TEXT,
		correlation_id TEXT,
		deferred_until TEXT,
		last_modified TEXT NOT NULL,
		version INTEGER NOT NULL
	);

	-- Resolver uniqueness tuples, enforced by the schema, not only the engine
	CREATE UNIQUE INDEX IF NOT EXISTS idx_obligations_recurring_key
		ON obligations(category, claimant_id, payer_id, case_ref)
		WHERE kind = 'recurring';
	CREATE UNIQUE INDEX IF NOT EXISTS idx_obligations_correlation
		ON obligations(correlation_id)
		WHERE kind = 'lump_sum' AND correlation_id IS NOT NULL;
	CREATE INDEX IF NOT EXISTS idx_obligations_lump_sum_key
		ON obligations(category, payer_id, case_ref)
		WHERE kind = 'lump_sum';

	-- Periods (timeline slices, owned by exactly one obligation)
	CREATE TABLE IF NOT EXISTS periods (
		id TEXT PRIMARY KEY,
		obligation_id TEXT NOT NULL REFERENCES obligations(id),
		decision_id TEXT NOT NULL,
		payee_id TEXT NOT NULL,
		amount TEXT NOT NULL,
		currency TEXT NOT NULL,
		start_date TEXT NOT NULL,
		end_date TEXT,
		decision_date TEXT NOT NULL,
		created_by TEXT,
		line_item_ref INTEGER NOT NULL UNIQUE,
		active_until TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_periods_obligation
		ON periods(obligation_id);

	-- CRITICAL: at most one currently-truthful period per obligation
	CREATE UNIQUE INDEX IF NOT EXISTS idx_periods_single_open
		ON periods(obligation_id)
		WHERE active_until IS NULL;

	-- Entries (one calendar-month billing record each)
	CREATE TABLE IF NOT EXISTS entries (
		id TEXT PRIMARY KEY,
		period_id TEXT NOT NULL REFERENCES periods(id),
		code TEXT NOT NULL,
		month TEXT NOT NULL,
		kind TEXT NOT NULL,
		subtype TEXT NOT NULL,
		channel TEXT,
		transmitted_at TEXT,
		rejection_reason TEXT,
		created_at TEXT NOT NULL,
		UNIQUE(period_id, code, month)
	);

	CREATE INDEX IF NOT EXISTS idx_entries_period
		ON entries(period_id);
	-- Pending-set derivation (hot path for the sweep)
	CREATE INDEX IF NOT EXISTS idx_entries_pending
		ON entries(month) WHERE transmitted_at IS NULL;

	-- Transmission attempts (audit trail per entry)
	CREATE TABLE IF NOT EXISTS transmission_attempts (
		id TEXT PRIMARY KEY,
		entry_id TEXT NOT NULL REFERENCES entries(id),
		attempted_at TEXT NOT NULL,
		channel TEXT NOT NULL,
		outcome TEXT NOT NULL,
		reason TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_attempts_entry
		ON transmission_attempts(entry_id);

	-- Processed decisions (idempotent redelivery)
	CREATE TABLE IF NOT EXISTS processed_decisions (
		decision_id TEXT PRIMARY KEY,
		obligation_id TEXT NOT NULL,
		processed_at TEXT NOT NULL
	);

	-- Line-item reference sequence (monotonic, never random)
	CREATE TABLE IF NOT EXISTS line_item_seq (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		allocated_at TEXT NOT NULL
	);

	-- Closed authoritative batch months (watermark source)
	CREATE TABLE IF NOT EXISTS transmission_batches (
		month TEXT PRIMARY KEY,
		closed_at TEXT NOT NULL
	);

	-- Operational flags (incident/maintenance)
	CREATE TABLE IF NOT EXISTS ops_flags (
		name TEXT PRIMARY KEY,
		raised INTEGER NOT NULL,
		updated_at TEXT NOT NULL
	);
	`

	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// OBLIGATION LOOKUPS (engine.Store interface)
// =============================================================================

// GetObligation loads the full aggregate.
func (s *Store) GetObligation(ctx context.Context, id engine.ObligationID) (*engine.Obligation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.loadObligation(ctx, string(id))
}

// FindByCorrelation looks up a lump-sum obligation by correlation id.
func (s *Store) FindByCorrelation(ctx context.Context, ref string) (*engine.Obligation, error) {
	return s.findByKey(ctx,
		`SELECT id FROM obligations WHERE kind = 'lump_sum' AND correlation_id = ?`,
		engine.Category(""), "", "", ref)
}

// FindRecurring looks up a recurring obligation by its uniqueness tuple.
func (s *Store) FindRecurring(ctx context.Context, category engine.Category, claimantID, payerID, caseRef string) (*engine.Obligation, error) {
	return s.findByKey(ctx,
		`SELECT id FROM obligations
		 WHERE kind = 'recurring' AND category = ? AND claimant_id = ? AND payer_id = ? AND case_ref = ?`,
		category, payerID, caseRef, string(category), claimantID, payerID, caseRef)
}

// FindLumpSum looks up a lump-sum obligation by category, payer and case.
func (s *Store) FindLumpSum(ctx context.Context, category engine.Category, payerID, caseRef string) (*engine.Obligation, error) {
	return s.findByKey(ctx,
		`SELECT id FROM obligations
		 WHERE kind = 'lump_sum' AND category = ? AND payer_id = ? AND case_ref = ?`,
		category, payerID, caseRef, string(category), payerID, caseRef)
}

// findByKey runs a key lookup and loads the single matching aggregate.
// More than one match is a data-integrity fault, surfaced, never guessed.
func (s *Store) findByKey(ctx context.Context, query string, category engine.Category, payerID, caseRef string, args ...any) (*engine.Obligation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("obligation lookup: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	switch len(ids) {
	case 0:
		return nil, nil
	case 1:
		return s.loadObligation(ctx, ids[0])
	default:
		return nil, &engine.AmbiguityError{Category: category, PayerID: payerID, CaseRef: caseRef, Matches: len(ids)}
	}
}

func (s *Store) loadObligation(ctx context.Context, id string) (*engine.Obligation, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, kind, category, payer_id, claimant_id, case_ref,
		       amendment_ref, correlation_id, deferred_until, last_modified, version
		FROM obligations WHERE id = ?`, id)

	var (
		o             engine.Obligation
		claimant      sql.NullString
		amendmentRef  sql.NullString
		correlationID sql.NullString
		deferred      sql.NullString
		lastModified  string
	)
	err := row.Scan(&o.ID, &o.Kind, &o.Category, &o.PayerID, &claimant, &o.CaseRef,
		&amendmentRef, &correlationID, &deferred, &lastModified, &o.Version)
	if err == sql.ErrNoRows {
		return nil, engine.ErrObligationNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load obligation %s: %w", id, err)
	}

	o.ClaimantID = claimant.String
	o.AmendmentRef = amendmentRef.String
	o.CorrelationID = correlationID.String
	if deferred.Valid {
		d, err := engine.ParseDate(deferred.String)
		if err != nil {
			return nil, err
		}
		o.DeferredUntil = &d
	}
	if o.LastModified, err = time.Parse(time.RFC3339, lastModified); err != nil {
		return nil, err
	}

	if err := s.loadPeriods(ctx, &o); err != nil {
		return nil, err
	}
	return &o, nil
}

func (s *Store) loadPeriods(ctx context.Context, o *engine.Obligation) error {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, decision_id, payee_id, amount, currency, start_date, end_date,
		       decision_date, created_by, line_item_ref, active_until
		FROM periods WHERE obligation_id = ?
		ORDER BY start_date ASC, line_item_ref ASC`, string(o.ID))
	if err != nil {
		return fmt.Errorf("load periods for %s: %w", o.ID, err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			p           engine.Period
			amount      string
			start       string
			end         sql.NullString
			decided     string
			createdBy   sql.NullString
			activeUntil sql.NullString
		)
		if err := rows.Scan(&p.ID, &p.DecisionID, &p.PayeeID, &amount, &p.Currency,
			&start, &end, &decided, &createdBy, &p.LineItemRef, &activeUntil); err != nil {
			return err
		}
		p.ObligationID = o.ID
		p.CreatedBy = createdBy.String
		if p.Amount, err = decimal.NewFromString(amount); err != nil {
			return fmt.Errorf("period %s amount: %w", p.ID, err)
		}
		if p.Start, err = engine.ParseDate(start); err != nil {
			return err
		}
		if p.DecisionDate, err = engine.ParseDate(decided); err != nil {
			return err
		}
		if end.Valid {
			d, err := engine.ParseDate(end.String)
			if err != nil {
				return err
			}
			p.End = &d
		}
		if activeUntil.Valid {
			d, err := engine.ParseDate(activeUntil.String)
			if err != nil {
				return err
			}
			p.ActiveUntil = &d
		}
		o.Periods = append(o.Periods, &p)
	}
	if err := rows.Err(); err != nil {
		return err
	}

	for _, p := range o.Periods {
		if err := s.loadEntries(ctx, p); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) loadEntries(ctx context.Context, p *engine.Period) error {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, code, month, kind, subtype, channel, transmitted_at, rejection_reason, created_at
		FROM entries WHERE period_id = ?
		ORDER BY month ASC, code ASC`, string(p.ID))
	if err != nil {
		return fmt.Errorf("load entries for %s: %w", p.ID, err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			e           engine.Entry
			month       string
			channel     sql.NullString
			transmitted sql.NullString
			rejection   sql.NullString
			created     string
		)
		if err := rows.Scan(&e.ID, &e.Code, &month, &e.Kind, &e.Subtype,
			&channel, &transmitted, &rejection, &created); err != nil {
			return err
		}
		e.PeriodID = p.ID
		e.Channel = engine.Channel(channel.String)
		e.RejectionReason = rejection.String
		if e.Month, err = engine.ParseYearMonth(month); err != nil {
			return err
		}
		if transmitted.Valid {
			ts, err := time.Parse(time.RFC3339, transmitted.String)
			if err != nil {
				return err
			}
			e.TransmittedAt = &ts
		}
		if e.CreatedAt, err = time.Parse(time.RFC3339, created); err != nil {
			return err
		}
		if err := s.loadAttempts(ctx, &e); err != nil {
			return err
		}
		p.Entries = append(p.Entries, &e)
	}
	return rows.Err()
}

func (s *Store) loadAttempts(ctx context.Context, e *engine.Entry) error {
	rows, err := s.db.QueryContext(ctx, `
		SELECT attempted_at, channel, outcome, reason
		FROM transmission_attempts WHERE entry_id = ?
		ORDER BY attempted_at ASC`, string(e.ID))
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var (
			a      engine.Attempt
			at     string
			reason sql.NullString
		)
		if err := rows.Scan(&at, &a.Channel, &a.Outcome, &reason); err != nil {
			return err
		}
		a.Reason = reason.String
		if a.At, err = time.Parse(time.RFC3339, at); err != nil {
			return err
		}
		e.Attempts = append(e.Attempts, a)
	}
	return rows.Err()
}

// =============================================================================
// UNIT OF WORK (engine.Store interface)
// =============================================================================

// SaveObligation commits the whole aggregate as one SQL transaction. A
// concurrent creation of the same obligation key surfaces as
// ErrConcurrentModification so the processor retries from a fresh read.
func (s *Store) SaveObligation(ctx context.Context, o *engine.Obligation, decisionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC().Format(time.RFC3339)

	// The decision id gate comes first: a redelivered event must not touch
	// anything else before it is detected.
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO processed_decisions (decision_id, obligation_id, processed_at) VALUES (?, ?, ?)`,
		decisionID, string(o.ID), now); err != nil {
		if isUniqueConstraintError(err) {
			return engine.ErrDuplicateDecision
		}
		return fmt.Errorf("record decision %s: %w", decisionID, err)
	}

	if err := s.upsertObligation(ctx, tx, o); err != nil {
		return err
	}

	// Truncations before inserts: the single-open-period index must see the
	// old open period closed before the new one arrives.
	for _, p := range o.Periods {
		if p.ActiveUntil != nil {
			if err := s.upsertPeriod(ctx, tx, o, p); err != nil {
				return err
			}
		}
	}
	for _, p := range o.Periods {
		if p.ActiveUntil == nil {
			if err := s.upsertPeriod(ctx, tx, o, p); err != nil {
				return err
			}
		}
	}

	for _, p := range o.Periods {
		for _, e := range p.Entries {
			if err := s.insertEntry(ctx, tx, p, e); err != nil {
				return err
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit obligation %s: %w", o.ID, err)
	}
	return nil
}

func (s *Store) upsertObligation(ctx context.Context, tx *sql.Tx, o *engine.Obligation) error {
	if o.Version == 0 {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO obligations
			(id, kind, category, payer_id, claimant_id, case_ref, amendment_ref,
			 correlation_id, deferred_until, last_modified, version)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1)`,
			string(o.ID), string(o.Kind), string(o.Category), o.PayerID,
			nullString(o.ClaimantID), o.CaseRef, nullString(o.AmendmentRef),
			nullString(o.CorrelationID), nullDate(o.DeferredUntil),
			o.LastModified.Format(time.RFC3339))
		if err != nil {
			if isUniqueConstraintError(err) {
				// Another writer created the same obligation key first.
				return engine.ErrConcurrentModification
			}
			return fmt.Errorf("insert obligation %s: %w", o.ID, err)
		}
		o.Version = 1
		return nil
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE obligations
		SET amendment_ref = ?, correlation_id = ?, deferred_until = ?,
		    last_modified = ?, version = version + 1
		WHERE id = ? AND version = ?`,
		nullString(o.AmendmentRef), nullString(o.CorrelationID), nullDate(o.DeferredUntil),
		o.LastModified.Format(time.RFC3339), string(o.ID), o.Version)
	if err != nil {
		return fmt.Errorf("update obligation %s: %w", o.ID, err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return engine.ErrConcurrentModification
	}
	o.Version++
	return nil
}

func (s *Store) upsertPeriod(ctx context.Context, tx *sql.Tx, o *engine.Obligation, p *engine.Period) error {
	// active_until is the only mutable period field, set exactly once.
	_, err := tx.ExecContext(ctx, `
		INSERT INTO periods
		(id, obligation_id, decision_id, payee_id, amount, currency, start_date,
		 end_date, decision_date, created_by, line_item_ref, active_until)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET active_until = excluded.active_until`,
		string(p.ID), string(o.ID), p.DecisionID, p.PayeeID, p.Amount.String(),
		p.Currency, p.Start.String(), nullDate(p.End), p.DecisionDate.String(),
		nullString(p.CreatedBy), p.LineItemRef, nullDate(p.ActiveUntil))
	if err != nil {
		// The single-open-period index reports its violation on the
		// obligation_id column.
		if isUniqueConstraintError(err) && strings.Contains(err.Error(), "periods.obligation_id") {
			return engine.ErrMultipleOpenPeriods
		}
		return fmt.Errorf("save period %s: %w", p.ID, err)
	}
	return nil
}

func (s *Store) insertEntry(ctx context.Context, tx *sql.Tx, p *engine.Period, e *engine.Entry) error {
	// Existing entries are skipped by id; the (period, code, month)
	// constraint still fires for genuinely conflicting new entries.
	_, err := tx.ExecContext(ctx, `
		INSERT INTO entries
		(id, period_id, code, month, kind, subtype, channel, transmitted_at,
		 rejection_reason, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING`,
		string(e.ID), string(p.ID), string(e.Code), e.Month.String(), string(e.Kind),
		string(e.Subtype), nullString(string(e.Channel)), nullTime(e.TransmittedAt),
		nullString(e.RejectionReason), e.CreatedAt.Format(time.RFC3339))
	if err != nil {
		if isUniqueConstraintError(err) {
			return engine.ErrDuplicateEntry
		}
		return fmt.Errorf("save entry %s: %w", e.ID, err)
	}
	return nil
}

// NextLineItemRef allocates the next external line-item reference from the
// persistent sequence. Unique by construction.
func (s *Store) NextLineItemRef(ctx context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO line_item_seq (allocated_at) VALUES (?)`,
		time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		return 0, fmt.Errorf("allocate line-item reference: %w", err)
	}
	return res.LastInsertId()
}

// =============================================================================
// WATERMARK AND BATCHES
// =============================================================================

// Watermark returns the latest closed batch month. Before the first batch
// closes, the month before the current one: nothing has been billed ahead.
func (s *Store) Watermark(ctx context.Context) (engine.YearMonth, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var month sql.NullString
	err := s.db.QueryRowContext(ctx, `SELECT MAX(month) FROM transmission_batches`).Scan(&month)
	if err != nil {
		return engine.YearMonth{}, fmt.Errorf("read watermark: %w", err)
	}
	if !month.Valid {
		return engine.Today().YearMonthOf().Prev(), nil
	}
	return engine.ParseYearMonth(month.String)
}

// CloseBatch records a closed authoritative batch month.
func (s *Store) CloseBatch(ctx context.Context, month engine.YearMonth) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO transmission_batches (month, closed_at) VALUES (?, ?)
		 ON CONFLICT(month) DO NOTHING`,
		month.String(), time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("close batch %s: %w", month, err)
	}
	return nil
}

// =============================================================================
// OPERATIONAL FLAGS
// =============================================================================

const incidentFlag = "incident"

// SetIncident raises or clears the incident/maintenance flag.
func (s *Store) SetIncident(ctx context.Context, raised bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	val := 0
	if raised {
		val = 1
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO ops_flags (name, raised, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET raised = excluded.raised, updated_at = excluded.updated_at`,
		incidentFlag, val, time.Now().UTC().Format(time.RFC3339))
	return err
}

// Incident reads the incident/maintenance flag.
func (s *Store) Incident(ctx context.Context) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var raised int
	err := s.db.QueryRowContext(ctx,
		`SELECT raised FROM ops_flags WHERE name = ?`, incidentFlag).Scan(&raised)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return raised == 1, nil
}

// Raised implements transmit.IncidentFlag.
func (s *Store) Raised(ctx context.Context) (bool, error) { return s.Incident(ctx) }

// =============================================================================
// TRANSMISSION SUPPORT (transmit.Store interface)
// =============================================================================

// PendingObligations re-derives the authoritative pending set: obligations
// with at least one untransmitted entry inside the billing window, payment
// not deferred.
func (s *Store) PendingObligations(ctx context.Context) ([]engine.ObligationID, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	window, err := s.billingWindow(ctx)
	if err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT o.id
		FROM obligations o
		JOIN periods p ON p.obligation_id = o.id
		JOIN entries e ON e.period_id = p.id
		WHERE e.transmitted_at IS NULL
		  AND e.month <= ?
		  AND (o.deferred_until IS NULL OR o.deferred_until <= ?)
		ORDER BY o.id`,
		window.String(), engine.Today().String())
	if err != nil {
		return nil, fmt.Errorf("derive pending set: %w", err)
	}
	defer rows.Close()

	var ids []engine.ObligationID
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, engine.ObligationID(id))
	}
	return ids, rows.Err()
}

// PendingLines returns an obligation's untransmitted lines with wire context.
func (s *Store) PendingLines(ctx context.Context, id engine.ObligationID, month *engine.YearMonth) ([]engine.PendingLine, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	window, err := s.billingWindow(ctx)
	if err != nil {
		return nil, err
	}

	query := `
		SELECT o.payer_id, p.payee_id, p.currency, p.amount, p.line_item_ref,
		       e.id, e.period_id, e.code, e.month, e.kind, e.subtype, e.created_at
		FROM obligations o
		JOIN periods p ON p.obligation_id = o.id
		JOIN entries e ON e.period_id = p.id
		WHERE o.id = ?
		  AND e.transmitted_at IS NULL
		  AND e.month <= ?
		  AND (o.deferred_until IS NULL OR o.deferred_until <= ?)`
	args := []any{string(id), window.String(), engine.Today().String()}
	if month != nil {
		query += ` AND e.month = ?`
		args = append(args, month.String())
	}
	query += ` ORDER BY e.month ASC, e.code ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("load pending lines for %s: %w", id, err)
	}
	defer rows.Close()

	var lines []engine.PendingLine
	for rows.Next() {
		var (
			l       engine.PendingLine
			amount  string
			monthS  string
			created string
		)
		l.ObligationID = id
		if err := rows.Scan(&l.PayerID, &l.PayeeID, &l.Currency, &amount, &l.LineItemRef,
			&l.Entry.ID, &l.Entry.PeriodID, &l.Entry.Code, &monthS, &l.Entry.Kind,
			&l.Entry.Subtype, &created); err != nil {
			return nil, err
		}
		if l.Amount, err = decimal.NewFromString(amount); err != nil {
			return nil, err
		}
		if l.Entry.Month, err = engine.ParseYearMonth(monthS); err != nil {
			return nil, err
		}
		if l.Entry.CreatedAt, err = time.Parse(time.RFC3339, created); err != nil {
			return nil, err
		}
		lines = append(lines, l)
	}
	return lines, rows.Err()
}

// billingWindow is the last billable month: one past the watermark.
func (s *Store) billingWindow(ctx context.Context) (engine.YearMonth, error) {
	var month sql.NullString
	err := s.db.QueryRowContext(ctx, `SELECT MAX(month) FROM transmission_batches`).Scan(&month)
	if err != nil {
		return engine.YearMonth{}, err
	}
	if !month.Valid {
		return engine.Today().YearMonthOf(), nil
	}
	wm, err := engine.ParseYearMonth(month.String)
	if err != nil {
		return engine.YearMonth{}, err
	}
	return wm.Next(), nil
}

// MarkTransmitted sets the transmission timestamp on acknowledged entries.
// The guard is in the statement: an already-transmitted entry is untouched.
func (s *Store) MarkTransmitted(ctx context.Context, ids []engine.EntryID, at time.Time, channel engine.Channel) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, id := range ids {
		if _, err := tx.ExecContext(ctx, `
			UPDATE entries SET transmitted_at = ?, channel = ?
			WHERE id = ? AND transmitted_at IS NULL`,
			at.Format(time.RFC3339), string(channel), string(id)); err != nil {
			return fmt.Errorf("mark entry %s transmitted: %w", id, err)
		}
		if err := s.insertAttempt(ctx, tx, id, at, channel, engine.AttemptAcknowledged, ""); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// RecordRejection stores the rejection reason; timestamps stay null so the
// next sweep retries the batch.
func (s *Store) RecordRejection(ctx context.Context, ids []engine.EntryID, reason string, channel engine.Channel) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	for _, id := range ids {
		if _, err := tx.ExecContext(ctx, `
			UPDATE entries SET rejection_reason = ?
			WHERE id = ? AND transmitted_at IS NULL`,
			reason, string(id)); err != nil {
			return fmt.Errorf("record rejection for entry %s: %w", id, err)
		}
		if err := s.insertAttempt(ctx, tx, id, now, channel, engine.AttemptRejected, reason); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// RecordFailure logs attempts that reached no verdict; entries untouched.
func (s *Store) RecordFailure(ctx context.Context, ids []engine.EntryID, reason string, channel engine.Channel) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	for _, id := range ids {
		if err := s.insertAttempt(ctx, tx, id, now, channel, engine.AttemptFailed, reason); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *Store) insertAttempt(ctx context.Context, tx *sql.Tx, entryID engine.EntryID, at time.Time, channel engine.Channel, outcome engine.AttemptOutcome, reason string) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO transmission_attempts (id, entry_id, attempted_at, channel, outcome, reason)
		VALUES (?, ?, ?, ?, ?, ?)`,
		"att-"+uuid.NewString(), string(entryID), at.Format(time.RFC3339),
		string(channel), string(outcome), nullString(reason))
	if err != nil {
		return fmt.Errorf("record attempt for entry %s: %w", entryID, err)
	}
	return nil
}

// =============================================================================
// HELPERS
// =============================================================================

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullDate(d *engine.Date) sql.NullString {
	if d == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: d.String(), Valid: true}
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: t.Format(time.RFC3339), Valid: true}
}

func isUniqueConstraintError(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
