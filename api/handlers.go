/*
handlers.go - HTTP API handlers for the obligation engine

PURPOSE:
  Exposes decision-event ingestion, obligation inspection and transmission
  operations via REST. Handles HTTP request/response, JSON serialization,
  and delegates to domain logic.

ENDPOINTS:
  Ingestion:
    POST   /api/decisions                     Ingest a decision event

  Obligations:
    GET    /api/obligations/{id}              Full aggregate
    GET    /api/obligations/{id}/entries      Flat entry list

  Transmissions:
    POST   /api/transmissions/trigger         Manual transmission trigger

  Admin:
    POST   /api/admin/incident                Raise/clear incident flag
    POST   /api/admin/batches/close           Close an authoritative batch month
    GET    /api/admin/watermark               Current watermark month

ERROR HANDLING:
  Errors are returned as JSON with appropriate HTTP status:
  - 400: Validation errors, malformed events (audited as poison events)
  - 404: Obligation not found
  - 409: Ambiguity, duplicate entries, exhausted optimistic retries
  - 502: Authority unreachable during a manual trigger
  - 500: Internal errors

SEE ALSO:
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/warp/obligation-engine/engine"
	"github.com/warp/obligation-engine/transmit"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// AdminStore is the operational surface the admin endpoints need on top of
// engine.Store. Implemented by store/sqlite and engine/store.Memory.
type AdminStore interface {
	CloseBatch(ctx context.Context, month engine.YearMonth) error
	SetIncident(ctx context.Context, raised bool) error
	Incident(ctx context.Context) (bool, error)
}

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Processor   *engine.Processor
	Store       engine.Store
	Admin       AdminStore
	Transmitter *transmit.Transmitter
	Sweep       *transmit.Sweep

	// Audit receives rejected (poison) events so a malformed decision is
	// never silently dropped. Defaults to the standard logger.
	Audit *log.Logger
}

func NewHandler(processor *engine.Processor, store engine.Store, admin AdminStore, transmitter *transmit.Transmitter, sweep *transmit.Sweep) *Handler {
	return &Handler{
		Processor:   processor,
		Store:       store,
		Admin:       admin,
		Transmitter: transmitter,
		Sweep:       sweep,
		Audit:       log.Default(),
	}
}

// =============================================================================
// INGESTION
// =============================================================================

// IngestDecision handles POST /api/decisions.
func (h *Handler) IngestDecision(w http.ResponseWriter, r *http.Request) {
	var req DecisionEventRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}

	ev, err := req.ToEvent()
	if err != nil {
		h.auditPoison(req.DecisionID, err)
		writeValidationError(w, err)
		return
	}

	o, err := h.Processor.Process(r.Context(), ev)
	if err != nil {
		var vErr *engine.EventValidationError
		if errors.As(err, &vErr) {
			h.auditPoison(req.DecisionID, err)
		}
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, toObligationDTO(o))
}

// auditPoison records a rejected event for operator follow-up. The event is
// acknowledged toward the transport so it is not redelivered forever.
func (h *Handler) auditPoison(decisionID string, err error) {
	h.Audit.Printf("[API] poison event: decision=%s error=%v", decisionID, err)
}

// =============================================================================
// OBLIGATIONS
// =============================================================================

// GetObligation handles GET /api/obligations/{id}.
func (h *Handler) GetObligation(w http.ResponseWriter, r *http.Request) {
	id := engine.ObligationID(chi.URLParam(r, "id"))

	o, err := h.Store.GetObligation(r.Context(), id)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toObligationDTO(o))
}

// GetObligationEntries handles GET /api/obligations/{id}/entries. Returns
// the flat entry list across all periods, the view the reconciliation desk
// works from.
func (h *Handler) GetObligationEntries(w http.ResponseWriter, r *http.Request) {
	id := engine.ObligationID(chi.URLParam(r, "id"))

	o, err := h.Store.GetObligation(r.Context(), id)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	entries := []EntryDTO{}
	for _, e := range o.Entries() {
		entries = append(entries, toEntryDTO(e))
	}
	writeJSON(w, http.StatusOK, entries)
}

// =============================================================================
// TRANSMISSIONS
// =============================================================================

// TriggerTransmission handles POST /api/transmissions/trigger. With an
// obligation id it transmits that obligation on the on-demand channel,
// optionally restricted to one month. Without one it runs a full sweep pass.
func (h *Handler) TriggerTransmission(w http.ResponseWriter, r *http.Request) {
	var req TriggerTransmissionRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
			return
		}
	}

	if req.ObligationID == "" {
		h.Sweep.RunOnce(r.Context())
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "sweep triggered"})
		return
	}

	var month *engine.YearMonth
	if req.Month != "" {
		m, err := engine.ParseYearMonth(req.Month)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid month: "+err.Error())
			return
		}
		month = &m
	}

	sent, err := h.Transmitter.TransmitObligation(r.Context(), engine.ObligationID(req.ObligationID), month, engine.ChannelOnDemand)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, TransmissionResultDTO{Obligations: 1, Entries: sent})
}

// =============================================================================
// ADMIN
// =============================================================================

// SetIncident handles POST /api/admin/incident.
func (h *Handler) SetIncident(w http.ResponseWriter, r *http.Request) {
	var req IncidentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}

	if err := h.Admin.SetIncident(r.Context(), req.Raised); err != nil {
		writeDomainError(w, err)
		return
	}
	log.Printf("[API] incident flag set to %v", req.Raised)
	writeJSON(w, http.StatusOK, map[string]bool{"raised": req.Raised})
}

// GetIncident handles GET /api/admin/incident.
func (h *Handler) GetIncident(w http.ResponseWriter, r *http.Request) {
	raised, err := h.Admin.Incident(r.Context())
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"raised": raised})
}

// CloseBatch handles POST /api/admin/batches/close. Closing a batch month
// advances the watermark; subsequent events bill one month further ahead.
func (h *Handler) CloseBatch(w http.ResponseWriter, r *http.Request) {
	var req CloseBatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}

	month, err := engine.ParseYearMonth(req.Month)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid month: "+err.Error())
		return
	}

	if err := h.Admin.CloseBatch(r.Context(), month); err != nil {
		writeDomainError(w, err)
		return
	}
	log.Printf("[API] batch %s closed", month)
	writeJSON(w, http.StatusOK, map[string]string{"closed": month.String()})
}

// GetWatermark handles GET /api/admin/watermark.
func (h *Handler) GetWatermark(w http.ResponseWriter, r *http.Request) {
	wm, err := h.Store.Watermark(r.Context())
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, WatermarkDTO{Watermark: wm.String()})
}

// =============================================================================
// RESPONSE HELPERS
// =============================================================================

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("[API] failed to encode response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, ErrorResponse{Error: msg})
}

func writeValidationError(w http.ResponseWriter, err error) {
	var vErr *engine.EventValidationError
	if errors.As(err, &vErr) {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "validation failed", Details: vErr.Violations})
		return
	}
	writeError(w, http.StatusBadRequest, err.Error())
}

// writeDomainError maps domain errors onto HTTP statuses.
func writeDomainError(w http.ResponseWriter, err error) {
	var vErr *engine.EventValidationError
	switch {
	case errors.As(err, &vErr):
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "validation failed", Details: vErr.Violations})
	case errors.Is(err, engine.ErrUnknownDecisionType):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, engine.ErrObligationNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, engine.ErrAmbiguousObligation),
		errors.Is(err, engine.ErrConcurrentModification),
		errors.Is(err, engine.ErrDuplicateEntry),
		errors.Is(err, engine.ErrMultipleOpenPeriods),
		errors.Is(err, engine.ErrPeriodAlreadyClosed):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, transmit.ErrUnavailable),
		errors.Is(err, transmit.ErrUnauthorized):
		writeError(w, http.StatusBadGateway, err.Error())
	default:
		var rej *transmit.RejectionError
		if errors.As(err, &rej) {
			writeError(w, http.StatusBadGateway, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}
