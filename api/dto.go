/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the internal domain model from the external API contract, allowing:
  - Field renaming without breaking clients
  - API-specific validation
  - Version evolution

CONVENTIONS:
  - Dates are "2006-01-02" strings
  - Months are "2006-01" strings
  - Amounts are decimal strings, never floats
*/
package api

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/obligation-engine/engine"
)

// =============================================================================
// REQUESTS
// =============================================================================

// DecisionEventRequest is the inbound decision event.
type DecisionEventRequest struct {
	DecisionID    string                   `json:"decision_id"`
	Type          string                   `json:"type"`
	Category      string                   `json:"category"`
	PayerID       string                   `json:"payer_id"`
	ClaimantID    string                   `json:"claimant_id,omitempty"`
	CaseRef       string                   `json:"case_ref"`
	AmendmentRef  string                   `json:"amendment_ref,omitempty"`
	DecisionDate  string                   `json:"decision_date"`
	CreatedBy     string                   `json:"created_by,omitempty"`
	DeferredUntil string                   `json:"deferred_until,omitempty"`
	Periods       []CandidatePeriodRequest `json:"periods"`
}

// CandidatePeriodRequest is one timeline slice on the inbound event.
// A slice without an amount is a termination marker.
type CandidatePeriodRequest struct {
	Amount      *string `json:"amount,omitempty"`
	Currency    string  `json:"currency,omitempty"`
	PayeeID     string  `json:"payee_id,omitempty"`
	Start       string  `json:"start"`
	End         string  `json:"end,omitempty"`
	LineItemRef *int64  `json:"line_item_ref,omitempty"`
}

// ToEvent converts the wire shape into a domain event. Parse failures are
// reported as validation violations, same as missing fields.
func (r DecisionEventRequest) ToEvent() (engine.DecisionEvent, error) {
	ev := engine.DecisionEvent{
		DecisionID:   r.DecisionID,
		Type:         engine.DecisionType(r.Type),
		Category:     engine.Category(r.Category),
		PayerID:      r.PayerID,
		ClaimantID:   r.ClaimantID,
		CaseRef:      r.CaseRef,
		AmendmentRef: r.AmendmentRef,
		CreatedBy:    r.CreatedBy,
	}

	var violations []string
	date, err := engine.ParseDate(r.DecisionDate)
	if err != nil {
		violations = append(violations, "decision_date: "+err.Error())
	}
	ev.DecisionDate = date

	if r.DeferredUntil != "" {
		d, err := engine.ParseDate(r.DeferredUntil)
		if err != nil {
			violations = append(violations, "deferred_until: "+err.Error())
		} else {
			ev.DeferredUntil = &d
		}
	}

	for i, p := range r.Periods {
		cp, errs := p.toCandidate()
		for _, e := range errs {
			violations = append(violations, fmt.Sprintf("period[%d]: %s", i, e))
		}
		ev.Periods = append(ev.Periods, cp)
	}

	if len(violations) > 0 {
		return ev, &engine.EventValidationError{DecisionID: r.DecisionID, Violations: violations}
	}
	return ev, nil
}

func (r CandidatePeriodRequest) toCandidate() (engine.CandidatePeriod, []string) {
	var (
		cp   engine.CandidatePeriod
		errs []string
	)
	cp.Currency = r.Currency
	cp.PayeeID = r.PayeeID
	cp.LineItemRef = r.LineItemRef

	if r.Amount != nil {
		amount, err := decimal.NewFromString(*r.Amount)
		if err != nil {
			errs = append(errs, "amount: "+err.Error())
		} else {
			cp.Amount = &amount
		}
	}

	start, err := engine.ParseDate(r.Start)
	if err != nil {
		errs = append(errs, "start: "+err.Error())
	}
	cp.Start = start

	if r.End != "" {
		end, err := engine.ParseDate(r.End)
		if err != nil {
			errs = append(errs, "end: "+err.Error())
		} else {
			cp.End = &end
		}
	}
	return cp, errs
}

// TriggerTransmissionRequest narrows a manual transmission trigger to one
// obligation, optionally one month.
type TriggerTransmissionRequest struct {
	ObligationID string `json:"obligation_id,omitempty"`
	Month        string `json:"month,omitempty"`
}

// IncidentRequest raises or clears the incident/maintenance flag.
type IncidentRequest struct {
	Raised bool `json:"raised"`
}

// CloseBatchRequest records a closed authoritative batch month.
type CloseBatchRequest struct {
	Month string `json:"month"`
}

// =============================================================================
// RESPONSES
// =============================================================================

// ErrorResponse is the uniform error body.
type ErrorResponse struct {
	Error   string   `json:"error"`
	Details []string `json:"details,omitempty"`
}

// ObligationDTO is the outbound aggregate view.
type ObligationDTO struct {
	ID            string      `json:"id"`
	Kind          string      `json:"kind"`
	Category      string      `json:"category"`
	PayerID       string      `json:"payer_id"`
	ClaimantID    string      `json:"claimant_id,omitempty"`
	CaseRef       string      `json:"case_ref"`
	AmendmentRef  string      `json:"amendment_ref,omitempty"`
	CorrelationID string      `json:"correlation_id,omitempty"`
	DeferredUntil string      `json:"deferred_until,omitempty"`
	LastModified  time.Time   `json:"last_modified"`
	Version       int64       `json:"version"`
	Periods       []PeriodDTO `json:"periods"`
}

// PeriodDTO is one timeline slice.
type PeriodDTO struct {
	ID          string     `json:"id"`
	DecisionID  string     `json:"decision_id"`
	PayeeID     string     `json:"payee_id"`
	Amount      string     `json:"amount"`
	Currency    string     `json:"currency"`
	Start       string     `json:"start"`
	End         string     `json:"end,omitempty"`
	ActiveUntil string     `json:"active_until,omitempty"`
	LineItemRef int64      `json:"line_item_ref"`
	Entries     []EntryDTO `json:"entries"`
}

// EntryDTO is one monthly transaction entry.
type EntryDTO struct {
	ID              string       `json:"id"`
	Code            string       `json:"code"`
	Month           string       `json:"month"`
	Kind            string       `json:"kind"`
	Subtype         string       `json:"subtype"`
	Channel         string       `json:"channel,omitempty"`
	TransmittedAt   *time.Time   `json:"transmitted_at,omitempty"`
	RejectionReason string       `json:"rejection_reason,omitempty"`
	Attempts        []AttemptDTO `json:"attempts,omitempty"`
	CreatedAt       time.Time    `json:"created_at"`
}

// AttemptDTO is one transmission attempt on an entry.
type AttemptDTO struct {
	At      time.Time `json:"at"`
	Channel string    `json:"channel"`
	Outcome string    `json:"outcome"`
	Reason  string    `json:"reason,omitempty"`
}

// TransmissionResultDTO reports a manual trigger outcome.
type TransmissionResultDTO struct {
	Obligations int `json:"obligations"`
	Entries     int `json:"entries"`
}

// WatermarkDTO exposes the current watermark month.
type WatermarkDTO struct {
	Watermark string `json:"watermark"`
}

// =============================================================================
// MAPPERS
// =============================================================================

func toObligationDTO(o *engine.Obligation) ObligationDTO {
	dto := ObligationDTO{
		ID:            string(o.ID),
		Kind:          string(o.Kind),
		Category:      string(o.Category),
		PayerID:       o.PayerID,
		ClaimantID:    o.ClaimantID,
		CaseRef:       o.CaseRef,
		AmendmentRef:  o.AmendmentRef,
		CorrelationID: o.CorrelationID,
		LastModified:  o.LastModified,
		Version:       o.Version,
		Periods:       []PeriodDTO{},
	}
	if o.DeferredUntil != nil {
		dto.DeferredUntil = o.DeferredUntil.String()
	}
	for _, p := range o.Periods {
		dto.Periods = append(dto.Periods, toPeriodDTO(p))
	}
	return dto
}

func toPeriodDTO(p *engine.Period) PeriodDTO {
	dto := PeriodDTO{
		ID:          string(p.ID),
		DecisionID:  p.DecisionID,
		PayeeID:     p.PayeeID,
		Amount:      p.Amount.String(),
		Currency:    p.Currency,
		Start:       p.Start.String(),
		LineItemRef: p.LineItemRef,
		Entries:     []EntryDTO{},
	}
	if p.End != nil {
		dto.End = p.End.String()
	}
	if p.ActiveUntil != nil {
		dto.ActiveUntil = p.ActiveUntil.String()
	}
	for _, e := range p.Entries {
		dto.Entries = append(dto.Entries, toEntryDTO(e))
	}
	return dto
}

func toEntryDTO(e *engine.Entry) EntryDTO {
	dto := EntryDTO{
		ID:              string(e.ID),
		Code:            string(e.Code),
		Month:           e.Month.String(),
		Kind:            string(e.Kind),
		Subtype:         string(e.Subtype),
		Channel:         string(e.Channel),
		TransmittedAt:   e.TransmittedAt,
		RejectionReason: e.RejectionReason,
		CreatedAt:       e.CreatedAt,
	}
	for _, a := range e.Attempts {
		dto.Attempts = append(dto.Attempts, AttemptDTO{
			At:      a.At,
			Channel: string(a.Channel),
			Outcome: string(a.Outcome),
			Reason:  a.Reason,
		})
	}
	return dto
}
