package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/obligation-engine/api"
	"github.com/warp/obligation-engine/engine"
	"github.com/warp/obligation-engine/engine/store"
	"github.com/warp/obligation-engine/transmit"
)

// =============================================================================
// TEST SETUP
// =============================================================================

func newTestRouter(t *testing.T) (http.Handler, *store.Memory) {
	t.Helper()

	mem := store.NewMemory()
	require.NoError(t, mem.CloseBatch(context.Background(), engine.NewYearMonth(2022, time.March)))

	transmitter := transmit.NewTransmitter(mem, transmit.LoggingClient{})
	sweep := transmit.NewSweep(mem, transmitter, mem)
	handler := api.NewHandler(engine.NewProcessor(mem), mem, mem, transmitter, sweep)
	return api.NewRouter(handler), mem
}

func doJSON(t *testing.T, router http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func decisionRequest(decisionID string) api.DecisionEventRequest {
	amount := "100.00"
	return api.DecisionEventRequest{
		DecisionID:   decisionID,
		Type:         "maintenance",
		Category:     "child_support",
		PayerID:      "payer-1",
		ClaimantID:   "claimant-1",
		CaseRef:      "case-001",
		DecisionDate: "2022-01-05",
		Periods: []api.CandidatePeriodRequest{{
			Amount:   &amount,
			Currency: "EUR",
			PayeeID:  "payee-1",
			Start:    "2022-01-01",
		}},
	}
}

// =============================================================================
// INGESTION
// =============================================================================

func TestAPI_IngestDecision_CreatesObligation(t *testing.T) {
	// GIVEN: A valid maintenance decision
	// WHEN: POSTed to /api/decisions
	// THEN: 201 with the full aggregate, billed through the advance month

	router, _ := newTestRouter(t)

	rec := doJSON(t, router, http.MethodPost, "/api/decisions", decisionRequest("dec-1"))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var dto api.ObligationDTO
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &dto))
	assert.Equal(t, "recurring", dto.Kind)
	assert.Equal(t, int64(1), dto.Version)
	require.Len(t, dto.Periods, 1)
	assert.Len(t, dto.Periods[0].Entries, 4)
	assert.Equal(t, "B1", dto.Periods[0].Entries[0].Code)
}

func TestAPI_IngestDecision_Redelivery_Idempotent(t *testing.T) {
	// GIVEN: A decision already ingested
	// WHEN: The identical request is POSTed again
	// THEN: The same obligation comes back, entry count unchanged

	router, _ := newTestRouter(t)

	first := doJSON(t, router, http.MethodPost, "/api/decisions", decisionRequest("dec-1"))
	require.Equal(t, http.StatusCreated, first.Code)
	var a api.ObligationDTO
	require.NoError(t, json.Unmarshal(first.Body.Bytes(), &a))

	second := doJSON(t, router, http.MethodPost, "/api/decisions", decisionRequest("dec-1"))
	require.Equal(t, http.StatusCreated, second.Code)
	var b api.ObligationDTO
	require.NoError(t, json.Unmarshal(second.Body.Bytes(), &b))

	assert.Equal(t, a.ID, b.ID)
	assert.Len(t, b.Periods[0].Entries, 4)
}

func TestAPI_IngestDecision_ValidationFailure(t *testing.T) {
	// GIVEN: A decision missing its payer with a misaligned start date
	// WHEN: POSTed to /api/decisions
	// THEN: 400 listing every violation

	router, _ := newTestRouter(t)

	req := decisionRequest("dec-bad")
	req.PayerID = ""
	req.Periods[0].Start = "2022-01-15"

	rec := doJSON(t, router, http.MethodPost, "/api/decisions", req)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	var body api.ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Len(t, body.Details, 2)
}

func TestAPI_IngestDecision_MalformedJSON(t *testing.T) {
	router, _ := newTestRouter(t)

	req := httptest.NewRequest(http.MethodPost, "/api/decisions", bytes.NewBufferString("{"))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

// =============================================================================
// OBLIGATIONS
// =============================================================================

func TestAPI_GetObligation_NotFound(t *testing.T) {
	router, _ := newTestRouter(t)
	rec := doJSON(t, router, http.MethodGet, "/api/obligations/obl-missing", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAPI_GetObligationEntries_FlatList(t *testing.T) {
	router, _ := newTestRouter(t)

	created := doJSON(t, router, http.MethodPost, "/api/decisions", decisionRequest("dec-1"))
	var dto api.ObligationDTO
	require.NoError(t, json.Unmarshal(created.Body.Bytes(), &dto))

	rec := doJSON(t, router, http.MethodGet, "/api/obligations/"+dto.ID+"/entries", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var entries []api.EntryDTO
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &entries))
	assert.Len(t, entries, 4)
}

// =============================================================================
// TRANSMISSIONS
// =============================================================================

func TestAPI_TriggerTransmission_SingleObligation(t *testing.T) {
	// GIVEN: A pending obligation
	// WHEN: A manual trigger names it
	// THEN: Its entries are transmitted on the on-demand channel

	router, mem := newTestRouter(t)

	created := doJSON(t, router, http.MethodPost, "/api/decisions", decisionRequest("dec-1"))
	var dto api.ObligationDTO
	require.NoError(t, json.Unmarshal(created.Body.Bytes(), &dto))

	rec := doJSON(t, router, http.MethodPost, "/api/transmissions/trigger",
		api.TriggerTransmissionRequest{ObligationID: dto.ID})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var result api.TransmissionResultDTO
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	assert.Equal(t, 4, result.Entries)

	o, err := mem.GetObligation(context.Background(), engine.ObligationID(dto.ID))
	require.NoError(t, err)
	for _, e := range o.Entries() {
		assert.True(t, e.Transmitted())
		assert.Equal(t, engine.ChannelOnDemand, e.Channel)
	}
}

func TestAPI_TriggerTransmission_MonthRestricted(t *testing.T) {
	router, mem := newTestRouter(t)

	created := doJSON(t, router, http.MethodPost, "/api/decisions", decisionRequest("dec-1"))
	var dto api.ObligationDTO
	require.NoError(t, json.Unmarshal(created.Body.Bytes(), &dto))

	rec := doJSON(t, router, http.MethodPost, "/api/transmissions/trigger",
		api.TriggerTransmissionRequest{ObligationID: dto.ID, Month: "2022-01"})
	require.Equal(t, http.StatusOK, rec.Code)

	var result api.TransmissionResultDTO
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	assert.Equal(t, 1, result.Entries)

	lines, err := mem.PendingLines(context.Background(), engine.ObligationID(dto.ID), nil)
	require.NoError(t, err)
	assert.Len(t, lines, 3)
}

func TestAPI_TriggerTransmission_NoBody_RunsSweep(t *testing.T) {
	router, mem := newTestRouter(t)

	created := doJSON(t, router, http.MethodPost, "/api/decisions", decisionRequest("dec-1"))
	var dto api.ObligationDTO
	require.NoError(t, json.Unmarshal(created.Body.Bytes(), &dto))

	rec := doJSON(t, router, http.MethodPost, "/api/transmissions/trigger", nil)
	assert.Equal(t, http.StatusAccepted, rec.Code)

	lines, err := mem.PendingLines(context.Background(), engine.ObligationID(dto.ID), nil)
	require.NoError(t, err)
	assert.Empty(t, lines)
}

// =============================================================================
// ADMIN
// =============================================================================

func TestAPI_CloseBatch_AdvancesWatermark(t *testing.T) {
	router, _ := newTestRouter(t)

	rec := doJSON(t, router, http.MethodPost, "/api/admin/batches/close",
		api.CloseBatchRequest{Month: "2022-04"})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, router, http.MethodGet, "/api/admin/watermark", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var wm api.WatermarkDTO
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &wm))
	assert.Equal(t, "2022-04", wm.Watermark)
}

func TestAPI_CloseBatch_InvalidMonth(t *testing.T) {
	router, _ := newTestRouter(t)
	rec := doJSON(t, router, http.MethodPost, "/api/admin/batches/close",
		api.CloseBatchRequest{Month: "April 2022"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAPI_IncidentFlag_RoundTrip(t *testing.T) {
	router, _ := newTestRouter(t)

	rec := doJSON(t, router, http.MethodPost, "/api/admin/incident", api.IncidentRequest{Raised: true})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, router, http.MethodGet, "/api/admin/incident", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]bool
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.True(t, body["raised"])
}
