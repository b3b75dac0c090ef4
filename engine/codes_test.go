package engine_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/obligation-engine/engine"
)

func TestCodeTable_PrimaryCodes(t *testing.T) {
	codes := engine.DefaultCodeTable()

	cases := map[engine.DecisionType]engine.TransactionCode{
		engine.DecisionMaintenance:     "B1",
		engine.DecisionIndexAdjustment: "B1",
		engine.DecisionAdvance:         "A1",
		engine.DecisionFeePayer:        "G1",
		engine.DecisionFeePayee:        "G2",
		engine.DecisionLumpSum:         "H1",
	}
	for dt, want := range cases {
		code, ok := codes.PrimaryFor(dt)
		require.True(t, ok, "expected a primary code for %s", dt)
		assert.Equal(t, want, code)
	}
}

func TestCodeTable_CorrectionCodes(t *testing.T) {
	codes := engine.DefaultCodeTable()

	cases := map[engine.TransactionCode]engine.TransactionCode{
		"B1": "B3",
		"A1": "A3",
		"G1": "G3",
		"G2": "G4",
	}
	for primary, want := range cases {
		code, ok := codes.CorrectionFor(primary)
		require.True(t, ok, "expected a correction code for %s", primary)
		assert.Equal(t, want, code)
	}
}

func TestCodeTable_LumpSumHasNoCorrectionCode(t *testing.T) {
	// GIVEN: The default code table
	// WHEN: Looking up the correction code for H1
	// THEN: None exists; lump sums are superseded via the amendment chain

	codes := engine.DefaultCodeTable()
	_, ok := codes.CorrectionFor("H1")
	assert.False(t, ok)
}

func TestCodeTable_CorrectionCodesHaveNoCorrections(t *testing.T) {
	codes := engine.DefaultCodeTable()
	for _, c := range []engine.TransactionCode{"B3", "A3", "G3", "G4"} {
		_, ok := codes.CorrectionFor(c)
		assert.False(t, ok, "correction code %s must not itself be correctable", c)
	}
}

func TestCodeTable_UnknownDecisionType(t *testing.T) {
	codes := engine.DefaultCodeTable()
	_, ok := codes.PrimaryFor(engine.DecisionType("garnishment"))
	assert.False(t, ok)
}
