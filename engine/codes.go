package engine

// =============================================================================
// TRANSACTION CODE TABLE
// =============================================================================

// CodeTable maps decision types to their primary transaction code, and
// primary codes to their optional correction code. Built once at startup
// and immutable afterwards.
type CodeTable struct {
	primary    map[DecisionType]TransactionCode
	correction map[TransactionCode]TransactionCode
}

// DefaultCodeTable returns the code table used against the authority.
//
// Lump sums (H1) carry no correction code: a lump sum is superseded through
// the amendment chain, never reversed month-for-month.
func DefaultCodeTable() *CodeTable {
	return &CodeTable{
		primary: map[DecisionType]TransactionCode{
			DecisionMaintenance:     "B1",
			DecisionIndexAdjustment: "B1",
			DecisionAdvance:         "A1",
			DecisionFeePayer:        "G1",
			DecisionFeePayee:        "G2",
			DecisionLumpSum:         "H1",
		},
		correction: map[TransactionCode]TransactionCode{
			"B1": "B3",
			"A1": "A3",
			"G1": "G3",
			"G2": "G4",
		},
	}
}

// PrimaryFor returns the primary transaction code for a decision type.
func (t *CodeTable) PrimaryFor(dt DecisionType) (TransactionCode, bool) {
	code, ok := t.primary[dt]
	return code, ok
}

// CorrectionFor returns the correction code for a primary code. Codes
// without a correction code (and correction codes themselves) return false.
func (t *CodeTable) CorrectionFor(code TransactionCode) (TransactionCode, bool) {
	c, ok := t.correction[code]
	return c, ok
}
