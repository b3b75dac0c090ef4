package engine_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/obligation-engine/engine"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

func date(y int, m time.Month, d int) engine.Date {
	return engine.NewDate(y, m, d)
}

func month(y int, m time.Month) engine.YearMonth {
	return engine.NewYearMonth(y, m)
}

func monthStrings(months []engine.YearMonth) []string {
	out := make([]string, len(months))
	for i, m := range months {
		out[i] = m.String()
	}
	return out
}

// =============================================================================
// MONTH ENUMERATION
// =============================================================================

func TestMonthsBetween_OpenEnded_BillsOneMonthPastWatermark(t *testing.T) {
	// GIVEN: An open-ended period starting January 2022, watermark March 2022
	// WHEN: Enumerating billable months
	// THEN: January through April (one month past the watermark)

	months := engine.MonthsBetween(date(2022, time.January, 1), nil, month(2022, time.March))

	assert.Equal(t,
		[]string{"2022-01", "2022-02", "2022-03", "2022-04"},
		monthStrings(months))
}

func TestMonthsBetween_ClosedEnd_StopsAtEndMonth(t *testing.T) {
	// GIVEN: A period from January to mid-March 2022
	// WHEN: Enumerating billable months
	// THEN: January through March; the watermark is irrelevant

	end := date(2022, time.March, 15)
	months := engine.MonthsBetween(date(2022, time.January, 1), &end, month(2022, time.December))

	assert.Equal(t, []string{"2022-01", "2022-02", "2022-03"}, monthStrings(months))
}

func TestMonthsBetween_EndBeforeStart_Empty(t *testing.T) {
	// GIVEN: A period terminated before it started
	// WHEN: Enumerating billable months
	// THEN: No months, and no error

	end := date(2022, time.February, 28)
	months := engine.MonthsBetween(date(2022, time.March, 1), &end, month(2022, time.June))

	assert.Empty(t, months)
}

func TestMonthsBetween_SingleMonth(t *testing.T) {
	// GIVEN: A period covering exactly one month
	// WHEN: Enumerating billable months
	// THEN: Exactly that month

	end := date(2022, time.January, 31)
	months := engine.MonthsBetween(date(2022, time.January, 1), &end, month(2022, time.June))

	assert.Equal(t, []string{"2022-01"}, monthStrings(months))
}

func TestMonthsBetween_StartAfterWatermark_OpenEnded(t *testing.T) {
	// GIVEN: An open-ended period starting after the watermark month
	// WHEN: The start is still within the billable window
	// THEN: Only the advance month is billed

	months := engine.MonthsBetween(date(2022, time.April, 1), nil, month(2022, time.March))

	assert.Equal(t, []string{"2022-04"}, monthStrings(months))
}

func TestMonthsBetween_StartPastBillableWindow_Empty(t *testing.T) {
	// GIVEN: An open-ended period starting well past the billable window
	// WHEN: Enumerating billable months
	// THEN: Nothing is billed yet; later watermark advances pick it up

	months := engine.MonthsBetween(date(2022, time.July, 1), nil, month(2022, time.March))

	assert.Empty(t, months)
}

func TestMonthsBetween_YearBoundary(t *testing.T) {
	// GIVEN: A period crossing December into January
	// WHEN: Enumerating billable months
	// THEN: The year rolls over correctly

	end := date(2023, time.January, 31)
	months := engine.MonthsBetween(date(2022, time.November, 1), &end, month(2023, time.June))

	assert.Equal(t, []string{"2022-11", "2022-12", "2023-01"}, monthStrings(months))
}

// =============================================================================
// YEAR MONTH
// =============================================================================

func TestParseYearMonth_RoundTrip(t *testing.T) {
	m, err := engine.ParseYearMonth("2022-07")
	require.NoError(t, err)
	assert.Equal(t, month(2022, time.July), m)
	assert.Equal(t, "2022-07", m.String())
}

func TestParseYearMonth_Invalid(t *testing.T) {
	_, err := engine.ParseYearMonth("July 2022")
	assert.Error(t, err)
}

func TestYearMonth_NextPrev_YearBoundary(t *testing.T) {
	dec := month(2022, time.December)
	assert.Equal(t, month(2023, time.January), dec.Next())
	assert.Equal(t, month(2022, time.December), month(2023, time.January).Prev())
}

// =============================================================================
// MONTH SET
// =============================================================================

func TestMonthSet_MaxAndContains(t *testing.T) {
	s := engine.NewMonthSet(month(2022, time.March), month(2022, time.January))
	s.Add(month(2022, time.February))

	assert.True(t, s.Contains(month(2022, time.February)))
	assert.False(t, s.Contains(month(2022, time.April)))

	max, ok := s.Max()
	require.True(t, ok)
	assert.Equal(t, month(2022, time.March), max)

	assert.Equal(t, []engine.YearMonth{
		month(2022, time.January), month(2022, time.February), month(2022, time.March),
	}, s.Months())
}

func TestMonthSet_Empty(t *testing.T) {
	s := engine.NewMonthSet()
	assert.True(t, s.Empty())
	_, ok := s.Max()
	assert.False(t, ok)
}
