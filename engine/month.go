package engine

import (
	"fmt"
	"sort"
	"time"
)

// =============================================================================
// YEAR MONTH - Calendar billing month
// =============================================================================

// YearMonth is one calendar month, the unit every transaction entry is
// billed against.
type YearMonth struct {
	Year  int
	Month time.Month
}

func NewYearMonth(year int, month time.Month) YearMonth {
	return YearMonth{Year: year, Month: month}
}

// ParseYearMonth parses a YYYY-MM string.
func ParseYearMonth(s string) (YearMonth, error) {
	t, err := time.Parse("2006-01", s)
	if err != nil {
		return YearMonth{}, fmt.Errorf("invalid month %q: %w", s, err)
	}
	return YearMonth{Year: t.Year(), Month: t.Month()}, nil
}

// FirstDay returns the first day of the month.
func (m YearMonth) FirstDay() Date { return NewDate(m.Year, m.Month, 1) }

func (m YearMonth) Next() YearMonth { return m.FirstDay().AddMonths(1).YearMonthOf() }
func (m YearMonth) Prev() YearMonth { return m.FirstDay().AddMonths(-1).YearMonthOf() }

func (m YearMonth) Before(other YearMonth) bool { return m.FirstDay().Before(other.FirstDay()) }
func (m YearMonth) After(other YearMonth) bool  { return m.FirstDay().After(other.FirstDay()) }
func (m YearMonth) Equal(other YearMonth) bool  { return m == other }

func (m YearMonth) IsZero() bool { return m.Year == 0 && m.Month == 0 }

func (m YearMonth) String() string { return m.FirstDay().normalize().Format("2006-01") }

// =============================================================================
// MONTH ENUMERATOR
// =============================================================================

// MonthsBetween returns the ordered list of billable months for a period.
//
// An open-ended period (end == nil) is billed one month past the watermark:
// the authority closes batches a month behind, so the month after the last
// closed batch is always billed in advance. A period whose effective end
// lies before its start yields no months, which is valid (a decision can
// terminate a period before it ever produced a billable month).
func MonthsBetween(start Date, end *Date, watermark YearMonth) []YearMonth {
	effectiveEnd := watermark.FirstDay().AddMonths(1)
	if end != nil {
		effectiveEnd = *end
	}

	if effectiveEnd.Before(start) {
		return nil
	}

	var months []YearMonth
	for m := start.YearMonthOf(); !m.FirstDay().After(effectiveEnd); m = m.Next() {
		months = append(months, m)
	}
	return months
}

// =============================================================================
// MONTH SET - Union of month ranges, used by the correction pass
// =============================================================================

// MonthSet is the union of the billable months of all candidate periods in
// one decision event. The correction pass tests entries against it.
type MonthSet struct {
	months map[YearMonth]struct{}
	max    YearMonth
	hasMax bool
}

func NewMonthSet(months ...YearMonth) *MonthSet {
	s := &MonthSet{months: make(map[YearMonth]struct{})}
	s.AddAll(months)
	return s
}

func (s *MonthSet) Add(m YearMonth) {
	s.months[m] = struct{}{}
	if !s.hasMax || m.After(s.max) {
		s.max = m
		s.hasMax = true
	}
}

func (s *MonthSet) AddAll(months []YearMonth) {
	for _, m := range months {
		s.Add(m)
	}
}

func (s *MonthSet) Contains(m YearMonth) bool {
	_, ok := s.months[m]
	return ok
}

// Max returns the latest month in the set, if any.
func (s *MonthSet) Max() (YearMonth, bool) {
	return s.max, s.hasMax
}

func (s *MonthSet) Empty() bool { return len(s.months) == 0 }

func (s *MonthSet) Months() []YearMonth {
	out := make([]YearMonth, 0, len(s.months))
	for m := range s.months {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Before(out[j]) })
	return out
}
