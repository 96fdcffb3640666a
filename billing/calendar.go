package billing

import (
	"fmt"
	"time"
)

// =============================================================================
// FISCAL CALENDAR - Maps period indices to calendar dates
// =============================================================================

// FiscalCalendar maps (fiscal year, fiscal month) period indices used by raw
// billing records onto calendar dates. Only the bill loaders use it; the
// engine itself only sees normalized due dates.
//
// A fiscal year is named by the calendar year it ends in. With a July start,
// FY2026 runs 2025-07-01 .. 2026-06-30. With a January start the fiscal year
// equals the calendar year.
type FiscalCalendar struct {
	// Which calendar month starts the fiscal year (1-12). Zero means January.
	StartMonth time.Month

	// Days after the period start on which the period's bills fall due.
	DueDayOffset int
}

// Period is an inclusive date range.
type Period struct {
	Start Date
	End   Date
}

// Contains returns true if d is within [Start, End].
func (p Period) Contains(d Date) bool {
	return d.AfterOrEqual(p.Start) && d.BeforeOrEqual(p.End)
}

func (p Period) String() string {
	return "[" + p.Start.String() + ", " + p.End.String() + "]"
}

func (c FiscalCalendar) startMonth() time.Month {
	if c.StartMonth < time.January || c.StartMonth > time.December {
		return time.January
	}
	return c.StartMonth
}

// Validate checks the calendar parameters.
func (c FiscalCalendar) Validate() error {
	if c.StartMonth != 0 && (c.StartMonth < time.January || c.StartMonth > time.December) {
		return fmt.Errorf("fiscal calendar: start month %d out of range", c.StartMonth)
	}
	if c.DueDayOffset < 0 || c.DueDayOffset > 27 {
		return fmt.Errorf("fiscal calendar: due day offset %d out of range 0-27", c.DueDayOffset)
	}
	return nil
}

// FiscalYear returns the fiscal year containing d.
func (c FiscalCalendar) FiscalYear(d Date) int {
	start := c.startMonth()
	if start == time.January {
		return d.Year()
	}
	if d.Month() >= start {
		return d.Year() + 1
	}
	return d.Year()
}

// YearPeriod returns the date range of a fiscal year.
func (c FiscalCalendar) YearPeriod(fiscalYear int) Period {
	start := c.startMonth()
	calendarYear := fiscalYear
	if start != time.January {
		calendarYear--
	}
	first := NewDate(calendarYear, start, 1)
	return Period{Start: first, End: first.AddMonths(12).AddDays(-1)}
}

// MonthStart returns the first day of fiscal month (1-12) of a fiscal year.
func (c FiscalCalendar) MonthStart(fiscalYear, fiscalMonth int) (Date, error) {
	if fiscalMonth < 1 || fiscalMonth > 12 {
		return Date{}, fmt.Errorf("fiscal month %d out of range 1-12", fiscalMonth)
	}
	return c.YearPeriod(fiscalYear).Start.AddMonths(fiscalMonth - 1), nil
}

// MonthDue returns the due date of a fiscal month's bills.
func (c FiscalCalendar) MonthDue(fiscalYear, fiscalMonth int) (Date, error) {
	start, err := c.MonthStart(fiscalYear, fiscalMonth)
	if err != nil {
		return Date{}, err
	}
	return start.AddDays(c.DueDayOffset), nil
}

// QuarterOf returns the fiscal quarter (1-4) of a fiscal month.
func QuarterOf(fiscalMonth int) int {
	return (fiscalMonth-1)/3 + 1
}

// QuarterDue returns the due date shared by all months of a fiscal quarter.
func (c FiscalCalendar) QuarterDue(fiscalYear, quarter int) (Date, error) {
	if quarter < 1 || quarter > 4 {
		return Date{}, fmt.Errorf("fiscal quarter %d out of range 1-4", quarter)
	}
	return c.MonthDue(fiscalYear, (quarter-1)*3+1)
}
