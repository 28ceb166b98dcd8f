package domain

import (
	"fmt"
	"regexp"
	"time"
)

var billingMonthPattern = regexp.MustCompile(`^\d{4}-(0[1-9]|1[0-2])$`)

// Period is the closed date range of a billing month and its payment due date.
type Period struct {
	Month   string
	Start   time.Time
	End     time.Time
	DueDate time.Time
}

// ResolvePeriod converts a YYYY-MM token into its period.
// End is the last instant of the month; DueDate is the last day of the following month.
func ResolvePeriod(billingMonth string) (Period, error) {
	if !billingMonthPattern.MatchString(billingMonth) {
		return Period{}, fmt.Errorf("%w: %q", ErrInvalidPeriod, billingMonth)
	}
	start, err := time.ParseInLocation("2006-01", billingMonth, time.UTC)
	if err != nil {
		return Period{}, fmt.Errorf("%w: %q", ErrInvalidPeriod, billingMonth)
	}

	next := start.AddDate(0, 1, 0)
	return Period{
		Month:   billingMonth,
		Start:   start,
		End:     next.Add(-time.Nanosecond),
		DueDate: next.AddDate(0, 1, -1),
	}, nil
}

// Compact returns the month as YYYYMM.
func (p Period) Compact() string {
	return p.Start.Format("200601")
}

// Contains reports whether t falls inside the period.
func (p Period) Contains(t time.Time) bool {
	t = t.UTC()
	return !t.Before(p.Start) && !t.After(p.End)
}

// ValidBillingMonth reports whether value is a well-formed YYYY-MM token.
func ValidBillingMonth(value string) bool {
	return billingMonthPattern.MatchString(value)
}

// PreviousBillingMonth returns the month before the one containing now.
func PreviousBillingMonth(now time.Time) string {
	now = now.UTC()
	first := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
	return first.AddDate(0, -1, 0).Format("2006-01")
}
