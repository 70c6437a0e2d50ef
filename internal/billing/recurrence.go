package billing

import (
	"errors"
	"fmt"
	"time"
)

// ErrUnknownRecurrence indicates a recurrence value outside the supported set.
// The engine refuses to guess a frequency: a silent monthly fallback would
// mask template misconfiguration.
var ErrUnknownRecurrence = errors.New("unknown recurrence kind")

// ParseKind validates a stored recurrence value.
func ParseKind(value string) (Kind, error) {
	switch Kind(value) {
	case KindWeekly, KindMonthly, KindQuarterly, KindYearly:
		return Kind(value), nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownRecurrence, value)
}

// NextIssueDate computes the next issue date after ref for the given
// frequency. For MONTHLY templates with a send-day anchor the day-of-month is
// replaced by the anchor; when the anchored date is not strictly after ref the
// date rolls forward one more month. Pure and deterministic: the only time
// source is ref.
func NextIssueDate(kind Kind, ref time.Time, sendDay *int) (time.Time, error) {
	switch kind {
	case KindWeekly:
		return ref.AddDate(0, 0, 7), nil
	case KindMonthly:
		next := addMonths(ref, 1)
		if sendDay != nil {
			next = withDay(next, *sendDay)
			if !next.After(ref) {
				next = withDay(addMonths(next, 1), *sendDay)
			}
		}
		return next, nil
	case KindQuarterly:
		return addMonths(ref, 3), nil
	case KindYearly:
		return ref.AddDate(1, 0, 0), nil
	}
	return time.Time{}, fmt.Errorf("%w: %q", ErrUnknownRecurrence, kind)
}

// addMonths shifts by calendar months, clamping the day to the target month's
// length so Jan 31 + 1 month lands on Feb 28/29 rather than overflowing.
func addMonths(t time.Time, months int) time.Time {
	y, m, d := t.Date()
	first := time.Date(y, m+time.Month(months), 1, t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), t.Location())
	if last := daysIn(first); d > last {
		d = last
	}
	return first.AddDate(0, 0, d-1)
}

// withDay replaces the day-of-month, clamped to the month's length and to a
// minimum of 1.
func withDay(t time.Time, day int) time.Time {
	if day < 1 {
		day = 1
	}
	if last := daysIn(t); day > last {
		day = last
	}
	y, m, _ := t.Date()
	return time.Date(y, m, day, t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), t.Location())
}

func daysIn(t time.Time) int {
	y, m, _ := t.Date()
	return time.Date(y, m+1, 0, 0, 0, 0, 0, t.Location()).Day()
}
