/*
recurrence.go - Next-occurrence date arithmetic

PURPOSE:
  Computes the anchor date of the next occurrence of a recurring obligation.
  Both issues and payments go through this one calculator, so a monthly rent
  payment and a monthly HVAC inspection always land on the same day.

CALENDAR RULES:
  Weekly:    +7 days
  Monthly:   +1 calendar month
  Quarterly: +3 calendar months
  Annually:  +1 year
  OneTime:   no next occurrence

  Month arithmetic clamps the day-of-month to the last day of the target
  month. Go's time.AddDate normalizes overflow instead (Jan 31 + 1 month is
  Mar 3), so the clamping is done explicitly here.

    Jan 31 2024 + Monthly   = Feb 29 2024
    Jan 31 2025 + Monthly   = Feb 28 2025
    Nov 30 2024 + Quarterly = Feb 28 2025
    Feb 29 2024 + Annually  = Feb 28 2025

  Clock time and location of the input are preserved.

SEE ALSO:
  - obligation/schedule.go: Schedule uses Next to advance anchors
*/
package recurrence

import (
	"fmt"
	"strings"
	"time"
)

// =============================================================================
// FREQUENCY
// =============================================================================

// Frequency is the repetition rule of an obligation.
type Frequency string

const (
	OneTime   Frequency = "one_time"
	Weekly    Frequency = "weekly"
	Monthly   Frequency = "monthly"
	Quarterly Frequency = "quarterly"
	Annually  Frequency = "annually"
)

// Frequencies lists every supported frequency in display order.
var Frequencies = []Frequency{OneTime, Weekly, Monthly, Quarterly, Annually}

// IsRecurring reports whether the frequency ever produces a next occurrence.
func (f Frequency) IsRecurring() bool {
	switch f {
	case Weekly, Monthly, Quarterly, Annually:
		return true
	default:
		return false
	}
}

// Valid reports whether f is one of the known frequencies.
func (f Frequency) Valid() bool {
	return f == OneTime || f.IsRecurring()
}

func (f Frequency) String() string { return string(f) }

// ParseFrequency accepts the canonical names case-insensitively. An empty
// string parses as OneTime.
func ParseFrequency(s string) (Frequency, error) {
	normalized := strings.ToLower(strings.TrimSpace(s))
	normalized = strings.ReplaceAll(normalized, "-", "_")
	normalized = strings.ReplaceAll(normalized, " ", "_")

	switch normalized {
	case "", "one_time", "onetime", "once":
		return OneTime, nil
	case "weekly":
		return Weekly, nil
	case "monthly":
		return Monthly, nil
	case "quarterly":
		return Quarterly, nil
	case "annually", "yearly":
		return Annually, nil
	}
	return "", fmt.Errorf("unknown frequency %q (want one of %v)", s, Frequencies)
}

// =============================================================================
// NEXT ANCHOR
// =============================================================================

// Next returns the anchor of the occurrence following from. The boolean is
// false for OneTime (and unknown) frequencies.
func Next(from time.Time, f Frequency) (time.Time, bool) {
	switch f {
	case Weekly:
		return from.AddDate(0, 0, 7), true
	case Monthly:
		return addMonthsClamped(from, 1), true
	case Quarterly:
		return addMonthsClamped(from, 3), true
	case Annually:
		return addMonthsClamped(from, 12), true
	default:
		return time.Time{}, false
	}
}

// Advance applies Next n times. Steps are chained so clamping is applied at
// every step, exactly as repeated resolutions would.
func Advance(from time.Time, f Frequency, n int) (time.Time, bool) {
	if !f.IsRecurring() {
		return time.Time{}, false
	}
	t := from
	for i := 0; i < n; i++ {
		t, _ = Next(t, f)
	}
	return t, true
}

func addMonthsClamped(from time.Time, months int) time.Time {
	year, month, day := from.Date()
	hour, min, sec := from.Clock()

	// Normalize the target month first with day 1, which never overflows.
	first := time.Date(year, month+time.Month(months), 1, 0, 0, 0, 0, from.Location())
	if last := DaysIn(first.Year(), first.Month()); day > last {
		day = last
	}
	return time.Date(first.Year(), first.Month(), day, hour, min, sec, from.Nanosecond(), from.Location())
}

// DaysIn returns the number of days in the given month.
func DaysIn(year int, month time.Month) int {
	return time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC).Day()
}
