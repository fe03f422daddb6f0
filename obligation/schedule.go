package obligation

import (
	"time"

	"github.com/vts/obligation-engine/recurrence"
)

// Frequency is re-exported so callers of this package rarely need to import
// recurrence directly.
type Frequency = recurrence.Frequency

// Schedule is the recurring trait shared by issues and payments.
type Schedule struct {
	Frequency          Frequency
	NextAnchorDate     *time.Time
	SkipNextOccurrence bool
}

// NewSchedule anchors a schedule on the occurrence due at from.
func NewSchedule(f Frequency, from time.Time) Schedule {
	s := Schedule{Frequency: f}
	if next, ok := recurrence.Next(from, f); ok {
		s.NextAnchorDate = &next
	}
	return s
}

// IsRecurring reports whether the schedule produces further occurrences.
func (s Schedule) IsRecurring() bool {
	return s.Frequency.IsRecurring()
}

// skip marks the upcoming occurrence as skipped and moves the anchor one
// period further out.
func (s *Schedule) skip() {
	if s.NextAnchorDate == nil {
		return
	}
	next, _ := recurrence.Next(*s.NextAnchorDate, s.Frequency)
	s.NextAnchorDate = &next
	s.SkipNextOccurrence = true
}

// spawn consumes the schedule at resolution time. It returns the due date
// and schedule of the successor occurrence, or ok=false when nothing should
// be spawned. A pending skip is cleared either way.
func (s *Schedule) spawn() (due time.Time, next Schedule, ok bool) {
	if s.SkipNextOccurrence {
		s.SkipNextOccurrence = false
		return time.Time{}, Schedule{}, false
	}
	if !s.IsRecurring() || s.NextAnchorDate == nil {
		return time.Time{}, Schedule{}, false
	}
	due = *s.NextAnchorDate
	return due, NewSchedule(s.Frequency, due), true
}
