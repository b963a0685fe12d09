// Package schedule implements the temporal windows attached to time-bound
// grants: an overall validity interval plus optional weekday and
// time-of-day restrictions evaluated in the schedule's own timezone.
package schedule

import (
	"errors"
	"fmt"
	"time"
)

// ErrInvalidSchedule reports a structurally broken schedule.
var ErrInvalidSchedule = errors.New("schedule: invalid")

// TimeRange is a daily window in "HH:MM" wall-clock notation. A range whose
// Start is after its End wraps past midnight and spans two calendar days.
type TimeRange struct {
	Start string `json:"start"`
	End   string `json:"end"`
}

// Schedule restricts when a grant is in effect. Zero ValidUntil means
// open-ended; an empty Days list means every day; an empty Timezone means
// UTC.
type Schedule struct {
	ValidFrom  time.Time      `json:"valid_from"`
	ValidUntil *time.Time     `json:"valid_until,omitempty"`
	Days       []time.Weekday `json:"days,omitempty"`
	Ranges     []TimeRange    `json:"ranges,omitempty"`
	Timezone   string         `json:"timezone,omitempty"`
}

// Validate checks range notation and that the timezone resolves.
func (s Schedule) Validate() error {
	if _, err := s.location(); err != nil {
		return fmt.Errorf("%w: timezone %q", ErrInvalidSchedule, s.Timezone)
	}
	for _, r := range s.Ranges {
		if _, err := parseClock(r.Start); err != nil {
			return fmt.Errorf("%w: start %q", ErrInvalidSchedule, r.Start)
		}
		if _, err := parseClock(r.End); err != nil {
			return fmt.Errorf("%w: end %q", ErrInvalidSchedule, r.End)
		}
	}
	for _, d := range s.Days {
		if d < time.Sunday || d > time.Saturday {
			return fmt.Errorf("%w: weekday %d", ErrInvalidSchedule, d)
		}
	}
	if s.ValidUntil != nil && !s.ValidFrom.IsZero() && !s.ValidUntil.After(s.ValidFrom) {
		return fmt.Errorf("%w: valid_until before valid_from", ErrInvalidSchedule)
	}
	return nil
}

// Covers reports whether t satisfies the schedule: inside
// [ValidFrom, ValidUntil), weekday allowed, and local time-of-day inside at
// least one range (no ranges means the whole day).
func (s Schedule) Covers(t time.Time) (bool, error) {
	if !s.ValidFrom.IsZero() && t.Before(s.ValidFrom) {
		return false, nil
	}
	if s.ValidUntil != nil && !t.Before(*s.ValidUntil) {
		return false, nil
	}

	loc, err := s.location()
	if err != nil {
		return false, fmt.Errorf("schedule: timezone %q: %w", s.Timezone, err)
	}
	local := t.In(loc)

	if len(s.Days) > 0 {
		allowed := false
		for _, d := range s.Days {
			if local.Weekday() == d {
				allowed = true
				break
			}
		}
		if !allowed {
			return false, nil
		}
	}

	if len(s.Ranges) == 0 {
		return true, nil
	}
	minute := local.Hour()*60 + local.Minute()
	for _, r := range s.Ranges {
		start, err := parseClock(r.Start)
		if err != nil {
			return false, fmt.Errorf("schedule: range start %q: %w", r.Start, err)
		}
		end, err := parseClock(r.End)
		if err != nil {
			return false, fmt.Errorf("schedule: range end %q: %w", r.End, err)
		}
		if start <= end {
			if minute >= start && minute < end {
				return true, nil
			}
			continue
		}
		// Wrapped range, e.g. 22:00-06:00.
		if minute >= start || minute < end {
			return true, nil
		}
	}
	return false, nil
}

func (s Schedule) location() (*time.Location, error) {
	if s.Timezone == "" {
		return time.UTC, nil
	}
	return time.LoadLocation(s.Timezone)
}

// parseClock converts "HH:MM" to minutes since midnight.
func parseClock(v string) (int, error) {
	parsed, err := time.Parse("15:04", v)
	if err != nil {
		return 0, err
	}
	return parsed.Hour()*60 + parsed.Minute(), nil
}
