package schedule

import (
	"testing"
	"time"
)

func mustCover(t *testing.T, s Schedule, at time.Time, want bool) {
	t.Helper()
	got, err := s.Covers(at)
	if err != nil {
		t.Fatalf("covers(%s): %v", at, err)
	}
	if got != want {
		t.Fatalf("covers(%s): expected %v, got %v", at, want, got)
	}
}

func TestCoversMidnightWrap(t *testing.T) {
	s := Schedule{Ranges: []TimeRange{{Start: "22:00", End: "06:00"}}}

	day := time.Date(2025, 7, 14, 0, 0, 0, 0, time.UTC)
	mustCover(t, s, day.Add(23*time.Hour+30*time.Minute), true) // 23:30
	mustCover(t, s, day.Add(2*time.Hour), true)                 // 02:00
	mustCover(t, s, day.Add(12*time.Hour), false)               // 12:00
	mustCover(t, s, day.Add(6*time.Hour), false)                // 06:00, end-exclusive
	mustCover(t, s, day.Add(22*time.Hour), true)                // 22:00, start-inclusive
}

func TestCoversBusinessHoursNewYork(t *testing.T) {
	s := Schedule{
		Days:     []time.Weekday{time.Monday, time.Tuesday, time.Wednesday, time.Thursday, time.Friday},
		Ranges:   []TimeRange{{Start: "09:00", End: "17:00"}},
		Timezone: "America/New_York",
	}

	// 2025-07-31T20:00:00Z is Thursday 16:00 in New York.
	mustCover(t, s, time.Date(2025, 7, 31, 20, 0, 0, 0, time.UTC), true)
	// 2025-08-02T15:00:00Z is a Saturday.
	mustCover(t, s, time.Date(2025, 8, 2, 15, 0, 0, 0, time.UTC), false)
	// Thursday 18:00 local is outside the daily range.
	mustCover(t, s, time.Date(2025, 7, 31, 22, 0, 0, 0, time.UTC), false)
}

func TestCoversValidityWindow(t *testing.T) {
	until := time.Date(2025, 2, 1, 0, 0, 0, 0, time.UTC)
	s := Schedule{
		ValidFrom:  time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
		ValidUntil: &until,
	}

	mustCover(t, s, time.Date(2024, 12, 31, 23, 0, 0, 0, time.UTC), false)
	mustCover(t, s, time.Date(2025, 1, 15, 12, 0, 0, 0, time.UTC), true)
	// validUntil is exclusive.
	mustCover(t, s, until, false)
	mustCover(t, s, until.Add(time.Hour), false)
}

func TestCoversEmptyScheduleIsAlwaysOn(t *testing.T) {
	mustCover(t, Schedule{}, time.Date(2025, 6, 1, 3, 14, 0, 0, time.UTC), true)
}

func TestCoversMissingTimezoneDefaultsToUTC(t *testing.T) {
	s := Schedule{Ranges: []TimeRange{{Start: "09:00", End: "17:00"}}}
	// 10:00 UTC would be outside the window in UTC+8; default must be UTC.
	mustCover(t, s, time.Date(2025, 3, 3, 10, 0, 0, 0, time.UTC), true)
}

func TestValidate(t *testing.T) {
	bad := Schedule{Ranges: []TimeRange{{Start: "25:00", End: "06:00"}}}
	if err := bad.Validate(); err == nil {
		t.Fatal("expected error for bad clock value")
	}
	bad = Schedule{Timezone: "Mars/Olympus_Mons"}
	if err := bad.Validate(); err == nil {
		t.Fatal("expected error for unknown timezone")
	}
	ok := Schedule{
		Days:     []time.Weekday{time.Monday},
		Ranges:   []TimeRange{{Start: "22:00", End: "06:00"}},
		Timezone: "Asia/Jakarta",
	}
	if err := ok.Validate(); err != nil {
		t.Fatalf("valid schedule rejected: %v", err)
	}
}
