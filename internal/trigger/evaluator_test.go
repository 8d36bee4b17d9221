package trigger

import (
	"testing"
	"time"

	"procman/internal/job"
)

func mustZone(t *testing.T, name string) *time.Location {
	t.Helper()
	loc, err := time.LoadLocation(name)
	if err != nil {
		t.Skipf("tz database unavailable: %v", err)
	}
	return loc
}

// A task with start 00:45 and freq 1h must fire at 00:45, 01:45, 02:45
// within a three hour window starting at midnight, and not again until the
// next day's 00:45.
func TestDayScopedRecurrence(t *testing.T) {
	t.Parallel()
	utc := time.UTC
	sp := &job.Spec{
		Name:      "hourly",
		Kind:      job.KindTask,
		Command:   []string{"/bin/true"},
		Start:     &job.TimeOfDay{Hour: 0, Minute: 45, Loc: utc},
		Frequency: time.Hour,
	}
	e := New()

	day := time.Date(2024, 6, 10, 0, 0, 0, 0, utc)
	var fired []time.Time
	cursor := day
	for i := 0; i < 4; i++ {
		next := e.Next(sp, cursor)
		fired = append(fired, next)
		cursor = next
	}

	want := []time.Time{
		day.Add(45 * time.Minute),
		day.Add(time.Hour + 45*time.Minute),
		day.Add(2*time.Hour + 45*time.Minute),
	}
	for i, w := range want {
		if !fired[i].Equal(w) {
			t.Fatalf("occurrence %d = %v, want %v", i, fired[i], w)
		}
	}
	// Within the 3h observation window nothing after 02:45 fires; the fourth
	// occurrence continues the same day's hourly cadence.
	if fired[3].Day() != day.Day() || fired[3].Hour() != 3 || fired[3].Minute() != 45 {
		t.Fatalf("fourth occurrence = %v, want 03:45 same day", fired[3])
	}
}

// Recurrence is day-scoped: the 23:45 occurrence is the day's last; the
// next one is the following day's 00:45, not 00:45 + accumulated drift.
func TestRecurrenceRearmsAtMidnight(t *testing.T) {
	t.Parallel()
	utc := time.UTC
	sp := &job.Spec{
		Name:      "hourly",
		Kind:      job.KindTask,
		Command:   []string{"/bin/true"},
		Start:     &job.TimeOfDay{Hour: 0, Minute: 45, Loc: utc},
		Frequency: time.Hour,
	}
	e := New()

	lastSlot := time.Date(2024, 6, 10, 23, 45, 0, 0, utc)
	next := e.Next(sp, lastSlot)
	want := time.Date(2024, 6, 11, 0, 45, 0, 0, utc)
	if !next.Equal(want) {
		t.Fatalf("Next after last slot = %v, want %v", next, want)
	}
}

func TestStartOnlyFiresOncePerDay(t *testing.T) {
	t.Parallel()
	utc := time.UTC
	sp := &job.Spec{
		Name:    "nightly",
		Kind:    job.KindTask,
		Command: []string{"/bin/true"},
		Start:   &job.TimeOfDay{Hour: 2, Minute: 0, Loc: utc},
	}
	e := New()

	before := time.Date(2024, 6, 10, 1, 0, 0, 0, utc)
	first := e.Next(sp, before)
	if !first.Equal(time.Date(2024, 6, 10, 2, 0, 0, 0, utc)) {
		t.Fatalf("first = %v", first)
	}
	// Duplicate ticks inside the same period advance past the fired slot.
	second := e.Next(sp, first)
	if !second.Equal(time.Date(2024, 6, 11, 2, 0, 0, 0, utc)) {
		t.Fatalf("second = %v, want next day", second)
	}
}

func TestDayOfWeekWindow(t *testing.T) {
	t.Parallel()
	utc := time.UTC
	sp := &job.Spec{
		Name:    "weekly",
		Kind:    job.KindTask,
		Command: []string{"/bin/true"},
		Start:   &job.TimeOfDay{Hour: 6, Minute: 0, Loc: utc},
		Days:    []time.Weekday{time.Monday},
	}
	e := New()

	// 2024-06-10 is a Monday.
	tuesday := time.Date(2024, 6, 11, 12, 0, 0, 0, utc)
	next := e.Next(sp, tuesday)
	if next.Weekday() != time.Monday {
		t.Fatalf("next = %v (%v), want a Monday", next, next.Weekday())
	}
	if !next.Equal(time.Date(2024, 6, 17, 6, 0, 0, 0, utc)) {
		t.Fatalf("next = %v, want 2024-06-17 06:00", next)
	}
}

func TestNoClockTriggerNeverDue(t *testing.T) {
	t.Parallel()
	sp := &job.Spec{Name: "dep-only", Kind: job.KindTask, Command: []string{"/bin/true"}}
	e := New()
	if next := e.Next(sp, time.Now()); !next.IsZero() {
		t.Fatalf("dependency-only task must never be clock-due, got %v", next)
	}
}

func TestCronTrigger(t *testing.T) {
	t.Parallel()
	sp := &job.Spec{
		Name:    "cronjob",
		Kind:    job.KindTask,
		Command: []string{"/bin/true"},
		Cron:    "*/15 * * * *",
	}
	e := New()
	after := time.Date(2024, 6, 10, 10, 7, 0, 0, time.UTC)
	next := e.Next(sp, after)
	if next.Minute() != 15 || next.Hour() != 10 {
		t.Fatalf("cron next = %v, want 10:15", next)
	}
}

func TestTimezoneEvaluation(t *testing.T) {
	t.Parallel()
	la := mustZone(t, "America/Los_Angeles")
	sp := &job.Spec{
		Name:    "pst-job",
		Kind:    job.KindTask,
		Command: []string{"/bin/true"},
		Start:   &job.TimeOfDay{Hour: 9, Minute: 0, Loc: la},
	}
	e := New()

	// 15:00 UTC on 2024-06-10 is 08:00 in Los Angeles; the job is still
	// ahead on that same local day.
	after := time.Date(2024, 6, 10, 15, 0, 0, 0, time.UTC)
	next := e.Next(sp, after)
	if got := next.In(la); got.Hour() != 9 || got.Day() != 10 {
		t.Fatalf("next in LA = %v, want 09:00 on the 10th", got)
	}
}

func TestInWindow(t *testing.T) {
	t.Parallel()
	utc := time.UTC
	day := &job.Spec{
		Name:    "day",
		Kind:    job.KindProgram,
		Command: []string{"/bin/sleep", "60"},
		Start:   &job.TimeOfDay{Hour: 9, Minute: 0, Loc: utc},
		End:     &job.TimeOfDay{Hour: 17, Minute: 0, Loc: utc},
	}
	if !InWindow(day, time.Date(2024, 6, 10, 12, 0, 0, 0, utc)) {
		t.Fatal("noon should be inside 09:00-17:00")
	}
	if InWindow(day, time.Date(2024, 6, 10, 18, 0, 0, 0, utc)) {
		t.Fatal("18:00 should be outside 09:00-17:00")
	}

	night := &job.Spec{
		Name:    "night",
		Kind:    job.KindProgram,
		Command: []string{"/bin/sleep", "60"},
		Start:   &job.TimeOfDay{Hour: 22, Minute: 0, Loc: utc},
		End:     &job.TimeOfDay{Hour: 6, Minute: 0, Loc: utc},
	}
	if !InWindow(night, time.Date(2024, 6, 10, 23, 0, 0, 0, utc)) {
		t.Fatal("23:00 should be inside the overnight window")
	}
	if !InWindow(night, time.Date(2024, 6, 10, 3, 0, 0, 0, utc)) {
		t.Fatal("03:00 should be inside the overnight window")
	}
	if InWindow(night, time.Date(2024, 6, 10, 12, 0, 0, 0, utc)) {
		t.Fatal("noon should be outside the overnight window")
	}

	always := &job.Spec{Name: "always", Kind: job.KindProgram, Command: []string{"x"}}
	if !InWindow(always, time.Now()) {
		t.Fatal("program without a window is always in window")
	}
}
