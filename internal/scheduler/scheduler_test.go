package scheduler

import (
	"testing"
	"time"

	"github.com/wpbackup/fleet/internal/models"
)

func TestNextRunManualReturnsNil(t *testing.T) {
	site := &models.Site{ScheduleFrequency: models.FrequencyManual}
	if got := NextRun(site, time.Now()); got != nil {
		t.Fatalf("NextRun for a manual schedule = %v, want nil", got)
	}
}

func TestNextRunDailyRollsToTomorrowPastTimeOfDay(t *testing.T) {
	site := &models.Site{
		ScheduleFrequency: models.FrequencyDaily,
		ScheduleTimeOfDay: "02:00",
		Timezone:          "UTC",
	}
	// 03:00 UTC is already past today's 02:00 slot, so the next run must land tomorrow.
	after := time.Date(2026, 8, 6, 3, 0, 0, 0, time.UTC)
	got := NextRun(site, after)
	if got == nil {
		t.Fatalf("NextRun: got nil")
	}
	want := time.Date(2026, 8, 7, 2, 0, 0, 0, time.UTC)
	if !got.Equal(want) {
		t.Fatalf("NextRun = %v, want %v", got, want)
	}
}

func TestNextRunDailySameDayBeforeTimeOfDay(t *testing.T) {
	site := &models.Site{
		ScheduleFrequency: models.FrequencyDaily,
		ScheduleTimeOfDay: "14:00",
		Timezone:          "UTC",
	}
	after := time.Date(2026, 8, 6, 3, 0, 0, 0, time.UTC)
	got := NextRun(site, after)
	want := time.Date(2026, 8, 6, 14, 0, 0, 0, time.UTC)
	if !got.Equal(want) {
		t.Fatalf("NextRun = %v, want %v", got, want)
	}
}

func TestNextRunWeeklyPicksNearestMaskedDay(t *testing.T) {
	site := &models.Site{
		ScheduleFrequency: models.FrequencyWeekly,
		ScheduleTimeOfDay: "02:00",
		ScheduleDayMask:   "1,3", // Monday, Wednesday
		Timezone:          "UTC",
	}
	// 2026-08-06 is a Thursday; the next Monday is 2026-08-10.
	after := time.Date(2026, 8, 6, 12, 0, 0, 0, time.UTC)
	got := NextRun(site, after)
	if got == nil {
		t.Fatalf("NextRun: got nil")
	}
	if got.Weekday() != time.Monday {
		t.Fatalf("NextRun weekday = %v, want Monday", got.Weekday())
	}
	want := time.Date(2026, 8, 10, 2, 0, 0, 0, time.UTC)
	if !got.Equal(want) {
		t.Fatalf("NextRun = %v, want %v", got, want)
	}
}

func TestNextRunMonthlyPicksNearestDayOfMonth(t *testing.T) {
	site := &models.Site{
		ScheduleFrequency: models.FrequencyMonthly,
		ScheduleTimeOfDay: "02:00",
		ScheduleDayMask:   "1,15",
		Timezone:          "UTC",
	}
	after := time.Date(2026, 8, 6, 12, 0, 0, 0, time.UTC)
	got := NextRun(site, after)
	want := time.Date(2026, 8, 15, 2, 0, 0, 0, time.UTC)
	if !got.Equal(want) {
		t.Fatalf("NextRun = %v, want %v", got, want)
	}
}

func TestParseTimeOfDayDefaultsOnGarbage(t *testing.T) {
	hour, minute := parseTimeOfDay("not-a-time")
	if hour != 2 || minute != 0 {
		t.Fatalf("parseTimeOfDay(garbage) = %d:%d, want default 2:0", hour, minute)
	}
	hour, minute = parseTimeOfDay("23:45")
	if hour != 23 || minute != 45 {
		t.Fatalf("parseTimeOfDay(23:45) = %d:%d, want 23:45", hour, minute)
	}
}

func TestParseDayMask(t *testing.T) {
	got := parseDayMask(" 1, 3,5 ")
	want := []int{1, 3, 5}
	if len(got) != len(want) {
		t.Fatalf("parseDayMask = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("parseDayMask = %v, want %v", got, want)
		}
	}
	if parseDayMask("") != nil {
		t.Fatalf("parseDayMask(\"\") should be nil")
	}
}

func TestSiteLocationFallsBackOnUnknownZone(t *testing.T) {
	loc := siteLocation("Not/A/Real/Zone")
	if loc == nil {
		t.Fatalf("siteLocation: got nil")
	}
	_, offset := time.Now().In(loc).Zone()
	if offset != 2*60*60 {
		t.Fatalf("fallback zone offset = %d, want 7200 (Africa/Harare, UTC+2)", offset)
	}
}
