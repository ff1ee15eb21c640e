package workflow

import (
	"testing"
	"time"
)

func TestCronNextHonoursTimezone(t *testing.T) {
	sched, err := ParseCron("0 9 * * *", "Asia/Kolkata")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	// 03:00 UTC is 08:30 IST; the next 09:00 IST is 03:30 UTC the same day.
	from := time.Date(2025, 3, 1, 3, 0, 0, 0, time.UTC)
	next := sched.Next(from)
	want := time.Date(2025, 3, 1, 3, 30, 0, 0, time.UTC)
	if !next.Equal(want) {
		t.Fatalf("expected %s, got %s", want, next.UTC())
	}
	if again := sched.Next(next); !again.Equal(want.Add(24 * time.Hour)) {
		t.Fatalf("expected next day, got %s", again.UTC())
	}
}

func TestCronDefaultsToUTC(t *testing.T) {
	sched, err := ParseCron("@hourly", "")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if sched.Location != time.UTC {
		t.Fatalf("expected UTC, got %s", sched.Location)
	}
	next := sched.Next(time.Date(2025, 1, 1, 10, 15, 0, 0, time.UTC))
	if !next.Equal(time.Date(2025, 1, 1, 11, 0, 0, 0, time.UTC)) {
		t.Fatalf("unexpected next %s", next)
	}
}

func TestParseCronErrors(t *testing.T) {
	if _, err := ParseCron("", ""); err == nil {
		t.Fatalf("expected error for empty expression")
	}
	if _, err := ParseCron("61 * * * *", ""); err == nil {
		t.Fatalf("expected error for bad minute")
	}
	if _, err := ParseCron("@daily", "Nowhere/City"); err == nil {
		t.Fatalf("expected error for bad timezone")
	}
}
