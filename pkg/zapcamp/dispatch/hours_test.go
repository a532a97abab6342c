package dispatch

import (
	"testing"
	"time"
)

func mustParseHours(t *testing.T, start, end, tz string) *hoursPolicy {
	t.Helper()
	p, err := parseHours(OperatingHours{Start: start, End: end, Timezone: tz})
	if err != nil {
		t.Fatalf("parse hours: %v", err)
	}
	return p
}

func TestParseHours(t *testing.T) {
	t.Run("valid window", func(t *testing.T) {
		p := mustParseHours(t, "09:00", "21:00", "America/Sao_Paulo")
		if p.startMinute != 9*60 || p.endMinute != 21*60 {
			t.Errorf("minutes = %d..%d", p.startMinute, p.endMinute)
		}
	})

	invalid := []OperatingHours{
		{Start: "morning", End: "21:00"},
		{Start: "09:00", End: "25:00"},
		{Start: "09:61", End: "21:00"},
		{Start: "21:00", End: "09:00"},
		{Start: "09:00", End: "09:00"},
		{Start: "09:00", End: "21:00", Timezone: "Mars/Olympus"},
	}
	for _, cfg := range invalid {
		if _, err := parseHours(cfg); err == nil {
			t.Errorf("expected error for %+v", cfg)
		}
	}
}

func TestHoursContains(t *testing.T) {
	p := mustParseHours(t, "09:00", "21:00", "UTC")

	cases := []struct {
		clock string
		want  bool
	}{
		{"08:59", false},
		{"09:00", true},
		{"12:30", true},
		{"20:59", true},
		{"21:00", false},
		{"23:45", false},
		{"00:10", false},
	}
	for _, tc := range cases {
		at, _ := time.Parse("2006-01-02 15:04", "2026-03-10 "+tc.clock)
		if got := p.contains(at); got != tc.want {
			t.Errorf("contains(%s) = %v, want %v", tc.clock, got, tc.want)
		}
	}
}

func TestHoursContainsRespectsTimezone(t *testing.T) {
	p := mustParseHours(t, "09:00", "21:00", "America/Sao_Paulo")

	// Midnight UTC is 21:00 in São Paulo (UTC-3) — just outside the window.
	atMidnightUTC := time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC)
	if p.contains(atMidnightUTC) {
		t.Error("21:00 local should be outside the window")
	}

	// 15:00 UTC is 12:00 local — inside.
	atNoonLocal := time.Date(2026, 3, 10, 15, 0, 0, 0, time.UTC)
	if !p.contains(atNoonLocal) {
		t.Error("12:00 local should be inside the window")
	}
}

func TestNextOpen(t *testing.T) {
	p := mustParseHours(t, "09:00", "21:00", "UTC")

	t.Run("before opening rolls to today", func(t *testing.T) {
		at := time.Date(2026, 3, 10, 7, 30, 0, 0, time.UTC)
		open := p.nextOpen(at)
		want := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
		if !open.Equal(want) {
			t.Errorf("nextOpen = %s, want %s", open, want)
		}
	})

	t.Run("after closing rolls to tomorrow", func(t *testing.T) {
		at := time.Date(2026, 3, 10, 22, 15, 0, 0, time.UTC)
		open := p.nextOpen(at)
		want := time.Date(2026, 3, 11, 9, 0, 0, 0, time.UTC)
		if !open.Equal(want) {
			t.Errorf("nextOpen = %s, want %s", open, want)
		}
	})

	t.Run("inside the window rolls to tomorrow", func(t *testing.T) {
		at := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
		open := p.nextOpen(at)
		want := time.Date(2026, 3, 11, 9, 0, 0, 0, time.UTC)
		if !open.Equal(want) {
			t.Errorf("nextOpen = %s, want %s", open, want)
		}
	})
}
