// Package dispatch – hours.go implements the operating-hours policy:
// replies only go out inside a fixed daily window in the campaign's
// timezone.
package dispatch

import (
	"fmt"
	"time"
)

// OperatingHours is a fixed daily send window.
type OperatingHours struct {
	// Start is the window opening, "HH:MM" 24h format.
	Start string `yaml:"start"`

	// End is the window closing, "HH:MM" 24h format.
	End string `yaml:"end"`

	// Timezone is an IANA zone name (e.g. "America/Sao_Paulo").
	Timezone string `yaml:"timezone"`
}

// DefaultOperatingHours returns the 09:00–21:00 local window.
func DefaultOperatingHours() OperatingHours {
	return OperatingHours{
		Start:    "09:00",
		End:      "21:00",
		Timezone: "America/Sao_Paulo",
	}
}

// hoursPolicy is the parsed, usable form of OperatingHours.
type hoursPolicy struct {
	startMinute int // minutes since midnight
	endMinute   int
	loc         *time.Location
}

// parseHours validates and compiles the configuration.
func parseHours(cfg OperatingHours) (*hoursPolicy, error) {
	start, err := parseClock(cfg.Start)
	if err != nil {
		return nil, fmt.Errorf("operating hours start %q: %w", cfg.Start, err)
	}
	end, err := parseClock(cfg.End)
	if err != nil {
		return nil, fmt.Errorf("operating hours end %q: %w", cfg.End, err)
	}
	if end <= start {
		return nil, fmt.Errorf("operating hours end %q must be after start %q", cfg.End, cfg.Start)
	}

	loc := time.Local
	if cfg.Timezone != "" {
		loc, err = time.LoadLocation(cfg.Timezone)
		if err != nil {
			return nil, fmt.Errorf("operating hours timezone %q: %w", cfg.Timezone, err)
		}
	}
	return &hoursPolicy{startMinute: start, endMinute: end, loc: loc}, nil
}

// parseClock converts "HH:MM" to minutes since midnight.
func parseClock(s string) (int, error) {
	var h, m int
	if _, err := fmt.Sscanf(s, "%d:%d", &h, &m); err != nil {
		return 0, fmt.Errorf("expected HH:MM: %w", err)
	}
	if h < 0 || h > 23 || m < 0 || m > 59 {
		return 0, fmt.Errorf("clock value out of range")
	}
	return h*60 + m, nil
}

// contains reports whether t falls inside the daily window.
func (p *hoursPolicy) contains(t time.Time) bool {
	local := t.In(p.loc)
	minute := local.Hour()*60 + local.Minute()
	return minute >= p.startMinute && minute < p.endMinute
}

// nextOpen returns the window's start on the next eligible day (today if
// the window has not opened yet, tomorrow otherwise).
func (p *hoursPolicy) nextOpen(t time.Time) time.Time {
	local := t.In(p.loc)
	open := time.Date(local.Year(), local.Month(), local.Day(),
		p.startMinute/60, p.startMinute%60, 0, 0, p.loc)
	if !local.Before(open) {
		open = open.AddDate(0, 0, 1)
	}
	return open
}
