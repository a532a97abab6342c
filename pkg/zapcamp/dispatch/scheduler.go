// Package dispatch computes one future send time per completed reply and
// persists it on the queue entry. It never sends anything itself — delivery
// belongs to the sender loop. Two rules shape the slot: the operating-hours
// policy, and global per-minute uniqueness across all conversations so a
// burst of completions does not collapse into one sending tick.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	"github.com/zapcamp/zapcamp/pkg/zapcamp/queue"
)

// maxSlotAttempts bounds the minute-by-minute search for a free slot.
// One day of minutes: if every minute for 24 hours is taken, something
// other than scheduling is wrong.
const maxSlotAttempts = 24 * 60

// Config holds dispatch scheduler configuration.
type Config struct {
	// Hours is the daily send window.
	Hours OperatingHours `yaml:"hours"`

	// BaseDelay is the pacing delay applied inside the window, simulating
	// human response latency.
	BaseDelay time.Duration `yaml:"base_delay"`

	// Jitter is the maximum +/- spread added to BaseDelay.
	Jitter time.Duration `yaml:"jitter"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Hours:     DefaultOperatingHours(),
		BaseDelay: 8 * time.Second,
		Jitter:    4 * time.Second,
	}
}

// Scheduler assigns send slots to completed entries.
type Scheduler struct {
	cfg    Config
	hours  *hoursPolicy
	store  queue.Store
	logger *slog.Logger
	rng    *rand.Rand

	// now is swappable for tests.
	now func() time.Time
}

// New creates a Scheduler. The operating hours are validated here so a
// misconfigured window fails at startup, not at the first completion.
func New(cfg Config, store queue.Store, logger *slog.Logger) (*Scheduler, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = 8 * time.Second
	}
	hours, err := parseHours(cfg.Hours)
	if err != nil {
		return nil, fmt.Errorf("dispatch: %w", err)
	}
	return &Scheduler{
		cfg:    cfg,
		hours:  hours,
		store:  store,
		logger: logger.With("component", "dispatch"),
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
		now:    time.Now,
	}, nil
}

// Schedule computes the entry's send time and persists it. Returns the
// chosen slot.
func (s *Scheduler) Schedule(ctx context.Context, entryID string) (time.Time, error) {
	candidate := s.candidate(s.now())

	occupied, err := s.store.ScheduledMinutes(ctx)
	if err != nil {
		return time.Time{}, fmt.Errorf("dispatch: load occupied minutes: %w", err)
	}

	// Advance minute by minute until the calendar minute is free. The
	// occupied map is only a fast path: the store's unique minute index is
	// the arbiter, so a slot another process grabbed between the read and
	// the write comes back as ErrSlotTaken and the search resumes from the
	// next minute. The sender processes sends serially per tick; distinct
	// minutes keep the pacing illusion intact when completions burst.
	sendAt := candidate
	for attempt := 0; attempt < maxSlotAttempts; attempt++ {
		minute := sendAt.UTC().Truncate(time.Minute)
		if occupied[minute] {
			sendAt = sendAt.Add(time.Minute)
			continue
		}

		err := s.store.Schedule(ctx, entryID, sendAt)
		if errors.Is(err, queue.ErrSlotTaken) {
			occupied[minute] = true
			sendAt = sendAt.Add(time.Minute)
			continue
		}
		if err != nil {
			return time.Time{}, fmt.Errorf("dispatch: persist slot for %s: %w", entryID, err)
		}

		s.logger.Debug("send slot assigned",
			"entry_id", entryID,
			"send_at", sendAt,
			"shifted", sendAt.Sub(candidate))
		return sendAt, nil
	}

	return time.Time{}, fmt.Errorf("dispatch: no free minute for %s within %d attempts", entryID, maxSlotAttempts)
}

// candidate computes the slot before uniqueness: now plus the jittered
// pacing delay inside the window, or the next window opening outside it.
func (s *Scheduler) candidate(now time.Time) time.Time {
	if s.hours.contains(now) {
		return now.Add(s.pacingDelay())
	}
	return s.hours.nextOpen(now)
}

// pacingDelay returns the base delay with +/- jitter applied.
func (s *Scheduler) pacingDelay() time.Duration {
	d := s.cfg.BaseDelay
	if s.cfg.Jitter > 0 {
		d += time.Duration(s.rng.Int63n(int64(2*s.cfg.Jitter))) - s.cfg.Jitter
	}
	if d < 0 {
		d = 0
	}
	return d
}
