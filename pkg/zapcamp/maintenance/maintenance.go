// Package maintenance runs the periodic housekeeping jobs around the
// queue: retention purge of delivered entries and an hourly queue-depth
// report. Jobs are cron-scheduled and never touch queue semantics — the
// loops own those.
package maintenance

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/zapcamp/zapcamp/pkg/zapcamp/queue"
)

// Config holds maintenance configuration.
type Config struct {
	// Retention is how long sent entries are kept before the daily purge
	// removes them.
	Retention time.Duration `yaml:"retention"`

	// PurgeSchedule is the cron expression for the retention purge.
	PurgeSchedule string `yaml:"purge_schedule"`

	// ReportSchedule is the cron expression for the queue-depth report.
	ReportSchedule string `yaml:"report_schedule"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Retention:      30 * 24 * time.Hour,
		PurgeSchedule:  "30 3 * * *",
		ReportSchedule: "@hourly",
	}
}

// Service owns the cron runner.
type Service struct {
	cfg    Config
	store  queue.Store
	logger *slog.Logger
	cron   *cron.Cron
}

// New creates the maintenance service.
func New(cfg Config, store queue.Store, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Retention <= 0 {
		cfg.Retention = 30 * 24 * time.Hour
	}
	if cfg.PurgeSchedule == "" {
		cfg.PurgeSchedule = "30 3 * * *"
	}
	if cfg.ReportSchedule == "" {
		cfg.ReportSchedule = "@hourly"
	}
	return &Service{
		cfg:    cfg,
		store:  store,
		logger: logger.With("component", "maintenance"),
		cron:   cron.New(),
	}
}

// Start registers the jobs and launches the cron runner.
func (s *Service) Start(ctx context.Context) error {
	if _, err := s.cron.AddFunc(s.cfg.PurgeSchedule, func() { s.purge(ctx) }); err != nil {
		return fmt.Errorf("maintenance: purge schedule %q: %w", s.cfg.PurgeSchedule, err)
	}
	if _, err := s.cron.AddFunc(s.cfg.ReportSchedule, func() { s.report(ctx) }); err != nil {
		return fmt.Errorf("maintenance: report schedule %q: %w", s.cfg.ReportSchedule, err)
	}
	s.cron.Start()
	s.logger.Info("maintenance started",
		"retention", s.cfg.Retention,
		"purge_schedule", s.cfg.PurgeSchedule)
	return nil
}

// Stop halts the cron runner and waits for running jobs.
func (s *Service) Stop() {
	stopCtx := s.cron.Stop()
	<-stopCtx.Done()
	s.logger.Info("maintenance stopped")
}

// purge removes sent entries older than the retention window.
func (s *Service) purge(ctx context.Context) {
	cutoff := time.Now().Add(-s.cfg.Retention)
	n, err := s.store.PurgeSentBefore(ctx, cutoff)
	if err != nil {
		s.logger.Error("retention purge failed", "error", err)
		return
	}
	s.logger.Info("retention purge finished", "removed", n, "cutoff", cutoff)
}

// report logs queue depth per interesting status.
func (s *Service) report(ctx context.Context) {
	counts := map[queue.Status]int{}
	for _, st := range []queue.Status{queue.StatusCollecting, queue.StatusReady,
		queue.StatusProcessing, queue.StatusCompleted, queue.StatusFailed} {
		entries, err := s.store.List(ctx, []queue.Status{st}, 0)
		if err != nil {
			s.logger.Error("queue report failed", "status", st, "error", err)
			return
		}
		counts[st] = len(entries)
	}
	s.logger.Info("queue depth",
		"collecting", counts[queue.StatusCollecting],
		"ready", counts[queue.StatusReady],
		"processing", counts[queue.StatusProcessing],
		"completed", counts[queue.StatusCompleted],
		"failed", counts[queue.StatusFailed])
}
