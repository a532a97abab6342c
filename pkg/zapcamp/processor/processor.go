// Package processor runs the polling loop that turns due queue entries
// into replies. Each tick it lists due entries, tries to claim each one
// under its own lease, invokes generation on success, then completes the
// entry and hands it to the dispatch scheduler. Losing a claim to another
// worker is expected and silently skipped; everything else that goes wrong
// for one entry is routed through Fail and never aborts the rest of the
// tick.
package processor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/zapcamp/zapcamp/pkg/zapcamp/dispatch"
	"github.com/zapcamp/zapcamp/pkg/zapcamp/generation"
	"github.com/zapcamp/zapcamp/pkg/zapcamp/queue"
)

// Config holds processor loop configuration.
type Config struct {
	// PollInterval is how often the loop checks for due entries.
	PollInterval time.Duration `yaml:"poll_interval"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{PollInterval: 5 * time.Second}
}

// Processor claims due entries and generates their replies.
type Processor struct {
	cfg        Config
	store      queue.Store
	generator  generation.Generator
	dispatcher *dispatch.Scheduler
	logger     *slog.Logger

	// ownerID identifies this worker's leases across processes.
	ownerID string

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// New creates a Processor with a fresh owner identity.
func New(cfg Config, store queue.Store, gen generation.Generator, dispatcher *dispatch.Scheduler, logger *slog.Logger) *Processor {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	ownerID := uuid.New().String()[:8]
	return &Processor{
		cfg:        cfg,
		store:      store,
		generator:  gen,
		dispatcher: dispatcher,
		logger:     logger.With("component", "processor", "owner", ownerID),
		ownerID:    ownerID,
	}
}

// OwnerID returns this worker's lease identity.
func (p *Processor) OwnerID() string {
	return p.ownerID
}

// Start launches the polling loop.
func (p *Processor) Start(ctx context.Context) {
	ctx, p.cancel = context.WithCancel(ctx)
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		ticker := time.NewTicker(p.cfg.PollInterval)
		defer ticker.Stop()

		p.logger.Info("processor started", "poll_interval", p.cfg.PollInterval)
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				p.tick(ctx)
			}
		}
	}()
}

// Stop cancels the loop and waits for the current tick to finish.
func (p *Processor) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()
	p.logger.Info("processor stopped")
}

// tick sweeps stranded entries, then processes every due entry once.
func (p *Processor) tick(ctx context.Context) {
	p.rescheduleStranded(ctx)

	now := time.Now()
	due, err := p.store.ListDue(ctx, now)
	if err != nil {
		p.logger.Error("list due entries failed", "error", err)
		return
	}

	for _, entry := range due {
		if ctx.Err() != nil {
			return
		}

		claimed, err := p.store.Claim(ctx, entry.ID, p.ownerID, now)
		if err != nil {
			p.logger.Error("claim failed", "entry_id", entry.ID, "error", err)
			continue
		}
		if !claimed {
			// Another owner has it. Expected under concurrent workers.
			continue
		}

		// Re-read after the claim so items appended between the listing
		// and the claim make it into the consolidated context.
		fresh, err := p.store.Get(ctx, entry.ID)
		if err != nil {
			p.logger.Error("reload claimed entry failed", "entry_id", entry.ID, "error", err)
			continue
		}

		p.process(ctx, fresh)
	}
}

// process generates and completes one claimed entry. Panics and errors are
// contained to the entry.
func (p *Processor) process(ctx context.Context, entry *queue.Entry) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("panic while processing entry",
				"entry_id", entry.ID, "panic", r)
			p.failEntry(ctx, entry.ID, fmt.Sprintf("panic: %v", r))
		}
	}()

	text := entry.ConsolidatedText()
	if text == "" {
		// Nothing substantive survived collection filters.
		p.failEntry(ctx, entry.ID, "empty consolidated payload")
		return
	}

	req := generation.Request{
		Conversation: entry.Key.String(),
		SenderName:   lastSenderName(entry),
		Text:         text,
	}

	reply, err := p.generator.Generate(ctx, req)
	if err != nil {
		p.failEntry(ctx, entry.ID, err.Error())
		return
	}
	if reply == "" {
		p.failEntry(ctx, entry.ID, "generation returned empty reply")
		return
	}

	if err := p.store.Complete(ctx, entry.ID, reply); err != nil {
		p.logger.Error("complete failed", "entry_id", entry.ID, "error", err)
		return
	}

	sendAt, err := p.dispatcher.Schedule(ctx, entry.ID)
	if err != nil {
		// The reply is stored; rescheduleStranded picks the entry up on the
		// next tick, so this is logged rather than failed.
		p.logger.Error("dispatch scheduling failed", "entry_id", entry.ID, "error", err)
		return
	}

	p.logger.Info("entry completed",
		"entry_id", entry.ID,
		"conversation", entry.Key.String(),
		"items", len(entry.Payload),
		"send_at", sendAt)
}

// rescheduleStranded gives completed entries without a send slot another
// scheduling attempt. An entry lands in that state only when dispatch
// scheduling failed after its reply was stored.
func (p *Processor) rescheduleStranded(ctx context.Context) {
	stranded, err := p.store.ListUnscheduled(ctx)
	if err != nil {
		p.logger.Error("list unscheduled entries failed", "error", err)
		return
	}

	for _, entry := range stranded {
		if ctx.Err() != nil {
			return
		}
		sendAt, err := p.dispatcher.Schedule(ctx, entry.ID)
		if err != nil {
			p.logger.Error("reschedule failed", "entry_id", entry.ID, "error", err)
			continue
		}
		p.logger.Info("stranded entry rescheduled", "entry_id", entry.ID, "send_at", sendAt)
	}
}

// failEntry routes a failure through the store and logs the outcome.
func (p *Processor) failEntry(ctx context.Context, entryID, reason string) {
	if err := p.store.Fail(ctx, entryID, reason); err != nil {
		p.logger.Error("fail transition failed", "entry_id", entryID, "error", err)
		return
	}
	p.logger.Warn("entry failed", "entry_id", entryID, "reason", reason)
}

// lastSenderName returns the most recent non-empty sender name in the
// payload.
func lastSenderName(entry *queue.Entry) string {
	for i := len(entry.Payload) - 1; i >= 0; i-- {
		if name := entry.Payload[i].SenderName; name != "" {
			return name
		}
	}
	return ""
}
