// Package sender runs the polling loop that delivers completed replies.
// This is the only place in the system allowed to touch the outbound
// transport: the processor never sends directly, which is what eliminates
// duplicate-send races between code paths. Each reply is split into paced
// chunks and sent strictly in order, with a composing indicator and a
// typing-speed delay between chunks.
package sender

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/zapcamp/zapcamp/pkg/zapcamp/channels"
	"github.com/zapcamp/zapcamp/pkg/zapcamp/chunker"
	"github.com/zapcamp/zapcamp/pkg/zapcamp/queue"
)

// Config holds sender loop configuration.
type Config struct {
	// PollInterval is how often the loop checks for sendable entries.
	PollInterval time.Duration `yaml:"poll_interval"`

	// ComposingDelay is the pause while the composing indicator shows,
	// before each chunk goes out.
	ComposingDelay time.Duration `yaml:"composing_delay"`

	// InterChunkDelay is the pause between chunks (none after the last).
	InterChunkDelay time.Duration `yaml:"inter_chunk_delay"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		PollInterval:    5 * time.Second,
		ComposingDelay:  1500 * time.Millisecond,
		InterChunkDelay: 2 * time.Second,
	}
}

// Sender delivers scheduled replies through the transport manager.
type Sender struct {
	cfg      Config
	store    queue.Store
	manager  *channels.Manager
	splitter *chunker.Chunker
	logger   *slog.Logger

	// sleep is swappable for tests.
	sleep func(ctx context.Context, d time.Duration) error

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// New creates a Sender.
func New(cfg Config, store queue.Store, manager *channels.Manager, splitter *chunker.Chunker, logger *slog.Logger) *Sender {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	if cfg.InterChunkDelay <= 0 {
		cfg.InterChunkDelay = 2 * time.Second
	}
	if splitter == nil {
		splitter = chunker.New()
	}
	return &Sender{
		cfg:      cfg,
		store:    store,
		manager:  manager,
		splitter: splitter,
		logger:   logger.With("component", "sender"),
		sleep:    sleepCtx,
	}
}

// Start launches the polling loop.
func (s *Sender) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.cfg.PollInterval)
		defer ticker.Stop()

		s.logger.Info("sender started", "poll_interval", s.cfg.PollInterval)
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.tick(ctx)
			}
		}
	}()
}

// Stop cancels the loop and waits for an in-flight delivery to finish.
func (s *Sender) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.logger.Info("sender stopped")
}

// tick delivers every entry whose send slot has arrived, serially.
func (s *Sender) tick(ctx context.Context) {
	sendable, err := s.store.ListSendable(ctx, time.Now())
	if err != nil {
		s.logger.Error("list sendable entries failed", "error", err)
		return
	}

	for _, entry := range sendable {
		if ctx.Err() != nil {
			return
		}
		if err := s.deliver(ctx, entry); err != nil {
			// Leave the entry completed/unsent; the next tick retries the
			// whole reply. Duplicate chunks on retry are the accepted
			// tradeoff over tracking per-chunk delivery state.
			s.logger.Warn("delivery failed, will retry",
				"entry_id", entry.ID,
				"conversation", entry.Key.String(),
				"error", err)
			continue
		}
	}
}

// deliver sends one reply as a paced chunk sequence and marks the entry
// sent on full success.
func (s *Sender) deliver(ctx context.Context, entry *queue.Entry) error {
	transport, err := s.manager.ForEndpoint(entry.Key)
	if err != nil {
		return err
	}

	chunks := s.splitter.SplitPaced(entry.Reply)
	if len(chunks) == 0 {
		// An empty reply slipped through; nothing to deliver, but the
		// entry must not spin forever.
		s.logger.Warn("empty reply on sendable entry", "entry_id", entry.ID)
		return s.store.MarkSent(ctx, entry.ID, time.Now())
	}

	for i, chunk := range chunks {
		if err := transport.StartComposing(ctx, entry.Key); err != nil {
			s.logger.Debug("composing indicator failed",
				"entry_id", entry.ID, "error", err)
		}
		if err := s.sleep(ctx, s.cfg.ComposingDelay); err != nil {
			return err
		}

		if err := transport.SendChunk(ctx, entry.Key, chunk); err != nil {
			_ = transport.StopComposing(ctx, entry.Key)
			return err
		}

		if i < len(chunks)-1 {
			if err := s.sleep(ctx, s.cfg.InterChunkDelay); err != nil {
				return err
			}
		}
	}
	_ = transport.StopComposing(ctx, entry.Key)

	if err := s.store.MarkSent(ctx, entry.ID, time.Now()); err != nil {
		return err
	}

	s.logger.Info("reply delivered",
		"entry_id", entry.ID,
		"conversation", entry.Key.String(),
		"chunks", len(chunks))
	return nil
}

// sleepCtx waits for the duration unless the context is cancelled first.
func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
