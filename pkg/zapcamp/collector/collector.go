// Package collector receives normalized inbound events and buffers them
// into the queue. It runs on the event path and must return immediately
// after appending — generation and delivery never block the inbound
// acknowledgment. The collector never decides readiness; that is window
// expiry, checked later by the processor loop.
package collector

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode"

	"github.com/zapcamp/zapcamp/pkg/zapcamp/channels"
	"github.com/zapcamp/zapcamp/pkg/zapcamp/queue"
)

// Config holds collector configuration.
type Config struct {
	// Window is the collection period opened by the first item of a
	// burst. Minimum 30 seconds.
	Window time.Duration `yaml:"window"`

	// BufferGroups enables buffering group conversations. Off by default:
	// group chatter would open a window per group message.
	BufferGroups bool `yaml:"buffer_groups"`

	// DedupTTL is how long event IDs are remembered for webhook
	// de-duplication.
	DedupTTL time.Duration `yaml:"dedup_ttl"`

	// DedupMaxEntries caps the de-duplication cache size.
	DedupMaxEntries int `yaml:"dedup_max_entries"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Window:          30 * time.Second,
		BufferGroups:    false,
		DedupTTL:        10 * time.Minute,
		DedupMaxEntries: 4096,
	}
}

// Collector buffers inbound events into queue entries.
type Collector struct {
	cfg    Config
	store  queue.Store
	seen   *SeenCache
	logger *slog.Logger
}

// New creates a Collector. The seen cache is injected so its lifecycle
// (startup construction, periodic sweep) stays with the caller.
func New(cfg Config, store queue.Store, seen *SeenCache, logger *slog.Logger) *Collector {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Window < 30*time.Second {
		cfg.Window = 30 * time.Second
	}
	return &Collector{
		cfg:    cfg,
		store:  store,
		seen:   seen,
		logger: logger.With("component", "collector"),
	}
}

// Collect appends the event to the active entry for its conversation,
// opening a new one if the conversation is idle. Events that should not
// force a reply cycle are dropped before touching the store.
func (c *Collector) Collect(ctx context.Context, evt *channels.InboundEvent) error {
	if !evt.Key.Valid() {
		return fmt.Errorf("collector: event without conversation key")
	}

	if reason := c.dropReason(evt); reason != "" {
		c.logger.Debug("event dropped",
			"reason", reason,
			"conversation", evt.Key.String(),
			"event_id", evt.EventID)
		return nil
	}

	entry, err := c.store.GetOrCreateActive(ctx, evt.Key, c.cfg.Window)
	if err != nil {
		return fmt.Errorf("collector: open entry for %s: %w", evt.Key, err)
	}

	item := queue.PayloadItem{
		EventID:    evt.EventID,
		Kind:       evt.Kind,
		Content:    evt.Content,
		SenderName: evt.SenderName,
		ReceivedAt: evt.Timestamp,
	}
	if item.ReceivedAt.IsZero() {
		item.ReceivedAt = time.Now()
	}

	if _, err := c.store.Append(ctx, entry.ID, item); err != nil {
		return fmt.Errorf("collector: append to entry %s: %w", entry.ID, err)
	}

	c.logger.Debug("event buffered",
		"conversation", evt.Key.String(),
		"entry_id", entry.ID,
		"kind", evt.Kind,
		"window_end", entry.WindowEnd)
	return nil
}

// Run consumes the event stream until it closes or the context is
// cancelled. Collection errors are logged per event and never stop the
// stream.
func (c *Collector) Run(ctx context.Context, events <-chan *channels.InboundEvent) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-events:
			if !ok {
				return
			}
			if err := c.Collect(ctx, evt); err != nil {
				c.logger.Error("collect failed",
					"conversation", evt.Key.String(),
					"error", err)
			}
		}
	}
}

// dropReason decides whether the event is buffered at all. Returns the
// reason for the drop, or "" to buffer.
func (c *Collector) dropReason(evt *channels.InboundEvent) string {
	if evt.FromSelf {
		return "own_outbound"
	}
	if evt.Broadcast {
		return "broadcast_source"
	}
	if evt.Group && !c.cfg.BufferGroups {
		return "group_disabled"
	}
	if c.seen != nil && c.seen.Seen(evt.EventID) {
		return "duplicate_event"
	}
	if evt.Kind == queue.ItemText {
		content := strings.TrimSpace(evt.Content)
		if content == "" {
			return "empty_content"
		}
		if isDecorationOnly(content) {
			return "decoration_only"
		}
		if isClosing(content) {
			return "conversational_closing"
		}
	}
	return ""
}

// closings are terminal acknowledgments that would otherwise force a reply
// cycle with nothing substantive to answer.
var closings = map[string]bool{
	"ok":        true,
	"okay":      true,
	"blz":       true,
	"beleza":    true,
	"valeu":     true,
	"vlw":       true,
	"obrigado":  true,
	"obrigada":  true,
	"obg":       true,
	"tá":        true,
	"ta":        true,
	"ta bom":    true,
	"tá bom":    true,
	"show":      true,
	"certo":     true,
	"entendi":   true,
	"perfeito":  true,
	"thanks":    true,
	"thank you": true,
	"tmj":       true,
}

// isClosing reports whether the content is a conversational closing.
func isClosing(content string) bool {
	normalized := strings.ToLower(strings.TrimRight(strings.TrimSpace(content), ".!?"))
	return closings[normalized]
}

// isDecorationOnly reports whether the content carries no letters or
// digits — reactions, emoji-only messages, stray punctuation.
func isDecorationOnly(content string) bool {
	for _, r := range content {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			return false
		}
	}
	return true
}
