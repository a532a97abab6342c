// Package discord implements the Discord transport for zapcamp using
// discordgo. It is the secondary channel: DMs with the campaign bot flow
// through the same buffering queue as WhatsApp conversations presented as
// its own endpoint.
package discord

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/zapcamp/zapcamp/pkg/zapcamp/channels"
	"github.com/zapcamp/zapcamp/pkg/zapcamp/queue"
)

// Name is the transport identifier, also used as the conversation key
// endpoint.
const Name = "discord"

// Config holds Discord transport configuration.
type Config struct {
	// Enabled gates the endpoint.
	Enabled bool `yaml:"enabled"`

	// Token is the Discord bot token.
	Token string `yaml:"token"`

	// AllowedChannels restricts which channel IDs are buffered. Empty
	// means all.
	AllowedChannels []string `yaml:"allowed_channels"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{Enabled: false}
}

// Discord implements channels.Transport.
type Discord struct {
	cfg     Config
	logger  *slog.Logger
	session *discordgo.Session

	// events is the normalized inbound stream.
	events chan *channels.InboundEvent

	// connected tracks connection state.
	connected atomic.Bool

	// lastMsg tracks the last inbound timestamp for health.
	lastMsg atomic.Value // time.Time

	// errorCount tracks consecutive errors.
	errorCount atomic.Int64

	// eventsClosed prevents emitting on a closed channel after Disconnect.
	eventsClosed atomic.Bool

	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a Discord transport instance.
func New(cfg Config, logger *slog.Logger) *Discord {
	if logger == nil {
		logger = slog.Default()
	}
	return &Discord{
		cfg:    cfg,
		logger: logger.With("component", "discord"),
		events: make(chan *channels.InboundEvent, 256),
	}
}

// ---------- Transport Interface ----------

// Name returns "discord".
func (d *Discord) Name() string { return Name }

// Connect opens the Discord gateway WebSocket connection.
func (d *Discord) Connect(ctx context.Context) error {
	if d.cfg.Token == "" {
		return fmt.Errorf("discord: bot token is required")
	}

	d.ctx, d.cancel = context.WithCancel(ctx)

	session, err := discordgo.New("Bot " + d.cfg.Token)
	if err != nil {
		return fmt.Errorf("discord: creating session: %w", err)
	}

	session.Identify.Intents = discordgo.IntentsGuildMessages |
		discordgo.IntentsDirectMessages |
		discordgo.IntentsMessageContent

	session.AddHandler(d.onMessageCreate)

	if err := session.Open(); err != nil {
		return fmt.Errorf("discord: opening gateway: %w", err)
	}

	d.session = session
	d.connected.Store(true)

	user := session.State.User
	d.logger.Info("discord: connected", "bot", user.Username, "id", user.ID)
	return nil
}

// Disconnect closes the gateway connection.
func (d *Discord) Disconnect() error {
	d.connected.Store(false)
	if d.cancel != nil {
		d.cancel()
	}
	if d.session != nil {
		if err := d.session.Close(); err != nil {
			return fmt.Errorf("discord: closing session: %w", err)
		}
	}
	if d.eventsClosed.CompareAndSwap(false, true) {
		close(d.events)
	}
	d.logger.Info("discord: disconnected")
	return nil
}

// SendChunk delivers one reply chunk to the conversation.
func (d *Discord) SendChunk(ctx context.Context, key queue.ConversationKey, text string) error {
	if !d.connected.Load() {
		return channels.ErrTransportDisconnected
	}
	if _, err := d.session.ChannelMessageSend(key.Address, text, discordgo.WithContext(ctx)); err != nil {
		d.errorCount.Add(1)
		return fmt.Errorf("discord: sending chunk: %w", err)
	}
	return nil
}

// StartComposing shows the typing indicator. Discord's indicator expires on
// its own after a few seconds.
func (d *Discord) StartComposing(ctx context.Context, key queue.ConversationKey) error {
	if !d.connected.Load() {
		return channels.ErrTransportDisconnected
	}
	return d.session.ChannelTyping(key.Address, discordgo.WithContext(ctx))
}

// StopComposing is a no-op: Discord clears the indicator automatically.
func (d *Discord) StopComposing(_ context.Context, _ queue.ConversationKey) error {
	return nil
}

// Receive returns the normalized inbound event stream.
func (d *Discord) Receive() <-chan *channels.InboundEvent {
	return d.events
}

// IsConnected reports whether the gateway is open.
func (d *Discord) IsConnected() bool {
	return d.connected.Load()
}

// Health returns the transport health status.
func (d *Discord) Health() channels.HealthStatus {
	h := channels.HealthStatus{
		Connected:  d.connected.Load(),
		ErrorCount: int(d.errorCount.Load()),
		Details:    make(map[string]any),
	}
	if t, ok := d.lastMsg.Load().(time.Time); ok {
		h.LastMessageAt = t
	}
	if d.session != nil && d.session.State != nil && d.session.State.User != nil {
		h.Details["bot_id"] = d.session.State.User.ID
	}
	return h
}

// ---------- Event Handling ----------

// onMessageCreate normalizes gateway messages into InboundEvents.
func (d *Discord) onMessageCreate(s *discordgo.Session, m *discordgo.MessageCreate) {
	if m.Author == nil {
		return
	}
	fromSelf := s.State.User != nil && m.Author.ID == s.State.User.ID
	if m.Author.Bot && !fromSelf {
		// Other bots never open a buffering window.
		return
	}
	if len(d.cfg.AllowedChannels) > 0 && !contains(d.cfg.AllowedChannels, m.ChannelID) {
		return
	}

	kind := queue.ItemText
	content := m.Content
	if content == "" && len(m.Attachments) > 0 {
		kind = queue.ItemDocument
		content = m.Attachments[0].Filename
	}

	ts := m.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}

	evt := &channels.InboundEvent{
		EventID: m.ID,
		Key: queue.ConversationKey{
			Endpoint: Name,
			Address:  m.ChannelID,
		},
		SenderName: m.Author.Username,
		Kind:       kind,
		Content:    content,
		FromSelf:   fromSelf,
		Group:      m.GuildID != "",
		Timestamp:  ts,
	}

	d.emit(evt)
}

// emit forwards a normalized event unless the stream is closed or full.
func (d *Discord) emit(evt *channels.InboundEvent) {
	if d.eventsClosed.Load() {
		return
	}
	select {
	case d.events <- evt:
		d.lastMsg.Store(time.Now())
	case <-d.ctx.Done():
	default:
		d.logger.Warn("discord: event stream full, dropping message",
			"conversation", evt.Key.String())
	}
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}
