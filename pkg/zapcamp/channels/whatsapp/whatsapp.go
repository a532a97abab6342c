// Package whatsapp implements the WhatsApp transport for zapcamp using
// whatsmeow — a native Go WhatsApp Web API library.
//
// Features:
//   - QR code login with persistent session (SQLite)
//   - Normalized inbound events for text, image, audio and document
//   - Typing indicators for paced outbound delivery
//   - Automatic reconnection with backoff
package whatsapp

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zapcamp/zapcamp/pkg/zapcamp/channels"
	"github.com/zapcamp/zapcamp/pkg/zapcamp/queue"

	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/store"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	waLog "go.mau.fi/whatsmeow/util/log"
	"google.golang.org/protobuf/proto"

	_ "github.com/mattn/go-sqlite3" // SQLite driver for session store.
)

// Name is the transport identifier, also used as the conversation key
// endpoint.
const Name = "whatsapp"

// Config holds WhatsApp transport configuration.
type Config struct {
	// Enabled gates the endpoint. A disabled endpoint buffers nothing.
	Enabled bool `yaml:"enabled"`

	// DatabasePath is the SQLite file for session persistence
	// (whatsmeow_ prefixed tables).
	DatabasePath string `yaml:"database_path"`

	// DeviceName is shown in the WhatsApp linked devices list.
	DeviceName string `yaml:"device_name"`

	// AutoRead marks buffered messages as read.
	AutoRead bool `yaml:"auto_read"`

	// ReconnectBackoff is the initial backoff for reconnection.
	ReconnectBackoff time.Duration `yaml:"reconnect_backoff"`

	// MaxReconnectAttempts caps reconnection tries (0 = unlimited).
	MaxReconnectAttempts int `yaml:"max_reconnect_attempts"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Enabled:              true,
		DatabasePath:         "./data/whatsapp.db",
		DeviceName:           "ZapCamp",
		AutoRead:             true,
		ReconnectBackoff:     5 * time.Second,
		MaxReconnectAttempts: 10,
	}
}

// QREvent is a QR login event for observers (CLI, logs).
type QREvent struct {
	// Type is "code", "success", "timeout" or "error".
	Type string
	// Code is the raw QR string (only for Type == "code").
	Code string
	// Message is a human-readable description.
	Message string
}

// WhatsApp implements channels.Transport.
type WhatsApp struct {
	cfg    Config
	client *whatsmeow.Client
	logger *slog.Logger

	// events is the normalized inbound stream.
	events chan *channels.InboundEvent

	// connected tracks connection state.
	connected atomic.Bool

	// errorCount tracks consecutive errors for health.
	errorCount atomic.Int64

	// lastMsg tracks the last inbound timestamp for health.
	lastMsg atomic.Value // time.Time

	// reconnectAttempts tracks reconnection tries.
	reconnectAttempts atomic.Int32

	// reconnectGuard prevents concurrent reconnection attempts.
	reconnectGuard atomic.Bool

	// eventsClosed prevents emitting on a closed channel after Disconnect.
	eventsClosed atomic.Bool

	// qrObservers receive QR login events.
	qrObservers   []chan QREvent
	qrObserversMu sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a WhatsApp transport instance.
func New(cfg Config, logger *slog.Logger) *WhatsApp {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ReconnectBackoff == 0 {
		cfg.ReconnectBackoff = 5 * time.Second
	}
	if cfg.DeviceName == "" {
		cfg.DeviceName = "ZapCamp"
	}
	return &WhatsApp{
		cfg:    cfg,
		logger: logger.With("component", "whatsapp"),
		events: make(chan *channels.InboundEvent, 256),
	}
}

// ---------- Transport Interface ----------

// Name returns "whatsapp".
func (w *WhatsApp) Name() string { return Name }

// Connect establishes the WhatsApp Web connection. Without an existing
// session the QR login runs in the background so startup is not blocked;
// the QR code is streamed to observers.
func (w *WhatsApp) Connect(ctx context.Context) error {
	w.ctx, w.cancel = context.WithCancel(ctx)

	container, err := sqlstore.New(w.ctx, "sqlite3",
		fmt.Sprintf("file:%s?_foreign_keys=1&_journal_mode=WAL", w.cfg.DatabasePath),
		waLog.Noop)
	if err != nil {
		return fmt.Errorf("whatsapp: creating session store: %w", err)
	}

	device, err := w.getDevice(w.ctx, container)
	if err != nil {
		return fmt.Errorf("whatsapp: getting device: %w", err)
	}

	store.SetOSInfo(w.cfg.DeviceName, [3]uint32{1, 0, 0})

	w.client = whatsmeow.NewClient(device, waLog.Noop)
	w.client.AddEventHandler(w.handleEvent)
	w.client.EnableAutoReconnect = true
	w.client.InitialAutoReconnect = true

	if w.client.Store.ID == nil {
		w.logger.Info("whatsapp: no existing session, QR code required")
		go func() {
			if err := w.loginWithQR(w.ctx); err != nil {
				w.logger.Warn("whatsapp: QR login pending", "error", err)
			}
		}()
		return nil
	}

	if err := w.client.Connect(); err != nil {
		return fmt.Errorf("whatsapp: connecting: %w", err)
	}

	w.connected.Store(true)
	w.logger.Info("whatsapp: connected (existing session)", "jid", w.clientJID())
	return nil
}

// Disconnect gracefully closes the connection.
func (w *WhatsApp) Disconnect() error {
	w.connected.Store(false)
	if w.cancel != nil {
		w.cancel()
	}
	if w.client != nil {
		w.client.Disconnect()
	}
	if w.eventsClosed.CompareAndSwap(false, true) {
		close(w.events)
	}
	w.logger.Info("whatsapp: disconnected")
	return nil
}

// SendChunk delivers one reply chunk to the conversation.
func (w *WhatsApp) SendChunk(ctx context.Context, key queue.ConversationKey, text string) error {
	if !w.connected.Load() {
		return channels.ErrTransportDisconnected
	}
	jid, err := parseJID(key.Address)
	if err != nil {
		return fmt.Errorf("whatsapp: invalid address %q: %w", key.Address, err)
	}

	msg := &waE2E.Message{Conversation: proto.String(text)}
	if _, err := w.client.SendMessage(ctx, jid, msg); err != nil {
		w.errorCount.Add(1)
		return fmt.Errorf("whatsapp: sending chunk: %w", err)
	}
	return nil
}

// StartComposing shows the "typing..." indicator.
func (w *WhatsApp) StartComposing(ctx context.Context, key queue.ConversationKey) error {
	if !w.connected.Load() {
		return channels.ErrTransportDisconnected
	}
	jid, err := parseJID(key.Address)
	if err != nil {
		return err
	}
	return w.client.SendChatPresence(ctx, jid, types.ChatPresenceComposing, types.ChatPresenceMediaText)
}

// StopComposing clears the indicator.
func (w *WhatsApp) StopComposing(ctx context.Context, key queue.ConversationKey) error {
	if !w.connected.Load() {
		return nil
	}
	jid, err := parseJID(key.Address)
	if err != nil {
		return err
	}
	return w.client.SendChatPresence(ctx, jid, types.ChatPresencePaused, types.ChatPresenceMediaText)
}

// Receive returns the normalized inbound event stream.
func (w *WhatsApp) Receive() <-chan *channels.InboundEvent {
	return w.events
}

// IsConnected reports whether the transport is connected.
func (w *WhatsApp) IsConnected() bool {
	return w.connected.Load()
}

// Health returns the transport health status.
func (w *WhatsApp) Health() channels.HealthStatus {
	h := channels.HealthStatus{
		Connected:  w.connected.Load(),
		ErrorCount: int(w.errorCount.Load()),
		Details:    make(map[string]any),
	}
	if t, ok := w.lastMsg.Load().(time.Time); ok {
		h.LastMessageAt = t
	}
	if w.client != nil && w.client.Store.ID != nil {
		h.Details["jid"] = w.client.Store.ID.String()
		h.Details["platform"] = w.client.Store.Platform
	}
	h.Details["reconnect_attempts"] = w.reconnectAttempts.Load()
	return h
}

// ---------- QR Login ----------

// SubscribeQR registers a channel to receive QR login events. Returns an
// unsubscribe function.
func (w *WhatsApp) SubscribeQR() (chan QREvent, func()) {
	ch := make(chan QREvent, 8)
	w.qrObserversMu.Lock()
	w.qrObservers = append(w.qrObservers, ch)
	w.qrObserversMu.Unlock()

	return ch, func() {
		w.qrObserversMu.Lock()
		defer w.qrObserversMu.Unlock()
		for i, obs := range w.qrObservers {
			if obs == ch {
				w.qrObservers = append(w.qrObservers[:i], w.qrObservers[i+1:]...)
				close(ch)
				return
			}
		}
	}
}

// notifyQR fans a QR event out to all observers.
func (w *WhatsApp) notifyQR(evt QREvent) {
	w.qrObserversMu.Lock()
	defer w.qrObserversMu.Unlock()
	for _, ch := range w.qrObservers {
		select {
		case ch <- evt:
		default:
			// Observer too slow, skip.
		}
	}
}

// loginWithQR runs the QR login flow until the device is linked or the
// code expires.
func (w *WhatsApp) loginWithQR(ctx context.Context) error {
	qrChan, err := w.client.GetQRChannel(ctx)
	if err != nil {
		return fmt.Errorf("whatsapp: getting QR channel: %w", err)
	}
	if err := w.client.Connect(); err != nil {
		return fmt.Errorf("whatsapp: connecting for QR: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case evt, ok := <-qrChan:
			if !ok {
				return fmt.Errorf("whatsapp: QR channel closed unexpectedly")
			}
			switch evt.Event {
			case "code":
				w.logger.Info("whatsapp: QR code ready, scan with the campaign phone")
				w.notifyQR(QREvent{Type: "code", Code: evt.Code,
					Message: "Scan the QR code with WhatsApp to link the device"})

			case "success":
				w.connected.Store(true)
				w.reconnectAttempts.Store(0)
				w.logger.Info("whatsapp: login successful")
				w.notifyQR(QREvent{Type: "success", Message: "WhatsApp linked successfully"})
				return nil

			case "timeout":
				w.logger.Warn("whatsapp: QR code expired")
				w.notifyQR(QREvent{Type: "timeout", Message: "QR code expired"})
				return fmt.Errorf("whatsapp: QR code timeout")

			default:
				if evt.Error != nil {
					w.logger.Error("whatsapp: QR login error", "error", evt.Error)
					w.notifyQR(QREvent{Type: "error", Message: evt.Error.Error()})
					return fmt.Errorf("whatsapp: QR login: %w", evt.Error)
				}
			}
		}
	}
}

// ---------- Internal ----------

// getDevice retrieves the existing device or creates a new one.
func (w *WhatsApp) getDevice(ctx context.Context, container *sqlstore.Container) (*store.Device, error) {
	devices, err := container.GetAllDevices(ctx)
	if err != nil {
		return nil, err
	}
	if len(devices) > 0 {
		return devices[0], nil
	}
	return container.NewDevice(), nil
}

// clientJID returns the linked account JID if available.
func (w *WhatsApp) clientJID() string {
	if w.client != nil && w.client.Store.ID != nil {
		return w.client.Store.ID.String()
	}
	return ""
}

// attemptReconnect retries the connection with bounded backoff. A guard
// keeps concurrent triggers from piling up.
func (w *WhatsApp) attemptReconnect() {
	if !w.reconnectGuard.CompareAndSwap(false, true) {
		return
	}
	defer w.reconnectGuard.Store(false)

	for {
		if w.ctx.Err() != nil {
			return
		}

		attempts := w.reconnectAttempts.Add(1)
		if w.cfg.MaxReconnectAttempts > 0 && attempts > int32(w.cfg.MaxReconnectAttempts) {
			w.logger.Error("whatsapp: max reconnect attempts reached", "attempts", attempts)
			return
		}

		backoff := min(w.cfg.ReconnectBackoff*time.Duration(attempts), 5*time.Minute)
		w.logger.Info("whatsapp: attempting reconnect", "attempt", attempts, "backoff", backoff)

		select {
		case <-time.After(backoff):
		case <-w.ctx.Done():
			return
		}

		if w.client == nil {
			return
		}
		if w.client.IsConnected() {
			w.client.Disconnect()
			time.Sleep(100 * time.Millisecond)
		}
		if err := w.client.Connect(); err != nil {
			w.logger.Warn("whatsapp: reconnect attempt failed", "attempt", attempts, "error", err)
			continue
		}
		return
	}
}

// emit forwards a normalized event unless the stream is closed or full.
func (w *WhatsApp) emit(evt *channels.InboundEvent) {
	if w.eventsClosed.Load() {
		return
	}
	select {
	case w.events <- evt:
		w.lastMsg.Store(time.Now())
	case <-w.ctx.Done():
	default:
		w.logger.Warn("whatsapp: event stream full, dropping message",
			"conversation", evt.Key.String())
	}
}
