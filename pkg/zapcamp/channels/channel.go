// Package channels defines the transport abstraction zapcamp speaks
// through. Each transport (WhatsApp, Discord) normalizes its platform
// events into InboundEvent values and exposes the small outbound surface
// the sender loop needs: chunk delivery and composing indicators.
package channels

import (
	"context"
	"fmt"
	"time"

	"github.com/zapcamp/zapcamp/pkg/zapcamp/queue"
)

// Transport is the interface every channel transport implements.
type Transport interface {
	// Name returns the transport identifier (e.g. "whatsapp", "discord").
	Name() string

	// Connect establishes the connection to the messaging platform.
	Connect(ctx context.Context) error

	// Disconnect gracefully closes the connection.
	Disconnect() error

	// SendChunk delivers one reply chunk to the conversation.
	SendChunk(ctx context.Context, key queue.ConversationKey, text string) error

	// StartComposing signals the "typing..." indicator.
	StartComposing(ctx context.Context, key queue.ConversationKey) error

	// StopComposing clears the indicator.
	StopComposing(ctx context.Context, key queue.ConversationKey) error

	// Receive returns the channel of normalized inbound events.
	Receive() <-chan *InboundEvent

	// IsConnected reports whether the transport is connected.
	IsConnected() bool

	// Health returns the transport health status.
	Health() HealthStatus
}

// InboundEvent is a normalized inbound message from any transport.
type InboundEvent struct {
	// EventID is the platform message identifier, used for webhook
	// de-duplication.
	EventID string

	// Key identifies the conversation the event belongs to.
	Key queue.ConversationKey

	// SenderName is the counterpart display name, if known.
	SenderName string

	// Kind is the declared content kind.
	Kind queue.ItemKind

	// Content is the text content (or media caption).
	Content string

	// FromSelf marks messages sent by the agent's own account. The
	// collector drops these to avoid a self-feedback loop.
	FromSelf bool

	// Broadcast marks status/broadcast sources that are never buffered.
	Broadcast bool

	// Group marks group chats, which follow their own buffering policy.
	Group bool

	// Timestamp is when the platform says the message was sent.
	Timestamp time.Time
}

// HealthStatus reports the health of a transport.
type HealthStatus struct {
	Connected     bool
	LastMessageAt time.Time
	ErrorCount    int
	Details       map[string]any
}

// Errors.
var (
	ErrTransportDisconnected = fmt.Errorf("transport is not connected")
	ErrSendFailed            = fmt.Errorf("failed to send message")
)
