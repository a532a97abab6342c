// Package queue implements the temporal buffering queue at the heart of
// zapcamp: one durable entry per conversation burst, moved through a closed
// status machine by the collector, the processor loop and the sender loop.
// All cross-process coordination happens through the Store — there are no
// shared in-memory locks between workers.
package queue

import (
	"fmt"
	"time"
)

// Status is the lifecycle state of a queue entry.
type Status string

const (
	// StatusCollecting: the window is open and inbound items are being
	// appended.
	StatusCollecting Status = "collecting"

	// StatusReady: a previous processing attempt failed and the entry is
	// eligible for reclaim.
	StatusReady Status = "ready"

	// StatusProcessing: a worker holds the lease and is generating a reply.
	StatusProcessing Status = "processing"

	// StatusCompleted: the reply exists and is waiting for its send slot.
	StatusCompleted Status = "completed"

	// StatusFailed: retries exhausted or structural failure. Terminal.
	StatusFailed Status = "failed"

	// StatusSent: the reply was delivered. Terminal.
	StatusSent Status = "sent"
)

// transitions is the closed set of allowed status moves. Anything not
// listed here is rejected by the store.
var transitions = map[Status][]Status{
	StatusCollecting: {StatusProcessing},
	StatusReady:      {StatusProcessing},
	StatusProcessing: {StatusCompleted, StatusReady, StatusFailed},
	StatusCompleted:  {StatusSent},
}

// CanTransition reports whether moving from one status to another is legal.
func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Terminal reports whether the status accepts no further transitions.
func (s Status) Terminal() bool {
	return s == StatusFailed || s == StatusSent
}

// Active reports whether the status counts against the one-active-entry-per
// conversation invariant.
func (s Status) Active() bool {
	return s == StatusCollecting || s == StatusReady || s == StatusProcessing
}

// ItemKind identifies the declared kind of a collected inbound item.
type ItemKind string

const (
	ItemText     ItemKind = "text"
	ItemImage    ItemKind = "image"
	ItemAudio    ItemKind = "audio"
	ItemDocument ItemKind = "document"
)

// ConversationKey identifies who we are buffering for: one counterpart
// address on one channel endpoint.
type ConversationKey struct {
	// Endpoint is the channel endpoint identifier (e.g. "whatsapp" plus
	// the linked account JID, or a discord bot user ID).
	Endpoint string `json:"endpoint"`

	// Address is the counterpart address on that endpoint (chat JID,
	// discord DM channel ID).
	Address string `json:"address"`
}

// String renders the key in its canonical "endpoint|address" form, which is
// also how the store indexes it.
func (k ConversationKey) String() string {
	return k.Endpoint + "|" + k.Address
}

// Valid reports whether both components are present.
func (k ConversationKey) Valid() bool {
	return k.Endpoint != "" && k.Address != ""
}

// PayloadItem is one collected inbound item. Items are append-only while the
// entry is collecting and are concatenated in arrival order for generation.
type PayloadItem struct {
	// EventID is the transport message identifier, used for webhook
	// de-duplication upstream of the queue.
	EventID string `json:"event_id"`

	// Kind is the declared content kind.
	Kind ItemKind `json:"kind"`

	// Content is the raw text content (or caption, for media kinds).
	Content string `json:"content"`

	// SenderName is the counterpart display name when the transport knows
	// it.
	SenderName string `json:"sender_name,omitempty"`

	// ReceivedAt is the arrival timestamp.
	ReceivedAt time.Time `json:"received_at"`
}

// Lease marks time-bounded ownership of a processing entry. A lease older
// than the store's lease timeout is treated as abandoned and can be taken
// over by another worker.
type Lease struct {
	Owner      string    `json:"owner"`
	AcquiredAt time.Time `json:"acquired_at"`
}

// Expired reports whether the lease is older than the given timeout at now.
func (l *Lease) Expired(now time.Time, timeout time.Duration) bool {
	if l == nil {
		return true
	}
	return now.Sub(l.AcquiredAt) >= timeout
}

/// Entry is the unit of work: one conversation burst, its collected payload,
// and everything the loops need to decide retries and delivery.
type Entry struct {
	// ID is the opaque unique identifier (UUID).
	ID string `json:"id"`

	// Key identifies the conversation being buffered.
	Key ConversationKey `json:"key"`

	// Payload holds collected inbound items in arrival order.
	Payload []PayloadItem `json:"payload"`

	// Status is the current lifecycle state.
	Status Status `json:"status"`

	// WindowEnd is fixed when the entry is created from the first item of
	// the burst and never advanced by later items. This bounds worst-case
	// reply latency no matter how long the burst continues.
	WindowEnd time.Time `json:"window_end"`

	// Lease is present only while the entry is processing.
	Lease *Lease `json:"lease,omitempty"`

	// RetryCount only increases; at the cap the entry goes terminal failed.
	RetryCount int `json:"retry_count"`

	// LastError records the last failure reason for observability.
	LastError string `json:"last_error,omitempty"`

	// Reply is the generated response, written once by the processor.
	Reply string `json:"reply,omitempty"`

	// ScheduledSendAt is set by the dispatch scheduler once the reply
	// exists.
	ScheduledSendAt *time.Time `json:"scheduled_send_at,omitempty"`

	// SentAt is written once by the sender loop; its presence is the
	// terminal delivery marker.
	SentAt *time.Time `json:"sent_at,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Due reports whether the collection window has elapsed at now.
func (e *Entry) Due(now time.Time) bool {
	return e.Status.Active() && !e.WindowEnd.After(now)
}

// ConsolidatedText joins the payload contents in arrival order into the
// single context string handed to generation. Media items contribute their
// caption plus a kind marker so the model knows text is missing.
func (e *Entry) ConsolidatedText() string {
	var out string
	for i, item := range e.Payload {
		if i > 0 {
			out += "\n"
		}
		switch item.Kind {
		case ItemText:
			out += item.Content
		default:
			if item.Content != "" {
				out += fmt.Sprintf("[%s] %s", item.Kind, item.Content)
			} else {
				out += fmt.Sprintf("[%s]", item.Kind)
			}
		}
	}
	return out
}

// Errors returned by Store implementations.
var (
	// ErrNotFound: the entry does not exist.
	ErrNotFound = fmt.Errorf("queue: entry not found")

	// ErrInvalidState: the operation is not legal for the entry's current
	// status (e.g. appending to a terminal entry).
	ErrInvalidState = fmt.Errorf("queue: invalid entry state for operation")

	// ErrSlotTaken: another unsent entry already occupies the requested
	// send-slot minute. The scheduler retries with a later minute.
	ErrSlotTaken = fmt.Errorf("queue: send-slot minute already taken")
)
