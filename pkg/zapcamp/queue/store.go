// Package queue – store.go defines the Store interface. The store is the
// single source of truth shared by all worker processes; claim, fail and
// mark-sent must be single conditional updates so two workers can never
// complete the same work twice.
package queue

import (
	"context"
	"time"
)

// DefaultLeaseTimeout is how long a processing lease is honored before
// another worker may take the entry over.
const DefaultLeaseTimeout = 5 * time.Minute

// DefaultMaxRetries caps how many times a failed generation is retried
// before the entry goes terminal.
const DefaultMaxRetries = 3

// Store persists queue entries and provides the atomic operations the
// collector, processor, dispatcher and sender coordinate through.
type Store interface {
	// GetOrCreateActive returns the active (collecting/ready/processing)
	// entry for the key, or creates a new collecting entry with
	// WindowEnd = now + window. At most one active entry per key exists.
	GetOrCreateActive(ctx context.Context, key ConversationKey, window time.Duration) (*Entry, error)

	// Append adds an item to the entry's payload. It never touches
	// WindowEnd. Returns ErrNotFound if the entry is gone and
	// ErrInvalidState if it is terminal.
	Append(ctx context.Context, entryID string, item PayloadItem) (*Entry, error)

	// ListDue returns entries in {collecting, ready} whose window has
	// elapsed, plus processing entries whose lease has expired (crashed
	// owner). Entries under an unexpired lease are excluded.
	ListDue(ctx context.Context, now time.Time) ([]*Entry, error)

	// Claim atomically moves an eligible entry to processing under the
	// owner's lease. Returns false — not an error — when another owner
	// holds an unexpired lease or the entry is no longer claimable.
	Claim(ctx context.Context, entryID, owner string, now time.Time) (bool, error)

	// Complete stores the generated reply, moves the entry to completed
	// and clears the lease. The reply is write-once.
	Complete(ctx context.Context, entryID, reply string) error

	// Fail records the failure reason and increments the retry count.
	// Under the cap the entry returns to ready for reclaim; at the cap it
	// goes terminal failed. The lease is cleared either way.
	Fail(ctx context.Context, entryID, reason string) error

	// Schedule sets the send time on a completed entry.
	Schedule(ctx context.Context, entryID string, sendAt time.Time) error

	// ListSendable returns completed entries whose scheduled send time has
	// arrived and that have not been sent.
	ListSendable(ctx context.Context, now time.Time) ([]*Entry, error)

	// ListUnscheduled returns completed, unsent entries with no send slot.
	// These exist only when scheduling failed after Complete; the processor
	// sweep re-schedules them so a stored reply is never stranded.
	ListUnscheduled(ctx context.Context) ([]*Entry, error)

	// MarkSent stamps the delivery time on a completed, scheduled entry.
	// Idempotent: marking an already-sent entry is a no-op.
	MarkSent(ctx context.Context, entryID string, now time.Time) error

	// Get returns an entry by ID.
	Get(ctx context.Context, entryID string) (*Entry, error)

	// ScheduledMinutes returns the set of calendar minutes (truncated,
	// UTC) already occupied by unsent scheduled entries. The dispatch
	// scheduler uses this to keep sends in distinct minutes.
	ScheduledMinutes(ctx context.Context) (map[time.Time]bool, error)

	// List returns entries filtered by status, newest first. A nil filter
	// returns everything.
	List(ctx context.Context, statuses []Status, limit int) ([]*Entry, error)

	// PurgeSentBefore deletes sent entries older than the cutoff and
	// returns how many were removed. Retention, not queue semantics.
	PurgeSentBefore(ctx context.Context, cutoff time.Time) (int, error)

	// Close releases the underlying resources.
	Close() error
}
