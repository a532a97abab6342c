// Package queue – sqlite.go implements Store on SQLite. Every state
// transition is a single conditional UPDATE checked through RowsAffected,
// which is what makes claim/fail/mark-sent safe across multiple worker
// processes sharing the database file.
package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/mattn/go-sqlite3"
)

// SQLiteStore persists queue entries in a single SQLite table.
type SQLiteStore struct {
	db           *sql.DB
	leaseTimeout time.Duration
	maxRetries   int
}

// SQLiteOptions configures a SQLiteStore.
type SQLiteOptions struct {
	// Path is the database file path.
	Path string

	// LeaseTimeout overrides DefaultLeaseTimeout.
	LeaseTimeout time.Duration

	// MaxRetries overrides DefaultMaxRetries.
	MaxRetries int
}

const schema = `
CREATE TABLE IF NOT EXISTS queue_entries (
	id                TEXT PRIMARY KEY,
	conversation_key  TEXT NOT NULL,
	endpoint          TEXT NOT NULL,
	address           TEXT NOT NULL,
	payload           TEXT NOT NULL DEFAULT '[]',
	status            TEXT NOT NULL,
	window_end        INTEGER NOT NULL,
	lease_owner       TEXT,
	lease_acquired_at INTEGER,
	retry_count       INTEGER NOT NULL DEFAULT 0,
	last_error        TEXT NOT NULL DEFAULT '',
	reply             TEXT NOT NULL DEFAULT '',
	scheduled_send_at INTEGER,
	sent_at           INTEGER,
	created_at        INTEGER NOT NULL,
	updated_at        INTEGER NOT NULL
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_queue_active
	ON queue_entries(conversation_key)
	WHERE status IN ('collecting', 'ready', 'processing');

CREATE INDEX IF NOT EXISTS idx_queue_due
	ON queue_entries(status, window_end);

CREATE INDEX IF NOT EXISTS idx_queue_sendable
	ON queue_entries(status, scheduled_send_at);

CREATE UNIQUE INDEX IF NOT EXISTS idx_queue_slot_minute
	ON queue_entries(scheduled_send_at / 60000000000)
	WHERE status = 'completed' AND scheduled_send_at IS NOT NULL AND sent_at IS NULL;
`

// OpenSQLite opens or creates the queue database and applies the schema.
func OpenSQLite(opts SQLiteOptions) (*SQLiteStore, error) {
	if opts.Path == "" {
		opts.Path = "./data/zapcamp.db"
	}
	if opts.LeaseTimeout <= 0 {
		opts.LeaseTimeout = DefaultLeaseTimeout
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = DefaultMaxRetries
	}

	dir := filepath.Dir(opts.Path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create database directory %q: %w", dir, err)
	}

	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=ON", opts.Path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open queue database %q: %w", opts.Path, err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping queue database: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply queue schema: %w", err)
	}

	return &SQLiteStore{
		db:           db,
		leaseTimeout: opts.LeaseTimeout,
		maxRetries:   opts.MaxRetries,
	}, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// LeaseTimeout returns the configured lease timeout.
func (s *SQLiteStore) LeaseTimeout() time.Duration {
	return s.leaseTimeout
}

// MaxRetries returns the configured retry cap.
func (s *SQLiteStore) MaxRetries() int {
	return s.maxRetries
}

// unix converts a time to the integer form stored in the database.
func unix(t time.Time) int64 {
	return t.UTC().UnixNano()
}

// fromUnix converts a stored integer back to a UTC time.
func fromUnix(n int64) time.Time {
	return time.Unix(0, n).UTC()
}

// GetOrCreateActive returns the existing active entry for the key or
// creates a new collecting one. The partial unique index on active entries
// backs the at-most-one invariant under concurrent callers: a losing insert
// fails and falls back to the winner's row.
func (s *SQLiteStore) GetOrCreateActive(ctx context.Context, key ConversationKey, window time.Duration) (*Entry, error) {
	if !key.Valid() {
		return nil, fmt.Errorf("queue: conversation key missing endpoint or address")
	}

	if e, err := s.activeForKey(ctx, key); err != nil {
		return nil, err
	} else if e != nil {
		return e, nil
	}

	now := time.Now().UTC()
	e := &Entry{
		ID:        uuid.New().String(),
		Key:       key,
		Payload:   []PayloadItem{},
		Status:    StatusCollecting,
		WindowEnd: now.Add(window),
		CreatedAt: now,
		UpdatedAt: now,
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO queue_entries
			(id, conversation_key, endpoint, address, payload, status,
			 window_end, retry_count, created_at, updated_at)
		VALUES (?, ?, ?, ?, '[]', ?, ?, 0, ?, ?)`,
		e.ID, key.String(), key.Endpoint, key.Address, string(StatusCollecting),
		unix(e.WindowEnd), unix(now), unix(now),
	)
	if err != nil {
		// Lost the race: another caller created the active entry first.
		if existing, lookupErr := s.activeForKey(ctx, key); lookupErr == nil && existing != nil {
			return existing, nil
		}
		return nil, fmt.Errorf("create queue entry for %s: %w", key, err)
	}
	return e, nil
}

func (s *SQLiteStore) activeForKey(ctx context.Context, key ConversationKey) (*Entry, error) {
	row := s.db.QueryRowContext(ctx, selectColumns+`
		FROM queue_entries
		WHERE conversation_key = ? AND status IN ('collecting', 'ready', 'processing')`,
		key.String(),
	)
	e, err := scanEntry(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("lookup active entry for %s: %w", key, err)
	}
	return e, nil
}

// Append adds an item to the entry payload. WindowEnd is deliberately left
// untouched. The read-modify-write runs in one transaction so concurrent
// appends for the same conversation never drop items.
func (s *SQLiteStore) Append(ctx context.Context, entryID string, item PayloadItem) (*Entry, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin append tx: %w", err)
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, `SELECT status, payload FROM queue_entries WHERE id = ?`, entryID)
	var status, payloadJSON string
	if err := row.Scan(&status, &payloadJSON); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("read entry %s: %w", entryID, err)
	}
	if Status(status).Terminal() {
		return nil, ErrInvalidState
	}

	var payload []PayloadItem
	if err := json.Unmarshal([]byte(payloadJSON), &payload); err != nil {
		return nil, fmt.Errorf("decode payload of %s: %w", entryID, err)
	}
	payload = append(payload, item)
	encoded, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode payload of %s: %w", entryID, err)
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE queue_entries SET payload = ?, updated_at = ? WHERE id = ?`,
		string(encoded), unix(time.Now()), entryID,
	); err != nil {
		return nil, fmt.Errorf("append to entry %s: %w", entryID, err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit append: %w", err)
	}

	return s.Get(ctx, entryID)
}

// ListDue returns claimable entries: elapsed windows in collecting/ready,
// plus processing entries whose lease expired (abandoned by a crashed
// owner).
func (s *SQLiteStore) ListDue(ctx context.Context, now time.Time) ([]*Entry, error) {
	leaseCutoff := unix(now.Add(-s.leaseTimeout))
	rows, err := s.db.QueryContext(ctx, selectColumns+`
		FROM queue_entries
		WHERE (status IN ('collecting', 'ready') AND window_end <= ?)
		   OR (status = 'processing' AND lease_acquired_at <= ?)
		ORDER BY window_end ASC`,
		unix(now), leaseCutoff,
	)
	if err != nil {
		return nil, fmt.Errorf("list due entries: %w", err)
	}
	defer rows.Close()
	return scanEntries(rows)
}

// Claim atomically takes the entry for the owner. The single conditional
// UPDATE is the whole concurrency story: of two simultaneous claimers
// exactly one sees RowsAffected == 1.
func (s *SQLiteStore) Claim(ctx context.Context, entryID, owner string, now time.Time) (bool, error) {
	leaseCutoff := unix(now.Add(-s.leaseTimeout))
	res, err := s.db.ExecContext(ctx, `
		UPDATE queue_entries
		SET status = 'processing', lease_owner = ?, lease_acquired_at = ?, updated_at = ?
		WHERE id = ?
		  AND ((status IN ('collecting', 'ready') AND window_end <= ?)
		       OR (status = 'processing' AND lease_acquired_at <= ?))`,
		owner, unix(now), unix(now), entryID, unix(now), leaseCutoff,
	)
	if err != nil {
		return false, fmt.Errorf("claim entry %s: %w", entryID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("claim entry %s: rows affected: %w", entryID, err)
	}
	return n == 1, nil
}

// Complete stores the reply and releases the lease. The reply is
// write-once: only a processing entry with no reply accepts it.
func (s *SQLiteStore) Complete(ctx context.Context, entryID, reply string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE queue_entries
		SET status = 'completed', reply = ?,
		    lease_owner = NULL, lease_acquired_at = NULL, updated_at = ?
		WHERE id = ? AND status = 'processing' AND reply = ''`,
		reply, unix(time.Now()), entryID,
	)
	if err != nil {
		return fmt.Errorf("complete entry %s: %w", entryID, err)
	}
	return s.checkAffected(ctx, res, entryID, StatusCompleted)
}

// Fail increments the retry count and either re-readies the entry or, at
// the cap, parks it as terminal failed. One statement, so two workers
// failing the same entry cannot double-count.
func (s *SQLiteStore) Fail(ctx context.Context, entryID, reason string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE queue_entries
		SET retry_count = retry_count + 1,
		    last_error = ?,
		    status = CASE WHEN retry_count + 1 >= ? THEN 'failed' ELSE 'ready' END,
		    lease_owner = NULL, lease_acquired_at = NULL, updated_at = ?
		WHERE id = ? AND status = 'processing'`,
		reason, s.maxRetries, unix(time.Now()), entryID,
	)
	if err != nil {
		return fmt.Errorf("fail entry %s: %w", entryID, err)
	}
	return s.checkAffected(ctx, res, entryID, StatusFailed)
}

// Schedule sets the send slot on a completed entry. The unique index on the
// slot's calendar minute arbitrates between concurrent schedulers: the loser
// gets ErrSlotTaken and must pick another minute.
func (s *SQLiteStore) Schedule(ctx context.Context, entryID string, sendAt time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE queue_entries
		SET scheduled_send_at = ?, updated_at = ?
		WHERE id = ? AND status = 'completed' AND sent_at IS NULL`,
		unix(sendAt), unix(time.Now()), entryID,
	)
	if err != nil {
		var se sqlite3.Error
		if errors.As(err, &se) && se.Code == sqlite3.ErrConstraint {
			return fmt.Errorf("minute of %s: %w", sendAt, ErrSlotTaken)
		}
		return fmt.Errorf("schedule entry %s: %w", entryID, err)
	}
	return s.checkAffected(ctx, res, entryID, StatusSent)
}

// ListSendable returns completed, scheduled, unsent entries whose slot has
// arrived.
func (s *SQLiteStore) ListSendable(ctx context.Context, now time.Time) ([]*Entry, error) {
	rows, err := s.db.QueryContext(ctx, selectColumns+`
		FROM queue_entries
		WHERE status = 'completed'
		  AND scheduled_send_at IS NOT NULL AND scheduled_send_at <= ?
		  AND sent_at IS NULL
		ORDER BY scheduled_send_at ASC`,
		unix(now),
	)
	if err != nil {
		return nil, fmt.Errorf("list sendable entries: %w", err)
	}
	defer rows.Close()
	return scanEntries(rows)
}

// ListUnscheduled returns completed, unsent entries with no send slot.
// These exist only when scheduling failed after a reply was stored.
func (s *SQLiteStore) ListUnscheduled(ctx context.Context) ([]*Entry, error) {
	rows, err := s.db.QueryContext(ctx, selectColumns+`
		FROM queue_entries
		WHERE status = 'completed' AND scheduled_send_at IS NULL AND sent_at IS NULL
		ORDER BY updated_at ASC`,
	)
	if err != nil {
		return nil, fmt.Errorf("list unscheduled entries: %w", err)
	}
	defer rows.Close()
	return scanEntries(rows)
}

// MarkSent stamps the delivery time exactly once. Calling it again for the
// same entry is a no-op.
func (s *SQLiteStore) MarkSent(ctx context.Context, entryID string, now time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE queue_entries
		SET status = 'sent', sent_at = ?, updated_at = ?
		WHERE id = ? AND status = 'completed'
		  AND scheduled_send_at IS NOT NULL AND scheduled_send_at <= ?
		  AND sent_at IS NULL`,
		unix(now), unix(now), entryID, unix(now),
	)
	if err != nil {
		return fmt.Errorf("mark entry %s sent: %w", entryID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("mark entry %s sent: rows affected: %w", entryID, err)
	}
	if n == 1 {
		return nil
	}

	e, err := s.Get(ctx, entryID)
	if err != nil {
		return err
	}
	if e.SentAt != nil {
		return nil
	}
	if !CanTransition(e.Status, StatusSent) {
		return fmt.Errorf("%w: %s cannot move to %s", ErrInvalidState, e.Status, StatusSent)
	}
	return ErrInvalidState
}

// Get returns a single entry by ID.
func (s *SQLiteStore) Get(ctx context.Context, entryID string) (*Entry, error) {
	row := s.db.QueryRowContext(ctx, selectColumns+` FROM queue_entries WHERE id = ?`, entryID)
	e, err := scanEntry(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get entry %s: %w", entryID, err)
	}
	return e, nil
}

// ScheduledMinutes returns the calendar minutes occupied by unsent
// scheduled entries.
func (s *SQLiteStore) ScheduledMinutes(ctx context.Context) (map[time.Time]bool, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT scheduled_send_at FROM queue_entries
		WHERE status = 'completed' AND scheduled_send_at IS NOT NULL AND sent_at IS NULL`)
	if err != nil {
		return nil, fmt.Errorf("list scheduled minutes: %w", err)
	}
	defer rows.Close()

	minutes := make(map[time.Time]bool)
	for rows.Next() {
		var at int64
		if err := rows.Scan(&at); err != nil {
			return nil, fmt.Errorf("scan scheduled minute: %w", err)
		}
		minutes[fromUnix(at).Truncate(time.Minute)] = true
	}
	return minutes, rows.Err()
}

// List returns entries filtered by status, newest first.
func (s *SQLiteStore) List(ctx context.Context, statuses []Status, limit int) ([]*Entry, error) {
	query := selectColumns + ` FROM queue_entries`
	args := []any{}
	if len(statuses) > 0 {
		query += ` WHERE status IN (?` + strings.Repeat(",?", len(statuses)-1) + `)`
		for _, st := range statuses {
			args = append(args, string(st))
		}
	}
	query += ` ORDER BY created_at DESC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list entries: %w", err)
	}
	defer rows.Close()
	return scanEntries(rows)
}

// PurgeSentBefore deletes sent entries older than the cutoff.
func (s *SQLiteStore) PurgeSentBefore(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM queue_entries WHERE status = 'sent' AND sent_at < ?`,
		unix(cutoff),
	)
	if err != nil {
		return 0, fmt.Errorf("purge sent entries: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("purge sent entries: rows affected: %w", err)
	}
	return int(n), nil
}

// checkAffected distinguishes "entry gone" from "entry in the wrong state"
// for conditional updates that matched no row. The status machine in
// entry.go names the illegal move when it can.
func (s *SQLiteStore) checkAffected(ctx context.Context, res sql.Result, entryID string, to Status) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("entry %s: rows affected: %w", entryID, err)
	}
	if n == 1 {
		return nil
	}
	e, err := s.Get(ctx, entryID)
	if err != nil {
		return err
	}
	if !CanTransition(e.Status, to) {
		return fmt.Errorf("%w: %s cannot move to %s", ErrInvalidState, e.Status, to)
	}
	return ErrInvalidState
}

// ---------- Row Scanning ----------

const selectColumns = `
	SELECT id, endpoint, address, payload, status, window_end,
	       lease_owner, lease_acquired_at, retry_count, last_error,
	       reply, scheduled_send_at, sent_at, created_at, updated_at`

// rowScanner covers both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(row rowScanner) (*Entry, error) {
	var (
		e           Entry
		payloadJSON string
		status      string
		windowEnd   int64
		leaseOwner  sql.NullString
		leaseAt     sql.NullInt64
		scheduledAt sql.NullInt64
		sentAt      sql.NullInt64
		createdAt   int64
		updatedAt   int64
	)
	if err := row.Scan(
		&e.ID, &e.Key.Endpoint, &e.Key.Address, &payloadJSON, &status, &windowEnd,
		&leaseOwner, &leaseAt, &e.RetryCount, &e.LastError,
		&e.Reply, &scheduledAt, &sentAt, &createdAt, &updatedAt,
	); err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(payloadJSON), &e.Payload); err != nil {
		return nil, fmt.Errorf("decode payload of %s: %w", e.ID, err)
	}
	e.Status = Status(status)
	e.WindowEnd = fromUnix(windowEnd)
	if leaseOwner.Valid && leaseAt.Valid {
		e.Lease = &Lease{Owner: leaseOwner.String, AcquiredAt: fromUnix(leaseAt.Int64)}
	}
	if scheduledAt.Valid {
		t := fromUnix(scheduledAt.Int64)
		e.ScheduledSendAt = &t
	}
	if sentAt.Valid {
		t := fromUnix(sentAt.Int64)
		e.SentAt = &t
	}
	e.CreatedAt = fromUnix(createdAt)
	e.UpdatedAt = fromUnix(updatedAt)
	return &e, nil
}

func scanEntries(rows *sql.Rows) ([]*Entry, error) {
	var entries []*Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan entry: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
