package queue

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := OpenSQLite(SQLiteOptions{
		Path:         filepath.Join(t.TempDir(), "queue.db"),
		LeaseTimeout: 5 * time.Minute,
		MaxRetries:   3,
	})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func testKey(addr string) ConversationKey {
	return ConversationKey{Endpoint: "whatsapp", Address: addr}
}

// dueEntry creates an entry whose window has already elapsed.
func dueEntry(t *testing.T, store *SQLiteStore, addr string) *Entry {
	t.Helper()
	e, err := store.GetOrCreateActive(context.Background(), testKey(addr), -time.Second)
	if err != nil {
		t.Fatalf("create entry: %v", err)
	}
	return e
}

func claimEntry(t *testing.T, store *SQLiteStore, entryID, owner string) {
	t.Helper()
	ok, err := store.Claim(context.Background(), entryID, owner, time.Now())
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if !ok {
		t.Fatalf("claim of %s by %s should have succeeded", entryID, owner)
	}
}

func TestGetOrCreateActive(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	t.Run("creates collecting entry with fixed window", func(t *testing.T) {
		before := time.Now()
		e, err := store.GetOrCreateActive(ctx, testKey("111"), 45*time.Second)
		if err != nil {
			t.Fatalf("create: %v", err)
		}
		if e.Status != StatusCollecting {
			t.Errorf("status = %s, want collecting", e.Status)
		}
		if e.WindowEnd.Before(before.Add(44 * time.Second)) {
			t.Errorf("window end %s too early", e.WindowEnd)
		}
	})

	t.Run("returns the existing active entry", func(t *testing.T) {
		first, err := store.GetOrCreateActive(ctx, testKey("222"), time.Minute)
		if err != nil {
			t.Fatalf("create: %v", err)
		}
		second, err := store.GetOrCreateActive(ctx, testKey("222"), time.Minute)
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if first.ID != second.ID {
			t.Errorf("second call created a new entry: %s != %s", first.ID, second.ID)
		}
	})

	t.Run("window not extended by later calls", func(t *testing.T) {
		first, _ := store.GetOrCreateActive(ctx, testKey("333"), time.Minute)
		second, _ := store.GetOrCreateActive(ctx, testKey("333"), time.Hour)
		if !first.WindowEnd.Equal(second.WindowEnd) {
			t.Errorf("window end moved from %s to %s", first.WindowEnd, second.WindowEnd)
		}
	})

	t.Run("new entry after the previous one is terminal", func(t *testing.T) {
		e := dueEntry(t, store, "444")
		claimEntry(t, store, e.ID, "w1")
		if err := store.Complete(ctx, e.ID, "resposta"); err != nil {
			t.Fatalf("complete: %v", err)
		}

		fresh, err := store.GetOrCreateActive(ctx, testKey("444"), time.Minute)
		if err != nil {
			t.Fatalf("create after complete: %v", err)
		}
		if fresh.ID == e.ID {
			t.Error("completed entry should not be returned as active")
		}
	})

	t.Run("rejects empty key", func(t *testing.T) {
		if _, err := store.GetOrCreateActive(ctx, ConversationKey{}, time.Minute); err == nil {
			t.Error("expected error for empty key")
		}
	})

	t.Run("concurrent callers share one entry", func(t *testing.T) {
		const n = 8
		ids := make([]string, n)
		var wg sync.WaitGroup
		for i := 0; i < n; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				e, err := store.GetOrCreateActive(ctx, testKey("555"), time.Minute)
				if err != nil {
					t.Errorf("goroutine %d: %v", i, err)
					return
				}
				ids[i] = e.ID
			}(i)
		}
		wg.Wait()
		for i := 1; i < n; i++ {
			if ids[i] != ids[0] {
				t.Fatalf("goroutines got different entries: %s vs %s", ids[0], ids[i])
			}
		}
	})
}

func TestAppend(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	e, err := store.GetOrCreateActive(ctx, testKey("111"), time.Minute)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	t.Run("appends in order", func(t *testing.T) {
		for _, text := range []string{"primeira", "segunda", "terceira"} {
			if _, err := store.Append(ctx, e.ID, PayloadItem{Kind: ItemText, Content: text, ReceivedAt: time.Now()}); err != nil {
				t.Fatalf("append %q: %v", text, err)
			}
		}
		got, err := store.Get(ctx, e.ID)
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if len(got.Payload) != 3 {
			t.Fatalf("payload length = %d, want 3", len(got.Payload))
		}
		if got.Payload[0].Content != "primeira" || got.Payload[2].Content != "terceira" {
			t.Errorf("payload out of order: %v", got.Payload)
		}
	})

	t.Run("append does not move the window", func(t *testing.T) {
		got, _ := store.Get(ctx, e.ID)
		if !got.WindowEnd.Equal(e.WindowEnd) {
			t.Errorf("window end moved from %s to %s", e.WindowEnd, got.WindowEnd)
		}
	})

	t.Run("append to missing entry", func(t *testing.T) {
		if _, err := store.Append(ctx, "no-such-id", PayloadItem{Kind: ItemText, Content: "x"}); !errors.Is(err, ErrNotFound) {
			t.Errorf("err = %v, want ErrNotFound", err)
		}
	})

	t.Run("append to terminal entry", func(t *testing.T) {
		done := dueEntry(t, store, "222")
		claimEntry(t, store, done.ID, "w1")
		if err := store.Complete(ctx, done.ID, "resposta"); err != nil {
			t.Fatalf("complete: %v", err)
		}
		now := time.Now()
		if err := store.Schedule(ctx, done.ID, now); err != nil {
			t.Fatalf("schedule: %v", err)
		}
		if err := store.MarkSent(ctx, done.ID, now); err != nil {
			t.Fatalf("mark sent: %v", err)
		}
		if _, err := store.Append(ctx, done.ID, PayloadItem{Kind: ItemText, Content: "tarde demais"}); !errors.Is(err, ErrInvalidState) {
			t.Errorf("err = %v, want ErrInvalidState", err)
		}
	})
}

func TestListDue(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	due := dueEntry(t, store, "111")
	if _, err := store.GetOrCreateActive(ctx, testKey("222"), time.Hour); err != nil {
		t.Fatalf("create open entry: %v", err)
	}

	entries, err := store.ListDue(ctx, now)
	if err != nil {
		t.Fatalf("list due: %v", err)
	}
	if len(entries) != 1 || entries[0].ID != due.ID {
		t.Fatalf("expected only the elapsed entry, got %d entries", len(entries))
	}

	t.Run("leased entries excluded", func(t *testing.T) {
		claimEntry(t, store, due.ID, "w1")
		entries, err := store.ListDue(ctx, time.Now())
		if err != nil {
			t.Fatalf("list due: %v", err)
		}
		if len(entries) != 0 {
			t.Errorf("entry under fresh lease should not be listed, got %d", len(entries))
		}
	})

	t.Run("expired leases resurface", func(t *testing.T) {
		entries, err := store.ListDue(ctx, time.Now().Add(6*time.Minute))
		if err != nil {
			t.Fatalf("list due: %v", err)
		}
		if len(entries) != 1 || entries[0].ID != due.ID {
			t.Errorf("entry with expired lease should be listed again")
		}
	})
}

func TestClaim(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	t.Run("claims a due entry", func(t *testing.T) {
		e := dueEntry(t, store, "111")
		ok, err := store.Claim(ctx, e.ID, "w1", time.Now())
		if err != nil {
			t.Fatalf("claim: %v", err)
		}
		if !ok {
			t.Fatal("claim should succeed on a due entry")
		}
		got, _ := store.Get(ctx, e.ID)
		if got.Status != StatusProcessing {
			t.Errorf("status = %s, want processing", got.Status)
		}
		if got.Lease == nil || got.Lease.Owner != "w1" {
			t.Errorf("lease = %+v, want owner w1", got.Lease)
		}
	})

	t.Run("refuses while window open", func(t *testing.T) {
		e, _ := store.GetOrCreateActive(ctx, testKey("222"), time.Hour)
		ok, err := store.Claim(ctx, e.ID, "w1", time.Now())
		if err != nil {
			t.Fatalf("claim: %v", err)
		}
		if ok {
			t.Error("claim should fail while the window is still open")
		}
	})

	t.Run("refuses over an unexpired lease", func(t *testing.T) {
		e := dueEntry(t, store, "333")
		claimEntry(t, store, e.ID, "w1")
		ok, err := store.Claim(ctx, e.ID, "w2", time.Now())
		if err != nil {
			t.Fatalf("claim: %v", err)
		}
		if ok {
			t.Error("second claim should fail under w1's fresh lease")
		}
	})

	t.Run("takes over an expired lease", func(t *testing.T) {
		e := dueEntry(t, store, "444")
		claimEntry(t, store, e.ID, "w1")
		ok, err := store.Claim(ctx, e.ID, "w2", time.Now().Add(6*time.Minute))
		if err != nil {
			t.Fatalf("claim: %v", err)
		}
		if !ok {
			t.Fatal("takeover of an expired lease should succeed")
		}
		got, _ := store.Get(ctx, e.ID)
		if got.Lease == nil || got.Lease.Owner != "w2" {
			t.Errorf("lease owner = %+v, want w2", got.Lease)
		}
	})

	t.Run("exactly one of many concurrent claimers wins", func(t *testing.T) {
		e := dueEntry(t, store, "555")
		const n = 10
		wins := make(chan string, n)
		var wg sync.WaitGroup
		for i := 0; i < n; i++ {
			wg.Add(1)
			go func(owner string) {
				defer wg.Done()
				ok, err := store.Claim(ctx, e.ID, owner, time.Now())
				if err != nil {
					t.Errorf("claim by %s: %v", owner, err)
					return
				}
				if ok {
					wins <- owner
				}
			}(string(rune('a' + i)))
		}
		wg.Wait()
		close(wins)
		var winners []string
		for w := range wins {
			winners = append(winners, w)
		}
		if len(winners) != 1 {
			t.Fatalf("expected exactly one winner, got %d: %v", len(winners), winners)
		}
	})
}

func TestComplete(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	e := dueEntry(t, store, "111")
	claimEntry(t, store, e.ID, "w1")

	if err := store.Complete(ctx, e.ID, "Obrigado pela mensagem!"); err != nil {
		t.Fatalf("complete: %v", err)
	}

	got, _ := store.Get(ctx, e.ID)
	if got.Status != StatusCompleted {
		t.Errorf("status = %s, want completed", got.Status)
	}
	if got.Reply != "Obrigado pela mensagem!" {
		t.Errorf("reply = %q", got.Reply)
	}
	if got.Lease != nil {
		t.Errorf("lease should be cleared, got %+v", got.Lease)
	}

	t.Run("reply is write-once", func(t *testing.T) {
		if err := store.Complete(ctx, e.ID, "outra resposta"); !errors.Is(err, ErrInvalidState) {
			t.Errorf("err = %v, want ErrInvalidState", err)
		}
		got, _ := store.Get(ctx, e.ID)
		if got.Reply != "Obrigado pela mensagem!" {
			t.Errorf("reply was overwritten: %q", got.Reply)
		}
	})

	t.Run("complete without a lease", func(t *testing.T) {
		fresh, _ := store.GetOrCreateActive(ctx, testKey("222"), time.Hour)
		if err := store.Complete(ctx, fresh.ID, "resposta"); !errors.Is(err, ErrInvalidState) {
			t.Errorf("err = %v, want ErrInvalidState", err)
		}
	})
}

func TestFail(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	t.Run("returns to ready under the cap", func(t *testing.T) {
		e := dueEntry(t, store, "111")
		claimEntry(t, store, e.ID, "w1")
		if err := store.Fail(ctx, e.ID, "timeout calling model"); err != nil {
			t.Fatalf("fail: %v", err)
		}
		got, _ := store.Get(ctx, e.ID)
		if got.Status != StatusReady {
			t.Errorf("status = %s, want ready", got.Status)
		}
		if got.RetryCount != 1 {
			t.Errorf("retry count = %d, want 1", got.RetryCount)
		}
		if got.LastError != "timeout calling model" {
			t.Errorf("last error = %q", got.LastError)
		}
		if got.Lease != nil {
			t.Errorf("lease should be cleared")
		}
	})

	t.Run("terminal failed at the cap", func(t *testing.T) {
		e := dueEntry(t, store, "222")
		for i := 0; i < 3; i++ {
			claimEntry(t, store, e.ID, "w1")
			if err := store.Fail(ctx, e.ID, "model error"); err != nil {
				t.Fatalf("fail attempt %d: %v", i+1, err)
			}
		}
		got, _ := store.Get(ctx, e.ID)
		if got.Status != StatusFailed {
			t.Errorf("status after 3 failures = %s, want failed", got.Status)
		}
		if got.RetryCount != 3 {
			t.Errorf("retry count = %d, want 3", got.RetryCount)
		}

		// A new burst from the same voter starts clean.
		fresh, err := store.GetOrCreateActive(ctx, testKey("222"), time.Minute)
		if err != nil {
			t.Fatalf("create after terminal failure: %v", err)
		}
		if fresh.ID == e.ID || fresh.RetryCount != 0 {
			t.Error("new entry should be independent of the failed one")
		}
	})

	t.Run("fail without processing status", func(t *testing.T) {
		e, _ := store.GetOrCreateActive(ctx, testKey("333"), time.Hour)
		if err := store.Fail(ctx, e.ID, "reason"); !errors.Is(err, ErrInvalidState) {
			t.Errorf("err = %v, want ErrInvalidState", err)
		}
	})
}

func TestScheduleAndSend(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	completed := func(addr string) *Entry {
		e := dueEntry(t, store, addr)
		claimEntry(t, store, e.ID, "w1")
		if err := store.Complete(ctx, e.ID, "resposta"); err != nil {
			t.Fatalf("complete: %v", err)
		}
		return e
	}

	t.Run("sendable only after the slot arrives", func(t *testing.T) {
		e := completed("111")
		if err := store.Schedule(ctx, e.ID, now.Add(time.Hour)); err != nil {
			t.Fatalf("schedule: %v", err)
		}

		entries, err := store.ListSendable(ctx, now)
		if err != nil {
			t.Fatalf("list sendable: %v", err)
		}
		if len(entries) != 0 {
			t.Errorf("future slot should not be sendable yet")
		}

		entries, err = store.ListSendable(ctx, now.Add(2*time.Hour))
		if err != nil {
			t.Fatalf("list sendable: %v", err)
		}
		if len(entries) != 1 || entries[0].ID != e.ID {
			t.Errorf("entry should be sendable after its slot")
		}
	})

	t.Run("mark sent is idempotent", func(t *testing.T) {
		e := completed("222")
		if err := store.Schedule(ctx, e.ID, now.Add(-time.Minute)); err != nil {
			t.Fatalf("schedule: %v", err)
		}
		if err := store.MarkSent(ctx, e.ID, now); err != nil {
			t.Fatalf("first mark sent: %v", err)
		}
		if err := store.MarkSent(ctx, e.ID, now.Add(time.Second)); err != nil {
			t.Fatalf("second mark sent should be a no-op, got: %v", err)
		}
		got, _ := store.Get(ctx, e.ID)
		if got.Status != StatusSent || got.SentAt == nil {
			t.Errorf("status = %s, sent_at = %v", got.Status, got.SentAt)
		}
		if !got.SentAt.Equal(now.UTC()) {
			t.Errorf("second call must not move sent_at: %s", got.SentAt)
		}
	})

	t.Run("mark sent before the slot", func(t *testing.T) {
		e := completed("333")
		if err := store.Schedule(ctx, e.ID, now.Add(3*time.Hour)); err != nil {
			t.Fatalf("schedule: %v", err)
		}
		if err := store.MarkSent(ctx, e.ID, now); !errors.Is(err, ErrInvalidState) {
			t.Errorf("err = %v, want ErrInvalidState", err)
		}
	})

	t.Run("schedule on a non-completed entry", func(t *testing.T) {
		e, _ := store.GetOrCreateActive(ctx, testKey("444"), time.Hour)
		err := store.Schedule(ctx, e.ID, now)
		if !errors.Is(err, ErrInvalidState) {
			t.Errorf("err = %v, want ErrInvalidState", err)
		}
		if !strings.Contains(err.Error(), string(StatusCollecting)) {
			t.Errorf("error should name the entry's status: %v", err)
		}
	})

	t.Run("slot minute is exclusive among unsent entries", func(t *testing.T) {
		slot := now.Add(-10 * time.Minute)
		first := completed("666")
		if err := store.Schedule(ctx, first.ID, slot); err != nil {
			t.Fatalf("schedule first: %v", err)
		}

		// A different second inside the same calendar minute still collides.
		second := completed("777")
		if err := store.Schedule(ctx, second.ID, slot.Truncate(time.Minute).Add(30*time.Second)); !errors.Is(err, ErrSlotTaken) {
			t.Fatalf("err = %v, want ErrSlotTaken", err)
		}
		if err := store.Schedule(ctx, second.ID, slot.Add(time.Minute)); err != nil {
			t.Fatalf("schedule next minute: %v", err)
		}

		// Re-scheduling an entry onto its own minute is not a conflict.
		if err := store.Schedule(ctx, first.ID, slot); err != nil {
			t.Errorf("reschedule onto own minute: %v", err)
		}

		// Delivery frees the minute for new entries.
		if err := store.MarkSent(ctx, first.ID, now); err != nil {
			t.Fatalf("mark sent: %v", err)
		}
		third := completed("888")
		if err := store.Schedule(ctx, third.ID, slot); err != nil {
			t.Errorf("minute should be free after delivery: %v", err)
		}
	})

	t.Run("scheduled minutes reflect unsent slots", func(t *testing.T) {
		e := completed("555")
		slot := now.Add(30 * time.Minute)
		if err := store.Schedule(ctx, e.ID, slot); err != nil {
			t.Fatalf("schedule: %v", err)
		}
		minutes, err := store.ScheduledMinutes(ctx)
		if err != nil {
			t.Fatalf("scheduled minutes: %v", err)
		}
		if !minutes[slot.UTC().Truncate(time.Minute)] {
			t.Errorf("minute of %s should be occupied", slot)
		}
	})
}

func TestListUnscheduled(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	e := dueEntry(t, store, "111")
	claimEntry(t, store, e.ID, "w1")
	if err := store.Complete(ctx, e.ID, "resposta"); err != nil {
		t.Fatalf("complete: %v", err)
	}

	// Collecting entries are not stranded, only slotless completed ones.
	if _, err := store.GetOrCreateActive(ctx, testKey("222"), time.Hour); err != nil {
		t.Fatalf("create open entry: %v", err)
	}

	got, err := store.ListUnscheduled(ctx)
	if err != nil {
		t.Fatalf("list unscheduled: %v", err)
	}
	if len(got) != 1 || got[0].ID != e.ID {
		t.Fatalf("expected only the slotless completed entry, got %d entries", len(got))
	}

	if err := store.Schedule(ctx, e.ID, time.Now().Add(time.Hour)); err != nil {
		t.Fatalf("schedule: %v", err)
	}
	got, err = store.ListUnscheduled(ctx)
	if err != nil {
		t.Fatalf("list unscheduled: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("scheduled entry should no longer be listed, got %d", len(got))
	}
}

func TestPurgeSentBefore(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	e := dueEntry(t, store, "111")
	claimEntry(t, store, e.ID, "w1")
	if err := store.Complete(ctx, e.ID, "resposta"); err != nil {
		t.Fatalf("complete: %v", err)
	}
	if err := store.Schedule(ctx, e.ID, now.Add(-time.Minute)); err != nil {
		t.Fatalf("schedule: %v", err)
	}
	if err := store.MarkSent(ctx, e.ID, now); err != nil {
		t.Fatalf("mark sent: %v", err)
	}

	t.Run("keeps recent entries", func(t *testing.T) {
		n, err := store.PurgeSentBefore(ctx, now.Add(-time.Hour))
		if err != nil {
			t.Fatalf("purge: %v", err)
		}
		if n != 0 {
			t.Errorf("purged %d entries, want 0", n)
		}
	})

	t.Run("removes old sent entries", func(t *testing.T) {
		n, err := store.PurgeSentBefore(ctx, now.Add(time.Hour))
		if err != nil {
			t.Fatalf("purge: %v", err)
		}
		if n != 1 {
			t.Errorf("purged %d entries, want 1", n)
		}
		if _, err := store.Get(ctx, e.ID); !errors.Is(err, ErrNotFound) {
			t.Errorf("entry should be gone, got err = %v", err)
		}
	})
}

func TestList(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	for _, addr := range []string{"111", "222", "333"} {
		if _, err := store.GetOrCreateActive(ctx, testKey(addr), time.Hour); err != nil {
			t.Fatalf("create %s: %v", addr, err)
		}
	}

	all, err := store.List(ctx, nil, 0)
	if err != nil {
		t.Fatalf("list all: %v", err)
	}
	if len(all) != 3 {
		t.Errorf("listed %d entries, want 3", len(all))
	}

	collecting, err := store.List(ctx, []Status{StatusCollecting}, 2)
	if err != nil {
		t.Fatalf("list collecting: %v", err)
	}
	if len(collecting) != 2 {
		t.Errorf("limit ignored: got %d entries", len(collecting))
	}

	sent, err := store.List(ctx, []Status{StatusSent}, 0)
	if err != nil {
		t.Fatalf("list sent: %v", err)
	}
	if len(sent) != 0 {
		t.Errorf("no entries should be sent yet, got %d", len(sent))
	}
}
