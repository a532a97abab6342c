package processor

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/zapcamp/zapcamp/pkg/zapcamp/dispatch"
	"github.com/zapcamp/zapcamp/pkg/zapcamp/generation"
	"github.com/zapcamp/zapcamp/pkg/zapcamp/queue"
)

// fakeGenerator returns canned replies or errors and records requests.
type fakeGenerator struct {
	reply    string
	err      error
	requests []generation.Request
}

func (g *fakeGenerator) Generate(_ context.Context, req generation.Request) (string, error) {
	g.requests = append(g.requests, req)
	if g.err != nil {
		return "", g.err
	}
	return g.reply, nil
}

func newTestProcessor(t *testing.T, gen generation.Generator) (*Processor, *queue.SQLiteStore) {
	t.Helper()
	store, err := queue.OpenSQLite(queue.SQLiteOptions{
		Path: filepath.Join(t.TempDir(), "queue.db"),
	})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	cfg := dispatch.DefaultConfig()
	cfg.Hours = dispatch.OperatingHours{Start: "00:01", End: "23:59", Timezone: "UTC"}
	dispatcher, err := dispatch.New(cfg, store, nil)
	if err != nil {
		t.Fatalf("new dispatcher: %v", err)
	}

	return New(DefaultConfig(), store, gen, dispatcher, nil), store
}

// dueEntry creates an entry with an elapsed window and the given texts.
func dueEntry(t *testing.T, store *queue.SQLiteStore, addr string, texts ...string) *queue.Entry {
	t.Helper()
	ctx := context.Background()
	key := queue.ConversationKey{Endpoint: "whatsapp", Address: addr}
	e, err := store.GetOrCreateActive(ctx, key, -time.Second)
	if err != nil {
		t.Fatalf("create entry: %v", err)
	}
	for i, text := range texts {
		item := queue.PayloadItem{
			EventID:    fmt.Sprintf("%s-%d", addr, i),
			Kind:       queue.ItemText,
			Content:    text,
			SenderName: "Maria",
			ReceivedAt: time.Now(),
		}
		if _, err := store.Append(ctx, e.ID, item); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	return e
}

func TestTick(t *testing.T) {
	ctx := context.Background()

	t.Run("completes a due entry with a consolidated request", func(t *testing.T) {
		gen := &fakeGenerator{reply: "Obrigado pelo contato! Vou verificar."}
		p, store := newTestProcessor(t, gen)

		e := dueEntry(t, store, "111", "oi", "quando abre o posto?", "do centro")
		p.tick(ctx)

		got, err := store.Get(ctx, e.ID)
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if got.Status != queue.StatusCompleted {
			t.Fatalf("status = %s, want completed", got.Status)
		}
		if got.Reply != gen.reply {
			t.Errorf("reply = %q", got.Reply)
		}
		if got.ScheduledSendAt == nil {
			t.Error("completed entry should have a send slot")
		}

		if len(gen.requests) != 1 {
			t.Fatalf("generator called %d times, want 1", len(gen.requests))
		}
		req := gen.requests[0]
		if req.Text != "oi\nquando abre o posto?\ndo centro" {
			t.Errorf("consolidated text = %q", req.Text)
		}
		if req.SenderName != "Maria" {
			t.Errorf("sender name = %q", req.SenderName)
		}
	})

	t.Run("skips entries whose window is open", func(t *testing.T) {
		gen := &fakeGenerator{reply: "resposta"}
		p, store := newTestProcessor(t, gen)

		key := queue.ConversationKey{Endpoint: "whatsapp", Address: "222"}
		e, err := store.GetOrCreateActive(ctx, key, time.Hour)
		if err != nil {
			t.Fatalf("create: %v", err)
		}
		if _, err := store.Append(ctx, e.ID, queue.PayloadItem{Kind: queue.ItemText, Content: "oi"}); err != nil {
			t.Fatalf("append: %v", err)
		}

		p.tick(ctx)

		got, _ := store.Get(ctx, e.ID)
		if got.Status != queue.StatusCollecting {
			t.Errorf("status = %s, want collecting", got.Status)
		}
		if len(gen.requests) != 0 {
			t.Errorf("generator should not run for open windows")
		}
	})

	t.Run("generation error re-readies the entry", func(t *testing.T) {
		gen := &fakeGenerator{err: fmt.Errorf("model unavailable")}
		p, store := newTestProcessor(t, gen)

		e := dueEntry(t, store, "333", "pergunta importante")
		p.tick(ctx)

		got, _ := store.Get(ctx, e.ID)
		if got.Status != queue.StatusReady {
			t.Errorf("status = %s, want ready", got.Status)
		}
		if got.RetryCount != 1 {
			t.Errorf("retry count = %d, want 1", got.RetryCount)
		}
		if got.LastError != "model unavailable" {
			t.Errorf("last error = %q", got.LastError)
		}
	})

	t.Run("retries exhaust into terminal failed", func(t *testing.T) {
		gen := &fakeGenerator{err: fmt.Errorf("model unavailable")}
		p, store := newTestProcessor(t, gen)

		e := dueEntry(t, store, "444", "pergunta")
		for i := 0; i < 3; i++ {
			p.tick(ctx)
		}

		got, _ := store.Get(ctx, e.ID)
		if got.Status != queue.StatusFailed {
			t.Errorf("status after 3 failed ticks = %s, want failed", got.Status)
		}
		if got.RetryCount != 3 {
			t.Errorf("retry count = %d, want 3", got.RetryCount)
		}

		// A terminal entry never reaches generation again.
		calls := len(gen.requests)
		p.tick(ctx)
		if len(gen.requests) != calls {
			t.Error("failed entry was processed again")
		}
	})

	t.Run("empty reply counts as failure", func(t *testing.T) {
		gen := &fakeGenerator{reply: ""}
		p, store := newTestProcessor(t, gen)

		e := dueEntry(t, store, "555", "pergunta")
		p.tick(ctx)

		got, _ := store.Get(ctx, e.ID)
		if got.Status != queue.StatusReady {
			t.Errorf("status = %s, want ready", got.Status)
		}
	})

	t.Run("empty payload fails without calling the generator", func(t *testing.T) {
		gen := &fakeGenerator{reply: "resposta"}
		p, store := newTestProcessor(t, gen)

		e := dueEntry(t, store, "666")
		p.tick(ctx)

		got, _ := store.Get(ctx, e.ID)
		if got.Status != queue.StatusReady {
			t.Errorf("status = %s, want ready", got.Status)
		}
		if len(gen.requests) != 0 {
			t.Error("generator should not see empty payloads")
		}
	})
}

// flakyMinutesStore fails ScheduledMinutes a set number of times before
// delegating to the wrapped store.
type flakyMinutesStore struct {
	queue.Store
	failures int
}

func (s *flakyMinutesStore) ScheduledMinutes(ctx context.Context) (map[time.Time]bool, error) {
	if s.failures > 0 {
		s.failures--
		return nil, fmt.Errorf("database locked")
	}
	return s.Store.ScheduledMinutes(ctx)
}

func TestTickReschedulesStrandedEntries(t *testing.T) {
	ctx := context.Background()
	gen := &fakeGenerator{reply: "Podemos falar amanhã de manhã."}

	store, err := queue.OpenSQLite(queue.SQLiteOptions{
		Path: filepath.Join(t.TempDir(), "queue.db"),
	})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	flaky := &flakyMinutesStore{Store: store, failures: 1}
	cfg := dispatch.DefaultConfig()
	cfg.Hours = dispatch.OperatingHours{Start: "00:01", End: "23:59", Timezone: "UTC"}
	dispatcher, err := dispatch.New(cfg, flaky, nil)
	if err != nil {
		t.Fatalf("new dispatcher: %v", err)
	}
	p := New(DefaultConfig(), store, gen, dispatcher, nil)

	e := dueEntry(t, store, "777", "oi, ainda tem vaga?")

	// First tick: the reply is stored but the scheduler cannot load the
	// occupied minutes, so the entry ends up completed without a slot.
	p.tick(ctx)
	got, err := store.Get(ctx, e.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != queue.StatusCompleted {
		t.Fatalf("status = %s, want completed", got.Status)
	}
	if got.ScheduledSendAt != nil {
		t.Fatalf("entry should have no slot after the scheduling failure")
	}

	// The next tick's sweep assigns a slot without regenerating the reply.
	p.tick(ctx)
	got, err = store.Get(ctx, e.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.ScheduledSendAt == nil {
		t.Fatal("stranded entry was not rescheduled on the next tick")
	}
	if got.Reply != gen.reply {
		t.Errorf("reply = %q", got.Reply)
	}
	if len(gen.requests) != 1 {
		t.Errorf("generator called %d times, want 1", len(gen.requests))
	}
}

func TestTickLeaseExclusion(t *testing.T) {
	ctx := context.Background()
	gen := &fakeGenerator{reply: "resposta"}
	p, store := newTestProcessor(t, gen)

	e := dueEntry(t, store, "111", "pergunta")

	// Another worker claims first.
	ok, err := store.Claim(ctx, e.ID, "other-worker", time.Now())
	if err != nil || !ok {
		t.Fatalf("claim by other worker: ok=%v err=%v", ok, err)
	}

	p.tick(ctx)

	if len(gen.requests) != 0 {
		t.Error("entry under another worker's lease must not be processed")
	}
	got, _ := store.Get(ctx, e.ID)
	if got.Lease == nil || got.Lease.Owner != "other-worker" {
		t.Errorf("lease = %+v, want other-worker's", got.Lease)
	}
}

type panicGenerator struct{}

func (panicGenerator) Generate(context.Context, generation.Request) (string, error) {
	panic("boom in generation")
}

func TestProcessContainsPanics(t *testing.T) {
	ctx := context.Background()
	p, store := newTestProcessor(t, panicGenerator{})

	e := dueEntry(t, store, "111", "pergunta")
	p.tick(ctx)

	got, _ := store.Get(ctx, e.ID)
	if got.Status != queue.StatusReady {
		t.Errorf("status after panic = %s, want ready", got.Status)
	}
	if got.LastError == "" {
		t.Error("panic reason should be recorded")
	}
}

func TestLastSenderName(t *testing.T) {
	e := &queue.Entry{Payload: []queue.PayloadItem{
		{SenderName: "João", Content: "a"},
		{SenderName: "", Content: "b"},
	}}
	if got := lastSenderName(e); got != "João" {
		t.Errorf("got %q, want João", got)
	}
	if got := lastSenderName(&queue.Entry{}); got != "" {
		t.Errorf("got %q for empty payload", got)
	}
}
