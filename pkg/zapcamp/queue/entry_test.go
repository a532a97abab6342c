package queue

import (
	"strings"
	"testing"
	"time"
)

func TestCanTransition(t *testing.T) {
	allowed := []struct{ from, to Status }{
		{StatusCollecting, StatusProcessing},
		{StatusReady, StatusProcessing},
		{StatusProcessing, StatusCompleted},
		{StatusProcessing, StatusReady},
		{StatusProcessing, StatusFailed},
		{StatusCompleted, StatusSent},
	}
	for _, tc := range allowed {
		if !CanTransition(tc.from, tc.to) {
			t.Errorf("expected %s -> %s to be allowed", tc.from, tc.to)
		}
	}

	denied := []struct{ from, to Status }{
		{StatusCollecting, StatusCompleted},
		{StatusCollecting, StatusSent},
		{StatusReady, StatusCompleted},
		{StatusCompleted, StatusProcessing},
		{StatusFailed, StatusReady},
		{StatusSent, StatusCompleted},
		{StatusFailed, StatusProcessing},
	}
	for _, tc := range denied {
		if CanTransition(tc.from, tc.to) {
			t.Errorf("expected %s -> %s to be rejected", tc.from, tc.to)
		}
	}
}

func TestStatusTerminal(t *testing.T) {
	for _, s := range []Status{StatusFailed, StatusSent} {
		if !s.Terminal() {
			t.Errorf("%s should be terminal", s)
		}
	}
	for _, s := range []Status{StatusCollecting, StatusReady, StatusProcessing, StatusCompleted} {
		if s.Terminal() {
			t.Errorf("%s should not be terminal", s)
		}
	}
}

func TestStatusActive(t *testing.T) {
	for _, s := range []Status{StatusCollecting, StatusReady, StatusProcessing} {
		if !s.Active() {
			t.Errorf("%s should count as active", s)
		}
	}
	for _, s := range []Status{StatusCompleted, StatusFailed, StatusSent} {
		if s.Active() {
			t.Errorf("%s should not count as active", s)
		}
	}
}

func TestConversationKey(t *testing.T) {
	key := ConversationKey{Endpoint: "whatsapp", Address: "5511999998888@s.whatsapp.net"}
	if got := key.String(); got != "whatsapp|5511999998888@s.whatsapp.net" {
		t.Errorf("unexpected key string: %q", got)
	}
	if !key.Valid() {
		t.Error("key with both parts should be valid")
	}
	if (ConversationKey{Endpoint: "whatsapp"}).Valid() {
		t.Error("key without address should be invalid")
	}
	if (ConversationKey{Address: "x"}).Valid() {
		t.Error("key without endpoint should be invalid")
	}
}

func TestLeaseExpired(t *testing.T) {
	now := time.Now()

	var nilLease *Lease
	if !nilLease.Expired(now, 5*time.Minute) {
		t.Error("nil lease should count as expired")
	}

	fresh := &Lease{Owner: "w1", AcquiredAt: now.Add(-time.Minute)}
	if fresh.Expired(now, 5*time.Minute) {
		t.Error("one-minute-old lease should not be expired")
	}

	stale := &Lease{Owner: "w1", AcquiredAt: now.Add(-6 * time.Minute)}
	if !stale.Expired(now, 5*time.Minute) {
		t.Error("six-minute-old lease should be expired")
	}
}

func TestEntryDue(t *testing.T) {
	now := time.Now()

	e := &Entry{Status: StatusCollecting, WindowEnd: now.Add(-time.Second)}
	if !e.Due(now) {
		t.Error("collecting entry past its window should be due")
	}

	e = &Entry{Status: StatusCollecting, WindowEnd: now.Add(time.Minute)}
	if e.Due(now) {
		t.Error("entry with open window should not be due")
	}

	e = &Entry{Status: StatusSent, WindowEnd: now.Add(-time.Hour)}
	if e.Due(now) {
		t.Error("terminal entry should never be due")
	}
}

func TestConsolidatedText(t *testing.T) {
	t.Run("joins text items in order", func(t *testing.T) {
		e := &Entry{Payload: []PayloadItem{
			{Kind: ItemText, Content: "oi, tudo bem?"},
			{Kind: ItemText, Content: "queria saber sobre saúde"},
			{Kind: ItemText, Content: "no meu bairro"},
		}}
		want := "oi, tudo bem?\nqueria saber sobre saúde\nno meu bairro"
		if got := e.ConsolidatedText(); got != want {
			t.Errorf("got %q, want %q", got, want)
		}
	})

	t.Run("media items carry a kind marker", func(t *testing.T) {
		e := &Entry{Payload: []PayloadItem{
			{Kind: ItemText, Content: "olha essa foto"},
			{Kind: ItemImage, Content: "praça abandonada"},
			{Kind: ItemAudio},
		}}
		got := e.ConsolidatedText()
		if !strings.Contains(got, "[image] praça abandonada") {
			t.Errorf("image caption missing marker: %q", got)
		}
		if !strings.Contains(got, "[audio]") {
			t.Errorf("captionless media missing marker: %q", got)
		}
	})

	t.Run("empty payload", func(t *testing.T) {
		e := &Entry{}
		if got := e.ConsolidatedText(); got != "" {
			t.Errorf("expected empty string, got %q", got)
		}
	})
}
