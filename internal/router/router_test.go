package router

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/nanoclaw/nanoclaw/internal/store"
	"github.com/nanoclaw/nanoclaw/internal/transport"
)

type fakeWaker struct {
	mu    sync.Mutex
	woken []string
}

func (f *fakeWaker) Wake(folder string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.woken = append(f.woken, folder)
}

func (f *fakeWaker) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.woken)
}

func newTestRouter(t *testing.T) (*Router, *store.Store, *fakeWaker) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })
	w := &fakeWaker{}
	return New(st, w, time.Second, nil), st, w
}

func inbound(chatID, id, text string, at time.Time) transport.Inbound {
	return transport.Inbound{
		Transport: "test", ChatID: chatID, MessageID: id,
		Sender: "user1", SenderName: "User", Text: text, Timestamp: at,
	}
}

func TestHandleMessageTriggerPolicy(t *testing.T) {
	r, st, w := newTestRouter(t)
	ctx := context.Background()
	base := time.Date(2026, 7, 1, 10, 0, 0, 0, time.UTC)

	reg := store.RegisteredChat{
		ChatJID: "g1", Folder: "family",
		TriggerPhrase: "@andy", RequiresTrigger: true, AddedAt: base,
	}
	if err := st.RegisterChat(ctx, reg); err != nil {
		t.Fatal(err)
	}

	// Non-triggering message: stored, no wake.
	r.HandleMessage(ctx, inbound("g1", "m1", "just chatting", base.Add(time.Minute)))
	if w.count() != 0 {
		t.Fatalf("woken = %v, want none for untriggered message", w.woken)
	}
	msgs, err := st.MessagesSince(ctx, "g1", base)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 {
		t.Fatalf("untriggered message must still be stored, got %d", len(msgs))
	}

	// Triggering message wakes the folder.
	r.HandleMessage(ctx, inbound("g1", "m2", "@andy summarize the chat", base.Add(2*time.Minute)))
	if w.count() != 1 || w.woken[0] != "family" {
		t.Fatalf("woken = %v, want [family]", w.woken)
	}
}

func TestHandleMessageNoTriggerRequired(t *testing.T) {
	r, st, w := newTestRouter(t)
	ctx := context.Background()
	base := time.Date(2026, 7, 1, 10, 0, 0, 0, time.UTC)

	reg := store.RegisteredChat{
		ChatJID: "dm1", Folder: store.MainFolder,
		RequiresTrigger: false, AddedAt: base,
	}
	if err := st.RegisterChat(ctx, reg); err != nil {
		t.Fatal(err)
	}

	r.HandleMessage(ctx, inbound("dm1", "m1", "anything at all", base.Add(time.Minute)))
	if w.count() != 1 || w.woken[0] != store.MainFolder {
		t.Fatalf("woken = %v, want [main]", w.woken)
	}
}

func TestHandleMessageUnregisteredChat(t *testing.T) {
	r, st, w := newTestRouter(t)
	ctx := context.Background()
	at := time.Date(2026, 7, 1, 10, 0, 0, 0, time.UTC)

	r.HandleMessage(ctx, inbound("stranger", "m1", "hello?", at))
	if w.count() != 0 {
		t.Errorf("unregistered chat woke %v", w.woken)
	}
	// History still accumulates.
	msgs, err := st.MessagesSince(ctx, "stranger", time.Time{})
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 {
		t.Errorf("stored %d messages, want 1", len(msgs))
	}
}

func TestSweepRecoversPending(t *testing.T) {
	r, st, w := newTestRouter(t)
	ctx := context.Background()
	base := time.Date(2026, 7, 1, 10, 0, 0, 0, time.UTC)

	reg := store.RegisteredChat{
		ChatJID: "g1", Folder: "family",
		TriggerPhrase: "@andy", RequiresTrigger: true, AddedAt: base,
	}
	if err := st.RegisterChat(ctx, reg); err != nil {
		t.Fatal(err)
	}
	// Messages written while the host was down: stored but never routed.
	msgs := []store.Message{
		{ChatJID: "g1", ID: "m1", Content: "context line", Timestamp: base.Add(time.Minute)},
		{ChatJID: "g1", ID: "m2", Content: "@andy are you back?", Timestamp: base.Add(2 * time.Minute)},
	}
	for _, m := range msgs {
		if err := st.StoreMessage(ctx, m); err != nil {
			t.Fatal(err)
		}
	}

	r.sweep(ctx)
	if w.count() != 1 || w.woken[0] != "family" {
		t.Fatalf("woken = %v, want [family]", w.woken)
	}
}

func TestSweepIgnoresUntriggeredPending(t *testing.T) {
	r, st, w := newTestRouter(t)
	ctx := context.Background()
	base := time.Date(2026, 7, 1, 10, 0, 0, 0, time.UTC)

	reg := store.RegisteredChat{
		ChatJID: "g1", Folder: "family",
		TriggerPhrase: "@andy", RequiresTrigger: true, AddedAt: base,
	}
	if err := st.RegisterChat(ctx, reg); err != nil {
		t.Fatal(err)
	}
	m := store.Message{ChatJID: "g1", ID: "m1", Content: "no trigger here", Timestamp: base.Add(time.Minute)}
	if err := st.StoreMessage(ctx, m); err != nil {
		t.Fatal(err)
	}

	r.sweep(ctx)
	if w.count() != 0 {
		t.Errorf("woken = %v, want none", w.woken)
	}
}
