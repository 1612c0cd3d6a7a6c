package transport

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
)

type fakeTransport struct {
	name    string
	prefix  string
	maxSize int

	mu       sync.Mutex
	sent     []string
	failNext int
}

func (f *fakeTransport) Name() string                              { return f.name }
func (f *fakeTransport) Connect(context.Context, Callbacks) error  { return nil }
func (f *fakeTransport) Disconnect() error                         { return nil }
func (f *fakeTransport) MaxMessageSize() int                       { return f.maxSize }
func (f *fakeTransport) OwnsChatID(id string) bool                 { return strings.HasPrefix(id, f.prefix) }

func (f *fakeTransport) Send(_ context.Context, chatID, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failNext > 0 {
		f.failNext--
		return errors.New("transient network error")
	}
	f.sent = append(f.sent, text)
	return nil
}

func TestManagerResolvesByChatID(t *testing.T) {
	m := NewManager(0, nil, nil)
	a := &fakeTransport{name: "a", prefix: "a:"}
	b := &fakeTransport{name: "b", prefix: "b:"}
	m.Register(a)
	m.Register(b)

	got, err := m.ForChat("b:123")
	if err != nil {
		t.Fatal(err)
	}
	if got.Name() != "b" {
		t.Errorf("ForChat = %s, want b", got.Name())
	}
	if _, err := m.ForChat("c:1"); !errors.Is(err, ErrNoTransport) {
		t.Errorf("unknown chat err = %v, want ErrNoTransport", err)
	}
}

func TestSendReplySplitsInOrder(t *testing.T) {
	m := NewManager(0, nil, nil)
	ft := &fakeTransport{name: "a", prefix: "a:", maxSize: 30}
	m.Register(ft)

	text := "first paragraph here.\n\nsecond paragraph follows."
	if err := m.SendReply(context.Background(), "a:1", text); err != nil {
		t.Fatal(err)
	}
	if len(ft.sent) != 2 {
		t.Fatalf("sent %d segments, want 2", len(ft.sent))
	}
	if ft.sent[0] != "first paragraph here." || ft.sent[1] != "second paragraph follows." {
		t.Errorf("segments out of order: %v", ft.sent)
	}
}

func TestSendReplyRetriesTransientFailure(t *testing.T) {
	m := NewManager(0, nil, nil)
	ft := &fakeTransport{name: "a", prefix: "a:", failNext: 1}
	m.Register(ft)

	if err := m.SendReply(context.Background(), "a:1", "hello"); err != nil {
		t.Fatalf("expected retry to succeed: %v", err)
	}
	if len(ft.sent) != 1 {
		t.Errorf("sent = %v, want one delivery", ft.sent)
	}
}

func TestSendReplyReportsExhaustedRetries(t *testing.T) {
	m := NewManager(0, nil, nil)
	ft := &fakeTransport{name: "a", prefix: "a:", failNext: sendAttempts}
	m.Register(ft)

	if err := m.SendReply(context.Background(), "a:1", "hello"); err == nil {
		t.Fatal("expected error after exhausted retries")
	}
	if len(ft.sent) != 0 {
		t.Errorf("sent = %v, want none", ft.sent)
	}
}
