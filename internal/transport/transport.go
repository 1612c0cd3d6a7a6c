// Package transport defines the chat transport contract and the manager
// that routes outbound sends. Concrete network adapters plug in behind the
// Transport interface; the repo ships a console adapter for local use.
package transport

import (
	"context"
	"time"
)

// Inbound is a message arriving from a transport.
type Inbound struct {
	Transport  string
	ChatID     string
	MessageID  string
	Sender     string
	SenderName string
	Text       string
	Timestamp  time.Time
}

// ChatMetadata describes a conversation as the transport sees it.
type ChatMetadata struct {
	Transport string
	ChatID    string
	Name      string
	IsGroup   bool
}

// Callbacks is how a transport hands events to the host. Implementations
// must tolerate being called from the transport's own goroutines.
type Callbacks struct {
	OnMessage      func(ctx context.Context, msg Inbound)
	OnChatMetadata func(ctx context.Context, meta ChatMetadata)
}

// Transport is one chat backend.
type Transport interface {
	// Name identifies the transport in logs and chat metadata.
	Name() string
	// Connect starts the transport and begins delivering events to cb.
	// It returns once the transport is established; delivery continues in
	// the background until Disconnect or ctx cancellation.
	Connect(ctx context.Context, cb Callbacks) error
	// Disconnect stops delivery and releases resources.
	Disconnect() error
	// Send delivers one already-sized message to a chat.
	Send(ctx context.Context, chatID, text string) error
	// MaxMessageSize is the transport's outbound size limit in bytes.
	// Zero means unlimited.
	MaxMessageSize() int
	// OwnsChatID reports whether chatID belongs to this transport's
	// namespace.
	OwnsChatID(chatID string) bool
}
