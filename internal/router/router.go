// Package router turns transport events into durable state and queue
// wakeups. It persists every inbound message, evaluates trigger policy for
// the chat, and signals the folder's worker when a run is warranted.
package router

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/nanoclaw/nanoclaw/internal/store"
	"github.com/nanoclaw/nanoclaw/internal/transport"
)

// Waker wakes a folder's queue worker.
type Waker interface {
	Wake(folder string)
}

// Router handles inbound traffic for all transports.
type Router struct {
	st   *store.Store
	wake Waker
	poll time.Duration
	log  *slog.Logger
}

func New(st *store.Store, wake Waker, poll time.Duration, log *slog.Logger) *Router {
	if log == nil {
		log = slog.Default()
	}
	if poll <= 0 {
		poll = 2 * time.Second
	}
	return &Router{st: st, wake: wake, poll: poll, log: log}
}

// Callbacks returns the transport callback set backed by this router.
func (r *Router) Callbacks() transport.Callbacks {
	return transport.Callbacks{
		OnMessage:      r.HandleMessage,
		OnChatMetadata: r.HandleChatMetadata,
	}
}

// HandleChatMetadata refreshes chat metadata. Errors are logged, never
// surfaced to the transport.
func (r *Router) HandleChatMetadata(ctx context.Context, meta transport.ChatMetadata) {
	err := r.st.UpsertChat(ctx, store.Chat{
		JID:       meta.ChatID,
		Name:      meta.Name,
		Transport: meta.Transport,
		IsGroup:   meta.IsGroup,
	})
	if err != nil {
		r.log.Warn("upsert chat failed", "chat", meta.ChatID, "error", err)
	}
}

// HandleMessage persists one inbound message and wakes the owning folder
// when trigger policy allows a run. Transports never see an error: a
// persistence failure is logged and the message is dropped (the transport
// may redeliver; the idempotent insert makes that safe).
func (r *Router) HandleMessage(ctx context.Context, msg transport.Inbound) {
	err := r.st.UpsertChat(ctx, store.Chat{
		JID:             msg.ChatID,
		Transport:       msg.Transport,
		LastMessageTime: msg.Timestamp,
	})
	if err != nil {
		r.log.Warn("upsert chat failed", "chat", msg.ChatID, "error", err)
	}
	err = r.st.StoreMessage(ctx, store.Message{
		ChatJID:    msg.ChatID,
		ID:         msg.MessageID,
		Sender:     msg.Sender,
		SenderName: msg.SenderName,
		Content:    msg.Text,
		Timestamp:  msg.Timestamp,
	})
	if err != nil {
		r.log.Warn("store message failed", "chat", msg.ChatID, "id", msg.MessageID, "error", err)
		return
	}

	reg, err := r.st.GetRegisteredChat(ctx, msg.ChatID)
	if errors.Is(err, store.ErrNotFound) {
		// Unregistered chats accumulate history only.
		return
	}
	if err != nil {
		r.log.Warn("registration lookup failed", "chat", msg.ChatID, "error", err)
		return
	}
	if reg.RequiresTrigger && !Triggered(reg.TriggerPhrase, msg.Text) {
		// Stored as context for the next triggered run.
		r.log.Debug("message without trigger", "chat", msg.ChatID, "folder", reg.Folder)
		return
	}
	r.wake.Wake(reg.Folder)
}

// Run is the fallback sweep: folders whose chat has undelivered messages
// satisfying trigger policy get re-woken. It covers crash recovery at
// startup and transports whose callbacks were missed.
func (r *Router) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.poll)
	defer ticker.Stop()

	r.sweep(ctx)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			r.sweep(ctx)
		}
	}
}

func (r *Router) sweep(ctx context.Context) {
	folders, err := r.st.FoldersWithPending(ctx)
	if err != nil {
		r.log.Warn("pending sweep failed", "error", err)
		return
	}
	for _, folder := range folders {
		if r.shouldWake(ctx, folder) {
			r.wake.Wake(folder)
		}
	}
}

// shouldWake applies trigger policy to a folder's undelivered messages.
func (r *Router) shouldWake(ctx context.Context, folder string) bool {
	reg, err := r.st.GetRegisteredByFolder(ctx, folder)
	if err != nil {
		return false
	}
	if !reg.RequiresTrigger {
		return true
	}
	cursor, err := r.st.Cursor(ctx, folder)
	if err != nil {
		return false
	}
	msgs, err := r.st.MessagesSince(ctx, reg.ChatJID, cursor)
	if err != nil {
		return false
	}
	for _, m := range msgs {
		if Triggered(reg.TriggerPhrase, m.Content) {
			return true
		}
	}
	return false
}
