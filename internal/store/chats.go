package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Chat is transport-level metadata about a conversation.
type Chat struct {
	JID             string
	Name            string
	Transport       string
	IsGroup         bool
	LastMessageTime time.Time
}

// Message is one stored chat message. (ChatJID, ID) is unique; replays of
// the same transport message are ignored on insert.
type Message struct {
	ChatJID    string
	ID         string
	Sender     string
	SenderName string
	Content    string
	Timestamp  time.Time
	IsFromMe   bool
}

// UpsertChat inserts or refreshes chat metadata. LastMessageTime only moves
// forward.
func (s *Store) UpsertChat(ctx context.Context, c Chat) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO chats (jid, name, transport, is_group, last_message_time)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (jid) DO UPDATE SET
			name = excluded.name,
			transport = excluded.transport,
			is_group = excluded.is_group,
			last_message_time = MAX(chats.last_message_time, excluded.last_message_time)`,
		c.JID, c.Name, c.Transport, boolInt(c.IsGroup), fmtTime(c.LastMessageTime))
	if err != nil {
		return fmt.Errorf("upsert chat %s: %w", c.JID, err)
	}
	return nil
}

// GetChat returns chat metadata, or ErrNotFound.
func (s *Store) GetChat(ctx context.Context, jid string) (Chat, error) {
	var c Chat
	var isGroup int
	var lastMsg string
	err := s.db.QueryRowContext(ctx, `
		SELECT jid, name, transport, is_group, last_message_time
		FROM chats WHERE jid = ?`, jid).
		Scan(&c.JID, &c.Name, &c.Transport, &isGroup, &lastMsg)
	if errors.Is(err, sql.ErrNoRows) {
		return Chat{}, ErrNotFound
	}
	if err != nil {
		return Chat{}, fmt.Errorf("get chat %s: %w", jid, err)
	}
	c.IsGroup = isGroup != 0
	if c.LastMessageTime, err = parseTime(lastMsg); err != nil {
		return Chat{}, fmt.Errorf("get chat %s: %w", jid, err)
	}
	return c, nil
}

// StoreMessage persists a message. Duplicate (chat, id) pairs are dropped
// silently, which makes transport redelivery harmless.
func (s *Store) StoreMessage(ctx context.Context, m Message) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO messages (chat_jid, id, sender, sender_name, content, timestamp, is_from_me)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (chat_jid, id) DO NOTHING`,
		m.ChatJID, m.ID, m.Sender, m.SenderName, m.Content, fmtTime(m.Timestamp), boolInt(m.IsFromMe))
	if err != nil {
		return fmt.Errorf("store message %s/%s: %w", m.ChatJID, m.ID, err)
	}
	return nil
}

// MessagesSince returns inbound messages in chat strictly after the cursor
// timestamp, oldest first. Messages sent by the assistant are excluded.
func (s *Store) MessagesSince(ctx context.Context, chatJID string, after time.Time) ([]Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT chat_jid, id, sender, sender_name, content, timestamp, is_from_me
		FROM messages
		WHERE chat_jid = ? AND timestamp > ? AND is_from_me = 0
		ORDER BY timestamp, id`,
		chatJID, fmtTime(after))
	if err != nil {
		return nil, fmt.Errorf("messages since %s: %w", chatJID, err)
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		var m Message
		var isFromMe int
		var ts string
		if err := rows.Scan(&m.ChatJID, &m.ID, &m.Sender, &m.SenderName, &m.Content, &ts, &isFromMe); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		m.IsFromMe = isFromMe != 0
		if m.Timestamp, err = parseTime(ts); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
