package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// MainFolder is the privileged workspace folder. The chat registered to it
// may administer other registrations over IPC.
const MainFolder = "main"

// RegisteredChat binds a chat to a workspace folder.
type RegisteredChat struct {
	ChatJID         string
	Name            string
	Folder          string
	TriggerPhrase   string
	RequiresTrigger bool
	AddedAt         time.Time
	ContainerConfig *string
}

// IsMain reports whether this registration holds the privileged folder.
func (r RegisteredChat) IsMain() bool {
	return r.Folder == MainFolder
}

// RegisterChat records a chat-to-folder binding. Re-registering the same
// (chat, folder) pair is a no-op that keeps the original added_at, so the
// delivery cursor does not move backwards.
func (s *Store) RegisterChat(ctx context.Context, r RegisteredChat) error {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO registered_chats
			(chat_jid, name, folder, trigger_phrase, requires_trigger, added_at, container_config)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (chat_jid) DO NOTHING`,
		r.ChatJID, r.Name, r.Folder, r.TriggerPhrase, boolInt(r.RequiresTrigger),
		fmtTime(r.AddedAt), r.ContainerConfig)
	if err != nil {
		return fmt.Errorf("register chat %s: %w", r.ChatJID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil
	}
	// New registrations start delivering from added_at, not from history.
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO router_state (folder, last_delivered) VALUES (?, ?)
		ON CONFLICT (folder) DO NOTHING`,
		r.Folder, fmtTime(r.AddedAt))
	if err != nil {
		return fmt.Errorf("init cursor for %s: %w", r.Folder, err)
	}
	return nil
}

// GetRegisteredChat looks a registration up by chat id.
func (s *Store) GetRegisteredChat(ctx context.Context, chatJID string) (RegisteredChat, error) {
	return s.scanRegistered(s.db.QueryRowContext(ctx,
		selectRegistered+` WHERE chat_jid = ?`, chatJID))
}

// GetRegisteredByFolder looks a registration up by workspace folder.
func (s *Store) GetRegisteredByFolder(ctx context.Context, folder string) (RegisteredChat, error) {
	return s.scanRegistered(s.db.QueryRowContext(ctx,
		selectRegistered+` WHERE folder = ?`, folder))
}

// ListRegisteredChats returns every registration, ordered by folder.
func (s *Store) ListRegisteredChats(ctx context.Context) ([]RegisteredChat, error) {
	rows, err := s.db.QueryContext(ctx, selectRegistered+` ORDER BY folder`)
	if err != nil {
		return nil, fmt.Errorf("list registered chats: %w", err)
	}
	defer rows.Close()

	var out []RegisteredChat
	for rows.Next() {
		r, err := s.scanRegistered(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

const selectRegistered = `
	SELECT chat_jid, name, folder, trigger_phrase, requires_trigger, added_at, container_config
	FROM registered_chats`

type rowScanner interface {
	Scan(dest ...any) error
}

func (s *Store) scanRegistered(row rowScanner) (RegisteredChat, error) {
	var r RegisteredChat
	var requires int
	var addedAt string
	var cc sql.NullString
	err := row.Scan(&r.ChatJID, &r.Name, &r.Folder, &r.TriggerPhrase, &requires, &addedAt, &cc)
	if errors.Is(err, sql.ErrNoRows) {
		return RegisteredChat{}, ErrNotFound
	}
	if err != nil {
		return RegisteredChat{}, fmt.Errorf("scan registered chat: %w", err)
	}
	r.RequiresTrigger = requires != 0
	if r.AddedAt, err = parseTime(addedAt); err != nil {
		return RegisteredChat{}, fmt.Errorf("scan registered chat: %w", err)
	}
	if cc.Valid {
		r.ContainerConfig = &cc.String
	}
	return r, nil
}
