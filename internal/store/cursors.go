package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Cursor returns the last-delivered timestamp for a folder. A folder with no
// cursor row gets the zero time, which delivers from the beginning.
func (s *Store) Cursor(ctx context.Context, folder string) (time.Time, error) {
	var raw string
	err := s.db.QueryRowContext(ctx,
		`SELECT last_delivered FROM router_state WHERE folder = ?`, folder).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("cursor %s: %w", folder, err)
	}
	t, err := parseTime(raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("cursor %s: %w", folder, err)
	}
	return t, nil
}

// AdvanceCursor moves the folder cursor forward to ts. A stale ts (at or
// behind the stored value) leaves the row untouched, so concurrent or
// replayed advances can never rewind delivery.
func (s *Store) AdvanceCursor(ctx context.Context, folder string, ts time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO router_state (folder, last_delivered) VALUES (?, ?)
		ON CONFLICT (folder) DO UPDATE SET
			last_delivered = excluded.last_delivered
		WHERE excluded.last_delivered > router_state.last_delivered`,
		folder, fmtTime(ts))
	if err != nil {
		return fmt.Errorf("advance cursor %s: %w", folder, err)
	}
	return nil
}

// AdvanceCursorWithSession atomically advances the cursor and records the
// provider session id from the finished run. Batch completion and session
// continuity commit or fail together.
func (s *Store) AdvanceCursorWithSession(ctx context.Context, folder string, ts time.Time, sessionID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("advance cursor tx %s: %w", folder, err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO router_state (folder, last_delivered) VALUES (?, ?)
		ON CONFLICT (folder) DO UPDATE SET
			last_delivered = excluded.last_delivered
		WHERE excluded.last_delivered > router_state.last_delivered`,
		folder, fmtTime(ts)); err != nil {
		return fmt.Errorf("advance cursor %s: %w", folder, err)
	}
	if sessionID != "" {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO sessions (folder, session_id, updated_at) VALUES (?, ?, ?)
			ON CONFLICT (folder) DO UPDATE SET
				session_id = excluded.session_id,
				updated_at = excluded.updated_at`,
			folder, sessionID, fmtTime(time.Now())); err != nil {
			return fmt.Errorf("save session %s: %w", folder, err)
		}
	}
	return tx.Commit()
}

// SaveSession records the provider session id for a folder without touching
// the delivery cursor. Used by group-context task runs.
func (s *Store) SaveSession(ctx context.Context, folder, sessionID string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (folder, session_id, updated_at) VALUES (?, ?, ?)
		ON CONFLICT (folder) DO UPDATE SET
			session_id = excluded.session_id,
			updated_at = excluded.updated_at`,
		folder, sessionID, fmtTime(time.Now()))
	if err != nil {
		return fmt.Errorf("save session %s: %w", folder, err)
	}
	return nil
}

// Session returns the saved provider session id for a folder, or "" when the
// folder has none yet.
func (s *Store) Session(ctx context.Context, folder string) (string, error) {
	var id string
	err := s.db.QueryRowContext(ctx,
		`SELECT session_id FROM sessions WHERE folder = ?`, folder).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("session %s: %w", folder, err)
	}
	return id, nil
}

// ClearSession drops the saved session so the next run starts fresh.
func (s *Store) ClearSession(ctx context.Context, folder string) error {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM sessions WHERE folder = ?`, folder); err != nil {
		return fmt.Errorf("clear session %s: %w", folder, err)
	}
	return nil
}

// FoldersWithPending returns folders whose registered chat has messages
// newer than the folder cursor. Used by the router's fallback sweep and for
// crash recovery at startup.
func (s *Store) FoldersWithPending(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT rc.folder
		FROM registered_chats rc
		LEFT JOIN router_state rs ON rs.folder = rc.folder
		WHERE EXISTS (
			SELECT 1 FROM messages m
			WHERE m.chat_jid = rc.chat_jid
			  AND m.is_from_me = 0
			  AND m.timestamp > COALESCE(rs.last_delivered, '')
		)`)
	if err != nil {
		return nil, fmt.Errorf("folders with pending: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var f string
		if err := rows.Scan(&f); err != nil {
			return nil, fmt.Errorf("scan folder: %w", err)
		}
		out = append(out, f)
	}
	return out, rows.Err()
}
