package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"slices"
	"time"

	"chatwire/pkg/types"
)

const messageColumns = `id, conversation_id, sender_id, kind, content, status, created_at,
	delivered_at, read_at, edited, edited_at, deleted, deleted_at, reply_to_id, pinned_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(row rowScanner) (*types.Message, error) {
	var (
		msg                                      types.Message
		delivered, read, edited, deleted, pinned sql.NullTime
		replyTo                                  sql.NullString
	)
	err := row.Scan(
		&msg.ID,
		&msg.ConversationID,
		&msg.SenderID,
		&msg.Kind,
		&msg.Content,
		&msg.Status,
		&msg.CreatedAt,
		&delivered,
		&read,
		&msg.Edited,
		&edited,
		&msg.Deleted,
		&deleted,
		&replyTo,
		&pinned,
	)
	if err != nil {
		return nil, err
	}
	msg.CreatedAt = msg.CreatedAt.UTC()
	msg.DeliveredAt = nullTime(delivered)
	msg.ReadAt = nullTime(read)
	msg.EditedAt = nullTime(edited)
	msg.DeletedAt = nullTime(deleted)
	msg.PinnedAt = nullTime(pinned)
	msg.ReplyToID = nullString(replyTo)
	return &msg, nil
}

// CreateMessage stores a new message in SENT state.
func (m *Manager) CreateMessage(ctx context.Context, msg *types.Message) error {
	return m.write(ctx, func(db *sql.DB) error {
		_, err := db.ExecContext(ctx, `
			INSERT INTO messages (id, conversation_id, sender_id, kind, content, status, created_at, reply_to_id)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		`,
			msg.ID,
			msg.ConversationID,
			msg.SenderID,
			msg.Kind,
			msg.Content,
			msg.Status,
			utc(msg.CreatedAt),
			msg.ReplyToID,
		)
		if err != nil {
			return fmt.Errorf("failed to insert message: %w", err)
		}
		return nil
	})
}

// GetMessage retrieves a message by ID
func (m *Manager) GetMessage(ctx context.Context, messageID string) (*types.Message, error) {
	var msg *types.Message
	err := m.guard(func() error {
		row := m.db.QueryRowContext(ctx, `SELECT `+messageColumns+` FROM messages WHERE id = ?`, messageID)
		var err error
		msg, err = scanMessage(row)
		if errors.Is(err, sql.ErrNoRows) {
			return types.NotFound("message", messageID)
		}
		if err != nil {
			return fmt.Errorf("failed to query message: %w", err)
		}
		return nil
	})
	return msg, err
}

// AdvanceStatus applies a forward-only status transition.
// TECHNICAL DISCOVERY: the rank comparison lives in the WHERE clause so the
// check and the write are one statement and concurrent acks cannot regress
func (m *Manager) AdvanceStatus(ctx context.Context, messageID string, status types.MessageStatus, at time.Time) (bool, error) {
	ts := utc(at)
	var (
		query string
		args  []any
	)
	switch status {
	case types.StatusDelivered:
		query = `UPDATE messages SET status = ?, delivered_at = ? WHERE id = ? AND status < ?`
		args = []any{status, ts, messageID, status}
	case types.StatusRead:
		query = `UPDATE messages SET status = ?, read_at = ?, delivered_at = COALESCE(delivered_at, ?)
			WHERE id = ? AND status < ?`
		args = []any{status, ts, ts, messageID, status}
	default:
		return false, types.Validation(fmt.Sprintf("cannot advance to %s", status))
	}

	var changed bool
	err := m.write(ctx, func(db *sql.DB) error {
		res, err := db.ExecContext(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("failed to advance message status: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		changed = n > 0
		return nil
	})
	return changed, err
}

// MarkConversationRead marks every unread incoming message as READ.
func (m *Manager) MarkConversationRead(ctx context.Context, conversationID, readerID string, at time.Time) ([]string, error) {
	var ids []string
	err := m.writeTx(ctx, func(tx *sql.Tx) error {
		ids = ids[:0]
		rows, err := tx.QueryContext(ctx, `
			SELECT id FROM messages
			WHERE conversation_id = ? AND sender_id <> ? AND status < ?
			ORDER BY created_at ASC
		`, conversationID, readerID, types.StatusRead)
		if err != nil {
			return fmt.Errorf("failed to query unread messages: %w", err)
		}
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				_ = rows.Close()
				return err
			}
			ids = append(ids, id)
		}
		if err := rows.Close(); err != nil {
			return err
		}
		if len(ids) == 0 {
			return nil
		}

		ts := utc(at)
		_, err = tx.ExecContext(ctx, `
			UPDATE messages
			SET status = ?, read_at = ?, delivered_at = COALESCE(delivered_at, ?)
			WHERE conversation_id = ? AND sender_id <> ? AND status < ?
		`, types.StatusRead, ts, ts, conversationID, readerID, types.StatusRead)
		if err != nil {
			return fmt.Errorf("failed to mark conversation read: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return ids, nil
}

// UpdateContent rewrites the content of a live message and flags it edited.
func (m *Manager) UpdateContent(ctx context.Context, messageID, content string, at time.Time) error {
	return m.write(ctx, func(db *sql.DB) error {
		res, err := db.ExecContext(ctx, `
			UPDATE messages SET content = ?, edited = 1, edited_at = ?
			WHERE id = ? AND deleted = 0
		`, content, utc(at), messageID)
		if err != nil {
			return fmt.Errorf("failed to update message: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return types.ErrMessageDeleted
		}
		return nil
	})
}

// SoftDelete replaces the content with the deleted sentinel.
func (m *Manager) SoftDelete(ctx context.Context, messageID string, at time.Time) (bool, error) {
	var changed bool
	err := m.write(ctx, func(db *sql.DB) error {
		res, err := db.ExecContext(ctx, `
			UPDATE messages SET content = ?, deleted = 1, deleted_at = ?
			WHERE id = ? AND deleted = 0
		`, types.DeletedContent, utc(at), messageID)
		if err != nil {
			return fmt.Errorf("failed to delete message: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		changed = n > 0
		return nil
	})
	return changed, err
}

// ListMessages returns up to limit messages older than before in
// chronological order. A zero before means "latest".
func (m *Manager) ListMessages(ctx context.Context, conversationID string, before time.Time, limit int) ([]*types.Message, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	query := `SELECT ` + messageColumns + ` FROM messages WHERE conversation_id = ?`
	args := []any{conversationID}
	if !before.IsZero() {
		query += ` AND created_at < ?`
		args = append(args, utc(before))
	}
	query += ` ORDER BY created_at DESC, id DESC LIMIT ?`
	args = append(args, limit)

	var messages []*types.Message
	err := m.guard(func() error {
		rows, err := m.db.QueryContext(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("failed to query messages: %w", err)
		}
		defer func() { _ = rows.Close() }()

		for rows.Next() {
			msg, err := scanMessage(rows)
			if err != nil {
				return fmt.Errorf("failed to scan message row: %w", err)
			}
			messages = append(messages, msg)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	slices.Reverse(messages)
	return messages, nil
}

// SetReaction inserts or replaces the user's reaction on a message.
func (m *Manager) SetReaction(ctx context.Context, r *types.Reaction) error {
	return m.write(ctx, func(db *sql.DB) error {
		_, err := db.ExecContext(ctx, `
			INSERT INTO message_reactions (message_id, user_id, emoji, created_at)
			VALUES (?, ?, ?, ?)
			ON CONFLICT (message_id, user_id) DO UPDATE SET emoji = excluded.emoji, created_at = excluded.created_at
		`, r.MessageID, r.UserID, r.Emoji, utc(r.CreatedAt))
		if err != nil {
			return fmt.Errorf("failed to upsert reaction: %w", err)
		}
		return nil
	})
}

// RemoveReaction deletes the user's reaction and reports whether one existed.
func (m *Manager) RemoveReaction(ctx context.Context, messageID, userID string) (bool, error) {
	var removed bool
	err := m.write(ctx, func(db *sql.DB) error {
		res, err := db.ExecContext(ctx, `DELETE FROM message_reactions WHERE message_id = ? AND user_id = ?`, messageID, userID)
		if err != nil {
			return fmt.Errorf("failed to delete reaction: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		removed = n > 0
		return nil
	})
	return removed, err
}

// ListReactions returns the reactions on a message, oldest first.
func (m *Manager) ListReactions(ctx context.Context, messageID string) ([]types.Reaction, error) {
	reactions := []types.Reaction{}
	err := m.guard(func() error {
		rows, err := m.db.QueryContext(ctx, `
			SELECT message_id, user_id, emoji, created_at FROM message_reactions
			WHERE message_id = ? ORDER BY created_at ASC, user_id ASC
		`, messageID)
		if err != nil {
			return fmt.Errorf("failed to query reactions: %w", err)
		}
		defer func() { _ = rows.Close() }()

		for rows.Next() {
			var r types.Reaction
			if err := rows.Scan(&r.MessageID, &r.UserID, &r.Emoji, &r.CreatedAt); err != nil {
				return fmt.Errorf("failed to scan reaction row: %w", err)
			}
			r.CreatedAt = r.CreatedAt.UTC()
			reactions = append(reactions, r)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return reactions, nil
}
