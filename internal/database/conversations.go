package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"chatwire/pkg/types"
)

// CreateConversation stores a conversation and its participants atomically.
func (m *Manager) CreateConversation(ctx context.Context, conv *types.Conversation) error {
	return m.writeTx(ctx, func(tx *sql.Tx) error {
		created := utc(conv.CreatedAt)
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO conversations (id, kind, created_at) VALUES (?, ?, ?)
		`, conv.ID, conv.Kind, created); err != nil {
			return fmt.Errorf("failed to insert conversation: %w", err)
		}

		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO conversation_participants (conversation_id, user_id, joined_at) VALUES (?, ?, ?)
		`)
		if err != nil {
			return fmt.Errorf("failed to prepare participant insert: %w", err)
		}
		defer func() { _ = stmt.Close() }()

		for _, userID := range conv.Participants {
			if _, err := stmt.ExecContext(ctx, conv.ID, userID, created); err != nil {
				return fmt.Errorf("failed to insert participant %s: %w", userID, err)
			}
		}
		return nil
	})
}

// GetConversation retrieves a conversation with its participants.
func (m *Manager) GetConversation(ctx context.Context, conversationID string) (*types.Conversation, error) {
	var conv *types.Conversation
	err := m.guard(func() error {
		c := types.Conversation{}
		err := m.db.QueryRowContext(ctx, `
			SELECT id, kind, created_at FROM conversations WHERE id = ?
		`, conversationID).Scan(&c.ID, &c.Kind, &c.CreatedAt)
		if errors.Is(err, sql.ErrNoRows) {
			return types.NotFound("conversation", conversationID)
		}
		if err != nil {
			return fmt.Errorf("failed to query conversation: %w", err)
		}
		c.CreatedAt = c.CreatedAt.UTC()

		rows, err := m.db.QueryContext(ctx, `
			SELECT user_id FROM conversation_participants
			WHERE conversation_id = ? ORDER BY joined_at ASC, user_id ASC
		`, conversationID)
		if err != nil {
			return fmt.Errorf("failed to query participants: %w", err)
		}
		defer func() { _ = rows.Close() }()

		for rows.Next() {
			var userID string
			if err := rows.Scan(&userID); err != nil {
				return fmt.Errorf("failed to scan participant: %w", err)
			}
			c.Participants = append(c.Participants, userID)
		}
		if err := rows.Err(); err != nil {
			return err
		}
		conv = &c
		return nil
	})
	return conv, err
}

// IsBlocked reports whether blockerID has blocked blockedID.
func (m *Manager) IsBlocked(ctx context.Context, blockerID, blockedID string) (bool, error) {
	var blocked bool
	err := m.guard(func() error {
		var one int
		err := m.db.QueryRowContext(ctx, `
			SELECT 1 FROM blocks WHERE blocker_id = ? AND blocked_id = ?
		`, blockerID, blockedID).Scan(&one)
		if errors.Is(err, sql.ErrNoRows) {
			blocked = false
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to query block: %w", err)
		}
		blocked = true
		return nil
	})
	return blocked, err
}

// Block records that blockerID blocks blockedID. Repeating is a no-op.
func (m *Manager) Block(ctx context.Context, blockerID, blockedID string, at time.Time) error {
	if blockerID == blockedID {
		return types.Validation("cannot block yourself")
	}
	return m.write(ctx, func(db *sql.DB) error {
		_, err := db.ExecContext(ctx, `
			INSERT OR IGNORE INTO blocks (blocker_id, blocked_id, created_at) VALUES (?, ?, ?)
		`, blockerID, blockedID, utc(at))
		if err != nil {
			return fmt.Errorf("failed to insert block: %w", err)
		}
		return nil
	})
}

// Unblock removes a block relation. Missing relations are ignored.
func (m *Manager) Unblock(ctx context.Context, blockerID, blockedID string) error {
	return m.write(ctx, func(db *sql.DB) error {
		_, err := db.ExecContext(ctx, `DELETE FROM blocks WHERE blocker_id = ? AND blocked_id = ?`, blockerID, blockedID)
		if err != nil {
			return fmt.Errorf("failed to delete block: %w", err)
		}
		return nil
	})
}

// SavePresence upserts the user's presence row. A save stamped earlier than
// the stored row loses, so late retries cannot roll presence back.
func (m *Manager) SavePresence(ctx context.Context, state types.PresenceState, at time.Time) error {
	var lastSeen any
	if state.LastSeenAt != nil {
		lastSeen = utc(*state.LastSeenAt)
	}
	return m.write(ctx, func(db *sql.DB) error {
		_, err := db.ExecContext(ctx, `
			INSERT INTO users (id, online, last_seen_at, updated_at) VALUES (?, ?, ?, ?)
			ON CONFLICT (id) DO UPDATE SET
				online = excluded.online,
				last_seen_at = COALESCE(excluded.last_seen_at, users.last_seen_at),
				updated_at = excluded.updated_at
			WHERE excluded.updated_at >= users.updated_at
		`, state.UserID, state.Online, lastSeen, utc(at))
		if err != nil {
			return fmt.Errorf("failed to save presence: %w", err)
		}
		return nil
	})
}

// GetPresence returns the persisted presence of a user.
func (m *Manager) GetPresence(ctx context.Context, userID string) (*types.PresenceState, error) {
	var state *types.PresenceState
	err := m.guard(func() error {
		var (
			online   bool
			lastSeen sql.NullTime
		)
		err := m.db.QueryRowContext(ctx, `
			SELECT online, last_seen_at FROM users WHERE id = ?
		`, userID).Scan(&online, &lastSeen)
		if errors.Is(err, sql.ErrNoRows) {
			return types.NotFound("user", userID)
		}
		if err != nil {
			return fmt.Errorf("failed to query presence: %w", err)
		}
		state = &types.PresenceState{UserID: userID, Online: online, LastSeenAt: nullTime(lastSeen)}
		return nil
	})
	return state, err
}
