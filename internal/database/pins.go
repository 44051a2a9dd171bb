package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"chatwire/pkg/types"
)

// PinMessage moves the conversation's pin to messageID in one transaction
// and returns the id of the previously pinned message, if any.
// ARCHITECTURAL DISCOVERY: the partial unique index rejects a second pin, so
// the old pin has to be cleared before the new one is set
func (m *Manager) PinMessage(ctx context.Context, conversationID, messageID string, at time.Time) (string, error) {
	var previous string
	err := m.writeTx(ctx, func(tx *sql.Tx) error {
		previous = ""
		err := tx.QueryRowContext(ctx, `
			SELECT id FROM messages WHERE conversation_id = ? AND pinned_at IS NOT NULL
		`, conversationID).Scan(&previous)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("failed to query pinned message: %w", err)
		}
		if previous == messageID {
			previous = ""
			return nil
		}

		if previous != "" {
			if _, err := tx.ExecContext(ctx, `UPDATE messages SET pinned_at = NULL WHERE id = ?`, previous); err != nil {
				return fmt.Errorf("failed to clear pin: %w", err)
			}
		}

		res, err := tx.ExecContext(ctx, `
			UPDATE messages SET pinned_at = ? WHERE id = ? AND conversation_id = ?
		`, utc(at), messageID, conversationID)
		if err != nil {
			return fmt.Errorf("failed to set pin: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return types.NotFound("message", messageID)
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	return previous, nil
}

// UnpinMessage clears the pin on messageID and reports whether it was set.
func (m *Manager) UnpinMessage(ctx context.Context, conversationID, messageID string) (bool, error) {
	var changed bool
	err := m.write(ctx, func(db *sql.DB) error {
		res, err := db.ExecContext(ctx, `
			UPDATE messages SET pinned_at = NULL
			WHERE id = ? AND conversation_id = ? AND pinned_at IS NOT NULL
		`, messageID, conversationID)
		if err != nil {
			return fmt.Errorf("failed to clear pin: %w", err)
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

// GetPinnedMessage returns the pinned message, or nil when nothing is pinned.
func (m *Manager) GetPinnedMessage(ctx context.Context, conversationID string) (*types.Message, error) {
	var msg *types.Message
	err := m.guard(func() error {
		row := m.db.QueryRowContext(ctx, `
			SELECT `+messageColumns+` FROM messages WHERE conversation_id = ? AND pinned_at IS NOT NULL
		`, conversationID)
		var err error
		msg, err = scanMessage(row)
		if errors.Is(err, sql.ErrNoRows) {
			msg = nil
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to query pinned message: %w", err)
		}
		return nil
	})
	return msg, err
}
