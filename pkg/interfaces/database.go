package interfaces

import (
	"context"
	"time"

	"chatwire/pkg/types"
)

// MessageStore persists messages and their reactions. Status changes are
// conditional on the stored rank so concurrent acknowledgments never regress.
type MessageStore interface {
	CreateMessage(ctx context.Context, msg *types.Message) error
	GetMessage(ctx context.Context, messageID string) (*types.Message, error)

	// AdvanceStatus moves a message forward to status and reports whether a
	// row changed. An equal or lower target leaves the row untouched.
	AdvanceStatus(ctx context.Context, messageID string, status types.MessageStatus, at time.Time) (bool, error)

	// MarkConversationRead moves every message not sent by readerID to READ in
	// one transaction and returns the ids that changed.
	MarkConversationRead(ctx context.Context, conversationID, readerID string, at time.Time) ([]string, error)

	UpdateContent(ctx context.Context, messageID, content string, at time.Time) error

	// SoftDelete replaces the content with the deleted sentinel. It reports
	// false when the message was already deleted.
	SoftDelete(ctx context.Context, messageID string, at time.Time) (bool, error)

	ListMessages(ctx context.Context, conversationID string, before time.Time, limit int) ([]*types.Message, error)

	SetReaction(ctx context.Context, reaction *types.Reaction) error
	RemoveReaction(ctx context.Context, messageID, userID string) (bool, error)
	ListReactions(ctx context.Context, messageID string) ([]types.Reaction, error)
}

// PinStore keeps at most one pinned message per conversation.
type PinStore interface {
	// PinMessage clears any existing pin and sets the new one atomically. It
	// returns the id of the message that lost its pin, or "".
	PinMessage(ctx context.Context, conversationID, messageID string, at time.Time) (string, error)
	UnpinMessage(ctx context.Context, conversationID, messageID string) (bool, error)
	GetPinnedMessage(ctx context.Context, conversationID string) (*types.Message, error)
}

// ConversationStore persists conversations and their participants.
type ConversationStore interface {
	CreateConversation(ctx context.Context, conv *types.Conversation) error
	GetConversation(ctx context.Context, conversationID string) (*types.Conversation, error)
}

// BlockStore persists directed block relations.
type BlockStore interface {
	IsBlocked(ctx context.Context, blockerID, blockedID string) (bool, error)
	Block(ctx context.Context, blockerID, blockedID string, at time.Time) error
	Unblock(ctx context.Context, blockerID, blockedID string) error
}

// PresenceStore persists the last known presence of users. Saves older than
// the stored row are ignored.
type PresenceStore interface {
	SavePresence(ctx context.Context, state types.PresenceState, at time.Time) error
	GetPresence(ctx context.Context, userID string) (*types.PresenceState, error)
}

// Store is the full persistence surface.
type Store interface {
	MessageStore
	PinStore
	ConversationStore
	BlockStore
	PresenceStore
	HealthCheck(ctx context.Context) error
	Close() error
}
