// Package pin keeps at most one pinned message per conversation.
package pin

import (
	"context"
	"time"

	"go.uber.org/zap"

	"chatwire/internal/conversation"
	"chatwire/internal/keylock"
	"chatwire/internal/pubsub"
	"chatwire/pkg/interfaces"
	"chatwire/pkg/types"
)

// Store is the persistence the coordinator needs.
type Store interface {
	interfaces.PinStore
	GetMessage(ctx context.Context, messageID string) (*types.Message, error)
}

// EventPublisher exports committed changes beyond the process.
type EventPublisher interface {
	Publish(ctx context.Context, topic string, v any) error
}

// Coordinator serializes pin changes per conversation.
// ARCHITECTURAL DISCOVERY: the swap is one storage transaction and the
// conversation lock also covers the broadcasts, so subscribers always see the
// old pin removed before the new one appears
type Coordinator struct {
	store  Store
	convs  *conversation.Directory
	rooms  interfaces.Broadcaster
	events EventPublisher
	locks  *keylock.Table
	logger *zap.Logger
	now    func() time.Time
}

// NewCoordinator creates a coordinator. Pass the same lock table the message
// engine uses so pins are ordered with the rest of the conversation.
func NewCoordinator(store Store, convs *conversation.Directory, rooms interfaces.Broadcaster, events EventPublisher, locks *keylock.Table, logger *zap.Logger) *Coordinator {
	if logger == nil {
		logger = zap.NewNop()
	}
	if locks == nil {
		locks = keylock.New()
	}
	return &Coordinator{
		store:  store,
		convs:  convs,
		rooms:  rooms,
		events: events,
		locks:  locks,
		logger: logger.With(zap.String("component", "pins")),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Pin moves the conversation's pin to messageID. Pinning the message that is
// already pinned changes nothing and reports false.
func (c *Coordinator) Pin(ctx context.Context, actor types.Actor, conversationID, messageID string) (bool, error) {
	msg, err := c.load(ctx, actor, conversationID, messageID)
	if err != nil {
		return false, err
	}
	if msg.Deleted {
		return false, types.ErrMessageDeleted
	}

	commit := context.WithoutCancel(ctx)
	unlock := c.locks.Lock(conversationID)
	defer unlock()

	// deletes commit under the same lock, so this read is authoritative
	if msg, err = c.store.GetMessage(commit, messageID); err != nil {
		return false, err
	}
	if msg.Deleted {
		return false, types.ErrMessageDeleted
	}

	current, err := c.store.GetPinnedMessage(commit, conversationID)
	if err != nil {
		return false, err
	}
	if current != nil && current.ID == messageID {
		return false, nil
	}

	at := c.now()
	previous, err := c.store.PinMessage(commit, conversationID, messageID, at)
	if err != nil {
		return false, err
	}
	if previous != "" {
		c.emit(commit, conversationID, types.NewEvent(types.EventMessageUnpinned, types.PinPayload{
			MessageID:      previous,
			ConversationID: conversationID,
			PinnedBy:       actor.UserID,
		}))
	}
	c.emit(commit, conversationID, types.NewEvent(types.EventMessagePinned, types.PinPayload{
		MessageID:      messageID,
		ConversationID: conversationID,
		PinnedBy:       actor.UserID,
		PinnedAt:       &at,
	}))

	c.logger.Debug("message pinned",
		zap.String("conversation_id", conversationID),
		zap.String("message_id", messageID),
		zap.String("previous", previous))
	return true, nil
}

// Unpin clears the pin on messageID and reports whether it was pinned.
func (c *Coordinator) Unpin(ctx context.Context, actor types.Actor, conversationID, messageID string) (bool, error) {
	if _, err := c.load(ctx, actor, conversationID, messageID); err != nil {
		return false, err
	}

	commit := context.WithoutCancel(ctx)
	unlock := c.locks.Lock(conversationID)
	defer unlock()

	changed, err := c.store.UnpinMessage(commit, conversationID, messageID)
	if err != nil || !changed {
		return false, err
	}
	c.emit(commit, conversationID, types.NewEvent(types.EventMessageUnpinned, types.PinPayload{
		MessageID:      messageID,
		ConversationID: conversationID,
		PinnedBy:       actor.UserID,
	}))
	return true, nil
}

// Pinned returns the pinned message of the conversation, or nil.
func (c *Coordinator) Pinned(ctx context.Context, actor types.Actor, conversationID string) (*types.Message, error) {
	if _, err := c.convs.RequireParticipant(ctx, conversationID, actor.UserID); err != nil {
		return nil, err
	}
	return c.store.GetPinnedMessage(ctx, conversationID)
}

func (c *Coordinator) load(ctx context.Context, actor types.Actor, conversationID, messageID string) (*types.Message, error) {
	if conversationID == "" {
		return nil, types.ErrInvalidConversationID
	}
	if messageID == "" {
		return nil, types.ErrInvalidMessageID
	}
	if _, err := c.convs.RequireParticipant(ctx, conversationID, actor.UserID); err != nil {
		return nil, err
	}
	msg, err := c.store.GetMessage(ctx, messageID)
	if err != nil {
		return nil, err
	}
	if msg.ConversationID != conversationID {
		return nil, types.Validation("message does not belong to this conversation")
	}
	return msg, nil
}

func (c *Coordinator) emit(ctx context.Context, conversationID string, env *types.Envelope) {
	c.rooms.Broadcast(conversationID, env)
	if c.events == nil {
		return
	}
	if err := c.events.Publish(ctx, pubsub.TopicDomainEvents, env); err != nil {
		c.logger.Warn("failed to export event", zap.String("event", env.Type), zap.Error(err))
	}
}
