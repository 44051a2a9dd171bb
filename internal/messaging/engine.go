// Package messaging implements the message lifecycle: creation, delivery and
// read acknowledgments, edits, soft deletes and reactions. Every committed
// change is broadcast to the conversation room as a small delta.
package messaging

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"chatwire/internal/blocking"
	"chatwire/internal/conversation"
	"chatwire/internal/keylock"
	"chatwire/internal/metrics"
	"chatwire/internal/pubsub"
	"chatwire/pkg/interfaces"
	"chatwire/pkg/types"
)

// EventPublisher exports committed changes beyond the process.
type EventPublisher interface {
	Publish(ctx context.Context, topic string, v any) error
}

// Engine applies message operations for authenticated actors.
// ARCHITECTURAL DISCOVERY: validation and lookups run without locks, then the
// conversation lock is held only around commit and broadcast, so every member
// observes a conversation's events in commit order
type Engine struct {
	store   interfaces.MessageStore
	convs   *conversation.Directory
	blocks  *blocking.Directory
	rooms   interfaces.Broadcaster
	events  EventPublisher
	locks   *keylock.Table
	metrics *metrics.Metrics
	logger  *zap.Logger
	now     func() time.Time
}

// NewEngine creates an engine. events may be nil.
func NewEngine(store interfaces.MessageStore, convs *conversation.Directory, blocks *blocking.Directory, rooms interfaces.Broadcaster, events EventPublisher, locks *keylock.Table, m *metrics.Metrics, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	if locks == nil {
		locks = keylock.New()
	}
	return &Engine{
		store:   store,
		convs:   convs,
		blocks:  blocks,
		rooms:   rooms,
		events:  events,
		locks:   locks,
		metrics: m,
		logger:  logger.With(zap.String("component", "messaging")),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Send validates and persists a new message, then broadcasts it to the room.
func (e *Engine) Send(ctx context.Context, actor types.Actor, req types.SendPayload) (*types.Message, error) {
	if req.ConversationID == "" {
		return nil, types.ErrInvalidConversationID
	}
	if err := types.ValidateContent(req.Content); err != nil {
		return nil, err
	}
	kind := req.Kind
	if kind == "" {
		kind = types.KindText
	}
	if !types.IsValidMessageKind(kind) {
		return nil, types.ErrInvalidMessageKind
	}

	conv, err := e.convs.RequireParticipant(ctx, req.ConversationID, actor.UserID)
	if err != nil {
		return nil, err
	}
	if err := e.blocks.Guard(ctx, conv, actor.UserID); err != nil {
		return nil, err
	}
	if req.ReplyTo != nil && *req.ReplyTo != "" {
		target, err := e.store.GetMessage(ctx, *req.ReplyTo)
		if errors.Is(err, types.ErrNotFound) || (err == nil && target.ConversationID != conv.ID) {
			return nil, types.Validation("reply target is not a message of this conversation")
		}
		if err != nil {
			return nil, err
		}
	} else {
		req.ReplyTo = nil
	}

	msg := &types.Message{
		ID:             uuid.NewString(),
		ConversationID: conv.ID,
		SenderID:       actor.UserID,
		Kind:           kind,
		Content:        req.Content,
		Status:         types.StatusSent,
		ReplyToID:      req.ReplyTo,
	}

	commit := context.WithoutCancel(ctx)
	unlock := e.locks.Lock(conv.ID)
	defer unlock()

	msg.CreatedAt = e.now()
	if err := e.store.CreateMessage(commit, msg); err != nil {
		return nil, err
	}
	e.metrics.MessagesSent.Inc()
	e.emit(commit, conv.ID, types.NewEvent(types.EventMessageCreated, msg), actor.ConnectionID)

	e.logger.Debug("message sent",
		zap.String("message_id", msg.ID),
		zap.String("conversation_id", conv.ID),
		zap.String("sender_id", actor.UserID))
	return msg, nil
}

// AckDelivered records that a recipient's client received the message.
func (e *Engine) AckDelivered(ctx context.Context, actor types.Actor, messageID string) (bool, error) {
	return e.advance(ctx, actor, messageID, "", types.StatusDelivered)
}

// AckRead records that a recipient viewed the message. conversationID is
// optional; when given it must match the message.
func (e *Engine) AckRead(ctx context.Context, actor types.Actor, messageID, conversationID string) (bool, error) {
	return e.advance(ctx, actor, messageID, conversationID, types.StatusRead)
}

func (e *Engine) advance(ctx context.Context, actor types.Actor, messageID, conversationID string, status types.MessageStatus) (bool, error) {
	msg, err := e.loadForRecipient(ctx, actor, messageID, conversationID)
	if err != nil {
		return false, err
	}
	// status never moves backwards, so a stale read at or past status is final
	if !msg.Status.Advances(status) {
		return false, nil
	}

	commit := context.WithoutCancel(ctx)
	unlock := e.locks.Lock(msg.ConversationID)
	defer unlock()

	at := e.now()
	changed, err := e.store.AdvanceStatus(commit, msg.ID, status, at)
	if err != nil || !changed {
		return false, err
	}
	e.metrics.StatusTransitions.WithLabelValues(status.String()).Inc()

	event := types.EventMessageDelivered
	if status == types.StatusRead {
		event = types.EventMessageRead
	}
	e.emit(commit, msg.ConversationID, types.NewEvent(event, types.StatusPayload{
		MessageID:      msg.ID,
		ConversationID: msg.ConversationID,
		Status:         status,
		At:             at,
		UserID:         actor.UserID,
	}))
	return true, nil
}

// loadForRecipient loads a message that actor may acknowledge.
func (e *Engine) loadForRecipient(ctx context.Context, actor types.Actor, messageID, conversationID string) (*types.Message, error) {
	msg, err := e.loadForParticipant(ctx, actor, messageID, conversationID)
	if err != nil {
		return nil, err
	}
	if msg.SenderID == actor.UserID {
		return nil, types.Authorization("cannot acknowledge your own message")
	}
	return msg, nil
}

// loadForSender loads a message that only its sender may change.
func (e *Engine) loadForSender(ctx context.Context, actor types.Actor, messageID, conversationID string) (*types.Message, error) {
	msg, err := e.loadForParticipant(ctx, actor, messageID, conversationID)
	if err != nil {
		return nil, err
	}
	if msg.SenderID != actor.UserID {
		return nil, types.Authorization("only the sender can change this message")
	}
	return msg, nil
}

func (e *Engine) loadForParticipant(ctx context.Context, actor types.Actor, messageID, conversationID string) (*types.Message, error) {
	if messageID == "" {
		return nil, types.ErrInvalidMessageID
	}
	msg, err := e.store.GetMessage(ctx, messageID)
	if err != nil {
		return nil, err
	}
	if conversationID != "" && conversationID != msg.ConversationID {
		return nil, types.Validation("message does not belong to this conversation")
	}
	if _, err := e.convs.RequireParticipant(ctx, msg.ConversationID, actor.UserID); err != nil {
		return nil, err
	}
	return msg, nil
}

// MarkChatAsRead moves every incoming unread message of the conversation to
// READ with one timestamp and returns the ids that changed.
func (e *Engine) MarkChatAsRead(ctx context.Context, actor types.Actor, conversationID string) ([]string, error) {
	if conversationID == "" {
		return nil, types.ErrInvalidConversationID
	}
	if _, err := e.convs.RequireParticipant(ctx, conversationID, actor.UserID); err != nil {
		return nil, err
	}

	commit := context.WithoutCancel(ctx)
	unlock := e.locks.Lock(conversationID)
	defer unlock()

	at := e.now()
	ids, err := e.store.MarkConversationRead(commit, conversationID, actor.UserID, at)
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return ids, nil
	}
	e.metrics.StatusTransitions.WithLabelValues(types.StatusRead.String()).Add(float64(len(ids)))
	for _, id := range ids {
		e.emit(commit, conversationID, types.NewEvent(types.EventMessageRead, types.StatusPayload{
			MessageID:      id,
			ConversationID: conversationID,
			Status:         types.StatusRead,
			At:             at,
			UserID:         actor.UserID,
		}))
	}
	return ids, nil
}

// Edit replaces the content of a live text message. Status is unchanged.
func (e *Engine) Edit(ctx context.Context, actor types.Actor, messageID, content string) (*types.Message, error) {
	if err := types.ValidateContent(content); err != nil {
		return nil, err
	}
	msg, err := e.loadForSender(ctx, actor, messageID, "")
	if err != nil {
		return nil, err
	}
	if msg.Deleted {
		return nil, types.ErrMessageDeleted
	}
	if msg.Kind != types.KindText {
		return nil, types.ErrNotEditable
	}

	commit := context.WithoutCancel(ctx)
	unlock := e.locks.Lock(msg.ConversationID)
	defer unlock()

	at := e.now()
	if err := e.store.UpdateContent(commit, msg.ID, content, at); err != nil {
		return nil, err
	}
	msg.Content, msg.Edited, msg.EditedAt = content, true, &at

	e.emit(commit, msg.ConversationID, types.NewEvent(types.EventMessageEdited, types.EditedPayload{
		MessageID:      msg.ID,
		ConversationID: msg.ConversationID,
		Content:        content,
		EditedAt:       at,
	}))
	return msg, nil
}

// Delete soft-deletes a message. Deleting twice is a no-op that reports false.
func (e *Engine) Delete(ctx context.Context, actor types.Actor, messageID, conversationID string) (bool, error) {
	msg, err := e.loadForSender(ctx, actor, messageID, conversationID)
	if err != nil {
		return false, err
	}
	if msg.Deleted {
		return false, nil
	}

	commit := context.WithoutCancel(ctx)
	unlock := e.locks.Lock(msg.ConversationID)
	defer unlock()

	at := e.now()
	changed, err := e.store.SoftDelete(commit, msg.ID, at)
	if err != nil || !changed {
		return false, err
	}
	e.emit(commit, msg.ConversationID, types.NewEvent(types.EventMessageDeleted, types.DeletedPayload{
		MessageID:      msg.ID,
		ConversationID: msg.ConversationID,
		Content:        types.DeletedContent,
		DeletedBy:      actor.UserID,
		DeletedAt:      at,
	}))
	return true, nil
}

// React sets actor's reaction on a message, replacing any previous emoji,
// and returns the message's reactions.
func (e *Engine) React(ctx context.Context, actor types.Actor, messageID, emoji string) ([]types.Reaction, error) {
	if err := types.ValidateEmoji(emoji); err != nil {
		return nil, err
	}
	msg, err := e.loadForParticipant(ctx, actor, messageID, "")
	if err != nil {
		return nil, err
	}
	if msg.Deleted {
		return nil, types.ErrMessageDeleted
	}

	commit := context.WithoutCancel(ctx)
	unlock := e.locks.Lock(msg.ConversationID)
	defer unlock()

	// a delete may have committed while we waited for the lock
	if msg, err = e.store.GetMessage(commit, msg.ID); err != nil {
		return nil, err
	}
	if msg.Deleted {
		return nil, types.ErrMessageDeleted
	}

	err = e.store.SetReaction(commit, &types.Reaction{
		MessageID: msg.ID,
		UserID:    actor.UserID,
		Emoji:     emoji,
		CreatedAt: e.now(),
	})
	if err != nil {
		return nil, err
	}
	return e.reactionsChanged(commit, msg)
}

// Unreact removes actor's reaction. Removing a missing reaction is a no-op.
func (e *Engine) Unreact(ctx context.Context, actor types.Actor, messageID string) ([]types.Reaction, error) {
	msg, err := e.loadForParticipant(ctx, actor, messageID, "")
	if err != nil {
		return nil, err
	}

	commit := context.WithoutCancel(ctx)
	unlock := e.locks.Lock(msg.ConversationID)
	defer unlock()

	removed, err := e.store.RemoveReaction(commit, msg.ID, actor.UserID)
	if err != nil {
		return nil, err
	}
	if !removed {
		return e.store.ListReactions(commit, msg.ID)
	}
	return e.reactionsChanged(commit, msg)
}

// reactionsChanged broadcasts the aggregated reactions. Callers hold the
// conversation lock.
func (e *Engine) reactionsChanged(ctx context.Context, msg *types.Message) ([]types.Reaction, error) {
	reactions, err := e.store.ListReactions(ctx, msg.ID)
	if err != nil {
		return nil, err
	}
	e.emit(ctx, msg.ConversationID, types.NewEvent(types.EventMessageReactionChanged, types.ReactionsPayload{
		MessageID:      msg.ID,
		ConversationID: msg.ConversationID,
		Reactions:      reactions,
	}))
	return reactions, nil
}

// History returns up to limit messages older than before, oldest first.
func (e *Engine) History(ctx context.Context, actor types.Actor, conversationID string, before time.Time, limit int) ([]*types.Message, error) {
	if _, err := e.convs.RequireParticipant(ctx, conversationID, actor.UserID); err != nil {
		return nil, err
	}
	return e.store.ListMessages(ctx, conversationID, before, limit)
}

// emit broadcasts env to the room and exports it. Callers hold the
// conversation lock.
func (e *Engine) emit(ctx context.Context, conversationID string, env *types.Envelope, exclude ...string) {
	e.rooms.Broadcast(conversationID, env, exclude...)
	if e.events == nil {
		return
	}
	if err := e.events.Publish(ctx, pubsub.TopicDomainEvents, env); err != nil {
		e.logger.Warn("failed to export event",
			zap.String("event", env.Type),
			zap.String("conversation_id", conversationID),
			zap.Error(err))
	}
}
