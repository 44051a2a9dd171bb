// Package conversation resolves conversations and their participants.
// Participant lists never change once created, so lookups are cached.
package conversation

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"chatwire/pkg/interfaces"
	"chatwire/pkg/types"
)

// Options sizes the lookup cache.
type Options struct {
	CacheSize int
	CacheTTL  time.Duration
}

// DefaultOptions matches the configuration defaults.
func DefaultOptions() Options {
	return Options{CacheSize: 4096, CacheTTL: 5 * time.Minute}
}

// Directory serves conversation lookups from an LRU in front of storage.
// TECHNICAL DISCOVERY: every inbound event resolves its conversation, so
// concurrent misses for the same id are collapsed into one storage read
type Directory struct {
	store  interfaces.ConversationStore
	cache  *expirable.LRU[string, *types.Conversation]
	group  singleflight.Group
	logger *zap.Logger
	now    func() time.Time
}

// NewDirectory creates a directory over store.
func NewDirectory(store interfaces.ConversationStore, opts Options, logger *zap.Logger) *Directory {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.CacheSize <= 0 {
		opts.CacheSize = DefaultOptions().CacheSize
	}
	return &Directory{
		store:  store,
		cache:  expirable.NewLRU[string, *types.Conversation](opts.CacheSize, nil, opts.CacheTTL),
		logger: logger.With(zap.String("component", "conversations")),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Create validates and persists a new conversation. The creator is always a
// participant.
func (d *Directory) Create(ctx context.Context, creatorID string, kind types.ConversationKind, participants []string) (*types.Conversation, error) {
	if !types.IsValidUserID(creatorID) {
		return nil, types.ErrInvalidUserID
	}
	conv := &types.Conversation{
		ID:           uuid.NewString(),
		Kind:         kind,
		Participants: append([]string{creatorID}, participants...),
		CreatedAt:    d.now(),
	}
	if err := conv.Validate(); err != nil {
		return nil, err
	}
	if err := d.store.CreateConversation(ctx, conv); err != nil {
		return nil, fmt.Errorf("failed to create conversation: %w", err)
	}
	d.cache.Add(conv.ID, conv)

	d.logger.Info("conversation created",
		zap.String("conversation_id", conv.ID),
		zap.String("kind", string(conv.Kind)),
		zap.Int("participants", len(conv.Participants)))
	return conv, nil
}

// Get returns the conversation, from cache when possible.
func (d *Directory) Get(ctx context.Context, conversationID string) (*types.Conversation, error) {
	if conversationID == "" {
		return nil, types.ErrInvalidConversationID
	}
	if conv, ok := d.cache.Get(conversationID); ok {
		return conv, nil
	}

	v, err, _ := d.group.Do(conversationID, func() (interface{}, error) {
		conv, err := d.store.GetConversation(ctx, conversationID)
		if err != nil {
			return nil, err
		}
		d.cache.Add(conversationID, conv)
		return conv, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*types.Conversation), nil
}

// RequireParticipant returns the conversation if userID takes part in it.
func (d *Directory) RequireParticipant(ctx context.Context, conversationID, userID string) (*types.Conversation, error) {
	conv, err := d.Get(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if !conv.HasParticipant(userID) {
		return nil, types.Authorization("not a participant of this conversation")
	}
	return conv, nil
}

// Invalidate drops a cached conversation.
func (d *Directory) Invalidate(conversationID string) {
	d.cache.Remove(conversationID)
}

// GetStats returns directory statistics for monitoring
func (d *Directory) GetStats() map[string]int {
	return map[string]int{"conversations_cached": d.cache.Len()}
}
