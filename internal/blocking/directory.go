// Package blocking answers who blocked whom. Reads go straight to storage on
// every check; a cached answer could let a message through after a block.
package blocking

import (
	"context"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"chatwire/pkg/interfaces"
	"chatwire/pkg/types"
)

// Directory wraps the block relation store.
type Directory struct {
	store  interfaces.BlockStore
	logger *zap.Logger
	now    func() time.Time
}

// NewDirectory creates a directory over store.
func NewDirectory(store interfaces.BlockStore, logger *zap.Logger) *Directory {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Directory{
		store:  store,
		logger: logger.With(zap.String("component", "blocks")),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// IsBlocked reports whether blockerID has blocked blockedID.
func (d *Directory) IsBlocked(ctx context.Context, blockerID, blockedID string) (bool, error) {
	return d.store.IsBlocked(ctx, blockerID, blockedID)
}

// EitherBlocked reports whether a block exists in either direction.
func (d *Directory) EitherBlocked(ctx context.Context, a, b string) (bool, error) {
	var ab, ba bool
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		ab, err = d.store.IsBlocked(gctx, a, b)
		return err
	})
	g.Go(func() error {
		var err error
		ba, err = d.store.IsBlocked(gctx, b, a)
		return err
	})
	if err := g.Wait(); err != nil {
		return false, err
	}
	return ab || ba, nil
}

// Guard rejects a send from senderID into conv when conv is a direct
// conversation and either side blocked the other. Group conversations are
// never guarded.
func (d *Directory) Guard(ctx context.Context, conv *types.Conversation, senderID string) error {
	if conv.Kind != types.ConversationDirect {
		return nil
	}
	other, ok := conv.Other(senderID)
	if !ok {
		return nil
	}
	blocked, err := d.EitherBlocked(ctx, senderID, other)
	if err != nil {
		return err
	}
	if blocked {
		d.logger.Debug("send rejected by block",
			zap.String("conversation_id", conv.ID),
			zap.String("sender_id", senderID))
		return types.Blocked("cannot message this user")
	}
	return nil
}

// Block records that blockerID blocks blockedID.
func (d *Directory) Block(ctx context.Context, blockerID, blockedID string) error {
	if err := validatePair(blockerID, blockedID); err != nil {
		return err
	}
	if err := d.store.Block(ctx, blockerID, blockedID, d.now()); err != nil {
		return err
	}
	d.logger.Info("user blocked", zap.String("blocker_id", blockerID), zap.String("blocked_id", blockedID))
	return nil
}

// Unblock removes the relation if present.
func (d *Directory) Unblock(ctx context.Context, blockerID, blockedID string) error {
	if err := validatePair(blockerID, blockedID); err != nil {
		return err
	}
	if err := d.store.Unblock(ctx, blockerID, blockedID); err != nil {
		return err
	}
	d.logger.Info("user unblocked", zap.String("blocker_id", blockerID), zap.String("blocked_id", blockedID))
	return nil
}

func validatePair(blockerID, blockedID string) error {
	if !types.IsValidUserID(blockerID) || !types.IsValidUserID(blockedID) {
		return types.ErrInvalidUserID
	}
	if blockerID == blockedID {
		return types.Validation("cannot block yourself")
	}
	return nil
}
