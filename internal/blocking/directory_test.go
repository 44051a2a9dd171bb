package blocking

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	fake "chatwire/internal/testutil"
	"chatwire/pkg/types"
)

func TestDirectory_DirectedRelation(t *testing.T) {
	store := fake.NewStore(t)
	d := NewDirectory(store, zaptest.NewLogger(t))
	ctx := context.Background()

	require.NoError(t, d.Block(ctx, "alice", "bob"))

	blocked, err := d.IsBlocked(ctx, "alice", "bob")
	require.NoError(t, err)
	assert.True(t, blocked)

	blocked, err = d.IsBlocked(ctx, "bob", "alice")
	require.NoError(t, err)
	assert.False(t, blocked, "blocking is directed")

	for _, pair := range [][2]string{{"alice", "bob"}, {"bob", "alice"}} {
		either, err := d.EitherBlocked(ctx, pair[0], pair[1])
		require.NoError(t, err)
		assert.True(t, either)
	}

	require.NoError(t, d.Unblock(ctx, "alice", "bob"))
	either, err := d.EitherBlocked(ctx, "alice", "bob")
	require.NoError(t, err)
	assert.False(t, either)
}

func TestDirectory_Validation(t *testing.T) {
	d := NewDirectory(fake.NewStore(t), zaptest.NewLogger(t))
	ctx := context.Background()

	assert.ErrorIs(t, d.Block(ctx, "alice", "alice"), types.ErrValidation)
	assert.ErrorIs(t, d.Block(ctx, "", "bob"), types.ErrValidation)
	assert.ErrorIs(t, d.Unblock(ctx, "alice", "bad id!"), types.ErrValidation)
	assert.NoError(t, d.Unblock(ctx, "alice", "bob"), "missing relation is fine")
}

func TestDirectory_Guard(t *testing.T) {
	store := fake.NewStore(t)
	d := NewDirectory(store, zaptest.NewLogger(t))
	ctx := context.Background()

	direct := fake.NewConversation(t, store, types.ConversationDirect, "alice", "bob")
	group := fake.NewConversation(t, store, types.ConversationGroup, "alice", "bob", "carol")

	assert.NoError(t, d.Guard(ctx, direct, "alice"))

	require.NoError(t, d.Block(ctx, "bob", "alice"))

	err := d.Guard(ctx, direct, "alice")
	assert.ErrorIs(t, err, types.ErrBlocked)
	assert.ErrorIs(t, d.Guard(ctx, direct, "bob"), types.ErrBlocked, "the blocker cannot message either")
	assert.NoError(t, d.Guard(ctx, group, "alice"), "groups are never guarded")
}
