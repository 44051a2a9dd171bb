package pin

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"chatwire/internal/conversation"
	"chatwire/internal/database"
	"chatwire/internal/metrics"
	"chatwire/internal/router"
	fake "chatwire/internal/testutil"
	"chatwire/pkg/types"
)

type fixture struct {
	store *database.Manager
	pins  *Coordinator
	rooms *router.Router
	conv  *types.Conversation
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := fake.NewStore(t)
	logger := zaptest.NewLogger(t)
	rooms := router.NewRouter(time.Hour, metrics.New(), logger)
	convs := conversation.NewDirectory(store, conversation.DefaultOptions(), logger)
	return &fixture{
		store: store,
		pins:  NewCoordinator(store, convs, rooms, nil, nil, logger),
		rooms: rooms,
		conv:  fake.NewConversation(t, store, types.ConversationGroup, "alice", "bob", "carol"),
	}
}

func (f *fixture) message(t *testing.T, sender, content string) *types.Message {
	t.Helper()
	msg := &types.Message{
		ID:             uuid.NewString(),
		ConversationID: f.conv.ID,
		SenderID:       sender,
		Kind:           types.KindText,
		Content:        content,
		CreatedAt:      time.Now().UTC(),
	}
	require.NoError(t, f.store.CreateMessage(context.Background(), msg))
	return msg
}

func TestCoordinator_PinSwapOrdering(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	watcher := fake.NewFakeConn("carol")
	require.NoError(t, f.rooms.Join(f.conv.ID, watcher))
	alice := types.Actor{UserID: "alice"}
	m1, m2 := f.message(t, "alice", "first"), f.message(t, "bob", "second")

	changed, err := f.pins.Pin(ctx, alice, f.conv.ID, m1.ID)
	require.NoError(t, err)
	assert.True(t, changed)
	changed, err = f.pins.Pin(ctx, alice, f.conv.ID, m2.ID)
	require.NoError(t, err)
	assert.True(t, changed)

	pinned, err := f.pins.Pinned(ctx, alice, f.conv.ID)
	require.NoError(t, err)
	require.NotNil(t, pinned)
	assert.Equal(t, m2.ID, pinned.ID)

	assert.Equal(t, []string{
		types.EventMessagePinned,
		types.EventMessageUnpinned,
		types.EventMessagePinned,
	}, watcher.Types())
	sent := watcher.Sent()
	assert.Equal(t, m1.ID, sent[1].Data.(types.PinPayload).MessageID)
	assert.Equal(t, m2.ID, sent[2].Data.(types.PinPayload).MessageID)
}

func TestCoordinator_RepinIsNoop(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	watcher := fake.NewFakeConn("carol")
	require.NoError(t, f.rooms.Join(f.conv.ID, watcher))
	m1 := f.message(t, "alice", "first")

	_, err := f.pins.Pin(ctx, types.Actor{UserID: "bob"}, f.conv.ID, m1.ID)
	require.NoError(t, err)
	changed, err := f.pins.Pin(ctx, types.Actor{UserID: "carol"}, f.conv.ID, m1.ID)
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Len(t, watcher.Sent(), 1)
}

func TestCoordinator_Unpin(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	bob := types.Actor{UserID: "bob"}
	m1 := f.message(t, "alice", "first")

	changed, err := f.pins.Unpin(ctx, bob, f.conv.ID, m1.ID)
	require.NoError(t, err)
	assert.False(t, changed)

	_, err = f.pins.Pin(ctx, bob, f.conv.ID, m1.ID)
	require.NoError(t, err)
	changed, err = f.pins.Unpin(ctx, bob, f.conv.ID, m1.ID)
	require.NoError(t, err)
	assert.True(t, changed)

	pinned, err := f.pins.Pinned(ctx, bob, f.conv.ID)
	require.NoError(t, err)
	assert.Nil(t, pinned)
}

// deleteOnFirstRead soft-deletes the message right after the coordinator's
// first unlocked read of it.
type deleteOnFirstRead struct {
	*database.Manager
	once sync.Once
	t    *testing.T
}

func (d *deleteOnFirstRead) GetMessage(ctx context.Context, messageID string) (*types.Message, error) {
	msg, err := d.Manager.GetMessage(ctx, messageID)
	d.once.Do(func() {
		changed, derr := d.SoftDelete(ctx, messageID, time.Now().UTC())
		require.NoError(d.t, derr)
		require.True(d.t, changed)
	})
	return msg, err
}

func TestCoordinator_PinLosesToConcurrentDelete(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	m1 := f.message(t, "alice", "first")
	convs := conversation.NewDirectory(f.store, conversation.DefaultOptions(), zaptest.NewLogger(t))
	pins := NewCoordinator(&deleteOnFirstRead{Manager: f.store, t: t}, convs, f.rooms, nil, nil, zaptest.NewLogger(t))

	_, err := pins.Pin(ctx, types.Actor{UserID: "bob"}, f.conv.ID, m1.ID)
	assert.ErrorIs(t, err, types.ErrMessageDeleted)

	pinned, err := f.pins.Pinned(ctx, types.Actor{UserID: "bob"}, f.conv.ID)
	require.NoError(t, err)
	assert.Nil(t, pinned)
}

func TestCoordinator_Authorization(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	m1 := f.message(t, "alice", "first")
	other := fake.NewConversation(t, f.store, types.ConversationDirect, "alice", "dave")

	_, err := f.pins.Pin(ctx, types.Actor{UserID: "mallory"}, f.conv.ID, m1.ID)
	assert.ErrorIs(t, err, types.ErrAuthorization)
	_, err = f.pins.Pinned(ctx, types.Actor{UserID: "mallory"}, f.conv.ID)
	assert.ErrorIs(t, err, types.ErrAuthorization)

	_, err = f.pins.Pin(ctx, types.Actor{UserID: "alice"}, other.ID, m1.ID)
	assert.ErrorIs(t, err, types.ErrValidation, "message of another conversation")
	_, err = f.pins.Pin(ctx, types.Actor{UserID: "alice"}, f.conv.ID, "missing")
	assert.ErrorIs(t, err, types.ErrNotFound)
	_, err = f.pins.Pin(ctx, types.Actor{UserID: "alice"}, f.conv.ID, "")
	assert.ErrorIs(t, err, types.ErrValidation)
}

func TestCoordinator_ConcurrentPinsLeaveExactlyOne(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	watcher := fake.NewFakeConn("carol")
	require.NoError(t, f.rooms.Join(f.conv.ID, watcher))

	msgs := make([]*types.Message, 6)
	for i := range msgs {
		msgs[i] = f.message(t, "alice", fmt.Sprintf("m%d", i))
	}

	var wg sync.WaitGroup
	for round := 0; round < 5; round++ {
		for _, m := range msgs {
			wg.Add(1)
			go func(id string) {
				defer wg.Done()
				_, err := f.pins.Pin(ctx, types.Actor{UserID: "bob"}, f.conv.ID, id)
				assert.NoError(t, err)
			}(m.ID)
		}
	}
	wg.Wait()

	var count int
	require.NoError(t, f.store.DB().QueryRow(
		`SELECT COUNT(*) FROM messages WHERE conversation_id = ? AND pinned_at IS NOT NULL`, f.conv.ID,
	).Scan(&count))
	assert.Equal(t, 1, count)

	// The last pinned event names the message that holds the pin.
	var lastPinned string
	for _, env := range watcher.Sent() {
		if env.Type == types.EventMessagePinned {
			lastPinned = env.Data.(types.PinPayload).MessageID
		}
	}
	pinned, err := f.pins.Pinned(ctx, types.Actor{UserID: "bob"}, f.conv.ID)
	require.NoError(t, err)
	assert.Equal(t, lastPinned, pinned.ID)

	// Replaying the event stream never shows two pins at once.
	current := ""
	for _, env := range watcher.Sent() {
		p := env.Data.(types.PinPayload)
		switch env.Type {
		case types.EventMessageUnpinned:
			assert.Equal(t, current, p.MessageID)
			current = ""
		case types.EventMessagePinned:
			assert.Empty(t, current, "pinned while another message was still pinned")
			current = p.MessageID
		}
	}
}
