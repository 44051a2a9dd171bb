package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"chatwire/internal/auth"
	"chatwire/internal/blocking"
	"chatwire/internal/conversation"
	"chatwire/internal/database"
	"chatwire/internal/keylock"
	"chatwire/internal/messaging"
	"chatwire/internal/metrics"
	"chatwire/internal/pin"
	"chatwire/internal/presence"
	"chatwire/internal/pubsub"
	"chatwire/internal/router"
	fake "chatwire/internal/testutil"
	"chatwire/internal/websocket"
	"chatwire/pkg/types"
)

type fixture struct {
	srv    *httptest.Server
	store  *database.Manager
	signer *auth.Signer
	engine *messaging.Engine
	pins   *pin.Coordinator
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := fake.NewStore(t)
	m := metrics.New()
	logger := zaptest.NewLogger(t)
	locks := keylock.New()

	signer, err := auth.NewSigner([]string{"api-test-key-0123456789"})
	require.NoError(t, err)

	bus, err := pubsub.NewBus(pubsub.DefaultConfig(), logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = bus.Close() })

	registry := websocket.NewRegistry(m, logger)
	rooms := router.NewRouter(time.Hour, m, logger)
	convs := conversation.NewDirectory(store, conversation.DefaultOptions(), logger)
	blocks := blocking.NewDirectory(store, logger)
	engine := messaging.NewEngine(store, convs, blocks, rooms, nil, locks, m, logger)
	pins := pin.NewCoordinator(store, convs, rooms, nil, locks, logger)
	tracker := presence.NewTracker(registry, store, bus, m, logger)

	s := NewServer(Deps{
		Auth:          signer,
		Health:        store,
		Stats:         map[string]StatsProvider{"registry": registry, "rooms": rooms, "conversations": convs, "presence": tracker},
		Conversations: convs,
		Messages:      engine,
		Pins:          pins,
		Presence:      tracker,
		Blocks:        blocks,
		Metrics:       m.Handler(),
	}, logger)

	srv := httptest.NewServer(s)
	t.Cleanup(srv.Close)
	return &fixture{srv: srv, store: store, signer: signer, engine: engine, pins: pins}
}

func (f *fixture) do(t *testing.T, user, method, path string, body any) (*http.Response, []byte) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, f.srv.URL+path, reader)
	require.NoError(t, err)
	if user != "" {
		token, err := f.signer.Sign(user)
		require.NoError(t, err)
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, data
}

func errorKind(t *testing.T, data []byte) types.ErrorKind {
	t.Helper()
	var e ErrorResponse
	require.NoError(t, json.Unmarshal(data, &e))
	return e.Kind
}

func TestServer_Health(t *testing.T) {
	f := newFixture(t)
	resp, data := f.do(t, "", http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var h HealthResponse
	require.NoError(t, json.Unmarshal(data, &h))
	assert.Equal(t, "healthy", h.Status)
	assert.Equal(t, "healthy", h.Database)
	assert.Contains(t, h.Stats, "registry")
	assert.Contains(t, h.Stats, "rooms")
	assert.Equal(t, 0, h.Stats["registry"]["total_connections"])
	assert.Equal(t, 0, h.Stats["presence"]["users_online"])
}

func TestServer_HealthReportsStoreFailure(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.store.Close())
	resp, data := f.do(t, "", http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	var h HealthResponse
	require.NoError(t, json.Unmarshal(data, &h))
	assert.Equal(t, "unhealthy", h.Status)
	assert.NotEmpty(t, h.Database)
	assert.NotContains(t, h.Database, "sql:", "storage causes stay out of the public body")
	assert.NotContains(t, h.Database, "ping")
}

func TestServer_Metrics(t *testing.T) {
	f := newFixture(t)
	resp, data := f.do(t, "", http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(data), "chatwire_connections_active")
}

func TestServer_RequiresToken(t *testing.T) {
	f := newFixture(t)
	resp, data := f.do(t, "", http.MethodPost, "/api/conversations", CreateConversationRequest{Participants: []string{"bob"}})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, types.KindAuthorization, errorKind(t, data))

	req, err := http.NewRequest(http.MethodGet, f.srv.URL+"/api/users/bob/presence", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer alice.00ff")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestServer_CORSPreflight(t *testing.T) {
	f := newFixture(t)
	resp, _ := f.do(t, "", http.MethodOptions, "/api/conversations", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))
}

func TestServer_Conversations(t *testing.T) {
	f := newFixture(t)

	resp, data := f.do(t, "alice", http.MethodPost, "/api/conversations", CreateConversationRequest{Participants: []string{"bob"}})
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(data))
	var conv types.Conversation
	require.NoError(t, json.Unmarshal(data, &conv))
	assert.Equal(t, types.ConversationDirect, conv.Kind)
	assert.Equal(t, []string{"alice", "bob"}, conv.Participants)

	resp, _ = f.do(t, "bob", http.MethodGet, "/api/conversations/"+conv.ID, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, data = f.do(t, "eve", http.MethodGet, "/api/conversations/"+conv.ID, nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Equal(t, types.KindAuthorization, errorKind(t, data))

	resp, _ = f.do(t, "alice", http.MethodGet, "/api/conversations/missing", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, data = f.do(t, "alice", http.MethodPost, "/api/conversations", CreateConversationRequest{Participants: []string{"alice"}})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, types.KindValidation, errorKind(t, data))
}

func TestServer_MessagesAndPin(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	conv := fake.NewConversation(t, f.store, types.ConversationGroup, "alice", "bob", "carol")
	alice := types.Actor{UserID: "alice"}

	var last *types.Message
	for _, content := range []string{"one", "two", "three"} {
		msg, err := f.engine.Send(ctx, alice, types.SendPayload{ConversationID: conv.ID, Content: content})
		require.NoError(t, err)
		last = msg
	}

	resp, data := f.do(t, "bob", http.MethodGet, "/api/conversations/"+conv.ID+"/messages?limit=2", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(data))
	var page MessagesResponse
	require.NoError(t, json.Unmarshal(data, &page))
	require.Len(t, page.Messages, 2)
	assert.Equal(t, "three", page.Messages[1].Content)

	resp, _ = f.do(t, "bob", http.MethodGet, "/api/conversations/"+conv.ID+"/messages?limit=x", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp, _ = f.do(t, "bob", http.MethodGet, "/api/conversations/"+conv.ID+"/messages?before=yesterday", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp, _ = f.do(t, "eve", http.MethodGet, "/api/conversations/"+conv.ID+"/messages", nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp, data = f.do(t, "carol", http.MethodGet, "/api/conversations/"+conv.ID+"/pin", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var pinned PinnedResponse
	require.NoError(t, json.Unmarshal(data, &pinned))
	assert.Nil(t, pinned.Message)

	_, err := f.pins.Pin(ctx, alice, conv.ID, last.ID)
	require.NoError(t, err)

	_, data = f.do(t, "carol", http.MethodGet, "/api/conversations/"+conv.ID+"/pin", nil)
	require.NoError(t, json.Unmarshal(data, &pinned))
	require.NotNil(t, pinned.Message)
	assert.Equal(t, last.ID, pinned.Message.ID)
}

func TestServer_Presence(t *testing.T) {
	f := newFixture(t)
	resp, data := f.do(t, "alice", http.MethodGet, "/api/users/bob/presence", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var state types.PresenceState
	require.NoError(t, json.Unmarshal(data, &state))
	assert.Equal(t, "bob", state.UserID)
	assert.False(t, state.Online)
	assert.Nil(t, state.LastSeenAt)

	resp, _ = f.do(t, "alice", http.MethodGet, "/api/users/not%20valid/presence", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestServer_Blocks(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	conv := fake.NewConversation(t, f.store, types.ConversationDirect, "alice", "bob")
	bob := types.Actor{UserID: "bob"}

	resp, _ := f.do(t, "alice", http.MethodPost, "/api/blocks", BlockRequest{UserID: "bob"})
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	_, err := f.engine.Send(ctx, bob, types.SendPayload{ConversationID: conv.ID, Content: "hi"})
	assert.ErrorIs(t, err, types.ErrBlocked)

	resp, _ = f.do(t, "alice", http.MethodDelete, "/api/blocks/bob", nil)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	_, err = f.engine.Send(ctx, bob, types.SendPayload{ConversationID: conv.ID, Content: "hi"})
	assert.NoError(t, err)

	resp, data := f.do(t, "alice", http.MethodPost, "/api/blocks", BlockRequest{UserID: "alice"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, types.KindValidation, errorKind(t, data))
}
