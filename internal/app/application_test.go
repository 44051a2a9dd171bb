package app

import (
	"bytes"
	"encoding/json"
	"net/http"
	"path/filepath"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/fx/fxtest"

	"chatwire/internal/auth"
	"chatwire/internal/config"
	"chatwire/pkg/types"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Server.Host = "127.0.0.1"
	cfg.Server.Port = 0
	cfg.Database.DatabasePath = filepath.Join(t.TempDir(), "chatwire.db")
	cfg.Auth.Keys = []string{"app-test-key-0123456789"}
	cfg.Logging.Level = "error"
	return cfg
}

func TestModule_GraphIsComplete(t *testing.T) {
	err := fx.ValidateApp(
		Module(Params{Config: testConfig(t)}),
		fx.WithLogger(func() fxevent.Logger { return fxevent.NopLogger }),
	)
	require.NoError(t, err)
}

type client struct {
	t      *testing.T
	ws     *websocket.Conn
	events chan *types.Envelope
}

func connect(t *testing.T, addr string, signer *auth.Signer, userID string) *client {
	t.Helper()
	ws, _, err := websocket.DefaultDialer.Dial("ws://"+addr+"/ws", nil)
	require.NoError(t, err)
	c := &client{t: t, ws: ws, events: make(chan *types.Envelope, 64)}
	t.Cleanup(func() { _ = ws.Close() })

	go func() {
		defer close(c.events)
		for {
			var env types.Envelope
			if err := ws.ReadJSON(&env); err != nil {
				return
			}
			c.events <- &env
		}
	}()

	token, err := signer.Sign(userID)
	require.NoError(t, err)
	ack := c.request("auth", types.EventAuthenticate, types.AuthenticatePayload{Token: token})
	require.True(t, *ack.Success)
	return c
}

// request sends a frame and waits for its ack, skipping push events.
func (c *client) request(id, eventType string, data any) *types.Envelope {
	c.t.Helper()
	raw, err := json.Marshal(data)
	require.NoError(c.t, err)
	require.NoError(c.t, c.ws.WriteJSON(types.Frame{ID: id, Type: eventType, Data: raw}))
	for {
		env := c.next(types.EventAck)
		if env.ReplyTo == id {
			return env
		}
	}
}

// next returns the next envelope of eventType, discarding others.
func (c *client) next(eventType string) *types.Envelope {
	c.t.Helper()
	timeout := time.After(5 * time.Second)
	for {
		select {
		case env, ok := <-c.events:
			require.True(c.t, ok, "connection closed while waiting for %s", eventType)
			if env.Type == eventType {
				return env
			}
		case <-timeout:
			c.t.Fatalf("timed out waiting for %s", eventType)
		}
	}
}

func decode[T any](t *testing.T, v any) T {
	t.Helper()
	raw, err := json.Marshal(v)
	require.NoError(t, err)
	var out T
	require.NoError(t, json.Unmarshal(raw, &out))
	return out
}

func TestApp_ChatEndToEnd(t *testing.T) {
	var (
		srv    *http.Server
		signer *auth.Signer
	)
	app := fxtest.New(t,
		Module(Params{Config: testConfig(t)}),
		fx.WithLogger(func() fxevent.Logger { return fxevent.NopLogger }),
		fx.Populate(&srv, &signer),
	)
	app.RequireStart()
	defer app.RequireStop()
	addr := srv.Addr

	bob := connect(t, addr, signer, "bob")
	alice := connect(t, addr, signer, "alice")

	online := decode[types.PresencePayload](t, bob.next(types.EventPresenceOnline).Data)
	assert.Equal(t, "alice", online.UserID)

	// conversation over REST
	body, err := json.Marshal(map[string]any{"participants": []string{"bob"}})
	require.NoError(t, err)
	req, err := http.NewRequest(http.MethodPost, "http://"+addr+"/api/conversations", bytes.NewReader(body))
	require.NoError(t, err)
	token, err := signer.Sign("alice")
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	var conv types.Conversation
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&conv))
	resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	join := types.ConversationPayload{ConversationID: conv.ID}
	require.True(t, *alice.request("j1", types.EventRoomJoin, join).Success)
	require.True(t, *bob.request("j2", types.EventRoomJoin, join).Success)

	ack := alice.request("s1", types.EventSend, types.SendPayload{ConversationID: conv.ID, Content: "hello"})
	require.True(t, *ack.Success, "%+v", ack.Error)
	sent := decode[types.Message](t, ack.Data)

	created := decode[types.Message](t, bob.next(types.EventMessageCreated).Data)
	assert.Equal(t, sent.ID, created.ID)
	assert.Equal(t, "hello", created.Content)

	ack = bob.request("r1", types.EventAckRead, types.MessageRefPayload{MessageID: sent.ID, ConversationID: conv.ID})
	require.True(t, *ack.Success, "%+v", ack.Error)
	read := decode[types.StatusPayload](t, alice.next(types.EventMessageRead).Data)
	assert.Equal(t, sent.ID, read.MessageID)
	assert.Equal(t, types.StatusRead, read.Status)

	require.NoError(t, alice.ws.Close())
	offline := decode[types.PresencePayload](t, bob.next(types.EventPresenceOffline).Data)
	assert.Equal(t, "alice", offline.UserID)
	assert.NotNil(t, offline.LastSeenAt)
}

func TestApp_RejectsBadToken(t *testing.T) {
	var srv *http.Server
	app := fxtest.New(t,
		Module(Params{Config: testConfig(t)}),
		fx.WithLogger(func() fxevent.Logger { return fxevent.NopLogger }),
		fx.Populate(&srv),
	)
	app.RequireStart()
	defer app.RequireStop()

	ws, _, err := websocket.DefaultDialer.Dial("ws://"+srv.Addr+"/ws", nil)
	require.NoError(t, err)
	defer ws.Close()

	raw, err := json.Marshal(types.AuthenticatePayload{Token: "alice.deadbeef"})
	require.NoError(t, err)
	require.NoError(t, ws.WriteJSON(types.Frame{Type: types.EventAuthenticate, Data: raw}))

	var env types.Envelope
	require.NoError(t, ws.ReadJSON(&env))
	assert.Equal(t, types.EventError, env.Type)
	assert.Equal(t, types.KindAuthorization, env.Error.Kind)

	_, _, err = ws.ReadMessage()
	assert.Error(t, err, "connection is closed after a failed handshake")
}
