package websocket

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"chatwire/pkg/interfaces"
	"chatwire/pkg/types"
)

var _ interfaces.Connection = (*Connection)(nil)

// socketPair returns the server side of a live websocket and the dialed
// client side.
func socketPair(t *testing.T) (*websocket.Conn, *websocket.Conn) {
	t.Helper()
	serverSide := make(chan *websocket.Conn, 1)
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade failed: %v", err)
			return
		}
		serverSide <- ws
	}))
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	client, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	select {
	case ws := <-serverSide:
		return ws, client
	case <-time.After(2 * time.Second):
		t.Fatal("server never accepted the socket")
		return nil, nil
	}
}

// queueOnly builds a connection without a socket or writer, so the queue
// fills exactly at capacity.
func queueOnly(t *testing.T, capacity int, onOverflow func(*Connection)) *Connection {
	ctx, cancel := context.WithCancel(context.Background())
	return &Connection{
		id:      "queue-only",
		userID:  "alice",
		writeCh: make(chan []byte, capacity),
		opts:    ConnectionOptions{QueueSize: capacity, WriteTimeout: time.Second, OnOverflow: onOverflow},
		logger:  zaptest.NewLogger(t),
		ctx:     ctx,
		cancel:  cancel,
	}
}

func TestConnection_SendDeliversToClient(t *testing.T) {
	server, client := socketPair(t)
	conn := NewConnection(server, ConnectionOptions{}, zap.NewNop())
	defer conn.Close()

	require.NoError(t, conn.Send(types.NewEvent(types.EventPresenceOnline, types.PresencePayload{UserID: "bob"})))

	require.NoError(t, client.SetReadDeadline(time.Now().Add(2*time.Second)))
	var env types.Envelope
	require.NoError(t, client.ReadJSON(&env))
	assert.Equal(t, types.EventPresenceOnline, env.Type)
}

func TestConnection_PreservesOrder(t *testing.T) {
	server, client := socketPair(t)
	conn := NewConnection(server, ConnectionOptions{QueueSize: 64}, zap.NewNop())
	defer conn.Close()

	for i := 0; i < 20; i++ {
		require.NoError(t, conn.Send(types.NewAck(string(rune('a'+i)), nil)))
	}

	require.NoError(t, client.SetReadDeadline(time.Now().Add(2*time.Second)))
	for i := 0; i < 20; i++ {
		var env types.Envelope
		require.NoError(t, client.ReadJSON(&env))
		assert.Equal(t, string(rune('a'+i)), env.ReplyTo)
	}
}

func TestConnection_OverflowClosesSlowConsumer(t *testing.T) {
	overflows := 0
	conn := queueOnly(t, 2, func(*Connection) { overflows++ })

	require.NoError(t, conn.Send(types.NewAck("1", nil)))
	require.NoError(t, conn.Send(types.NewAck("2", nil)))

	err := conn.Send(types.NewAck("3", nil))
	assert.ErrorIs(t, err, interfaces.ErrQueueFull)
	assert.Equal(t, 1, overflows)

	select {
	case <-conn.Done():
	default:
		t.Fatal("overflow should close the connection")
	}

	assert.ErrorIs(t, conn.Send(types.NewAck("4", nil)), interfaces.ErrConnectionClosed)
	assert.Equal(t, 1, overflows, "overflow hook runs once")
}

func TestConnection_SendNeverBlocks(t *testing.T) {
	conn := queueOnly(t, 1, nil)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			_ = conn.Send(types.NewAck("x", nil))
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Send blocked on a full queue")
	}
}

func TestConnection_AuthenticateOnce(t *testing.T) {
	conn := queueOnly(t, 1, nil)
	conn.userID, conn.authenticated = "", false

	assert.False(t, conn.IsAuthenticated())
	require.NoError(t, conn.Authenticate("alice"))
	assert.True(t, conn.IsAuthenticated())
	assert.Equal(t, "alice", conn.UserID())

	assert.ErrorIs(t, conn.Authenticate("mallory"), ErrAlreadyAuthenticated)
	assert.Equal(t, "alice", conn.UserID())
}

func TestConnection_CloseIdempotent(t *testing.T) {
	server, _ := socketPair(t)
	conn := NewConnection(server, ConnectionOptions{}, zap.NewNop())

	require.NoError(t, conn.Close())
	assert.NoError(t, conn.Close())
	assert.ErrorIs(t, conn.Send(types.NewAck("1", nil)), interfaces.ErrConnectionClosed)
}
