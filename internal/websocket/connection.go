package websocket

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"chatwire/pkg/interfaces"
	"chatwire/pkg/types"
)

// ConnectionOptions tunes one socket.
type ConnectionOptions struct {
	QueueSize    int
	WriteTimeout time.Duration

	// OnOverflow runs once when the outbound queue overflows.
	OnOverflow func(*Connection)
}

// Connection implements interfaces.Connection on top of a gorilla socket.
// gorilla allows one concurrent writer. Past the handshake, data frames go
// through writeLoop only.
type Connection struct {
	id      string
	conn    *websocket.Conn
	writeCh chan []byte
	opts    ConnectionOptions
	logger  *zap.Logger

	userID        string
	authenticated bool
	mu            sync.RWMutex

	pending atomic.Int64 // enqueued and not yet written

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
	overflow  sync.Once
}

// NewConnection wraps conn and starts its writer goroutine.
func NewConnection(conn *websocket.Conn, opts ConnectionOptions, logger *zap.Logger) *Connection {
	if opts.QueueSize <= 0 {
		opts.QueueSize = 256
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 10 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := &Connection{
		id:      uuid.NewString(),
		conn:    conn,
		writeCh: make(chan []byte, opts.QueueSize),
		opts:    opts,
		ctx:     ctx,
		cancel:  cancel,
	}
	c.logger = logger.With(zap.String("conn_id", c.id))

	go c.writeLoop()
	return c
}

func (c *Connection) writeLoop() {
	for {
		select {
		case data := <-c.writeCh:
			if err := c.conn.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout)); err != nil {
				_ = c.Close()
				return
			}
			err := c.conn.WriteMessage(websocket.TextMessage, data)
			c.pending.Add(-1)
			if err != nil {
				c.logger.Debug("websocket write failed", zap.Error(err))
				_ = c.Close()
				return
			}
		case <-c.ctx.Done():
			return
		}
	}
}

func (c *Connection) ID() string { return c.id }

func (c *Connection) UserID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.userID
}

// Send enqueues env without blocking.
// FUNCTIONAL DISCOVERY: a consumer that cannot keep up is disconnected instead
// of stalling the broadcaster, it reconnects and reloads state
func (c *Connection) Send(env *types.Envelope) error {
	select {
	case <-c.ctx.Done():
		return interfaces.ErrConnectionClosed
	default:
	}

	data, err := json.Marshal(env)
	if err != nil {
		return ErrInvalidJSON
	}

	c.pending.Add(1)
	select {
	case c.writeCh <- data:
		return nil
	case <-c.ctx.Done():
		c.pending.Add(-1)
		return interfaces.ErrConnectionClosed
	default:
		c.pending.Add(-1)
		c.overflow.Do(func() {
			c.logger.Warn("outbound queue full, disconnecting slow consumer", zap.String("user_id", c.UserID()))
			if c.opts.OnOverflow != nil {
				c.opts.OnOverflow(c)
			}
		})
		_ = c.Close()
		return interfaces.ErrQueueFull
	}
}

// sendNow writes synchronously, bypassing the queue. Only used before the
// writer has anything to do, for the final frame of a failed handshake.
func (c *Connection) sendNow(env *types.Envelope) error {
	if err := c.conn.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout)); err != nil {
		return err
	}
	return c.conn.WriteJSON(env)
}

// Close stops the writer and closes the socket. Safe to call more than once.
func (c *Connection) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.cancel()
		if c.conn != nil {
			err = c.conn.Close()
		}
	})
	return err
}

func (c *Connection) Done() <-chan struct{} { return c.ctx.Done() }

// Authenticate binds the connection to userID. It can succeed once.
func (c *Connection) Authenticate(userID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.authenticated {
		return ErrAlreadyAuthenticated
	}
	c.userID = userID
	c.authenticated = true
	return nil
}

func (c *Connection) IsAuthenticated() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.authenticated
}

// flush waits until every queued frame has been written, the connection
// dies, or timeout passes.
func (c *Connection) flush(timeout time.Duration) {
	deadline := time.Now().Add(timeout)
	for c.pending.Load() > 0 && time.Now().Before(deadline) {
		select {
		case <-c.ctx.Done():
			return
		case <-time.After(5 * time.Millisecond):
		}
	}
}
