package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"chatwire/internal/metrics"
	"chatwire/pkg/interfaces"
	"chatwire/pkg/types"
)

// Authenticator resolves a bearer token to a user id.
type Authenticator interface {
	Verify(token string) (string, error)
}

// Dispatcher processes one frame from an authenticated connection and
// answers it on that connection.
type Dispatcher interface {
	Dispatch(ctx context.Context, conn interfaces.Connection, frame *types.Frame)
}

// HandlerConfig tunes socket lifetimes and limits.
type HandlerConfig struct {
	PingInterval    time.Duration
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	AuthTimeout     time.Duration
	QueueSize       int
	MaxMessageBytes int64
	RateLimit       float64
	RateBurst       int
}

// DefaultHandlerConfig matches the configuration defaults.
func DefaultHandlerConfig() HandlerConfig {
	return HandlerConfig{
		PingInterval:    30 * time.Second,
		ReadTimeout:     60 * time.Second,
		WriteTimeout:    10 * time.Second,
		AuthTimeout:     10 * time.Second,
		QueueSize:       256,
		MaxMessageBytes: 128 << 10,
		RateLimit:       20,
		RateBurst:       40,
	}
}

// Handler upgrades requests, authenticates the first frame and pumps the
// rest into the dispatcher.
type Handler struct {
	cfg        HandlerConfig
	upgrader   websocket.Upgrader
	registry   *Registry
	auth       Authenticator
	dispatcher Dispatcher
	metrics    *metrics.Metrics
	logger     *zap.Logger
}

// NewHandler creates a websocket handler.
func NewHandler(cfg HandlerConfig, registry *Registry, auth Authenticator, dispatcher Dispatcher, m *metrics.Metrics, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		cfg: cfg,
		upgrader: websocket.Upgrader{
			// FUNCTIONAL DISCOVERY: tokens, not cookies, authenticate the
			// socket, so cross-origin upgrades carry no ambient credentials
			CheckOrigin:      func(r *http.Request) bool { return true },
			HandshakeTimeout: 10 * time.Second,
		},
		registry:   registry,
		auth:       auth,
		dispatcher: dispatcher,
		metrics:    m,
		logger:     logger.With(zap.String("component", "gateway")),
	}
}

// ServeHTTP handles one websocket connection for its whole lifetime.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Debug("websocket upgrade failed", zap.Error(err))
		return
	}
	ws.SetReadLimit(h.cfg.MaxMessageBytes)

	conn := NewConnection(ws, ConnectionOptions{
		QueueSize:    h.cfg.QueueSize,
		WriteTimeout: h.cfg.WriteTimeout,
		OnOverflow: func(*Connection) {
			h.metrics.SlowConsumerDisconnects.Inc()
		},
	}, h.logger)
	defer func() { _ = conn.Close() }()

	if err := h.authenticate(conn); err != nil {
		h.logger.Info("websocket authentication failed", zap.String("conn_id", conn.ID()), zap.Error(err))
		_ = conn.sendNow(types.NewErrorEvent(err))
		_ = ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, string(types.KindOf(err))),
			time.Now().Add(time.Second))
		return
	}

	if err := h.registry.Register(conn); err != nil {
		h.logger.Error("failed to register connection", zap.Error(err))
		return
	}
	defer h.registry.Unregister(conn)

	h.readPump(conn)
}

// authenticate reads the first frame, which must be an authenticate event.
func (h *Handler) authenticate(conn *Connection) error {
	if err := conn.conn.SetReadDeadline(time.Now().Add(h.cfg.AuthTimeout)); err != nil {
		return err
	}
	msgType, data, err := conn.conn.ReadMessage()
	if err != nil {
		var netErr interface{ Timeout() bool }
		if errors.As(err, &netErr) && netErr.Timeout() {
			return types.Protocol(ErrAuthTimeout.Error())
		}
		return types.Protocol("connection closed before authentication")
	}
	if msgType != websocket.TextMessage {
		return types.Protocol("frames must be JSON text")
	}

	var frame types.Frame
	if err := json.Unmarshal(data, &frame); err != nil {
		return types.Protocol("malformed frame")
	}
	if frame.Type != types.EventAuthenticate {
		return types.Protocol("first frame must be authenticate")
	}
	var payload types.AuthenticatePayload
	if err := json.Unmarshal(frame.Data, &payload); err != nil || payload.Token == "" {
		return types.Protocol("authenticate requires a token")
	}

	userID, err := h.auth.Verify(payload.Token)
	if err != nil {
		return types.Authorization("invalid token")
	}
	if !types.IsValidUserID(userID) {
		return types.Authorization("token subject is not a valid user id")
	}
	if err := conn.Authenticate(userID); err != nil {
		return types.Protocol(err.Error())
	}

	result := map[string]string{"userId": userID, "connectionId": conn.ID()}
	if frame.ID != "" {
		return conn.Send(types.NewAck(frame.ID, result))
	}
	return conn.Send(types.NewEvent(types.EventAuthenticated, result))
}

// readPump runs until the socket fails or a fatal protocol error occurs.
// ARCHITECTURAL DISCOVERY: frames from one connection are processed in order
// on this goroutine, which keeps a client's own requests sequential
func (h *Handler) readPump(conn *Connection) {
	ws := conn.conn
	if err := ws.SetReadDeadline(time.Now().Add(h.cfg.ReadTimeout)); err != nil {
		return
	}
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(h.cfg.ReadTimeout))
	})

	go h.pingLoop(conn)

	limiter := rate.NewLimiter(rate.Limit(h.cfg.RateLimit), h.cfg.RateBurst)

	for {
		msgType, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				h.logger.Info("websocket closed unexpectedly", zap.String("conn_id", conn.ID()), zap.Error(err))
			}
			return
		}
		if err := ws.SetReadDeadline(time.Now().Add(h.cfg.ReadTimeout)); err != nil {
			return
		}
		if msgType != websocket.TextMessage {
			h.fail(conn, types.Protocol("frames must be JSON text"))
			return
		}

		var frame types.Frame
		if err := json.Unmarshal(data, &frame); err != nil || frame.Type == "" {
			h.fail(conn, types.Protocol("malformed frame"))
			return
		}
		if frame.Type == types.EventAuthenticate {
			h.fail(conn, types.Protocol("connection is already authenticated"))
			return
		}

		if !limiter.Allow() {
			h.metrics.RateLimited.Inc()
			h.reject(conn, &frame, types.ErrRateLimited)
			continue
		}

		h.dispatcher.Dispatch(conn.ctx, conn, &frame)
	}
}

func (h *Handler) pingLoop(conn *Connection) {
	ticker := time.NewTicker(h.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := conn.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(h.cfg.WriteTimeout)); err != nil {
				_ = conn.Close()
				return
			}
		case <-conn.Done():
			return
		}
	}
}

// fail reports a fatal error to the client and drops the connection.
func (h *Handler) fail(conn *Connection, err error) {
	h.logger.Info("closing connection on protocol error",
		zap.String("conn_id", conn.ID()),
		zap.String("user_id", conn.UserID()),
		zap.Error(err))
	_ = conn.Send(types.NewErrorEvent(err))
	conn.flush(h.cfg.WriteTimeout)
	_ = conn.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "protocol error"),
		time.Now().Add(time.Second))
}

func (h *Handler) reject(conn interfaces.Connection, frame *types.Frame, err error) {
	if frame.ID != "" {
		_ = conn.Send(types.NewNack(frame.ID, err))
		return
	}
	_ = conn.Send(types.NewErrorEvent(err))
}
