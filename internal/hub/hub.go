// Package hub turns inbound client frames into core operations and answers
// each request exactly once on the connection it came from.
package hub

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"go.uber.org/zap"

	"chatwire/internal/conversation"
	"chatwire/internal/messaging"
	"chatwire/internal/metrics"
	"chatwire/internal/pin"
	"chatwire/internal/router"
	"chatwire/pkg/interfaces"
	"chatwire/pkg/types"
)

// Hub implements websocket.Dispatcher.
type Hub struct {
	rooms   *router.Router
	convs   *conversation.Directory
	engine  *messaging.Engine
	pins    *pin.Coordinator
	metrics *metrics.Metrics
	logger  *zap.Logger
}

// NewHub wires the dispatcher to the core components.
func NewHub(rooms *router.Router, convs *conversation.Directory, engine *messaging.Engine, pins *pin.Coordinator, m *metrics.Metrics, logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		rooms:   rooms,
		convs:   convs,
		engine:  engine,
		pins:    pins,
		metrics: m,
		logger:  logger.With(zap.String("component", "hub")),
	}
}

// Dispatch handles one frame. Failures are reported to the client and never
// end the connection.
func (h *Hub) Dispatch(ctx context.Context, conn interfaces.Connection, frame *types.Frame) {
	start := time.Now()
	actor := types.Actor{UserID: conn.UserID(), ConnectionID: conn.ID()}

	result, err := h.handle(ctx, conn, actor, frame)

	outcome := "ok"
	if err != nil {
		outcome = string(types.KindOf(err))
	}
	h.metrics.InboundEvents.WithLabelValues(frame.Type, outcome).Inc()

	if err != nil {
		h.logFailure(actor, frame, err)
		if frame.ID != "" {
			_ = conn.Send(types.NewNack(frame.ID, err))
		} else {
			_ = conn.Send(types.NewErrorEvent(err))
		}
		return
	}
	if frame.ID != "" {
		_ = conn.Send(types.NewAck(frame.ID, result))
	}

	h.logger.Debug("event handled",
		zap.String("event", frame.Type),
		zap.String("user_id", actor.UserID),
		zap.Duration("took", time.Since(start)))
}

func (h *Hub) logFailure(actor types.Actor, frame *types.Frame, err error) {
	fields := []zap.Field{
		zap.String("event", frame.Type),
		zap.String("user_id", actor.UserID),
		zap.String("conn_id", actor.ConnectionID),
		zap.Error(err),
	}
	switch types.KindOf(err) {
	case types.KindInternal, types.KindTransientStorage:
		h.logger.Error("event failed", fields...)
	default:
		h.logger.Debug("event rejected", fields...)
	}
}

func decode[T any](frame *types.Frame) (T, error) {
	var payload T
	if len(frame.Data) == 0 {
		return payload, types.Validation("event data is required")
	}
	if err := json.Unmarshal(frame.Data, &payload); err != nil {
		return payload, types.Validation("malformed event data")
	}
	return payload, nil
}

func (h *Hub) handle(ctx context.Context, conn interfaces.Connection, actor types.Actor, frame *types.Frame) (any, error) {
	switch frame.Type {
	case types.EventConnectIdentity:
		p, err := decode[types.IdentityPayload](frame)
		if err != nil {
			return nil, err
		}
		if p.UserID != actor.UserID {
			return nil, types.Authorization("identity does not match the authenticated user")
		}
		return map[string]string{"userId": actor.UserID}, nil

	case types.EventRoomJoin:
		p, err := decode[types.ConversationPayload](frame)
		if err != nil {
			return nil, err
		}
		if _, err := h.convs.RequireParticipant(ctx, p.ConversationID, actor.UserID); err != nil {
			return nil, err
		}
		if err := h.rooms.Join(p.ConversationID, conn); err != nil {
			if errors.Is(err, router.ErrConnectionClosed) {
				return nil, types.Protocol(err.Error())
			}
			return nil, types.Validation(err.Error())
		}
		return map[string]string{"conversationId": p.ConversationID}, nil

	case types.EventRoomLeave:
		p, err := decode[types.ConversationPayload](frame)
		if err != nil {
			return nil, err
		}
		if p.ConversationID == "" {
			return nil, types.ErrInvalidConversationID
		}
		h.rooms.Leave(p.ConversationID, conn)
		return map[string]string{"conversationId": p.ConversationID}, nil

	case types.EventSend:
		p, err := decode[types.SendPayload](frame)
		if err != nil {
			return nil, err
		}
		return h.engine.Send(ctx, actor, p)

	case types.EventAckDelivered:
		p, err := decode[types.MessageRefPayload](frame)
		if err != nil {
			return nil, err
		}
		changed, err := h.engine.AckDelivered(ctx, actor, p.MessageID)
		return changedResult(p.MessageID, changed), err

	case types.EventAckRead:
		p, err := decode[types.MessageRefPayload](frame)
		if err != nil {
			return nil, err
		}
		changed, err := h.engine.AckRead(ctx, actor, p.MessageID, p.ConversationID)
		return changedResult(p.MessageID, changed), err

	case types.EventMarkChatRead:
		p, err := decode[types.ConversationPayload](frame)
		if err != nil {
			return nil, err
		}
		ids, err := h.engine.MarkChatAsRead(ctx, actor, p.ConversationID)
		if err != nil {
			return nil, err
		}
		if ids == nil {
			ids = []string{}
		}
		return map[string]any{"conversationId": p.ConversationID, "messageIds": ids}, nil

	case types.EventTypingStart, types.EventTypingStop:
		p, err := decode[types.ConversationPayload](frame)
		if err != nil {
			return nil, err
		}
		if _, err := h.convs.RequireParticipant(ctx, p.ConversationID, actor.UserID); err != nil {
			return nil, err
		}
		h.rooms.Broadcast(p.ConversationID, types.NewEvent(frame.Type, types.TypingPayload{
			ConversationID: p.ConversationID,
			UserID:         actor.UserID,
		}), conn.ID())
		return nil, nil

	case types.EventDelete:
		p, err := decode[types.MessageRefPayload](frame)
		if err != nil {
			return nil, err
		}
		deleted, err := h.engine.Delete(ctx, actor, p.MessageID, p.ConversationID)
		return changedResult(p.MessageID, deleted), err

	case types.EventEdit:
		p, err := decode[types.EditPayload](frame)
		if err != nil {
			return nil, err
		}
		return h.engine.Edit(ctx, actor, p.MessageID, p.Content)

	case types.EventReact:
		p, err := decode[types.ReactPayload](frame)
		if err != nil {
			return nil, err
		}
		reactions, err := h.engine.React(ctx, actor, p.MessageID, p.Emoji)
		return reactions, err

	case types.EventUnreact:
		p, err := decode[types.MessageRefPayload](frame)
		if err != nil {
			return nil, err
		}
		reactions, err := h.engine.Unreact(ctx, actor, p.MessageID)
		return reactions, err

	case types.EventPin:
		p, err := decode[types.MessageRefPayload](frame)
		if err != nil {
			return nil, err
		}
		changed, err := h.pins.Pin(ctx, actor, p.ConversationID, p.MessageID)
		return changedResult(p.MessageID, changed), err

	case types.EventUnpin:
		p, err := decode[types.MessageRefPayload](frame)
		if err != nil {
			return nil, err
		}
		changed, err := h.pins.Unpin(ctx, actor, p.ConversationID, p.MessageID)
		return changedResult(p.MessageID, changed), err

	default:
		return nil, types.Validation("unknown event type " + frame.Type)
	}
}

func changedResult(messageID string, changed bool) map[string]any {
	return map[string]any{"messageId": messageID, "changed": changed}
}
