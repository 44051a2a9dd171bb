package types

import (
	"encoding/json"
	"time"
)

// Inbound event names.
const (
	EventAuthenticate    = "authenticate"
	EventConnectIdentity = "connect-identity"
	EventRoomJoin        = "room-join"
	EventRoomLeave       = "room-leave"
	EventSend            = "send"
	EventAckDelivered    = "ack-delivered"
	EventAckRead         = "ack-read"
	EventMarkChatRead    = "mark-chat-read"
	EventTypingStart     = "typing-start"
	EventTypingStop      = "typing-stop"
	EventDelete          = "delete"
	EventEdit            = "edit"
	EventReact           = "react"
	EventUnreact         = "unreact"
	EventPin             = "pin"
	EventUnpin           = "unpin"
)

// Outbound event names. Typing events reuse the inbound names.
const (
	EventAck                    = "ack"
	EventError                  = "error"
	EventAuthenticated          = "authenticated"
	EventPresenceOnline         = "presence-online"
	EventPresenceOffline        = "presence-offline"
	EventMessageCreated         = "message-created"
	EventMessageDelivered       = "message-delivered"
	EventMessageRead            = "message-read"
	EventMessageDeleted         = "message-deleted"
	EventMessageEdited          = "message-edited"
	EventMessageReactionChanged = "message-reaction-changed"
	EventMessagePinned          = "message-pinned"
	EventMessageUnpinned        = "message-unpinned"
)

// Frame is a client request. ID is optional; when present the server answers
// with exactly one ack carrying the same id.
type Frame struct {
	ID   string          `json:"id,omitempty"`
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Envelope is every server to client frame.
type Envelope struct {
	Type      string       `json:"type"`
	ReplyTo   string       `json:"replyTo,omitempty"`
	Success   *bool        `json:"success,omitempty"`
	Data      any          `json:"data,omitempty"`
	Error     *ErrorDetail `json:"error,omitempty"`
	Timestamp time.Time    `json:"timestamp"`
}

// ErrorDetail is the wire shape of an Error.
type ErrorDetail struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
}

// NewEvent builds a push event.
func NewEvent(eventType string, data any) *Envelope {
	return &Envelope{Type: eventType, Data: data, Timestamp: time.Now().UTC()}
}

// NewAck builds the success reply for request id.
func NewAck(requestID string, data any) *Envelope {
	ok := true
	return &Envelope{Type: EventAck, ReplyTo: requestID, Success: &ok, Data: data, Timestamp: time.Now().UTC()}
}

// NewNack builds the failure reply for request id.
func NewNack(requestID string, err error) *Envelope {
	ok := false
	return &Envelope{Type: EventAck, ReplyTo: requestID, Success: &ok, Error: DetailOf(err), Timestamp: time.Now().UTC()}
}

// NewErrorEvent builds an unsolicited error event.
func NewErrorEvent(err error) *Envelope {
	return &Envelope{Type: EventError, Error: DetailOf(err), Timestamp: time.Now().UTC()}
}

// Inbound payloads.

type AuthenticatePayload struct {
	Token string `json:"token"`
}

type IdentityPayload struct {
	UserID string `json:"userId"`
}

type ConversationPayload struct {
	ConversationID string `json:"conversationId"`
}

type SendPayload struct {
	ConversationID string      `json:"conversationId"`
	Content        string      `json:"content"`
	Kind           MessageKind `json:"kind,omitempty"`
	ReplyTo        *string     `json:"replyTo,omitempty"`
}

type MessageRefPayload struct {
	MessageID      string `json:"messageId"`
	ConversationID string `json:"conversationId,omitempty"`
}

type EditPayload struct {
	MessageID string `json:"messageId"`
	Content   string `json:"content"`
}

type ReactPayload struct {
	MessageID string `json:"messageId"`
	Emoji     string `json:"emoji"`
}

// Outbound payloads.

type PresencePayload struct {
	UserID     string     `json:"userId"`
	LastSeenAt *time.Time `json:"lastSeenAt,omitempty"`
}

type StatusPayload struct {
	MessageID      string        `json:"messageId"`
	ConversationID string        `json:"conversationId"`
	Status         MessageStatus `json:"status"`
	At             time.Time     `json:"at"`
	UserID         string        `json:"userId"`
}

type DeletedPayload struct {
	MessageID      string    `json:"messageId"`
	ConversationID string    `json:"conversationId"`
	Content        string    `json:"content"`
	DeletedBy      string    `json:"deletedBy"`
	DeletedAt      time.Time `json:"deletedAt"`
}

type EditedPayload struct {
	MessageID      string    `json:"messageId"`
	ConversationID string    `json:"conversationId"`
	Content        string    `json:"content"`
	EditedAt       time.Time `json:"editedAt"`
}

type ReactionsPayload struct {
	MessageID      string     `json:"messageId"`
	ConversationID string     `json:"conversationId"`
	Reactions      []Reaction `json:"reactions"`
}

type PinPayload struct {
	MessageID      string     `json:"messageId"`
	ConversationID string     `json:"conversationId"`
	PinnedBy       string     `json:"pinnedBy"`
	PinnedAt       *time.Time `json:"pinnedAt,omitempty"`
}

type TypingPayload struct {
	ConversationID string `json:"conversationId"`
	UserID         string `json:"userId"`
}
