package types

import (
	"encoding/json"
	"fmt"
	"slices"
	"time"
)

// MessageStatus is the delivery rank of a message. The numeric order is the
// lifecycle order, so storage can compare ranks directly.
type MessageStatus int

const (
	StatusSent MessageStatus = iota
	StatusDelivered
	StatusRead
)

var statusNames = [...]string{"SENT", "DELIVERED", "READ"}

func (s MessageStatus) String() string {
	if s < StatusSent || s > StatusRead {
		return fmt.Sprintf("MessageStatus(%d)", int(s))
	}
	return statusNames[s]
}

// Advances reports whether moving from s to next is a forward transition.
func (s MessageStatus) Advances(next MessageStatus) bool {
	return next > s
}

func (s MessageStatus) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

func (s *MessageStatus) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return err
	}
	parsed, err := ParseMessageStatus(name)
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// ParseMessageStatus maps the wire name back to a status rank.
func ParseMessageStatus(name string) (MessageStatus, error) {
	for i, n := range statusNames {
		if n == name {
			return MessageStatus(i), nil
		}
	}
	return StatusSent, fmt.Errorf("unknown message status %q", name)
}

// MessageKind classifies message content.
type MessageKind string

const (
	KindText     MessageKind = "text"
	KindImage    MessageKind = "image"
	KindVideo    MessageKind = "video"
	KindAudio    MessageKind = "audio"
	KindDocument MessageKind = "document"
)

// DeletedContent replaces the content of soft-deleted messages.
const DeletedContent = "This message was deleted"

// Message is a persisted chat message. Messages are never hard deleted.
type Message struct {
	ID             string        `json:"id"`
	ConversationID string        `json:"conversationId"`
	SenderID       string        `json:"senderId"`
	Kind           MessageKind   `json:"kind"`
	Content        string        `json:"content"`
	Status         MessageStatus `json:"status"`
	CreatedAt      time.Time     `json:"createdAt"`
	DeliveredAt    *time.Time    `json:"deliveredAt,omitempty"`
	ReadAt         *time.Time    `json:"readAt,omitempty"`
	Edited         bool          `json:"edited"`
	EditedAt       *time.Time    `json:"editedAt,omitempty"`
	Deleted        bool          `json:"deleted"`
	DeletedAt      *time.Time    `json:"deletedAt,omitempty"`
	ReplyToID      *string       `json:"replyToId,omitempty"`
	PinnedAt       *time.Time    `json:"pinnedAt,omitempty"`
}

// Reaction is a single user's emoji on a message. One per (message, user).
type Reaction struct {
	MessageID string    `json:"messageId"`
	UserID    string    `json:"userId"`
	Emoji     string    `json:"emoji"`
	CreatedAt time.Time `json:"createdAt"`
}

// ConversationKind separates two-party chats from groups. Blocking only
// applies to direct conversations.
type ConversationKind string

const (
	ConversationDirect ConversationKind = "direct"
	ConversationGroup  ConversationKind = "group"
)

// Conversation is the membership record rooms and authorization checks read.
type Conversation struct {
	ID           string           `json:"id"`
	Kind         ConversationKind `json:"kind"`
	Participants []string         `json:"participants"`
	CreatedAt    time.Time        `json:"createdAt"`
}

// HasParticipant reports whether userID is a member.
func (c *Conversation) HasParticipant(userID string) bool {
	return slices.Contains(c.Participants, userID)
}

// Other returns the counterpart of userID in a direct conversation.
func (c *Conversation) Other(userID string) (string, bool) {
	if c.Kind != ConversationDirect {
		return "", false
	}
	for _, p := range c.Participants {
		if p != userID {
			return p, true
		}
	}
	return "", false
}

// Actor identifies who performs an operation and from which connection.
// ConnectionID is empty for requests that did not arrive over a socket.
type Actor struct {
	UserID       string
	ConnectionID string
}

// PresenceState is the online flag plus last disconnect time of a user.
type PresenceState struct {
	UserID     string     `json:"userId"`
	Online     bool       `json:"online"`
	LastSeenAt *time.Time `json:"lastSeenAt,omitempty"`
}
