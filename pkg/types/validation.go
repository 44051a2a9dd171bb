package types

import (
	"regexp"
	"strings"
)

// MaxContentBytes bounds message content.
const MaxContentBytes = 65536

const maxEmojiBytes = 32

var userIDRegex = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

// IsValidUserID checks if a user ID meets format requirements
func IsValidUserID(userID string) bool {
	if len(userID) < 1 || len(userID) > 50 {
		return false
	}
	return userIDRegex.MatchString(userID)
}

// IsValidMessageKind reports whether kind is one of the known kinds.
func IsValidMessageKind(kind MessageKind) bool {
	switch kind {
	case KindText, KindImage, KindVideo, KindAudio, KindDocument:
		return true
	default:
		return false
	}
}

// ValidateContent checks a message body. Whitespace-only content is empty.
func ValidateContent(content string) error {
	if strings.TrimSpace(content) == "" {
		return ErrEmptyContent
	}
	if len(content) > MaxContentBytes {
		return ErrContentTooLarge
	}
	return nil
}

// ValidateEmoji checks a reaction value.
func ValidateEmoji(emoji string) error {
	if emoji == "" || len(emoji) > maxEmojiBytes || strings.TrimSpace(emoji) != emoji {
		return ErrInvalidEmoji
	}
	return nil
}

// Validate checks the participant list of a new conversation and normalizes
// it by dropping duplicates.
func (c *Conversation) Validate() error {
	seen := make(map[string]struct{}, len(c.Participants))
	unique := c.Participants[:0:0]
	for _, p := range c.Participants {
		if !IsValidUserID(p) {
			return ErrInvalidUserID
		}
		if _, ok := seen[p]; ok {
			continue
		}
		seen[p] = struct{}{}
		unique = append(unique, p)
	}
	c.Participants = unique
	if len(unique) < 2 {
		return ErrInvalidParticipants
	}
	if c.Kind == "" {
		c.Kind = ConversationGroup
		if len(unique) == 2 {
			c.Kind = ConversationDirect
		}
	}
	switch c.Kind {
	case ConversationDirect:
		if len(unique) != 2 {
			return ErrInvalidParticipants
		}
	case ConversationGroup:
	default:
		return Validation("conversation kind must be direct or group")
	}
	return nil
}
