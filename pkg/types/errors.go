package types

import (
	"errors"
	"fmt"
)

// ErrorKind is the taxonomy surfaced to clients.
type ErrorKind string

const (
	KindAuthorization    ErrorKind = "authorization"
	KindValidation       ErrorKind = "validation"
	KindBlocked          ErrorKind = "blocked"
	KindNotFound         ErrorKind = "not_found"
	KindTransientStorage ErrorKind = "transient_storage"
	KindRateLimited      ErrorKind = "rate_limited"
	KindProtocol         ErrorKind = "protocol"
	KindInternal         ErrorKind = "internal"
)

// Error is a classified failure. Two Errors match under errors.Is when their
// kinds match, so callers test against the Err* values below.
type Error struct {
	Kind    ErrorKind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind
}

// Kind matchers.
var (
	ErrAuthorization    = &Error{Kind: KindAuthorization, Message: "not allowed"}
	ErrValidation       = &Error{Kind: KindValidation, Message: "invalid input"}
	ErrBlocked          = &Error{Kind: KindBlocked, Message: "blocked"}
	ErrNotFound         = &Error{Kind: KindNotFound, Message: "not found"}
	ErrTransientStorage = &Error{Kind: KindTransientStorage, Message: "storage unavailable"}
	ErrRateLimited      = &Error{Kind: KindRateLimited, Message: "rate limit exceeded"}
	ErrProtocol         = &Error{Kind: KindProtocol, Message: "protocol violation"}
)

// Validation failures.
var (
	ErrInvalidUserID         = Validation("user ID must be 1-50 characters, alphanumeric + underscore/hyphen only")
	ErrInvalidConversationID = Validation("conversation ID is required")
	ErrInvalidMessageID      = Validation("message ID is required")
	ErrEmptyContent          = Validation("message content cannot be empty")
	ErrContentTooLarge       = Validation("message content exceeds 64KB limit")
	ErrInvalidMessageKind    = Validation("invalid message kind")
	ErrInvalidEmoji          = Validation("emoji must be 1-32 bytes")
	ErrInvalidParticipants   = Validation("conversation needs at least two distinct valid participants")
	ErrMessageDeleted        = Validation("message has been deleted")
	ErrNotEditable           = Validation("only text messages can be edited")
)

func Authorization(msg string) *Error { return &Error{Kind: KindAuthorization, Message: msg} }
func Validation(msg string) *Error    { return &Error{Kind: KindValidation, Message: msg} }
func Blocked(msg string) *Error       { return &Error{Kind: KindBlocked, Message: msg} }
func Protocol(msg string) *Error      { return &Error{Kind: KindProtocol, Message: msg} }

// NotFound names the missing entity.
func NotFound(entity, id string) *Error {
	return &Error{Kind: KindNotFound, Message: fmt.Sprintf("%s %s not found", entity, id)}
}

// TransientStorage wraps a retryable persistence failure.
func TransientStorage(err error) *Error {
	return &Error{Kind: KindTransientStorage, Message: "storage unavailable, retry later", Err: err}
}

// KindOf classifies any error. Unclassified errors are internal.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// DetailOf renders err for the wire without leaking wrapped causes.
func DetailOf(err error) *ErrorDetail {
	var e *Error
	if errors.As(err, &e) {
		return &ErrorDetail{Kind: e.Kind, Message: e.Message}
	}
	return &ErrorDetail{Kind: KindInternal, Message: "internal error"}
}
