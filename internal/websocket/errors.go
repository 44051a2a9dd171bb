package websocket

import "errors"

// Connection-related errors
var (
	ErrInvalidJSON          = errors.New("invalid JSON data")
	ErrAlreadyAuthenticated = errors.New("connection is already authenticated")
)

// Registry-related errors
var (
	ErrNilConnection              = errors.New("connection cannot be nil")
	ErrConnectionNotAuthenticated = errors.New("connection must be authenticated before registration")
	ErrAlreadyRegistered          = errors.New("connection is already registered")
)

// Handler-related errors
var (
	ErrAuthTimeout = errors.New("authentication timed out")
)
