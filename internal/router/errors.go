package router

import "errors"

var (
	ErrAlreadyRunning    = errors.New("room router sweeper is already running")
	ErrNotRunning        = errors.New("room router sweeper is not running")
	ErrNilConnection     = errors.New("connection is nil")
	ErrConnectionClosed  = errors.New("connection already terminated")
	ErrEmptyConversation = errors.New("conversation id is empty")
)
