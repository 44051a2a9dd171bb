package interfaces

import "errors"

// Common interface errors used across components
var (
	ErrQueueFull        = errors.New("outbound queue full")
	ErrConnectionClosed = errors.New("connection closed")
)
