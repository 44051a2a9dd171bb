package database

import "errors"

// Manager lifecycle errors. Callers see them wrapped as transient storage
// failures.
var (
	ErrManagerClosed = errors.New("database manager is closed")
	ErrWriteTimeout  = errors.New("write operation timeout")
	ErrShuttingDown  = errors.New("database manager is shutting down")
)
