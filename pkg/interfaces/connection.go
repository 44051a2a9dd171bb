package interfaces

import "chatwire/pkg/types"

// Connection is one authenticated client socket. A user may hold many.
type Connection interface {
	// ID is unique per process lifetime.
	ID() string

	// UserID is bound at authentication and never changes.
	UserID() string

	// Send enqueues env without blocking. A full queue closes the connection
	// and returns an error.
	Send(env *types.Envelope) error

	// Close is idempotent.
	Close() error

	// Done is closed once the connection has terminated.
	Done() <-chan struct{}
}

// RegistryObserver receives connection lifecycle callbacks. Callbacks for one
// user are serialized and run inside the registration step, so first and
// last are exact.
type RegistryObserver interface {
	ConnectionRegistered(conn Connection, first bool)
	ConnectionUnregistered(conn Connection, last bool)
}

// ConnectionLookup resolves live connections.
type ConnectionLookup interface {
	FindConnections(userID string) []Connection
	ForEach(fn func(Connection))
}

// Broadcaster fans an envelope out to a conversation room. Connection ids in
// exclude are skipped. It returns the number of connections reached.
type Broadcaster interface {
	Broadcast(conversationID string, env *types.Envelope, exclude ...string) int
}
