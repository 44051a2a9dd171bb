package websocket

import (
	"sync"

	"go.uber.org/zap"

	"chatwire/internal/keylock"
	"chatwire/internal/metrics"
	"chatwire/pkg/interfaces"
)

const registryShards = 32

type registryShard struct {
	mu    sync.RWMutex
	users map[string]map[string]interfaces.Connection // userID -> connID -> Connection
}

// Registry tracks every live connection per user. A user may be connected
// from several devices at once.
// ARCHITECTURAL DISCOVERY: registration for one user is linearized by a
// per-user lock and observers run inside it, so "first connection" and "last
// connection" are exact even when devices connect and drop concurrently
type Registry struct {
	shards    [registryShards]*registryShard
	locks     *keylock.Table
	observers []interfaces.RegistryObserver
	metrics   *metrics.Metrics
	logger    *zap.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(m *metrics.Metrics, logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Registry{
		locks:   keylock.New(),
		metrics: m,
		logger:  logger.With(zap.String("component", "registry")),
	}
	for i := range r.shards {
		r.shards[i] = &registryShard{users: make(map[string]map[string]interfaces.Connection)}
	}
	return r
}

// AddObserver subscribes o to lifecycle callbacks. Call before serving.
func (r *Registry) AddObserver(o interfaces.RegistryObserver) {
	r.observers = append(r.observers, o)
}

func (r *Registry) shard(userID string) *registryShard {
	return r.shards[keylock.Shard(userID, registryShards)]
}

// Register adds an authenticated connection.
func (r *Registry) Register(conn interfaces.Connection) error {
	if conn == nil {
		return ErrNilConnection
	}
	userID := conn.UserID()
	if userID == "" {
		return ErrConnectionNotAuthenticated
	}

	unlock := r.locks.Lock(userID)
	defer unlock()

	s := r.shard(userID)
	s.mu.Lock()
	conns := s.users[userID]
	if conns == nil {
		conns = make(map[string]interfaces.Connection)
		s.users[userID] = conns
	}
	if _, dup := conns[conn.ID()]; dup {
		s.mu.Unlock()
		return ErrAlreadyRegistered
	}
	first := len(conns) == 0
	conns[conn.ID()] = conn
	s.mu.Unlock()

	r.metrics.ConnectionsActive.Inc()
	r.metrics.ConnectionsTotal.Inc()
	r.logger.Debug("connection registered",
		zap.String("user_id", userID),
		zap.String("conn_id", conn.ID()),
		zap.Bool("first", first))

	for _, o := range r.observers {
		o.ConnectionRegistered(conn, first)
	}
	return nil
}

// Unregister removes conn. Unknown connections are ignored, so disconnect
// paths may call it more than once.
func (r *Registry) Unregister(conn interfaces.Connection) {
	if conn == nil || conn.UserID() == "" {
		return
	}
	userID := conn.UserID()

	unlock := r.locks.Lock(userID)
	defer unlock()

	s := r.shard(userID)
	s.mu.Lock()
	conns, ok := s.users[userID]
	if !ok {
		s.mu.Unlock()
		return
	}
	if _, ok := conns[conn.ID()]; !ok {
		s.mu.Unlock()
		return
	}
	delete(conns, conn.ID())
	last := len(conns) == 0
	if last {
		delete(s.users, userID)
	}
	s.mu.Unlock()

	r.metrics.ConnectionsActive.Dec()
	r.logger.Debug("connection unregistered",
		zap.String("user_id", userID),
		zap.String("conn_id", conn.ID()),
		zap.Bool("last", last))

	for _, o := range r.observers {
		o.ConnectionUnregistered(conn, last)
	}
}

// FindConnections returns a snapshot of userID's connections.
func (r *Registry) FindConnections(userID string) []interfaces.Connection {
	s := r.shard(userID)
	s.mu.RLock()
	defer s.mu.RUnlock()

	conns := s.users[userID]
	out := make([]interfaces.Connection, 0, len(conns))
	for _, c := range conns {
		out = append(out, c)
	}
	return out
}

// IsOnline reports whether userID has at least one live connection.
func (r *Registry) IsOnline(userID string) bool {
	s := r.shard(userID)
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.users[userID]) > 0
}

// ForEach calls fn for every live connection. fn runs outside registry locks.
func (r *Registry) ForEach(fn func(interfaces.Connection)) {
	for _, s := range r.shards {
		s.mu.RLock()
		snapshot := make([]interfaces.Connection, 0)
		for _, conns := range s.users {
			for _, c := range conns {
				snapshot = append(snapshot, c)
			}
		}
		s.mu.RUnlock()

		for _, c := range snapshot {
			fn(c)
		}
	}
}

// GetStats returns registry statistics for monitoring
func (r *Registry) GetStats() map[string]int {
	users, total := 0, 0
	for _, s := range r.shards {
		s.mu.RLock()
		users += len(s.users)
		for _, conns := range s.users {
			total += len(conns)
		}
		s.mu.RUnlock()
	}
	return map[string]int{
		"total_connections": total,
		"users_online":      users,
	}
}
