// Package router keeps conversation rooms: which live connections receive a
// conversation's events. Membership is weak; the session registry owns the
// connection lifecycle and tells the router when a connection goes away.
package router

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"chatwire/internal/keylock"
	"chatwire/internal/metrics"
	"chatwire/pkg/interfaces"
	"chatwire/pkg/types"
)

const shardCount = 32

type roomShard struct {
	mu    sync.RWMutex
	rooms map[string]map[string]interfaces.Connection // conversationID -> connID -> conn
}

type memberShard struct {
	mu    sync.Mutex
	conns map[string]map[string]struct{} // connID -> conversationIDs
}

// Router implements interfaces.Broadcaster over in-memory rooms.
// ARCHITECTURAL DISCOVERY: rooms are sharded by conversation id and the
// reverse index by connection id, so activity in one conversation never takes
// a lock another conversation's broadcast needs
type Router struct {
	rooms   [shardCount]*roomShard
	members [shardCount]*memberShard

	sweepInterval time.Duration
	metrics       *metrics.Metrics
	logger        *zap.Logger

	mu      sync.Mutex
	running bool
	stop    chan struct{}
	stopped chan struct{}
}

// NewRouter creates an empty router. sweepInterval drives the background
// sweep started by Start.
func NewRouter(sweepInterval time.Duration, m *metrics.Metrics, logger *zap.Logger) *Router {
	if logger == nil {
		logger = zap.NewNop()
	}
	if sweepInterval <= 0 {
		sweepInterval = time.Minute
	}
	r := &Router{
		sweepInterval: sweepInterval,
		metrics:       m,
		logger:        logger.With(zap.String("component", "rooms")),
	}
	for i := range r.rooms {
		r.rooms[i] = &roomShard{rooms: make(map[string]map[string]interfaces.Connection)}
		r.members[i] = &memberShard{conns: make(map[string]map[string]struct{})}
	}
	return r
}

func (r *Router) roomShard(conversationID string) *roomShard {
	return r.rooms[keylock.Shard(conversationID, shardCount)]
}

func (r *Router) memberShard(connID string) *memberShard {
	return r.members[keylock.Shard(connID, shardCount)]
}

// Join subscribes conn to a conversation room. Joining twice is a no-op.
func (r *Router) Join(conversationID string, conn interfaces.Connection) error {
	if conn == nil {
		return ErrNilConnection
	}
	if conversationID == "" {
		return ErrEmptyConversation
	}
	select {
	case <-conn.Done():
		return ErrConnectionClosed
	default:
	}

	rs := r.roomShard(conversationID)
	rs.mu.Lock()
	room, ok := rs.rooms[conversationID]
	if !ok {
		room = make(map[string]interfaces.Connection)
		rs.rooms[conversationID] = room
		r.metrics.RoomsActive.Inc()
	}
	room[conn.ID()] = conn
	rs.mu.Unlock()

	ms := r.memberShard(conn.ID())
	ms.mu.Lock()
	joined, ok := ms.conns[conn.ID()]
	if !ok {
		joined = make(map[string]struct{})
		ms.conns[conn.ID()] = joined
	}
	joined[conversationID] = struct{}{}
	ms.mu.Unlock()

	r.logger.Debug("joined room",
		zap.String("conversation_id", conversationID),
		zap.String("conn_id", conn.ID()),
		zap.String("user_id", conn.UserID()))
	return nil
}

// Leave unsubscribes conn from one room. It never disconnects.
func (r *Router) Leave(conversationID string, conn interfaces.Connection) {
	if conn == nil {
		return
	}
	r.removeMember(conversationID, conn.ID())

	ms := r.memberShard(conn.ID())
	ms.mu.Lock()
	if joined, ok := ms.conns[conn.ID()]; ok {
		delete(joined, conversationID)
		if len(joined) == 0 {
			delete(ms.conns, conn.ID())
		}
	}
	ms.mu.Unlock()
}

func (r *Router) removeMember(conversationID, connID string) {
	rs := r.roomShard(conversationID)
	rs.mu.Lock()
	defer rs.mu.Unlock()
	room, ok := rs.rooms[conversationID]
	if !ok {
		return
	}
	delete(room, connID)
	if len(room) == 0 {
		delete(rs.rooms, conversationID)
		r.metrics.RoomsActive.Dec()
	}
}

// DropConnection removes conn from every room it joined.
func (r *Router) DropConnection(conn interfaces.Connection) {
	if conn == nil {
		return
	}
	ms := r.memberShard(conn.ID())
	ms.mu.Lock()
	joined := ms.conns[conn.ID()]
	delete(ms.conns, conn.ID())
	ms.mu.Unlock()

	for conversationID := range joined {
		r.removeMember(conversationID, conn.ID())
	}
}

// ConnectionRegistered is part of interfaces.RegistryObserver.
func (r *Router) ConnectionRegistered(interfaces.Connection, bool) {}

// ConnectionUnregistered drops the connection from its rooms as part of the
// registry teardown step.
func (r *Router) ConnectionUnregistered(conn interfaces.Connection, _ bool) {
	r.DropConnection(conn)
}

// Broadcast sends env to every member of the room except the excluded
// connection ids and returns how many sends were accepted. Sends never block:
// a member with a full queue is disconnected by its own connection.
func (r *Router) Broadcast(conversationID string, env *types.Envelope, exclude ...string) int {
	rs := r.roomShard(conversationID)
	rs.mu.RLock()
	room := rs.rooms[conversationID]
	targets := make([]interfaces.Connection, 0, len(room))
	for id, conn := range room {
		if !excluded(id, exclude) {
			targets = append(targets, conn)
		}
	}
	rs.mu.RUnlock()

	delivered := 0
	for _, conn := range targets {
		if err := conn.Send(env); err != nil {
			r.logger.Debug("broadcast send failed",
				zap.String("conversation_id", conversationID),
				zap.String("conn_id", conn.ID()),
				zap.String("event", env.Type),
				zap.Error(err))
			continue
		}
		delivered++
	}
	r.metrics.BroadcastRecipients.Observe(float64(delivered))
	return delivered
}

func excluded(id string, exclude []string) bool {
	for _, e := range exclude {
		if e == id {
			return true
		}
	}
	return false
}

// Members returns a snapshot of the room's connections.
func (r *Router) Members(conversationID string) []interfaces.Connection {
	rs := r.roomShard(conversationID)
	rs.mu.RLock()
	defer rs.mu.RUnlock()
	room := rs.rooms[conversationID]
	out := make([]interfaces.Connection, 0, len(room))
	for _, conn := range room {
		out = append(out, conn)
	}
	return out
}

// IsMember reports whether conn has joined the room.
func (r *Router) IsMember(conversationID string, conn interfaces.Connection) bool {
	rs := r.roomShard(conversationID)
	rs.mu.RLock()
	defer rs.mu.RUnlock()
	_, ok := rs.rooms[conversationID][conn.ID()]
	return ok
}

// Sweep removes members whose connection has terminated and returns how
// many memberships it dropped.
// TECHNICAL DISCOVERY: a join can race the registry teardown hook for the
// same connection, the sweep collects whatever that race leaves behind
func (r *Router) Sweep() int {
	var dead []interfaces.Connection
	for _, rs := range r.rooms {
		rs.mu.RLock()
		for _, room := range rs.rooms {
			for _, conn := range room {
				select {
				case <-conn.Done():
					dead = append(dead, conn)
				default:
				}
			}
		}
		rs.mu.RUnlock()
	}

	dropped := 0
	for _, conn := range dead {
		for _, rs := range r.rooms {
			rs.mu.RLock()
			var convs []string
			for conversationID, room := range rs.rooms {
				if _, ok := room[conn.ID()]; ok {
					convs = append(convs, conversationID)
				}
			}
			rs.mu.RUnlock()
			for _, conversationID := range convs {
				r.removeMember(conversationID, conn.ID())
				dropped++
			}
		}
		ms := r.memberShard(conn.ID())
		ms.mu.Lock()
		delete(ms.conns, conn.ID())
		ms.mu.Unlock()
	}
	if dropped > 0 {
		r.logger.Info("swept dead room members", zap.Int("memberships", dropped))
	}
	return dropped
}

// Start runs Sweep every sweep interval until Stop or ctx is done.
func (r *Router) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running {
		return ErrAlreadyRunning
	}
	r.running = true
	r.stop = make(chan struct{})
	r.stopped = make(chan struct{})

	go r.run(ctx, r.stop, r.stopped)
	return nil
}

func (r *Router) run(ctx context.Context, stop <-chan struct{}, stopped chan<- struct{}) {
	defer close(stopped)
	ticker := time.NewTicker(r.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			r.Sweep()
		case <-stop:
			return
		case <-ctx.Done():
			return
		}
	}
}

// Stop halts the sweeper and waits for it to exit.
func (r *Router) Stop() error {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return ErrNotRunning
	}
	r.running = false
	close(r.stop)
	stopped := r.stopped
	r.mu.Unlock()

	<-stopped
	return nil
}

// GetStats returns room statistics for monitoring
func (r *Router) GetStats() map[string]int {
	rooms, memberships := 0, 0
	for _, rs := range r.rooms {
		rs.mu.RLock()
		rooms += len(rs.rooms)
		for _, room := range rs.rooms {
			memberships += len(room)
		}
		rs.mu.RUnlock()
	}
	return map[string]int{
		"rooms_active":     rooms,
		"room_memberships": memberships,
	}
}
