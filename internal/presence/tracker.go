// Package presence derives online/offline state from the session registry
// and fans transitions out to every other connected user.
package presence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"go.uber.org/zap"

	"chatwire/internal/metrics"
	"chatwire/internal/pubsub"
	"chatwire/pkg/interfaces"
	"chatwire/pkg/types"
)

const (
	recentOfflineSize = 10000
	recentOfflineTTL  = 10 * time.Minute
)

// Job is the persistence request published on every transition.
type Job struct {
	UserID     string     `json:"userId"`
	Online     bool       `json:"online"`
	LastSeenAt *time.Time `json:"lastSeenAt,omitempty"`
	At         time.Time  `json:"at"`
}

// Tracker implements interfaces.RegistryObserver.
// ARCHITECTURAL DISCOVERY: the registry calls the tracker inside its per-user
// step, so transitions for one user are already linearized and a reconnect
// can never see an offline broadcast that belongs to the previous session
type Tracker struct {
	lookup  interfaces.ConnectionLookup
	store   interfaces.PresenceStore
	bus     *pubsub.Bus
	metrics *metrics.Metrics
	logger  *zap.Logger
	now     func() time.Time

	mu     sync.RWMutex
	online map[string]time.Time // userID -> online since

	// recently offline users, answered from memory while the write is in flight
	offline *expirable.LRU[string, time.Time]
}

// NewTracker creates a tracker and subscribes its persistence handler on bus.
func NewTracker(lookup interfaces.ConnectionLookup, store interfaces.PresenceStore, bus *pubsub.Bus, m *metrics.Metrics, logger *zap.Logger) *Tracker {
	if logger == nil {
		logger = zap.NewNop()
	}
	t := &Tracker{
		lookup:  lookup,
		store:   store,
		bus:     bus,
		metrics: m,
		logger:  logger.With(zap.String("component", "presence")),
		now:     func() time.Time { return time.Now().UTC() },
		online:  make(map[string]time.Time),
		offline: expirable.NewLRU[string, time.Time](recentOfflineSize, nil, recentOfflineTTL),
	}
	bus.Handle("presence-persist", pubsub.TopicPresenceChanged, t.persist, t.persistFailed)
	return t
}

// ConnectionRegistered marks the user online on their first connection.
func (t *Tracker) ConnectionRegistered(conn interfaces.Connection, first bool) {
	if !first {
		return
	}
	userID := conn.UserID()
	at := t.now()

	t.mu.Lock()
	t.online[userID] = at
	t.mu.Unlock()
	t.offline.Remove(userID)

	t.metrics.PresenceTransitions.WithLabelValues("online").Inc()
	t.logger.Debug("user online", zap.String("user_id", userID))

	t.publish(Job{UserID: userID, Online: true, At: at})
	t.broadcast(userID, types.NewEvent(types.EventPresenceOnline, types.PresencePayload{UserID: userID}))
}

// ConnectionUnregistered marks the user offline when their last connection
// goes away.
func (t *Tracker) ConnectionUnregistered(conn interfaces.Connection, last bool) {
	if !last {
		return
	}
	userID := conn.UserID()
	at := t.now()

	t.mu.Lock()
	delete(t.online, userID)
	t.mu.Unlock()
	t.offline.Add(userID, at)

	t.metrics.PresenceTransitions.WithLabelValues("offline").Inc()
	t.logger.Debug("user offline", zap.String("user_id", userID))

	t.publish(Job{UserID: userID, Online: false, LastSeenAt: &at, At: at})
	t.broadcast(userID, types.NewEvent(types.EventPresenceOffline, types.PresencePayload{UserID: userID, LastSeenAt: &at}))
}

// broadcast sends env to every connection that does not belong to userID.
func (t *Tracker) broadcast(userID string, env *types.Envelope) {
	t.lookup.ForEach(func(c interfaces.Connection) {
		if c.UserID() == userID {
			return
		}
		_ = c.Send(env)
	})
}

func (t *Tracker) publish(job Job) {
	if err := t.bus.Publish(context.Background(), pubsub.TopicPresenceChanged, job); err != nil {
		t.metrics.PresencePersistFailures.Inc()
		t.logger.Error("failed to queue presence write", zap.String("user_id", job.UserID), zap.Error(err))
	}
}

func (t *Tracker) persist(msg *message.Message) error {
	var job Job
	if err := json.Unmarshal(msg.Payload, &job); err != nil {
		t.logger.Error("dropping malformed presence job", zap.Error(err))
		return nil
	}
	state := types.PresenceState{UserID: job.UserID, Online: job.Online, LastSeenAt: job.LastSeenAt}
	return t.store.SavePresence(msg.Context(), state, job.At)
}

func (t *Tracker) persistFailed(_ string, msg *message.Message, err error) {
	t.metrics.PresencePersistFailures.Inc()
	t.logger.Error("presence write failed",
		zap.String("msg_id", msg.UUID),
		zap.Error(err))
}

// IsOnline answers from memory only.
func (t *Tracker) IsOnline(userID string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.online[userID]
	return ok
}

// State returns the user's presence. Users never seen are offline with no
// last-seen time.
func (t *Tracker) State(ctx context.Context, userID string) (*types.PresenceState, error) {
	if !types.IsValidUserID(userID) {
		return nil, types.ErrInvalidUserID
	}
	if t.IsOnline(userID) {
		return &types.PresenceState{UserID: userID, Online: true}, nil
	}
	if at, ok := t.offline.Get(userID); ok {
		return &types.PresenceState{UserID: userID, LastSeenAt: &at}, nil
	}

	state, err := t.store.GetPresence(ctx, userID)
	if errors.Is(err, types.ErrNotFound) {
		return &types.PresenceState{UserID: userID}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load presence: %w", err)
	}
	// Persisted online rows without a live connection are left over from a
	// previous process.
	state.Online = false
	return state, nil
}

// GetStats reports how many users are online.
func (t *Tracker) GetStats() map[string]int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return map[string]int{"users_online": len(t.online)}
}
