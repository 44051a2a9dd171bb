// Package testutil holds shared fixtures for package tests: a migrated
// temporary store and an in-memory connection that records what it is sent.
package testutil

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap/zaptest"

	"chatwire/internal/database"
	dbconfig "chatwire/pkg/database"
	"chatwire/pkg/interfaces"
	"chatwire/pkg/types"
)

// NewStore opens a migrated sqlite store under t.TempDir.
func NewStore(t testing.TB) *database.Manager {
	t.Helper()
	cfg := dbconfig.DefaultConfig()
	cfg.DatabasePath = filepath.Join(t.TempDir(), "chatwire.db")

	opts := database.DefaultOptions()
	opts.RetryDelay = 10 * time.Millisecond

	m, err := database.NewManager(cfg, opts, zaptest.NewLogger(t))
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	if _, err := dbconfig.NewMigrationManager(m.DB()).ApplyMigrations(); err != nil {
		t.Fatalf("failed to migrate store: %v", err)
	}
	t.Cleanup(func() { _ = m.Close() })
	return m
}

// NewConversation persists a conversation with the given participants.
func NewConversation(t testing.TB, store interfaces.ConversationStore, kind types.ConversationKind, participants ...string) *types.Conversation {
	t.Helper()
	conv := &types.Conversation{
		ID:           uuid.NewString(),
		Kind:         kind,
		Participants: participants,
		CreatedAt:    time.Now().UTC(),
	}
	if err := store.CreateConversation(context.Background(), conv); err != nil {
		t.Fatalf("failed to create conversation: %v", err)
	}
	return conv
}

// FakeConn is an interfaces.Connection that records envelopes in memory.
type FakeConn struct {
	id     string
	userID string

	mu       sync.Mutex
	sent     []*types.Envelope
	capacity int
	closed   bool
	done     chan struct{}
	notify   chan struct{}
}

// NewFakeConn creates an unbounded fake connection for userID.
func NewFakeConn(userID string) *FakeConn {
	return &FakeConn{
		id:     uuid.NewString(),
		userID: userID,
		done:   make(chan struct{}),
		notify: make(chan struct{}, 1),
	}
}

// NewBoundedFakeConn behaves like a real connection with a queue of capacity
// envelopes: the send that overflows closes it.
func NewBoundedFakeConn(userID string, capacity int) *FakeConn {
	c := NewFakeConn(userID)
	c.capacity = capacity
	return c
}

func (c *FakeConn) ID() string     { return c.id }
func (c *FakeConn) UserID() string { return c.userID }

func (c *FakeConn) Send(env *types.Envelope) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return interfaces.ErrConnectionClosed
	}
	if c.capacity > 0 && len(c.sent) >= c.capacity {
		c.mu.Unlock()
		_ = c.Close()
		return interfaces.ErrQueueFull
	}
	c.sent = append(c.sent, env)
	c.mu.Unlock()

	select {
	case c.notify <- struct{}{}:
	default:
	}
	return nil
}

func (c *FakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.done)
	}
	return nil
}

func (c *FakeConn) Done() <-chan struct{} { return c.done }

// Closed reports whether Close ran.
func (c *FakeConn) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Sent returns a copy of everything sent so far.
func (c *FakeConn) Sent() []*types.Envelope {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*types.Envelope(nil), c.sent...)
}

// Types lists the event types sent so far, in order.
func (c *FakeConn) Types() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.sent))
	for _, env := range c.sent {
		out = append(out, env.Type)
	}
	return out
}

// OfType returns the envelopes of one event type.
func (c *FakeConn) OfType(eventType string) []*types.Envelope {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []*types.Envelope
	for _, env := range c.sent {
		if env.Type == eventType {
			out = append(out, env)
		}
	}
	return out
}

// Reset forgets recorded envelopes.
func (c *FakeConn) Reset() {
	c.mu.Lock()
	c.sent = nil
	c.mu.Unlock()
}

// WaitFor blocks until an envelope of eventType arrives or timeout passes.
func (c *FakeConn) WaitFor(eventType string, timeout time.Duration) (*types.Envelope, bool) {
	deadline := time.After(timeout)
	for {
		if found := c.OfType(eventType); len(found) > 0 {
			return found[len(found)-1], true
		}
		select {
		case <-c.notify:
		case <-deadline:
			return nil, false
		}
	}
}
