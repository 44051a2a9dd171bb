package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	dbconfig "chatwire/pkg/database"
	"chatwire/pkg/types"
)

// Options tunes the write path and the circuit breaker around the store.
type Options struct {
	WriteTimeout time.Duration
	RetryDelay   time.Duration

	BreakerMaxRequests uint32
	BreakerInterval    time.Duration
	BreakerTimeout     time.Duration
	BreakerFailures    uint32

	// OnBreakerChange is notified after every breaker state transition.
	OnBreakerChange func(to gobreaker.State)
}

// DefaultOptions mirrors the production configuration defaults.
func DefaultOptions() Options {
	return Options{
		WriteTimeout:       30 * time.Second,
		RetryDelay:         500 * time.Millisecond,
		BreakerMaxRequests: 1,
		BreakerInterval:    time.Minute,
		BreakerTimeout:     10 * time.Second,
		BreakerFailures:    5,
	}
}

// Manager is the sqlite backed implementation of interfaces.Store.
type Manager struct {
	db       *sql.DB
	opts     Options
	logger   *zap.Logger
	breaker  *gobreaker.CircuitBreaker
	writeCh  chan writeOperation // TECHNICAL: single-writer pattern for SQLite
	shutdown chan struct{}
	loopDone chan struct{}
	wg       sync.WaitGroup
	closed   bool
	mu       sync.RWMutex
}

type writeOperation struct {
	operation func(*sql.DB) error
	result    chan error
}

// NewManager opens the database described by cfg and starts the writer.
// Migrations are applied separately.
func NewManager(cfg *dbconfig.Config, opts Options, logger *zap.Logger) (*Manager, error) {
	db, err := dbconfig.Open(cfg)
	if err != nil {
		return nil, err
	}
	return NewManagerWithDB(db, opts, logger), nil
}

// NewManagerWithDB wraps an already open database.
func NewManagerWithDB(db *sql.DB, opts Options, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("component", "database"))

	m := &Manager{
		db:       db,
		opts:     opts,
		logger:   logger,
		writeCh:  make(chan writeOperation, 100),
		shutdown: make(chan struct{}),
		loopDone: make(chan struct{}),
	}
	m.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "sqlite",
		MaxRequests: opts.BreakerMaxRequests,
		Interval:    opts.BreakerInterval,
		Timeout:     opts.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= opts.BreakerFailures
		},
		IsSuccessful: isSuccessful,
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("storage circuit breaker state changed",
				zap.String("breaker", name),
				zap.Stringer("from", from),
				zap.Stringer("to", to))
			if opts.OnBreakerChange != nil {
				opts.OnBreakerChange(to)
			}
		},
	})

	// ARCHITECTURAL DISCOVERY: Single-writer goroutine prevents SQLite write contention
	m.wg.Add(1)
	go m.writeLoop()
	return m
}

// writeLoop processes all write operations in a single goroutine
func (m *Manager) writeLoop() {
	defer m.wg.Done()
	defer close(m.loopDone)

	for {
		select {
		case op := <-m.writeCh:
			err := op.operation(m.db)
			// FUNCTIONAL DISCOVERY: only lock contention is worth one retry,
			// constraint and context failures fail the same way twice
			if isBusy(err) {
				m.logger.Warn("database busy, retrying write", zap.Duration("delay", m.opts.RetryDelay), zap.Error(err))
				select {
				case <-time.After(m.opts.RetryDelay):
					err = op.operation(m.db)
				case <-m.shutdown:
				}
				if err != nil {
					m.logger.Error("database write failed after retry", zap.Error(err))
				}
			}
			op.result <- err

		case <-m.shutdown:
			m.logger.Info("database write loop shutting down")
			return
		}
	}
}

// executeWrite queues a write operation and waits for completion
func (m *Manager) executeWrite(ctx context.Context, operation func(*sql.DB) error) error {
	m.mu.RLock()
	if m.closed {
		m.mu.RUnlock()
		return ErrManagerClosed
	}
	m.mu.RUnlock()

	result := make(chan error, 1)
	timer := time.NewTimer(m.opts.WriteTimeout)
	defer timer.Stop()

	select {
	case m.writeCh <- writeOperation{operation: operation, result: result}:
	case <-timer.C:
		return ErrWriteTimeout
	case <-ctx.Done():
		return ctx.Err()
	case <-m.shutdown:
		return ErrShuttingDown
	}

	select {
	case err := <-result:
		return err
	case <-m.loopDone:
		select {
		case err := <-result:
			return err
		default:
			return ErrShuttingDown
		}
	}
}

// write runs a queued write behind the breaker.
func (m *Manager) write(ctx context.Context, operation func(*sql.DB) error) error {
	return m.guard(func() error { return m.executeWrite(ctx, operation) })
}

// writeTx runs fn inside one transaction on the writer goroutine.
func (m *Manager) writeTx(ctx context.Context, fn func(*sql.Tx) error) error {
	return m.write(ctx, func(db *sql.DB) error {
		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("failed to begin transaction: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		if err := fn(tx); err != nil {
			return err
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("failed to commit transaction: %w", err)
		}
		return nil
	})
}

// guard runs fn through the breaker and maps every infrastructure failure
// to a transient storage error.
func (m *Manager) guard(fn func() error) error {
	_, err := m.breaker.Execute(func() (interface{}, error) {
		return nil, fn()
	})
	return classify(err)
}

func classify(err error) error {
	if err == nil {
		return nil
	}
	var typed *types.Error
	if errors.As(err, &typed) {
		return err
	}
	return types.TransientStorage(err)
}

// isSuccessful keeps domain outcomes from tripping the breaker.
func isSuccessful(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return true
	}
	switch types.KindOf(err) {
	case types.KindNotFound, types.KindValidation:
		return true
	}
	return false
}

func isBusy(err error) bool {
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.Code == sqlite3.ErrBusy || se.Code == sqlite3.ErrLocked
	}
	return false
}

// BreakerState exposes the current breaker state for health reporting.
func (m *Manager) BreakerState() gobreaker.State {
	return m.breaker.State()
}

// HealthCheck validates database connectivity
func (m *Manager) HealthCheck(ctx context.Context) error {
	return m.guard(func() error {
		if err := m.db.PingContext(ctx); err != nil {
			return fmt.Errorf("database ping failed: %w", err)
		}
		var n int
		if err := m.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM conversations").Scan(&n); err != nil {
			return fmt.Errorf("database read test failed: %w", err)
		}
		return nil
	})
}

// DB returns the underlying database for migrations and schema checks.
func (m *Manager) DB() *sql.DB {
	return m.db
}

// Close shuts down the database manager
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	close(m.shutdown)
	m.wg.Wait()

	if err := m.db.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	return nil
}

// utc normalizes timestamps so lexical order in sqlite matches time order.
func utc(t time.Time) time.Time {
	return t.UTC()
}

func nullTime(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time.UTC()
	return &v
}

func nullString(s sql.NullString) *string {
	if !s.Valid {
		return nil
	}
	v := s.String
	return &v
}
