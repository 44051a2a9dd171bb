// Package pubsub is the in-process event bus. Work that must not hold up a
// connection's request path, presence persistence and domain event export,
// is published here and consumed by watermill handlers.
package pubsub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/message/router/middleware"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"go.uber.org/zap"
)

// Topics used inside the process.
const (
	TopicPresenceChanged = "presence.changed"
	TopicDomainEvents    = "chat.events"
)

var ErrBusClosed = errors.New("event bus is closed")

// Config tunes the bus.
type Config struct {
	Buffer        int64
	MaxRetries    int
	RetryInterval time.Duration
	CloseTimeout  time.Duration
}

// DefaultConfig matches the configuration defaults.
func DefaultConfig() Config {
	return Config{
		Buffer:        1024,
		MaxRetries:    3,
		RetryInterval: 100 * time.Millisecond,
		CloseTimeout:  5 * time.Second,
	}
}

// FailureFunc observes a message its handler gave up on.
type FailureFunc func(topic string, msg *message.Message, err error)

// Bus couples a gochannel pub/sub with a watermill router.
type Bus struct {
	cfg     Config
	channel *gochannel.GoChannel
	router  *message.Router
	started atomic.Bool
	wlog    watermill.LoggerAdapter
	logger  *zap.Logger
}

// NewBus creates a bus. Register handlers before Run.
func NewBus(cfg Config, logger *zap.Logger) (*Bus, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("component", "bus"))
	wlog := NewZapAdapter(logger)

	router, err := message.NewRouter(message.RouterConfig{CloseTimeout: cfg.CloseTimeout}, wlog)
	if err != nil {
		return nil, fmt.Errorf("failed to create event router: %w", err)
	}
	router.AddMiddleware(middleware.Recoverer)

	return &Bus{
		cfg:     cfg,
		channel: gochannel.NewGoChannel(gochannel.Config{OutputChannelBuffer: cfg.Buffer}, wlog),
		router:  router,
		wlog:    wlog,
		logger:  logger,
	}, nil
}

// Publish encodes v as JSON and publishes it on topic.
func (b *Bus) Publish(ctx context.Context, topic string, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode %s event: %w", topic, err)
	}
	msg := message.NewMessage(watermill.NewUUID(), payload)
	msg.SetContext(ctx)
	if err := b.channel.Publish(topic, msg); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", topic, err)
	}
	return nil
}

// Handle consumes topic with fn. fn is retried with backoff; a message that
// still fails is reported to onFailure and acknowledged so it cannot wedge
// the subscription.
func (b *Bus) Handle(name, topic string, fn message.NoPublishHandlerFunc, onFailure FailureFunc) {
	retry := middleware.Retry{
		MaxRetries:      b.cfg.MaxRetries,
		InitialInterval: b.cfg.RetryInterval,
		MaxInterval:     b.cfg.RetryInterval * 10,
		Multiplier:      2,
		Logger:          b.wlog,
	}
	b.router.AddConsumerHandler(name, topic, b.channel, fn).AddMiddleware(
		absorb(topic, onFailure, b.logger),
		retry.Middleware,
	)
}

// Forward republishes every message on topic to pub under pubTopic.
func (b *Bus) Forward(name, topic string, pub message.Publisher, pubTopic string) {
	b.router.AddHandler(name, topic, b.channel, pubTopic, pub, func(msg *message.Message) ([]*message.Message, error) {
		return []*message.Message{msg.Copy()}, nil
	})
}

func absorb(topic string, onFailure FailureFunc, logger *zap.Logger) message.HandlerMiddleware {
	return func(h message.HandlerFunc) message.HandlerFunc {
		return func(msg *message.Message) ([]*message.Message, error) {
			msgs, err := h(msg)
			if err != nil {
				logger.Warn("event handler gave up",
					zap.String("topic", topic),
					zap.String("msg_id", msg.UUID),
					zap.Error(err))
				if onFailure != nil {
					onFailure(topic, msg, err)
				}
				return nil, nil
			}
			return msgs, nil
		}
	}
}

// Run blocks processing messages until ctx is done or Close is called.
func (b *Bus) Run(ctx context.Context) error {
	b.started.Store(true)
	return b.router.Run(ctx)
}

// Running is closed once every handler is subscribed.
func (b *Bus) Running() chan struct{} {
	return b.router.Running()
}

// Close stops the channel, and the router if Run was called.
func (b *Bus) Close() error {
	if !b.started.Load() {
		return b.channel.Close()
	}
	return errors.Join(b.router.Close(), b.channel.Close())
}
