package pubsub

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

type ping struct {
	N int `json:"n"`
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.RetryInterval = time.Millisecond
	return cfg
}

// startBus runs b until the test ends.
func startBus(t *testing.T, b *Bus) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = b.Run(ctx)
	}()
	select {
	case <-b.Running():
	case <-time.After(2 * time.Second):
		t.Fatal("bus never started")
	}
	t.Cleanup(func() {
		cancel()
		_ = b.Close()
		<-done
	})
}

func TestBus_PublishHandle(t *testing.T) {
	b, err := NewBus(testConfig(), zap.NewNop())
	require.NoError(t, err)

	var mu sync.Mutex
	var got []int
	b.Handle("collect", "test.topic", func(msg *message.Message) error {
		var p ping
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			return err
		}
		mu.Lock()
		got = append(got, p.N)
		mu.Unlock()
		return nil
	}, nil)
	startBus(t, b)

	for i := 1; i <= 3; i++ {
		require.NoError(t, b.Publish(context.Background(), "test.topic", ping{N: i}))
	}

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 3
	}, 2*time.Second, 10*time.Millisecond)
	mu.Lock()
	assert.ElementsMatch(t, []int{1, 2, 3}, got)
	mu.Unlock()
}

func TestBus_RetriesThenSucceeds(t *testing.T) {
	b, err := NewBus(testConfig(), zap.NewNop())
	require.NoError(t, err)

	var attempts atomic.Int32
	var failed atomic.Int32
	b.Handle("flaky", "test.flaky", func(*message.Message) error {
		if attempts.Add(1) < 3 {
			return errors.New("transient")
		}
		return nil
	}, func(string, *message.Message, error) { failed.Add(1) })
	startBus(t, b)

	require.NoError(t, b.Publish(context.Background(), "test.flaky", ping{N: 1}))
	assert.Eventually(t, func() bool { return attempts.Load() == 3 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(0), failed.Load())
}

func TestBus_GivesUpAndReports(t *testing.T) {
	b, err := NewBus(testConfig(), zap.NewNop())
	require.NoError(t, err)

	var attempts atomic.Int32
	failures := make(chan string, 1)
	b.Handle("broken", "test.broken", func(*message.Message) error {
		attempts.Add(1)
		return errors.New("permanent")
	}, func(topic string, _ *message.Message, _ error) { failures <- topic })
	startBus(t, b)

	require.NoError(t, b.Publish(context.Background(), "test.broken", ping{N: 1}))
	select {
	case topic := <-failures:
		assert.Equal(t, "test.broken", topic)
	case <-time.After(2 * time.Second):
		t.Fatal("failure never reported")
	}
	assert.Equal(t, int32(testConfig().MaxRetries+1), attempts.Load())

	// The subscription keeps flowing after a poisoned message.
	require.NoError(t, b.Publish(context.Background(), "test.broken", ping{N: 2}))
	assert.Eventually(t, func() bool { return attempts.Load() == int32(2*(testConfig().MaxRetries+1)) }, 2*time.Second, 5*time.Millisecond)
}

func TestBus_Forward(t *testing.T) {
	b, err := NewBus(testConfig(), zap.NewNop())
	require.NoError(t, err)

	sink := gochannel.NewGoChannel(gochannel.Config{OutputChannelBuffer: 8}, watermill.NopLogger{})
	t.Cleanup(func() { _ = sink.Close() })
	out, err := sink.Subscribe(context.Background(), "exported")
	require.NoError(t, err)

	b.Forward("export", TopicDomainEvents, sink, "exported")
	startBus(t, b)

	orig := message.NewMessage("evt-1", []byte(`{"n":7}`))
	orig.Metadata.Set("event", "message-created")
	require.NoError(t, b.channel.Publish(TopicDomainEvents, orig))
	select {
	case msg := <-out:
		msg.Ack()
		assert.Equal(t, "evt-1", msg.UUID)
		assert.Equal(t, "message-created", msg.Metadata.Get("event"))
		assert.JSONEq(t, `{"n":7}`, string(msg.Payload))
	case <-time.After(2 * time.Second):
		t.Fatal("forwarded message never arrived")
	}
}

func TestBus_CloseWithoutRun(t *testing.T) {
	cfg := testConfig()
	cfg.CloseTimeout = time.Minute
	b, err := NewBus(cfg, zap.NewNop())
	require.NoError(t, err)

	start := time.Now()
	require.NoError(t, b.Close())
	assert.Less(t, time.Since(start), time.Second)

	assert.Error(t, b.Publish(context.Background(), "test.topic", ping{N: 1}), "closed channel rejects publishes")
}

func TestZapAdapter(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	a := NewZapAdapter(zap.New(core)).With(watermill.LogFields{"handler": "h1"})

	a.Info("started", watermill.LogFields{"topic": "t"})
	a.Trace("tick", nil)
	a.Error("failed", errors.New("boom"), nil)

	entries := logs.All()
	require.Len(t, entries, 3)
	assert.Equal(t, "h1", entries[0].ContextMap()["handler"])
	assert.Equal(t, "t", entries[0].ContextMap()["topic"])
	assert.Equal(t, zapcore.DebugLevel, entries[1].Level)
	assert.Equal(t, "boom", entries[2].ContextMap()["error"])
}
