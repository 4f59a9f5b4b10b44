package bus

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/droverhq/drover/internal/common/logger"
)

type collector struct {
	mu     sync.Mutex
	events []*Event
	ch     chan struct{}
}

func newCollector() *collector {
	return &collector{ch: make(chan struct{}, 16)}
}

func (c *collector) handler(_ context.Context, e *Event) error {
	c.mu.Lock()
	c.events = append(c.events, e)
	c.mu.Unlock()
	c.ch <- struct{}{}
	return nil
}

func (c *collector) wait(t *testing.T, n int) []*Event {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		c.mu.Lock()
		got := len(c.events)
		c.mu.Unlock()
		if got >= n {
			break
		}
		select {
		case <-c.ch:
		case <-deadline:
			t.Fatalf("timed out waiting for %d events, got %d", n, got)
		}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*Event(nil), c.events...)
}

func TestMemoryBusExactSubject(t *testing.T) {
	b := NewMemoryEventBus(logger.Default())
	defer b.Close()
	ctx := context.Background()

	c := newCollector()
	_, err := b.Subscribe("session.created", c.handler)
	require.NoError(t, err)

	require.NoError(t, b.Publish(ctx, "session.created", NewEvent("session.created", "test", nil)))
	require.NoError(t, b.Publish(ctx, "session.deleted", NewEvent("session.deleted", "test", nil)))

	events := c.wait(t, 1)
	assert.Equal(t, "session.created", events[0].Type)
	time.Sleep(50 * time.Millisecond)
	assert.Len(t, c.wait(t, 1), 1, "non-matching subject must not deliver")
}

func TestMemoryBusWildcards(t *testing.T) {
	b := NewMemoryEventBus(logger.Default())
	defer b.Close()
	ctx := context.Background()

	t.Run("star matches one token", func(t *testing.T) {
		c := newCollector()
		_, err := b.Subscribe("session.*.event", c.handler)
		require.NoError(t, err)

		require.NoError(t, b.Publish(ctx, "session.s-1.event", NewEvent("event", "test", nil)))
		require.NoError(t, b.Publish(ctx, "session.s-1.extra.event", NewEvent("event", "test", nil)))

		c.wait(t, 1)
		time.Sleep(50 * time.Millisecond)
		assert.Len(t, c.wait(t, 1), 1, "star must not span dots")
	})

	t.Run("gt matches the tail", func(t *testing.T) {
		c := newCollector()
		_, err := b.Subscribe("run.>", c.handler)
		require.NoError(t, err)

		require.NoError(t, b.Publish(ctx, "run.r-1.state", NewEvent("event", "test", nil)))
		require.NoError(t, b.Publish(ctx, "run.r-2.state.extra", NewEvent("event", "test", nil)))
		assert.Len(t, c.wait(t, 2), 2)
	})
}

func TestMemoryBusQueueGroup(t *testing.T) {
	b := NewMemoryEventBus(logger.Default())
	defer b.Close()
	ctx := context.Background()

	c1 := newCollector()
	c2 := newCollector()
	_, err := b.QueueSubscribe("work", "pool", c1.handler)
	require.NoError(t, err)
	_, err = b.QueueSubscribe("work", "pool", c2.handler)
	require.NoError(t, err)

	for i := 0; i < 4; i++ {
		require.NoError(t, b.Publish(ctx, "work", NewEvent("work", "test", nil)))
	}

	deadline := time.After(2 * time.Second)
	for {
		c1.mu.Lock()
		n1 := len(c1.events)
		c1.mu.Unlock()
		c2.mu.Lock()
		n2 := len(c2.events)
		c2.mu.Unlock()
		if n1+n2 == 4 {
			assert.Equal(t, 2, n1, "round-robin splits deliveries")
			assert.Equal(t, 2, n2)
			return
		}
		select {
		case <-time.After(10 * time.Millisecond):
		case <-deadline:
			t.Fatalf("expected 4 deliveries, got %d+%d", n1, n2)
		}
	}
}

func TestMemoryBusUnsubscribe(t *testing.T) {
	b := NewMemoryEventBus(logger.Default())
	defer b.Close()
	ctx := context.Background()

	c := newCollector()
	sub, err := b.Subscribe("topic", c.handler)
	require.NoError(t, err)
	assert.True(t, sub.IsValid())

	require.NoError(t, sub.Unsubscribe())
	assert.False(t, sub.IsValid())

	require.NoError(t, b.Publish(ctx, "topic", NewEvent("topic", "test", nil)))
	time.Sleep(50 * time.Millisecond)
	c.mu.Lock()
	defer c.mu.Unlock()
	assert.Empty(t, c.events)
}

func TestMemoryBusClose(t *testing.T) {
	b := NewMemoryEventBus(logger.Default())
	assert.True(t, b.IsConnected())

	b.Close()
	assert.False(t, b.IsConnected())
	assert.Error(t, b.Publish(context.Background(), "topic", NewEvent("topic", "test", nil)))
	_, err := b.Subscribe("topic", func(context.Context, *Event) error { return nil })
	assert.Error(t, err)
}
