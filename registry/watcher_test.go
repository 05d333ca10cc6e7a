package registry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func register(t *testing.T, reg Registry, id, host string) {
	t.Helper()
	_, err := reg.Register(context.Background(), Registration{ID: id, Service: "order-service", Host: host, Port: 7070})
	require.NoError(t, err)
}

func next(t *testing.T, ch <-chan *Snapshot) *Snapshot {
	t.Helper()
	select {
	case snap, ok := <-ch:
		require.True(t, ok, "stream closed")
		return snap
	case <-time.After(2 * time.Second):
		t.Fatal("no snapshot within 2s")
	}
	return nil
}

func fastOptions() WatcherOptions {
	return WatcherOptions{
		PollInterval:   20 * time.Millisecond,
		WaitTime:       time.Second,
		InitialBackoff: 10 * time.Millisecond,
		MaxBackoff:     40 * time.Millisecond,
	}
}

func TestWatchIsLazy(t *testing.T) {
	reg := NewMemoryRegistry()
	register(t, reg, "a", "10.0.0.1")
	w := NewWatcher(reg, fastOptions())

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int64(0), reg.Queries())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	snap := next(t, w.Watch(ctx, "order-service"))
	assert.Len(t, snap.Endpoints, 1)
}

func TestWatchBlockingPushesChanges(t *testing.T) {
	reg := NewMemoryRegistry()
	register(t, reg, "a", "10.0.0.1")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch := NewWatcher(reg, fastOptions()).Watch(ctx, "order-service")

	first := next(t, ch)
	assert.Len(t, first.Endpoints, 1)

	register(t, reg, "b", "10.0.0.2")
	second := next(t, ch)
	assert.Len(t, second.Endpoints, 2)
	assert.Greater(t, second.Version, first.Version)

	require.NoError(t, reg.ReportHealth(ctx, "b", HealthCritical, "disk full"))
	third := next(t, ch)
	ep, ok := third.Lookup("10.0.0.2:7070")
	require.True(t, ok)
	assert.Equal(t, HealthCritical, ep.Health)
}

func TestWatchPollingSkipsUnchanged(t *testing.T) {
	reg := NewMemoryRegistry(MemoryPollOnly())
	register(t, reg, "a", "10.0.0.1")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch := NewWatcher(reg, fastOptions()).Watch(ctx, "order-service")
	next(t, ch)

	select {
	case snap := <-ch:
		t.Fatalf("unexpected snapshot without a change: %+v", snap)
	case <-time.After(100 * time.Millisecond):
	}
	assert.Greater(t, reg.Queries(), int64(2), "poll-only backend should be polled repeatedly")
}

func TestWatchDegradedKeepsLastKnownGood(t *testing.T) {
	reg := NewMemoryRegistry(MemoryPollOnly())
	register(t, reg, "a", "10.0.0.1")
	w := NewWatcher(reg, fastOptions())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch := w.Watch(ctx, "order-service")
	next(t, ch)

	reg.SetUnavailable(errors.New("connection refused"))
	require.Eventually(t, w.Degraded, time.Second, 10*time.Millisecond)
	select {
	case snap := <-ch:
		t.Fatalf("degraded watcher must not publish, got %+v", snap)
	case <-time.After(50 * time.Millisecond):
	}

	reg.SetUnavailable(nil)
	register(t, reg, "b", "10.0.0.2")
	snap := next(t, ch)
	assert.Len(t, snap.Endpoints, 2)
	assert.False(t, w.Degraded())
}

func TestWatchRestartable(t *testing.T) {
	reg := NewMemoryRegistry()
	register(t, reg, "a", "10.0.0.1")
	w := NewWatcher(reg, fastOptions())

	ctx, cancel := context.WithCancel(context.Background())
	ch := w.Watch(ctx, "order-service")
	next(t, ch)
	cancel()
	for range ch {
	}

	ctx2, cancel2 := context.WithCancel(context.Background())
	defer cancel2()
	snap := next(t, w.Watch(ctx2, "order-service"))
	assert.Len(t, snap.Endpoints, 1)
}
