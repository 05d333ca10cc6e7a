package registry

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
)

// WatcherOptions tunes how a Watcher reads the registry.
type WatcherOptions struct {
	PollInterval   time.Duration // between queries on backends without blocking support
	WaitTime       time.Duration // upper bound of one blocking query
	InitialBackoff time.Duration // first retry delay after a failed query
	MaxBackoff     time.Duration // retry delay cap while the registry is unreachable
	Logger         *zap.Logger
}

func (o *WatcherOptions) setDefaults() {
	if o.PollInterval <= 0 {
		o.PollInterval = 5 * time.Second
	}
	if o.WaitTime <= 0 {
		o.WaitTime = 5 * time.Minute
	}
	if o.InitialBackoff <= 0 {
		o.InitialBackoff = 500 * time.Millisecond
	}
	if o.MaxBackoff <= 0 {
		o.MaxBackoff = 30 * time.Second
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
}

// Watcher turns a Registry into snapshot streams.
//
// Each call to Watch starts an independent stream: nothing is queried until
// Watch is called, the stream runs until its context ends, and calling Watch
// again restarts from scratch. While the registry is unreachable the stream
// simply stops emitting, so consumers keep the last known-good snapshot, and
// the watcher reports itself Degraded.
type Watcher struct {
	reg      Registry
	opts     WatcherOptions
	degraded atomic.Int32 // number of streams currently failing
}

func NewWatcher(reg Registry, opts WatcherOptions) *Watcher {
	opts.setDefaults()
	return &Watcher{reg: reg, opts: opts}
}

// Degraded reports whether any stream is currently failing to reach the registry.
func (w *Watcher) Degraded() bool {
	return w.degraded.Load() > 0
}

// Watch streams snapshots of service. The channel holds at most one pending
// snapshot; a slow consumer only ever sees the newest one. The channel is
// closed when ctx is done.
func (w *Watcher) Watch(ctx context.Context, service string) <-chan *Snapshot {
	out := make(chan *Snapshot, 1)
	go w.run(ctx, service, out)
	return out
}

func (w *Watcher) run(ctx context.Context, service string, out chan *Snapshot) {
	defer close(out)
	logger := w.opts.Logger.With(zap.String("service", service))
	blocking := isBlocking(w.reg)

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = w.opts.InitialBackoff
	bo.MaxInterval = w.opts.MaxBackoff
	bo.MaxElapsedTime = 0 // never give up
	bo.Reset()

	degraded := false
	defer func() {
		if degraded {
			w.degraded.Add(-1)
		}
	}()

	var (
		index uint64
		last  *Snapshot
	)
	for {
		q := QueryOptions{}
		if blocking {
			q.WaitIndex = index
			q.WaitTime = w.opts.WaitTime
		}

		snap, err := w.reg.Query(ctx, service, q)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			if !degraded {
				degraded = true
				w.degraded.Add(1)
			}
			delay := bo.NextBackOff()
			logger.Warn("registry degraded, keeping last known snapshot",
				zap.Error(err), zap.Duration("retry_in", delay))
			if !sleep(ctx, delay) {
				return
			}
			continue
		}
		if degraded {
			degraded = false
			w.degraded.Add(-1)
			logger.Info("registry reachable again")
		}
		bo.Reset()

		if last == nil || !snap.SameEndpoints(last) {
			publish(out, snap)
			logger.Debug("snapshot published", zap.Uint64("version", snap.Version), zap.Int("endpoints", len(snap.Endpoints)))
			last = snap
		}

		switch {
		case !blocking:
			if !sleep(ctx, w.opts.PollInterval) {
				return
			}
		case snap.Version < index:
			// index went backwards (registry restored or leader change): start over
			index = 0
		case snap.Version == 0:
			// nothing to block on yet
			if !sleep(ctx, w.opts.PollInterval) {
				return
			}
		default:
			index = snap.Version
		}
	}
}

// publish replaces any unread snapshot with snap. Only the watcher goroutine
// sends on out, so after the drain the send cannot block.
func publish(out chan *Snapshot, snap *Snapshot) {
	select {
	case out <- snap:
	default:
		select {
		case <-out:
		default:
		}
		out <- snap
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
