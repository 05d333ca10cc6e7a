// Package resolver keeps a live view of each followed service and chooses
// endpoints for calls.
//
// Every service has exactly one writer (the goroutine started by Follow) and
// any number of readers. The writer replaces the whole snapshot with an atomic
// pointer store, so a reader sees either the old or the new snapshot, never a
// mix of both, and never waits on registry I/O.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"order-pipeline/fault"
	"order-pipeline/loadbalance"
	"order-pipeline/registry"

	"go.uber.org/zap"
)

// ErrNoHealthyEndpoints means the latest snapshot has no PASSING endpoint.
var ErrNoHealthyEndpoints = errors.New("no healthy endpoints")

type view struct {
	snap      atomic.Pointer[registry.Snapshot]
	ready     chan struct{}
	readyOnce sync.Once
}

// Resolver resolves service names to healthy endpoints.
type Resolver struct {
	watcher  *registry.Watcher
	balancer loadbalance.Balancer
	logger   *zap.Logger

	views sync.Map // service name -> *view
}

func New(watcher *registry.Watcher, balancer loadbalance.Balancer, logger *zap.Logger) *Resolver {
	if balancer == nil {
		balancer = &loadbalance.RoundRobinBalancer{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Resolver{watcher: watcher, balancer: balancer, logger: logger}
}

func (r *Resolver) view(service string) *view {
	v, _ := r.views.LoadOrStore(service, &view{ready: make(chan struct{})})
	return v.(*view)
}

// Follow subscribes to service snapshots until ctx is done. It returns
// immediately; use Ready to wait for the first snapshot.
func (r *Resolver) Follow(ctx context.Context, service string) {
	r.view(service)
	ch := r.watcher.Watch(ctx, service)
	go func() {
		for snap := range ch {
			r.Publish(snap)
		}
	}()
}

// Publish installs snap as the current view of its service. Follow calls it
// for every snapshot; it is exported for callers that feed snapshots directly.
func (r *Resolver) Publish(snap *registry.Snapshot) {
	v := r.view(snap.Service)
	old := v.snap.Swap(snap)
	v.readyOnce.Do(func() { close(v.ready) })

	if ce := r.logger.Check(zap.InfoLevel, "endpoints updated"); ce != nil {
		added, removed := diff(old, snap)
		ce.Write(
			zap.String("service", snap.Service),
			zap.Uint64("version", snap.Version),
			zap.Int("passing", len(snap.Passing())),
			zap.Strings("added", added),
			zap.Strings("removed", removed),
		)
	}
}

// Ready blocks until service has a snapshot or ctx is done.
func (r *Resolver) Ready(ctx context.Context, service string) error {
	select {
	case <-r.view(service).ready:
		return nil
	case <-ctx.Done():
		return fault.Wrap(fault.LayerResolver, fault.KindTransient, "",
			fmt.Errorf("waiting for first snapshot of %s: %w", service, ctx.Err()))
	}
}

// Snapshot returns the current snapshot of service, nil before the first one.
func (r *Resolver) Snapshot(service string) *registry.Snapshot {
	return r.view(service).snap.Load()
}

// Resolve returns the PASSING endpoints of service in address order, or an
// error wrapping ErrNoHealthyEndpoints when there are none.
func (r *Resolver) Resolve(service string) ([]registry.Endpoint, error) {
	passing := r.Snapshot(service).Passing()
	if len(passing) == 0 {
		return nil, fault.Wrap(fault.LayerResolver, fault.KindExhausted, "",
			fmt.Errorf("%s: %w", service, ErrNoHealthyEndpoints))
	}
	return passing, nil
}

// Pick chooses one endpoint of service. avoid lists addresses already tried
// for this call, most recent last. An endpoint outside avoid is preferred;
// failing that, any endpoint other than the most recent one; failing that
// (a single healthy endpoint), that endpoint again.
func (r *Resolver) Pick(service, key string, avoid ...string) (registry.Endpoint, error) {
	candidates, err := r.Resolve(service)
	if err != nil {
		return registry.Endpoint{}, err
	}
	ordered := r.balancer.Order(key, candidates)

	tried := make(map[string]bool, len(avoid))
	for _, a := range avoid {
		tried[a] = true
	}
	for _, ep := range ordered {
		if !tried[ep.Addr()] {
			return ep, nil
		}
	}
	if len(avoid) > 0 {
		last := avoid[len(avoid)-1]
		for _, ep := range ordered {
			if ep.Addr() != last {
				return ep, nil
			}
		}
	}
	return ordered[0], nil
}

// Live returns the addresses of PASSING endpoints across the given services,
// or across every known service when none are named.
func (r *Resolver) Live(services ...string) map[string]bool {
	live := make(map[string]bool)
	add := func(v *view) {
		for _, ep := range v.snap.Load().Passing() {
			live[ep.Addr()] = true
		}
	}
	if len(services) == 0 {
		r.views.Range(func(_, v any) bool {
			add(v.(*view))
			return true
		})
		return live
	}
	for _, s := range services {
		add(r.view(s))
	}
	return live
}

func diff(old, cur *registry.Snapshot) (added, removed []string) {
	for _, ep := range cur.Endpoints {
		if _, ok := old.Lookup(ep.Addr()); !ok {
			added = append(added, ep.Addr())
		}
	}
	if old != nil {
		for _, ep := range old.Endpoints {
			if _, ok := cur.Lookup(ep.Addr()); !ok {
				removed = append(removed, ep.Addr())
			}
		}
	}
	return added, removed
}
