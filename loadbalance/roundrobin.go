package loadbalance

import (
	"sync/atomic"

	"order-pipeline/registry"
)

// RoundRobinBalancer rotates the starting candidate on every call using an
// atomic counter. With candidates sorted by address this is deterministic for
// a given call count, which tests rely on.
type RoundRobinBalancer struct {
	counter atomic.Uint64
}

func (b *RoundRobinBalancer) Order(_ string, candidates []registry.Endpoint) []registry.Endpoint {
	if len(candidates) == 0 {
		return nil
	}
	n := b.counter.Add(1) - 1
	return rotate(candidates, int(n%uint64(len(candidates))))
}

func (b *RoundRobinBalancer) Name() string {
	return "RoundRobin"
}
