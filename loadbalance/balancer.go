// Package loadbalance decides the order in which healthy endpoints are tried.
//
// A Balancer does not pick a single endpoint: it orders the whole candidate
// set, so the dispatcher can fail over down the list without asking again.
//
//   - RoundRobin:      rotates the starting point on every call (default)
//   - WeightedRandom:  first candidate drawn by the "weight" meta key
//   - ConsistentHash:  the same key starts at the same endpoint, keeping
//     duplicate submissions of one order on the instance that holds it
package loadbalance

import (
	"fmt"

	"order-pipeline/registry"
)

// Balancer orders candidates for one call.
type Balancer interface {
	// Order returns candidates in the order they should be tried. It must be
	// goroutine-safe and must not modify the input slice.
	Order(key string, candidates []registry.Endpoint) []registry.Endpoint

	// Name returns the strategy name (for logging/debugging).
	Name() string
}

// New builds a balancer from its configuration name.
func New(name string) (Balancer, error) {
	switch name {
	case "", "round_robin":
		return &RoundRobinBalancer{}, nil
	case "weighted_random":
		return &WeightedRandomBalancer{}, nil
	case "consistent_hash":
		return NewConsistentHashBalancer(), nil
	}
	return nil, fmt.Errorf("loadbalance: unknown strategy %q", name)
}

// rotate returns a copy of eps starting at index start.
func rotate(eps []registry.Endpoint, start int) []registry.Endpoint {
	out := make([]registry.Endpoint, 0, len(eps))
	out = append(out, eps[start:]...)
	return append(out, eps[:start]...)
}
