package loadbalance

import (
	"fmt"
	"testing"

	"order-pipeline/registry"
)

var testEndpoints = []registry.Endpoint{
	{Host: "10.0.0.1", Port: 8001, Health: registry.HealthPassing, Meta: map[string]string{"weight": "10"}},
	{Host: "10.0.0.2", Port: 8002, Health: registry.HealthPassing, Meta: map[string]string{"weight": "5"}},
	{Host: "10.0.0.3", Port: 8003, Health: registry.HealthPassing, Meta: map[string]string{"weight": "10"}},
}

func TestRoundRobin(t *testing.T) {
	b := &RoundRobinBalancer{}

	// first element rotates through every endpoint, in address order
	for i := 0; i < 6; i++ {
		order := b.Order("", testEndpoints)
		if len(order) != len(testEndpoints) {
			t.Fatalf("expect %d candidates, got %d", len(testEndpoints), len(order))
		}
		want := testEndpoints[i%3].Addr()
		if order[0].Addr() != want {
			t.Fatalf("call %d: expect %s first, got %s", i, want, order[0].Addr())
		}
		if order[1].Addr() != testEndpoints[(i+1)%3].Addr() {
			t.Fatalf("call %d: rotation broken: %v", i, order)
		}
	}
}

func TestRoundRobinEmpty(t *testing.T) {
	b := &RoundRobinBalancer{}
	if got := b.Order("", nil); got != nil {
		t.Fatalf("expect nil for empty candidates, got %v", got)
	}
}

func TestWeightedRandom(t *testing.T) {
	b := &WeightedRandomBalancer{}

	counts := map[string]int{}
	n := 10000
	for i := 0; i < n; i++ {
		order := b.Order("", testEndpoints)
		if len(order) != 3 {
			t.Fatalf("expect 3 candidates, got %d", len(order))
		}
		counts[order[0].Addr()]++
	}

	// weights are 10:5:10, so :8001 should come first about twice as often as :8002
	ratio := float64(counts["10.0.0.1:8001"]) / float64(counts["10.0.0.2:8002"])
	if ratio < 1.5 || ratio > 2.5 {
		t.Fatalf("weight ratio :8001/:8002 = %.2f, expect ~2.0", ratio)
	}
}

func TestConsistentHash(t *testing.T) {
	b := NewConsistentHashBalancer()

	first := b.Order("order-123", testEndpoints)
	second := b.Order("order-123", testEndpoints)
	if first[0].Addr() != second[0].Addr() {
		t.Fatalf("same key mapped to different endpoints: %s vs %s", first[0].Addr(), second[0].Addr())
	}
	seenInOrder := map[string]bool{}
	for _, ep := range first {
		seenInOrder[ep.Addr()] = true
	}
	if len(seenInOrder) != 3 {
		t.Fatalf("expect every endpoint exactly once in failover order, got %v", first)
	}

	seen := map[string]bool{}
	for i := 0; i < 100; i++ {
		seen[b.Order(fmt.Sprintf("order-%d", i), testEndpoints)[0].Addr()] = true
	}
	if len(seen) < 2 {
		t.Fatalf("expect at least 2 different endpoints, got %d", len(seen))
	}
}

func TestConsistentHashStableWhenOtherEndpointLeaves(t *testing.T) {
	b := NewConsistentHashBalancer()
	owner := b.Order("order-7", testEndpoints)[0]

	var remaining []registry.Endpoint
	dropped := false
	for _, ep := range testEndpoints {
		if ep.Addr() != owner.Addr() && !dropped {
			dropped = true
			continue
		}
		remaining = append(remaining, ep)
	}

	if got := b.Order("order-7", remaining)[0]; got.Addr() != owner.Addr() {
		t.Fatalf("owner moved from %s to %s after an unrelated endpoint left", owner.Addr(), got.Addr())
	}
}

func TestNew(t *testing.T) {
	for _, name := range []string{"", "round_robin", "weighted_random", "consistent_hash"} {
		if _, err := New(name); err != nil {
			t.Fatalf("New(%q): %v", name, err)
		}
	}
	if _, err := New("random"); err == nil {
		t.Fatal("expect error for unknown strategy")
	}
}
