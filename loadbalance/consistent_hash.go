package loadbalance

import (
	"fmt"
	"hash/crc32"
	"sort"
	"strings"
	"sync"

	"order-pipeline/registry"
)

// ConsistentHashBalancer maps a key onto a hash ring of the candidates. The
// endpoint owning the key comes first, followed by the next distinct owners
// clockwise, so failover order is stable for a key too.
//
// Each endpoint gets 100 virtual nodes ("{addr}#{i}") to keep the ring even.
//
//	Hash Ring:
//	                  0
//	                ╱   ╲
//	              ╱       ╲
//	         B ●               ● A
//	           │    key ◆──►   │   (clockwise to nearest node → A, then B...)
//	         C ●               ● A' (virtual node of A)
//	              ╲       ╱
//	                ╲   ╱
//
// Calls without a key fall back to round-robin.
type ConsistentHashBalancer struct {
	replicas int
	fallback RoundRobinBalancer

	mu   sync.Mutex
	ring *hashRing // rebuilt only when the candidate set changes
}

type hashRing struct {
	fingerprint string
	hashes      []uint32
	owners      map[uint32]int // hash -> candidate index
}

func NewConsistentHashBalancer() *ConsistentHashBalancer {
	return &ConsistentHashBalancer{replicas: 100}
}

func (b *ConsistentHashBalancer) Order(key string, candidates []registry.Endpoint) []registry.Endpoint {
	if len(candidates) == 0 {
		return nil
	}
	if key == "" {
		return b.fallback.Order(key, candidates)
	}

	ring := b.ringFor(candidates)
	hash := crc32.ChecksumIEEE([]byte(key))
	idx := sort.Search(len(ring.hashes), func(i int) bool { return ring.hashes[i] >= hash })

	out := make([]registry.Endpoint, 0, len(candidates))
	seen := make([]bool, len(candidates))
	for i := 0; i < len(ring.hashes) && len(out) < len(candidates); i++ {
		owner := ring.owners[ring.hashes[(idx+i)%len(ring.hashes)]]
		if !seen[owner] {
			seen[owner] = true
			out = append(out, candidates[owner])
		}
	}
	return out
}

func (b *ConsistentHashBalancer) ringFor(candidates []registry.Endpoint) *hashRing {
	addrs := make([]string, len(candidates))
	for i, c := range candidates {
		addrs[i] = c.Addr()
	}
	fp := strings.Join(addrs, ",")

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.ring != nil && b.ring.fingerprint == fp {
		return b.ring
	}

	ring := &hashRing{fingerprint: fp, owners: make(map[uint32]int, len(candidates)*b.replicas)}
	for i, addr := range addrs {
		for r := 0; r < b.replicas; r++ {
			h := crc32.ChecksumIEEE([]byte(fmt.Sprintf("%s#%d", addr, r)))
			if _, taken := ring.owners[h]; taken {
				continue
			}
			ring.hashes = append(ring.hashes, h)
			ring.owners[h] = i
		}
	}
	sort.Slice(ring.hashes, func(i, j int) bool { return ring.hashes[i] < ring.hashes[j] })
	b.ring = ring
	return ring
}

func (b *ConsistentHashBalancer) Name() string {
	return "ConsistentHash"
}
