package loadbalance

import (
	"math/rand"

	"order-pipeline/registry"
)

// WeightedRandomBalancer draws the first candidate with probability
// proportional to its weight; the rest follow in their given order.
type WeightedRandomBalancer struct{}

func (b *WeightedRandomBalancer) Order(_ string, candidates []registry.Endpoint) []registry.Endpoint {
	if len(candidates) == 0 {
		return nil
	}

	totalWeight := 0
	for _, c := range candidates {
		totalWeight += c.Weight()
	}

	r := rand.Intn(totalWeight)
	first := 0
	for i, c := range candidates {
		r -= c.Weight()
		if r < 0 {
			first = i
			break
		}
	}

	out := make([]registry.Endpoint, 0, len(candidates))
	out = append(out, candidates[first])
	out = append(out, candidates[:first]...)
	return append(out, candidates[first+1:]...)
}

func (b *WeightedRandomBalancer) Name() string {
	return "WeightedRandom"
}
