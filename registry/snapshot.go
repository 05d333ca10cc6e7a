package registry

import (
	"sort"
	"time"
)

// Snapshot is an immutable, versioned view of one service's endpoints. It is
// replaced wholesale on every refresh and never patched in place; Endpoints
// must be treated as read-only by every holder.
type Snapshot struct {
	Service   string
	Version   uint64 // backend index the snapshot was read at
	Endpoints []Endpoint
	FetchedAt time.Time
}

// NewSnapshot builds a consistent snapshot from raw backend entries: entries
// with an empty host or a port outside 1..65535 are dropped, duplicates of the
// same address collapse to the healthiest (then most recently seen) entry, and
// the result is sorted by address.
func NewSnapshot(service string, version uint64, entries []Endpoint) *Snapshot {
	byAddr := make(map[string]Endpoint, len(entries))
	for _, e := range entries {
		if e.Host == "" || e.Port <= 0 || e.Port > 65535 {
			continue
		}
		if e.Health == "" {
			e.Health = HealthUnknown
		}
		if e.Service == "" {
			e.Service = service
		}
		addr := e.Addr()
		if prev, ok := byAddr[addr]; ok && !preferred(e, prev) {
			continue
		}
		byAddr[addr] = e
	}

	eps := make([]Endpoint, 0, len(byAddr))
	for _, e := range byAddr {
		eps = append(eps, e)
	}
	sort.Slice(eps, func(i, j int) bool { return eps[i].Addr() < eps[j].Addr() })

	return &Snapshot{
		Service:   service,
		Version:   version,
		Endpoints: eps,
		FetchedAt: time.Now(),
	}
}

func preferred(a, b Endpoint) bool {
	if a.Health.severity() != b.Health.severity() {
		return a.Health.severity() < b.Health.severity()
	}
	return a.LastSeen.After(b.LastSeen)
}

// Passing returns a fresh slice of the PASSING endpoints, in address order.
func (s *Snapshot) Passing() []Endpoint {
	if s == nil {
		return nil
	}
	out := make([]Endpoint, 0, len(s.Endpoints))
	for _, e := range s.Endpoints {
		if e.Health == HealthPassing {
			out = append(out, e)
		}
	}
	return out
}

// Lookup finds an endpoint by address.
func (s *Snapshot) Lookup(addr string) (Endpoint, bool) {
	if s == nil {
		return Endpoint{}, false
	}
	i := sort.Search(len(s.Endpoints), func(i int) bool { return s.Endpoints[i].Addr() >= addr })
	if i < len(s.Endpoints) && s.Endpoints[i].Addr() == addr {
		return s.Endpoints[i], true
	}
	return Endpoint{}, false
}

// SameEndpoints reports whether both snapshots list the same addresses with the same health.
func (s *Snapshot) SameEndpoints(o *Snapshot) bool {
	if s == nil || o == nil {
		return s == o
	}
	if len(s.Endpoints) != len(o.Endpoints) {
		return false
	}
	for i := range s.Endpoints {
		a, b := s.Endpoints[i], o.Endpoints[i]
		if a.Addr() != b.Addr() || a.Health != b.Health || a.ID != b.ID {
			return false
		}
	}
	return true
}
