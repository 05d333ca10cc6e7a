// Package registry is the client side of service discovery: it registers this
// process, reports its health, and turns registry queries into a stream of
// immutable snapshots.
//
//	Register ──► backend (Consul / etcd / memory) ◄── Query(WaitIndex)
//	                                                     │
//	                                   Watcher ──► <-chan *Snapshot ──► resolver
package registry

import (
	"context"
	"errors"
	"net"
	"strconv"
	"strings"
	"time"
)

var (
	// ErrNotFound is returned when deregistering or reporting on an unknown registration.
	ErrNotFound = errors.New("registry: registration not found")
	// ErrInvalidRegistration is returned for registrations missing a name, host or port.
	ErrInvalidRegistration = errors.New("registry: invalid registration")
)

// Health of an endpoint as the registry reports it.
type Health string

const (
	HealthPassing  Health = "PASSING"
	HealthWarning  Health = "WARNING"
	HealthCritical Health = "CRITICAL"
	HealthUnknown  Health = "UNKNOWN"
)

// ParseHealth accepts both the upper-case names and Consul's lower-case check states.
func ParseHealth(s string) Health {
	switch strings.ToLower(s) {
	case "passing", "pass":
		return HealthPassing
	case "warning", "warn":
		return HealthWarning
	case "critical", "fail", "maintenance":
		return HealthCritical
	}
	return HealthUnknown
}

// severity orders health for aggregation: critical beats warning beats passing.
func (h Health) severity() int {
	switch h {
	case HealthPassing:
		return 0
	case HealthUnknown:
		return 1
	case HealthWarning:
		return 2
	}
	return 3
}

// Worst returns the most severe of the given states, HealthUnknown for none.
func Worst(states ...Health) Health {
	if len(states) == 0 {
		return HealthUnknown
	}
	worst := HealthPassing
	for _, s := range states {
		if s.severity() > worst.severity() {
			worst = s
		}
	}
	return worst
}

// Endpoint is one discoverable instance of a service. Endpoints are values:
// the resolver and pool read them, only backends produce them.
type Endpoint struct {
	Service  string            `json:"service"`
	ID       string            `json:"id"`
	Host     string            `json:"host"`
	Port     int               `json:"port"`
	Health   Health            `json:"health"`
	LastSeen time.Time         `json:"lastSeen"`
	Meta     map[string]string `json:"meta,omitempty"`
}

// Addr is the endpoint identity used for dedup, sorting and pooling.
func (e Endpoint) Addr() string {
	return net.JoinHostPort(e.Host, strconv.Itoa(e.Port))
}

// Weight reads the "weight" meta key, defaulting to 1.
func (e Endpoint) Weight() int {
	if w, err := strconv.Atoi(e.Meta["weight"]); err == nil && w > 0 {
		return w
	}
	return 1
}

// HealthCheck describes how the registry decides whether a registration is alive.
// Any combination may be set; a zero HealthCheck registers without checks.
type HealthCheck struct {
	Interval                time.Duration // probe interval for TCP/GRPC checks
	Timeout                 time.Duration // probe timeout
	TTL                     time.Duration // self-report deadline, see Registry.ReportHealth
	TCP                     string        // host:port the registry dials
	GRPC                    string        // host:port serving grpc.health.v1.Health
	DeregisterCriticalAfter time.Duration // reap registrations left critical this long
}

// Registration is what a process publishes about itself.
type Registration struct {
	ID      string // generated from Service and a uuid when empty
	Service string
	Host    string
	Port    int
	Tags    []string
	Meta    map[string]string
	Check   HealthCheck
}

func (r Registration) validate() error {
	if r.Service == "" || r.Host == "" || r.Port <= 0 || r.Port > 65535 {
		return ErrInvalidRegistration
	}
	return nil
}

// QueryOptions controls a registry read. A non-zero WaitIndex asks backends
// that support it to hold the query until the index moves past WaitIndex or
// WaitTime elapses.
type QueryOptions struct {
	WaitIndex uint64
	WaitTime  time.Duration
}

// Registry is a service registry backend.
type Registry interface {
	Register(ctx context.Context, reg Registration) (string, error)
	Deregister(ctx context.Context, id string) error
	ReportHealth(ctx context.Context, id string, health Health, note string) error
	Query(ctx context.Context, service string, opts QueryOptions) (*Snapshot, error)
	Close() error
}

// Blocker is implemented by backends whose Query honors QueryOptions.WaitIndex.
// Watchers long-poll those backends and fall back to fixed-interval polling otherwise.
type Blocker interface {
	Blocking() bool
}

func isBlocking(r Registry) bool {
	b, ok := r.(Blocker)
	return ok && b.Blocking()
}
