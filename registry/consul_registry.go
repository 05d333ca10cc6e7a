package registry

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	consulapi "github.com/hashicorp/consul/api"
	"go.uber.org/zap"
)

// ConsulRegistry registers with the local Consul agent and reads the health
// endpoint with blocking queries.
//
// Every registration gets a TTL check when Check.TTL is set ("service:<id>:ttl"),
// which ReportHealth keeps fresh, plus optional TCP and gRPC checks the agent
// runs on its own.
type ConsulRegistry struct {
	client *consulapi.Client
	logger *zap.Logger

	mu        sync.Mutex
	ttlChecks map[string]string // registration id -> TTL check id
}

// NewConsulRegistry connects to the agent at addr ("host:port" or a URL).
func NewConsulRegistry(addr string, logger *zap.Logger) (*ConsulRegistry, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg := consulapi.DefaultConfig()
	cfg.Address = addr
	c, err := consulapi.NewClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("consul client: %w", err)
	}
	return &ConsulRegistry{
		client:    c,
		logger:    logger.With(zap.String("registry", "consul")),
		ttlChecks: make(map[string]string),
	}, nil
}

func (r *ConsulRegistry) Blocking() bool { return true }

func (r *ConsulRegistry) Register(ctx context.Context, reg Registration) (string, error) {
	if err := reg.validate(); err != nil {
		return "", err
	}
	id := reg.ID
	if id == "" {
		id = reg.Service + "-" + uuid.NewString()
	}

	asr := &consulapi.AgentServiceRegistration{
		ID:      id,
		Name:    reg.Service,
		Address: reg.Host,
		Port:    reg.Port,
		Tags:    reg.Tags,
		Meta:    reg.Meta,
	}
	hc := reg.Check
	deregAfter := ""
	if hc.DeregisterCriticalAfter > 0 {
		deregAfter = hc.DeregisterCriticalAfter.String()
	}
	ttlCheckID := ""
	if hc.TTL > 0 {
		ttlCheckID = "service:" + id + ":ttl"
		asr.Checks = append(asr.Checks, &consulapi.AgentServiceCheck{
			CheckID:                        ttlCheckID,
			Name:                           "self-report",
			TTL:                            hc.TTL.String(),
			Status:                         consulapi.HealthPassing,
			DeregisterCriticalServiceAfter: deregAfter,
		})
	}
	if hc.TCP != "" {
		asr.Checks = append(asr.Checks, &consulapi.AgentServiceCheck{
			Name:                           "rpc-port",
			TCP:                            hc.TCP,
			Interval:                       durationOr(hc.Interval, 10*time.Second),
			Timeout:                        durationOr(hc.Timeout, 2*time.Second),
			DeregisterCriticalServiceAfter: deregAfter,
		})
	}
	if hc.GRPC != "" {
		asr.Checks = append(asr.Checks, &consulapi.AgentServiceCheck{
			Name:                           "grpc-health",
			GRPC:                           hc.GRPC,
			Interval:                       durationOr(hc.Interval, 10*time.Second),
			Timeout:                        durationOr(hc.Timeout, 2*time.Second),
			DeregisterCriticalServiceAfter: deregAfter,
		})
	}

	if err := withContext(ctx, func() error { return r.client.Agent().ServiceRegister(asr) }); err != nil {
		return "", fmt.Errorf("consul register %s: %w", id, err)
	}
	if ttlCheckID != "" {
		r.mu.Lock()
		r.ttlChecks[id] = ttlCheckID
		r.mu.Unlock()
	}
	r.logger.Info("registered", zap.String("id", id), zap.String("service", reg.Service),
		zap.String("addr", fmt.Sprintf("%s:%d", reg.Host, reg.Port)), zap.Int("checks", len(asr.Checks)))
	return id, nil
}

func (r *ConsulRegistry) Deregister(ctx context.Context, id string) error {
	if err := withContext(ctx, func() error { return r.client.Agent().ServiceDeregister(id) }); err != nil {
		return fmt.Errorf("consul deregister %s: %w", id, err)
	}
	r.mu.Lock()
	delete(r.ttlChecks, id)
	r.mu.Unlock()
	r.logger.Info("deregistered", zap.String("id", id))
	return nil
}

// ReportHealth updates the registration's TTL check. Registrations without a
// TTL check have their health decided by the agent's own probes; reporting on
// them is a no-op.
func (r *ConsulRegistry) ReportHealth(ctx context.Context, id string, health Health, note string) error {
	r.mu.Lock()
	checkID, ok := r.ttlChecks[id]
	r.mu.Unlock()
	if !ok {
		return nil
	}

	status := consulapi.HealthCritical
	switch health {
	case HealthPassing:
		status = consulapi.HealthPassing
	case HealthWarning:
		status = consulapi.HealthWarning
	}
	err := withContext(ctx, func() error { return r.client.Agent().UpdateTTL(checkID, note, status) })
	if isUnknownCheck(err) {
		// the agent restarted or reaped us; the caller has to register again
		return fmt.Errorf("consul check %s: %w", checkID, ErrNotFound)
	}
	return err
}

// isUnknownCheck recognizes the agent's answer for a check it does not hold:
// 404 "Unknown check ID" on current agents, a 500 naming the check on older ones.
func isUnknownCheck(err error) bool {
	if err == nil {
		return false
	}
	var se consulapi.StatusError
	if errors.As(err, &se) {
		return se.Code == http.StatusNotFound || strings.Contains(se.Body, "Unknown check")
	}
	return strings.Contains(err.Error(), "Unknown check")
}

// Query reads every instance of service, healthy or not, with its aggregated
// check state. Filtering is the resolver's job.
func (r *ConsulRegistry) Query(ctx context.Context, service string, opts QueryOptions) (*Snapshot, error) {
	q := (&consulapi.QueryOptions{
		WaitIndex: opts.WaitIndex,
		WaitTime:  opts.WaitTime,
	}).WithContext(ctx)

	entries, meta, err := r.client.Health().Service(service, "", false, q)
	if err != nil {
		return nil, fmt.Errorf("consul health %s: %w", service, err)
	}

	now := time.Now()
	eps := make([]Endpoint, 0, len(entries))
	for _, entry := range entries {
		if entry.Service == nil {
			continue
		}
		host := entry.Service.Address
		if host == "" && entry.Node != nil {
			host = entry.Node.Address
		}
		states := make([]Health, 0, len(entry.Checks))
		for _, check := range entry.Checks {
			states = append(states, ParseHealth(check.Status))
		}
		eps = append(eps, Endpoint{
			Service:  service,
			ID:       entry.Service.ID,
			Host:     host,
			Port:     entry.Service.Port,
			Health:   Worst(states...),
			LastSeen: now,
			Meta:     entry.Service.Meta,
		})
	}
	return NewSnapshot(service, meta.LastIndex, eps), nil
}

func (r *ConsulRegistry) Close() error { return nil }

func durationOr(d, def time.Duration) string {
	if d <= 0 {
		d = def
	}
	return d.String()
}

// withContext bounds agent calls that take no context of their own.
func withContext(ctx context.Context, fn func() error) error {
	done := make(chan error, 1)
	go func() { done <- fn() }()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}
