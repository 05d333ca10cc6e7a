// Package liveness keeps this process registered and healthy in the registry:
// it registers on startup within a grace period, reports health on a fixed
// interval, serves a gRPC health probe the registry can check, and
// deregisters on shutdown within a bounded time.
package liveness

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"order-pipeline/fault"
	"order-pipeline/registry"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// ErrStartupGrace means the registry did not accept the registration before
// the startup grace period ran out.
var ErrStartupGrace = errors.New("registration not completed within startup grace period")

type Options struct {
	Registration registry.Registration
	Interval     time.Duration // between health reports, default 10s
	StartupGrace time.Duration // default 10s
	ProbeAddr    string        // gRPC health listener; empty disables the probe
	// Health is sampled on every report; nil always reports PASSING.
	Health func() registry.Health
	Logger *zap.Logger
}

// Agent owns this process's registration.
type Agent struct {
	reg    registry.Registry
	opts   Options
	logger *zap.Logger

	mu sync.Mutex
	id string

	probe     *grpc.Server
	probeLis  net.Listener
	healthSrv *health.Server
}

func New(reg registry.Registry, opts Options) *Agent {
	if opts.Interval <= 0 {
		opts.Interval = 10 * time.Second
	}
	if opts.StartupGrace <= 0 {
		opts.StartupGrace = 10 * time.Second
	}
	if opts.Health == nil {
		opts.Health = func() registry.Health { return registry.HealthPassing }
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Agent{reg: reg, opts: opts, logger: opts.Logger}
}

// ID is the registration id, empty before Start succeeds.
func (a *Agent) ID() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.id
}

// ProbeAddr is the bound probe address, nil when the probe is disabled.
func (a *Agent) ProbeAddr() net.Addr {
	if a.probeLis == nil {
		return nil
	}
	return a.probeLis.Addr()
}

// Start brings up the probe and registers, retrying with backoff until the
// startup grace period ends. Failing to bind the probe or to register in time
// is fatal; the latter wraps ErrStartupGrace.
func (a *Agent) Start(ctx context.Context) error {
	if a.opts.ProbeAddr != "" {
		if err := a.startProbe(); err != nil {
			return fault.Wrap(fault.LayerRegistry, fault.KindFatal, a.opts.ProbeAddr, fmt.Errorf("health probe: %w", err))
		}
	}

	ctx, cancel := context.WithTimeout(ctx, a.opts.StartupGrace)
	defer cancel()

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 200 * time.Millisecond
	bo.MaxInterval = 2 * time.Second
	bo.MaxElapsedTime = 0 // the grace period bounds the retries

	var (
		id      string
		lastErr error
		attempt int
	)
	op := func() error {
		attempt++
		var err error
		id, err = a.reg.Register(ctx, a.opts.Registration)
		if errors.Is(err, registry.ErrInvalidRegistration) {
			return backoff.Permanent(err)
		}
		if err != nil {
			lastErr = err
			a.logger.Warn("registration failed, retrying", zap.Int("attempt", attempt), zap.Error(err))
		}
		return err
	}
	if err := backoff.Retry(op, backoff.WithContext(bo, ctx)); err != nil {
		a.stopProbe()
		if errors.Is(err, registry.ErrInvalidRegistration) {
			return fault.Wrap(fault.LayerRegistry, fault.KindFatal, "", err)
		}
		if lastErr == nil {
			lastErr = err
		}
		return fault.Wrap(fault.LayerRegistry, fault.KindFatal, "",
			fmt.Errorf("%w after %d attempts: %v", ErrStartupGrace, attempt, lastErr))
	}

	a.mu.Lock()
	a.id = id
	a.mu.Unlock()
	a.setServing(true)
	a.logger.Info("registered",
		zap.String("service", a.opts.Registration.Service),
		zap.String("id", id),
		zap.String("endpoint", net.JoinHostPort(a.opts.Registration.Host, fmt.Sprint(a.opts.Registration.Port))))
	return nil
}

// Run reports health every Interval until ctx is done. A registration the
// registry has forgotten (expired lease, restarted agent) is registered again.
func (a *Agent) Run(ctx context.Context) {
	ticker := time.NewTicker(a.opts.Interval)
	defer ticker.Stop()
	a.report(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.report(ctx)
		}
	}
}

func (a *Agent) report(ctx context.Context) {
	id := a.ID()
	if id == "" {
		return
	}
	h := a.opts.Health()
	a.setServing(h == registry.HealthPassing)

	err := a.reg.ReportHealth(ctx, id, h, "reported by "+id)
	switch {
	case err == nil:
	case errors.Is(err, registry.ErrNotFound):
		a.logger.Warn("registration lost, registering again", zap.String("id", id))
		newID, err := a.reg.Register(ctx, a.opts.Registration)
		if err != nil {
			a.logger.Warn("re-registration failed", zap.Error(err))
			return
		}
		a.mu.Lock()
		a.id = newID
		a.mu.Unlock()
		if h != registry.HealthPassing {
			a.reg.ReportHealth(ctx, newID, h, "reported by "+newID)
		}
	case ctx.Err() == nil:
		// the registry's TTL will flag us if this keeps failing
		a.logger.Warn("health report failed", zap.String("id", id), zap.Error(err))
	}
}

// Stop marks the probe NOT_SERVING and deregisters, giving up after timeout.
func (a *Agent) Stop(timeout time.Duration) error {
	a.setServing(false)
	defer a.stopProbe()

	id := a.ID()
	if id == "" {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := a.reg.Deregister(ctx, id); err != nil && !errors.Is(err, registry.ErrNotFound) {
		a.logger.Warn("deregistration failed", zap.String("id", id), zap.Error(err))
		return fault.Wrap(fault.LayerRegistry, fault.KindTransient, "", err)
	}
	a.mu.Lock()
	a.id = ""
	a.mu.Unlock()
	a.logger.Info("deregistered", zap.String("id", id))
	return nil
}

func (a *Agent) startProbe() error {
	lis, err := net.Listen("tcp", a.opts.ProbeAddr)
	if err != nil {
		return err
	}
	a.probeLis = lis
	a.healthSrv = health.NewServer()
	a.healthSrv.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	a.probe = grpc.NewServer()
	healthpb.RegisterHealthServer(a.probe, a.healthSrv)
	go func() {
		if err := a.probe.Serve(lis); err != nil {
			a.logger.Debug("health probe stopped", zap.Error(err))
		}
	}()
	return nil
}

func (a *Agent) setServing(ok bool) {
	if a.healthSrv == nil {
		return
	}
	st := healthpb.HealthCheckResponse_NOT_SERVING
	if ok {
		st = healthpb.HealthCheckResponse_SERVING
	}
	a.healthSrv.SetServingStatus("", st)
	if svc := a.opts.Registration.Service; svc != "" {
		a.healthSrv.SetServingStatus(svc, st)
	}
}

func (a *Agent) stopProbe() {
	if a.probe == nil {
		return
	}
	a.healthSrv.Shutdown()
	a.probe.Stop()
	a.probe = nil
}
