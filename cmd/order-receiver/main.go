// Command order-receiver runs the Order Receiver: an HTTP surface that takes
// order submissions and dispatches them to healthy Order Service instances
// found through the service registry.
//
// Exit codes match order-service: 0 after a clean shutdown, 1 on bad
// configuration or a listener that cannot bind, 2 when the registry cannot be
// reached to register within the startup grace period.
package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"order-pipeline/client"
	"order-pipeline/codec"
	"order-pipeline/config"
	"order-pipeline/liveness"
	"order-pipeline/loadbalance"
	"order-pipeline/logging"
	"order-pipeline/receiver"
	"order-pipeline/registry"
	"order-pipeline/resolver"
	"order-pipeline/tracing"
	"order-pipeline/transport"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

func main() {
	if err := newRootCmd().Execute(); err != nil {
		code := 1
		var ee *exitError
		if errors.As(err, &ee) {
			code = ee.code
		}
		fmt.Fprintln(os.Stderr, "order-receiver:", err)
		os.Exit(code)
	}
}

func newRootCmd() *cobra.Command {
	cfg := config.LoadReceiver()
	cmd := &cobra.Command{
		Use:           "order-receiver",
		Short:         "Order Receiver: HTTP intake dispatching to discovered Order Service instances",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return run(ctx, cfg)
		},
	}
	f := cmd.Flags()
	f.StringVar(&cfg.RegistryBackend, "registry", cfg.RegistryBackend, "registry backend: consul, etcd or memory")
	f.StringVar(&cfg.ConsulAddr, "consul", cfg.ConsulAddr, "Consul agent address")
	f.StringSliceVar(&cfg.EtcdEndpoints, "etcd", cfg.EtcdEndpoints, "etcd endpoints")
	f.StringVar(&cfg.HTTPAddr, "http", cfg.HTTPAddr, "HTTP listen address")
	f.StringVar(&cfg.TargetService, "target", cfg.TargetService, "service name orders are dispatched to")
	f.DurationVar(&cfg.RPCTimeout, "rpc-timeout", cfg.RPCTimeout, "timeout of one dispatch attempt")
	f.IntVar(&cfg.RPCAttempts, "rpc-attempts", cfg.RPCAttempts, "dispatch attempts across endpoints")
	f.StringVar(&cfg.LBStrategy, "lb", cfg.LBStrategy, "round_robin, weighted_random or consistent_hash")
	f.StringVar(&cfg.Codec, "codec", cfg.Codec, "wire codec: json or binary")
	f.IntVar(&cfg.PoolMaxEntries, "pool-max", cfg.PoolMaxEntries, "endpoints held in the connection pool at once, 0 for unlimited")
	f.StringVar(&cfg.ServiceName, "service", cfg.ServiceName, "name this receiver registers under")
	f.StringVar(&cfg.AdvertiseAddr, "advertise", cfg.AdvertiseAddr, "host:port published to the registry")
	f.DurationVar(&cfg.ShutdownTimeout, "shutdown-timeout", cfg.ShutdownTimeout, "bound on deregistration and request drain")
	f.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "log level")
	f.BoolVar(&cfg.LogDevelopment, "log-dev", cfg.LogDevelopment, "human readable logs")
	return cmd
}

func run(ctx context.Context, cfg config.Receiver) error {
	if err := cfg.Validate(); err != nil {
		return &exitError{1, err}
	}
	logger, err := logging.New(cfg.LogLevel, cfg.LogDevelopment)
	if err != nil {
		return &exitError{1, err}
	}
	defer logger.Sync()

	shutdownTracing, err := tracing.Init(ctx, tracing.Config{
		ServiceName: cfg.ServiceName,
		ExporterURL: cfg.ExporterURL,
		SampleRate:  cfg.SampleRate,
	})
	if err != nil {
		return &exitError{1, err}
	}
	defer shutdownTracing(context.Background())

	codecType, err := codec.ParseCodecType(cfg.Codec)
	if err != nil {
		return &exitError{1, err}
	}
	balancer, err := loadbalance.New(cfg.LBStrategy)
	if err != nil {
		return &exitError{1, err}
	}
	reg, err := registry.Open(cfg.RegistryBackend, cfg.ConsulAddr, cfg.EtcdEndpoints, logger.Named("registry"))
	if err != nil {
		return &exitError{1, err}
	}
	defer reg.Close()

	lis, err := net.Listen("tcp", cfg.HTTPAddr)
	if err != nil {
		return &exitError{1, fmt.Errorf("http listener: %w", err)}
	}

	runCtx, stopRun := context.WithCancel(ctx)
	defer stopRun()
	g, gctx := errgroup.WithContext(runCtx)

	watcher := registry.NewWatcher(reg, registry.WatcherOptions{
		PollInterval: cfg.PollInterval,
		WaitTime:     cfg.BlockingWait,
		Logger:       logger.Named("watcher"),
	})
	res := resolver.New(watcher, balancer, logger.Named("resolver"))
	res.Follow(gctx, cfg.TargetService)

	pool := transport.NewPool(transport.PoolOptions{
		Codec:      codecType,
		MaxEntries: cfg.PoolMaxEntries,
		IdleGrace:  cfg.PoolIdleGrace,
		Logger:     logger.Named("pool"),
	})
	defer pool.Close()
	g.Go(func() error {
		pool.Run(gctx, cfg.PoolReapInterval, func() map[string]bool {
			return res.Live(cfg.TargetService)
		})
		return nil
	})

	c := client.NewClient(cfg.TargetService, res, pool, client.Options{
		AttemptTimeout: cfg.RPCTimeout,
		Attempts:       cfg.RPCAttempts,
		Logger:         logger.Named("client"),
	})
	handler := receiver.NewHandler(receiver.NewDispatcher(c, logger.Named("dispatch")), res, logger.Named("http"))
	srv := &http.Server{
		Handler:           handler.Routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	g.Go(func() error {
		if err := srv.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	logger.Info("http listening",
		zap.Stringer("addr", lis.Addr()),
		zap.String("target", cfg.TargetService),
		zap.String("lb", balancer.Name()),
		zap.Stringer("codec", codecType))

	host, port, _ := cfg.Advertise()
	agent := liveness.New(reg, liveness.Options{
		Registration: registry.Registration{
			Service: cfg.ServiceName,
			Host:    host,
			Port:    port,
			Meta:    map[string]string{"target": cfg.TargetService},
			Check: registry.HealthCheck{
				Interval: cfg.HealthInterval,
				TTL:      cfg.HealthTTL,
				TCP:      cfg.AdvertiseAddr,
			},
		},
		Interval:     cfg.HealthInterval,
		StartupGrace: cfg.StartupGrace,
		Health: func() registry.Health {
			// still serving from the last known snapshot, but it may be stale
			if watcher.Degraded() {
				return registry.HealthWarning
			}
			return registry.HealthPassing
		},
		Logger: logger.Named("liveness"),
	})
	// a registry that cannot be reached at all during startup is fatal; one
	// that drops out later only degrades discovery
	if err := agent.Start(gctx); err != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		srv.Shutdown(shutdownCtx)
		stopRun()
		g.Wait()
		if ctx.Err() != nil {
			return nil
		}
		if errors.Is(err, liveness.ErrStartupGrace) {
			return &exitError{2, err}
		}
		return &exitError{1, err}
	}
	g.Go(func() error {
		agent.Run(gctx)
		return nil
	})

	<-gctx.Done()
	logger.Info("shutting down")

	if err := agent.Stop(cfg.ShutdownTimeout); err != nil {
		logger.Warn("deregistration incomplete", zap.Error(err))
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http drain incomplete", zap.Error(err))
		srv.Close()
	}
	if err := g.Wait(); err != nil {
		return &exitError{1, err}
	}
	logger.Info("shutdown complete")
	return nil
}
