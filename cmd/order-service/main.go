// Command order-service runs one Order Service instance: the RPC server, its
// registration in the service registry, and the health loop that keeps it
// there.
//
// Exit codes: 0 after a clean shutdown, 1 on bad configuration or a listener
// that cannot bind, 2 when registration does not complete within the startup
// grace period.
package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"order-pipeline/config"
	"order-pipeline/liveness"
	"order-pipeline/logging"
	"order-pipeline/middleware"
	"order-pipeline/orderservice"
	"order-pipeline/registry"
	"order-pipeline/server"
	"order-pipeline/tracing"

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

func exit(code int, err error) error {
	return &exitError{code: code, err: err}
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		code := 1
		var ee *exitError
		if errors.As(err, &ee) {
			code = ee.code
		}
		fmt.Fprintln(os.Stderr, "order-service:", err)
		os.Exit(code)
	}
}

func newRootCmd() *cobra.Command {
	cfg := config.LoadService()
	cmd := &cobra.Command{
		Use:           "order-service",
		Short:         "Order Service instance: validates and processes orders over RPC",
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
	f.StringVar(&cfg.ServiceName, "service", cfg.ServiceName, "service name to register under")
	f.StringVar(&cfg.ServiceID, "id", cfg.ServiceID, "registration id (default <service>-<ordinal> or <service>-<uuid>)")
	f.IntVar(&cfg.Ordinal, "ordinal", cfg.Ordinal, "instance ordinal, -1 for none")
	f.StringVar(&cfg.ListenAddr, "listen", cfg.ListenAddr, "RPC listen address")
	f.StringVar(&cfg.AdvertiseAddr, "advertise", cfg.AdvertiseAddr, "host:port published to the registry")
	f.StringVar(&cfg.HealthAddr, "health", cfg.HealthAddr, "gRPC health probe listen address")
	f.StringSliceVar(&cfg.Tags, "tags", cfg.Tags, "registration tags")
	f.IntVar(&cfg.Weight, "weight", cfg.Weight, "relative weight for the weighted balancer")
	f.StringVar(&cfg.ProcessingMode, "mode", cfg.ProcessingMode, "processing mode: sync or async")
	f.DurationVar(&cfg.ProcessingDelay, "processing-delay", cfg.ProcessingDelay, "simulated processing time")
	f.Float64Var(&cfg.RateLimit, "rate-limit", cfg.RateLimit, "requests per second, 0 for unlimited")
	f.DurationVar(&cfg.StartupGrace, "startup-grace", cfg.StartupGrace, "time allowed to complete registration")
	f.DurationVar(&cfg.ShutdownTimeout, "shutdown-timeout", cfg.ShutdownTimeout, "bound on deregistration and request drain")
	f.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "log level")
	f.BoolVar(&cfg.LogDevelopment, "log-dev", cfg.LogDevelopment, "human readable logs")
	return cmd
}

func run(ctx context.Context, cfg config.Service) error {
	if err := cfg.Validate(); err != nil {
		return exit(1, err)
	}
	logger, err := logging.New(cfg.LogLevel, cfg.LogDevelopment)
	if err != nil {
		return exit(1, err)
	}
	defer logger.Sync()

	id := cfg.InstanceID()
	logger = logger.With(zap.String("service", cfg.ServiceName), zap.String("id", id))

	shutdownTracing, err := tracing.Init(ctx, tracing.Config{
		ServiceName:    cfg.ServiceName,
		ServiceVersion: cfg.ServiceVersion,
		InstanceID:     id,
		ExporterURL:    cfg.ExporterURL,
		SampleRate:     cfg.SampleRate,
	})
	if err != nil {
		return exit(1, err)
	}
	defer shutdownTracing(context.Background())

	mode, _ := orderservice.ParseMode(cfg.ProcessingMode)
	svc := orderservice.New(orderservice.Options{
		Name:      cfg.ServiceName,
		ID:        id,
		Version:   cfg.ServiceVersion,
		Mode:      mode,
		Processor: orderservice.DelayProcessor{Delay: cfg.ProcessingDelay},
		Logger:    logger.Named("orders"),
	})

	svr := server.NewServer(server.WithLogger(logger.Named("rpc")))
	svr.Use(middleware.TracingMiddleware())
	svr.Use(middleware.LoggingMiddleware(logger.Named("rpc")))
	if cfg.RateLimit > 0 {
		svr.Use(middleware.RateLimitMiddleware(cfg.RateLimit, cfg.RateBurst))
	}
	svr.Use(middleware.TimeOutMiddleware(cfg.RequestTimeout))
	svr.Use(middleware.RecoveryMiddleware(logger.Named("rpc")))
	if err := orderservice.Register(svr, svc); err != nil {
		return exit(1, err)
	}
	if err := svr.Listen("tcp", cfg.ListenAddr); err != nil {
		return exit(1, fmt.Errorf("rpc listener: %w", err))
	}

	reg, err := registry.Open(cfg.RegistryBackend, cfg.ConsulAddr, cfg.EtcdEndpoints, logger.Named("registry"))
	if err != nil {
		svr.Shutdown(0)
		return exit(1, err)
	}
	defer reg.Close()

	host, port, _ := cfg.Advertise()
	_, healthPort, err := net.SplitHostPort(cfg.HealthAddr)
	if err != nil {
		svr.Shutdown(0)
		return exit(1, fmt.Errorf("HEALTH_ADDR: %w", err))
	}
	meta := map[string]string{
		"version":     cfg.ServiceVersion,
		"health-port": healthPort,
		"weight":      strconv.Itoa(cfg.Weight),
		"mode":        cfg.ProcessingMode,
	}
	if cfg.Ordinal >= 0 {
		meta["ordinal"] = strconv.Itoa(cfg.Ordinal)
	}
	agent := liveness.New(reg, liveness.Options{
		Registration: registry.Registration{
			ID:      id,
			Service: cfg.ServiceName,
			Host:    host,
			Port:    port,
			Tags:    cfg.Tags,
			Meta:    meta,
			Check: registry.HealthCheck{
				Interval:                cfg.HealthInterval,
				TTL:                     cfg.HealthTTL,
				GRPC:                    net.JoinHostPort(host, healthPort),
				DeregisterCriticalAfter: cfg.DeregisterCriticalAfter,
			},
		},
		Interval:     cfg.HealthInterval,
		StartupGrace: cfg.StartupGrace,
		ProbeAddr:    cfg.HealthAddr,
		Health: func() registry.Health {
			if svc.Serving() {
				return registry.HealthPassing
			}
			return registry.HealthCritical
		},
		Logger: logger.Named("liveness"),
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(svr.Serve)
	logger.Info("rpc listening", zap.Stringer("addr", svr.Addr()), zap.String("mode", cfg.ProcessingMode))

	// peers may call as soon as we are discoverable, so serve first
	if err := agent.Start(gctx); err != nil {
		svr.Shutdown(cfg.ShutdownTimeout)
		g.Wait()
		if ctx.Err() != nil {
			return nil
		}
		if errors.Is(err, liveness.ErrStartupGrace) {
			return exit(2, err)
		}
		return exit(1, err)
	}
	g.Go(func() error {
		agent.Run(gctx)
		return nil
	})

	<-gctx.Done()
	logger.Info("shutting down")

	// leave the registry first so receivers stop picking us, then drain
	if err := agent.Stop(cfg.ShutdownTimeout); err != nil {
		logger.Warn("deregistration incomplete", zap.Error(err))
	}
	if err := svr.Shutdown(cfg.ShutdownTimeout); err != nil {
		logger.Warn("rpc drain incomplete", zap.Error(err))
	}
	closeCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := svc.Close(closeCtx); err != nil {
		logger.Warn("order workers interrupted, their orders stay ACCEPTED", zap.Error(err))
	}

	if err := g.Wait(); err != nil {
		return exit(1, err)
	}
	logger.Info("shutdown complete")
	return nil
}
