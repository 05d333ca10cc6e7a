// Package config reads process configuration from the environment. Every
// option has a documented default; cmd/ binaries bind flags on top.
package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Common holds options shared by every binary.
type Common struct {
	RegistryBackend string   // REGISTRY_BACKEND: consul | etcd | memory
	ConsulAddr      string   // CONSUL_ADDR
	EtcdEndpoints   []string // ETCD_ENDPOINTS, comma separated
	LogLevel        string   // LOG_LEVEL
	LogDevelopment  bool     // LOG_DEVELOPMENT
	ExporterURL     string   // OTEL_EXPORTER_URL, empty disables trace export
	SampleRate      float64  // OTEL_SAMPLE_RATE
}

// Service configures an Order Service instance.
type Service struct {
	Common

	ServiceName    string   // SERVICE_NAME
	ServiceID      string   // SERVICE_ID, derived from name and ordinal when empty
	Ordinal        int      // ORDINAL, -1 when unset
	ListenAddr     string   // LISTEN_ADDR, RPC listener
	AdvertiseAddr  string   // ADVERTISE_ADDR, host:port published to the registry
	HealthAddr     string   // HEALTH_ADDR, gRPC health probe listener
	Tags           []string // SERVICE_TAGS
	ServiceVersion string   // SERVICE_VERSION
	Weight         int      // SERVICE_WEIGHT, read by the weighted balancer

	HealthInterval          time.Duration // HEALTH_INTERVAL
	HealthTTL               time.Duration // HEALTH_TTL
	DeregisterCriticalAfter time.Duration // DEREGISTER_CRITICAL_AFTER
	StartupGrace            time.Duration // STARTUP_GRACE
	ShutdownTimeout         time.Duration // SHUTDOWN_TIMEOUT
	RequestTimeout          time.Duration // REQUEST_TIMEOUT, server-side cap per request

	ProcessingMode  string        // PROCESSING_MODE: sync | async
	ProcessingDelay time.Duration // PROCESSING_DELAY, simulated fulfilment time
	RateLimit       float64       // RATE_LIMIT requests/s, 0 disables
	RateBurst       int           // RATE_BURST
}

// Receiver configures an Order Receiver.
type Receiver struct {
	Common

	HTTPAddr         string        // HTTP_ADDR
	TargetService    string        // TARGET_SERVICE
	RPCTimeout       time.Duration // RPC_TIMEOUT, per attempt
	RPCAttempts      int           // RPC_ATTEMPTS, total across endpoints
	PollInterval     time.Duration // POLL_INTERVAL, for registries without blocking queries
	BlockingWait     time.Duration // BLOCKING_WAIT, upper bound of one blocking query
	LBStrategy       string        // LB_STRATEGY
	PoolMaxEntries   int           // POOL_MAX_ENTRIES
	PoolReapInterval time.Duration // POOL_REAP_INTERVAL
	PoolIdleGrace    time.Duration // POOL_IDLE_GRACE
	Codec            string        // CODEC: json | binary
	ShutdownTimeout  time.Duration // SHUTDOWN_TIMEOUT

	// the receiver registers itself too, under ServiceName
	ServiceName    string        // SERVICE_NAME
	AdvertiseAddr  string        // ADVERTISE_ADDR, host:port of the HTTP surface
	HealthInterval time.Duration // HEALTH_INTERVAL
	HealthTTL      time.Duration // HEALTH_TTL
	StartupGrace   time.Duration // STARTUP_GRACE
}

func loadCommon() Common {
	return Common{
		RegistryBackend: getEnv("REGISTRY_BACKEND", "consul"),
		ConsulAddr:      getEnv("CONSUL_ADDR", "localhost:8500"),
		EtcdEndpoints:   getEnvAsList("ETCD_ENDPOINTS", []string{"localhost:2379"}),
		LogLevel:        getEnv("LOG_LEVEL", "info"),
		LogDevelopment:  getEnvAsBool("LOG_DEVELOPMENT", false),
		ExporterURL:     getEnv("OTEL_EXPORTER_URL", ""),
		SampleRate:      getEnvAsFloat("OTEL_SAMPLE_RATE", 1.0),
	}
}

func LoadService() Service {
	return Service{
		Common:                  loadCommon(),
		ServiceName:             getEnv("SERVICE_NAME", "order-service"),
		ServiceID:               getEnv("SERVICE_ID", ""),
		Ordinal:                 getEnvAsInt("ORDINAL", -1),
		ListenAddr:              getEnv("LISTEN_ADDR", ":7070"),
		AdvertiseAddr:           getEnv("ADVERTISE_ADDR", "127.0.0.1:7070"),
		HealthAddr:              getEnv("HEALTH_ADDR", ":7071"),
		Tags:                    getEnvAsList("SERVICE_TAGS", nil),
		ServiceVersion:          getEnv("SERVICE_VERSION", "1.0.0"),
		Weight:                  getEnvAsInt("SERVICE_WEIGHT", 1),
		HealthInterval:          getEnvAsDuration("HEALTH_INTERVAL", 10*time.Second),
		HealthTTL:               getEnvAsDuration("HEALTH_TTL", 30*time.Second),
		DeregisterCriticalAfter: getEnvAsDuration("DEREGISTER_CRITICAL_AFTER", time.Minute),
		StartupGrace:            getEnvAsDuration("STARTUP_GRACE", 10*time.Second),
		ShutdownTimeout:         getEnvAsDuration("SHUTDOWN_TIMEOUT", 5*time.Second),
		RequestTimeout:          getEnvAsDuration("REQUEST_TIMEOUT", 5*time.Second),
		ProcessingMode:          getEnv("PROCESSING_MODE", "sync"),
		ProcessingDelay:         getEnvAsDuration("PROCESSING_DELAY", 0),
		RateLimit:               getEnvAsFloat("RATE_LIMIT", 0),
		RateBurst:               getEnvAsInt("RATE_BURST", 100),
	}
}

func LoadReceiver() Receiver {
	return Receiver{
		Common:           loadCommon(),
		HTTPAddr:         getEnv("HTTP_ADDR", ":8080"),
		TargetService:    getEnv("TARGET_SERVICE", "order-service"),
		RPCTimeout:       getEnvAsDuration("RPC_TIMEOUT", 2*time.Second),
		RPCAttempts:      getEnvAsInt("RPC_ATTEMPTS", 3),
		PollInterval:     getEnvAsDuration("POLL_INTERVAL", 5*time.Second),
		BlockingWait:     getEnvAsDuration("BLOCKING_WAIT", 5*time.Minute),
		LBStrategy:       getEnv("LB_STRATEGY", "round_robin"),
		PoolMaxEntries:   getEnvAsInt("POOL_MAX_ENTRIES", 64),
		PoolReapInterval: getEnvAsDuration("POOL_REAP_INTERVAL", 30*time.Second),
		PoolIdleGrace:    getEnvAsDuration("POOL_IDLE_GRACE", time.Minute),
		Codec:            getEnv("CODEC", "json"),
		ShutdownTimeout:  getEnvAsDuration("SHUTDOWN_TIMEOUT", 5*time.Second),
		ServiceName:      getEnv("SERVICE_NAME", "order-receiver"),
		AdvertiseAddr:    getEnv("ADVERTISE_ADDR", "127.0.0.1:8080"),
		HealthInterval:   getEnvAsDuration("HEALTH_INTERVAL", 10*time.Second),
		HealthTTL:        getEnvAsDuration("HEALTH_TTL", 30*time.Second),
		StartupGrace:     getEnvAsDuration("STARTUP_GRACE", 10*time.Second),
	}
}

// Advertise splits AdvertiseAddr.
func (c Receiver) Advertise() (string, int, error) {
	return splitHostPort(c.AdvertiseAddr)
}

// InstanceID is ServiceID, or "<name>-<ordinal>" when an ordinal is set, or
// "<name>-<uuid>".
func (c Service) InstanceID() string {
	switch {
	case c.ServiceID != "":
		return c.ServiceID
	case c.Ordinal >= 0:
		return fmt.Sprintf("%s-%d", c.ServiceName, c.Ordinal)
	}
	return c.ServiceName + "-" + uuid.NewString()
}

// Advertise splits AdvertiseAddr.
func (c Service) Advertise() (string, int, error) {
	return splitHostPort(c.AdvertiseAddr)
}

func (c Common) validate() error {
	var errs []error
	switch c.RegistryBackend {
	case "consul":
		if c.ConsulAddr == "" {
			errs = append(errs, errors.New("CONSUL_ADDR is required for the consul backend"))
		}
	case "etcd":
		if len(c.EtcdEndpoints) == 0 {
			errs = append(errs, errors.New("ETCD_ENDPOINTS is required for the etcd backend"))
		}
	case "memory":
	default:
		errs = append(errs, fmt.Errorf("REGISTRY_BACKEND %q is not one of consul, etcd, memory", c.RegistryBackend))
	}
	if c.SampleRate < 0 || c.SampleRate > 1 {
		errs = append(errs, fmt.Errorf("OTEL_SAMPLE_RATE %v is outside [0, 1]", c.SampleRate))
	}
	return errors.Join(errs...)
}

func (c Service) Validate() error {
	errs := []error{c.Common.validate()}
	if c.ServiceName == "" {
		errs = append(errs, errors.New("SERVICE_NAME is required"))
	}
	if _, _, err := c.Advertise(); err != nil {
		errs = append(errs, fmt.Errorf("ADVERTISE_ADDR: %w", err))
	}
	if c.HealthInterval <= 0 {
		errs = append(errs, errors.New("HEALTH_INTERVAL must be positive"))
	}
	if c.HealthTTL <= c.HealthInterval {
		errs = append(errs, fmt.Errorf("HEALTH_TTL %v must exceed HEALTH_INTERVAL %v", c.HealthTTL, c.HealthInterval))
	}
	if c.StartupGrace <= 0 || c.ShutdownTimeout <= 0 {
		errs = append(errs, errors.New("STARTUP_GRACE and SHUTDOWN_TIMEOUT must be positive"))
	}
	if c.ProcessingMode != "sync" && c.ProcessingMode != "async" {
		errs = append(errs, fmt.Errorf("PROCESSING_MODE %q is not one of sync, async", c.ProcessingMode))
	}
	if c.RateLimit < 0 || c.RateBurst <= 0 {
		errs = append(errs, errors.New("RATE_LIMIT must be >= 0 and RATE_BURST > 0"))
	}
	if c.Weight <= 0 {
		errs = append(errs, errors.New("SERVICE_WEIGHT must be positive"))
	}
	return errors.Join(errs...)
}

func (c Receiver) Validate() error {
	errs := []error{c.Common.validate()}
	if c.TargetService == "" {
		errs = append(errs, errors.New("TARGET_SERVICE is required"))
	}
	if c.RPCTimeout <= 0 {
		errs = append(errs, errors.New("RPC_TIMEOUT must be positive"))
	}
	if c.RPCAttempts < 1 {
		errs = append(errs, errors.New("RPC_ATTEMPTS must be at least 1"))
	}
	if c.PollInterval <= 0 || c.BlockingWait <= 0 {
		errs = append(errs, errors.New("POLL_INTERVAL and BLOCKING_WAIT must be positive"))
	}
	switch c.LBStrategy {
	case "round_robin", "weighted_random", "consistent_hash":
	default:
		errs = append(errs, fmt.Errorf("LB_STRATEGY %q is not one of round_robin, weighted_random, consistent_hash", c.LBStrategy))
	}
	if c.PoolMaxEntries < 0 {
		errs = append(errs, errors.New("POOL_MAX_ENTRIES must be >= 0"))
	}
	if c.PoolReapInterval <= 0 || c.PoolIdleGrace <= 0 {
		errs = append(errs, errors.New("POOL_REAP_INTERVAL and POOL_IDLE_GRACE must be positive"))
	}
	if c.Codec != "json" && c.Codec != "binary" {
		errs = append(errs, fmt.Errorf("CODEC %q is not one of json, binary", c.Codec))
	}
	if _, _, err := c.Advertise(); err != nil {
		errs = append(errs, fmt.Errorf("ADVERTISE_ADDR: %w", err))
	}
	if c.HealthInterval <= 0 || c.HealthTTL <= c.HealthInterval {
		errs = append(errs, fmt.Errorf("HEALTH_TTL %v must exceed HEALTH_INTERVAL %v", c.HealthTTL, c.HealthInterval))
	}
	return errors.Join(errs...)
}

func splitHostPort(addr string) (string, int, error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return "", 0, err
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port < 1 || port > 65535 {
		return "", 0, fmt.Errorf("invalid port %q", portStr)
	}
	if host == "" {
		return "", 0, errors.New("host is required")
	}
	return host, port, nil
}

func getEnv(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value, err := strconv.Atoi(getEnv(key, "")); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	if value, err := strconv.ParseFloat(getEnv(key, ""), 64); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value, err := strconv.ParseBool(getEnv(key, "")); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value, err := time.ParseDuration(getEnv(key, "")); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsList(key string, defaultValue []string) []string {
	raw, ok := os.LookupEnv(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
