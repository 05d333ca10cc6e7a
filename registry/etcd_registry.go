// etcd backend.
//
// etcd has no health checks of its own, so liveness is a lease: the entry
// disappears when KeepAlive stops, and the self-reported health is stored in
// the value.
//
//	Key:   /order-pipeline/services/{service}/{id}
//	Value: JSON-encoded etcdRecord

package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"
)

const etcdPrefix = "/order-pipeline/services/"

type etcdRecord struct {
	ID        string            `json:"id"`
	Service   string            `json:"service"`
	Host      string            `json:"host"`
	Port      int               `json:"port"`
	Tags      []string          `json:"tags,omitempty"`
	Meta      map[string]string `json:"meta,omitempty"`
	Health    Health            `json:"health"`
	Note      string            `json:"note,omitempty"`
	UpdatedAt time.Time         `json:"updatedAt"`
}

type etcdLease struct {
	id     clientv3.LeaseID
	record etcdRecord
	cancel context.CancelFunc // stops KeepAlive
}

// EtcdRegistry implements Registry on etcd v3.
type EtcdRegistry struct {
	client *clientv3.Client
	logger *zap.Logger

	mu     sync.Mutex
	leases map[string]*etcdLease // registration id -> lease
}

// NewEtcdRegistry creates a registry connected to the given etcd endpoints.
func NewEtcdRegistry(endpoints []string, logger *zap.Logger) (*EtcdRegistry, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	c, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: 5 * time.Second,
		Logger:      logger.Named("etcd"),
	})
	if err != nil {
		return nil, err
	}
	return &EtcdRegistry{
		client: c,
		logger: logger.With(zap.String("registry", "etcd")),
		leases: make(map[string]*etcdLease),
	}, nil
}

func (r *EtcdRegistry) Blocking() bool { return true }

func etcdKey(service, id string) string {
	return etcdPrefix + service + "/" + id
}

// Register grants a lease of Check.TTL (10s when unset), writes the record
// under it and keeps the lease alive until Deregister or Close.
func (r *EtcdRegistry) Register(ctx context.Context, reg Registration) (string, error) {
	if err := reg.validate(); err != nil {
		return "", err
	}
	id := reg.ID
	if id == "" {
		id = reg.Service + "-" + uuid.NewString()
	}
	ttl := int64(reg.Check.TTL / time.Second)
	if ttl <= 0 {
		ttl = 10
	}

	lease, err := r.client.Grant(ctx, ttl)
	if err != nil {
		return "", fmt.Errorf("etcd grant: %w", err)
	}

	rec := etcdRecord{
		ID:        id,
		Service:   reg.Service,
		Host:      reg.Host,
		Port:      reg.Port,
		Tags:      reg.Tags,
		Meta:      reg.Meta,
		Health:    HealthPassing,
		UpdatedAt: time.Now(),
	}
	if err := r.put(ctx, lease.ID, rec); err != nil {
		return "", err
	}

	// The lease outlives the register call, so KeepAlive runs on its own context.
	kaCtx, cancel := context.WithCancel(context.Background())
	ch, err := r.client.KeepAlive(kaCtx, lease.ID)
	if err != nil {
		cancel()
		return "", fmt.Errorf("etcd keepalive: %w", err)
	}
	go func() {
		for range ch {
		}
		r.logger.Debug("keepalive stopped", zap.String("id", id))
	}()

	r.mu.Lock()
	r.leases[id] = &etcdLease{id: lease.ID, record: rec, cancel: cancel}
	r.mu.Unlock()
	r.logger.Info("registered", zap.String("id", id), zap.String("service", reg.Service), zap.Int64("ttl", ttl))
	return id, nil
}

func (r *EtcdRegistry) put(ctx context.Context, lease clientv3.LeaseID, rec etcdRecord) error {
	val, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	if _, err := r.client.Put(ctx, etcdKey(rec.Service, rec.ID), string(val), clientv3.WithLease(lease)); err != nil {
		return fmt.Errorf("etcd put: %w", err)
	}
	return nil
}

// Deregister deletes the entry and revokes its lease.
func (r *EtcdRegistry) Deregister(ctx context.Context, id string) error {
	r.mu.Lock()
	l, ok := r.leases[id]
	delete(r.leases, id)
	r.mu.Unlock()
	if !ok {
		return ErrNotFound
	}

	l.cancel()
	if _, err := r.client.Delete(ctx, etcdKey(l.record.Service, id)); err != nil {
		return fmt.Errorf("etcd delete: %w", err)
	}
	if _, err := r.client.Revoke(ctx, l.id); err != nil {
		r.logger.Warn("lease revoke failed", zap.String("id", id), zap.Error(err))
	}
	r.logger.Info("deregistered", zap.String("id", id))
	return nil
}

// ReportHealth rewrites the record under the same lease.
func (r *EtcdRegistry) ReportHealth(ctx context.Context, id string, health Health, note string) error {
	r.mu.Lock()
	l, ok := r.leases[id]
	var rec etcdRecord
	if ok {
		l.record.Health = health
		l.record.Note = note
		l.record.UpdatedAt = time.Now()
		rec = l.record
	}
	r.mu.Unlock()
	if !ok {
		return ErrNotFound
	}
	return r.put(ctx, l.id, rec)
}

// Query reads every entry under the service prefix. With a WaitIndex it first
// watches the prefix from WaitIndex+1 until an event arrives or WaitTime passes.
func (r *EtcdRegistry) Query(ctx context.Context, service string, opts QueryOptions) (*Snapshot, error) {
	prefix := etcdPrefix + service + "/"

	if opts.WaitIndex > 0 {
		wctx, cancel := context.WithTimeout(ctx, opts.WaitTime)
		wch := r.client.Watch(clientv3.WithRequireLeader(wctx), prefix,
			clientv3.WithPrefix(), clientv3.WithRev(int64(opts.WaitIndex)+1))
		select {
		case wresp, ok := <-wch:
			if ok && wresp.Err() != nil {
				r.logger.Debug("watch interrupted", zap.Error(wresp.Err()))
			}
		case <-wctx.Done():
		}
		cancel()
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
	}

	resp, err := r.client.Get(ctx, prefix, clientv3.WithPrefix())
	if err != nil {
		return nil, fmt.Errorf("etcd get %s: %w", service, err)
	}

	eps := make([]Endpoint, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		var rec etcdRecord
		if err := json.Unmarshal(kv.Value, &rec); err != nil {
			continue // skip malformed entries
		}
		eps = append(eps, Endpoint{
			Service:  service,
			ID:       rec.ID,
			Host:     rec.Host,
			Port:     rec.Port,
			Health:   rec.Health,
			LastSeen: rec.UpdatedAt,
			Meta:     rec.Meta,
		})
	}
	return NewSnapshot(service, uint64(resp.Header.Revision), eps), nil
}

// Close stops every KeepAlive and closes the client. Leases left behind
// expire on their own.
func (r *EtcdRegistry) Close() error {
	r.mu.Lock()
	for _, l := range r.leases {
		l.cancel()
	}
	r.leases = make(map[string]*etcdLease)
	r.mu.Unlock()
	return r.client.Close()
}
