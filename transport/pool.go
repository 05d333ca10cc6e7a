package transport

import (
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"order-pipeline/codec"
	"order-pipeline/fault"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

var (
	// ErrPoolExhausted is returned when a new endpoint would exceed MaxEntries.
	ErrPoolExhausted = errors.New("transport: connection pool exhausted")
	// ErrPoolClosed is returned by Acquire after Close.
	ErrPoolClosed = errors.New("transport: pool closed")
)

// State of a pool entry.
type State int

const (
	StateConnecting State = iota
	StateReady
	StateTransientFailure
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "CONNECTING"
	case StateReady:
		return "READY"
	case StateTransientFailure:
		return "TRANSIENT_FAILURE"
	}
	return "CLOSED"
}

// Dialer opens a connection to addr.
type Dialer func(ctx context.Context, addr string) (net.Conn, error)

// PoolOptions configures a Pool.
type PoolOptions struct {
	Codec       codec.CodecType
	MaxEntries  int           // distinct endpoints held at once; 0 means unlimited
	IdleGrace   time.Duration // how long a vanished endpoint's entry survives
	DialTimeout time.Duration
	Heartbeat   time.Duration
	Dial        Dialer
	Logger      *zap.Logger
}

type entry struct {
	state     State
	transport *ClientTransport
	lastUsed  time.Time
	goneSince time.Time // zero while the endpoint is live
}

// Pool owns at most one live ClientTransport per endpoint address.
//
// Connections are created lazily on Acquire; concurrent Acquires of an
// endpoint without a connection share one dial (single-flight per address).
// The pool lock is never held across a dial.
type Pool struct {
	opts   PoolOptions
	logger *zap.Logger
	group  singleflight.Group
	dials  atomic.Int64

	mu      sync.Mutex
	entries map[string]*entry
	closed  bool
}

func NewPool(opts PoolOptions) *Pool {
	if opts.IdleGrace <= 0 {
		opts.IdleGrace = time.Minute
	}
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = 2 * time.Second
	}
	if opts.Heartbeat <= 0 {
		opts.Heartbeat = 30 * time.Second
	}
	if opts.Dial == nil {
		d := &net.Dialer{}
		opts.Dial = func(ctx context.Context, addr string) (net.Conn, error) {
			return d.DialContext(ctx, "tcp", addr)
		}
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Pool{
		opts:    opts,
		logger:  opts.Logger,
		entries: make(map[string]*entry),
	}
}

// Acquire returns the READY transport for addr, dialing one if needed.
// Waiting on a dial started by another caller is bounded by ctx.
func (p *Pool) Acquire(ctx context.Context, addr string) (*ClientTransport, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, fault.Wrap(fault.LayerPool, fault.KindPermanent, addr, ErrPoolClosed)
	}
	e, ok := p.entries[addr]
	if ok && e.transport != nil && e.transport.Ready() {
		e.lastUsed = time.Now()
		t := e.transport
		p.mu.Unlock()
		return t, nil
	}
	if !ok {
		if p.opts.MaxEntries > 0 && len(p.entries) >= p.opts.MaxEntries {
			p.mu.Unlock()
			return nil, fault.Wrap(fault.LayerPool, fault.KindExhausted, addr, ErrPoolExhausted)
		}
		e = &entry{}
		p.entries[addr] = e
	}
	e.state = StateConnecting
	p.mu.Unlock()

	ch := p.group.DoChan(addr, func() (any, error) { return p.connect(addr) })
	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*ClientTransport), nil
	case <-ctx.Done():
		return nil, fault.Wrap(fault.LayerPool, fault.KindTransient, addr, ctx.Err())
	}
}

// connect runs once per address at a time, inside the singleflight group.
func (p *Pool) connect(addr string) (*ClientTransport, error) {
	// a dial that finished just before this one started may already have installed a transport
	p.mu.Lock()
	if e, ok := p.entries[addr]; ok && e.transport != nil && e.transport.Ready() {
		e.state = StateReady
		e.lastUsed = time.Now()
		t := e.transport
		p.mu.Unlock()
		return t, nil
	}
	p.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), p.opts.DialTimeout)
	defer cancel()
	p.dials.Add(1)
	conn, err := p.opts.Dial(ctx, addr)

	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.entries[addr]
	if err != nil {
		if ok {
			e.state = StateTransientFailure
		}
		p.logger.Debug("dial failed", zap.String("endpoint", addr), zap.Error(err))
		return nil, fault.Wrap(fault.LayerPool, fault.KindTransient, addr, err)
	}
	if p.closed {
		conn.Close()
		return nil, fault.Wrap(fault.LayerPool, fault.KindPermanent, addr, ErrPoolClosed)
	}
	if !ok {
		// invalidated or reaped while dialing
		e = &entry{}
		p.entries[addr] = e
	}
	if e.transport != nil {
		e.transport.Close()
	}
	e.transport = NewClientTransport(conn, p.opts.Codec, p.opts.Heartbeat)
	e.state = StateReady
	e.lastUsed = time.Now()
	e.goneSince = time.Time{}
	p.logger.Debug("connected", zap.String("endpoint", addr))
	return e.transport, nil
}

// Invalidate drops the entry for addr if it still holds t (any transport when
// t is nil) and closes t. The next Acquire dials a fresh connection.
func (p *Pool) Invalidate(addr string, t *ClientTransport) {
	p.mu.Lock()
	e, ok := p.entries[addr]
	if ok && (t == nil || e.transport == t) {
		if t == nil {
			t = e.transport
		}
		e.state = StateClosed
		delete(p.entries, addr)
	}
	p.mu.Unlock()

	if t != nil {
		t.Close()
		p.logger.Debug("invalidated", zap.String("endpoint", addr))
	}
}

// Reap closes entries whose address has been missing from live for at least
// IdleGrace and that have been idle at least as long. It returns how many
// entries it closed.
func (p *Pool) Reap(live map[string]bool) int {
	now := time.Now()
	var doomed []*ClientTransport

	p.mu.Lock()
	for addr, e := range p.entries {
		if live[addr] {
			e.goneSince = time.Time{}
			continue
		}
		if e.goneSince.IsZero() {
			e.goneSince = now
		}
		if e.state == StateConnecting || now.Sub(e.goneSince) < p.opts.IdleGrace || now.Sub(e.lastUsed) < p.opts.IdleGrace {
			continue
		}
		e.state = StateClosed
		if e.transport != nil {
			doomed = append(doomed, e.transport)
		}
		delete(p.entries, addr)
		p.logger.Info("reaped", zap.String("endpoint", addr))
	}
	p.mu.Unlock()

	for _, t := range doomed {
		t.Close()
	}
	return len(doomed)
}

// Run reaps every interval until ctx is done, asking live for the current
// resolved address set each time.
func (p *Pool) Run(ctx context.Context, interval time.Duration, live func() map[string]bool) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.Reap(live())
		}
	}
}

// State reports the state of the entry for addr.
func (p *Pool) State(addr string) (State, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.entries[addr]
	if !ok {
		return StateClosed, false
	}
	if e.state == StateReady && e.transport != nil && !e.transport.Ready() {
		return StateTransientFailure, true
	}
	return e.state, true
}

// Len is the number of entries, in any state.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries)
}

// Dials counts connection attempts so far.
func (p *Pool) Dials() int64 {
	return p.dials.Load()
}

// Close closes every connection; later Acquires fail.
func (p *Pool) Close() error {
	p.mu.Lock()
	p.closed = true
	entries := p.entries
	p.entries = make(map[string]*entry)
	p.mu.Unlock()

	for _, e := range entries {
		if e.transport != nil {
			e.transport.Close()
		}
	}
	return nil
}
