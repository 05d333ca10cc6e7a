package client

import (
	"context"
	"net"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"order-pipeline/fault"
	"order-pipeline/registry"
	"order-pipeline/resolver"
	"order-pipeline/server"
	"order-pipeline/transport"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const svc = "echo-service"

type EchoArgs struct {
	Text string
}

type EchoReply struct {
	Text     string
	Instance string
}

// callLog records which instance served each call, in order.
type callLog struct {
	mu    sync.Mutex
	calls []string
}

func (l *callLog) add(id string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls = append(l.calls, id)
}

func (l *callLog) snapshot() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.calls...)
}

type Echo struct {
	id    string
	log   *callLog
	code  codes.Code
	delay time.Duration
}

func (e *Echo) Say(ctx context.Context, args *EchoArgs, reply *EchoReply) error {
	e.log.add(e.id)
	if e.delay > 0 {
		select {
		case <-time.After(e.delay):
		case <-ctx.Done():
		}
	}
	reply.Text = args.Text
	reply.Instance = e.id
	if e.code != codes.OK {
		return status.Error(e.code, e.id+" says no")
	}
	return nil
}

func startEcho(t testing.TB, e *Echo) registry.Endpoint {
	t.Helper()
	svr := server.NewServer()
	require.NoError(t, svr.Register(e))
	require.NoError(t, svr.Listen("tcp", "127.0.0.1:0"))
	go svr.Serve()
	t.Cleanup(func() { svr.Shutdown(time.Second) })
	return endpointAt(t, e.id, svr.Addr().String(), registry.HealthPassing)
}

// deadEndpoint returns a PASSING endpoint on which nothing listens.
func deadEndpoint(t testing.TB, id string) registry.Endpoint {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	l.Close()
	return endpointAt(t, id, addr, registry.HealthPassing)
}

func endpointAt(t testing.TB, id, addr string, h registry.Health) registry.Endpoint {
	t.Helper()
	host, portStr, err := net.SplitHostPort(addr)
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)
	return registry.Endpoint{Service: svc, ID: id, Host: host, Port: port, Health: h}
}

func newClient(t testing.TB, opts Options, eps ...registry.Endpoint) (*Client, *transport.Pool) {
	t.Helper()
	res := resolver.New(nil, nil, nil)
	res.Publish(registry.NewSnapshot(svc, 1, eps))
	pool := transport.NewPool(transport.PoolOptions{DialTimeout: 200 * time.Millisecond})
	t.Cleanup(func() { pool.Close() })
	return NewClient(svc, res, pool, opts), pool
}

func TestCall(t *testing.T) {
	log := &callLog{}
	c, _ := newClient(t, Options{}, startEcho(t, &Echo{id: "a", log: log}))

	var reply EchoReply
	require.NoError(t, c.Call(context.Background(), "Echo.Say", "", &EchoArgs{Text: "hi"}, &reply))
	assert.Equal(t, "hi", reply.Text)
	assert.Equal(t, []string{"a"}, log.snapshot())
}

func TestCallFailsOverUnreachableEndpoint(t *testing.T) {
	log := &callLog{}
	live := startEcho(t, &Echo{id: "b", log: log})
	c, _ := newClient(t, Options{}, deadEndpoint(t, "a"), live)

	// round robin starts at either endpoint; both orders must succeed
	for i := 0; i < 4; i++ {
		var reply EchoReply
		require.NoError(t, c.Call(context.Background(), "Echo.Say", "", &EchoArgs{Text: "hi"}, &reply))
		assert.Equal(t, "b", reply.Instance)
	}
	assert.Len(t, log.snapshot(), 4)
}

func TestCallNeverRepeatsEndpointBackToBack(t *testing.T) {
	log := &callLog{}
	c, _ := newClient(t, Options{Attempts: 3},
		startEcho(t, &Echo{id: "a", log: log, code: codes.Unavailable}),
		startEcho(t, &Echo{id: "b", log: log, code: codes.Unavailable}),
	)

	err := c.Call(context.Background(), "Echo.Say", "", &EchoArgs{}, &EchoReply{})
	require.ErrorIs(t, err, ErrExhausted)
	assert.Equal(t, fault.KindExhausted, fault.KindOf(err))
	assert.Equal(t, codes.Unavailable, status.Code(err))

	calls := log.snapshot()
	require.Len(t, calls, 3)
	for i := 1; i < len(calls); i++ {
		assert.NotEqual(t, calls[i-1], calls[i], "attempts %d and %d hit the same endpoint", i, i+1)
	}
}

func TestCallPermanentFaultNotRetried(t *testing.T) {
	log := &callLog{}
	c, _ := newClient(t, Options{Attempts: 3},
		startEcho(t, &Echo{id: "a", log: log, code: codes.InvalidArgument}),
		startEcho(t, &Echo{id: "b", log: log, code: codes.InvalidArgument}),
	)

	var reply EchoReply
	err := c.Call(context.Background(), "Echo.Say", "", &EchoArgs{Text: "bad"}, &reply)
	require.Error(t, err)
	assert.Equal(t, codes.InvalidArgument, status.Code(err))
	assert.Equal(t, fault.KindPermanent, fault.KindOf(err))
	assert.Equal(t, fault.LayerRemote, fault.LayerOf(err))
	assert.NotErrorIs(t, err, ErrExhausted)

	assert.Len(t, log.snapshot(), 1)
	assert.Equal(t, "bad", reply.Text, "the reply travels with the rejection")
}

func TestCallAttemptTimeoutKeepsConnection(t *testing.T) {
	log := &callLog{}
	slow := startEcho(t, &Echo{id: "a", log: log, delay: 500 * time.Millisecond})
	c, pool := newClient(t, Options{AttemptTimeout: 50 * time.Millisecond, Attempts: 2}, slow)

	start := time.Now()
	err := c.Call(context.Background(), "Echo.Say", "", &EchoArgs{}, &EchoReply{})
	require.ErrorIs(t, err, ErrExhausted)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 400*time.Millisecond)

	st, ok := pool.State(slow.Addr())
	require.True(t, ok)
	assert.Equal(t, transport.StateReady, st)
	assert.EqualValues(t, 1, pool.Dials())
}

func TestCallAttemptTimeoutBoundsStalledWrite(t *testing.T) {
	// accepts and never reads, so a large request blocks on the write
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	accepted := make(chan net.Conn, 1)
	go func() {
		if c, err := l.Accept(); err == nil {
			accepted <- c
		}
	}()
	t.Cleanup(func() {
		l.Close()
		select {
		case c := <-accepted:
			c.Close()
		default:
		}
	})
	ep := endpointAt(t, "stalled", l.Addr().String(), registry.HealthPassing)
	c, pool := newClient(t, Options{AttemptTimeout: 200 * time.Millisecond, Attempts: 1}, ep)

	start := time.Now()
	err = c.Call(context.Background(), "Echo.Say", "", &EchoArgs{Text: strings.Repeat("x", 9<<20)}, &EchoReply{})
	require.ErrorIs(t, err, ErrExhausted)
	assert.ErrorIs(t, err, transport.ErrTransportClosed)
	assert.Equal(t, fault.LayerPool, fault.LayerOf(err))
	assert.Less(t, time.Since(start), 2*time.Second)

	// the broken channel was thrown away
	_, ok := pool.State(ep.Addr())
	assert.False(t, ok)
}

func TestCallNoHealthyEndpoints(t *testing.T) {
	log := &callLog{}
	ep := startEcho(t, &Echo{id: "a", log: log})
	ep.Health = registry.HealthCritical
	c, pool := newClient(t, Options{}, ep)

	err := c.Call(context.Background(), "Echo.Say", "", &EchoArgs{}, &EchoReply{})
	require.ErrorIs(t, err, resolver.ErrNoHealthyEndpoints)
	assert.Equal(t, fault.LayerResolver, fault.LayerOf(err))
	assert.Empty(t, log.snapshot())
	assert.EqualValues(t, 0, pool.Dials())
}

func TestCallCancelledContext(t *testing.T) {
	log := &callLog{}
	c, _ := newClient(t, Options{}, startEcho(t, &Echo{id: "a", log: log}))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := c.Call(ctx, "Echo.Say", "", &EchoArgs{}, &EchoReply{})
	require.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, log.snapshot())
}

func BenchmarkSerialCall(b *testing.B) {
	log := &callLog{}
	c, _ := newClient(b, Options{}, startEcho(b, &Echo{id: "a", log: log}))
	ctx := context.Background()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		var reply EchoReply
		if err := c.Call(ctx, "Echo.Say", "", &EchoArgs{Text: "hi"}, &reply); err != nil {
			b.Fatal(err)
		}
	}
}

// many goroutines share one multiplexed connection per endpoint
func BenchmarkConcurrentCall(b *testing.B) {
	log := &callLog{}
	c, _ := newClient(b, Options{},
		startEcho(b, &Echo{id: "a", log: log}),
		startEcho(b, &Echo{id: "b", log: log}))
	ctx := context.Background()

	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			var reply EchoReply
			if err := c.Call(ctx, "Echo.Say", "", &EchoArgs{Text: "hi"}, &reply); err != nil {
				b.Error(err)
				return
			}
		}
	})
}
