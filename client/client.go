// Package client is the discovery-backed RPC client: it resolves a service
// name to healthy endpoints, borrows connections from the pool, and fails
// over between endpoints on transient faults.
//
//	Call → resolver.Pick(avoid tried) → pool.Acquire → ClientTransport.Call (attempt timeout)
//	  transient fault → invalidate if the connection broke → next endpoint
//	  permanent fault → return with the decoded reply
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"order-pipeline/fault"
	"order-pipeline/message"
	"order-pipeline/resolver"
	"order-pipeline/transport"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelcodes "go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
)

// ErrExhausted means every attempt of the budget failed with a transient fault.
var ErrExhausted = errors.New("dispatch attempts exhausted")

type Options struct {
	AttemptTimeout time.Duration // per attempt, default 2s
	Attempts       int           // total attempts across endpoints, default 3
	Logger         *zap.Logger
}

// Client calls one named service.
type Client struct {
	service  string
	resolver *resolver.Resolver
	pool     *transport.Pool
	opts     Options
	logger   *zap.Logger
	tracer   trace.Tracer
}

func NewClient(service string, res *resolver.Resolver, pool *transport.Pool, opts Options) *Client {
	if opts.AttemptTimeout <= 0 {
		opts.AttemptTimeout = 2 * time.Second
	}
	if opts.Attempts <= 0 {
		opts.Attempts = 3
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Client{
		service:  service,
		resolver: res,
		pool:     pool,
		opts:     opts,
		logger:   opts.Logger,
		tracer:   otel.Tracer("order-pipeline/client"),
	}
}

// Service is the registry name this client calls.
func (c *Client) Service() string {
	return c.service
}

// Call invokes serviceMethod on an endpoint of the client's service. key feeds
// key-affine balancers and may be empty.
//
// A permanent remote fault is returned as soon as it arrives, with reply
// filled from the response payload when one was sent. Transient faults move on
// to a different endpoint when one exists; once the attempt budget is spent
// the error wraps ErrExhausted and the last fault.
func (c *Client) Call(ctx context.Context, serviceMethod, key string, args, reply any) error {
	ctx, span := c.tracer.Start(ctx, serviceMethod, trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attribute.String("peer.service", c.service)))
	defer span.End()

	err := c.call(ctx, serviceMethod, key, args, reply)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(otelcodes.Error, err.Error())
	}
	return err
}

func (c *Client) call(ctx context.Context, serviceMethod, key string, args, reply any) error {
	var (
		tried   []string
		lastErr error
	)
	for attempt := 1; attempt <= c.opts.Attempts; attempt++ {
		if ctx.Err() != nil {
			lastErr = fault.Wrap(fault.LayerDispatcher, fault.KindTransient, "", ctx.Err())
			break
		}
		ep, err := c.resolver.Pick(c.service, key, tried...)
		if err != nil {
			if attempt == 1 {
				return err
			}
			// every endpoint went away between attempts
			lastErr = err
			break
		}
		addr := ep.Addr()
		tried = append(tried, addr)

		err = c.attempt(ctx, addr, serviceMethod, args, reply)
		if err == nil {
			return nil
		}
		if !fault.IsTransient(err) {
			return err
		}
		lastErr = err
		c.logger.Warn("attempt failed",
			zap.String("service", c.service),
			zap.String("method", serviceMethod),
			zap.String("endpoint", addr),
			zap.Int("attempt", attempt),
			zap.String("layer", string(fault.LayerOf(err))),
			zap.Error(err))
	}
	return fault.Wrap(fault.LayerDispatcher, fault.KindExhausted, "",
		&exhaustedError{service: c.service, tried: tried, last: lastErr})
}

// exhaustedError matches ErrExhausted and unwraps to the last attempt's fault,
// so the layer that fault started in stays visible.
type exhaustedError struct {
	service string
	tried   []string
	last    error
}

func (e *exhaustedError) Error() string {
	return fmt.Sprintf("%v: %d attempts to %s (tried %v): %v", ErrExhausted, len(e.tried), e.service, e.tried, e.last)
}

func (e *exhaustedError) Unwrap() error { return e.last }

func (e *exhaustedError) Is(target error) bool { return target == ErrExhausted }

func (c *Client) attempt(ctx context.Context, addr, serviceMethod string, args, reply any) error {
	ctx, cancel := context.WithTimeout(ctx, c.opts.AttemptTimeout)
	defer cancel()

	t, err := c.pool.Acquire(ctx, addr)
	if err != nil {
		return err
	}

	meta := make(map[string]string, 3)
	if deadline, ok := ctx.Deadline(); ok {
		meta[message.MetaDeadline] = strconv.FormatInt(deadline.UnixNano(), 10)
	}
	otel.GetTextMapPropagator().Inject(ctx, propagation.MapCarrier(meta))

	resp, err := t.Call(ctx, serviceMethod, args, meta)
	switch {
	case err == nil:
	case errors.Is(err, transport.ErrTransportClosed):
		// only a broken connection is thrown away; a lapsed deadline keeps it
		c.pool.Invalidate(addr, t)
		return fault.Wrap(fault.LayerPool, fault.KindTransient, addr, err)
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return fault.Wrap(fault.LayerRemote, fault.KindTransient, addr, err)
	default:
		return fault.Wrap(fault.LayerDispatcher, fault.KindPermanent, addr, err)
	}

	if reply != nil && len(resp.Payload) > 0 {
		if err := json.Unmarshal(resp.Payload, reply); err != nil && !resp.Failed() {
			return fault.Wrap(fault.LayerDispatcher, fault.KindPermanent, addr, fmt.Errorf("decode reply: %w", err))
		}
	}
	if resp.Failed() {
		st := resp.Status()
		return fault.Wrap(fault.LayerRemote, kindOf(st.Code()), addr, st.Err())
	}
	return nil
}

// kindOf classifies a remote status code.
func kindOf(c codes.Code) fault.Kind {
	switch c {
	case codes.Unavailable, codes.DeadlineExceeded, codes.ResourceExhausted, codes.Aborted:
		return fault.KindTransient
	}
	return fault.KindPermanent
}
