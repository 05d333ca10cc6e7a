// Package server implements the RPC server that order service instances run.
//
// Request processing pipeline:
//
//	Accept conn → handleConn (single goroutine reads frames)
//	  → for each request: go handleRequest (parallel processing)
//	    → Codec.Decode → Middleware Chain → businessHandler (reflect.Call) → Codec.Encode → write response
//
// Handler errors travel as status codes: a handler returning
// status.Error(codes.InvalidArgument, ...) produces a response with that code,
// any other error becomes codes.Internal.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"reflect"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"order-pipeline/codec"
	"order-pipeline/message"
	"order-pipeline/middleware"
	"order-pipeline/protocol"

	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Server registers services and serves them over the framed TCP protocol.
type Server struct {
	serviceMap  map[string]*service
	listener    net.Listener
	wg          sync.WaitGroup // in-flight requests
	shutdown    atomic.Bool    // set before the listener closes so Serve returns nil
	middlewares []middleware.Middleware
	handler     middleware.HandlerFunc
	logger      *zap.Logger

	// baseCtx is the parent of every request ctx; it is cancelled when a
	// drain runs out of time so abandoned handlers can stop.
	baseCtx context.Context
	abandon context.CancelFunc

	connMu sync.Mutex
	conns  map[net.Conn]struct{}
}

type Option func(*Server)

func WithLogger(logger *zap.Logger) Option {
	return func(s *Server) { s.logger = logger }
}

func NewServer(opts ...Option) *Server {
	s := &Server{
		serviceMap: make(map[string]*service),
		logger:     zap.NewNop(),
		conns:      make(map[net.Conn]struct{}),
	}
	s.baseCtx, s.abandon = context.WithCancel(context.Background())
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Register registers rcvr under its type name.
func (svr *Server) Register(rcvr any) error {
	return svr.RegisterName("", rcvr)
}

// RegisterName registers rcvr under name.
func (svr *Server) RegisterName(name string, rcvr any) error {
	svc, err := newService(name, rcvr)
	if err != nil {
		return err
	}
	if _, dup := svr.serviceMap[svc.name]; dup {
		return fmt.Errorf("rpc: service already defined: %s", svc.name)
	}
	svr.serviceMap[svc.name] = svc
	return nil
}

// Methods lists the registered "Service.Method" names.
func (svr *Server) Methods() []string {
	var out []string
	for name, svc := range svr.serviceMap {
		for m := range svc.method {
			out = append(out, name+"."+m)
		}
	}
	return out
}

// Use registers a middleware. Middlewares are applied in the order they are added.
func (svr *Server) Use(mw middleware.Middleware) {
	svr.middlewares = append(svr.middlewares, mw)
}

// Listen binds the listener. It is separate from Serve so a bind failure can
// be reported before anything is registered anywhere.
func (svr *Server) Listen(network, address string) error {
	listener, err := net.Listen(network, address)
	if err != nil {
		return err
	}
	svr.listener = listener
	return nil
}

// Addr is the bound address, nil before Listen.
func (svr *Server) Addr() net.Addr {
	if svr.listener == nil {
		return nil
	}
	return svr.listener.Addr()
}

// Serve runs the accept loop until Shutdown. Listen must have succeeded.
func (svr *Server) Serve() error {
	if svr.listener == nil {
		return errors.New("rpc: Serve called before Listen")
	}
	svr.handler = middleware.Chain(svr.middlewares...)(svr.businessHandler)

	for {
		conn, err := svr.listener.Accept()
		if err != nil {
			if svr.shutdown.Load() {
				return nil
			}
			return err
		}
		svr.track(conn, true)
		go svr.handleConn(conn)
	}
}

// ListenAndServe is Listen followed by Serve.
func (svr *Server) ListenAndServe(network, address string) error {
	if err := svr.Listen(network, address); err != nil {
		return err
	}
	return svr.Serve()
}

func (svr *Server) track(conn net.Conn, add bool) {
	svr.connMu.Lock()
	defer svr.connMu.Unlock()
	if add {
		svr.conns[conn] = struct{}{}
	} else {
		delete(svr.conns, conn)
	}
}

// handleConn reads frames sequentially and handles each request in its own
// goroutine. Responses share a per-connection write lock so frames never
// interleave.
func (svr *Server) handleConn(conn net.Conn) {
	defer func() {
		svr.track(conn, false)
		conn.Close()
	}()
	writeMu := &sync.Mutex{}
	for {
		header, body, err := protocol.Decode(conn)
		if err != nil {
			return // connection closed or protocol error
		}
		if header.MsgType != protocol.MsgTypeRequest {
			continue // heartbeats only keep the connection alive
		}

		svr.wg.Add(1)
		go svr.handleRequest(header, body, conn, writeMu)
	}
}

func (svr *Server) handleRequest(header *protocol.Header, body []byte, conn net.Conn, writeMu *sync.Mutex) {
	defer svr.wg.Done()

	c := codec.GetCodec(codec.CodecType(header.CodecType))
	req := &message.RPCMessage{}
	var resp *message.RPCMessage
	switch {
	case c.Decode(body, req) != nil:
		resp = message.Errorf("", codes.InvalidArgument, "malformed request envelope")
	case svr.shutdown.Load():
		// draining: tell the caller to go elsewhere
		resp = message.Errorf(req.ServiceMethod, codes.Unavailable, "server shutting down")
	default:
		resp = svr.handler(svr.baseCtx, req)
	}

	result, err := c.Encode(resp)
	if err != nil {
		svr.logger.Error("encode response", zap.String("method", req.ServiceMethod), zap.Error(err))
		return
	}

	writeMu.Lock()
	defer writeMu.Unlock()
	replyHeader := protocol.Header{
		CodecType: header.CodecType,
		MsgType:   protocol.MsgTypeResponse,
		Seq:       header.Seq, // same seq as the request: this is how multiplexing works
	}
	if err := protocol.Encode(conn, &replyHeader, result); err != nil {
		svr.logger.Debug("write response", zap.String("method", req.ServiceMethod), zap.Error(err))
	}
}

// Shutdown stops accepting connections and waits up to timeout for in-flight
// requests. Requests still running after timeout are abandoned: their ctx is
// cancelled and their responses may never be written.
func (svr *Server) Shutdown(timeout time.Duration) error {
	svr.shutdown.Store(true)
	if svr.listener != nil {
		svr.listener.Close()
	}

	done := make(chan struct{})
	go func() {
		svr.wg.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-time.After(timeout):
		svr.abandon()
		err = fmt.Errorf("timeout waiting for ongoing requests to finish")
	}

	svr.connMu.Lock()
	for conn := range svr.conns {
		conn.Close()
	}
	svr.connMu.Unlock()
	return err
}

// businessHandler dispatches a request to its registered method.
//
// Flow: parse "Service.Method" → find service → find method → reflect.New(args) →
// json.Unmarshal(payload, args) → reflect.Call → json.Marshal(reply) → RPCMessage
func (svr *Server) businessHandler(ctx context.Context, req *message.RPCMessage) *message.RPCMessage {
	serviceName, methodName, ok := strings.Cut(req.ServiceMethod, ".")
	if !ok || serviceName == "" || methodName == "" {
		return message.Errorf(req.ServiceMethod, codes.InvalidArgument, "invalid service method format")
	}
	svc, ok := svr.serviceMap[serviceName]
	if !ok {
		return message.Errorf(req.ServiceMethod, codes.Unimplemented, "unknown service "+serviceName)
	}
	method, ok := svc.method[methodName]
	if !ok {
		return message.Errorf(req.ServiceMethod, codes.Unimplemented, "unknown method "+req.ServiceMethod)
	}

	argv := reflect.New(method.ArgType)
	replyv := reflect.New(method.ReplyType)
	if err := json.Unmarshal(req.Payload, argv.Interface()); err != nil {
		return message.Errorf(req.ServiceMethod, codes.InvalidArgument, "decode args: "+err.Error())
	}

	methodErr := svc.call(ctx, method, argv, replyv)

	// the reply travels even on error: a rejected order still carries its result
	replyMessage, err := json.Marshal(replyv.Interface())
	if err != nil {
		return message.Errorf(req.ServiceMethod, codes.Internal, "encode reply: "+err.Error())
	}
	resp := &message.RPCMessage{
		ServiceMethod: req.ServiceMethod,
		Payload:       replyMessage,
	}
	if methodErr != nil {
		st := toStatus(methodErr)
		resp.Code = st.Code()
		resp.Error = st.Message()
	}
	return resp
}

func toStatus(err error) *status.Status {
	if st, ok := status.FromError(err); ok {
		return st
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return status.FromContextError(err)
	}
	return status.New(codes.Internal, err.Error())
}
