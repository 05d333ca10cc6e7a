// Package transport implements the client side of the RPC connection: a
// multiplexed ClientTransport per connection and a Pool holding one transport
// per endpoint.
//
// ClientTransport lets many concurrent calls share one TCP connection. Each
// request gets a sequence number, and a single reader goroutine (recvLoop)
// routes every response to the caller waiting on that number.
//
//	goroutine-1 ──Call(seq=1)──┐
//	goroutine-2 ──Call(seq=2)──┼──→ single TCP conn ──→ order service
//	goroutine-3 ──Call(seq=3)──┘
//
//	recvLoop:  ←── response(seq=2) → pending[2] chan → goroutine-2 wakes up
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"order-pipeline/codec"
	"order-pipeline/message"
	"order-pipeline/protocol"
)

// ErrTransportClosed is returned for calls on a transport whose connection is gone.
var ErrTransportClosed = errors.New("transport: connection closed")

// ClientTransport manages a single multiplexed TCP connection.
type ClientTransport struct {
	conn    net.Conn
	codec   codec.CodecType
	seq     uint32        // guarded by sendSem
	pending sync.Map      // map[uint32]chan *message.RPCMessage
	sendSem chan struct{} // one frame at a time on the wire

	closed    chan struct{}
	closeOnce sync.Once
	errMu     sync.Mutex
	err       error // why the transport closed

	lastUsed atomic.Int64 // unix nanos
}

// NewClientTransport wraps conn and starts the response reader. A positive
// heartbeat interval also starts a keepalive writer.
func NewClientTransport(conn net.Conn, codecType codec.CodecType, heartbeat time.Duration) *ClientTransport {
	t := &ClientTransport{
		conn:    conn,
		codec:   codecType,
		sendSem: make(chan struct{}, 1),
		closed:  make(chan struct{}),
	}
	t.lastUsed.Store(time.Now().UnixNano())
	go t.recvLoop()
	if heartbeat > 0 {
		go t.heartbeatLoop(heartbeat)
	}
	return t
}

// Send writes one request and returns its sequence number and the channel its
// response will arrive on. The channel is closed without a value if the
// connection breaks first.
//
// ctx bounds both the wait for the wire and the write itself. A write cut
// short by the deadline leaves a partial frame behind, so it fails the
// transport.
func (t *ClientTransport) Send(ctx context.Context, serviceMethod string, args any, meta map[string]string) (uint32, <-chan *message.RPCMessage, error) {
	if !t.Ready() {
		return 0, nil, t.Err()
	}

	payload, err := json.Marshal(args)
	if err != nil {
		return 0, nil, err
	}
	body, err := codec.GetCodec(t.codec).Encode(&message.RPCMessage{
		ServiceMethod: serviceMethod,
		Payload:       payload,
		Meta:          meta,
	})
	if err != nil {
		return 0, nil, err
	}

	if err := t.acquire(ctx); err != nil {
		return 0, nil, err
	}
	defer t.release()
	if err := ctx.Err(); err != nil {
		return 0, nil, err
	}

	t.seq++
	seq := t.seq
	header := protocol.Header{
		CodecType: byte(t.codec),
		MsgType:   protocol.MsgTypeRequest,
		Seq:       seq,
	}

	// Register before writing so recvLoop can never see a response it cannot route.
	respChan := make(chan *message.RPCMessage, 1)
	t.pending.Store(seq, respChan)
	if !t.Ready() {
		// closed between the check above and Store; closeAllPending may have missed us
		t.pending.Delete(seq)
		return 0, nil, t.Err()
	}

	if deadline, ok := ctx.Deadline(); ok {
		t.conn.SetWriteDeadline(deadline)
		defer t.conn.SetWriteDeadline(time.Time{})
	}
	if err := protocol.Encode(t.conn, &header, body); err != nil {
		t.pending.Delete(seq)
		t.fail(err)
		return 0, nil, t.Err()
	}
	t.lastUsed.Store(time.Now().UnixNano())
	return seq, respChan, nil
}

// Call sends a request and waits for its response or ctx. A ctx that lapses
// while waiting for the response abandons only this call; one that lapses
// mid-write fails the transport (see Send).
func (t *ClientTransport) Call(ctx context.Context, serviceMethod string, args any, meta map[string]string) (*message.RPCMessage, error) {
	seq, ch, err := t.Send(ctx, serviceMethod, args, meta)
	if err != nil {
		return nil, err
	}
	select {
	case resp, ok := <-ch:
		if !ok {
			return nil, t.Err()
		}
		return resp, nil
	case <-ctx.Done():
		t.pending.Delete(seq)
		return nil, ctx.Err()
	}
}

func (t *ClientTransport) acquire(ctx context.Context) error {
	select {
	case t.sendSem <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-t.closed:
		return t.Err()
	}
}

func (t *ClientTransport) release() {
	<-t.sendSem
}

// recvLoop is the only reader of the connection.
func (t *ClientTransport) recvLoop() {
	for {
		header, body, err := protocol.Decode(t.conn)
		if err != nil {
			t.fail(err)
			return
		}
		if header.MsgType != protocol.MsgTypeResponse {
			continue
		}

		resp := &message.RPCMessage{}
		if err := codec.GetCodec(codec.CodecType(header.CodecType)).Decode(body, resp); err != nil {
			t.fail(fmt.Errorf("decode response: %w", err))
			return
		}
		if ch, ok := t.pending.LoadAndDelete(header.Seq); ok {
			ch.(chan *message.RPCMessage) <- resp
		}
	}
}

// closeAllPending wakes every waiting caller. LoadAndDelete makes each channel
// owned by exactly one of recvLoop or this function.
func (t *ClientTransport) closeAllPending() {
	t.pending.Range(func(key, _ any) bool {
		if ch, ok := t.pending.LoadAndDelete(key); ok {
			close(ch.(chan *message.RPCMessage))
		}
		return true
	})
}

func (t *ClientTransport) fail(cause error) {
	t.closeOnce.Do(func() {
		t.errMu.Lock()
		t.err = fmt.Errorf("%w: %v", ErrTransportClosed, cause)
		t.errMu.Unlock()
		close(t.closed)
		t.conn.Close()
	})
	t.closeAllPending()
}

// Close shuts the connection down; pending calls fail with ErrTransportClosed.
func (t *ClientTransport) Close() error {
	t.fail(errors.New("closed by client"))
	return nil
}

// Ready reports whether the connection is still usable.
func (t *ClientTransport) Ready() bool {
	select {
	case <-t.closed:
		return false
	default:
		return true
	}
}

// Err returns why the transport closed, nil while it is ready.
func (t *ClientTransport) Err() error {
	t.errMu.Lock()
	defer t.errMu.Unlock()
	return t.err
}

// LastUsed is the time of the last successful Send.
func (t *ClientTransport) LastUsed() time.Time {
	return time.Unix(0, t.lastUsed.Load())
}

// Conn returns the underlying TCP connection.
func (t *ClientTransport) Conn() net.Conn {
	return t.conn
}

// heartbeatLoop keeps idle connections from being dropped by middleboxes and
// surfaces a dead peer as a write error.
func (t *ClientTransport) heartbeatLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-t.closed:
			return
		case <-ticker.C:
		}
		if t.acquire(context.Background()) != nil {
			return
		}
		t.conn.SetWriteDeadline(time.Now().Add(interval))
		err := protocol.Encode(t.conn, &protocol.Header{CodecType: byte(t.codec), MsgType: protocol.MsgTypeHeartbeat}, nil)
		t.conn.SetWriteDeadline(time.Time{})
		t.release()
		if err != nil {
			t.fail(err)
			return
		}
	}
}
