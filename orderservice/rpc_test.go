package orderservice

import (
	"context"
	"encoding/json"
	"net"
	"testing"
	"time"

	"order-pipeline/codec"
	"order-pipeline/server"
	"order-pipeline/transport"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
)

func startService(t *testing.T, svc *Service) *transport.ClientTransport {
	t.Helper()
	svr := server.NewServer()
	require.NoError(t, Register(svr, svc))
	require.NoError(t, svr.Listen("tcp", "127.0.0.1:0"))
	go svr.Serve()
	t.Cleanup(func() { svr.Shutdown(time.Second) })

	conn, err := net.Dial("tcp", svr.Addr().String())
	require.NoError(t, err)
	tr := transport.NewClientTransport(conn, codec.CodecTypeJSON, 0)
	t.Cleanup(func() { tr.Close() })
	return tr
}

func call(t *testing.T, tr *transport.ClientTransport, method string, args, reply any) codes.Code {
	t.Helper()
	resp, err := tr.Call(context.Background(), method, args, nil)
	require.NoError(t, err)
	if reply != nil && len(resp.Payload) > 0 {
		require.NoError(t, json.Unmarshal(resp.Payload, reply))
	}
	return resp.Code
}

func TestSubmitOrderRPC(t *testing.T) {
	tr := startService(t, New(Options{}))

	var res OrderResult
	assert.Equal(t, codes.OK, call(t, tr, SubmitOrderMethod, validOrder("o-1"), &res))
	assert.Equal(t, StatusProcessed, res.Status)

	var rejected OrderResult
	assert.Equal(t, codes.InvalidArgument, call(t, tr, SubmitOrderMethod, &Order{ID: "o-2"}, &rejected))
	assert.Equal(t, StatusRejected, rejected.Status)
	assert.Equal(t, ReasonEmptyItems, rejected.ReasonCode)
	assert.Equal(t, "o-2", rejected.OrderID)
}

func TestSubmitOrderRPCFailedIsInternal(t *testing.T) {
	tr := startService(t, New(Options{Processor: ProcessorFunc(func(ctx context.Context, o *Order) error {
		return assert.AnError
	})}))

	var res OrderResult
	assert.Equal(t, codes.Internal, call(t, tr, SubmitOrderMethod, validOrder("o-1"), &res))
	assert.Equal(t, StatusFailed, res.Status)
}

func TestSubmitOrderRPCUnavailableAfterClose(t *testing.T) {
	svc := New(Options{})
	tr := startService(t, svc)
	require.NoError(t, svc.Close(context.Background()))

	assert.Equal(t, codes.Unavailable, call(t, tr, SubmitOrderMethod, validOrder("o-1"), nil))
}

func TestAdminRPC(t *testing.T) {
	tr := startService(t, New(Options{Name: "order-service", ID: "os-1", Version: "1.2.3"}))

	var toggle SetRejectAllReply
	assert.Equal(t, codes.OK, call(t, tr, SetRejectAllMethod, &SetRejectAllArgs{Enabled: true}, &toggle))
	assert.False(t, toggle.Previous)
	assert.True(t, toggle.Enabled)

	var res OrderResult
	assert.Equal(t, codes.InvalidArgument, call(t, tr, SubmitOrderMethod, validOrder("o-1"), &res))
	assert.Equal(t, ReasonRejectAllMode, res.ReasonCode)

	var order Order
	assert.Equal(t, codes.OK, call(t, tr, GetOrderMethod, &GetOrderArgs{ID: "o-1"}, &order))
	assert.Equal(t, StatusRejected, order.Status)
	assert.Equal(t, codes.NotFound, call(t, tr, GetOrderMethod, &GetOrderArgs{ID: "nope"}, nil))

	var list ListOrdersReply
	assert.Equal(t, codes.OK, call(t, tr, ListOrdersMethod, &ListOrdersArgs{Filter: ListRejected}, &list))
	require.Len(t, list.Orders, 1)
	assert.Equal(t, codes.InvalidArgument, call(t, tr, ListOrdersMethod, &ListOrdersArgs{Filter: "bogus"}, nil))

	var info Info
	assert.Equal(t, codes.OK, call(t, tr, ServiceInfoMethod, &ServiceInfoArgs{}, &info))
	assert.Equal(t, "os-1", info.ID)
	assert.Equal(t, "1.2.3", info.Version)
	assert.True(t, info.RejectAll)
	assert.Equal(t, 1, info.OrderCount)
	assert.Contains(t, info.Methods, SubmitOrderMethod)
	assert.Contains(t, info.Methods, SetRejectAllMethod)
}
